package chat

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Endpoint is the top-level object a CLI or other caller constructs: it owns
// the identity keypair, the reliability tracker, file staging, the event
// sinks, and — once connected — the single Session this two-party endpoint
// ever holds (§1: no multi-peer fan-out).
type Endpoint struct {
	cfg         Config
	ident       *identity
	ids         *idGenerator
	reliability *reliabilityTracker
	fileStaging *FileStaging
	sinks       *Sinks
	log         zerolog.Logger

	nickname string

	session *Session
	peer    *Peer
	cancel  context.CancelFunc
}

// NewEndpoint constructs an Endpoint from a validated Config.
func NewEndpoint(cfg Config, log zerolog.Logger) (*Endpoint, error) {
	ident, err := newIdentity()
	if err != nil {
		return nil, fmt.Errorf("generating identity keypair: %w", err)
	}
	return &Endpoint{
		cfg:         cfg,
		ident:       ident,
		ids:         &idGenerator{},
		reliability: newReliabilityTracker(cfg.ReconnectAttempts),
		fileStaging: NewFileStaging(cfg),
		sinks:       NewSinks(),
		log:         log,
		nickname:    cfg.Nickname,
	}, nil
}

// Sinks exposes the event channels a UI layer reads from.
func (e *Endpoint) Sinks() *Sinks { return e.sinks }

// Fingerprint returns this endpoint's own identity fingerprint (§3), shown
// to the user as the value their peer should see and confirm out of band.
func (e *Endpoint) Fingerprint() string { return fingerprint(e.ident.pub) }

// Run races a bind against an optional dial to dialAddr, runs the resulting
// session and the stdin input loop to completion, and returns the first
// fatal error from either. It blocks until the session ends or ctx is
// cancelled.
func (e *Endpoint) Run(ctx context.Context, dialAddr string, input io.Reader) error {
	conn, dialed, err := RaceConnect(ctx, e.cfg, dialAddr)
	if err != nil {
		return err
	}

	e.peer = newPeer(conn.RemoteAddr().String())
	e.session = NewSession(e.cfg, e.ident, conn, dialed, e.ids, e.reliability, e.sinks, e.peer, e.log)

	dispatcher := NewDispatcher(
		e.cfg,
		e.sinks,
		e.reliability,
		e.fileStaging,
		e.session.outbound,
		e.ids,
		e.peer.LocalID,
		e.onUnexpectedHandshake,
		func() {},
	)
	e.session.SetDispatcher(dispatcher)

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	defer cancel()

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return e.session.Run(gctx) })
	g.Go(func() error {
		err := e.runInput(gctx, input, dispatcher)
		cancel()
		return err
	})

	err = g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// onUnexpectedHandshake logs a stray post-handshake Handshake frame rather
// than treating it as fatal — the handshake state machine has already
// completed by the time the reader loop runs.
func (e *Endpoint) onUnexpectedHandshake(msg Message) {
	e.log.Warn().Uint64("id", msg.ID).Msg("received handshake frame after session was established")
}

// Close cancels the running session, if any.
func (e *Endpoint) Close() {
	if e.cancel != nil {
		e.cancel()
	}
}

// runInput reads newline-terminated lines from input, routing "/"-prefixed
// lines through ParseCommand (§4.6) and everything else out as Text.
func (e *Endpoint) runInput(ctx context.Context, input io.Reader, dispatcher *Dispatcher) error {
	lines := make(chan string)
	scanErrs := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(input)
		scanner.Buffer(make([]byte, 0, 64*1024), e.cfg.ReadBufferBytes*4)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		scanErrs <- scanner.Err()
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErrs:
					return err
				default:
					return nil
				}
			}
			if err := e.handleLine(line, dispatcher); err != nil {
				if _, isQuit := err.(quitRequested); isQuit {
					return nil
				}
				e.sinks.Error <- err
			}
		}
	}
}

// quitRequested signals a clean local /quit, distinguished from a real
// error so runInput can stop without surfacing it on the error sink.
type quitRequested struct{}

func (quitRequested) Error() string { return "quit requested" }

func (e *Endpoint) handleLine(line string, dispatcher *Dispatcher) error {
	if !IsCommandLine(line) {
		if line == "" {
			return nil
		}
		e.session.Send(NewText(e.ids.next(), time.Now(), line))
		return nil
	}

	cmd, err := ParseCommand(line)
	if err != nil {
		return err
	}

	switch cmd.Variant {
	case CommandQuit:
		return quitRequested{}

	case CommandHelp:
		e.sinks.Status <- StatusEvent{Kind: StatusPeerNickname, Detail: helpText, Timestamp: time.Now()}

	case CommandInfo:
		e.sinks.Status <- StatusEvent{
			Kind:      StatusFingerprint,
			Detail:    fmt.Sprintf("local fingerprint %s, peer fingerprint %s", e.Fingerprint(), e.peer.PublicKeyFingerprint),
			Timestamp: time.Now(),
		}

	case CommandListPeers:
		e.sinks.Status <- StatusEvent{
			Kind:      StatusPeerNickname,
			Detail:    fmt.Sprintf("connected to %s since %s", e.peer.RemoteAddress, e.peer.ConnectTime.Format(time.RFC3339)),
			Timestamp: time.Now(),
		}

	case CommandSendFile:
		file, err := e.fileStaging.Prepare(cmd.Path)
		if err != nil {
			return err
		}
		e.session.Send(NewFile(e.ids.next(), time.Now(), file))

	case CommandSetNickname:
		e.nickname = cmd.Arg
		e.session.Send(NewCommand(e.ids.next(), time.Now(), cmd))

	case CommandToggleAutoOpen:
		enabled := dispatcher.ToggleAutoOpen()
		e.sinks.Status <- StatusEvent{Kind: StatusPeerNickname, Detail: fmt.Sprintf("auto-open media: %v", enabled), Timestamp: time.Now()}
		e.session.Send(NewCommand(e.ids.next(), time.Now(), cmd))
	}
	return nil
}

const helpText = "commands: /help /quit /info /peers /send <path> /nick <name> /autoopen"
