package chat

import (
	"bufio"
	"bytes"
	"context"
	"crypto/ed25519"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// SessionState enumerates the states of the per-connection state machine of
// §4.4: Idle -> Racing -> Handshaking{Asym,Sym} -> Ready{encrypted} ->
// Draining -> Closed. Racing is resolved before a Session exists (see
// RaceConnect in transport.go); a Session always starts life in Idle.
type SessionState int

const (
	StateIdle SessionState = iota
	StateHandshakingAsym
	StateHandshakingSym
	StateReady
	StateDraining
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateHandshakingAsym:
		return "HandshakingAsym"
	case StateHandshakingSym:
		return "HandshakingSym"
	case StateReady:
		return "Ready"
	case StateDraining:
		return "Draining"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// handshakeStepTimeout bounds each blocking handshake recv (spec.md §4.2:
// "handshake timeout (5 s default)").
const handshakeStepTimeout = 5 * time.Second

// Session drives one established connection through the handshake and then
// the steady-state reader/writer/timer loops. It owns the crypto state, the
// reliability tracker, and the raw net.Conn. User input and sink delivery
// are composed one layer up, in Endpoint.
type Session struct {
	cfg    Config
	ident  *identity
	conn   net.Conn
	reader *bufio.Reader

	localDialed bool
	deriver     bool

	ephemeral *ephemeralKeyPair
	crypto    *cryptoState

	ids         *idGenerator
	reliability *reliabilityTracker
	dispatcher  *Dispatcher
	sinks       *Sinks

	outbound chan Message

	writeMu sync.Mutex

	stateMu    sync.Mutex
	state      SessionState
	encrypted  bool
	lastTraffic time.Time
	lastHeartbeatSent time.Time

	peer *Peer
	log  zerolog.Logger
}

// NewSession wraps an established conn, ready to run its handshake.
func NewSession(cfg Config, ident *identity, conn net.Conn, localDialed bool, ids *idGenerator, reliability *reliabilityTracker, sinks *Sinks, peer *Peer, log zerolog.Logger) *Session {
	return &Session{
		cfg:         cfg,
		ident:       ident,
		conn:        conn,
		reader:      bufio.NewReaderSize(conn, cfg.ReadBufferBytes),
		localDialed: localDialed,
		crypto:      &cryptoState{},
		ids:         ids,
		reliability: reliability,
		sinks:       sinks,
		outbound:    make(chan Message, 256),
		state:       StateIdle,
		lastTraffic: time.Now(),
		peer:        peer,
		log:         log,
	}
}

// SetDispatcher wires the dispatcher after construction, since the
// dispatcher itself needs a reference to this session's outbound channel
// for Acks and peer-command Status conversion.
func (s *Session) SetDispatcher(d *Dispatcher) { s.dispatcher = d }

func (s *Session) setState(st SessionState) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
	s.log.Debug().Str("state", st.String()).Msg("session state transition")
}

func (s *Session) State() SessionState {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Session) touchTraffic() {
	s.stateMu.Lock()
	s.lastTraffic = time.Now()
	s.stateMu.Unlock()
}

func (s *Session) silentFor() time.Duration {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return time.Since(s.lastTraffic)
}

// Send enqueues an application message for the writer loop. Blocks if the
// outbound queue is full — deliberate backpressure (§5).
func (s *Session) Send(msg Message) {
	s.outbound <- msg
}

// Run performs the handshake and then drives the session until the peer
// closes, an unrecoverable error occurs, or ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	if err := s.handshake(ctx); err != nil {
		s.setState(StateClosed)
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.readLoop(gctx) })
	g.Go(func() error { return s.writeLoop(gctx) })
	g.Go(func() error { return s.timerLoop(gctx) })

	// net.Conn has no native context support; closing it from a watcher
	// goroutine is the standard way to unblock a pending Read/Write the
	// instant gctx is cancelled, rather than waiting on the read deadline.
	g.Go(func() error {
		<-gctx.Done()
		s.conn.Close()
		return nil
	})

	err := g.Wait()
	s.setState(StateClosed)
	s.conn.Close()
	return err
}

// --- handshake (§4.2, §4.4) ---

func (s *Session) handshake(ctx context.Context) error {
	s.setState(StateHandshakingAsym)

	ephemeral, err := newEphemeralKeyPair()
	if err != nil {
		return &HandshakeFailed{Phase: "ephemeral_keygen", Cause: err}
	}
	s.ephemeral = ephemeral

	// Both peers send this first frame before reading the other's, so the
	// send runs concurrently with the receive: on an unbuffered transport
	// such as net.Pipe, two sequential writes would block each other.
	sendErr := make(chan error, 1)
	go func() {
		if s.cfg.EncryptionEnabled {
			sig := s.ident.sign(ephemeral.pub[:])
			if err := s.sendHandshake(&Handshake{
				Sub:           HandshakePublicKey,
				IdentityKey:   append([]byte(nil), s.ident.pub...),
				EphemeralKey:  append([]byte(nil), ephemeral.pub[:]...),
				Signature:     sig,
				ClaimedDialer: s.localDialed,
			}); err != nil {
				sendErr <- &HandshakeFailed{Phase: "public_key_send", Cause: err}
				return
			}
		} else {
			if err := s.sendHandshake(&Handshake{Sub: HandshakeNotSupported}); err != nil {
				sendErr <- &HandshakeFailed{Phase: "not_supported_send", Cause: err}
				return
			}
		}
		sendErr <- nil
	}()

	peerHS, err := s.recvHandshake(ctx)
	if err != nil {
		return &HandshakeFailed{Phase: "public_key_recv", Cause: err}
	}
	if err := <-sendErr; err != nil {
		return err
	}

	switch peerHS.Sub {
	case HandshakeNotSupported:
		if s.cfg.EncryptionEnabled {
			return &EncryptionRequired{}
		}
		return s.finishUnencrypted()

	case HandshakePublicKey:
		if !s.cfg.EncryptionEnabled {
			return s.finishUnencrypted()
		}
		return s.symmetricHandshake(ctx, peerHS)

	default:
		return &HandshakeFailed{Phase: "public_key_recv", Cause: fmt.Errorf("unexpected sub-message %d", peerHS.Sub)}
	}
}

func (s *Session) finishUnencrypted() error {
	s.stateMu.Lock()
	s.encrypted = false
	s.lastHeartbeatSent = time.Now()
	s.stateMu.Unlock()
	s.setState(StateReady)
	if s.sinks != nil {
		s.sinks.Status <- StatusEvent{Kind: StatusDisconnectReason, Detail: "session established without encryption", Timestamp: time.Now()}
	}
	return nil
}

// symmetricHandshake derives or receives the session key per §4.2/§4.4's
// deriver tie-break, then waits for mutual EncryptionReady confirmation
// before transitioning to Ready.
func (s *Session) symmetricHandshake(ctx context.Context, peerHS *Handshake) error {
	s.setState(StateHandshakingSym)

	if !ed25519.Verify(ed25519.PublicKey(peerHS.IdentityKey), peerHS.EphemeralKey, peerHS.Signature) {
		return &AuthenticationFailed{}
	}

	if s.peer != nil {
		s.peer.PublicKeyFingerprint = fingerprint(peerHS.IdentityKey)
	}
	if s.sinks != nil {
		s.sinks.Status <- StatusEvent{
			Kind:      StatusFingerprint,
			Detail:    "peer fingerprint " + fingerprint(peerHS.IdentityKey),
			Timestamp: time.Now(),
		}
	}

	if s.localDialed != peerHS.ClaimedDialer {
		s.deriver = s.localDialed
	} else {
		s.deriver = bytes.Compare(s.ident.pub, peerHS.IdentityKey) < 0
	}

	if s.deriver {
		return s.deriveAndSendKey(ctx, peerHS.EphemeralKey)
	}
	return s.awaitSealedKey(ctx)
}

func (s *Session) deriveAndSendKey(ctx context.Context, peerEphPub []byte) error {
	sessionKey, err := generateSessionKey()
	if err != nil {
		return &HandshakeFailed{Phase: "derive_key", Cause: err}
	}
	sealed, err := sealKey(sessionKey, peerEphPub)
	if err != nil {
		return &HandshakeFailed{Phase: "seal_key", Cause: err}
	}
	if err := s.crypto.setKey(sessionKey); err != nil {
		return &HandshakeFailed{Phase: "set_key", Cause: err}
	}
	if err := s.sendHandshake(&Handshake{Sub: HandshakeKeyConfirmed, SealedKey: sealed}); err != nil {
		return &HandshakeFailed{Phase: "key_confirmed_send", Cause: err}
	}

	confirmHS, err := s.recvHandshake(ctx)
	if err != nil {
		return &HandshakeFailed{Phase: "encryption_ready_recv", Cause: err}
	}
	if confirmHS.Sub != HandshakeEncryptionReady {
		return &HandshakeFailed{Phase: "encryption_ready_recv", Cause: fmt.Errorf("unexpected sub-message %d", confirmHS.Sub)}
	}
	if err := s.sendHandshake(&Handshake{Sub: HandshakeEncryptionReady}); err != nil {
		return &HandshakeFailed{Phase: "encryption_ready_send", Cause: err}
	}
	return s.finishEncrypted()
}

func (s *Session) awaitSealedKey(ctx context.Context) error {
	keyHS, err := s.recvHandshake(ctx)
	if err != nil {
		return &HandshakeFailed{Phase: "key_confirmed_recv", Cause: err}
	}
	if keyHS.Sub != HandshakeKeyConfirmed {
		return &HandshakeFailed{Phase: "key_confirmed_recv", Cause: fmt.Errorf("unexpected sub-message %d", keyHS.Sub)}
	}
	sessionKey, err := unsealKey(keyHS.SealedKey, s.ephemeral.priv)
	if err != nil {
		return err
	}
	if err := s.crypto.setKey(sessionKey); err != nil {
		return &HandshakeFailed{Phase: "set_key", Cause: err}
	}
	if err := s.sendHandshake(&Handshake{Sub: HandshakeEncryptionReady}); err != nil {
		return &HandshakeFailed{Phase: "encryption_ready_send", Cause: err}
	}
	confirmHS, err := s.recvHandshake(ctx)
	if err != nil {
		return &HandshakeFailed{Phase: "encryption_ready_recv", Cause: err}
	}
	if confirmHS.Sub != HandshakeEncryptionReady {
		return &HandshakeFailed{Phase: "encryption_ready_recv", Cause: fmt.Errorf("unexpected sub-message %d", confirmHS.Sub)}
	}
	return s.finishEncrypted()
}

func (s *Session) finishEncrypted() error {
	s.stateMu.Lock()
	s.encrypted = true
	s.lastHeartbeatSent = time.Now()
	s.stateMu.Unlock()
	s.setState(StateReady)
	return nil
}

// sendHandshake writes a Handshake message as a plain, unencrypted frame —
// the handshake establishes the cipher, so it can never itself be enciphered.
func (s *Session) sendHandshake(hs *Handshake) error {
	msg := NewHandshake(s.ids.next(), time.Now(), hs)
	payload, err := EncodePayload(&msg)
	if err != nil {
		return err
	}
	return s.writeFrame(EncodeFrame(msg.ID, msg.Timestamp, msg.Tag, payload))
}

func (s *Session) recvHandshake(ctx context.Context) (*Handshake, error) {
	if deadline, ok := ctx.Deadline(); ok {
		s.conn.SetReadDeadline(deadline)
	} else {
		s.conn.SetReadDeadline(time.Now().Add(handshakeStepTimeout))
	}
	defer s.conn.SetReadDeadline(time.Time{})

	hdr, payload, err := ReadFrame(s.reader, s.ids, uint32(s.cfg.ReadBufferBytes))
	if err != nil {
		return nil, err
	}
	if hdr.Tag != TagHandshake {
		return nil, fmt.Errorf("expected handshake frame, got tag %s", hdr.Tag)
	}
	msg, err := DecodePayload(hdr, payload)
	if err != nil {
		return nil, err
	}
	return msg.HS, nil
}

func (s *Session) writeFrame(frame []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_, err := s.conn.Write(frame)
	return err
}

// --- steady state: reader, writer, timer (§4.7) ---

func (s *Session) readLoop(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.conn.SetReadDeadline(time.Now().Add(2 * s.cfg.HeartbeatInterval))
		hdr, payload, err := ReadFrame(s.reader, s.ids, uint32(s.cfg.ReadBufferBytes))
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue // liveness check happens in timerLoop
			}
			s.setState(StateDraining)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if isIntegrityFatal(err) {
				return err
			}
			return &PeerClosed{}
		}
		s.touchTraffic()

		msg, derr := s.decodeInbound(hdr, payload)
		if derr != nil {
			s.sinks.Error <- derr
			if isIntegrityFatal(derr) {
				s.setState(StateDraining)
				return derr
			}
			continue
		}
		s.dispatcher.Dispatch(msg)
	}
}

// decodeInbound turns a frame header + payload into a logical Message,
// transparently unwrapping CipherText when the session is encrypted. A
// decrypted CipherText frame collapses into its inner logical tag — the
// dispatcher never sees TagCipherText directly.
func (s *Session) decodeInbound(hdr frameHeader, payload []byte) (Message, error) {
	if hdr.Tag != TagCipherText {
		return DecodePayload(hdr, payload)
	}
	if !s.crypto.isReady() {
		return Message{}, &EncryptionRequired{}
	}
	nonce, ciphertext, err := decodeCipherPayload(payload)
	if err != nil {
		return Message{}, err
	}
	ad := associatedData(hdr.ID, hdr.TS, TagCipherText)
	plaintext, err := s.crypto.decrypt(nonce, ciphertext, ad)
	if err != nil {
		return Message{}, err
	}
	if len(plaintext) < 1 {
		return Message{}, &TruncatedPayload{Want: 1, Got: 0}
	}
	innerHdr := frameHeader{ID: hdr.ID, TS: hdr.TS, Tag: Tag(plaintext[0])}
	return DecodePayload(innerHdr, plaintext[1:])
}

// isIntegrityFatal reports whether err compromises session integrity and
// therefore must end the session (§7: "Any failure that compromises session
// integrity ... transitions the state machine to Draining and then Closed"),
// rather than being a recoverable per-frame error the reader can skip past.
func isIntegrityFatal(err error) bool {
	switch err.(type) {
	case *AuthenticationFailed, *MalformedFrame, *UnknownVariant, *TruncatedPayload, *EncryptionRequired:
		return true
	default:
		return false
	}
}

func (s *Session) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-s.outbound:
			if !ok {
				return nil
			}
			frame, err := s.encodeOutbound(msg)
			if err != nil {
				s.sinks.Error <- err
				continue
			}
			if err := s.writeFrame(frame); err != nil {
				s.setState(StateDraining)
				return err
			}
			if msg.Tag.reliable() {
				s.reliability.trackOutbound(msg.ID, frame, time.Now())
			}
			if msg.Tag == TagHeartbeat {
				s.stateMu.Lock()
				s.lastHeartbeatSent = time.Now()
				s.stateMu.Unlock()
			}
		}
	}
}

// encodeOutbound wraps msg's payload as CipherText once the session key is
// set, whatever msg's tag (control messages included); before that, and for
// the whole of an unencrypted session, frames are written plain. Handshake
// frames do not pass through here: sendHandshake writes them directly.
func (s *Session) encodeOutbound(msg Message) ([]byte, error) {
	payload, err := EncodePayload(&msg)
	if err != nil {
		return nil, err
	}
	if !s.crypto.isReady() {
		return EncodeFrame(msg.ID, msg.Timestamp, msg.Tag, payload), nil
	}
	inner := make([]byte, 1+len(payload))
	inner[0] = byte(msg.Tag)
	copy(inner[1:], payload)

	ad := associatedData(msg.ID, msg.Timestamp, TagCipherText)
	nonce, ciphertext, err := s.crypto.encrypt(inner, ad)
	if err != nil {
		return nil, err
	}
	cipherPayload := encodeCipherPayload(nonce, ciphertext)
	return EncodeFrame(msg.ID, msg.Timestamp, TagCipherText, cipherPayload), nil
}

func (s *Session) timerLoop(ctx context.Context) error {
	ticker := time.NewTicker(s.cfg.HeartbeatInterval / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case now := <-ticker.C:
			if s.silentFor() > 2*s.cfg.HeartbeatInterval {
				s.setState(StateDraining)
				s.sinks.Error <- &PeerSilent{}
				return &PeerSilent{}
			}

			s.stateMu.Lock()
			dueHeartbeat := now.Sub(s.lastHeartbeatSent) >= s.cfg.HeartbeatInterval
			s.stateMu.Unlock()
			if dueHeartbeat {
				select {
				case s.outbound <- NewHeartbeat(s.ids.next(), now):
				default:
				}
			}

			toResend, failed := s.reliability.checkRetries(now)
			for _, frame := range toResend {
				if err := s.writeFrame(frame); err != nil {
					return err
				}
			}
			for _, id := range failed {
				s.sinks.Error <- &DeliveryFailed{MessageID: id}
			}
		}
	}
}
