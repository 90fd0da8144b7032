package chat

import (
	"sync/atomic"
	"time"
)

// TextEvent is delivered to the UI sink for a chat line, whether it arrived
// as plaintext Text or decrypted CipherText (§3 invariant: both are
// application payloads, indistinguishable once decoded).
type TextEvent struct {
	PeerID    string
	Text      string
	Timestamp time.Time
}

// StatusEvent is delivered to the UI sink for informational updates: peer
// nickname changes, progress, disconnect reasons, and peer-originated
// commands (§4.8: "Command from peer → treated as a Status update").
type StatusEvent struct {
	Kind      StatusKind
	Detail    string
	Timestamp time.Time
}

// FileSavedEvent is delivered to the UI sink once a received file has been
// validated and renamed to its final path.
type FileSavedEvent struct {
	Path      string
	Size      uint64
	AutoOpen  bool
}

// Sinks are the bounded event queues the dispatcher writes to (§6: "this
// core exposes a callback or channel for each sink"). A full sink applies
// backpressure to the reader rather than dropping (§4.8 invariant).
type Sinks struct {
	Text      chan TextEvent
	Status    chan StatusEvent
	FileSaved chan FileSavedEvent
	Error     chan error
}

const defaultUIQueueDepth = 1024

// NewSinks allocates bounded channels at the default depth of §5
// ("Resource bounds": UI 1024).
func NewSinks() *Sinks {
	return &Sinks{
		Text:      make(chan TextEvent, defaultUIQueueDepth),
		Status:    make(chan StatusEvent, defaultUIQueueDepth),
		FileSaved: make(chan FileSavedEvent, defaultUIQueueDepth),
		Error:     make(chan error, defaultUIQueueDepth),
	}
}

// Dispatcher classifies a decoded inbound Message and routes it (§4.8). It
// never blocks on anything but the bounded sink channels and the outbound
// queue — both deliberate backpressure points, never silent drops.
type Dispatcher struct {
	cfg          Config
	sinks        *Sinks
	reliability  *reliabilityTracker
	fileStaging  *FileStaging
	outbound     chan<- Message
	ids          *idGenerator
	onHandshake  func(Message)
	onHeartbeat  func()
	peerID       string
	autoOpen     atomic.Bool
}

func NewDispatcher(cfg Config, sinks *Sinks, reliability *reliabilityTracker, fileStaging *FileStaging, outbound chan<- Message, ids *idGenerator, peerID string, onHandshake func(Message), onHeartbeat func()) *Dispatcher {
	d := &Dispatcher{
		cfg:         cfg,
		sinks:       sinks,
		reliability: reliability,
		fileStaging: fileStaging,
		outbound:    outbound,
		ids:         ids,
		onHandshake: onHandshake,
		onHeartbeat: onHeartbeat,
		peerID:      peerID,
	}
	d.autoOpen.Store(cfg.AutoOpenMedia)
	return d
}

// ToggleAutoOpen flips the live auto-open-media setting (§4.6 /autoopen),
// independent of the Config this dispatcher was constructed with.
func (d *Dispatcher) ToggleAutoOpen() bool {
	for {
		old := d.autoOpen.Load()
		if d.autoOpen.CompareAndSwap(old, !old) {
			return !old
		}
	}
}

// Dispatch routes one decoded, already-decrypted-if-applicable message.
func (d *Dispatcher) Dispatch(msg Message) {
	switch msg.Tag {
	case TagText:
		if d.reliability.seenBefore(msg.ID) {
			d.ackReliable(msg.ID)
			return
		}
		d.sinks.Text <- TextEvent{PeerID: d.peerID, Text: msg.Text, Timestamp: msg.Timestamp}
		d.ackReliable(msg.ID)

	case TagFile:
		if d.reliability.seenBefore(msg.ID) {
			d.ackReliable(msg.ID)
			return
		}
		path, err := d.fileStaging.Receive(msg.FilePart)
		if err != nil {
			d.sinks.Error <- err
			return
		}
		d.sinks.FileSaved <- FileSavedEvent{
			Path:     path,
			Size:     msg.FilePart.Size,
			AutoOpen: d.autoOpen.Load() && hasMediaExtension(d.cfg, msg.FilePart.Name),
		}
		d.ackReliable(msg.ID)

	case TagCommand:
		d.sinks.Status <- StatusEvent{
			Kind:      StatusPeerNickname,
			Detail:    describePeerCommand(msg.Cmd),
			Timestamp: msg.Timestamp,
		}

	case TagStatus:
		d.sinks.Status <- StatusEvent{Kind: msg.Stat.Kind, Detail: msg.Stat.Detail, Timestamp: msg.Timestamp}

	case TagHeartbeat:
		d.onHeartbeat()

	case TagAck:
		d.reliability.ack(msg.AckTarget)

	case TagHandshake:
		d.onHandshake(msg)
	}
}

// ackReliable emits an Ack for a reliable message id. Best-effort: if the
// outbound queue is momentarily full, this blocks (backpressure), which is
// acceptable since Ack itself is not reliable — a lost Ack merely causes one
// extra retry, handled by dedup on re-delivery.
func (d *Dispatcher) ackReliable(targetID uint64) {
	d.outbound <- NewAck(d.ids.next(), time.Now(), targetID)
}

// describePeerCommand renders a peer-originated command as a human string
// for the Status sink (§4.8: never executed locally).
func describePeerCommand(c *Command) string {
	switch c.Variant {
	case CommandSetNickname:
		return "peer set nickname: " + c.Arg
	case CommandToggleAutoOpen:
		return "peer toggled auto-open"
	default:
		return "peer sent a command"
	}
}
