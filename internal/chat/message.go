package chat

import "time"

// Tag identifies a frame's variant on the wire. Values are stable per the
// bit-exact wire protocol: 1 Text, 2 CipherText, 3 File, 4 Command,
// 5 Status, 6 Heartbeat, 7 Ack, 8 Handshake.
type Tag byte

const (
	TagText       Tag = 1
	TagCipherText Tag = 2
	TagFile       Tag = 3
	TagCommand    Tag = 4
	TagStatus     Tag = 5
	TagHeartbeat  Tag = 6
	TagAck        Tag = 7
	TagHandshake  Tag = 8
)

func (t Tag) String() string {
	switch t {
	case TagText:
		return "Text"
	case TagCipherText:
		return "CipherText"
	case TagFile:
		return "File"
	case TagCommand:
		return "Command"
	case TagStatus:
		return "Status"
	case TagHeartbeat:
		return "Heartbeat"
	case TagAck:
		return "Ack"
	case TagHandshake:
		return "Handshake"
	default:
		return "Unknown"
	}
}

// reliable reports whether messages of this kind are subject to
// acknowledgment, retry, and dedup (Text, CipherText, File).
func (t Tag) reliable() bool {
	switch t {
	case TagText, TagCipherText, TagFile:
		return true
	default:
		return false
	}
}

// CommandVariant enumerates the recognized local command kinds (§4.6).
type CommandVariant byte

const (
	CommandQuit CommandVariant = iota + 1
	CommandHelp
	CommandInfo
	CommandListPeers
	CommandSendFile
	CommandSetNickname
	CommandToggleAutoOpen
)

// Command is the decoded, typed form of a line beginning with "/".
type Command struct {
	Variant CommandVariant
	Path    string // populated for CommandSendFile
	Arg     string // populated for CommandSetNickname
}

// StatusKind enumerates the informational update kinds carried by a Status
// message.
type StatusKind byte

const (
	StatusPeerNickname StatusKind = iota + 1
	StatusProgress
	StatusDisconnectReason
	StatusFingerprint
)

// Status carries an informational update that is not a control signal and
// not subject to acknowledgment.
type Status struct {
	Kind   StatusKind
	Detail string
}

// HandshakeSub enumerates the handshake sub-messages of §3/§4.2.
type HandshakeSub byte

const (
	HandshakePublicKey HandshakeSub = iota + 1
	HandshakeKeyConfirmed
	HandshakeEncryptionReady
	HandshakeNotSupported
)

// Handshake carries one step of the key-exchange sub-protocol.
type Handshake struct {
	Sub HandshakeSub

	// Populated for HandshakePublicKey: the sender's long-lived ed25519
	// identity public key, its ephemeral X25519 public key, a signature over
	// the ephemeral key binding the two, and whether the sender reached this
	// connection by dialing rather than accepting (used to resolve the
	// deriver tie-break of §4.4 when both sides dialed each other).
	IdentityKey   []byte
	EphemeralKey  []byte
	Signature     []byte
	ClaimedDialer bool

	// Populated for HandshakeKeyConfirmed: an anonymously sealed session key
	// (ephemeral sender X25519 public key || nonce || sealed session key).
	SealedKey []byte
}

// File is a staged file payload (§3, §4.5).
type File struct {
	Name        string
	Size        uint64
	ContentHash [32]byte
	Bytes       []byte
}

// Message is the tuple (id, timestamp, kind) of spec.md §3. Exactly one of
// the kind-specific fields is meaningful, selected by Tag — a tagged-variant
// match, not dynamic dispatch, per the Design Notes' re-architecture of the
// source's "dynamic dispatch on message kind."
type Message struct {
	ID        uint64
	Timestamp time.Time
	Tag       Tag

	Text      string     // TagText
	Cipher    []byte     // TagCipherText: opaque blob (nonce + ciphertext), wire-only
	FilePart  *File      // TagFile
	Cmd       *Command   // TagCommand
	Stat      *Status    // TagStatus
	AckTarget uint64     // TagAck
	HS        *Handshake // TagHandshake
}

// NewText builds a Text message. The id is assigned by the caller (normally
// the endpoint's monotonic counter).
func NewText(id uint64, ts time.Time, text string) Message {
	return Message{ID: id, Timestamp: ts, Tag: TagText, Text: text}
}

// NewFile builds a File message.
func NewFile(id uint64, ts time.Time, f *File) Message {
	return Message{ID: id, Timestamp: ts, Tag: TagFile, FilePart: f}
}

// NewCommand builds a Command message (used only for peer-originated
// commands surfaced as Status — see dispatcher.go).
func NewCommand(id uint64, ts time.Time, c *Command) Message {
	return Message{ID: id, Timestamp: ts, Tag: TagCommand, Cmd: c}
}

// NewStatus builds a Status message.
func NewStatus(id uint64, ts time.Time, kind StatusKind, detail string) Message {
	return Message{ID: id, Timestamp: ts, Tag: TagStatus, Stat: &Status{Kind: kind, Detail: detail}}
}

// NewHeartbeat builds a Heartbeat message.
func NewHeartbeat(id uint64, ts time.Time) Message {
	return Message{ID: id, Timestamp: ts, Tag: TagHeartbeat}
}

// NewAck builds an Ack message acknowledging targetID.
func NewAck(id uint64, ts time.Time, targetID uint64) Message {
	return Message{ID: id, Timestamp: ts, Tag: TagAck, AckTarget: targetID}
}

// NewHandshake builds a Handshake message.
func NewHandshake(id uint64, ts time.Time, hs *Handshake) Message {
	return Message{ID: id, Timestamp: ts, Tag: TagHandshake, HS: hs}
}
