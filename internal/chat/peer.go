package chat

import (
	"time"

	"github.com/google/uuid"
)

// Peer is the descriptor of §3: created at the moment of transport
// acceptance or dial, destroyed on session close.
type Peer struct {
	LocalID             string
	DisplayNickname     string
	RemoteAddress       string
	ConnectTime         time.Time
	PublicKeyFingerprint string
}

// newPeer creates a Peer descriptor for a freshly accepted or dialed
// connection. LocalID uses github.com/google/uuid rather than a
// process-local counter because, unlike Message ids, peer identifiers have
// no wire-format or ordering contract to satisfy — a random UUID is the
// idiomatic choice here.
func newPeer(remoteAddress string) *Peer {
	return &Peer{
		LocalID:       uuid.NewString(),
		RemoteAddress: remoteAddress,
		ConnectTime:   time.Now(),
	}
}
