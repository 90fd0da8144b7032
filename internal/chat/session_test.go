package chat

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// pairedSession builds one side of an in-process session over a net.Pipe
// half, wired to its own dispatcher and sinks — enough to drive handshake()
// and the steady-state loops without a real TCP socket (§8 testability).
func pairedSession(t *testing.T, cfg Config, conn net.Conn, dialed bool) (*Session, *Dispatcher) {
	t.Helper()
	ident, err := newIdentity()
	if err != nil {
		t.Fatalf("newIdentity: %v", err)
	}
	ids := &idGenerator{}
	reliability := newReliabilityTracker(cfg.ReconnectAttempts)
	sinks := NewSinks()
	peer := newPeer(conn.RemoteAddr().String())

	s := NewSession(cfg, ident, conn, dialed, ids, reliability, sinks, peer, zerolog.Nop())
	d := NewDispatcher(cfg, sinks, reliability, NewFileStaging(cfg), s.outbound, ids, peer.LocalID, func(Message) {}, func() {})
	s.SetDispatcher(d)
	return s, d
}

func encryptedTestConfig(t *testing.T, encrypted bool) Config {
	t.Helper()
	cfg, err := NewConfig(WithDownloadDirectory(t.TempDir()), WithEncryptionEnabled(encrypted), WithHeartbeatInterval(200*time.Millisecond))
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	return cfg
}

func TestSessionHandshakeEncryptedDerivesSharedKey(t *testing.T) {
	connA, connB := net.Pipe()
	cfg := encryptedTestConfig(t, true)

	sessA, _ := pairedSession(t, cfg, connA, true)
	sessB, _ := pairedSession(t, cfg, connB, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() { errA <- sessA.handshake(ctx) }()
	go func() { errB <- sessB.handshake(ctx) }()

	if err := <-errA; err != nil {
		t.Fatalf("sessA.handshake: %v", err)
	}
	if err := <-errB; err != nil {
		t.Fatalf("sessB.handshake: %v", err)
	}

	if sessA.State() != StateReady || sessB.State() != StateReady {
		t.Fatalf("got states %v / %v, want both Ready", sessA.State(), sessB.State())
	}
	if !sessA.encrypted || !sessB.encrypted {
		t.Fatal("expected both sides to end encrypted")
	}
	if sessA.deriver == sessB.deriver {
		t.Fatal("expected exactly one side to be designated deriver")
	}
	if sessA.peer.PublicKeyFingerprint != fingerprint(sessB.ident.pub) {
		t.Fatal("A's recorded peer fingerprint does not match B's identity")
	}
}

func TestSessionHandshakeFallsBackUnencrypted(t *testing.T) {
	connA, connB := net.Pipe()
	cfg := encryptedTestConfig(t, false)

	sessA, _ := pairedSession(t, cfg, connA, true)
	sessB, _ := pairedSession(t, cfg, connB, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() { errA <- sessA.handshake(ctx) }()
	go func() { errB <- sessB.handshake(ctx) }()

	if err := <-errA; err != nil {
		t.Fatalf("sessA.handshake: %v", err)
	}
	if err := <-errB; err != nil {
		t.Fatalf("sessB.handshake: %v", err)
	}
	if sessA.encrypted || sessB.encrypted {
		t.Fatal("expected both sides to fall back to an unencrypted session")
	}
}

// TestSessionHandshakeMismatchedPolicyRequiresEncryption covers spec.md §4.2's
// "If policy disallows unencrypted, the session closes with
// EncryptionRequired": A requires encryption, B has it disabled and sends
// Handshake{NotSupported}, so A must fail closed rather than downgrade.
func TestSessionHandshakeMismatchedPolicyRequiresEncryption(t *testing.T) {
	connA, connB := net.Pipe()
	cfgA, err := NewConfig(WithDownloadDirectory(t.TempDir()), WithEncryptionEnabled(true))
	if err != nil {
		t.Fatalf("NewConfig A: %v", err)
	}
	cfgB, err := NewConfig(WithDownloadDirectory(t.TempDir()), WithEncryptionEnabled(false))
	if err != nil {
		t.Fatalf("NewConfig B: %v", err)
	}

	sessA, _ := pairedSession(t, cfgA, connA, true)
	sessB, _ := pairedSession(t, cfgB, connB, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() { errA <- sessA.handshake(ctx) }()
	go func() { errB <- sessB.handshake(ctx) }()

	gotA := <-errA
	if _, ok := gotA.(*EncryptionRequired); !ok {
		t.Fatalf("sessA.handshake: got %v (%T), want *EncryptionRequired", gotA, gotA)
	}
	if err := <-errB; err != nil {
		t.Fatalf("sessB.handshake: %v", err)
	}
	if sessB.encrypted {
		t.Fatal("expected B, with encryption disabled, to fall back to unencrypted")
	}
}

// TestSessionReaderDrainsOnAuthenticationFailure covers scenario 4 of spec.md
// §8: a bit-flipped ciphertext must never reach the UI sink, and must move
// the session to Draining (here observed via readLoop's returned error and
// the session's resulting state) rather than be silently skipped.
func TestSessionReaderDrainsOnAuthenticationFailure(t *testing.T) {
	connA, connB := net.Pipe()
	cfg := encryptedTestConfig(t, true)

	sessA, _ := pairedSession(t, cfg, connA, true)
	sessB, _ := pairedSession(t, cfg, connB, false)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errA := make(chan error, 1)
	errB := make(chan error, 1)
	go func() { errA <- sessA.handshake(ctx) }()
	go func() { errB <- sessB.handshake(ctx) }()
	if err := <-errA; err != nil {
		t.Fatalf("sessA.handshake: %v", err)
	}
	if err := <-errB; err != nil {
		t.Fatalf("sessB.handshake: %v", err)
	}

	msg := NewText(sessA.ids.next(), time.Now(), "this should never arrive")
	frame, err := sessA.encodeOutbound(msg)
	if err != nil {
		t.Fatalf("encodeOutbound: %v", err)
	}
	frame[len(frame)-1] ^= 0xFF // flip a bit inside the AEAD tag

	readErr := make(chan error, 1)
	go func() { readErr <- sessB.readLoop(ctx) }()

	if _, err := connA.Write(frame); err != nil {
		t.Fatalf("Write: %v", err)
	}

	select {
	case ev := <-sessB.sinks.Text:
		t.Fatalf("tampered frame was delivered to the UI sink: %+v", ev)
	case gotErr := <-sessB.sinks.Error:
		if _, ok := gotErr.(*AuthenticationFailed); !ok {
			t.Fatalf("got error %v (%T), want *AuthenticationFailed", gotErr, gotErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for B's reader to observe the tampered frame")
	}

	select {
	case loopErr := <-readErr:
		if _, ok := loopErr.(*AuthenticationFailed); !ok {
			t.Fatalf("readLoop returned %v (%T), want *AuthenticationFailed", loopErr, loopErr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for readLoop to return")
	}

	if sessB.State() != StateDraining {
		t.Fatalf("got state %v, want Draining", sessB.State())
	}
}

func TestSessionTextMessageDeliveryAndAck(t *testing.T) {
	connA, connB := net.Pipe()
	cfg := encryptedTestConfig(t, true)

	sessA, dispA := pairedSession(t, cfg, connA, true)
	sessB, _ := pairedSession(t, cfg, connB, false)
	_ = dispA

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	go sessA.Run(ctx)
	go sessB.Run(ctx)

	// Wait for both sides to reach Ready before sending.
	deadline := time.Now().Add(2 * time.Second)
	for sessA.State() != StateReady || sessB.State() != StateReady {
		if time.Now().After(deadline) {
			t.Fatalf("sessions did not reach Ready: A=%v B=%v", sessA.State(), sessB.State())
		}
		time.Sleep(5 * time.Millisecond)
	}

	sessA.Send(NewText(sessA.ids.next(), time.Now(), "hello from A"))

	select {
	case ev := <-sessB.sinks.Text:
		if ev.Text != "hello from A" {
			t.Fatalf("got text %q", ev.Text)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for B to receive the text message")
	}

	deadline = time.Now().Add(2 * time.Second)
	for sessA.reliability.pendingCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("A's reliability tracker never cleared the pending record after B's ack")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
