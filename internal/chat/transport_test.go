package chat

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"
)

// freePort reserves an OS-assigned TCP port by briefly listening on it, then
// releases it for RaceConnect to bind — the same listen-then-close idiom the
// example pack uses to find an unused port for tests.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	return port
}

func TestRaceConnectDialWins(t *testing.T) {
	peerLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer peerLn.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := peerLn.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	cfg, err := NewConfig(WithListenPort(freePort(t)), WithReconnect(3, 10*time.Millisecond))
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	conn, dialed, err := RaceConnect(ctx, cfg, peerLn.Addr().String())
	if err != nil {
		t.Fatalf("RaceConnect: %v", err)
	}
	defer conn.Close()

	if !dialed {
		t.Fatal("expected the dial side to win when nobody connects to our listener")
	}

	select {
	case peerConn := <-accepted:
		peerConn.Close()
	case <-time.After(time.Second):
		t.Fatal("peer listener never observed our dial")
	}
}

func TestRaceConnectAcceptWins(t *testing.T) {
	port := freePort(t)
	cfg, err := NewConfig(WithListenPort(port))
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	resultCh := make(chan struct {
		conn   net.Conn
		dialed bool
		err    error
	}, 1)
	go func() {
		conn, dialed, err := RaceConnect(ctx, cfg, "")
		resultCh <- struct {
			conn   net.Conn
			dialed bool
			err    error
		}{conn, dialed, err}
	}()

	// Give the listener a moment to bind before dialing in.
	time.Sleep(50 * time.Millisecond)
	dialerConn, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	if err != nil {
		t.Fatalf("net.Dial: %v", err)
	}
	defer dialerConn.Close()

	result := <-resultCh
	if result.err != nil {
		t.Fatalf("RaceConnect: %v", result.err)
	}
	defer result.conn.Close()
	if result.dialed {
		t.Fatal("expected the accept side to win when we dial in from outside")
	}
}

func TestRaceConnectNoPeerReachable(t *testing.T) {
	// Occupy our own listen port so the bind half fails, and point the dial
	// half at a reserved-but-closed port so nothing answers — both halves of
	// the race are guaranteed to fail regardless of test process privileges.
	occupied := freePort(t)
	blocker, err := net.Listen("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(occupied)))
	if err != nil {
		t.Fatalf("net.Listen: %v", err)
	}
	defer blocker.Close()

	deadDial := freePort(t)

	cfg, err := NewConfig(WithListenPort(occupied), WithReconnect(1, 5*time.Millisecond))
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, _, err = RaceConnect(ctx, cfg, net.JoinHostPort("127.0.0.1", strconv.Itoa(deadDial)))
	if _, ok := err.(*NoPeerReachable); !ok {
		t.Fatalf("got %v (%T), want *NoPeerReachable when neither half can succeed", err, err)
	}
}
