package chat

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// raceResult is one outcome of the listener/dialer race of §4.4.
type raceResult struct {
	conn   net.Conn
	dialed bool
}

// RaceConnect launches a bind and a dial concurrently, under one
// errgroup.Group, and resolves the race deterministically (§4.4 "Racing").
// If dialAddr is empty, only the bind is attempted (this endpoint is
// listen-only for this call). The first side to produce a connection aborts
// the other: a watcher goroutine closes the listener the instant the shared
// context is cancelled (unblocking a pending Accept), and dialWithRetry
// itself observes context cancellation between attempts — the same
// cancel-the-loser shape session.go uses for its reader/writer/timer group.
func RaceConnect(ctx context.Context, cfg Config, dialAddr string) (net.Conn, bool, error) {
	listenAddr := fmt.Sprintf(":%d", cfg.ListenPort)
	ln, lnErr := net.Listen("tcp", listenAddr)

	raceCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var mu sync.Mutex
	var winner *raceResult
	var lnErrSeen, dialErrSeen error

	claim := func(r raceResult) {
		mu.Lock()
		defer mu.Unlock()
		if winner == nil {
			winner = &r
			cancel()
			return
		}
		// A second, later connection arrived after we already committed to
		// the first — the "symmetric race" §4.4 anticipates. Keep the
		// first, discard the rest.
		r.conn.Close()
	}

	g, _ := errgroup.WithContext(raceCtx)
	launched := 0

	if lnErr == nil {
		launched++
		g.Go(func() error {
			<-raceCtx.Done()
			ln.Close()
			return nil
		})
		g.Go(func() error {
			conn, err := ln.Accept()
			if err != nil {
				mu.Lock()
				lnErrSeen = err
				mu.Unlock()
				return nil
			}
			claim(raceResult{conn: conn, dialed: false})
			return nil
		})
	}
	if dialAddr != "" {
		launched++
		g.Go(func() error {
			conn, err := dialWithRetry(raceCtx, dialAddr, cfg.ReconnectAttempts, cfg.ReconnectDelay)
			if err != nil {
				mu.Lock()
				dialErrSeen = err
				mu.Unlock()
				return nil
			}
			claim(raceResult{conn: conn, dialed: true})
			return nil
		})
	}

	if launched == 0 {
		if ln != nil {
			ln.Close()
		}
		return nil, false, &BindFailed{Port: cfg.ListenPort, Cause: lnErr}
	}

	g.Wait()

	mu.Lock()
	defer mu.Unlock()
	if winner != nil {
		return winner.conn, winner.dialed, nil
	}

	if lnErr != nil && dialAddr == "" {
		return nil, false, &BindFailed{Port: cfg.ListenPort, Cause: lnErr}
	}
	if dialAddr != "" && lnErr != nil {
		return nil, false, &NoPeerReachable{}
	}
	_, _ = lnErrSeen, dialErrSeen
	return nil, false, &NoPeerReachable{}
}

// dialWithRetry dials addr, retrying up to attempts times with a fixed
// delay between attempts (§3 "reconnect_attempts, reconnect_delay" — scoped
// to within-session re-dial only, per the Open Question decision recorded
// in DESIGN.md).
func dialWithRetry(ctx context.Context, addr string, attempts int, delay time.Duration) (net.Conn, error) {
	var dialer net.Dialer
	var lastErr error
	if attempts <= 0 {
		attempts = 1
	}
	for i := 0; i < attempts; i++ {
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	return nil, lastErr
}
