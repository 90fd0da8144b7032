package chat

import "sync/atomic"

// idGenerator hands out a 64-bit monotonically increasing id, unique within
// one endpoint's process lifetime (§3 Message invariant). Ids are
// process-local and never persisted (§4.3).
type idGenerator struct {
	counter atomic.Uint64
}

// next returns the next id. The counter starts at 1 so 0 is never a valid
// issued id and can be used as a sentinel.
func (g *idGenerator) next() uint64 {
	return g.counter.Add(1)
}
