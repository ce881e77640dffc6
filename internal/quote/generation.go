package quote

import "sync/atomic"

// Generation hands out monotonically increasing tokens. A result produced
// under a token that is no longer current has been superseded and must be
// dropped; the underlying call is never aborted.
type Generation struct {
	n atomic.Uint64
}

func (g *Generation) Next() uint64 { return g.n.Add(1) }

func (g *Generation) Current() uint64 { return g.n.Load() }

func (g *Generation) IsCurrent(token uint64) bool { return g.n.Load() == token }
