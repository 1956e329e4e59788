package call

import "sync/atomic"

// generation hands out session generations. Work started for one session
// carries its generation; a result whose generation no longer matches the
// current session is stale and must be dropped.
type generation struct {
	val atomic.Uint64
}

// next returns the next generation (monotonically increasing from 1).
func (g *generation) next() uint64 {
	return g.val.Add(1)
}
