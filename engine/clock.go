package engine

import "sync/atomic"

// execClock issues strictly increasing execution ids for one node's
// asynchronous rule runs. The clock travels with the node's rule manager, so
// ids stay comparable to the landed high-water marks even after the node is
// adopted into a different aggregate.
//
// Execution ids serve two purposes:
//   - busy markers: each in-flight execution marks its target cells busy with
//     its own id, so overlapping executions of the same rule never clear each
//     other's busy state;
//   - supersession: a completion lands only if its id exceeds the last landed
//     id for the same rule, so the last write's execution wins regardless of
//     arrival order.
//
// Safe for concurrent use (atomic operations), though the engine's graph lock
// means only one goroutine typically calls next().
type execClock struct {
	seq atomic.Int64
}

// next returns the next execution id. Each call returns a unique,
// strictly increasing value.
func (c *execClock) next() int64 {
	return c.seq.Add(1)
}

// current returns the latest issued id without incrementing.
func (c *execClock) current() int64 {
	return c.seq.Load()
}
