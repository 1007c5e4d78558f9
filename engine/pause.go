package engine

import "sync"

// Pause switches the node's whole graph to load semantics: property writes
// record no modification, trigger no rules and cascade no notifications.
// The returned release func is idempotent and must run on every exit path
// (defer it); releasing the outermost pause performs exactly one deferred
// meta-state recompute over the whole aggregate, not one per suppressed
// write. This is what makes bulk materialization cheap.
//
// Pauses nest with stack discipline: only the final release recomputes.
// Because the pause suppresses writes graph-wide, the recompute starts at
// the aggregate root rather than the pausing node, so suppressed writes in
// sibling or ancestor subtrees are picked up too.
func (n *Node) Pause() (resume func()) {
	g := n.lockGraph()
	g.pauseDepth++
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g := n.lockGraph()
			g.pauseDepth--
			if g.pauseDepth == 0 {
				n.rootLocked().refreshDeepLocked()
			}
			g.mu.Unlock()
		})
	}
}
