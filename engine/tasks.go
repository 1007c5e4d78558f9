package engine

import "context"

// cancelEntry tracks the cancel handle of the latest AsyncCancellable
// execution of one rule, keyed by execution id so a completion only removes
// its own entry.
type cancelEntry struct {
	execID int64
	cancel context.CancelFunc
}

// taskRegistry is the per-node bookkeeping for in-flight asynchronous rule
// executions. All fields are guarded by the graph lock.
type taskRegistry struct {
	pending int
	cancels map[StableID]*cancelEntry
}

func newTaskRegistry() *taskRegistry {
	return &taskRegistry{cancels: make(map[StableID]*cancelEntry)}
}

// beginLocked registers a starting execution. For cancellable rules the
// previous execution's context is cancelled: a newer execution supersedes it,
// so its I/O may stop early (its results would be discarded on landing
// anyway).
func (t *taskRegistry) beginLocked(r *rule, execID int64, cancel context.CancelFunc) {
	t.pending++
	if r.kind != AsyncCancellable {
		return
	}
	if prev := t.cancels[r.id]; prev != nil {
		prev.cancel()
	}
	t.cancels[r.id] = &cancelEntry{execID: execID, cancel: cancel}
}

// finishLocked unregisters a completed execution. Only the execution's own
// cancel entry is removed; a newer execution's entry is left alone.
func (t *taskRegistry) finishLocked(r *rule, execID int64) {
	t.pending--
	if entry := t.cancels[r.id]; entry != nil && entry.execID == execID {
		entry.cancel()
		delete(t.cancels, r.id)
	}
}

// PendingTasksForTesting returns the node's in-flight asynchronous execution
// count. Not intended for production use.
func (n *Node) PendingTasksForTesting() int {
	g := n.lockGraph()
	defer g.mu.Unlock()
	return n.tasks.pending
}

// WaitForTasks blocks until the node (including delegated children) has no
// in-flight asynchronous rule executions.
//
// Cancellation cancels only the waiting, never the in-flight work: running
// rule bodies finish so the graph is never left half-written. On
// cancellation the node is deterministically forced invalid with the
// object-level "validation cancelled" message, which only a full CheckAll
// clears, and the context error is returned.
func (n *Node) WaitForTasks(ctx context.Context) error {
	for {
		g := n.lockGraph()
		if !n.cached.busy {
			g.mu.Unlock()
			return nil
		}
		ch := g.metaSignalLocked()
		g.mu.Unlock()

		select {
		case <-ch:
			// A meta flag flipped somewhere in the graph; re-check.
		case <-ctx.Done():
			g := n.lockGraph()
			n.forceInvalidLocked()
			g.mu.Unlock()
			return ctx.Err()
		}
	}
}

// forceInvalidLocked records the cancellation message under the reserved
// engine rule id. Ordinary rule runs never touch it; CheckAll's full clear is
// the only removal path.
func (n *Node) forceInvalidLocked() {
	n.setObjectMessagesLocked(EngineRuleID, []Message{{
		RuleID:   EngineRuleID,
		Property: ObjectProperty,
		Text:     CancelledMessage,
	}})
	n.refreshMetaLocked()
}
