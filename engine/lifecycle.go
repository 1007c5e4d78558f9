package engine

import (
	"context"
	"log/slog"
)

// Save-intent state machine:
//
//	New → (save/insert) → Existing
//	Existing → (mutate) → Existing(modified)
//	Existing|New → (Delete) → Deleted
//	Deleted → (UnDelete) → previous state
//
// IsChild is orthogonal: child nodes are never saved directly — persistence
// goes through the aggregate root.

// IsSavable reports whether Save would proceed: valid, modified, not busy,
// not a child.
func (n *Node) IsSavable() bool {
	g := n.lockGraph()
	defer g.mu.Unlock()
	return !n.state.isChild && !n.cached.invalid && !n.cached.busy && n.cached.modified
}

// MarkOld transitions the node to the Existing, unmodified state. Called by
// the engine after a successful insert/update and by fetch paths after
// materialization.
func (n *Node) MarkOld() {
	g := n.lockGraph()
	defer g.mu.Unlock()
	n.markOldLocked()
}

func (n *Node) markOldLocked() {
	n.state.isNew = false
	n.state.markedModified = false
	n.props.clearModified()
	n.refreshMetaLocked()
}

// MarkModified forces the node to report modified without any property
// write, so a save can be driven by out-of-band changes.
func (n *Node) MarkModified() {
	g := n.lockGraph()
	defer g.mu.Unlock()
	n.state.markedModified = true
	n.refreshMetaLocked()
}

// Delete marks the node for deletion on the next save. A node owned by a
// collection delegates to that collection's Remove so deletion tracking
// stays consistent — the two paths are behaviorally identical.
func (n *Node) Delete() error {
	g := n.lockGraph()
	defer g.mu.Unlock()
	if n.owner != nil {
		return n.owner.removeLocked(g, n)
	}
	n.state.isDeleted = true
	n.refreshMetaLocked()
	return nil
}

// UnDelete returns a deleted node to its previous state. For an item on a
// collection's pending list this is the re-add undo path.
func (n *Node) UnDelete() error {
	g := n.lockGraph()
	defer g.mu.Unlock()
	if !n.state.isDeleted {
		return nil
	}
	if n.owner != nil {
		// Re-add through the owner so the pending list stays consistent.
		c := n.owner
		i := -1
		for j, item := range c.pending {
			if item == n {
				i = j
				break
			}
		}
		if i >= 0 {
			c.pending = append(c.pending[:i], c.pending[i+1:]...)
			n.state.isDeleted = false
			c.items = append(c.items, n)
			n.refreshMetaLocked()
			c.refreshMetaLocked()
		}
		return nil
	}
	n.state.isDeleted = false
	n.refreshMetaLocked()
	return nil
}

// Save persists the aggregate through its portal, selecting create, update or
// delete intent from the {IsNew, IsDeleted} state.
//
// Rejected with NOT_SAVABLE when the node is a child, busy, invalid or
// unchanged. A portal error surfaces as PERSISTENCE_FAILED and the state
// transition is aborted: the node stays mutable and re-saveable. On success
// the node transitions out of New, modification flags clear, and processed
// deletions are finalized.
func (n *Node) Save(ctx context.Context) error {
	g := n.lockGraph()
	switch {
	case n.state.isChild:
		g.mu.Unlock()
		return errNotSavable("child")
	case n.cached.busy:
		g.mu.Unlock()
		return errNotSavable("busy")
	case n.cached.invalid:
		g.mu.Unlock()
		return errNotSavable("invalid")
	case !n.cached.modified:
		g.mu.Unlock()
		return errNotSavable("unchanged")
	case n.spec.Portal == nil:
		g.mu.Unlock()
		return errNotSavable("no portal")
	}
	g.mu.Unlock()

	slog.Debug("saving aggregate", "type", n.spec.TypeName, "id", n.id)
	return n.saveNode(ctx)
}

// saveNode runs the portal operation for one node, finalizes its state, then
// cascades into delegated children. Portal calls run without the graph lock
// so portal implementations can read the node through the public API.
func (n *Node) saveNode(ctx context.Context) error {
	g := n.lockGraph()
	isNew, isDeleted := n.state.isNew, n.state.isDeleted
	portal := n.spec.Portal
	g.mu.Unlock()

	switch {
	case isDeleted && isNew:
		// Never persisted; nothing for the portal to remove.
	case isDeleted:
		if err := portal.Delete(ctx, n); err != nil {
			return errPersistence("delete", err)
		}
	case isNew:
		if err := portal.Insert(ctx, n); err != nil {
			return errPersistence("insert", err)
		}
	default:
		if err := portal.Update(ctx, n); err != nil {
			return errPersistence("update", err)
		}
	}

	g = n.lockGraph()
	if isDeleted {
		// A deleted aggregate leaves the store entirely; the node reverts to
		// New so it could be re-saved as a fresh row. Children go with it —
		// cascade deletion in the store is the portal's concern.
		n.state.isDeleted = false
		n.state.isNew = true
		n.state.markedModified = false
		n.props.clearModified()
		n.refreshMetaLocked()
		g.mu.Unlock()
		return nil
	}
	n.markOldLocked()
	g.mu.Unlock()

	return n.saveChildren(ctx)
}

// saveChildren persists nested single children and collections. Deletions
// pending on a collection are processed first, then live items are inserted
// or updated by their own state. Each node's state advances only after its
// own portal call succeeds, so a mid-cycle failure leaves the failed node
// re-saveable.
func (n *Node) saveChildren(ctx context.Context) error {
	g := n.lockGraph()
	var childNodes []*Node
	var cols []*Collection
	n.props.each(func(cl *cell) {
		if child := cl.childNode(); child != nil {
			childNodes = append(childNodes, child)
		}
		if col := cl.childCollection(); col != nil {
			cols = append(cols, col)
		}
	})
	g.mu.Unlock()

	for _, child := range childNodes {
		if err := child.saveChildNode(ctx); err != nil {
			return err
		}
	}
	for _, col := range cols {
		if err := col.save(ctx); err != nil {
			return err
		}
	}
	return nil
}

// saveChildNode persists one nested child through its own spec's portal.
// Child nodes are saved as part of the root's cycle; the IsChild rejection
// applies only to direct Save calls. Children whose spec carries no portal
// are skipped — they have no persistence of their own.
func (n *Node) saveChildNode(ctx context.Context) error {
	g := n.lockGraph()
	isNew := n.state.isNew
	modified := n.cached.modified
	portal := n.spec.Portal
	g.mu.Unlock()

	if portal == nil || !modified {
		return nil
	}
	if isNew {
		if err := portal.Insert(ctx, n); err != nil {
			return errPersistence("insert", err)
		}
	} else {
		if err := portal.Update(ctx, n); err != nil {
			return errPersistence("update", err)
		}
	}
	n.MarkOld()
	return n.saveChildren(ctx)
}

// save runs one collection's slice of the persistence cycle: pending
// deletions first, then live items. The pending list is cleared only after
// every deletion was processed.
func (c *Collection) save(ctx context.Context) error {
	g := c.lockGraph()
	pending := append([]*Node(nil), c.pending...)
	items := append([]*Node(nil), c.items...)
	g.mu.Unlock()

	for _, item := range pending {
		portal := item.spec.Portal
		if portal == nil {
			continue
		}
		if err := portal.Delete(ctx, item); err != nil {
			return errPersistence("delete", err)
		}
	}

	g = c.lockGraph()
	c.commitDeletionsLocked(g)
	g.mu.Unlock()

	for _, item := range items {
		if err := item.saveChildNode(ctx); err != nil {
			return err
		}
	}
	return nil
}
