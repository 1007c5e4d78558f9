package engine

import "slices"

// Collection is an ordered, owned sequence of child nodes with a
// deletion-tracking side list for persistence reconciliation.
//
// Invariants:
//   - an item in items never simultaneously appears in pending;
//   - an item moves to pending only if it was not new at removal time —
//     brand-new items removed before persistence are discarded entirely;
//   - pending is cleared only by a successful persistence cycle.
//
// Items' parent back-references point at the collection's host node, not the
// collection itself.
type Collection struct {
	graph   *graph
	host    *Node
	items   []*Node
	pending []*Node
	cached  metaState
}

func (*Collection) value() {}

// NewCollection constructs an empty, unhosted collection. It joins an
// aggregate's graph when set into a KindCollection property.
func NewCollection(opts ...Option) *Collection {
	var o graphOptions
	o.asyncLimit = DefaultAsyncLimit
	for _, opt := range opts {
		opt(&o)
	}
	return &Collection{graph: newGraph(o)}
}

// Host returns the node that holds this collection as a property value.
func (c *Collection) Host() *Node {
	g := c.lockGraph()
	defer g.mu.Unlock()
	return c.host
}

// Len returns the live item count (pending deletions excluded).
func (c *Collection) Len() int {
	g := c.lockGraph()
	defer g.mu.Unlock()
	return len(c.items)
}

// At returns the live item at index i, or nil when out of range.
func (c *Collection) At(i int) *Node {
	g := c.lockGraph()
	defer g.mu.Unlock()
	if i < 0 || i >= len(c.items) {
		return nil
	}
	return c.items[i]
}

// Items returns a copy of the live item list.
func (c *Collection) Items() []*Node {
	g := c.lockGraph()
	defer g.mu.Unlock()
	return append([]*Node(nil), c.items...)
}

// PendingDeletion returns a copy of the deletion-tracking side list.
func (c *Collection) PendingDeletion() []*Node {
	g := c.lockGraph()
	defer g.mu.Unlock()
	return append([]*Node(nil), c.pending...)
}

// IsValid reports whether every item (including pending deletions) is valid.
func (c *Collection) IsValid() bool {
	g := c.lockGraph()
	defer g.mu.Unlock()
	return !c.cached.invalid
}

// IsBusy reports whether any item has in-flight rule executions.
func (c *Collection) IsBusy() bool {
	g := c.lockGraph()
	defer g.mu.Unlock()
	return c.cached.busy
}

// IsModified reports whether any item is modified or any deletion is pending.
func (c *Collection) IsModified() bool {
	g := c.lockGraph()
	defer g.mu.Unlock()
	return c.cached.modified
}

// Add adopts an item into the collection.
//
// Rejects ForeignAggregate when the item belongs to another live collection
// or node, and ItemBusy while the item has in-flight executions. Re-adding an
// item from this collection's own pending list is an undo: it leaves pending,
// its deleted flag clears, and it is not treated as a fresh add. Adding an
// item already present is a no-op.
func (c *Collection) Add(item *Node) error {
	g := c.lockGraph()
	defer g.mu.Unlock()

	if slices.Contains(c.items, item) {
		return nil
	}
	if i := slices.Index(c.pending, item); i >= 0 {
		c.pending = slices.Delete(c.pending, i, i+1)
		item.state.isDeleted = false
		c.items = append(c.items, item)
		item.refreshMetaLocked()
		c.refreshMetaLocked()
		return nil
	}

	if item.owner != nil || item.parent != nil {
		return &EngineError{Code: ErrCodeForeignAggregate, Message: "item already belongs to another aggregate"}
	}

	// The item may still live in its own graph; hold that lock while it is
	// inspected and re-pointed. Background completions on the item block
	// until adoption finishes.
	itemGraph := item.graph
	if itemGraph != g {
		itemGraph.mu.Lock()
		defer itemGraph.mu.Unlock()
	}
	if item.cached.busy {
		return &EngineError{Code: ErrCodeItemBusy, Message: "item has in-flight rule executions"}
	}

	item.owner = c
	item.parent = c.host
	item.state.isChild = true
	item.adoptGraphLocked(g)
	c.items = append(c.items, item)
	c.refreshMetaLocked()
	return nil
}

// RestorePending places an item directly on the deletion-tracking list with
// its deleted flag set. Codec/load path only; Remove is the runtime path.
func (c *Collection) RestorePending(item *Node) error {
	g := c.lockGraph()
	defer g.mu.Unlock()

	if item.owner != nil || item.parent != nil {
		return &EngineError{Code: ErrCodeForeignAggregate, Message: "item already belongs to another aggregate"}
	}
	itemGraph := item.graph
	if itemGraph != g {
		itemGraph.mu.Lock()
		defer itemGraph.mu.Unlock()
	}
	if item.cached.busy {
		return &EngineError{Code: ErrCodeItemBusy, Message: "item has in-flight rule executions"}
	}

	item.owner = c
	item.parent = c.host
	item.state.isChild = true
	item.state.isDeleted = true
	item.adoptGraphLocked(g)
	c.pending = append(c.pending, item)
	item.refreshMetaLocked()
	c.refreshMetaLocked()
	return nil
}

// Remove takes an item out of the live list. New items are discarded
// outright — they were never persisted, so there is nothing to reconcile.
// Existing items are marked deleted and moved to the pending list without
// clearing their parent: they stay reachable until persistence processes the
// deletion.
func (c *Collection) Remove(item *Node) error {
	g := c.lockGraph()
	defer g.mu.Unlock()
	return c.removeLocked(g, item)
}

func (c *Collection) removeLocked(g *graph, item *Node) error {
	i := slices.Index(c.items, item)
	if i < 0 {
		return &EngineError{Code: ErrCodeItemNotFound, Message: "item is not in this collection"}
	}

	if item.state.isNew {
		// Discarding moves the item to its own graph; that is only safe with
		// no executions in flight against the shared lock.
		if item.cached.busy {
			return &EngineError{Code: ErrCodeItemBusy, Message: "item has in-flight rule executions"}
		}
		c.items = slices.Delete(c.items, i, i+1)
		item.owner = nil
		item.parent = nil
		item.adoptGraphLocked(g.detached())
		c.refreshMetaLocked()
		return nil
	}

	c.items = slices.Delete(c.items, i, i+1)
	item.state.isDeleted = true
	c.pending = append(c.pending, item)
	item.refreshMetaLocked()
	c.refreshMetaLocked()
	return nil
}

// commitDeletionsLocked finishes a persistence cycle that processed the
// pending list: the list is cleared and the items' collection back-reference
// is detached.
func (c *Collection) commitDeletionsLocked(g *graph) {
	for _, item := range c.pending {
		item.owner = nil
		item.parent = nil
		item.state.isDeleted = false
		item.state.isNew = true
		item.props.clearModified()
		item.adoptGraphLocked(g.detached())
		item.refreshMetaLocked()
	}
	c.pending = nil
	c.refreshMetaLocked()
}

// adoptGraphLocked repoints the collection and all items at a graph.
func (c *Collection) adoptGraphLocked(g *graph) {
	c.graph = g
	for _, item := range c.items {
		item.adoptGraphLocked(g)
	}
	for _, item := range c.pending {
		item.adoptGraphLocked(g)
	}
}

// refreshMetaLocked recomputes the collection's cached flags over items plus
// pending deletions and cascades transitions to the host. A non-empty
// pending list is itself a modification: deletions need persisting.
func (c *Collection) refreshMetaLocked() {
	c.graph.refreshes.Add(1)
	next := metaState{modified: len(c.pending) > 0}
	for _, f := range metaFlags {
		if !next.get(f) && c.anyItemLocked(f) {
			next.set(f, true)
		}
	}
	c.storeMetaLocked(next)
}

func (c *Collection) storeMetaLocked(next metaState) {
	old := c.cached
	if old == next {
		return
	}
	c.cached = next
	if c.host != nil {
		for _, f := range metaFlags {
			if old.get(f) != next.get(f) {
				c.host.childFlagChangedLocked(f, next.get(f))
			}
		}
	}
	c.graph.metaChangedLocked()
}

// anyItemLocked scans items plus pending deletions for an offender with
// short-circuit; same algorithm as nodes apply over their children.
func (c *Collection) anyItemLocked(f metaFlag) bool {
	c.graph.scans.Add(1)
	for _, item := range c.items {
		if item.cached.get(f) {
			return true
		}
	}
	for _, item := range c.pending {
		if item.cached.get(f) {
			return true
		}
	}
	return false
}

// childFlagChangedLocked patches cached flags for one item transition:
// true transitions flip in O(1); false transitions rescan with
// short-circuit.
func (c *Collection) childFlagChangedLocked(f metaFlag, now bool) {
	if now {
		if !c.cached.get(f) {
			next := c.cached
			next.set(f, true)
			c.storeMetaLocked(next)
		}
		return
	}
	if !c.cached.get(f) {
		return
	}
	still := c.anyItemLocked(f)
	if !still && f == flagModified {
		still = len(c.pending) > 0
	}
	if !still {
		next := c.cached
		next.set(f, false)
		c.storeMetaLocked(next)
	}
}

// refreshDeepLocked recomputes the whole subtree bottom-up; used on pause
// release.
func (c *Collection) refreshDeepLocked() {
	for _, item := range c.items {
		item.refreshDeepLocked()
	}
	for _, item := range c.pending {
		item.refreshDeepLocked()
	}
	c.refreshMetaLocked()
}
