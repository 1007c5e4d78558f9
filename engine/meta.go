package engine

// Meta-state caching.
//
// Cached flags are stored in offender polarity: invalid, busy and modified
// are all disjunctions over self plus delegated children, so a child flag
// going true patches the parent in O(1) (an OR becomes true the instant any
// member does). A child flag going false forces a rescan, but the scan
// short-circuits at the first remaining offender, so cost is bounded by the
// position of the next offender, not the graph size. The same algorithm is
// applied uniformly to nodes (own cells + nested children) and to
// collections (items + pending deletions).

type metaFlag int

const (
	flagInvalid metaFlag = iota
	flagBusy
	flagModified
)

type metaState struct {
	invalid  bool
	busy     bool
	modified bool
}

func (s metaState) get(f metaFlag) bool {
	switch f {
	case flagInvalid:
		return s.invalid
	case flagBusy:
		return s.busy
	default:
		return s.modified
	}
}

func (s *metaState) set(f metaFlag, v bool) {
	switch f {
	case flagInvalid:
		s.invalid = v
	case flagBusy:
		s.busy = v
	default:
		s.modified = v
	}
}

var metaFlags = [...]metaFlag{flagInvalid, flagBusy, flagModified}

// computeSelfLocked derives the node's own-level state: own cells and
// object-level messages, busy markers, and the save-state flags that fold
// into modification (isNew || isDeleted || selfModified || markedModified).
// Delegated children are not consulted.
func (n *Node) computeSelfLocked() metaState {
	return metaState{
		invalid:  n.props.selfInvalid() || len(n.objectMessages) > 0,
		busy:     n.tasks.pending > 0 || n.props.selfBusy(),
		modified: n.state.isNew || n.state.isDeleted || n.state.markedModified || n.props.selfModified(),
	}
}

// refreshMetaLocked fully recomputes the node's cached flags and cascades
// any transitions upward. This is the slow path; ancestors reached through
// childFlagChangedLocked never rescan on true transitions.
func (n *Node) refreshMetaLocked() {
	n.graph.refreshes.Add(1)
	self := n.computeSelfLocked()
	next := self
	for _, f := range metaFlags {
		if !next.get(f) && n.anyChildLocked(f) {
			next.set(f, true)
		}
	}
	n.storeMetaLocked(next)
}

// storeMetaLocked swaps the cached state and notifies the parent of each
// flipped flag.
func (n *Node) storeMetaLocked(next metaState) {
	old := n.cached
	if old == next {
		return
	}
	n.cached = next
	for _, f := range metaFlags {
		if old.get(f) != next.get(f) {
			n.notifyUpLocked(f, next.get(f))
		}
	}
	n.graph.metaChangedLocked()
}

// anyChildLocked scans delegated children for an offender, short-circuiting
// at the first hit. Counts toward the scan instrumentation.
func (n *Node) anyChildLocked(f metaFlag) bool {
	found := false
	scanned := false
	for _, name := range n.props.order {
		cl := n.props.cells[name]
		if !cl.delegated() {
			continue
		}
		scanned = true
		if child := cl.childNode(); child != nil && child.cached.get(f) {
			found = true
			break
		}
		if col := cl.childCollection(); col != nil && col.cached.get(f) {
			found = true
			break
		}
	}
	if scanned {
		n.graph.scans.Add(1)
	}
	return found
}

// childFlagChangedLocked patches the cached state in response to a single
// child transition.
//
// true transition: OR semantics make the parent's flag true in O(1).
// false transition: the parent rescans with short-circuit to learn whether
// another offender remains.
func (n *Node) childFlagChangedLocked(f metaFlag, now bool) {
	if now {
		if !n.cached.get(f) {
			next := n.cached
			next.set(f, true)
			n.storeMetaLocked(next)
		}
		return
	}
	if !n.cached.get(f) {
		return
	}
	still := n.computeSelfLocked().get(f) || n.anyChildLocked(f)
	if !still {
		next := n.cached
		next.set(f, false)
		n.storeMetaLocked(next)
	}
}

// notifyUpLocked routes a flag transition to whoever aggregates this node:
// the owning collection when the node is a collection item, otherwise the
// parent node for nested single children.
func (n *Node) notifyUpLocked(f metaFlag, now bool) {
	if n.owner != nil {
		n.owner.childFlagChangedLocked(f, now)
		return
	}
	if n.parent != nil {
		n.parent.childFlagChangedLocked(f, now)
	}
}

// refreshDeepLocked recomputes cached state for the whole subtree bottom-up.
// Used once on pause release, after suppressed writes may have restructured
// children.
func (n *Node) refreshDeepLocked() {
	for _, name := range n.props.order {
		cl := n.props.cells[name]
		if child := cl.childNode(); child != nil {
			child.refreshDeepLocked()
		}
		if col := cl.childCollection(); col != nil {
			col.refreshDeepLocked()
		}
	}
	n.refreshMetaLocked()
}

// ScanCountForTesting returns the number of short-circuit child scans the
// graph has performed. Not intended for production use.
func (n *Node) ScanCountForTesting() int64 {
	return n.graph.scans.Load()
}

// RefreshCountForTesting returns the number of full meta recomputes the
// graph has performed. Not intended for production use.
func (n *Node) RefreshCountForTesting() int64 {
	return n.graph.refreshes.Load()
}
