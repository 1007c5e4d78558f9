package engine

// cell holds one named value, its validation messages and per-cell flags.
//
// Invariant: busy == len(busyMarkers) > 0. Each marker is the execution id of
// one in-flight asynchronous rule run targeting this cell.
//
// For node and collection kinds the cell stores only the child reference;
// validity, busyness and modification are delegated to the child and never
// tracked here.
type cell struct {
	desc        PropertyDesc
	value       Value
	messages    []Message
	modified    bool
	busyMarkers map[int64]struct{}
}

func newCell(desc PropertyDesc) *cell {
	v := desc.Default
	if v == nil && desc.Kind != KindNode && desc.Kind != KindCollection {
		v = Null{}
	}
	return &cell{desc: desc, value: v}
}

// delegated reports whether this cell's meta-state lives on a child node.
func (c *cell) delegated() bool {
	return c.desc.Kind == KindNode || c.desc.Kind == KindCollection
}

func (c *cell) childNode() *Node {
	n, _ := c.value.(*Node)
	return n
}

func (c *cell) childCollection() *Collection {
	col, _ := c.value.(*Collection)
	return col
}

func (c *cell) busy() bool {
	return len(c.busyMarkers) > 0
}

func (c *cell) markBusy(execID int64) {
	if c.busyMarkers == nil {
		c.busyMarkers = make(map[int64]struct{})
	}
	c.busyMarkers[execID] = struct{}{}
}

// clearBusy removes exactly one execution's marker. A concurrent execution's
// marker is never touched.
func (c *cell) clearBusy(execID int64) {
	delete(c.busyMarkers, execID)
}

// setMessages replaces ruleID's prior messages on this cell with next.
func (c *cell) setMessages(ruleID StableID, next []Message) bool {
	msgs, changed := replaceForRule(c.messages, ruleID, c.desc.Name, next)
	c.messages = msgs
	return changed
}
