package engine

import "fmt"

// container is an ordered, name-keyed set of cells belonging to one node.
//
// Self-level aggregates (selfInvalid, selfBusy, selfModified) scan own cells
// only; delegated children are folded in at the node level. Scans are bounded
// by the property count, never by graph size.
type container struct {
	order []string
	cells map[string]*cell
}

func newContainer(descs []PropertyDesc) (*container, error) {
	c := &container{
		order: make([]string, 0, len(descs)),
		cells: make(map[string]*cell, len(descs)),
	}
	for _, d := range descs {
		if d.Name == "" {
			return nil, &EngineError{Code: ErrCodeUnknownProperty, Message: "property descriptor with empty name"}
		}
		if _, dup := c.cells[d.Name]; dup {
			return nil, &EngineError{
				Code:     ErrCodeUnknownProperty,
				Message:  fmt.Sprintf("property %q declared twice", d.Name),
				Property: d.Name,
			}
		}
		if d.Kind < KindString || d.Kind > KindCollection {
			return nil, &EngineError{
				Code:     ErrCodeTypeMismatch,
				Message:  "property descriptor with invalid kind",
				Property: d.Name,
			}
		}
		c.order = append(c.order, d.Name)
		c.cells[d.Name] = newCell(d)
	}
	return c, nil
}

func (c *container) cell(name string) (*cell, error) {
	cl, ok := c.cells[name]
	if !ok {
		return nil, errUnknownProperty(name)
	}
	return cl, nil
}

func (c *container) has(name string) bool {
	_, ok := c.cells[name]
	return ok
}

// selfInvalid reports whether any own-level cell carries messages.
// Short-circuits at the first offender.
func (c *container) selfInvalid() bool {
	for _, name := range c.order {
		if len(c.cells[name].messages) > 0 {
			return true
		}
	}
	return false
}

// selfBusy reports whether any cell has in-flight execution markers.
func (c *container) selfBusy() bool {
	for _, name := range c.order {
		if c.cells[name].busy() {
			return true
		}
	}
	return false
}

// selfModified reports whether any own-level scalar cell was written through
// the tracking path since the last MarkOld.
func (c *container) selfModified() bool {
	for _, name := range c.order {
		cl := c.cells[name]
		if !cl.delegated() && cl.modified {
			return true
		}
	}
	return false
}

func (c *container) clearModified() {
	for _, name := range c.order {
		c.cells[name].modified = false
	}
}

// each visits cells in declaration order.
func (c *container) each(fn func(*cell)) {
	for _, name := range c.order {
		fn(c.cells[name])
	}
}
