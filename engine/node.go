package engine

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

// Portal is the per-node hook surface consumed by persistence collaborators.
// The engine calls exactly one of Insert/Update/Delete per save, selected by
// the node's {IsNew, IsDeleted} state. Any returned error becomes a
// PERSISTENCE_FAILED outcome that aborts the state transition; the node is
// left mutable and re-saveable.
type Portal interface {
	Insert(ctx context.Context, n *Node) error
	Update(ctx context.Context, n *Node) error
	Delete(ctx context.Context, n *Node) error
}

// NodeSpec declares a node type: its property descriptor table, rule set and
// persistence portal. A spec is immutable and shared by every node of the
// type; descriptors are resolved at construction time, keeping string-keyed
// access dynamic without runtime reflection.
type NodeSpec struct {
	TypeName   string
	Properties []PropertyDesc
	Rules      *RuleSet
	Portal     Portal
}

// SaveState is the externally visible save-intent state of a node, exposed
// for codecs that must round-trip it.
type SaveState struct {
	IsNew            bool `json:"is_new"`
	IsDeleted        bool `json:"is_deleted"`
	IsChild          bool `json:"is_child"`
	IsMarkedModified bool `json:"is_marked_modified"`
}

type saveState struct {
	isNew          bool
	isDeleted      bool
	isChild        bool
	markedModified bool
}

// Node is one graph node: a property container, a rule manager, a weak
// (non-owning) parent back-reference and cached aggregate meta-state.
//
// Ownership: a node exclusively owns its cells and nested children. The
// parent pointer is a back-reference for meta-state cascade only; it never
// extends the parent's lifetime (Go's GC collects the cycle with the graph).
type Node struct {
	id    uuid.UUID
	spec  *NodeSpec
	graph *graph
	props *container
	rules *manager
	tasks *taskRegistry

	parent *Node
	owner  *Collection

	state          saveState
	objectMessages []Message
	cached         metaState
}

func (*Node) value() {}

// NewNode constructs a node of the given type in the New state. New nodes
// are modified by definition. Configuration errors (bad descriptors) are
// returned immediately.
func NewNode(spec *NodeSpec, opts ...Option) (*Node, error) {
	if spec == nil || spec.TypeName == "" {
		return nil, &EngineError{Code: ErrCodeUnknownProperty, Message: "node spec requires a type name"}
	}
	props, err := newContainer(spec.Properties)
	if err != nil {
		return nil, err
	}

	var o graphOptions
	o.asyncLimit = DefaultAsyncLimit
	for _, opt := range opts {
		opt(&o)
	}

	n := &Node{
		id:    uuid.Must(uuid.NewV7()),
		spec:  spec,
		graph: newGraph(o),
		props: props,
		tasks: newTaskRegistry(),
		state: saveState{isNew: true},
	}
	n.rules = newManager(n, spec.Rules)
	n.cached = n.computeSelfLocked()
	return n, nil
}

// ID returns the node's instance identity. Time-sortable, unique per
// construction; codecs carry it so a reconciled node keeps its identity.
func (n *Node) ID() uuid.UUID { return n.id }

// TypeName returns the node type declared by the spec.
func (n *Node) TypeName() string { return n.spec.TypeName }

// Spec returns the node's immutable type declaration.
func (n *Node) Spec() *NodeSpec { return n.spec }

// Rules returns the node type's rule set.
func (n *Node) Rules() *RuleSet { return n.spec.Rules }

// Parent returns the non-owning parent back-reference, or nil for roots.
func (n *Node) Parent() *Node {
	g := n.lockGraph()
	defer g.mu.Unlock()
	return n.parent
}

// Owner returns the collection the node belongs to, or nil.
func (n *Node) Owner() *Collection {
	g := n.lockGraph()
	defer g.mu.Unlock()
	return n.owner
}

// PropertyNames returns the declared property names in declaration order.
func (n *Node) PropertyNames() []string {
	out := make([]string, len(n.props.order))
	copy(out, n.props.order)
	return out
}

// Cached meta-state reads. All O(1).

// IsValid reports whether the node and every delegated child carry no
// validation messages.
func (n *Node) IsValid() bool {
	g := n.lockGraph()
	defer g.mu.Unlock()
	return !n.cached.invalid
}

// IsSelfValid reports own-level validity only (own cells plus object-level
// messages), ignoring delegated children.
func (n *Node) IsSelfValid() bool {
	g := n.lockGraph()
	defer g.mu.Unlock()
	return !(n.props.selfInvalid() || len(n.objectMessages) > 0)
}

// IsBusy reports whether any asynchronous rule execution is in flight on the
// node or a delegated child.
func (n *Node) IsBusy() bool {
	g := n.lockGraph()
	defer g.mu.Unlock()
	return n.cached.busy
}

// IsModified reports whether the node needs persisting: new, deleted,
// explicitly marked, property-modified, or any delegated child modified.
func (n *Node) IsModified() bool {
	g := n.lockGraph()
	defer g.mu.Unlock()
	return n.cached.modified
}

// IsSelfModified reports whether any own-level cell was written through the
// tracking path since the last MarkOld.
func (n *Node) IsSelfModified() bool {
	g := n.lockGraph()
	defer g.mu.Unlock()
	return n.props.selfModified()
}

func (n *Node) IsNew() bool {
	g := n.lockGraph()
	defer g.mu.Unlock()
	return n.state.isNew
}

func (n *Node) IsDeleted() bool {
	g := n.lockGraph()
	defer g.mu.Unlock()
	return n.state.isDeleted
}

func (n *Node) IsChild() bool {
	g := n.lockGraph()
	defer g.mu.Unlock()
	return n.state.isChild
}

// Get returns the current value of a property. The value may itself be a
// *Node or *Collection for nested kinds.
func (n *Node) Get(name string) (Value, error) {
	g := n.lockGraph()
	defer g.mu.Unlock()
	cl, err := n.props.cell(name)
	if err != nil {
		return nil, err
	}
	if cl.value == nil {
		return Null{}, nil
	}
	return cl.value, nil
}

// Set writes a property through the tracking path: the cell is marked
// modified, triggered rules run, and meta-state is recomputed and cascaded.
// While the graph is paused, Set degrades to load semantics.
//
// Fails with UNKNOWN_PROPERTY, TYPE_MISMATCH or READ_ONLY; the graph is left
// unchanged on failure.
func (n *Node) Set(name string, v Value) error {
	g := n.lockGraph()
	defer g.mu.Unlock()
	return n.setLocked(name, v, g.paused())
}

// Load writes a property with load semantics: no modification tracking, no
// rule triggering, no notifications. This is the privileged path for
// materializing data from storage or the wire without corrupting "has this
// been edited" semantics; it also bypasses read-only protection.
func (n *Node) Load(name string, v Value) error {
	g := n.lockGraph()
	defer g.mu.Unlock()
	return n.setLocked(name, v, true)
}

func (n *Node) setLocked(name string, v Value, loading bool) error {
	cl, err := n.props.cell(name)
	if err != nil {
		return err
	}
	if cl.desc.ReadOnly && !loading {
		return errReadOnly(name)
	}
	if !assignable(cl.desc.Kind, v) {
		return errTypeMismatch(name, cl.desc.Kind, v)
	}

	if cl.delegated() {
		if err := n.adoptLocked(cl, v); err != nil {
			return err
		}
	} else {
		cl.value = v
	}

	if loading {
		return nil
	}
	cl.modified = true
	n.rules.notifyLocked(name)
	n.refreshMetaLocked()
	return nil
}

// adoptLocked installs a nested node or collection into a cell, wiring the
// parent back-reference and merging the child into this aggregate's graph.
func (n *Node) adoptLocked(cl *cell, v Value) error {
	switch child := v.(type) {
	case *Node:
		if child.owner != nil || (child.parent != nil && child.parent != n) {
			return &EngineError{Code: ErrCodeForeignAggregate, Message: "node already belongs to another aggregate", Property: cl.desc.Name}
		}
		// The child may still live in its own graph; hold that lock while it
		// is inspected and re-pointed, as Collection.Add does.
		if child.graph != n.graph {
			child.graph.mu.Lock()
			defer child.graph.mu.Unlock()
		}
		if child.cached.busy {
			return &EngineError{Code: ErrCodeItemBusy, Message: "node has in-flight rule executions", Property: cl.desc.Name}
		}
		n.detachCurrentLocked(cl)
		child.parent = n
		child.state.isChild = true
		child.adoptGraphLocked(n.graph)
		cl.value = child
	case *Collection:
		if child.host != nil && child.host != n {
			return &EngineError{Code: ErrCodeForeignAggregate, Message: "collection already belongs to another aggregate", Property: cl.desc.Name}
		}
		if child.graph != n.graph {
			child.graph.mu.Lock()
			defer child.graph.mu.Unlock()
		}
		if child.cached.busy {
			return &EngineError{Code: ErrCodeItemBusy, Message: "collection has in-flight rule executions", Property: cl.desc.Name}
		}
		n.detachCurrentLocked(cl)
		child.host = n
		child.adoptGraphLocked(n.graph)
		for _, item := range child.items {
			item.parent = n
		}
		for _, item := range child.pending {
			item.parent = n
		}
		cl.value = child
	default:
		return errTypeMismatch(cl.desc.Name, cl.desc.Kind, v)
	}
	return nil
}

// detachCurrentLocked releases a cell's previous child, if any, into its own
// fresh graph.
func (n *Node) detachCurrentLocked(cl *cell) {
	if prev := cl.childNode(); prev != nil {
		prev.parent = nil
		prev.adoptGraphLocked(n.graph.detached())
	}
	if prev := cl.childCollection(); prev != nil {
		prev.host = nil
		prev.adoptGraphLocked(n.graph.detached())
	}
	cl.value = nil
}

// rootLocked walks parent back-references to the aggregate root. Collection
// items point at the collection's host, so the walk covers both paths.
func (n *Node) rootLocked() *Node {
	r := n
	for r.parent != nil {
		r = r.parent
	}
	return r
}

// adoptGraphLocked repoints the node and its whole subtree at a graph.
func (n *Node) adoptGraphLocked(g *graph) {
	n.graph = g
	n.props.each(func(cl *cell) {
		if child := cl.childNode(); child != nil {
			child.adoptGraphLocked(g)
		}
		if col := cl.childCollection(); col != nil {
			col.adoptGraphLocked(g)
		}
	})
}

// Message queries.

// MessagesFor returns the validation messages recorded against one property.
// Use ObjectProperty for object-level messages.
func (n *Node) MessagesFor(property string) []Message {
	g := n.lockGraph()
	defer g.mu.Unlock()
	if property == ObjectProperty {
		return append([]Message(nil), n.objectMessages...)
	}
	cl, err := n.props.cell(property)
	if err != nil {
		return nil
	}
	return append([]Message(nil), cl.messages...)
}

// OwnMessages returns the node's own messages (object-level first, then per
// cell in declaration order), excluding delegated children.
func (n *Node) OwnMessages() []Message {
	g := n.lockGraph()
	defer g.mu.Unlock()
	return n.ownMessagesLocked()
}

func (n *Node) ownMessagesLocked() []Message {
	out := append([]Message(nil), n.objectMessages...)
	n.props.each(func(cl *cell) {
		out = append(out, cl.messages...)
	})
	return out
}

// AllMessages returns the node's messages flattened across self and every
// delegated child, in traversal order.
func (n *Node) AllMessages() []Message {
	g := n.lockGraph()
	defer g.mu.Unlock()
	return n.allMessagesLocked()
}

func (n *Node) allMessagesLocked() []Message {
	out := n.ownMessagesLocked()
	n.props.each(func(cl *cell) {
		if child := cl.childNode(); child != nil {
			out = append(out, child.allMessagesLocked()...)
		}
		if col := cl.childCollection(); col != nil {
			for _, item := range col.items {
				out = append(out, item.allMessagesLocked()...)
			}
			for _, item := range col.pending {
				out = append(out, item.allMessagesLocked()...)
			}
		}
	})
	return out
}

// LoadMessages restores validation messages verbatim, keyed by property.
// This is the codec path for reconciling messages produced on another
// process; stable rule ids guarantee a later re-run of the same rule
// replaces exactly these messages.
func (n *Node) LoadMessages(msgs []Message) error {
	g := n.lockGraph()
	defer g.mu.Unlock()
	for _, msg := range msgs {
		if msg.Property == ObjectProperty {
			n.objectMessages = append(n.objectMessages, msg)
			continue
		}
		cl, err := n.props.cell(msg.Property)
		if err != nil {
			return err
		}
		if cl.delegated() {
			return errTypeMismatch(msg.Property, cl.desc.Kind, Null{})
		}
		cl.messages = append(cl.messages, msg)
	}
	n.refreshMetaLocked()
	return nil
}

// setObjectMessagesLocked replaces ruleID's object-level messages.
func (n *Node) setObjectMessagesLocked(ruleID StableID, next []Message) {
	n.objectMessages, _ = replaceForRule(n.objectMessages, ruleID, ObjectProperty, next)
}

// CheckAll performs an explicit full re-validation of the node and every
// delegated child: all messages are cleared first, every registered rule
// re-runs regardless of trigger property, and asynchronous executions are
// awaited. This is the only path that clears stale messages and the forced
// cancellation message.
func (n *Node) CheckAll(ctx context.Context) error {
	g := n.lockGraph()
	n.checkAllLocked()
	n.refreshDeepLocked()
	g.mu.Unlock()

	slog.Debug("full re-validation dispatched", "type", n.spec.TypeName, "id", n.id)
	return n.WaitForTasks(ctx)
}

func (n *Node) checkAllLocked() {
	n.rules.checkAllLocked()
	n.props.each(func(cl *cell) {
		if child := cl.childNode(); child != nil {
			child.checkAllLocked()
		}
		if col := cl.childCollection(); col != nil {
			for _, item := range col.items {
				item.checkAllLocked()
			}
			// Pending deletions still count toward validity until the
			// delete is persisted, so they get the same full re-run.
			for _, item := range col.pending {
				item.checkAllLocked()
			}
		}
	})
}

// SaveStateSnapshot returns the node's save-intent flags for codecs.
func (n *Node) SaveStateSnapshot() SaveState {
	g := n.lockGraph()
	defer g.mu.Unlock()
	return SaveState{
		IsNew:            n.state.isNew,
		IsDeleted:        n.state.isDeleted,
		IsChild:          n.state.isChild,
		IsMarkedModified: n.state.markedModified,
	}
}

// RestoreSaveState replaces the save-intent flags. Codec/load path only.
func (n *Node) RestoreSaveState(s SaveState) {
	g := n.lockGraph()
	defer g.mu.Unlock()
	n.state.isNew = s.IsNew
	n.state.isDeleted = s.IsDeleted
	n.state.isChild = s.IsChild
	n.state.markedModified = s.IsMarkedModified
	n.refreshMetaLocked()
}

// RestoreID replaces the node's instance identity. Codec/load path only.
func (n *Node) RestoreID(id uuid.UUID) {
	g := n.lockGraph()
	defer g.mu.Unlock()
	n.id = id
}
