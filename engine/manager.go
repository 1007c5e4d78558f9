package engine

import (
	"context"
	"fmt"
	"log/slog"
)

// manager maps property-write events to the rules that must (re-)run,
// executes them, and reconciles their messages into cells.
type manager struct {
	node *Node
	set  *RuleSet

	// exec issues execution ids for this node's rules. The clock is
	// per-node, not per-graph: landed high-water marks must stay comparable
	// when the node is adopted into another aggregate, whose graph clock
	// would restart from 1.
	exec execClock

	// landed holds, per rule, the highest execution id whose results were
	// applied. A completion with a lower id arrived after a newer execution
	// already landed and is discarded.
	landed map[StableID]int64
}

func newManager(n *Node, set *RuleSet) *manager {
	return &manager{node: n, set: set, landed: make(map[StableID]int64)}
}

// notifyLocked dispatches every rule triggered by a write to property.
// Sync rules run inline; async rules are scheduled. The caller refreshes
// meta-state afterwards.
func (m *manager) notifyLocked(property string) {
	for _, r := range m.set.triggered(property) {
		m.dispatchLocked(r, property)
	}
}

// checkAllLocked clears every message on this node, then re-runs every
// registered rule regardless of trigger property. This is the only path that
// removes stale messages left by rules whose trigger property no longer
// resolves (e.g. a detached child) and the only path that clears the forced
// cancellation message.
func (m *manager) checkAllLocked() {
	m.node.objectMessages = nil
	m.node.props.each(func(cl *cell) {
		cl.messages = nil
	})
	for _, r := range m.set.all() {
		m.dispatchLocked(r, "")
	}
}

func (m *manager) dispatchLocked(r *rule, trigger string) {
	rc := m.snapshotLocked(r, trigger)
	if r.kind == Sync {
		msgs := runRuleBody(m.node.graph.opts.baseCtx, r, rc)
		m.applyLocked(r, msgs)
		return
	}
	m.launchLocked(r, rc)
}

// snapshotLocked captures the rule's trigger-property values. Scalars are
// copied; delegated (node/collection) values are replaced by Null so async
// bodies cannot race graph mutations through a live child reference.
func (m *manager) snapshotLocked(r *rule, trigger string) *RuleContext {
	values := make(map[string]Value, len(r.triggers))
	for _, name := range r.triggers {
		cl, ok := m.node.props.cells[name]
		if !ok || cl.delegated() || cl.value == nil {
			values[name] = Null{}
			continue
		}
		values[name] = cl.value
	}
	return &RuleContext{Trigger: trigger, values: values, ruleID: r.id}
}

// launchLocked allocates a fresh execution id, marks every target cell busy
// with it, and hands the execution to a background goroutine. The goroutine
// merges results and clears exactly its own busy markers on completion.
func (m *manager) launchLocked(r *rule, rc *RuleContext) {
	g := m.node.graph
	execID := m.exec.next()

	ctx := g.opts.baseCtx
	cancel := context.CancelFunc(func() {})
	if r.kind == AsyncCancellable {
		ctx, cancel = context.WithCancel(ctx)
	}

	for _, name := range r.triggers {
		if cl, ok := m.node.props.cells[name]; ok && !cl.delegated() {
			cl.markBusy(execID)
		}
	}
	m.node.tasks.beginLocked(r, execID, cancel)

	go m.execute(g, r, rc, ctx, execID)
}

// execute runs one asynchronous rule body without the graph lock, then merges
// under it. Concurrency across the graph is bounded by the semaphore.
func (m *manager) execute(g *graph, r *rule, rc *RuleContext, ctx context.Context, execID int64) {
	if g.sem != nil {
		if err := g.sem.Acquire(g.opts.baseCtx, 1); err == nil {
			defer g.sem.Release(1)
		}
	}

	msgs := runRuleBody(ctx, r, rc)

	g.mu.Lock()
	defer g.mu.Unlock()

	for _, name := range r.triggers {
		if cl, ok := m.node.props.cells[name]; ok {
			cl.clearBusy(execID)
		}
	}
	m.node.tasks.finishLocked(r, execID)

	if execID > m.landed[r.id] {
		m.landed[r.id] = execID
		m.applyLocked(r, msgs)
	} else {
		slog.Debug("discarding superseded rule execution",
			"rule", r.name,
			"exec_id", execID,
			"landed", m.landed[r.id],
		)
	}
	m.node.refreshMetaLocked()
}

// applyLocked merges one execution's messages atomically: for every property
// the rule is allowed to write to, the rule's prior messages are replaced by
// the new ones. Messages against properties outside the trigger set are a
// rule bug and are dropped with a warning.
func (m *manager) applyLocked(r *rule, msgs []Message) {
	byProperty := make(map[string][]Message)
	for _, msg := range msgs {
		if !r.allowsProperty(msg.Property) {
			slog.Warn("rule wrote message outside its trigger set",
				"rule", r.name,
				"property", msg.Property,
			)
			continue
		}
		msg.RuleID = r.id
		byProperty[msg.Property] = append(byProperty[msg.Property], msg)
	}

	for _, name := range r.triggers {
		if cl, ok := m.node.props.cells[name]; ok && !cl.delegated() {
			cl.setMessages(r.id, byProperty[name])
		}
	}
	m.node.setObjectMessagesLocked(r.id, byProperty[ObjectProperty])
}

// runRuleBody executes a rule body, converting panics and returned errors
// into a single synthetic message against the rule's first declared property.
// Rule failures never crash the graph.
func runRuleBody(ctx context.Context, r *rule, rc *RuleContext) (msgs []Message) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("rule body panicked",
				"rule", r.name,
				"panic", p,
			)
			msgs = []Message{{
				RuleID:   r.id,
				Property: r.triggers[0],
				Text:     fmt.Sprintf("rule %s failed: %v", r.name, p),
			}}
		}
	}()

	if err := r.run(ctx, rc); err != nil {
		return []Message{{
			RuleID:   r.id,
			Property: r.triggers[0],
			Text:     fmt.Sprintf("rule %s failed: %v", r.name, err),
		}}
	}
	return rc.failures
}
