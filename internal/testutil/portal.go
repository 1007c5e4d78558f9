// Package testutil provides deterministic test doubles shared by the
// harness and the package test suites.
package testutil

import (
	"context"
	"sync"

	"github.com/roach88/verity/engine"
)

// PortalCall records one portal operation.
type PortalCall struct {
	Op   string // "insert", "update" or "delete"
	Type string
	ID   string
}

// MemoryPortal is a scriptable in-memory engine.Portal. It records every
// call in order and can inject failures per operation.
//
// Thread-safety: all methods are safe for concurrent use via internal mutex;
// async rule completions and portal calls may interleave.
type MemoryPortal struct {
	mu    sync.Mutex
	calls []PortalCall

	// FailInsert/FailUpdate/FailDelete, when non-nil, are returned by the
	// corresponding operation instead of recording it.
	FailInsert error
	FailUpdate error
	FailDelete error
}

// NewMemoryPortal creates an empty recording portal.
func NewMemoryPortal() *MemoryPortal {
	return &MemoryPortal{}
}

func (p *MemoryPortal) Insert(_ context.Context, n *engine.Node) error {
	return p.record("insert", n, &p.FailInsert)
}

func (p *MemoryPortal) Update(_ context.Context, n *engine.Node) error {
	return p.record("update", n, &p.FailUpdate)
}

func (p *MemoryPortal) Delete(_ context.Context, n *engine.Node) error {
	return p.record("delete", n, &p.FailDelete)
}

func (p *MemoryPortal) record(op string, n *engine.Node, fail *error) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if *fail != nil {
		return *fail
	}
	p.calls = append(p.calls, PortalCall{Op: op, Type: n.TypeName(), ID: n.ID().String()})
	return nil
}

// Calls returns a copy of the recorded operations in call order.
func (p *MemoryPortal) Calls() []PortalCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]PortalCall(nil), p.calls...)
}

// Ops returns just the operation names, in call order.
func (p *MemoryPortal) Ops() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	ops := make([]string, len(p.calls))
	for i, c := range p.calls {
		ops[i] = c.Op
	}
	return ops
}

// Reset discards recorded calls and scripted failures.
func (p *MemoryPortal) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = nil
	p.FailInsert, p.FailUpdate, p.FailDelete = nil, nil, nil
}
