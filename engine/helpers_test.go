package engine

import (
	"context"
	"sync"
)

// requiredRule fails when the trigger property is empty. Sync.
func requiredRule(prop string) Registration {
	return Registration{
		Name:     "required:" + prop,
		Triggers: []string{prop},
		Kind:     Sync,
		Run: func(_ context.Context, rc *RuleContext) error {
			s, _ := StringValue(rc.Value(prop))
			if s == "" {
				rc.Fail(prop, prop+" is required")
			}
			return nil
		},
	}
}

// minLenRule fails when the trigger property is shorter than n. Sync.
func minLenRule(prop string, n int) Registration {
	return Registration{
		Name:     "min-length:" + prop,
		Triggers: []string{prop},
		Kind:     Sync,
		Run: func(_ context.Context, rc *RuleContext) error {
			s, _ := StringValue(rc.Value(prop))
			if s != "" && len(s) < n {
				rc.Fail(prop, prop+" is too short")
			}
			return nil
		},
	}
}

// personSpec builds a simple scalar-only node type.
func personSpec(portal Portal, regs ...Registration) *NodeSpec {
	rs, err := NewRuleSet(regs...)
	if err != nil {
		panic(err)
	}
	return &NodeSpec{
		TypeName: "Person",
		Properties: []PropertyDesc{
			{Name: "Name", Kind: KindString},
			{Name: "Email", Kind: KindString},
			{Name: "Age", Kind: KindInt},
			{Name: "Code", Kind: KindString, ReadOnly: true},
		},
		Rules:  rs,
		Portal: portal,
	}
}

func lineSpec(portal Portal, regs ...Registration) *NodeSpec {
	rs, err := NewRuleSet(regs...)
	if err != nil {
		panic(err)
	}
	return &NodeSpec{
		TypeName: "Line",
		Properties: []PropertyDesc{
			{Name: "Sku", Kind: KindString},
			{Name: "Qty", Kind: KindInt},
		},
		Rules:  rs,
		Portal: portal,
	}
}

// orderSpec builds a nested type: Order{Reference, Customer: node,
// Lines: collection of Line}.
func orderSpec(portal Portal, lines *NodeSpec, regs ...Registration) *NodeSpec {
	rs, err := NewRuleSet(regs...)
	if err != nil {
		panic(err)
	}
	return &NodeSpec{
		TypeName: "Order",
		Properties: []PropertyDesc{
			{Name: "Reference", Kind: KindString},
			{Name: "Customer", Kind: KindNode, Elem: lines},
			{Name: "Lines", Kind: KindCollection, Elem: lines},
		},
		Rules:  rs,
		Portal: portal,
	}
}

// fakePortal records portal calls and injects scripted failures.
type fakePortal struct {
	mu       sync.Mutex
	inserted []string
	updated  []string
	deleted  []string

	failInsert error
	failUpdate error
	failDelete error
}

func (p *fakePortal) Insert(_ context.Context, n *Node) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failInsert != nil {
		return p.failInsert
	}
	p.inserted = append(p.inserted, n.TypeName())
	return nil
}

func (p *fakePortal) Update(_ context.Context, n *Node) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failUpdate != nil {
		return p.failUpdate
	}
	p.updated = append(p.updated, n.TypeName())
	return nil
}

func (p *fakePortal) Delete(_ context.Context, n *Node) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failDelete != nil {
		return p.failDelete
	}
	p.deleted = append(p.deleted, n.TypeName())
	return nil
}

func mustNode(spec *NodeSpec, opts ...Option) *Node {
	n, err := NewNode(spec, opts...)
	if err != nil {
		panic(err)
	}
	return n
}
