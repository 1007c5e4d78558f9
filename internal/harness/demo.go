package harness

import (
	"context"

	"github.com/roach88/verity/engine"
	"github.com/roach88/verity/internal/testutil"
)

// The demo aggregate scenarios run against:
//
//	Order { Reference string (required), Lines collection of Line }
//	Line  { Sku string (required), Qty int }
//
// All rules are synchronous, so trace output is fully deterministic.

func demoRequired(prop string) engine.Registration {
	return engine.Registration{
		Name:     "required:" + prop,
		Triggers: []string{prop},
		Kind:     engine.Sync,
		Run: func(_ context.Context, rc *engine.RuleContext) error {
			if s, _ := engine.StringValue(rc.Value(prop)); s == "" {
				rc.Fail(prop, prop+" is required")
			}
			return nil
		},
	}
}

// demoLineSpec declares the Line item type.
func demoLineSpec(portal engine.Portal) (*engine.NodeSpec, error) {
	rules, err := engine.NewRuleSet(demoRequired("Sku"))
	if err != nil {
		return nil, err
	}
	return &engine.NodeSpec{
		TypeName: "Line",
		Properties: []engine.PropertyDesc{
			{Name: "Sku", Kind: engine.KindString},
			{Name: "Qty", Kind: engine.KindInt},
		},
		Rules:  rules,
		Portal: portal,
	}, nil
}

// newDemoOrder builds a fresh Order aggregate with an empty Lines collection
// wired to the given portal.
func newDemoOrder(portal engine.Portal) (*engine.Node, *engine.Collection, error) {
	line, err := demoLineSpec(portal)
	if err != nil {
		return nil, nil, err
	}
	rules, err := engine.NewRuleSet(demoRequired("Reference"))
	if err != nil {
		return nil, nil, err
	}
	spec := &engine.NodeSpec{
		TypeName: "Order",
		Properties: []engine.PropertyDesc{
			{Name: "Reference", Kind: engine.KindString},
			{Name: "Lines", Kind: engine.KindCollection, Elem: line},
		},
		Rules:  rules,
		Portal: portal,
	}
	order, err := engine.NewNode(spec)
	if err != nil {
		return nil, nil, err
	}
	col := engine.NewCollection()
	if err := order.Set("Lines", col); err != nil {
		return nil, nil, err
	}
	return order, col, nil
}

// demo bundles the aggregate with its recording portal for a scenario run.
type demo struct {
	order    *engine.Node
	lines    *engine.Collection
	lineSpec *engine.NodeSpec
	portal   *testutil.MemoryPortal
}

func newDemo() (*demo, error) {
	portal := testutil.NewMemoryPortal()
	order, lines, err := newDemoOrder(portal)
	if err != nil {
		return nil, err
	}
	d := &demo{order: order, lines: lines, portal: portal}
	for _, desc := range order.Spec().Properties {
		if desc.Kind == engine.KindCollection {
			d.lineSpec = desc.Elem
		}
	}
	return d, nil
}
