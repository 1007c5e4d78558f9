package wire

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/roach88/verity/engine"
)

// Encode captures a node and its full child graph as a Snapshot. The node's
// meta-state is not carried — it is derived, and the receiving side
// recomputes it during Decode.
func Encode(n *engine.Node) (*Snapshot, error) {
	s := &Snapshot{
		NodeID:      n.ID().String(),
		Type:        n.TypeName(),
		RuleSetHash: n.Rules().Fingerprint(),
		SaveState:   n.SaveStateSnapshot(),
		Messages:    n.OwnMessages(),
	}
	for _, desc := range n.Spec().Properties {
		v, err := n.Get(desc.Name)
		if err != nil {
			return nil, err
		}
		switch desc.Kind {
		case engine.KindNode:
			child, ok := v.(*engine.Node)
			if !ok {
				continue // empty slot
			}
			cs, err := Encode(child)
			if err != nil {
				return nil, err
			}
			s.addChild(desc.Name, &Child{Node: cs})
		case engine.KindCollection:
			col, ok := v.(*engine.Collection)
			if !ok {
				continue
			}
			cs, err := encodeCollection(col)
			if err != nil {
				return nil, err
			}
			s.addChild(desc.Name, &Child{Collection: cs})
		default:
			s.Properties = append(s.Properties, Property{
				Name:  desc.Name,
				Kind:  desc.Kind.String(),
				Value: EncodeScalar(v),
			})
		}
	}
	return s, nil
}

func (s *Snapshot) addChild(name string, ch *Child) {
	if s.Children == nil {
		s.Children = make(map[string]*Child)
	}
	s.Children[name] = ch
}

func encodeCollection(col *engine.Collection) (*CollectionSnapshot, error) {
	cs := &CollectionSnapshot{Items: []*Snapshot{}}
	for _, item := range col.Items() {
		is, err := Encode(item)
		if err != nil {
			return nil, err
		}
		cs.Items = append(cs.Items, is)
	}
	for _, item := range col.PendingDeletion() {
		is, err := Encode(item)
		if err != nil {
			return nil, err
		}
		cs.Pending = append(cs.Pending, is)
	}
	return cs, nil
}

// Decode reconstructs a node from a snapshot against a locally-declared
// spec. The spec's rule-set fingerprint must match the one embedded in the
// snapshot (RULE_SET_MISMATCH otherwise): stable ids are only meaningful
// between processes that declared the same rules.
//
// Materialization uses load semantics throughout — no modification tracking,
// no rule execution — and restores messages verbatim. A later run of a rule
// on the receiving side replaces exactly the messages it produced on the
// sending side, by stable id.
func Decode(s *Snapshot, spec *engine.NodeSpec) (*engine.Node, error) {
	if got, want := s.RuleSetHash, spec.Rules.Fingerprint(); got != want {
		return nil, &engine.EngineError{
			Code:    engine.ErrCodeRuleSetMismatch,
			Message: fmt.Sprintf("snapshot was produced against rule set %.12s, local declaration is %.12s", got, want),
		}
	}
	if s.Type != spec.TypeName {
		return nil, &engine.EngineError{
			Code:    engine.ErrCodeRuleSetMismatch,
			Message: fmt.Sprintf("snapshot type %q does not match spec type %q", s.Type, spec.TypeName),
		}
	}

	n, err := engine.NewNode(spec)
	if err != nil {
		return nil, err
	}
	id, err := uuid.Parse(s.NodeID)
	if err != nil {
		return nil, fmt.Errorf("node id: %w", err)
	}
	n.RestoreID(id)

	for _, p := range s.Properties {
		v, err := DecodeScalar(p.Kind, p.Value)
		if err != nil {
			return nil, fmt.Errorf("property %s: %w", p.Name, err)
		}
		if err := n.Load(p.Name, v); err != nil {
			return nil, err
		}
	}

	for _, desc := range spec.Properties {
		ch := s.Children[desc.Name]
		if ch == nil {
			continue
		}
		switch {
		case ch.Node != nil:
			child, err := Decode(ch.Node, desc.Elem)
			if err != nil {
				return nil, fmt.Errorf("child %s: %w", desc.Name, err)
			}
			if err := n.Load(desc.Name, child); err != nil {
				return nil, err
			}
		case ch.Collection != nil:
			col, err := decodeCollection(ch.Collection, desc.Elem)
			if err != nil {
				return nil, fmt.Errorf("child %s: %w", desc.Name, err)
			}
			if err := n.Load(desc.Name, col); err != nil {
				return nil, err
			}
		}
	}

	if len(s.Messages) > 0 {
		if err := n.LoadMessages(s.Messages); err != nil {
			return nil, err
		}
	}
	n.RestoreSaveState(s.SaveState)
	return n, nil
}

func decodeCollection(cs *CollectionSnapshot, elem *engine.NodeSpec) (*engine.Collection, error) {
	col := engine.NewCollection()
	for _, is := range cs.Items {
		item, err := Decode(is, elem)
		if err != nil {
			return nil, err
		}
		if err := col.Add(item); err != nil {
			return nil, err
		}
	}
	for _, is := range cs.Pending {
		item, err := Decode(is, elem)
		if err != nil {
			return nil, err
		}
		if err := col.RestorePending(item); err != nil {
			return nil, err
		}
	}
	return col, nil
}

// EncodeScalar maps an engine scalar onto the JSON value space. Nested nodes
// and collections map to nil; they are never carried as scalars.
func EncodeScalar(v engine.Value) any {
	switch val := v.(type) {
	case engine.String:
		return string(val)
	case engine.Int:
		return int64(val)
	case engine.Bool:
		return bool(val)
	case engine.Float:
		return float64(val)
	default:
		return nil // Null
	}
}

// DecodeScalar converts a wire value back by declared kind. Integers may
// arrive as float64 after a standard JSON round trip.
func DecodeScalar(kind string, raw any) (engine.Value, error) {
	if raw == nil {
		return engine.Null{}, nil
	}
	switch engine.KindFromName(kind) {
	case engine.KindString:
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("kind string holds %T", raw)
		}
		return engine.String(s), nil
	case engine.KindInt:
		switch n := raw.(type) {
		case int64:
			return engine.Int(n), nil
		case float64:
			return engine.Int(int64(n)), nil
		default:
			return nil, fmt.Errorf("kind int holds %T", raw)
		}
	case engine.KindBool:
		b, ok := raw.(bool)
		if !ok {
			return nil, fmt.Errorf("kind bool holds %T", raw)
		}
		return engine.Bool(b), nil
	case engine.KindFloat:
		switch n := raw.(type) {
		case float64:
			return engine.Float(n), nil
		case int64:
			return engine.Float(float64(n)), nil
		default:
			return nil, fmt.Errorf("kind float holds %T", raw)
		}
	default:
		return nil, fmt.Errorf("unknown scalar kind %q", kind)
	}
}
