// Package wire serializes aggregate graphs for transfer between processes.
//
// A Snapshot carries everything a receiving process needs to reconstruct a
// node against its own locally-declared rule set: instance identity,
// property values, save-intent flags, validation messages keyed by stable
// rule id, and the full child graph including deletion-tracked items. The
// rule-set fingerprint is embedded so a decoder can refuse payloads produced
// against a different rule declaration before trusting any stable ids.
package wire

import "github.com/roach88/verity/engine"

// Snapshot is the wire form of one node.
type Snapshot struct {
	NodeID      string            `json:"node_id"`
	Type        string            `json:"type"`
	RuleSetHash string            `json:"rule_set_hash"`
	SaveState   engine.SaveState  `json:"save_state"`
	Properties  []Property        `json:"properties"`
	Messages    []engine.Message  `json:"messages,omitempty"`
	Children    map[string]*Child `json:"children,omitempty"`
}

// Property is one scalar cell. Delegated (node/collection) properties travel
// under Children instead.
type Property struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	// Value is nil for Null. Integers survive a JSON round trip as float64;
	// the decoder converts them back by declared kind.
	Value any `json:"value"`
}

// Child holds exactly one of a nested node or a collection.
type Child struct {
	Node       *Snapshot           `json:"node,omitempty"`
	Collection *CollectionSnapshot `json:"collection,omitempty"`
}

// CollectionSnapshot is the wire form of a collection: live items plus the
// deletion-tracking list.
type CollectionSnapshot struct {
	Items   []*Snapshot `json:"items"`
	Pending []*Snapshot `json:"pending,omitempty"`
}

// Canonical renders the snapshot as RFC 8785 canonical JSON.
func (s *Snapshot) Canonical() ([]byte, error) {
	return MarshalCanonical(s.toCanonical())
}

func (s *Snapshot) toCanonical() map[string]any {
	props := make([]any, len(s.Properties))
	for i, p := range s.Properties {
		props[i] = map[string]any{"name": p.Name, "kind": p.Kind, "value": p.Value}
	}
	out := map[string]any{
		"node_id":       s.NodeID,
		"type":          s.Type,
		"rule_set_hash": s.RuleSetHash,
		"save_state": map[string]any{
			"is_new":             s.SaveState.IsNew,
			"is_deleted":         s.SaveState.IsDeleted,
			"is_child":           s.SaveState.IsChild,
			"is_marked_modified": s.SaveState.IsMarkedModified,
		},
		"properties": props,
	}
	if len(s.Messages) > 0 {
		msgs := make([]any, len(s.Messages))
		for i, m := range s.Messages {
			msgs[i] = map[string]any{
				"rule_id":  int64(m.RuleID),
				"property": m.Property,
				"text":     m.Text,
			}
		}
		out["messages"] = msgs
	}
	if len(s.Children) > 0 {
		children := make(map[string]any, len(s.Children))
		for name, ch := range s.Children {
			children[name] = ch.toCanonical()
		}
		out["children"] = children
	}
	return out
}

func (ch *Child) toCanonical() map[string]any {
	if ch.Node != nil {
		return map[string]any{"node": ch.Node.toCanonical()}
	}
	items := make([]any, len(ch.Collection.Items))
	for i, item := range ch.Collection.Items {
		items[i] = item.toCanonical()
	}
	col := map[string]any{"items": items}
	if len(ch.Collection.Pending) > 0 {
		pending := make([]any, len(ch.Collection.Pending))
		for i, item := range ch.Collection.Pending {
			pending[i] = item.toCanonical()
		}
		col["pending"] = pending
	}
	return map[string]any{"collection": col}
}
