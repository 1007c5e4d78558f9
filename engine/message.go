package engine

// StableID identifies a rule deterministically across processes.
//
// Ids are assigned by NewRuleSet from the canonical ordering of rule
// descriptors, not from registration order, so two independently constructed
// registries declaring the same rules yield identical ids. A message produced
// on one process can therefore be matched and cleared on another after a
// serialize/deserialize round trip.
type StableID int

// EngineRuleID is the reserved stable id for engine-synthesized messages
// (currently only the forced-invalid cancellation message). User rule ids
// start at 1.
const EngineRuleID StableID = 0

// CancelledMessage is the object-level message text recorded when a caller
// cancels a validation wait. Only a full CheckAll clears it.
const CancelledMessage = "validation cancelled"

// ObjectProperty is the property name used for object-level messages, i.e.
// messages that target the node itself rather than one of its cells.
const ObjectProperty = ""

// Message is one validation outcome. Messages are first-class data, never
// errors: a node with IsValid()==false and populated messages is the only
// sanctioned way invalid state is communicated.
//
// Uniqueness is (RuleID, Property): a rule re-running replaces only its own
// prior messages for a property, never another rule's.
type Message struct {
	RuleID   StableID `json:"rule_id"`
	Property string   `json:"property"`
	Text     string   `json:"text"`
}

// replaceForRule removes all messages produced by ruleID for the given
// property and appends the replacements, preserving the order of unrelated
// messages. Returns the new slice and whether anything changed.
func replaceForRule(msgs []Message, ruleID StableID, property string, next []Message) ([]Message, bool) {
	changed := false
	out := msgs[:0]
	for _, m := range msgs {
		if m.RuleID == ruleID && m.Property == property {
			changed = true
			continue
		}
		out = append(out, m)
	}
	if len(next) > 0 {
		changed = true
		out = append(out, next...)
	}
	return out, changed
}
