package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"
	"unicode/utf16"

	"golang.org/x/text/unicode/norm"
)

// RuleKind selects how a rule is scheduled.
type RuleKind int

const (
	// Sync rules execute inline on the triggering write; their messages are
	// visible before Set returns.
	Sync RuleKind = iota + 1

	// Async rules execute as background units. Their context is never
	// cancelled by the engine; superseded results are discarded on landing.
	Async

	// AsyncCancellable rules additionally have their context cancelled when a
	// newer execution of the same rule starts, letting I/O-bound bodies bail
	// out early. Results of a cancelled body are discarded like any
	// superseded execution.
	AsyncCancellable
)

func (k RuleKind) String() string {
	switch k {
	case Sync:
		return "sync"
	case Async:
		return "async"
	case AsyncCancellable:
		return "async-cancellable"
	default:
		return "invalid"
	}
}

// RuleContext carries a snapshot of the rule's trigger-property values and
// collects its validation outcomes. Rule bodies operate on the context only,
// never on the node: the snapshot is taken under the graph lock at dispatch
// time and the body runs without it, so I/O-bound checks cannot race graph
// mutations.
type RuleContext struct {
	// Trigger is the property whose write caused this run, or "" for a full
	// re-validation.
	Trigger string

	values   map[string]Value
	failures []Message
	ruleID   StableID
}

// Value returns the snapshotted value of one of the rule's trigger
// properties. Returns Null{} for properties outside the trigger set.
func (rc *RuleContext) Value(name string) Value {
	if v, ok := rc.values[name]; ok {
		return v
	}
	return Null{}
}

// Fail records a validation message against one of the rule's trigger
// properties. Messages against properties outside the trigger set are
// discarded at merge time.
func (rc *RuleContext) Fail(property, text string) {
	rc.failures = append(rc.failures, Message{RuleID: rc.ruleID, Property: property, Text: text})
}

// FailObject records an object-level validation message.
func (rc *RuleContext) FailObject(text string) {
	rc.Fail(ObjectProperty, text)
}

// RuleFunc is a rule body. A returned error (or panic) is caught at the
// manager boundary and converted into a synthetic message against the rule's
// first declared trigger property; it never crashes the graph.
type RuleFunc func(ctx context.Context, rc *RuleContext) error

// Registration describes one rule before stable-id assignment.
type Registration struct {
	// Name is the rule's source description, e.g. "required:Email". Together
	// with the trigger set it forms the canonical descriptor that stable ids
	// are assigned from, so it must be declared identically on every process
	// that needs to match this rule's messages.
	Name string

	// Triggers are the property names whose writes (re-)execute the rule.
	// The rule may only write messages to these properties (and the object
	// level). Must be non-empty.
	Triggers []string

	// Kind selects sync or async scheduling.
	Kind RuleKind

	// Run is the rule body.
	Run RuleFunc
}

// rule is a registration after stable-id assignment.
type rule struct {
	id         StableID
	name       string
	descriptor string
	triggers   []string
	triggerSet map[string]struct{}
	kind       RuleKind
	run        RuleFunc
}

func (r *rule) allowsProperty(name string) bool {
	if name == ObjectProperty {
		return true
	}
	_, ok := r.triggerSet[name]
	return ok
}

// RuleSet is the immutable rule registry for one node type.
//
// Stable ids are assigned from the canonical ordering of rule descriptors
// (NFC-normalized name plus sorted trigger list, ordered by UTF-16 code
// units), NOT from registration order. Two independently constructed rule
// sets declaring the same rules therefore produce identical ids, which is
// what lets messages survive a serialize/deserialize round trip between
// processes.
type RuleSet struct {
	ordered     []*rule // index = StableID - 1
	byTrigger   map[string][]*rule
	fingerprint string
}

// ruleSetDomain prefixes the fingerprint hash. The version suffix enables
// future descriptor-format migration.
const ruleSetDomain = "verity/ruleset/v1"

// NewRuleSet validates registrations and assigns stable ids.
//
// Configuration errors (fatal, returned immediately):
//   - empty trigger set: RULE_NOT_APPLICABLE
//   - duplicate canonical descriptor: DUPLICATE_RULE_ID
//   - nil body or empty name: RULE_NOT_APPLICABLE
func NewRuleSet(regs ...Registration) (*RuleSet, error) {
	rules := make([]*rule, 0, len(regs))
	for _, reg := range regs {
		if reg.Name == "" {
			return nil, &EngineError{Code: ErrCodeRuleNotApplicable, Message: "rule registered without a name"}
		}
		if reg.Run == nil {
			return nil, &EngineError{Code: ErrCodeRuleNotApplicable, Message: "rule registered without a body", Rule: reg.Name}
		}
		if len(reg.Triggers) == 0 {
			return nil, &EngineError{
				Code:    ErrCodeRuleNotApplicable,
				Message: "rule resolves zero trigger properties against the live object",
				Rule:    reg.Name,
			}
		}
		kind := reg.Kind
		if kind == 0 {
			kind = Sync
		}
		triggers := make([]string, len(reg.Triggers))
		for i, t := range reg.Triggers {
			triggers[i] = norm.NFC.String(t)
		}
		set := make(map[string]struct{}, len(triggers))
		for _, t := range triggers {
			set[t] = struct{}{}
		}
		rules = append(rules, &rule{
			name:       reg.Name,
			descriptor: canonicalDescriptor(reg.Name, triggers),
			triggers:   triggers,
			triggerSet: set,
			kind:       kind,
			run:        reg.Run,
		})
	}

	// Canonical order, not registration order.
	slices.SortStableFunc(rules, func(a, b *rule) int {
		return compareUTF16(a.descriptor, b.descriptor)
	})

	rs := &RuleSet{
		ordered:   rules,
		byTrigger: make(map[string][]*rule),
	}
	h := sha256.New()
	h.Write([]byte(ruleSetDomain))
	h.Write([]byte{0x00})
	for i, r := range rules {
		if i > 0 && rules[i-1].descriptor == r.descriptor {
			return nil, &EngineError{
				Code:    ErrCodeDuplicateRuleID,
				Message: fmt.Sprintf("descriptor %q declared twice", r.descriptor),
				Rule:    r.name,
			}
		}
		r.id = StableID(i + 1)
		h.Write([]byte(r.descriptor))
		h.Write([]byte{'\n'})
		for _, t := range r.triggers {
			rs.byTrigger[t] = append(rs.byTrigger[t], r)
		}
	}
	rs.fingerprint = hex.EncodeToString(h.Sum(nil))
	return rs, nil
}

// Fingerprint returns the sha256 digest of the canonical descriptor list.
// Codecs embed it so a receiving process can verify both sides declared the
// same rule set before trusting stable ids.
func (rs *RuleSet) Fingerprint() string {
	if rs == nil {
		return emptyRuleSetFingerprint()
	}
	return rs.fingerprint
}

// Len returns the number of registered rules.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.ordered)
}

// IDOf resolves the stable id of a rule by its registration name.
// Returns 0 when no such rule exists.
func (rs *RuleSet) IDOf(name string) StableID {
	if rs == nil {
		return 0
	}
	for _, r := range rs.ordered {
		if r.name == name {
			return r.id
		}
	}
	return 0
}

func (rs *RuleSet) triggered(property string) []*rule {
	if rs == nil {
		return nil
	}
	return rs.byTrigger[property]
}

func (rs *RuleSet) all() []*rule {
	if rs == nil {
		return nil
	}
	return rs.ordered
}

func emptyRuleSetFingerprint() string {
	h := sha256.New()
	h.Write([]byte(ruleSetDomain))
	h.Write([]byte{0x00})
	return hex.EncodeToString(h.Sum(nil))
}

// canonicalDescriptor builds the rule source description stable ids are
// assigned from: NFC name plus UTF-16-sorted trigger list.
func canonicalDescriptor(name string, triggers []string) string {
	sorted := make([]string, len(triggers))
	copy(sorted, triggers)
	slices.SortFunc(sorted, compareUTF16)
	return norm.NFC.String(name) + "(" + strings.Join(sorted, ",") + ")"
}

// compareUTF16 compares strings by UTF-16 code units (RFC 8785 key order).
// Go's native string comparison uses UTF-8 bytes, which produces a different
// order for strings containing surrogate-pair code points.
func compareUTF16(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	minLen := min(len(a16), len(b16))
	for i := 0; i < minLen; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	default:
		return 0
	}
}
