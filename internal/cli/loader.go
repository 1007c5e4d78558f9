package cli

import (
	"context"
	"fmt"
	"os"
	"regexp"
	"unicode/utf8"

	"gopkg.in/yaml.v3"

	"github.com/roach88/verity/engine"
)

// Fixture is the YAML document the CLI works with: named node type
// declarations, the root type, and an optional data tree to materialize.
type Fixture struct {
	Types map[string]TypeDef `yaml:"types"`
	Root  string             `yaml:"root"`
	Data  map[string]any     `yaml:"data"`
}

// TypeDef declares one node type.
type TypeDef struct {
	Properties []PropDef `yaml:"properties"`
	Rules      []RuleDef `yaml:"rules"`
}

// PropDef declares one property. Elem names another fixture type for the
// "node" and "collection" kinds.
type PropDef struct {
	Name     string `yaml:"name"`
	Kind     string `yaml:"kind"`
	Elem     string `yaml:"elem,omitempty"`
	ReadOnly bool   `yaml:"read-only,omitempty"`
}

// RuleDef declares one validation rule from the built-in vocabulary:
//
//	required              value must be present and non-empty
//	min-length / length   string must have at least N characters
//	max-length / length   string must have at most N characters
//	range / min, max      numeric value must fall within [min, max]
//	match / pattern       string must match the regular expression
type RuleDef struct {
	Rule     string   `yaml:"rule"`
	Property string   `yaml:"property"`
	Length   int      `yaml:"length,omitempty"`
	Min      *float64 `yaml:"min,omitempty"`
	Max      *float64 `yaml:"max,omitempty"`
	Pattern  string   `yaml:"pattern,omitempty"`
}

// LoadError describes a fixture problem with a stable code.
type LoadError struct {
	Code    string
	Message string
}

func (e *LoadError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Error code constants - unified across all CLI commands.
const (
	ErrCodeGeneric     = "E001" // Generic/unknown error
	ErrCodeNotFound    = "E002" // Fixture file not found
	ErrCodeParseFailed = "E003" // YAML parse failure

	ErrCodeUnknownKind = "E101" // Property kind not recognized
	ErrCodeUnknownType = "E102" // Elem references an undeclared type
	ErrCodeBadRule     = "E103" // Rule definition invalid
	ErrCodeBadData     = "E104" // Data tree does not fit the declared types
	ErrCodeTypeCycle   = "E105" // Type declarations reference each other cyclically
)

// LoadFixture reads and parses a fixture file.
func LoadFixture(path string) (*Fixture, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("fixture not found: %s", path)}
		}
		return nil, &LoadError{Code: ErrCodeGeneric, Message: fmt.Sprintf("reading fixture: %v", err)}
	}

	var f Fixture
	if err := yaml.Unmarshal(raw, &f); err != nil {
		return nil, &LoadError{Code: ErrCodeParseFailed, Message: fmt.Sprintf("parsing fixture: %v", err)}
	}
	if f.Root == "" {
		return nil, &LoadError{Code: ErrCodeParseFailed, Message: "fixture declares no root type"}
	}
	if _, ok := f.Types[f.Root]; !ok {
		return nil, &LoadError{Code: ErrCodeUnknownType, Message: fmt.Sprintf("root type %q is not declared", f.Root)}
	}
	return &f, nil
}

// specBuilder resolves fixture type declarations into shared NodeSpecs,
// memoizing so a type referenced from several places builds once.
type specBuilder struct {
	fixture  *Fixture
	portal   engine.Portal
	built    map[string]*engine.NodeSpec
	building map[string]bool
}

// BuildSpec resolves the named fixture type, and transitively everything it
// references, into a NodeSpec. All specs share the given portal (nil is fine
// for validate/inspect).
func BuildSpec(f *Fixture, typeName string, portal engine.Portal) (*engine.NodeSpec, error) {
	b := &specBuilder{
		fixture:  f,
		portal:   portal,
		built:    make(map[string]*engine.NodeSpec),
		building: make(map[string]bool),
	}
	return b.resolve(typeName)
}

func (b *specBuilder) resolve(typeName string) (*engine.NodeSpec, error) {
	if spec, ok := b.built[typeName]; ok {
		return spec, nil
	}
	if b.building[typeName] {
		return nil, &LoadError{Code: ErrCodeTypeCycle, Message: fmt.Sprintf("type %q is part of a declaration cycle", typeName)}
	}
	def, ok := b.fixture.Types[typeName]
	if !ok {
		return nil, &LoadError{Code: ErrCodeUnknownType, Message: fmt.Sprintf("type %q is not declared", typeName)}
	}
	b.building[typeName] = true
	defer delete(b.building, typeName)

	props := make([]engine.PropertyDesc, 0, len(def.Properties))
	for _, p := range def.Properties {
		desc := engine.PropertyDesc{Name: p.Name, ReadOnly: p.ReadOnly}
		switch p.Kind {
		case "string":
			desc.Kind = engine.KindString
		case "int":
			desc.Kind = engine.KindInt
		case "bool":
			desc.Kind = engine.KindBool
		case "float":
			desc.Kind = engine.KindFloat
		case "node", "collection":
			if p.Kind == "node" {
				desc.Kind = engine.KindNode
			} else {
				desc.Kind = engine.KindCollection
			}
			if p.Elem == "" {
				return nil, &LoadError{Code: ErrCodeUnknownType, Message: fmt.Sprintf("property %s.%s needs an elem type", typeName, p.Name)}
			}
			elem, err := b.resolve(p.Elem)
			if err != nil {
				return nil, err
			}
			desc.Elem = elem
		default:
			return nil, &LoadError{Code: ErrCodeUnknownKind, Message: fmt.Sprintf("property %s.%s has unknown kind %q", typeName, p.Name, p.Kind)}
		}
		props = append(props, desc)
	}

	regs := make([]engine.Registration, 0, len(def.Rules))
	for _, r := range def.Rules {
		reg, err := buildRegistration(typeName, r)
		if err != nil {
			return nil, err
		}
		regs = append(regs, reg)
	}
	rules, err := engine.NewRuleSet(regs...)
	if err != nil {
		return nil, &LoadError{Code: ErrCodeBadRule, Message: fmt.Sprintf("type %s: %v", typeName, err)}
	}

	spec := &engine.NodeSpec{
		TypeName:   typeName,
		Properties: props,
		Rules:      rules,
		Portal:     b.portal,
	}
	b.built[typeName] = spec
	return spec, nil
}

// buildRegistration maps one vocabulary entry to a sync rule registration.
func buildRegistration(typeName string, r RuleDef) (engine.Registration, error) {
	if r.Property == "" {
		return engine.Registration{}, &LoadError{Code: ErrCodeBadRule, Message: fmt.Sprintf("type %s: rule %q names no property", typeName, r.Rule)}
	}
	prop := r.Property

	reg := engine.Registration{
		Name:     r.Rule + ":" + prop,
		Triggers: []string{prop},
		Kind:     engine.Sync,
	}

	switch r.Rule {
	case "required":
		reg.Run = func(_ context.Context, rc *engine.RuleContext) error {
			v := rc.Value(prop)
			s, isString := engine.StringValue(v)
			if engine.IsNull(v) || (isString && s == "") {
				rc.Fail(prop, prop+" is required")
			}
			return nil
		}
	case "min-length":
		n := r.Length
		reg.Run = func(_ context.Context, rc *engine.RuleContext) error {
			if s, ok := engine.StringValue(rc.Value(prop)); ok && utf8.RuneCountInString(s) < n {
				rc.Fail(prop, fmt.Sprintf("%s must have at least %d characters", prop, n))
			}
			return nil
		}
	case "max-length":
		n := r.Length
		reg.Run = func(_ context.Context, rc *engine.RuleContext) error {
			if s, ok := engine.StringValue(rc.Value(prop)); ok && utf8.RuneCountInString(s) > n {
				rc.Fail(prop, fmt.Sprintf("%s must have at most %d characters", prop, n))
			}
			return nil
		}
	case "range":
		if r.Min == nil && r.Max == nil {
			return engine.Registration{}, &LoadError{Code: ErrCodeBadRule, Message: fmt.Sprintf("type %s: range rule on %s needs min and/or max", typeName, prop)}
		}
		lo, hi := r.Min, r.Max
		reg.Run = func(_ context.Context, rc *engine.RuleContext) error {
			v := rc.Value(prop)
			var f float64
			if n, ok := engine.IntValue(v); ok {
				f = float64(n)
			} else if x, ok := engine.FloatValue(v); ok {
				f = x
			} else {
				return nil
			}
			if (lo != nil && f < *lo) || (hi != nil && f > *hi) {
				rc.Fail(prop, fmt.Sprintf("%s is out of range", prop))
			}
			return nil
		}
	case "match":
		re, err := regexp.Compile(r.Pattern)
		if err != nil {
			return engine.Registration{}, &LoadError{Code: ErrCodeBadRule, Message: fmt.Sprintf("type %s: match rule on %s: %v", typeName, prop, err)}
		}
		reg.Run = func(_ context.Context, rc *engine.RuleContext) error {
			if s, ok := engine.StringValue(rc.Value(prop)); ok && s != "" && !re.MatchString(s) {
				rc.Fail(prop, prop+" has an invalid format")
			}
			return nil
		}
	default:
		return engine.Registration{}, &LoadError{Code: ErrCodeBadRule, Message: fmt.Sprintf("type %s: unknown rule %q", typeName, r.Rule)}
	}

	return reg, nil
}

// BuildNode materializes the fixture's data tree into a node of the given
// spec. Data loads through the non-tracking path: the result reports
// unmodified (beyond being new) and no rules have run; validate explicitly
// re-checks afterwards.
func BuildNode(spec *engine.NodeSpec, data map[string]any) (*engine.Node, error) {
	n, err := engine.NewNode(spec)
	if err != nil {
		return nil, err
	}
	for _, desc := range spec.Properties {
		raw, ok := data[desc.Name]
		if !ok {
			continue
		}
		switch desc.Kind {
		case engine.KindNode:
			childData, ok := raw.(map[string]any)
			if !ok {
				return nil, &LoadError{Code: ErrCodeBadData, Message: fmt.Sprintf("%s.%s: expected a mapping", spec.TypeName, desc.Name)}
			}
			child, err := BuildNode(desc.Elem, childData)
			if err != nil {
				return nil, err
			}
			if err := n.Load(desc.Name, child); err != nil {
				return nil, err
			}
		case engine.KindCollection:
			items, ok := raw.([]any)
			if !ok {
				return nil, &LoadError{Code: ErrCodeBadData, Message: fmt.Sprintf("%s.%s: expected a sequence", spec.TypeName, desc.Name)}
			}
			col := engine.NewCollection()
			if err := n.Load(desc.Name, col); err != nil {
				return nil, err
			}
			for i, rawItem := range items {
				itemData, ok := rawItem.(map[string]any)
				if !ok {
					return nil, &LoadError{Code: ErrCodeBadData, Message: fmt.Sprintf("%s.%s[%d]: expected a mapping", spec.TypeName, desc.Name, i)}
				}
				item, err := BuildNode(desc.Elem, itemData)
				if err != nil {
					return nil, err
				}
				if err := col.Add(item); err != nil {
					return nil, err
				}
			}
		default:
			v, err := fixtureValue(raw)
			if err != nil {
				return nil, &LoadError{Code: ErrCodeBadData, Message: fmt.Sprintf("%s.%s: %v", spec.TypeName, desc.Name, err)}
			}
			if err := n.Load(desc.Name, v); err != nil {
				return nil, err
			}
		}
	}
	return n, nil
}

// fixtureValue maps a parsed YAML scalar onto an engine value.
func fixtureValue(raw any) (engine.Value, error) {
	switch v := raw.(type) {
	case nil:
		return engine.Null{}, nil
	case string:
		return engine.String(v), nil
	case int:
		return engine.Int(v), nil
	case int64:
		return engine.Int(v), nil
	case bool:
		return engine.Bool(v), nil
	case float64:
		return engine.Float(v), nil
	default:
		return nil, fmt.Errorf("unsupported scalar type %T", raw)
	}
}
