package engine

// Kind declares the shape of a property's values.
type Kind int

const (
	// KindString holds String values.
	KindString Kind = iota + 1
	// KindInt holds Int values (always int64 width).
	KindInt
	// KindBool holds Bool values.
	KindBool
	// KindFloat holds Float values.
	KindFloat
	// KindNode holds a nested *Node. Validity, busyness and modification are
	// delegated to the nested node rather than stored on the cell.
	KindNode
	// KindCollection holds a *Collection of child nodes.
	KindCollection
)

// String returns the lowercase kind name used by codecs and fixtures.
func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindBool:
		return "bool"
	case KindFloat:
		return "float"
	case KindNode:
		return "node"
	case KindCollection:
		return "collection"
	default:
		return "invalid"
	}
}

// KindFromName resolves a kind name produced by Kind.String.
// Returns 0 for unknown names.
func KindFromName(name string) Kind {
	switch name {
	case "string":
		return KindString
	case "int":
		return KindInt
	case "bool":
		return KindBool
	case "float":
		return KindFloat
	case "node":
		return KindNode
	case "collection":
		return KindCollection
	default:
		return 0
	}
}

// Value is a sealed interface over the types a property cell can hold.
// Only Null, String, Int, Bool, Float, *Node and *Collection implement it.
type Value interface {
	value() // sealed
}

// Null represents an absent scalar value. Null is assignable to any scalar
// kind; it is never assignable to node or collection kinds.
type Null struct{}

func (Null) value() {}

// String is a string property value.
type String string

func (String) value() {}

// Int is an integer property value. Always int64, never float64.
type Int int64

func (Int) value() {}

// Bool is a boolean property value.
type Bool bool

func (Bool) value() {}

// Float is a floating-point property value. Floats never participate in
// stable-id computation, which hashes rule descriptors only.
type Float float64

func (Float) value() {}

// kindOf reports the kind of a concrete value. Null reports 0 and is
// checked separately by assignability.
func kindOf(v Value) Kind {
	switch v.(type) {
	case String:
		return KindString
	case Int:
		return KindInt
	case Bool:
		return KindBool
	case Float:
		return KindFloat
	case *Node:
		return KindNode
	case *Collection:
		return KindCollection
	default:
		return 0
	}
}

// assignable reports whether v may be stored in a cell of kind k.
func assignable(k Kind, v Value) bool {
	if v == nil {
		return false
	}
	if _, ok := v.(Null); ok {
		return k != KindNode && k != KindCollection
	}
	return kindOf(v) == k
}

// StringValue unwraps a String value. The second return is false for any
// other value, including Null.
func StringValue(v Value) (string, bool) {
	s, ok := v.(String)
	return string(s), ok
}

// IntValue unwraps an Int value.
func IntValue(v Value) (int64, bool) {
	n, ok := v.(Int)
	return int64(n), ok
}

// BoolValue unwraps a Bool value.
func BoolValue(v Value) (bool, bool) {
	b, ok := v.(Bool)
	return bool(b), ok
}

// FloatValue unwraps a Float value.
func FloatValue(v Value) (float64, bool) {
	f, ok := v.(Float)
	return float64(f), ok
}

// IsNull reports whether v is the Null value.
func IsNull(v Value) bool {
	_, ok := v.(Null)
	return ok
}

// PropertyDesc declares one property of a node type.
type PropertyDesc struct {
	// Name keys the property. Must be unique within a NodeSpec.
	Name string

	// Kind declares the value shape enforced by Set.
	Kind Kind

	// ReadOnly cells reject Set; the load path still writes them.
	ReadOnly bool

	// Default seeds the cell at construction. Nil means Null for scalar
	// kinds and an empty slot for node/collection kinds.
	Default Value

	// Elem describes the nested node type for KindNode properties and the
	// item type for KindCollection properties. Required by codecs and fetch
	// paths that must construct children; ignored for scalar kinds.
	Elem *NodeSpec
}
