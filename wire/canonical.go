package wire

import (
	"fmt"
	"math"
	"slices"
	"strconv"
	"unicode/utf16"
	"unicode/utf8"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces RFC 8785 canonical JSON. Snapshots encoded this
// way are byte-stable across processes and Go versions, which is what makes
// golden comparison and content hashing of wire payloads meaningful.
//
// Differences from standard json.Marshal:
//  1. Object keys sorted by UTF-16 code units (not UTF-8 bytes)
//  2. No HTML escaping (< > & are NOT escaped)
//  3. Strings are NFC normalized
//  4. Floats use the shortest round-trip representation; NaN and the
//     infinities are forbidden
func MarshalCanonical(v any) ([]byte, error) {
	return appendCanonical(nil, v)
}

func appendCanonical(buf []byte, v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return append(buf, "null"...), nil
	case string:
		return appendCanonicalString(buf, val), nil
	case bool:
		if val {
			return append(buf, "true"...), nil
		}
		return append(buf, "false"...), nil
	case int:
		return strconv.AppendInt(buf, int64(val), 10), nil
	case int64:
		return strconv.AppendInt(buf, val, 10), nil
	case float64:
		return appendCanonicalFloat(buf, val)
	case []any:
		return appendCanonicalArray(buf, val)
	case map[string]any:
		return appendCanonicalObject(buf, val)
	default:
		return nil, fmt.Errorf("unsupported type for canonical JSON: %T", v)
	}
}

func appendCanonicalArray(buf []byte, arr []any) ([]byte, error) {
	buf = append(buf, '[')
	for i, elem := range arr {
		if i > 0 {
			buf = append(buf, ',')
		}
		var err error
		buf, err = appendCanonical(buf, elem)
		if err != nil {
			return nil, fmt.Errorf("array[%d]: %w", i, err)
		}
	}
	return append(buf, ']'), nil
}

func appendCanonicalObject(buf []byte, obj map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareUTF16)

	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = appendCanonicalString(buf, k)
		buf = append(buf, ':')
		var err error
		buf, err = appendCanonical(buf, obj[k])
		if err != nil {
			return nil, fmt.Errorf("object[%q]: %w", k, err)
		}
	}
	return append(buf, '}'), nil
}

// appendCanonicalString escapes per RFC 8785 §3.2.2.2: only quote, backslash
// and the C0 controls are escaped (with the short forms where they exist);
// everything else, including <, >, &, U+2028 and U+2029, is emitted verbatim.
func appendCanonicalString(buf []byte, s string) []byte {
	s = norm.NFC.String(s)
	buf = append(buf, '"')
	for _, r := range s {
		switch r {
		case '"':
			buf = append(buf, '\\', '"')
		case '\\':
			buf = append(buf, '\\', '\\')
		case '\b':
			buf = append(buf, '\\', 'b')
		case '\f':
			buf = append(buf, '\\', 'f')
		case '\n':
			buf = append(buf, '\\', 'n')
		case '\r':
			buf = append(buf, '\\', 'r')
		case '\t':
			buf = append(buf, '\\', 't')
		default:
			if r < 0x20 {
				buf = append(buf, fmt.Sprintf(`\u%04x`, r)...)
			} else {
				buf = utf8.AppendRune(buf, r)
			}
		}
	}
	return append(buf, '"')
}

func appendCanonicalFloat(buf []byte, f float64) ([]byte, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("non-finite float is forbidden in canonical JSON: %v", f)
	}
	// Integral floats print without a fraction or exponent, matching the
	// ECMAScript serialization RFC 8785 specifies for the common range.
	if f == math.Trunc(f) && math.Abs(f) < 1e21 {
		return strconv.AppendFloat(buf, f, 'f', -1, 64), nil
	}
	return strconv.AppendFloat(buf, f, 'g', -1, 64), nil
}

// compareUTF16 orders strings by UTF-16 code units, the RFC 8785 member key
// order. UTF-8 byte order disagrees with it for strings containing
// surrogate-pair code points.
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
