package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noop(_ context.Context, _ *RuleContext) error { return nil }

func TestNewRuleSet_StableIDsIgnoreRegistrationOrder(t *testing.T) {
	regs := []Registration{
		{Name: "required:Email", Triggers: []string{"Email"}, Run: noop},
		{Name: "required:Name", Triggers: []string{"Name"}, Run: noop},
		{Name: "range:Age", Triggers: []string{"Age"}, Run: noop},
	}

	forward, err := NewRuleSet(regs[0], regs[1], regs[2])
	require.NoError(t, err)
	reversed, err := NewRuleSet(regs[2], regs[1], regs[0])
	require.NoError(t, err)

	for _, name := range []string{"required:Email", "required:Name", "range:Age"} {
		assert.Equal(t, forward.IDOf(name), reversed.IDOf(name), "id for %s", name)
		assert.NotZero(t, forward.IDOf(name))
	}
	assert.Equal(t, forward.Fingerprint(), reversed.Fingerprint())
}

func TestNewRuleSet_IDsAssignedByCanonicalOrder(t *testing.T) {
	rs, err := NewRuleSet(
		Registration{Name: "zeta", Triggers: []string{"A"}, Run: noop},
		Registration{Name: "alpha", Triggers: []string{"A"}, Run: noop},
	)
	require.NoError(t, err)

	// "alpha(A)" sorts before "zeta(A)" regardless of registration order.
	assert.Equal(t, StableID(1), rs.IDOf("alpha"))
	assert.Equal(t, StableID(2), rs.IDOf("zeta"))
}

func TestNewRuleSet_EmptyTriggersRejected(t *testing.T) {
	_, err := NewRuleSet(Registration{Name: "orphan", Run: noop})
	require.Error(t, err)
	assert.Equal(t, ErrCodeRuleNotApplicable, CodeOf(err))
}

func TestNewRuleSet_DuplicateDescriptorRejected(t *testing.T) {
	_, err := NewRuleSet(
		Registration{Name: "required:Email", Triggers: []string{"Email"}, Run: noop},
		Registration{Name: "required:Email", Triggers: []string{"Email"}, Run: noop},
	)
	require.Error(t, err)
	assert.Equal(t, ErrCodeDuplicateRuleID, CodeOf(err))
}

func TestNewRuleSet_DescriptorNormalizesTriggerOrder(t *testing.T) {
	a, err := NewRuleSet(Registration{Name: "pair", Triggers: []string{"B", "A"}, Run: noop})
	require.NoError(t, err)
	b, err := NewRuleSet(Registration{Name: "pair", Triggers: []string{"A", "B"}, Run: noop})
	require.NoError(t, err)

	assert.Equal(t, a.Fingerprint(), b.Fingerprint())
}

func TestNewRuleSet_DefaultKindIsSync(t *testing.T) {
	rs, err := NewRuleSet(Registration{Name: "r", Triggers: []string{"A"}, Run: noop})
	require.NoError(t, err)
	assert.Equal(t, Sync, rs.ordered[0].kind)
}

func TestRuleSet_EmptyFingerprintStable(t *testing.T) {
	var rs *RuleSet
	empty, err := NewRuleSet()
	require.NoError(t, err)
	assert.Equal(t, rs.Fingerprint(), empty.Fingerprint())
	assert.Zero(t, rs.Len())
}

func TestCompareUTF16_SurrogateOrder(t *testing.T) {
	// U+FF61 (halfwidth ideographic full stop) encodes as one UTF-16 unit
	// 0xFF61; U+10000 encodes as the surrogate pair 0xD800 0xDC00. UTF-16
	// order puts the surrogate pair first, unlike byte-wise UTF-8 order.
	assert.Equal(t, 1, compareUTF16("｡", "\U00010000"))
	assert.Equal(t, -1, compareUTF16("\U00010000", "｡"))
	assert.Equal(t, 0, compareUTF16("abc", "abc"))
	assert.Equal(t, -1, compareUTF16("ab", "abc"))
}

func TestRuleContext_ValueOutsideTriggersIsNull(t *testing.T) {
	rc := &RuleContext{values: map[string]Value{"A": String("x")}}
	assert.Equal(t, String("x"), rc.Value("A"))
	assert.True(t, IsNull(rc.Value("B")))
}
