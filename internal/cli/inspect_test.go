package cli

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInspect_PrintsCanonicalSnapshot(t *testing.T) {
	path := writeFixture(t, orderFixture)
	out, _, err := execute(t, "--format", "json", "inspect", path)
	require.NoError(t, err)

	assert.True(t, strings.HasPrefix(strings.TrimSpace(out), "{"))
	assert.Contains(t, out, `"type":"Order"`)
	assert.Contains(t, out, `"rule_set_hash"`)
	assert.Contains(t, out, `"Reference"`)
	assert.NotContains(t, out, `"messages":[{`, "no rules have run without --check")
}

func TestInspect_CheckCarriesMessages(t *testing.T) {
	path := writeFixture(t, invalidOrderFixture)
	out, _, err := execute(t, "--format", "json", "inspect", "--check", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Reference is required")
}

func TestInspect_TextSummary(t *testing.T) {
	path := writeFixture(t, validOrderFixture)
	out, _, err := execute(t, "inspect", path)
	require.NoError(t, err)
	assert.Contains(t, out, "Type:        Order")
	assert.Contains(t, out, "Rule set:")
}
