package testutil

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/verity/engine"
)

func widget(t *testing.T) *engine.Node {
	t.Helper()
	n, err := engine.NewNode(&engine.NodeSpec{
		TypeName:   "Widget",
		Properties: []engine.PropertyDesc{{Name: "Label", Kind: engine.KindString}},
	})
	require.NoError(t, err)
	return n
}

func TestMemoryPortal_RecordsCallsInOrder(t *testing.T) {
	p := NewMemoryPortal()
	n := widget(t)
	ctx := context.Background()

	require.NoError(t, p.Insert(ctx, n))
	require.NoError(t, p.Update(ctx, n))
	require.NoError(t, p.Delete(ctx, n))

	assert.Equal(t, []string{"insert", "update", "delete"}, p.Ops())
	calls := p.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, "Widget", calls[0].Type)
	assert.Equal(t, n.ID().String(), calls[0].ID)
}

func TestMemoryPortal_InjectsFailures(t *testing.T) {
	p := NewMemoryPortal()
	n := widget(t)
	boom := errors.New("boom")

	p.FailUpdate = boom
	require.NoError(t, p.Insert(context.Background(), n))
	assert.ErrorIs(t, p.Update(context.Background(), n), boom)
	assert.Equal(t, []string{"insert"}, p.Ops(), "failed calls are not recorded")

	p.Reset()
	assert.Empty(t, p.Ops())
	require.NoError(t, p.Update(context.Background(), n))
}
