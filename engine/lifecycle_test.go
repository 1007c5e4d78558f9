package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func savableError(t *testing.T, err error, reason string) {
	t.Helper()
	require.Error(t, err)
	assert.Equal(t, ErrCodeNotSavable, CodeOf(err))
	assert.True(t, IsNotSavable(err))
	var ee *EngineError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, reason, ee.Reason)
}

func TestSave_RejectsInvalid(t *testing.T) {
	portal := &fakePortal{}
	node := mustNode(personSpec(portal, requiredRule("Name")))
	require.NoError(t, node.Set("Name", String("")))

	savableError(t, node.Save(context.Background()), "invalid")
	assert.Empty(t, portal.inserted)
}

func TestSave_RejectsUnchanged(t *testing.T) {
	portal := &fakePortal{}
	node := mustNode(personSpec(portal))
	node.MarkOld()

	savableError(t, node.Save(context.Background()), "unchanged")
}

func TestSave_RejectsChild(t *testing.T) {
	portal := &fakePortal{}
	person := personSpec(portal)
	order := mustNode(orderSpec(portal, lineSpec(portal)))
	customer := mustNode(person)
	require.NoError(t, order.Set("Customer", customer))

	savableError(t, customer.Save(context.Background()), "child")
}

func TestSave_RejectsWithoutPortal(t *testing.T) {
	node := mustNode(personSpec(nil))
	savableError(t, node.Save(context.Background()), "no portal")
}

func TestSave_InsertThenUpdate(t *testing.T) {
	portal := &fakePortal{}
	node := mustNode(personSpec(portal))
	require.NoError(t, node.Set("Name", String("Ada")))
	require.True(t, node.IsSavable())

	require.NoError(t, node.Save(context.Background()))
	assert.Equal(t, []string{"Person"}, portal.inserted)
	assert.False(t, node.IsNew())
	assert.False(t, node.IsModified())

	require.NoError(t, node.Set("Name", String("Grace")))
	require.NoError(t, node.Save(context.Background()))
	assert.Equal(t, []string{"Person"}, portal.updated)
	assert.False(t, node.IsModified())
}

func TestSave_PortalErrorAbortsTransition(t *testing.T) {
	boom := errors.New("connection refused")
	portal := &fakePortal{failInsert: boom}
	node := mustNode(personSpec(portal))
	require.NoError(t, node.Set("Name", String("Ada")))

	err := node.Save(context.Background())
	require.Error(t, err)
	assert.True(t, IsPersistenceFailed(err))
	assert.ErrorIs(t, err, boom)

	// The failed save changed nothing; the node is still New, modified and
	// re-saveable.
	assert.True(t, node.IsNew())
	assert.True(t, node.IsModified())

	portal.failInsert = nil
	require.NoError(t, node.Save(context.Background()))
	assert.False(t, node.IsNew())
}

func TestSave_DeleteRevertsToNew(t *testing.T) {
	portal := &fakePortal{}
	node := mustNode(personSpec(portal))
	require.NoError(t, node.Set("Name", String("Ada")))
	require.NoError(t, node.Save(context.Background()))

	require.NoError(t, node.Delete())
	require.True(t, node.IsDeleted())
	require.NoError(t, node.Save(context.Background()))

	assert.Equal(t, []string{"Person"}, portal.deleted)
	assert.True(t, node.IsNew(), "a deleted aggregate reverts to New")
	assert.False(t, node.IsDeleted())
	assert.True(t, node.IsModified(), "New always reports modified")
}

// Deleting a node that was never persisted skips the portal entirely.
func TestSave_DeleteNewSkipsPortal(t *testing.T) {
	portal := &fakePortal{}
	node := mustNode(personSpec(portal))
	require.NoError(t, node.Set("Name", String("Ada")))
	require.NoError(t, node.Delete())

	require.NoError(t, node.Save(context.Background()))
	assert.Empty(t, portal.deleted)
	assert.True(t, node.IsNew())
}

func TestSave_MarkModifiedDrivesUpdate(t *testing.T) {
	portal := &fakePortal{}
	node := mustNode(personSpec(portal))
	require.NoError(t, node.Set("Name", String("Ada")))
	require.NoError(t, node.Save(context.Background()))
	require.False(t, node.IsSavable())

	node.MarkModified()
	require.True(t, node.IsSavable())
	require.NoError(t, node.Save(context.Background()))
	assert.Equal(t, []string{"Person"}, portal.updated)
	assert.False(t, node.IsModified())
}

func TestSave_CascadesIntoChildren(t *testing.T) {
	portal := &fakePortal{}
	lines := lineSpec(portal)
	order := mustNode(orderSpec(portal, lines))
	col := NewCollection()
	require.NoError(t, order.Set("Lines", col))
	require.NoError(t, order.Set("Reference", String("ORD-1")))

	customer := mustNode(personSpec(portal))
	require.NoError(t, customer.Set("Name", String("Ada")))
	require.NoError(t, order.Set("Customer", customer))

	item := mustNode(lines)
	require.NoError(t, item.Set("Sku", String("SKU-1")))
	require.NoError(t, col.Add(item))

	require.NoError(t, order.Save(context.Background()))
	assert.ElementsMatch(t, []string{"Order", "Person", "Line"}, portal.inserted)
	assert.False(t, customer.IsNew())
	assert.False(t, item.IsNew())
	assert.False(t, order.IsModified())
}

// Only dirty children hit the portal on an update cycle.
func TestSave_SkipsUnmodifiedChildren(t *testing.T) {
	portal := &fakePortal{}
	lines := lineSpec(portal)
	order := mustNode(orderSpec(portal, lines))
	col := NewCollection()
	require.NoError(t, order.Set("Lines", col))
	require.NoError(t, order.Set("Reference", String("ORD-1")))

	a := mustNode(lines)
	b := mustNode(lines)
	require.NoError(t, col.Add(a))
	require.NoError(t, col.Add(b))
	require.NoError(t, order.Save(context.Background()))
	require.Empty(t, portal.updated)

	require.NoError(t, a.Set("Qty", Int(2)))
	require.NoError(t, order.Save(context.Background()))
	assert.Equal(t, []string{"Order", "Line"}, portal.updated)
}

// Pending deletions are deleted through the portal, then the tracking list
// is cleared and the items come back as detached New nodes.
func TestSave_ProcessesPendingDeletions(t *testing.T) {
	portal := &fakePortal{}
	lines := lineSpec(portal)
	order := mustNode(orderSpec(portal, lines))
	col := NewCollection()
	require.NoError(t, order.Set("Lines", col))
	require.NoError(t, order.Set("Reference", String("ORD-1")))
	require.NoError(t, order.Save(context.Background()))

	item := mustNode(lines)
	require.NoError(t, col.Add(item))
	item.MarkOld()
	require.NoError(t, col.Remove(item))
	require.True(t, order.IsModified(), "pending deletion makes the aggregate dirty")

	require.NoError(t, order.Save(context.Background()))
	assert.Equal(t, []string{"Line"}, portal.deleted)
	assert.Empty(t, col.PendingDeletion())
	assert.Nil(t, item.Owner())
	assert.Nil(t, item.Parent())
	assert.True(t, item.IsNew())
	assert.False(t, item.IsDeleted())
	assert.False(t, order.IsModified())
}

// A portal failure on a pending deletion leaves the pending list intact so
// the next save can retry it.
func TestSave_DeletionFailureKeepsPending(t *testing.T) {
	boom := errors.New("disk full")
	portal := &fakePortal{}
	lines := lineSpec(portal)
	order := mustNode(orderSpec(portal, lines))
	col := NewCollection()
	require.NoError(t, order.Set("Lines", col))
	require.NoError(t, order.Set("Reference", String("ORD-1")))
	require.NoError(t, order.Save(context.Background()))

	item := mustNode(lines)
	require.NoError(t, col.Add(item))
	item.MarkOld()
	require.NoError(t, col.Remove(item))

	portal.failDelete = boom
	err := order.Save(context.Background())
	require.Error(t, err)
	assert.True(t, IsPersistenceFailed(err))
	assert.Len(t, col.PendingDeletion(), 1)

	portal.failDelete = nil
	// The root itself was already marked old by the failed cycle; the
	// pending deletion alone keeps the aggregate dirty and re-saveable.
	require.True(t, order.IsModified())
	require.NoError(t, order.Save(context.Background()))
	assert.Empty(t, col.PendingDeletion())
}
