package engine

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNode_SetGet(t *testing.T) {
	n := mustNode(personSpec(nil))

	require.NoError(t, n.Set("Name", String("Ada")))
	v, err := n.Get("Name")
	require.NoError(t, err)
	assert.Equal(t, String("Ada"), v)

	require.NoError(t, n.Set("Age", Int(36)))
	v, err = n.Get("Age")
	require.NoError(t, err)
	assert.Equal(t, Int(36), v)
}

func TestNode_SetUnknownProperty(t *testing.T) {
	n := mustNode(personSpec(nil))

	err := n.Set("Nope", String("x"))
	require.Error(t, err)
	assert.Equal(t, ErrCodeUnknownProperty, CodeOf(err))
}

func TestNode_SetTypeMismatch(t *testing.T) {
	n := mustNode(personSpec(nil))

	err := n.Set("Age", String("not a number"))
	require.Error(t, err)
	assert.Equal(t, ErrCodeTypeMismatch, CodeOf(err))

	// The graph is left unchanged on failure.
	v, err := n.Get("Age")
	require.NoError(t, err)
	assert.True(t, IsNull(v))
}

func TestNode_SetReadOnly(t *testing.T) {
	n := mustNode(personSpec(nil))

	err := n.Set("Code", String("x"))
	require.Error(t, err)
	assert.Equal(t, ErrCodeReadOnly, CodeOf(err))

	// The load path is privileged and writes read-only cells.
	require.NoError(t, n.Load("Code", String("gen-1")))
	v, err := n.Get("Code")
	require.NoError(t, err)
	assert.Equal(t, String("gen-1"), v)
}

func TestNode_NullAssignableToScalarsOnly(t *testing.T) {
	n := mustNode(personSpec(nil))
	require.NoError(t, n.Set("Name", Null{}))

	order := mustNode(orderSpec(nil, lineSpec(nil)))
	err := order.Set("Customer", Null{})
	require.Error(t, err)
	assert.Equal(t, ErrCodeTypeMismatch, CodeOf(err))
}

func TestNode_NewIsModified(t *testing.T) {
	n := mustNode(personSpec(nil))
	assert.True(t, n.IsNew())
	assert.True(t, n.IsModified(), "new nodes are modified by definition")
	assert.False(t, n.IsSelfModified())
}

func TestNode_SetTracksModification(t *testing.T) {
	n := mustNode(personSpec(nil))
	n.MarkOld()
	require.False(t, n.IsModified())

	require.NoError(t, n.Set("Name", String("Ada")))
	assert.True(t, n.IsSelfModified())
	assert.True(t, n.IsModified())

	n.MarkOld()
	assert.False(t, n.IsModified())
}

func TestNode_LoadBypassesModificationAndRules(t *testing.T) {
	n := mustNode(personSpec(nil, requiredRule("Name")))
	n.MarkOld()

	require.NoError(t, n.Load("Name", String("")))
	assert.False(t, n.IsModified(), "load must not set the modified flag")
	assert.Empty(t, n.MessagesFor("Name"), "load must not trigger rules")
}

func TestNode_SyncRuleMessagesVisibleAfterSet(t *testing.T) {
	n := mustNode(personSpec(nil, requiredRule("Name")))

	require.NoError(t, n.Set("Name", String("")))
	msgs := n.MessagesFor("Name")
	require.Len(t, msgs, 1)
	assert.Equal(t, "Name is required", msgs[0].Text)
	assert.False(t, n.IsValid())
	assert.False(t, n.IsSelfValid())

	require.NoError(t, n.Set("Name", String("Ada")))
	assert.Empty(t, n.MessagesFor("Name"))
	assert.True(t, n.IsValid())
}

func TestNode_RuleRerunReplacesOnlyItsOwnMessages(t *testing.T) {
	n := mustNode(personSpec(nil, requiredRule("Name"), minLenRule("Name", 5)))

	require.NoError(t, n.Set("Name", String("")))
	require.Len(t, n.MessagesFor("Name"), 1, "min-length passes on empty")

	require.NoError(t, n.Set("Name", String("Ada")))
	msgs := n.MessagesFor("Name")
	require.Len(t, msgs, 1)
	assert.Equal(t, "Name is too short", msgs[0].Text)

	require.NoError(t, n.Set("Name", String("Augusta")))
	assert.Empty(t, n.MessagesFor("Name"))
}

func TestNode_RuleErrorBecomesSyntheticMessage(t *testing.T) {
	boom := Registration{
		Name:     "boom",
		Triggers: []string{"Name"},
		Run: func(_ context.Context, _ *RuleContext) error {
			return assert.AnError
		},
	}
	n := mustNode(personSpec(nil, boom))

	require.NoError(t, n.Set("Name", String("x")))
	msgs := n.MessagesFor("Name")
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "rule boom failed")
	assert.False(t, n.IsValid())
}

func TestNode_RulePanicIsContained(t *testing.T) {
	boom := Registration{
		Name:     "panicky",
		Triggers: []string{"Name"},
		Run: func(_ context.Context, _ *RuleContext) error {
			panic("kaboom")
		},
	}
	n := mustNode(personSpec(nil, boom))

	require.NoError(t, n.Set("Name", String("x")))
	msgs := n.MessagesFor("Name")
	require.Len(t, msgs, 1)
	assert.Contains(t, msgs[0].Text, "kaboom")
}

func TestNode_MessageOutsideTriggerSetDropped(t *testing.T) {
	sneaky := Registration{
		Name:     "sneaky",
		Triggers: []string{"Name"},
		Run: func(_ context.Context, rc *RuleContext) error {
			rc.Fail("Email", "not mine to write")
			return nil
		},
	}
	n := mustNode(personSpec(nil, sneaky))

	require.NoError(t, n.Set("Name", String("x")))
	assert.Empty(t, n.MessagesFor("Email"))
	assert.True(t, n.IsValid())
}

func TestNode_ObjectLevelMessages(t *testing.T) {
	objRule := Registration{
		Name:     "object-check",
		Triggers: []string{"Name"},
		Run: func(_ context.Context, rc *RuleContext) error {
			s, _ := StringValue(rc.Value("Name"))
			if s == "invalid-object" {
				rc.FailObject("object is inconsistent")
			}
			return nil
		},
	}
	n := mustNode(personSpec(nil, objRule))

	require.NoError(t, n.Set("Name", String("invalid-object")))
	require.Len(t, n.MessagesFor(ObjectProperty), 1)
	assert.False(t, n.IsSelfValid())

	require.NoError(t, n.Set("Name", String("fine")))
	assert.Empty(t, n.MessagesFor(ObjectProperty))
	assert.True(t, n.IsValid())
}

// Simulates the client/server round trip: messages produced against one
// registry are matched and cleared by an independently constructed registry
// with identical declarations.
func TestNode_StableIDRoundTrip(t *testing.T) {
	// "Server" side produces a message.
	server := mustNode(personSpec(nil, requiredRule("Email"), requiredRule("Name")))
	require.NoError(t, server.Set("Email", String("")))
	produced := server.MessagesFor("Email")
	require.Len(t, produced, 1)

	// "Client" side declares the same rules in a different order.
	client := mustNode(personSpec(nil, requiredRule("Name"), requiredRule("Email")))
	require.Equal(t, server.Rules().Fingerprint(), client.Rules().Fingerprint())

	require.NoError(t, client.LoadMessages(produced))
	assert.False(t, client.IsValid())
	require.Len(t, client.MessagesFor("Email"), 1)
	assert.Equal(t, produced[0].RuleID, client.MessagesFor("Email")[0].RuleID)

	// Re-running the same logical rule replaces the foreign-produced message.
	require.NoError(t, client.Set("Email", String("ada@example.com")))
	assert.Empty(t, client.MessagesFor("Email"))
	assert.True(t, client.IsValid())
}

func TestNode_AllMessagesFlattensChildren(t *testing.T) {
	lines := lineSpec(nil, requiredRule("Sku"))
	order := mustNode(orderSpec(nil, lines, requiredRule("Reference")))

	col := NewCollection()
	require.NoError(t, order.Set("Lines", col))

	item := mustNode(lines)
	require.NoError(t, col.Add(item))
	require.NoError(t, item.Set("Sku", String("")))
	require.NoError(t, order.Set("Reference", String("")))

	all := order.AllMessages()
	require.Len(t, all, 2)
	assert.Equal(t, "Reference", all[0].Property)
	assert.Equal(t, "Sku", all[1].Property)
}

func TestNode_NestedChildAdoption(t *testing.T) {
	lines := lineSpec(nil)
	order := mustNode(orderSpec(nil, lines))

	customer := mustNode(personSpec(nil))
	require.NoError(t, order.Set("Customer", customer))

	assert.Same(t, order, customer.Parent())
	assert.True(t, customer.IsChild())

	// An adopted node cannot join a second aggregate.
	other := mustNode(orderSpec(nil, lines))
	err := other.Set("Customer", customer)
	require.Error(t, err)
	assert.Equal(t, ErrCodeForeignAggregate, CodeOf(err))
}

func TestNode_CheckAllIdempotent(t *testing.T) {
	lines := lineSpec(nil, requiredRule("Sku"))
	order := mustNode(orderSpec(nil, lines, requiredRule("Reference")))
	col := NewCollection()
	require.NoError(t, order.Set("Lines", col))
	item := mustNode(lines)
	require.NoError(t, col.Add(item))

	ctx := context.Background()
	require.NoError(t, order.CheckAll(ctx))
	first := order.AllMessages()
	require.NoError(t, order.CheckAll(ctx))
	second := order.AllMessages()

	assert.Equal(t, first, second, "run_all must be idempotent on an unchanged graph")
	assert.NotEmpty(t, first)
}

func TestNode_CheckAllClearsStaleMessages(t *testing.T) {
	n := mustNode(personSpec(nil, requiredRule("Name")))
	require.NoError(t, n.Set("Name", String("")))
	require.False(t, n.IsValid())

	// Simulate a stale message whose producing rule no longer triggers.
	require.NoError(t, n.LoadMessages([]Message{{RuleID: 99, Property: "Email", Text: "stale"}}))
	require.NoError(t, n.Set("Email", String("whatever")))
	assert.NotEmpty(t, n.MessagesFor("Email"), "ordinary writes never clear another rule's messages")

	require.NoError(t, n.Set("Name", String("Ada")))
	require.NoError(t, n.CheckAll(context.Background()))
	assert.Empty(t, n.MessagesFor("Email"))
	assert.True(t, n.IsValid())
}

// The full re-run reaches items awaiting deletion: their messages still
// count toward aggregate validity until the delete is persisted, so only
// re-running their rules can clear a stale one.
func TestNode_CheckAllReachesPendingDeletions(t *testing.T) {
	order, col, lines := newOrderWithLines(t)

	item := mustNode(lines)
	require.NoError(t, col.Add(item))
	item.MarkOld()
	require.NoError(t, item.LoadMessages([]Message{{RuleID: 99, Property: "Sku", Text: "stale"}}))
	require.NoError(t, col.Remove(item))
	require.False(t, order.IsValid(), "a pending item's messages count until the delete persists")

	require.NoError(t, order.CheckAll(context.Background()))
	assert.Empty(t, item.MessagesFor("Sku"))
	assert.True(t, order.IsValid())
}
