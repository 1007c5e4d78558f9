package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

// gatedEmailRule builds an async rule that blocks until the gate for the
// snapshotted Email value is closed, then fails iff the value is "bad".
func gatedEmailRule(kind RuleKind, gates map[string]chan struct{}) Registration {
	return Registration{
		Name:     "check:Email",
		Triggers: []string{"Email"},
		Kind:     kind,
		Run: func(ctx context.Context, rc *RuleContext) error {
			s, _ := StringValue(rc.Value("Email"))
			select {
			case <-gates[s]:
			case <-ctx.Done():
				return nil
			}
			if s == "bad" {
				rc.Fail("Email", "email rejected")
			}
			return nil
		},
	}
}

func pendingTasks(n *Node, want int) func() bool {
	return func() bool { return n.PendingTasksForTesting() == want }
}

func TestAsync_BusyWhileInFlight(t *testing.T) {
	gates := map[string]chan struct{}{"bad": make(chan struct{})}
	node := mustNode(personSpec(nil, gatedEmailRule(Async, gates)))

	require.NoError(t, node.Set("Email", String("bad")))
	assert.True(t, node.IsBusy(), "busy from the moment the write returns")
	assert.True(t, node.IsValid(), "no messages have landed yet")

	close(gates["bad"])
	require.NoError(t, node.WaitForTasks(context.Background()))

	assert.False(t, node.IsBusy())
	assert.False(t, node.IsValid())
	msgs := node.MessagesFor("Email")
	require.Len(t, msgs, 1)
	assert.Equal(t, "email rejected", msgs[0].Text)
}

// Two executions of the same rule in flight: completing the first does not
// clear the busy state the second still owns.
func TestAsync_BusyMarkersPerExecution(t *testing.T) {
	gates := map[string]chan struct{}{
		"bad":  make(chan struct{}),
		"good": make(chan struct{}),
	}
	node := mustNode(personSpec(nil, gatedEmailRule(Async, gates)))

	require.NoError(t, node.Set("Email", String("bad")))
	require.NoError(t, node.Set("Email", String("good")))
	require.Equal(t, 2, node.PendingTasksForTesting())

	close(gates["bad"])
	require.Eventually(t, pendingTasks(node, 1), waitFor, tick)
	assert.True(t, node.IsBusy(), "second execution still in flight")

	close(gates["good"])
	require.NoError(t, node.WaitForTasks(context.Background()))
	assert.False(t, node.IsBusy())
}

// An older execution that completes after a newer one has landed is
// discarded: the final messages always reflect the latest write.
func TestAsync_SupersededExecutionDiscarded(t *testing.T) {
	gates := map[string]chan struct{}{
		"bad":  make(chan struct{}),
		"good": make(chan struct{}),
	}
	node := mustNode(personSpec(nil, gatedEmailRule(Async, gates)))

	require.NoError(t, node.Set("Email", String("bad")))  // execution 1
	require.NoError(t, node.Set("Email", String("good"))) // execution 2

	// Let the newer execution land first.
	close(gates["good"])
	require.Eventually(t, pendingTasks(node, 1), waitFor, tick)
	assert.True(t, node.IsValid())

	// The stale failure must not overwrite the landed result.
	close(gates["bad"])
	require.NoError(t, node.WaitForTasks(context.Background()))
	assert.True(t, node.IsValid())
	assert.Empty(t, node.MessagesFor("Email"))
}

// In-order completion converges to the same state: the newer execution
// replaces the older one's messages when it lands.
func TestAsync_InOrderCompletionConverges(t *testing.T) {
	gates := map[string]chan struct{}{
		"bad":  make(chan struct{}),
		"good": make(chan struct{}),
	}
	node := mustNode(personSpec(nil, gatedEmailRule(Async, gates)))

	require.NoError(t, node.Set("Email", String("bad")))
	close(gates["bad"])
	require.Eventually(t, pendingTasks(node, 0), waitFor, tick)
	require.False(t, node.IsValid())

	require.NoError(t, node.Set("Email", String("good")))
	close(gates["good"])
	require.NoError(t, node.WaitForTasks(context.Background()))
	assert.True(t, node.IsValid())
	assert.Empty(t, node.MessagesFor("Email"))
}

// A newer execution of a cancellable rule cancels the previous execution's
// context so I/O-bound bodies can bail out early.
func TestAsync_CancellableSupersededContextCancelled(t *testing.T) {
	gates := map[string]chan struct{}{
		"bad":  make(chan struct{}),
		"good": make(chan struct{}),
	}
	node := mustNode(personSpec(nil, gatedEmailRule(AsyncCancellable, gates)))

	require.NoError(t, node.Set("Email", String("bad")))
	require.NoError(t, node.Set("Email", String("good")))

	// Execution 1 unblocks via ctx.Done without its gate ever opening.
	require.Eventually(t, pendingTasks(node, 1), waitFor, tick)

	close(gates["good"])
	require.NoError(t, node.WaitForTasks(context.Background()))
	assert.True(t, node.IsValid())
}

// Cancelling the wait abandons the caller, not the work: the node is forced
// invalid with the cancellation message, the in-flight body still completes,
// and only a full re-validation clears the forced message.
func TestAsync_WaitCancellationForcesInvalid(t *testing.T) {
	gates := map[string]chan struct{}{"good": make(chan struct{})}
	node := mustNode(personSpec(nil, gatedEmailRule(Async, gates)))
	require.NoError(t, node.Set("Email", String("good")))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := node.WaitForTasks(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	assert.False(t, node.IsValid())
	msgs := node.MessagesFor(ObjectProperty)
	require.Len(t, msgs, 1)
	assert.Equal(t, CancelledMessage, msgs[0].Text)
	assert.Equal(t, EngineRuleID, msgs[0].RuleID)

	// The background execution lands its (clean) result but must not remove
	// the forced cancellation message.
	close(gates["good"])
	require.Eventually(t, pendingTasks(node, 0), waitFor, tick)
	assert.False(t, node.IsValid())

	require.NoError(t, node.CheckAll(context.Background()))
	assert.True(t, node.IsValid())
}

// CheckAll re-dispatches async rules and waits for them.
func TestAsync_CheckAllWaitsForAsyncRules(t *testing.T) {
	gates := map[string]chan struct{}{"bad": make(chan struct{})}
	close(gates["bad"])
	node := mustNode(personSpec(nil, gatedEmailRule(Async, gates)))

	require.NoError(t, node.Set("Email", String("bad")))
	require.NoError(t, node.WaitForTasks(context.Background()))
	require.False(t, node.IsValid())

	// CheckAll snapshots the current value, so the stale failure is
	// reproduced, not merely retained.
	require.NoError(t, node.CheckAll(context.Background()))
	assert.False(t, node.IsValid())
	require.Len(t, node.MessagesFor("Email"), 1)
}

// A busy subtree cannot change graphs: in-flight executions hold the old
// graph's lock discipline, so adoption is refused until they land.
func TestAsync_AdoptionRejectedWhileBusy(t *testing.T) {
	gates := map[string]chan struct{}{"bad": make(chan struct{})}
	person := personSpec(nil, gatedEmailRule(Async, gates))
	lines := lineSpec(nil)
	order := mustNode(orderSpec(nil, lines))

	customer := mustNode(person)
	require.NoError(t, customer.Set("Email", String("bad")))
	require.True(t, customer.IsBusy())

	err := order.Set("Customer", customer)
	require.Error(t, err)
	assert.Equal(t, ErrCodeItemBusy, CodeOf(err))

	close(gates["bad"])
	require.NoError(t, customer.WaitForTasks(context.Background()))
	require.NoError(t, order.Set("Customer", customer))
	assert.Same(t, order, customer.Parent())
}

// Supersession bookkeeping survives adoption into another aggregate: an
// execution dispatched after the node changes graphs is the latest write
// and must land, even though the node already landed executions before.
func TestAsync_SupersessionSurvivesAdoption(t *testing.T) {
	gates := map[string]chan struct{}{
		"ok":  make(chan struct{}),
		"bad": make(chan struct{}),
	}
	check := Registration{
		Name:     "check:Sku",
		Triggers: []string{"Sku"},
		Kind:     Async,
		Run: func(ctx context.Context, rc *RuleContext) error {
			s, _ := StringValue(rc.Value("Sku"))
			select {
			case <-gates[s]:
			case <-ctx.Done():
				return nil
			}
			if s == "bad" {
				rc.Fail("Sku", "sku rejected")
			}
			return nil
		},
	}
	lines := lineSpec(nil, check)
	item := mustNode(lines)

	// Land one execution while the item still lives in its own graph.
	require.NoError(t, item.Set("Sku", String("ok")))
	close(gates["ok"])
	require.NoError(t, item.WaitForTasks(context.Background()))
	require.True(t, item.IsValid())

	order := mustNode(orderSpec(nil, lines))
	col := NewCollection()
	require.NoError(t, order.Set("Lines", col))
	require.NoError(t, col.Add(item))

	require.NoError(t, item.Set("Sku", String("bad")))
	close(gates["bad"])
	require.NoError(t, order.WaitForTasks(context.Background()))

	assert.False(t, item.IsValid(), "the latest write's result must land, not be discarded as superseded")
	msgs := item.MessagesFor("Sku")
	require.Len(t, msgs, 1)
	assert.Equal(t, "sku rejected", msgs[0].Text)
}

// A cancelled base context must not leave executions queued behind the
// concurrency bound: acquisition gives up immediately and the body runs
// with the cancelled context.
func TestAsync_CancelledBaseContextSkipsSemaphoreWait(t *testing.T) {
	gate := make(chan struct{})
	entered := make(chan struct{})
	hold := Registration{
		Name:     "hold:Name",
		Triggers: []string{"Name"},
		Kind:     Async,
		Run: func(_ context.Context, _ *RuleContext) error {
			close(entered)
			<-gate
			return nil
		},
	}
	flag := Registration{
		Name:     "flag:Email",
		Triggers: []string{"Email"},
		Kind:     Async,
		Run: func(_ context.Context, rc *RuleContext) error {
			rc.Fail("Email", "flagged")
			return nil
		},
	}
	ctx, cancel := context.WithCancel(context.Background())
	node := mustNode(personSpec(nil, hold, flag), WithAsyncLimit(1), WithBaseContext(ctx))

	require.NoError(t, node.Set("Name", String("n")))
	<-entered // the only slot is now held
	cancel()

	require.NoError(t, node.Set("Email", String("e")))
	require.Eventually(t, func() bool {
		msgs := node.MessagesFor("Email")
		return len(msgs) == 1 && msgs[0].Text == "flagged"
	}, waitFor, tick)

	close(gate)
	require.NoError(t, node.WaitForTasks(context.Background()))
}
