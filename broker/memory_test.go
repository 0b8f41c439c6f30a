package broker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLatestDirectiveWins(t *testing.T) {
	q := NewMemoryControlQueue(1, 0)
	ctx := context.Background()

	// A stale "run" followed by a "stop" before any consumer picks up:
	// only the stop may ever be delivered.
	require.NoError(t, q.Publish(ctx, "EXC_1", Directive{Type: DirectiveRun}))
	require.NoError(t, q.Publish(ctx, "EXC_1", Directive{Type: DirectiveStop}))

	pending := q.Pending("EXC_1")
	require.Len(t, pending, 1)
	assert.Equal(t, DirectiveStop, pending[0].Type)

	consumeCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	ch, err := q.Consume(consumeCtx, "EXC_1")
	require.NoError(t, err)

	select {
	case d := <-ch:
		assert.Equal(t, DirectiveStop, d.Type)
	case <-time.After(time.Second):
		t.Fatal("directive not delivered")
	}
}

func TestStopSupersedesRunAndViceVersa(t *testing.T) {
	q := NewMemoryControlQueue(1, 0)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, "EXC_2", Directive{Type: DirectiveStop}))
	require.NoError(t, q.Publish(ctx, "EXC_2", Directive{Type: DirectiveRun}))

	pending := q.Pending("EXC_2")
	require.Len(t, pending, 1)
	assert.Equal(t, DirectiveRun, pending[0].Type)
}

func TestQueuesAreIsolatedPerExecution(t *testing.T) {
	q := NewMemoryControlQueue(1, 0)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, "EXC_a", Directive{Type: DirectiveRun}))
	require.NoError(t, q.Publish(ctx, "EXC_b", Directive{Type: DirectiveStop}))

	assert.Equal(t, DirectiveRun, q.Pending("EXC_a")[0].Type)
	assert.Equal(t, DirectiveStop, q.Pending("EXC_b")[0].Type)
}

func TestConsumerReceivesSubsequentPublishes(t *testing.T) {
	q := NewMemoryControlQueue(1, 0)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	ch, err := q.Consume(ctx, "EXC_3")
	require.NoError(t, err)

	require.NoError(t, q.Publish(ctx, "EXC_3", Directive{Type: DirectiveResume}))

	select {
	case d := <-ch:
		assert.Equal(t, DirectiveResume, d.Type)
	case <-time.After(time.Second):
		t.Fatal("directive not delivered")
	}
}

func TestIdleQueueExpires(t *testing.T) {
	q := NewMemoryControlQueue(1, 20*time.Millisecond)
	ctx := context.Background()

	require.NoError(t, q.Publish(ctx, "EXC_idle", Directive{Type: DirectiveRun}))
	require.Len(t, q.Pending("EXC_idle"), 1)

	assert.Eventually(t, func() bool {
		return len(q.Pending("EXC_idle")) == 0
	}, time.Second, 10*time.Millisecond, "unconsumed queue should expire")
}

func TestConsumeStopsOnContextCancel(t *testing.T) {
	q := NewMemoryControlQueue(1, 0)
	ctx, cancel := context.WithCancel(context.Background())

	ch, err := q.Consume(ctx, "EXC_cancel")
	require.NoError(t, err)

	cancel()

	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel should close on cancel")
	case <-time.After(time.Second):
		t.Fatal("channel did not close")
	}
}
