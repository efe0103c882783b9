package rdma

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEventChannelOrder(t *testing.T) {
	ch := NewEventChannel(8)

	require.NoError(t, ch.Push(Event{ID: 1, Type: EventAddrResolved}))
	require.NoError(t, ch.Push(Event{ID: 1, Type: EventRouteResolved}))
	assert.Equal(t, 2, ch.Pending())

	ctx := context.Background()

	ev, err := ch.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventAddrResolved, ev.Type)

	ev, err = ch.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, EventRouteResolved, ev.Type)
	assert.Equal(t, 0, ch.Pending())
}

func TestEventChannelFull(t *testing.T) {
	ch := NewEventChannel(2)

	require.NoError(t, ch.Push(Event{ID: 1}))
	require.NoError(t, ch.Push(Event{ID: 2}))
	assert.ErrorIs(t, ch.Push(Event{ID: 3}), ErrEventQueueFull)
}

func TestEventChannelDefaultDepth(t *testing.T) {
	ch := NewEventChannel(0)
	assert.Equal(t, DefaultEventQueueDepth, ch.depth)
}

func TestEventChannelPurge(t *testing.T) {
	ch := NewEventChannel(8)

	for _, id := range []IDHandle{1, 2, 1, 3, 1} {
		require.NoError(t, ch.Push(Event{ID: id}))
	}

	assert.Equal(t, 3, ch.Purge(1))
	assert.Equal(t, 0, ch.Purge(1))
	assert.Equal(t, 2, ch.Pending())

	ev, err := ch.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, IDHandle(2), ev.ID)
}

func TestEventChannelNextWaits(t *testing.T) {
	ch := NewEventChannel(8)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = ch.Push(Event{ID: 9, Type: EventDisconnected})
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ev, err := ch.Next(ctx)
	require.NoError(t, err)
	assert.Equal(t, IDHandle(9), ev.ID)
}

func TestEventChannelNextContextDone(t *testing.T) {
	ch := NewEventChannel(8)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	_, err := ch.Next(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestEventChannelClose(t *testing.T) {
	ch := NewEventChannel(8)
	require.NoError(t, ch.Push(Event{ID: 1}))

	ch.Close()
	ch.Close()

	assert.ErrorIs(t, ch.Push(Event{ID: 2}), ErrChannelClosed)

	// Queued events survive Close.
	ev, err := ch.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, IDHandle(1), ev.ID)

	_, err = ch.Next(context.Background())
	assert.ErrorIs(t, err, ErrChannelClosed)
}

func TestEventTypeString(t *testing.T) {
	assert.Equal(t, "ADDR_RESOLVED", EventAddrResolved.String())
	assert.Equal(t, "TIMEWAIT_EXIT", EventTimewaitExit.String())
	assert.Equal(t, "UNKNOWN", EventType(99).String())
}
