package rdma

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewCMRequiresBackends(t *testing.T) {
	verbs := NewSimulatedVerbs()
	provider, err := NewSimulatedProvider(verbs, "mlx5_0")
	require.NoError(t, err)

	_, err = NewCM(DefaultCMConfig(), nil, verbs)
	assert.ErrorIs(t, err, ErrInvalidParam)

	_, err = NewCM(DefaultCMConfig(), provider, nil)
	assert.ErrorIs(t, err, ErrInvalidParam)

	cm, err := NewCM(CMConfig{DeviceName: "mlx5_1"}, provider, verbs)
	require.NoError(t, err)
	assert.Equal(t, DefaultEventQueueDepth, cm.config.EventQueueDepth)
	assert.Equal(t, 0, cm.Endpoints())
}

func TestProgressStopsOnClose(t *testing.T) {
	f := newFixture(t)

	done := make(chan error, 1)
	go func() { done <- f.cm.Progress(context.Background()) }()

	require.NoError(t, f.cm.Close())
	require.NoError(t, f.cm.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("progress loop did not stop")
	}
}

func TestProgressReturnsDeadlineError(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, f.cm.Progress(ctx), context.DeadlineExceeded)
}

func TestDispatchDropsUnknownIdentifier(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.cm.EventChannel().Push(Event{ID: 4242, Type: EventDisconnected}))

	ev, err := f.cm.EventChannel().Next(context.Background())
	require.NoError(t, err)

	assert.NotPanics(t, func() { f.cm.dispatch(ev) })
}

func TestDispatchDrivesClientState(t *testing.T) {
	f := newFixture(t)

	var got error

	calls := 0

	ep, err := NewEndpoint(f.clientParams(t).SetConnectCB(func(_ *Endpoint, _ any, _ RemoteData, status error) {
		calls++
		got = status
	}))
	require.NoError(t, err)
	defer ep.Destroy()

	// Drive the loop by hand: ADDR_RESOLVED, ROUTE_RESOLVED, CONNECT_RESPONSE.
	ctx := context.Background()

	for range 3 {
		ev, err := f.cm.EventChannel().Next(ctx)
		require.NoError(t, err)
		f.cm.dispatch(ev)
	}

	assert.Equal(t, 1, calls)
	assert.NoError(t, got)
	assert.Equal(t, 0, f.cm.EventChannel().Pending())

	// A late error for the same attempt is not reported a second time.
	f.cm.dispatch(Event{ID: ep.ID().Handle(), Type: EventConnectError, Status: errors.New("late")})
	assert.Equal(t, 1, calls)
}

func TestDispatchIgnoresEventsForServerRole(t *testing.T) {
	ep := &Endpoint{wireup: &serverWireup{}, traceID: "srv"}
	assert.NotPanics(t, func() { ep.handleEvent(Event{Type: EventConnectRequest}) })
}

func TestErrorKind(t *testing.T) {
	assert.Equal(t, "io_error", errorKind(errors.Join(errors.New("x"), ErrIO)))
	assert.Equal(t, "unreachable", errorKind(ErrUnreachable))
	assert.Equal(t, "other", errorKind(errors.New("boom")))
}

func TestCMStateAccessors(t *testing.T) {
	f := newFixture(t)

	ep, err := NewEndpoint(f.clientParams(t))
	require.NoError(t, err)

	pending, depth := f.cm.QueueUsage()
	assert.Equal(t, 1, pending)
	assert.Equal(t, DefaultEventQueueDepth, depth)
	assert.False(t, f.cm.Closed())

	ep.Destroy()
	require.NoError(t, f.cm.Close())
	assert.True(t, f.cm.Closed())
}
