package shutdown_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/piwi3910/rdmacm/internal/shutdown"
	"github.com/piwi3910/rdmacm/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig() shutdown.Config {
	return shutdown.Config{
		TotalTimeout:    200 * time.Millisecond,
		EndpointTimeout: 50 * time.Millisecond,
		ProgressTimeout: 50 * time.Millisecond,
		HTTPTimeout:     50 * time.Millisecond,
		CMTimeout:       50 * time.Millisecond,
		ForceTimeout:    50 * time.Millisecond,
	}
}

// orderLog records what was released, in order.
type orderLog struct {
	mu    sync.Mutex
	items []string
}

func (l *orderLog) add(s string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.items = append(l.items, s)
}

func (l *orderLog) get() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	return append([]string(nil), l.items...)
}

type mockEndpoint struct {
	name  string
	log   *orderLog
	block chan struct{}
}

func (m *mockEndpoint) Destroy() {
	if m.block != nil {
		<-m.block
	}

	m.log.add(m.name)
}

type mockHTTPServer struct {
	name string
	err  error
	log  *orderLog
}

func (m *mockHTTPServer) Name() string { return m.name }

func (m *mockHTTPServer) Shutdown(ctx context.Context) error {
	m.log.add(m.name)
	return m.err
}

type mockCM struct {
	log *orderLog
	err error
}

func (m *mockCM) Close() error {
	m.log.add("cm")
	return m.err
}

func TestDefaultConfig(t *testing.T) {
	cfg := shutdown.DefaultConfig()

	assert.Equal(t, 10*time.Second, cfg.TotalTimeout)
	assert.Equal(t, 5*time.Second, cfg.EndpointTimeout)
	assert.Equal(t, 2*time.Second, cfg.ProgressTimeout)
	assert.Equal(t, 2*time.Second, cfg.HTTPTimeout)
	assert.Equal(t, 2*time.Second, cfg.CMTimeout)
	assert.Equal(t, 5*time.Second, cfg.ForceTimeout)
}

func TestNewCoordinator(t *testing.T) {
	coord := shutdown.NewCoordinator(shutdown.DefaultConfig())

	require.NotNil(t, coord)
	assert.Equal(t, shutdown.PhaseNone, coord.Phase())
	assert.False(t, coord.IsShuttingDown())
	assert.Empty(t, coord.Errors())
}

func TestCoordinatorOrder(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())
	order := &orderLog{}

	coord.RegisterHook(shutdown.PhaseProgress, func(context.Context) error {
		order.add("progress")
		return nil
	})

	components := shutdown.ShutdownComponents{
		Endpoints: []shutdown.Destroyable{
			&mockEndpoint{name: "ep1", log: order},
			&mockEndpoint{name: "ep2", log: order},
		},
		HTTPServers: []shutdown.HTTPServerShutdown{&mockHTTPServer{name: "metrics", log: order}},
		CM:          &mockCM{log: order},
	}

	require.NoError(t, coord.Shutdown(context.Background(), components))

	assert.Equal(t, []string{"ep1", "ep2", "progress", "metrics", "cm"}, order.get())
	assert.Equal(t, shutdown.PhaseComplete, coord.Phase())
	assert.True(t, coord.IsShuttingDown())
	assert.Empty(t, coord.Errors())
}

func TestCoordinatorShutdownOnlyOnce(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())
	order := &orderLog{}
	components := shutdown.ShutdownComponents{CM: &mockCM{log: order}}

	require.NoError(t, coord.Shutdown(context.Background(), components))
	require.NoError(t, coord.Shutdown(context.Background(), components))

	assert.Equal(t, []string{"cm"}, order.get())
}

func TestCoordinatorDoneChannel(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())

	go func() {
		time.Sleep(10 * time.Millisecond)
		_ = coord.Shutdown(context.Background(), shutdown.ShutdownComponents{})
	}()

	select {
	case <-coord.Done():
	case <-time.After(time.Second):
		t.Fatal("Done channel was not closed")
	}
}

func TestCoordinatorCollectsErrors(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())
	order := &orderLog{}

	httpErr := errors.New("http shutdown failed")
	cmErr := errors.New("cm close failed")
	hookErr := errors.New("progress loop failed")

	coord.RegisterHook(shutdown.PhaseProgress, func(context.Context) error { return hookErr })

	components := shutdown.ShutdownComponents{
		HTTPServers: []shutdown.HTTPServerShutdown{&mockHTTPServer{name: "metrics", err: httpErr, log: order}},
		CM:          &mockCM{log: order, err: cmErr},
	}

	require.NoError(t, coord.Shutdown(context.Background(), components))

	errs := coord.Errors()
	require.Len(t, errs, 3)
	assert.ErrorIs(t, errs[0], hookErr)
	assert.ErrorIs(t, errs[1], httpErr)
	assert.ErrorIs(t, errs[2], cmErr)

	// Later phases still ran after failures.
	assert.Equal(t, []string{"metrics", "cm"}, order.get())
}

func TestCoordinatorEndpointTimeout(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())
	order := &orderLog{}
	block := make(chan struct{})
	defer close(block)

	components := shutdown.ShutdownComponents{
		Endpoints: []shutdown.Destroyable{&mockEndpoint{name: "stuck", log: order, block: block}},
		CM:        &mockCM{log: order},
	}

	require.NoError(t, coord.Shutdown(context.Background(), components))

	errs := coord.Errors()
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], context.DeadlineExceeded)
	assert.Equal(t, []string{"cm"}, order.get())
}

func TestCoordinatorProgressHookGetsDeadline(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())

	var hasDeadline bool

	coord.RegisterHook(shutdown.PhaseProgress, func(ctx context.Context) error {
		_, hasDeadline = ctx.Deadline()
		return nil
	})

	require.NoError(t, coord.Shutdown(context.Background(), shutdown.ShutdownComponents{}))
	assert.True(t, hasDeadline)
}

func TestCoordinatorForcedShutdown(t *testing.T) {
	coord := shutdown.NewCoordinator(testConfig())
	release := make(chan struct{})

	// A hook that ignores its ctx keeps the teardown past the force deadline.
	coord.RegisterHook(shutdown.PhaseProgress, func(context.Context) error {
		<-release
		return nil
	})

	done := make(chan error, 1)

	go func() { done <- coord.Shutdown(context.Background(), shutdown.ShutdownComponents{}) }()

	testutil.RequireEventually(t, func() bool { return coord.Phase() == shutdown.PhaseForcedShutdown },
		2*time.Second, 5*time.Millisecond, "shutdown was not forced")

	close(release)

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Shutdown did not return")
	}

	assert.Equal(t, shutdown.PhaseComplete, coord.Phase())
}
