// Package shutdown provides graceful shutdown coordination for the rdmacm probe.
//
// The coordinator tears the probe down in a fixed order so that no connection
// manager resource outlives the objects that depend on it:
//
//  1. Endpoints - Destroy endpoints (dummy QP, dummy CQ, then identifier)
//  2. Progress - Stop the event progress loop
//  3. HTTP Servers - Shutdown the metrics server
//  4. CM - Close the communication manager and its event channel
//
// Every phase runs under its own timeout inside TotalTimeout, and its progress
// is exported as rdmacm_shutdown_* metrics.
package shutdown

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

// Phase represents a shutdown phase.
type Phase string

// Shutdown phases in order of execution.
const (
	PhaseNone           Phase = "none"
	PhaseEndpoints      Phase = "endpoints"
	PhaseProgress       Phase = "progress"
	PhaseHTTPServers    Phase = "http_servers"
	PhaseCM             Phase = "cm"
	PhaseComplete       Phase = "complete"
	PhaseForcedShutdown Phase = "forced_shutdown"
)

// Config bounds each phase of the teardown.
type Config struct {
	// TotalTimeout bounds the whole teardown.
	// Default: 10 seconds
	TotalTimeout time.Duration

	// EndpointTimeout is the time allowed for destroying all endpoints.
	// Default: 5 seconds
	EndpointTimeout time.Duration

	// ProgressTimeout is the time to wait for the progress loop to return.
	// Default: 2 seconds
	ProgressTimeout time.Duration

	// HTTPTimeout bounds the concurrent shutdown of all HTTP servers.
	// Default: 2 seconds
	HTTPTimeout time.Duration

	// CMTimeout is the time to wait for the communication manager to close.
	// Default: 2 seconds
	CMTimeout time.Duration

	// ForceTimeout is the grace period after TotalTimeout before the phase
	// is reported as forced_shutdown.
	// Default: 5 seconds
	ForceTimeout time.Duration
}

// DefaultConfig returns the default shutdown configuration.
func DefaultConfig() Config {
	return Config{
		TotalTimeout:    10 * time.Second,
		EndpointTimeout: 5 * time.Second,
		ProgressTimeout: 2 * time.Second,
		HTTPTimeout:     2 * time.Second,
		CMTimeout:       2 * time.Second,
		ForceTimeout:    5 * time.Second,
	}
}

// Destroyable is a resource released by a Destroy call that cannot fail,
// such as an rdmacm endpoint.
type Destroyable interface {
	Destroy()
}

// HTTPServerShutdown is an HTTP listener that can be drained.
type HTTPServerShutdown interface {
	Name() string
	Shutdown(ctx context.Context) error
}

// ShutdownHook is a function called during shutdown.
type ShutdownHook func(ctx context.Context) error

// ShutdownComponents lists what Shutdown releases.
type ShutdownComponents struct {
	// Endpoints are destroyed first, one at a time
	Endpoints []Destroyable

	// HTTPServers are drained after the progress loop stops
	HTTPServers []HTTPServerShutdown

	// CM is the communication manager
	CM io.Closer
}

// Coordinator manages graceful shutdown of the probe's components.
type Coordinator struct {
	config   Config
	mu       sync.RWMutex
	phase    Phase
	started  time.Time
	errors   []error
	hooks    map[Phase][]ShutdownHook
	doneCh   chan struct{}
	shutdown atomic.Bool
}

// NewCoordinator creates a new shutdown coordinator with the given configuration.
func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		config: cfg,
		phase:  PhaseNone,
		hooks:  make(map[Phase][]ShutdownHook),
		doneCh: make(chan struct{}),
	}
}

// RegisterHook registers a shutdown hook for a specific phase.
func (c *Coordinator) RegisterHook(phase Phase, hook ShutdownHook) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks[phase] = append(c.hooks[phase], hook)
}

// Phase returns the current shutdown phase.
func (c *Coordinator) Phase() Phase {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return c.phase
}

// IsShuttingDown returns true if shutdown has been initiated.
func (c *Coordinator) IsShuttingDown() bool {
	return c.shutdown.Load()
}

// Done returns a channel that is closed when shutdown is complete.
func (c *Coordinator) Done() <-chan struct{} {
	return c.doneCh
}

// Errors returns any errors that occurred during shutdown.
func (c *Coordinator) Errors() []error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return append([]error{}, c.errors...)
}

// setPhase updates the current phase and logs the transition.
func (c *Coordinator) setPhase(phase Phase) {
	c.mu.Lock()
	oldPhase := c.phase
	c.phase = phase
	c.mu.Unlock()

	log.Info().
		Str("from_phase", string(oldPhase)).
		Str("to_phase", string(phase)).
		Dur("elapsed", time.Since(c.started)).
		Msg("Shutdown phase transition")

	SetShutdownPhase(phase)
}

// addError records a shutdown error.
func (c *Coordinator) addError(err error) {
	c.mu.Lock()
	c.errors = append(c.errors, err)
	c.mu.Unlock()

	IncrementShutdownErrors()
}

// runHooks executes all hooks registered for the given phase.
func (c *Coordinator) runHooks(ctx context.Context, phase Phase) {
	c.mu.RLock()
	hooks := c.hooks[phase]
	c.mu.RUnlock()

	for _, hook := range hooks {
		if err := hook(ctx); err != nil {
			log.Error().Err(err).Str("phase", string(phase)).Msg("Shutdown hook failed")
			c.addError(err)
		}
	}
}

// step is one phase of the teardown. run may be nil when the phase only has
// hooks.
type step struct {
	phase   Phase
	timeout time.Duration
	run     func(ctx context.Context) error
}

func (c *Coordinator) steps(components ShutdownComponents) []step {
	return []step{
		{PhaseEndpoints, c.config.EndpointTimeout, func(ctx context.Context) error {
			return destroyEndpoints(ctx, components.Endpoints)
		}},
		// The progress loop belongs to the caller and is stopped by its hooks.
		{PhaseProgress, c.config.ProgressTimeout, nil},
		{PhaseHTTPServers, c.config.HTTPTimeout, func(ctx context.Context) error {
			c.shutdownServers(ctx, components.HTTPServers)
			return nil
		}},
		{PhaseCM, c.config.CMTimeout, func(ctx context.Context) error {
			return closeCM(ctx, components.CM)
		}},
	}
}

// Shutdown runs the teardown. Only the first call does anything; a failing
// phase is recorded and the next phase still runs.
func (c *Coordinator) Shutdown(ctx context.Context, components ShutdownComponents) error {
	if !c.shutdown.CompareAndSwap(false, true) {
		log.Warn().Msg("Shutdown already in progress")

		return nil
	}

	c.started = time.Now()
	log.Info().Msg("Starting rdmacm teardown")
	SetShutdownStartTime(c.started)

	shutdownCtx, cancel := context.WithTimeout(ctx, c.config.TotalTimeout)
	defer cancel()

	// The watcher runs on the parent ctx: shutdownCtx expires before the
	// force deadline.
	go c.watchForceTimeout(ctx)

	for _, st := range c.steps(components) {
		c.runStep(shutdownCtx, st)
	}

	c.setPhase(PhaseComplete)
	close(c.doneCh)

	duration := time.Since(c.started)
	SetShutdownDuration(duration)

	evt := log.Info()
	if n := len(c.Errors()); n > 0 {
		evt = log.Warn().Int("error_count", n)
	}

	evt.Dur("duration", duration).Msg("Teardown finished")

	return nil
}

func (c *Coordinator) runStep(ctx context.Context, st step) {
	c.setPhase(st.phase)

	stepCtx, cancel := context.WithTimeout(ctx, st.timeout)
	defer cancel()

	c.runHooks(stepCtx, st.phase)

	if st.run == nil {
		return
	}

	if err := st.run(stepCtx); err != nil {
		log.Error().Err(err).Str("phase", string(st.phase)).Msg("Shutdown phase failed")
		c.addError(err)
	}
}

// watchForceTimeout marks the shutdown as forced once TotalTimeout plus
// ForceTimeout has passed without completion.
func (c *Coordinator) watchForceTimeout(ctx context.Context) {
	forceDeadline := c.config.TotalTimeout + c.config.ForceTimeout
	timer := time.NewTimer(forceDeadline)

	defer timer.Stop()

	select {
	case <-timer.C:
		c.setPhase(PhaseForcedShutdown)
		log.Warn().
			Dur("timeout", forceDeadline).
			Msg("Teardown exceeded its force deadline")
	case <-c.doneCh:
	case <-ctx.Done():
	}
}

// within runs fn and waits for it until ctx is done. A timed out fn keeps
// running in the background.
func within(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)

	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func destroyEndpoints(ctx context.Context, endpoints []Destroyable) error {
	if len(endpoints) == 0 {
		return nil
	}

	err := within(ctx, func() error {
		for _, ep := range endpoints {
			ep.Destroy()
			IncrementEndpointsDestroyed()
		}

		return nil
	})
	if err != nil {
		return fmt.Errorf("destroying %d endpoints: %w", len(endpoints), err)
	}

	log.Info().Int("endpoints", len(endpoints)).Msg("Endpoints destroyed")

	return nil
}

// shutdownServers shuts every server down concurrently and records each
// failure separately.
func (c *Coordinator) shutdownServers(ctx context.Context, servers []HTTPServerShutdown) {
	var g errgroup.Group

	for _, srv := range servers {
		g.Go(func() error {
			if err := srv.Shutdown(ctx); err != nil {
				log.Error().Err(err).Str("server", srv.Name()).Msg("HTTP server did not shut down cleanly")
				c.addError(fmt.Errorf("%s: %w", srv.Name(), err))

				return nil
			}

			log.Info().Str("server", srv.Name()).Msg("HTTP server stopped")

			return nil
		})
	}

	_ = g.Wait()
}

func closeCM(ctx context.Context, cm io.Closer) error {
	if cm == nil {
		return nil
	}

	if err := within(ctx, cm.Close); err != nil {
		return fmt.Errorf("closing communication manager: %w", err)
	}

	log.Info().Msg("Communication manager closed")

	return nil
}
