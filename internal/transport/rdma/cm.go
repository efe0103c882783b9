package rdma

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog/log"
)

// DefaultEventQueueDepth is the default bound on undelivered events per CM.
const DefaultEventQueueDepth = 1024

// CMConfig holds communication manager configuration.
type CMConfig struct {
	DeviceName      string
	EventQueueDepth int
}

// DefaultCMConfig returns the default CM configuration.
func DefaultCMConfig() CMConfig {
	return CMConfig{
		DeviceName:      "mlx5_0",
		EventQueueDepth: DefaultEventQueueDepth,
	}
}

// CM is the communication manager shared by a set of endpoints. It owns the
// event channel their identifiers are bound to and the async lock that
// serializes event delivery against endpoint teardown.
type CM struct {
	provider Provider
	verbs    Verbs
	ch       *EventChannel
	registry *registry
	config   CMConfig
	asyncMu  sync.Mutex
	closed   atomic.Bool
}

// NewCM creates a communication manager.
func NewCM(cfg CMConfig, provider Provider, verbs Verbs) (*CM, error) {
	if provider == nil || verbs == nil {
		return nil, fmt.Errorf("%w: provider and verbs are required", ErrInvalidParam)
	}

	if cfg.EventQueueDepth <= 0 {
		cfg.EventQueueDepth = DefaultEventQueueDepth
	}

	return &CM{
		provider: provider,
		verbs:    verbs,
		ch:       NewEventChannel(cfg.EventQueueDepth),
		registry: newRegistry(),
		config:   cfg,
	}, nil
}

// EventChannel returns the channel identifiers of this CM are bound to.
func (cm *CM) EventChannel() *EventChannel {
	return cm.ch
}

// Endpoints returns the number of endpoints currently registered.
func (cm *CM) Endpoints() int {
	return cm.registry.Len()
}

// Closed reports whether Close has been called.
func (cm *CM) Closed() bool {
	return cm.closed.Load()
}

// QueueUsage returns the number of undelivered events and the queue bound.
func (cm *CM) QueueUsage() (pending, depth int) {
	return cm.ch.Pending(), cm.ch.depth
}

// asyncBlock acquires the async lock and returns its release func:
//
//	defer cm.asyncBlock()()
func (cm *CM) asyncBlock() func() {
	cm.asyncMu.Lock()
	return cm.asyncMu.Unlock
}

// Progress delivers events until ctx is done or the CM is closed. Endpoint
// callbacks run on the calling goroutine with the async lock held, so they
// must not call Destroy themselves.
func (cm *CM) Progress(ctx context.Context) error {
	for {
		ev, err := cm.ch.Next(ctx)
		if err != nil {
			if errors.Is(err, ErrChannelClosed) || errors.Is(err, context.Canceled) {
				return nil
			}

			return err
		}

		cm.dispatch(ev)
	}
}

// dispatch delivers one event to the endpoint registered for its identifier.
func (cm *CM) dispatch(ev Event) {
	defer cm.asyncBlock()()

	eventsTotal.WithLabelValues(ev.Type.String()).Inc()

	ep, ok := cm.registry.lookup(ev.ID)
	if !ok {
		eventsDropped.Inc()
		log.Debug().
			Uint64("id", uint64(ev.ID)).
			Str("event", ev.Type.String()).
			Msg("dropping event for unknown connection identifier")

		return
	}

	ep.handleEvent(ev)
}

// Close stops event delivery. Endpoints must be destroyed before the CM is
// released; Close does not destroy them.
func (cm *CM) Close() error {
	if !cm.closed.CompareAndSwap(false, true) {
		return nil
	}

	if n := cm.registry.Len(); n > 0 {
		log.Warn().Int("endpoints", n).Msg("closing rdmacm with live endpoints")
	}

	cm.ch.Close()

	return nil
}
