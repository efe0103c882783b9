package rdma

import (
	"context"
	"errors"
	"sync"
)

// Event channel errors.
var (
	ErrChannelClosed  = errors.New("event channel closed")
	ErrEventQueueFull = errors.New("event queue full")
)

// EventType identifies a connection manager event (enum rdma_cm_event_type).
type EventType int

const (
	EventAddrResolved EventType = iota
	EventAddrError
	EventRouteResolved
	EventRouteError
	EventConnectRequest
	EventConnectResponse
	EventConnectError
	EventUnreachable
	EventRejected
	EventEstablished
	EventDisconnected
	EventDeviceRemoval
	EventTimewaitExit
)

var eventNames = map[EventType]string{
	EventAddrResolved:    "ADDR_RESOLVED",
	EventAddrError:       "ADDR_ERROR",
	EventRouteResolved:   "ROUTE_RESOLVED",
	EventRouteError:      "ROUTE_ERROR",
	EventConnectRequest:  "CONNECT_REQUEST",
	EventConnectResponse: "CONNECT_RESPONSE",
	EventConnectError:    "CONNECT_ERROR",
	EventUnreachable:     "UNREACHABLE",
	EventRejected:        "REJECTED",
	EventEstablished:     "ESTABLISHED",
	EventDisconnected:    "DISCONNECTED",
	EventDeviceRemoval:   "DEVICE_REMOVAL",
	EventTimewaitExit:    "TIMEWAIT_EXIT",
}

func (t EventType) String() string {
	if name, ok := eventNames[t]; ok {
		return name
	}

	return "UNKNOWN"
}

// Event is one connection manager event.
type Event struct {
	Status      error
	PrivateData []byte
	ID          IDHandle
	Type        EventType
}

// EventChannel queues events from a provider until the CM's progress loop
// consumes them. Push never blocks, so providers may emit events from inside
// an event handler.
type EventChannel struct {
	queue  []Event
	notify chan struct{}
	depth  int
	mu     sync.Mutex
	closed bool
}

// NewEventChannel creates a channel holding at most depth undelivered events.
func NewEventChannel(depth int) *EventChannel {
	if depth <= 0 {
		depth = DefaultEventQueueDepth
	}

	return &EventChannel{
		queue:  make([]Event, 0, depth),
		notify: make(chan struct{}, 1),
		depth:  depth,
	}
}

// Push appends an event.
func (c *EventChannel) Push(ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrChannelClosed
	}

	if len(c.queue) >= c.depth {
		return ErrEventQueueFull
	}

	c.queue = append(c.queue, ev)

	select {
	case c.notify <- struct{}{}:
	default:
	}

	return nil
}

// Next blocks until an event is available, the channel is closed, or ctx is done.
func (c *EventChannel) Next(ctx context.Context) (Event, error) {
	for {
		c.mu.Lock()
		if len(c.queue) > 0 {
			ev := c.queue[0]
			c.queue = c.queue[1:]
			c.mu.Unlock()

			return ev, nil
		}

		if c.closed {
			c.mu.Unlock()
			return Event{}, ErrChannelClosed
		}
		c.mu.Unlock()

		select {
		case <-c.notify:
		case <-ctx.Done():
			return Event{}, ctx.Err()
		}
	}
}

// Purge drops every undelivered event for id and returns how many were dropped.
func (c *EventChannel) Purge(id IDHandle) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	kept := c.queue[:0]
	dropped := 0

	for _, ev := range c.queue {
		if ev.ID == id {
			dropped++
			continue
		}

		kept = append(kept, ev)
	}

	c.queue = kept

	return dropped
}

// Pending returns the number of undelivered events.
func (c *EventChannel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.queue)
}

// Close wakes any reader. Events already queued are still delivered.
func (c *EventChannel) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return
	}

	c.closed = true
	close(c.notify)
}
