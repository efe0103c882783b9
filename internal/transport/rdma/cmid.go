package rdma

import (
	"net"
	"time"
)

// PortSpace selects the semantics of a connection identifier.
type PortSpace int

const (
	PortSpaceTCP PortSpace = iota // Reliable, connection oriented
	PortSpaceUDP                  // Unreliable datagram
	PortSpaceIB                   // Native InfiniBand
)

// IDHandle names a connection identifier. Handles are never reused within one
// provider, so a stale handle never resolves to a newer endpoint.
type IDHandle uint64

// ConnParam carries the parameters of an outbound connect.
type ConnParam struct {
	PrivateData        []byte
	QPNum              uint32
	ResponderResources uint8
	InitiatorDepth     uint8
	RetryCount         uint8
	RNRRetryCount      uint8
}

// Provider creates connection identifiers (rdma_create_id).
type Provider interface {
	CreateID(ch *EventChannel, ps PortSpace) (CMID, error)
}

// CMID is a connection identifier (struct rdma_cm_id). All kernel-side
// connection state is reached through it.
type CMID interface {
	Handle() IDHandle

	// ResolveAddr starts non-blocking address resolution. Completion is
	// reported as AddrResolved or AddrError on the identifier's channel.
	ResolveAddr(src, dst net.Addr, timeout time.Duration) error
	ResolveRoute(timeout time.Duration) error
	Connect(param *ConnParam) error
	Establish() error
	Disconnect() error

	// Destroy releases the identifier and retires every event for it that
	// has not been delivered yet.
	Destroy() error

	PeerAddr() net.Addr

	// Verbs and PD are bound once address resolution has been started.
	Verbs() DeviceContext
	PD() PD
}
