package rdma

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// ResolveTimeout bounds address and route resolution. Expiry is reported
// asynchronously as an ADDR_ERROR or ROUTE_ERROR event.
const ResolveTimeout = 1000 * time.Millisecond

// Role names used in logs and metrics.
const (
	roleClient = "client"
	roleServer = "server"
)

// wireup is the role-specific state of an endpoint.
type wireup interface {
	role() string
}

type clientWireup struct {
	connectCB ConnectCallback
	notified  bool
}

func (*clientWireup) role() string { return roleClient }

// serverWireup reserves the shape of inbound accept support.
type serverWireup struct {
	acceptCB AcceptCallback
	req      *ConnRequest
}

func (*serverWireup) role() string { return roleServer }

// Endpoint is a connection-manager endpoint. It exclusively owns its
// connection identifier and, once a connection handle has been assigned, a
// dummy completion queue and UD queue pair.
type Endpoint struct {
	cm           *CM
	id           CMID
	wireup       wireup
	packCB       PrivPackCallback
	disconnectCB DisconnectCallback
	userData     any
	traceID      string
	cq           CQ
	qp           QP
	destroyed    atomic.Bool
}

// NewEndpoint validates params and starts a client connection toward
// params.Sockaddr. Server-side endpoints (params.ConnRequest) are not
// implemented yet.
//
// On success the endpoint waits for connection events from the CM's progress
// loop. On failure nothing allocated by the constructor is left behind.
func NewEndpoint(params *EndpointParams) (*Endpoint, error) {
	if params == nil || !params.has(EpParamFieldCM) || params.CM == nil {
		var mask EpParamField
		if params != nil {
			mask = params.FieldMask
		}

		log.Error().Str("field_mask", fmt.Sprintf("%#x", uint64(mask))).Msg("EpParamFieldCM is not set")
		recordError("create", ErrInvalidParam)

		return nil, fmt.Errorf("%w: EpParamFieldCM is not set", ErrInvalidParam)
	}

	if !params.has(EpParamFieldSockaddrCBFlags) || params.CBFlags&CBFlagAsync == 0 {
		log.Error().Msg("EpParamFieldSockaddrCBFlags and CBFlagAsync should be set")
		recordError("create", ErrUnsupported)

		return nil, fmt.Errorf("%w: only asynchronous callback delivery is supported", ErrUnsupported)
	}

	if !params.has(EpParamFieldSockaddr | EpParamFieldConnRequest) {
		log.Error().
			Str("field_mask", fmt.Sprintf("%#x", uint64(params.FieldMask))).
			Msg("neither EpParamFieldSockaddr nor EpParamFieldConnRequest is set")
		recordError("create", ErrInvalidParam)

		return nil, fmt.Errorf("%w: either a sockaddr or a connection request is required", ErrInvalidParam)
	}

	ep := &Endpoint{
		cm:      params.CM,
		traceID: uuid.New().String(),
	}

	if params.has(EpParamFieldSockaddrPackCB) {
		ep.packCB = params.PackCB
	}

	if params.has(EpParamFieldSockaddrDisconnectCB) {
		ep.disconnectCB = params.DisconnectCB
	}

	if params.has(EpParamFieldUserData) {
		ep.userData = params.UserData
	}

	var err error
	if params.has(EpParamFieldSockaddr) {
		err = ep.clientInit(params)
	} else {
		err = ep.serverInit(params)
	}

	if err != nil {
		recordError("create", err)
		return nil, err
	}

	endpointsCreated.WithLabelValues(ep.wireup.role()).Inc()
	endpointsActive.Inc()

	log.Debug().
		Str("ep", ep.traceID).
		Uint64("id", uint64(ep.id.Handle())).
		Str("role", ep.wireup.role()).
		Msg("created rdmacm endpoint")

	return ep, nil
}

func (ep *Endpoint) clientInit(params *EndpointParams) (err error) {
	if params.Sockaddr == nil {
		return fmt.Errorf("%w: sockaddr is nil", ErrInvalidParam)
	}

	w := &clientWireup{}
	if params.has(EpParamFieldSockaddrConnectCB) {
		w.connectCB = params.ConnectCB
	}

	ep.wireup = w

	id, err := ep.cm.provider.CreateID(ep.cm.ch, PortSpaceTCP)
	if err != nil {
		log.Error().Err(err).Str("ep", ep.traceID).Msg("rdma_create_id() failed")
		return fmt.Errorf("%w: rdma_create_id: %v", ErrIO, err)
	}

	ep.id = id
	ep.cm.registry.add(id.Handle(), ep)

	defer func() {
		if err != nil {
			ep.cm.registry.remove(id.Handle())
			destroyID(id)
		}
	}()

	// ResolveAddr has to be the last step of initialization: the progress
	// loop may handle ADDR_RESOLVED before this call even returns, and it
	// reads endpoint fields without further synchronization.
	if rerr := id.ResolveAddr(nil, params.Sockaddr, ResolveTimeout); rerr != nil {
		log.Error().
			Err(rerr).
			Str("ep", ep.traceID).
			Str("dst", params.Sockaddr.String()).
			Msg("rdma_resolve_addr() failed")

		return fmt.Errorf("%w: rdma_resolve_addr to %s: %v", ErrIO, params.Sockaddr, rerr)
	}

	return nil
}

func (ep *Endpoint) serverInit(params *EndpointParams) error {
	ep.wireup = &serverWireup{req: params.ConnRequest}

	return fmt.Errorf("%w: server side endpoints", ErrNotImplemented)
}

// Disconnect requests a graceful shutdown of the connection. The DISCONNECTED
// event is delivered later through the disconnect callback. On failure the
// endpoint is unchanged and may be disconnected again or destroyed.
func (ep *Endpoint) Disconnect(flags uint) error {
	if ep.destroyed.Load() {
		return fmt.Errorf("%w: endpoint destroyed", ErrInvalidParam)
	}

	if err := ep.id.Disconnect(); err != nil {
		log.Error().
			Err(err).
			Str("ep", ep.traceID).
			Uint64("id", uint64(ep.id.Handle())).
			Str("peer", addrString(ep.id.PeerAddr())).
			Msg("failed to disconnect from peer")
		recordError("disconnect", ErrIO)

		return fmt.Errorf("%w: rdma_disconnect: %v", ErrIO, err)
	}

	log.Debug().
		Str("ep", ep.traceID).
		Uint64("id", uint64(ep.id.Handle())).
		Str("peer", addrString(ep.id.PeerAddr())).
		Uint("flags", flags).
		Msg("disconnecting from peer")

	return nil
}

// Destroy releases the dummy QP, the dummy CQ and the connection identifier,
// in that order. Release failures are logged and never abort the teardown.
// It holds the CM's async lock throughout, so no event handler observes a
// half-destroyed endpoint. Calling Destroy twice is a no-op.
func (ep *Endpoint) Destroy() {
	defer ep.cm.asyncBlock()()

	if ep.destroyed.Swap(true) {
		return
	}

	ep.cm.registry.remove(ep.id.Handle())

	if ep.qp != 0 {
		if err := ep.cm.verbs.DestroyQP(ep.qp); err != nil {
			log.Warn().Err(err).Str("ep", ep.traceID).Msg("ibv_destroy_qp() failed")
			recordError("destroy_qp", err)
		}

		ep.qp = 0
		dummyQPsActive.Dec()
	}

	if ep.cq != 0 {
		if err := ep.cm.verbs.DestroyCQ(ep.cq); err != nil {
			log.Warn().Err(err).Str("ep", ep.traceID).Msg("ibv_destroy_cq() failed")
			recordError("destroy_cq", err)
		}

		ep.cq = 0
	}

	// Destroying the identifier drops every event not yet delivered for it,
	// so no callback fires for this endpoint after this point.
	destroyID(ep.id)
	endpointsActive.Dec()

	log.Debug().Str("ep", ep.traceID).Msg("destroyed rdmacm endpoint")
}

// ID returns the endpoint's connection identifier.
func (ep *Endpoint) ID() CMID {
	return ep.id
}

// UserData returns the argument passed to the endpoint's callbacks.
func (ep *Endpoint) UserData() any {
	return ep.userData
}

// TraceID returns the identifier the endpoint uses in logs.
func (ep *Endpoint) TraceID() string {
	return ep.traceID
}

// Role returns "client" or "server".
func (ep *Endpoint) Role() string {
	return ep.wireup.role()
}

// DummyResources returns the dummy CQ and QP, zero when not allocated.
func (ep *Endpoint) DummyResources() (CQ, QP) {
	return ep.cq, ep.qp
}

func destroyID(id CMID) {
	if err := id.Destroy(); err != nil {
		log.Warn().Err(err).Uint64("id", uint64(id.Handle())).Msg("rdma_destroy_id() failed")
		recordError("destroy_id", err)
	}
}

func addrString(addr net.Addr) string {
	if addr == nil {
		return "<none>"
	}

	return addr.String()
}
