package rdma

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// handleEvent runs on the progress loop with the CM's async lock held.
func (ep *Endpoint) handleEvent(ev Event) {
	switch w := ep.wireup.(type) {
	case *clientWireup:
		ep.handleClientEvent(w, ev)
	default:
		log.Warn().
			Str("ep", ep.traceID).
			Str("role", ep.wireup.role()).
			Str("event", ev.Type.String()).
			Msg("unexpected event for endpoint role")
	}
}

func (ep *Endpoint) handleClientEvent(w *clientWireup, ev Event) {
	log.Debug().
		Str("ep", ep.traceID).
		Uint64("id", uint64(ev.ID)).
		Str("event", ev.Type.String()).
		Msg("rdmacm event")

	switch ev.Type {
	case EventAddrResolved:
		if err := ep.id.ResolveRoute(ResolveTimeout); err != nil {
			log.Error().Err(err).Str("ep", ep.traceID).Msg("rdma_resolve_route() failed")
			ep.notifyConnect(w, RemoteData{}, fmt.Errorf("%w: rdma_resolve_route: %v", ErrIO, err))
		}

	case EventRouteResolved:
		if err := ep.sendConnectRequest(); err != nil {
			ep.notifyConnect(w, RemoteData{}, err)
		}

	case EventConnectResponse:
		remote, err := remoteData(ev.PrivateData)
		if err != nil {
			ep.notifyConnect(w, RemoteData{}, err)
			return
		}

		if err := ep.id.Establish(); err != nil {
			log.Error().Err(err).Str("ep", ep.traceID).Msg("rdma_establish() failed")
			ep.notifyConnect(w, RemoteData{}, fmt.Errorf("%w: rdma_establish: %v", ErrIO, err))

			return
		}

		ep.notifyConnect(w, remote, nil)

	case EventAddrError, EventRouteError, EventUnreachable, EventConnectError:
		ep.notifyConnect(w, RemoteData{}, fmt.Errorf("%w: %s (peer %s): %v",
			ErrUnreachable, ev.Type, addrString(ep.id.PeerAddr()), ev.Status))

	case EventRejected:
		ep.notifyConnect(w, RemoteData{}, fmt.Errorf("%w: peer %s", ErrRejected, addrString(ep.id.PeerAddr())))

	case EventDisconnected:
		if ep.disconnectCB != nil {
			ep.disconnectCB(ep, ep.userData)
		}

	default:
		// ESTABLISHED, TIMEWAIT_EXIT and DEVICE_REMOVAL need no action from
		// the client side.
	}
}

// sendConnectRequest packs the user's private data, reserves a QP number
// and issues rdma_connect.
func (ep *Endpoint) sendConnectRequest() error {
	var payload []byte

	if ep.packCB != nil {
		data, err := ep.packCB(ep.userData, ep.cm.config.DeviceName)
		if err != nil {
			return fmt.Errorf("private data pack callback failed: %w", err)
		}

		payload = data
	}

	var hdr PrivDataHdr

	priv, err := PackPrivData(&hdr, payload)
	if err != nil {
		return err
	}

	param := &ConnParam{PrivateData: priv}

	if err := ep.AssignConnectionHandle(param, &hdr); err != nil {
		return err
	}

	if err := ep.id.Connect(param); err != nil {
		log.Error().
			Err(err).
			Str("ep", ep.traceID).
			Str("peer", addrString(ep.id.PeerAddr())).
			Msg("rdma_connect() failed")

		return fmt.Errorf("%w: rdma_connect: %v", ErrIO, err)
	}

	return nil
}

// notifyConnect reports the connection outcome once. Later outcomes for the
// same attempt are only logged.
func (ep *Endpoint) notifyConnect(w *clientWireup, remote RemoteData, status error) {
	if status != nil {
		recordError("connect", status)
	}

	if w.notified {
		log.Debug().Err(status).Str("ep", ep.traceID).Msg("connect outcome already reported")
		return
	}

	w.notified = true

	if w.connectCB != nil {
		w.connectCB(ep, ep.userData, remote, status)
	}
}

func remoteData(priv []byte) (RemoteData, error) {
	if len(priv) == 0 {
		return RemoteData{}, nil
	}

	hdr, payload, err := UnpackPrivData(priv)
	if err != nil {
		return RemoteData{}, err
	}

	if hdr.Status != 0 {
		return RemoteData{}, fmt.Errorf("%w: peer reported status %d", ErrRejected, hdr.Status)
	}

	return RemoteData{PrivateData: payload}, nil
}
