package rdma

import (
	"fmt"

	"github.com/rs/zerolog/log"
)

// Dummy UD QP sizing. The QP is never posted to or polled, it only exists to
// obtain a QP number from the device.
const (
	dummyCQSize   = 1
	dummyQPMaxWR  = 2
	dummyQPMaxSGE = 1
)

// createDummyCQQP creates a one-entry CQ and a minimal UD QP on the device
// the identifier resolved to, and returns the QP number the device assigned.
// On failure everything created so far is released.
func createDummyCQQP(verbs Verbs, id CMID) (_ CQ, _ QP, _ uint32, err error) {
	cq, err := verbs.CreateCQ(id.Verbs(), dummyCQSize, 0)
	if err != nil {
		log.Error().Err(err).Uint64("id", uint64(id.Handle())).Msg("ibv_create_cq() failed")
		return 0, 0, 0, fmt.Errorf("%w: ibv_create_cq: %v", ErrIO, err)
	}

	defer func() {
		if err != nil {
			if derr := verbs.DestroyCQ(cq); derr != nil {
				log.Warn().Err(derr).Msg("ibv_destroy_cq() failed")
			}
		}
	}()

	qp, err := verbs.CreateQP(id.PD(), &QPInitAttr{
		SendCQ: cq,
		RecvCQ: cq,
		QPType: QPTypeUD,
		Cap: QPCap{
			MaxSendWR:  dummyQPMaxWR,
			MaxRecvWR:  dummyQPMaxWR,
			MaxSendSge: dummyQPMaxSGE,
			MaxRecvSge: dummyQPMaxSGE,
		},
	})
	if err != nil {
		log.Error().Err(err).Uint64("id", uint64(id.Handle())).Msg("failed to create a dummy ud qp")
		return 0, 0, 0, fmt.Errorf("%w: ibv_create_qp: %v", ErrIO, err)
	}

	defer func() {
		if err != nil {
			if derr := verbs.DestroyQP(qp); derr != nil {
				log.Warn().Err(derr).Msg("ibv_destroy_qp() failed")
			}
		}
	}()

	qpNum, err := verbs.QPNum(qp)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("%w: reading qp_num: %v", ErrIO, err)
	}

	log.Debug().
		Uint64("id", uint64(id.Handle())).
		Uint32("qp_num", qpNum).
		Uint64("cq", uint64(cq)).
		Msg("created dummy ud QP")

	return cq, qp, qpNum, nil
}

// AssignConnectionHandle creates the endpoint's dummy QP and writes its QP
// number into param, so it travels with the connect request. librdmacm
// requires a QP number that is unique on the device even though no QP is
// attached to the identifier. hdr is the private data header packed into
// param.
//
// It may be called once per endpoint; a second call fails with
// ErrInvalidParam rather than leaking the first QP.
func (ep *Endpoint) AssignConnectionHandle(param *ConnParam, hdr *PrivDataHdr) error {
	if param == nil {
		return fmt.Errorf("%w: nil connection parameters", ErrInvalidParam)
	}

	if ep.destroyed.Load() {
		return fmt.Errorf("%w: endpoint destroyed", ErrInvalidParam)
	}

	if ep.qp != 0 {
		return fmt.Errorf("%w: connection handle already assigned", ErrInvalidParam)
	}

	cq, qp, qpNum, err := createDummyCQQP(ep.cm.verbs, ep.id)
	if err != nil {
		recordError("assign_handle", err)
		return err
	}

	ep.cq = cq
	ep.qp = qp
	param.QPNum = qpNum
	dummyQPsActive.Inc()

	ev := log.Debug().Str("ep", ep.traceID).Uint32("qp_num", qpNum)
	if hdr != nil {
		ev = ev.Uint8("priv_data_len", hdr.Length)
	}

	ev.Msg("assigned connection handle")

	return nil
}
