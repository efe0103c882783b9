// Package rdma provides the connection-manager endpoint for the rdmacm transport.
//
// An endpoint owns one connection identifier bound to the event channel of its
// communication manager (CM). Connection events are delivered asynchronously by
// the CM's progress loop, which looks endpoints up through a registry keyed by
// identifier handle rather than through an untyped back-reference.
//
// The package talks to the fabric through two narrow abstractions:
//   - Verbs: completion queue and queue pair management (libibverbs)
//   - Provider/CMID: connection identifiers and address resolution (librdmacm)
//
// Simulated implementations of both are provided for development and testing.
package rdma

import (
	"errors"
	"sync"
	"sync/atomic"
)

// Verbs errors.
var (
	ErrContextNotFound = errors.New("device context not found")
	ErrPDCreation      = errors.New("failed to create protection domain")
	ErrCQCreation      = errors.New("failed to create completion queue")
	ErrQPCreation      = errors.New("failed to create queue pair")
	ErrCQBusy          = errors.New("completion queue still attached to a queue pair")
)

// Verbs defines the subset of libibverbs operations the endpoint depends on.
type Verbs interface {
	// Protection Domain
	AllocPD(ctx DeviceContext) (PD, error)

	// Completion Queue
	CreateCQ(ctx DeviceContext, cqe int, ch CompChannel) (CQ, error)
	DestroyCQ(cq CQ) error

	// Queue Pair
	CreateQP(pd PD, attr *QPInitAttr) (QP, error)
	DestroyQP(qp QP) error
	QPNum(qp QP) (uint32, error)
}

// Handle types for verbs objects. The zero value never names a live object.
type (
	DeviceContext uintptr
	PD            uintptr
	CQ            uintptr
	QP            uintptr
	CompChannel   uintptr
)

// QPType represents queue pair types.
type QPType int

const (
	QPTypeRC  QPType = iota // Reliable Connection
	QPTypeUC                // Unreliable Connection
	QPTypeUD                // Unreliable Datagram
	QPTypeXRC               // Extended Reliable Connection
)

func (t QPType) String() string {
	switch t {
	case QPTypeRC:
		return "RC"
	case QPTypeUC:
		return "UC"
	case QPTypeUD:
		return "UD"
	case QPTypeXRC:
		return "XRC"
	default:
		return "unknown"
	}
}

// QPCap contains queue pair capabilities.
type QPCap struct {
	MaxSendWR     uint32
	MaxRecvWR     uint32
	MaxSendSge    uint32
	MaxRecvSge    uint32
	MaxInlineData uint32
}

// QPInitAttr describes a queue pair at creation time.
type QPInitAttr struct {
	SendCQ CQ
	RecvCQ CQ
	QPType QPType
	Cap    QPCap
}

// SimulatedVerbs provides a simulated libibverbs implementation for testing.
//
// QP numbers are allocated from a per-device counter, so they are unique among
// live queue pairs of one device context, as on real hardware.
type SimulatedVerbs struct {
	contexts   map[DeviceContext]*simulatedContext
	pds        map[PD]DeviceContext
	cqs        map[CQ]*simulatedCQ
	qps        map[QP]*simulatedQP
	metrics    *verbsMetrics
	nextHandle uintptr
	mu         sync.RWMutex

	// Error injection
	allocPDErr   error
	createCQErr  error
	destroyCQErr error
	createQPErr  error
	destroyQPErr error
}

type simulatedContext struct {
	name    string
	nextQPN uint32
}

type simulatedCQ struct {
	ctx  DeviceContext
	size int
	refs int
}

type simulatedQP struct {
	pd    PD
	attr  QPInitAttr
	qpNum uint32
}

type verbsMetrics struct {
	PDsCreated   int64
	CQsCreated   int64
	CQsDestroyed int64
	QPsCreated   int64
	QPsDestroyed int64
	Errors       int64
}

// NewSimulatedVerbs creates a new simulated verbs backend.
func NewSimulatedVerbs() *SimulatedVerbs {
	return &SimulatedVerbs{
		contexts: make(map[DeviceContext]*simulatedContext),
		pds:      make(map[PD]DeviceContext),
		cqs:      make(map[CQ]*simulatedCQ),
		qps:      make(map[QP]*simulatedQP),
		metrics:  &verbsMetrics{},
	}
}

// OpenDevice opens a simulated device context. The first QP number handed out
// on it is 0x100, leaving room below for special QPs as real HCAs do.
func (b *SimulatedVerbs) OpenDevice(name string) DeviceContext {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextHandle++
	ctx := DeviceContext(b.nextHandle)
	b.contexts[ctx] = &simulatedContext{name: name, nextQPN: 0x100}

	return ctx
}

// DeviceName returns the name a context was opened with.
func (b *SimulatedVerbs) DeviceName(ctx DeviceContext) string {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if c, ok := b.contexts[ctx]; ok {
		return c.name
	}

	return ""
}

func (b *SimulatedVerbs) AllocPD(ctx DeviceContext) (PD, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.allocPDErr != nil {
		atomic.AddInt64(&b.metrics.Errors, 1)
		return 0, b.allocPDErr
	}

	if _, ok := b.contexts[ctx]; !ok {
		return 0, ErrContextNotFound
	}

	b.nextHandle++
	pd := PD(b.nextHandle)
	b.pds[pd] = ctx
	atomic.AddInt64(&b.metrics.PDsCreated, 1)

	return pd, nil
}

func (b *SimulatedVerbs) CreateCQ(ctx DeviceContext, cqe int, ch CompChannel) (CQ, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.createCQErr != nil {
		atomic.AddInt64(&b.metrics.Errors, 1)
		return 0, b.createCQErr
	}

	if _, ok := b.contexts[ctx]; !ok {
		return 0, ErrContextNotFound
	}

	if cqe < 1 {
		return 0, ErrCQCreation
	}

	b.nextHandle++
	cq := CQ(b.nextHandle)
	b.cqs[cq] = &simulatedCQ{ctx: ctx, size: cqe}
	atomic.AddInt64(&b.metrics.CQsCreated, 1)

	return cq, nil
}

func (b *SimulatedVerbs) DestroyCQ(cq CQ) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyCQErr != nil {
		atomic.AddInt64(&b.metrics.Errors, 1)
		return b.destroyCQErr
	}

	simCQ, ok := b.cqs[cq]
	if !ok {
		return ErrCQCreation
	}

	if simCQ.refs > 0 {
		return ErrCQBusy
	}

	delete(b.cqs, cq)
	atomic.AddInt64(&b.metrics.CQsDestroyed, 1)

	return nil
}

func (b *SimulatedVerbs) CreateQP(pd PD, attr *QPInitAttr) (QP, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.createQPErr != nil {
		atomic.AddInt64(&b.metrics.Errors, 1)
		return 0, b.createQPErr
	}

	ctx, ok := b.pds[pd]
	if !ok {
		return 0, ErrPDCreation
	}

	if attr == nil {
		return 0, ErrQPCreation
	}

	sendCQ, okSend := b.cqs[attr.SendCQ]
	recvCQ, okRecv := b.cqs[attr.RecvCQ]

	if !okSend || !okRecv {
		return 0, ErrCQCreation
	}

	simCtx := b.contexts[ctx]
	b.nextHandle++
	qp := QP(b.nextHandle)
	b.qps[qp] = &simulatedQP{
		pd:    pd,
		attr:  *attr,
		qpNum: simCtx.nextQPN,
	}
	simCtx.nextQPN++
	sendCQ.refs++
	recvCQ.refs++
	atomic.AddInt64(&b.metrics.QPsCreated, 1)

	return qp, nil
}

func (b *SimulatedVerbs) DestroyQP(qp QP) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.destroyQPErr != nil {
		atomic.AddInt64(&b.metrics.Errors, 1)
		return b.destroyQPErr
	}

	simQP, ok := b.qps[qp]
	if !ok {
		return ErrQPCreation
	}

	if cq, ok := b.cqs[simQP.attr.SendCQ]; ok {
		cq.refs--
	}

	if cq, ok := b.cqs[simQP.attr.RecvCQ]; ok {
		cq.refs--
	}

	delete(b.qps, qp)
	atomic.AddInt64(&b.metrics.QPsDestroyed, 1)

	return nil
}

func (b *SimulatedVerbs) QPNum(qp QP) (uint32, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return 0, ErrQPCreation
	}

	return simQP.qpNum, nil
}

// QPAttr returns the init attributes a live QP was created with.
func (b *SimulatedVerbs) QPAttr(qp QP) (QPInitAttr, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	simQP, ok := b.qps[qp]
	if !ok {
		return QPInitAttr{}, false
	}

	return simQP.attr, true
}

// CQSize returns the capacity of a live CQ.
func (b *SimulatedVerbs) CQSize(cq CQ) (int, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	simCQ, ok := b.cqs[cq]
	if !ok {
		return 0, false
	}

	return simCQ.size, true
}

// LiveCQs returns the number of completion queues not yet destroyed.
func (b *SimulatedVerbs) LiveCQs() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.cqs)
}

// LiveQPs returns the number of queue pairs not yet destroyed.
func (b *SimulatedVerbs) LiveQPs() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.qps)
}

// SetAllocPDError sets the error to return on AllocPD calls.
func (b *SimulatedVerbs) SetAllocPDError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.allocPDErr = err
}

// SetCreateCQError sets the error to return on CreateCQ calls.
func (b *SimulatedVerbs) SetCreateCQError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createCQErr = err
}

// SetDestroyCQError sets the error to return on DestroyCQ calls.
func (b *SimulatedVerbs) SetDestroyCQError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.destroyCQErr = err
}

// SetCreateQPError sets the error to return on CreateQP calls.
func (b *SimulatedVerbs) SetCreateQPError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.createQPErr = err
}

// SetDestroyQPError sets the error to return on DestroyQP calls.
func (b *SimulatedVerbs) SetDestroyQPError(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.destroyQPErr = err
}

// GetMetrics returns backend counters.
func (b *SimulatedVerbs) GetMetrics() map[string]interface{} {
	return map[string]interface{}{
		"simulated":     true,
		"pds_created":   atomic.LoadInt64(&b.metrics.PDsCreated),
		"cqs_created":   atomic.LoadInt64(&b.metrics.CQsCreated),
		"cqs_destroyed": atomic.LoadInt64(&b.metrics.CQsDestroyed),
		"qps_created":   atomic.LoadInt64(&b.metrics.QPsCreated),
		"qps_destroyed": atomic.LoadInt64(&b.metrics.QPsDestroyed),
		"errors":        atomic.LoadInt64(&b.metrics.Errors),
	}
}
