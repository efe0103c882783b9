package rdma

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// Provider errors.
var (
	ErrIDNotFound   = errors.New("connection identifier not found")
	ErrInvalidState = errors.New("connection identifier in invalid state")
	ErrNoAddress    = errors.New("destination address required")
)

type idState int

const (
	idStateIdle idState = iota
	idStateAddrResolved
	idStateRouteResolved
	idStateConnecting
	idStateConnected
	idStateDisconnected
)

// SimulatedProvider is an in-process librdmacm stand-in. It walks each
// identifier through the client state machine and emits the matching events
// on the identifier's channel.
type SimulatedProvider struct {
	verbs       *SimulatedVerbs
	ids         map[IDHandle]*simulatedID
	unreachable map[string]bool
	remotePriv  []byte
	device      DeviceContext
	pd          PD
	nextID      uint64
	created     int64
	mu          sync.Mutex

	// Error injection
	createIDErr     error
	resolveAddrErr  error
	resolveRouteErr error
	connectErr      error
	disconnectErr   error
	destroyIDErr    error
	reject          bool
}

// NewSimulatedProvider opens deviceName on verbs and allocates the PD that
// every identifier of this provider is bound to.
func NewSimulatedProvider(verbs *SimulatedVerbs, deviceName string) (*SimulatedProvider, error) {
	if verbs == nil {
		verbs = NewSimulatedVerbs()
	}

	device := verbs.OpenDevice(deviceName)

	pd, err := verbs.AllocPD(device)
	if err != nil {
		return nil, fmt.Errorf("failed to allocate PD on %s: %w", deviceName, err)
	}

	return &SimulatedProvider{
		verbs:       verbs,
		ids:         make(map[IDHandle]*simulatedID),
		unreachable: make(map[string]bool),
		device:      device,
		pd:          pd,
	}, nil
}

// Verbs returns the backend identifiers are bound to.
func (p *SimulatedProvider) Verbs() *SimulatedVerbs {
	return p.verbs
}

func (p *SimulatedProvider) CreateID(ch *EventChannel, ps PortSpace) (CMID, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.createIDErr != nil {
		return nil, p.createIDErr
	}

	if ch == nil {
		return nil, ErrChannelClosed
	}

	p.nextID++
	p.created++
	id := &simulatedID{
		provider: p,
		ch:       ch,
		handle:   IDHandle(p.nextID),
		ps:       ps,
	}
	p.ids[id.handle] = id

	return id, nil
}

// LiveIDs returns the number of identifiers not yet destroyed.
func (p *SimulatedProvider) LiveIDs() int {
	p.mu.Lock()
	defer p.mu.Unlock()

	return len(p.ids)
}

// CreatedIDs returns the number of identifiers ever created.
func (p *SimulatedProvider) CreatedIDs() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.created
}

// LastConnParam returns a copy of the parameters id was connected with.
func (p *SimulatedProvider) LastConnParam(handle IDHandle) (ConnParam, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, ok := p.ids[handle]
	if !ok || id.connParam == nil {
		return ConnParam{}, false
	}

	param := *id.connParam
	param.PrivateData = append([]byte(nil), id.connParam.PrivateData...)

	return param, true
}

// SetUnreachable makes address resolution toward addr fail asynchronously.
func (p *SimulatedProvider) SetUnreachable(addr string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.unreachable[addr] = true
}

// SetReject makes every subsequent Connect end with a REJECTED event.
func (p *SimulatedProvider) SetReject(reject bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.reject = reject
}

// SetRemotePrivateData sets the payload the simulated peer answers with.
func (p *SimulatedProvider) SetRemotePrivateData(data []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.remotePriv = append([]byte(nil), data...)
}

// SetCreateIDError sets the error to return on CreateID calls.
func (p *SimulatedProvider) SetCreateIDError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.createIDErr = err
}

// SetResolveAddrError sets the error to return on ResolveAddr calls.
func (p *SimulatedProvider) SetResolveAddrError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resolveAddrErr = err
}

// SetResolveRouteError sets the error to return on ResolveRoute calls.
func (p *SimulatedProvider) SetResolveRouteError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resolveRouteErr = err
}

// SetConnectError sets the error to return on Connect calls.
func (p *SimulatedProvider) SetConnectError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connectErr = err
}

// SetDisconnectError sets the error to return on Disconnect calls.
func (p *SimulatedProvider) SetDisconnectError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disconnectErr = err
}

// SetDestroyIDError sets the error to return on Destroy calls.
func (p *SimulatedProvider) SetDestroyIDError(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.destroyIDErr = err
}

type simulatedID struct {
	provider  *SimulatedProvider
	ch        *EventChannel
	peer      net.Addr
	connParam *ConnParam
	device    DeviceContext
	pd        PD
	handle    IDHandle
	ps        PortSpace
	state     idState
	destroyed bool
}

func (id *simulatedID) Handle() IDHandle {
	return id.handle
}

// emit must be called with the provider lock held.
func (id *simulatedID) emit(t EventType, status error, priv []byte) error {
	return id.ch.Push(Event{
		ID:          id.handle,
		Type:        t,
		Status:      status,
		PrivateData: priv,
	})
}

func (id *simulatedID) ResolveAddr(src, dst net.Addr, timeout time.Duration) error {
	p := id.provider

	p.mu.Lock()
	defer p.mu.Unlock()

	if id.destroyed {
		return ErrIDNotFound
	}

	if p.resolveAddrErr != nil {
		return p.resolveAddrErr
	}

	if dst == nil {
		return ErrNoAddress
	}

	if id.state != idStateIdle {
		return ErrInvalidState
	}

	if p.unreachable[dst.String()] {
		return id.emit(EventAddrError, ErrUnreachable, nil)
	}

	if err := id.emit(EventAddrResolved, nil, nil); err != nil {
		return err
	}

	id.peer = dst
	id.device = p.device
	id.pd = p.pd
	id.state = idStateAddrResolved

	return nil
}

func (id *simulatedID) ResolveRoute(timeout time.Duration) error {
	p := id.provider

	p.mu.Lock()
	defer p.mu.Unlock()

	if id.destroyed {
		return ErrIDNotFound
	}

	if p.resolveRouteErr != nil {
		return p.resolveRouteErr
	}

	if id.state != idStateAddrResolved {
		return ErrInvalidState
	}

	if err := id.emit(EventRouteResolved, nil, nil); err != nil {
		return err
	}

	id.state = idStateRouteResolved

	return nil
}

func (id *simulatedID) Connect(param *ConnParam) error {
	p := id.provider

	p.mu.Lock()
	defer p.mu.Unlock()

	if id.destroyed {
		return ErrIDNotFound
	}

	if p.connectErr != nil {
		return p.connectErr
	}

	if id.state != idStateRouteResolved || param == nil {
		return ErrInvalidState
	}

	saved := *param
	saved.PrivateData = append([]byte(nil), param.PrivateData...)
	id.connParam = &saved

	if p.reject {
		return id.emit(EventRejected, ErrRejected, nil)
	}

	if err := id.emit(EventConnectResponse, nil, append([]byte(nil), p.remotePriv...)); err != nil {
		return err
	}

	id.state = idStateConnecting

	return nil
}

func (id *simulatedID) Establish() error {
	p := id.provider

	p.mu.Lock()
	defer p.mu.Unlock()

	if id.destroyed {
		return ErrIDNotFound
	}

	if id.state != idStateConnecting {
		return ErrInvalidState
	}

	id.state = idStateConnected

	return nil
}

func (id *simulatedID) Disconnect() error {
	p := id.provider

	p.mu.Lock()
	defer p.mu.Unlock()

	if id.destroyed {
		return ErrIDNotFound
	}

	if p.disconnectErr != nil {
		return p.disconnectErr
	}

	if id.state != idStateConnected {
		return ErrInvalidState
	}

	if err := id.emit(EventDisconnected, nil, nil); err != nil {
		return err
	}

	id.state = idStateDisconnected

	return id.emit(EventTimewaitExit, nil, nil)
}

func (id *simulatedID) Destroy() error {
	p := id.provider

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.destroyIDErr != nil {
		return p.destroyIDErr
	}

	if id.destroyed {
		return ErrIDNotFound
	}

	id.destroyed = true
	delete(p.ids, id.handle)
	id.ch.Purge(id.handle)

	return nil
}

func (id *simulatedID) PeerAddr() net.Addr {
	id.provider.mu.Lock()
	defer id.provider.mu.Unlock()

	return id.peer
}

func (id *simulatedID) Verbs() DeviceContext {
	id.provider.mu.Lock()
	defer id.provider.mu.Unlock()

	return id.device
}

func (id *simulatedID) PD() PD {
	id.provider.mu.Lock()
	defer id.provider.mu.Unlock()

	return id.pd
}
