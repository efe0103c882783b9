package rdma

import "net"

// EpParamField flags which optional fields of EndpointParams are set.
type EpParamField uint64

const (
	EpParamFieldCM EpParamField = 1 << iota
	EpParamFieldSockaddrCBFlags
	EpParamFieldSockaddr
	EpParamFieldConnRequest
	EpParamFieldSockaddrPackCB
	EpParamFieldSockaddrConnectCB
	EpParamFieldSockaddrDisconnectCB
	EpParamFieldUserData
)

// CBFlags selects how callbacks are delivered.
type CBFlags uint32

const (
	CBFlagReserved CBFlags = 1 << iota
	// CBFlagAsync allows callbacks from the asynchronous progress context.
	// It is the only delivery mode the endpoint supports.
	CBFlagAsync
)

// RemoteData is what the peer sent back with its connect response.
type RemoteData struct {
	PrivateData []byte
}

// ConnectCallback reports the outcome of a client connection attempt.
type ConnectCallback func(ep *Endpoint, arg any, remote RemoteData, status error)

// AcceptCallback is reserved for inbound connections.
type AcceptCallback func(ep *Endpoint, arg any, status error)

// DisconnectCallback reports that the peer or the local side disconnected.
type DisconnectCallback func(ep *Endpoint, arg any)

// PrivPackCallback returns the private data to send with a connect request.
// deviceName is the device the identifier resolved to.
type PrivPackCallback func(arg any, deviceName string) ([]byte, error)

// ConnRequest is the token of an inbound connect request.
type ConnRequest struct {
	PrivateData []byte
	ID          IDHandle
}

// EndpointParams are the construction parameters of an Endpoint. A field is
// only honored when its bit is present in FieldMask; the setters maintain it.
type EndpointParams struct {
	CM           *CM
	Sockaddr     net.Addr
	ConnRequest  *ConnRequest
	PackCB       PrivPackCallback
	ConnectCB    ConnectCallback
	DisconnectCB DisconnectCallback
	UserData     any
	FieldMask    EpParamField
	CBFlags      CBFlags
}

// SetCM sets the owning communication manager.
func (p *EndpointParams) SetCM(cm *CM) *EndpointParams {
	p.CM = cm
	p.FieldMask |= EpParamFieldCM
	return p
}

// SetCBFlags sets the callback delivery flags.
func (p *EndpointParams) SetCBFlags(flags CBFlags) *EndpointParams {
	p.CBFlags = flags
	p.FieldMask |= EpParamFieldSockaddrCBFlags
	return p
}

// SetAsync requests asynchronous callback delivery.
func (p *EndpointParams) SetAsync() *EndpointParams {
	return p.SetCBFlags(p.CBFlags | CBFlagAsync)
}

// SetSockaddr sets the remote address, selecting the client role.
func (p *EndpointParams) SetSockaddr(addr net.Addr) *EndpointParams {
	p.Sockaddr = addr
	p.FieldMask |= EpParamFieldSockaddr
	return p
}

// SetConnRequest sets the inbound request token, selecting the server role.
func (p *EndpointParams) SetConnRequest(req *ConnRequest) *EndpointParams {
	p.ConnRequest = req
	p.FieldMask |= EpParamFieldConnRequest
	return p
}

// SetPackCB sets the private data packing callback.
func (p *EndpointParams) SetPackCB(cb PrivPackCallback) *EndpointParams {
	p.PackCB = cb
	p.FieldMask |= EpParamFieldSockaddrPackCB
	return p
}

// SetConnectCB sets the client connect callback.
func (p *EndpointParams) SetConnectCB(cb ConnectCallback) *EndpointParams {
	p.ConnectCB = cb
	p.FieldMask |= EpParamFieldSockaddrConnectCB
	return p
}

// SetDisconnectCB sets the disconnect notification callback.
func (p *EndpointParams) SetDisconnectCB(cb DisconnectCallback) *EndpointParams {
	p.DisconnectCB = cb
	p.FieldMask |= EpParamFieldSockaddrDisconnectCB
	return p
}

// SetUserData sets the argument passed back to every callback.
func (p *EndpointParams) SetUserData(arg any) *EndpointParams {
	p.UserData = arg
	p.FieldMask |= EpParamFieldUserData
	return p
}

func (p *EndpointParams) has(f EpParamField) bool {
	return p.FieldMask&f != 0
}
