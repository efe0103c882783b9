package rdma

import "fmt"

// RDMA_PS_TCP carries at most 56 bytes of private data in a connect request,
// and the header takes two of them.
const (
	maxConnPrivData = 56
	privDataHdrLen  = 2

	// MaxPrivDataLen is the largest payload a pack callback may return.
	MaxPrivDataLen = maxConnPrivData - privDataHdrLen
)

// PrivDataHdr precedes the user payload in connect private data.
//
//	[Length:1][Status:1][payload:Length]
type PrivDataHdr struct {
	Length uint8
	Status uint8
}

// PackPrivData encodes hdr and payload. hdr.Length is set from the payload.
func PackPrivData(hdr *PrivDataHdr, payload []byte) ([]byte, error) {
	if len(payload) > MaxPrivDataLen {
		return nil, fmt.Errorf("%w: %d bytes, max %d", ErrBufferTooSmall, len(payload), MaxPrivDataLen)
	}

	hdr.Length = uint8(len(payload)) //nolint:gosec // G115: bounded by MaxPrivDataLen

	buf := make([]byte, privDataHdrLen+len(payload))
	buf[0] = hdr.Length
	buf[1] = hdr.Status
	copy(buf[privDataHdrLen:], payload)

	return buf, nil
}

// UnpackPrivData splits connect private data into its header and payload.
// Trailing bytes beyond hdr.Length are ignored, since the transport may pad.
func UnpackPrivData(data []byte) (PrivDataHdr, []byte, error) {
	if len(data) < privDataHdrLen {
		return PrivDataHdr{}, nil, fmt.Errorf("%w: private data too short (%d bytes)", ErrInvalidParam, len(data))
	}

	hdr := PrivDataHdr{Length: data[0], Status: data[1]}

	end := privDataHdrLen + int(hdr.Length)
	if end > len(data) {
		return PrivDataHdr{}, nil, fmt.Errorf("%w: header claims %d bytes, have %d",
			ErrInvalidParam, hdr.Length, len(data)-privDataHdrLen)
	}

	return hdr, data[privDataHdrLen:end], nil
}
