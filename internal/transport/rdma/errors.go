package rdma

import "errors"

// Endpoint error kinds. Operations wrap these with context, so callers should
// test with errors.Is.
var (
	ErrInvalidParam   = errors.New("invalid parameter")
	ErrUnsupported    = errors.New("unsupported operation")
	ErrNotImplemented = errors.New("function not implemented")
	ErrIO             = errors.New("input/output error")
	ErrUnreachable    = errors.New("destination is unreachable")
	ErrRejected       = errors.New("connection rejected by peer")
	ErrBufferTooSmall = errors.New("buffer too small for private data")
)

// errorKind maps an error to the label used in the errors metric.
func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrInvalidParam):
		return "invalid_param"
	case errors.Is(err, ErrUnsupported):
		return "unsupported"
	case errors.Is(err, ErrNotImplemented):
		return "not_implemented"
	case errors.Is(err, ErrIO):
		return "io_error"
	case errors.Is(err, ErrUnreachable):
		return "unreachable"
	case errors.Is(err, ErrRejected):
		return "rejected"
	case errors.Is(err, ErrBufferTooSmall):
		return "buffer_too_small"
	default:
		return "other"
	}
}
