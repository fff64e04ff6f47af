package protocol

import "errors"

var (
	// ErrProtocol is a generic sentinel for protocol violations.
	ErrProtocol = errors.New("auction protocol error")

	ErrMalformedHeader = errors.New("malformed header")
	ErrBadVersion      = errors.New("unsupported version")
	ErrPayloadTooLarge = errors.New("frame payload too large")
	ErrTruncated       = errors.New("frame payload truncated")
	ErrTrailingBytes   = errors.New("trailing bytes after payload")
	ErrUnknownType     = errors.New("unknown frame type")
	ErrInvalidFlags    = errors.New("invalid flags")
	ErrEnvelope        = errors.New("payload envelope error")
)

// IsProtocolError reports whether err is a framing or payload violation,
// as opposed to a plain I/O error on the underlying connection.
func IsProtocolError(err error) bool {
	return err != nil && (errors.Is(err, ErrProtocol) ||
		errors.Is(err, ErrMalformedHeader) ||
		errors.Is(err, ErrBadVersion) ||
		errors.Is(err, ErrPayloadTooLarge) ||
		errors.Is(err, ErrTruncated) ||
		errors.Is(err, ErrTrailingBytes) ||
		errors.Is(err, ErrUnknownType) ||
		errors.Is(err, ErrInvalidFlags) ||
		errors.Is(err, ErrEnvelope))
}
