package wire

import "errors"

// Sentinel protocol-violation errors. The client socket closes the
// offending connection on any of these; the inter-node transport drops
// the offending packet and keeps the connection open.
var (
	ErrBadMagic      = errors.New("wire: bad magic")
	ErrBadVersion    = errors.New("wire: unsupported version")
	ErrBadLength     = errors.New("wire: bad length")
	ErrTruncatedBody = errors.New("wire: truncated body")
)
