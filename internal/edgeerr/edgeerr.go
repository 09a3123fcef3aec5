// Package edgeerr defines the error kinds shared across the proxy and
// tunnel engines. They are plain sentinel errors wrapped with context,
// not a custom hierarchy — callers branch on them with errors.Is/As.
package edgeerr

import "errors"

var (
	// ErrProtocol marks malformed peer input the engine cannot parse.
	ErrProtocol = errors.New("edgefabric: protocol error")
	// ErrNotSupported marks a recognised but unsupported variant (BIND,
	// UDP-associate without a bind IP, ...).
	ErrNotSupported = errors.New("edgefabric: not supported")
	// ErrVerifyFailed marks a credentials mismatch.
	ErrVerifyFailed = errors.New("edgefabric: verification failed")
	// ErrShortFrame marks a frame payload whose fields overrun the
	// payload's end. A buffer still waiting on more bytes is not an
	// error: frame.Decode reports it with a nil frame and nil error.
	ErrShortFrame = errors.New("edgefabric: short frame")
	// ErrTooLong marks a short-string payload over 255 bytes.
	ErrTooLong = errors.New("edgefabric: field too long")
	// ErrUnknownHost marks an HTTP request with no usable Host.
	ErrUnknownHost = errors.New("edgefabric: unknown host")
	// ErrNoUpstream marks an upstream group with no servers configured.
	ErrNoUpstream = errors.New("edgefabric: no upstream available")
	// ErrContinue is a sniffer control-flow signal: try the next
	// candidate protocol engine. Never surfaces past the sniffer.
	ErrContinue = errors.New("edgefabric: continue to next sniffer")
)
