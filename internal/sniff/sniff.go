// Package sniff implements the protocol-sniffing dispatcher that
// looks at an accepted connection's first byte(s) to decide whether
// it is SOCKS5, an HTTP forward-proxy request, or raw TCP, without
// consuming bytes the chosen engine still needs (spec.md §3 Protocol
// sniffer, §4.6). It is grounded on the teacher's SOCKS5 accept loop
// shape (internal/client/socks5.go's handleConnection), generalized
// from "always SOCKS5" to a real dispatch over a peeked byte.
package sniff

import (
	"bufio"
	"context"
	"net"
)

// Protocol identifies the sniffed wire protocol.
type Protocol int

const (
	ProtoUnknown Protocol = iota
	ProtoSOCKS5
	ProtoHTTP
	ProtoRawTCP
)

const socks5VersionByte = 0x05

// PeekConn wraps a net.Conn with a bufio.Reader so the sniffer can
// peek bytes without discarding them for the next reader.
type PeekConn struct {
	net.Conn
	r *bufio.Reader
}

// NewPeekConn wraps conn for sniffing.
func NewPeekConn(conn net.Conn) *PeekConn {
	return &PeekConn{Conn: conn, r: bufio.NewReader(conn)}
}

// Read satisfies net.Conn by reading through the internal buffered
// reader, so bytes peeked during sniffing are seen exactly once by
// whichever engine handles the connection next.
func (p *PeekConn) Read(b []byte) (int, error) {
	return p.r.Read(b)
}

// Sniff peeks the first byte of the connection and classifies it.
// looksLikeHTTPMethodByte covers the first letters of the HTTP
// request-line methods; anything else is treated as raw TCP
// rather than rejected, since a sniffer should never refuse traffic
// it merely doesn't recognize (spec.md §4.6 edge case: unknown first
// byte falls through to raw TCP, not an error).
func Sniff(ctx context.Context, conn *PeekConn) (Protocol, error) {
	b, err := conn.r.Peek(1)
	if err != nil {
		return ProtoUnknown, err
	}
	if b[0] == socks5VersionByte {
		return ProtoSOCKS5, nil
	}
	if looksLikeHTTPMethodByte(b[0]) {
		return ProtoHTTP, nil
	}
	return ProtoRawTCP, nil
}

var httpMethodFirstBytes = map[byte]bool{
	'G': true, // GET
	'P': true, // POST, PUT, PATCH
	'H': true, // HEAD
	'D': true, // DELETE
	'C': true, // CONNECT
	'O': true, // OPTIONS
	'T': true, // TRACE
}

func looksLikeHTTPMethodByte(b byte) bool {
	return httpMethodFirstBytes[b]
}
