package tunnel

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"

	"github.com/paulguzu/edgefabric/internal/config"
)

// ModeByte encodes a mapping mode into the Create frame's u8 mode
// field (spec.md §3 Frame payload schemas). The value never round
// trips back out: a server-initiated Create frame carries it purely
// for the client's own bookkeeping, since findMapping already keys on
// domain. Exported so callers opening a Create frame outside this
// package (the client-side forward-proxy dial path) can use the same
// encoding.
func ModeByte(mode config.MappingMode) uint8 {
	switch mode {
	case config.ModeHTTP:
		return 0
	case config.ModeHTTPS:
		return 1
	case config.ModeTCP:
		return 2
	case config.ModeProxy:
		return 3
	case config.ModeUDP:
		return 4
	default:
		return 0
	}
}

// ServeHTTP runs a public HTTP/HTTPS inbound listener for the
// reverse-mapping fabric (spec.md §4.9): each accepted connection is
// sniffed only as far as the Host header, matched against a connected
// client's declared mapping, and bridged onto a fresh stream on that
// client's tunnel. TLS termination, if any, is the caller's concern
// (spec.md §1 Out of scope) — https only selects the mode byte carried
// in the Create frame. The session is found by domain alone; the mode
// a client declared for that mapping is not compared.
func (s *Server) ServeHTTP(ctx context.Context, ln net.Listener, https bool) error {
	mode := config.ModeHTTP
	if https {
		mode = config.ModeHTTPS
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return fmt.Errorf("tunnel server: public http accept: %w", err)
		}
		go s.handlePublicHTTP(conn, mode)
	}
}

func (s *Server) handlePublicHTTP(conn net.Conn, mode config.MappingMode) {
	br := bufio.NewReader(conn)
	req, err := http.ReadRequest(br)
	if err != nil {
		conn.Close()
		return
	}

	host := req.Host
	if h, _, splitErr := net.SplitHostPort(host); splitErr == nil {
		host = h
	}

	sess, ok := s.SessionFor(host)
	if !ok {
		io.WriteString(conn, "HTTP/1.1 404 Not Found\r\nConnection: close\r\n\r\n")
		conn.Close()
		return
	}

	vs, err := s.OpenStream(sess, ModeByte(mode), host)
	if err != nil {
		io.WriteString(conn, "HTTP/1.1 502 Bad Gateway\r\nConnection: close\r\n\r\n")
		conn.Close()
		return
	}

	req.RequestURI = ""
	if err := req.Write(vs); err != nil {
		conn.Close()
		vs.Close()
		return
	}
	bridge(conn, vs)
}

// ServeTCP runs a public raw-TCP or generic-proxy inbound listener for
// the reverse-mapping fabric (spec.md §4.9). Unlike ServeHTTP, there
// is no Host header to sniff a destination from, so domain must name
// the mapping this listener serves directly (spec.md §9 open question
// resolved in internal/config.Listener.Domain's doc comment).
func (s *Server) ServeTCP(ctx context.Context, ln net.Listener, domain string, proxyMode bool) error {
	mode := config.ModeTCP
	if proxyMode {
		mode = config.ModeProxy
	}
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return fmt.Errorf("tunnel server: public tcp accept: %w", err)
		}
		go s.handlePublicRaw(conn, domain, mode)
	}
}

func (s *Server) handlePublicRaw(conn net.Conn, domain string, mode config.MappingMode) {
	sess, ok := s.SessionFor(domain)
	if !ok {
		conn.Close()
		return
	}
	vs, err := s.OpenStream(sess, ModeByte(mode), domain)
	if err != nil {
		conn.Close()
		return
	}
	bridge(conn, vs)
}
