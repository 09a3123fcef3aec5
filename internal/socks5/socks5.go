// Package socks5 implements the server side of RFC 1928 SOCKS5
// negotiation plus the RFC 1929 username/password subnegotiation,
// CONNECT, and UDP-ASSOCIATE (spec.md §3 SOCKS5 engine, §4.4).
// Grounded on the teacher's own SOCKS5 accept loop
// (internal/client/socks5.go), which already parses the greeting,
// auth and CONNECT request bytes directly off the wire; this package
// generalizes that parsing to also support username/password auth and
// UDP-ASSOCIATE, and separates request-parsing from the actual
// tunneling so callers can bridge a CONNECT target through whatever
// transport they like (a direct dial, or a tunnel virtual stream).
package socks5

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"

	"github.com/paulguzu/edgefabric/internal/edgeerr"
)

const (
	Version5 = 0x05

	methodNoAuth       = 0x00
	methodUserPass     = 0x02
	methodNoAcceptable = 0xFF

	authVersion  = 0x01
	authSuccess  = 0x00
	authFailure  = 0x01

	CmdConnect      = 0x01
	CmdBind         = 0x02
	CmdUDPAssociate = 0x03

	AtypIPv4   = 0x01
	AtypDomain = 0x03
	AtypIPv6   = 0x04

	RepSuccess             = 0x00
	RepGeneralFailure      = 0x01
	RepNotAllowed          = 0x02
	RepNetworkUnreachable  = 0x03
	RepHostUnreachable     = 0x04
	RepConnectionRefused   = 0x05
	RepTTLExpired          = 0x06
	RepCommandNotSupported = 0x07
	RepAtypNotSupported    = 0x08
)

// Credentials is the username/password pair a SOCKS5 server checks
// during auth subnegotiation, when configured.
type Credentials struct {
	Username string
	Password string
}

// Request is a parsed SOCKS5 request (CONNECT, BIND or
// UDP-ASSOCIATE).
type Request struct {
	Cmd  byte
	Atyp byte
	Addr string
	Port uint16
}

// Target returns the request's destination as a dial-ready host:port
// string.
func (r Request) Target() string {
	return net.JoinHostPort(r.Addr, fmt.Sprintf("%d", r.Port))
}

// Negotiate runs the greeting and optional auth subnegotiation, then
// parses the client's request. creds == nil means no-auth-only. A
// first byte that isn't 0x05 returns edgeerr.ErrContinue after reading
// only that one byte; the byte itself has been consumed from conn and
// is not handed back. Non-destructive routing happens earlier, in
// internal/sniff, which peeks the first byte instead of reading it.
func Negotiate(conn net.Conn, creds *Credentials) (*Request, error) {
	verBuf := make([]byte, 1)
	if _, err := io.ReadFull(conn, verBuf); err != nil {
		return nil, fmt.Errorf("socks5: read version: %w", err)
	}
	if verBuf[0] != Version5 {
		return nil, edgeerr.ErrContinue
	}

	if err := negotiateAuth(conn, creds); err != nil {
		return nil, err
	}
	return readRequest(conn)
}

func negotiateAuth(conn net.Conn, creds *Credentials) error {
	hdr := make([]byte, 1)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return fmt.Errorf("socks5: read nmethods: %w", err)
	}
	methods := make([]byte, hdr[0])
	if _, err := io.ReadFull(conn, methods); err != nil {
		return fmt.Errorf("socks5: read methods: %w", err)
	}

	wantAuth := creds != nil && creds.Username != ""
	selected := byte(methodNoAcceptable)
	for _, m := range methods {
		if wantAuth && m == methodUserPass {
			selected = methodUserPass
			break
		}
		if !wantAuth && m == methodNoAuth {
			selected = methodNoAuth
			break
		}
	}
	if _, err := conn.Write([]byte{Version5, selected}); err != nil {
		return fmt.Errorf("socks5: write method selection: %w", err)
	}
	if selected == methodNoAcceptable {
		return fmt.Errorf("socks5: no acceptable auth method: %w", edgeerr.ErrNotSupported)
	}
	if selected != methodUserPass {
		return nil
	}
	return verifyUserPass(conn, creds)
}

func verifyUserPass(conn net.Conn, creds *Credentials) error {
	hdr := make([]byte, 2)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return fmt.Errorf("socks5: read auth header: %w", err)
	}
	if hdr[0] != authVersion {
		return fmt.Errorf("socks5: bad auth subnegotiation version: %w", edgeerr.ErrProtocol)
	}
	user := make([]byte, hdr[1])
	if _, err := io.ReadFull(conn, user); err != nil {
		return fmt.Errorf("socks5: read username: %w", err)
	}
	passLen := make([]byte, 1)
	if _, err := io.ReadFull(conn, passLen); err != nil {
		return fmt.Errorf("socks5: read password length: %w", err)
	}
	pass := make([]byte, passLen[0])
	if _, err := io.ReadFull(conn, pass); err != nil {
		return fmt.Errorf("socks5: read password: %w", err)
	}

	ok := string(user) == creds.Username && string(pass) == creds.Password
	status := byte(authSuccess)
	if !ok {
		status = authFailure
	}
	if _, err := conn.Write([]byte{authVersion, status}); err != nil {
		return fmt.Errorf("socks5: write auth result: %w", err)
	}
	if !ok {
		return fmt.Errorf("socks5: auth failed: %w", edgeerr.ErrVerifyFailed)
	}
	return nil
}

func readRequest(conn net.Conn) (*Request, error) {
	hdr := make([]byte, 4)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return nil, fmt.Errorf("socks5: read request header: %w", err)
	}
	req := &Request{Cmd: hdr[1], Atyp: hdr[3]}

	switch req.Atyp {
	case AtypIPv4:
		ip := make([]byte, 4)
		if _, err := io.ReadFull(conn, ip); err != nil {
			return nil, fmt.Errorf("socks5: read ipv4: %w", err)
		}
		req.Addr = net.IP(ip).String()
	case AtypDomain:
		lenBuf := make([]byte, 1)
		if _, err := io.ReadFull(conn, lenBuf); err != nil {
			return nil, fmt.Errorf("socks5: read domain length: %w", err)
		}
		domain := make([]byte, lenBuf[0])
		if _, err := io.ReadFull(conn, domain); err != nil {
			return nil, fmt.Errorf("socks5: read domain: %w", err)
		}
		req.Addr = string(domain)
	case AtypIPv6:
		ip := make([]byte, 16)
		if _, err := io.ReadFull(conn, ip); err != nil {
			return nil, fmt.Errorf("socks5: read ipv6: %w", err)
		}
		req.Addr = net.IP(ip).String()
	default:
		writeReply(conn, RepAtypNotSupported, nil)
		return nil, fmt.Errorf("socks5: unsupported address type %d: %w", req.Atyp, edgeerr.ErrNotSupported)
	}

	portBuf := make([]byte, 2)
	if _, err := io.ReadFull(conn, portBuf); err != nil {
		return nil, fmt.Errorf("socks5: read port: %w", err)
	}
	req.Port = binary.BigEndian.Uint16(portBuf)
	return req, nil
}

// WriteReply sends the SOCKS5 reply for rep, with bindAddr as the
// BND.ADDR/BND.PORT fields (nil means 0.0.0.0:0).
func WriteReply(conn net.Conn, rep byte, bindAddr *net.TCPAddr) error {
	return writeReply(conn, rep, bindAddr)
}

func writeReply(conn net.Conn, rep byte, bindAddr *net.TCPAddr) error {
	reply := []byte{Version5, rep, 0x00, AtypIPv4, 0, 0, 0, 0, 0, 0}
	if bindAddr != nil {
		ip4 := bindAddr.IP.To4()
		if ip4 != nil {
			copy(reply[4:8], ip4)
		}
		binary.BigEndian.PutUint16(reply[8:10], uint16(bindAddr.Port))
	}
	_, err := conn.Write(reply)
	return err
}

// replyForDialError maps a dial failure to the closest SOCKS5 reply
// code instead of always reporting a general failure, so a caller
// gets a distinguishable response per spec.md §4.4 edge cases.
func replyForDialError(err error) byte {
	if err == nil {
		return RepSuccess
	}
	if ne, ok := err.(net.Error); ok && ne.Timeout() {
		return RepTTLExpired
	}
	switch {
	case isConnRefused(err):
		return RepConnectionRefused
	case isNoRoute(err):
		return RepNetworkUnreachable
	default:
		return RepGeneralFailure
	}
}
