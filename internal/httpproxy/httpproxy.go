// Package httpproxy implements the HTTP forward-proxy dispatch half of
// the sniffed listener: CONNECT tunneling and plain keep-alive forward
// proxying (spec.md §3 HTTP dispatcher, §4.5). The standard library's
// net/http request parser and bufio.Reader stand in for the
// "pre-existing HTTP engine is assumed" collaborator spec.md names —
// see DESIGN.md for why this one surface stays on the standard
// library rather than a third-party HTTP parser.
package httpproxy

import (
	"bufio"
	"context"
	"encoding/base64"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// Dialer opens a connection to a forward-proxy destination, mirroring
// socks5.Dialer so both engines can share one tunnel-backed
// implementation.
type Dialer func(ctx context.Context, network, target string) (io.ReadWriteCloser, error)

// Credentials is the username/password pair checked against a
// request's Basic `Proxy-Authorization` header when configured
// (spec.md §4.5(1), §6 "Optional Basic Proxy-Authorization").
type Credentials struct {
	Username string
	Password string
}

// Handler serves both CONNECT and plain-HTTP forward-proxy traffic on
// an already-accepted connection.
type Handler struct {
	Dial  Dialer
	Creds *Credentials // nil disables Proxy-Authorization verification
	Log   *zap.Logger
}

// Serve reads one or more requests off conn (conn's first bytes must
// already look like an HTTP request line; the protocol sniffer is
// responsible for that routing decision) and handles CONNECT or plain
// forward-proxy requests until the connection closes or isn't
// keep-alive.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) error {
	log := h.Log
	if log == nil {
		log = zap.NewNop()
	}
	br := bufio.NewReader(conn)

	for {
		req, err := http.ReadRequest(br)
		if err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}

		if !h.authorize(req) {
			writeProxyAuthRequired(conn)
			return nil
		}

		if req.Method == http.MethodConnect {
			return h.serveConnect(ctx, conn, req)
		}
		if err := h.serveForward(ctx, conn, req); err != nil {
			return err
		}
		if !keepAlive(req) {
			return nil
		}
	}
}

// authorize checks the request's Basic Proxy-Authorization header
// against h.Creds. A nil Creds means no credentials are configured,
// so every request is authorized (spec.md §4.5(1): verification is
// "when credentials are configured").
func (h *Handler) authorize(req *http.Request) bool {
	if h.Creds == nil {
		return true
	}
	hdr := req.Header.Get("Proxy-Authorization")
	const prefix = "Basic "
	if !strings.HasPrefix(hdr, prefix) {
		return false
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(hdr, prefix))
	if err != nil {
		return false
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return false
	}
	return user == h.Creds.Username && pass == h.Creds.Password
}

func (h *Handler) serveConnect(ctx context.Context, conn net.Conn, req *http.Request) error {
	if h.Dial == nil {
		writeStatus(conn, http.StatusBadGateway)
		return nil
	}
	remote, err := h.Dial(ctx, "tcp", req.Host)
	if err != nil {
		writeStatus(conn, http.StatusBadGateway)
		return err
	}
	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		remote.Close()
		return err
	}

	// CONNECT hands the raw byte stream to the tunnel untouched from
	// here on (spec.md §8 testable property: byte-identical CONNECT
	// payload).
	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); io.Copy(remote, conn) }()
	go func() { defer wg.Done(); io.Copy(conn, remote) }()
	wg.Wait()
	return remote.Close()
}

func (h *Handler) serveForward(ctx context.Context, conn net.Conn, req *http.Request) error {
	if h.Dial == nil {
		writeStatus(conn, http.StatusBadGateway)
		return nil
	}
	target := req.Host
	if !strings.Contains(target, ":") {
		target += ":80"
	}
	remote, err := h.Dial(ctx, "tcp", target)
	if err != nil {
		writeStatus(conn, http.StatusBadGateway)
		return err
	}
	defer remote.Close()

	// Strip hop-by-hop proxy-only headers before relaying, matching
	// how a conformant forward proxy rewrites the request line to an
	// origin-form request (RFC 7230 §5.3/§6.1).
	req.RequestURI = ""
	req.Header.Del("Proxy-Connection")
	req.Header.Del("Proxy-Authorization")

	if err := req.Write(remote); err != nil {
		return err
	}

	resp, err := http.ReadResponse(bufio.NewReader(remote), req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return resp.Write(conn)
}

func keepAlive(req *http.Request) bool {
	if req.Close {
		return false
	}
	if req.ProtoAtLeast(1, 1) {
		return !headerHas(req.Header.Values("Connection"), "close")
	}
	return headerHas(req.Header.Values("Connection"), "keep-alive")
}

func headerHas(values []string, want string) bool {
	for _, v := range values {
		if strings.EqualFold(strings.TrimSpace(v), want) {
			return true
		}
	}
	return false
}

func writeStatus(conn net.Conn, code int) {
	io.WriteString(conn, "HTTP/1.1 "+strconv.Itoa(code)+" "+http.StatusText(code)+"\r\n\r\n")
}

func writeProxyAuthRequired(conn net.Conn) {
	io.WriteString(conn, "HTTP/1.1 407 Proxy Authentication Required\r\n"+
		"Proxy-Authenticate: Basic realm=\"edgefabric\"\r\n\r\n")
}
