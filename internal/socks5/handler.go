package socks5

import (
	"context"
	"io"
	"net"
	"sync"

	"github.com/paulguzu/edgefabric/internal/edgeerr"
	"go.uber.org/zap"
)

// Dialer opens a connection to target on behalf of a CONNECT request.
// The tunnel client satisfies this by wrapping OpenStream; a direct
// proxy satisfies it with net.Dialer.DialContext.
type Dialer func(ctx context.Context, network, target string) (io.ReadWriteCloser, error)

// Handler runs the full SOCKS5 server conversation on one accepted
// connection: negotiate, then CONNECT (bridge to Dialer's stream) or
// UDP-ASSOCIATE (relay datagrams through a locally bound socket).
type Handler struct {
	Creds     *Credentials
	Dial      Dialer
	BindIP    string // UDP-ASSOCIATE relay bind address; empty disables it (spec.md §9 Open Question)
	Log       *zap.Logger
}

// Serve runs the SOCKS5 conversation on conn until it's done. The
// caller owns closing conn.
func (h *Handler) Serve(ctx context.Context, conn net.Conn) error {
	log := h.Log
	if log == nil {
		log = zap.NewNop()
	}

	req, err := Negotiate(conn, h.Creds)
	if err != nil {
		return err
	}

	switch req.Cmd {
	case CmdConnect:
		return h.serveConnect(ctx, conn, req)
	case CmdUDPAssociate:
		return h.serveUDPAssociate(ctx, conn, req)
	default:
		writeReply(conn, RepCommandNotSupported, nil)
		return edgeerr.ErrNotSupported
	}
}

func (h *Handler) serveConnect(ctx context.Context, conn net.Conn, req *Request) error {
	if h.Dial == nil {
		writeReply(conn, RepGeneralFailure, nil)
		return edgeerr.ErrNotSupported
	}
	remote, err := h.Dial(ctx, "tcp", req.Target())
	if err != nil {
		writeReply(conn, replyForDialError(err), nil)
		return err
	}
	if err := writeReply(conn, RepSuccess, nil); err != nil {
		remote.Close()
		return err
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); io.Copy(remote, conn) }()
	go func() { defer wg.Done(); io.Copy(conn, remote) }()
	wg.Wait()
	return remote.Close()
}

func (h *Handler) serveUDPAssociate(ctx context.Context, conn net.Conn, req *Request) error {
	if h.BindIP == "" {
		writeReply(conn, RepCommandNotSupported, nil)
		return edgeerr.ErrNotSupported
	}

	relay, err := NewUDPRelay(h.BindIP)
	if err != nil {
		writeReply(conn, RepGeneralFailure, nil)
		return err
	}
	defer relay.Close()

	bindAddr := relay.LocalAddr().(*net.UDPAddr)
	tcpBind := &net.TCPAddr{IP: bindAddr.IP, Port: bindAddr.Port}
	if err := writeReply(conn, RepSuccess, tcpBind); err != nil {
		return err
	}

	go relay.Run(ctx)

	// The TCP control connection must stay open for the life of the
	// association; a read returning (even io.EOF) tears it down.
	buf := make([]byte, 1)
	_, err = conn.Read(buf)
	relay.Close()
	return err
}
