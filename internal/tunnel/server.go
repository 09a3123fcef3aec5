package tunnel

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/paulguzu/edgefabric/internal/config"
	"github.com/paulguzu/edgefabric/internal/frame"
	"github.com/paulguzu/edgefabric/internal/stream"
	"github.com/paulguzu/edgefabric/pkg/crypto"
	"go.uber.org/zap"
)

// ConnSession is one connected client's view from the server's side:
// its declared mappings and the peer used to reach it.
type ConnSession struct {
	peer     *Peer
	mappings []config.Mapping

	mu       sync.Mutex
	verified bool
}

func (s *ConnSession) setVerified(v bool) {
	s.mu.Lock()
	s.verified = v
	s.mu.Unlock()
}

func (s *ConnSession) isVerified() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.verified
}

// Server is the tunnel's server-peer role: it accepts client
// connections, authenticates each one against a Token frame, learns
// its declared mappings, and lets reverse-proxy/L4 engines reach a
// client's local services by allocating Create frames against the
// matching session (spec.md §3 Tunnel fabric, §4.8).
type Server struct {
	credentials config.Credentials
	tlsConfig   *tls.Config
	obfuscate   bool
	log         *zap.Logger

	mu       sync.RWMutex
	sessions map[string]*ConnSession // keyed by mapping domain

	// forwardDialer, when set, lets this server satisfy forward Create
	// requests from a connected client (the SOCKS5/HTTP engines
	// tunneling out through the server, spec.md §4.4/§4.5).
	forwardDialer func(ctx context.Context, domain string) (net.Conn, error)

	idMu   sync.Mutex
	nextID uint32 // next server-allocated id; always advances by 2, starts even
}

// NewServer builds a Server. An empty credentials.Username disables
// token verification (open tunnel). tlsConfig wraps every accepted
// tunnel connection in a TLS server handshake when non-nil; obfuscate
// wraps it in the AES-CTR keystream instead when tlsConfig is nil,
// mirroring the client's own transport choice (spec.md §6 Tunnel wire
// format).
func NewServer(creds config.Credentials, tlsConfig *tls.Config, obfuscate bool, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{
		credentials: creds,
		tlsConfig:   tlsConfig,
		obfuscate:   obfuscate,
		log:         log,
		sessions:    make(map[string]*ConnSession),
		nextID:      2,
	}
}

// Serve accepts tunnel client connections on ln until ctx is
// cancelled or Accept fails.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return fmt.Errorf("tunnel server: accept: %w", err)
		}
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	var rwc io.ReadWriteCloser = conn
	switch {
	case s.tlsConfig != nil:
		tlsConn := tls.Server(conn, s.tlsConfig)
		if err := tlsConn.Handshake(); err != nil {
			s.log.Debug("tunnel server: tls handshake failed", zap.Error(err))
			conn.Close()
			return
		}
		rwc = tlsConn
	case s.obfuscate:
		obfConn, err := crypto.Wrap(conn, s.credentials.Password)
		if err != nil {
			s.log.Debug("tunnel server: obfuscation handshake failed", zap.Error(err))
			conn.Close()
			return
		}
		rwc = obfConn
	}

	sess := &ConnSession{}
	peer := NewPeer(rwc, Handlers{
		OnToken:   func(p frame.TokenPayload) { s.handleToken(sess, p) },
		OnMapping: func(p frame.MappingPayload) { s.handleMapping(sess, p) },
		OnCreate: func(vs *stream.VirtualStream, p frame.CreatePayload) {
			// A client normally only receives Create frames, never
			// sends them to the server role in the reverse-tunnel
			// case; forward-proxy style connect requests land here
			// when a client tunnels arbitrary destinations through
			// this server (spec.md §4.4/§4.5).
			s.handleClientCreate(vs, p)
		},
	}, s.log)
	peer.role = "server"
	sess.peer = peer
	peer.log.Debug("tunnel client connected")

	if err := peer.Run(); err != nil {
		peer.log.Debug("tunnel peer disconnected", zap.Error(err))
	}
	s.dropSession(sess)
	peer.Close()
}

func (s *Server) handleToken(sess *ConnSession, p frame.TokenPayload) {
	if s.credentials.Username == "" {
		sess.setVerified(true)
		return
	}
	okUser := subtle.ConstantTimeCompare([]byte(p.Username), []byte(s.credentials.Username)) == 1
	okPass := subtle.ConstantTimeCompare([]byte(p.Password), []byte(s.credentials.Password)) == 1
	ok := okUser && okPass
	sess.setVerified(ok)
	if !ok {
		sess.peer.log.Warn("tunnel client failed token verification")
		sess.peer.CloseTunnel("token verification failed")
		sess.peer.Close()
	}
}

func (s *Server) handleMapping(sess *ConnSession, p frame.MappingPayload) {
	mappings := make([]config.Mapping, 0, len(p.Entries))
	for _, e := range p.Entries {
		mappings = append(mappings, config.Mapping{Name: e.Name, Mode: config.MappingMode(e.Mode), Domain: e.Domain})
	}
	sess.mappings = mappings

	s.mu.Lock()
	for _, m := range mappings {
		s.sessions[m.Domain] = sess
	}
	s.mu.Unlock()
}

// handleClientCreate serves forward-proxy-style Create requests a
// connected client sends to reach an arbitrary destination through
// this server: it dials p.Domain with the dialer installed by
// SetForwardDialer and bridges the result onto vs, closing vs when no
// dialer is installed or the dial fails.
func (s *Server) handleClientCreate(vs *stream.VirtualStream, p frame.CreatePayload) {
	if s.forwardDialer == nil {
		vs.Close()
		return
	}
	conn, err := s.forwardDialer(context.Background(), p.Domain)
	if err != nil {
		vs.Close()
		return
	}
	bridge(conn, vs)
}

// SetForwardDialer installs the dial function used to satisfy forward
// Create requests (spec.md §4.4/§4.5 engines tunneling through this
// server).
func (s *Server) SetForwardDialer(d func(ctx context.Context, domain string) (net.Conn, error)) {
	s.mu.Lock()
	s.forwardDialer = d
	s.mu.Unlock()
}

func (s *Server) dropSession(sess *ConnSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for domain, v := range s.sessions {
		if v == sess {
			delete(s.sessions, domain)
		}
	}
}

// SessionFor returns the connected client session serving domain, if
// any (used by the public HTTP/HTTPS and TCP listeners in public.go to
// route public traffic to the right tunnel).
func (s *Server) SessionFor(domain string) (*ConnSession, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[domain]
	if !ok || !sess.isVerified() && s.credentials.Username != "" {
		return nil, false
	}
	return sess, ok
}

// OpenStream allocates a fresh server-owned (even) id on sess's peer,
// sends a Create frame naming the mapping's mode/domain, and returns
// the virtual stream for a reverse engine to bridge to the inbound
// public connection.
func (s *Server) OpenStream(sess *ConnSession, mode uint8, domain string) (*stream.VirtualStream, error) {
	id := s.allocID()
	vs := sess.peer.NewStream(id)
	f, err := frame.EncodeCreate(id, frame.CreatePayload{Mode: mode, Domain: domain})
	if err != nil {
		sess.peer.RemoveStream(id)
		return nil, err
	}
	if err := sess.peer.Send(f); err != nil {
		sess.peer.RemoveStream(id)
		return nil, err
	}
	return vs, nil
}

func (s *Server) allocID() uint32 {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	id := s.nextID
	s.nextID += 2
	return id
}
