package tunnel

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/paulguzu/edgefabric/internal/config"
	"github.com/paulguzu/edgefabric/internal/frame"
	"github.com/paulguzu/edgefabric/internal/metrics"
	"github.com/paulguzu/edgefabric/internal/stream"
	"github.com/paulguzu/edgefabric/pkg/crypto"
	"go.uber.org/zap"
)

// Status is the client's connection lifecycle state, grounded on the
// pack's ekaya-inc tunnel client's TunnelStatus.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
)

// DialLocal opens a connection to a mapping's local backend. Callers
// supply this so the client package stays free of any HTTP/SOCKS
// dependency.
type DialLocal func(ctx context.Context, mapping config.Mapping) (net.Conn, error)

// Client is the tunnel's client-peer role: it dials out to the
// server, authenticates with a Token frame, declares its local
// mappings, then serves both directions — Create frames arriving
// from the server (reverse-tunnel: server reached a public mapping
// and needs this client's local service) and streams this client
// opens itself (forward proxying: spec.md §4.4/§4.5 engines tunneling
// arbitrary destinations through the server).
type Client struct {
	serverAddr  string
	tlsConfig   *tls.Config
	credentials config.Credentials
	obfuscate   bool
	mappings    []config.Mapping
	dialLocal   DialLocal
	log         *zap.Logger

	mu       sync.RWMutex
	status   Status
	peer     *Peer
	cancel   context.CancelFunc
	done     chan struct{}
	nextID   uint32 // next client-allocated id; always advances by 2, starts odd
	idMu     sync.Mutex
}

// NewClient builds a Client. tlsConfig may be nil for a plaintext
// tunnel; obfuscate wraps the plaintext connection in AES-CTR keyed
// from creds when tlsConfig is nil (ignored otherwise).
func NewClient(serverAddr string, tlsConfig *tls.Config, creds config.Credentials, obfuscate bool, mappings []config.Mapping, dialLocal DialLocal, log *zap.Logger) *Client {
	if log == nil {
		log = zap.NewNop()
	}
	return &Client{
		serverAddr:  serverAddr,
		tlsConfig:   tlsConfig,
		credentials: creds,
		obfuscate:   obfuscate,
		mappings:    mappings,
		dialLocal:   dialLocal,
		log:         log,
		status:      StatusDisconnected,
		nextID:      1,
	}
}

// Status returns the client's current connection state.
func (c *Client) Status() Status {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.status
}

func (c *Client) setStatus(s Status) {
	c.mu.Lock()
	c.status = s
	c.mu.Unlock()
}

// Run connects, reconnecting with exponential backoff and jitter on
// every drop, until ctx is cancelled (spec.md §9 design notes;
// backoff policy grounded on the pack's ekaya-inc tunnel client).
func (c *Client) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.done = make(chan struct{})
	c.mu.Unlock()
	defer func() {
		c.setStatus(StatusDisconnected)
		close(c.done)
	}()

	attempt := 0
	for {
		if ctx.Err() != nil {
			return
		}
		if attempt == 0 {
			c.setStatus(StatusConnecting)
		} else {
			c.setStatus(StatusReconnecting)
		}

		err := c.connectAndServe(ctx)
		if ctx.Err() != nil {
			return
		}
		attempt++
		metrics.TunnelReconnectsTotal.Inc()
		backoff := backoffDuration(attempt)
		c.log.Warn("tunnel disconnected, reconnecting",
			zap.Error(err), zap.Int("attempt", attempt), zap.Duration("backoff", backoff))

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
	}
}

// Stop cancels the run loop and waits for it to exit.
func (c *Client) Stop() {
	c.mu.RLock()
	cancel := c.cancel
	done := c.done
	c.mu.RUnlock()
	if cancel != nil {
		cancel()
	}
	if done != nil {
		<-done
	}
}

func (c *Client) connectAndServe(ctx context.Context) error {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", c.serverAddr)
	if err != nil {
		return fmt.Errorf("tunnel client: dial %s: %w", c.serverAddr, err)
	}

	var rwc io.ReadWriteCloser = conn
	switch {
	case c.tlsConfig != nil:
		tlsConn := tls.Client(conn, c.tlsConfig)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return fmt.Errorf("tunnel client: tls handshake: %w", err)
		}
		rwc = tlsConn
	case c.obfuscate:
		obfConn, err := crypto.Wrap(conn, c.credentials.Password)
		if err != nil {
			conn.Close()
			return fmt.Errorf("tunnel client: obfuscation handshake: %w", err)
		}
		rwc = obfConn
	}

	peer := NewPeer(rwc, Handlers{
		OnCreate:      c.handleCreate,
		OnTunnelClose: func(reason string) { c.log.Info("server closed tunnel", zap.String("reason", reason)) },
	}, c.log)
	peer.role = "client"

	c.mu.Lock()
	c.peer = peer
	c.mu.Unlock()

	if c.credentials.Username != "" || c.credentials.Password != "" {
		if err := peer.Send(mustToken(c.credentials)); err != nil {
			peer.Close()
			return fmt.Errorf("tunnel client: send token: %w", err)
		}
	}
	if len(c.mappings) > 0 {
		mf, err := frame.EncodeMapping(mappingEntries(c.mappings))
		if err != nil {
			peer.Close()
			return fmt.Errorf("tunnel client: encode mappings: %w", err)
		}
		if err := peer.Send(mf); err != nil {
			peer.Close()
			return fmt.Errorf("tunnel client: send mappings: %w", err)
		}
	}

	c.setStatus(StatusConnected)
	peer.log.Info("tunnel connected", zap.String("server", c.serverAddr))

	err = peer.Run()
	peer.Close()
	return err
}

// handleCreate bridges a server-initiated stream to this client's
// matching local mapping.
func (c *Client) handleCreate(vs *stream.VirtualStream, p frame.CreatePayload) {
	mapping, ok := c.findMapping(p.Domain)
	if !ok {
		c.log.Warn("create frame for unknown mapping", zap.String("domain", p.Domain))
		vs.Close()
		return
	}
	if c.dialLocal == nil {
		vs.Close()
		return
	}
	local, err := c.dialLocal(context.Background(), mapping)
	if err != nil {
		c.log.Warn("dial local mapping failed", zap.String("domain", p.Domain), zap.Error(err))
		vs.Close()
		return
	}
	bridge(local, vs)
}

func (c *Client) findMapping(domain string) (config.Mapping, bool) {
	for _, m := range c.mappings {
		if m.Domain == domain {
			return m, true
		}
	}
	return config.Mapping{}, false
}

// OpenStream allocates a fresh client-owned (odd) stream id, sends a
// Create frame describing the requested destination, and returns the
// resulting virtual stream for the caller (a SOCKS5/HTTP engine) to
// bridge to its own inbound connection.
func (c *Client) OpenStream(mode uint8, domain string) (*stream.VirtualStream, error) {
	c.mu.RLock()
	peer := c.peer
	c.mu.RUnlock()
	if peer == nil {
		return nil, fmt.Errorf("tunnel client: not connected")
	}

	id := c.allocID()
	vs := peer.NewStream(id)
	f, err := frame.EncodeCreate(id, frame.CreatePayload{Mode: mode, Domain: domain})
	if err != nil {
		peer.RemoveStream(id)
		return nil, err
	}
	if err := peer.Send(f); err != nil {
		peer.RemoveStream(id)
		return nil, err
	}
	return vs, nil
}

func (c *Client) allocID() uint32 {
	c.idMu.Lock()
	defer c.idMu.Unlock()
	id := c.nextID
	c.nextID += 2
	return id
}

func mustToken(creds config.Credentials) *frame.Frame {
	f, _ := frame.EncodeToken(creds.Username, creds.Password)
	return f
}

func mappingEntries(mappings []config.Mapping) []frame.MappingEntry {
	entries := make([]frame.MappingEntry, 0, len(mappings))
	for _, m := range mappings {
		entries = append(entries, frame.MappingEntry{Name: m.Name, Mode: string(m.Mode), Domain: m.Domain})
	}
	return entries
}

// backoffDuration computes exponential backoff with +-25% jitter,
// base 1s capped at 60s, matching the pack's ekaya-inc tunnel client.
func backoffDuration(attempt int) time.Duration {
	base := math.Pow(2, float64(attempt-1))
	seconds := math.Min(base, 60)
	jitter := seconds * 0.25 * (2*rand.Float64() - 1)
	return time.Duration((seconds + jitter) * float64(time.Second))
}

// bridge pipes a to/from vs until either side closes, mirroring the
// byte-identical CONNECT-tunnel copy loop (spec.md §8 testable
// property).
func bridge(a net.Conn, vs *stream.VirtualStream) {
	defer a.Close()
	defer vs.Close()
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(vs, a)
	}()
	go func() {
		defer wg.Done()
		io.Copy(a, vs)
	}()
	wg.Wait()
}
