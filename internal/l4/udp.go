package l4

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/paulguzu/edgefabric/internal/health"
	"github.com/paulguzu/edgefabric/internal/upstream"
	"go.uber.org/zap"
)

const udpSessionIdle = 60 * time.Second

// udpSession pairs one client address with a dedicated socket dialed
// to the backend it was first routed to, so replies find their way
// back without the backend ever seeing the client's real address.
type udpSession struct {
	backend *net.UDPConn
	lastAt  time.Time
}

// UDPBalancer relays datagrams between one listening socket and a
// set of weighted-picked backends, keeping one backend socket per
// client address for the session's lifetime (spec.md §4.3/§1(d): "a
// datagram relay with a client-address-keyed session table").
type UDPBalancer struct {
	selector *upstream.Selector
	registry *health.Registry
	log      *zap.Logger

	mu       sync.Mutex
	sessions map[string]*udpSession
}

// NewUDPBalancer builds a UDPBalancer over selector.
func NewUDPBalancer(selector *upstream.Selector, registry *health.Registry, log *zap.Logger) *UDPBalancer {
	if log == nil {
		log = zap.NewNop()
	}
	return &UDPBalancer{
		selector: selector,
		registry: registry,
		log:      log,
		sessions: make(map[string]*udpSession),
	}
}

// Serve reads datagrams from conn and relays them until ctx is
// cancelled.
func (b *UDPBalancer) Serve(ctx context.Context, conn *net.UDPConn) error {
	go b.reapIdle(ctx)

	buf := make([]byte, 65535)
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			return err
		}
		payload := make([]byte, n)
		copy(payload, buf[:n])
		b.handleDatagram(conn, from, payload)
	}
}

func (b *UDPBalancer) handleDatagram(front *net.UDPConn, from *net.UDPAddr, payload []byte) {
	sess, err := b.sessionFor(front, from)
	if err != nil {
		b.log.Warn("l4 udp: no upstream available", zap.String("client", from.String()), zap.Error(err))
		return
	}
	if _, err := sess.backend.Write(payload); err != nil {
		b.log.Debug("l4 udp: write to backend failed", zap.Error(err))
	}
}

func (b *UDPBalancer) sessionFor(front *net.UDPConn, from *net.UDPAddr) (*udpSession, error) {
	key := from.String()

	b.mu.Lock()
	sess, ok := b.sessions[key]
	b.mu.Unlock()
	if ok {
		b.touch(key)
		return sess, nil
	}

	addr, ok := b.selector.Pick()
	if !ok {
		return nil, net.UnknownNetworkError("no upstream")
	}
	backendAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, err
	}
	backendConn, err := net.DialUDP("udp", nil, backendAddr)
	if err != nil {
		if b.registry != nil {
			b.registry.RecordFail(addr)
		}
		return nil, err
	}
	if b.registry != nil {
		b.registry.RecordRise(addr)
	}

	sess = &udpSession{backend: backendConn, lastAt: time.Now()}
	b.mu.Lock()
	b.sessions[key] = sess
	b.mu.Unlock()

	go b.pumpReplies(front, from, key, backendConn)
	return sess, nil
}

func (b *UDPBalancer) pumpReplies(front *net.UDPConn, client *net.UDPAddr, key string, backend *net.UDPConn) {
	buf := make([]byte, 65535)
	for {
		backend.SetReadDeadline(time.Now().Add(udpSessionIdle))
		n, err := backend.Read(buf)
		if err != nil {
			b.dropSession(key, backend)
			return
		}
		if _, err := front.WriteToUDP(buf[:n], client); err != nil {
			b.dropSession(key, backend)
			return
		}
		b.touch(key)
	}
}

func (b *UDPBalancer) touch(key string) {
	b.mu.Lock()
	if sess, ok := b.sessions[key]; ok {
		sess.lastAt = time.Now()
	}
	b.mu.Unlock()
}

func (b *UDPBalancer) dropSession(key string, backend *net.UDPConn) {
	backend.Close()
	b.mu.Lock()
	delete(b.sessions, key)
	b.mu.Unlock()
}

func (b *UDPBalancer) reapIdle(ctx context.Context) {
	ticker := time.NewTicker(udpSessionIdle)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		cutoff := time.Now().Add(-udpSessionIdle)
		b.mu.Lock()
		for key, sess := range b.sessions {
			if sess.lastAt.Before(cutoff) {
				sess.backend.Close()
				delete(b.sessions, key)
			}
		}
		b.mu.Unlock()
	}
}
