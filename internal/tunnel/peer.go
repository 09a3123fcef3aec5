// Package tunnel implements the reverse-tunnel fabric: a multiplexed
// connection between a client peer (behind NAT, running local
// services) and a server peer (publicly reachable), carrying many
// logical virtual streams over the frame codec (spec.md §3 Tunnel
// fabric, §4.7-§4.9). It is grounded on the original implementation's
// CenterClient/CenterServer pair (original_source/src/streams) for
// the overall shape, on the pack's ekaya-inc tunnel client for the
// reconnect/status state machine, and on the smux session's
// single-writer idea for how one physical connection serves many
// logical streams without an outbound data race. Here that is one
// write mutex in Send: frames go out in the order writers acquire it,
// with no priority between frame kinds.
package tunnel

import (
	"bufio"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
	"github.com/paulguzu/edgefabric/internal/frame"
	"github.com/paulguzu/edgefabric/internal/metrics"
	"github.com/paulguzu/edgefabric/internal/stream"
	"go.uber.org/zap"
)

// Handlers are the peer-role-specific reactions to control frames.
// Both CreatePayload direction and Mapping/Token frame meaning differ
// between client and server, so Peer dispatches to whichever role
// wired these in.
type Handlers struct {
	// OnCreate fires when a Create frame requests a new virtual
	// stream. The handler owns bridging the stream to whatever local
	// or remote endpoint it represents; the Peer drops the stream from
	// its table when the remote side's Close frame for it arrives or
	// when the Peer itself is closed.
	OnCreate func(vs *stream.VirtualStream, p frame.CreatePayload)
	// OnMapping fires when a Mapping frame arrives (server receiving a
	// client's declared mappings).
	OnMapping func(p frame.MappingPayload)
	// OnToken fires when a Token frame arrives (server authenticating
	// a connecting client).
	OnToken func(p frame.TokenPayload)
	// OnTunnelClose fires on a sock_map==0 Close frame, which tears
	// down the whole tunnel (spec.md §3 invariant).
	OnTunnelClose func(reason string)
}

// Peer runs the frame-level read/write loop for one physical tunnel
// connection and owns the logical stream table multiplexed over it.
type Peer struct {
	conn      io.ReadWriteCloser
	log       *zap.Logger
	role      string // "client" or "server"; labels the ActiveStreams gauge
	sessionID string // correlation id for this physical connection's lifetime, carried in every log line

	writeMu sync.Mutex

	mu      sync.Mutex
	streams map[uint32]*stream.VirtualStream

	handlers Handlers
}

// NewPeer wraps conn as a tunnel peer. handlers must be fully
// populated before calling Run. Each Peer gets a fresh session id so
// logs from one physical connection's connect/reconnect/disconnect
// sequence can be correlated even across a client's repeated
// reconnect attempts (spec.md §4.8/§4.9 lifecycle).
func NewPeer(conn io.ReadWriteCloser, handlers Handlers, log *zap.Logger) *Peer {
	if log == nil {
		log = zap.NewNop()
	}
	sessionID := uuid.NewString()
	return &Peer{
		conn:      conn,
		log:       log.With(zap.String("session", sessionID)),
		sessionID: sessionID,
		streams:   make(map[uint32]*stream.VirtualStream),
		handlers:  handlers,
	}
}

// SessionID returns this peer's correlation id.
func (p *Peer) SessionID() string { return p.sessionID }

// Send implements stream.Sender: it encodes and writes one frame,
// serialized against concurrent writers from other virtual streams
// (spec.md §4.7: one physical connection, many logical streams).
func (p *Peer) Send(f *frame.Frame) error {
	buf, err := frame.Encode(nil, f)
	if err != nil {
		return err
	}
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	_, err = p.conn.Write(buf)
	return err
}

// NewStream registers and returns a fresh virtual stream for id. The
// caller picks id (parity depends on which peer is allocating it,
// spec.md §4.7 invariant: client allocates odd ids, server even).
func (p *Peer) NewStream(id uint32) *stream.VirtualStream {
	vs := stream.New(id, p)
	p.mu.Lock()
	p.streams[id] = vs
	p.mu.Unlock()
	metrics.ActiveStreams.WithLabelValues(p.role).Inc()
	return vs
}

// RemoveStream drops id from the stream table. Safe to call more than
// once.
func (p *Peer) RemoveStream(id uint32) {
	p.mu.Lock()
	_, existed := p.streams[id]
	delete(p.streams, id)
	p.mu.Unlock()
	if existed {
		metrics.ActiveStreams.WithLabelValues(p.role).Dec()
	}
}

func (p *Peer) lookupStream(id uint32) (*stream.VirtualStream, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	vs, ok := p.streams[id]
	return vs, ok
}

// Close tears down every live stream and the underlying connection.
func (p *Peer) Close() error {
	p.mu.Lock()
	streams := make([]*stream.VirtualStream, 0, len(p.streams))
	for _, vs := range p.streams {
		streams = append(streams, vs)
	}
	p.streams = make(map[uint32]*stream.VirtualStream)
	p.mu.Unlock()

	if n := len(streams); n > 0 {
		metrics.ActiveStreams.WithLabelValues(p.role).Sub(float64(n))
	}
	for _, vs := range streams {
		vs.Close()
	}
	return p.conn.Close()
}

// Run reads frames off the connection until it errors or EOFs,
// dispatching each to the stream table or to Handlers. It blocks
// until the connection is torn down.
func (p *Peer) Run() error {
	r := bufio.NewReaderSize(p.conn, 64*1024)
	var carry []byte

	for {
		f, consumed, err := p.decodeNext(r, &carry)
		if err != nil {
			return err
		}
		if f == nil {
			return io.ErrUnexpectedEOF
		}
		_ = consumed
		p.dispatch(f)
	}
}

// decodeNext reads from r, appending to carry, until one full frame
// can be decoded. This plays the role of the original's incremental
// BinaryMut buffer: frame.Decode already tolerates partial input by
// returning a nil frame, so the loop just keeps pulling more bytes.
func (p *Peer) decodeNext(r *bufio.Reader, carry *[]byte) (*frame.Frame, int, error) {
	chunk := make([]byte, 32*1024)
	for {
		f, n, err := frame.Decode(*carry)
		if err != nil {
			return nil, 0, err
		}
		if f != nil {
			*carry = (*carry)[n:]
			return f, n, nil
		}
		read, err := r.Read(chunk)
		if read > 0 {
			*carry = append(*carry, chunk[:read]...)
		}
		if err != nil {
			if read > 0 {
				continue
			}
			return nil, 0, err
		}
	}
}

func (p *Peer) dispatch(f *frame.Frame) {
	switch f.Kind {
	case frame.KindData:
		vs, ok := p.lookupStream(f.SockMap)
		if !ok {
			return
		}
		vs.Deliver(f)

	case frame.KindCreate:
		cp, err := frame.DecodeCreate(f)
		if err != nil {
			p.log.Warn("malformed create frame", zap.Error(err))
			return
		}
		vs := p.NewStream(f.SockMap)
		if p.handlers.OnCreate != nil {
			go p.handlers.OnCreate(vs, cp)
		}

	case frame.KindClose:
		cp, _ := frame.DecodeClose(f)
		if f.SockMap == 0 {
			if p.handlers.OnTunnelClose != nil {
				p.handlers.OnTunnelClose(cp.Reason)
			}
			return
		}
		if vs, ok := p.lookupStream(f.SockMap); ok {
			vs.Deliver(f)
			p.RemoveStream(f.SockMap)
		}

	case frame.KindMapping:
		mp, err := frame.DecodeMapping(f)
		if err != nil {
			p.log.Warn("malformed mapping frame", zap.Error(err))
			return
		}
		if p.handlers.OnMapping != nil {
			p.handlers.OnMapping(mp)
		}

	case frame.KindToken:
		tp, err := frame.DecodeToken(f)
		if err != nil {
			p.log.Warn("malformed token frame", zap.Error(err))
			return
		}
		if p.handlers.OnToken != nil {
			p.handlers.OnToken(tp)
		}

	default:
		p.log.Warn("unknown frame kind", zap.Uint8("kind", uint8(f.Kind)))
	}
}

// CloseStream sends a Close frame for id and drops it from the table.
func (p *Peer) CloseStream(id uint32, reason string) error {
	f, err := frame.EncodeClose(id, reason)
	if err != nil {
		return err
	}
	p.RemoveStream(id)
	return p.Send(f)
}

// CloseTunnel sends the sock_map==0 Close frame that terminates the
// whole tunnel (spec.md §3 invariant).
func (p *Peer) CloseTunnel(reason string) error {
	f, err := frame.EncodeClose(0, reason)
	if err != nil {
		return fmt.Errorf("tunnel: encode close: %w", err)
	}
	return p.Send(f)
}
