// Package stream implements the virtual stream that bridges a single
// logical tunnel stream (spec.md §3 Virtual stream, §4.7) onto the
// plain io.ReadWriteCloser contract the proxy engines already speak.
// It is grounded on the original implementation's VirtualStream
// (original_source/src/virtual_stream.rs), which pumps ProtFrame
// values through an AsyncRead/AsyncWrite adapter backed by a
// buffered bytes. That poll-based, single-task design translates
// here into a goroutine-free adapter over an inbound channel and a
// Sender: Read drains an internal buffer fed by inbound Data frames,
// Write hands payload bytes straight to the Sender as Data frames.
package stream

import (
	"bytes"
	"io"
	"sync"

	"github.com/paulguzu/edgefabric/internal/frame"
)

// Sender is the narrow outbound half of a tunnel peer a VirtualStream
// needs: enqueue one frame, addressed by the peer's own routing.
type Sender interface {
	Send(f *frame.Frame) error
}

// VirtualStream is one multiplexed logical connection carried inside
// a tunnel. The id is this stream's sock_map; parity of the id
// (client allocates odd, server allocates even) is the caller's
// responsibility, not this type's (spec.md §4.7 invariant).
type VirtualStream struct {
	id     uint32
	sender Sender

	inbound chan *frame.Frame

	mu       sync.Mutex
	readBuf  bytes.Buffer
	eof      bool
	closed   bool
	closeCh  chan struct{}
	closeErr error
}

// New builds a VirtualStream with the given id, sending Data/Close
// frames through sender and receiving frames the caller pushes in via
// Deliver (normally the tunnel peer's demux loop).
func New(id uint32, sender Sender) *VirtualStream {
	return &VirtualStream{
		id:      id,
		sender:  sender,
		inbound: make(chan *frame.Frame, 64),
		closeCh: make(chan struct{}),
	}
}

// ID returns the stream's sock_map.
func (v *VirtualStream) ID() uint32 { return v.id }

// Deliver hands one inbound frame addressed to this stream to the
// stream's reader. It is called by the tunnel's demultiplexing loop,
// never by the stream's own consumer.
func (v *VirtualStream) Deliver(f *frame.Frame) {
	select {
	case v.inbound <- f:
	case <-v.closeCh:
	}
}

// Read implements io.Reader, draining buffered Data payloads and
// blocking for more frames when empty. A Close frame or a closed
// stream surfaces as io.EOF, matching the original's Ok(()) on a
// close/create frame or a torn-down receiver.
func (v *VirtualStream) Read(p []byte) (int, error) {
	for {
		v.mu.Lock()
		if v.readBuf.Len() > 0 {
			n, _ := v.readBuf.Read(p)
			v.mu.Unlock()
			return n, nil
		}
		if v.eof {
			err := v.closeErr
			v.mu.Unlock()
			if err == nil {
				err = io.EOF
			}
			return 0, err
		}
		v.mu.Unlock()

		select {
		case f, ok := <-v.inbound:
			if !ok {
				v.markEOF(nil)
				continue
			}
			switch f.Kind {
			case frame.KindData:
				v.mu.Lock()
				v.readBuf.Write(f.Payload)
				v.mu.Unlock()
			case frame.KindClose, frame.KindCreate:
				v.markEOF(nil)
			default:
				// Mapping/Token frames never reach a stream's own
				// inbound queue; ignore anything unexpected rather
				// than failing the read.
			}
		case <-v.closeCh:
			v.markEOF(nil)
		}
	}
}

func (v *VirtualStream) markEOF(err error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if !v.eof {
		v.eof = true
		v.closeErr = err
	}
}

// Write implements io.Writer by wrapping p in a Data frame and
// enqueuing it on the sender. It copies p since the caller may reuse
// its buffer once Write returns.
func (v *VirtualStream) Write(p []byte) (int, error) {
	v.mu.Lock()
	closed := v.closed
	v.mu.Unlock()
	if closed {
		return 0, io.ErrClosedPipe
	}
	payload := make([]byte, len(p))
	copy(payload, p)
	if err := v.sender.Send(frame.EncodeData(v.id, payload)); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a Close frame for this stream (best effort) and tears
// down the local read side.
func (v *VirtualStream) Close() error {
	v.mu.Lock()
	if v.closed {
		v.mu.Unlock()
		return nil
	}
	v.closed = true
	v.mu.Unlock()

	close(v.closeCh)
	f, err := frame.EncodeClose(v.id, "")
	if err != nil {
		return err
	}
	return v.sender.Send(f)
}
