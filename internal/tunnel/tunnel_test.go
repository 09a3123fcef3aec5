package tunnel

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/paulguzu/edgefabric/internal/config"
	"github.com/paulguzu/edgefabric/internal/frame"
	"github.com/paulguzu/edgefabric/internal/stream"
)

func TestClientAndServerAllocateDisjointIDParity(t *testing.T) {
	c := NewClient("unused:0", nil, config.Credentials{}, false, nil, nil, nil)
	for i, want := range []uint32{1, 3, 5, 7} {
		if got := c.allocID(); got != want {
			t.Fatalf("client id #%d: got %d, want %d", i, got, want)
		}
	}

	s := NewServer(config.Credentials{}, nil, false, nil)
	for i, want := range []uint32{2, 4, 6, 8} {
		if got := s.allocID(); got != want {
			t.Fatalf("server id #%d: got %d, want %d", i, got, want)
		}
	}
}

func TestPeerDeliversDataFrameToRegisteredStream(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	var got []byte
	done := make(chan struct{})

	serverPeer := NewPeer(b, Handlers{}, nil)
	go serverPeer.Run()
	defer serverPeer.Close()

	clientPeer := NewPeer(a, Handlers{}, nil)
	go clientPeer.Run()
	defer clientPeer.Close()

	vs := clientPeer.NewStream(1)
	go func() {
		buf := make([]byte, 32)
		n, _ := vs.Read(buf)
		got = buf[:n]
		close(done)
	}()

	f := frame.EncodeData(1, []byte("ping"))
	buf, err := frame.Encode(nil, f)
	if err != nil {
		t.Fatal(err)
	}
	// Mirror the client's registered stream id on the far end so the
	// reply addresses the same sock_map.
	if _, err := b.Write(buf); err != nil {
		t.Fatal(err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivered frame")
	}
	if string(got) != "ping" {
		t.Fatalf("got %q, want %q", got, "ping")
	}
}

func TestTunnelCloseZeroSockMapInvokesOnTunnelClose(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	var mu sync.Mutex
	var reason string
	closed := make(chan struct{})

	clientPeer := NewPeer(a, Handlers{
		OnTunnelClose: func(r string) {
			mu.Lock()
			reason = r
			mu.Unlock()
			close(closed)
		},
	}, nil)
	go clientPeer.Run()
	defer clientPeer.Close()

	serverPeer := NewPeer(b, Handlers{}, nil)
	go serverPeer.Run()
	defer serverPeer.Close()

	if err := serverPeer.CloseTunnel("server shutting down"); err != nil {
		t.Fatal(err)
	}

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for tunnel close")
	}
	mu.Lock()
	defer mu.Unlock()
	if reason != "server shutting down" {
		t.Fatalf("got reason %q", reason)
	}
}

func TestPeerCloseTearsDownAllRegisteredStreams(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	peer := NewPeer(a, Handlers{}, nil)
	go peer.Run()
	go func() {
		buf := make([]byte, 4096)
		for {
			if _, err := b.Read(buf); err != nil {
				return
			}
		}
	}()

	vs1 := peer.NewStream(1)
	vs2 := peer.NewStream(3)

	peer.Close()

	for _, vs := range []*stream.VirtualStream{vs1, vs2} {
		buf := make([]byte, 4)
		_, err := vs.Read(buf)
		if err == nil {
			t.Fatal("expected closed stream reads to end")
		}
	}

	if err := peer.Send(frame.EncodeData(1, []byte("x"))); err == nil {
		t.Fatal("expected send on closed peer to fail")
	}
}

func TestClientOpenStreamWithoutConnectionFails(t *testing.T) {
	c := NewClient("unused:0", nil, config.Credentials{}, false, nil, nil, nil)
	if _, err := c.OpenStream(0, "example.invalid"); err == nil {
		t.Fatal("expected error opening a stream before connecting")
	}
}

func TestServerClosesTunnelOnTokenMismatch(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	s := NewServer(config.Credentials{Username: "u", Password: "p"}, nil, false, nil)
	sess := &ConnSession{}
	peer := NewPeer(b, Handlers{}, nil)
	peer.role = "server"
	sess.peer = peer
	runDone := make(chan struct{})
	go func() {
		peer.Run()
		close(runDone)
	}()

	clientPeer := NewPeer(a, Handlers{}, nil)
	go clientPeer.Run()
	defer clientPeer.Close()

	s.handleToken(sess, frame.TokenPayload{Username: "u", Password: "wrong"})

	if sess.isVerified() {
		t.Fatal("expected verification to fail on password mismatch")
	}

	select {
	case <-runDone:
	case <-time.After(2 * time.Second):
		t.Fatal("expected server to close the tunnel on token mismatch")
	}
}

func TestServerSessionForUnknownDomain(t *testing.T) {
	s := NewServer(config.Credentials{}, nil, false, nil)
	if _, ok := s.SessionFor("nowhere.invalid"); ok {
		t.Fatal("expected no session for an unregistered domain")
	}
}
