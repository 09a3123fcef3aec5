package l4

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/paulguzu/edgefabric/internal/config"
	"github.com/paulguzu/edgefabric/internal/upstream"
)

func TestTCPBalancerRelaysByteIdentically(t *testing.T) {
	backendLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer backendLn.Close()

	want := []byte("round trip payload")
	go func() {
		conn, err := backendLn.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		buf := make([]byte, len(want))
		if _, err := conn.Read(buf); err != nil {
			return
		}
		conn.Write(buf)
	}()

	group := config.UpstreamGroup{Servers: []config.UpstreamServer{{Addr: backendLn.Addr().String(), Weight: 1}}}
	sel := upstream.NewSelector(group, nil)
	bal := NewTCPBalancer(sel, nil, 2*time.Second, nil)

	frontLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer frontLn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bal.Serve(ctx, frontLn)

	conn, err := net.Dial("tcp", frontLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	if _, err := conn.Write(want); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(want))
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestTCPBalancerNoUpstreamClosesConnection(t *testing.T) {
	sel := upstream.NewSelector(config.UpstreamGroup{}, nil)
	bal := NewTCPBalancer(sel, nil, time.Second, nil)

	frontLn, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer frontLn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bal.Serve(ctx, frontLn)

	conn, err := net.Dial("tcp", frontLn.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	buf := make([]byte, 1)
	if _, err := conn.Read(buf); err == nil {
		t.Fatal("expected connection to be closed when no upstream is available")
	}
}

func TestUDPBalancerRelaysDatagrams(t *testing.T) {
	backendAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	backend, err := net.ListenUDP("udp", backendAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer backend.Close()

	want := []byte("udp payload")
	go func() {
		buf := make([]byte, 1024)
		n, from, err := backend.ReadFromUDP(buf)
		if err != nil {
			return
		}
		backend.WriteToUDP(buf[:n], from)
	}()

	group := config.UpstreamGroup{Servers: []config.UpstreamServer{{Addr: backend.LocalAddr().String(), Weight: 1}}}
	sel := upstream.NewSelector(group, nil)
	bal := NewUDPBalancer(sel, nil, nil)

	frontAddr, err := net.ResolveUDPAddr("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	front, err := net.ListenUDP("udp", frontAddr)
	if err != nil {
		t.Fatal(err)
	}
	defer front.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bal.Serve(ctx, front)

	client, err := net.DialUDP("udp", nil, front.LocalAddr().(*net.UDPAddr))
	if err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	if _, err := client.Write(want); err != nil {
		t.Fatal(err)
	}
	got := make([]byte, len(want))
	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, err := client.Read(got)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:n], want) {
		t.Fatalf("got %q, want %q", got[:n], want)
	}
}
