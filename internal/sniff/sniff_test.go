package sniff

import (
	"context"
	"io"
	"net"
	"testing"
)

func TestSniffClassifiesSocks5(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go a.Write([]byte{0x05, 0x01, 0x00})

	pc := NewPeekConn(b)
	proto, err := Sniff(context.Background(), pc)
	if err != nil {
		t.Fatal(err)
	}
	if proto != ProtoSOCKS5 {
		t.Fatalf("got %v, want ProtoSOCKS5", proto)
	}

	// The peeked byte must still be readable by whatever consumes the
	// connection next (non-destructive rejection/peek).
	buf := make([]byte, 3)
	if _, err := io.ReadFull(pc, buf); err != nil {
		t.Fatal(err)
	}
	if buf[0] != 0x05 {
		t.Fatalf("peeked byte was consumed: got %v", buf)
	}
}

func TestSniffClassifiesHTTP(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go a.Write([]byte("GET / HTTP/1.1\r\n"))

	pc := NewPeekConn(b)
	proto, err := Sniff(context.Background(), pc)
	if err != nil {
		t.Fatal(err)
	}
	if proto != ProtoHTTP {
		t.Fatalf("got %v, want ProtoHTTP", proto)
	}
}

func TestSniffFallsThroughToRawTCP(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	go a.Write([]byte{0xFF, 0x00, 0x00})

	pc := NewPeekConn(b)
	proto, err := Sniff(context.Background(), pc)
	if err != nil {
		t.Fatal(err)
	}
	if proto != ProtoRawTCP {
		t.Fatalf("got %v, want ProtoRawTCP for an unrecognized byte", proto)
	}
}
