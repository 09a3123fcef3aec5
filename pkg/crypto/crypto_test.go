package crypto

import (
	"bytes"
	"net"
	"testing"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plaintext := []byte("edge fabric secret payload")
	ciphertext, err := Encrypt("shared-secret", plaintext)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Equal(ciphertext, plaintext) {
		t.Fatal("ciphertext must not equal plaintext")
	}
	got, err := Decrypt("shared-secret", ciphertext)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}
}

func TestDecryptWrongSecretFails(t *testing.T) {
	ciphertext, err := Encrypt("correct-secret", []byte("payload"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := Decrypt("wrong-secret", ciphertext); err == nil {
		t.Fatal("expected decryption under the wrong secret to fail")
	}
}

func TestWrapObfuscatesConnectionBothDirections(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()

	type result struct {
		conn net.Conn
		err  error
	}
	aCh := make(chan result, 1)
	bCh := make(chan result, 1)
	go func() {
		c, err := Wrap(a, "tunnel-secret")
		aCh <- result{c, err}
	}()
	go func() {
		c, err := Wrap(b, "tunnel-secret")
		bCh <- result{c, err}
	}()

	ra := <-aCh
	rb := <-bCh
	if ra.err != nil {
		t.Fatal(ra.err)
	}
	if rb.err != nil {
		t.Fatal(rb.err)
	}

	want := []byte("plaintext payload over an obfuscated pipe")
	go ra.conn.Write(want)

	got := make([]byte, len(want))
	if _, err := readFull(rb.conn, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func readFull(conn net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := conn.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
