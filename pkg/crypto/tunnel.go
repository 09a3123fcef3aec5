package crypto

import (
	"crypto/aes"
	"crypto/rand"
	"fmt"
	"io"
	"net"
)

// obfConn layers an AES-CTR keystream over an already-connected
// net.Conn, used when the tunnel runs without TLS and obfuscation is
// enabled; the configured password is the shared secret.
type obfConn struct {
	net.Conn
	r *CryptoReader
	w *CryptoWriter
}

// Wrap performs a plaintext IV handshake (each side sends its own
// random IV while reading the peer's, so an unbuffered conn such as
// net.Pipe does not deadlock) and returns conn wrapped in
// independent AES-CTR streams for each direction.
func Wrap(conn net.Conn, secret string) (net.Conn, error) {
	key := DeriveKey(secret)

	localIV := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, localIV); err != nil {
		return nil, fmt.Errorf("crypto: generate iv: %w", err)
	}
	sent := make(chan error, 1)
	go func() {
		_, err := conn.Write(localIV)
		sent <- err
	}()

	peerIV := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(conn, peerIV); err != nil {
		return nil, fmt.Errorf("crypto: read peer iv: %w", err)
	}
	if err := <-sent; err != nil {
		return nil, fmt.Errorf("crypto: send iv: %w", err)
	}

	w, err := NewCryptoWriterWithKey(conn, key, localIV)
	if err != nil {
		return nil, err
	}
	r, err := NewCryptoReaderWithKey(conn, key, peerIV)
	if err != nil {
		return nil, err
	}
	return &obfConn{Conn: conn, r: r, w: w}, nil
}

func (c *obfConn) Read(p []byte) (int, error)  { return c.r.Read(p) }
func (c *obfConn) Write(p []byte) (int, error) { return c.w.Write(p) }
