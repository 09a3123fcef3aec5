// Package crypto provides the AES primitives edgefabric uses outside
// TLS: deriving a fixed-size key from a configured shared secret, and
// a streaming AES-CTR reader/writer pair for the tunnel's optional
// payload obfuscation layer. Adapted from the teacher's
// pkg/crypto/crypto.go, which uses the same primitives to encrypt its
// own HTTP-tunnel payload bodies.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"
)

// DeriveKey hashes secret into a 32-byte AES-256 key.
func DeriveKey(secret string) [32]byte {
	return sha256.Sum256([]byte(secret))
}

// NewGCM builds an AEAD cipher from secret, used where a single
// sealed message (rather than a continuous stream) needs
// authenticated encryption.
func NewGCM(secret string) (cipher.AEAD, error) {
	key := DeriveKey(secret)
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// Encrypt seals plaintext under secret, prepending the nonce to the
// returned ciphertext.
func Encrypt(secret string, plaintext []byte) ([]byte, error) {
	gcm, err := NewGCM(secret)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

// Decrypt opens ciphertext produced by Encrypt under secret.
func Decrypt(secret string, ciphertext []byte) ([]byte, error) {
	gcm, err := NewGCM(secret)
	if err != nil {
		return nil, err
	}
	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, fmt.Errorf("crypto: ciphertext too short")
	}
	nonce, body := ciphertext[:nonceSize], ciphertext[nonceSize:]
	return gcm.Open(nil, nonce, body, nil)
}

// CryptoWriter XORs every write through an AES-CTR keystream before
// forwarding it to w.
type CryptoWriter struct {
	w      io.Writer
	stream cipher.Stream
}

// NewCryptoWriterWithKey builds a CryptoWriter. iv must be
// aes.BlockSize long.
func NewCryptoWriterWithKey(w io.Writer, key [32]byte, iv []byte) (*CryptoWriter, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("crypto: iv length must be %d", aes.BlockSize)
	}
	return &CryptoWriter{w: w, stream: cipher.NewCTR(block, iv)}, nil
}

func (cw *CryptoWriter) Write(p []byte) (int, error) {
	out := make([]byte, len(p))
	cw.stream.XORKeyStream(out, p)
	return cw.w.Write(out)
}

// CryptoReader reverses CryptoWriter's keystream on every read.
type CryptoReader struct {
	r      io.Reader
	stream cipher.Stream
}

// NewCryptoReaderWithKey builds a CryptoReader. iv must be
// aes.BlockSize long and must match the peer's write-side IV.
func NewCryptoReaderWithKey(r io.Reader, key [32]byte, iv []byte) (*CryptoReader, error) {
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("crypto: iv length must be %d", aes.BlockSize)
	}
	return &CryptoReader{r: r, stream: cipher.NewCTR(block, iv)}, nil
}

func (cr *CryptoReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	if n > 0 {
		cr.stream.XORKeyStream(p[:n], p[:n])
	}
	return n, err
}
