// Package keys implements the per-record-file key derivation and AEAD
// envelope used to encrypt Record File payloads: a master key plus a
// file-specific prefix string are fed through HKDF to derive a data key,
// whose SHA-256 fingerprint is embedded in the file's header so a wrong key
// is detected without attempting a decrypt.
package keys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"sync/atomic"

	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// PleaseUnlockError is returned when an operation needs the master key but
// none has been supplied yet, mirroring the teacher's pattern of a typed
// error callers can match with errors.As instead of a sentinel string.
type PleaseUnlockError struct {
	Store string
}

func (e *PleaseUnlockError) Error() string {
	return fmt.Sprintf("keys: %s is locked, master key required", e.Store)
}

// FingerprintSize is the length, in bytes, of a key fingerprint.
const FingerprintSize = 8

// Derive produces a 32-byte data key from a master key and a file-specific
// info string (store.RecordFile passes "RecordFile:<ID>"), using HKDF
// with SHA-256.
func Derive(masterKey []byte, info string) ([]byte, error) {
	if len(masterKey) == 0 {
		return nil, &PleaseUnlockError{Store: info}
	}
	r := hkdf.New(sha256.New, masterKey, nil, []byte(info))
	dataKey := make([]byte, chacha20poly1305.KeySize)
	if _, err := io.ReadFull(r, dataKey); err != nil {
		return nil, fmt.Errorf("keys: derive: %w", err)
	}
	return dataKey, nil
}

// Fingerprint returns a short, non-secret identifier for dataKey, suitable
// for embedding in a file header so a reader can detect a wrong key before
// attempting any decryption.
func Fingerprint(dataKey []byte) []byte {
	sum := sha256.Sum256(append([]byte("moggie-fp:"), dataKey...))
	return sum[:FingerprintSize]
}

// Cipher is a derived-key AEAD envelope implementing dumbcode.AEAD and the
// Record File's per-record seal/open contract. It is safe for concurrent
// use; IV generation is lock-free via an atomic counter.
type Cipher struct {
	aead    dataAEAD
	counter uint64
	rand8   [8]byte
}

type dataAEAD interface {
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
	NonceSize() int
	Overhead() int
}

// NewCipher builds a Cipher from an already-derived data key (see Derive).
func NewCipher(dataKey []byte) (*Cipher, error) {
	aead, err := chacha20poly1305.New(dataKey)
	if err != nil {
		return nil, fmt.Errorf("keys: new cipher: %w", err)
	}
	c := &Cipher{aead: aead}
	if _, err := rand.Read(c.rand8[:]); err != nil {
		return nil, fmt.Errorf("keys: seeding nonce salt: %w", err)
	}
	return c, nil
}

// nextNonce mixes a monotonic counter with a random per-process salt so
// nonces never repeat for the lifetime of the Cipher even across process
// restarts with the same key, without needing persisted state.
func (c *Cipher) nextNonce() []byte {
	n := atomic.AddUint64(&c.counter, 1)
	nonce := make([]byte, chacha20poly1305.NonceSize)
	copy(nonce, c.rand8[:])
	binary.LittleEndian.PutUint32(nonce[8:], uint32(n))
	return nonce
}

// Seal encrypts plaintext, returning nonce||ciphertext||tag.
func (c *Cipher) Seal(plaintext []byte) ([]byte, error) {
	nonce := c.nextNonce()
	sealed := c.aead.Seal(nil, nonce, plaintext, nil)
	out := make([]byte, 0, len(nonce)+len(sealed))
	out = append(out, nonce...)
	out = append(out, sealed...)
	return out, nil
}

// Open reverses Seal.
func (c *Cipher) Open(sealed []byte) ([]byte, error) {
	n := c.aead.NonceSize()
	if len(sealed) < n {
		return nil, fmt.Errorf("keys: sealed payload too short")
	}
	nonce, ciphertext := sealed[:n], sealed[n:]
	plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("keys: open: authentication failed")
	}
	return plain, nil
}
