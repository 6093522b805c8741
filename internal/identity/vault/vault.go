// Package vault provides the opaque cryptographic capabilities the identity
// store depends on: seal (multi-pass encryption), one-way hash, and wipe.
// Callers treat these as primitives; scheme details never leak upward.
package vault

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// sealPasses is the number of independent encryption passes applied to the
// real identity reference ("triple-wrap"). Compromise of any two keys still
// leaves one intact layer.
const sealPasses = 3

// Sealer wraps plaintext under multiple independent AEAD passes.
type Sealer struct {
	keys [sealPasses][]byte
}

// NewSealer derives the pass keys from a master secret. Each pass key comes
// from an independent HKDF info label, so no pass key reveals another.
func NewSealer(masterSecret []byte) (*Sealer, error) {
	if len(masterSecret) == 0 {
		return nil, fmt.Errorf("master secret is required")
	}
	s := &Sealer{}
	for i := 0; i < sealPasses; i++ {
		key := make([]byte, chacha20poly1305.KeySize)
		r := hkdf.New(sha256.New, masterSecret, nil, []byte(fmt.Sprintf("veil-seal-pass-%d", i)))
		if _, err := io.ReadFull(r, key); err != nil {
			return nil, fmt.Errorf("derive pass key %d: %w", i, err)
		}
		s.keys[i] = key
	}
	return s, nil
}

// Seal applies every pass in order, innermost first. Each pass prepends its
// own random nonce.
func (s *Sealer) Seal(plaintext []byte) ([]byte, error) {
	buf := plaintext
	for i := 0; i < sealPasses; i++ {
		aead, err := chacha20poly1305.NewX(s.keys[i])
		if err != nil {
			return nil, fmt.Errorf("init pass %d: %w", i, err)
		}
		nonce := make([]byte, aead.NonceSize())
		if _, err := rand.Read(nonce); err != nil {
			return nil, fmt.Errorf("nonce pass %d: %w", i, err)
		}
		buf = aead.Seal(nonce, nonce, buf, nil)
	}
	return buf, nil
}

// Open reverses Seal, outermost pass first. It exists for the emergency
// disclosure path only; routine operation never opens the secured layer.
func (s *Sealer) Open(ciphertext []byte) ([]byte, error) {
	buf := ciphertext
	for i := sealPasses - 1; i >= 0; i-- {
		aead, err := chacha20poly1305.NewX(s.keys[i])
		if err != nil {
			return nil, fmt.Errorf("init pass %d: %w", i, err)
		}
		if len(buf) < aead.NonceSize() {
			return nil, fmt.Errorf("ciphertext too short at pass %d", i)
		}
		nonce, body := buf[:aead.NonceSize()], buf[aead.NonceSize():]
		buf, err = aead.Open(nil, nonce, body, nil)
		if err != nil {
			return nil, fmt.Errorf("open pass %d: %w", i, err)
		}
	}
	return buf, nil
}

// HashBiometric one-way hashes a biometric sample. Argon2id parameters follow
// the library's current recommendation; the output is not reversible and two
// identities with the same sample produce different digests via the salt.
func HashBiometric(sample, salt []byte) []byte {
	return argon2.IDKey(sample, salt, 1, 64*1024, 4, 32)
}

// NewSalt returns a random per-identity salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	return salt, nil
}

// Wipe overwrites the buffer so the plaintext cannot be recovered from this
// copy. Idempotent: wiping an already-wiped or empty buffer is a no-op.
func Wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
