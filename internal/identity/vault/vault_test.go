package vault

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSealer_RoundTrip(t *testing.T) {
	sealer, err := NewSealer([]byte("test-master-secret"))
	require.NoError(t, err)

	plaintext := []byte("real-identity-ref-7781")
	sealed, err := sealer.Seal(plaintext)
	require.NoError(t, err)
	assert.NotContains(t, string(sealed), string(plaintext), "sealed form must not embed plaintext")

	opened, err := sealer.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestSealer_IndependentPasses(t *testing.T) {
	sealer, err := NewSealer([]byte("test-master-secret"))
	require.NoError(t, err)

	a, err := sealer.Seal([]byte("same input"))
	require.NoError(t, err)
	b, err := sealer.Seal([]byte("same input"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b, "fresh nonces per seal")
}

func TestSealer_RejectsEmptySecret(t *testing.T) {
	_, err := NewSealer(nil)
	require.Error(t, err)
}

func TestSealer_TamperedCiphertextFails(t *testing.T) {
	sealer, err := NewSealer([]byte("test-master-secret"))
	require.NoError(t, err)

	sealed, err := sealer.Seal([]byte("payload"))
	require.NoError(t, err)
	sealed[len(sealed)-1] ^= 0xff
	_, err = sealer.Open(sealed)
	require.Error(t, err)
}

func TestHashBiometric_OneWayAndSalted(t *testing.T) {
	sample := []byte("retina-scan-bytes")
	saltA := []byte("salt-a-16-bytes!")
	saltB := []byte("salt-b-16-bytes!")

	hashA := HashBiometric(sample, saltA)
	hashB := HashBiometric(sample, saltB)
	assert.NotEqual(t, hashA, hashB, "same sample, different salts, different digests")
	assert.Equal(t, hashA, HashBiometric(sample, saltA), "deterministic per salt")
	assert.NotContains(t, string(hashA), string(sample))
}

func TestWipe_Idempotent(t *testing.T) {
	buf := []byte("sensitive")
	Wipe(buf)
	assert.Equal(t, bytes.Repeat([]byte{0}, len(buf)), buf)
	Wipe(buf) // second wipe is a no-op, not an error
	Wipe(nil)
}

func TestAnonymizeDevice(t *testing.T) {
	sig := "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0 Safari/537.36"
	salt := []byte("device-salt")

	anon := AnonymizeDevice(sig, salt)
	assert.NotContains(t, anon, "Mozilla", "raw signature must not survive")
	assert.Equal(t, 3, len(strings.Split(anon, "/")), "platform/browser/digest shape")
	assert.Equal(t, anon, AnonymizeDevice(sig, salt), "stable for a returning device")
	assert.NotEqual(t, anon, AnonymizeDevice(sig, []byte("other-salt")))
}
