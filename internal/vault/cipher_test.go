package vault

import (
	"encoding/base64"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCipher(t *testing.T, secret string) *Cipher {
	t.Helper()
	key, err := DeriveKey(secret)
	require.NoError(t, err)
	c, err := NewCipher(key)
	require.NoError(t, err)
	return c
}

func TestCipher_RoundTrip(t *testing.T) {
	c := newTestCipher(t, "vault-key")

	for _, plain := range []string{"sk_test_51abc", "", "ünïcødé ✓", strings.Repeat("x", 4096)} {
		env, err := c.Encrypt(plain)
		require.NoError(t, err)
		assert.Equal(t, envelopeAlg, env.Alg)

		got, err := c.Decrypt(env)
		require.NoError(t, err)
		assert.Equal(t, plain, got)
	}
}

func TestCipher_FreshIVPerEncryption(t *testing.T) {
	c := newTestCipher(t, "vault-key")

	a, err := c.Encrypt("sk_test_same")
	require.NoError(t, err)
	b, err := c.Encrypt("sk_test_same")
	require.NoError(t, err)

	assert.NotEqual(t, a.IV, b.IV)
	assert.NotEqual(t, a.Ciphertext, b.Ciphertext)
}

func TestCipher_DecryptFailures(t *testing.T) {
	c := newTestCipher(t, "vault-key")
	other := newTestCipher(t, "another-key")

	valid, err := c.Encrypt("sk_live_secret")
	require.NoError(t, err)

	tampered := valid
	raw, _ := base64.StdEncoding.DecodeString(valid.Ciphertext)
	raw[0] ^= 0xff
	tampered.Ciphertext = base64.StdEncoding.EncodeToString(raw)

	tests := []struct {
		name string
		env  Envelope
	}{
		{name: "iv not base64", env: Envelope{IV: "***", Ciphertext: valid.Ciphertext}},
		{name: "iv wrong length", env: Envelope{IV: base64.StdEncoding.EncodeToString([]byte("short")), Ciphertext: valid.Ciphertext}},
		{name: "ciphertext not base64", env: Envelope{IV: valid.IV, Ciphertext: "%%%"}},
		{name: "ciphertext too short", env: Envelope{IV: valid.IV, Ciphertext: base64.StdEncoding.EncodeToString([]byte("abc"))}},
		{name: "tampered", env: tampered},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decrypt(tt.env)
			require.ErrorIs(t, err, ErrDecryption)
			var decErr *DecryptionError
			assert.ErrorAs(t, err, &decErr)
		})
	}

	t.Run("foreign key", func(t *testing.T) {
		_, err := other.Decrypt(valid)
		require.ErrorIs(t, err, ErrDecryption)
	})
}

func TestParseEnvelope(t *testing.T) {
	c := newTestCipher(t, "vault-key")
	env, err := c.Encrypt("value")
	require.NoError(t, err)

	parsed, ok := ParseEnvelope(env.String())
	require.True(t, ok)
	assert.Equal(t, env, parsed)

	legacy, ok := ParseEnvelope(`{"iv":"aXY=","ciphertext":"Y3Q="}`)
	assert.True(t, ok, "envelopes without alg are accepted")
	assert.Empty(t, legacy.Alg)

	for _, stored := range []string{
		"sk_test_plaintext",
		"",
		"{not json}",
		`{"iv":"aXY="}`,
		`{"alg":"rot13","iv":"aXY=","ciphertext":"Y3Q="}`,
		`["iv","ciphertext"]`,
	} {
		_, ok := ParseEnvelope(stored)
		assert.False(t, ok, stored)
	}
}

func TestKeyFromSecrets(t *testing.T) {
	key, degraded, err := KeyFromSecrets("vault-key", "session")
	require.NoError(t, err)
	assert.False(t, degraded)
	assert.Len(t, key, keySize)

	fallback, degraded, err := KeyFromSecrets("", "session")
	require.NoError(t, err)
	assert.True(t, degraded)
	assert.NotEqual(t, key, fallback)

	again, _, err := KeyFromSecrets("vault-key", "")
	require.NoError(t, err)
	assert.Equal(t, key, again, "derivation is deterministic")

	_, _, err = KeyFromSecrets("", "")
	assert.ErrorIs(t, err, ErrNoKeyMaterial)
}

func TestNewCipher_KeySize(t *testing.T) {
	_, err := NewCipher(make([]byte, 16))
	assert.Error(t, err)
}
