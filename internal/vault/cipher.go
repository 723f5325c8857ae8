package vault

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/bytedance/sonic"
	"golang.org/x/crypto/hkdf"
)

const (
	envelopeAlg = "aes-256-gcm"
	keySize     = 32
)

var (
	// ErrDecryption matches every *DecryptionError.
	ErrDecryption = errors.New("vault: decryption failed")
	// ErrNoKeyMaterial is fatal at startup.
	ErrNoKeyMaterial = errors.New("vault: no key material configured")

	keySalt = []byte("terminal-orchestrator/vault")
	keyInfo = []byte("processor-credentials")
)

// DecryptionError reports an envelope that is malformed or was sealed under
// another key.
type DecryptionError struct {
	Reason string
	Err    error
}

func (e *DecryptionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("vault: decryption failed: %s: %v", e.Reason, e.Err)
	}
	return "vault: decryption failed: " + e.Reason
}

func (e *DecryptionError) Unwrap() error { return e.Err }

func (e *DecryptionError) Is(target error) bool { return target == ErrDecryption }

// Envelope is the at-rest form of an encrypted field.
type Envelope struct {
	Alg        string `json:"alg,omitempty"`
	IV         string `json:"iv"`
	Ciphertext string `json:"ciphertext"`
}

// String serializes the envelope for storage.
func (e Envelope) String() string {
	out, _ := sonic.MarshalString(e)
	return out
}

// ParseEnvelope recognizes a stored value shaped like an envelope. Anything
// else is plaintext.
func ParseEnvelope(stored string) (Envelope, bool) {
	s := strings.TrimSpace(stored)
	if !strings.HasPrefix(s, "{") || !strings.HasSuffix(s, "}") {
		return Envelope{}, false
	}
	var env Envelope
	if err := sonic.UnmarshalString(s, &env); err != nil {
		return Envelope{}, false
	}
	if env.IV == "" || env.Ciphertext == "" {
		return Envelope{}, false
	}
	if env.Alg != "" && env.Alg != envelopeAlg {
		return Envelope{}, false
	}
	return env, true
}

// Cipher seals and opens envelopes with AES-256-GCM.
type Cipher struct {
	aead cipher.AEAD
}

func NewCipher(key []byte) (*Cipher, error) {
	if len(key) != keySize {
		return nil, fmt.Errorf("vault: key must be %d bytes, got %d", keySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to create block cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("vault: failed to create GCM: %w", err)
	}
	return &Cipher{aead: aead}, nil
}

// DeriveKey stretches a configured secret into key material.
func DeriveKey(secret string) ([]byte, error) {
	if secret == "" {
		return nil, ErrNoKeyMaterial
	}
	key := make([]byte, keySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, []byte(secret), keySalt, keyInfo), key); err != nil {
		return nil, fmt.Errorf("vault: key derivation failed: %w", err)
	}
	return key, nil
}

// KeyFromSecrets prefers the dedicated vault key and falls back to another
// secret, reporting degraded=true when it had to.
func KeyFromSecrets(vaultKey, fallbackSecret string) (key []byte, degraded bool, err error) {
	if vaultKey != "" {
		key, err = DeriveKey(vaultKey)
		return key, false, err
	}
	if fallbackSecret != "" {
		key, err = DeriveKey(fallbackSecret)
		return key, true, err
	}
	return nil, false, ErrNoKeyMaterial
}

// Encrypt seals plaintext under a fresh random IV.
func (c *Cipher) Encrypt(plaintext string) (Envelope, error) {
	iv := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return Envelope{}, fmt.Errorf("vault: failed to generate iv: %w", err)
	}
	sealed := c.aead.Seal(nil, iv, []byte(plaintext), nil)
	return Envelope{
		Alg:        envelopeAlg,
		IV:         base64.StdEncoding.EncodeToString(iv),
		Ciphertext: base64.StdEncoding.EncodeToString(sealed),
	}, nil
}

// Decrypt opens env. Every failure is a *DecryptionError.
func (c *Cipher) Decrypt(env Envelope) (string, error) {
	iv, err := base64.StdEncoding.DecodeString(env.IV)
	if err != nil {
		return "", &DecryptionError{Reason: "iv is not base64", Err: err}
	}
	if len(iv) != c.aead.NonceSize() {
		return "", &DecryptionError{Reason: fmt.Sprintf("iv must be %d bytes, got %d", c.aead.NonceSize(), len(iv))}
	}
	sealed, err := base64.StdEncoding.DecodeString(env.Ciphertext)
	if err != nil {
		return "", &DecryptionError{Reason: "ciphertext is not base64", Err: err}
	}
	if len(sealed) < c.aead.Overhead() {
		return "", &DecryptionError{Reason: "ciphertext too short"}
	}
	plain, err := c.aead.Open(nil, iv, sealed, nil)
	if err != nil {
		return "", &DecryptionError{Reason: "authentication failed", Err: err}
	}
	return string(plain), nil
}
