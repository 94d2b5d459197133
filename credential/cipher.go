package credential

import (
	"crypto/rand"
	"encoding/base64"
	"strings"

	"golang.org/x/crypto/chacha20poly1305"

	"github.com/emberworks/cadent/errors"
)

// cipherPrefix versions the at-rest token format so a future scheme can
// coexist with rows written under this one.
const cipherPrefix = "enc1:"

// TokenCipher encrypts tokens before they reach the credentials table.
// The zero key configuration degrades to plaintext passthrough so
// development setups work without key management.
type TokenCipher interface {
	Seal(plaintext string) (string, error)
	Open(stored string) (string, error)
}

// NewTokenCipher returns an AEAD cipher when key is non-empty, or the
// passthrough cipher otherwise. The key must be exactly 32 bytes.
func NewTokenCipher(key []byte) (TokenCipher, error) {
	if len(key) == 0 {
		return noopCipher{}, nil
	}
	if len(key) != chacha20poly1305.KeySize {
		return nil, errors.Newf("encryption key must be %d bytes, got %d", chacha20poly1305.KeySize, len(key))
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "failed to construct AEAD")
	}
	return &aeadCipher{aead: aead}, nil
}

type noopCipher struct{}

func (noopCipher) Seal(plaintext string) (string, error) { return plaintext, nil }

func (noopCipher) Open(stored string) (string, error) {
	if strings.HasPrefix(stored, cipherPrefix) {
		return "", errors.New("stored token is encrypted but no key is configured")
	}
	return stored, nil
}

type aeadCipher struct {
	aead interface {
		Seal(dst, nonce, plaintext, additionalData []byte) []byte
		Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
		NonceSize() int
	}
}

func (c *aeadCipher) Seal(plaintext string) (string, error) {
	if plaintext == "" {
		return "", nil
	}

	nonce := make([]byte, c.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", errors.Wrap(err, "failed to generate nonce")
	}

	sealed := c.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return cipherPrefix + base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *aeadCipher) Open(stored string) (string, error) {
	if stored == "" {
		return "", nil
	}
	if !strings.HasPrefix(stored, cipherPrefix) {
		// Row written before encryption was enabled
		return stored, nil
	}

	raw, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(stored, cipherPrefix))
	if err != nil {
		return "", errors.Wrap(err, "failed to decode stored token")
	}
	nonceSize := c.aead.NonceSize()
	if len(raw) < nonceSize {
		return "", errors.New("stored token is truncated")
	}

	plaintext, err := c.aead.Open(nil, raw[:nonceSize], raw[nonceSize:], nil)
	if err != nil {
		return "", errors.Wrap(err, "failed to decrypt stored token")
	}
	return string(plaintext), nil
}
