package security

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

	"github.com/fernet/fernet-go"
)

// ErrUndecryptable is returned when no configured key opens a ciphertext.
var ErrUndecryptable = errors.New("message text cannot be decrypted with the configured keys")

// TextCipher encrypts message text at rest. New ciphertexts use AES-256-GCM
// under a key derived from the configured secret; fernet tokens written with
// the secret or any legacy key remain readable.
type TextCipher struct {
	aead       cipher.AEAD
	fernetKeys []*fernet.Key
}

func NewTextCipher(secret string, legacyKeys []string) (*TextCipher, error) {
	if secret == "" {
		return nil, errors.New("encryption key must not be empty")
	}
	sum := sha256.Sum256([]byte(secret))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}

	c := &TextCipher{aead: aead}
	for _, raw := range append([]string{secret}, legacyKeys...) {
		if k, err := fernet.DecodeKey(strings.TrimSpace(raw)); err == nil {
			c.fernetKeys = append(c.fernetKeys, k)
		}
	}
	return c, nil
}

func (c *TextCipher) Encrypt(plain string) (string, error) {
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("nonce: %w", err)
	}
	sealed := c.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (c *TextCipher) Decrypt(enc string) (string, error) {
	if raw, err := base64.StdEncoding.DecodeString(enc); err == nil && len(raw) >= c.aead.NonceSize() {
		n := c.aead.NonceSize()
		if plain, err := c.aead.Open(nil, raw[:n], raw[n:], nil); err == nil {
			return string(plain), nil
		}
	}
	if len(c.fernetKeys) > 0 {
		// ttl 0 disables expiry checks.
		if plain := fernet.VerifyAndDecrypt([]byte(enc), 0, c.fernetKeys); plain != nil {
			return string(plain), nil
		}
	}
	return "", ErrUndecryptable
}
