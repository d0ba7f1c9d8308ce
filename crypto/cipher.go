// Package crypto seals and opens message text with a process-wide
// shared passphrase. The wire form is base64(salt ‖ nonce ‖ ciphertext)
// with an AES-256-GCM key derived per message via PBKDF2-SHA256.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	aes256KeySize    = 32
	saltSize         = 16
	pbkdf2Iterations = 10_000
)

// Cipher encrypts and decrypts message text. It is read-only after
// construction and safe for concurrent use.
type Cipher struct {
	passphrase []byte
}

// New creates a Cipher from the configured shared passphrase.
func New(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, errors.New("passphrase is required")
	}
	return &Cipher{passphrase: []byte(passphrase)}, nil
}

// Seal encrypts plaintext and returns the base64 wire form.
func (c *Cipher) Seal(plaintext string) (string, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	aead, err := c.aead(salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)

	envelope := make([]byte, 0, len(salt)+len(nonce)+len(sealed))
	envelope = append(envelope, salt...)
	envelope = append(envelope, nonce...)
	envelope = append(envelope, sealed...)
	return base64.StdEncoding.EncodeToString(envelope), nil
}

// Open decrypts the base64 wire form produced by Seal.
func (c *Cipher) Open(encoded string) (string, error) {
	if encoded == "" {
		return "", errors.New("ciphertext is required")
	}

	envelope, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("decode ciphertext: %w", err)
	}
	if len(envelope) <= saltSize {
		return "", fmt.Errorf("ciphertext too short: %d bytes", len(envelope))
	}

	salt := envelope[:saltSize]
	aead, err := c.aead(salt)
	if err != nil {
		return "", err
	}
	if len(envelope) < saltSize+aead.NonceSize() {
		return "", fmt.Errorf("ciphertext too short: %d bytes", len(envelope))
	}

	nonce := envelope[saltSize : saltSize+aead.NonceSize()]
	sealed := envelope[saltSize+aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("decrypt ciphertext: %w", err)
	}
	return string(plaintext), nil
}

func (c *Cipher) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(c.passphrase, salt, pbkdf2Iterations, aes256KeySize, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}
