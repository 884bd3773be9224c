package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"io"
)

// sealedMagic prefixes every sealed blob.
var sealedMagic = []byte("OBJLOG\x00\x01")

// Cipher handles AES-256-GCM encryption and decryption of archived files.
type Cipher struct {
	gcm cipher.AEAD
}

// NewCipher creates a new cipher from a secret key.
// The key is hashed with SHA-256 to ensure it's exactly 32 bytes for AES-256.
func NewCipher(secret string) (*Cipher, error) {
	if secret == "" {
		return nil, errors.New("encryption secret cannot be empty")
	}

	hash := sha256.Sum256([]byte(secret))

	block, err := aes.NewCipher(hash[:])
	if err != nil {
		return nil, err
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}

	return &Cipher{gcm: gcm}, nil
}

// Seal encrypts plaintext. The result is magic, nonce, then ciphertext.
// aad, typically the object key, must be passed again to Open.
func (c *Cipher) Seal(plaintext, aad []byte) ([]byte, error) {
	if IsSealed(plaintext) {
		return plaintext, nil
	}

	nonce := make([]byte, c.gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(sealedMagic)+len(nonce)+len(plaintext)+c.gcm.Overhead())
	out = append(out, sealedMagic...)
	out = append(out, nonce...)
	return c.gcm.Seal(out, nonce, plaintext, aad), nil
}

// Open decrypts a sealed blob. Data without the magic prefix is returned
// unchanged, so archives written before encryption was enabled still read.
func (c *Cipher) Open(data, aad []byte) ([]byte, error) {
	if !IsSealed(data) {
		return data, nil
	}

	data = data[len(sealedMagic):]
	nonceSize := c.gcm.NonceSize()
	if len(data) < nonceSize {
		return nil, errors.New("ciphertext too short")
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	return c.gcm.Open(nil, nonce, ciphertext, aad)
}

// IsSealed returns true if data carries the sealed prefix.
func IsSealed(data []byte) bool {
	return bytes.HasPrefix(data, sealedMagic)
}
