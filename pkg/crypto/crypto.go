package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"io"
)

// Cipher seals short secrets (upstream access tokens, API keys) before they
// hit the database. AES-256-GCM; the nonce travels with the ciphertext.
type Cipher struct {
	aead cipher.AEAD
}

// New derives a 256-bit key from the configured passphrase. An empty
// passphrase returns a nil Cipher, on which Seal and Open pass values through
// unchanged.
func New(passphrase string) (*Cipher, error) {
	if passphrase == "" {
		return nil, nil
	}
	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Cipher{aead: aead}, nil
}

// Seal encrypts plain and returns it base64-encoded.
func (c *Cipher) Seal(plain string) (string, error) {
	if c == nil || plain == "" {
		return plain, nil
	}
	nonce := make([]byte, c.aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", err
	}
	out := c.aead.Seal(nonce, nonce, []byte(plain), nil)
	return base64.StdEncoding.EncodeToString(out), nil
}

// Open decrypts a value produced by Seal. Values that do not decode as
// base64 are returned as-is, so rows written before encryption was enabled
// keep working.
func (c *Cipher) Open(sealed string) (string, error) {
	if c == nil || sealed == "" {
		return sealed, nil
	}
	data, err := base64.StdEncoding.DecodeString(sealed)
	if err != nil {
		return sealed, nil
	}
	if len(data) < c.aead.NonceSize() {
		return sealed, nil
	}
	nonce, ciphertext := data[:c.aead.NonceSize()], data[c.aead.NonceSize():]
	plain, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", errors.New("credential ciphertext does not open with the configured key")
	}
	return string(plain), nil
}
