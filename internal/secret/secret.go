// Package secret decrypts webhook auth headers stored at rest.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// Decryptor recovers a plaintext credential from its stored form.
type Decryptor interface {
	Decrypt(stored string) (string, error)
}

// Codec both seals credentials for storage and recovers them.
type Codec interface {
	Decryptor
	Encrypt(plaintext string) (string, error)
}

// Plaintext passes values through unchanged. Used when no encryption
// key is configured (local development).
type Plaintext struct{}

func (Plaintext) Decrypt(stored string) (string, error)    { return stored, nil }
func (Plaintext) Encrypt(plaintext string) (string, error) { return plaintext, nil }

// AESGCM en/decrypts base64(nonce||ciphertext) with a 32-byte key.
type AESGCM struct {
	aead cipher.AEAD
}

func NewAESGCM(key []byte) (*AESGCM, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("bad encryption key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESGCM{aead: aead}, nil
}

func (a *AESGCM) Encrypt(plaintext string) (string, error) {
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := a.aead.Seal(nonce, nonce, []byte(plaintext), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func (a *AESGCM) Decrypt(stored string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(stored)
	if err != nil {
		return "", fmt.Errorf("decode stored credential: %w", err)
	}
	ns := a.aead.NonceSize()
	if len(raw) < ns {
		return "", fmt.Errorf("stored credential too short")
	}
	plain, err := a.aead.Open(nil, raw[:ns], raw[ns:], nil)
	if err != nil {
		return "", fmt.Errorf("decrypt stored credential: %w", err)
	}
	return string(plain), nil
}
