// Package vault provides authenticated encryption for provider credentials.
// Ciphertext is base64url(nonce || AES-256-GCM sealed data), safe to embed in
// JSON columns. A fresh nonce is generated on every call, so encrypting the
// same plaintext twice yields different ciphertext.
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
)

// Vault encrypts and decrypts credential values with a process-lifetime key.
type Vault struct {
	key []byte
}

// New derives a 32-byte key from the provisioned secret. The secret is
// externally provisioned at process start; the vault is stateless afterwards.
func New(secret string) (*Vault, error) {
	if secret == "" {
		return nil, errors.New("vault: secret key is required")
	}
	hash := sha256.Sum256([]byte(secret + "-credential-vault-v1"))
	return &Vault{key: hash[:]}, nil
}

// Encrypt seals plaintext with AES-GCM.
func (v *Vault) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("vault: create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vault: create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("vault: generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nil, nonce, []byte(plaintext), nil)
	combined := append(nonce, ciphertext...)
	return base64.URLEncoding.EncodeToString(combined), nil
}

// Decrypt opens ciphertext produced by Encrypt.
func (v *Vault) Decrypt(encrypted string) (string, error) {
	combined, err := base64.URLEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("vault: decode base64: %w", err)
	}

	block, err := aes.NewCipher(v.key)
	if err != nil {
		return "", fmt.Errorf("vault: create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("vault: create GCM: %w", err)
	}

	if len(combined) < gcm.NonceSize() {
		return "", errors.New("vault: ciphertext too short")
	}

	nonce := combined[:gcm.NonceSize()]
	ciphertext := combined[gcm.NonceSize():]

	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("vault: decrypt: %w", err)
	}
	return string(plaintext), nil
}

// EncryptMap encrypts every value of a credentials map.
func (v *Vault) EncryptMap(creds map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(creds))
	for k, val := range creds {
		enc, err := v.Encrypt(val)
		if err != nil {
			return nil, err
		}
		out[k] = enc
	}
	return out, nil
}

// DecryptMap decrypts every value of a credentials map.
func (v *Vault) DecryptMap(creds map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(creds))
	for k, val := range creds {
		dec, err := v.Decrypt(val)
		if err != nil {
			return nil, err
		}
		out[k] = dec
	}
	return out, nil
}
