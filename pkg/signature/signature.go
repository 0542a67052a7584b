// Package signature implements HMAC-SHA256 signing and verification for
// outbound webhook payloads, plus at-rest encryption for subscriber
// secrets with support for secret rotation.
package signature

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
)

// Sign computes the hex-encoded HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature is a valid HMAC-SHA256 of payload
// under secret. Comparison is constant-time; a malformed or
// wrong-length signature returns false without error.
func Verify(payload []byte, signature, secret string) bool {
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	expected := mac.Sum(nil)

	if len(provided) != len(expected) {
		return false
	}
	return hmac.Equal(provided, expected)
}

// Cipher encrypts and decrypts subscriber secrets at rest using
// AES-256-GCM. The AES key is derived from a process-wide master key.
type Cipher struct {
	key [32]byte
}

// NewCipher derives an encryption key from the master key.
func NewCipher(masterKey string) (*Cipher, error) {
	if masterKey == "" {
		return nil, fmt.Errorf("master key is required")
	}
	return &Cipher{key: sha256.Sum256([]byte(masterKey))}, nil
}

// Encrypt seals a plaintext secret. Output is hex(nonce || ciphertext).
func (c *Cipher) Encrypt(plaintext string) (string, error) {
	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("failed to generate nonce: %w", err)
	}

	sealed := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	return hex.EncodeToString(sealed), nil
}

// Decrypt opens a secret produced by Encrypt.
func (c *Cipher) Decrypt(encrypted string) (string, error) {
	data, err := hex.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("invalid encrypted secret encoding: %w", err)
	}

	block, err := aes.NewCipher(c.key[:])
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("failed to create GCM: %w", err)
	}

	if len(data) < gcm.NonceSize() {
		return "", fmt.Errorf("encrypted secret too short")
	}

	nonce, ciphertext := data[:gcm.NonceSize()], data[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt secret: %w", err)
	}

	return string(plaintext), nil
}

// Keychain holds the encrypted secrets live for one subscriber. During
// rotation more than one secret is live at a time.
type Keychain struct {
	cipher    *Cipher
	encrypted []string
}

// NewKeychain wraps a set of encrypted secrets for verification and
// signing. Secrets are ordered newest first; Sign always uses the newest.
func NewKeychain(c *Cipher, encryptedSecrets []string) *Keychain {
	return &Keychain{cipher: c, encrypted: encryptedSecrets}
}

// Sign signs the payload with the newest live secret.
func (k *Keychain) Sign(payload []byte) (string, error) {
	if len(k.encrypted) == 0 {
		return "", fmt.Errorf("keychain has no secrets")
	}
	secret, err := k.cipher.Decrypt(k.encrypted[0])
	if err != nil {
		return "", err
	}
	return Sign(payload, secret), nil
}

// VerifyAny tries every live secret until one verifies or all fail.
// Secrets that fail to decrypt are skipped; an attacker must not learn
// which secret position matched.
func (k *Keychain) VerifyAny(payload []byte, sig string) bool {
	for _, enc := range k.encrypted {
		secret, err := k.cipher.Decrypt(enc)
		if err != nil {
			continue
		}
		if Verify(payload, sig, secret) {
			return true
		}
	}
	return false
}
