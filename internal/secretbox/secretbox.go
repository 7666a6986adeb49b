// Package secretbox provides authenticated symmetric encryption of
// credentials at rest (refresh tokens, proxy passwords) using
// golang.org/x/crypto/nacl/secretbox.
package secretbox

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/nacl/secretbox"
)

const keySize = 32

// ErrDecryptFailed is returned when a ciphertext fails authentication,
// meaning it was tampered with or encrypted under a different key.
var ErrDecryptFailed = errors.New("secretbox: decryption failed")

// Encryptor encrypts and decrypts credential fields (PixivToken.refresh_token_enc,
// ProxyEndpoint.password_enc) with a single process-wide key loaded once at
// startup and never logged.
type Encryptor struct {
	key [keySize]byte
}

// New derives a 32-byte secretbox key from arbitrary-length key material
// (the raw FIELD_ENCRYPTION_KEY env value) via SHA-256, so operators can
// supply a passphrase of any length.
func New(keyMaterial []byte) (*Encryptor, error) {
	if len(keyMaterial) == 0 {
		return nil, fmt.Errorf("secretbox: empty key material")
	}
	e := &Encryptor{}
	e.key = sha256.Sum256(keyMaterial)
	return e, nil
}

// Encrypt seals plaintext and returns a base64 string safe for a TEXT column.
func (e *Encryptor) Encrypt(plaintext string) (string, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return "", fmt.Errorf("secretbox: nonce: %w", err)
	}
	sealed := secretbox.Seal(nonce[:], []byte(plaintext), &nonce, &e.key)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

// Decrypt reverses Encrypt. Returns ErrDecryptFailed on tamper or wrong key.
func (e *Encryptor) Decrypt(encoded string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return "", fmt.Errorf("secretbox: base64: %w", err)
	}
	if len(raw) < 24 {
		return "", ErrDecryptFailed
	}
	var nonce [24]byte
	copy(nonce[:], raw[:24])
	opened, ok := secretbox.Open(nil, raw[24:], &nonce, &e.key)
	if !ok {
		return "", ErrDecryptFailed
	}
	return string(opened), nil
}

// Mask renders a visual hint of a secret (refresh_token_masked,
// password hint) without reversibility: first 4 and last 4 characters,
// the rest replaced with asterisks.
func Mask(secret string) string {
	if len(secret) <= 8 {
		return "****"
	}
	return secret[:4] + "****" + secret[len(secret)-4:]
}
