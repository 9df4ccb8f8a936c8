// Package secret provides authenticated encryption at rest for the two
// sensitive fields the engine persists verbatim: a loader's parameterized
// SQL text and a source database's connection password. Both are
// encrypted with AES-256-GCM under a key derived from the operator-supplied
// master key via argon2id, following the same PHC-style parameterization
// the pack's password hashing uses for its own KDF calls.
package secret

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

// Argon2Params controls the argon2id key-derivation cost.
type Argon2Params struct {
	Memory      uint32 // KiB
	Iterations  uint32
	Parallelism uint8
	SaltLength  uint32
	KeyLength   uint32
}

// DefaultArgon2Params returns the engine's standard KDF cost.
func DefaultArgon2Params() *Argon2Params {
	return &Argon2Params{
		Memory:      64 * 1024,
		Iterations:  3,
		Parallelism: 2,
		SaltLength:  16,
		KeyLength:   32, // AES-256
	}
}

// Box encrypts and decrypts loaderSql and source-password fields under one
// master key. A Box is safe for concurrent use.
type Box struct {
	masterKey string
	params    *Argon2Params
}

// NewBox creates a Box from the operator-supplied master key.
func NewBox(masterKey string) (*Box, error) {
	if masterKey == "" {
		return nil, errors.New("secret: master key must not be empty")
	}
	return &Box{masterKey: masterKey, params: DefaultArgon2Params()}, nil
}

// Ciphertext is the wire/storage representation of an encrypted field:
// "v1:<salt_b64>:<nonce_b64>:<ciphertext_b64>".
type Ciphertext string

// Encrypt seals plaintext, deriving a fresh key from a random salt for every call.
func (b *Box) Encrypt(plaintext string) (Ciphertext, error) {
	salt := make([]byte, b.params.SaltLength)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("secret: generate salt: %w", err)
	}

	key := b.deriveKey(salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("secret: new cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secret: new gcm: %w", err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("secret: generate nonce: %w", err)
	}

	sealed := gcm.Seal(nil, nonce, []byte(plaintext), nil)

	encoded := fmt.Sprintf("v1:%s:%s:%s",
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(nonce),
		base64.RawStdEncoding.EncodeToString(sealed),
	)
	return Ciphertext(encoded), nil
}

// Decrypt opens a Ciphertext produced by Encrypt under the same master key.
func (b *Box) Decrypt(ct Ciphertext) (string, error) {
	parts := strings.Split(string(ct), ":")
	if len(parts) != 4 || parts[0] != "v1" {
		return "", errors.New("secret: malformed ciphertext")
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("secret: decode salt: %w", err)
	}
	nonce, err := base64.RawStdEncoding.DecodeString(parts[2])
	if err != nil {
		return "", fmt.Errorf("secret: decode nonce: %w", err)
	}
	sealed, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return "", fmt.Errorf("secret: decode ciphertext: %w", err)
	}

	key := b.deriveKey(salt)

	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("secret: new cipher: %w", err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("secret: new gcm: %w", err)
	}

	if len(nonce) != gcm.NonceSize() {
		return "", errors.New("secret: invalid nonce length")
	}

	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return "", fmt.Errorf("secret: authentication failed: %w", err)
	}

	return string(plaintext), nil
}

func (b *Box) deriveKey(salt []byte) []byte {
	return argon2.IDKey(
		[]byte(b.masterKey), salt,
		b.params.Iterations, b.params.Memory, b.params.Parallelism,
		b.params.KeyLength,
	)
}
