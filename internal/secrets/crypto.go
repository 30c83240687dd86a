// Package secrets implements the password-gated credential store: per-user
// records on disk, Argon2id authentication with a legacy-hash upgrade path,
// and AES-256-GCM encryption of provider keys under a scrypt-derived key.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

// ErrAuthTagMismatch is returned when a ciphertext fails GCM authentication,
// which covers both tampering and a wrong password-derived key.
var ErrAuthTagMismatch = errors.New("auth tag mismatch")

// scrypt parameters for the password-derived vault key.
const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	vaultKeyLen  = 32
	gcmNonceSize = 12
)

// Ciphertext is the self-describing on-disk encryption envelope. All fields
// are hex encoded.
type Ciphertext struct {
	IV        string `json:"iv"`
	Encrypted string `json:"encrypted"`
	AuthTag   string `json:"authTag"`
}

// DeriveKey derives the 32-byte vault key from a password and the user's
// salt via scrypt.
func DeriveKey(password string, salt []byte) ([]byte, error) {
	key, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, vaultKeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	return key, nil
}

// Encrypt seals plaintext under AES-256-GCM with a fresh random nonce.
func Encrypt(plaintext string, key []byte) (Ciphertext, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return Ciphertext{}, fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return Ciphertext{}, fmt.Errorf("new gcm: %w", err)
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return Ciphertext{}, fmt.Errorf("nonce: %w", err)
	}
	sealed := aead.Seal(nil, nonce, []byte(plaintext), nil)
	// GCM appends the 16-byte tag to the ciphertext; split it so the stored
	// envelope stays self-describing.
	tagStart := len(sealed) - aead.Overhead()
	return Ciphertext{
		IV:        hex.EncodeToString(nonce),
		Encrypted: hex.EncodeToString(sealed[:tagStart]),
		AuthTag:   hex.EncodeToString(sealed[tagStart:]),
	}, nil
}

// Decrypt opens a ciphertext envelope. Any corruption of iv, data, or tag
// fails with ErrAuthTagMismatch.
func Decrypt(ct Ciphertext, key []byte) (string, error) {
	nonce, err := hex.DecodeString(ct.IV)
	if err != nil || len(nonce) != gcmNonceSize {
		return "", ErrAuthTagMismatch
	}
	data, err := hex.DecodeString(ct.Encrypted)
	if err != nil {
		return "", ErrAuthTagMismatch
	}
	tag, err := hex.DecodeString(ct.AuthTag)
	if err != nil {
		return "", ErrAuthTagMismatch
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", fmt.Errorf("new cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("new gcm: %w", err)
	}
	plain, err := aead.Open(nil, nonce, append(data, tag...), nil)
	if err != nil {
		return "", ErrAuthTagMismatch
	}
	return string(plain), nil
}

// NewSalt returns a fresh 16-byte salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}
	return salt, nil
}
