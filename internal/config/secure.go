package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrBadSecret means the encrypted config could not be decrypted with the
// supplied secret.
var ErrBadSecret = errors.New("config: wrong secret or corrupted file")

const secureFileVersion = 1

// gcmTagSize is the AES-GCM authentication tag length, stored separately so
// the on-disk layout is explicit.
const gcmTagSize = 16

type cipherBlob struct {
	IV   string `json:"iv"`
	Tag  string `json:"tag"`
	Data string `json:"data"`
}

type secureFile struct {
	Version   int        `json:"version"`
	CreatedAt string     `json:"createdAt"`
	UpdatedAt string     `json:"updatedAt"`
	Cipher    cipherBlob `json:"cipher"`
}

func deriveKey(secret string) []byte {
	sum := sha256.Sum256([]byte(secret))
	return sum[:]
}

// SaveEncrypted writes the configuration encrypted with AES-256-GCM under a
// key derived from secret. An existing file's creation timestamp survives
// rewrites.
func SaveEncrypted(path string, cfg *Config, secret string) error {
	plaintext, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}

	block, err := aes.NewCipher(deriveKey(secret))
	if err != nil {
		return err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return err
	}
	iv := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return err
	}
	sealed := gcm.Seal(nil, iv, plaintext, nil)
	data, tag := sealed[:len(sealed)-gcmTagSize], sealed[len(sealed)-gcmTagSize:]

	now := time.Now().UTC().Format(time.RFC3339)
	out := secureFile{
		Version:   secureFileVersion,
		CreatedAt: now,
		UpdatedAt: now,
		Cipher: cipherBlob{
			IV:   hex.EncodeToString(iv),
			Tag:  hex.EncodeToString(tag),
			Data: hex.EncodeToString(data),
		},
	}
	if prev, err := readSecureFile(path); err == nil && prev.CreatedAt != "" {
		out.CreatedAt = prev.CreatedAt
	}

	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, raw, 0o600)
}

// LoadEncrypted reads and decrypts a configuration written by SaveEncrypted,
// then applies environment overrides the same way Load does.
func LoadEncrypted(path, secret string) (*Config, error) {
	sf, err := readSecureFile(path)
	if err != nil {
		return nil, err
	}
	if sf.Version != secureFileVersion {
		return nil, fmt.Errorf("config: unsupported encrypted file version %d", sf.Version)
	}

	iv, err := hex.DecodeString(sf.Cipher.IV)
	if err != nil {
		return nil, ErrBadSecret
	}
	tag, err := hex.DecodeString(sf.Cipher.Tag)
	if err != nil {
		return nil, ErrBadSecret
	}
	data, err := hex.DecodeString(sf.Cipher.Data)
	if err != nil {
		return nil, ErrBadSecret
	}

	block, err := aes.NewCipher(deriveKey(secret))
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(iv) != gcm.NonceSize() || len(tag) != gcmTagSize {
		return nil, ErrBadSecret
	}
	plaintext, err := gcm.Open(nil, iv, append(data, tag...), nil)
	if err != nil {
		return nil, ErrBadSecret
	}

	cfg := Default()
	if err := yaml.Unmarshal(plaintext, cfg); err != nil {
		return nil, fmt.Errorf("parse decrypted config: %w", err)
	}
	cfg.applyEnv()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func readSecureFile(path string) (secureFile, error) {
	var sf secureFile
	raw, err := os.ReadFile(path)
	if err != nil {
		return sf, err
	}
	if err := json.Unmarshal(raw, &sf); err != nil {
		return sf, fmt.Errorf("config: malformed encrypted file: %w", err)
	}
	return sf, nil
}
