package secrets

import (
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Error kinds surfaced by the store. Handlers map these onto client-visible
// error events; everything else stays in the server log.
var (
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidService     = errors.New("invalid service")
	ErrWrongPassword      = errors.New("wrong password")
	ErrNotConfigured      = errors.New("not configured")
	ErrDecryptionFailed   = errors.New("decryption failed")
	ErrKeyMigrationFailed = errors.New("key migration failed")
	ErrRateLimited        = errors.New("rate limited")
	ErrPublicProfile      = errors.New("public profile cannot hold secrets")
)

// Service names accepted by SetAPIKey. "github" is additionally readable
// through GetAPIKey but set via SetGitHubConfig.
const (
	ServiceBrave  = "brave"
	ServiceVenice = "venice"
	ServiceGitHub = "github"
)

// Role names. The anonymous "public" profile never carries secrets.
const (
	RoleAdmin  = "admin"
	RoleClient = "client"
	RolePublic = "public"
)

// UserRecord is the per-user JSON file schema.
type UserRecord struct {
	Username             string                `json:"username"`
	Role                 string                `json:"role"`
	PasswordHash         string                `json:"passwordHash"`
	Salt                 string                `json:"salt"` // hex, 16 bytes
	PasswordChanged      string                `json:"passwordChanged,omitempty"`
	Created              string                `json:"created"`
	Limits               map[string]int        `json:"limits,omitempty"`
	EncryptedAPIKeys     map[string]Ciphertext `json:"encryptedApiKeys"`
	EncryptedGitHubToken *Ciphertext           `json:"encryptedGitHubToken,omitempty"`
	GitHubOwner          string                `json:"githubOwner,omitempty"`
	GitHubRepo           string                `json:"githubRepo,omitempty"`
	GitHubBranch         string                `json:"githubBranch,omitempty"`
}

// GitHubConfig is the decrypted object-store configuration.
type GitHubConfig struct {
	Owner  string
	Repo   string
	Branch string
	Token  string
}

// Store manages user records under a directory, one JSON file per username.
// Writes for the same user are serialized through a per-user lock so a
// concurrent password change and key set cannot lose updates.
type Store struct {
	dir     string
	logger  *zap.Logger
	limiter *rateLimiter

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates a store rooted at dir, creating it if needed.
func NewStore(dir string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create users dir: %w", err)
	}
	return &Store{
		dir:     dir,
		logger:  logger,
		limiter: newRateLimiter(nil),
		locks:   make(map[string]*sync.Mutex),
	}, nil
}

// userLock returns the serialization point for one username.
func (s *Store) userLock(username string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	lk, ok := s.locks[username]
	if !ok {
		lk = &sync.Mutex{}
		s.locks[username] = lk
	}
	return lk
}

func (s *Store) userPath(username string) string {
	return filepath.Join(s.dir, username+".json")
}

func (s *Store) loadUser(username string) (*UserRecord, error) {
	data, err := os.ReadFile(s.userPath(username))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrUserNotFound, username)
	}
	if err != nil {
		return nil, fmt.Errorf("read user %s: %w", username, err)
	}
	var rec UserRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("parse user %s: %w", username, err)
	}
	if rec.EncryptedAPIKeys == nil {
		rec.EncryptedAPIKeys = make(map[string]Ciphertext)
	}
	return &rec, nil
}

// saveUser writes the record atomically (temp file + rename).
func (s *Store) saveUser(rec *UserRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal user %s: %w", rec.Username, err)
	}
	path := s.userPath(rec.Username)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write user %s: %w", rec.Username, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("commit user %s: %w", rec.Username, err)
	}
	return nil
}

// CreateUser provisions a new user with an Argon2id hash and a fresh salt.
func (s *Store) CreateUser(username, password, role string) (*UserRecord, error) {
	lk := s.userLock(username)
	lk.Lock()
	defer lk.Unlock()

	if _, err := os.Stat(s.userPath(username)); err == nil {
		return nil, fmt.Errorf("user %s already exists", username)
	}
	hash, err := HashPassword(password)
	if err != nil {
		return nil, err
	}
	salt, err := NewSalt()
	if err != nil {
		return nil, err
	}
	rec := &UserRecord{
		Username:         username,
		Role:             role,
		PasswordHash:     hash,
		Salt:             hex.EncodeToString(salt),
		Created:          time.Now().UTC().Format(time.RFC3339),
		EncryptedAPIKeys: make(map[string]Ciphertext),
	}
	if err := s.saveUser(rec); err != nil {
		return nil, err
	}
	return rec, nil
}

// Authenticate verifies a password, applying rate limits and upgrading
// legacy SHA-256 hashes to Argon2id on first success.
func (s *Store) Authenticate(username, password string) (*UserRecord, error) {
	if err := s.limiter.check(username); err != nil {
		return nil, err
	}
	lk := s.userLock(username)
	lk.Lock()
	defer lk.Unlock()
	return s.authenticateLocked(username, password)
}

// authenticateLocked assumes the caller holds the user lock.
func (s *Store) authenticateLocked(username, password string) (*UserRecord, error) {
	rec, err := s.loadUser(username)
	if err != nil {
		return nil, err
	}

	if IsArgon2Hash(rec.PasswordHash) {
		ok, err := VerifyPassword(password, rec.PasswordHash)
		if err != nil {
			return nil, err
		}
		if !ok {
			s.limiter.recordFailure(username)
			return nil, ErrWrongPassword
		}
	} else {
		// Legacy SHA-256 record: verify, then rehash and persist before
		// anything else touches the record.
		if !VerifyLegacyPassword(password, rec.PasswordHash) {
			s.limiter.recordFailure(username)
			return nil, ErrWrongPassword
		}
		upgraded, err := HashPassword(password)
		if err != nil {
			return nil, err
		}
		rec.PasswordHash = upgraded
		if err := s.saveUser(rec); err != nil {
			return nil, fmt.Errorf("persist hash upgrade: %w", err)
		}
		s.logger.Info("upgraded legacy password hash", zap.String("username", username))
	}

	s.limiter.recordSuccess(username)
	return rec, nil
}

func (s *Store) vaultKey(rec *UserRecord, password string) ([]byte, error) {
	salt, err := hex.DecodeString(rec.Salt)
	if err != nil || len(salt) == 0 {
		return nil, fmt.Errorf("user %s has no usable salt", rec.Username)
	}
	return DeriveKey(password, salt)
}

// SetAPIKey encrypts and stores a provider key, or deletes it when value is
// empty. The password is verified before any cryptographic write.
func (s *Store) SetAPIKey(username, password, service, value string) error {
	if service != ServiceBrave && service != ServiceVenice {
		return fmt.Errorf("%w: %s", ErrInvalidService, service)
	}
	if err := s.limiter.check(username); err != nil {
		return err
	}
	lk := s.userLock(username)
	lk.Lock()
	defer lk.Unlock()

	rec, err := s.authenticateLocked(username, password)
	if err != nil {
		return err
	}
	if rec.Role == RolePublic {
		return ErrPublicProfile
	}
	if value == "" {
		delete(rec.EncryptedAPIKeys, service)
		return s.saveUser(rec)
	}
	key, err := s.vaultKey(rec, password)
	if err != nil {
		return err
	}
	ct, err := Encrypt(value, key)
	if err != nil {
		return err
	}
	rec.EncryptedAPIKeys[service] = ct
	return s.saveUser(rec)
}

// GetAPIKeyParams identifies one decryption request.
type GetAPIKeyParams struct {
	Username string
	Password string
	Service  string
}

// GetAPIKey decrypts and returns a stored provider key. The github service
// resolves to the encrypted GitHub token.
func (s *Store) GetAPIKey(p GetAPIKeyParams) (string, error) {
	switch p.Service {
	case ServiceBrave, ServiceVenice, ServiceGitHub:
	default:
		return "", fmt.Errorf("%w: %s", ErrInvalidService, p.Service)
	}
	if err := s.limiter.check(p.Username); err != nil {
		return "", err
	}
	lk := s.userLock(p.Username)
	lk.Lock()
	defer lk.Unlock()

	rec, err := s.authenticateLocked(p.Username, p.Password)
	if err != nil {
		return "", err
	}
	var ct Ciphertext
	if p.Service == ServiceGitHub {
		if rec.EncryptedGitHubToken == nil {
			return "", fmt.Errorf("%w: %s", ErrNotConfigured, p.Service)
		}
		ct = *rec.EncryptedGitHubToken
	} else {
		stored, ok := rec.EncryptedAPIKeys[p.Service]
		if !ok {
			return "", fmt.Errorf("%w: %s", ErrNotConfigured, p.Service)
		}
		ct = stored
	}
	key, err := s.vaultKey(rec, p.Password)
	if err != nil {
		return "", err
	}
	plain, err := Decrypt(ct, key)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", ErrDecryptionFailed, p.Service, err)
	}
	return plain, nil
}

// GitHubConfigPatch carries optional GitHub settings; nil fields are left
// untouched.
type GitHubConfigPatch struct {
	Owner  *string
	Repo   *string
	Branch *string
	Token  *string // empty string deletes the stored token
}

// SetGitHubConfig updates object-store settings, encrypting the token when
// one is supplied.
func (s *Store) SetGitHubConfig(username, password string, patch GitHubConfigPatch) error {
	if err := s.limiter.check(username); err != nil {
		return err
	}
	lk := s.userLock(username)
	lk.Lock()
	defer lk.Unlock()

	rec, err := s.authenticateLocked(username, password)
	if err != nil {
		return err
	}
	if rec.Role == RolePublic {
		return ErrPublicProfile
	}
	if patch.Owner != nil {
		rec.GitHubOwner = *patch.Owner
	}
	if patch.Repo != nil {
		rec.GitHubRepo = *patch.Repo
	}
	if patch.Branch != nil {
		rec.GitHubBranch = *patch.Branch
	}
	if patch.Token != nil {
		if *patch.Token == "" {
			rec.EncryptedGitHubToken = nil
		} else {
			key, err := s.vaultKey(rec, password)
			if err != nil {
				return err
			}
			ct, err := Encrypt(*patch.Token, key)
			if err != nil {
				return err
			}
			rec.EncryptedGitHubToken = &ct
		}
	}
	return s.saveUser(rec)
}

// GetGitHubConfig returns the decrypted object-store configuration. Branch
// defaults to "main" when unset.
func (s *Store) GetGitHubConfig(username, password string) (GitHubConfig, error) {
	if err := s.limiter.check(username); err != nil {
		return GitHubConfig{}, err
	}
	lk := s.userLock(username)
	lk.Lock()
	defer lk.Unlock()

	rec, err := s.authenticateLocked(username, password)
	if err != nil {
		return GitHubConfig{}, err
	}
	cfg := GitHubConfig{
		Owner:  rec.GitHubOwner,
		Repo:   rec.GitHubRepo,
		Branch: rec.GitHubBranch,
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if rec.EncryptedGitHubToken != nil {
		key, err := s.vaultKey(rec, password)
		if err != nil {
			return GitHubConfig{}, err
		}
		token, err := Decrypt(*rec.EncryptedGitHubToken, key)
		if err != nil {
			return GitHubConfig{}, fmt.Errorf("%w: github token: %v", ErrDecryptionFailed, err)
		}
		cfg.Token = token
	}
	return cfg, nil
}

// ChangePassword re-encrypts every stored secret under a key derived from
// the new password and a fresh salt, then commits the record atomically.
// Any API-key decryption failure aborts with ErrKeyMigrationFailed and
// leaves the on-disk record untouched. A GitHub token that fails to decrypt
// is dropped with a warning rather than aborting the change.
func (s *Store) ChangePassword(username, current, next string) error {
	if err := s.limiter.check(username); err != nil {
		return err
	}
	lk := s.userLock(username)
	lk.Lock()
	defer lk.Unlock()

	rec, err := s.authenticateLocked(username, current)
	if err != nil {
		return err
	}
	oldKey, err := s.vaultKey(rec, current)
	if err != nil {
		return err
	}

	// Decrypt everything under the old key before touching the record.
	plainKeys := make(map[string]string, len(rec.EncryptedAPIKeys))
	for service, ct := range rec.EncryptedAPIKeys {
		plain, err := Decrypt(ct, oldKey)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrKeyMigrationFailed, service, err)
		}
		plainKeys[service] = plain
	}
	var githubToken string
	haveGitHubToken := false
	if rec.EncryptedGitHubToken != nil {
		plain, err := Decrypt(*rec.EncryptedGitHubToken, oldKey)
		if err != nil {
			s.logger.Warn("dropping github token on password change: decryption failed",
				zap.String("username", username))
		} else {
			githubToken = plain
			haveGitHubToken = true
		}
	}

	newSalt, err := NewSalt()
	if err != nil {
		return err
	}
	newKey, err := DeriveKey(next, newSalt)
	if err != nil {
		return err
	}
	newHash, err := HashPassword(next)
	if err != nil {
		return err
	}

	updated := *rec
	updated.PasswordHash = newHash
	updated.Salt = hex.EncodeToString(newSalt)
	updated.PasswordChanged = time.Now().UTC().Format(time.RFC3339)
	updated.EncryptedAPIKeys = make(map[string]Ciphertext, len(plainKeys))
	for service, plain := range plainKeys {
		ct, err := Encrypt(plain, newKey)
		if err != nil {
			return fmt.Errorf("%w: %s: %v", ErrKeyMigrationFailed, service, err)
		}
		updated.EncryptedAPIKeys[service] = ct
	}
	updated.EncryptedGitHubToken = nil
	if haveGitHubToken {
		ct, err := Encrypt(githubToken, newKey)
		if err != nil {
			return fmt.Errorf("%w: github token: %v", ErrKeyMigrationFailed, err)
		}
		updated.EncryptedGitHubToken = &ct
	}

	return s.saveUser(&updated)
}

// HasUser reports whether a record exists for the username.
func (s *Store) HasUser(username string) bool {
	_, err := os.Stat(s.userPath(username))
	return err == nil
}
