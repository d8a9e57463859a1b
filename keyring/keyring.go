// Package keyring provides secure credential storage.
// It uses the system keyring when available, falling back to an
// age-encrypted local file when not.
package keyring

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"
	"github.com/rjeffmyers/vpnrdp/common"
	"github.com/zalando/go-keyring"
)

// Common errors returned by keyring operations.
var (
	ErrNotFound   = common.ErrCredentialsNotFound
	ErrEmptyKey   = errors.New("key cannot be empty")
	ErrEmptyValue = errors.New("secret cannot be empty")
)

// Store is a common.SecretStore backed by the system keyring, with an
// encrypted file under dir used when the keyring is unreachable.
type Store struct {
	service string
	dir     string

	probeOnce sync.Once
	mu        sync.RWMutex
	useLocal  bool
	loaded    bool
	local     map[string]string
	identity  *age.X25519Identity
}

var _ common.SecretStore = (*Store)(nil)

// New creates a Store for service. The fallback files live in dir.
func New(service, dir string) *Store {
	return &Store{
		service: service,
		dir:     dir,
		local:   make(map[string]string),
	}
}

// probe decides once whether the system keyring is usable.
func (s *Store) probe() {
	s.probeOnce.Do(func() {
		testKey := s.service + "-test-init"
		if err := keyring.Set(s.service, testKey, "test"); err == nil {
			keyring.Delete(s.service, testKey)
			return
		}
		common.LogWarn("System keyring unavailable, using encrypted file in %s", s.dir)
		s.mu.Lock()
		s.useLocal = true
		s.mu.Unlock()
	})
}

// UsingFallback reports whether secrets go to the encrypted file.
func (s *Store) UsingFallback() bool {
	s.probe()
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.useLocal
}

// Store saves a secret under key.
func (s *Store) Store(key, secret string) error {
	if key == "" {
		return ErrEmptyKey
	}
	if secret == "" {
		return ErrEmptyValue
	}
	s.probe()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.useLocal {
		err := keyring.Set(s.service, key, secret)
		if err == nil {
			return nil
		}
		common.LogWarn("Keyring write failed, switching to encrypted file: %v", err)
		s.useLocal = true
	}

	if err := s.loadLocked(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	s.local[key] = secret
	if err := s.saveLocked(); err != nil {
		return fmt.Errorf("%w: %v", common.ErrCredentialStorage, err)
	}
	return nil
}

// Get retrieves the secret stored under key.
func (s *Store) Get(key string) (string, error) {
	if key == "" {
		return "", ErrEmptyKey
	}
	s.probe()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.useLocal {
		secret, err := keyring.Get(s.service, key)
		if err == nil {
			return secret, nil
		}
		if !errors.Is(err, keyring.ErrNotFound) {
			common.LogDebug("Keyring read failed for %s: %v", key, err)
		}
	}

	// The file may hold secrets written while the keyring was down
	if err := s.loadLocked(); err != nil {
		return "", err
	}
	if secret, ok := s.local[key]; ok {
		return secret, nil
	}
	return "", ErrNotFound
}

// Delete removes the secret stored under key. Missing keys are not an error.
func (s *Store) Delete(key string) error {
	if key == "" {
		return ErrEmptyKey
	}
	s.probe()

	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.useLocal {
		if err := keyring.Delete(s.service, key); err != nil && !errors.Is(err, keyring.ErrNotFound) {
			common.LogDebug("Keyring delete failed for %s: %v", key, err)
		}
	}

	if err := s.loadLocked(); err != nil {
		return err
	}
	if _, ok := s.local[key]; !ok {
		return nil
	}
	delete(s.local, key)
	return s.saveLocked()
}

// Exists checks if a secret exists under key.
func (s *Store) Exists(key string) bool {
	_, err := s.Get(key)
	return err == nil
}

func (s *Store) storePath() string {
	return filepath.Join(s.dir, common.CredentialsFileName)
}

func (s *Store) keyPath() string {
	return filepath.Join(s.dir, common.CredentialsKeyName)
}

// loadIdentityLocked reads the age identity, generating it on first use.
func (s *Store) loadIdentityLocked() error {
	if s.identity != nil {
		return nil
	}

	data, err := os.ReadFile(s.keyPath())
	if err == nil {
		id, err := age.ParseX25519Identity(strings.TrimSpace(string(data)))
		if err != nil {
			return fmt.Errorf("parsing credentials key: %w", err)
		}
		s.identity = id
		return nil
	}
	if !os.IsNotExist(err) {
		return fmt.Errorf("reading credentials key: %w", err)
	}

	id, err := age.GenerateX25519Identity()
	if err != nil {
		return fmt.Errorf("generating credentials key: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0700); err != nil {
		return err
	}
	if err := os.WriteFile(s.keyPath(), []byte(id.String()+"\n"), 0600); err != nil {
		return fmt.Errorf("writing credentials key: %w", err)
	}
	s.identity = id
	return nil
}

// loadLocked reads the encrypted file once. A missing file is an empty store.
func (s *Store) loadLocked() error {
	if s.loaded {
		return nil
	}

	data, err := os.ReadFile(s.storePath())
	if os.IsNotExist(err) {
		s.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("reading credentials file: %w", err)
	}
	if err := s.loadIdentityLocked(); err != nil {
		return err
	}

	raw, err := base64.StdEncoding.DecodeString(string(bytes.TrimSpace(data)))
	if err != nil {
		return fmt.Errorf("decoding credentials file: %w", err)
	}
	reader, err := age.Decrypt(bytes.NewReader(raw), s.identity)
	if err != nil {
		return fmt.Errorf("decrypting credentials file: %w", err)
	}
	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return fmt.Errorf("reading decrypted credentials: %w", err)
	}

	local := make(map[string]string)
	if err := json.Unmarshal(plaintext, &local); err != nil {
		return fmt.Errorf("parsing credentials: %w", err)
	}
	s.local = local
	s.loaded = true
	return nil
}

func (s *Store) saveLocked() error {
	if err := s.loadIdentityLocked(); err != nil {
		return err
	}

	plaintext, err := json.Marshal(s.local)
	if err != nil {
		return err
	}

	var ciphertext bytes.Buffer
	writer, err := age.Encrypt(&ciphertext, s.identity.Recipient())
	if err != nil {
		return fmt.Errorf("creating age encryptor: %w", err)
	}
	if _, err := writer.Write(plaintext); err != nil {
		return fmt.Errorf("encrypting credentials: %w", err)
	}
	if err := writer.Close(); err != nil {
		return fmt.Errorf("finalizing encryption: %w", err)
	}

	encoded := base64.StdEncoding.EncodeToString(ciphertext.Bytes())
	return os.WriteFile(s.storePath(), []byte(encoded), 0600)
}
