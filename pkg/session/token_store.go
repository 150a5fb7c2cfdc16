package session

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// tokenFileName is the single fixed key the bearer token persists under.
// Nothing else survives a restart.
const tokenFileName = "credentials.json"

// TokenStore persists the bearer token across runs as a small JSON file
// under the state directory.
type TokenStore struct {
	path string
	mu   sync.Mutex
}

type storedCredential struct {
	AccessToken string `json:"access_token"`
}

// NewTokenStore creates a token store rooted at stateDir.
func NewTokenStore(stateDir string) *TokenStore {
	return &TokenStore{path: filepath.Join(stateDir, tokenFileName)}
}

// Load returns the persisted token, or "" when none exists or the file is
// unreadable. A corrupt credential file is treated as no credential.
func (s *TokenStore) Load() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return ""
	}
	var cred storedCredential
	if err := json.Unmarshal(data, &cred); err != nil {
		return ""
	}
	return strings.TrimSpace(cred.AccessToken)
}

// Save persists the token, creating the state directory as needed.
func (s *TokenStore) Save(token string) error {
	if s == nil || strings.TrimSpace(token) == "" {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(storedCredential{AccessToken: token}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0o600)
}

// Clear removes the persisted token. Missing file is not an error.
func (s *TokenStore) Clear() error {
	if s == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
