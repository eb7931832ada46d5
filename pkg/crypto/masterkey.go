package crypto

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// MasterKeyStore is a process-wide singleton holding the 32-byte master
// key used to derive per-record encryption keys (spec §4.1: "generated on
// first use, stored with owner-only permissions"). The contract is
// intentionally narrow — "returns 32 bytes, same value across restarts" —
// so a future implementation can swap the backing store for an OS keyring
// without touching callers.
type MasterKeyStore struct {
	mu   sync.RWMutex
	path string
	key  []byte
}

type masterKeyFile struct {
	Key string `json:"key"` // base64-encoded 32 random bytes
}

// OpenMasterKeyStore loads the master key from path, generating and
// persisting a new one (mode 0600) on first use.
func OpenMasterKeyStore(path string) (*MasterKeyStore, error) {
	s := &MasterKeyStore{path: path}

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		key, genErr := RandomBytes(KeySize)
		if genErr != nil {
			return nil, genErr
		}
		s.key = key
		if err := s.persist(); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("crypto: read master key: %w", err)
	default:
		var f masterKeyFile
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, fmt.Errorf("crypto: parse master key file: %w", err)
		}
		key, err := base64.StdEncoding.DecodeString(f.Key)
		if err != nil {
			return nil, fmt.Errorf("crypto: decode master key: %w", err)
		}
		if len(key) != KeySize {
			return nil, newErr(KindInvalidKey, fmt.Errorf("persisted master key has wrong length %d", len(key)))
		}
		s.key = key
	}
	return s, nil
}

// NewInMemoryMasterKeyStore returns a store backed only by memory — useful
// for tests and for single-process ephemeral deployments with no durable
// filesystem.
func NewInMemoryMasterKeyStore() (*MasterKeyStore, error) {
	key, err := RandomBytes(KeySize)
	if err != nil {
		return nil, err
	}
	return &MasterKeyStore{key: key}, nil
}

// Get returns the 32-byte master key.
func (s *MasterKeyStore) Get() []byte {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp := make([]byte, len(s.key))
	copy(cp, s.key)
	return cp
}

func (s *MasterKeyStore) persist() error {
	if s.path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("crypto: create master key dir: %w", err)
	}
	data, err := json.Marshal(masterKeyFile{Key: base64.StdEncoding.EncodeToString(s.key)})
	if err != nil {
		return fmt.Errorf("crypto: marshal master key: %w", err)
	}
	if err := os.WriteFile(s.path, data, 0600); err != nil {
		return fmt.Errorf("crypto: write master key: %w", err)
	}
	return nil
}
