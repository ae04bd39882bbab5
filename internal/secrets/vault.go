// Package secrets provides the runtime secret vault. Programs never embed
// credentials; tool headers and provider keys reference vault entries, which
// are encrypted at rest and resolved in-memory only.
package secrets

import (
	"context"
	"sort"
	"sync"

	"github.com/loomlang/loom/pkg/ir"
)

// Vault resolves secret references at runtime.
type Vault interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// SecretStore is the minimal persistence interface needed by the vault.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

// MemorySecretStore keeps (already encrypted) secrets in process memory.
type MemorySecretStore struct {
	mu      sync.RWMutex
	secrets map[string][]byte
}

// NewMemorySecretStore creates an empty in-memory secret store.
func NewMemorySecretStore() *MemorySecretStore {
	return &MemorySecretStore{secrets: make(map[string][]byte)}
}

func (s *MemorySecretStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := make([]byte, len(value))
	copy(cp, value)
	s.secrets[key] = cp
	return nil
}

func (s *MemorySecretStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	value, ok := s.secrets[key]
	if !ok {
		return nil, ir.NewErrorf(ir.ErrCodeVault, "secret %q not found", key)
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	return cp, nil
}

func (s *MemorySecretStore) DeleteSecret(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.secrets[key]; !ok {
		return ir.NewErrorf(ir.ErrCodeVault, "secret %q not found", key)
	}
	delete(s.secrets, key)
	return nil
}

func (s *MemorySecretStore) ListSecrets(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.secrets))
	for k := range s.secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

var _ SecretStore = (*MemorySecretStore)(nil)
