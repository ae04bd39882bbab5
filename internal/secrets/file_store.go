package secrets

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/loomlang/loom/pkg/ir"
)

// FileSecretStore persists sealed secrets as a JSON document on disk,
// together with the PBKDF2 salt so the same passphrase re-derives the same
// key across processes. Values arrive already encrypted by the vault; the
// file never holds plaintext.
type FileSecretStore struct {
	mu   sync.Mutex
	path string
}

type secretsFile struct {
	Salt    []byte            `json:"salt"`
	Secrets map[string][]byte `json:"secrets"`
}

// NewFileSecretStore opens (or prepares to create) the secrets file at path.
func NewFileSecretStore(path string) *FileSecretStore {
	return &FileSecretStore{path: path}
}

// Salt returns the store's key-derivation salt, generating and persisting one
// on first use.
func (s *FileSecretStore) Salt() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	if len(doc.Salt) > 0 {
		return doc.Salt, nil
	}

	doc.Salt = make([]byte, 16)
	if _, err := rand.Read(doc.Salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := s.save(doc); err != nil {
		return nil, err
	}
	return doc.Salt, nil
}

func (s *FileSecretStore) StoreSecret(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	cp := make([]byte, len(value))
	copy(cp, value)
	doc.Secrets[key] = cp
	return s.save(doc)
}

func (s *FileSecretStore) GetSecret(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	value, ok := doc.Secrets[key]
	if !ok {
		return nil, ir.NewErrorf(ir.ErrCodeVault, "secret %q not found", key)
	}
	return value, nil
}

func (s *FileSecretStore) DeleteSecret(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return err
	}
	if _, ok := doc.Secrets[key]; !ok {
		return ir.NewErrorf(ir.ErrCodeVault, "secret %q not found", key)
	}
	delete(doc.Secrets, key)
	return s.save(doc)
}

func (s *FileSecretStore) ListSecrets(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	doc, err := s.load()
	if err != nil {
		return nil, err
	}
	keys := make([]string, 0, len(doc.Secrets))
	for k := range doc.Secrets {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys, nil
}

// load reads the document; a missing file is an empty store. Callers hold
// s.mu.
func (s *FileSecretStore) load() (*secretsFile, error) {
	doc := &secretsFile{Secrets: make(map[string][]byte)}
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return doc, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read secrets file: %w", err)
	}
	if err := json.Unmarshal(raw, doc); err != nil {
		return nil, fmt.Errorf("parse secrets file %s: %w", s.path, err)
	}
	if doc.Secrets == nil {
		doc.Secrets = make(map[string][]byte)
	}
	return doc, nil
}

// save writes the document with owner-only permissions. Callers hold s.mu.
func (s *FileSecretStore) save(doc *secretsFile) error {
	raw, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("encode secrets file: %w", err)
	}
	if err := os.WriteFile(s.path, raw, 0o600); err != nil {
		return fmt.Errorf("write secrets file: %w", err)
	}
	return nil
}

var _ SecretStore = (*FileSecretStore)(nil)
