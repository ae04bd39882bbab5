package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"strings"

	"github.com/loomlang/loom/pkg/ir"
)

// refScheme prefixes values that name a vault entry instead of carrying a
// literal, e.g. an http tool header of "secret://github_token".
const refScheme = "secret://"

// IsRef reports whether a string value is a vault reference.
func IsRef(v string) bool {
	return strings.HasPrefix(v, refScheme)
}

// RefName extracts the entry name from a vault reference.
func RefName(v string) string {
	return strings.TrimPrefix(v, refScheme)
}

const defaultPBKDF2Iterations = 100_000

// VaultConfig selects the AES vault key. Provide either MasterKey (raw 32
// bytes) or Passphrase plus Salt for PBKDF2 derivation.
type VaultConfig struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte
	// Iterations overrides the PBKDF2 work factor; zero means the default.
	Iterations int
}

func (cfg VaultConfig) key() ([]byte, error) {
	if len(cfg.MasterKey) > 0 {
		if len(cfg.MasterKey) != 32 {
			return nil, ir.NewErrorf(ir.ErrCodeVault,
				"master key must be 32 bytes, got %d", len(cfg.MasterKey))
		}
		return cfg.MasterKey, nil
	}
	if cfg.Passphrase == "" {
		return nil, ir.NewError(ir.ErrCodeVault, "either master_key or passphrase is required")
	}
	if len(cfg.Salt) == 0 {
		return nil, ir.NewError(ir.ErrCodeVault, "salt is required with passphrase")
	}
	rounds := cfg.Iterations
	if rounds <= 0 {
		rounds = defaultPBKDF2Iterations
	}
	return pbkdf2.Key(sha256.New, cfg.Passphrase, cfg.Salt, rounds, 32)
}

// AESVault seals secrets with AES-256-GCM before they reach the backing
// store, so the store only ever holds ciphertext. The nonce is prepended to
// each sealed value.
type AESVault struct {
	store  SecretStore
	sealer cipher.AEAD
}

// NewAESVault creates a vault over store. Key material problems fail here,
// before any secret is touched.
func NewAESVault(store SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := cfg.key()
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	sealer, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &AESVault{store: store, sealer: sealer}, nil
}

// Store seals value and persists it under key.
func (v *AESVault) Store(ctx context.Context, key string, value []byte) error {
	nonce := make([]byte, v.sealer.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	return v.store.StoreSecret(ctx, key, v.sealer.Seal(nonce, nonce, value, nil))
}

// Resolve loads and opens the secret stored under key. A wrong key or
// tampered ciphertext is a vault error.
func (v *AESVault) Resolve(ctx context.Context, key string) ([]byte, error) {
	sealed, err := v.store.GetSecret(ctx, key)
	if err != nil {
		return nil, err
	}
	nonceSize := v.sealer.NonceSize()
	if len(sealed) < nonceSize {
		return nil, ir.NewError(ir.ErrCodeVault, "ciphertext too short")
	}
	plaintext, err := v.sealer.Open(nil, sealed[:nonceSize], sealed[nonceSize:], nil)
	if err != nil {
		return nil, ir.NewErrorf(ir.ErrCodeVault, "decrypt failed: %s", err.Error())
	}
	return plaintext, nil
}

// ResolveString is Resolve for text secrets like API keys and tokens.
func (v *AESVault) ResolveString(ctx context.Context, key string) (string, error) {
	value, err := v.Resolve(ctx, key)
	if err != nil {
		return "", err
	}
	return string(value), nil
}

func (v *AESVault) Delete(ctx context.Context, key string) error {
	return v.store.DeleteSecret(ctx, key)
}

func (v *AESVault) List(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}

var _ Vault = (*AESVault)(nil)
