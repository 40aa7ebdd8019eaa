package infra

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/eliteGoblin/focusd/app_limit/internal/domain"
)

const (
	keyFileName = "prefs.key"
	keySize     = 32 // 256-bit SQLCipher key

	// KeyEnvVar carries a base64 key supplied by the host app.
	KeyEnvVar = "APPLIMIT_PREFS_KEY"
)

// FileKeyProvider keeps the preference database key in a 0600 file next to
// the database.
type FileKeyProvider struct {
	keyPath string
}

// NewFileKeyProvider creates a FileKeyProvider for the given data directory.
func NewFileKeyProvider(dataDir string) *FileKeyProvider {
	return &FileKeyProvider{
		keyPath: filepath.Join(dataDir, keyFileName),
	}
}

// GetKey reads the key. A key file readable by group or others is refused.
func (p *FileKeyProvider) GetKey() ([]byte, error) {
	info, err := os.Stat(p.keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to stat key file: %w", err)
	}
	if info.Mode().Perm()&0077 != 0 {
		return nil, fmt.Errorf("key file %s has mode %v: %w", p.keyPath, info.Mode().Perm(), domain.ErrPermissionDenied)
	}

	encoded, err := os.ReadFile(p.keyPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read key file: %w", err)
	}
	return decodeKey(string(encoded))
}

// StoreKey writes the key with owner-only permissions.
func (p *FileKeyProvider) StoreKey(key []byte) error {
	if len(key) != keySize {
		return fmt.Errorf("invalid key size: got %d, want %d", len(key), keySize)
	}
	if err := os.MkdirAll(filepath.Dir(p.keyPath), 0700); err != nil {
		return fmt.Errorf("failed to create key directory: %w", err)
	}
	encoded := base64.StdEncoding.EncodeToString(key)
	if err := os.WriteFile(p.keyPath, []byte(encoded), 0600); err != nil {
		return fmt.Errorf("failed to write key file: %w", err)
	}
	return nil
}

// KeyExists checks if the key file exists.
func (p *FileKeyProvider) KeyExists() bool {
	_, err := os.Stat(p.keyPath)
	return err == nil
}

// EnvKeyProvider reads the key from an environment variable. The host app
// owns the key, so StoreKey always fails.
type EnvKeyProvider struct {
	name string
}

// NewEnvKeyProvider reads the key from the variable name.
func NewEnvKeyProvider(name string) *EnvKeyProvider {
	return &EnvKeyProvider{name: name}
}

// GetKey decodes the variable's value.
func (p *EnvKeyProvider) GetKey() ([]byte, error) {
	value, ok := os.LookupEnv(p.name)
	if !ok {
		return nil, fmt.Errorf("%s is not set", p.name)
	}
	key, err := decodeKey(value)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", p.name, err)
	}
	return key, nil
}

func (p *EnvKeyProvider) StoreKey([]byte) error {
	return fmt.Errorf("key is supplied through %s: %w", p.name, domain.ErrPermissionDenied)
}

func (p *EnvKeyProvider) KeyExists() bool {
	return os.Getenv(p.name) != ""
}

// KeyProviderFor prefers a host-supplied key over the key file in dataDir.
func KeyProviderFor(dataDir string) domain.KeyProvider {
	if os.Getenv(KeyEnvVar) != "" {
		return NewEnvKeyProvider(KeyEnvVar)
	}
	return NewFileKeyProvider(dataDir)
}

func decodeKey(encoded string) ([]byte, error) {
	key, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to decode key: %w", err)
	}
	if len(key) != keySize {
		return nil, fmt.Errorf("invalid key size: got %d, want %d", len(key), keySize)
	}
	return key, nil
}

// GenerateKey creates a new random key.
func GenerateKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("failed to generate random key: %w", err)
	}
	return key, nil
}

// EnsureKey returns the stored key, generating one on first use.
func EnsureKey(provider domain.KeyProvider) ([]byte, error) {
	if provider.KeyExists() {
		return provider.GetKey()
	}
	key, err := GenerateKey()
	if err != nil {
		return nil, err
	}
	if err := provider.StoreKey(key); err != nil {
		return nil, err
	}
	return key, nil
}

var (
	_ domain.KeyProvider = (*FileKeyProvider)(nil)
	_ domain.KeyProvider = (*EnvKeyProvider)(nil)
)
