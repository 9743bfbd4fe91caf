package secrets

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"filippo.io/age"
	"gopkg.in/yaml.v3"
)

const (
	envAgeSecretKey = "AGE_SECRET_KEY"

	// DefaultKey is the credential entry used when no per-server or
	// per-device entry exists.
	DefaultKey = "default"
)

// Credential is one username/password pair for a management surface (BMC,
// SSH, vendor tool).
type Credential struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// Store holds credentials loaded from an age-encrypted YAML file. The file
// maps lookup keys (server IDs, device types, or "default") to credentials
// and is decrypted once at startup; plaintext credential files are
// rejected.
type Store struct {
	creds map[string]Credential
}

// Open decrypts and parses the credential file at path using the identity
// in AGE_SECRET_KEY.
func Open(path string) (*Store, error) {
	secret := strings.TrimSpace(os.Getenv(envAgeSecretKey))
	if secret == "" {
		return nil, fmt.Errorf("%s must be set to open the credential store", envAgeSecretKey)
	}
	identity, err := age.ParseX25519Identity(secret)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", envAgeSecretKey, err)
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	defer f.Close()

	return decode(f, identity)
}

func decode(r io.Reader, identity age.Identity) (*Store, error) {
	plain, err := age.Decrypt(r, identity)
	if err != nil {
		return nil, fmt.Errorf("decrypt credential store: %w", err)
	}
	data, err := io.ReadAll(plain)
	if err != nil {
		return nil, fmt.Errorf("read credential store: %w", err)
	}

	var creds map[string]Credential
	if err := yaml.Unmarshal(data, &creds); err != nil {
		return nil, fmt.Errorf("parse credential store: %w", err)
	}
	if len(creds) == 0 {
		return nil, errors.New("credential store is empty")
	}
	return &Store{creds: creds}, nil
}

// Static builds a store from an in-memory map, for tests and for
// deployments injecting credentials through other means.
func Static(creds map[string]Credential) *Store {
	copied := make(map[string]Credential, len(creds))
	for k, v := range creds {
		copied[k] = v
	}
	return &Store{creds: copied}
}

// Lookup returns the credential registered under key.
func (s *Store) Lookup(key string) (Credential, bool) {
	if s == nil {
		return Credential{}, false
	}
	c, ok := s.creds[key]
	return c, ok
}

// For resolves the credential for a server, trying the server ID first,
// then the device type, then the default entry.
func (s *Store) For(serverID, deviceType string) (Credential, error) {
	for _, key := range []string{serverID, deviceType, DefaultKey} {
		if key == "" {
			continue
		}
		if c, ok := s.Lookup(key); ok {
			return c, nil
		}
	}
	return Credential{}, fmt.Errorf("no credential for server %s (device type %q) and no default entry", serverID, deviceType)
}
