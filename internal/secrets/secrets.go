// Package secrets provides read-only access to provider credentials.
// The pipeline never inspects secrets itself; they are resolved here and
// handed to provider constructors.
package secrets

import (
	"os"
	"path/filepath"
	"strings"
)

// Reader resolves a credential by key ID.
type Reader interface {
	Read(keyID string) (string, bool)
}

// EnvReader resolves credentials from environment variables.
type EnvReader struct{}

func (EnvReader) Read(keyID string) (string, bool) {
	v := strings.TrimSpace(os.Getenv(keyID))
	return v, v != ""
}

// FileReader resolves credentials from files named after the key ID inside a
// directory, the layout used by container secret mounts.
type FileReader struct {
	Dir string
}

func (f FileReader) Read(keyID string) (string, bool) {
	if f.Dir == "" {
		return "", false
	}
	data, err := os.ReadFile(filepath.Join(f.Dir, keyID))
	if err != nil {
		return "", false
	}
	v := strings.TrimSpace(string(data))
	return v, v != ""
}

// Chain tries each reader in order and returns the first hit.
type Chain []Reader

func (c Chain) Read(keyID string) (string, bool) {
	for _, r := range c {
		if v, ok := r.Read(keyID); ok {
			return v, true
		}
	}
	return "", false
}

// Static is a fixed in-memory reader, used in tests and wiring.
type Static map[string]string

func (s Static) Read(keyID string) (string, bool) {
	v, ok := s[keyID]
	return v, ok && v != ""
}
