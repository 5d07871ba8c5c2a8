// Package credentials persists the long-lived Upstream bearer token to a
// single file owned exclusively by the current user.
package credentials

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/roelfdiedericks/duoproxy/internal/config"
	"github.com/roelfdiedericks/duoproxy/internal/paths"

	. "github.com/roelfdiedericks/duoproxy/internal/logging"
)

// ErrNotPresent is returned by Read when no token file exists yet.
var ErrNotPresent = errors.New("credentials: token not present")

// Store reads, writes, and erases the long-lived token file.
type Store struct {
	path string
}

// NewStore resolves the token file path under the application data directory.
func NewStore() (*Store, error) {
	path, err := paths.TokenPath()
	if err != nil {
		return nil, fmt.Errorf("resolve token path: %w", err)
	}
	return &Store{path: path}, nil
}

// NewStoreAt builds a Store against an explicit path, bypassing XDG
// resolution; used by tests and callers with a non-default data directory.
func NewStoreAt(path string) *Store {
	return &Store{path: path}
}

// Read returns the stored long-lived token, or ErrNotPresent if the file
// is missing or empty.
func (s *Store) Read() (string, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNotPresent
		}
		return "", fmt.Errorf("read token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNotPresent
	}
	return token, nil
}

// Write persists token atomically with mode 0600, creating the parent
// directory if needed.
func (s *Store) Write(token string) error {
	if err := paths.EnsureParentDir(s.path); err != nil {
		return err
	}
	if err := config.AtomicWrite(s.path, []byte(token), 0600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	L_info("credentials: token stored", "path", s.path)
	return nil
}

// Erase removes the token file. Idempotent when the file is already gone.
func (s *Store) Erase() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("erase token file: %w", err)
	}
	L_info("credentials: token erased", "path", s.path)
	return nil
}

// Path returns the resolved token file path, for diagnostics.
func (s *Store) Path() string {
	return s.path
}
