package credentials

import (
	"os"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return &Store{path: filepath.Join(dir, "github_token")}
}

func TestReadNotPresent(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Read()
	if err != ErrNotPresent {
		t.Fatalf("Read() error = %v, want ErrNotPresent", err)
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	s := newTestStore(t)

	if err := s.Write("gho_abc123"); err != nil {
		t.Fatalf("Write: %v", err)
	}

	got, err := s.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != "gho_abc123" {
		t.Errorf("Read() = %q, want gho_abc123", got)
	}

	info, err := os.Stat(s.path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}
}

func TestReadTrimsWhitespace(t *testing.T) {
	s := newTestStore(t)
	if err := os.WriteFile(s.path, []byte("  token-with-padding\n\n"), 0600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	got, err := s.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got != "token-with-padding" {
		t.Errorf("Read() = %q, want trimmed token", got)
	}
}

func TestReadEmptyFileIsNotPresent(t *testing.T) {
	s := newTestStore(t)
	if err := os.WriteFile(s.path, []byte("   \n"), 0600); err != nil {
		t.Fatalf("seed file: %v", err)
	}

	_, err := s.Read()
	if err != ErrNotPresent {
		t.Fatalf("Read() error = %v, want ErrNotPresent", err)
	}
}

func TestEraseIdempotent(t *testing.T) {
	s := newTestStore(t)
	if err := s.Erase(); err != nil {
		t.Fatalf("Erase on absent file: %v", err)
	}

	if err := s.Write("token"); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if err := s.Erase(); err != nil {
		t.Fatalf("Erase: %v", err)
	}
	if _, err := s.Read(); err != ErrNotPresent {
		t.Fatalf("Read after erase = %v, want ErrNotPresent", err)
	}
}
