package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsAreComplete(t *testing.T) {
	cfg := Defaults()

	if cfg.Listen.Address == "" {
		t.Error("expected a default listen address")
	}
	if len(cfg.CORS.AllowedOrigins) == 0 {
		t.Error("expected default CORS origins")
	}
	if cfg.RateLimit.RequestIntervalSeconds <= 0 {
		t.Error("expected a positive default request interval")
	}
	if cfg.Compaction.ReserveTokens <= 0 {
		t.Error("expected a positive reserve token default")
	}
}

func TestIsMinimalJSON(t *testing.T) {
	tests := []struct {
		name string
		data string
		want bool
	}{
		{"empty object", "{}", true},
		{"whitespace", "   \n", true},
		{"invalid json", "not json", true},
		{"populated", `{"listen":{"address":":9000"}}`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := isMinimalJSON([]byte(tt.data)); got != tt.want {
				t.Errorf("isMinimalJSON(%q) = %v, want %v", tt.data, got, tt.want)
			}
		})
	}
}

func TestAtomicWriteJSONRoundTrip(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := Defaults()
	cfg.Listen.Address = ":9999"

	if err := AtomicWriteJSON(path, cfg, 0600); err != nil {
		t.Fatalf("AtomicWriteJSON: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if loaded.Listen.Address != ":9999" {
		t.Errorf("Listen.Address = %q, want :9999", loaded.Listen.Address)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Mode().Perm() != 0600 {
		t.Errorf("mode = %v, want 0600", info.Mode().Perm())
	}

	// No stray temp files left behind.
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 1 {
		t.Errorf("expected exactly one file in %s, got %d", dir, len(entries))
	}
}

func TestLoadBootstrapsDefaultsWhenMissing(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("XDG_DATA_HOME", dir)

	oldWd, _ := os.Getwd()
	tmpCwd := t.TempDir()
	if err := os.Chdir(tmpCwd); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	defer os.Chdir(oldWd)

	result, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !result.Bootstraped {
		t.Error("expected Bootstraped to be true on first run")
	}
	if result.Config.Listen.Address != Defaults().Listen.Address {
		t.Error("expected bootstrapped config to match defaults")
	}

	if _, err := os.Stat(result.SourcePath); err != nil {
		t.Errorf("expected config file to be written to %s: %v", result.SourcePath, err)
	}
}

func TestWatcherReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	cfg := Defaults()
	if err := AtomicWriteJSON(path, cfg, 0600); err != nil {
		t.Fatalf("seed config: %v", err)
	}

	result := &LoadResult{Config: cfg, SourcePath: path}

	var notified *Config
	w := NewWatcher(result, func(c *Config) { notified = c })

	updated := Defaults()
	updated.Listen.Address = ":1234"
	if err := AtomicWriteJSON(path, updated, 0600); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	if err := w.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if w.Get().Listen.Address != ":1234" {
		t.Errorf("Get().Listen.Address = %q, want :1234", w.Get().Listen.Address)
	}
	if notified == nil || notified.Listen.Address != ":1234" {
		t.Error("expected onChange callback to receive the reloaded config")
	}
}
