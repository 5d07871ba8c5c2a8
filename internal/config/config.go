// Package config loads and hot-reloads duoproxy's JSON configuration file.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"

	"dario.cat/mergo"

	"github.com/roelfdiedericks/duoproxy/internal/paths"

	. "github.com/roelfdiedericks/duoproxy/internal/logging"
)

// Config is the merged duoproxy configuration.
type Config struct {
	Listen      ListenConfig      `json:"listen"`
	CORS        CORSConfig        `json:"cors"`
	RateLimit   RateLimitConfig   `json:"rateLimit"`
	Compaction  CompactionConfig  `json:"compaction"`
	History     HistoryConfig     `json:"history"`
	Upstream    UpstreamConfig    `json:"upstream"`
	PassThrough PassThroughConfig `json:"passThrough"`
}

// ListenConfig configures the HTTP listen address.
type ListenConfig struct {
	Address string `json:"address"` // default ":8787"
}

// CORSConfig configures cross-origin access to the proxy surface.
type CORSConfig struct {
	AllowedOrigins []string `json:"allowedOrigins"` // default ["*"]
	AllowedMethods []string `json:"allowedMethods"`
	AllowedHeaders []string `json:"allowedHeaders"`
	MaxAge         int      `json:"maxAge"` // seconds, default 300
}

// RateLimitConfig tunes the adaptive rate limiter (see spec §4.G). Field
// names and defaults mirror the three-mode state machine in
// internal/ratelimit, not a token-bucket design.
type RateLimitConfig struct {
	Enabled                bool  `json:"enabled"`                // default true
	RequestIntervalSeconds int   `json:"requestIntervalSeconds"` // inter-request wait while serialized, default 10
	BaseBackoffSeconds     int   `json:"baseBackoffSeconds"`     // default 10
	MaxBackoffSeconds      int   `json:"maxBackoffSeconds"`      // default 120
	SuccessesToRecover     int   `json:"successesToRecover"`     // K, default 5
	RecoveryTimeoutMinutes int   `json:"recoveryTimeoutMinutes"` // default 10
	RecoverySteps          []int `json:"recoverySteps"`          // seconds, default [5,2,1,0]
	MaxQueueDepth          int   `json:"maxQueueDepth"`          // requests allowed to queue before rejecting, default 100
}

// CompactionConfig tunes the context compactor (see spec §4.E).
type CompactionConfig struct {
	Enabled                     bool `json:"enabled"`                     // default true
	ReserveTokens               int  `json:"reserveTokens"`               // headroom reserved for the reply, default 4096
	SafetyMarginPercent         int  `json:"safetyMarginPercent"`         // extra margin subtracted from limits, default 2
	SelectiveCompressionEnabled bool `json:"selectiveCompressionEnabled"` // compress oversized tool outputs before truncating
	PreserveRecentPercent       int  `json:"preserveRecentPercent"`       // recency window excluded from compression, default 30
	MaxToolOutputBytes          int  `json:"maxToolOutputBytes"`          // tool/tool_result bodies over this get compressed, default 10240
}

// HistoryConfig configures the optional in-memory request/response ring buffer.
type HistoryConfig struct {
	Enabled  bool `json:"enabled"`  // default false
	Capacity int  `json:"capacity"` // number of entries retained, default 200
}

// UpstreamConfig configures the copilot-compatible upstream.
type UpstreamConfig struct {
	APIBaseURL       string `json:"apiBaseURL"`
	DeviceCodeURL    string `json:"deviceCodeURL"`
	TokenExchangeURL string `json:"tokenExchangeURL"`
	ClientID         string `json:"clientID"`
	RequestTimeoutMS int    `json:"requestTimeoutMS"` // default 60000
}

// PassThroughConfig controls which Anthropic-native fields survive untouched.
type PassThroughConfig struct {
	DirectAnthropicMode bool     `json:"directAnthropicMode"` // skip OpenAI translation when true
	AllowedNativeFields []string `json:"allowedNativeFields"`
	ReservedKeywords    []string `json:"reservedKeywords"` // system-prompt lines containing any of these are stripped on the translated path
}

// Defaults returns the built-in configuration used to fill any field a
// loaded file leaves unset.
func Defaults() *Config {
	return &Config{
		Listen: ListenConfig{Address: ":8787"},
		CORS: CORSConfig{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "Content-Type", "X-Requested-With"},
			MaxAge:         300,
		},
		RateLimit: RateLimitConfig{
			Enabled:                true,
			RequestIntervalSeconds: 10,
			BaseBackoffSeconds:     10,
			MaxBackoffSeconds:      120,
			SuccessesToRecover:     5,
			RecoveryTimeoutMinutes: 10,
			RecoverySteps:          []int{5, 2, 1, 0},
			MaxQueueDepth:          100,
		},
		Compaction: CompactionConfig{
			Enabled:                     true,
			ReserveTokens:               4096,
			SafetyMarginPercent:         2,
			SelectiveCompressionEnabled: true,
			PreserveRecentPercent:       30,
			MaxToolOutputBytes:          10 * 1024,
		},
		History: HistoryConfig{
			Enabled:  false,
			Capacity: 200,
		},
		Upstream: UpstreamConfig{
			APIBaseURL:       "https://api.githubcopilot.com",
			DeviceCodeURL:    "https://github.com/login/device/code",
			TokenExchangeURL: "https://github.com/login/oauth/access_token",
			ClientID:         "Iv1.b507a08c87ecfe98",
			RequestTimeoutMS: 60000,
		},
		PassThrough: PassThroughConfig{
			DirectAnthropicMode: false,
			AllowedNativeFields: []string{"thinking", "cache_control", "metadata"},
			ReservedKeywords:    []string{"duoproxy_"},
		},
	}
}

// isMinimalJSON reports whether data is absent or just "{}"/whitespace.
func isMinimalJSON(data []byte) bool {
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		return true
	}
	return len(m) == 0
}

// LoadResult carries the loaded config plus where it came from.
type LoadResult struct {
	Config      *Config
	SourcePath  string
	Bootstraped bool // true if the file was missing or empty and defaults were written
}

// Load reads config.json (local, then global), merging over Defaults().
// If no file exists, defaults are written to the default path so the
// proxy has a durable, editable config from its very first run.
func Load() (*LoadResult, error) {
	path, err := paths.ConfigPath()
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	cfg := Defaults()

	if path == "" {
		defaultPath, err := paths.DefaultConfigPath()
		if err != nil {
			return nil, fmt.Errorf("resolve default config path: %w", err)
		}
		if err := AtomicWriteJSON(defaultPath, cfg, 0600); err != nil {
			return nil, fmt.Errorf("write default config: %w", err)
		}
		L_info("config: bootstrapped defaults", "path", defaultPath)
		return &LoadResult{Config: cfg, SourcePath: defaultPath, Bootstraped: true}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}

	if isMinimalJSON(data) {
		L_info("config: file present but empty, using defaults", "path", path)
		return &LoadResult{Config: cfg, SourcePath: path, Bootstraped: true}, nil
	}

	var loaded Config
	if err := json.Unmarshal(data, &loaded); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}

	if err := mergo.Merge(&loaded, cfg); err != nil {
		return nil, fmt.Errorf("merge config defaults: %w", err)
	}

	L_debug("config: loaded", "path", path)
	return &LoadResult{Config: &loaded, SourcePath: path}, nil
}

// Save writes cfg atomically to path.
func Save(path string, cfg *Config) error {
	return AtomicWriteJSON(path, cfg, 0600)
}

// Watcher hot-reloads config.json and notifies subscribers on change.
type Watcher struct {
	mu       sync.RWMutex
	current  *Config
	path     string
	onChange func(*Config)
}

// NewWatcher wraps an already-loaded config for safe concurrent access
// and optional hot-reload via Start.
func NewWatcher(result *LoadResult, onChange func(*Config)) *Watcher {
	return &Watcher{
		current:  result.Config,
		path:     result.SourcePath,
		onChange: onChange,
	}
}

// Get returns the current configuration snapshot.
func (w *Watcher) Get() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Reload re-reads the config file from disk, merges it over defaults,
// swaps it in, and invokes the change callback if registered.
func (w *Watcher) Reload() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("reload config %s: %w", w.path, err)
	}

	loaded := Defaults()
	if !isMinimalJSON(data) {
		var parsed Config
		if err := json.Unmarshal(data, &parsed); err != nil {
			return fmt.Errorf("parse reloaded config: %w", err)
		}
		if err := mergo.Merge(&parsed, loaded); err != nil {
			return fmt.Errorf("merge reloaded config: %w", err)
		}
		loaded = &parsed
	}

	w.mu.Lock()
	w.current = loaded
	w.mu.Unlock()

	L_info("config: reloaded", "path", w.path)
	if w.onChange != nil {
		w.onChange(loaded)
	}
	return nil
}
