// Package models caches the Upstream model catalog and exposes per-model
// capability lookups used by the tokenizer, compactor, and translator.
package models

import (
	"strings"
	"sync"

	. "github.com/roelfdiedericks/duoproxy/internal/logging"
)

// Vendor identifies which wire family a model natively speaks.
type Vendor string

const (
	VendorOpenAI    Vendor = "openai"
	VendorAnthropic Vendor = "anthropic"
	VendorOther     Vendor = "other"
)

// Capabilities mirrors the descriptor fields named in the data model:
// tokenizer_name, max_prompt_tokens, max_output_tokens,
// max_context_window_tokens, supports_tool_calls,
// supports_parallel_tool_calls, supports_vision, is_preview.
type Capabilities struct {
	TokenizerName             string `json:"tokenizer_name"`
	MaxPromptTokens           int    `json:"max_prompt_tokens"`
	MaxOutputTokens           int    `json:"max_output_tokens"`
	MaxContextWindowTokens    int    `json:"max_context_window_tokens"`
	SupportsToolCalls         bool   `json:"supports_tool_calls"`
	SupportsParallelToolCalls bool   `json:"supports_parallel_tool_calls"`
	SupportsVision            bool   `json:"supports_vision"`
	IsPreview                 bool   `json:"is_preview"`
}

// Model is a single entry in the catalog.
type Model struct {
	ID           string       `json:"id"`
	Vendor       Vendor       `json:"vendor"`
	DisplayName  string       `json:"display_name"`
	Capabilities Capabilities `json:"capabilities"`
}

// DefaultTokenizerName is used when a model's capability payload omits one;
// cl100k_base is the common recent OpenAI-family BPE encoding.
const DefaultTokenizerName = "cl100k_base"

// Cache holds the process-wide model catalog, loaded once per run and
// refreshed on demand (e.g. when a request references an unknown model id).
type Cache struct {
	mu     sync.RWMutex
	byID   map[string]*Model
	loaded bool
}

var (
	global     *Cache
	globalOnce sync.Once
)

// Get returns the process-wide model cache singleton.
func Get() *Cache {
	globalOnce.Do(func() {
		global = &Cache{byID: make(map[string]*Model)}
	})
	return global
}

// Replace swaps in a freshly fetched catalog (called after list_models).
func (c *Cache) Replace(list []*Model) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.byID = make(map[string]*Model, len(list))
	for _, m := range list {
		c.byID[m.ID] = m
	}
	c.loaded = true
	L_info("models: catalog replaced", "count", len(list))
}

// Lookup returns the descriptor for id, or nil if unknown.
func (c *Cache) Lookup(id string) *Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.byID[id]
}

// Loaded reports whether the catalog has been populated at least once.
func (c *Cache) Loaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// All returns a snapshot of every cached model.
func (c *Cache) All() []*Model {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Model, 0, len(c.byID))
	for _, m := range c.byID {
		out = append(out, m)
	}
	return out
}

// VendorOf classifies a model id into the vendor families the translator
// cares about; ids matching neither family return VendorOther.
func VendorOf(modelID string) Vendor {
	lower := strings.ToLower(modelID)
	if strings.HasPrefix(lower, "claude-") || strings.Contains(lower, "claude") {
		return VendorAnthropic
	}
	if strings.HasPrefix(lower, "gpt-") || strings.HasPrefix(lower, "o1") ||
		strings.HasPrefix(lower, "o3") || strings.HasPrefix(lower, "o4") {
		return VendorOpenAI
	}
	return VendorOther
}

// SafetyMultiplier returns the cross-tokenizer drift buffer for a model's
// vendor family: Anthropic models get the larger 1.05x buffer since the
// cl100k_base counter is calibrated against OpenAI's own BPE.
func SafetyMultiplier(vendor Vendor) float64 {
	if vendor == VendorAnthropic {
		return 1.05
	}
	return 1.03
}
