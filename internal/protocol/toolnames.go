package protocol

import (
	"crypto/sha1"
	"encoding/hex"
)

// MaxOpenAIToolNameLength is the longest tool name OpenAI's function-calling
// surface accepts.
const MaxOpenAIToolNameLength = 64

// toolNameHashSuffixLen is the number of hex characters appended to a
// truncated tool name so distinct long names don't collide.
const toolNameHashSuffixLen = 8

// ToolNameMap is a per-request bidirectional mapping between a tool's
// original name and its OpenAI-safe truncated form. Its lifetime is a
// single request; it is never shared across goroutines handling other
// requests.
type ToolNameMap struct {
	toTruncated map[string]string
	toOriginal  map[string]string
}

// NewToolNameMap returns an empty mapping.
func NewToolNameMap() *ToolNameMap {
	return &ToolNameMap{
		toTruncated: make(map[string]string),
		toOriginal:  make(map[string]string),
	}
}

// Truncate returns the OpenAI-safe form of name, registering the mapping
// the first time a given original name is seen. Names of 64 characters or
// fewer pass through unchanged.
func (t *ToolNameMap) Truncate(name string) string {
	if len(name) <= MaxOpenAIToolNameLength {
		return name
	}
	if existing, ok := t.toTruncated[name]; ok {
		return existing
	}

	sum := sha1.Sum([]byte(name))
	suffix := hex.EncodeToString(sum[:])[:toolNameHashSuffixLen]

	keep := MaxOpenAIToolNameLength - toolNameHashSuffixLen - 1 // room for "_" + suffix
	truncated := name[:keep] + "_" + suffix

	t.toTruncated[name] = truncated
	t.toOriginal[truncated] = name
	return truncated
}

// Restore returns the original name for a (possibly truncated) name seen
// in an upstream response. Names not found in the mapping are returned
// unchanged, which covers tools whose names never needed truncation.
func (t *ToolNameMap) Restore(name string) string {
	if original, ok := t.toOriginal[name]; ok {
		return original
	}
	return name
}
