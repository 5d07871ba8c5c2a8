// Package tokenizer counts tokens for canonical message arrays using a
// byte-pair encoder, applying the per-message overhead and cross-vendor
// safety buffers the translator and compactor both depend on.
package tokenizer

import (
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/roelfdiedericks/duoproxy/internal/models"
	"github.com/roelfdiedericks/duoproxy/internal/protocol"

	. "github.com/roelfdiedericks/duoproxy/internal/logging"
)

// perMessageOverhead approximates the fixed structural cost (role tags,
// separators) the underlying BPE encoder doesn't directly see.
const perMessageOverhead = 4

// perToolCallOverhead approximates the additional structural cost of a
// tool_use/tool_calls entry beyond its raw argument text.
const perToolCallOverhead = 8

// Tokenizer counts tokens for message arrays under a named BPE encoding.
// One instance is created and reused for the process lifetime.
type Tokenizer struct {
	mu       sync.RWMutex
	encoding *tiktoken.Tiktoken
}

var (
	global     *Tokenizer
	globalOnce sync.Once
)

// Get returns the process-wide tokenizer singleton, created lazily on
// first use and falling back to a char/4 estimate if the encoder table
// can't be loaded.
func Get() *Tokenizer {
	globalOnce.Do(func() {
		t, err := New(models.DefaultTokenizerName)
		if err != nil {
			L_warn("tokenizer: failed to load encoding, using char-based fallback", "error", err)
			t = &Tokenizer{}
		}
		global = t
	})
	return global
}

// New creates a Tokenizer for the named encoding (e.g. "cl100k_base").
func New(encodingName string) (*Tokenizer, error) {
	enc, err := tiktoken.GetEncoding(encodingName)
	if err != nil {
		return nil, err
	}
	return &Tokenizer{encoding: enc}, nil
}

// CountText returns the raw token count for a string, falling back to
// chars/4 when no encoder is available.
func (t *Tokenizer) CountText(text string) int {
	if t == nil || t.encoding == nil {
		return len(text) / 4
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.encoding.Encode(text, nil, nil))
}

// CountMessages returns the total token count for a message array,
// including system text, summing per-message and per-tool-call overhead,
// then applying the vendor-dependent safety multiplier.
func (t *Tokenizer) CountMessages(payload *protocol.Payload, vendor models.Vendor) int {
	total := 0

	for _, part := range payload.System {
		total += t.CountText(part.Text) + perMessageOverhead
	}

	for _, msg := range payload.Messages {
		total += perMessageOverhead
		if msg.IsPlainText() {
			total += t.CountText(msg.Text)
		} else {
			for _, part := range msg.Parts {
				total += t.countPart(part)
			}
		}
		for _, call := range msg.ToolCalls {
			total += perToolCallOverhead
			total += t.CountText(call.FunctionName)
			total += t.CountText(call.ArgumentsJSON)
		}
	}

	buffered := float64(total) * models.SafetyMultiplier(vendor)
	return int(buffered) + 1 // round up so equality-at-limit stays conservative
}

func (t *Tokenizer) countPart(part protocol.ContentPart) int {
	switch part.Kind {
	case protocol.PartText, protocol.PartThinking:
		return t.CountText(part.Text)
	case protocol.PartToolUse:
		return perToolCallOverhead + t.CountText(part.ToolName) + t.CountText(string(part.ToolInputRaw))
	case protocol.PartToolResult:
		return t.CountText(part.ToolResultText)
	case protocol.PartImage:
		// Vision tokenization is provider-specific and not modeled here;
		// a flat placeholder keeps budgets conservative rather than
		// silently under-counting image-heavy payloads.
		return 256
	default:
		return 0
	}
}

// ByteSize returns the serialized size in bytes of a message array's
// text content, used by the compactor's byte-budget arm.
func ByteSize(payload *protocol.Payload) int {
	total := 0
	for _, part := range payload.System {
		total += len(part.Text)
	}
	for _, msg := range payload.Messages {
		if msg.IsPlainText() {
			total += len(msg.Text)
		} else {
			for _, part := range msg.Parts {
				total += len(part.Text) + len(part.ToolResultText) + len(part.ToolInputRaw)
			}
		}
		for _, call := range msg.ToolCalls {
			total += len(call.FunctionName) + len(call.ArgumentsJSON)
		}
	}
	return total
}
