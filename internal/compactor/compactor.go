// Package compactor enforces token and byte budgets on outbound payloads
// by binary-searching the smallest suffix of conversation history that
// still fits, then repairing any tool-use/tool-result pairs the cut split.
package compactor

import (
	"fmt"

	"github.com/roelfdiedericks/duoproxy/internal/models"
	"github.com/roelfdiedericks/duoproxy/internal/protocol"
	"github.com/roelfdiedericks/duoproxy/internal/tokenizer"

	. "github.com/roelfdiedericks/duoproxy/internal/logging"
)

// markerTokenOverhead and markerByteOverhead approximate the cost of the
// synthetic truncation-notice message itself, subtracted from the budget
// up front so the marker never pushes a "fits" payload back over.
const (
	markerTokenOverhead = 50
	markerByteOverhead  = 200

	maxIntegrityPassIterations = 2
)

// Config tunes the compactor. Mirrors the teacher's CompactionManagerConfig
// naming convention, though the algorithm here is deterministic truncation
// rather than LLM-based summarization.
type Config struct {
	ReserveTokens               int     // headroom reserved for the reply, default 4096
	SafetyMarginPercent         int     // extra margin subtracted from limits, default 2
	SelectiveCompressionEnabled bool    // compress oversized tool outputs before truncating
	PreserveRecentPercent       int     // recency window excluded from compression, default 30
	MaxToolOutputBytes          int     // tool/tool_result bodies over this get compressed, default ~10KB
}

// DefaultConfig returns the compactor's built-in tuning.
func DefaultConfig() *Config {
	return &Config{
		ReserveTokens:               4096,
		SafetyMarginPercent:         2,
		SelectiveCompressionEnabled: true,
		PreserveRecentPercent:       30,
		MaxToolOutputBytes:          10 * 1024,
	}
}

// Result mirrors the teacher's CompactionResult naming, reporting what
// changed so callers can log and feed history.
type Result struct {
	Payload         *protocol.Payload
	WasCompacted    bool
	OriginalTokens  int
	CompactedTokens int
	RemovedCount    int
	Warning         string
}

// Compactor applies the deterministic truncation algorithm.
type Compactor struct {
	cfg *Config
	tok *tokenizer.Tokenizer
}

// New returns a Compactor using cfg (DefaultConfig() if nil) and the
// process-wide tokenizer singleton.
func New(cfg *Config) *Compactor {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Compactor{cfg: cfg, tok: tokenizer.Get()}
}

// Compact enforces tokenLimit and byteLimit on payload for the given
// model's vendor, returning a new Payload when truncation or compression
// was needed, or the original payload unmodified when it already fits or
// when no reduction is possible without violating the tie-break rules.
func (c *Compactor) Compact(payload *protocol.Payload, vendor models.Vendor, tokenLimit, byteLimit int) *Result {
	originalTokens := c.tok.CountMessages(payload, vendor)
	originalBytes := tokenizer.ByteSize(payload)

	margin := 100 - c.cfg.SafetyMarginPercent
	effectiveTokenLimit := tokenLimit * margin / 100
	effectiveByteLimit := byteLimit * margin / 100

	systemTokens := c.systemTokens(payload, vendor)
	systemBytes := c.systemBytes(payload)

	if systemTokens > effectiveTokenLimit-markerTokenOverhead || systemBytes > effectiveByteLimit-markerByteOverhead {
		return &Result{
			Payload:        payload,
			WasCompacted:   false,
			OriginalTokens: originalTokens,
			Warning:        "system prompt alone exceeds the token or byte budget",
		}
	}

	if originalTokens <= effectiveTokenLimit && originalBytes <= effectiveByteLimit {
		return &Result{
			Payload:         payload,
			WasCompacted:    false,
			OriginalTokens:  originalTokens,
			CompactedTokens: originalTokens,
		}
	}

	working := payload
	compressed := false
	if c.cfg.SelectiveCompressionEnabled {
		var note string
		working, note = c.compressOversizedToolOutputs(working)
		if note != "" {
			compressed = true
			workingTokens := c.tok.CountMessages(working, vendor)
			workingBytes := tokenizer.ByteSize(working)
			if workingTokens <= effectiveTokenLimit && workingBytes <= effectiveByteLimit {
				working = c.appendSystemNote(working, note)
				return &Result{
					Payload:         working,
					WasCompacted:    true,
					OriginalTokens:  originalTokens,
					CompactedTokens: c.tok.CountMessages(working, vendor),
					RemovedCount:    0,
				}
			}
		}
	}

	availableTokens := effectiveTokenLimit - systemTokens - markerTokenOverhead
	availableBytes := effectiveByteLimit - systemBytes - markerByteOverhead

	preserveIndex, found := c.binarySearchPreserveIndex(working, vendor, availableTokens, availableBytes)
	if !found {
		return &Result{
			Payload:        payload,
			WasCompacted:   false,
			OriginalTokens: originalTokens,
			Warning:        "compaction would require removing every conversation message",
		}
	}

	preserved := append([]protocol.Message(nil), working.Messages[preserveIndex:]...)
	preserved = c.integrityPass(preserved)

	if len(preserved) == 0 {
		return &Result{
			Payload:        payload,
			WasCompacted:   false,
			OriginalTokens: originalTokens,
			Warning:        "preserved sequence was empty after integrity pass",
		}
	}

	removedCount := len(working.Messages) - len(preserved)
	marker := buildMarker(working.Messages[:preserveIndex])

	result := *working
	result.Messages = append([]protocol.Message{marker}, preserved...)

	if compressed {
		L_debug("compactor: selective compression applied before truncation")
	}

	compactedTokens := c.tok.CountMessages(&result, vendor)

	L_info("compactor: truncated conversation",
		"removed", removedCount,
		"original_tokens", originalTokens,
		"compacted_tokens", compactedTokens)

	return &Result{
		Payload:         &result,
		WasCompacted:    true,
		OriginalTokens:  originalTokens,
		CompactedTokens: compactedTokens,
		RemovedCount:    removedCount,
	}
}

func (c *Compactor) systemTokens(payload *protocol.Payload, vendor models.Vendor) int {
	sysOnly := &protocol.Payload{System: payload.System}
	return c.tok.CountMessages(sysOnly, vendor)
}

func (c *Compactor) systemBytes(payload *protocol.Payload) int {
	sysOnly := &protocol.Payload{System: payload.System}
	return tokenizer.ByteSize(sysOnly)
}

// binarySearchPreserveIndex finds the smallest index i such that keeping
// messages[i:] fits both budgets, using cumulative-from-end cost arrays.
func (c *Compactor) binarySearchPreserveIndex(payload *protocol.Payload, vendor models.Vendor, availableTokens, availableBytes int) (int, bool) {
	n := len(payload.Messages)
	if n == 0 {
		return 0, true
	}

	cumTokens := make([]int, n+1)
	cumBytes := make([]int, n+1)
	for i := n - 1; i >= 0; i-- {
		msgTokens := c.tok.CountMessages(&protocol.Payload{Messages: payload.Messages[i : i+1]}, vendor)
		msgBytes := tokenizer.ByteSize(&protocol.Payload{Messages: payload.Messages[i : i+1]})
		cumTokens[i] = cumTokens[i+1] + msgTokens
		cumBytes[i] = cumBytes[i+1] + msgBytes
	}

	fits := func(i int) bool {
		return cumTokens[i] <= availableTokens && cumBytes[i] <= availableBytes
	}

	lo, hi := 0, n
	for lo < hi {
		mid := (lo + hi) / 2
		if fits(mid) {
			hi = mid
		} else {
			lo = mid + 1
		}
	}

	if lo >= n {
		return 0, false
	}

	return lo, true
}

// integrityPass drops orphaned tool_use/tool_result entries and leading
// non-user messages, repeating to a fixed point bounded by two iterations.
func (c *Compactor) integrityPass(messages []protocol.Message) []protocol.Message {
	for iter := 0; iter < maxIntegrityPassIterations; iter++ {
		before := len(messages)

		toolUseIDs := collectToolUseIDs(messages)
		toolResultIDs := collectToolResultIDs(messages)

		messages = dropOrphanToolResults(messages, toolUseIDs)
		messages = dropOrphanToolUses(messages, toolResultIDs)
		messages = dropLeadingNonUser(messages)

		if len(messages) == before {
			break
		}
	}
	return messages
}

func collectToolUseIDs(messages []protocol.Message) map[string]bool {
	ids := make(map[string]bool)
	for _, msg := range messages {
		for _, call := range msg.ToolCalls {
			ids[call.ID] = true
		}
		for _, part := range msg.Parts {
			if part.Kind == protocol.PartToolUse {
				ids[part.ToolUseID] = true
			}
		}
	}
	return ids
}

func collectToolResultIDs(messages []protocol.Message) map[string]bool {
	ids := make(map[string]bool)
	for _, msg := range messages {
		if msg.Role == protocol.RoleTool && msg.ToolCallID != "" {
			ids[msg.ToolCallID] = true
		}
		for _, part := range msg.Parts {
			if part.Kind == protocol.PartToolResult {
				ids[part.ToolResultForID] = true
			}
		}
	}
	return ids
}

func dropOrphanToolResults(messages []protocol.Message, toolUseIDs map[string]bool) []protocol.Message {
	out := make([]protocol.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == protocol.RoleTool && msg.ToolCallID != "" && !toolUseIDs[msg.ToolCallID] {
			continue
		}
		if len(msg.Parts) > 0 {
			kept := make([]protocol.ContentPart, 0, len(msg.Parts))
			for _, part := range msg.Parts {
				if part.Kind == protocol.PartToolResult && !toolUseIDs[part.ToolResultForID] {
					continue
				}
				kept = append(kept, part)
			}
			msg.Parts = kept
		}
		out = append(out, msg)
	}
	return out
}

func dropOrphanToolUses(messages []protocol.Message, toolResultIDs map[string]bool) []protocol.Message {
	out := make([]protocol.Message, 0, len(messages))
	for _, msg := range messages {
		if len(msg.ToolCalls) > 0 {
			kept := make([]protocol.ToolCall, 0, len(msg.ToolCalls))
			for _, call := range msg.ToolCalls {
				if toolResultIDs[call.ID] {
					kept = append(kept, call)
				}
			}
			msg.ToolCalls = kept
		}
		if len(msg.Parts) > 0 {
			kept := make([]protocol.ContentPart, 0, len(msg.Parts))
			for _, part := range msg.Parts {
				if part.Kind == protocol.PartToolUse && !toolResultIDs[part.ToolUseID] {
					continue
				}
				kept = append(kept, part)
			}
			msg.Parts = kept
		}
		out = append(out, msg)
	}
	return out
}

func dropLeadingNonUser(messages []protocol.Message) []protocol.Message {
	i := 0
	for i < len(messages) && messages[i].Role != protocol.RoleUser {
		i++
	}
	return messages[i:]
}

// buildMarker summarizes the removed prefix, per the spec's literal
// truncation-notice format.
func buildMarker(removed []protocol.Message) protocol.Message {
	roleCounts := make(map[protocol.Role]int)
	toolNames := make([]string, 0)
	seenTools := make(map[string]bool)

	for _, msg := range removed {
		roleCounts[msg.Role]++
		for _, call := range msg.ToolCalls {
			if !seenTools[call.FunctionName] && len(toolNames) < 5 {
				seenTools[call.FunctionName] = true
				toolNames = append(toolNames, call.FunctionName)
			}
		}
		for _, part := range msg.Parts {
			if part.Kind == protocol.PartToolUse && !seenTools[part.ToolName] && len(toolNames) < 5 {
				seenTools[part.ToolName] = true
				toolNames = append(toolNames, part.ToolName)
			}
		}
	}

	text := fmt.Sprintf("[CONTEXT TRUNCATED: %d earlier messages removed (", len(removed))
	first := true
	for _, role := range []protocol.Role{protocol.RoleUser, protocol.RoleAssistant, protocol.RoleTool} {
		if roleCounts[role] == 0 {
			continue
		}
		if !first {
			text += ", "
		}
		text += fmt.Sprintf("%d %s", roleCounts[role], role)
		first = false
	}
	text += ")"
	if len(toolNames) > 0 {
		text += fmt.Sprintf(", tools: %v", toolNames)
	}
	text += "]"

	return protocol.Message{Role: protocol.RoleUser, Text: text}
}

// appendSystemNote appends a compression notice to the system slot,
// creating one if the payload has none.
func (c *Compactor) appendSystemNote(payload *protocol.Payload, note string) *protocol.Payload {
	result := *payload
	result.System = append(append([]protocol.ContentPart(nil), payload.System...), protocol.ContentPart{
		Kind: protocol.PartText,
		Text: note,
	})
	return &result
}

// compressOversizedToolOutputs replaces the body of large, non-recent
// tool_result content with a head/tail excerpt. Returns the (possibly
// unchanged) payload and a non-empty note when any compression occurred.
func (c *Compactor) compressOversizedToolOutputs(payload *protocol.Payload) (*protocol.Payload, string) {
	n := len(payload.Messages)
	if n == 0 {
		return payload, ""
	}

	recentCount := n * c.cfg.PreserveRecentPercent / 100
	thresholdIndex := n - recentCount

	messages := append([]protocol.Message(nil), payload.Messages...)
	compressedAny := 0

	for i := 0; i < thresholdIndex; i++ {
		msg := messages[i]
		changed := false

		if msg.Role == protocol.RoleTool && len(msg.Text) > c.cfg.MaxToolOutputBytes {
			msg.Text = excerpt(msg.Text)
			changed = true
		}
		if len(msg.Parts) > 0 {
			parts := append([]protocol.ContentPart(nil), msg.Parts...)
			for j, part := range parts {
				if part.Kind == protocol.PartToolResult && len(part.ToolResultText) > c.cfg.MaxToolOutputBytes {
					parts[j].ToolResultText = excerpt(part.ToolResultText)
					changed = true
				}
			}
			msg.Parts = parts
		}

		if changed {
			compressedAny++
			messages[i] = msg
		}
	}

	if compressedAny == 0 {
		return payload, ""
	}

	result := *payload
	result.Messages = messages
	note := fmt.Sprintf("[%d oversized tool outputs were compressed to fit the context budget]", compressedAny)
	return &result, note
}

const excerptHeadTailLen = 250

func excerpt(body string) string {
	if len(body) <= 2*excerptHeadTailLen {
		return body
	}
	omitted := len(body) - 2*excerptHeadTailLen
	return body[:excerptHeadTailLen] + fmt.Sprintf("[… %d characters omitted …]", omitted) + body[len(body)-excerptHeadTailLen:]
}
