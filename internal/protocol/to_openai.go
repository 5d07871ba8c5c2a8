package protocol

import (
	"encoding/json"
	"strings"

	"github.com/roelfdiedericks/duoproxy/internal/protocol/openaiwire"
)

// syntheticToolResultText is injected for a tool_calls entry with no
// matching downstream tool message, so Upstream never sees a dangling call.
const syntheticToolResultText = "Tool execution was interrupted or failed."

// ToOpenAIRequest builds the OpenAI wire request for a canonical payload.
// names truncates tool names longer than 64 characters and records the
// mapping for response back-translation; reservedKeywords strips any
// system line containing one of the configured substrings.
func ToOpenAIRequest(p *Payload, names *ToolNameMap, reservedKeywords []string) *openaiwire.Request {
	req := &openaiwire.Request{
		Model:       p.Model,
		Temperature: p.Temperature,
		TopP:        p.TopP,
		MaxTokens:   p.MaxTokens,
		Stream:      p.Stream,
		User:        p.UserID,
	}

	if len(p.StopSequences) > 0 {
		if b, err := json.Marshal(p.StopSequences); err == nil {
			req.Stop = b
		}
	}

	messages := make([]openaiwire.Message, 0, len(p.Messages)+1)
	if system := buildSystemText(p.System, reservedKeywords); system != "" {
		s := system
		messages = append(messages, openaiwire.Message{Role: string(RoleSystem), Content: &s})
	}
	for _, m := range p.Messages {
		messages = append(messages, toOpenAIMessage(m, names)...)
	}
	req.Messages = repairDanglingToolCalls(messages)

	for _, t := range p.Tools {
		req.Tools = append(req.Tools, openaiwire.Tool{
			Type: "function",
			Function: openaiwire.FunctionDef{
				Name:        names.Truncate(t.Name),
				Description: t.Description,
				Parameters:  t.InputSchema,
			},
		})
	}

	if p.ToolChoice != nil {
		req.ToolChoice = toOpenAIToolChoice(p.ToolChoice, names)
	}

	return req
}

func buildSystemText(parts []ContentPart, reservedKeywords []string) string {
	var segments []string
	for _, p := range parts {
		if p.Kind != PartText || p.Text == "" {
			continue
		}
		segments = append(segments, filterReservedLines(p.Text, reservedKeywords))
	}
	return strings.Join(segments, "\n\n")
}

func filterReservedLines(text string, reservedKeywords []string) string {
	if len(reservedKeywords) == 0 {
		return text
	}
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		blocked := false
		for _, kw := range reservedKeywords {
			if kw != "" && strings.Contains(line, kw) {
				blocked = true
				break
			}
		}
		if !blocked {
			kept = append(kept, line)
		}
	}
	return strings.Join(kept, "\n")
}

func toOpenAIMessage(m Message, names *ToolNameMap) []openaiwire.Message {
	if m.Role == RoleTool {
		text := m.Text
		return []openaiwire.Message{{Role: string(RoleTool), Content: &text, ToolCallID: m.ToolCallID}}
	}

	if m.Role == RoleAssistant && len(m.ToolCalls) > 0 {
		out := openaiwire.Message{Role: string(RoleAssistant), ToolCalls: make([]openaiwire.ToolCall, 0, len(m.ToolCalls))}
		if m.Text != "" {
			text := m.Text
			out.Content = &text
		}
		for _, tc := range m.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, openaiwire.ToolCall{
				ID:   tc.ID,
				Type: "function",
				Function: openaiwire.FunctionCall{
					Name:      names.Truncate(tc.FunctionName),
					Arguments: tc.ArgumentsJSON,
				},
			})
		}
		return []openaiwire.Message{out}
	}

	text := flattenParts(m)
	return []openaiwire.Message{{Role: string(m.Role), Content: &text}}
}

func flattenParts(m Message) string {
	if m.IsPlainText() {
		return m.Text
	}
	var out strings.Builder
	for i, p := range m.Parts {
		if i > 0 {
			out.WriteString("\n\n")
		}
		switch p.Kind {
		case PartText, PartThinking:
			out.WriteString(p.Text)
		}
	}
	return out.String()
}

func toOpenAIToolChoice(tc *ToolChoice, names *ToolNameMap) json.RawMessage {
	switch tc.Mode {
	case ToolChoiceAuto:
		b, _ := json.Marshal("auto")
		return b
	case ToolChoiceRequired:
		b, _ := json.Marshal("required")
		return b
	case ToolChoiceNone:
		b, _ := json.Marshal("none")
		return b
	case ToolChoiceNamed:
		b, _ := json.Marshal(map[string]any{
			"type":     "function",
			"function": map[string]string{"name": names.Truncate(tc.Name)},
		})
		return b
	default:
		return nil
	}
}

// repairDanglingToolCalls scans for assistant tool_calls entries with no
// matching downstream tool message and injects a synthetic failure result,
// so a conversation truncated mid tool-use never reaches Upstream missing
// a required tool message.
func repairDanglingToolCalls(messages []openaiwire.Message) []openaiwire.Message {
	answered := make(map[string]bool)
	for _, m := range messages {
		if m.Role == string(RoleTool) && m.ToolCallID != "" {
			answered[m.ToolCallID] = true
		}
	}

	out := make([]openaiwire.Message, 0, len(messages))
	for _, m := range messages {
		out = append(out, m)
		if m.Role != string(RoleAssistant) || len(m.ToolCalls) == 0 {
			continue
		}
		for _, tc := range m.ToolCalls {
			if !answered[tc.ID] {
				text := syntheticToolResultText
				out = append(out, openaiwire.Message{Role: string(RoleTool), Content: &text, ToolCallID: tc.ID})
				answered[tc.ID] = true
			}
		}
	}
	return out
}
