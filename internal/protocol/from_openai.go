package protocol

import (
	"encoding/json"

	"github.com/roelfdiedericks/duoproxy/internal/protocol/anthropicwire"
	"github.com/roelfdiedericks/duoproxy/internal/protocol/openaiwire"

	. "github.com/roelfdiedericks/duoproxy/internal/logging"
)

var finishReasonTable = map[string]string{
	"stop":           "end_turn",
	"length":         "max_tokens",
	"tool_calls":     "tool_use",
	"content_filter": "end_turn",
}

// FromOpenAIResponse builds the non-streaming Anthropic wire response for
// an OpenAI chat completion, restoring truncated tool names via names.
func FromOpenAIResponse(resp *openaiwire.Response, names *ToolNameMap) *anthropicwire.Response {
	out := &anthropicwire.Response{
		ID:    resp.ID,
		Type:  "message",
		Role:  string(RoleAssistant),
		Model: resp.Model,
		Usage: usageFromOpenAI(resp.Usage),
	}

	if len(resp.Choices) == 0 {
		endTurn := "end_turn"
		out.StopReason = &endTurn
		return out
	}

	for _, choice := range resp.Choices {
		if choice.Message.Content != nil && *choice.Message.Content != "" {
			out.Content = append(out.Content, anthropicwire.Block{Type: "text", Text: *choice.Message.Content})
		}
		for _, tc := range choice.Message.ToolCalls {
			input := json.RawMessage("{}")
			if tc.Function.Arguments != "" {
				var probe map[string]any
				if err := json.Unmarshal([]byte(tc.Function.Arguments), &probe); err == nil {
					input = json.RawMessage(tc.Function.Arguments)
				} else {
					L_warn("protocol: tool_call arguments not valid JSON, using {}", "tool", tc.Function.Name, "error", err)
				}
			}
			out.Content = append(out.Content, anthropicwire.Block{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  names.Restore(tc.Function.Name),
				Input: input,
			})
		}
		if choice.FinishReason != nil {
			mapped := mapFinishReason(*choice.FinishReason)
			out.StopReason = &mapped
		}
	}

	return out
}

// FromOpenAIRequest parses an inbound /chat/completions body into the
// canonical Payload, lifting any system-role message into Payload.System
// the same way the Anthropic surface keeps system text out of Messages.
func FromOpenAIRequest(req *openaiwire.Request) *Payload {
	p := &Payload{
		Model:       req.Model,
		Temperature: req.Temperature,
		TopP:        req.TopP,
		UserID:      req.User,
		Stream:      req.Stream,
	}
	if req.MaxTokens != nil {
		p.MaxTokens = *req.MaxTokens
	}
	p.StopSequences = decodeStopSequences(req.Stop)

	for _, m := range req.Messages {
		// "developer" is OpenAI's newer name for the same never-removed
		// system content "system" carries; both lift into Payload.System.
		if m.Role == string(RoleSystem) || m.Role == "developer" {
			if m.Content != nil && *m.Content != "" {
				p.System = append(p.System, ContentPart{Kind: PartText, Text: *m.Content})
			}
			continue
		}
		p.Messages = append(p.Messages, fromOpenAIMessage(m))
	}

	for _, t := range req.Tools {
		p.Tools = append(p.Tools, ToolDef{Name: t.Function.Name, Description: t.Function.Description, InputSchema: t.Function.Parameters})
	}

	if len(req.ToolChoice) > 0 {
		p.ToolChoice = fromOpenAIToolChoice(req.ToolChoice)
	}

	return p
}

func decodeStopSequences(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if asString == "" {
			return nil
		}
		return []string{asString}
	}
	var asSlice []string
	if err := json.Unmarshal(raw, &asSlice); err == nil {
		return asSlice
	}
	return nil
}

func fromOpenAIMessage(m openaiwire.Message) Message {
	role := Role(m.Role)
	if role == RoleTool {
		text := ""
		if m.Content != nil {
			text = *m.Content
		}
		return Message{Role: RoleTool, Text: text, ToolCallID: m.ToolCallID}
	}

	out := Message{Role: role}
	if m.Content != nil {
		out.Text = *m.Content
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, ToolCall{ID: tc.ID, FunctionName: tc.Function.Name, ArgumentsJSON: tc.Function.Arguments})
	}
	return out
}

func fromOpenAIToolChoice(raw json.RawMessage) *ToolChoice {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		switch asString {
		case "auto":
			return &ToolChoice{Mode: ToolChoiceAuto}
		case "required":
			return &ToolChoice{Mode: ToolChoiceRequired}
		case "none":
			return &ToolChoice{Mode: ToolChoiceNone}
		}
		return &ToolChoice{Mode: ToolChoiceAuto}
	}

	var named struct {
		Function struct {
			Name string `json:"name"`
		} `json:"function"`
	}
	if err := json.Unmarshal(raw, &named); err == nil && named.Function.Name != "" {
		return &ToolChoice{Mode: ToolChoiceNamed, Name: named.Function.Name}
	}
	return &ToolChoice{Mode: ToolChoiceAuto}
}

func mapFinishReason(reason string) string {
	if mapped, ok := finishReasonTable[reason]; ok {
		return mapped
	}
	return reason
}

func usageFromOpenAI(u openaiwire.Usage) anthropicwire.UsageInfo {
	info := anthropicwire.UsageInfo{
		InputTokens:  u.PromptTokens - u.CachedTokens,
		OutputTokens: u.CompletionTokens,
	}
	if u.CachedTokens > 0 {
		cached := u.CachedTokens
		info.CacheReadInputToken = &cached
	}
	return info
}
