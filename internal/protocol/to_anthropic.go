package protocol

import (
	"encoding/json"

	"github.com/roelfdiedericks/duoproxy/internal/protocol/anthropicwire"
)

// ToAnthropicRequest rebuilds a wire-level Anthropic request from a
// (possibly compacted) canonical Payload, for the direct-pass-through
// path where the call still goes out over Upstream's native surface.
// Unlike ToOpenAIRequest this never truncates tool names; the native
// surface has no length ceiling to work around.
func ToAnthropicRequest(p *Payload) *anthropicwire.Request {
	req := &anthropicwire.Request{
		Model:         p.Model,
		MaxTokens:     p.MaxTokens,
		Temperature:   p.Temperature,
		TopP:          p.TopP,
		StopSequences: p.StopSequences,
		Stream:        p.Stream,
	}

	if len(p.System) > 0 {
		text := buildSystemText(p.System, nil)
		if text != "" {
			if raw, err := json.Marshal(text); err == nil {
				req.System = raw
			}
		}
	}

	for _, m := range p.Messages {
		req.Messages = append(req.Messages, toAnthropicMessage(m))
	}

	for _, t := range p.Tools {
		req.Tools = append(req.Tools, anthropicwire.Tool{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}

	if p.ToolChoice != nil {
		req.ToolChoice = toAnthropicToolChoice(p.ToolChoice)
	}

	return req
}

func toAnthropicMessage(m Message) anthropicwire.Message {
	if m.Role == RoleTool {
		block := anthropicwire.Block{Type: "tool_result", ToolUseID: m.ToolCallID}
		if raw, err := json.Marshal(m.Text); err == nil {
			block.Content = raw
		}
		content, _ := json.Marshal([]anthropicwire.Block{block})
		return anthropicwire.Message{Role: "user", Content: content}
	}

	role := string(m.Role)

	if m.IsPlainText() && len(m.ToolCalls) == 0 {
		raw, _ := json.Marshal(m.Text)
		return anthropicwire.Message{Role: role, Content: raw}
	}

	var blocks []anthropicwire.Block
	if m.IsPlainText() {
		if m.Text != "" {
			blocks = append(blocks, anthropicwire.Block{Type: "text", Text: m.Text})
		}
	} else {
		for _, part := range m.Parts {
			blocks = append(blocks, blockFromPart(part))
		}
	}
	for _, tc := range m.ToolCalls {
		blocks = append(blocks, anthropicwire.Block{Type: "tool_use", ID: tc.ID, Name: tc.FunctionName, Input: json.RawMessage(tc.ArgumentsJSON)})
	}

	content, _ := json.Marshal(blocks)
	return anthropicwire.Message{Role: role, Content: content}
}

func blockFromPart(p ContentPart) anthropicwire.Block {
	switch p.Kind {
	case PartText:
		return anthropicwire.Block{Type: "text", Text: p.Text}
	case PartThinking:
		return anthropicwire.Block{Type: "thinking", Thinking: p.Text}
	case PartImage:
		return anthropicwire.Block{Type: "image", Source: &anthropicwire.ImageSource{Type: "base64", MediaType: p.ImageMediaType, Data: p.ImageData}}
	case PartToolUse:
		return anthropicwire.Block{Type: "tool_use", ID: p.ToolUseID, Name: p.ToolName, Input: p.ToolInputRaw}
	case PartToolResult:
		content, _ := json.Marshal(p.ToolResultText)
		return anthropicwire.Block{Type: "tool_result", ToolUseID: p.ToolResultForID, Content: content, IsError: p.ToolResultIsErr}
	}
	return anthropicwire.Block{Type: "text", Text: p.Text}
}

func toAnthropicToolChoice(tc *ToolChoice) *anthropicwire.ToolChoice {
	switch tc.Mode {
	case ToolChoiceAuto:
		return &anthropicwire.ToolChoice{Type: "auto"}
	case ToolChoiceRequired:
		return &anthropicwire.ToolChoice{Type: "any"}
	case ToolChoiceNone:
		return &anthropicwire.ToolChoice{Type: "none"}
	case ToolChoiceNamed:
		return &anthropicwire.ToolChoice{Type: "tool", Name: tc.Name}
	}
	return &anthropicwire.ToolChoice{Type: "auto"}
}
