package protocol

import (
	"encoding/base64"
	"encoding/json"
	"fmt"

	"github.com/gabriel-vasile/mimetype"

	"github.com/roelfdiedericks/duoproxy/internal/protocol/anthropicwire"
)

// FromAnthropicRequest parses a wire-level Anthropic request into the
// canonical Payload the compactor, rate limiter, and both translator
// directions operate on.
func FromAnthropicRequest(req *anthropicwire.Request) (*Payload, error) {
	system, err := parseAnthropicSystem(req.System)
	if err != nil {
		return nil, fmt.Errorf("parse system: %w", err)
	}

	messages := make([]Message, 0, len(req.Messages))
	for i, m := range req.Messages {
		converted, err := fromAnthropicMessage(m)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		messages = append(messages, converted...)
	}

	var tools []ToolDef
	for _, t := range req.Tools {
		tools = append(tools, ToolDef{Name: t.Name, Description: t.Description, InputSchema: t.InputSchema})
	}

	var toolChoice *ToolChoice
	if req.ToolChoice != nil {
		toolChoice = fromAnthropicToolChoice(req.ToolChoice)
	}

	var userID string
	if req.Metadata != nil {
		userID = req.Metadata.UserID
	}

	return &Payload{
		Model:         req.Model,
		System:        system,
		Messages:      messages,
		Tools:         tools,
		ToolChoice:    toolChoice,
		Temperature:   req.Temperature,
		TopP:          req.TopP,
		MaxTokens:     req.MaxTokens,
		StopSequences: req.StopSequences,
		UserID:        userID,
		Stream:        req.Stream,
	}, nil
}

// parseAnthropicSystem accepts either a bare string or an array of text
// blocks, per the Anthropic schema's documented flexibility.
func parseAnthropicSystem(raw json.RawMessage) ([]ContentPart, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if asString == "" {
			return nil, nil
		}
		return []ContentPart{{Kind: PartText, Text: asString}}, nil
	}

	var blocks []anthropicwire.Block
	if err := json.Unmarshal(raw, &blocks); err != nil {
		return nil, fmt.Errorf("system must be a string or block array: %w", err)
	}
	parts := make([]ContentPart, 0, len(blocks))
	for _, b := range blocks {
		if b.Type == "text" {
			parts = append(parts, ContentPart{Kind: PartText, Text: b.Text})
		}
	}
	return parts, nil
}

// fromAnthropicMessage converts one Anthropic message into zero or more
// canonical messages: a user message containing tool_result blocks is split
// so the tool results become standalone tool-role messages ordered before
// any remaining user content, per §4.F.
func fromAnthropicMessage(m anthropicwire.Message) ([]Message, error) {
	role := Role(m.Role)

	var asString string
	if err := json.Unmarshal(m.Content, &asString); err == nil {
		return []Message{{Role: role, Text: asString}}, nil
	}

	var blocks []anthropicwire.Block
	if err := json.Unmarshal(m.Content, &blocks); err != nil {
		return nil, fmt.Errorf("content must be a string or block array: %w", err)
	}

	var toolResults []Message
	var rest []ContentPart
	var toolCalls []ToolCall

	for _, b := range blocks {
		switch b.Type {
		case "text":
			rest = append(rest, ContentPart{Kind: PartText, Text: b.Text})
		case "thinking":
			rest = append(rest, ContentPart{Kind: PartThinking, Text: b.Thinking})
		case "image":
			if b.Source != nil {
				rest = append(rest, ContentPart{Kind: PartImage, ImageMediaType: imageMediaType(b.Source), ImageData: b.Source.Data})
			}
		case "tool_use":
			toolCalls = append(toolCalls, ToolCall{ID: b.ID, FunctionName: b.Name, ArgumentsJSON: string(b.Input)})
			rest = append(rest, ContentPart{Kind: PartToolUse, ToolUseID: b.ID, ToolName: b.Name, ToolInputRaw: b.Input})
		case "tool_result":
			text := flattenToolResultContent(b.Content)
			toolResults = append(toolResults, Message{Role: RoleTool, Text: text, ToolCallID: b.ToolUseID})
		}
	}

	out := make([]Message, 0, len(toolResults)+1)
	out = append(out, toolResults...)

	if role == RoleAssistant && len(toolCalls) > 0 {
		text := textOnly(rest)
		out = append(out, Message{Role: role, Text: text, ToolCalls: toolCalls})
		return out, nil
	}

	if len(rest) == 0 && len(toolResults) > 0 {
		return out, nil
	}

	out = append(out, Message{Role: role, Parts: rest})
	return out, nil
}

// textOnly concatenates text/thinking parts for an assistant message whose
// only other content is tool_use blocks, whose Input is carried on
// ToolCalls instead; returns "" (encoded as a null content) if there is no
// text at all.
func textOnly(parts []ContentPart) string {
	var out string
	for _, p := range parts {
		if p.Kind == PartText || p.Kind == PartThinking {
			out += p.Text
		}
	}
	return out
}

func flattenToolResultContent(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString
	}
	var blocks []anthropicwire.Block
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var out string
		for _, b := range blocks {
			if b.Type == "text" {
				out += b.Text
			}
		}
		return out
	}
	return string(raw)
}

// imageMediaType returns the source's declared media_type, or sniffs it
// from the decoded bytes when a client omits it.
func imageMediaType(src *anthropicwire.ImageSource) string {
	if src.MediaType != "" {
		return src.MediaType
	}
	decoded, err := base64.StdEncoding.DecodeString(src.Data)
	if err != nil {
		return ""
	}
	return mimetype.Detect(decoded).String()
}

func fromAnthropicToolChoice(tc *anthropicwire.ToolChoice) *ToolChoice {
	switch tc.Type {
	case "auto":
		return &ToolChoice{Mode: ToolChoiceAuto}
	case "any":
		return &ToolChoice{Mode: ToolChoiceRequired}
	case "none":
		return &ToolChoice{Mode: ToolChoiceNone}
	case "tool":
		return &ToolChoice{Mode: ToolChoiceNamed, Name: tc.Name}
	default:
		return &ToolChoice{Mode: ToolChoiceAuto}
	}
}
