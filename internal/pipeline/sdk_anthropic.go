package pipeline

import (
	"encoding/json"

	anthropic "github.com/anthropics/anthropic-sdk-go"

	"github.com/roelfdiedericks/duoproxy/internal/protocol/anthropicwire"

	. "github.com/roelfdiedericks/duoproxy/internal/logging"
)

// toSDKMessageParams adapts a direct-pass-through wire request into the
// anthropic-sdk-go client's own params struct.
func toSDKMessageParams(req *anthropicwire.Request) anthropic.MessageNewParams {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(req.Model),
		MaxTokens: int64(req.MaxTokens),
	}

	for _, m := range req.Messages {
		params.Messages = append(params.Messages, toSDKMessageParam(m))
	}

	if system := decodeWireSystem(req.System); system != "" {
		params.System = []anthropic.TextBlockParam{{Text: system}}
	}

	for _, t := range req.Tools {
		params.Tools = append(params.Tools, anthropic.ToolUnionParam{
			OfTool: &anthropic.ToolParam{
				Name:        t.Name,
				Description: anthropic.String(t.Description),
				InputSchema: decodeToolSchema(t.InputSchema),
			},
		})
	}

	if req.Temperature != nil {
		params.Temperature = anthropic.Float(*req.Temperature)
	}
	if req.TopP != nil {
		params.TopP = anthropic.Float(*req.TopP)
	}
	if len(req.StopSequences) > 0 {
		params.StopSequences = req.StopSequences
	}
	if req.Thinking != nil && req.Thinking.Type == "enabled" {
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(int64(req.Thinking.BudgetTokens))
	}

	return params
}

func decodeWireSystem(raw json.RawMessage) string {
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
		for i, b := range blocks {
			if i > 0 {
				out += "\n\n"
			}
			out += b.Text
		}
		return out
	}
	return ""
}

func decodeToolSchema(raw json.RawMessage) anthropic.ToolInputSchemaParam {
	var schema anthropic.ToolInputSchemaParam
	if len(raw) == 0 {
		return schema
	}
	var generic map[string]any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return schema
	}
	if props, ok := generic["properties"]; ok {
		schema.Properties = props
	}
	return schema
}

func toSDKMessageParam(m anthropicwire.Message) anthropic.MessageParam {
	blocks := toSDKContentBlocks(m.Content)
	if m.Role == "assistant" {
		return anthropic.NewAssistantMessage(blocks...)
	}
	return anthropic.NewUserMessage(blocks...)
}

func toSDKContentBlocks(raw json.RawMessage) []anthropic.ContentBlockParamUnion {
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		if asString == "" {
			return nil
		}
		return []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(asString)}
	}

	var wireBlocks []anthropicwire.Block
	if err := json.Unmarshal(raw, &wireBlocks); err != nil {
		return nil
	}

	var out []anthropic.ContentBlockParamUnion
	for _, b := range wireBlocks {
		switch b.Type {
		case "text":
			out = append(out, anthropic.NewTextBlock(b.Text))
		case "image":
			if b.Source != nil {
				out = append(out, anthropic.NewImageBlockBase64(b.Source.MediaType, b.Source.Data))
			}
		case "tool_use":
			var input any
			_ = json.Unmarshal(b.Input, &input)
			out = append(out, anthropic.ContentBlockParamUnion{
				OfToolUse: &anthropic.ToolUseBlockParam{ID: b.ID, Name: b.Name, Input: input},
			})
		case "tool_result":
			text, _ := decodeToolResultText(b.Content)
			out = append(out, anthropic.NewToolResultBlock(b.ToolUseID, text, b.IsError))
		case "thinking":
			out = append(out, anthropic.ContentBlockParamUnion{
				OfThinking: &anthropic.ThinkingBlockParam{Thinking: b.Thinking, Signature: b.Signature},
			})
		}
	}
	return out
}

func decodeToolResultText(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var asString string
	if err := json.Unmarshal(raw, &asString); err == nil {
		return asString, true
	}
	var blocks []anthropicwire.Block
	if err := json.Unmarshal(raw, &blocks); err == nil {
		var out string
		for _, b := range blocks {
			out += b.Text
		}
		return out, true
	}
	return string(raw), true
}

// fromSDKMessage adapts a non-streaming native response into the wire
// response shape shared with the translated path.
func fromSDKMessage(msg *anthropic.Message) *anthropicwire.Response {
	out := &anthropicwire.Response{
		ID:    msg.ID,
		Type:  "message",
		Role:  string(msg.Role),
		Model: string(msg.Model),
		Usage: anthropicwire.UsageInfo{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	if msg.Usage.CacheReadInputTokens > 0 {
		cached := int(msg.Usage.CacheReadInputTokens)
		out.Usage.CacheReadInputToken = &cached
	}
	if msg.StopReason != "" {
		reason := string(msg.StopReason)
		out.StopReason = &reason
	}

	for _, block := range msg.Content {
		switch variant := block.AsAny().(type) {
		case anthropic.TextBlock:
			out.Content = append(out.Content, anthropicwire.Block{Type: "text", Text: variant.Text})
		case anthropic.ThinkingBlock:
			out.Content = append(out.Content, anthropicwire.Block{Type: "thinking", Thinking: variant.Thinking, Signature: variant.Signature})
		case anthropic.ToolUseBlock:
			inputBytes, err := json.Marshal(variant.Input)
			if err != nil {
				L_warn("pipeline: failed to marshal native tool_use input", "error", err)
				inputBytes = []byte("{}")
			}
			out.Content = append(out.Content, anthropicwire.Block{Type: "tool_use", ID: variant.ID, Name: variant.Name, Input: inputBytes})
		}
	}
	return out
}

// fromSDKStreamEvent adapts one native-surface SDK stream event into the
// wire event shape the SSE writer serializes.
func fromSDKStreamEvent(event anthropic.MessageStreamEventUnion) *anthropicwire.StreamEvent {
	switch variant := event.AsAny().(type) {
	case anthropic.MessageStartEvent:
		return &anthropicwire.StreamEvent{Type: "message_start", Message: fromSDKMessage(&variant.Message)}
	case anthropic.ContentBlockStartEvent:
		block := blockFromUnion(variant.ContentBlock)
		return &anthropicwire.StreamEvent{Type: "content_block_start", Index: int(variant.Index), ContentBlock: block}
	case anthropic.ContentBlockDeltaEvent:
		return &anthropicwire.StreamEvent{Type: "content_block_delta", Index: int(variant.Index), Delta: deltaFromUnion(variant.Delta)}
	case anthropic.ContentBlockStopEvent:
		return &anthropicwire.StreamEvent{Type: "content_block_stop", Index: int(variant.Index)}
	case anthropic.MessageDeltaEvent:
		d := &anthropicwire.Delta{}
		if variant.Delta.StopReason != "" {
			reason := string(variant.Delta.StopReason)
			d.StopReason = &reason
		}
		if variant.Delta.StopSequence != "" {
			seq := variant.Delta.StopSequence
			d.StopSequence = &seq
		}
		return &anthropicwire.StreamEvent{
			Type:  "message_delta",
			Delta: d,
			Usage: &anthropicwire.UsageInfo{InputTokens: int(variant.Usage.InputTokens), OutputTokens: int(variant.Usage.OutputTokens)},
		}
	case anthropic.MessageStopEvent:
		return &anthropicwire.StreamEvent{Type: "message_stop"}
	}
	return nil
}

func blockFromUnion(block anthropic.ContentBlockStartEventContentBlockUnion) *anthropicwire.Block {
	switch variant := block.AsAny().(type) {
	case anthropic.TextBlock:
		return &anthropicwire.Block{Type: "text", Text: variant.Text}
	case anthropic.ToolUseBlock:
		inputBytes, _ := json.Marshal(variant.Input)
		return &anthropicwire.Block{Type: "tool_use", ID: variant.ID, Name: variant.Name, Input: inputBytes}
	case anthropic.ThinkingBlock:
		return &anthropicwire.Block{Type: "thinking", Thinking: variant.Thinking}
	}
	return &anthropicwire.Block{Type: "text"}
}

func deltaFromUnion(delta anthropic.ContentBlockDeltaEventDeltaUnion) *anthropicwire.Delta {
	switch variant := delta.AsAny().(type) {
	case anthropic.TextDelta:
		return &anthropicwire.Delta{Type: "text_delta", Text: variant.Text}
	case anthropic.InputJSONDelta:
		return &anthropicwire.Delta{Type: "input_json_delta", PartialJSON: variant.PartialJSON}
	case anthropic.ThinkingDelta:
		return &anthropicwire.Delta{Type: "thinking_delta", Thinking: variant.Thinking}
	}
	return &anthropicwire.Delta{}
}
