package pipeline

import (
	"encoding/json"

	openai "github.com/sashabaranov/go-openai"

	"github.com/roelfdiedericks/duoproxy/internal/protocol/openaiwire"
)

// toSDKChatRequest adapts the translator's wire-shaped request into the
// go-openai client's own request struct, the only form it accepts.
func toSDKChatRequest(req *openaiwire.Request) openai.ChatCompletionRequest {
	out := openai.ChatCompletionRequest{
		Model:  req.Model,
		Stream: req.Stream,
		User:   req.User,
	}
	if req.Temperature != nil {
		out.Temperature = float32(*req.Temperature)
	}
	if req.TopP != nil {
		out.TopP = float32(*req.TopP)
	}
	if req.MaxTokens != nil {
		out.MaxTokens = *req.MaxTokens
	}
	if len(req.Stop) > 0 {
		out.Stop = decodeStop(req.Stop)
	}
	if len(req.ToolChoice) > 0 {
		var v any
		if err := json.Unmarshal(req.ToolChoice, &v); err == nil {
			out.ToolChoice = v
		}
	}

	for _, m := range req.Messages {
		out.Messages = append(out.Messages, toSDKMessage(m))
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Function.Name,
				Description: t.Function.Description,
				Parameters:  json.RawMessage(t.Function.Parameters),
			},
		})
	}
	return out
}

func decodeStop(raw json.RawMessage) []string {
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

func toSDKMessage(m openaiwire.Message) openai.ChatCompletionMessage {
	out := openai.ChatCompletionMessage{
		Role:       m.Role,
		Name:       m.Name,
		ToolCallID: m.ToolCallID,
	}
	if m.Content != nil {
		out.Content = *m.Content
	}
	for _, tc := range m.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Function.Name,
				Arguments: tc.Function.Arguments,
			},
		})
	}
	return out
}

// fromSDKStreamChunk adapts a go-openai stream chunk into the translator's
// wire shape, so StepChunk never depends on the SDK's own types.
func fromSDKStreamChunk(c openai.ChatCompletionStreamResponse) openaiwire.StreamChunk {
	out := openaiwire.StreamChunk{ID: c.ID, Object: c.Object, Model: c.Model}
	for _, choice := range c.Choices {
		sc := openaiwire.StreamChoice{Index: choice.Index}
		if choice.FinishReason != "" {
			reason := string(choice.FinishReason)
			sc.FinishReason = &reason
		}
		if choice.Delta.Content != "" {
			content := choice.Delta.Content
			sc.Delta.Content = &content
		}
		sc.Delta.Role = choice.Delta.Role
		for _, tc := range choice.Delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			sc.Delta.ToolCalls = append(sc.Delta.ToolCalls, openaiwire.ToolCallDelta{
				Index: idx,
				ID:    tc.ID,
				Type:  string(tc.Type),
				Function: openaiwire.FunctionCallDelta{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out.Choices = append(out.Choices, sc)
	}
	return out
}

// fromSDKResponse adapts a go-openai non-streaming response into the
// translator's wire shape.
func fromSDKResponse(r *openai.ChatCompletionResponse) *openaiwire.Response {
	out := &openaiwire.Response{
		ID:     r.ID,
		Object: r.Object,
		Model:  r.Model,
		Usage: openaiwire.Usage{
			PromptTokens:     r.Usage.PromptTokens,
			CompletionTokens: r.Usage.CompletionTokens,
			TotalTokens:      r.Usage.TotalTokens,
		},
	}
	if r.Usage.PromptTokensDetails != nil {
		out.Usage.CachedTokens = r.Usage.PromptTokensDetails.CachedTokens
	}
	for _, choice := range r.Choices {
		c := openaiwire.Choice{Index: choice.Index}
		if choice.FinishReason != "" {
			reason := string(choice.FinishReason)
			c.FinishReason = &reason
		}
		content := choice.Message.Content
		c.Message = openaiwire.Message{Role: choice.Message.Role, Content: &content}
		for _, tc := range choice.Message.ToolCalls {
			c.Message.ToolCalls = append(c.Message.ToolCalls, openaiwire.ToolCall{
				ID:   tc.ID,
				Type: string(tc.Type),
				Function: openaiwire.FunctionCall{
					Name:      tc.Function.Name,
					Arguments: tc.Function.Arguments,
				},
			})
		}
		out.Choices = append(out.Choices, c)
	}
	return out
}

// toSDKEmbeddingRequest adapts the wire embeddings request into go-openai's
// own request struct.
func toSDKEmbeddingRequest(req openaiwire.EmbeddingsRequest) openai.EmbeddingRequest {
	out := openai.EmbeddingRequest{Model: openai.EmbeddingModel(req.Model)}
	var asString string
	if err := json.Unmarshal(req.Input, &asString); err == nil {
		out.Input = asString
		return out
	}
	var asSlice []string
	if err := json.Unmarshal(req.Input, &asSlice); err == nil {
		out.Input = asSlice
	}
	return out
}

// fromSDKEmbeddingResponse adapts a go-openai embeddings response back
// into the wire shape.
func fromSDKEmbeddingResponse(r *openai.EmbeddingResponse) *openaiwire.EmbeddingsResponse {
	out := &openaiwire.EmbeddingsResponse{
		Object: "list",
		Model:  string(r.Model),
		Usage: openaiwire.Usage{
			PromptTokens: r.Usage.PromptTokens,
			TotalTokens:  r.Usage.TotalTokens,
		},
	}
	for _, e := range r.Data {
		out.Data = append(out.Data, openaiwire.Embedding{Object: "embedding", Index: e.Index, Embedding: e.Embedding})
	}
	return out
}
