// Package anthropicwire holds the JSON wire shapes duoproxy's own HTTP
// surface accepts and emits for the Anthropic Messages schema. These are
// distinct from anthropic-sdk-go's request/response types (used only to
// talk to Upstream's native surface) because a client may submit fields or
// content shapes the SDK's strongly-typed params don't round-trip, e.g.
// `content` as a bare string.
package anthropicwire

import "encoding/json"

// Request is the inbound /v1/messages body.
type Request struct {
	Model         string          `json:"model"`
	System        json.RawMessage `json:"system,omitempty"` // string or []TextBlock
	Messages      []Message       `json:"messages"`
	Tools         []Tool          `json:"tools,omitempty"`
	ToolChoice    *ToolChoice     `json:"tool_choice,omitempty"`
	MaxTokens     int             `json:"max_tokens"`
	Temperature   *float64        `json:"temperature,omitempty"`
	TopP          *float64        `json:"top_p,omitempty"`
	StopSequences []string        `json:"stop_sequences,omitempty"`
	Stream        bool            `json:"stream,omitempty"`
	Thinking      *ThinkingConfig `json:"thinking,omitempty"`
	Metadata      *Metadata       `json:"metadata,omitempty"`

	// Extra is not filled by JSON decoding and stays empty; fields outside
	// the allow-list are reported from the raw body by LogDisallowedFields.
	Extra map[string]json.RawMessage `json:"-"`
}

// Metadata is the Anthropic request metadata envelope.
type Metadata struct {
	UserID string `json:"user_id,omitempty"`
}

// ThinkingConfig controls extended thinking.
type ThinkingConfig struct {
	Type         string `json:"type"` // "enabled" or "disabled"
	BudgetTokens int    `json:"budget_tokens,omitempty"`
}

// Message is one turn; Content is either a string or a Block array.
type Message struct {
	Role    string          `json:"role"`
	Content json.RawMessage `json:"content"`
}

// Block is a tagged union over the Anthropic content-block kinds this
// surface accepts/emits: text, image, tool_use, tool_result, thinking.
type Block struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Source *ImageSource `json:"source,omitempty"`

	ID    string          `json:"id,omitempty"`    // tool_use
	Name  string          `json:"name,omitempty"`  // tool_use
	Input json.RawMessage `json:"input,omitempty"` // tool_use

	ToolUseID string          `json:"tool_use_id,omitempty"` // tool_result
	Content   json.RawMessage `json:"content,omitempty"`     // tool_result: string or []Block
	IsError   bool            `json:"is_error,omitempty"`    // tool_result

	Thinking  string `json:"thinking,omitempty"`
	Signature string `json:"signature,omitempty"`

	CacheControl json.RawMessage `json:"cache_control,omitempty"`
}

// ImageSource is an inline base64 image block source.
type ImageSource struct {
	Type      string `json:"type"` // "base64"
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

// Tool is a client tool definition.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema"`
}

// ToolChoice selects how the model must use tools.
type ToolChoice struct {
	Type string `json:"type"` // auto | any | tool | none
	Name string `json:"name,omitempty"`
}

// Response is the non-streaming /v1/messages reply.
type Response struct {
	ID           string    `json:"id"`
	Type         string    `json:"type"` // "message"
	Role         string    `json:"role"`
	Model        string    `json:"model"`
	Content      []Block   `json:"content"`
	StopReason   *string   `json:"stop_reason"`
	StopSequence *string   `json:"stop_sequence"`
	Usage        UsageInfo `json:"usage"`
}

// UsageInfo is the Anthropic usage envelope.
type UsageInfo struct {
	InputTokens         int  `json:"input_tokens"`
	OutputTokens        int  `json:"output_tokens"`
	CacheReadInputToken *int `json:"cache_read_input_tokens,omitempty"`
}

// CountTokensRequest is the /v1/messages/count_tokens body (same shape as
// Request minus max_tokens/stream).
type CountTokensRequest struct {
	Model    string          `json:"model"`
	System   json.RawMessage `json:"system,omitempty"`
	Messages []Message       `json:"messages"`
	Tools    []Tool          `json:"tools,omitempty"`
}

// CountTokensResponse is the count_tokens reply.
type CountTokensResponse struct {
	InputTokens int `json:"input_tokens"`
}

// StreamEvent is one native-surface SSE event's JSON payload.
type StreamEvent struct {
	Type string `json:"type"`

	Message *Response `json:"message,omitempty"` // message_start

	Index int `json:"index,omitempty"`

	ContentBlock *Block `json:"content_block,omitempty"` // content_block_start

	Delta *Delta `json:"delta,omitempty"`

	Usage *UsageInfo `json:"usage,omitempty"`

	Error *ErrorBody `json:"error,omitempty"`
}

// Delta is the union of content_block_delta / message_delta payloads.
type Delta struct {
	Type string `json:"type,omitempty"` // text_delta | input_json_delta | thinking_delta

	Text        string `json:"text,omitempty"`
	PartialJSON string `json:"partial_json,omitempty"`
	Thinking    string `json:"thinking,omitempty"`

	StopReason   *string `json:"stop_reason,omitempty"`
	StopSequence *string `json:"stop_sequence,omitempty"`
}

// ErrorBody is the Anthropic error envelope.
type ErrorBody struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ErrorResponse is a standalone non-streaming error body.
type ErrorResponse struct {
	Type  string    `json:"type"` // "error"
	Error ErrorBody `json:"error"`
}
