// Package protocol holds the canonical message form shared by the
// Anthropic and OpenAI wire translators, plus the translation, streaming,
// and error-normalization logic that operates on it.
package protocol

import "encoding/json"

// Family is the sum type selected once at route entry; translation
// functions are total over this value rather than a subclass hierarchy.
type Family string

const (
	FamilyOpenAI    Family = "openai"
	FamilyAnthropic Family = "anthropic"
)

// Role is the canonical role of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartKind discriminates the union held by a ContentPart.
type PartKind string

const (
	PartText       PartKind = "text"
	PartImage      PartKind = "image"
	PartToolUse    PartKind = "tool_use"
	PartToolResult PartKind = "tool_result"
	PartThinking   PartKind = "thinking"
)

// ContentPart is one semantic unit of assistant or user content.
type ContentPart struct {
	Kind PartKind `json:"kind"`

	// PartText / PartThinking
	Text string `json:"text,omitempty"`

	// PartImage
	ImageURL       string `json:"image_url,omitempty"`
	ImageMediaType string `json:"image_media_type,omitempty"`
	ImageData      string `json:"image_data,omitempty"` // base64, when not a URL

	// PartToolUse
	ToolUseID    string          `json:"tool_use_id,omitempty"`
	ToolName     string          `json:"tool_name,omitempty"`
	ToolInputRaw json.RawMessage `json:"tool_input_json,omitempty"`

	// PartToolResult
	ToolResultForID string `json:"tool_result_for_id,omitempty"`
	ToolResultText  string `json:"tool_result_text,omitempty"`
	ToolResultIsErr bool   `json:"tool_result_is_error,omitempty"`
}

// ToolCall is the OpenAI-shaped function call carried on an assistant
// message's tool_calls array.
type ToolCall struct {
	ID            string `json:"id"`
	FunctionName  string `json:"function_name"`
	ArgumentsJSON string `json:"arguments_json"`
}

// Message is the canonical tagged record both translators read and write.
type Message struct {
	Role Role `json:"role"`

	// Content is either a plain string (Text non-empty, Parts nil) or an
	// ordered sequence of content parts (Parts non-nil).
	Text  string        `json:"text,omitempty"`
	Parts []ContentPart `json:"parts,omitempty"`

	// ToolCalls is populated on assistant messages carrying OpenAI-form
	// function calls.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID is populated on OpenAI "tool" role messages.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// IsPlainText reports whether Content is a bare string rather than parts.
func (m *Message) IsPlainText() bool {
	return m.Parts == nil
}

// Payload is the canonical request envelope exchanged with the compactor,
// rate limiter, and upstream client. System is always a separate field,
// never a message, mirroring the Anthropic schema's own separation.
type Payload struct {
	Model         string        `json:"model"`
	System        []ContentPart `json:"system,omitempty"` // text blocks only
	Messages      []Message     `json:"messages"`
	Tools         []ToolDef     `json:"tools,omitempty"`
	ToolChoice    *ToolChoice   `json:"tool_choice,omitempty"`
	Temperature   *float64      `json:"temperature,omitempty"`
	TopP          *float64      `json:"top_p,omitempty"`
	MaxTokens     int           `json:"max_tokens,omitempty"`
	StopSequences []string      `json:"stop_sequences,omitempty"`
	UserID        string        `json:"user_id,omitempty"`
	Stream        bool          `json:"stream"`
}

// ToolDef is a callable tool definition shared by both wire forms.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// ToolChoiceMode enumerates the normalized tool_choice selector.
type ToolChoiceMode string

const (
	ToolChoiceAuto     ToolChoiceMode = "auto"
	ToolChoiceRequired ToolChoiceMode = "required" // Anthropic "any"
	ToolChoiceNone     ToolChoiceMode = "none"
	ToolChoiceNamed    ToolChoiceMode = "tool"
)

// ToolChoice selects how the model may invoke tools.
type ToolChoice struct {
	Mode ToolChoiceMode `json:"mode"`
	Name string         `json:"name,omitempty"` // set when Mode == ToolChoiceNamed
}
