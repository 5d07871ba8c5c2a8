package protocol

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/roelfdiedericks/duoproxy/internal/protocol/anthropicwire"
	"github.com/roelfdiedericks/duoproxy/internal/protocol/openaiwire"
)

func TestFromAnthropicRequestSplitsToolResultsBeforeUserContent(t *testing.T) {
	req := &anthropicwire.Request{
		Model: "claude-sonnet-4.5",
		Messages: []anthropicwire.Message{
			{Role: "user", Content: rawJSON(t, []anthropicwire.Block{
				{Type: "tool_result", ToolUseID: "call_1", Content: rawJSON(t, "42")},
				{Type: "text", Text: "thanks"},
			})},
		},
	}

	payload, err := FromAnthropicRequest(req)
	if err != nil {
		t.Fatalf("FromAnthropicRequest: %v", err)
	}
	if len(payload.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(payload.Messages))
	}
	if payload.Messages[0].Role != RoleTool || payload.Messages[0].ToolCallID != "call_1" {
		t.Errorf("Messages[0] = %+v, want tool result first", payload.Messages[0])
	}
	if payload.Messages[1].Role != RoleUser {
		t.Errorf("Messages[1].Role = %v, want user", payload.Messages[1].Role)
	}
}

func TestFromAnthropicRequestMergesAssistantTextAndToolUse(t *testing.T) {
	req := &anthropicwire.Request{
		Model: "claude-sonnet-4.5",
		Messages: []anthropicwire.Message{
			{Role: "assistant", Content: rawJSON(t, []anthropicwire.Block{
				{Type: "text", Text: "let me check"},
				{Type: "tool_use", ID: "call_1", Name: "get_weather", Input: json.RawMessage(`{"city":"nyc"}`)},
			})},
		},
	}

	payload, err := FromAnthropicRequest(req)
	if err != nil {
		t.Fatalf("FromAnthropicRequest: %v", err)
	}
	if len(payload.Messages) != 1 {
		t.Fatalf("len(Messages) = %d, want 1", len(payload.Messages))
	}
	m := payload.Messages[0]
	if m.Text != "let me check" {
		t.Errorf("Text = %q", m.Text)
	}
	if len(m.ToolCalls) != 1 || m.ToolCalls[0].FunctionName != "get_weather" {
		t.Errorf("ToolCalls = %+v", m.ToolCalls)
	}
}

func TestToOpenAIRequestFiltersReservedKeywordLines(t *testing.T) {
	payload := &Payload{
		Model: "gpt-4",
		System: []ContentPart{
			{Kind: PartText, Text: "You are helpful.\nduoproxy_internal: drop me\nBe concise."},
		},
	}
	req := ToOpenAIRequest(payload, NewToolNameMap(), []string{"duoproxy_"})
	if len(req.Messages) == 0 || req.Messages[0].Role != "system" {
		t.Fatalf("expected leading system message, got %+v", req.Messages)
	}
	system := *req.Messages[0].Content
	if strings.Contains(system, "duoproxy_internal") {
		t.Errorf("reserved line not filtered: %q", system)
	}
	if !strings.Contains(system, "You are helpful.") || !strings.Contains(system, "Be concise.") {
		t.Errorf("filtered too much: %q", system)
	}
}

func TestToOpenAIRequestTruncatesLongToolNames(t *testing.T) {
	longName := strings.Repeat("a", 80)
	payload := &Payload{
		Model: "gpt-4",
		Tools: []ToolDef{{Name: longName, InputSchema: json.RawMessage(`{}`)}},
	}
	names := NewToolNameMap()
	req := ToOpenAIRequest(payload, names, nil)
	if len(req.Tools) != 1 {
		t.Fatalf("len(Tools) = %d, want 1", len(req.Tools))
	}
	if len(req.Tools[0].Function.Name) > MaxOpenAIToolNameLength {
		t.Errorf("tool name not truncated: %q", req.Tools[0].Function.Name)
	}
	if names.Restore(req.Tools[0].Function.Name) != longName {
		t.Error("truncated name does not restore to original")
	}
}

func TestToOpenAIRequestMapsToolChoice(t *testing.T) {
	names := NewToolNameMap()
	cases := []struct {
		mode ToolChoiceMode
		name string
		want string
	}{
		{ToolChoiceAuto, "", `"auto"`},
		{ToolChoiceRequired, "", `"required"`},
		{ToolChoiceNone, "", `"none"`},
	}
	for _, c := range cases {
		payload := &Payload{Model: "gpt-4", ToolChoice: &ToolChoice{Mode: c.mode, Name: c.name}}
		req := ToOpenAIRequest(payload, names, nil)
		if string(req.ToolChoice) != c.want {
			t.Errorf("mode %v: tool_choice = %s, want %s", c.mode, req.ToolChoice, c.want)
		}
	}
}

func TestToOpenAIRequestInjectsSyntheticResultForDanglingToolCall(t *testing.T) {
	payload := &Payload{
		Model: "gpt-4",
		Messages: []Message{
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_1", FunctionName: "f", ArgumentsJSON: "{}"}}},
		},
	}
	req := ToOpenAIRequest(payload, NewToolNameMap(), nil)
	if len(req.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2 (assistant + synthetic tool)", len(req.Messages))
	}
	tail := req.Messages[1]
	if tail.Role != "tool" || tail.ToolCallID != "call_1" {
		t.Fatalf("synthetic message = %+v", tail)
	}
	if tail.Content == nil || *tail.Content != syntheticToolResultText {
		t.Errorf("synthetic content = %v", tail.Content)
	}
}

func TestToOpenAIRequestDoesNotDuplicateAnsweredToolCall(t *testing.T) {
	payload := &Payload{
		Model: "gpt-4",
		Messages: []Message{
			{Role: RoleAssistant, ToolCalls: []ToolCall{{ID: "call_1", FunctionName: "f", ArgumentsJSON: "{}"}}},
			{Role: RoleTool, Text: "result", ToolCallID: "call_1"},
		},
	}
	req := ToOpenAIRequest(payload, NewToolNameMap(), nil)
	if len(req.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2, got %+v", len(req.Messages), req.Messages)
	}
}

func TestFromAnthropicRequestKeepsDeclaredImageMediaType(t *testing.T) {
	req := &anthropicwire.Request{
		Model: "claude-sonnet-4.5",
		Messages: []anthropicwire.Message{
			{Role: "user", Content: rawJSON(t, []anthropicwire.Block{
				{Type: "image", Source: &anthropicwire.ImageSource{Type: "base64", MediaType: "image/jpeg", Data: "Zm9v"}},
			})},
		},
	}

	payload, err := FromAnthropicRequest(req)
	if err != nil {
		t.Fatalf("FromAnthropicRequest: %v", err)
	}
	part := payload.Messages[0].Parts[0]
	if part.ImageMediaType != "image/jpeg" {
		t.Errorf("ImageMediaType = %q, want the client-declared value unchanged", part.ImageMediaType)
	}
}

func TestFromAnthropicRequestSniffsImageMediaTypeWhenOmitted(t *testing.T) {
	// A minimal 1x1 PNG, base64-encoded.
	png := "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNk+A8AAQUBAScY42YAAAAASUVORK5CYII="
	req := &anthropicwire.Request{
		Model: "claude-sonnet-4.5",
		Messages: []anthropicwire.Message{
			{Role: "user", Content: rawJSON(t, []anthropicwire.Block{
				{Type: "image", Source: &anthropicwire.ImageSource{Type: "base64", Data: png}},
			})},
		},
	}

	payload, err := FromAnthropicRequest(req)
	if err != nil {
		t.Fatalf("FromAnthropicRequest: %v", err)
	}
	part := payload.Messages[0].Parts[0]
	if part.ImageMediaType != "image/png" {
		t.Errorf("ImageMediaType = %q, want image/png sniffed from the decoded bytes", part.ImageMediaType)
	}
}

func TestFromOpenAIRequestLiftsDeveloperRoleIntoSystem(t *testing.T) {
	devText := "never remove this"
	userText := "hi"
	req := &openaiwire.Request{
		Model: "gpt-4",
		Messages: []openaiwire.Message{
			{Role: "developer", Content: &devText},
			{Role: "user", Content: &userText},
		},
	}

	payload := FromOpenAIRequest(req)
	if len(payload.System) != 1 || payload.System[0].Text != devText {
		t.Fatalf("System = %+v, want the developer message lifted in", payload.System)
	}
	if len(payload.Messages) != 1 || payload.Messages[0].Role != RoleUser {
		t.Fatalf("Messages = %+v, want only the user turn", payload.Messages)
	}
}

func rawJSON(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("marshal fixture: %v", err)
	}
	return b
}
