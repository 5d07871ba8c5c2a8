package protocol

import (
	"testing"

	"github.com/roelfdiedericks/duoproxy/internal/protocol/openaiwire"
)

func TestFromOpenAIResponseEmptyChoicesYieldsEndTurn(t *testing.T) {
	resp := FromOpenAIResponse(&openaiwire.Response{ID: "resp_1", Model: "gpt-4"}, NewToolNameMap())
	if resp.StopReason == nil || *resp.StopReason != "end_turn" {
		t.Fatalf("StopReason = %v, want end_turn", resp.StopReason)
	}
	if len(resp.Content) != 0 {
		t.Errorf("expected no content blocks, got %+v", resp.Content)
	}
}

func TestFromOpenAIResponseRestoresTruncatedToolName(t *testing.T) {
	names := NewToolNameMap()
	truncated := names.Truncate("a_very_long_tool_name_that_needed_truncating_past_sixty_four_chars")

	finish := "tool_calls"
	content := "let me check"
	resp := FromOpenAIResponse(&openaiwire.Response{
		ID:    "resp_1",
		Model: "gpt-4",
		Choices: []openaiwire.Choice{{
			Message: openaiwire.Message{
				Content: &content,
				ToolCalls: []openaiwire.ToolCall{{
					ID:       "call_1",
					Function: openaiwire.FunctionCall{Name: truncated, Arguments: `{"x":1}`},
				}},
			},
			FinishReason: &finish,
		}},
	}, names)

	if len(resp.Content) != 2 {
		t.Fatalf("len(Content) = %d, want 2", len(resp.Content))
	}
	if resp.Content[0].Type != "text" || resp.Content[0].Text != "let me check" {
		t.Errorf("Content[0] = %+v", resp.Content[0])
	}
	if resp.Content[1].Type != "tool_use" || resp.Content[1].Name != "a_very_long_tool_name_that_needed_truncating_past_sixty_four_chars" {
		t.Errorf("Content[1].Name not restored: %+v", resp.Content[1])
	}
	if resp.StopReason == nil || *resp.StopReason != "tool_use" {
		t.Errorf("StopReason = %v, want tool_use", resp.StopReason)
	}
}

func TestFromOpenAIResponseMalformedArgumentsFallsBackToEmptyObject(t *testing.T) {
	names := NewToolNameMap()
	resp := FromOpenAIResponse(&openaiwire.Response{
		ID:    "resp_1",
		Model: "gpt-4",
		Choices: []openaiwire.Choice{{
			Message: openaiwire.Message{
				ToolCalls: []openaiwire.ToolCall{{ID: "call_1", Function: openaiwire.FunctionCall{Name: "f", Arguments: "not json"}}},
			},
		}},
	}, names)

	if string(resp.Content[0].Input) != "{}" {
		t.Errorf("Input = %s, want {}", resp.Content[0].Input)
	}
}

func TestFromOpenAIResponseUsageSubtractsCachedFromInput(t *testing.T) {
	resp := FromOpenAIResponse(&openaiwire.Response{
		ID:    "resp_1",
		Model: "gpt-4",
		Usage: openaiwire.Usage{PromptTokens: 100, CompletionTokens: 20, CachedTokens: 30},
	}, NewToolNameMap())

	if resp.Usage.InputTokens != 70 {
		t.Errorf("InputTokens = %d, want 70", resp.Usage.InputTokens)
	}
	if resp.Usage.OutputTokens != 20 {
		t.Errorf("OutputTokens = %d, want 20", resp.Usage.OutputTokens)
	}
	if resp.Usage.CacheReadInputToken == nil || *resp.Usage.CacheReadInputToken != 30 {
		t.Errorf("CacheReadInputToken = %v, want 30", resp.Usage.CacheReadInputToken)
	}
}

func TestFinishReasonMappingTable(t *testing.T) {
	cases := map[string]string{
		"stop":           "end_turn",
		"length":         "max_tokens",
		"tool_calls":     "tool_use",
		"content_filter": "end_turn",
		"unknown_value":  "unknown_value",
	}
	for in, want := range cases {
		if got := mapFinishReason(in); got != want {
			t.Errorf("mapFinishReason(%q) = %q, want %q", in, got, want)
		}
	}
}
