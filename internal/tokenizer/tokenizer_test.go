package tokenizer

import (
	"testing"

	"github.com/roelfdiedericks/duoproxy/internal/models"
	"github.com/roelfdiedericks/duoproxy/internal/protocol"
)

func TestCountTextFallbackWithoutEncoder(t *testing.T) {
	var tok *Tokenizer // zero-value: no encoding loaded
	got := tok.CountText("twelve characters")
	want := len("twelve characters") / 4
	if got != want {
		t.Errorf("CountText fallback = %d, want %d", got, want)
	}
}

func TestCountMessagesIncludesOverheadAndMultiplier(t *testing.T) {
	var tok *Tokenizer // exercise the char/4 fallback path deterministically

	payload := &protocol.Payload{
		Messages: []protocol.Message{
			{Role: protocol.RoleUser, Text: "hello world"},
		},
	}

	got := tok.CountMessages(payload, models.VendorOpenAI)
	if got <= 0 {
		t.Fatalf("expected positive token count, got %d", got)
	}

	gotAnthropic := tok.CountMessages(payload, models.VendorAnthropic)
	if gotAnthropic < got {
		t.Errorf("anthropic count (%d) should be >= openai count (%d) given larger safety buffer", gotAnthropic, got)
	}
}

func TestCapMaxTokens(t *testing.T) {
	tests := []struct {
		name             string
		requestedMax     int
		contextWindow    int
		estimatedInput   int
		safetyMultiplier float64
		buffer           int
		want             int
	}{
		{"no context info passes through", 4096, 0, 1000, 1.05, 500, 4096},
		{"requested fits under available", 1000, 200000, 50000, 1.05, 1000, 1000},
		{"requested exceeds available, capped", 200000, 200000, 50000, 1.05, 1000, 200000 - int(50000*1.05) - 1000},
		{"available floors at 100", 4096, 1000, 10000, 1.05, 0, 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := CapMaxTokens(tt.requestedMax, tt.contextWindow, tt.estimatedInput, tt.safetyMultiplier, tt.buffer)
			if got != tt.want {
				t.Errorf("CapMaxTokens() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestByteSize(t *testing.T) {
	payload := &protocol.Payload{
		System: []protocol.ContentPart{{Kind: protocol.PartText, Text: "sys"}},
		Messages: []protocol.Message{
			{Role: protocol.RoleUser, Text: "abcd"},
		},
	}
	if got := ByteSize(payload); got != 7 {
		t.Errorf("ByteSize() = %d, want 7", got)
	}
}
