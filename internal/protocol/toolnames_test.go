package protocol

import "testing"

func TestTruncateBoundary(t *testing.T) {
	m := NewToolNameMap()

	exact64 := "abcdefghijklmnopqrstuvwxyzabcdefghijklmnopqrstuvwxyzabcdefghijkl" // 64 chars
	if len(exact64) != 64 {
		t.Fatalf("test fixture length = %d, want 64", len(exact64))
	}
	if got := m.Truncate(exact64); got != exact64 {
		t.Errorf("64-char name was truncated: %q", got)
	}

	over64 := exact64 + "x" // 65 chars
	got := m.Truncate(over64)
	if len(got) != MaxOpenAIToolNameLength {
		t.Errorf("truncated length = %d, want %d", len(got), MaxOpenAIToolNameLength)
	}
	if got == over64 {
		t.Error("65-char name was not truncated")
	}
}

func TestTruncateRestoreRoundTrip(t *testing.T) {
	m := NewToolNameMap()
	original := "my_very_long_tool_name_that_exceeds_the_limit_imposed_by_openai_api_xyz"

	truncated := m.Truncate(original)
	if truncated == original {
		t.Fatal("expected truncation for name over 64 chars")
	}
	if len(truncated) > MaxOpenAIToolNameLength {
		t.Errorf("truncated name too long: %d", len(truncated))
	}

	restored := m.Restore(truncated)
	if restored != original {
		t.Errorf("Restore(%q) = %q, want %q", truncated, restored, original)
	}
}

func TestTruncateStableAcrossCalls(t *testing.T) {
	m := NewToolNameMap()
	original := "another_extremely_long_tool_name_used_more_than_once_in_a_request"

	first := m.Truncate(original)
	second := m.Truncate(original)
	if first != second {
		t.Errorf("Truncate not stable: %q vs %q", first, second)
	}
}

func TestRestoreUnknownNamePassesThrough(t *testing.T) {
	m := NewToolNameMap()
	if got := m.Restore("get_weather"); got != "get_weather" {
		t.Errorf("Restore(unmapped) = %q, want unchanged", got)
	}
}
