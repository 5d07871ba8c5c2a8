package protocol

import "testing"

func TestParseTokenLimitFreeText(t *testing.T) {
	body := "prompt is too long: 205000 tokens > 200000 maximum"
	got, ok := ParseTokenLimit(body)
	if !ok {
		t.Fatal("expected a match")
	}
	if got.Current != 205000 || got.Limit != 200000 {
		t.Errorf("got %+v", got)
	}
}

func TestParseTokenLimitStructured(t *testing.T) {
	body := `{"error":{"code":"model_max_prompt_tokens_exceeded","current":12345,"limit":8000}}`
	got, ok := ParseTokenLimit(body)
	if !ok {
		t.Fatal("expected a match")
	}
	if got.Current != 12345 || got.Limit != 8000 {
		t.Errorf("got %+v", got)
	}
}

func TestParseTokenLimitNoMatch(t *testing.T) {
	if _, ok := ParseTokenLimit("internal server error"); ok {
		t.Error("expected no match")
	}
}

func TestIsRateLimited(t *testing.T) {
	if !IsRateLimited(429, "") {
		t.Error("status 429 should be rate limited")
	}
	if !IsRateLimited(200, `{"error":{"code":"rate_limited"}}`) {
		t.Error("body with rate_limited code should be rate limited")
	}
	if IsRateLimited(500, "internal error") {
		t.Error("unrelated 500 should not be rate limited")
	}
}

func TestNormalize413LatchesByteLimit(t *testing.T) {
	body := make([]byte, 600*1024)
	err := &UpstreamError{StatusCode: 413, BodyText: string(body)}

	clientErr, feedback := Normalize(err)
	if clientErr.Kind != ErrorKindRequestTooLarge {
		t.Errorf("kind = %v, want request_too_large", clientErr.Kind)
	}
	wantLatch := 600 * 1024 * 9 / 10
	if feedback.LatchByteLimit != wantLatch {
		t.Errorf("LatchByteLimit = %d, want %d", feedback.LatchByteLimit, wantLatch)
	}
}

func TestNormalize413FloorsByteLimit(t *testing.T) {
	err := &UpstreamError{StatusCode: 413, BodyText: "tiny body"}
	_, feedback := Normalize(err)
	if feedback.LatchByteLimit != minByteLimit {
		t.Errorf("LatchByteLimit = %d, want floor %d", feedback.LatchByteLimit, minByteLimit)
	}
}

func TestNormalizeTokenLimitLatches95Percent(t *testing.T) {
	err := &UpstreamError{
		StatusCode: 400,
		BodyText:   "prompt is too long: 205000 tokens > 200000 maximum",
	}
	clientErr, feedback := Normalize(err)
	if clientErr.Kind != ErrorKindTokenLimit {
		t.Errorf("kind = %v, want token_limit_exceeded", clientErr.Kind)
	}
	if !feedback.HasTokenLimit {
		t.Fatal("expected HasTokenLimit")
	}
	want := 200000 * 95 / 100
	if feedback.LatchTokenLimit != want {
		t.Errorf("LatchTokenLimit = %d, want %d", feedback.LatchTokenLimit, want)
	}
}

func TestNormalizeRateLimit(t *testing.T) {
	err := &UpstreamError{StatusCode: 429, BodyText: ""}
	clientErr, _ := Normalize(err)
	if clientErr.Kind != ErrorKindRateLimit {
		t.Errorf("kind = %v, want rate_limit", clientErr.Kind)
	}
}

func TestNormalizeFallthrough(t *testing.T) {
	err := &UpstreamError{StatusCode: 500, BodyText: "boom"}
	clientErr, feedback := Normalize(err)
	if clientErr.Kind != ErrorKindUpstreamHTTP {
		t.Errorf("kind = %v, want upstream_http_error", clientErr.Kind)
	}
	if feedback.LatchByteLimit != 0 || feedback.HasTokenLimit {
		t.Error("fallthrough should not latch any dynamic limit")
	}
}
