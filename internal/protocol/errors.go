package protocol

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

// ErrorKind is the client-visible error taxonomy named in the error
// handling design: rate_limit, token_limit_exceeded, request_too_large,
// upstream_http_error, upstream_stream_error, auth_failure, internal_error.
type ErrorKind string

const (
	ErrorKindRateLimit         ErrorKind = "rate_limit"
	ErrorKindTokenLimit        ErrorKind = "token_limit_exceeded"
	ErrorKindRequestTooLarge   ErrorKind = "request_too_large"
	ErrorKindUpstreamHTTP      ErrorKind = "upstream_http_error"
	ErrorKindUpstreamStream    ErrorKind = "upstream_stream_error"
	ErrorKindAuthFailure       ErrorKind = "auth_failure"
	ErrorKindInternal          ErrorKind = "internal_error"
)

// UpstreamError is what the Upstream Client returns on any non-2xx
// response or transport failure.
type UpstreamError struct {
	StatusCode        int
	BodyText          string
	ModelID           string
	RetryAfterSeconds int // parsed from a Retry-After response header, 0 if absent
}

func (e *UpstreamError) Error() string {
	if e.ModelID != "" {
		return fmt.Sprintf("upstream error %d for model %s: %s", e.StatusCode, e.ModelID, e.BodyText)
	}
	return fmt.Sprintf("upstream error %d: %s", e.StatusCode, e.BodyText)
}

// ClientError is the normalized shape surfaced to callers, matching the
// Anthropic/OpenAI error envelope conventions (`type`+`message`).
type ClientError struct {
	Kind    ErrorKind
	Type    string // wire-level "type" field, e.g. invalid_request_error
	Message string
}

func (e *ClientError) Error() string {
	return e.Message
}

var tokenLimitPattern = regexp.MustCompile(`prompt is too long:\s*(\d+)\s*tokens\s*>\s*(\d+)\s*maximum`)
var modelMaxPromptPattern = regexp.MustCompile(`model_max_prompt_tokens_exceeded`)
var currentLimitPattern = regexp.MustCompile(`"current"\s*:\s*(\d+).*?"limit"\s*:\s*(\d+)`)

// TokenLimitFeedback carries the parsed current/limit pair so the caller
// can latch the dynamic per-model token-limit registry.
type TokenLimitFeedback struct {
	Current int
	Limit   int
}

// ParseTokenLimit extracts a current/limit pair from an upstream error body
// using either the structured model_max_prompt_tokens_exceeded shape or the
// Anthropic-family free-text pattern "prompt is too long: N tokens > M maximum".
func ParseTokenLimit(body string) (TokenLimitFeedback, bool) {
	if m := tokenLimitPattern.FindStringSubmatch(body); m != nil {
		current, err1 := strconv.Atoi(m[1])
		limit, err2 := strconv.Atoi(m[2])
		if err1 == nil && err2 == nil {
			return TokenLimitFeedback{Current: current, Limit: limit}, true
		}
	}
	if modelMaxPromptPattern.MatchString(body) {
		if m := currentLimitPattern.FindStringSubmatch(body); m != nil {
			current, err1 := strconv.Atoi(m[1])
			limit, err2 := strconv.Atoi(m[2])
			if err1 == nil && err2 == nil {
				return TokenLimitFeedback{Current: current, Limit: limit}, true
			}
		}
	}
	return TokenLimitFeedback{}, false
}

// IsRateLimited reports whether an upstream error represents a 429,
// either via status code or a decodable error.code == "rate_limited" body.
func IsRateLimited(statusCode int, body string) bool {
	if statusCode == 429 {
		return true
	}
	lower := strings.ToLower(body)
	return strings.Contains(lower, `"code"`) && strings.Contains(lower, `"rate_limited"`)
}

// DynamicLimitFeedback is returned alongside a normalized ClientError so
// the caller can update the byte-limit / token-limit registries described
// in the data model.
type DynamicLimitFeedback struct {
	LatchByteLimit  int  // > 0 when a new byte ceiling should be latched
	LatchTokenLimit int  // > 0 when a new per-model token ceiling should be latched
	HasTokenLimit   bool // true when LatchTokenLimit should be applied
}

const minByteLimit = 100 * 1024

// Normalize converts an UpstreamError into the client-visible shape,
// returning any dynamic-limit feedback the caller should latch for future
// requests.
func Normalize(err *UpstreamError) (*ClientError, DynamicLimitFeedback) {
	switch {
	case err.StatusCode == 413:
		failingBytes := len(err.BodyText)
		latch := failingBytes * 9 / 10
		if latch < minByteLimit {
			latch = minByteLimit
		}
		return &ClientError{
				Kind:    ErrorKindRequestTooLarge,
				Type:    "invalid_request_error",
				Message: "Request body too large for upstream; it will be compacted more aggressively on retry.",
			}, DynamicLimitFeedback{
				LatchByteLimit: latch,
			}

	case func() bool { _, ok := ParseTokenLimit(err.BodyText); return ok }():
		feedback, _ := ParseTokenLimit(err.BodyText)
		return &ClientError{
				Kind: ErrorKindTokenLimit,
				Type: "invalid_request_error",
				Message: fmt.Sprintf("prompt is too long: %d tokens > %d maximum",
					feedback.Current, feedback.Limit),
			}, DynamicLimitFeedback{
				HasTokenLimit:   true,
				LatchTokenLimit: feedback.Limit * 95 / 100,
			}

	case IsRateLimited(err.StatusCode, err.BodyText):
		return &ClientError{
			Kind:    ErrorKindRateLimit,
			Type:    "rate_limit_error",
			Message: "rate limited by upstream",
		}, DynamicLimitFeedback{}

	default:
		return &ClientError{
			Kind:    ErrorKindUpstreamHTTP,
			Type:    "error",
			Message: err.BodyText,
		}, DynamicLimitFeedback{}
	}
}
