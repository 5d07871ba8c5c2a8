package httpapi

import (
	"errors"
	"net/http"
	"testing"

	"github.com/roelfdiedericks/duoproxy/internal/protocol"
)

func TestClassifyErrUpstreamRateLimit(t *testing.T) {
	err := &protocol.UpstreamError{StatusCode: 429, BodyText: `{"error":{"code":"rate_limited"}}`}
	status, kind, _ := classifyErr(err)
	if status != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", status)
	}
	if kind != "rate_limit_error" {
		t.Errorf("expected rate_limit_error, got %q", kind)
	}
}

func TestClassifyErrUpstreamTokenLimit(t *testing.T) {
	err := &protocol.UpstreamError{StatusCode: 400, BodyText: "prompt is too long: 205000 tokens > 200000 maximum"}
	status, kind, _ := classifyErr(err)
	if status != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", status)
	}
	if kind != "invalid_request_error" {
		t.Errorf("expected invalid_request_error, got %q", kind)
	}
}

func TestClassifyErrUpstreamTooLarge(t *testing.T) {
	err := &protocol.UpstreamError{StatusCode: 413, BodyText: "payload too large"}
	status, _, _ := classifyErr(err)
	if status != http.StatusBadRequest {
		t.Errorf("expected 400 for request_too_large, got %d", status)
	}
}

func TestClassifyErrUpstreamGeneric(t *testing.T) {
	err := &protocol.UpstreamError{StatusCode: 500, BodyText: "boom"}
	status, kind, msg := classifyErr(err)
	if status != http.StatusBadGateway {
		t.Errorf("expected 502, got %d", status)
	}
	if kind != "error" {
		t.Errorf("expected error kind, got %q", kind)
	}
	if msg != "boom" {
		t.Errorf("expected upstream body text to pass through, got %q", msg)
	}
}

func TestClassifyErrClientErrorPassesThroughKind(t *testing.T) {
	err := &protocol.ClientError{Kind: protocol.ErrorKindAuthFailure, Type: "authentication_error", Message: "bad token"}
	status, kind, msg := classifyErr(err)
	if status != http.StatusUnauthorized {
		t.Errorf("expected 401, got %d", status)
	}
	if kind != "authentication_error" || msg != "bad token" {
		t.Errorf("unexpected kind/message: %q %q", kind, msg)
	}
}

func TestClassifyErrUnrecognizedErrorIsInternal(t *testing.T) {
	status, kind, _ := classifyErr(errors.New("something unexpected"))
	if status != http.StatusInternalServerError {
		t.Errorf("expected 500, got %d", status)
	}
	if kind != "api_error" {
		t.Errorf("expected api_error, got %q", kind)
	}
}

func TestStatusForKindCoversEveryTaxonomyMember(t *testing.T) {
	cases := map[protocol.ErrorKind]int{
		protocol.ErrorKindRateLimit:       http.StatusTooManyRequests,
		protocol.ErrorKindTokenLimit:      http.StatusBadRequest,
		protocol.ErrorKindRequestTooLarge: http.StatusBadRequest,
		protocol.ErrorKindAuthFailure:     http.StatusUnauthorized,
		protocol.ErrorKindUpstreamHTTP:    http.StatusBadGateway,
		protocol.ErrorKindUpstreamStream:  http.StatusBadGateway,
		protocol.ErrorKindInternal:        http.StatusInternalServerError,
	}
	for kind, want := range cases {
		if got := statusForKind(kind); got != want {
			t.Errorf("statusForKind(%q) = %d, want %d", kind, got, want)
		}
	}
}
