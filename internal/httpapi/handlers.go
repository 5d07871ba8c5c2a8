package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/roelfdiedericks/duoproxy/internal/protocol"
	"github.com/roelfdiedericks/duoproxy/internal/protocol/anthropicwire"
	"github.com/roelfdiedericks/duoproxy/internal/protocol/openaiwire"

	. "github.com/roelfdiedericks/duoproxy/internal/logging"
)

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprintln(w, "duoproxy is running")
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var longPresent, shortPresent bool
	if s.tokens != nil {
		longPresent, shortPresent = s.tokens.Status()
	}
	modelsLoaded := s.pipe != nil && len(s.pipe.KnownModels()) > 0

	healthy := longPresent && shortPresent && modelsLoaded

	status := http.StatusOK
	if !healthy {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, map[string]any{
		"ok": healthy,
		"checks": map[string]bool{
			"long_token_present":  longPresent,
			"short_token_present": shortPresent,
			"models_loaded":       modelsLoaded,
		},
	})
}

func (s *Server) handleListModels(w http.ResponseWriter, r *http.Request) {
	list, err := s.pipe.ListModels(r.Context())
	if err != nil {
		L_warn("httpapi: list models failed", "error", err)
		list = s.pipe.KnownModels()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"object": "list",
		"data":   list,
	})
}

func (s *Server) handleOpenAIChatCompletions(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r)
	if err != nil {
		return
	}

	var probe struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal(raw, &probe)

	if !probe.Stream {
		resp, err := s.pipe.ServeOpenAIChatCompletions(r.Context(), raw)
		if err != nil {
			writeOpenAIError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	sw, ok := newSSEWriter(w)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	err = s.pipe.ServeOpenAIChatCompletionsStream(r.Context(), raw, func(chunk *openaiwire.StreamChunk) error {
		return sw.writeJSONEvent("", chunk)
	})
	if err != nil {
		L_warn("httpapi: openai stream error", "error", err)
		sw.writeOpenAIError(err)
	}
	sw.writeDone()
}

func (s *Server) handleAnthropicMessages(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r)
	if err != nil {
		return
	}

	var probe struct {
		Stream bool `json:"stream"`
	}
	_ = json.Unmarshal(raw, &probe)

	if !probe.Stream {
		resp, err := s.pipe.ServeAnthropicMessages(r.Context(), raw)
		if err != nil {
			writeAnthropicError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	sw, ok := newSSEWriter(w)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	err = s.pipe.ServeAnthropicMessagesStream(r.Context(), raw, func(event *anthropicwire.StreamEvent) error {
		return sw.writeJSONEvent(event.Type, event)
	})
	if err != nil {
		L_warn("httpapi: anthropic stream error", "error", err)
	}
}

func (s *Server) handleCountTokens(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r)
	if err != nil {
		return
	}

	count, err := s.pipe.CountTokens(r.Context(), raw)
	if err != nil {
		writeAnthropicError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, anthropicwire.CountTokensResponse{InputTokens: count})
}

func (s *Server) handleEmbeddings(w http.ResponseWriter, r *http.Request) {
	raw, err := readBody(w, r)
	if err != nil {
		return
	}

	resp, err := s.pipe.Embeddings(r.Context(), raw)
	if err != nil {
		writeOpenAIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleEventLoggingBatch accepts whatever telemetry batch a client sends
// and discards it; duoproxy has nowhere to forward client-side events.
func (s *Server) handleEventLoggingBatch(w http.ResponseWriter, r *http.Request) {
	io.Copy(io.Discard, r.Body)
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, `"OK"`)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	raw, err := s.pipe.Usage(r.Context())
	if err != nil {
		writeOpenAIError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Write(raw)
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.tokens == nil {
		writeJSON(w, http.StatusOK, map[string]any{"token": ""})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"token": s.tokens.CurrentShortToken()})
}

func readBody(w http.ResponseWriter, r *http.Request) ([]byte, error) {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "failed to read request body", http.StatusBadRequest)
		return nil, err
	}
	return raw, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		L_warn("httpapi: failed to encode response", "error", err)
	}
}

func writeAnthropicError(w http.ResponseWriter, err error) {
	status, kind, msg := classifyErr(err)
	writeJSON(w, status, anthropicwire.ErrorResponse{
		Type:  "error",
		Error: anthropicwire.ErrorBody{Type: kind, Message: msg},
	})
}

func writeOpenAIError(w http.ResponseWriter, err error) {
	status, kind, msg := classifyErr(err)
	writeJSON(w, status, openaiwire.ErrorResponse{
		Error: openaiwire.ErrorBody{Type: kind, Message: msg},
	})
}

// classifyErr maps an error surfaced from the pipeline onto an HTTP status
// and the wire-level error taxonomy named in §7.
func classifyErr(err error) (status int, kind, message string) {
	if upErr, ok := err.(*protocol.UpstreamError); ok {
		clientErr, _ := protocol.Normalize(upErr)
		return statusForKind(clientErr.Kind), clientErr.Type, clientErr.Message
	}
	if clientErr, ok := err.(*protocol.ClientError); ok {
		return statusForKind(clientErr.Kind), clientErr.Type, clientErr.Message
	}
	return http.StatusInternalServerError, "api_error", err.Error()
}

func statusForKind(kind protocol.ErrorKind) int {
	switch kind {
	case protocol.ErrorKindRateLimit:
		return http.StatusTooManyRequests
	case protocol.ErrorKindTokenLimit, protocol.ErrorKindRequestTooLarge:
		return http.StatusBadRequest
	case protocol.ErrorKindAuthFailure:
		return http.StatusUnauthorized
	case protocol.ErrorKindUpstreamHTTP, protocol.ErrorKindUpstreamStream:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
