package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/roelfdiedericks/duoproxy/internal/protocol/openaiwire"

	. "github.com/roelfdiedericks/duoproxy/internal/logging"
)

// sseWriter frames one `data: <json>\n\n` line per event and flushes
// immediately, matching the streaming contract in §6.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newSSEWriter sets the event-stream headers and returns a writer, or ok
// false if the underlying ResponseWriter can't flush incrementally.
func newSSEWriter(w http.ResponseWriter) (*sseWriter, bool) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}

	w.Header().Set("Content-Type", "text/event-stream; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &sseWriter{w: w, flusher: flusher}, true
}

// writeJSONEvent writes one SSE frame. eventName is emitted as an `event:`
// line when non-empty; the OpenAI surface has no named events, only data
// lines, so it passes "".
func (s *sseWriter) writeJSONEvent(eventName string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if eventName != "" {
		if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", eventName, data); err != nil {
			return err
		}
	} else {
		if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
			return err
		}
	}
	s.flusher.Flush()
	return nil
}

// writeDone emits the OpenAI-surface terminal sentinel.
func (s *sseWriter) writeDone() {
	fmt.Fprint(s.w, "data: [DONE]\n\n")
	s.flusher.Flush()
}

// writeOpenAIError emits a single terminal error frame for the chunked
// OpenAI surface, which has no dedicated `error` event name.
func (s *sseWriter) writeOpenAIError(err error) {
	_, kind, msg := classifyErr(err)
	if writeErr := s.writeJSONEvent("", openaiwire.ErrorResponse{
		Error: openaiwire.ErrorBody{Type: kind, Message: msg},
	}); writeErr != nil {
		L_warn("httpapi: failed to write sse error frame", "error", writeErr)
	}
}
