package protocol

import (
	"github.com/google/uuid"

	"github.com/roelfdiedericks/duoproxy/internal/protocol/anthropicwire"
	"github.com/roelfdiedericks/duoproxy/internal/protocol/openaiwire"
)

// StreamState is the full state of the OpenAI→Anthropic streaming
// translation at a point in time. It is a plain value: StepChunk takes one
// by value and returns the next, so the caller threads it explicitly
// through successive chunks rather than through any shared mutable field.
type StreamState struct {
	messageStarted bool
	pendingModel   string

	blockOpen  bool
	blockKind  string // "text" | "tool_use"
	blockIndex int

	nextBlockIndex int

	// toolBlockByCallIndex maps an OpenAI concurrent tool-call index to the
	// Anthropic content-block index allocated for it.
	toolBlockByCallIndex map[int]int

	inputTokens int
	finished    bool
}

// NewStreamState returns the initial state before any chunk has arrived.
func NewStreamState() StreamState {
	return StreamState{toolBlockByCallIndex: map[int]int{}}
}

func (s StreamState) clone() StreamState {
	m := make(map[int]int, len(s.toolBlockByCallIndex))
	for k, v := range s.toolBlockByCallIndex {
		m[k] = v
	}
	s.toolBlockByCallIndex = m
	return s
}

// StepChunk advances the state machine by one OpenAI stream chunk and
// returns the Anthropic events to emit, per §4.F.2.
func StepChunk(state StreamState, chunk openaiwire.StreamChunk, names *ToolNameMap) (StreamState, []anthropicwire.StreamEvent) {
	next := state.clone()
	var events []anthropicwire.StreamEvent

	if chunk.Model != "" {
		next.pendingModel = chunk.Model
	}

	if len(chunk.Choices) == 0 {
		return next, events
	}

	if !next.messageStarted {
		next.messageStarted = true
		events = append(events, messageStartEvent(next.pendingModel))
	}

	choice := chunk.Choices[0]

	if choice.Delta.Content != nil && *choice.Delta.Content != "" {
		var ev []anthropicwire.StreamEvent
		next, ev = openTextBlock(next)
		events = append(events, ev...)
		events = append(events, anthropicwire.StreamEvent{
			Type:  "content_block_delta",
			Index: next.blockIndex,
			Delta: &anthropicwire.Delta{Type: "text_delta", Text: *choice.Delta.Content},
		})
	}

	for _, tc := range choice.Delta.ToolCalls {
		var ev []anthropicwire.StreamEvent
		next, ev = stepToolCallDelta(next, tc, names)
		events = append(events, ev...)
	}

	if choice.FinishReason != nil {
		var ev []anthropicwire.StreamEvent
		next, ev = closeOpenBlock(next)
		events = append(events, ev...)

		stopReason := mapFinishReason(*choice.FinishReason)
		events = append(events, anthropicwire.StreamEvent{
			Type:  "message_delta",
			Delta: &anthropicwire.Delta{StopReason: &stopReason},
			Usage: &anthropicwire.UsageInfo{InputTokens: next.inputTokens},
		})
		events = append(events, anthropicwire.StreamEvent{Type: "message_stop"})
		next.finished = true
	}

	return next, events
}

// StepError closes any open block and emits a terminal error event; used
// when the upstream stream itself fails mid-flight.
func StepError(state StreamState, message string) (StreamState, []anthropicwire.StreamEvent) {
	next, events := closeOpenBlock(state.clone())
	events = append(events, anthropicwire.StreamEvent{
		Type:  "error",
		Error: &anthropicwire.ErrorBody{Type: "api_error", Message: message},
	})
	return next, events
}

// StepEnd closes any open block and emits the closing message_delta and
// message_stop pair for a stream that ended without any chunk carrying a
// finish reason. A well-formed upstream stream always ends via StepChunk's
// FinishReason branch; this is the fallback for one that doesn't, so a
// client still sees a clean stop rather than a stream that trails off.
func StepEnd(state StreamState) (StreamState, []anthropicwire.StreamEvent) {
	if !state.messageStarted || state.finished {
		return state, nil
	}
	next, events := closeOpenBlock(state.clone())
	stopReason := "end_turn"
	events = append(events, anthropicwire.StreamEvent{
		Type:  "message_delta",
		Delta: &anthropicwire.Delta{StopReason: &stopReason},
		Usage: &anthropicwire.UsageInfo{InputTokens: next.inputTokens},
	})
	events = append(events, anthropicwire.StreamEvent{Type: "message_stop"})
	return next, events
}

// messageStartEvent synthesizes an Anthropic-shaped message id: the
// upstream OpenAI completion id ("chatcmpl-...") isn't in the "msg_..."
// form Anthropic clients expect, so the translated stream mints its own.
func messageStartEvent(model string) anthropicwire.StreamEvent {
	return anthropicwire.StreamEvent{
		Type: "message_start",
		Message: &anthropicwire.Response{
			ID:      "msg_" + uuid.NewString(),
			Type:    "message",
			Role:    string(RoleAssistant),
			Model:   model,
			Content: []anthropicwire.Block{},
		},
	}
}

func openTextBlock(state StreamState) (StreamState, []anthropicwire.StreamEvent) {
	if state.blockOpen && state.blockKind == "text" {
		return state, nil
	}
	next, events := closeOpenBlock(state)
	next.blockOpen = true
	next.blockKind = "text"
	next.blockIndex = next.nextBlockIndex
	next.nextBlockIndex++
	events = append(events, anthropicwire.StreamEvent{
		Type:         "content_block_start",
		Index:        next.blockIndex,
		ContentBlock: &anthropicwire.Block{Type: "text", Text: ""},
	})
	return next, events
}

func closeOpenBlock(state StreamState) (StreamState, []anthropicwire.StreamEvent) {
	if !state.blockOpen {
		return state, nil
	}
	next := state
	next.blockOpen = false
	return next, []anthropicwire.StreamEvent{{Type: "content_block_stop", Index: state.blockIndex}}
}

func stepToolCallDelta(state StreamState, tc openaiwire.ToolCallDelta, names *ToolNameMap) (StreamState, []anthropicwire.StreamEvent) {
	next := state
	var events []anthropicwire.StreamEvent

	blockIndex, known := next.toolBlockByCallIndex[tc.Index]
	if !known {
		var ev []anthropicwire.StreamEvent
		next, ev = closeOpenBlock(next)
		events = append(events, ev...)

		blockIndex = next.nextBlockIndex
		next.nextBlockIndex++
		next = next.clone()
		next.toolBlockByCallIndex[tc.Index] = blockIndex
		next.blockOpen = true
		next.blockKind = "tool_use"
		next.blockIndex = blockIndex

		events = append(events, anthropicwire.StreamEvent{
			Type:  "content_block_start",
			Index: blockIndex,
			ContentBlock: &anthropicwire.Block{
				Type:  "tool_use",
				ID:    tc.ID,
				Name:  names.Restore(tc.Function.Name),
				Input: []byte("{}"),
			},
		})
	}

	if tc.Function.Arguments != "" {
		events = append(events, anthropicwire.StreamEvent{
			Type:  "content_block_delta",
			Index: blockIndex,
			Delta: &anthropicwire.Delta{Type: "input_json_delta", PartialJSON: tc.Function.Arguments},
		})
	}

	return next, events
}
