package upstream

import (
	"context"
	"errors"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/roelfdiedericks/duoproxy/internal/protocol"

	. "github.com/roelfdiedericks/duoproxy/internal/logging"
)

// visionCapabilityHeader is set on requests carrying image content, per
// §4.B; the exact header name is Upstream-specific and kept as a single
// named constant so it has one place to adjust.
const visionCapabilityHeader = "Copilot-Vision-Request"

// ChatCompletionsNonStream dispatches a translated (OpenAI-shaped) request
// and returns the full response.
func (c *Client) ChatCompletionsNonStream(ctx context.Context, req openai.ChatCompletionRequest, messages []protocol.Message) (*openai.ChatCompletionResponse, error) {
	req.Stream = false
	client := c.openaiClient()

	resp, err := client.CreateChatCompletion(withUpstreamHeaders(ctx, messages), req)
	if err != nil {
		return nil, translateOpenAIErr(err)
	}
	return &resp, nil
}

// ChatEventSink receives raw OpenAI stream chunks as they arrive; the
// Protocol Translator's streaming state machine consumes them.
type ChatEventSink func(chunk openai.ChatCompletionStreamResponse) error

// ChatCompletionsStream dispatches a translated request in streaming mode,
// invoking sink for every chunk until the stream ends or sink returns an
// error.
func (c *Client) ChatCompletionsStream(ctx context.Context, req openai.ChatCompletionRequest, messages []protocol.Message, sink ChatEventSink) error {
	req.Stream = true
	client := c.openaiClient()

	stream, err := client.CreateChatCompletionStream(withUpstreamHeaders(ctx, messages), req)
	if err != nil {
		return translateOpenAIErr(err)
	}
	defer stream.Close()

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return translateOpenAIErr(err)
		}
		if sinkErr := sink(chunk); sinkErr != nil {
			return sinkErr
		}
	}
}

// upstreamHeaderCtxKey carries per-request headers the go-openai client's
// transport reads via requestHeaderTransport, since the library itself has
// no per-call header hook.
type upstreamHeaderCtxKey struct{}

type upstreamHeaders struct {
	initiator string
	vision    bool
}

func withUpstreamHeaders(ctx context.Context, messages []protocol.Message) context.Context {
	return context.WithValue(ctx, upstreamHeaderCtxKey{}, upstreamHeaders{
		initiator: initiatorFor(messages),
		vision:    hasVision(messages),
	})
}

func translateOpenAIErr(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return &protocol.UpstreamError{StatusCode: apiErr.HTTPStatusCode, BodyText: apiErr.Message}
	}
	L_warn("upstream: non-API error from openai client", "error", err)
	return &protocol.UpstreamError{StatusCode: 0, BodyText: err.Error()}
}
