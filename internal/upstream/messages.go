package upstream

import (
	"context"
	"errors"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/roelfdiedericks/duoproxy/internal/protocol"
)

// anthropicVersionHeader is the fixed value required by Upstream's native
// surface, per §4.F's direct pass-through rules.
const anthropicVersionHeader = "2023-06-01"

// AnthropicMessagesNonStream dispatches a native-surface request built by
// the Protocol Translator's pass-through path.
func (c *Client) AnthropicMessagesNonStream(ctx context.Context, params anthropic.MessageNewParams, messages []protocol.Message) (*anthropic.Message, error) {
	client := c.anthropicClientFor(messages)
	resp, err := client.Messages.New(ctx, params)
	if err != nil {
		return nil, translateAnthropicErr(err)
	}
	return resp, nil
}

// AnthropicEventSink receives raw native-surface stream events.
type AnthropicEventSink func(event anthropic.MessageStreamEventUnion) error

// AnthropicMessagesStream dispatches a native-surface streaming request,
// invoking sink for every event until the stream ends.
func (c *Client) AnthropicMessagesStream(ctx context.Context, params anthropic.MessageNewParams, messages []protocol.Message, sink AnthropicEventSink) error {
	client := c.anthropicClientFor(messages)
	stream := client.Messages.NewStreaming(ctx, params)
	defer stream.Close()

	for stream.Next() {
		if err := sink(stream.Current()); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		return translateAnthropicErr(err)
	}
	return nil
}

func (c *Client) anthropicClientFor(messages []protocol.Message) *anthropic.Client {
	opts := []option.RequestOption{
		option.WithAPIKey(c.tokens.CurrentShortToken()),
		option.WithBaseURL(c.cfg.APIBaseURL),
		option.WithHTTPClient(c.http),
		option.WithHeader("anthropic-version", anthropicVersionHeader),
		option.WithHeader("X-Initiator", initiatorFor(messages)),
	}
	if hasVision(messages) {
		opts = append(opts, option.WithHeader(visionCapabilityHeader, "true"))
	}
	client := anthropic.NewClient(opts...)
	return &client
}

func translateAnthropicErr(err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		return &protocol.UpstreamError{StatusCode: apiErr.StatusCode, BodyText: apiErr.Error()}
	}
	return &protocol.UpstreamError{StatusCode: 0, BodyText: err.Error()}
}
