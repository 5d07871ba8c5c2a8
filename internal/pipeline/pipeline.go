// Package pipeline wires the config, model cache, compactor, rate
// limiter, and upstream client into the end-to-end request flow
// described in §4.I: parse, resolve model, maybe compact, dispatch, and
// translate the reply back to whichever wire surface the caller used.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/roelfdiedericks/duoproxy/internal/compactor"
	"github.com/roelfdiedericks/duoproxy/internal/config"
	"github.com/roelfdiedericks/duoproxy/internal/history"
	"github.com/roelfdiedericks/duoproxy/internal/limits"
	"github.com/roelfdiedericks/duoproxy/internal/models"
	"github.com/roelfdiedericks/duoproxy/internal/protocol"
	"github.com/roelfdiedericks/duoproxy/internal/protocol/anthropicwire"
	"github.com/roelfdiedericks/duoproxy/internal/protocol/openaiwire"
	"github.com/roelfdiedericks/duoproxy/internal/ratelimit"
	"github.com/roelfdiedericks/duoproxy/internal/tokenizer"
	"github.com/roelfdiedericks/duoproxy/internal/upstream"

	. "github.com/roelfdiedericks/duoproxy/internal/logging"
)

// Pipeline is the process-wide orchestrator. One instance is built at
// startup and shared by every inbound HTTP request.
type Pipeline struct {
	cfg      *config.Watcher
	modelsC  *models.Cache
	limitsR  *limits.Registry
	limiter  *ratelimit.Limiter
	upstream *upstream.Client
	hist     *history.Recorder
}

// New builds a Pipeline over its dependencies. hist may be nil, which
// disables history recording.
func New(cfg *config.Watcher, modelsC *models.Cache, limitsR *limits.Registry, limiter *ratelimit.Limiter, up *upstream.Client, hist *history.Recorder) *Pipeline {
	return &Pipeline{cfg: cfg, modelsC: modelsC, limitsR: limitsR, limiter: limiter, upstream: up, hist: hist}
}

// resolveModel implements §4.I step 2: normalize the requested name,
// look it up, and reload the catalog once on a miss before giving up.
func (p *Pipeline) resolveModel(ctx context.Context, requested string) (*models.Model, error) {
	known := p.knownModelIDs()
	canonical := protocol.NormalizeModelName(requested, known)

	if m := p.modelsC.Lookup(canonical); m != nil {
		return m, nil
	}

	if list, err := p.upstream.ListModels(ctx); err == nil {
		p.modelsC.Replace(list)
	} else {
		L_warn("pipeline: model reload failed", "error", err)
	}

	known = p.knownModelIDs()
	canonical = protocol.NormalizeModelName(requested, known)
	if m := p.modelsC.Lookup(canonical); m != nil {
		return m, nil
	}

	return nil, fmt.Errorf("pipeline: unknown model %q", requested)
}

func (p *Pipeline) knownModelIDs() []string {
	all := p.modelsC.All()
	ids := make([]string, 0, len(all))
	for _, m := range all {
		ids = append(ids, m.ID)
	}
	return ids
}

// tokenLimitFor returns the effective prompt-token ceiling for model,
// preferring a latched dynamic limit over the catalog's own figure.
func (p *Pipeline) tokenLimitFor(model *models.Model) int {
	if latched, ok := p.limitsR.TokenLimit(model.ID); ok {
		return latched
	}
	return model.Capabilities.MaxPromptTokens
}

func (p *Pipeline) compact(payload *protocol.Payload, model *models.Model) *compactor.Result {
	cfg := p.cfg.Get()
	c := compactor.New(compactor.FromConfig(cfg.Compaction))
	if !cfg.Compaction.Enabled {
		// Compaction is off, but callers like CountTokens still need the
		// true input_tokens count, so count the payload as-is rather than
		// leaving OriginalTokens at its zero value.
		originalTokens := tokenizer.Get().CountMessages(payload, model.Vendor)
		return &compactor.Result{Payload: payload, OriginalTokens: originalTokens, CompactedTokens: originalTokens}
	}
	tokenLimit := p.tokenLimitFor(model) - cfg.Compaction.ReserveTokens
	byteLimit := p.limitsR.ByteLimit()
	return c.Compact(payload, model.Vendor, tokenLimit, byteLimit)
}

func (p *Pipeline) recordHistory(endpoint, sessionID string, req, resp any, started time.Time, err error) {
	if p.hist == nil {
		return
	}
	if sessionID == "" {
		// Neither wire surface requires a caller-supplied session id; mint
		// one so every history entry stays individually addressable.
		sessionID = uuid.NewString()
	}
	reqBytes, _ := json.Marshal(req)
	respBytes, _ := json.Marshal(resp)
	entry := history.Entry{
		SessionID:        sessionID,
		Timestamp:        started,
		Endpoint:         endpoint,
		RequestSnapshot:  string(reqBytes),
		ResponseSnapshot: string(respBytes),
		DurationMS:       time.Since(started).Milliseconds(),
	}
	if err != nil {
		entry.Err = err.Error()
	}
	p.hist.Record(entry)
}

// ServeAnthropicMessages implements the non-streaming /v1/messages path:
// direct pass-through when configured, else translation through the
// OpenAI-shaped upstream surface.
func (p *Pipeline) ServeAnthropicMessages(ctx context.Context, raw json.RawMessage) (*anthropicwire.Response, error) {
	started := time.Now()

	var req anthropicwire.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("pipeline: decode anthropic request: %w", err)
	}

	cfg := p.cfg.Get()
	protocol.LogDisallowedFields(raw, cfg.PassThrough.AllowedNativeFields)

	model, err := p.resolveModel(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	req.Model = model.ID

	var resp *anthropicwire.Response
	if cfg.PassThrough.DirectAnthropicMode {
		resp, err = p.serveAnthropicDirect(ctx, &req, model)
	} else {
		resp, err = p.serveAnthropicTranslated(ctx, &req, model)
	}

	userID := ""
	if req.Metadata != nil {
		userID = req.Metadata.UserID
	}
	p.recordHistory("/v1/messages", userID, &req, resp, started, err)
	return resp, err
}

func (p *Pipeline) serveAnthropicDirect(ctx context.Context, req *anthropicwire.Request, model *models.Model) (*anthropicwire.Response, error) {
	payload, err := protocol.FromAnthropicRequest(req)
	if err != nil {
		return nil, err
	}
	payload.Model = model.ID

	result := p.compact(payload, model)
	rewritten := protocol.ToAnthropicRequest(result.Payload)
	protocol.ApplyMaxTokensBump(rewritten)
	protocol.RewriteServerTools(rewritten)

	params := toSDKMessageParams(rewritten)

	var out *anthropicwire.Response
	rlResult := p.limiter.Execute(ctx, func(ctx context.Context) error {
		msg, err := p.upstream.AnthropicMessagesNonStream(ctx, params, result.Payload.Messages)
		if err != nil {
			return err
		}
		out = fromSDKMessage(msg)
		return nil
	})
	if rlResult.Err != nil {
		return nil, rlResult.Err
	}
	return out, nil
}

func (p *Pipeline) serveAnthropicTranslated(ctx context.Context, req *anthropicwire.Request, model *models.Model) (*anthropicwire.Response, error) {
	payload, err := protocol.FromAnthropicRequest(req)
	if err != nil {
		return nil, err
	}
	payload.Model = model.ID

	result := p.compact(payload, model)
	cfg := p.cfg.Get()
	names := protocol.NewToolNameMap()
	oaReq := protocol.ToOpenAIRequest(result.Payload, names, cfg.PassThrough.ReservedKeywords)
	sdkReq := toSDKChatRequest(oaReq)

	var out *anthropicwire.Response
	rlResult := p.limiter.Execute(ctx, func(ctx context.Context) error {
		resp, err := p.upstream.ChatCompletionsNonStream(ctx, sdkReq, result.Payload.Messages)
		if err != nil {
			return err
		}
		wireResp := fromSDKResponse(resp)
		out = protocol.FromOpenAIResponse(wireResp, names)
		return nil
	})
	if rlResult.Err != nil {
		return nil, rlResult.Err
	}
	return out, nil
}

// AnthropicStreamSink receives each translated SSE event in order; the
// caller (the HTTP layer's SSE writer) owns framing and flushing.
type AnthropicStreamSink func(event *anthropicwire.StreamEvent) error

// ServeAnthropicMessagesStream implements the streaming /v1/messages
// path, driving either the native event stream directly or the OpenAI
// chunk stream through the protocol translator's step function.
func (p *Pipeline) ServeAnthropicMessagesStream(ctx context.Context, raw json.RawMessage, sink AnthropicStreamSink) error {
	var req anthropicwire.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("pipeline: decode anthropic request: %w", err)
	}
	req.Stream = true

	cfg := p.cfg.Get()
	model, err := p.resolveModel(ctx, req.Model)
	if err != nil {
		return err
	}
	req.Model = model.ID

	if cfg.PassThrough.DirectAnthropicMode {
		return p.streamAnthropicDirect(ctx, &req, model, sink)
	}
	return p.streamAnthropicTranslated(ctx, &req, model, sink)
}

func (p *Pipeline) streamAnthropicDirect(ctx context.Context, req *anthropicwire.Request, model *models.Model, sink AnthropicStreamSink) error {
	payload, err := protocol.FromAnthropicRequest(req)
	if err != nil {
		return err
	}
	payload.Model = model.ID
	payload.Stream = true

	result := p.compact(payload, model)
	rewritten := protocol.ToAnthropicRequest(result.Payload)
	rewritten.Stream = true
	protocol.ApplyMaxTokensBump(rewritten)
	protocol.RewriteServerTools(rewritten)

	params := toSDKMessageParams(rewritten)

	rlResult := p.limiter.Execute(ctx, func(ctx context.Context) error {
		return p.upstream.AnthropicMessagesStream(ctx, params, result.Payload.Messages, func(event anthropic.MessageStreamEventUnion) error {
			wire := fromSDKStreamEvent(event)
			if wire == nil {
				return nil
			}
			return sink(wire)
		})
	})
	if rlResult.Err != nil {
		return sink(&anthropicwire.StreamEvent{Type: "error", Error: &anthropicwire.ErrorBody{Type: "api_error", Message: rlResult.Err.Error()}})
	}
	return nil
}

func (p *Pipeline) streamAnthropicTranslated(ctx context.Context, req *anthropicwire.Request, model *models.Model, sink AnthropicStreamSink) error {
	payload, err := protocol.FromAnthropicRequest(req)
	if err != nil {
		return err
	}
	payload.Model = model.ID
	payload.Stream = true

	result := p.compact(payload, model)
	cfg := p.cfg.Get()
	names := protocol.NewToolNameMap()
	oaReq := protocol.ToOpenAIRequest(result.Payload, names, cfg.PassThrough.ReservedKeywords)
	oaReq.Stream = true
	sdkReq := toSDKChatRequest(oaReq)

	state := protocol.NewStreamState()
	rlResult := p.limiter.Execute(ctx, func(ctx context.Context) error {
		return p.upstream.ChatCompletionsStream(ctx, sdkReq, result.Payload.Messages, func(chunk openai.ChatCompletionStreamResponse) error {
			wireChunk := fromSDKStreamChunk(chunk)
			var events []*anthropicwire.StreamEvent
			state, events = stepChunkPtrs(state, wireChunk, names)
			for _, ev := range events {
				if err := sink(ev); err != nil {
					return err
				}
			}
			return nil
		})
	})
	if rlResult.Err != nil {
		var events []*anthropicwire.StreamEvent
		_, events = stepErrorPtrs(state, rlResult.Err.Error())
		for _, ev := range events {
			if err := sink(ev); err != nil {
				return err
			}
		}
		return nil
	}

	// The upstream stream may end on a chunk whose finish_reason is null
	// (spec §8); StepChunk only closes the message on a non-nil reason, so
	// finalize here to still hand the client a clean message_stop.
	var endEvents []*anthropicwire.StreamEvent
	_, endEvents = stepEndPtrs(state)
	for _, ev := range endEvents {
		if err := sink(ev); err != nil {
			return err
		}
	}
	return nil
}

// stepChunkPtrs adapts protocol.StepChunk's []anthropicwire.StreamEvent
// value slice into the pointer-per-event shape AnthropicStreamSink uses,
// since the SSE writer needs to address each event independently.
func stepChunkPtrs(state protocol.StreamState, chunk openaiwire.StreamChunk, names *protocol.ToolNameMap) (protocol.StreamState, []*anthropicwire.StreamEvent) {
	newState, events := protocol.StepChunk(state, chunk, names)
	out := make([]*anthropicwire.StreamEvent, len(events))
	for i := range events {
		out[i] = &events[i]
	}
	return newState, out
}

func stepErrorPtrs(state protocol.StreamState, message string) (protocol.StreamState, []*anthropicwire.StreamEvent) {
	newState, events := protocol.StepError(state, message)
	out := make([]*anthropicwire.StreamEvent, len(events))
	for i := range events {
		out[i] = &events[i]
	}
	return newState, out
}

func stepEndPtrs(state protocol.StreamState) (protocol.StreamState, []*anthropicwire.StreamEvent) {
	newState, events := protocol.StepEnd(state)
	out := make([]*anthropicwire.StreamEvent, len(events))
	for i := range events {
		out[i] = &events[i]
	}
	return newState, out
}

// ServeOpenAIChatCompletions implements the non-streaming
// /chat/completions path: the client already speaks Upstream's own wire
// shape, so only compaction and model resolution sit in front of dispatch.
func (p *Pipeline) ServeOpenAIChatCompletions(ctx context.Context, raw json.RawMessage) (*openaiwire.Response, error) {
	started := time.Now()

	var req openaiwire.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("pipeline: decode openai request: %w", err)
	}

	model, err := p.resolveModel(ctx, req.Model)
	if err != nil {
		return nil, err
	}
	req.Model = model.ID

	payload := protocol.FromOpenAIRequest(&req)
	result := p.compact(payload, model)
	cfg := p.cfg.Get()
	names := protocol.NewToolNameMap()
	oaReq := protocol.ToOpenAIRequest(result.Payload, names, cfg.PassThrough.ReservedKeywords)
	sdkReq := toSDKChatRequest(oaReq)

	var out *openaiwire.Response
	rlResult := p.limiter.Execute(ctx, func(ctx context.Context) error {
		resp, err := p.upstream.ChatCompletionsNonStream(ctx, sdkReq, result.Payload.Messages)
		if err != nil {
			return err
		}
		out = fromSDKResponse(resp)
		return nil
	})

	p.recordHistory("/chat/completions", req.User, &req, out, started, rlResult.Err)
	if rlResult.Err != nil {
		return nil, rlResult.Err
	}
	return out, nil
}

// OpenAIStreamSink receives each raw stream chunk; this surface is never
// translated since the caller already speaks the chunk's own shape.
type OpenAIStreamSink func(chunk *openaiwire.StreamChunk) error

// ServeOpenAIChatCompletionsStream implements the streaming
// /chat/completions path.
func (p *Pipeline) ServeOpenAIChatCompletionsStream(ctx context.Context, raw json.RawMessage, sink OpenAIStreamSink) error {
	var req openaiwire.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return fmt.Errorf("pipeline: decode openai request: %w", err)
	}
	req.Stream = true

	model, err := p.resolveModel(ctx, req.Model)
	if err != nil {
		return err
	}
	req.Model = model.ID

	payload := protocol.FromOpenAIRequest(&req)
	payload.Stream = true
	result := p.compact(payload, model)
	cfg := p.cfg.Get()
	names := protocol.NewToolNameMap()
	oaReq := protocol.ToOpenAIRequest(result.Payload, names, cfg.PassThrough.ReservedKeywords)
	oaReq.Stream = true
	sdkReq := toSDKChatRequest(oaReq)

	rlResult := p.limiter.Execute(ctx, func(ctx context.Context) error {
		return p.upstream.ChatCompletionsStream(ctx, sdkReq, result.Payload.Messages, func(chunk openai.ChatCompletionStreamResponse) error {
			wireChunk := fromSDKStreamChunk(chunk)
			return sink(&wireChunk)
		})
	})
	return rlResult.Err
}

// Embeddings implements the /embeddings surface, a direct pass-through to
// Upstream's translated endpoint with no compaction or translation.
func (p *Pipeline) Embeddings(ctx context.Context, raw json.RawMessage) (*openaiwire.EmbeddingsResponse, error) {
	var req openaiwire.EmbeddingsRequest
	if err := json.Unmarshal(raw, &req); err != nil {
		return nil, fmt.Errorf("pipeline: decode embeddings request: %w", err)
	}

	sdkReq := toSDKEmbeddingRequest(req)
	var out *openaiwire.EmbeddingsResponse
	rlResult := p.limiter.Execute(ctx, func(ctx context.Context) error {
		resp, err := p.upstream.Embeddings(ctx, sdkReq)
		if err != nil {
			return err
		}
		out = fromSDKEmbeddingResponse(resp)
		return nil
	})
	if rlResult.Err != nil {
		return nil, rlResult.Err
	}
	return out, nil
}

// ListModels refreshes and returns the model catalog.
func (p *Pipeline) ListModels(ctx context.Context) ([]*models.Model, error) {
	list, err := p.upstream.ListModels(ctx)
	if err != nil {
		return nil, err
	}
	p.modelsC.Replace(list)
	return list, nil
}

// KnownModels returns the currently cached catalog without refreshing it,
// for callers like /health that only need to know whether it's populated.
func (p *Pipeline) KnownModels() []*models.Model {
	return p.modelsC.All()
}

// Usage proxies Upstream's account usage endpoint for the /usage surface.
func (p *Pipeline) Usage(ctx context.Context) (json.RawMessage, error) {
	return p.upstream.Usage(ctx)
}

// RecentHistory returns up to n of the most recently recorded
// request/response pairs, newest first.
func (p *Pipeline) RecentHistory(n int) []history.Entry {
	return p.hist.Recent(n)
}

// CountTokens implements /v1/messages/count_tokens (§4.J, edge case 6):
// the true count, unless auto-compact would fire for this payload, in
// which case an inflated count (95% of the model's context window) is
// returned to push compliant clients into compacting client-side.
func (p *Pipeline) CountTokens(ctx context.Context, raw json.RawMessage) (int, error) {
	var req anthropicwire.Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return 0, fmt.Errorf("pipeline: decode anthropic request: %w", err)
	}

	model, err := p.resolveModel(ctx, req.Model)
	if err != nil {
		return 0, err
	}

	payload, err := protocol.FromAnthropicRequest(&req)
	if err != nil {
		return 0, err
	}
	payload.Model = model.ID

	result := p.compact(payload, model)
	// A Warning without WasCompacted means the payload is over budget but
	// could not be compacted; auto-compact would still fire for it.
	if result.WasCompacted || result.Warning != "" {
		return model.Capabilities.MaxContextWindowTokens * 95 / 100, nil
	}
	return result.OriginalTokens, nil
}
