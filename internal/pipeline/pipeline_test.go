package pipeline

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/roelfdiedericks/duoproxy/internal/config"
	"github.com/roelfdiedericks/duoproxy/internal/limits"
	"github.com/roelfdiedericks/duoproxy/internal/models"
	"github.com/roelfdiedericks/duoproxy/internal/ratelimit"
	"github.com/roelfdiedericks/duoproxy/internal/upstream"
)

type noopTokenSource struct{}

func (noopTokenSource) CurrentShortToken() string { return "" }

func newTestPipeline(t *testing.T, model *models.Model) *Pipeline {
	t.Helper()

	cfg := config.Defaults()
	cfg.Compaction.ReserveTokens = 0
	// Point at an address nothing listens on so a resolveModel cache-miss
	// fails fast instead of reaching the real upstream over the network.
	cfg.Upstream.APIBaseURL = "http://127.0.0.1:1"
	watcher := config.NewWatcher(&config.LoadResult{Config: cfg, SourcePath: ""}, nil)

	modelsC := &models.Cache{}
	modelsC.Replace([]*models.Model{model})

	limitsR := limits.NewRegistry()
	limiter := ratelimit.New(ratelimit.ConfigFrom(cfg.RateLimit))
	up := upstream.New(cfg.Upstream, noopTokenSource{})

	return New(watcher, modelsC, limitsR, limiter, up, nil)
}

func anthropicRequestJSON(t *testing.T, model string, text string) json.RawMessage {
	t.Helper()
	req := map[string]any{
		"model":      model,
		"max_tokens": 256,
		"messages": []map[string]any{
			{"role": "user", "content": text},
		},
	}
	raw, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	return raw
}

func TestCountTokensReturnsTrueCountWhenNoCompactionNeeded(t *testing.T) {
	model := &models.Model{
		ID:     "claude-sonnet-4-5-20260101",
		Vendor: models.VendorAnthropic,
		Capabilities: models.Capabilities{
			MaxPromptTokens:        190000,
			MaxContextWindowTokens: 200000,
		},
	}
	p := newTestPipeline(t, model)

	raw := anthropicRequestJSON(t, model.ID, "hello there")
	count, err := p.CountTokens(context.Background(), raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count <= 0 || count > 100 {
		t.Errorf("expected a small true token count, got %d", count)
	}
}

func TestCountTokensInflatesWhenCompactionWouldFire(t *testing.T) {
	model := &models.Model{
		ID:     "claude-sonnet-4-5-20260101",
		Vendor: models.VendorAnthropic,
		Capabilities: models.Capabilities{
			MaxPromptTokens:        10,
			MaxContextWindowTokens: 200000,
		},
	}
	p := newTestPipeline(t, model)

	raw := anthropicRequestJSON(t, model.ID, "this is a long enough message to blow a ten token prompt budget several times over")
	count, err := p.CountTokens(context.Background(), raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := model.Capabilities.MaxContextWindowTokens * 95 / 100
	if count != want {
		t.Errorf("expected inflated count %d, got %d", want, count)
	}
}

func TestCountTokensReturnsTrueCountWithCompactionDisabled(t *testing.T) {
	model := &models.Model{
		ID:     "claude-sonnet-4-5-20260101",
		Vendor: models.VendorAnthropic,
		Capabilities: models.Capabilities{
			MaxPromptTokens:        190000,
			MaxContextWindowTokens: 200000,
		},
	}
	p := newTestPipeline(t, model)
	cfg := p.cfg.Get()
	cfg.Compaction.Enabled = false
	p.cfg = config.NewWatcher(&config.LoadResult{Config: cfg, SourcePath: ""}, nil)

	raw := anthropicRequestJSON(t, model.ID, "hello there")
	count, err := p.CountTokens(context.Background(), raw)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count <= 0 || count > 100 {
		t.Errorf("expected a real non-zero token count with compaction disabled, got %d", count)
	}
}

func TestCountTokensUnknownModel(t *testing.T) {
	model := &models.Model{ID: "claude-sonnet-4-5-20260101", Vendor: models.VendorAnthropic}
	p := newTestPipeline(t, model)

	raw := anthropicRequestJSON(t, "totally-unknown-model", "hi")
	if _, err := p.CountTokens(context.Background(), raw); err == nil {
		t.Fatal("expected an error for an unresolvable model")
	}
}

func TestKnownModelsReturnsCachedCatalogWithoutRefreshing(t *testing.T) {
	model := &models.Model{ID: "gpt-5"}
	p := newTestPipeline(t, model)

	list := p.KnownModels()
	if len(list) != 1 || list[0].ID != "gpt-5" {
		t.Fatalf("expected cached catalog with one model, got %+v", list)
	}
}
