// Command duoproxy runs the OpenAI/Anthropic-compatible proxy described
// in the package documentation: device-flow auth against Upstream, an
// HTTP surface mirroring both wire protocols, adaptive rate limiting,
// and context compaction.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kong"

	"github.com/roelfdiedericks/duoproxy/internal/config"
	"github.com/roelfdiedericks/duoproxy/internal/credentials"
	"github.com/roelfdiedericks/duoproxy/internal/history"
	"github.com/roelfdiedericks/duoproxy/internal/httpapi"
	"github.com/roelfdiedericks/duoproxy/internal/limits"
	"github.com/roelfdiedericks/duoproxy/internal/models"
	"github.com/roelfdiedericks/duoproxy/internal/paths"
	"github.com/roelfdiedericks/duoproxy/internal/pipeline"
	"github.com/roelfdiedericks/duoproxy/internal/ratelimit"
	"github.com/roelfdiedericks/duoproxy/internal/tokenmanager"
	"github.com/roelfdiedericks/duoproxy/internal/upstream"

	. "github.com/roelfdiedericks/duoproxy/internal/logging"
)

var version = "dev"

// CLI is the root kong command tree.
type CLI struct {
	Debug bool   `help:"Enable debug logging" short:"d"`
	Trace bool   `help:"Enable trace logging" short:"t"`

	Auth       AuthCmd       `cmd:"" help:"Run the device-code flow and store the long-lived token"`
	Logout     LogoutCmd     `cmd:"" help:"Delete the stored token"`
	Start      StartCmd      `cmd:"" help:"Start the proxy server"`
	CheckUsage CheckUsageCmd `cmd:"check-usage" help:"Print Upstream account usage"`
	DebugGroup DebugCmd      `cmd:"debug" help:"Debug introspection"`
}

// Context carries flags common to every subcommand.
type Context struct {
	Debug bool
	Trace bool
}

// AuthCmd runs the device-code flow.
type AuthCmd struct{}

func (c *AuthCmd) Run(ctx *Context) error {
	mgr, _, err := buildTokenManager()
	if err != nil {
		return err
	}
	return mgr.Bootstrap(context.Background(), func(info *tokenmanager.DeviceCodeInfo) {
		fmt.Printf("Visit %s and enter code: %s\n", info.VerificationURI, info.UserCode)
	})
}

// LogoutCmd deletes the stored token.
type LogoutCmd struct{}

func (c *LogoutCmd) Run(ctx *Context) error {
	mgr, _, err := buildTokenManager()
	if err != nil {
		return err
	}
	return mgr.Logout()
}

// StartCmd launches the HTTP server and blocks until SIGINT/SIGTERM.
type StartCmd struct {
	Port              int    `help:"Listen port, overrides config" name:"port"`
	Host              string `help:"Listen host; applied only together with --port" name:"host"`
	AccountType       string `help:"Account type hint; accepted but has no effect" name:"account-type"`
	ManualApproval    bool   `help:"Manual approval toggle; accepted but has no effect" name:"manual-approval"`
	RateLimitSeconds  int    `help:"Override the inter-request rate-limit interval" name:"rate-limit-seconds"`
	WaitOnRateLimit   bool   `help:"Wait-on-rate-limit toggle; accepted but has no effect" name:"wait-on-rate-limit"`
	Token             string `help:"Write this long-lived token to the token file, replacing the stored one, and use it" name:"token"`
	ShowToken         bool   `help:"Print the active short-lived token at startup" name:"show-token"`
	ProxyFromEnv      bool   `help:"Honor HTTP_PROXY/HTTPS_PROXY/NO_PROXY per outbound origin" name:"proxy-from-env"`
	History           bool   `help:"Enable the in-memory request/response history ring" name:"history"`
	HistoryLimit      int    `help:"History ring capacity" name:"history-limit"`
	AutoCompact       bool   `help:"Enable automatic context compaction" name:"auto-compact" default:"true"`
}

func (c *StartCmd) Run(ctx *Context) error {
	result, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	cfg := result.Config

	if c.Port != 0 {
		cfg.Listen.Address = fmt.Sprintf("%s:%d", c.Host, c.Port)
	}
	if c.RateLimitSeconds > 0 {
		cfg.RateLimit.RequestIntervalSeconds = c.RateLimitSeconds
	}
	if c.History {
		cfg.History.Enabled = true
	}
	if c.HistoryLimit > 0 {
		cfg.History.Capacity = c.HistoryLimit
	}
	cfg.Compaction.Enabled = c.AutoCompact

	watcher := config.NewWatcher(result, nil)

	watchCtx, cancelWatch := context.WithCancel(context.Background())
	defer cancelWatch()
	if err := watcher.Start(watchCtx); err != nil {
		L_warn("main: config watch disabled", "error", err)
	}

	mgr, client, err := buildTokenManager()
	if err != nil {
		return err
	}
	if c.ProxyFromEnv {
		client.UseProxyFromEnv()
	}
	if c.Token != "" {
		L_info("main: using explicit token override")
		store, err := credentials.NewStore()
		if err != nil {
			return fmt.Errorf("open credential store: %w", err)
		}
		if err := store.Write(c.Token); err != nil {
			return fmt.Errorf("persist token override: %w", err)
		}
	}
	if err := mgr.Bootstrap(context.Background(), func(info *tokenmanager.DeviceCodeInfo) {
		fmt.Printf("Visit %s and enter code: %s\n", info.VerificationURI, info.UserCode)
	}); err != nil {
		return fmt.Errorf("bootstrap tokens: %w", err)
	}
	if c.ShowToken {
		fmt.Println(mgr.CurrentShortToken())
	}

	modelsCache := models.Get()
	if list, err := client.ListModels(context.Background()); err != nil {
		L_warn("main: initial model list failed", "error", err)
	} else {
		modelsCache.Replace(list)
	}

	limitsRegistry := limits.Get()
	limiter := ratelimit.New(ratelimit.ConfigFrom(cfg.RateLimit))
	limiter.SetMaxQueueDepth(cfg.RateLimit.MaxQueueDepth)

	var hist *history.Recorder
	if cfg.History.Enabled {
		hist = history.New(cfg.History.Capacity)
	}

	pipe := pipeline.New(watcher, modelsCache, limitsRegistry, limiter, client, hist)
	server := httpapi.New(watcher, pipe, mgr)

	if err := server.Start(); err != nil {
		return fmt.Errorf("start server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	L_info("main: shutting down")
	return server.Stop()
}

// CheckUsageCmd prints the Upstream account usage JSON.
type CheckUsageCmd struct{}

func (c *CheckUsageCmd) Run(ctx *Context) error {
	_, client, err := buildTokenManager()
	if err != nil {
		return err
	}
	raw, err := client.Usage(context.Background())
	if err != nil {
		return err
	}
	fmt.Println(string(raw))
	return nil
}

// DebugCmd groups introspection subcommands.
type DebugCmd struct {
	Info   DebugInfoCmd   `cmd:"" help:"Print version and config path"`
	Models DebugModelsCmd `cmd:"" help:"Print the cached model catalog"`
}

type DebugInfoCmd struct{}

func (c *DebugInfoCmd) Run(ctx *Context) error {
	p, _ := paths.ConfigPath()
	fmt.Printf("duoproxy %s\nconfig: %s\n", version, p)
	return nil
}

type DebugModelsCmd struct{}

func (c *DebugModelsCmd) Run(ctx *Context) error {
	_, client, err := buildTokenManager()
	if err != nil {
		return err
	}
	list, err := client.ListModels(context.Background())
	if err != nil {
		return err
	}
	for _, m := range list {
		fmt.Printf("%-40s vendor=%-10s context=%d\n", m.ID, m.Vendor, m.Capabilities.MaxContextWindowTokens)
	}
	return nil
}

// deferredTokenSource breaks the construction cycle between
// upstream.Client (needs a TokenSource) and tokenmanager.Manager (needs a
// DeviceCoder built from that same Client): the client reads through this
// indirection until mgr is assigned right after.
type deferredTokenSource struct {
	mgr *tokenmanager.Manager
}

func (d *deferredTokenSource) CurrentShortToken() string {
	if d.mgr == nil {
		return ""
	}
	return d.mgr.CurrentShortToken()
}

// buildTokenManager assembles the token manager and the upstream client
// it depends on, wiring the manager back in as the client's TokenSource.
func buildTokenManager() (*tokenmanager.Manager, *upstream.Client, error) {
	result, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	store, err := credentials.NewStore()
	if err != nil {
		return nil, nil, fmt.Errorf("open credential store: %w", err)
	}

	tokens := &deferredTokenSource{}
	client := upstream.New(result.Config.Upstream, tokens)
	mgr := tokenmanager.New(store, tokenmanager.NewUpstreamAdapter(client))
	tokens.mgr = mgr

	return mgr, client, nil
}

func main() {
	cli := CLI{}
	kctx := kong.Parse(&cli,
		kong.Name("duoproxy"),
		kong.Description("OpenAI/Anthropic-compatible proxy over a Copilot-style upstream"),
		kong.UsageOnError(),
	)

	level := LevelInfo
	if cli.Trace {
		level = LevelTrace
	} else if cli.Debug {
		level = LevelDebug
	}
	Init(&Config{Level: level, ShowCaller: true})

	err := kctx.Run(&Context{Debug: cli.Debug, Trace: cli.Trace})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
