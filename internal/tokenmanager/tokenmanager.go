// Package tokenmanager owns the two bearer credentials described in the
// data model: the long-lived GitHub-style token and the short-lived
// Upstream token derived from it, plus the refresh schedule between them.
package tokenmanager

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/roelfdiedericks/duoproxy/internal/credentials"

	. "github.com/roelfdiedericks/duoproxy/internal/logging"
)

// DeviceCoder is the subset of the Upstream client the bootstrap flow needs.
// Kept as an interface so tokenmanager has no import-time dependency on the
// upstream package's HTTP machinery.
type DeviceCoder interface {
	RequestDeviceCode(ctx context.Context) (*DeviceCodeInfo, error)
	PollAccessToken(ctx context.Context, deviceCode string, interval int) (string, error)
	ExchangeForShortToken(ctx context.Context, longLivedToken string) (*ExchangeResult, error)
}

// DeviceCodeInfo mirrors upstream.DeviceCodeResponse without importing it.
type DeviceCodeInfo struct {
	DeviceCode      string
	UserCode        string
	VerificationURI string
	Interval        int
	ExpiresIn       int
}

// ExchangeResult mirrors upstream.TokenExchangeResult without importing it.
type ExchangeResult struct {
	Token     string
	RefreshIn int
}

// DeviceCodePrompter is the external collaborator that shows the user_code
// and verification_uri; it is out of scope for this proxy (§1's "device-flow
// UI prompts") and is only invoked through this narrow interface.
type DeviceCodePrompter func(info *DeviceCodeInfo)

const (
	refreshRetryAttempts = 3
	refreshRetryCap      = 30 * time.Second
	refreshHeadStart     = 60 * time.Second
)

// Manager is the process-wide singleton holding both bearer tokens. Reads
// of the short token are lock-protected but expected to be cheap and
// frequent (every upstream call); writes happen only from the refresh
// goroutine or explicit auth/logout actions.
type Manager struct {
	store  *credentials.Store
	client DeviceCoder

	mu          sync.RWMutex
	longLived   string
	shortLived  string
	refreshTime time.Time

	timerMu sync.Mutex
	timer   *time.Timer
}

// New constructs a Manager backed by store for persistence and client for
// the device-code/exchange calls.
func New(store *credentials.Store, client DeviceCoder) *Manager {
	return &Manager{store: store, client: client}
}

// CurrentShortToken implements upstream.TokenSource.
func (m *Manager) CurrentShortToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.shortLived
}

// Bootstrap implements §4.C.1: adopt a stored long-lived token, or run the
// device-code flow via prompt, then exchange for a short-lived token and
// arm the refresh timer.
func (m *Manager) Bootstrap(ctx context.Context, prompt DeviceCodePrompter) error {
	existing, err := m.store.Read()
	if err == nil && existing != "" {
		L_info("tokenmanager: adopting stored long-lived token")
		m.mu.Lock()
		m.longLived = existing
		m.mu.Unlock()
	} else {
		if err := m.runDeviceFlow(ctx, prompt); err != nil {
			return fmt.Errorf("tokenmanager: device flow: %w", err)
		}
	}

	if err := m.exchangeAndSchedule(ctx); err != nil {
		return fmt.Errorf("tokenmanager: initial exchange: %w", err)
	}
	return nil
}

func (m *Manager) runDeviceFlow(ctx context.Context, prompt DeviceCodePrompter) error {
	info, err := m.client.RequestDeviceCode(ctx)
	if err != nil {
		return err
	}
	if prompt != nil {
		prompt(info)
	}
	L_info("tokenmanager: waiting for device flow completion", "verification_uri", info.VerificationURI)

	token, err := m.client.PollAccessToken(ctx, info.DeviceCode, info.Interval)
	if err != nil {
		return err
	}
	if err := m.store.Write(token); err != nil {
		return fmt.Errorf("persist long-lived token: %w", err)
	}

	m.mu.Lock()
	m.longLived = token
	m.mu.Unlock()
	return nil
}

// Logout erases the stored long-lived token and clears in-memory state.
func (m *Manager) Logout() error {
	m.timerMu.Lock()
	if m.timer != nil {
		m.timer.Stop()
		m.timer = nil
	}
	m.timerMu.Unlock()

	m.mu.Lock()
	m.longLived = ""
	m.shortLived = ""
	m.mu.Unlock()

	return m.store.Erase()
}

func (m *Manager) exchangeAndSchedule(ctx context.Context) error {
	m.mu.RLock()
	longLived := m.longLived
	m.mu.RUnlock()

	result, err := m.client.ExchangeForShortToken(ctx, longLived)
	if err != nil {
		return err
	}

	m.mu.Lock()
	m.shortLived = result.Token
	m.refreshTime = time.Now().Add(time.Duration(result.RefreshIn) * time.Second)
	m.mu.Unlock()

	delay := time.Duration(result.RefreshIn)*time.Second - refreshHeadStart
	if delay < 0 {
		delay = 0
	}
	L_info("tokenmanager: short-lived token acquired", "refresh_in", result.RefreshIn, "next_refresh_in", delay)
	m.armTimer(ctx, delay)
	return nil
}

func (m *Manager) armTimer(ctx context.Context, delay time.Duration) {
	m.timerMu.Lock()
	defer m.timerMu.Unlock()
	if m.timer != nil {
		m.timer.Stop()
	}
	m.timer = time.AfterFunc(delay, func() { m.refreshWithRetry(ctx) })
}

// refreshWithRetry implements §4.C.3: up to 3 attempts with delays 1s, 2s,
// 4s (capped at 30s); on total failure, the existing short-lived token is
// kept until the next scheduled refresh rather than aborting the server.
func (m *Manager) refreshWithRetry(ctx context.Context) {
	delay := time.Second
	var lastErr error
	for attempt := 1; attempt <= refreshRetryAttempts; attempt++ {
		if err := m.exchangeAndSchedule(ctx); err == nil {
			return
		} else {
			lastErr = err
		}
		L_warn("tokenmanager: refresh attempt failed", "attempt", attempt, "error", lastErr)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay *= 2
		if delay > refreshRetryCap {
			delay = refreshRetryCap
		}
	}

	L_error("tokenmanager: all refresh attempts failed, keeping existing short-lived token", "error", lastErr)
	m.mu.RLock()
	retryAt := m.refreshTime
	m.mu.RUnlock()
	if retryAt.Before(time.Now()) {
		retryAt = time.Now().Add(5 * time.Minute)
	}
	m.armTimer(ctx, time.Until(retryAt))
}

// Status reports which of the two tokens are present, for /health.
func (m *Manager) Status() (longPresent, shortPresent bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.longLived != "", m.shortLived != ""
}
