package tokenmanager

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"

	"github.com/roelfdiedericks/duoproxy/internal/credentials"
)

type fakeCoder struct {
	exchangeCalls  int32
	failExchanges  int32
	exchangeResult ExchangeResult
	deviceInfo     DeviceCodeInfo
	polledToken    string
}

func (f *fakeCoder) RequestDeviceCode(ctx context.Context) (*DeviceCodeInfo, error) {
	info := f.deviceInfo
	return &info, nil
}

func (f *fakeCoder) PollAccessToken(ctx context.Context, deviceCode string, interval int) (string, error) {
	return f.polledToken, nil
}

func (f *fakeCoder) ExchangeForShortToken(ctx context.Context, longLivedToken string) (*ExchangeResult, error) {
	n := atomic.AddInt32(&f.exchangeCalls, 1)
	if n <= f.failExchanges {
		return nil, errors.New("exchange failed")
	}
	r := f.exchangeResult
	return &r, nil
}

func newTestStore(t *testing.T) *credentials.Store {
	t.Helper()
	return credentials.NewStoreAt(t.TempDir() + "/github_token")
}

func TestBootstrapAdoptsStoredToken(t *testing.T) {
	store := newTestStore(t)
	if err := store.Write("stored-token"); err != nil {
		t.Fatalf("seed store: %v", err)
	}

	coder := &fakeCoder{exchangeResult: ExchangeResult{Token: "short-1", RefreshIn: 3600}}
	m := New(store, coder)

	if err := m.Bootstrap(context.Background(), nil); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if got := m.CurrentShortToken(); got != "short-1" {
		t.Errorf("CurrentShortToken() = %q, want short-1", got)
	}
	longPresent, shortPresent := m.Status()
	if !longPresent || !shortPresent {
		t.Errorf("Status() = (%v, %v), want (true, true)", longPresent, shortPresent)
	}
}

func TestBootstrapRunsDeviceFlowWhenNoStoredToken(t *testing.T) {
	store := newTestStore(t)
	coder := &fakeCoder{
		deviceInfo:     DeviceCodeInfo{DeviceCode: "dc", UserCode: "ABCD-EFGH", VerificationURI: "https://example/device", Interval: 0},
		polledToken:    "freshly-granted",
		exchangeResult: ExchangeResult{Token: "short-2", RefreshIn: 3600},
	}
	m := New(store, coder)

	prompted := false
	err := m.Bootstrap(context.Background(), func(info *DeviceCodeInfo) {
		prompted = true
		if info.UserCode != "ABCD-EFGH" {
			t.Errorf("prompt got UserCode=%q", info.UserCode)
		}
	})
	if err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}
	if !prompted {
		t.Error("expected the prompter to be invoked")
	}

	persisted, err := store.Read()
	if err != nil {
		t.Fatalf("store.Read: %v", err)
	}
	if persisted != "freshly-granted" {
		t.Errorf("persisted token = %q, want freshly-granted", persisted)
	}
}

func TestRefreshWithRetrySucceedsAfterFailures(t *testing.T) {
	store := newTestStore(t)
	if err := store.Write("stored-token"); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	coder := &fakeCoder{
		failExchanges:  2,
		exchangeResult: ExchangeResult{Token: "short-3", RefreshIn: 3600},
	}
	m := New(store, coder)
	if err := m.Bootstrap(context.Background(), nil); err == nil {
		t.Fatal("expected initial bootstrap exchange to fail (no retry on bootstrap path)")
	}

	m.refreshWithRetry(context.Background())
	if got := m.CurrentShortToken(); got != "short-3" {
		t.Errorf("CurrentShortToken() after retry = %q, want short-3", got)
	}
}

func TestLogoutClearsTokensAndErasesStore(t *testing.T) {
	store := newTestStore(t)
	coder := &fakeCoder{exchangeResult: ExchangeResult{Token: "short-4", RefreshIn: 3600}}
	m := New(store, coder)
	if err := store.Write("stored-token"); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	if err := m.Bootstrap(context.Background(), nil); err != nil {
		t.Fatalf("Bootstrap: %v", err)
	}

	if err := m.Logout(); err != nil {
		t.Fatalf("Logout: %v", err)
	}
	if got := m.CurrentShortToken(); got != "" {
		t.Errorf("expected empty short token after logout, got %q", got)
	}
	if _, err := store.Read(); !errors.Is(err, credentials.ErrNotPresent) {
		t.Errorf("expected ErrNotPresent after logout, got %v", err)
	}
}
