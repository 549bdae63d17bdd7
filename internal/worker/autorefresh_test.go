package worker

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	relay "github.com/tombii/better-ccflare-sub004/internal"
	"github.com/tombii/better-ccflare-sub004/internal/cache"
	"github.com/tombii/better-ccflare-sub004/internal/token"
	"github.com/tombii/better-ccflare-sub004/internal/writer"
)

// jobLog captures writer jobs for assertions.
type jobLog struct {
	mu   sync.Mutex
	jobs []relay.Job
}

func (l *jobLog) Apply(_ context.Context, jobs []relay.Job) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.jobs = append(l.jobs, jobs...)
	return nil
}

type fakeAccountStore struct {
	mu       sync.Mutex
	accounts []*relay.Account
}

func (s *fakeAccountStore) CreateAccount(context.Context, *relay.Account) error { return nil }
func (s *fakeAccountStore) GetAccount(context.Context, string) (*relay.Account, error) {
	return nil, relay.ErrNotFound
}
func (s *fakeAccountStore) GetAccountByName(context.Context, string) (*relay.Account, error) {
	return nil, relay.ErrNotFound
}
func (s *fakeAccountStore) ListAccounts(context.Context) ([]*relay.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accounts, nil
}
func (s *fakeAccountStore) DeleteAccount(context.Context, string) error           { return nil }
func (s *fakeAccountStore) SetAccountPriority(context.Context, string, int) error { return nil }

func newTokenManager(t *testing.T, tokenURL string) *token.Manager {
	t.Helper()
	w := writer.New(&jobLog{}, 64, 8, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx) //nolint:errcheck
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	snap, err := cache.NewAccounts(time.Minute)
	if err != nil {
		t.Fatal(err)
	}
	return token.NewManager(w, snap, nil, nil, "client-id", tokenURL)
}

func TestAutoRefresher_Due(t *testing.T) {
	t.Parallel()

	now := time.Now()
	w := NewAutoRefresher(&fakeAccountStore{}, nil, 0)

	expiring := &relay.Account{
		Provider:           relay.ProviderAnthropicOAuth,
		RefreshToken:       "rt",
		AccessToken:        "at",
		ExpiresAt:          now.Add(5 * time.Minute).UnixMilli(),
		AutoRefreshEnabled: true,
	}
	if !w.due(expiring, now) {
		t.Error("expiring OAuth account must be due")
	}

	fresh := *expiring
	fresh.ExpiresAt = now.Add(2 * time.Hour).UnixMilli()
	if w.due(&fresh, now) {
		t.Error("fresh token must not be due")
	}

	optedOut := *expiring
	optedOut.AutoRefreshEnabled = false
	if w.due(&optedOut, now) {
		t.Error("opted-out account must not be due")
	}

	paused := *expiring
	paused.Paused = true
	if w.due(&paused, now) {
		t.Error("paused account must not be due")
	}

	apiKey := &relay.Account{Provider: relay.ProviderZai, APIKey: "k", AutoRefreshEnabled: true}
	if w.due(apiKey, now) {
		t.Error("API-key account must never be due")
	}
}

func TestAutoRefresher_SweepRefreshesExpiring(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		json.NewEncoder(w).Encode(map[string]any{ //nolint:errcheck
			"access_token":  "at-new",
			"refresh_token": "rt-new",
			"expires_in":    3600,
		})
	}))
	defer ts.Close()

	store := &fakeAccountStore{accounts: []*relay.Account{
		{
			ID:                 "a1",
			Name:               "expiring",
			Provider:           relay.ProviderAnthropicOAuth,
			RefreshToken:       "rt",
			AccessToken:        "at",
			ExpiresAt:          time.Now().Add(time.Minute).UnixMilli(),
			AutoRefreshEnabled: true,
		},
		{
			ID:                 "a2",
			Name:               "fresh",
			Provider:           relay.ProviderAnthropicOAuth,
			RefreshToken:       "rt2",
			AccessToken:        "at2",
			ExpiresAt:          time.Now().Add(3 * time.Hour).UnixMilli(),
			AutoRefreshEnabled: true,
		},
		{
			// Still a valid token for another five minutes. The whole point
			// of the sweep is rotating these before interactive traffic pays
			// the refresh round trip.
			ID:                 "a3",
			Name:               "soon",
			Provider:           relay.ProviderAnthropicOAuth,
			RefreshToken:       "rt3",
			AccessToken:        "at3",
			ExpiresAt:          time.Now().Add(5 * time.Minute).UnixMilli(),
			AutoRefreshEnabled: true,
		},
	}}

	w := NewAutoRefresher(store, newTokenManager(t, ts.URL), time.Hour)
	w.sweep(context.Background())

	if got := calls.Load(); got != 2 {
		t.Errorf("token endpoint called %d times, want 2 (both accounts inside the threshold)", got)
	}
}
