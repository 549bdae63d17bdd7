package worker

import (
	"context"
	"sync"
	"testing"
	"time"

	relay "github.com/tombii/better-ccflare-sub004/internal"
	"github.com/tombii/better-ccflare-sub004/internal/ratelimit"
	"github.com/tombii/better-ccflare-sub004/internal/storage"
)

// maintStore counts maintenance calls; the embedded interface panics on
// anything the worker should never touch.
type maintStore struct {
	storage.Store

	mu      sync.Mutex
	calls   map[string]int
	cutoffs map[string]int64
	keys    []*relay.APIKey
	costs   map[string]float64
}

func newMaintStore() *maintStore {
	return &maintStore{
		calls:   make(map[string]int),
		cutoffs: make(map[string]int64),
		costs:   make(map[string]float64),
	}
}

func (s *maintStore) bump(name string, cutoff int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[name]++
	s.cutoffs[name] = cutoff
}

func (s *maintStore) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *maintStore) DeleteRequestsBefore(_ context.Context, before int64) (int64, error) {
	s.bump("requests", before)
	return 3, nil
}

func (s *maintStore) DeletePayloadsBefore(_ context.Context, before int64) (int64, error) {
	s.bump("payloads", before)
	return 2, nil
}

func (s *maintStore) PruneWorkspaces(_ context.Context, before int64) (int64, error) {
	s.bump("workspaces", before)
	return 0, nil
}

func (s *maintStore) ResetExpiredRateLimits(_ context.Context, now int64) (int64, error) {
	s.bump("ratelimits", now)
	return 1, nil
}

func (s *maintStore) PruneOAuthSessions(_ context.Context, before int64) (int64, error) {
	s.bump("oauth_sessions", before)
	return 0, nil
}

func (s *maintStore) Vacuum(context.Context) error {
	s.bump("vacuum", 0)
	return nil
}

func (s *maintStore) ListKeys(context.Context) ([]*relay.APIKey, error) {
	return s.keys, nil
}

func (s *maintStore) SumKeyCost(_ context.Context, keyID string) (float64, error) {
	s.bump("sum_cost", 0)
	return s.costs[keyID], nil
}

func TestMaintenance_Startup(t *testing.T) {
	t.Parallel()

	store := newMaintStore()
	now := time.Now()
	w := NewMaintenance(store, nil, 30, 7)
	w.now = func() time.Time { return now }

	w.startup(context.Background())

	for _, task := range []string{"requests", "payloads", "workspaces", "ratelimits", "oauth_sessions", "vacuum"} {
		if store.count(task) != 1 {
			t.Errorf("%s ran %d times, want 1", task, store.count(task))
		}
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if want := now.Add(-7 * 24 * time.Hour).UnixMilli(); store.cutoffs["payloads"] != want {
		t.Errorf("payload cutoff = %d, want %d", store.cutoffs["payloads"], want)
	}
	if want := now.Add(-30 * 24 * time.Hour).UnixMilli(); store.cutoffs["requests"] != want {
		t.Errorf("request cutoff = %d, want %d", store.cutoffs["requests"], want)
	}
}

func TestMaintenance_RetentionDisabled(t *testing.T) {
	t.Parallel()

	store := newMaintStore()
	w := NewMaintenance(store, nil, 0, 0)
	w.startup(context.Background())

	if store.count("requests") != 0 || store.count("payloads") != 0 {
		t.Error("retention deletes must be skipped when disabled")
	}
	if store.count("vacuum") != 1 {
		t.Error("vacuum must still run")
	}
}

func TestMaintenance_SeedsSpendGuard(t *testing.T) {
	t.Parallel()

	store := newMaintStore()
	store.keys = []*relay.APIKey{
		{ID: "k-limited", SpendLimitUSD: 1.0},
		{ID: "k-unlimited"},
	}
	store.costs = map[string]float64{"k-limited": 2.5}

	guard := ratelimit.NewSpendGuard()
	w := NewMaintenance(store, guard, 0, 0)
	w.startup(context.Background())

	if guard.Allow("k-limited", 1.0) {
		t.Error("over-budget key must be rejected after seeding")
	}
	if store.count("sum_cost") != 1 {
		t.Errorf("SumKeyCost called %d times, want 1 (unlimited keys skipped)", store.count("sum_cost"))
	}
}

func TestMaintenance_Periodic(t *testing.T) {
	t.Parallel()

	store := newMaintStore()
	w := NewMaintenance(store, nil, 0, 0)
	w.periodic(context.Background())

	if store.count("ratelimits") != 1 || store.count("oauth_sessions") != 1 {
		t.Error("periodic sweep must recover rate limits and prune oauth sessions")
	}
	if store.count("vacuum") != 0 {
		t.Error("periodic sweep must not vacuum")
	}
}
