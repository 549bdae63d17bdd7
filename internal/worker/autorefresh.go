package worker

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/semaphore"

	relay "github.com/tombii/better-ccflare-sub004/internal"
	"github.com/tombii/better-ccflare-sub004/internal/storage"
	"github.com/tombii/better-ccflare-sub004/internal/token"
)

const (
	defaultRefreshInterval = 30 * time.Minute
	// refreshThreshold is how close to expiry a token must be before the
	// sweep refreshes it proactively.
	refreshThreshold = 15 * time.Minute
	// refreshConcurrency caps parallel token-endpoint calls per sweep.
	refreshConcurrency = 4
)

// AutoRefresher proactively refreshes OAuth tokens that are about to expire,
// so interactive requests rarely pay the refresh round trip.
type AutoRefresher struct {
	store    storage.AccountStore
	tokens   *token.Manager
	interval time.Duration
	now      func() time.Time
}

// NewAutoRefresher creates an AutoRefresher. interval <= 0 uses the default.
func NewAutoRefresher(store storage.AccountStore, tokens *token.Manager, interval time.Duration) *AutoRefresher {
	if interval <= 0 {
		interval = defaultRefreshInterval
	}
	return &AutoRefresher{store: store, tokens: tokens, interval: interval, now: time.Now}
}

// Name returns the worker identifier.
func (w *AutoRefresher) Name() string { return "auto_refresh" }

// Run sweeps once at startup, then on every tick, until ctx is cancelled.
func (w *AutoRefresher) Run(ctx context.Context) error {
	w.sweep(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.sweep(ctx)
		}
	}
}

// sweep rotates the token of every opted-in OAuth account expiring within
// the threshold, at most refreshConcurrency at a time. Tokens inside the
// threshold are usually still valid, so the sweep forces the rotation
// rather than asking for a usable token.
func (w *AutoRefresher) sweep(ctx context.Context) {
	accounts, err := w.store.ListAccounts(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "auto-refresh account scan failed",
			slog.String("error", err.Error()))
		return
	}

	now := w.now()
	sem := semaphore.NewWeighted(refreshConcurrency)
	for _, a := range accounts {
		if !w.due(a, now) {
			continue
		}
		if err := sem.Acquire(ctx, 1); err != nil {
			return
		}
		go func(a *relay.Account) {
			defer sem.Release(1)
			if _, err := w.tokens.Refresh(ctx, a); err != nil {
				slog.LogAttrs(ctx, slog.LevelWarn, "proactive token refresh failed",
					slog.String("account", a.Name),
					slog.String("error", err.Error()))
			}
		}(a)
	}
	// Wait for in-flight refreshes so sweeps never overlap.
	if err := sem.Acquire(ctx, refreshConcurrency); err == nil {
		sem.Release(refreshConcurrency)
	}
}

func (w *AutoRefresher) due(a *relay.Account, now time.Time) bool {
	if !a.AutoRefreshEnabled || !a.Provider.UsesOAuth() {
		return false
	}
	if a.State(now) != relay.AccountActive {
		return false
	}
	return a.ExpiresAt < now.Add(refreshThreshold).UnixMilli()
}
