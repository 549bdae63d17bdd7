package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/tombii/better-ccflare-sub004/internal/ratelimit"
	"github.com/tombii/better-ccflare-sub004/internal/storage"
)

const (
	// sweepInterval drives the periodic portion of maintenance: expiring
	// stale OAuth login sessions and recovering expired rate-limit locks.
	sweepInterval = time.Hour
	// workspaceRetention prunes workspaces unseen for this long.
	workspaceRetention = 7 * 24 * time.Hour
	// oauthSessionTTL expires abandoned PKCE logins.
	oauthSessionTTL = time.Hour
)

// Maintenance runs the startup retention sweep, then hourly housekeeping.
type Maintenance struct {
	store       storage.Store
	guard       *ratelimit.SpendGuard // nil skips spend reload
	requestDays int
	payloadDays int
	now         func() time.Time
}

// NewMaintenance creates the maintenance worker. Retention windows are in
// days; values <= 0 disable the corresponding delete.
func NewMaintenance(store storage.Store, guard *ratelimit.SpendGuard, requestDays, payloadDays int) *Maintenance {
	return &Maintenance{
		store:       store,
		guard:       guard,
		requestDays: requestDays,
		payloadDays: payloadDays,
		now:         time.Now,
	}
}

// Name returns the worker identifier.
func (w *Maintenance) Name() string { return "maintenance" }

// Run executes the startup sweep once, then the periodic sweep until ctx is
// cancelled. Maintenance failures are logged, never fatal.
func (w *Maintenance) Run(ctx context.Context) error {
	w.startup(ctx)

	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			w.periodic(ctx)
		}
	}
}

// startup applies data retention, prunes stale rows, reloads spend
// accounting, and compacts the database. Safe to run repeatedly.
func (w *Maintenance) startup(ctx context.Context) {
	now := w.now()

	if w.payloadDays > 0 {
		cutoff := now.Add(-time.Duration(w.payloadDays) * 24 * time.Hour).UnixMilli()
		if n, err := w.store.DeletePayloadsBefore(ctx, cutoff); err != nil {
			w.report(ctx, "payload retention", err)
		} else if n > 0 {
			slog.Info("expired payloads deleted", "rows", n)
		}
	}
	if w.requestDays > 0 {
		cutoff := now.Add(-time.Duration(w.requestDays) * 24 * time.Hour).UnixMilli()
		if n, err := w.store.DeleteRequestsBefore(ctx, cutoff); err != nil {
			w.report(ctx, "request retention", err)
		} else if n > 0 {
			slog.Info("expired requests deleted", "rows", n)
		}
	}

	if n, err := w.store.PruneWorkspaces(ctx, now.Add(-workspaceRetention).UnixMilli()); err != nil {
		w.report(ctx, "workspace prune", err)
	} else if n > 0 {
		slog.Info("stale workspaces pruned", "rows", n)
	}

	w.periodic(ctx)

	// Seed spend accounting from the audit log so budgets survive restarts.
	if w.guard != nil {
		keys, err := w.store.ListKeys(ctx)
		if err != nil {
			w.report(ctx, "spend reload", err)
		} else {
			for _, k := range keys {
				if k.SpendLimitUSD <= 0 {
					continue
				}
				if err := w.guard.Reload(ctx, w.store, k.ID); err != nil {
					w.report(ctx, "spend reload", err)
				}
			}
		}
	}

	if err := w.store.Vacuum(ctx); err != nil {
		w.report(ctx, "vacuum", err)
	}
}

// periodic recovers rate-limit locks whose deadline passed (a crash can
// leave them set) and expires abandoned OAuth login sessions.
func (w *Maintenance) periodic(ctx context.Context) {
	now := w.now()
	if _, err := w.store.ResetExpiredRateLimits(ctx, now.UnixMilli()); err != nil {
		w.report(ctx, "rate limit recovery", err)
	}
	if _, err := w.store.PruneOAuthSessions(ctx, now.Add(-oauthSessionTTL).UnixMilli()); err != nil {
		w.report(ctx, "oauth session sweep", err)
	}
}

func (w *Maintenance) report(ctx context.Context, task string, err error) {
	slog.LogAttrs(ctx, slog.LevelError, "maintenance task failed",
		slog.String("task", task),
		slog.String("error", err.Error()))
}
