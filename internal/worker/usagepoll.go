package worker

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/maypok86/otter/v2"
	"github.com/tidwall/gjson"

	relay "github.com/tombii/better-ccflare-sub004/internal"
	"github.com/tombii/better-ccflare-sub004/internal/provider"
	"github.com/tombii/better-ccflare-sub004/internal/storage"
	"github.com/tombii/better-ccflare-sub004/internal/token"
)

const (
	defaultPollInterval = 30 * time.Second
	pollTimeout         = 10 * time.Second
	// pollBackoffMax caps the per-account backoff applied after repeated
	// poll failures.
	pollBackoffMax = 10 * time.Minute
	usagePath      = "/api/oauth/usage"
)

// UsageSnapshot is one account's vendor-reported utilization.
type UsageSnapshot struct {
	Utilization float64 // percent, most restrictive window
	Window      string
	Payload     []byte // raw vendor response
	FetchedAt   time.Time
}

// UsagePoller fetches vendor usage endpoints for OAuth accounts into a TTL
// cache read by the operator API. Failures back off per account and never
// touch the request hot path.
type UsagePoller struct {
	store    storage.AccountStore
	tokens   *token.Manager
	client   *http.Client
	cache    *otter.Cache[string, UsageSnapshot]
	interval time.Duration

	backoff map[string]pollFailure // account id -> failure state
	now     func() time.Time
}

type pollFailure struct {
	fails int
	next  time.Time
}

// NewUsagePoller creates a UsagePoller. client nil uses a default with the
// poll timeout; interval <= 0 uses the default.
func NewUsagePoller(store storage.AccountStore, tokens *token.Manager, client *http.Client, interval time.Duration) (*UsagePoller, error) {
	if client == nil {
		client = &http.Client{Timeout: pollTimeout}
	}
	if interval <= 0 {
		interval = defaultPollInterval
	}
	c, err := otter.New(&otter.Options[string, UsageSnapshot]{
		MaximumSize:      1024,
		ExpiryCalculator: otter.ExpiryWriting[string, UsageSnapshot](5 * interval),
	})
	if err != nil {
		return nil, fmt.Errorf("create usage cache: %w", err)
	}
	return &UsagePoller{
		store:    store,
		tokens:   tokens,
		client:   client,
		cache:    c,
		interval: interval,
		backoff:  make(map[string]pollFailure),
		now:      time.Now,
	}, nil
}

// Name returns the worker identifier.
func (w *UsagePoller) Name() string { return "usage_poll" }

// Get returns the cached snapshot for an account, if fresh.
func (w *UsagePoller) Get(accountID string) (UsageSnapshot, bool) {
	return w.cache.GetIfPresent(accountID)
}

// Run polls on every tick until ctx is cancelled. The backoff map is only
// touched from this goroutine.
func (w *UsagePoller) Run(ctx context.Context) error {
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

func (w *UsagePoller) sweep(ctx context.Context) {
	accounts, err := w.store.ListAccounts(ctx)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "usage poll account scan failed",
			slog.String("error", err.Error()))
		return
	}

	now := w.now()
	for _, a := range accounts {
		if !a.Provider.UsesOAuth() || a.State(now) != relay.AccountActive || !a.TokenValid(now) {
			delete(w.backoff, a.ID)
			continue
		}
		if f, ok := w.backoff[a.ID]; ok && now.Before(f.next) {
			continue
		}
		if err := w.poll(ctx, a); err != nil {
			f := w.backoff[a.ID]
			f.fails++
			delay := min(w.interval<<f.fails, pollBackoffMax)
			f.next = now.Add(delay)
			w.backoff[a.ID] = f
			slog.LogAttrs(ctx, slog.LevelWarn, "usage poll failed",
				slog.String("account", a.Name),
				slog.Int("consecutive_failures", f.fails),
				slog.String("error", err.Error()))
			continue
		}
		delete(w.backoff, a.ID)
	}
}

func (w *UsagePoller) poll(ctx context.Context, a *relay.Account) error {
	base, err := provider.BaseURL(a)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, base+usagePath, nil)
	if err != nil {
		return err
	}
	provider.SetAuth(req.Header, a, a.AccessToken)

	resp, err := w.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("usage endpoint status %d", resp.StatusCode)
	}

	snap := UsageSnapshot{Payload: body, FetchedAt: w.now()}
	snap.Utilization, snap.Window = mostRestrictive(body)
	w.cache.Set(a.ID, snap)
	return nil
}

// mostRestrictive picks the highest utilization across the windows the
// vendor reports.
func mostRestrictive(body []byte) (float64, string) {
	var pct float64
	var window string
	for _, w := range []string{"five_hour", "seven_day", "seven_day_opus"} {
		if v := gjson.GetBytes(body, w+".utilization"); v.Exists() && v.Float() >= pct {
			pct = v.Float()
			window = w
		}
	}
	return pct, window
}
