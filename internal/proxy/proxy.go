// Package proxy implements the request pipeline: candidate iteration over
// selectable accounts, per-candidate retry with exponential backoff, header
// and body rewrites, response classification, and failover. Classification
// of upstream failures happens here and nowhere else.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"github.com/tidwall/gjson"

	relay "github.com/tombii/better-ccflare-sub004/internal"
	"github.com/tombii/better-ccflare-sub004/internal/cache"
	"github.com/tombii/better-ccflare-sub004/internal/provider"
	"github.com/tombii/better-ccflare-sub004/internal/ratelimit"
	"github.com/tombii/better-ccflare-sub004/internal/selector"
	"github.com/tombii/better-ccflare-sub004/internal/storage"
	"github.com/tombii/better-ccflare-sub004/internal/telemetry"
	"github.com/tombii/better-ccflare-sub004/internal/token"
	"github.com/tombii/better-ccflare-sub004/internal/writer"
)

const (
	// agentHeader tags a request with the agent that produced it, for
	// telemetry and model fallback.
	agentHeader = "X-Claude-Agent"
	// workspaceHeader names the agent workspace a request belongs to.
	workspaceHeader = "X-Claude-Workspace"
)

// Options are the tunables of the engine. Zero values fall back to safe
// defaults in New.
type Options struct {
	MaxBodyBytes      int64
	CaptureBytes      int
	RetryAttempts     int
	RetryDelay        time.Duration
	RetryBackoff      float64
	SessionDuration   time.Duration
	DefaultAgentModel string
}

// Deps are the engine's collaborators. Guard, Metrics, and GCPClient are
// optional.
type Deps struct {
	Store    storage.AccountStore
	Accounts *cache.Accounts
	Tokens   *token.Manager
	Writer   *writer.Writer
	Client   *http.Client

	Guard     *ratelimit.SpendGuard
	Metrics   *telemetry.Metrics
	GCPClient *http.Client
}

// Engine services one client request end to end.
type Engine struct {
	deps Deps
	opts Options
	now  func() time.Time
}

// New builds an Engine, normalizing Options.
func New(deps Deps, opts Options) *Engine {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = 10 << 20
	}
	if opts.RetryAttempts < 1 {
		opts.RetryAttempts = 1
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = time.Second
	}
	if opts.RetryBackoff < 1 {
		opts.RetryBackoff = 2
	}
	if opts.SessionDuration <= 0 {
		opts.SessionDuration = relay.DefaultSessionDuration
	}
	if deps.Client == nil {
		deps.Client = http.DefaultClient
	}
	return &Engine{deps: deps, opts: opts, now: time.Now}
}

// attemptInfo is one entry of the 503 attempt summary.
type attemptInfo struct {
	Account string `json:"account"`
	Error   string `json:"error"`
	Retries int    `json:"retries"`
}

// ServeHTTP drains the client body, walks the candidate list, and relays the
// first usable upstream response.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	start := e.now()

	reqID := relay.RequestIDFromContext(ctx)
	if reqID == "" {
		reqID = uuid.Must(uuid.NewV7()).String()
	}

	t := &track{
		id:         reqID,
		start:      start,
		method:     r.Method,
		path:       r.URL.Path,
		agent:      r.Header.Get(agentHeader),
		workspace:  r.Header.Get(workspaceHeader),
		key:        relay.KeyFromContext(ctx),
		reqHeaders: r.Header,
	}

	// Upstream retries need a replayable body, so it is drained once here.
	body, err := readBody(w, r, e.opts.MaxBodyBytes)
	if err != nil {
		if errors.Is(err, relay.ErrPayloadTooLarge) {
			t.status = http.StatusRequestEntityTooLarge
			t.errMsg = relay.ErrPayloadTooLarge.Error()
		} else {
			// The client broke off or garbled the upload; not a size problem.
			t.status = http.StatusBadRequest
			t.errMsg = fmt.Sprintf("read request body: %v", err)
		}
		e.writeFailure(w, t, nil, 0)
		e.record(t)
		return
	}
	t.reqBody = body

	t.model = gjson.GetBytes(body, "model").String()
	if t.model == "" && t.agent != "" {
		t.model = e.opts.DefaultAgentModel
	}

	accounts, err := e.snapshot(r)
	if err != nil {
		slog.LogAttrs(ctx, slog.LevelError, "account snapshot failed",
			slog.String("request_id", reqID), slog.Any("error", err))
		t.status = http.StatusServiceUnavailable
		t.errMsg = relay.ErrNoCandidates.Error()
		e.writeFailure(w, t, nil, 0)
		e.record(t)
		return
	}

	candidates := selector.Candidates(accounts, e.opts.SessionDuration, start)
	if len(candidates) == 0 {
		t.status = http.StatusServiceUnavailable
		t.errMsg = relay.ErrNoCandidates.Error()
		e.writeFailure(w, t, nil, 0)
		e.record(t)
		return
	}

	var attempts []attemptInfo
	var nearestReset int64
	for _, a := range candidates {
		handled, att, resetAt := e.tryAccount(w, r, t, a, len(attempts))
		if handled {
			return
		}
		attempts = append(attempts, att)
		if resetAt > 0 && (nearestReset == 0 || resetAt < nearestReset) {
			nearestReset = resetAt
		}
		slog.LogAttrs(ctx, slog.LevelWarn, "candidate failed, trying next",
			slog.String("request_id", reqID),
			slog.String("account", a.Name),
			slog.String("error", att.Error),
			slog.Int("retries", att.Retries))
	}

	t.status = http.StatusServiceUnavailable
	t.errMsg = relay.ErrExhausted.Error()
	t.failovers = len(attempts) - 1
	e.writeFailure(w, t, attempts, nearestReset)
	e.record(t)
}

// snapshot serves accounts from the TTL cache, reading through to the store
// on a miss.
func (e *Engine) snapshot(r *http.Request) ([]*relay.Account, error) {
	if accounts, ok := e.deps.Accounts.Get(); ok {
		return accounts, nil
	}
	accounts, err := e.deps.Store.ListAccounts(r.Context())
	if err != nil {
		return nil, err
	}
	e.deps.Accounts.Set(accounts)
	return accounts, nil
}

// tryAccount runs the full per-candidate protocol: credential resolution,
// retry-then-failover upstream calls, and response classification. When it
// returns handled=true the response and telemetry are already committed.
func (e *Engine) tryAccount(w http.ResponseWriter, r *http.Request, t *track, a *relay.Account, failovers int) (handled bool, att attemptInfo, resetAt int64) {
	att = attemptInfo{Account: a.Name}
	ctx := r.Context()

	var accessToken string
	if a.Provider.UsesOAuth() {
		tok, err := e.deps.Tokens.EnsureValid(ctx, a)
		if err != nil {
			e.countRefresh("failure")
			att.Error = refreshErrMsg(err)
			return false, att, 0
		}
		accessToken = tok
	}

	caps, err := provider.For(a.Provider)
	if err != nil {
		att.Error = err.Error()
		return false, att, 0
	}
	base, err := provider.BaseURL(a)
	if err != nil {
		att.Error = err.Error()
		return false, att, 0
	}

	// Transient failures (network, 5xx) retry the same candidate with
	// exponential backoff before failing over.
	var resp *http.Response
	err = retry.Do(ctx, e.backoff(), func(ctx context.Context) error {
		rsp, sendErr := e.send(ctx, a, caps, base, r, t, accessToken)
		if sendErr != nil {
			if ctx.Err() != nil {
				return sendErr
			}
			att.Retries++
			return retry.RetryableError(sendErr)
		}
		if rsp.StatusCode >= 500 {
			drainBody(rsp)
			att.Retries++
			e.countUpstreamError(a.Provider, rsp.StatusCode)
			return retry.RetryableError(fmt.Errorf("upstream status %d", rsp.StatusCode))
		}
		resp = rsp
		return nil
	})
	if err != nil {
		// The first attempt is not a retry.
		if att.Retries > 0 {
			att.Retries--
		}
		att.Error = err.Error()
		e.countFailover("upstream")
		return false, att, 0
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		// Stale credentials; force a refresh on next use and move on.
		// Never retried on the same account within one request.
		drainBody(resp)
		if a.Provider.UsesOAuth() {
			e.deps.Tokens.Invalidate(a)
		}
		att.Error = fmt.Sprintf("upstream auth failure %d", resp.StatusCode)
		e.countFailover("auth")
		return false, att, 0

	case resp.StatusCode == http.StatusTooManyRequests:
		info := ratelimit.FromHeaders(resp.Header)
		drainBody(resp)
		until := info.LimitedUntil(e.now())
		status := info.Status
		if status == "" {
			status = ratelimit.StatusRejected
		}
		e.deps.Writer.Enqueue(relay.SetRateLimitJob{
			AccountID: a.ID,
			Until:     until,
			Status:    status,
			Remaining: info.Remaining,
			Reset:     info.ResetAt,
		})
		e.deps.Accounts.Invalidate()
		att.Error = "rate limited"
		e.countFailover("rate_limited")
		e.countRateLimitPause(a.Provider)
		return false, att, until
	}

	// Allowed-with-warning responses carry limit metadata worth keeping
	// fresh; Until stays zero so selection is unaffected.
	if info := ratelimit.FromHeaders(resp.Header); info.HasMeta() && info.Status != ratelimit.StatusRejected {
		e.deps.Writer.Enqueue(relay.SetRateLimitJob{
			AccountID: a.ID,
			Status:    info.Status,
			Remaining: info.Remaining,
			Reset:     info.ResetAt,
		})
	}

	// 2xx and remaining 4xx both terminate the candidate loop: client
	// errors are surfaced verbatim, never failed over, so a bad request
	// cannot burn through every account.
	t.account = a
	t.failovers = failovers
	t.newSession = !a.InSession(e.now(), e.opts.SessionDuration)
	e.relay(w, resp, t, a, caps)
	return true, att, 0
}

// backoff yields retry.delay * backoff^k between same-candidate attempts,
// capped at RetryAttempts total tries.
func (e *Engine) backoff() retry.Backoff {
	attempt := 0
	return retry.WithMaxRetries(uint64(e.opts.RetryAttempts-1), retry.BackoffFunc(func() (time.Duration, bool) {
		d := time.Duration(float64(e.opts.RetryDelay) * math.Pow(e.opts.RetryBackoff, float64(attempt)))
		attempt++
		return d, false
	}))
}

func refreshErrMsg(err error) string {
	switch {
	case errors.Is(err, relay.ErrInvalidGrant):
		return "refresh token rejected"
	case errors.Is(err, relay.ErrNotRefreshable):
		return "account not refreshable"
	default:
		return "token refresh failed"
	}
}

func (e *Engine) countFailover(reason string) {
	if e.deps.Metrics != nil {
		e.deps.Metrics.Failovers.WithLabelValues(reason).Inc()
	}
}

func (e *Engine) countRefresh(outcome string) {
	if e.deps.Metrics != nil {
		e.deps.Metrics.TokenRefreshes.WithLabelValues(outcome).Inc()
	}
}

func (e *Engine) countRateLimitPause(p relay.Provider) {
	if e.deps.Metrics != nil {
		e.deps.Metrics.RateLimitPauses.WithLabelValues(string(p)).Inc()
	}
}

func (e *Engine) countUpstreamError(p relay.Provider, status int) {
	if e.deps.Metrics != nil {
		e.deps.Metrics.UpstreamErrors.WithLabelValues(string(p), fmt.Sprintf("%d", status)).Inc()
	}
}
