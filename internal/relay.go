// Package relay defines domain types and interfaces for the ccflare
// load-balancing proxy. This package has no project imports -- it is the
// dependency root.
package relay

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"time"
)

// --- Providers ---

// Provider identifies the upstream vendor protocol and credential style
// of an account.
type Provider string

const (
	ProviderAnthropicOAuth      Provider = "anthropic-oauth"
	ProviderClaudeConsole       Provider = "claude-console"
	ProviderZai                 Provider = "zai"
	ProviderMinimax             Provider = "minimax"
	ProviderAnthropicCompatible Provider = "anthropic-compatible"
	ProviderOpenAICompatible    Provider = "openai-compatible"
	ProviderNanoGPT             Provider = "nanogpt"
	ProviderVertexAI            Provider = "vertex-ai"
)

// UsesOAuth reports whether accounts of this provider authenticate with
// refresh-token OAuth rather than a static API key.
func (p Provider) UsesOAuth() bool { return p == ProviderAnthropicOAuth }

// --- Account ---

// TokenExpirySkew is subtracted from an access token's expiry before the
// validity check, so a token is refreshed slightly before it actually expires.
const TokenExpirySkew = 60 * time.Second

// DefaultSessionDuration is the session-affinity window: the selector keeps
// directing traffic to the same account for this long to stay inside one
// vendor usage window.
const DefaultSessionDuration = 5 * time.Hour

// AccountState is the derived lifecycle state of an account.
type AccountState string

const (
	AccountActive       AccountState = "active"
	AccountRateLimited  AccountState = "rate_limited"
	AccountPaused       AccountState = "paused"
	AccountTokenInvalid AccountState = "token_invalid"
)

// Account is a credential holder bound to one provider. The proxy
// load-balances client requests across accounts. All timestamps are Unix
// milliseconds; zero means unset.
type Account struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Provider Provider `json:"provider"`

	// OAuth credentials (anthropic-oauth).
	RefreshToken string `json:"-"`
	AccessToken  string `json:"-"`
	ExpiresAt    int64  `json:"expires_at"` // access token expiry, ms

	// Static credential (API-key providers).
	APIKey string `json:"-"`

	Priority int  `json:"priority"`
	Paused   bool `json:"paused"`

	// Rate-limit lock, set on upstream 429 or explicit header.
	RateLimitedUntil   int64  `json:"rate_limited_until"`
	RateLimitStatus    string `json:"rate_limit_status,omitempty"`
	RateLimitRemaining int64  `json:"rate_limit_remaining"`
	RateLimitReset     int64  `json:"rate_limit_reset"`

	// Session affinity window.
	SessionStart        int64 `json:"session_start"`
	SessionRequestCount int64 `json:"session_request_count"`

	RequestCount  int64 `json:"request_count"`
	TotalRequests int64 `json:"total_requests"`
	LastUsed      int64 `json:"last_used"`

	AutoRefreshEnabled  bool `json:"auto_refresh_enabled"`
	AutoFallbackEnabled bool `json:"auto_fallback_enabled"`

	CustomEndpoint string            `json:"custom_endpoint,omitempty"`
	ModelMappings  map[string]string `json:"model_mappings,omitempty"`

	CreatedAt time.Time `json:"created_at"`
}

// TokenValid reports whether the stored access token can still be used at
// now, leaving TokenExpirySkew of headroom before the real expiry.
func (a *Account) TokenValid(now time.Time) bool {
	if a.AccessToken == "" {
		return false
	}
	return a.ExpiresAt-TokenExpirySkew.Milliseconds() > now.UnixMilli()
}

// RateLimited reports whether the account's rate-limit lock is active at now.
func (a *Account) RateLimited(now time.Time) bool {
	return a.RateLimitedUntil > now.UnixMilli()
}

// InSession reports whether the account has an active affinity session at now.
func (a *Account) InSession(now time.Time, window time.Duration) bool {
	if a.SessionStart == 0 {
		return false
	}
	return now.UnixMilli()-a.SessionStart <= window.Milliseconds()
}

// State derives the lifecycle state at now. Paused wins over every other
// state; an OAuth account with no refresh token cannot be re-authenticated
// without operator action and is token-invalid.
func (a *Account) State(now time.Time) AccountState {
	switch {
	case a.Paused:
		return AccountPaused
	case a.Provider.UsesOAuth() && a.RefreshToken == "":
		return AccountTokenInvalid
	case a.RateLimited(now):
		return AccountRateLimited
	default:
		return AccountActive
	}
}

// Selectable reports whether the selector may hand this account out at now.
func (a *Account) Selectable(now time.Time) bool {
	return a.State(now) == AccountActive
}

// --- Request telemetry ---

// RequestRecord is the immutable audit row written once per client request,
// after it completes or finally fails.
type RequestRecord struct {
	ID               string  `json:"id"`
	Timestamp        int64   `json:"timestamp"` // ms
	Method           string  `json:"method"`
	Path             string  `json:"path"`
	AccountUsed      string  `json:"account_used,omitempty"` // account ID; empty when no candidate served
	StatusCode       int     `json:"status_code"`
	Success          bool    `json:"success"`
	ErrorMessage     string  `json:"error_message,omitempty"`
	ResponseTimeMs   int64   `json:"response_time_ms"`
	FailoverAttempts int     `json:"failover_attempts"`

	Model                    string  `json:"model,omitempty"`
	InputTokens              int64   `json:"input_tokens"`
	CacheReadInputTokens     int64   `json:"cache_read_input_tokens"`
	CacheCreationInputTokens int64   `json:"cache_creation_input_tokens"`
	OutputTokens             int64   `json:"output_tokens"`
	TotalTokens              int64   `json:"total_tokens"`
	CostUSD                  float64 `json:"cost_usd"`

	AgentUsed             string  `json:"agent_used,omitempty"`
	OutputTokensPerSecond float64 `json:"output_tokens_per_second,omitempty"`

	// APIKeyID ties the request to the client key that made it, for spend
	// accounting. Empty for unauthenticated surfaces.
	APIKeyID string `json:"api_key_id,omitempty"`
}

// RequestPayload holds the raw request/response bodies and headers for a
// request, keyed by request id. Payloads have a shorter retention window
// than the audit row.
type RequestPayload struct {
	RequestID           string `json:"request_id"`
	RequestHeadersJSON  string `json:"request_headers_json"`
	RequestBodyB64      string `json:"request_body_b64"`
	ResponseStatus      int    `json:"response_status"`
	ResponseHeadersJSON string `json:"response_headers_json"`
	ResponseBodyB64     string `json:"response_body_b64"`
	Error               string `json:"error,omitempty"`
}

// --- Client API keys ---

// APIKeyPrefix is the prefix for all proxy-issued client keys.
const APIKeyPrefix = "ccf_"

// APIKey is a proxy-issued client credential. Only the SHA-256 hash is
// stored; PrefixLast8 keeps a displayable fragment.
type APIKey struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	KeyHash     string     `json:"-"`
	PrefixLast8 string     `json:"prefix_last_8"`
	CreatedAt   time.Time  `json:"created_at"`
	LastUsed    *time.Time `json:"last_used,omitempty"`
	UsageCount  int64      `json:"usage_count"`
	IsActive    bool       `json:"is_active"`

	// SpendLimitUSD caps cumulative cost attributed to this key; zero
	// means unlimited.
	SpendLimitUSD float64 `json:"spend_limit_usd,omitempty"`
}

// HashKey returns the hex-encoded SHA-256 hash of a raw API key.
func HashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}

// DisplayFragment returns the "ccf_...XXXXXXXX" form stored for display.
func DisplayFragment(raw string) string {
	if len(raw) <= 8 {
		return raw
	}
	return APIKeyPrefix + "..." + raw[len(raw)-8:]
}

// Authenticator validates request credentials and returns the caller's key.
type Authenticator interface {
	Authenticate(ctx context.Context, r *http.Request) (*APIKey, error)
}

// Stats is the aggregate audit-log view served by the operator API.
type Stats struct {
	Requests     int64   `json:"requests"`
	Successes    int64   `json:"successes"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	TotalTokens  int64   `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd"`
	AvgTimeMs    float64 `json:"avg_response_time_ms"`
}

// --- Agent workspaces ---

// Workspace is an agent workspace observed in request metadata. Rows exist
// purely for operator visibility and are pruned with the audit log.
type Workspace struct {
	Name     string `json:"name"`
	LastSeen int64  `json:"last_seen"` // ms
}

// --- OAuth login sessions ---

// OAuthSession is an in-flight PKCE login started by an operator. The
// verifier never leaves the database; the session is deleted on completion
// and pruned when stale.
type OAuthSession struct {
	ID          string `json:"id"`
	AccountName string `json:"account_name"`
	Verifier    string `json:"-"`
	CreatedAt   int64  `json:"created_at"` // ms
}

// --- Context keys ---

type contextKey int

const ctxKeyMeta contextKey = 0

// requestMeta bundles per-request values into a single context allocation.
type requestMeta struct {
	RequestID string
	Agent     string
	Key       *APIKey
}

func metaFromContext(ctx context.Context) *requestMeta {
	m, _ := ctx.Value(ctxKeyMeta).(*requestMeta)
	return m
}

// RequestIDFromContext extracts the request ID from ctx, or "".
func RequestIDFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.RequestID
	}
	return ""
}

// ContextWithRequestID returns a context carrying the given request ID.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{RequestID: id})
}

// KeyFromContext extracts the authenticated API key from ctx, or nil.
func KeyFromContext(ctx context.Context) *APIKey {
	if m := metaFromContext(ctx); m != nil {
		return m.Key
	}
	return nil
}

// ContextWithKey stores the key in the existing requestMeta when present,
// avoiding a second context allocation; falls back to a fresh one in tests.
func ContextWithKey(ctx context.Context, k *APIKey) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Key = k
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Key: k})
}

// AgentFromContext extracts the agent tag captured from the request, or "".
func AgentFromContext(ctx context.Context) string {
	if m := metaFromContext(ctx); m != nil {
		return m.Agent
	}
	return ""
}

// ContextWithAgent stores the agent tag alongside existing request metadata.
func ContextWithAgent(ctx context.Context, agent string) context.Context {
	if m := metaFromContext(ctx); m != nil {
		m.Agent = agent
		return ctx
	}
	return context.WithValue(ctx, ctxKeyMeta, &requestMeta{Agent: agent})
}
