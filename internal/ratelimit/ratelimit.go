// Package ratelimit interprets upstream rate-limit signals and enforces
// spend budgets for client API keys. Upstream providers report their state
// through response headers; this package turns those into account metadata
// and pause windows.
package ratelimit

import (
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Headers emitted by Anthropic-compatible upstreams.
const (
	HeaderRetryAfter       = "Retry-After"
	HeaderUnifiedStatus    = "Anthropic-Ratelimit-Unified-Status"
	HeaderUnifiedRemaining = "Anthropic-Ratelimit-Unified-Remaining"
	HeaderUnifiedReset     = "Anthropic-Ratelimit-Unified-Reset"
)

// Unified status values. Anything other than "allowed" is a warning or a
// hard rejection.
const (
	StatusAllowed        = "allowed"
	StatusAllowedWarning = "allowed_warning"
	StatusRejected       = "rejected"
)

// DefaultPause is applied when a 429 carries no usable reset information.
const DefaultPause = time.Minute

// Info is the rate-limit state reported by one upstream response.
type Info struct {
	Status     string        // unified status, "" when absent
	Remaining  int64         // unified remaining, -1 when absent
	ResetAt    int64         // unified reset as unix ms, 0 when absent
	RetryAfter time.Duration // Retry-After header, 0 when absent
}

// FromHeaders extracts rate-limit state from upstream response headers.
// It tolerates absent or malformed values; callers check the zero values.
func FromHeaders(h http.Header) Info {
	info := Info{Remaining: -1}
	info.Status = strings.ToLower(strings.TrimSpace(h.Get(HeaderUnifiedStatus)))

	if v := h.Get(HeaderUnifiedRemaining); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			info.Remaining = n
		}
	}
	if v := h.Get(HeaderUnifiedReset); v != "" {
		// Unix seconds on the wire.
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil && sec > 0 {
			info.ResetAt = sec * 1000
		}
	}
	if v := h.Get(HeaderRetryAfter); v != "" {
		if sec, err := strconv.ParseInt(v, 10, 64); err == nil && sec > 0 {
			info.RetryAfter = time.Duration(sec) * time.Second
		}
	}
	return info
}

// HasMeta reports whether the response carried any unified rate-limit
// metadata worth persisting on the account.
func (i Info) HasMeta() bool {
	return i.Status != "" || i.Remaining >= 0 || i.ResetAt > 0
}

// LimitedUntil computes the pause deadline in unix ms for a 429 response:
// the unified reset when present, otherwise now+Retry-After, otherwise
// now+DefaultPause.
func (i Info) LimitedUntil(now time.Time) int64 {
	if i.ResetAt > now.UnixMilli() {
		return i.ResetAt
	}
	if i.RetryAfter > 0 {
		return now.Add(i.RetryAfter).UnixMilli()
	}
	return now.Add(DefaultPause).UnixMilli()
}
