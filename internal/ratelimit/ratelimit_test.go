package ratelimit

import (
	"net/http"
	"strconv"
	"testing"
	"time"
)

func TestFromHeaders_Unified(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set(HeaderUnifiedStatus, "allowed_warning")
	h.Set(HeaderUnifiedRemaining, "12")
	h.Set(HeaderUnifiedReset, "1700000000")

	info := FromHeaders(h)
	if info.Status != StatusAllowedWarning {
		t.Errorf("Status = %q", info.Status)
	}
	if info.Remaining != 12 {
		t.Errorf("Remaining = %d", info.Remaining)
	}
	if info.ResetAt != 1700000000*1000 {
		t.Errorf("ResetAt = %d", info.ResetAt)
	}
	if !info.HasMeta() {
		t.Error("HasMeta = false")
	}
}

func TestFromHeaders_Absent(t *testing.T) {
	t.Parallel()

	info := FromHeaders(http.Header{})
	if info.HasMeta() {
		t.Error("HasMeta = true for empty headers")
	}
	if info.Remaining != -1 {
		t.Errorf("Remaining = %d, want -1", info.Remaining)
	}
}

func TestFromHeaders_Malformed(t *testing.T) {
	t.Parallel()

	h := http.Header{}
	h.Set(HeaderUnifiedRemaining, "lots")
	h.Set(HeaderUnifiedReset, "-3")
	h.Set(HeaderRetryAfter, "soon")

	info := FromHeaders(h)
	if info.Remaining != -1 || info.ResetAt != 0 || info.RetryAfter != 0 {
		t.Errorf("malformed headers must be ignored: %+v", info)
	}
}

func TestLimitedUntil_RetryAfter(t *testing.T) {
	t.Parallel()

	now := time.Now()
	h := http.Header{}
	h.Set(HeaderRetryAfter, "120")

	until := FromHeaders(h).LimitedUntil(now)
	want := now.Add(120 * time.Second).UnixMilli()
	if until != want {
		t.Errorf("LimitedUntil = %d, want %d", until, want)
	}
}

func TestLimitedUntil_ResetWins(t *testing.T) {
	t.Parallel()

	now := time.Now()
	reset := now.Add(10 * time.Minute)
	h := http.Header{}
	h.Set(HeaderRetryAfter, "120")
	h.Set(HeaderUnifiedReset, strconv.FormatInt(reset.Unix(), 10))

	until := FromHeaders(h).LimitedUntil(now)
	if until != reset.Unix()*1000 {
		t.Errorf("LimitedUntil = %d, want %d", until, reset.Unix()*1000)
	}
}

func TestLimitedUntil_StaleResetFallsBack(t *testing.T) {
	t.Parallel()

	now := time.Now()
	h := http.Header{}
	h.Set(HeaderUnifiedReset, strconv.FormatInt(now.Add(-time.Hour).Unix(), 10))
	h.Set(HeaderRetryAfter, "30")

	until := FromHeaders(h).LimitedUntil(now)
	if until != now.Add(30*time.Second).UnixMilli() {
		t.Errorf("stale reset must yield to Retry-After, got %d", until)
	}
}

func TestLimitedUntil_Fallback(t *testing.T) {
	t.Parallel()

	now := time.Now()
	until := FromHeaders(http.Header{}).LimitedUntil(now)
	if until != now.Add(DefaultPause).UnixMilli() {
		t.Errorf("LimitedUntil = %d, want default pause", until)
	}
}
