package selector

import (
	"testing"
	"time"

	relay "github.com/tombii/better-ccflare-sub004/internal"
)

func ms(t time.Time) int64 { return t.UnixMilli() }

func TestCandidates_ExcludesUnusable(t *testing.T) {
	t.Parallel()
	now := time.Now()

	accounts := []*relay.Account{
		{ID: "paused", Provider: relay.ProviderClaudeConsole, APIKey: "k", Paused: true},
		{ID: "limited", Provider: relay.ProviderClaudeConsole, APIKey: "k", RateLimitedUntil: ms(now.Add(time.Minute))},
		{ID: "invalid", Provider: relay.ProviderAnthropicOAuth},
		{ID: "ok", Provider: relay.ProviderClaudeConsole, APIKey: "k"},
	}

	got := Candidates(accounts, relay.DefaultSessionDuration, now)
	if len(got) != 1 || got[0].ID != "ok" {
		t.Fatalf("Candidates = %v", ids(got))
	}
}

func TestCandidates_InSessionFirst(t *testing.T) {
	t.Parallel()
	now := time.Now()

	fresh := &relay.Account{ID: "fresh", Provider: relay.ProviderClaudeConsole, APIKey: "k", Priority: 100}
	inSession := &relay.Account{
		ID: "warm", Provider: relay.ProviderClaudeConsole, APIKey: "k",
		Priority: 1, SessionStart: ms(now.Add(-time.Hour)),
	}
	expired := &relay.Account{
		ID: "cold", Provider: relay.ProviderClaudeConsole, APIKey: "k",
		Priority: 50, SessionStart: ms(now.Add(-6 * time.Hour)),
	}

	got := Candidates([]*relay.Account{fresh, expired, inSession}, relay.DefaultSessionDuration, now)
	want := []string{"warm", "fresh", "cold"}
	if !equal(ids(got), want) {
		t.Errorf("Candidates = %v, want %v", ids(got), want)
	}
}

func TestCandidates_PriorityThenLRU(t *testing.T) {
	t.Parallel()
	now := time.Now()

	mk := func(id string, prio int, lastUsed int64) *relay.Account {
		return &relay.Account{ID: id, Provider: relay.ProviderZai, APIKey: "k", Priority: prio, LastUsed: lastUsed}
	}
	accounts := []*relay.Account{
		mk("low-old", 1, 100),
		mk("high-new", 10, 900),
		mk("high-old", 10, 100),
		mk("high-never", 10, 0),
	}

	got := Candidates(accounts, relay.DefaultSessionDuration, now)
	want := []string{"high-never", "high-old", "high-new", "low-old"}
	if !equal(ids(got), want) {
		t.Errorf("Candidates = %v, want %v", ids(got), want)
	}
}

func TestCandidates_DoesNotMutateInput(t *testing.T) {
	t.Parallel()
	now := time.Now()

	a := &relay.Account{ID: "a", Provider: relay.ProviderZai, APIKey: "k", Priority: 1}
	b := &relay.Account{ID: "b", Provider: relay.ProviderZai, APIKey: "k", Priority: 9}
	in := []*relay.Account{a, b}

	_ = Candidates(in, relay.DefaultSessionDuration, now)
	if in[0] != a || in[1] != b {
		t.Error("input slice was reordered")
	}
}

func TestCandidates_Empty(t *testing.T) {
	t.Parallel()

	if got := Candidates(nil, relay.DefaultSessionDuration, time.Now()); len(got) != 0 {
		t.Errorf("Candidates(nil) = %v", ids(got))
	}
}

func ids(accounts []*relay.Account) []string {
	out := make([]string, len(accounts))
	for i, a := range accounts {
		out[i] = a.ID
	}
	return out
}

func equal(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
