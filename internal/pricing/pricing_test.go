package pricing

import (
	"math"
	"testing"
)

func TestLookup_PrefixMatch(t *testing.T) {
	t.Parallel()

	tests := []struct {
		model string
		want  float64 // input rate
		known bool
	}{
		{"claude-sonnet-4", 3, true},
		{"claude-sonnet-4-20250514", 3, true},
		{"claude-opus-4-1", 15, true},
		{"anthropic/claude-3-5-haiku-latest", 0.80, true},
		{"CLAUDE-OPUS-4", 15, true},
		{"gpt-4o", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		r, ok := Lookup(tt.model)
		if ok != tt.known {
			t.Errorf("Lookup(%q) known = %v, want %v", tt.model, ok, tt.known)
			continue
		}
		if ok && r.Input != tt.want {
			t.Errorf("Lookup(%q).Input = %v, want %v", tt.model, r.Input, tt.want)
		}
	}
}

func TestCost(t *testing.T) {
	t.Parallel()

	u := Usage{InputTokens: 10, OutputTokens: 20}
	got := Cost("claude-sonnet-4", u)
	want := 10.0/1e6*3 + 20.0/1e6*15
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("Cost = %v, want %v", got, want)
	}
}

func TestCost_AllClasses(t *testing.T) {
	t.Parallel()

	u := Usage{
		InputTokens:              100,
		OutputTokens:             42,
		CacheReadInputTokens:     50,
		CacheCreationInputTokens: 7,
	}
	got := Cost("claude-opus-4", u)
	want := 100.0/1e6*15 + 42.0/1e6*75 + 50.0/1e6*1.50 + 7.0/1e6*18.75
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("Cost = %v, want %v", got, want)
	}
	if u.Total() != 199 {
		t.Errorf("Total = %d, want 199", u.Total())
	}
}

func TestCost_UnknownModelIsZero(t *testing.T) {
	t.Parallel()

	if got := Cost("some-future-model", Usage{InputTokens: 1000}); got != 0 {
		t.Errorf("Cost(unknown) = %v, want 0", got)
	}
}
