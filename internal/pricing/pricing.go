// Package pricing holds the static per-model token price table and the cost
// function applied to request usage. The table is loaded once and immutable
// at runtime.
package pricing

import (
	"log/slog"
	"strings"
	"sync"
)

// Rates is the USD price per one million tokens for each usage class.
type Rates struct {
	Input       float64
	Output      float64
	CacheRead   float64
	CacheCreate float64
}

// Usage is the token breakdown priced by Cost.
type Usage struct {
	InputTokens              int64
	OutputTokens             int64
	CacheReadInputTokens     int64
	CacheCreationInputTokens int64
}

// Total returns the sum of all token classes.
func (u Usage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheReadInputTokens + u.CacheCreationInputTokens
}

// table maps normalized model prefixes to rates. Entries are matched by
// longest prefix so dated snapshots ("claude-sonnet-4-20250514") resolve to
// their family row.
var table = map[string]Rates{
	"claude-opus-4":     {Input: 15, Output: 75, CacheRead: 1.50, CacheCreate: 18.75},
	"claude-opus-3":     {Input: 15, Output: 75, CacheRead: 1.50, CacheCreate: 18.75},
	"claude-sonnet-4":   {Input: 3, Output: 15, CacheRead: 0.30, CacheCreate: 3.75},
	"claude-3-7-sonnet": {Input: 3, Output: 15, CacheRead: 0.30, CacheCreate: 3.75},
	"claude-3-5-sonnet": {Input: 3, Output: 15, CacheRead: 0.30, CacheCreate: 3.75},
	"claude-haiku-4":    {Input: 1, Output: 5, CacheRead: 0.10, CacheCreate: 1.25},
	"claude-3-5-haiku":  {Input: 0.80, Output: 4, CacheRead: 0.08, CacheCreate: 1},
	"claude-3-haiku":    {Input: 0.25, Output: 1.25, CacheRead: 0.03, CacheCreate: 0.30},
	"glm-4":             {Input: 0.60, Output: 2.20, CacheRead: 0.11, CacheCreate: 0},
	"minimax-m":         {Input: 0.40, Output: 2.20, CacheRead: 0.04, CacheCreate: 0},
}

// unknownOnce de-duplicates the unknown-model warning per model id so a busy
// proxy does not log it on every request.
var unknownOnce sync.Map

// Lookup returns the rates for a model id and whether it is known.
func Lookup(model string) (Rates, bool) {
	norm := Normalize(model)
	var best string
	for prefix := range table {
		if strings.HasPrefix(norm, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	if best == "" {
		return Rates{}, false
	}
	return table[best], true
}

// Normalize lower-cases a model id and strips vendor path prefixes
// ("anthropic/claude-..." and similar).
func Normalize(model string) string {
	m := strings.ToLower(strings.TrimSpace(model))
	if i := strings.LastIndex(m, "/"); i >= 0 {
		m = m[i+1:]
	}
	return m
}

// Cost computes the USD cost of usage for a model. Unknown models cost zero
// and log a warning once.
func Cost(model string, u Usage) float64 {
	r, ok := Lookup(model)
	if !ok {
		if model != "" {
			if _, seen := unknownOnce.LoadOrStore(model, struct{}{}); !seen {
				slog.Warn("unknown model in pricing table, cost recorded as zero", "model", model)
			}
		}
		return 0
	}
	const perMillion = 1_000_000
	return float64(u.InputTokens)/perMillion*r.Input +
		float64(u.OutputTokens)/perMillion*r.Output +
		float64(u.CacheReadInputTokens)/perMillion*r.CacheRead +
		float64(u.CacheCreationInputTokens)/perMillion*r.CacheCreate
}
