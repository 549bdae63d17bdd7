package ratelimit

import (
	"context"
	"sync"
)

// SpendStore provides the persisted total cost attributed to a client key.
type SpendStore interface {
	SumKeyCost(ctx context.Context, keyID string) (float64, error)
}

// SpendGuard enforces optional cumulative USD budgets per client API key.
// Costs are recorded in memory on the hot path and reconciled against the
// database by the maintenance worker.
type SpendGuard struct {
	mu    sync.Mutex
	spent map[string]float64
}

// NewSpendGuard creates an empty SpendGuard.
func NewSpendGuard() *SpendGuard {
	return &SpendGuard{spent: make(map[string]float64)}
}

// Allow reports whether the key is still under its budget. A limit of zero
// or less means unlimited.
func (g *SpendGuard) Allow(keyID string, limitUSD float64) bool {
	if limitUSD <= 0 {
		return true
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.spent[keyID] < limitUSD
}

// Record adds the cost of one finished request to the key's running total.
func (g *SpendGuard) Record(keyID string, costUSD float64) {
	if keyID == "" || costUSD <= 0 {
		return
	}
	g.mu.Lock()
	g.spent[keyID] += costUSD
	g.mu.Unlock()
}

// Reload replaces the key's running total with the persisted sum.
func (g *SpendGuard) Reload(ctx context.Context, store SpendStore, keyID string) error {
	total, err := store.SumKeyCost(ctx, keyID)
	if err != nil {
		return err
	}
	g.mu.Lock()
	g.spent[keyID] = total
	g.mu.Unlock()
	return nil
}

// ReloadAll reconciles every tracked key against the store.
func (g *SpendGuard) ReloadAll(ctx context.Context, store SpendStore) error {
	g.mu.Lock()
	keys := make([]string, 0, len(g.spent))
	for k := range g.spent {
		keys = append(keys, k)
	}
	g.mu.Unlock()

	for _, k := range keys {
		if err := g.Reload(ctx, store, k); err != nil {
			return err
		}
	}
	return nil
}

// Forget drops a key's running total, e.g. after the key is deleted.
func (g *SpendGuard) Forget(keyID string) {
	g.mu.Lock()
	delete(g.spent, keyID)
	g.mu.Unlock()
}
