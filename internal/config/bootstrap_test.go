package config

import (
	"context"
	"testing"

	relay "github.com/tombii/better-ccflare-sub004/internal"
	"github.com/tombii/better-ccflare-sub004/internal/storage/sqlite"
)

func newTestStore(t *testing.T) *sqlite.Store {
	t.Helper()
	path := t.TempDir() + "/test.db"
	s, err := sqlite.New(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBootstrap(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	cfg := &Config{
		Accounts: []AccountEntry{
			{
				Name:         "work",
				Provider:     "anthropic-oauth",
				RefreshToken: "rt-test",
				Priority:     10,
			},
			{
				Name:     "zai-fallback",
				Provider: "zai",
				APIKey:   "zk-test",
				CustomEndpoint: "https://api.z.ai/api/anthropic",
			},
		},
		Keys: []KeyEntry{
			{Name: "laptop", Key: "ccf_testkey123456", SpendLimitUSD: 25},
		},
	}

	// First call seeds everything.
	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal("bootstrap:", err)
	}

	acc, err := store.GetAccountByName(ctx, "work")
	if err != nil {
		t.Fatal("get account:", err)
	}
	if acc.Provider != relay.ProviderAnthropicOAuth || acc.RefreshToken != "rt-test" {
		t.Errorf("account = %+v", acc)
	}
	if !acc.AutoRefreshEnabled {
		t.Error("auto refresh should default to enabled")
	}

	key, err := store.GetKeyByHash(ctx, relay.HashKey("ccf_testkey123456"))
	if err != nil {
		t.Fatal("get key:", err)
	}
	if key.SpendLimitUSD != 25 || !key.IsActive {
		t.Errorf("key = %+v", key)
	}

	// Second call is idempotent -- no errors, no duplicates, no overwrites.
	cfg.Accounts[0].RefreshToken = "rt-rotated-elsewhere"
	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal("idempotent bootstrap:", err)
	}

	accounts, err := store.ListAccounts(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 2 {
		t.Errorf("account count after second bootstrap = %d, want 2", len(accounts))
	}
	acc, _ = store.GetAccountByName(ctx, "work")
	if acc.RefreshToken != "rt-test" {
		t.Error("bootstrap must not overwrite existing credentials")
	}
}

func TestBootstrapSkipsEmptyKeys(t *testing.T) {
	t.Parallel()
	store := newTestStore(t)
	ctx := context.Background()

	cfg := &Config{
		Keys: []KeyEntry{{Name: "empty", Key: ""}},
	}
	if err := Bootstrap(ctx, cfg, store); err != nil {
		t.Fatal("bootstrap:", err)
	}

	keys, err := store.ListKeys(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(keys) != 0 {
		t.Errorf("key count = %d, want 0 (empty key should be skipped)", len(keys))
	}
}

func TestGenerateKey(t *testing.T) {
	t.Parallel()

	k1, k2 := GenerateKey(), GenerateKey()
	if k1 == k2 {
		t.Error("generated keys must be unique")
	}
	if len(k1) < 20 || k1[:4] != relay.APIKeyPrefix {
		t.Errorf("key = %q", k1)
	}
}
