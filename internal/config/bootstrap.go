package config

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"log/slog"
	"time"

	"github.com/google/uuid"

	relay "github.com/tombii/better-ccflare-sub004/internal"
	"github.com/tombii/better-ccflare-sub004/internal/storage"
)

// Bootstrap seeds accounts and client API keys from the config file on
// first run. Existing rows are never modified, so credential rotation in
// the database survives restarts with a stale config file.
func Bootstrap(ctx context.Context, cfg *Config, store storage.Store) error {
	now := time.Now()

	for _, a := range cfg.Accounts {
		existing, _ := store.GetAccountByName(ctx, a.Name)
		if existing != nil {
			continue
		}
		account := &relay.Account{
			ID:                  uuid.Must(uuid.NewV7()).String(),
			Name:                a.Name,
			Provider:            relay.Provider(a.Provider),
			RefreshToken:        a.RefreshToken,
			APIKey:              a.APIKey,
			Priority:            a.Priority,
			CustomEndpoint:      a.CustomEndpoint,
			ModelMappings:       a.ModelMappings,
			AutoRefreshEnabled:  a.AutoRefreshEnabled(),
			AutoFallbackEnabled: true,
			CreatedAt:           now,
		}
		if err := store.CreateAccount(ctx, account); err != nil {
			return err
		}
		slog.Info("bootstrapped account", "name", a.Name, "provider", a.Provider)
	}

	for _, k := range cfg.Keys {
		if k.Key == "" {
			continue
		}
		hash := relay.HashKey(k.Key)
		existing, _ := store.GetKeyByHash(ctx, hash)
		if existing != nil {
			continue
		}
		key := &relay.APIKey{
			ID:            uuid.Must(uuid.NewV7()).String(),
			Name:          k.Name,
			KeyHash:       hash,
			PrefixLast8:   relay.DisplayFragment(k.Key),
			SpendLimitUSD: k.SpendLimitUSD,
			IsActive:      true,
			CreatedAt:     now,
		}
		if err := store.CreateKey(ctx, key); err != nil {
			return err
		}
		slog.Info("bootstrapped api key", "name", k.Name, "fragment", key.PrefixLast8)
	}

	return nil
}

// GenerateKey creates a random client key and returns the plaintext.
func GenerateKey() string {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		panic("crypto/rand: " + err.Error())
	}
	return relay.APIKeyPrefix + base64.RawURLEncoding.EncodeToString(raw)
}
