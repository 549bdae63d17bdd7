// Package auth implements client API key authentication for the proxy.
// Keys are validated against the store and cached in a W-TinyLFU cache.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"sync"

	relay "github.com/tombii/better-ccflare-sub004/internal"
	"github.com/tombii/better-ccflare-sub004/internal/cache"
	"github.com/tombii/better-ccflare-sub004/internal/ratelimit"
	"github.com/tombii/better-ccflare-sub004/internal/storage"
)

// APIKeyAuth authenticates requests using proxy-issued keys with the "ccf_"
// prefix, taken from Authorization: Bearer or x-api-key (Anthropic SDKs send
// the latter).
type APIKeyAuth struct {
	store       storage.APIKeyStore
	cache       *cache.Keys
	guard       *ratelimit.SpendGuard // nil disables spend enforcement
	keyIDToHash sync.Map              // keyID -> hash, for invalidation by ID
}

// NewAPIKeyAuth returns an APIKeyAuth backed by store. guard may be nil.
func NewAPIKeyAuth(store storage.APIKeyStore, keys *cache.Keys, guard *ratelimit.SpendGuard) *APIKeyAuth {
	return &APIKeyAuth{store: store, cache: keys, guard: guard}
}

// Authenticate extracts the client key, validates it, and enforces the key's
// spend limit. Inactive keys and unknown keys are indistinguishable to the
// caller beyond the sentinel error.
func (a *APIKeyAuth) Authenticate(ctx context.Context, r *http.Request) (*relay.APIKey, error) {
	raw := rawKey(r)
	if !strings.HasPrefix(raw, relay.APIKeyPrefix) {
		return nil, relay.ErrUnauthorized
	}

	hash := relay.HashKey(raw)

	key, ok := a.cache.Get(hash)
	if !ok {
		var err error
		key, err = a.store.GetKeyByHash(ctx, hash)
		if err != nil {
			if errors.Is(err, relay.ErrNotFound) {
				return nil, relay.ErrUnauthorized
			}
			return nil, err
		}
		// The DB lookup already matched; the constant-time compare guards
		// against collation or encoding surprises in the stored hash.
		if subtle.ConstantTimeCompare([]byte(key.KeyHash), []byte(hash)) != 1 {
			return nil, relay.ErrUnauthorized
		}
		a.cache.Set(hash, key)
		a.keyIDToHash.Store(key.ID, hash)
	}

	if !key.IsActive {
		return nil, relay.ErrKeyInactive
	}
	if a.guard != nil && !a.guard.Allow(key.ID, key.SpendLimitUSD) {
		return nil, relay.ErrSpendLimit
	}
	return key, nil
}

// InvalidateByKeyID drops a cached key after an operator mutation so
// revocation takes effect before the TTL would expire it.
func (a *APIKeyAuth) InvalidateByKeyID(keyID string) {
	if hash, ok := a.keyIDToHash.LoadAndDelete(keyID); ok {
		a.cache.Invalidate(hash.(string))
	}
}

// rawKey pulls the client credential from Authorization: Bearer or x-api-key.
func rawKey(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.Header.Get("X-Api-Key")
}
