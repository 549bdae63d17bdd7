// Package cache provides the in-memory hot-path caches: authenticated
// client keys and the account snapshot the selector works from. Both are
// W-TinyLFU caches backed by otter.
package cache

import (
	"fmt"
	"time"

	"github.com/maypok86/otter/v2"

	relay "github.com/tombii/better-ccflare-sub004/internal"
)

// Keys caches authenticated client keys by their SHA-256 hash so the auth
// middleware skips the database on repeat callers.
type Keys struct {
	cache *otter.Cache[string, *relay.APIKey]
}

// NewKeys creates a key cache with the given max entry count and TTL.
func NewKeys(maxSize int, ttl time.Duration) (*Keys, error) {
	c, err := otter.New[string, *relay.APIKey](&otter.Options[string, *relay.APIKey]{
		MaximumSize:      maxSize,
		ExpiryCalculator: otter.ExpiryWriting[string, *relay.APIKey](ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("create key cache: %w", err)
	}
	return &Keys{cache: c}, nil
}

// Get retrieves a cached key by hash.
func (k *Keys) Get(hash string) (*relay.APIKey, bool) {
	return k.cache.GetIfPresent(hash)
}

// Set caches a key under its hash.
func (k *Keys) Set(hash string, key *relay.APIKey) {
	k.cache.Set(hash, key)
}

// Invalidate removes one hash, e.g. after a key is deactivated.
func (k *Keys) Invalidate(hash string) {
	k.cache.Invalidate(hash)
}

// Purge removes all cached keys.
func (k *Keys) Purge() {
	k.cache.InvalidateAll()
}

// snapshotKey is the single key under which the account list lives.
const snapshotKey = "accounts"

// Accounts caches the full account list between requests. The TTL is short:
// selector decisions tolerate slightly stale counters, but pause and
// rate-limit flags applied through the writer must surface quickly.
type Accounts struct {
	cache *otter.Cache[string, []*relay.Account]
}

// NewAccounts creates an account snapshot cache with the given TTL.
func NewAccounts(ttl time.Duration) (*Accounts, error) {
	c, err := otter.New[string, []*relay.Account](&otter.Options[string, []*relay.Account]{
		MaximumSize:      1,
		ExpiryCalculator: otter.ExpiryWriting[string, []*relay.Account](ttl),
	})
	if err != nil {
		return nil, fmt.Errorf("create account cache: %w", err)
	}
	return &Accounts{cache: c}, nil
}

// Get returns the cached snapshot, if fresh.
func (a *Accounts) Get() ([]*relay.Account, bool) {
	return a.cache.GetIfPresent(snapshotKey)
}

// Set replaces the snapshot.
func (a *Accounts) Set(accounts []*relay.Account) {
	a.cache.Set(snapshotKey, accounts)
}

// Invalidate drops the snapshot so the next request reloads from the
// database. Called after operator mutations and rate-limit changes.
func (a *Accounts) Invalidate() {
	a.cache.Invalidate(snapshotKey)
}
