// Package storage defines persistence interfaces for the proxy.
package storage

import (
	"context"

	relay "github.com/tombii/better-ccflare-sub004/internal"
)

// AccountStore manages upstream account persistence.
type AccountStore interface {
	CreateAccount(ctx context.Context, a *relay.Account) error
	GetAccount(ctx context.Context, id string) (*relay.Account, error)
	GetAccountByName(ctx context.Context, name string) (*relay.Account, error)
	ListAccounts(ctx context.Context) ([]*relay.Account, error)
	DeleteAccount(ctx context.Context, id string) error
	SetAccountPriority(ctx context.Context, id string, priority int) error
}

// RequestStore manages the request audit log.
type RequestStore interface {
	InsertRequests(ctx context.Context, records []*relay.RequestRecord) error
	GetRequest(ctx context.Context, id string) (*relay.RequestRecord, error)
	ListRequests(ctx context.Context, offset, limit int) ([]*relay.RequestRecord, error)
	CountRequests(ctx context.Context) (int, error)
	// SumKeyCost returns the accumulated USD cost attributed to a client key.
	SumKeyCost(ctx context.Context, keyID string) (float64, error)
	// Stats aggregates the audit log from the given ms timestamp onward.
	Stats(ctx context.Context, since int64) (*relay.Stats, error)
}

// PayloadStore manages raw request/response payloads.
type PayloadStore interface {
	UpsertPayload(ctx context.Context, p *relay.RequestPayload) error
	GetPayload(ctx context.Context, requestID string) (*relay.RequestPayload, error)
}

// APIKeyStore manages client API key persistence.
type APIKeyStore interface {
	CreateKey(ctx context.Context, key *relay.APIKey) error
	GetKey(ctx context.Context, id string) (*relay.APIKey, error)
	GetKeyByHash(ctx context.Context, hash string) (*relay.APIKey, error)
	ListKeys(ctx context.Context) ([]*relay.APIKey, error)
	SetKeyActive(ctx context.Context, id string, active bool) error
	DeleteKey(ctx context.Context, id string) error
}

// WorkspaceStore tracks agent workspaces observed in request metadata.
type WorkspaceStore interface {
	ListWorkspaces(ctx context.Context) ([]relay.Workspace, error)
	PruneWorkspaces(ctx context.Context, before int64) (int64, error)
}

// OAuthSessionStore holds in-flight PKCE login sessions.
type OAuthSessionStore interface {
	CreateOAuthSession(ctx context.Context, s *relay.OAuthSession) error
	GetOAuthSession(ctx context.Context, id string) (*relay.OAuthSession, error)
	DeleteOAuthSession(ctx context.Context, id string) error
	PruneOAuthSessions(ctx context.Context, before int64) (int64, error)
}

// BatchStore applies async writer jobs in one transaction, in order.
type BatchStore interface {
	Apply(ctx context.Context, jobs []relay.Job) error
}

// MaintenanceStore supports the retention and recovery sweeps.
type MaintenanceStore interface {
	DeleteRequestsBefore(ctx context.Context, before int64) (int64, error)
	DeletePayloadsBefore(ctx context.Context, before int64) (int64, error)
	// ResetExpiredRateLimits clears rate-limit locks whose deadline passed,
	// so restarts do not leave accounts stuck after a crash mid-window.
	ResetExpiredRateLimits(ctx context.Context, now int64) (int64, error)
	Vacuum(ctx context.Context) error
}

// Store combines all storage interfaces.
type Store interface {
	AccountStore
	RequestStore
	PayloadStore
	APIKeyStore
	WorkspaceStore
	OAuthSessionStore
	BatchStore
	MaintenanceStore
	Ping(ctx context.Context) error
	Close() error
}
