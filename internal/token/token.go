// Package token manages OAuth access tokens for upstream accounts: validity
// checks, single-flight refresh, and durable persistence of rotated
// credentials.
package token

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/singleflight"

	relay "github.com/tombii/better-ccflare-sub004/internal"
	"github.com/tombii/better-ccflare-sub004/internal/cache"
	"github.com/tombii/better-ccflare-sub004/internal/storage"
	"github.com/tombii/better-ccflare-sub004/internal/writer"
)

const refreshTimeout = 30 * time.Second

// Manager hands out valid access tokens. Concurrent requests for the same
// expired account collapse into one upstream refresh; losers wait and reuse
// the winner's result.
type Manager struct {
	group    singleflight.Group
	writer   *writer.Writer
	accounts *cache.Accounts
	store    storage.AccountStore
	client   *http.Client
	clientID string
	tokenURL string
}

// NewManager creates a Manager. Every refresh re-reads the account row from
// store before touching the token endpoint, so a caller holding a stale
// snapshot can never replay a rotated-away refresh token. The account
// snapshot cache is invalidated after every persisted credential change so
// the next request sees it.
func NewManager(w *writer.Writer, accounts *cache.Accounts, store storage.AccountStore, client *http.Client, clientID, tokenURL string) *Manager {
	if client == nil {
		client = &http.Client{Timeout: refreshTimeout}
	}
	return &Manager{
		writer:   w,
		accounts: accounts,
		store:    store,
		client:   client,
		clientID: clientID,
		tokenURL: tokenURL,
	}
}

// EnsureValid returns a usable access token for an OAuth account, refreshing
// when the stored one is expired or missing. API-key accounts never reach
// here.
func (m *Manager) EnsureValid(ctx context.Context, a *relay.Account) (string, error) {
	if !a.Provider.UsesOAuth() {
		return "", fmt.Errorf("account %s: %w", a.Name, relay.ErrNotRefreshable)
	}
	if a.TokenValid(time.Now()) {
		return a.AccessToken, nil
	}

	// The refresh outlives a single caller: detach it from the request
	// context so a client disconnect cannot abort a half-persisted rotation.
	v, err, _ := m.group.Do(a.ID, func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx), a)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Refresh rotates the account's access token even when the stored one is
// still valid. The proactive refresher uses it to renew tokens well ahead
// of expiry; concurrent EnsureValid callers for the same account coalesce
// onto the same flight and share the result.
func (m *Manager) Refresh(ctx context.Context, a *relay.Account) (string, error) {
	if !a.Provider.UsesOAuth() {
		return "", fmt.Errorf("account %s: %w", a.Name, relay.ErrNotRefreshable)
	}
	v, err, _ := m.group.Do(a.ID, func() (any, error) {
		return m.refresh(context.WithoutCancel(ctx), a)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

// Invalidate discards the stored access token after an upstream auth
// failure, forcing a refresh on next use. Fire-and-forget.
func (m *Manager) Invalidate(a *relay.Account) {
	m.writer.Enqueue(relay.UpdateTokensJob{
		AccountID:    a.ID,
		AccessToken:  "",
		RefreshToken: a.RefreshToken,
		ExpiresAt:    0,
	})
	m.accounts.Invalidate()
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int64  `json:"expires_in"`
}

type tokenError struct {
	Error string `json:"error"`
}

func (m *Manager) refresh(ctx context.Context, a *relay.Account) (string, error) {
	// Work from the stored row, not the caller's snapshot: an earlier flight
	// may have rotated the credentials since the snapshot was taken, and
	// replaying the rotated-away refresh token earns an invalid_grant that
	// pauses the account.
	cur := m.latest(ctx, a)
	if cur.AccessToken != a.AccessToken && cur.TokenValid(time.Now()) {
		return cur.AccessToken, nil
	}

	if cur.RefreshToken == "" {
		return "", fmt.Errorf("account %s: %w", cur.Name, relay.ErrNotRefreshable)
	}

	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	started := time.Now()
	resp, err := m.post(ctx, map[string]string{
		"grant_type":    "refresh_token",
		"client_id":     m.clientID,
		"refresh_token": cur.RefreshToken,
	})
	if err != nil {
		return "", fmt.Errorf("refresh request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read refresh response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var te tokenError
		_ = json.Unmarshal(body, &te)
		if te.Error == "invalid_grant" {
			m.handleInvalidGrant(cur)
			return "", fmt.Errorf("account %s: %w", cur.Name, relay.ErrInvalidGrant)
		}
		return "", fmt.Errorf("refresh failed: upstream status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("decode refresh response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", fmt.Errorf("refresh response missing access token")
	}
	// Providers may rotate the refresh token; keep the old one otherwise.
	rotated := tr.RefreshToken
	if rotated == "" {
		rotated = cur.RefreshToken
	}
	expiresAt := time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second).UnixMilli()

	// Block until the rotation is committed: a rotated refresh token that
	// only lives in memory is lost on crash, locking the account out.
	err = m.writer.UpdateTokensSync(ctx, relay.UpdateTokensJob{
		AccountID:    cur.ID,
		AccessToken:  tr.AccessToken,
		RefreshToken: rotated,
		ExpiresAt:    expiresAt,
	})
	if err != nil {
		return "", fmt.Errorf("persist rotated tokens: %w", err)
	}
	m.accounts.Invalidate()

	slog.LogAttrs(ctx, slog.LevelInfo, "access token refreshed",
		slog.String("account", cur.Name),
		slog.Bool("refresh_token_rotated", rotated != cur.RefreshToken),
		slog.Duration("took", time.Since(started)),
	)
	return tr.AccessToken, nil
}

// latest re-reads the account row so the flight sees credentials persisted
// after the caller's snapshot was taken. Falls back to the snapshot when the
// store is absent or the read fails; the refresh then proceeds on what the
// caller had.
func (m *Manager) latest(ctx context.Context, a *relay.Account) *relay.Account {
	if m.store == nil {
		return a
	}
	cur, err := m.store.GetAccount(ctx, a.ID)
	if err != nil {
		return a
	}
	return cur
}

// handleInvalidGrant reacts to a permanently dead refresh token: the account
// is paused and its credentials cleared so the selector stops offering it.
func (m *Manager) handleInvalidGrant(a *relay.Account) {
	slog.Warn("refresh token rejected, pausing account", "account", a.Name)
	m.writer.Enqueue(relay.PauseAccountJob{
		AccountID:         a.ID,
		Paused:            true,
		ClearRefreshToken: true,
	})
	m.accounts.Invalidate()
}

// ExchangeCode completes a PKCE login: trades an authorization code for a
// token pair. Used by the operator OAuth flow, not the hot path.
func (m *Manager) ExchangeCode(ctx context.Context, code, verifier string) (access, refresh string, expiresAt int64, err error) {
	ctx, cancel := context.WithTimeout(ctx, refreshTimeout)
	defer cancel()

	resp, err := m.post(ctx, map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     m.clientID,
		"code":          code,
		"code_verifier": verifier,
		"redirect_uri":  RedirectURI,
	})
	if err != nil {
		return "", "", 0, fmt.Errorf("code exchange: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", "", 0, fmt.Errorf("read exchange response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", "", 0, fmt.Errorf("code exchange failed: upstream status %d", resp.StatusCode)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", "", 0, fmt.Errorf("decode exchange response: %w", err)
	}
	expiresAt = time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second).UnixMilli()
	return tr.AccessToken, tr.RefreshToken, expiresAt, nil
}

func (m *Manager) post(ctx context.Context, form map[string]string) (*http.Response, error) {
	payload, err := json.Marshal(form)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.tokenURL, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return m.client.Do(req)
}
