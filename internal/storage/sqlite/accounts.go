package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	relay "github.com/tombii/better-ccflare-sub004/internal"
)

const accountColumns = `id, name, provider, refresh_token, access_token, expires_at, api_key,
	priority, paused, rate_limited_until, rate_limit_status, rate_limit_remaining, rate_limit_reset,
	session_start, session_request_count, request_count, total_requests, last_used,
	auto_refresh_enabled, auto_fallback_enabled, custom_endpoint, model_mappings, created_at`

// CreateAccount inserts a new upstream account.
func (s *Store) CreateAccount(ctx context.Context, a *relay.Account) error {
	mappings, err := marshalJSON(a.ModelMappings)
	if err != nil {
		return err
	}
	_, err = s.write.ExecContext(ctx,
		`INSERT INTO accounts (`+accountColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		a.ID, a.Name, string(a.Provider), a.RefreshToken, a.AccessToken, a.ExpiresAt, a.APIKey,
		a.Priority, boolToInt(a.Paused),
		a.RateLimitedUntil, a.RateLimitStatus, a.RateLimitRemaining, a.RateLimitReset,
		a.SessionStart, a.SessionRequestCount, a.RequestCount, a.TotalRequests, a.LastUsed,
		boolToInt(a.AutoRefreshEnabled), boolToInt(a.AutoFallbackEnabled),
		a.CustomEndpoint, mappings, a.CreatedAt.UTC().Format(time.RFC3339),
	)
	return err
}

// GetAccount retrieves an account by ID.
func (s *Store) GetAccount(ctx context.Context, id string) (*relay.Account, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	return scanAccount(row)
}

// GetAccountByName retrieves an account by its unique name.
func (s *Store) GetAccountByName(ctx context.Context, name string) (*relay.Account, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE name = ?`, name)
	return scanAccount(row)
}

// ListAccounts returns all accounts ordered by name.
func (s *Store) ListAccounts(ctx context.Context) ([]*relay.Account, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*relay.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// DeleteAccount removes an account.
func (s *Store) DeleteAccount(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM accounts WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

// SetAccountPriority changes an account's failover priority.
func (s *Store) SetAccountPriority(ctx context.Context, id string, priority int) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE accounts SET priority = ? WHERE id = ?`, priority, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

// execer is satisfied by *sql.DB and *sql.Tx so the account mutations below
// can run standalone or inside a writer batch transaction.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func updateAccountTokens(ctx context.Context, db execer, id, access, refresh string, expiresAt int64) error {
	result, err := db.ExecContext(ctx,
		`UPDATE accounts SET access_token = ?, refresh_token = ?, expires_at = ? WHERE id = ?`,
		access, refresh, expiresAt, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "account")
}

func markAccountUsed(ctx context.Context, db execer, id string, at int64, newSession bool) error {
	if newSession {
		_, err := db.ExecContext(ctx,
			`UPDATE accounts SET last_used = ?, request_count = request_count + 1,
			 total_requests = total_requests + 1, session_start = ?, session_request_count = 1
			 WHERE id = ?`, at, at, id)
		return err
	}
	_, err := db.ExecContext(ctx,
		`UPDATE accounts SET last_used = ?, request_count = request_count + 1,
		 total_requests = total_requests + 1, session_request_count = session_request_count + 1
		 WHERE id = ?`, at, id)
	return err
}

func setRateLimit(ctx context.Context, db execer, j relay.SetRateLimitJob) error {
	_, err := db.ExecContext(ctx,
		`UPDATE accounts SET rate_limited_until = ?, rate_limit_status = ?,
		 rate_limit_remaining = ?, rate_limit_reset = ? WHERE id = ?`,
		j.Until, j.Status, j.Remaining, j.Reset, j.AccountID)
	return err
}

func clearRateLimit(ctx context.Context, db execer, id string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE accounts SET rate_limited_until = 0, rate_limit_status = '' WHERE id = ?`, id)
	return err
}

func pauseAccount(ctx context.Context, db execer, j relay.PauseAccountJob) error {
	if j.ClearRefreshToken {
		_, err := db.ExecContext(ctx,
			`UPDATE accounts SET paused = ?, refresh_token = '', access_token = '', expires_at = 0
			 WHERE id = ?`, boolToInt(j.Paused), j.AccountID)
		return err
	}
	_, err := db.ExecContext(ctx,
		`UPDATE accounts SET paused = ? WHERE id = ?`, boolToInt(j.Paused), j.AccountID)
	return err
}

func scanAccount(sc scanner) (*relay.Account, error) {
	var a relay.Account
	var provider string
	var paused, autoRefresh, autoFallback int
	var mappings sql.NullString
	var createdAt string

	err := sc.Scan(
		&a.ID, &a.Name, &provider, &a.RefreshToken, &a.AccessToken, &a.ExpiresAt, &a.APIKey,
		&a.Priority, &paused,
		&a.RateLimitedUntil, &a.RateLimitStatus, &a.RateLimitRemaining, &a.RateLimitReset,
		&a.SessionStart, &a.SessionRequestCount, &a.RequestCount, &a.TotalRequests, &a.LastUsed,
		&autoRefresh, &autoFallback, &a.CustomEndpoint, &mappings, &createdAt,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}

	a.Provider = relay.Provider(provider)
	a.Paused = paused != 0
	a.AutoRefreshEnabled = autoRefresh != 0
	a.AutoFallbackEnabled = autoFallback != 0
	if mappings.Valid && mappings.String != "" {
		if err := json.Unmarshal([]byte(mappings.String), &a.ModelMappings); err != nil {
			return nil, fmt.Errorf("unmarshal model mappings: %w", err)
		}
	}
	if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
		a.CreatedAt = t
	}
	return &a, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

// notFoundErr translates sql.ErrNoRows to relay.ErrNotFound.
func notFoundErr(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return relay.ErrNotFound
	}
	return err
}

// helpers

func marshalJSON(v any) (sql.NullString, error) {
	if v == nil {
		return sql.NullString{}, nil
	}
	if m, ok := v.(map[string]string); ok && len(m) == 0 {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func checkRowsAffected(result sql.Result, entity string) error {
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, relay.ErrNotFound)
	}
	return nil
}
