package sqlite

import (
	"context"
	"database/sql"
	"time"

	relay "github.com/tombii/better-ccflare-sub004/internal"
)

const keyColumns = `id, name, key_hash, prefix_last_8, created_at, last_used,
	usage_count, is_active, spend_limit_usd`

// CreateKey inserts a new client API key.
func (s *Store) CreateKey(ctx context.Context, key *relay.APIKey) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO api_keys (`+keyColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		key.ID, key.Name, key.KeyHash, key.PrefixLast8,
		key.CreatedAt.UTC().Format(time.RFC3339), timeToStr(key.LastUsed),
		key.UsageCount, boolToInt(key.IsActive), key.SpendLimitUSD,
	)
	return err
}

// GetKey retrieves a client key by ID.
func (s *Store) GetKey(ctx context.Context, id string) (*relay.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE id = ?`, id)
	return scanKey(row)
}

// GetKeyByHash retrieves a client key by its SHA-256 hash.
func (s *Store) GetKeyByHash(ctx context.Context, hash string) (*relay.APIKey, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys WHERE key_hash = ?`, hash)
	return scanKey(row)
}

// ListKeys returns all client keys, newest first.
func (s *Store) ListKeys(ctx context.Context) ([]*relay.APIKey, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+keyColumns+` FROM api_keys ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []*relay.APIKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// SetKeyActive enables or disables a client key.
func (s *Store) SetKeyActive(ctx context.Context, id string, active bool) error {
	result, err := s.write.ExecContext(ctx,
		`UPDATE api_keys SET is_active = ? WHERE id = ?`, boolToInt(active), id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

// DeleteKey removes a client key.
func (s *Store) DeleteKey(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM api_keys WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "api key")
}

func touchKey(ctx context.Context, db execer, id string, at int64) error {
	_, err := db.ExecContext(ctx,
		`UPDATE api_keys SET last_used = ?, usage_count = usage_count + 1 WHERE id = ?`,
		time.UnixMilli(at).UTC().Format(time.RFC3339), id)
	return err
}

func scanKey(sc scanner) (*relay.APIKey, error) {
	var k relay.APIKey
	var createdAt string
	var lastUsed sql.NullString
	var active int

	err := sc.Scan(&k.ID, &k.Name, &k.KeyHash, &k.PrefixLast8,
		&createdAt, &lastUsed, &k.UsageCount, &active, &k.SpendLimitUSD)
	if err != nil {
		return nil, notFoundErr(err)
	}
	k.IsActive = active != 0
	if t, e := time.Parse(time.RFC3339, createdAt); e == nil {
		k.CreatedAt = t
	}
	k.LastUsed = parseTime(lastUsed)
	return &k, nil
}

func timeToStr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339), Valid: true}
}

func parseTime(ns sql.NullString) *time.Time {
	if !ns.Valid {
		return nil
	}
	t, err := time.Parse(time.RFC3339, ns.String)
	if err != nil {
		return nil
	}
	return &t
}
