package sqlite

import (
	"context"
	"strings"

	relay "github.com/tombii/better-ccflare-sub004/internal"
)

const requestColumns = `id, timestamp, method, path, account_used, status_code, success,
	error_message, response_time_ms, failover_attempts, model,
	input_tokens, cache_read_input_tokens, cache_creation_input_tokens, output_tokens,
	total_tokens, cost_usd, agent_used, output_tokens_per_second, api_key_id`

// InsertRequests batch-inserts audit rows. A single multi-row INSERT avoids
// N round-trips for large writer batches.
func (s *Store) InsertRequests(ctx context.Context, records []*relay.RequestRecord) error {
	if len(records) == 0 {
		return nil
	}
	return insertRequests(ctx, s.write, records)
}

func insertRequests(ctx context.Context, db execer, records []*relay.RequestRecord) error {
	const cols = 20
	placeholders := make([]string, len(records))
	args := make([]any, 0, len(records)*cols)

	for i, r := range records {
		placeholders[i] = "(?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)"
		args = append(args,
			r.ID, r.Timestamp, r.Method, r.Path, r.AccountUsed, r.StatusCode,
			boolToInt(r.Success), r.ErrorMessage, r.ResponseTimeMs, r.FailoverAttempts,
			r.Model, r.InputTokens, r.CacheReadInputTokens, r.CacheCreationInputTokens,
			r.OutputTokens, r.TotalTokens, r.CostUSD, r.AgentUsed,
			r.OutputTokensPerSecond, r.APIKeyID,
		)
	}

	query := `INSERT INTO requests (` + requestColumns + `) VALUES ` +
		strings.Join(placeholders, ", ")
	_, err := db.ExecContext(ctx, query, args...)
	return err
}

// GetRequest retrieves one audit row by request ID.
func (s *Store) GetRequest(ctx context.Context, id string) (*relay.RequestRecord, error) {
	row := s.read.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id = ?`, id)
	return scanRequest(row)
}

// ListRequests returns audit rows, newest first.
func (s *Store) ListRequests(ctx context.Context, offset, limit int) ([]*relay.RequestRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.read.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM requests ORDER BY timestamp DESC LIMIT ? OFFSET ?`,
		limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*relay.RequestRecord
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountRequests returns the audit log size.
func (s *Store) CountRequests(ctx context.Context) (int, error) {
	var n int
	err := s.read.QueryRowContext(ctx, `SELECT COUNT(*) FROM requests`).Scan(&n)
	return n, err
}

// SumKeyCost returns the total accumulated cost attributed to a client key.
func (s *Store) SumKeyCost(ctx context.Context, keyID string) (float64, error) {
	var total float64
	err := s.read.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost_usd), 0) FROM requests WHERE api_key_id = ?`, keyID,
	).Scan(&total)
	return total, err
}

// Stats aggregates the audit log from the given ms timestamp onward.
func (s *Store) Stats(ctx context.Context, since int64) (*relay.Stats, error) {
	var st relay.Stats
	err := s.read.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(success), 0),
		 COALESCE(SUM(input_tokens), 0), COALESCE(SUM(output_tokens), 0),
		 COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost_usd), 0),
		 COALESCE(AVG(response_time_ms), 0)
		 FROM requests WHERE timestamp >= ?`, since,
	).Scan(&st.Requests, &st.Successes, &st.InputTokens, &st.OutputTokens,
		&st.TotalTokens, &st.CostUSD, &st.AvgTimeMs)
	if err != nil {
		return nil, err
	}
	return &st, nil
}

func scanRequest(sc scanner) (*relay.RequestRecord, error) {
	var r relay.RequestRecord
	var success int
	err := sc.Scan(
		&r.ID, &r.Timestamp, &r.Method, &r.Path, &r.AccountUsed, &r.StatusCode,
		&success, &r.ErrorMessage, &r.ResponseTimeMs, &r.FailoverAttempts,
		&r.Model, &r.InputTokens, &r.CacheReadInputTokens, &r.CacheCreationInputTokens,
		&r.OutputTokens, &r.TotalTokens, &r.CostUSD, &r.AgentUsed,
		&r.OutputTokensPerSecond, &r.APIKeyID,
	)
	if err != nil {
		return nil, notFoundErr(err)
	}
	r.Success = success != 0
	return &r, nil
}
