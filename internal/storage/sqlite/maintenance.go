package sqlite

import "context"

// DeleteRequestsBefore removes audit rows older than the given ms timestamp.
func (s *Store) DeleteRequestsBefore(ctx context.Context, before int64) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM requests WHERE timestamp < ?`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// DeletePayloadsBefore removes raw payloads older than the given ms
// timestamp. Payloads have a shorter retention than their audit rows.
func (s *Store) DeletePayloadsBefore(ctx context.Context, before int64) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM request_payloads WHERE created_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// ResetExpiredRateLimits clears rate-limit locks whose deadline has passed.
func (s *Store) ResetExpiredRateLimits(ctx context.Context, now int64) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`UPDATE accounts SET rate_limited_until = 0, rate_limit_status = ''
		 WHERE rate_limited_until > 0 AND rate_limited_until <= ?`, now)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// Vacuum reclaims space after large retention deletes.
func (s *Store) Vacuum(ctx context.Context) error {
	_, err := s.write.ExecContext(ctx, `VACUUM`)
	return err
}
