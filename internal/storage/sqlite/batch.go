package sqlite

import (
	"context"
	"time"

	relay "github.com/tombii/better-ccflare-sub004/internal"
)

// Apply commits a batch of writer jobs in a single transaction, preserving
// enqueue order. Audit-row inserts are collected and flushed as one
// multi-row INSERT at their first position; everything else executes in
// place. Commit acknowledgements on UpdateTokensJob are the caller's
// concern -- Apply only reports the overall result.
func (s *Store) Apply(ctx context.Context, jobs []relay.Job) error {
	if len(jobs) == 0 {
		return nil
	}
	tx, err := s.write.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() //nolint:errcheck

	now := time.Now().UnixMilli()
	var pendingInserts []*relay.RequestRecord

	flushInserts := func() error {
		if len(pendingInserts) == 0 {
			return nil
		}
		err := insertRequests(ctx, tx, pendingInserts)
		pendingInserts = pendingInserts[:0]
		return err
	}

	for _, job := range jobs {
		switch j := job.(type) {
		case relay.InsertRequestJob:
			pendingInserts = append(pendingInserts, j.Record)
			if j.Payload != nil {
				if err := upsertPayload(ctx, tx, j.Payload, now); err != nil {
					return err
				}
			}
			continue
		}
		if err := flushInserts(); err != nil {
			return err
		}
		switch j := job.(type) {
		case relay.AccountUsedJob:
			err = markAccountUsed(ctx, tx, j.AccountID, j.At, j.NewSession)
		case relay.UpdateTokensJob:
			err = updateAccountTokens(ctx, tx, j.AccountID, j.AccessToken, j.RefreshToken, j.ExpiresAt)
		case relay.SetRateLimitJob:
			err = setRateLimit(ctx, tx, j)
		case relay.ClearRateLimitJob:
			err = clearRateLimit(ctx, tx, j.AccountID)
		case relay.PauseAccountJob:
			err = pauseAccount(ctx, tx, j)
		case relay.TouchKeyJob:
			err = touchKey(ctx, tx, j.KeyID, j.At)
		case relay.TouchWorkspaceJob:
			err = touchWorkspace(ctx, tx, j.Name, j.At)
		}
		if err != nil {
			return err
		}
	}
	if err := flushInserts(); err != nil {
		return err
	}
	return tx.Commit()
}
