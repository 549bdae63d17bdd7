package sqlite

import (
	"context"
	"time"

	relay "github.com/tombii/better-ccflare-sub004/internal"
)

// UpsertPayload stores the raw request/response bodies for a request.
// Replays of the same request ID (e.g. a late error update) overwrite.
func (s *Store) UpsertPayload(ctx context.Context, p *relay.RequestPayload) error {
	return upsertPayload(ctx, s.write, p, time.Now().UnixMilli())
}

func upsertPayload(ctx context.Context, db execer, p *relay.RequestPayload, at int64) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO request_payloads
		 (request_id, request_headers, request_body, response_status, response_headers, response_body, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(request_id) DO UPDATE SET
		 request_headers = excluded.request_headers,
		 request_body = excluded.request_body,
		 response_status = excluded.response_status,
		 response_headers = excluded.response_headers,
		 response_body = excluded.response_body,
		 error = excluded.error`,
		p.RequestID, p.RequestHeadersJSON, p.RequestBodyB64,
		p.ResponseStatus, p.ResponseHeadersJSON, p.ResponseBodyB64, p.Error, at)
	return err
}

// GetPayload retrieves the stored payloads for a request ID.
func (s *Store) GetPayload(ctx context.Context, requestID string) (*relay.RequestPayload, error) {
	var p relay.RequestPayload
	err := s.read.QueryRowContext(ctx,
		`SELECT request_id, request_headers, request_body, response_status, response_headers, response_body, error
		 FROM request_payloads WHERE request_id = ?`, requestID,
	).Scan(&p.RequestID, &p.RequestHeadersJSON, &p.RequestBodyB64,
		&p.ResponseStatus, &p.ResponseHeadersJSON, &p.ResponseBodyB64, &p.Error)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return &p, nil
}
