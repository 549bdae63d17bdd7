package sqlite

import (
	"context"

	relay "github.com/tombii/better-ccflare-sub004/internal"
)

// --- Workspaces ---

func touchWorkspace(ctx context.Context, db execer, name string, at int64) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO workspaces (name, last_seen) VALUES (?, ?)
		 ON CONFLICT(name) DO UPDATE SET last_seen = excluded.last_seen`,
		name, at)
	return err
}

// ListWorkspaces returns observed agent workspaces, most recent first.
func (s *Store) ListWorkspaces(ctx context.Context) ([]relay.Workspace, error) {
	rows, err := s.read.QueryContext(ctx,
		`SELECT name, last_seen FROM workspaces ORDER BY last_seen DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []relay.Workspace
	for rows.Next() {
		var w relay.Workspace
		if err := rows.Scan(&w.Name, &w.LastSeen); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// PruneWorkspaces deletes workspaces not seen since the given ms timestamp.
func (s *Store) PruneWorkspaces(ctx context.Context, before int64) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM workspaces WHERE last_seen < ?`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

// --- OAuth login sessions ---

// CreateOAuthSession stores an in-flight PKCE login.
func (s *Store) CreateOAuthSession(ctx context.Context, sess *relay.OAuthSession) error {
	_, err := s.write.ExecContext(ctx,
		`INSERT INTO oauth_sessions (id, account_name, verifier, created_at) VALUES (?, ?, ?, ?)`,
		sess.ID, sess.AccountName, sess.Verifier, sess.CreatedAt)
	return err
}

// GetOAuthSession retrieves a login session by ID.
func (s *Store) GetOAuthSession(ctx context.Context, id string) (*relay.OAuthSession, error) {
	var sess relay.OAuthSession
	err := s.read.QueryRowContext(ctx,
		`SELECT id, account_name, verifier, created_at FROM oauth_sessions WHERE id = ?`, id,
	).Scan(&sess.ID, &sess.AccountName, &sess.Verifier, &sess.CreatedAt)
	if err != nil {
		return nil, notFoundErr(err)
	}
	return &sess, nil
}

// DeleteOAuthSession removes a completed or abandoned login session.
func (s *Store) DeleteOAuthSession(ctx context.Context, id string) error {
	result, err := s.write.ExecContext(ctx, `DELETE FROM oauth_sessions WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(result, "oauth session")
}

// PruneOAuthSessions deletes sessions created before the given ms timestamp.
func (s *Store) PruneOAuthSessions(ctx context.Context, before int64) (int64, error) {
	result, err := s.write.ExecContext(ctx,
		`DELETE FROM oauth_sessions WHERE created_at < ?`, before)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
