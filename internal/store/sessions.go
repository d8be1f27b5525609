// ABOUTME: Session persistence: cookie-bound identity rows with MAC binding
// ABOUTME: Rate-limit bookkeeping lives here; the increment happens in AdmitPost

package store

import (
	"context"
	"database/sql"
	"fmt"
)

const sessionColumns = `session_id, name, location, mac_address, fingerprint, created_ts, last_post_ts, window_started_ts, post_count_window`

// GetSession retrieves a session by id.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLiteStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE session_id = ?`, id)

	sess, err := scanSessionRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

// EnsureSession returns the session for id, creating it (and binding the
// observed link-layer address) if it does not exist. Concurrent first contact
// is safe: INSERT OR IGNORE means exactly one row is created and both callers
// observe the same bound address.
func (s *SQLiteStore) EnsureSession(ctx context.Context, id, location, mac string, now int64) (*Session, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO sessions (session_id, name, location, mac_address, created_ts)
		VALUES (?, '', ?, ?, ?)
	`, id, location, mac, now)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}
	return s.GetSession(ctx, id)
}

// SetSessionFingerprint records the best-effort device fingerprint for a
// session. The fingerprint is opaque: logged, never trusted.
func (s *SQLiteStore) SetSessionFingerprint(ctx context.Context, id, fingerprint string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET fingerprint = ? WHERE session_id = ?`, fingerprint, id)
	if err != nil {
		return fmt.Errorf("updating session fingerprint: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// PostsInWindow returns how many posts the session has made in the current
// rate-limit window. A window that has fully elapsed counts as zero; the
// stored counter is reset lazily by the next admission.
func (s *SQLiteStore) PostsInWindow(ctx context.Context, id string, windowSec, now int64) (int, error) {
	sess, err := s.GetSession(ctx, id)
	if err != nil {
		return 0, err
	}
	if now-sess.WindowStartedTS >= windowSec {
		return 0, nil
	}
	return sess.PostCountWindow, nil
}

// ListSessions returns sessions most recently active first, for the admin CLI.
func (s *SQLiteStore) ListSessions(ctx context.Context, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		ORDER BY MAX(last_post_ts, created_ts) DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSessionRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, sess)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

func scanSessionRow(row rowScanner) (*Session, error) {
	var sess Session
	err := row.Scan(
		&sess.ID,
		&sess.Name,
		&sess.Location,
		&sess.MACAddress,
		&sess.Fingerprint,
		&sess.CreatedTS,
		&sess.LastPostTS,
		&sess.WindowStartedTS,
		&sess.PostCountWindow,
	)
	if err != nil {
		return nil, err
	}
	return &sess, nil
}
