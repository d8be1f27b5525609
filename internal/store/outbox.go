// ABOUTME: Outbound queue persistence: transactional admission, claim/retry/terminal transitions
// ABOUTME: The claim protocol guarantees no two concurrent sends of the same entry

package store

import (
	"context"
	"database/sql"
	"fmt"
)

const outboxColumns = `id, ts, channel, sender, content, session_id, fingerprint, state, attempt_count, next_attempt_at, last_error, sent_at`

// AdmitPost performs the admission write as a single transaction: session
// resolution (creating the row on first contact), link-layer address binding
// check, rolling-window budget check and increment, and the outbox insert.
// A rejected post never increments the counter; an admitted post always
// produces exactly one outbox row.
//
// On-site channels never reach the transport: their outbox row is created
// directly in the terminal sent state, with the Message row, in the same
// transaction.
//
// Returns ErrMACMismatch or *RateLimitError on rejection.
func (s *SQLiteStore) AdmitPost(ctx context.Context, p AdmitParams) (*AdmitOutcome, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning admission transaction: %w", err)
	}
	defer tx.Rollback()

	// First contact from two concurrent requests must still yield one row;
	// INSERT OR IGNORE + re-read makes the race harmless.
	_, err = tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO sessions (session_id, name, location, mac_address, created_ts)
		VALUES (?, '', ?, ?, ?)
	`, p.SessionID, p.Location, p.MAC, p.Now)
	if err != nil {
		return nil, fmt.Errorf("creating session: %w", err)
	}

	var boundMAC string
	var windowStarted int64
	var count int
	err = tx.QueryRowContext(ctx, `
		SELECT mac_address, window_started_ts, post_count_window
		FROM sessions WHERE session_id = ?
	`, p.SessionID).Scan(&boundMAC, &windowStarted, &count)
	if err != nil {
		return nil, fmt.Errorf("reading session: %w", err)
	}

	// The bound address is immutable once set. A session created before the
	// ARP cache was warm may have an empty binding; it binds on the first
	// successful observation.
	switch {
	case boundMAC != "" && p.MAC != "" && boundMAC != p.MAC:
		return nil, ErrMACMismatch
	case boundMAC == "" && p.MAC != "":
		if _, err := tx.ExecContext(ctx,
			`UPDATE sessions SET mac_address = ? WHERE session_id = ? AND mac_address = ''`,
			p.MAC, p.SessionID,
		); err != nil {
			return nil, fmt.Errorf("binding session address: %w", err)
		}
	}

	if p.Now-windowStarted >= p.WindowSec {
		windowStarted = p.Now
		count = 0
	}

	total := count
	if p.PerMAC && p.MAC != "" {
		// Posts from sibling sessions bound to the same address count against
		// the same budget, so cycling cookies buys nothing.
		var sibling int
		err = tx.QueryRowContext(ctx, `
			SELECT COALESCE(SUM(post_count_window), 0)
			FROM sessions
			WHERE mac_address = ? AND session_id <> ? AND window_started_ts > ?
		`, p.MAC, p.SessionID, p.Now-p.WindowSec).Scan(&sibling)
		if err != nil {
			return nil, fmt.Errorf("reading sibling budget: %w", err)
		}
		total += sibling
	}

	if total >= p.Limit {
		return nil, &RateLimitError{Limit: p.Limit, WindowSec: p.WindowSec}
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sessions
		SET name = ?, fingerprint = CASE WHEN ? <> '' THEN ? ELSE fingerprint END,
		    last_post_ts = ?, window_started_ts = ?, post_count_window = ?
		WHERE session_id = ?
	`, p.Name, p.Fingerprint, p.Fingerprint, p.Now, windowStarted, count+1, p.SessionID)
	if err != nil {
		return nil, fmt.Errorf("updating session budget: %w", err)
	}

	outcome := &AdmitOutcome{Remaining: p.Limit - total - 1}

	if p.Scope == "on-site" {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO messages (ts, channel, sender, content, source, session_id, fingerprint)
			VALUES (?, ?, ?, ?, 'local', ?, ?)
		`, p.Now, p.Channel, p.Name, p.Content, p.SessionID, nullString(p.Fingerprint))
		if err != nil {
			return nil, fmt.Errorf("inserting local message: %w", err)
		}
		outcome.MessageID, err = res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("getting local message id: %w", err)
		}
		outcome.Local = true

		res, err = tx.ExecContext(ctx, `
			INSERT INTO outbox (ts, channel, sender, content, session_id, fingerprint, state, sent_at)
			VALUES (?, ?, ?, ?, ?, ?, 'sent', ?)
		`, p.Now, p.Channel, p.Name, p.Content, p.SessionID, nullString(p.Fingerprint), p.Now)
		if err != nil {
			return nil, fmt.Errorf("inserting on-site outbox entry: %w", err)
		}
		outcome.OutboxID, err = res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("getting outbox id: %w", err)
		}
	} else {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO outbox (ts, channel, sender, content, session_id, fingerprint, state, next_attempt_at)
			VALUES (?, ?, ?, ?, ?, ?, 'queued', ?)
		`, p.Now, p.Channel, p.Name, p.Content, p.SessionID, nullString(p.Fingerprint), p.Now)
		if err != nil {
			return nil, fmt.Errorf("inserting outbox entry: %w", err)
		}
		outcome.OutboxID, err = res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("getting outbox id: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing admission: %w", err)
	}

	s.logger.Debug("admitted post",
		"outbox_id", outcome.OutboxID, "channel", p.Channel,
		"session", p.SessionID, "local", outcome.Local, "remaining", outcome.Remaining)
	return outcome, nil
}

// DueOutbox returns queued entries whose next attempt time has arrived,
// oldest-first. This is the relay's poll read; claiming is separate.
func (s *SQLiteStore) DueOutbox(ctx context.Context, now int64, limit int) ([]*OutboxEntry, error) {
	if limit <= 0 {
		limit = 5
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox
		WHERE state = 'queued' AND next_attempt_at <= ?
		ORDER BY ts ASC, id ASC
		LIMIT ?
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("querying due outbox: %w", err)
	}
	return scanOutboxRows(rows)
}

// ClaimOutboxEntry atomically claims a queued entry for one send attempt.
// The conditional update bumps attempt_count and pushes next_attempt_at before
// the send happens, so a crash mid-send defers the retry instead of allowing
// a concurrent duplicate. Returns false if the entry was already claimed or
// left the queued state.
func (s *SQLiteStore) ClaimOutboxEntry(ctx context.Context, id int64, expectAttempts int, nextAttemptAt int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox
		SET attempt_count = attempt_count + 1, next_attempt_at = ?
		WHERE id = ? AND state = 'queued' AND attempt_count = ?
	`, nextAttemptAt, id, expectAttempts)
	if err != nil {
		return false, fmt.Errorf("claiming outbox entry: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("getting rows affected: %w", err)
	}
	return n == 1, nil
}

// MarkOutboxSent transitions a claimed entry to the terminal sent state and
// creates its Message row, in one transaction. "Sent" means handed to the
// transport; it is not a delivery confirmation.
func (s *SQLiteStore) MarkOutboxSent(ctx context.Context, entry *OutboxEntry, now int64) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning sent transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		UPDATE outbox
		SET state = 'sent', sent_at = ?, last_error = NULL
		WHERE id = ? AND state = 'queued'
	`, now, entry.ID)
	if err != nil {
		return 0, fmt.Errorf("marking outbox sent: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, ErrNotFound
	}

	res, err = tx.ExecContext(ctx, `
		INSERT INTO messages (ts, channel, sender, content, source, session_id, fingerprint)
		VALUES (?, ?, ?, ?, 'wifi', ?, ?)
	`, entry.TS, entry.Channel, entry.Sender, entry.Content, entry.SessionID, nullString(entry.Fingerprint))
	if err != nil {
		return 0, fmt.Errorf("inserting relayed message: %w", err)
	}

	messageID, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("getting message id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing sent transition: %w", err)
	}

	s.logger.Debug("outbox entry sent", "id", entry.ID, "message_id", messageID, "channel", entry.Channel)
	return messageID, nil
}

// MarkOutboxFailure records the error for a failed attempt. The retry time was
// already set at claim; the entry stays queued.
func (s *SQLiteStore) MarkOutboxFailure(ctx context.Context, id int64, lastError string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET last_error = ? WHERE id = ? AND state = 'queued'
	`, lastError, id)
	if err != nil {
		return fmt.Errorf("recording outbox failure: %w", err)
	}
	return nil
}

// MarkOutboxDead transitions an entry to the terminal dead state after its
// retry budget is exhausted.
func (s *SQLiteStore) MarkOutboxDead(ctx context.Context, id int64, lastError string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE outbox SET state = 'dead', last_error = ? WHERE id = ? AND state = 'queued'
	`, lastError, id)
	if err != nil {
		return fmt.Errorf("marking outbox dead: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountQueuedOutbox returns the number of queued entries, the relay's depth
// gauge.
func (s *SQLiteStore) CountQueuedOutbox(ctx context.Context) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE state = 'queued'`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("counting queued outbox: %w", err)
	}
	return n, nil
}

// PendingOutboxForChannel returns queued and dead entries for a channel,
// newest-first, for the optimistic pending/failed echo in the feed.
func (s *SQLiteStore) PendingOutboxForChannel(ctx context.Context, channel string, limit int) ([]*OutboxEntry, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox
		WHERE channel = ? AND state IN ('queued', 'dead')
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`, channel, limit)
	if err != nil {
		return nil, fmt.Errorf("querying pending outbox: %w", err)
	}
	return scanOutboxRows(rows)
}

// ListOutbox returns outbox entries for the admin CLI, optionally filtered by
// state, newest-first.
func (s *SQLiteStore) ListOutbox(ctx context.Context, state string, limit int) ([]*OutboxEntry, error) {
	if limit <= 0 {
		limit = 50
	}

	where := "1=1"
	var args []any
	if state != "" {
		where += " AND state = ?"
		args = append(args, state)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+outboxColumns+`
		FROM outbox
		WHERE `+where+`
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying outbox: %w", err)
	}
	return scanOutboxRows(rows)
}

// CancelOutboxEntry removes a queued entry before the relay picks it up.
// Terminal entries are not cancellable.
func (s *SQLiteStore) CancelOutboxEntry(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE id = ? AND state = 'queued'`, id)
	if err != nil {
		return fmt.Errorf("cancelling outbox entry: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.logger.Info("cancelled outbox entry", "id", id)
	return nil
}

// ClearQueuedOutbox removes all queued entries and returns the count.
func (s *SQLiteStore) ClearQueuedOutbox(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM outbox WHERE state = 'queued'`)
	if err != nil {
		return 0, fmt.Errorf("clearing outbox: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Info("cleared queued outbox", "count", n)
	}
	return n, nil
}

func scanOutboxRows(rows *sql.Rows) ([]*OutboxEntry, error) {
	defer rows.Close()

	var entries []*OutboxEntry
	for rows.Next() {
		var e OutboxEntry
		var fingerprint, lastError sql.NullString
		var sentAt sql.NullInt64

		err := rows.Scan(
			&e.ID,
			&e.TS,
			&e.Channel,
			&e.Sender,
			&e.Content,
			&e.SessionID,
			&fingerprint,
			&e.State,
			&e.AttemptCount,
			&e.NextAttemptAt,
			&lastError,
			&sentAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning outbox row: %w", err)
		}

		e.Fingerprint = fingerprint.String
		e.LastError = lastError.String
		e.SentAt = sentAt.Int64
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating outbox rows: %w", err)
	}
	return entries, nil
}
