// ABOUTME: Batched retention deletes: message age/count bounds, outbox grace, stale sessions
// ABOUTME: Pinned messages are never deleted; every pass is LIMIT-bounded to limit storage wear

package store

import (
	"context"
	"fmt"
)

// DeleteMessagesBefore deletes up to batch unpinned messages in a channel
// older than beforeTS, along with their votes. Returns the number deleted.
func (s *SQLiteStore) DeleteMessagesBefore(ctx context.Context, channel string, beforeTS int64, batch int) (int64, error) {
	if batch <= 0 {
		batch = 200
	}
	return s.deleteMessageBatch(ctx, `
		SELECT id FROM messages
		WHERE channel = ? AND pinned = 0 AND ts < ?
		ORDER BY ts ASC
		LIMIT ?
	`, channel, beforeTS, batch)
}

// DeleteExcessMessages deletes up to batch of the oldest unpinned messages in
// a channel beyond the newest keep rows. Returns the number deleted.
func (s *SQLiteStore) DeleteExcessMessages(ctx context.Context, channel string, keep, batch int) (int64, error) {
	if batch <= 0 {
		batch = 200
	}
	return s.deleteMessageBatch(ctx, `
		SELECT id FROM messages
		WHERE channel = ? AND pinned = 0
		  AND id NOT IN (
			SELECT id FROM messages WHERE channel = ? AND pinned = 0
			ORDER BY ts DESC, id DESC LIMIT ?
		  )
		ORDER BY ts ASC
		LIMIT ?
	`, channel, channel, keep, batch)
}

// deleteMessageBatch deletes the messages selected by idQuery and their votes
// in one transaction.
func (s *SQLiteStore) deleteMessageBatch(ctx context.Context, idQuery string, args ...any) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("beginning retention transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, idQuery, args...)
	if err != nil {
		return 0, fmt.Errorf("selecting retention candidates: %w", err)
	}

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scanning retention candidate: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterating retention candidates: %w", err)
	}

	if len(ids) == 0 {
		return 0, nil
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM votes WHERE message_id = ?`, id); err != nil {
			return 0, fmt.Errorf("deleting votes for message %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id); err != nil {
			return 0, fmt.Errorf("deleting message %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("committing retention batch: %w", err)
	}

	s.logger.Debug("retention deleted messages", "count", len(ids))
	return int64(len(ids)), nil
}

// PruneTerminalOutbox deletes sent and dead entries that reached their
// terminal state before beforeTS, after the UI grace period.
func (s *SQLiteStore) PruneTerminalOutbox(ctx context.Context, beforeTS int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM outbox
		WHERE (state = 'sent' AND COALESCE(sent_at, ts) < ?)
		   OR (state = 'dead' AND next_attempt_at < ?)
	`, beforeTS, beforeTS)
	if err != nil {
		return 0, fmt.Errorf("pruning terminal outbox: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Debug("pruned terminal outbox entries", "count", n)
	}
	return n, nil
}

// DeleteStaleSessions deletes sessions with no activity since idleBeforeTS.
func (s *SQLiteStore) DeleteStaleSessions(ctx context.Context, idleBeforeTS int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sessions
		WHERE MAX(last_post_ts, created_ts) < ?
	`, idleBeforeTS)
	if err != nil {
		return 0, fmt.Errorf("deleting stale sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Debug("deleted stale sessions", "count", n)
	}
	return n, nil
}

// DeleteOrphanVotes deletes votes whose message no longer exists. Votes are
// not FK-enforced against messages, so retention sweeps them separately.
func (s *SQLiteStore) DeleteOrphanVotes(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM votes
		WHERE message_id NOT IN (SELECT id FROM messages)
	`)
	if err != nil {
		return 0, fmt.Errorf("deleting orphan votes: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("getting rows affected: %w", err)
	}
	if n > 0 {
		s.logger.Debug("deleted orphan votes", "count", n)
	}
	return n, nil
}
