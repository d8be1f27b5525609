// ABOUTME: Vote persistence with toggle semantics and transactional recount
// ABOUTME: One vote per (message, session); re-submitting the same value retracts it

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// UpdateVote applies a vote mutation for (messageID, sessionID) and returns
// the updated aggregate counts. Semantics:
//
//   - voteType 0 retracts any existing vote
//   - submitting the value already held retracts it (toggle)
//   - submitting the opposite value switches it
//
// The vote upsert/delete and the denormalized recount on the message row
// happen in one transaction.
func (s *SQLiteStore) UpdateVote(ctx context.Context, messageID int64, sessionID string, voteType int, ts int64) (*VoteResult, error) {
	if voteType < -1 || voteType > 1 {
		return nil, fmt.Errorf("vote_type must be -1, 0, or 1")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning vote transaction: %w", err)
	}
	defer tx.Rollback()

	var exists int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM messages WHERE id = ?`, messageID).Scan(&exists); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("checking message: %w", err)
	}

	var current int
	err = tx.QueryRowContext(ctx,
		`SELECT vote_type FROM votes WHERE message_id = ? AND session_id = ?`,
		messageID, sessionID,
	).Scan(&current)
	if err != nil && err != sql.ErrNoRows {
		return nil, fmt.Errorf("reading current vote: %w", err)
	}

	effective := voteType
	if voteType == current {
		// Same value twice toggles the vote off.
		effective = 0
	}

	if effective == 0 {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM votes WHERE message_id = ? AND session_id = ?`, messageID, sessionID,
		); err != nil {
			return nil, fmt.Errorf("retracting vote: %w", err)
		}
	} else {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO votes (message_id, session_id, vote_type, ts)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(message_id, session_id) DO UPDATE SET vote_type = excluded.vote_type, ts = excluded.ts
		`, messageID, sessionID, effective, ts); err != nil {
			return nil, fmt.Errorf("upserting vote: %w", err)
		}
	}

	var up, down int
	err = tx.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN vote_type = 1 THEN 1 END),
			COUNT(CASE WHEN vote_type = -1 THEN 1 END)
		FROM votes WHERE message_id = ?
	`, messageID).Scan(&up, &down)
	if err != nil {
		return nil, fmt.Errorf("recounting votes: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE messages SET upvotes = ?, downvotes = ? WHERE id = ?`, up, down, messageID,
	); err != nil {
		return nil, fmt.Errorf("updating vote counts: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing vote: %w", err)
	}

	return &VoteResult{
		MessageID: messageID,
		Upvotes:   up,
		Downvotes: down,
		UserVote:  effective,
	}, nil
}

// GetVoteCounts returns the aggregate up/down counts for a message.
// A missing message reports zero counts, matching the feed's behavior.
func (s *SQLiteStore) GetVoteCounts(ctx context.Context, messageID int64) (int, int, error) {
	var up, down int
	err := s.db.QueryRowContext(ctx,
		`SELECT upvotes, downvotes FROM messages WHERE id = ?`, messageID,
	).Scan(&up, &down)
	if err == sql.ErrNoRows {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("querying vote counts: %w", err)
	}
	return up, down, nil
}

// GetUserVote returns the session's current vote for a message (0 if none).
func (s *SQLiteStore) GetUserVote(ctx context.Context, messageID int64, sessionID string) (int, error) {
	var vote int
	err := s.db.QueryRowContext(ctx,
		`SELECT vote_type FROM votes WHERE message_id = ? AND session_id = ?`,
		messageID, sessionID,
	).Scan(&vote)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying user vote: %w", err)
	}
	return vote, nil
}
