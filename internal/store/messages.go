// ABOUTME: Message persistence: feed reads, search, and pin management
// ABOUTME: Pinned messages sort first by pin order and are immune to retention

package store

import (
	"context"
	"database/sql"
	"fmt"
)

const messageColumns = `id, ts, channel, sender, content, source, session_id, fingerprint, upvotes, downvotes, pinned, pin_order`

// InsertMessage saves a message and returns its id.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *Message) (int64, error) {
	query := `
		INSERT INTO messages (ts, channel, sender, content, source, session_id, fingerprint)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	res, err := s.db.ExecContext(ctx, query,
		msg.TS,
		msg.Channel,
		msg.Sender,
		msg.Content,
		msg.Source,
		nullString(msg.SessionID),
		nullString(msg.Fingerprint),
	)
	if err != nil {
		return 0, fmt.Errorf("inserting message: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("getting message id: %w", err)
	}

	s.logger.Debug("inserted message", "id", id, "channel", msg.Channel, "source", msg.Source, "len", len(msg.Content))
	return id, nil
}

// GetMessage retrieves a message by id.
// Returns ErrNotFound if the message doesn't exist.
func (s *SQLiteStore) GetMessage(ctx context.Context, id int64) (*Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = ?`, id)

	msg, err := scanMessageRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying message: %w", err)
	}
	return msg, nil
}

// ListMessages returns the feed page for a channel: pinned messages first
// (by pin order), then unpinned messages newest-first with stable offset/limit
// paging. Rows that fail to scan are skipped with a warning so a partially
// corrupted store still serves the readable remainder.
func (s *SQLiteStore) ListMessages(ctx context.Context, channel string, limit, offset int) ([]*Message, error) {
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}
	if offset < 0 {
		offset = 0
	}

	var messages []*Message

	pinnedRows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE channel = ? AND pinned = 1
		ORDER BY pin_order ASC, ts DESC
	`, channel)
	if err != nil {
		return nil, fmt.Errorf("querying pinned messages: %w", err)
	}
	messages, err = s.appendMessageRows(messages, pinnedRows)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE channel = ? AND pinned = 0
		ORDER BY ts DESC, id DESC
		LIMIT ? OFFSET ?
	`, channel, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	return s.appendMessageRows(messages, rows)
}

// SearchMessages returns messages whose content matches the query, optionally
// filtered by channel and sender, newest-first.
func (s *SQLiteStore) SearchMessages(ctx context.Context, query, channel, sender string, limit int) ([]*Message, error) {
	if query == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	where := "content LIKE ?"
	args := []any{"%" + query + "%"}
	if channel != "" {
		where += " AND channel = ?"
		args = append(args, channel)
	}
	if sender != "" {
		where += " AND sender LIKE ?"
		args = append(args, "%"+sender+"%")
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE `+where+`
		ORDER BY ts DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("searching messages: %w", err)
	}
	return s.appendMessageRows(nil, rows)
}

// PinMessage pins a message. If order is nil the message is appended after the
// highest existing pin order.
func (s *SQLiteStore) PinMessage(ctx context.Context, id int64, order *int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning pin transaction: %w", err)
	}
	defer tx.Rollback()

	pinOrder := int64(0)
	if order != nil {
		pinOrder = *order
	} else {
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(pin_order), 0) + 1 FROM messages WHERE pinned = 1`,
		).Scan(&pinOrder); err != nil {
			return fmt.Errorf("computing pin order: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx, `UPDATE messages SET pinned = 1, pin_order = ? WHERE id = ?`, pinOrder, id)
	if err != nil {
		return fmt.Errorf("pinning message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing pin: %w", err)
	}
	s.logger.Info("pinned message", "id", id, "order", pinOrder)
	return nil
}

// UnpinMessage clears a message's pinned flag, making it eligible for
// retention again.
func (s *SQLiteStore) UnpinMessage(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `UPDATE messages SET pinned = 0, pin_order = NULL WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("unpinning message: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.logger.Info("unpinned message", "id", id)
	return nil
}

// ListRecentMessages returns recent messages across channels for the admin
// CLI, optionally filtered by channel and source.
func (s *SQLiteStore) ListRecentMessages(ctx context.Context, channel, source string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 20
	}

	where := "1=1"
	var args []any
	if channel != "" {
		where += " AND channel = ?"
		args = append(args, channel)
	}
	if source != "" {
		where += " AND source = ?"
		args = append(args, source)
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM messages
		WHERE `+where+`
		ORDER BY ts DESC, id DESC
		LIMIT ?
	`, args...)
	if err != nil {
		return nil, fmt.Errorf("querying recent messages: %w", err)
	}
	return s.appendMessageRows(nil, rows)
}

// appendMessageRows scans all rows into messages, skipping (and logging)
// unscannable rows instead of failing the whole read.
func (s *SQLiteStore) appendMessageRows(messages []*Message, rows *sql.Rows) ([]*Message, error) {
	defer rows.Close()

	for rows.Next() {
		msg, err := scanMessageRow(rows)
		if err != nil {
			s.logger.Warn("skipping unreadable message row", "error", err)
			continue
		}
		messages = append(messages, msg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessageRow(row rowScanner) (*Message, error) {
	var msg Message
	var sessionID, fingerprint sql.NullString
	var pinned int
	var pinOrder sql.NullInt64

	err := row.Scan(
		&msg.ID,
		&msg.TS,
		&msg.Channel,
		&msg.Sender,
		&msg.Content,
		&msg.Source,
		&sessionID,
		&fingerprint,
		&msg.Upvotes,
		&msg.Downvotes,
		&pinned,
		&pinOrder,
	)
	if err != nil {
		return nil, err
	}

	msg.SessionID = sessionID.String
	msg.Fingerprint = fingerprint.String
	msg.Pinned = pinned != 0
	if pinOrder.Valid {
		msg.PinOrder = &pinOrder.Int64
	}
	return &msg, nil
}
