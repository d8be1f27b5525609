// ABOUTME: Relay heartbeat row, the web process's only view of radio health
// ABOUTME: Written every relay poll cycle, read by the status endpoint

package store

import (
	"context"
	"database/sql"
	"fmt"
)

// UpsertRelayStatus records the relay's heartbeat.
func (s *SQLiteStore) UpsertRelayStatus(ctx context.Context, st *RelayStatus) error {
	connected := 0
	if st.RadioConnected {
		connected = 1
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO relay_status (process, radio_connected, last_seen_ts, last_error)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(process) DO UPDATE SET
			radio_connected = excluded.radio_connected,
			last_seen_ts = excluded.last_seen_ts,
			last_error = excluded.last_error
	`, st.Process, connected, st.LastSeenTS, nullString(st.LastError))
	if err != nil {
		return fmt.Errorf("upserting relay status: %w", err)
	}
	return nil
}

// GetRelayStatus retrieves the heartbeat row for a process.
// Returns ErrNotFound if the process has never reported.
func (s *SQLiteStore) GetRelayStatus(ctx context.Context, process string) (*RelayStatus, error) {
	var st RelayStatus
	var connected int
	var lastError sql.NullString

	err := s.db.QueryRowContext(ctx, `
		SELECT process, radio_connected, last_seen_ts, last_error
		FROM relay_status WHERE process = ?
	`, process).Scan(&st.Process, &connected, &st.LastSeenTS, &lastError)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying relay status: %w", err)
	}

	st.RadioConnected = connected != 0
	st.LastError = lastError.String
	return &st, nil
}
