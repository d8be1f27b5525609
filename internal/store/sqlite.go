// ABOUTME: SQLite implementation of the Store interface using modernc.org/sqlite
// ABOUTME: Handles schema creation, additive migrations, and the boot integrity check

package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteStore implements the Store interface using SQLite. The database file
// is the only coordination channel between the web and relay processes, so it
// is opened in WAL mode (one writer, many readers) with a busy timeout instead
// of failing fast on lock contention.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger

	// degraded is set when the boot integrity check fails; the store stays
	// usable so the hub can keep serving whatever is readable.
	degraded bool
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "store")

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			db.Close()
			return nil, fmt.Errorf("applying %s: %w", p, err)
		}
	}

	s := &SQLiteStore{
		db:     db,
		logger: logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	if err := s.runMigrations(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	s.checkIntegrity()

	logger.Info("SQLite store initialized", "path", path, "degraded", s.degraded)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY,
			ts INTEGER NOT NULL,
			channel TEXT NOT NULL,
			sender TEXT NOT NULL,
			content TEXT NOT NULL,
			source TEXT NOT NULL,
			session_id TEXT,
			fingerprint TEXT,
			upvotes INTEGER NOT NULL DEFAULT 0,
			downvotes INTEGER NOT NULL DEFAULT 0,
			pinned INTEGER NOT NULL DEFAULT 0,
			pin_order INTEGER,

			CHECK (source IN ('mesh', 'wifi', 'local'))
		);

		CREATE INDEX IF NOT EXISTS idx_messages_channel_ts ON messages(channel, ts DESC);
		CREATE INDEX IF NOT EXISTS idx_messages_pinned ON messages(pinned, pin_order);

		CREATE TABLE IF NOT EXISTS outbox (
			id INTEGER PRIMARY KEY,
			ts INTEGER NOT NULL,
			channel TEXT NOT NULL,
			sender TEXT NOT NULL,
			content TEXT NOT NULL,
			session_id TEXT NOT NULL,
			fingerprint TEXT,
			state TEXT NOT NULL DEFAULT 'queued',
			attempt_count INTEGER NOT NULL DEFAULT 0,
			next_attempt_at INTEGER NOT NULL DEFAULT 0,
			last_error TEXT,
			sent_at INTEGER,

			CHECK (state IN ('queued', 'sent', 'dead'))
		);

		CREATE INDEX IF NOT EXISTS idx_outbox_due ON outbox(state, next_attempt_at);
		CREATE INDEX IF NOT EXISTS idx_outbox_channel ON outbox(channel, state);

		CREATE TABLE IF NOT EXISTS votes (
			message_id INTEGER NOT NULL,
			session_id TEXT NOT NULL,
			vote_type INTEGER NOT NULL,
			ts INTEGER NOT NULL,
			PRIMARY KEY (message_id, session_id),

			CHECK (vote_type IN (-1, 1))
		);

		CREATE INDEX IF NOT EXISTS idx_votes_message ON votes(message_id);

		CREATE TABLE IF NOT EXISTS sessions (
			session_id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			location TEXT NOT NULL DEFAULT '',
			mac_address TEXT NOT NULL DEFAULT '',
			fingerprint TEXT NOT NULL DEFAULT '',
			created_ts INTEGER NOT NULL,
			last_post_ts INTEGER NOT NULL DEFAULT 0,
			window_started_ts INTEGER NOT NULL DEFAULT 0,
			post_count_window INTEGER NOT NULL DEFAULT 0
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_mac ON sessions(mac_address);

		CREATE TABLE IF NOT EXISTS relay_status (
			process TEXT PRIMARY KEY,
			radio_connected INTEGER NOT NULL DEFAULT 0,
			last_seen_ts INTEGER NOT NULL DEFAULT 0,
			last_error TEXT
		);
	`

	_, err := s.db.Exec(schema)
	return err
}

// runMigrations applies schema migrations for existing databases.
// These are idempotent - safe to run multiple times. Schema changes are
// additive only; no migration drops or rewrites rows.
func (s *SQLiteStore) runMigrations() error {
	migrations := []struct {
		check  string
		apply  string
		column string
		table  string
	}{
		{
			check:  `SELECT 1 FROM pragma_table_info('outbox') WHERE name = 'sent_at'`,
			apply:  `ALTER TABLE outbox ADD COLUMN sent_at INTEGER`,
			column: "sent_at",
			table:  "outbox",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('sessions') WHERE name = 'fingerprint'`,
			apply:  `ALTER TABLE sessions ADD COLUMN fingerprint TEXT NOT NULL DEFAULT ''`,
			column: "fingerprint",
			table:  "sessions",
		},
		{
			check:  `SELECT 1 FROM pragma_table_info('messages') WHERE name = 'fingerprint'`,
			apply:  `ALTER TABLE messages ADD COLUMN fingerprint TEXT`,
			column: "fingerprint",
			table:  "messages",
		},
	}

	for _, m := range migrations {
		var exists int
		err := s.db.QueryRow(m.check).Scan(&exists)
		if err == nil {
			// Column already exists, skip
			continue
		}
		if _, err := s.db.Exec(m.apply); err != nil {
			return fmt.Errorf("adding %s column to %s: %w", m.column, m.table, err)
		}
		s.logger.Info("applied migration", "column", m.column, "table", m.table)
	}

	return nil
}

// checkIntegrity runs a quick integrity check at boot. A failure marks the
// store degraded but does not prevent startup: the hub must keep serving
// whatever rows remain readable.
func (s *SQLiteStore) checkIntegrity() {
	var result string
	if err := s.db.QueryRow("PRAGMA quick_check").Scan(&result); err != nil {
		s.logger.Error("integrity check failed to run", "error", err)
		s.degraded = true
		return
	}
	if result != "ok" {
		s.logger.Error("integrity check reported corruption, starting degraded", "result", result)
		s.degraded = true
	}
}

// Degraded reports whether the boot integrity check found corruption.
func (s *SQLiteStore) Degraded() bool {
	return s.degraded
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	s.logger.Info("closing SQLite store")
	return s.db.Close()
}

// GetStats returns row counts for the admin CLI.
func (s *SQLiteStore) GetStats(ctx context.Context) (*Stats, error) {
	var st Stats
	counts := []struct {
		query string
		dst   *int64
	}{
		{`SELECT COUNT(*) FROM messages`, &st.Messages},
		{`SELECT COUNT(*) FROM sessions`, &st.Sessions},
		{`SELECT COUNT(*) FROM outbox WHERE state = 'queued'`, &st.OutboxQueued},
		{`SELECT COUNT(*) FROM outbox WHERE state = 'sent'`, &st.OutboxSent},
		{`SELECT COUNT(*) FROM outbox WHERE state = 'dead'`, &st.OutboxDead},
		{`SELECT COUNT(*) FROM votes`, &st.Votes},
	}
	for _, c := range counts {
		if err := s.db.QueryRowContext(ctx, c.query).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("counting rows: %w", err)
		}
	}
	return &st, nil
}

// isConstraintViolation checks if the error is a SQLite constraint violation
func isConstraintViolation(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "UNIQUE constraint failed") ||
		strings.Contains(errStr, "constraint failed")
}

// nullString returns nil for empty strings, otherwise the string itself.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// Ensure SQLiteStore implements Store interface
var _ Store = (*SQLiteStore)(nil)
