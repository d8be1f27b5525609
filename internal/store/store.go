// ABOUTME: Store interface and data types for meshboard persistence
// ABOUTME: Defines Message, OutboxEntry, Session structs and the Store interface

package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("not found")

// ErrMACMismatch is returned when a session presents a link-layer address
// different from the one bound at session creation.
var ErrMACMismatch = errors.New("link-layer address does not match session")

// RateLimitError is returned when a session is at or over its post budget for
// the current window. It carries the metadata the client displays.
type RateLimitError struct {
	Limit     int
	WindowSec int64
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded: %d posts per %ds", e.Limit, e.WindowSec)
}

// Message source constants.
const (
	SourceMesh  = "mesh"  // received from the radio
	SourceWiFi  = "wifi"  // posted via WiFi and relayed to the radio
	SourceLocal = "local" // posted via WiFi to an on-site channel
)

// Outbox states. Transitions are one-directional except the bounded
// queued -> queued retry cycle; sent and dead are terminal.
const (
	StateQueued = "queued"
	StateSent   = "sent"
	StateDead   = "dead"
)

// Message is a displayed chat entry.
type Message struct {
	ID          int64
	TS          int64
	Channel     string
	Sender      string
	Content     string
	Source      string
	SessionID   string
	Fingerprint string
	Upvotes     int
	Downvotes   int
	Pinned      bool
	PinOrder    *int64
}

// OutboxEntry is one queued post awaiting relay to the mesh transport.
type OutboxEntry struct {
	ID            int64
	TS            int64
	Channel       string
	Sender        string
	Content       string
	SessionID     string
	Fingerprint   string
	State         string
	AttemptCount  int
	NextAttemptAt int64
	LastError     string
	SentAt        int64
}

// Session is a cookie-bound identity record tying a browser to an observed
// link-layer address and a rate-limit counter.
type Session struct {
	ID              string
	Name            string
	Location        string
	MACAddress      string
	Fingerprint     string
	CreatedTS       int64
	LastPostTS      int64
	WindowStartedTS int64
	PostCountWindow int
}

// RelayStatus is the egress relay's heartbeat row, read by the web process to
// report degraded mode.
type RelayStatus struct {
	Process        string
	RadioConnected bool
	LastSeenTS     int64
	LastError      string
}

// Stats summarizes store contents for the admin CLI.
type Stats struct {
	Messages      int64
	Sessions      int64
	OutboxQueued  int64
	OutboxSent    int64
	OutboxDead    int64
	Votes         int64
}

// AdmitParams carries everything needed for the transactional admission write:
// the session/budget bookkeeping and the resulting outbox entry.
type AdmitParams struct {
	SessionID   string
	Name        string
	Location    string
	MAC         string
	Fingerprint string
	Channel     string
	Scope       string // "mesh" or "on-site"
	Content     string
	Now         int64
	Limit       int
	WindowSec   int64
	PerMAC      bool
}

// AdmitOutcome reports what the admission transaction wrote.
type AdmitOutcome struct {
	OutboxID  int64 // the outbox row (terminal 'sent' for on-site channels)
	MessageID int64 // set only for on-site channels
	Remaining int
	Local     bool
}

// VoteResult is the aggregate state after a vote mutation.
type VoteResult struct {
	MessageID int64
	Upvotes   int
	Downvotes int
	UserVote  int
}

// Store defines persistence for messages, the outbound queue, sessions, and
// votes. SQLiteStore is the only implementation; the two meshboard processes
// coordinate exclusively through it.
type Store interface {
	// Messages
	InsertMessage(ctx context.Context, msg *Message) (int64, error)
	GetMessage(ctx context.Context, id int64) (*Message, error)
	ListMessages(ctx context.Context, channel string, limit, offset int) ([]*Message, error)
	SearchMessages(ctx context.Context, query, channel, sender string, limit int) ([]*Message, error)
	PinMessage(ctx context.Context, id int64, order *int64) error
	UnpinMessage(ctx context.Context, id int64) error

	// Admission (single transaction: budget increment + outbox insert)
	AdmitPost(ctx context.Context, p AdmitParams) (*AdmitOutcome, error)

	// Outbox (egress relay)
	DueOutbox(ctx context.Context, now int64, limit int) ([]*OutboxEntry, error)
	ClaimOutboxEntry(ctx context.Context, id int64, expectAttempts int, nextAttemptAt int64) (bool, error)
	MarkOutboxSent(ctx context.Context, entry *OutboxEntry, now int64) (int64, error)
	MarkOutboxFailure(ctx context.Context, id int64, lastError string) error
	MarkOutboxDead(ctx context.Context, id int64, lastError string) error
	CountQueuedOutbox(ctx context.Context) (int64, error)
	PendingOutboxForChannel(ctx context.Context, channel string, limit int) ([]*OutboxEntry, error)
	ListOutbox(ctx context.Context, state string, limit int) ([]*OutboxEntry, error)
	CancelOutboxEntry(ctx context.Context, id int64) error
	ClearQueuedOutbox(ctx context.Context) (int64, error)

	// Sessions
	GetSession(ctx context.Context, id string) (*Session, error)
	EnsureSession(ctx context.Context, id, location, mac string, now int64) (*Session, error)
	SetSessionFingerprint(ctx context.Context, id, fingerprint string) error
	PostsInWindow(ctx context.Context, id string, windowSec, now int64) (int, error)
	ListSessions(ctx context.Context, limit int) ([]*Session, error)

	// Votes
	UpdateVote(ctx context.Context, messageID int64, sessionID string, voteType int, ts int64) (*VoteResult, error)
	GetVoteCounts(ctx context.Context, messageID int64) (int, int, error)
	GetUserVote(ctx context.Context, messageID int64, sessionID string) (int, error)

	// Relay heartbeat
	UpsertRelayStatus(ctx context.Context, st *RelayStatus) error
	GetRelayStatus(ctx context.Context, process string) (*RelayStatus, error)

	// Retention
	DeleteMessagesBefore(ctx context.Context, channel string, beforeTS int64, batch int) (int64, error)
	DeleteExcessMessages(ctx context.Context, channel string, keep, batch int) (int64, error)
	PruneTerminalOutbox(ctx context.Context, beforeTS int64) (int64, error)
	DeleteStaleSessions(ctx context.Context, idleBeforeTS int64) (int64, error)
	DeleteOrphanVotes(ctx context.Context) (int64, error)

	// Admin
	GetStats(ctx context.Context) (*Stats, error)
	ListRecentMessages(ctx context.Context, channel, source string, limit int) ([]*Message, error)

	// Close releases any resources held by the store.
	Close() error
}
