// ABOUTME: Tests for the SQLite store: messages, votes, sessions, heartbeat
// ABOUTME: Uses a real database file in a temp directory, no mocks

package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestInsertAndGetMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertMessage(ctx, &Message{
		TS:      1000,
		Channel: "general",
		Sender:  "alice",
		Content: "hello from the mesh",
		Source:  SourceMesh,
	})
	if err != nil {
		t.Fatalf("InsertMessage() error = %v", err)
	}
	if id == 0 {
		t.Fatal("InsertMessage() returned zero id")
	}

	msg, err := s.GetMessage(ctx, id)
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if msg.Channel != "general" || msg.Sender != "alice" || msg.Source != SourceMesh {
		t.Errorf("GetMessage() = %+v, want channel=general sender=alice source=mesh", msg)
	}
	if msg.Upvotes != 0 || msg.Downvotes != 0 {
		t.Errorf("new message has votes: up=%d down=%d", msg.Upvotes, msg.Downvotes)
	}
}

func TestGetMessageNotFound(t *testing.T) {
	s := newTestStore(t)

	_, err := s.GetMessage(context.Background(), 9999)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("GetMessage() error = %v, want ErrNotFound", err)
	}
}

func TestListMessagesOrdering(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	var ids []int64
	for i, ts := range []int64{100, 200, 300} {
		id, err := s.InsertMessage(ctx, &Message{
			TS: ts, Channel: "general", Sender: "alice",
			Content: "msg", Source: SourceMesh,
		})
		if err != nil {
			t.Fatalf("InsertMessage(%d) error = %v", i, err)
		}
		ids = append(ids, id)
	}

	msgs, err := s.ListMessages(ctx, "general", 10, 0)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 3 {
		t.Fatalf("ListMessages() returned %d messages, want 3", len(msgs))
	}
	if msgs[0].TS != 300 || msgs[2].TS != 100 {
		t.Errorf("messages not newest-first: ts = %d, %d, %d", msgs[0].TS, msgs[1].TS, msgs[2].TS)
	}

	// Pinned messages come first regardless of age.
	if err := s.PinMessage(ctx, ids[0], nil); err != nil {
		t.Fatalf("PinMessage() error = %v", err)
	}
	msgs, err = s.ListMessages(ctx, "general", 10, 0)
	if err != nil {
		t.Fatalf("ListMessages() after pin error = %v", err)
	}
	if msgs[0].ID != ids[0] || !msgs[0].Pinned {
		t.Errorf("pinned message not first: got id=%d pinned=%v", msgs[0].ID, msgs[0].Pinned)
	}
	if len(msgs) != 3 {
		t.Errorf("ListMessages() after pin returned %d messages, want 3", len(msgs))
	}
}

func TestListMessagesChannelIsolation(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	for _, ch := range []string{"general", "trades", "general"} {
		if _, err := s.InsertMessage(ctx, &Message{
			TS: 100, Channel: ch, Sender: "a", Content: "x", Source: SourceMesh,
		}); err != nil {
			t.Fatalf("InsertMessage() error = %v", err)
		}
	}

	msgs, err := s.ListMessages(ctx, "trades", 10, 0)
	if err != nil {
		t.Fatalf("ListMessages() error = %v", err)
	}
	if len(msgs) != 1 {
		t.Errorf("ListMessages(trades) returned %d messages, want 1", len(msgs))
	}
}

func TestPinUnpinMessage(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertMessage(ctx, &Message{
		TS: 100, Channel: "general", Sender: "a", Content: "x", Source: SourceLocal,
	})
	if err != nil {
		t.Fatalf("InsertMessage() error = %v", err)
	}

	if err := s.PinMessage(ctx, id, nil); err != nil {
		t.Fatalf("PinMessage() error = %v", err)
	}
	msg, err := s.GetMessage(ctx, id)
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if !msg.Pinned || msg.PinOrder == nil {
		t.Errorf("message not pinned: pinned=%v pin_order=%v", msg.Pinned, msg.PinOrder)
	}

	if err := s.UnpinMessage(ctx, id); err != nil {
		t.Fatalf("UnpinMessage() error = %v", err)
	}
	msg, err = s.GetMessage(ctx, id)
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if msg.Pinned || msg.PinOrder != nil {
		t.Errorf("message still pinned after unpin: pinned=%v pin_order=%v", msg.Pinned, msg.PinOrder)
	}

	if err := s.PinMessage(ctx, 9999, nil); !errors.Is(err, ErrNotFound) {
		t.Errorf("PinMessage(missing) error = %v, want ErrNotFound", err)
	}
}

func TestSearchMessages(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	rows := []struct {
		sender, content, channel string
	}{
		{"alice", "water at the school", "general"},
		{"bob", "need batteries", "trades"},
		{"alice", "charging station open", "general"},
	}
	for _, r := range rows {
		if _, err := s.InsertMessage(ctx, &Message{
			TS: 100, Channel: r.channel, Sender: r.sender, Content: r.content, Source: SourceMesh,
		}); err != nil {
			t.Fatalf("InsertMessage() error = %v", err)
		}
	}

	msgs, err := s.SearchMessages(ctx, "water", "", "", 10)
	if err != nil {
		t.Fatalf("SearchMessages() error = %v", err)
	}
	if len(msgs) != 1 || msgs[0].Sender != "alice" {
		t.Errorf("SearchMessages(water) = %d results, want 1 from alice", len(msgs))
	}

	msgs, err = s.SearchMessages(ctx, "a", "general", "alice", 10)
	if err != nil {
		t.Fatalf("SearchMessages() with filters error = %v", err)
	}
	if len(msgs) != 2 {
		t.Errorf("SearchMessages(a, general, alice) = %d results, want 2", len(msgs))
	}

	msgs, err = s.SearchMessages(ctx, "", "", "", 10)
	if err != nil {
		t.Fatalf("SearchMessages(empty) error = %v", err)
	}
	if msgs != nil {
		t.Errorf("SearchMessages(empty) = %v, want nil", msgs)
	}
}

func TestVoteToggleSemantics(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertMessage(ctx, &Message{
		TS: 100, Channel: "general", Sender: "a", Content: "x", Source: SourceMesh,
	})
	if err != nil {
		t.Fatalf("InsertMessage() error = %v", err)
	}

	// First upvote registers.
	res, err := s.UpdateVote(ctx, id, "sess-1", 1, 200)
	if err != nil {
		t.Fatalf("UpdateVote(up) error = %v", err)
	}
	if res.Upvotes != 1 || res.Downvotes != 0 || res.UserVote != 1 {
		t.Errorf("after upvote: %+v", res)
	}

	// Same vote again toggles it off.
	res, err = s.UpdateVote(ctx, id, "sess-1", 1, 201)
	if err != nil {
		t.Fatalf("UpdateVote(toggle) error = %v", err)
	}
	if res.Upvotes != 0 || res.UserVote != 0 {
		t.Errorf("after toggle: %+v", res)
	}

	// Opposite vote switches.
	if _, err := s.UpdateVote(ctx, id, "sess-1", 1, 202); err != nil {
		t.Fatalf("UpdateVote(up again) error = %v", err)
	}
	res, err = s.UpdateVote(ctx, id, "sess-1", -1, 203)
	if err != nil {
		t.Fatalf("UpdateVote(switch) error = %v", err)
	}
	if res.Upvotes != 0 || res.Downvotes != 1 || res.UserVote != -1 {
		t.Errorf("after switch: %+v", res)
	}

	// Explicit zero retracts.
	res, err = s.UpdateVote(ctx, id, "sess-1", 0, 204)
	if err != nil {
		t.Fatalf("UpdateVote(retract) error = %v", err)
	}
	if res.Upvotes != 0 || res.Downvotes != 0 || res.UserVote != 0 {
		t.Errorf("after retract: %+v", res)
	}
}

func TestVoteDenormalizedCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.InsertMessage(ctx, &Message{
		TS: 100, Channel: "general", Sender: "a", Content: "x", Source: SourceMesh,
	})
	if err != nil {
		t.Fatalf("InsertMessage() error = %v", err)
	}

	for _, sess := range []string{"s1", "s2", "s3"} {
		if _, err := s.UpdateVote(ctx, id, sess, 1, 200); err != nil {
			t.Fatalf("UpdateVote(%s) error = %v", sess, err)
		}
	}
	if _, err := s.UpdateVote(ctx, id, "s4", -1, 201); err != nil {
		t.Fatalf("UpdateVote(s4) error = %v", err)
	}

	// The message row carries the same counts the votes table aggregates to.
	msg, err := s.GetMessage(ctx, id)
	if err != nil {
		t.Fatalf("GetMessage() error = %v", err)
	}
	if msg.Upvotes != 3 || msg.Downvotes != 1 {
		t.Errorf("message counts up=%d down=%d, want 3/1", msg.Upvotes, msg.Downvotes)
	}

	up, down, err := s.GetVoteCounts(ctx, id)
	if err != nil {
		t.Fatalf("GetVoteCounts() error = %v", err)
	}
	if up != 3 || down != 1 {
		t.Errorf("GetVoteCounts() = %d/%d, want 3/1", up, down)
	}

	vote, err := s.GetUserVote(ctx, id, "s4")
	if err != nil {
		t.Fatalf("GetUserVote() error = %v", err)
	}
	if vote != -1 {
		t.Errorf("GetUserVote(s4) = %d, want -1", vote)
	}
}

func TestVoteMissingMessage(t *testing.T) {
	s := newTestStore(t)

	_, err := s.UpdateVote(context.Background(), 9999, "s1", 1, 100)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("UpdateVote(missing) error = %v, want ErrNotFound", err)
	}
}

func TestEnsureSessionIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	first, err := s.EnsureSession(ctx, "sess-1", "north-lot", "aa:bb:cc:dd:ee:ff", 1000)
	if err != nil {
		t.Fatalf("EnsureSession() error = %v", err)
	}
	if first.MACAddress != "aa:bb:cc:dd:ee:ff" || first.CreatedTS != 1000 {
		t.Errorf("EnsureSession() = %+v", first)
	}

	// Second call with a different address must not rebind.
	second, err := s.EnsureSession(ctx, "sess-1", "other", "11:22:33:44:55:66", 2000)
	if err != nil {
		t.Fatalf("EnsureSession() second call error = %v", err)
	}
	if second.MACAddress != "aa:bb:cc:dd:ee:ff" || second.CreatedTS != 1000 {
		t.Errorf("EnsureSession() second call rebound: %+v", second)
	}
}

func TestSetSessionFingerprint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.EnsureSession(ctx, "sess-1", "", "", 1000); err != nil {
		t.Fatalf("EnsureSession() error = %v", err)
	}
	fp := "0123456789abcdef0123456789abcdef01234567"
	if err := s.SetSessionFingerprint(ctx, "sess-1", fp); err != nil {
		t.Fatalf("SetSessionFingerprint() error = %v", err)
	}

	sess, err := s.GetSession(ctx, "sess-1")
	if err != nil {
		t.Fatalf("GetSession() error = %v", err)
	}
	if sess.Fingerprint != fp {
		t.Errorf("Fingerprint = %q, want %q", sess.Fingerprint, fp)
	}

	if err := s.SetSessionFingerprint(ctx, "missing", fp); !errors.Is(err, ErrNotFound) {
		t.Errorf("SetSessionFingerprint(missing) error = %v, want ErrNotFound", err)
	}
}

func TestRelayStatusHeartbeat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.GetRelayStatus(ctx, "relay")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("GetRelayStatus() before heartbeat error = %v, want ErrNotFound", err)
	}

	if err := s.UpsertRelayStatus(ctx, &RelayStatus{
		Process: "relay", RadioConnected: true, LastSeenTS: 1000,
	}); err != nil {
		t.Fatalf("UpsertRelayStatus() error = %v", err)
	}

	st, err := s.GetRelayStatus(ctx, "relay")
	if err != nil {
		t.Fatalf("GetRelayStatus() error = %v", err)
	}
	if !st.RadioConnected || st.LastSeenTS != 1000 {
		t.Errorf("GetRelayStatus() = %+v", st)
	}

	// Upsert replaces, not appends.
	if err := s.UpsertRelayStatus(ctx, &RelayStatus{
		Process: "relay", RadioConnected: false, LastSeenTS: 2000, LastError: "dial timeout",
	}); err != nil {
		t.Fatalf("UpsertRelayStatus() second error = %v", err)
	}
	st, err = s.GetRelayStatus(ctx, "relay")
	if err != nil {
		t.Fatalf("GetRelayStatus() second error = %v", err)
	}
	if st.RadioConnected || st.LastSeenTS != 2000 || st.LastError != "dial timeout" {
		t.Errorf("GetRelayStatus() after update = %+v", st)
	}
}

func TestGetStats(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if _, err := s.InsertMessage(ctx, &Message{
		TS: 100, Channel: "general", Sender: "a", Content: "x", Source: SourceMesh,
	}); err != nil {
		t.Fatalf("InsertMessage() error = %v", err)
	}
	if _, err := s.AdmitPost(ctx, AdmitParams{
		SessionID: "s1", Name: "a", Channel: "general", Scope: "mesh",
		Content: "queued", Now: 100, Limit: 10, WindowSec: 3600,
	}); err != nil {
		t.Fatalf("AdmitPost() error = %v", err)
	}

	stats, err := s.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats() error = %v", err)
	}
	if stats.Messages != 1 || stats.OutboxQueued != 1 || stats.Sessions != 1 {
		t.Errorf("GetStats() = %+v", stats)
	}
}

func TestStorePersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")
	ctx := context.Background()

	s, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	id, err := s.InsertMessage(ctx, &Message{
		TS: 100, Channel: "general", Sender: "a", Content: "survives", Source: SourceMesh,
	})
	if err != nil {
		t.Fatalf("InsertMessage() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	s2, err := NewSQLiteStore(path)
	if err != nil {
		t.Fatalf("NewSQLiteStore() reopen error = %v", err)
	}
	defer s2.Close()

	if s2.Degraded() {
		t.Error("reopened store reports degraded")
	}
	msg, err := s2.GetMessage(ctx, id)
	if err != nil {
		t.Fatalf("GetMessage() after reopen error = %v", err)
	}
	if msg.Content != "survives" {
		t.Errorf("Content = %q, want %q", msg.Content, "survives")
	}
}
