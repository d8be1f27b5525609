// ABOUTME: Tests for the retention manager's sweep against a real store
// ABOUTME: Verifies age/count enforcement, pin immunity, and the outbox grace period

package retention

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/civicmesh/meshboard/internal/config"
	"github.com/civicmesh/meshboard/internal/store"
)

func newTestManager(t *testing.T) (*Manager, *store.SQLiteStore, *int64) {
	t.Helper()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	cfg := config.Default()
	cfg.Channels.Mesh = []string{"general"}
	cfg.Channels.OnSite = []string{"#local"}
	cfg.Retention.MaxMessageAge = time.Hour
	cfg.Retention.MaxPerChannel = 5
	cfg.Retention.SessionMaxAge = 24 * time.Hour
	cfg.Relay.SentGrace = 10 * time.Minute

	m := New(st, cfg)
	now := int64(1_000_000)
	m.now = func() int64 { return now }
	return m, st, &now
}

func insertAt(t *testing.T, st *store.SQLiteStore, channel string, ts int64) int64 {
	t.Helper()
	id, err := st.InsertMessage(context.Background(), &store.Message{
		TS: ts, Channel: channel, Sender: "a", Content: "x", Source: store.SourceMesh,
	})
	require.NoError(t, err)
	return id
}

func TestRunOnceEnforcesAge(t *testing.T) {
	m, st, now := newTestManager(t)
	ctx := context.Background()

	oldID := insertAt(t, st, "general", *now-7200)
	freshID := insertAt(t, st, "general", *now-60)

	m.RunOnce(ctx)

	_, err := st.GetMessage(ctx, oldID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetMessage(ctx, freshID)
	assert.NoError(t, err)
}

func TestRunOnceEnforcesChannelCap(t *testing.T) {
	m, st, now := newTestManager(t)
	ctx := context.Background()

	for i := int64(0); i < 8; i++ {
		insertAt(t, st, "general", *now-100+i)
	}
	m.RunOnce(ctx)

	msgs, err := st.ListMessages(ctx, "general", 100, 0)
	require.NoError(t, err)
	assert.Len(t, msgs, 5)
}

func TestRunOnceSparesPinned(t *testing.T) {
	m, st, now := newTestManager(t)
	ctx := context.Background()

	id := insertAt(t, st, "general", *now-7200)
	require.NoError(t, st.PinMessage(ctx, id, nil))

	m.RunOnce(ctx)

	_, err := st.GetMessage(ctx, id)
	assert.NoError(t, err, "pinned message must survive retention")
}

func TestRunOncePrunesTerminalOutboxAfterGrace(t *testing.T) {
	m, st, now := newTestManager(t)
	ctx := context.Background()

	// One entry sent long ago, one sent just now.
	for i, ts := range []int64{*now - 3600, *now - 10} {
		out, err := st.AdmitPost(ctx, store.AdmitParams{
			SessionID: "s1", Name: "a", Channel: "general", Scope: "mesh",
			Content: "x", Now: ts, Limit: 100, WindowSec: 3600,
		})
		require.NoError(t, err, "post %d", i)
		due, err := st.DueOutbox(ctx, ts, 1)
		require.NoError(t, err)
		require.Len(t, due, 1)
		require.Equal(t, out.OutboxID, due[0].ID)
		_, err = st.MarkOutboxSent(ctx, due[0], ts)
		require.NoError(t, err)
	}

	m.RunOnce(ctx)

	entries, err := st.ListOutbox(ctx, store.StateSent, 10)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "recent sent entry stays visible through the grace period")
}

func TestRunOnceDeletesStaleSessions(t *testing.T) {
	m, st, now := newTestManager(t)
	ctx := context.Background()

	_, err := st.EnsureSession(ctx, "stale", "", "", *now-2*86400)
	require.NoError(t, err)
	_, err = st.EnsureSession(ctx, "fresh", "", "", *now-60)
	require.NoError(t, err)

	m.RunOnce(ctx)

	_, err = st.GetSession(ctx, "stale")
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = st.GetSession(ctx, "fresh")
	assert.NoError(t, err)
}
