// ABOUTME: Retention manager: periodic bounded deletes keeping the store within limits
// ABOUTME: Runs inside the relay process on a slow ticker; every pass is batched

package retention

import (
	"context"
	"log/slog"
	"time"

	"github.com/civicmesh/meshboard/internal/config"
	"github.com/civicmesh/meshboard/internal/store"
)

const deleteBatch = 200

// Manager enforces the store's retention policy: message age and per-channel
// count limits, the post-grace outbox prune, stale session cleanup, and the
// orphan vote sweep. Pinned messages are exempt from all of it.
type Manager struct {
	store  store.Store
	cfg    *config.Config
	logger *slog.Logger
	now    func() int64
}

// New creates a retention manager.
func New(st store.Store, cfg *config.Config) *Manager {
	return &Manager{
		store:  st,
		cfg:    cfg,
		logger: slog.Default().With("component", "retention"),
		now:    func() int64 { return time.Now().Unix() },
	}
}

// Run sweeps once at startup and then on every tick until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) {
	m.logger.Info("retention manager starting", "interval", m.cfg.Retention.Interval)

	ticker := time.NewTicker(m.cfg.Retention.Interval)
	defer ticker.Stop()

	for {
		m.RunOnce(ctx)
		select {
		case <-ctx.Done():
			m.logger.Info("retention manager stopping")
			return
		case <-ticker.C:
		}
	}
}

// RunOnce performs one full retention sweep. Errors are logged and the sweep
// continues; a failing delete here must never take the hub down.
func (m *Manager) RunOnce(ctx context.Context) {
	now := m.now()
	start := time.Now()
	var deleted int64

	ageCutoff := now - int64(m.cfg.Retention.MaxMessageAge/time.Second)
	for _, channel := range m.cfg.ChannelNames() {
		n, err := m.store.DeleteMessagesBefore(ctx, channel, ageCutoff, deleteBatch)
		if err != nil {
			m.logger.Error("deleting aged messages", "channel", channel, "error", err)
		}
		deleted += n

		n, err = m.store.DeleteExcessMessages(ctx, channel, m.cfg.Retention.MaxPerChannel, deleteBatch)
		if err != nil {
			m.logger.Error("deleting excess messages", "channel", channel, "error", err)
		}
		deleted += n
	}

	graceCutoff := now - int64(m.cfg.Relay.SentGrace/time.Second)
	n, err := m.store.PruneTerminalOutbox(ctx, graceCutoff)
	if err != nil {
		m.logger.Error("pruning terminal outbox", "error", err)
	}
	deleted += n

	sessionCutoff := now - int64(m.cfg.Retention.SessionMaxAge/time.Second)
	n, err = m.store.DeleteStaleSessions(ctx, sessionCutoff)
	if err != nil {
		m.logger.Error("deleting stale sessions", "error", err)
	}
	deleted += n

	n, err = m.store.DeleteOrphanVotes(ctx)
	if err != nil {
		m.logger.Error("deleting orphan votes", "error", err)
	}
	deleted += n

	if deleted > 0 {
		m.logger.Info("retention sweep complete", "deleted", deleted, "took", time.Since(start))
	}
}
