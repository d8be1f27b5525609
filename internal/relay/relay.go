// ABOUTME: Egress relay: drains the outbox to the radio, writes inbound mesh traffic
// ABOUTME: Every retry is claim-then-send so a crash can never double-send concurrently

package relay

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/civicmesh/meshboard/internal/config"
	"github.com/civicmesh/meshboard/internal/metrics"
	"github.com/civicmesh/meshboard/internal/store"
	"github.com/civicmesh/meshboard/internal/transport"
)

// ProcessName is the relay's key in the relay_status heartbeat table.
const ProcessName = "relay"

// Relay owns the egress side of the hub: it polls the outbox, pushes due
// entries through the transport adapter, writes inbound mesh messages, and
// heartbeats so the web process can report radio health.
type Relay struct {
	store   store.Store
	adapter transport.Adapter
	cfg     *config.Config
	logger  *slog.Logger
	now     func() int64
	jitter  func() float64

	// lastError is the most recent send failure, cleared on success and
	// reported with each heartbeat. Only touched from the poll loop.
	lastError string
}

// New creates a relay. now and jitter default to the real clock and rand.
func New(st store.Store, adapter transport.Adapter, cfg *config.Config) *Relay {
	return &Relay{
		store:   st,
		adapter: adapter,
		cfg:     cfg,
		logger:  slog.Default().With("component", "relay"),
		now:     func() int64 { return time.Now().Unix() },
		jitter:  rand.Float64,
	}
}

// Run drives the relay until ctx is cancelled: the outbox poll loop, the
// inbound consumer, and the heartbeat all run here.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("relay starting",
		"poll_interval", r.cfg.Relay.PollInterval,
		"batch_size", r.cfg.Relay.BatchSize,
		"max_attempts", r.cfg.Relay.MaxAttempts)

	go r.consumeInbound(ctx)

	ticker := time.NewTicker(r.cfg.Relay.PollInterval)
	defer ticker.Stop()

	for {
		r.PollOnce(ctx)
		r.heartbeat(ctx, r.lastError)

		select {
		case <-ctx.Done():
			r.logger.Info("relay stopping")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// PollOnce runs one outbox drain cycle: read due entries, claim each, send,
// and record the outcome. Entries within a channel are attempted in creation
// order; the first unavailable send in a channel skips the rest of that
// channel for this cycle, since they would only fail behind it.
func (r *Relay) PollOnce(ctx context.Context) {
	now := r.now()

	due, err := r.store.DueOutbox(ctx, now, r.cfg.Relay.BatchSize)
	if err != nil {
		r.logger.Error("reading due outbox", "error", err)
		return
	}

	if depth, err := r.store.CountQueuedOutbox(ctx); err == nil {
		metrics.OutboxDepth.Set(float64(depth))
	}

	if len(due) == 0 {
		return
	}
	if !r.adapter.Connected() {
		r.logger.Debug("radio disconnected, deferring outbox", "due", len(due))
		return
	}

	skipChannel := make(map[string]bool)
	for _, entry := range due {
		if skipChannel[entry.Channel] {
			continue
		}
		if ok := r.attempt(ctx, entry, now); !ok {
			skipChannel[entry.Channel] = true
		}
	}
}

// attempt claims and sends one entry. Returns false when the transport was
// unavailable, signalling the caller to skip the rest of the channel.
func (r *Relay) attempt(ctx context.Context, entry *store.OutboxEntry, now int64) bool {
	retryAt := now + r.backoff(entry.AttemptCount)

	claimed, err := r.store.ClaimOutboxEntry(ctx, entry.ID, entry.AttemptCount, retryAt)
	if err != nil {
		r.logger.Error("claiming outbox entry", "id", entry.ID, "error", err)
		return true
	}
	if !claimed {
		// Another poll cycle (or a restart racing us) took it.
		return true
	}

	sendCtx, cancel := context.WithTimeout(ctx, r.cfg.Transport.SendTimeout)
	result, sendErr := r.adapter.Send(sendCtx, entry.Channel, r.frame(entry))
	cancel()

	metrics.RelayAttempts.WithLabelValues(result.String()).Inc()
	attempts := entry.AttemptCount + 1

	switch result {
	case transport.Accepted:
		msgID, err := r.store.MarkOutboxSent(ctx, entry, r.now())
		if err != nil {
			r.logger.Error("marking outbox sent", "id", entry.ID, "error", err)
			return true
		}
		r.lastError = ""
		r.logger.Info("relayed post",
			"outbox_id", entry.ID, "message_id", msgID,
			"channel", entry.Channel, "attempts", attempts)
		return true

	case transport.Rejected:
		// The daemon refused this payload but the link is up, so the rest of
		// the channel still runs.
		r.retryOrDead(ctx, entry, attempts, retryAt, sendErr)
		return true

	default: // Unavailable
		r.retryOrDead(ctx, entry, attempts, retryAt, sendErr)
		return false
	}
}

// retryOrDead records a failed attempt: the entry stays queued for its already
// scheduled retry, or moves to dead once the budget is spent.
func (r *Relay) retryOrDead(ctx context.Context, entry *store.OutboxEntry, attempts int, retryAt int64, sendErr error) {
	r.lastError = errString(sendErr)

	if attempts >= r.cfg.Relay.MaxAttempts {
		if err := r.store.MarkOutboxDead(ctx, entry.ID, errString(sendErr)); err != nil {
			r.logger.Error("marking outbox dead", "id", entry.ID, "error", err)
			return
		}
		metrics.RelayDead.Inc()
		r.logger.Warn("post exhausted retry budget",
			"outbox_id", entry.ID, "channel", entry.Channel,
			"attempts", attempts, "error", sendErr)
		return
	}

	if err := r.store.MarkOutboxFailure(ctx, entry.ID, errString(sendErr)); err != nil {
		r.logger.Error("recording outbox failure", "id", entry.ID, "error", err)
	}
	r.logger.Info("send failed, will retry",
		"outbox_id", entry.ID, "channel", entry.Channel,
		"attempts", attempts, "retry_at", retryAt, "error", sendErr)
}

// backoff returns the delay in seconds before the next attempt after the
// given number of completed attempts: base doubling per attempt, capped at
// the ceiling, with up to 25% added jitter so restarts don't thunder.
func (r *Relay) backoff(attempts int) int64 {
	d := r.cfg.Relay.BackoffBase
	for i := 0; i < attempts; i++ {
		d *= 2
		if d >= r.cfg.Relay.BackoffCeiling {
			d = r.cfg.Relay.BackoffCeiling
			break
		}
	}
	secs := int64(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs + int64(r.jitter()*float64(secs)/4)
}

// frame renders an outbox entry as radio text. The sender prefix is how
// walk-up posts identify themselves on the mesh.
func (r *Relay) frame(entry *store.OutboxEntry) string {
	return fmt.Sprintf("%s: %s", entry.Sender, entry.Content)
}

// consumeInbound writes mesh traffic into the store as it arrives. The
// adapter keeps the stream open across reconnects.
func (r *Relay) consumeInbound(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-r.adapter.Receive(ctx):
			if !ok {
				return
			}
			r.storeInbound(ctx, msg)
		}
	}
}

func (r *Relay) storeInbound(ctx context.Context, msg transport.Inbound) {
	scope, ok := r.cfg.ChannelScope(msg.Channel)
	if !ok || scope != "mesh" {
		r.logger.Debug("dropping inbound for unconfigured channel", "channel", msg.Channel)
		return
	}

	ts := msg.TS
	if ts == 0 {
		ts = r.now()
	}
	id, err := r.store.InsertMessage(ctx, &store.Message{
		TS:      ts,
		Channel: msg.Channel,
		Sender:  msg.Sender,
		Content: msg.Text,
		Source:  store.SourceMesh,
	})
	if err != nil {
		r.logger.Error("storing inbound message", "channel", msg.Channel, "error", err)
		return
	}
	metrics.InboundMessages.Inc()
	r.logger.Info("stored mesh message", "id", id, "channel", msg.Channel, "sender", msg.Sender)
}

// heartbeat records the relay's liveness and radio link state.
func (r *Relay) heartbeat(ctx context.Context, lastError string) {
	err := r.store.UpsertRelayStatus(ctx, &store.RelayStatus{
		Process:        ProcessName,
		RadioConnected: r.adapter.Connected(),
		LastSeenTS:     r.now(),
		LastError:      lastError,
	})
	if err != nil {
		r.logger.Error("writing heartbeat", "error", err)
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
