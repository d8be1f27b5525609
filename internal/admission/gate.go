// ABOUTME: Admission gate for WiFi posts: input validation, then the transactional budget check
// ABOUTME: Validation order is fixed; cheap shape checks run before any database work

package admission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/civicmesh/meshboard/internal/config"
	"github.com/civicmesh/meshboard/internal/metrics"
	"github.com/civicmesh/meshboard/internal/seclog"
	"github.com/civicmesh/meshboard/internal/store"
)

// Rejection reasons, stable strings used in API responses, logs, and metrics.
const (
	ReasonEmptyContent   = "empty_content"
	ReasonContentTooLong = "content_too_long"
	ReasonInvalidName    = "invalid_name"
	ReasonUnknownChannel = "unknown_channel"
	ReasonMACMismatch    = "mac_mismatch"
	ReasonRateLimited    = "rate_limited"
)

// ValidationError is a synchronous input rejection; nothing was written.
type ValidationError struct {
	Reason string
	Detail string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// Request is one post attempt from a WiFi client.
type Request struct {
	SessionID   string
	Name        string
	Location    string
	MAC         string
	Fingerprint string
	Channel     string
	Content     string
	IP          string // logging only
}

// Gate validates posts and hands admitted ones to the store's transactional
// admission write. The order is fixed: content shape, then channel, then the
// session/budget checks inside the store transaction. A post rejected at any
// step is never written and never consumes budget.
type Gate struct {
	store       store.Store
	cfg         *config.Config
	sec         *seclog.Logger
	logger      *slog.Logger
	namePattern *regexp.Regexp
	now         func() int64
}

// New creates an admission gate. The name pattern was validated at config load.
func New(st store.Store, cfg *config.Config, sec *seclog.Logger, now func() int64) *Gate {
	return &Gate{
		store:       st,
		cfg:         cfg,
		sec:         sec,
		logger:      slog.Default().With("component", "admission"),
		namePattern: regexp.MustCompile(cfg.Limits.NamePattern),
		now:         now,
	}
}

// Admit runs the full admission pipeline for one post. On success the post is
// durably queued (or, for on-site channels, already visible). Errors are
// *ValidationError, store.ErrMACMismatch, or *store.RateLimitError.
func (g *Gate) Admit(ctx context.Context, req Request) (*store.AdmitOutcome, error) {
	req.Content = strings.TrimSpace(req.Content)
	req.Name = strings.TrimSpace(req.Name)

	if req.Content == "" {
		metrics.AdmissionRejected.WithLabelValues(ReasonEmptyContent).Inc()
		return nil, &ValidationError{Reason: ReasonEmptyContent, Detail: "message is empty"}
	}
	if n := utf8.RuneCountInString(req.Content); n > g.cfg.Limits.MessageMaxChars {
		metrics.AdmissionRejected.WithLabelValues(ReasonContentTooLong).Inc()
		return nil, &ValidationError{
			Reason: ReasonContentTooLong,
			Detail: fmt.Sprintf("message is %d characters, limit is %d", n, g.cfg.Limits.MessageMaxChars),
		}
	}

	if req.Name == "" {
		req.Name = "anon"
	}
	if utf8.RuneCountInString(req.Name) > g.cfg.Limits.NameMaxChars || !g.namePattern.MatchString(req.Name) {
		metrics.AdmissionRejected.WithLabelValues(ReasonInvalidName).Inc()
		return nil, &ValidationError{Reason: ReasonInvalidName, Detail: "name is too long or contains invalid characters"}
	}

	scope, ok := g.cfg.ChannelScope(req.Channel)
	if !ok {
		metrics.AdmissionRejected.WithLabelValues(ReasonUnknownChannel).Inc()
		return nil, &ValidationError{Reason: ReasonUnknownChannel, Detail: "channel is not configured"}
	}

	outcome, err := g.store.AdmitPost(ctx, store.AdmitParams{
		SessionID:   req.SessionID,
		Name:        req.Name,
		Location:    req.Location,
		MAC:         req.MAC,
		Fingerprint: req.Fingerprint,
		Channel:     req.Channel,
		Scope:       scope,
		Content:     req.Content,
		Now:         g.now(),
		Limit:       g.cfg.Limits.PostsPerHour,
		WindowSec:   3600,
		PerMAC:      g.cfg.Limits.PerMACBudget,
	})
	if err != nil {
		var rl *store.RateLimitError
		switch {
		case errors.Is(err, store.ErrMACMismatch):
			metrics.AdmissionRejected.WithLabelValues(ReasonMACMismatch).Inc()
			g.sec.Event(ReasonMACMismatch, req.IP, req.MAC, "session", req.SessionID)
		case errors.As(err, &rl):
			metrics.AdmissionRejected.WithLabelValues(ReasonRateLimited).Inc()
			g.sec.Event(ReasonRateLimited, req.IP, req.MAC, "session", req.SessionID)
		default:
			g.logger.Error("admission write failed", "error", err, "session", req.SessionID)
		}
		return nil, err
	}

	metrics.AdmissionAccepted.WithLabelValues(scope).Inc()
	g.logger.Info("post admitted",
		"channel", req.Channel, "scope", scope,
		"outbox_id", outcome.OutboxID, "remaining", outcome.Remaining)
	return outcome, nil
}
