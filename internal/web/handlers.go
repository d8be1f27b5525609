// ABOUTME: HTTP handlers for the walk-up API: feed, posting, votes, session, status
// ABOUTME: Write paths go through the admission gate; reads hit the store directly

package web

import (
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"github.com/civicmesh/meshboard/internal/admission"
	"github.com/civicmesh/meshboard/internal/store"
)

var fingerprintPattern = regexp.MustCompile(`^[0-9a-f]{40}$`)

// messageItem is the JSON shape of one feed entry. Pending and failed outbox
// entries reuse it with source "pending"/"failed" and an outbox_id instead of
// a message id.
type messageItem struct {
	ID        int64  `json:"id,omitempty"`
	OutboxID  int64  `json:"outbox_id,omitempty"`
	TS        int64  `json:"ts"`
	Channel   string `json:"channel"`
	Sender    string `json:"sender"`
	Content   string `json:"content"`
	Source    string `json:"source"`
	Upvotes   int    `json:"upvotes"`
	Downvotes int    `json:"downvotes"`
	Pinned    bool   `json:"pinned"`
	UserVote  int    `json:"user_vote"`
	LastError string `json:"last_error,omitempty"`
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleChannels(w http.ResponseWriter, r *http.Request) {
	type detail struct {
		Name  string `json:"name"`
		Scope string `json:"scope"`
	}
	details := make([]detail, 0, len(s.cfg.ChannelNames()))
	for _, name := range s.cfg.ChannelNames() {
		scope, _ := s.cfg.ChannelScope(name)
		details = append(details, detail{Name: name, Scope: scope})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"channels":        s.cfg.ChannelNames(),
		"channel_details": details,
	})
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	channel := trimmedQuery(r, "channel")
	scope, ok := s.cfg.ChannelScope(channel)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown_channel", "channel is not configured")
		return
	}

	limit, _ := strconv.Atoi(trimmedQuery(r, "limit"))
	offset, _ := strconv.Atoi(trimmedQuery(r, "offset"))

	msgs, err := s.store.ListMessages(r.Context(), channel, limit, offset)
	if err != nil {
		s.logger.Error("listing messages", "channel", channel, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not read messages")
		return
	}

	sessionID := existingSessionID(r)
	items := make([]messageItem, 0, len(msgs)+4)

	// Optimistic echo: queued and failed posts appear at the top of the first
	// page so authors see their post's fate before (or instead of) the relay
	// confirming it.
	if offset == 0 && scope == "mesh" {
		pending, err := s.store.PendingOutboxForChannel(r.Context(), channel, 10)
		if err != nil {
			s.logger.Warn("reading pending outbox", "channel", channel, "error", err)
		}
		for _, e := range pending {
			source := "pending"
			if e.State == store.StateDead {
				source = "failed"
			}
			item := messageItem{
				OutboxID: e.ID,
				TS:       e.TS,
				Channel:  e.Channel,
				Sender:   e.Sender,
				Content:  e.Content,
				Source:   source,
			}
			if source == "failed" {
				item.LastError = e.LastError
			}
			items = append(items, item)
		}
	}

	for _, m := range msgs {
		item := messageItem{
			ID:        m.ID,
			TS:        m.TS,
			Channel:   m.Channel,
			Sender:    m.Sender,
			Content:   m.Content,
			Source:    m.Source,
			Upvotes:   m.Upvotes,
			Downvotes: m.Downvotes,
			Pinned:    m.Pinned,
		}
		if sessionID != "" {
			if v, err := s.store.GetUserVote(r.Context(), m.ID, sessionID); err == nil {
				item.UserVote = v
			}
		}
		items = append(items, item)
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"channel":  channel,
		"scope":    scope,
		"messages": items,
	})
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name        string `json:"name"`
		Channel     string `json:"channel"`
		Content     string `json:"content"`
		Fingerprint string `json:"fingerprint"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "could not parse request body")
		return
	}

	ip := clientIP(r)
	out, err := s.gate.Admit(r.Context(), admission.Request{
		SessionID:   s.sessionID(w, r),
		Name:        body.Name,
		Location:    s.cfg.Hub.Location,
		MAC:         s.clientMAC(ip),
		Fingerprint: body.Fingerprint,
		Channel:     body.Channel,
		Content:     body.Content,
		IP:          ip,
	})
	if err != nil {
		var ve *admission.ValidationError
		var rl *store.RateLimitError
		switch {
		case errors.As(err, &ve):
			writeError(w, http.StatusBadRequest, ve.Reason, ve.Detail)
		case errors.Is(err, store.ErrMACMismatch):
			writeError(w, http.StatusForbidden, admission.ReasonMACMismatch, "session does not match this device")
		case errors.As(err, &rl):
			writeJSON(w, http.StatusTooManyRequests, map[string]any{
				"ok":              false,
				"reason":          admission.ReasonRateLimited,
				"posts_remaining": 0,
				"limit":           rl.Limit,
				"window_sec":      rl.WindowSec,
			})
		default:
			writeError(w, http.StatusInternalServerError, "internal", "could not save post")
		}
		return
	}

	resp := map[string]any{
		"ok":              true,
		"outbox_id":       out.OutboxID,
		"posts_remaining": out.Remaining,
	}
	if out.Local {
		resp["message_id"] = out.MessageID
	}
	writeJSON(w, http.StatusOK, resp)
}

// resolveSession loads the caller's session row and verifies the MAC binding,
// the same resolution the admission gate runs for posts. Writes the error
// response itself on failure.
func (s *Server) resolveSession(w http.ResponseWriter, r *http.Request) (*store.Session, bool) {
	sessionID := existingSessionID(r)
	if sessionID == "" {
		writeError(w, http.StatusForbidden, "no_session", "a session is required")
		return nil, false
	}

	sess, err := s.store.GetSession(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusForbidden, "no_session", "unknown session")
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, "internal", "could not read session")
		return nil, false
	}

	ip := clientIP(r)
	if mac := s.clientMAC(ip); sess.MACAddress != "" && mac != "" && sess.MACAddress != mac {
		s.sec.Event(admission.ReasonMACMismatch, ip, mac, "session", sess.ID)
		writeError(w, http.StatusForbidden, admission.ReasonMACMismatch, "session does not match this device")
		return nil, false
	}
	return sess, true
}

func (s *Server) handleVote(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.resolveSession(w, r)
	if !ok {
		return
	}
	sessionID := sess.ID

	var body struct {
		MessageID int64 `json:"message_id"`
		VoteType  *int  `json:"vote_type"`
	}
	if err := decodeJSON(r, &body); err != nil || body.VoteType == nil {
		writeError(w, http.StatusBadRequest, "bad_json", "message_id and vote_type are required")
		return
	}
	if *body.VoteType < -1 || *body.VoteType > 1 {
		writeError(w, http.StatusBadRequest, "bad_vote", "vote_type must be -1, 0, or 1")
		return
	}

	msg, err := s.store.GetMessage(r.Context(), body.MessageID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not_found", "no such message")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal", "could not read message")
		return
	}
	if msg.SessionID != "" && msg.SessionID == sessionID {
		writeError(w, http.StatusForbidden, "own_post", "you cannot vote on your own post")
		return
	}

	result, err := s.store.UpdateVote(r.Context(), body.MessageID, sessionID, *body.VoteType, s.now())
	if err != nil {
		s.logger.Error("updating vote", "message_id", body.MessageID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "could not save vote")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"ok":         true,
		"message_id": result.MessageID,
		"upvotes":    result.Upvotes,
		"downvotes":  result.Downvotes,
		"user_vote":  result.UserVote,
	})
}

func (s *Server) handleVotes(w http.ResponseWriter, r *http.Request) {
	messageID, err := strconv.ParseInt(trimmedQuery(r, "message_id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "message_id is required")
		return
	}

	up, down, err := s.store.GetVoteCounts(r.Context(), messageID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "could not read votes")
		return
	}

	userVote := 0
	if sessionID := existingSessionID(r); sessionID != "" {
		if v, err := s.store.GetUserVote(r.Context(), messageID, sessionID); err == nil {
			userVote = v
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"message_id": messageID,
		"upvotes":    up,
		"downvotes":  down,
		"user_vote":  userVote,
	})
}

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	sessionID := s.sessionID(w, r)

	remaining := s.cfg.Limits.PostsPerHour
	fingerprint := ""
	if sess, err := s.store.GetSession(r.Context(), sessionID); err == nil {
		fingerprint = sess.Fingerprint
		if used, err := s.store.PostsInWindow(r.Context(), sessionID, 3600, s.now()); err == nil {
			remaining -= used
			if remaining < 0 {
				remaining = 0
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"posts_remaining": remaining,
		"fingerprint":     fingerprint,
		"debug":           s.cfg.Debug.AllowLoopback,
		"limits": map[string]any{
			"posts_per_hour":    s.cfg.Limits.PostsPerHour,
			"message_max_chars": s.cfg.Limits.MessageMaxChars,
			"name_max_chars":    s.cfg.Limits.NameMaxChars,
			"name_pattern":      s.cfg.Limits.NamePattern,
		},
	})
}

func (s *Server) handleFingerprint(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Fingerprint string `json:"fingerprint"`
	}
	if err := decodeJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_json", "could not parse request body")
		return
	}
	if !fingerprintPattern.MatchString(body.Fingerprint) {
		writeError(w, http.StatusBadRequest, "bad_fingerprint", "fingerprint must be 40 lowercase hex characters")
		return
	}

	sessionID := s.sessionID(w, r)
	ip := clientIP(r)
	mac := s.clientMAC(ip)
	sess, err := s.store.EnsureSession(r.Context(), sessionID, s.cfg.Hub.Location, mac, s.now())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "could not create session")
		return
	}
	// First contact binds the observed address; afterwards it must match.
	if sess.MACAddress != "" && mac != "" && sess.MACAddress != mac {
		s.sec.Event(admission.ReasonMACMismatch, ip, mac, "session", sess.ID)
		writeError(w, http.StatusForbidden, admission.ReasonMACMismatch, "session does not match this device")
		return
	}
	if err := s.store.SetSessionFingerprint(r.Context(), sessionID, body.Fingerprint); err != nil {
		writeError(w, http.StatusInternalServerError, "internal", "could not save fingerprint")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"radio":      "unknown",
		"relay_seen": false,
	}
	if d, ok := s.store.(interface{ Degraded() bool }); ok && d.Degraded() {
		resp["degraded"] = true
	}

	status, err := s.store.GetRelayStatus(r.Context(), "relay")
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("reading relay status", "error", err)
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	age := s.now() - status.LastSeenTS
	radio := "offline"
	if status.RadioConnected && age <= statusOnlineWindow {
		radio = "online"
	}

	resp["radio"] = radio
	resp["relay_seen"] = true
	resp["last_seen_ts"] = status.LastSeenTS
	resp["age_sec"] = age
	if status.LastError != "" {
		resp["last_error"] = status.LastError
	}
	writeJSON(w, http.StatusOK, resp)
}
