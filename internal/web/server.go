// ABOUTME: Ingress HTTP server: router, middleware, session cookies, lifecycle
// ABOUTME: Every handler works with the relay down; nothing here touches the radio

package web

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/civicmesh/meshboard/internal/admission"
	"github.com/civicmesh/meshboard/internal/config"
	"github.com/civicmesh/meshboard/internal/metrics"
	"github.com/civicmesh/meshboard/internal/seclog"
	"github.com/civicmesh/meshboard/internal/store"
)

// SessionCookie is the browser session cookie name.
const SessionCookie = "meshboard_session"

const sessionCookieMaxAge = 30 * 24 * 60 * 60

// statusOnlineWindow is how fresh the relay heartbeat must be for the radio
// to count as online.
const statusOnlineWindow = 30

// Server is the ingress HTTP surface. It serves reads straight from the store
// and funnels all writes through the admission gate; the relay process is
// never contacted directly.
type Server struct {
	store     store.Store
	cfg       *config.Config
	gate      *admission.Gate
	sec       *seclog.Logger
	logger    *slog.Logger
	now       func() int64
	lookupMAC func(ip string) string

	httpServer *http.Server
}

// New creates the web server and its router.
func New(st store.Store, cfg *config.Config, gate *admission.Gate, sec *seclog.Logger) *Server {
	s := &Server{
		store:     st,
		cfg:       cfg,
		gate:      gate,
		sec:       sec,
		logger:    slog.Default().With("component", "web"),
		now:       func() int64 { return time.Now().Unix() },
		lookupMAC: lookupMACFromARP,
	}
	s.httpServer = &http.Server{
		Addr:         cfg.Web.Addr,
		Handler:      s.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Routes builds the chi router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(s.countRequests)

	r.Get("/healthz", s.handleHealthz)
	if s.cfg.Metrics.Enabled {
		r.Method(http.MethodGet, s.cfg.Metrics.Path, promhttp.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/channels", s.handleChannels)
		r.Get("/messages", s.handleMessages)
		r.Get("/status", s.handleStatus)
		r.Get("/votes", s.handleVotes)
		r.Get("/session", s.handleSession)
		r.Post("/post", s.handlePost)
		r.Post("/vote", s.handleVote)
		r.Post("/session/fingerprint", s.handleFingerprint)
	})

	return r
}

// Start runs the HTTP server until it fails or Shutdown is called.
func (s *Server) Start() error {
	s.logger.Info("web server listening", "addr", s.cfg.Web.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("web server shutting down")
	return s.httpServer.Shutdown(ctx)
}

// countRequests records per-route counters for the metrics endpoint.
func (s *Server) countRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		class := "2xx"
		switch {
		case ww.Status() >= 500:
			class = "5xx"
		case ww.Status() >= 400:
			class = "4xx"
		}
		metrics.HTTPRequests.WithLabelValues(r.URL.Path, class).Inc()
	})
}

// sessionID returns the caller's session id, issuing a fresh cookie when none
// is present. The id is opaque; all meaning lives in the sessions table.
func (s *Server) sessionID(w http.ResponseWriter, r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil && c.Value != "" {
		return c.Value
	}

	id := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookie,
		Value:    id,
		Path:     "/",
		MaxAge:   sessionCookieMaxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
	})
	return id
}

// existingSessionID returns the session id only if the caller already has one.
func existingSessionID(r *http.Request) string {
	if c, err := r.Cookie(SessionCookie); err == nil {
		return c.Value
	}
	return ""
}

// clientIP extracts the request's IP without the port.
func clientIP(r *http.Request) string {
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

// clientMAC resolves the caller's link-layer address from the kernel ARP
// table. Loopback clients have no ARP entry; with debug.allow_loopback they
// post without a binding.
func (s *Server) clientMAC(ip string) string {
	parsed := net.ParseIP(ip)
	if parsed != nil && parsed.IsLoopback() {
		if s.cfg.Debug.AllowLoopback {
			return ""
		}
	}
	return s.lookupMAC(ip)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, reason, detail string) {
	writeJSON(w, status, map[string]any{"ok": false, "reason": reason, "error": detail})
}

func decodeJSON(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 16*1024))
	return dec.Decode(dst)
}

// trimmedQuery returns a query parameter with surrounding whitespace removed.
func trimmedQuery(r *http.Request, key string) string {
	return strings.TrimSpace(r.URL.Query().Get(key))
}
