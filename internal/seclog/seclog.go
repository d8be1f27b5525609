// ABOUTME: Rate-limited security event logger for admission rejections
// ABOUTME: Sanitizes identifiers and caps per-bucket volume so log spam can't fill the disk

package seclog

import (
	"log/slog"
	"strings"
	"sync"
	"time"
)

const (
	defaultLimit  = 20
	defaultWindow = 60 * time.Second
	maxFieldLen   = 64
)

// Logger emits structured security events (MAC mismatches, rate-limit hits,
// validation rejections). Events are bucketed by (event, ip, mac); each bucket
// is capped per window so a hostile client cannot flood the log. Message
// content is never passed to this logger.
type Logger struct {
	logger   *slog.Logger
	limit    int
	window   time.Duration
	now      func() time.Time
	disabled bool

	mu      sync.Mutex
	buckets map[string]*bucket
}

type bucket struct {
	windowStart time.Time
	count       int
	suppressed  int
}

// New creates a security logger writing through the given slog logger.
func New(logger *slog.Logger) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		logger:  logger.With("component", "security"),
		limit:   defaultLimit,
		window:  defaultWindow,
		now:     time.Now,
		buckets: make(map[string]*bucket),
	}
}

// Disable turns the logger into a no-op. Only call before the logger is
// shared across goroutines.
func (l *Logger) Disable() {
	l.disabled = true
}

// Event records a security event. ip and mac identify the bucket; extra
// key/value pairs are sanitized and appended.
func (l *Logger) Event(event, ip, mac string, args ...any) {
	if l.disabled {
		return
	}
	ip = Sanitize(ip)
	mac = Sanitize(mac)

	suppressed, ok := l.admit(event + "|" + ip + "|" + mac)
	if !ok {
		return
	}

	fields := []any{"event", event, "ip", ip, "mac", mac}
	for i := 0; i+1 < len(args); i += 2 {
		key, _ := args[i].(string)
		if key == "" {
			continue
		}
		if s, isStr := args[i+1].(string); isStr {
			fields = append(fields, key, Sanitize(s))
		} else {
			fields = append(fields, key, args[i+1])
		}
	}
	if suppressed > 0 {
		fields = append(fields, "suppressed", suppressed)
	}

	l.logger.Warn("security event", fields...)
}

// admit checks the bucket's budget for the current window. It returns the
// number of events suppressed in the previous window (reported once when the
// window rolls over) and whether this event may be logged.
func (l *Logger) admit(key string) (int, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	b, ok := l.buckets[key]
	if !ok {
		b = &bucket{windowStart: now}
		l.buckets[key] = b
	}

	suppressed := 0
	if now.Sub(b.windowStart) >= l.window {
		suppressed = b.suppressed
		b.windowStart = now
		b.count = 0
		b.suppressed = 0
	}

	if b.count >= l.limit {
		b.suppressed++
		return 0, false
	}
	b.count++
	return suppressed, true
}

// Sanitize strips control characters from a value destined for the log and
// truncates it. Newlines in attacker-controlled fields would otherwise allow
// forged log lines.
func Sanitize(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == '\n' || r == '\r' || r == '\t' || r < 0x20 {
			continue
		}
		b.WriteRune(r)
		if b.Len() >= maxFieldLen {
			break
		}
	}
	return b.String()
}
