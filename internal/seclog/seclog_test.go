// ABOUTME: Tests for the rate-limited security logger
// ABOUTME: Verifies sanitization and per-bucket suppression

package seclog

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func newCapturedLogger() (*Logger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := New(slog.New(slog.NewTextHandler(&buf, nil)))
	return l, &buf
}

func TestSanitize(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"aa:bb:cc:dd:ee:ff", "aa:bb:cc:dd:ee:ff"},
		{"evil\ninjected=true", "evilinjected=true"},
		{"tab\there", "tabhere"},
		{"bell\x07char", "bellchar"},
		{strings.Repeat("x", 200), strings.Repeat("x", 64)},
	}
	for _, tt := range tests {
		if got := Sanitize(tt.in); got != tt.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestEventSanitizesFields(t *testing.T) {
	l, buf := newCapturedLogger()

	l.Event("mac_mismatch", "10.0.0.5", "aa:bb\nfake=1", "session", "sess\r\n-1")

	out := buf.String()
	if strings.Contains(out, "fake=1\n") || strings.Count(out, "\n") != 1 {
		t.Errorf("log output contains injected newline: %q", out)
	}
	if !strings.Contains(out, "event=mac_mismatch") {
		t.Errorf("log output missing event field: %q", out)
	}
}

func TestEventRateLimitPerBucket(t *testing.T) {
	l, buf := newCapturedLogger()

	for i := 0; i < defaultLimit+10; i++ {
		l.Event("rate_limited", "10.0.0.5", "aa:bb:cc:dd:ee:ff")
	}
	if got := strings.Count(buf.String(), "event=rate_limited"); got != defaultLimit {
		t.Errorf("logged %d events, want %d", got, defaultLimit)
	}

	// A different bucket has its own budget.
	l.Event("rate_limited", "10.0.0.6", "aa:bb:cc:dd:ee:ff")
	if !strings.Contains(buf.String(), "ip=10.0.0.6") {
		t.Error("event from distinct bucket was suppressed")
	}
}

func TestEventWindowRollsOver(t *testing.T) {
	l, buf := newCapturedLogger()

	current := time.Unix(1000, 0)
	l.now = func() time.Time { return current }

	for i := 0; i < defaultLimit+5; i++ {
		l.Event("mac_mismatch", "10.0.0.5", "")
	}
	before := strings.Count(buf.String(), "event=mac_mismatch")
	if before != defaultLimit {
		t.Fatalf("logged %d events before rollover, want %d", before, defaultLimit)
	}

	current = current.Add(defaultWindow + time.Second)
	l.Event("mac_mismatch", "10.0.0.5", "")

	out := buf.String()
	if strings.Count(out, "event=mac_mismatch") != defaultLimit+1 {
		t.Error("event after window rollover was suppressed")
	}
	if !strings.Contains(out, "suppressed=5") {
		t.Errorf("rollover event missing suppressed count: %q", out)
	}
}
