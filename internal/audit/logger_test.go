package audit

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func newFileLogger(t *testing.T) (Logger, string) {
	t.Helper()
	dir := t.TempDir()
	logger, err := NewLogger(Config{Enabled: true, Dir: dir, QueueSize: 16}, slog.Default())
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	t.Cleanup(func() { _ = logger.Close() })
	return logger, dir
}

// waitForLogLines polls the session's event file until it holds want lines.
func waitForLogLines(t *testing.T, dir, sessionID string, want int) []string {
	t.Helper()
	path := filepath.Join(dir, sessionID, "events.ndjson")
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		data, err := os.ReadFile(path)
		if err == nil {
			lines := strings.Split(strings.TrimSpace(string(data)), "\n")
			if len(lines) >= want && lines[0] != "" {
				return lines
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d log lines in %s", want, path)
	return nil
}

func TestFileLoggerWritesNDJSON(t *testing.T) {
	t.Parallel()
	logger, dir := newFileLogger(t)

	logger.Log(Event{
		SessionID: "sess-1",
		UserID:    "alice",
		EventType: EventReconcileStarted,
		Direction: "alice->bob",
	})
	logger.Log(Event{
		SessionID: "sess-1",
		UserID:    "alice",
		EventType: EventReconcileCompleted,
		Direction: "alice->bob",
		Detail:    map[string]any{"alignment_score": 72},
	})

	lines := waitForLogLines(t, dir, "sess-1", 2)

	var first Event
	if err := json.Unmarshal([]byte(lines[0]), &first); err != nil {
		t.Fatalf("first line is not valid JSON: %v", err)
	}
	if first.EventType != EventReconcileStarted || first.Direction != "alice->bob" {
		t.Fatalf("unexpected first event: %+v", first)
	}
	if first.Timestamp == "" {
		t.Fatal("timestamp must be stamped on enqueue")
	}

	var second Event
	if err := json.Unmarshal([]byte(lines[1]), &second); err != nil {
		t.Fatalf("second line is not valid JSON: %v", err)
	}
	if second.Detail["alignment_score"] != float64(72) {
		t.Fatalf("unexpected detail: %+v", second.Detail)
	}
}

func TestFileLoggerSeparatesSessions(t *testing.T) {
	t.Parallel()
	logger, dir := newFileLogger(t)

	logger.Log(Event{SessionID: "sess-a", EventType: EventOfferCreated})
	logger.Log(Event{SessionID: "sess-b", EventType: EventOfferExpired})

	waitForLogLines(t, dir, "sess-a", 1)
	waitForLogLines(t, dir, "sess-b", 1)
}

func TestFileLoggerSanitizesSessionID(t *testing.T) {
	t.Parallel()
	logger, dir := newFileLogger(t)

	logger.Log(Event{SessionID: "../escape/../../attempt", EventType: EventBreakerTripped})

	lines := waitForLogLines(t, dir, "___escape_______attempt", 1)
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d", len(lines))
	}
	if _, err := os.Stat(filepath.Join(dir, "..", "escape")); !os.IsNotExist(err) {
		t.Fatal("sanitization must keep writes inside the audit dir")
	}
}

func TestCloseDrainsQueue(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	logger, err := NewLogger(Config{Enabled: true, Dir: dir, QueueSize: 64}, slog.Default())
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}

	for i := 0; i < 20; i++ {
		logger.Log(Event{SessionID: "sess-drain", EventType: EventGuidanceIssued})
	}
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	data, err := os.ReadFile(filepath.Join(dir, "sess-drain", "events.ndjson"))
	if err != nil {
		t.Fatalf("reading drained log failed: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 20 {
		t.Fatalf("expected 20 drained events, got %d", len(lines))
	}
}

func TestDisabledLoggerIsNoop(t *testing.T) {
	t.Parallel()
	logger, err := NewLogger(Config{Enabled: false}, slog.Default())
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	if _, ok := logger.(Noop); !ok {
		t.Fatalf("disabled config must yield Noop, got %T", logger)
	}
	logger.Log(Event{SessionID: "x"})
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
}
