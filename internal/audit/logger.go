// Package audit appends reconciliation events to per-session NDJSON files.
// Logging is fire-and-forget through a bounded queue so a slow disk never
// backs up the reconcile path.
package audit

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event is one audit record. Detail carries event-specific fields; content
// that the counterpart never consented to share must not appear here.
type Event struct {
	Timestamp string         `json:"timestamp"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"user_id"`
	EventType string         `json:"event_type"`
	Direction string         `json:"direction,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Audit event types.
const (
	EventReconcileStarted   = "reconcile_started"
	EventReconcileCompleted = "reconcile_completed"
	EventReconcileDegraded  = "reconcile_degraded"
	EventAnalysisFallback   = "analysis_fallback"
	EventOfferCreated       = "offer_created"
	EventOfferResolved      = "offer_resolved"
	EventOfferExpired       = "offer_expired"
	EventBreakerTripped     = "breaker_tripped"
	EventGuidanceIssued     = "guidance_issued"
)

// Logger records audit events. Implementations must not block the caller.
type Logger interface {
	Log(event Event)
	Close() error
}

// Noop discards events.
type Noop struct{}

func (Noop) Log(Event)    {}
func (Noop) Close() error { return nil }

// Config controls the file logger.
type Config struct {
	Enabled   bool
	Dir       string
	QueueSize int
}

// FileLogger writes events as NDJSON, one file per (session) under a
// per-session directory.
type FileLogger struct {
	dir       string
	logger    *slog.Logger
	queue     chan Event
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// NewLogger creates the file logger, or a Noop when disabled.
func NewLogger(cfg Config, logger *slog.Logger) (Logger, error) {
	if !cfg.Enabled {
		return Noop{}, nil
	}
	if cfg.Dir == "" {
		return nil, fmt.Errorf("audit log dir is required when audit logging is enabled")
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit log dir: %w", err)
	}
	queueSize := cfg.QueueSize
	if queueSize <= 0 {
		queueSize = 256
	}

	fl := &FileLogger{
		dir:    cfg.Dir,
		logger: logger,
		queue:  make(chan Event, queueSize),
		done:   make(chan struct{}),
	}
	fl.wg.Add(1)
	go fl.writeLoop()
	return fl, nil
}

// Log enqueues the event. Events are dropped when the queue is full.
func (l *FileLogger) Log(event Event) {
	if event.Timestamp == "" {
		event.Timestamp = time.Now().UTC().Format(time.RFC3339Nano)
	}
	select {
	case l.queue <- event:
	default:
		l.logger.Warn("audit queue full, dropping event", "event_type", event.EventType, "session_id", event.SessionID)
	}
}

// Close drains the queue and stops the writer.
func (l *FileLogger) Close() error {
	l.closeOnce.Do(func() { close(l.done) })
	l.wg.Wait()
	return nil
}

func (l *FileLogger) writeLoop() {
	defer l.wg.Done()
	for {
		select {
		case event := <-l.queue:
			l.write(event)
		case <-l.done:
			for {
				select {
				case event := <-l.queue:
					l.write(event)
				default:
					return
				}
			}
		}
	}
}

func (l *FileLogger) write(event Event) {
	dir := filepath.Join(l.dir, sanitize(event.SessionID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		l.logger.Warn("failed to create audit session dir", "error", err, "session_id", event.SessionID)
		return
	}
	path := filepath.Join(dir, "events.ndjson")

	data, err := json.Marshal(event)
	if err != nil {
		l.logger.Warn("failed to marshal audit event", "error", err)
		return
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		l.logger.Warn("failed to open audit log file", "error", err, "path", path)
		return
	}
	defer func() {
		if closeErr := f.Close(); closeErr != nil {
			l.logger.Debug("failed to close audit log file", "error", closeErr, "path", path)
		}
	}()

	if _, err := f.Write(append(data, '\n')); err != nil {
		l.logger.Warn("failed to write audit event", "error", err, "path", path)
	}
}

// sanitize keeps session IDs filesystem-safe.
func sanitize(s string) string {
	if s == "" {
		return "unknown"
	}
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
