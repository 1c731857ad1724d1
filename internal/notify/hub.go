// Package notify pushes reconciliation and stage events to connected
// participants over SSE, with bounded per-recipient replay for reconnects.
package notify

import (
	"container/list"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"
)

// Event is one notification addressed to a single participant of a session.
// Payloads carry only what the recipient is allowed to see.
type Event struct {
	Type      string         `json:"type"`
	SessionID string         `json:"session_id"`
	UserID    string         `json:"-"`
	Payload   map[string]any `json:"payload,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Event types pushed by the reconciliation flow.
const (
	EventPartnerJoined   = "partner_joined"
	EventStageAdvanced   = "stage_advanced"
	EventEmpathyRevealed = "empathy_revealed"
	EventShareOffer      = "share_offer"
	EventShareDelivered  = "share_delivered"
	EventGuidance        = "guidance"
	EventAttemptSeen     = "attempt_seen"
	EventShareSeen       = "share_seen"
)

// Notifier delivers events to participants. Publish never blocks the caller.
type Notifier interface {
	Publish(event Event)
}

// Noop discards every event.
type Noop struct{}

func (Noop) Publish(Event) {}

// HubConfig tunes the SSE hub.
type HubConfig struct {
	QueueSize         int
	RetryDelay        time.Duration
	KeepaliveInterval time.Duration
}

// connection is a single SSE client connection.
type connection struct {
	id      int64
	writer  http.ResponseWriter
	flusher http.Flusher
	done    chan struct{}
	mu      sync.Mutex
}

// replayQueue buffers events per recipient so a reconnecting client can catch
// up via Last-Event-ID. Each recipient gets its own bounded list so one
// participant's burst cannot evict another's events.
type replayQueue struct {
	mu      sync.RWMutex
	queues  map[string]*list.List
	maxSize int
}

type queuedEvent struct {
	eventID int64
	event   Event
}

func newReplayQueue(maxSize int) *replayQueue {
	if maxSize <= 0 {
		maxSize = 100
	}
	return &replayQueue{
		queues:  make(map[string]*list.List),
		maxSize: maxSize,
	}
}

func (q *replayQueue) enqueue(key string, eventID int64, event Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	l, ok := q.queues[key]
	if !ok {
		l = list.New()
		q.queues[key] = l
	}
	l.PushBack(&queuedEvent{eventID: eventID, event: event})
	for l.Len() > q.maxSize {
		l.Remove(l.Front())
	}
}

func (q *replayQueue) missed(key string, afterEventID int64) []*queuedEvent {
	q.mu.RLock()
	defer q.mu.RUnlock()

	l, ok := q.queues[key]
	if !ok {
		return nil
	}
	var out []*queuedEvent
	for e := l.Front(); e != nil; e = e.Next() {
		qe := e.Value.(*queuedEvent)
		if qe.eventID > afterEventID {
			out = append(out, qe)
		}
	}
	return out
}

func (q *replayQueue) prune(key string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.queues, key)
}

// Hub fans events out to the recipient's open SSE connections and queues them
// for replay.
type Hub struct {
	cfg           HubConfig
	logger        *slog.Logger
	events        chan Event
	connections   map[string]map[int64]*connection
	replay        *replayQueue
	connectionsMu sync.RWMutex
	counterMu     sync.Mutex
	eventCounter  int64
	connectionID  int64
	done          chan struct{}
	closeOnce     sync.Once
}

func recipientKey(userID, sessionID string) string {
	return userID + ":" + sessionID
}

// NewHub creates the hub and starts its broadcast loop.
func NewHub(cfg HubConfig, logger *slog.Logger) *Hub {
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Second
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = 10 * time.Second
	}
	h := &Hub{
		cfg:         cfg,
		logger:      logger,
		events:      make(chan Event, 256),
		connections: make(map[string]map[int64]*connection),
		replay:      newReplayQueue(cfg.QueueSize),
		done:        make(chan struct{}),
	}
	go h.broadcastLoop()
	return h
}

// Publish enqueues the event for delivery. Events are dropped when the hub is
// saturated rather than blocking the reconcile path.
func (h *Hub) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	select {
	case h.events <- event:
	default:
		h.logger.Warn("notify hub saturated, dropping event", "type", event.Type, "session_id", event.SessionID)
	}
}

// Close stops the broadcast loop.
func (h *Hub) Close() {
	h.closeOnce.Do(func() { close(h.done) })
}

func (h *Hub) broadcastLoop() {
	for {
		select {
		case <-h.done:
			return
		case event := <-h.events:
			h.dispatch(event)
		}
	}
}

func (h *Hub) dispatch(event Event) {
	key := recipientKey(event.UserID, event.SessionID)

	h.counterMu.Lock()
	h.eventCounter++
	eventID := h.eventCounter
	h.counterMu.Unlock()

	h.replay.enqueue(key, eventID, event)

	h.connectionsMu.RLock()
	userConns, exists := h.connections[key]
	if !exists {
		h.connectionsMu.RUnlock()
		return
	}
	conns := make([]*connection, 0, len(userConns))
	for _, c := range userConns {
		conns = append(conns, c)
	}
	h.connectionsMu.RUnlock()

	for _, conn := range conns {
		h.sendToConnection(conn, eventID, event)
	}
}

func (h *Hub) sendToConnection(conn *connection, eventID int64, event Event) {
	conn.mu.Lock()
	defer conn.mu.Unlock()

	select {
	case <-conn.done:
		return
	default:
	}

	data, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("failed to marshal SSE event", "error", err, "conn_id", conn.id)
		return
	}
	if _, err := fmt.Fprintf(conn.writer, "id: %d\nevent: %s\ndata: %s\n\n", eventID, event.Type, data); err != nil {
		h.logger.Debug("failed to write to SSE connection", "error", err, "conn_id", conn.id)
		return
	}
	conn.flusher.Flush()
}

// HandleStream serves the recipient's event stream. Supports Last-Event-ID
// replay and periodic keepalives.
func (h *Hub) HandleStream(w http.ResponseWriter, r *http.Request, userID, sessionID string) {
	key := recipientKey(userID, sessionID)

	lastEventID := int64(0)
	idHeader := r.Header.Get("Last-Event-ID")
	if idHeader == "" {
		idHeader = r.URL.Query().Get("lastEventId")
	}
	if idHeader != "" {
		if parsed, err := strconv.ParseInt(idHeader, 10, 64); err == nil {
			lastEventID = parsed
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, `{"error": "streaming not supported"}`, http.StatusInternalServerError)
		return
	}

	if _, err := io.WriteString(w, fmt.Sprintf("retry: %d\n\n", h.cfg.RetryDelay.Milliseconds())); err != nil {
		h.logger.Debug("failed to write SSE retry header", "error", err, "user_id", userID)
		return
	}
	flusher.Flush()

	h.counterMu.Lock()
	h.connectionID++
	connID := h.connectionID
	h.counterMu.Unlock()

	conn := &connection{
		id:      connID,
		writer:  w,
		flusher: flusher,
		done:    make(chan struct{}),
	}

	h.connectionsMu.Lock()
	if _, exists := h.connections[key]; !exists {
		h.connections[key] = make(map[int64]*connection)
	}
	h.connections[key][connID] = conn
	h.connectionsMu.Unlock()

	defer func() {
		close(conn.done)
		h.connectionsMu.Lock()
		if userConns, exists := h.connections[key]; exists {
			delete(userConns, connID)
			if len(userConns) == 0 {
				delete(h.connections, key)
				h.replay.prune(key)
			}
		}
		h.connectionsMu.Unlock()
		h.logger.Info("SSE connection closed", "user_id", userID, "session_id", sessionID, "conn_id", connID)
	}()

	if lastEventID > 0 {
		for _, qe := range h.replay.missed(key, lastEventID) {
			h.sendToConnection(conn, qe.eventID, qe.event)
		}
	}

	h.counterMu.Lock()
	h.eventCounter++
	eventID := h.eventCounter
	h.counterMu.Unlock()

	connected := fmt.Sprintf(`{"status":"connected","user_id":"%s","event_id":%d}`, userID, eventID)
	if _, err := fmt.Fprintf(w, "id: %d\nevent: connected\ndata: %s\n\n", eventID, connected); err != nil {
		h.logger.Debug("failed to write SSE connected event", "error", err, "user_id", userID)
		return
	}
	flusher.Flush()

	h.logger.Info("SSE connection established", "user_id", userID, "session_id", sessionID, "conn_id", connID, "reconnect", lastEventID > 0)

	keepalive := time.NewTicker(h.cfg.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		case <-keepalive.C:
			conn.mu.Lock()
			_, err := io.WriteString(w, "event: ping\ndata: {\"status\":\"alive\"}\n\n")
			if err == nil {
				flusher.Flush()
			}
			conn.mu.Unlock()
			if err != nil {
				h.logger.Debug("failed to write SSE keepalive", "error", err, "user_id", userID)
				return
			}
		}
	}
}
