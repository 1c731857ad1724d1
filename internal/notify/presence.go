package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/mendlabs/mend/internal/domain"
	"github.com/mendlabs/mend/internal/identity"
)

// PresenceStore is the persistence surface the presence socket needs.
type PresenceStore interface {
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	MarkAttemptSeen(ctx context.Context, sessionID, sourceUserID string) (bool, error)
	MarkOfferSeen(ctx context.Context, sessionID, guesserID string) (bool, error)
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error
}

// PresenceRegistry tracks which participants hold an open presence socket.
type PresenceRegistry struct {
	mu    sync.RWMutex
	conns map[string]map[*websocket.Conn]struct{}
}

func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{conns: make(map[string]map[*websocket.Conn]struct{})}
}

func (r *PresenceRegistry) register(key string, ws *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conns[key]; !ok {
		r.conns[key] = make(map[*websocket.Conn]struct{})
	}
	r.conns[key][ws] = struct{}{}
}

func (r *PresenceRegistry) unregister(key string, ws *websocket.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if set, ok := r.conns[key]; ok {
		delete(set, ws)
		if len(set) == 0 {
			delete(r.conns, key)
		}
	}
}

// Online reports whether the participant has at least one open socket in the
// session.
func (r *PresenceRegistry) Online(userID, sessionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns[recipientKey(userID, sessionID)]) > 0
}

// presenceMessage is the client-to-server frame. Seen acknowledgments move a
// delivered reveal or share to seen.
type presenceMessage struct {
	Type string `json:"type"`
	Kind string `json:"kind,omitempty"`
}

// PresenceHandler upgrades participants to a websocket used for presence and
// delivery acknowledgments.
type PresenceHandler struct {
	store         PresenceStore
	registry      *PresenceRegistry
	notifier      Notifier
	allowedOrigin string
	isDev         bool
}

func NewPresenceHandler(store PresenceStore, registry *PresenceRegistry, notifier Notifier, allowedOrigin string, isDev bool) *PresenceHandler {
	return &PresenceHandler{
		store:         store,
		registry:      registry,
		notifier:      notifier,
		allowedOrigin: allowedOrigin,
		isDev:         isDev,
	}
}

// ServeHTTP implements http.Handler for the websocket upgrade.
func (h *PresenceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		http.Error(w, "session_id is required", http.StatusBadRequest)
		return
	}

	if !h.checkOrigin(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	session, err := h.store.GetSession(r.Context(), sessionID)
	if err != nil || session == nil {
		http.Error(w, "session not found", http.StatusNotFound)
		return
	}
	if !session.IsParticipant(userID) {
		http.Error(w, "not a participant", http.StatusForbidden)
		return
	}

	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		slog.Error("Failed to accept presence websocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "presence ended"); closeErr != nil {
			slog.Debug("Failed to close presence websocket", "error", closeErr, "user_id", userID)
		}
	}()

	key := recipientKey(userID, sessionID)
	h.registry.register(key, ws)
	defer h.registry.unregister(key, ws)

	slog.Info("Presence connected", "user_id", userID, "session_id", sessionID)
	h.readLoop(r.Context(), ws, session, userID)
	slog.Info("Presence disconnected", "user_id", userID, "session_id", sessionID)
}

func (h *PresenceHandler) checkOrigin(r *http.Request) bool {
	if h.isDev {
		return true
	}
	origin := r.Header.Get("Origin")
	if origin == "" || h.allowedOrigin == "*" {
		return true
	}
	if origin == h.allowedOrigin {
		return true
	}
	slog.Warn("Presence origin rejected", "origin", origin, "allowed", h.allowedOrigin)
	return false
}

func (h *PresenceHandler) readLoop(ctx context.Context, ws *websocket.Conn, session *domain.Session, userID string) {
	for {
		_, message, err := ws.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) != -1 {
				slog.Debug("Presence websocket closed by client", "user_id", userID)
			} else {
				slog.Warn("Presence websocket read error", "error", err, "user_id", userID)
			}
			return
		}

		var msg presenceMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			continue
		}

		switch msg.Type {
		case "ping":
			if err := h.writeJSON(ws, map[string]string{"type": "pong"}); err != nil {
				slog.Debug("Failed to send pong", "error", err)
			}
		case "seen":
			h.handleSeen(ctx, session, userID, msg.Kind)
		}

		go func() {
			updateCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := h.store.UpdateLastSeen(updateCtx, userID, time.Now()); err != nil {
				slog.Warn("Failed to update last seen", "error", err)
			}
		}()
	}
}

// handleSeen acknowledges a delivered reveal or share. The acknowledging user
// is always the recipient: a revealed attempt's recipient is the counterpart
// of its source, a delivered share's recipient is the guesser.
func (h *PresenceHandler) handleSeen(ctx context.Context, session *domain.Session, userID, kind string) {
	counterpart := session.CounterpartOf(userID)
	if counterpart == "" {
		return
	}

	switch kind {
	case "attempt":
		applied, err := h.store.MarkAttemptSeen(ctx, session.ID, counterpart)
		if err != nil {
			slog.Warn("Failed to mark attempt seen", "error", err, "session_id", session.ID)
			return
		}
		if applied {
			h.notifier.Publish(Event{
				Type:      EventAttemptSeen,
				SessionID: session.ID,
				UserID:    counterpart,
			})
		}
	case "share":
		applied, err := h.store.MarkOfferSeen(ctx, session.ID, userID)
		if err != nil {
			slog.Warn("Failed to mark share seen", "error", err, "session_id", session.ID)
			return
		}
		if applied {
			h.notifier.Publish(Event{
				Type:      EventShareSeen,
				SessionID: session.ID,
				UserID:    counterpart,
			})
		}
	}
}

func (h *PresenceHandler) writeJSON(ws *websocket.Conn, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return ws.Write(context.Background(), websocket.MessageText, data)
}
