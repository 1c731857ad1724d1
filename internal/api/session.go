package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/mendlabs/mend/internal/domain"
	"github.com/mendlabs/mend/internal/identity"
	"github.com/mendlabs/mend/internal/notify"
)

func (h *Handler) handleGetMe(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	user, err := h.repo.GetUser(r.Context(), userID)
	if err != nil {
		h.DomainError(w, err)
		return
	}
	if user == nil {
		Error(w, http.StatusNotFound, "user not found")
		return
	}
	JSON(w, http.StatusOK, user)
}

type createSessionRequest struct {
	Topic string `json:"topic"`
}

func (h *Handler) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.allowMutation(w, userID) {
		return
	}

	var req createSessionRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	now := time.Now()
	session := &domain.Session{
		ID:          uuid.NewString(),
		InitiatorID: userID,
		Topic:       strings.TrimSpace(req.Topic),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.repo.CreateSession(r.Context(), session); err != nil {
		h.DomainError(w, err)
		return
	}
	if _, err := h.tracker.EnsureStarted(r.Context(), session.ID, userID); err != nil {
		h.DomainError(w, err)
		return
	}

	h.logger.Info("session created", "session_id", session.ID, "initiator_id", userID, "remote_ip", identity.IPFromRequest(r))
	JSON(w, http.StatusCreated, session)
}

func (h *Handler) handleJoinSession(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if !h.allowMutation(w, userID) {
		return
	}

	sessionID := strings.TrimSpace(chi.URLParam(r, "sessionID"))
	if err := h.repo.JoinSession(r.Context(), sessionID, userID); err != nil {
		h.DomainError(w, err)
		return
	}

	session, err := h.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		h.DomainError(w, err)
		return
	}
	if _, err := h.tracker.EnsureStarted(r.Context(), sessionID, userID); err != nil {
		h.DomainError(w, err)
		return
	}

	if counterpart := session.CounterpartOf(userID); counterpart != "" {
		h.hub.Publish(notify.Event{
			Type:      notify.EventPartnerJoined,
			SessionID: sessionID,
			UserID:    counterpart,
		})
	}

	h.logger.Info("session joined", "session_id", sessionID, "partner_id", userID, "remote_ip", identity.IPFromRequest(r))
	JSON(w, http.StatusOK, session)
}

type sessionView struct {
	Session       *domain.Session       `json:"session"`
	Stage         *domain.StageProgress `json:"stage,omitempty"`
	PartnerOnline bool                  `json:"partner_online"`
}

func (h *Handler) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, userID, ok := h.requireParticipant(w, r)
	if !ok {
		return
	}

	progress, err := h.tracker.Current(r.Context(), session.ID, userID)
	if err != nil {
		h.DomainError(w, err)
		return
	}

	partnerOnline := false
	if counterpart := session.CounterpartOf(userID); counterpart != "" {
		partnerOnline = h.registry.Online(counterpart, session.ID)
	}

	JSON(w, http.StatusOK, sessionView{
		Session:       session,
		Stage:         progress,
		PartnerOnline: partnerOnline,
	})
}

func (h *Handler) handleListMessages(w http.ResponseWriter, r *http.Request) {
	session, userID, ok := h.requireParticipant(w, r)
	if !ok {
		return
	}

	msgs, err := h.repo.ListMessages(r.Context(), session.ID, userID, 0)
	if err != nil {
		h.DomainError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*domain.Message{}
	}
	JSON(w, http.StatusOK, map[string]interface{}{"messages": msgs})
}

type postMessageRequest struct {
	Content string   `json:"content"`
	Themes  []string `json:"themes,omitempty"`
}

func (h *Handler) handlePostMessage(w http.ResponseWriter, r *http.Request) {
	session, userID, ok := h.requireParticipant(w, r)
	if !ok {
		return
	}
	if !h.allowMutation(w, userID) {
		return
	}

	var req postMessageRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		Error(w, http.StatusBadRequest, "content is required")
		return
	}

	progress, err := h.tracker.EnsureStarted(r.Context(), session.ID, userID)
	if err != nil {
		h.DomainError(w, err)
		return
	}

	msg := &domain.Message{
		ID:        uuid.NewString(),
		SessionID: session.ID,
		UserID:    userID,
		Role:      domain.RoleUser,
		Stage:     progress.Stage,
		Kind:      domain.KindChat,
		Content:   content,
		CreatedAt: time.Now(),
	}
	if err := h.repo.AppendMessage(r.Context(), msg); err != nil {
		h.DomainError(w, err)
		return
	}

	if progress.Stage == domain.StageWitnessing && len(req.Themes) > 0 {
		if err := h.witness.RecordThemes(r.Context(), session.ID, userID, req.Themes); err != nil {
			h.logger.Warn("failed to record witness themes", "error", err, "session_id", session.ID)
		}
	}

	JSON(w, http.StatusCreated, msg)
}

func (h *Handler) handleGetStage(w http.ResponseWriter, r *http.Request) {
	session, userID, ok := h.requireParticipant(w, r)
	if !ok {
		return
	}

	progress, err := h.tracker.EnsureStarted(r.Context(), session.ID, userID)
	if err != nil {
		h.DomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, progress)
}

type advanceStageRequest struct {
	Stage string `json:"stage"`
}

func (h *Handler) handleAdvanceStage(w http.ResponseWriter, r *http.Request) {
	session, userID, ok := h.requireParticipant(w, r)
	if !ok {
		return
	}
	if !h.allowMutation(w, userID) {
		return
	}

	var req advanceStageRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	stage, ok := parseStage(req.Stage)
	if !ok {
		Error(w, http.StatusBadRequest, "unknown stage")
		return
	}

	progress, err := h.tracker.Advance(r.Context(), session.ID, userID, stage)
	if err != nil {
		h.DomainError(w, err)
		return
	}

	if counterpart := session.CounterpartOf(userID); counterpart != "" {
		h.hub.Publish(notify.Event{
			Type:      notify.EventStageAdvanced,
			SessionID: session.ID,
			UserID:    counterpart,
			Payload:   map[string]any{"stage": progress.Stage.String()},
		})
	}
	JSON(w, http.StatusOK, progress)
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		Error(w, http.StatusBadRequest, "session_id is required")
		return
	}

	session, err := h.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		h.DomainError(w, err)
		return
	}
	if session == nil {
		Error(w, http.StatusNotFound, "session not found")
		return
	}
	if !session.IsParticipant(userID) {
		Error(w, http.StatusForbidden, "not a participant")
		return
	}

	h.hub.HandleStream(w, r, userID, sessionID)
}

func parseStage(name string) (domain.Stage, bool) {
	for s := domain.StageInvite; s <= domain.StageClosure; s++ {
		if s.String() == strings.ToLower(strings.TrimSpace(name)) {
			return s, true
		}
	}
	return 0, false
}
