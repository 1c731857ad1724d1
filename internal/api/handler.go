// Package api provides HTTP handlers for the Mend API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mendlabs/mend/internal/config"
	"github.com/mendlabs/mend/internal/domain"
	"github.com/mendlabs/mend/internal/empathy"
	"github.com/mendlabs/mend/internal/identity"
	"github.com/mendlabs/mend/internal/notify"
	"github.com/mendlabs/mend/internal/reconciler"
	"github.com/mendlabs/mend/internal/stage"
	"github.com/mendlabs/mend/internal/store"
	"github.com/mendlabs/mend/internal/witness"
)

// reconcileTimeout bounds one background reconcile pass, analysis included.
const reconcileTimeout = 90 * time.Second

// Handler wires the HTTP surface to the repair-session core.
type Handler struct {
	repo        store.Repository
	tracker     *stage.Tracker
	ledger      *empathy.Ledger
	engine      *reconciler.Engine
	negotiator  *reconciler.Negotiator
	breaker     *reconciler.Breaker
	witness     *witness.Provider
	hub         *notify.Hub
	registry    *notify.PresenceRegistry
	rateLimiter *RateLimiter
	cfg         *config.Config
	logger      *slog.Logger
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(repo store.Repository, tracker *stage.Tracker, ledger *empathy.Ledger, engine *reconciler.Engine, negotiator *reconciler.Negotiator, breaker *reconciler.Breaker, witnessProvider *witness.Provider, hub *notify.Hub, registry *notify.PresenceRegistry, cfg *config.Config, logger *slog.Logger) *Handler {
	return &Handler{
		repo:        repo,
		tracker:     tracker,
		ledger:      ledger,
		engine:      engine,
		negotiator:  negotiator,
		breaker:     breaker,
		witness:     witnessProvider,
		hub:         hub,
		registry:    registry,
		rateLimiter: NewRateLimiter(cfg.RateLimit.RequestsPerWindow, cfg.RateLimit.WindowDuration),
		cfg:         cfg,
		logger:      logger,
	}
}

// RegisterRoutes registers all API routes (requires identity middleware).
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/me", h.handleGetMe)
	r.Get("/api/events", h.handleEvents)

	r.Route("/api/sessions", func(r chi.Router) {
		r.Post("/", h.handleCreateSession)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.handleGetSession)
			r.Post("/join", h.handleJoinSession)
			r.Get("/messages", h.handleListMessages)
			r.Post("/messages", h.handlePostMessage)
			r.Get("/stage", h.handleGetStage)
			r.Post("/stage/advance", h.handleAdvanceStage)
			r.Post("/stage/felt-heard", h.handleFeltHeard)
			r.Get("/empathy", h.handleGetEmpathy)
			r.Post("/empathy", h.handleSubmitEmpathy)
			r.Put("/empathy", h.handleResubmitEmpathy)
			r.Get("/offer", h.handleGetOffer)
			r.Post("/offers/{offerID}/respond", h.handleRespondOffer)
			r.Post("/seen", h.handleMarkSeen)
		})
	})
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// DomainError maps domain sentinels onto HTTP statuses and writes the
// response.
func (h *Handler) DomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		Error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrNotParticipant):
		Error(w, http.StatusForbidden, err.Error())
	case errors.Is(err, domain.ErrPreconditionNotMet):
		Error(w, http.StatusUnprocessableEntity, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrTerminalStateViolation),
		errors.Is(err, domain.ErrOfferResolved),
		errors.Is(err, domain.ErrSessionFull),
		errors.Is(err, domain.ErrStageNotOwned):
		Error(w, http.StatusConflict, err.Error())
	default:
		h.logger.Error("request failed", "error", err)
		Error(w, http.StatusInternalServerError, "internal error")
	}
}

// requireParticipant loads the session and verifies the caller belongs to it.
func (h *Handler) requireParticipant(w http.ResponseWriter, r *http.Request) (*domain.Session, string, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		Error(w, http.StatusUnauthorized, "unauthorized")
		return nil, "", false
	}

	sessionID := chi.URLParam(r, "sessionID")
	session, err := h.repo.GetSession(r.Context(), sessionID)
	if err != nil {
		h.DomainError(w, err)
		return nil, "", false
	}
	if session == nil {
		Error(w, http.StatusNotFound, "session not found")
		return nil, "", false
	}
	if !session.IsParticipant(userID) {
		Error(w, http.StatusForbidden, "not a participant")
		return nil, "", false
	}
	return session, userID, true
}

// allowMutation applies the per-user rate limit to state-changing routes.
func (h *Handler) allowMutation(w http.ResponseWriter, userID string) bool {
	if !h.rateLimiter.Allow(userID) {
		Error(w, http.StatusTooManyRequests, "rate limit exceeded")
		return false
	}
	return true
}

func (h *Handler) decodeBody(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.cfg.SSE.MaxRequestBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// maybeReconcile spawns a reconcile pass for guesser -> counterpart when its
// preconditions hold: a held attempt exists and the counterpart confirmed
// feeling heard. The pass runs off the request path; callers never wait on
// analysis.
func (h *Handler) maybeReconcile(session *domain.Session, guesserID string) {
	subjectID := session.CounterpartOf(guesserID)
	if subjectID == "" {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), reconcileTimeout)
	attempt, err := h.repo.GetEmpathyAttempt(ctx, session.ID, guesserID)
	if err != nil || attempt == nil || attempt.Status != domain.AttemptHeld {
		cancel()
		return
	}
	heard, err := h.tracker.GateSatisfied(ctx, session.ID, subjectID, domain.StageWitnessing, domain.GateFeltHeard)
	if err != nil || !heard {
		cancel()
		return
	}

	go func() {
		defer cancel()
		if _, err := h.engine.Reconcile(ctx, session.ID, guesserID); err != nil {
			h.logger.Warn("background reconcile pass failed", "error", err, "session_id", session.ID, "guesser_id", guesserID)
		}
	}()
}
