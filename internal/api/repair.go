package api

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mendlabs/mend/internal/domain"
	"github.com/mendlabs/mend/internal/notify"
)

type submitEmpathyRequest struct {
	Content string `json:"content"`
}

// handleSubmitEmpathy records the caller's empathy guess. The guess stays
// held, invisible to the counterpart, until a reconcile pass reveals it.
func (h *Handler) handleSubmitEmpathy(w http.ResponseWriter, r *http.Request) {
	session, userID, ok := h.requireParticipant(w, r)
	if !ok {
		return
	}
	if !h.allowMutation(w, userID) {
		return
	}

	var req submitEmpathyRequest
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
	if progress.Stage != domain.StageEmpathy {
		Error(w, http.StatusUnprocessableEntity, "empathy submissions are only accepted during the empathy stage")
		return
	}

	attempt, err := h.ledger.Submit(r.Context(), session.ID, userID, content)
	if err != nil {
		h.DomainError(w, err)
		return
	}

	// Submitting the guess is what finishes the empathy stage; there is no
	// separate advance call for it. A concurrent duplicate loses the guarded
	// completion and is ignored.
	next, err := h.tracker.Advance(r.Context(), session.ID, userID, domain.StageEmpathy)
	if err != nil && !errors.Is(err, domain.ErrInvalidTransition) {
		h.DomainError(w, err)
		return
	}
	if err == nil {
		if counterpart := session.CounterpartOf(userID); counterpart != "" {
			h.hub.Publish(notify.Event{
				Type:      notify.EventStageAdvanced,
				SessionID: session.ID,
				UserID:    counterpart,
				Payload:   map[string]any{"stage": next.Stage.String()},
			})
		}
	}

	h.maybeReconcile(session, userID)
	JSON(w, http.StatusCreated, attempt)
}

// handleResubmitEmpathy records a revised guess during refinement.
func (h *Handler) handleResubmitEmpathy(w http.ResponseWriter, r *http.Request) {
	session, userID, ok := h.requireParticipant(w, r)
	if !ok {
		return
	}
	if !h.allowMutation(w, userID) {
		return
	}

	var req submitEmpathyRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	content := strings.TrimSpace(req.Content)
	if content == "" {
		Error(w, http.StatusBadRequest, "content is required")
		return
	}

	attempt, err := h.engine.ResubmitRefined(r.Context(), session.ID, userID, content)
	if err != nil {
		h.DomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, attempt)
}

type partnerAttemptView struct {
	Content    string     `json:"content"`
	RevealedAt *time.Time `json:"revealed_at,omitempty"`
	Seen       bool       `json:"seen"`
}

type empathyView struct {
	Mine       *domain.EmpathyAttempt `json:"mine,omitempty"`
	Partner    *partnerAttemptView    `json:"partner,omitempty"`
	Refinement *refinementView        `json:"refinement,omitempty"`
}

// refinementView reports how many refined guesses the caller has submitted in
// this direction and whether further guidance is exhausted.
type refinementView struct {
	Attempts  int `json:"attempts"`
	Remaining int `json:"remaining"`
}

// handleGetEmpathy returns the caller's own attempt in full, and the
// counterpart's only once revealed. Held, awaiting, and refining counterpart
// attempts are indistinguishable from no attempt at all.
func (h *Handler) handleGetEmpathy(w http.ResponseWriter, r *http.Request) {
	session, userID, ok := h.requireParticipant(w, r)
	if !ok {
		return
	}

	view := empathyView{}
	mine, err := h.ledger.Get(r.Context(), session.ID, userID)
	if err != nil {
		h.DomainError(w, err)
		return
	}
	view.Mine = mine

	counterpart := session.CounterpartOf(userID)
	if mine != nil && counterpart != "" {
		attempts, exhausted, err := h.breaker.Check(r.Context(), session.ID, userID, counterpart)
		if err != nil {
			h.DomainError(w, err)
			return
		}
		remaining := domain.RefinementAttemptLimit - attempts
		if exhausted || remaining < 0 {
			remaining = 0
		}
		view.Refinement = &refinementView{Attempts: attempts, Remaining: remaining}
	}

	if counterpart != "" {
		theirs, err := h.ledger.Get(r.Context(), session.ID, counterpart)
		if err != nil {
			h.DomainError(w, err)
			return
		}
		if theirs != nil && theirs.Status == domain.AttemptRevealed {
			view.Partner = &partnerAttemptView{
				Content:    theirs.Content,
				RevealedAt: theirs.RevealedAt,
				Seen:       theirs.DeliveryStatus == domain.DeliverySeen,
			}
		}
	}

	JSON(w, http.StatusOK, view)
}

type feltHeardRequest struct {
	Note string `json:"note,omitempty"`
}

// handleFeltHeard records the caller's confirmation that they felt heard
// during witnessing. This is the reconciler's trigger for the counterpart's
// held attempt.
func (h *Handler) handleFeltHeard(w http.ResponseWriter, r *http.Request) {
	session, userID, ok := h.requireParticipant(w, r)
	if !ok {
		return
	}
	if !h.allowMutation(w, userID) {
		return
	}

	var req feltHeardRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	if err := h.tracker.SatisfyGate(r.Context(), session.ID, userID, domain.StageWitnessing, domain.GateFeltHeard, req.Note); err != nil {
		h.DomainError(w, err)
		return
	}

	if counterpart := session.CounterpartOf(userID); counterpart != "" {
		h.maybeReconcile(session, counterpart)
	}
	JSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}

// handleGetOffer returns the caller's open share offer, if any. Offers are
// only ever visible to their subject.
func (h *Handler) handleGetOffer(w http.ResponseWriter, r *http.Request) {
	session, userID, ok := h.requireParticipant(w, r)
	if !ok {
		return
	}

	offer, err := h.repo.GetOpenShareOffer(r.Context(), session.ID, userID)
	if err != nil {
		h.DomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]interface{}{"offer": offer})
}

type respondOfferRequest struct {
	Action         string `json:"action"`
	RefinedContent string `json:"refined_content,omitempty"`
}

func (h *Handler) handleRespondOffer(w http.ResponseWriter, r *http.Request) {
	session, userID, ok := h.requireParticipant(w, r)
	if !ok {
		return
	}
	if !h.allowMutation(w, userID) {
		return
	}

	var req respondOfferRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	offerID := chi.URLParam(r, "offerID")
	offer, err := h.negotiator.Respond(r.Context(), session.ID, userID, offerID, req.Action, strings.TrimSpace(req.RefinedContent))
	if err != nil {
		h.DomainError(w, err)
		return
	}
	JSON(w, http.StatusOK, offer)
}

type markSeenRequest struct {
	Kind string `json:"kind"`
}

// handleMarkSeen is the REST fallback for delivery acknowledgments when no
// presence socket is open.
func (h *Handler) handleMarkSeen(w http.ResponseWriter, r *http.Request) {
	session, userID, ok := h.requireParticipant(w, r)
	if !ok {
		return
	}

	var req markSeenRequest
	if !h.decodeBody(w, r, &req) {
		return
	}

	counterpart := session.CounterpartOf(userID)
	if counterpart == "" {
		Error(w, http.StatusUnprocessableEntity, "session has no partner yet")
		return
	}

	switch req.Kind {
	case "attempt":
		applied, err := h.repo.MarkAttemptSeen(r.Context(), session.ID, counterpart)
		if err != nil {
			h.DomainError(w, err)
			return
		}
		if applied {
			h.hub.Publish(notify.Event{
				Type:      notify.EventAttemptSeen,
				SessionID: session.ID,
				UserID:    counterpart,
			})
		}
	case "share":
		applied, err := h.repo.MarkOfferSeen(r.Context(), session.ID, userID)
		if err != nil {
			h.DomainError(w, err)
			return
		}
		if applied {
			h.hub.Publish(notify.Event{
				Type:      notify.EventShareSeen,
				SessionID: session.ID,
				UserID:    counterpart,
			})
		}
	default:
		Error(w, http.StatusBadRequest, "kind must be attempt or share")
		return
	}

	JSON(w, http.StatusOK, map[string]string{"status": "recorded"})
}
