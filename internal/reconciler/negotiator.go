package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/mendlabs/mend/internal/analysis"
	"github.com/mendlabs/mend/internal/audit"
	"github.com/mendlabs/mend/internal/domain"
	"github.com/mendlabs/mend/internal/empathy"
	"github.com/mendlabs/mend/internal/notify"
	"github.com/mendlabs/mend/internal/shared"
	"github.com/mendlabs/mend/internal/stage"
	"github.com/mendlabs/mend/internal/witness"
)

// genericSuggestion is the fallback share suggestion used when the suggestion
// collaborator fails or returns nothing usable.
const genericSuggestion = "You might share a little more about what this has been like for you, in your own words."

// Respond actions accepted from the subject.
const (
	RespondAccept  = "accept"
	RespondRefine  = "refine"
	RespondDecline = "decline"
)

// NegotiatorStore is the persistence surface the negotiator needs.
type NegotiatorStore interface {
	GetUser(ctx context.Context, userID string) (*domain.User, error)
	GetEmpathyAttempt(ctx context.Context, sessionID, sourceUserID string) (*domain.EmpathyAttempt, error)
	CreateShareOffer(ctx context.Context, offer *domain.ReconcilerShareOffer) error
	GetShareOffer(ctx context.Context, offerID string) (*domain.ReconcilerShareOffer, error)
	GetShareOfferByResult(ctx context.Context, resultID string) (*domain.ReconcilerShareOffer, error)
	MarkOfferOffered(ctx context.Context, offerID string) (bool, error)
	ResolveShareOffer(ctx context.Context, offerID string, status domain.OfferStatus, refined, shared *string, at time.Time) (bool, error)
	AppendMessage(ctx context.Context, msg *domain.Message) error
}

// Negotiator runs the consent flow around a share offer. The subject keeps
// full control: only content they accepted (possibly after refining it in
// their own words) ever reaches the guesser, and a decline leaves no trace
// the guesser can observe.
type Negotiator struct {
	store     NegotiatorStore
	ledger    *empathy.Ledger
	tracker   *stage.Tracker
	suggester analysis.ShareSuggester
	notifier  notify.Notifier
	audit     audit.Logger
	logger    *slog.Logger
	now       func() time.Time
}

func NewNegotiator(store NegotiatorStore, ledger *empathy.Ledger, tracker *stage.Tracker, suggester analysis.ShareSuggester, notifier notify.Notifier, auditLog audit.Logger, logger *slog.Logger) *Negotiator {
	return &Negotiator{
		store:     store,
		ledger:    ledger,
		tracker:   tracker,
		suggester: suggester,
		notifier:  notifier,
		audit:     auditLog,
		logger:    logger,
		now:       time.Now,
	}
}

// CreateOffer drafts and surfaces a share offer to the subject. Exactly one
// offer exists per result; losing the creation race converges on the winner.
func (n *Negotiator) CreateOffer(ctx context.Context, result *domain.ReconcilerResult, account *witness.Account, ga *analysis.GapAnalysis) (*domain.ReconcilerShareOffer, error) {
	suggested := genericSuggestion
	reason := ""
	if n.suggester != nil {
		req := analysis.SuggestShareRequest{
			SubjectName:    n.displayName(ctx, result.SubjectID),
			GuesserName:    n.displayName(ctx, result.GuesserID),
			GapSummary:     result.AreaHint,
			SubjectContent: account.Content,
		}
		if ga != nil {
			req.MostImportantGap = ga.MostImportantGap
		}
		suggestion, err := n.suggester.SuggestShare(ctx, req)
		if err != nil {
			n.logger.Warn("share suggestion failed, using generic suggestion", "error", err, "session_id", result.SessionID)
		} else {
			suggested = suggestion.SuggestedContent
			reason = suggestion.Reason
		}
	}

	offer := &domain.ReconcilerShareOffer{
		ID:               uuid.NewString(),
		ResultID:         result.ID,
		SessionID:        result.SessionID,
		GuesserID:        result.GuesserID,
		SubjectID:        result.SubjectID,
		Status:           domain.OfferPending,
		SuggestedContent: suggested,
		SuggestedReason:  reason,
		CreatedAt:        n.now(),
	}
	if err := n.store.CreateShareOffer(ctx, offer); err != nil {
		if shared.IsUniqueConstraintError(err) {
			return n.store.GetShareOfferByResult(ctx, result.ID)
		}
		return nil, err
	}

	if _, err := n.store.MarkOfferOffered(ctx, offer.ID); err != nil {
		return nil, err
	}
	offer.Status = domain.OfferOffered

	n.notifier.Publish(notify.Event{
		Type:      notify.EventShareOffer,
		SessionID: result.SessionID,
		UserID:    result.SubjectID,
		Payload: map[string]any{
			"offer_id":          offer.ID,
			"area_hint":         result.AreaHint,
			"suggested_content": offer.SuggestedContent,
			"reason":            offer.SuggestedReason,
		},
	})

	if err := n.tracker.SatisfyGate(ctx, result.SessionID, result.SubjectID, domain.StageWitnessing, domain.GateCheckOffered, "share offer surfaced"); err != nil {
		n.logger.Warn("failed to record check-offered gate", "error", err, "session_id", result.SessionID)
	}

	n.audit.Log(audit.Event{
		SessionID: result.SessionID,
		UserID:    result.SubjectID,
		EventType: audit.EventOfferCreated,
		Direction: domain.DirectionKey(result.GuesserID, result.SubjectID),
		Detail: map[string]any{
			"offer_id":  offer.ID,
			"severity":  string(result.Severity),
			"area_hint": result.AreaHint,
		},
	})
	n.logger.Info("share offer created", "session_id", result.SessionID, "offer_id", offer.ID, "subject_id", result.SubjectID)
	return offer, nil
}

// Respond applies the subject's decision to an open offer. A terminal offer
// refuses further responses with domain.ErrOfferResolved.
func (n *Negotiator) Respond(ctx context.Context, sessionID, subjectID, offerID, action, refinedContent string) (*domain.ReconcilerShareOffer, error) {
	offer, err := n.store.GetShareOffer(ctx, offerID)
	if err != nil {
		return nil, err
	}
	if offer == nil {
		return nil, fmt.Errorf("offer %s: %w", offerID, domain.ErrNotFound)
	}
	if offer.SessionID != sessionID || offer.SubjectID != subjectID {
		return nil, fmt.Errorf("offer %s does not belong to caller: %w", offerID, domain.ErrNotParticipant)
	}
	if !offer.Status.Open() {
		return nil, fmt.Errorf("offer %s already %s: %w", offerID, offer.Status, domain.ErrOfferResolved)
	}

	switch action {
	case RespondDecline:
		return n.decline(ctx, offer)
	case RespondAccept, RespondRefine:
		return n.accept(ctx, offer, action, refinedContent)
	default:
		return nil, fmt.Errorf("unknown offer action %q", action)
	}
}

func (n *Negotiator) decline(ctx context.Context, offer *domain.ReconcilerShareOffer) (*domain.ReconcilerShareOffer, error) {
	applied, err := n.store.ResolveShareOffer(ctx, offer.ID, domain.OfferDeclined, nil, nil, n.now())
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("offer %s: %w", offer.ID, domain.ErrOfferResolved)
	}

	// The guesser's attempt proceeds as if no offer ever existed.
	if err := n.releaseAttempt(ctx, offer); err != nil {
		return nil, err
	}

	n.audit.Log(audit.Event{
		SessionID: offer.SessionID,
		UserID:    offer.SubjectID,
		EventType: audit.EventOfferResolved,
		Direction: domain.DirectionKey(offer.GuesserID, offer.SubjectID),
		Detail:    map[string]any{"offer_id": offer.ID, "action": "declined"},
	})
	return n.store.GetShareOffer(ctx, offer.ID)
}

func (n *Negotiator) accept(ctx context.Context, offer *domain.ReconcilerShareOffer, action, refinedContent string) (*domain.ReconcilerShareOffer, error) {
	content := offer.SuggestedContent
	var refined *string
	if action == RespondRefine && refinedContent != "" {
		content = refinedContent
		refined = &refinedContent
	}
	if content == "" {
		content = genericSuggestion
	}

	applied, err := n.store.ResolveShareOffer(ctx, offer.ID, domain.OfferAccepted, refined, &content, n.now())
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("offer %s: %w", offer.ID, domain.ErrOfferResolved)
	}

	attempt, err := n.store.GetEmpathyAttempt(ctx, offer.SessionID, offer.GuesserID)
	if err != nil {
		return nil, err
	}
	if attempt != nil && attempt.Status == domain.AttemptAwaitingSharing {
		if err := n.ledger.MarkRefining(ctx, offer.SessionID, offer.GuesserID); err != nil {
			return nil, err
		}
	}

	if err := n.deliverShare(ctx, offer, content); err != nil {
		return nil, err
	}

	n.audit.Log(audit.Event{
		SessionID: offer.SessionID,
		UserID:    offer.SubjectID,
		EventType: audit.EventOfferResolved,
		Direction: domain.DirectionKey(offer.GuesserID, offer.SubjectID),
		Detail:    map[string]any{"offer_id": offer.ID, "action": "accepted", "refined": refined != nil},
	})
	return n.store.GetShareOffer(ctx, offer.ID)
}

// deliverShare writes the consented content to both transcripts and notifies
// the guesser.
func (n *Negotiator) deliverShare(ctx context.Context, offer *domain.ReconcilerShareOffer, content string) error {
	subjectName := n.displayName(ctx, offer.SubjectID)
	now := n.now()

	delivery := &domain.Message{
		ID:        uuid.NewString(),
		SessionID: offer.SessionID,
		UserID:    offer.GuesserID,
		Role:      domain.RoleAssistant,
		Stage:     domain.StageEmpathy,
		Kind:      domain.KindShareDelivery,
		Content: fmt.Sprintf("%s chose to share something with you:\n\n%q\n\nTake a moment with this. When you feel ready, revise your empathy guess to reflect what you now understand.",
			subjectName, content),
		CreatedAt: now,
	}
	if err := n.store.AppendMessage(ctx, delivery); err != nil {
		return err
	}

	mirror := &domain.Message{
		ID:        uuid.NewString(),
		SessionID: offer.SessionID,
		UserID:    offer.SubjectID,
		Role:      domain.RoleAssistant,
		Stage:     domain.StageEmpathy,
		Kind:      domain.KindShareMirror,
		Content:   fmt.Sprintf("You shared with your partner:\n\n%q", content),
		CreatedAt: now,
	}
	if err := n.store.AppendMessage(ctx, mirror); err != nil {
		return err
	}

	n.notifier.Publish(notify.Event{
		Type:      notify.EventShareDelivered,
		SessionID: offer.SessionID,
		UserID:    offer.GuesserID,
		Payload:   map[string]any{"content": content},
	})

	if err := n.tracker.SatisfyGate(ctx, offer.SessionID, offer.GuesserID, domain.StageEmpathy, domain.GateShareDelivered, "consented context delivered"); err != nil {
		n.logger.Warn("failed to record share-delivered gate", "error", err, "session_id", offer.SessionID)
	}
	return nil
}

// releaseAttempt reveals a parked attempt after the offer resolved without
// sharing. The notification to the guesser carries no hint of the decline.
func (n *Negotiator) releaseAttempt(ctx context.Context, offer *domain.ReconcilerShareOffer) error {
	attempt, err := n.store.GetEmpathyAttempt(ctx, offer.SessionID, offer.GuesserID)
	if err != nil {
		return err
	}
	if attempt == nil || attempt.Status != domain.AttemptAwaitingSharing {
		return nil
	}
	if err := n.ledger.MarkRevealed(ctx, offer.SessionID, offer.GuesserID); err != nil {
		return err
	}

	n.notifier.Publish(notify.Event{
		Type:      notify.EventEmpathyRevealed,
		SessionID: offer.SessionID,
		UserID:    offer.SubjectID,
		Payload:   map[string]any{"content": attempt.Content, "source_user_id": offer.GuesserID},
	})
	n.notifier.Publish(notify.Event{
		Type:      notify.EventEmpathyRevealed,
		SessionID: offer.SessionID,
		UserID:    offer.GuesserID,
		Payload:   map[string]any{"status": "revealed"},
	})
	return nil
}

func (n *Negotiator) displayName(ctx context.Context, userID string) string {
	user, err := n.store.GetUser(ctx, userID)
	if err != nil || user == nil || user.Username == "" {
		return "Your partner"
	}
	return user.Username
}
