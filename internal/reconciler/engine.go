// Package reconciler implements the asymmetric empathy check: it grades a
// guesser's empathy attempt against what the subject actually expressed,
// caches the verdict once per direction, and mediates the consented-sharing
// flow for significant gaps. Raw analysis never crosses between participants;
// only abstract hints and content the subject accepted do.
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

const (
	persistRetries    = 3
	persistRetryDelay = 100 * time.Millisecond
)

// Store is the persistence surface the engine needs.
type Store interface {
	NegotiatorStore
	BreakerStore

	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
	CreateReconcilerResult(ctx context.Context, result *domain.ReconcilerResult) error
	GetReconcilerResult(ctx context.Context, sessionID, guesserID, subjectID string) (*domain.ReconcilerResult, error)
}

// Outcome is what one reconcile pass produced for a direction.
type Outcome struct {
	Result   *domain.ReconcilerResult
	Attempt  *domain.EmpathyAttempt
	Offer    *domain.ReconcilerShareOffer
	Cached   bool
	Degraded bool
}

// Engine runs gap analysis for one direction at a time and applies the
// resulting decision to the attempt lifecycle.
type Engine struct {
	store      Store
	ledger     *empathy.Ledger
	tracker    *stage.Tracker
	witness    *witness.Provider
	negotiator *Negotiator
	breaker    *Breaker
	analyzer   analysis.GapAnalyzer
	notifier   notify.Notifier
	audit      audit.Logger
	logger     *slog.Logger
	now        func() time.Time
	sleep      func(time.Duration)
}

func NewEngine(store Store, ledger *empathy.Ledger, tracker *stage.Tracker, witnessProvider *witness.Provider, negotiator *Negotiator, breaker *Breaker, analyzer analysis.GapAnalyzer, notifier notify.Notifier, auditLog audit.Logger, logger *slog.Logger) *Engine {
	return &Engine{
		store:      store,
		ledger:     ledger,
		tracker:    tracker,
		witness:    witnessProvider,
		negotiator: negotiator,
		breaker:    breaker,
		analyzer:   analyzer,
		notifier:   notifier,
		audit:      auditLog,
		logger:     logger,
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

// Reconcile runs the empathy check for guesser -> counterpart. The verdict is
// computed at most once per direction: repeat calls return the cached result
// without touching the analyzer. Analysis failure degrades to a conservative
// verdict that reveals the attempt and never escalates to sharing.
func (e *Engine) Reconcile(ctx context.Context, sessionID, guesserID string) (*Outcome, error) {
	session, subjectID, err := e.resolveDirection(ctx, sessionID, guesserID)
	if err != nil {
		return nil, err
	}

	cached, err := e.store.GetReconcilerResult(ctx, sessionID, guesserID, subjectID)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		return e.outcome(ctx, cached, true, false)
	}

	attempt, err := e.store.GetEmpathyAttempt(ctx, sessionID, guesserID)
	if err != nil {
		return nil, err
	}
	if attempt == nil {
		return nil, fmt.Errorf("no empathy attempt for direction: %w", domain.ErrPreconditionNotMet)
	}
	if attempt.Status != domain.AttemptHeld {
		return nil, fmt.Errorf("attempt is %s, expected held: %w", attempt.Status, domain.ErrPreconditionNotMet)
	}

	account, err := e.witness.Account(ctx, sessionID, subjectID)
	if err != nil {
		return nil, err
	}
	if account.Content == "" {
		return nil, fmt.Errorf("counterpart has not expressed their experience yet: %w", domain.ErrPreconditionNotMet)
	}

	direction := domain.DirectionKey(guesserID, subjectID)
	e.audit.Log(audit.Event{
		SessionID: sessionID,
		UserID:    guesserID,
		EventType: audit.EventReconcileStarted,
		Direction: direction,
	})

	ga, err := e.analyzer.AnalyzeGap(ctx, attempt.Content, account.Content, account.Themes)
	if err != nil {
		e.logger.Warn("gap analysis failed, using conservative default", "error", err, "session_id", sessionID, "direction", direction)
		e.audit.Log(audit.Event{
			SessionID: sessionID,
			UserID:    guesserID,
			EventType: audit.EventAnalysisFallback,
			Direction: direction,
			Detail:    map[string]any{"error": err.Error()},
		})
		ga = conservativeGap()
	}

	result := e.resultFromAnalysis(sessionID, guesserID, subjectID, ga)

	persisted, winner, err := e.persistResult(ctx, result)
	if err != nil {
		// Durable state is unavailable. Reveal so the conversation is not
		// stuck, report the in-memory verdict, and skip the offer flow.
		e.logger.Error("failed to persist reconciler result, degrading", "error", err, "session_id", sessionID, "direction", direction)
		e.audit.Log(audit.Event{
			SessionID: sessionID,
			UserID:    guesserID,
			EventType: audit.EventReconcileDegraded,
			Direction: direction,
			Detail:    map[string]any{"error": err.Error()},
		})
		e.revealAttempt(ctx, session, guesserID)
		out, oerr := e.outcome(ctx, result, false, true)
		if oerr != nil {
			return nil, oerr
		}
		return out, nil
	}
	if !persisted {
		// Lost the write-once race; the winner's pass owns the decision.
		return e.outcome(ctx, winner, true, false)
	}

	var offer *domain.ReconcilerShareOffer
	switch {
	case result.Severity == domain.GapSignificant || result.Recommendation == domain.RecommendOfferSharing:
		if err := e.ledger.MarkAwaitingSharing(ctx, sessionID, guesserID); err != nil {
			return nil, err
		}
		offer, err = e.negotiator.CreateOffer(ctx, result, account, ga)
		if err != nil {
			e.logger.Error("failed to create share offer, revealing instead", "error", err, "session_id", sessionID)
			e.revealAttempt(ctx, session, guesserID)
		}
	default:
		e.revealAttempt(ctx, session, guesserID)
	}

	e.audit.Log(audit.Event{
		SessionID: sessionID,
		UserID:    guesserID,
		EventType: audit.EventReconcileCompleted,
		Direction: direction,
		Detail: map[string]any{
			"alignment_score": result.AlignmentScore,
			"severity":        string(result.Severity),
			"recommendation":  string(result.Recommendation),
		},
	})

	out, err := e.outcome(ctx, result, false, false)
	if err != nil {
		return nil, err
	}
	out.Offer = offer
	return out, nil
}

// ResubmitRefined records a revised guess during refinement. Each round counts
// against the circuit breaker; once it trips the attempt reveals regardless of
// the remaining gap. Rounds below the limit get a fresh advisory read: the
// cached verdict is never recomputed, but a still-significant gap keeps the
// attempt refining and pushes abstract guidance.
func (e *Engine) ResubmitRefined(ctx context.Context, sessionID, guesserID, content string) (*domain.EmpathyAttempt, error) {
	session, subjectID, err := e.resolveDirection(ctx, sessionID, guesserID)
	if err != nil {
		return nil, err
	}

	attempt, err := e.ledger.Resubmit(ctx, sessionID, guesserID, content)
	if err != nil {
		return nil, err
	}

	direction := domain.DirectionKey(guesserID, subjectID)
	attempts, tripped, err := e.breaker.Record(ctx, sessionID, guesserID, subjectID)
	if err != nil {
		return nil, err
	}
	if tripped {
		e.audit.Log(audit.Event{
			SessionID: sessionID,
			UserID:    guesserID,
			EventType: audit.EventBreakerTripped,
			Direction: direction,
			Detail:    map[string]any{"attempts": attempts},
		})
		e.revealAttempt(ctx, session, guesserID)
		return e.store.GetEmpathyAttempt(ctx, sessionID, guesserID)
	}

	account, err := e.witness.Account(ctx, sessionID, subjectID)
	if err != nil {
		return nil, err
	}

	ga, err := e.analyzer.AnalyzeGap(ctx, content, account.Content, account.Themes)
	if err != nil {
		e.logger.Warn("advisory analysis failed, revealing refined attempt", "error", err, "session_id", sessionID, "direction", direction)
		e.revealAttempt(ctx, session, guesserID)
		return e.store.GetEmpathyAttempt(ctx, sessionID, guesserID)
	}

	if ga.GapSeverity == domain.GapSignificant {
		if err := e.issueGuidance(ctx, sessionID, guesserID, ga); err != nil {
			return nil, err
		}
		return attempt, nil
	}

	e.revealAttempt(ctx, session, guesserID)
	return e.store.GetEmpathyAttempt(ctx, sessionID, guesserID)
}

func (e *Engine) resolveDirection(ctx context.Context, sessionID, guesserID string) (*domain.Session, string, error) {
	session, err := e.store.GetSession(ctx, sessionID)
	if err != nil {
		return nil, "", err
	}
	if session == nil {
		return nil, "", fmt.Errorf("session %s: %w", sessionID, domain.ErrNotFound)
	}
	if !session.IsParticipant(guesserID) {
		return nil, "", fmt.Errorf("user %s: %w", guesserID, domain.ErrNotParticipant)
	}
	if !session.IsFull() {
		return nil, "", fmt.Errorf("session has no partner yet: %w", domain.ErrPreconditionNotMet)
	}
	return session, session.CounterpartOf(guesserID), nil
}

// persistResult writes the write-once row. A unique-constraint refusal means
// a concurrent pass won; its row is returned as the winner. Lock contention
// is retried a few times; any other failure goes straight back to the caller,
// which degrades.
func (e *Engine) persistResult(ctx context.Context, result *domain.ReconcilerResult) (bool, *domain.ReconcilerResult, error) {
	var lastErr error
	for i := 0; i < persistRetries; i++ {
		err := e.store.CreateReconcilerResult(ctx, result)
		if err == nil {
			return true, nil, nil
		}
		if shared.IsUniqueConstraintError(err) {
			winner, rerr := e.store.GetReconcilerResult(ctx, result.SessionID, result.GuesserID, result.SubjectID)
			if rerr != nil {
				return false, nil, rerr
			}
			if winner != nil {
				return false, winner, nil
			}
		}
		if !shared.IsSQLiteConflictError(err) {
			return false, nil, err
		}
		lastErr = err
		e.sleep(persistRetryDelay)
	}
	return false, nil, lastErr
}

func (e *Engine) resultFromAnalysis(sessionID, guesserID, subjectID string, ga *analysis.GapAnalysis) *domain.ReconcilerResult {
	areaHint, guidanceType := deriveHints(ga)
	return &domain.ReconcilerResult{
		ID:             uuid.NewString(),
		SessionID:      sessionID,
		GuesserID:      guesserID,
		SubjectID:      subjectID,
		AlignmentScore: ga.AlignmentScore,
		Severity:       ga.GapSeverity,
		Recommendation: ga.RecommendedAction,
		AreaHint:       areaHint,
		GuidanceType:   guidanceType,
		CreatedAt:      e.now(),
	}
}

// deriveHints maps analysis shape onto the fixed abstract vocabulary. Only
// the presence of gap categories is consulted, never their content, so the
// hints can safely surface to the guesser.
func deriveHints(ga *analysis.GapAnalysis) (string, string) {
	switch {
	case ga.GapSeverity == domain.GapNone:
		return "", "none"
	case len(ga.MissedFeelings) > 0:
		return "emotional impact", "attend_to_feelings"
	case len(ga.Misattributions) > 0:
		return "intentions", "correct_misattribution"
	default:
		return "underlying needs", "general"
	}
}

// conservativeGap is the verdict assumed when analysis is unavailable: a
// minor gap that proceeds to reveal and never escalates to sharing.
func conservativeGap() *analysis.GapAnalysis {
	return &analysis.GapAnalysis{
		AlignmentScore:    70,
		GapSeverity:       domain.GapMinor,
		RecommendedAction: domain.RecommendProceed,
		Rationale:         "analysis unavailable",
	}
}

// revealAttempt delivers the attempt to the subject. Failures are logged and
// swallowed: reveal is idempotent and a later pass can converge.
func (e *Engine) revealAttempt(ctx context.Context, session *domain.Session, guesserID string) {
	if err := e.ledger.MarkRevealed(ctx, session.ID, guesserID); err != nil {
		e.logger.Error("failed to reveal attempt", "error", err, "session_id", session.ID, "guesser_id", guesserID)
		return
	}
	attempt, err := e.store.GetEmpathyAttempt(ctx, session.ID, guesserID)
	if err != nil || attempt == nil {
		e.logger.Warn("failed to load revealed attempt", "error", err, "session_id", session.ID)
		return
	}

	subjectID := session.CounterpartOf(guesserID)
	e.notifier.Publish(notify.Event{
		Type:      notify.EventEmpathyRevealed,
		SessionID: session.ID,
		UserID:    subjectID,
		Payload:   map[string]any{"content": attempt.Content, "source_user_id": guesserID},
	})
	e.notifier.Publish(notify.Event{
		Type:      notify.EventEmpathyRevealed,
		SessionID: session.ID,
		UserID:    guesserID,
		Payload:   map[string]any{"status": "revealed"},
	})
}

var guidanceTexts = map[string]string{
	"attend_to_feelings":     "Your guess is close in places, but there may be more to how this felt for them. Consider the emotional impact and try again.",
	"correct_misattribution": "Part of your guess may not match what they expressed. Consider whether the intentions you described are theirs, and try again.",
	"general":                "There may be more beneath the surface than your guess reaches. Consider what they might need, and try again.",
}

// issueGuidance pushes abstract refinement guidance to the guesser. The text
// comes from a fixed vocabulary and never quotes the subject.
func (e *Engine) issueGuidance(ctx context.Context, sessionID, guesserID string, ga *analysis.GapAnalysis) error {
	_, guidanceType := deriveHints(ga)
	text, ok := guidanceTexts[guidanceType]
	if !ok {
		text = guidanceTexts["general"]
	}

	msg := &domain.Message{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		UserID:    guesserID,
		Role:      domain.RoleAssistant,
		Stage:     domain.StageEmpathy,
		Kind:      domain.KindGuidance,
		Content:   text,
		CreatedAt: e.now(),
	}
	if err := e.store.AppendMessage(ctx, msg); err != nil {
		return err
	}

	if err := e.tracker.SatisfyGate(ctx, sessionID, guesserID, domain.StageEmpathy, domain.GateGuidanceSent, guidanceType); err != nil {
		e.logger.Warn("failed to record guidance gate", "error", err, "session_id", sessionID)
	}

	e.notifier.Publish(notify.Event{
		Type:      notify.EventGuidance,
		SessionID: sessionID,
		UserID:    guesserID,
		Payload:   map[string]any{"guidance": text},
	})
	e.audit.Log(audit.Event{
		SessionID: sessionID,
		UserID:    guesserID,
		EventType: audit.EventGuidanceIssued,
		Detail:    map[string]any{"guidance_type": guidanceType},
	})
	return nil
}

// outcome assembles the caller-visible view for a direction.
func (e *Engine) outcome(ctx context.Context, result *domain.ReconcilerResult, cached, degraded bool) (*Outcome, error) {
	attempt, err := e.store.GetEmpathyAttempt(ctx, result.SessionID, result.GuesserID)
	if err != nil {
		return nil, err
	}
	var offer *domain.ReconcilerShareOffer
	if !degraded {
		offer, err = e.store.GetShareOfferByResult(ctx, result.ID)
		if err != nil {
			return nil, err
		}
	}
	return &Outcome{
		Result:   result,
		Attempt:  attempt,
		Offer:    offer,
		Cached:   cached,
		Degraded: degraded,
	}, nil
}
