// Package empathy owns the per-direction empathy attempt lifecycle. One
// attempt exists per (session, source user); it moves forward only:
// held -> awaiting_sharing -> refining -> revealed, or held -> revealed
// directly. Revealed is terminal.
package empathy

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mendlabs/mend/internal/domain"
)

// Store is the persistence surface the ledger needs.
type Store interface {
	GetEmpathyAttempt(ctx context.Context, sessionID, sourceUserID string) (*domain.EmpathyAttempt, error)
	UpsertEmpathyAttempt(ctx context.Context, attempt *domain.EmpathyAttempt) error
	UpdateAttemptContent(ctx context.Context, sessionID, sourceUserID, content string, require domain.AttemptStatus) (bool, error)
	TransitionAttempt(ctx context.Context, sessionID, sourceUserID string, from []domain.AttemptStatus, to domain.AttemptStatus, at time.Time) (bool, error)
	MarkAttemptSeen(ctx context.Context, sessionID, sourceUserID string) (bool, error)
}

// Ledger records empathy attempts and enforces their lifecycle.
type Ledger struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewLedger(store Store, logger *slog.Logger) *Ledger {
	return &Ledger{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// Get returns the attempt for a direction, (nil, nil) if none exists.
func (l *Ledger) Get(ctx context.Context, sessionID, sourceUserID string) (*domain.EmpathyAttempt, error) {
	return l.store.GetEmpathyAttempt(ctx, sessionID, sourceUserID)
}

// Submit records a held attempt. While the attempt is still held the source
// may overwrite it freely; once it left held, submission is closed and the
// caller must use Resubmit (refining) or stop (terminal).
func (l *Ledger) Submit(ctx context.Context, sessionID, sourceUserID, content string) (*domain.EmpathyAttempt, error) {
	existing, err := l.store.GetEmpathyAttempt(ctx, sessionID, sourceUserID)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		switch existing.Status {
		case domain.AttemptHeld:
			// fall through to overwrite
		case domain.AttemptRefining:
			return nil, fmt.Errorf("attempt is refining, resubmit instead: %w", domain.ErrPreconditionNotMet)
		case domain.AttemptAwaitingSharing:
			return nil, fmt.Errorf("attempt is awaiting counterpart sharing: %w", domain.ErrPreconditionNotMet)
		case domain.AttemptRevealed:
			return nil, fmt.Errorf("attempt already revealed: %w", domain.ErrTerminalStateViolation)
		}
	}

	now := l.now()
	attempt := &domain.EmpathyAttempt{
		SessionID:    sessionID,
		SourceUserID: sourceUserID,
		Content:      content,
		Status:       domain.AttemptHeld,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if existing != nil {
		attempt.CreatedAt = existing.CreatedAt
	}
	if err := l.store.UpsertEmpathyAttempt(ctx, attempt); err != nil {
		return nil, err
	}
	l.logger.Info("empathy attempt held", "session_id", sessionID, "source_user_id", sourceUserID)
	return attempt, nil
}

// Resubmit replaces the content of a refining attempt. Any other status
// refuses the write.
func (l *Ledger) Resubmit(ctx context.Context, sessionID, sourceUserID, content string) (*domain.EmpathyAttempt, error) {
	applied, err := l.store.UpdateAttemptContent(ctx, sessionID, sourceUserID, content, domain.AttemptRefining)
	if err != nil {
		return nil, err
	}
	if !applied {
		existing, err := l.store.GetEmpathyAttempt(ctx, sessionID, sourceUserID)
		if err != nil {
			return nil, err
		}
		if existing == nil {
			return nil, fmt.Errorf("no attempt to resubmit: %w", domain.ErrNotFound)
		}
		if existing.Status == domain.AttemptRevealed {
			return nil, fmt.Errorf("attempt already revealed: %w", domain.ErrTerminalStateViolation)
		}
		return nil, fmt.Errorf("attempt is %s, not refining: %w", existing.Status, domain.ErrPreconditionNotMet)
	}
	return l.store.GetEmpathyAttempt(ctx, sessionID, sourceUserID)
}

// MarkAwaitingSharing parks a held attempt until the counterpart resolves a
// share offer. Already-awaiting converges silently; a revealed attempt is a
// terminal-state violation.
func (l *Ledger) MarkAwaitingSharing(ctx context.Context, sessionID, sourceUserID string) error {
	applied, err := l.store.TransitionAttempt(ctx, sessionID, sourceUserID,
		[]domain.AttemptStatus{domain.AttemptHeld}, domain.AttemptAwaitingSharing, l.now())
	if err != nil {
		return err
	}
	if applied {
		l.logger.Info("empathy attempt awaiting sharing", "session_id", sessionID, "source_user_id", sourceUserID)
		return nil
	}
	return l.classifyRefusal(ctx, sessionID, sourceUserID, domain.AttemptAwaitingSharing)
}

// MarkRefining moves an awaiting attempt into refinement after the
// counterpart responded to the offer.
func (l *Ledger) MarkRefining(ctx context.Context, sessionID, sourceUserID string) error {
	applied, err := l.store.TransitionAttempt(ctx, sessionID, sourceUserID,
		[]domain.AttemptStatus{domain.AttemptAwaitingSharing}, domain.AttemptRefining, l.now())
	if err != nil {
		return err
	}
	if applied {
		l.logger.Info("empathy attempt refining", "session_id", sessionID, "source_user_id", sourceUserID)
		return nil
	}
	return l.classifyRefusal(ctx, sessionID, sourceUserID, domain.AttemptRefining)
}

// MarkRevealed delivers the attempt to the counterpart. Revealing is
// idempotent: an already-revealed attempt is a no-op, not an error.
func (l *Ledger) MarkRevealed(ctx context.Context, sessionID, sourceUserID string) error {
	applied, err := l.store.TransitionAttempt(ctx, sessionID, sourceUserID,
		[]domain.AttemptStatus{domain.AttemptHeld, domain.AttemptAwaitingSharing, domain.AttemptRefining},
		domain.AttemptRevealed, l.now())
	if err != nil {
		return err
	}
	if applied {
		l.logger.Info("empathy attempt revealed", "session_id", sessionID, "source_user_id", sourceUserID)
		return nil
	}
	existing, err := l.store.GetEmpathyAttempt(ctx, sessionID, sourceUserID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("no attempt to reveal: %w", domain.ErrNotFound)
	}
	// Already revealed.
	return nil
}

// MarkSeen records that the counterpart viewed a revealed attempt.
func (l *Ledger) MarkSeen(ctx context.Context, sessionID, sourceUserID string) error {
	_, err := l.store.MarkAttemptSeen(ctx, sessionID, sourceUserID)
	return err
}

func (l *Ledger) classifyRefusal(ctx context.Context, sessionID, sourceUserID string, target domain.AttemptStatus) error {
	existing, err := l.store.GetEmpathyAttempt(ctx, sessionID, sourceUserID)
	if err != nil {
		return err
	}
	if existing == nil {
		return fmt.Errorf("no attempt for direction: %w", domain.ErrNotFound)
	}
	if existing.Status == target {
		return nil
	}
	if existing.Status == domain.AttemptRevealed {
		return fmt.Errorf("attempt already revealed: %w", domain.ErrTerminalStateViolation)
	}
	return fmt.Errorf("attempt is %s, cannot move to %s: %w", existing.Status, target, domain.ErrInvalidTransition)
}
