// Package stage owns per-participant progression through the repair stages.
// Progression is forward-only: every transition is a guarded write keyed on
// the record's current status, so concurrent callers converge instead of
// rolling a participant back.
package stage

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mendlabs/mend/internal/domain"
	"github.com/mendlabs/mend/internal/shared"
)

// Store is the persistence surface the tracker needs.
type Store interface {
	GetStageProgress(ctx context.Context, sessionID, userID string, stage domain.Stage) (*domain.StageProgress, error)
	GetActiveStage(ctx context.Context, sessionID, userID string) (*domain.StageProgress, error)
	CreateStageProgress(ctx context.Context, progress *domain.StageProgress) error
	CompleteStage(ctx context.Context, sessionID, userID string, stage domain.Stage, at time.Time) (bool, error)
	SetStageStatus(ctx context.Context, sessionID, userID string, stage domain.Stage, from []domain.StageStatus, to domain.StageStatus) (bool, error)
	MergeStageGates(ctx context.Context, sessionID, userID string, stage domain.Stage, gates map[domain.GateKey]domain.GateValue) error
}

// requiredGates lists the gates that must be done before a stage can be
// advanced past.
var requiredGates = map[domain.Stage][]domain.GateKey{
	domain.StageWitnessing: {domain.GateFeltHeard},
}

// Tracker advances participants through stages and records gate state.
type Tracker struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

func NewTracker(store Store, logger *slog.Logger) *Tracker {
	return &Tracker{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// EnsureStarted returns the participant's active stage, creating the invite
// stage on first contact. Losing the creation race converges on the winner's
// record.
func (t *Tracker) EnsureStarted(ctx context.Context, sessionID, userID string) (*domain.StageProgress, error) {
	active, err := t.store.GetActiveStage(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if active != nil {
		return active, nil
	}

	existing, err := t.store.GetStageProgress(ctx, sessionID, userID, domain.StageInvite)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	progress := &domain.StageProgress{
		SessionID: sessionID,
		UserID:    userID,
		Stage:     domain.StageInvite,
		Status:    domain.StageInProgress,
		Gates:     map[domain.GateKey]domain.GateValue{},
		StartedAt: t.now(),
	}
	if err := t.store.CreateStageProgress(ctx, progress); err != nil {
		if shared.IsUniqueConstraintError(err) {
			return t.store.GetStageProgress(ctx, sessionID, userID, domain.StageInvite)
		}
		return nil, err
	}
	t.logger.Info("stage started", "session_id", sessionID, "user_id", userID, "stage", progress.Stage.String())
	return progress, nil
}

// Current returns the participant's active stage, or (nil, nil) when none is
// active.
func (t *Tracker) Current(ctx context.Context, sessionID, userID string) (*domain.StageProgress, error) {
	return t.store.GetActiveStage(ctx, sessionID, userID)
}

// Advance completes the named stage and starts the next one. The caller names
// the stage it believes it is finishing, so a stale client completing an
// already-completed stage gets domain.ErrInvalidTransition instead of
// silently double-advancing.
func (t *Tracker) Advance(ctx context.Context, sessionID, userID string, stage domain.Stage) (*domain.StageProgress, error) {
	progress, err := t.store.GetStageProgress(ctx, sessionID, userID, stage)
	if err != nil {
		return nil, err
	}
	if progress == nil {
		return nil, fmt.Errorf("stage %s not started: %w", stage, domain.ErrInvalidTransition)
	}
	if progress.Status == domain.StageCompleted {
		return nil, fmt.Errorf("stage %s already completed: %w", stage, domain.ErrInvalidTransition)
	}
	if progress.Status == domain.StageGatePending {
		return nil, fmt.Errorf("stage %s is waiting on a gate: %w", stage, domain.ErrPreconditionNotMet)
	}
	for _, key := range requiredGates[stage] {
		if !progress.GateDone(key) {
			return nil, fmt.Errorf("gate %s not satisfied: %w", key, domain.ErrPreconditionNotMet)
		}
	}

	now := t.now()
	applied, err := t.store.CompleteStage(ctx, sessionID, userID, stage, now)
	if err != nil {
		return nil, err
	}
	if !applied {
		return nil, fmt.Errorf("stage %s: %w", stage, domain.ErrInvalidTransition)
	}
	t.logger.Info("stage completed", "session_id", sessionID, "user_id", userID, "stage", stage.String())

	next, ok := stage.Next()
	if !ok {
		return t.store.GetStageProgress(ctx, sessionID, userID, stage)
	}

	nextProgress := &domain.StageProgress{
		SessionID: sessionID,
		UserID:    userID,
		Stage:     next,
		Status:    domain.StageInProgress,
		Gates:     map[domain.GateKey]domain.GateValue{},
		StartedAt: now,
	}
	if err := t.store.CreateStageProgress(ctx, nextProgress); err != nil {
		if shared.IsUniqueConstraintError(err) {
			return t.store.GetStageProgress(ctx, sessionID, userID, next)
		}
		return nil, err
	}
	t.logger.Info("stage started", "session_id", sessionID, "user_id", userID, "stage", next.String())
	return nextProgress, nil
}

// AwaitGate records an unsatisfied gate and parks the stage in gate_pending.
// A stage already parked stays parked.
func (t *Tracker) AwaitGate(ctx context.Context, sessionID, userID string, stage domain.Stage, key domain.GateKey, note string) error {
	err := t.store.MergeStageGates(ctx, sessionID, userID, stage, map[domain.GateKey]domain.GateValue{
		key: {Done: false, Note: note, At: t.now()},
	})
	if err != nil {
		return err
	}
	_, err = t.store.SetStageStatus(ctx, sessionID, userID, stage, []domain.StageStatus{domain.StageInProgress}, domain.StageGatePending)
	return err
}

// SatisfyGate marks a gate done and, when the stage was parked on it, resumes
// the stage. Gates may also be recorded on completed stages; only the status
// flip is conditional.
func (t *Tracker) SatisfyGate(ctx context.Context, sessionID, userID string, stage domain.Stage, key domain.GateKey, note string) error {
	err := t.store.MergeStageGates(ctx, sessionID, userID, stage, map[domain.GateKey]domain.GateValue{
		key: {Done: true, Note: note, At: t.now()},
	})
	if err != nil {
		return err
	}
	resumed, err := t.store.SetStageStatus(ctx, sessionID, userID, stage, []domain.StageStatus{domain.StageGatePending}, domain.StageInProgress)
	if err != nil {
		return err
	}
	if resumed {
		t.logger.Info("stage resumed after gate", "session_id", sessionID, "user_id", userID, "stage", stage.String(), "gate", string(key))
	}
	return nil
}

// GateSatisfied reports whether a gate is done on the given stage record.
// Absent records count as unsatisfied.
func (t *Tracker) GateSatisfied(ctx context.Context, sessionID, userID string, stage domain.Stage, key domain.GateKey) (bool, error) {
	progress, err := t.store.GetStageProgress(ctx, sessionID, userID, stage)
	if err != nil {
		return false, err
	}
	if progress == nil {
		return false, nil
	}
	return progress.GateDone(key), nil
}
