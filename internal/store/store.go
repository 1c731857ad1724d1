// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/mendlabs/mend/internal/domain"
)

// Repository defines the interface for persisting session, progress, and
// reconciliation state. All mutations are single-row, conditionally guarded
// writes: methods returning a bool report whether the guarded write applied,
// so callers can converge idempotently when they lose a race.
type Repository interface {
	// GetUser retrieves a user by ID. Returns (nil, nil) if absent.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// CreateSession persists a new two-party session.
	CreateSession(ctx context.Context, session *domain.Session) error

	// GetSession retrieves a session by ID. Returns (nil, nil) if absent.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// JoinSession sets the partner on a session that has none yet. Fails with
	// domain.ErrSessionFull if both seats are taken, domain.ErrNotFound if the
	// session does not exist.
	JoinSession(ctx context.Context, sessionID, partnerID string) error

	// GetStageProgress retrieves one (session, user, stage) record.
	// Returns (nil, nil) if absent.
	GetStageProgress(ctx context.Context, sessionID, userID string, stage domain.Stage) (*domain.StageProgress, error)

	// GetActiveStage returns the highest-stage record with status in
	// {in_progress, gate_pending}, or (nil, nil) if the user has none.
	GetActiveStage(ctx context.Context, sessionID, userID string) (*domain.StageProgress, error)

	// CreateStageProgress inserts a new stage record. A primary-key conflict
	// surfaces as an error classifiable via shared.IsUniqueConstraintError.
	CreateStageProgress(ctx context.Context, progress *domain.StageProgress) error

	// CompleteStage marks a stage completed if it is currently active.
	CompleteStage(ctx context.Context, sessionID, userID string, stage domain.Stage, at time.Time) (bool, error)

	// SetStageStatus transitions a stage record's status, guarded by the
	// allowed current statuses.
	SetStageStatus(ctx context.Context, sessionID, userID string, stage domain.Stage, from []domain.StageStatus, to domain.StageStatus) (bool, error)

	// MergeStageGates merges the given gate entries into the stage's gate map
	// without touching other keys. Fails with domain.ErrStageNotOwned if the
	// record does not exist.
	MergeStageGates(ctx context.Context, sessionID, userID string, stage domain.Stage, gates map[domain.GateKey]domain.GateValue) error

	// GetEmpathyAttempt retrieves the single attempt for a direction.
	// Returns (nil, nil) if absent.
	GetEmpathyAttempt(ctx context.Context, sessionID, sourceUserID string) (*domain.EmpathyAttempt, error)

	// UpsertEmpathyAttempt creates or overwrites the attempt row.
	UpsertEmpathyAttempt(ctx context.Context, attempt *domain.EmpathyAttempt) error

	// UpdateAttemptContent replaces the attempt content, guarded by the
	// required current status.
	UpdateAttemptContent(ctx context.Context, sessionID, sourceUserID, content string, require domain.AttemptStatus) (bool, error)

	// TransitionAttempt moves the attempt to a new status, guarded by the
	// allowed current statuses. Transitioning to revealed also stamps
	// revealed_at/shared_at and sets delivery to delivered.
	TransitionAttempt(ctx context.Context, sessionID, sourceUserID string, from []domain.AttemptStatus, to domain.AttemptStatus, at time.Time) (bool, error)

	// MarkAttemptSeen advances a revealed attempt's delivery from delivered to
	// seen.
	MarkAttemptSeen(ctx context.Context, sessionID, sourceUserID string) (bool, error)

	// CreateReconcilerResult inserts the write-once result row. A duplicate
	// direction surfaces as a unique-constraint error.
	CreateReconcilerResult(ctx context.Context, result *domain.ReconcilerResult) error

	// GetReconcilerResult retrieves the cached result for a direction.
	// Returns (nil, nil) if absent.
	GetReconcilerResult(ctx context.Context, sessionID, guesserID, subjectID string) (*domain.ReconcilerResult, error)

	// CreateShareOffer inserts a new offer (one per result, enforced unique).
	CreateShareOffer(ctx context.Context, offer *domain.ReconcilerShareOffer) error

	// GetShareOffer retrieves an offer by ID. (nil, nil) if absent.
	GetShareOffer(ctx context.Context, offerID string) (*domain.ReconcilerShareOffer, error)

	// GetShareOfferByResult retrieves the offer for a result. (nil, nil) if absent.
	GetShareOfferByResult(ctx context.Context, resultID string) (*domain.ReconcilerShareOffer, error)

	// GetOpenShareOffer retrieves the subject's pending/offered offer in a
	// session. (nil, nil) if none is open.
	GetOpenShareOffer(ctx context.Context, sessionID, subjectID string) (*domain.ReconcilerShareOffer, error)

	// MarkOfferOffered advances a pending offer to offered.
	MarkOfferOffered(ctx context.Context, offerID string) (bool, error)

	// ResolveShareOffer terminates an open offer as accepted or declined.
	ResolveShareOffer(ctx context.Context, offerID string, status domain.OfferStatus, refined, shared *string, at time.Time) (bool, error)

	// MarkOfferSeen advances an accepted offer's delivery from delivered to
	// seen for the given guesser.
	MarkOfferSeen(ctx context.Context, sessionID, guesserID string) (bool, error)

	// ListExpiredOpenOffers returns offers still open that were created before
	// the cutoff.
	ListExpiredOpenOffers(ctx context.Context, olderThan time.Time) ([]*domain.ReconcilerShareOffer, error)

	// GetRefinementAttempts returns the counter for a direction, 0 if the row
	// is absent. Never creates or mutates the row.
	GetRefinementAttempts(ctx context.Context, sessionID, direction string) (int, error)

	// IncrementRefinementAttempts creates the counter at 1 or increments it,
	// returning the new value.
	IncrementRefinementAttempts(ctx context.Context, sessionID, direction string) (int, error)

	// AppendMessage appends one transcript message.
	AppendMessage(ctx context.Context, msg *domain.Message) error

	// ListMessages returns the user's transcript for a session, oldest first,
	// capped at limit (0 means no cap).
	ListMessages(ctx context.Context, sessionID, userID string, limit int) ([]*domain.Message, error)

	// ListStageUserMessages returns the user's own chat messages for one stage,
	// oldest first.
	ListStageUserMessages(ctx context.Context, sessionID, userID string, stage domain.Stage) ([]*domain.Message, error)

	// GetWitnessThemes returns stored witnessing themes for a participant.
	GetWitnessThemes(ctx context.Context, sessionID, userID string) ([]string, error)

	// SetWitnessThemes stores witnessing themes (written by the transcript layer).
	SetWitnessThemes(ctx context.Context, sessionID, userID string, themes []string) error

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
