package reconciler

import (
	"context"
	"log/slog"

	"github.com/mendlabs/mend/internal/domain"
)

// BreakerStore is the persistence surface the circuit breaker needs.
type BreakerStore interface {
	GetRefinementAttempts(ctx context.Context, sessionID, direction string) (int, error)
	IncrementRefinementAttempts(ctx context.Context, sessionID, direction string) (int, error)
}

// Breaker caps guided refinement rounds per direction so two people cannot be
// trapped in an endless refine loop. The counter is monotonic and the read
// path never creates state.
type Breaker struct {
	store  BreakerStore
	logger *slog.Logger
}

func NewBreaker(store BreakerStore, logger *slog.Logger) *Breaker {
	return &Breaker{store: store, logger: logger}
}

// Check returns the recorded attempt count for the direction and whether
// refinement guidance is exhausted. A direction with no counter row reads as
// zero attempts; the row is never created here. Trips strictly when recorded
// attempts exceed the limit.
func (b *Breaker) Check(ctx context.Context, sessionID, guesserID, subjectID string) (int, bool, error) {
	attempts, err := b.store.GetRefinementAttempts(ctx, sessionID, domain.DirectionKey(guesserID, subjectID))
	if err != nil {
		return 0, false, err
	}
	return attempts, attempts > domain.RefinementAttemptLimit, nil
}

// Record counts one refinement round and reports the new total plus whether
// the breaker has now tripped.
func (b *Breaker) Record(ctx context.Context, sessionID, guesserID, subjectID string) (int, bool, error) {
	direction := domain.DirectionKey(guesserID, subjectID)
	attempts, err := b.store.IncrementRefinementAttempts(ctx, sessionID, direction)
	if err != nil {
		return 0, false, err
	}
	tripped := attempts > domain.RefinementAttemptLimit
	if tripped {
		b.logger.Info("refinement breaker tripped", "session_id", sessionID, "direction", direction, "attempts", attempts)
	}
	return attempts, tripped, nil
}
