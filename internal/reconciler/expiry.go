package reconciler

import (
	"context"
	"log/slog"
	"time"

	"github.com/mendlabs/mend/internal/audit"
	"github.com/mendlabs/mend/internal/domain"
	"github.com/mendlabs/mend/internal/empathy"
	"github.com/mendlabs/mend/internal/notify"
)

// SweeperStore is the persistence surface the expiry sweeper needs.
type SweeperStore interface {
	ListExpiredOpenOffers(ctx context.Context, olderThan time.Time) ([]*domain.ReconcilerShareOffer, error)
	ResolveShareOffer(ctx context.Context, offerID string, status domain.OfferStatus, refined, shared *string, at time.Time) (bool, error)
	GetEmpathyAttempt(ctx context.Context, sessionID, sourceUserID string) (*domain.EmpathyAttempt, error)
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)
}

// OfferSweeper auto-declines share offers nobody answered, so a parked
// attempt cannot wait forever on an absent counterpart. An expired offer
// behaves exactly like a decline: the attempt reveals and the guesser learns
// nothing about why.
type OfferSweeper struct {
	store    SweeperStore
	ledger   *empathy.Ledger
	notifier notify.Notifier
	audit    audit.Logger
	logger   *slog.Logger
	ttl      time.Duration
	interval time.Duration
	now      func() time.Time
}

func NewOfferSweeper(store SweeperStore, ledger *empathy.Ledger, notifier notify.Notifier, auditLog audit.Logger, logger *slog.Logger, ttl, interval time.Duration) *OfferSweeper {
	return &OfferSweeper{
		store:    store,
		ledger:   ledger,
		notifier: notifier,
		audit:    auditLog,
		logger:   logger,
		ttl:      ttl,
		interval: interval,
		now:      time.Now,
	}
}

// Run sweeps on a fixed interval until the context is cancelled.
func (s *OfferSweeper) Run(ctx context.Context) {
	s.logger.Info("offer expiry sweeper started", "ttl", s.ttl.String(), "interval", s.interval.String())
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("offer expiry sweeper stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Sweep expires one batch of stale open offers.
func (s *OfferSweeper) Sweep(ctx context.Context) {
	cutoff := s.now().Add(-s.ttl)
	offers, err := s.store.ListExpiredOpenOffers(ctx, cutoff)
	if err != nil {
		s.logger.Error("failed to list expired offers", "error", err)
		return
	}

	for _, offer := range offers {
		s.expire(ctx, offer)
	}
}

func (s *OfferSweeper) expire(ctx context.Context, offer *domain.ReconcilerShareOffer) {
	applied, err := s.store.ResolveShareOffer(ctx, offer.ID, domain.OfferDeclined, nil, nil, s.now())
	if err != nil {
		s.logger.Error("failed to expire offer", "error", err, "offer_id", offer.ID)
		return
	}
	if !applied {
		// Resolved concurrently by the subject.
		return
	}

	s.logger.Info("share offer expired", "offer_id", offer.ID, "session_id", offer.SessionID, "age", s.now().Sub(offer.CreatedAt).String())
	s.audit.Log(audit.Event{
		SessionID: offer.SessionID,
		UserID:    offer.SubjectID,
		EventType: audit.EventOfferExpired,
		Direction: domain.DirectionKey(offer.GuesserID, offer.SubjectID),
		Detail:    map[string]any{"offer_id": offer.ID},
	})

	attempt, err := s.store.GetEmpathyAttempt(ctx, offer.SessionID, offer.GuesserID)
	if err != nil || attempt == nil || attempt.Status != domain.AttemptAwaitingSharing {
		return
	}
	if err := s.ledger.MarkRevealed(ctx, offer.SessionID, offer.GuesserID); err != nil {
		s.logger.Error("failed to reveal attempt after offer expiry", "error", err, "session_id", offer.SessionID)
		return
	}

	s.notifier.Publish(notify.Event{
		Type:      notify.EventEmpathyRevealed,
		SessionID: offer.SessionID,
		UserID:    offer.SubjectID,
		Payload:   map[string]any{"content": attempt.Content, "source_user_id": offer.GuesserID},
	})
	s.notifier.Publish(notify.Event{
		Type:      notify.EventEmpathyRevealed,
		SessionID: offer.SessionID,
		UserID:    offer.GuesserID,
		Payload:   map[string]any{"status": "revealed"},
	})
}
