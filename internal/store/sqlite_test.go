package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/mendlabs/mend/internal/domain"
	"github.com/mendlabs/mend/internal/shared"
)

func newTestStore(t *testing.T) Repository {
	t.Helper()
	repo, err := NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func seedSession(t *testing.T, repo Repository, id, initiator, partner string) *domain.Session {
	t.Helper()
	now := time.Now()
	sess := &domain.Session{
		ID:          id,
		InitiatorID: initiator,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := repo.CreateSession(context.Background(), sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if partner != "" {
		if err := repo.JoinSession(context.Background(), id, partner); err != nil {
			t.Fatalf("JoinSession failed: %v", err)
		}
		sess.PartnerID = partner
	}
	return sess
}

func TestJoinSessionGuards(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()
	seedSession(t, repo, "s1", "alice", "")

	// The initiator joining their own session converges silently.
	if err := repo.JoinSession(ctx, "s1", "alice"); err != nil {
		t.Fatalf("initiator self-join should be a no-op, got %v", err)
	}
	sess, err := repo.GetSession(ctx, "s1")
	if err != nil || sess.PartnerID != "" {
		t.Fatalf("self-join must not fill the partner seat: (%+v, %v)", sess, err)
	}

	if err := repo.JoinSession(ctx, "s1", "bob"); err != nil {
		t.Fatalf("JoinSession failed: %v", err)
	}
	// Re-join by the existing partner converges silently.
	if err := repo.JoinSession(ctx, "s1", "bob"); err != nil {
		t.Fatalf("partner re-join should be a no-op, got %v", err)
	}
	if err := repo.JoinSession(ctx, "s1", "carol"); !errors.Is(err, domain.ErrSessionFull) {
		t.Fatalf("expected third participant to be rejected, got %v", err)
	}
	if err := repo.JoinSession(ctx, "missing", "bob"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStageProgressGuardedWrites(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	p := &domain.StageProgress{
		SessionID: "s1",
		UserID:    "alice",
		Stage:     domain.StageInvite,
		Status:    domain.StageInProgress,
		StartedAt: time.Now(),
	}
	if err := repo.CreateStageProgress(ctx, p); err != nil {
		t.Fatalf("CreateStageProgress failed: %v", err)
	}
	if err := repo.CreateStageProgress(ctx, p); !shared.IsUniqueConstraintError(err) {
		t.Fatalf("expected unique constraint error on duplicate, got %v", err)
	}

	applied, err := repo.CompleteStage(ctx, "s1", "alice", domain.StageInvite, time.Now())
	if err != nil || !applied {
		t.Fatalf("CompleteStage = (%v, %v), want applied", applied, err)
	}
	// A second completion finds no active row.
	applied, err = repo.CompleteStage(ctx, "s1", "alice", domain.StageInvite, time.Now())
	if err != nil {
		t.Fatalf("CompleteStage failed: %v", err)
	}
	if applied {
		t.Fatal("expected second completion to be refused")
	}

	got, err := repo.GetStageProgress(ctx, "s1", "alice", domain.StageInvite)
	if err != nil {
		t.Fatalf("GetStageProgress failed: %v", err)
	}
	if got.Status != domain.StageCompleted || got.CompletedAt == nil {
		t.Fatalf("unexpected stage record: %+v", got)
	}
}

func TestMergeStageGatesPreservesSiblings(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	p := &domain.StageProgress{
		SessionID: "s1",
		UserID:    "alice",
		Stage:     domain.StageWitnessing,
		Status:    domain.StageInProgress,
		StartedAt: time.Now(),
	}
	if err := repo.CreateStageProgress(ctx, p); err != nil {
		t.Fatalf("CreateStageProgress failed: %v", err)
	}

	first := map[domain.GateKey]domain.GateValue{
		domain.GateFeltHeard: {Done: true, At: time.Now()},
	}
	if err := repo.MergeStageGates(ctx, "s1", "alice", domain.StageWitnessing, first); err != nil {
		t.Fatalf("MergeStageGates failed: %v", err)
	}
	second := map[domain.GateKey]domain.GateValue{
		domain.GateCheckOffered: {Done: true, At: time.Now()},
	}
	if err := repo.MergeStageGates(ctx, "s1", "alice", domain.StageWitnessing, second); err != nil {
		t.Fatalf("MergeStageGates failed: %v", err)
	}

	got, err := repo.GetStageProgress(ctx, "s1", "alice", domain.StageWitnessing)
	if err != nil {
		t.Fatalf("GetStageProgress failed: %v", err)
	}
	if !got.GateDone(domain.GateFeltHeard) || !got.GateDone(domain.GateCheckOffered) {
		t.Fatalf("expected both gates preserved, got %+v", got.Gates)
	}

	err = repo.MergeStageGates(ctx, "s1", "bob", domain.StageWitnessing, first)
	if !errors.Is(err, domain.ErrStageNotOwned) {
		t.Fatalf("expected ErrStageNotOwned for absent record, got %v", err)
	}
}

func TestAttemptTransitionGuards(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	a := &domain.EmpathyAttempt{
		SessionID:    "s1",
		SourceUserID: "alice",
		Content:      "I think you felt dismissed",
		Status:       domain.AttemptHeld,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := repo.UpsertEmpathyAttempt(ctx, a); err != nil {
		t.Fatalf("UpsertEmpathyAttempt failed: %v", err)
	}

	applied, err := repo.TransitionAttempt(ctx, "s1", "alice",
		[]domain.AttemptStatus{domain.AttemptAwaitingSharing}, domain.AttemptRefining, now)
	if err != nil {
		t.Fatalf("TransitionAttempt failed: %v", err)
	}
	if applied {
		t.Fatal("expected guard to refuse held -> refining")
	}

	applied, err = repo.TransitionAttempt(ctx, "s1", "alice",
		[]domain.AttemptStatus{domain.AttemptHeld}, domain.AttemptRevealed, now)
	if err != nil || !applied {
		t.Fatalf("TransitionAttempt = (%v, %v), want applied", applied, err)
	}

	got, err := repo.GetEmpathyAttempt(ctx, "s1", "alice")
	if err != nil {
		t.Fatalf("GetEmpathyAttempt failed: %v", err)
	}
	if got.Status != domain.AttemptRevealed || got.RevealedAt == nil || got.SharedAt == nil {
		t.Fatalf("unexpected attempt after reveal: %+v", got)
	}
	if got.DeliveryStatus != domain.DeliveryDelivered {
		t.Fatalf("expected delivery delivered, got %q", got.DeliveryStatus)
	}

	applied, err = repo.MarkAttemptSeen(ctx, "s1", "alice")
	if err != nil || !applied {
		t.Fatalf("MarkAttemptSeen = (%v, %v), want applied", applied, err)
	}
	applied, err = repo.MarkAttemptSeen(ctx, "s1", "alice")
	if err != nil {
		t.Fatalf("MarkAttemptSeen failed: %v", err)
	}
	if applied {
		t.Fatal("expected second seen mark to be refused")
	}
}

func TestReconcilerResultWriteOnce(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	r1 := &domain.ReconcilerResult{
		ID: "r1", SessionID: "s1", GuesserID: "alice", SubjectID: "bob",
		AlignmentScore: 85, Severity: domain.GapMinor, Recommendation: domain.RecommendProceed,
		CreatedAt: time.Now(),
	}
	if err := repo.CreateReconcilerResult(ctx, r1); err != nil {
		t.Fatalf("CreateReconcilerResult failed: %v", err)
	}

	r2 := &domain.ReconcilerResult{
		ID: "r2", SessionID: "s1", GuesserID: "alice", SubjectID: "bob",
		AlignmentScore: 40, Severity: domain.GapSignificant, Recommendation: domain.RecommendOfferSharing,
		CreatedAt: time.Now(),
	}
	if err := repo.CreateReconcilerResult(ctx, r2); !shared.IsUniqueConstraintError(err) {
		t.Fatalf("expected unique constraint error for duplicate direction, got %v", err)
	}

	// The opposite direction is independent.
	r3 := &domain.ReconcilerResult{
		ID: "r3", SessionID: "s1", GuesserID: "bob", SubjectID: "alice",
		AlignmentScore: 60, Severity: domain.GapModerate, Recommendation: domain.RecommendOfferOptional,
		CreatedAt: time.Now(),
	}
	if err := repo.CreateReconcilerResult(ctx, r3); err != nil {
		t.Fatalf("CreateReconcilerResult for opposite direction failed: %v", err)
	}

	got, err := repo.GetReconcilerResult(ctx, "s1", "alice", "bob")
	if err != nil {
		t.Fatalf("GetReconcilerResult failed: %v", err)
	}
	if got.ID != "r1" || got.AlignmentScore != 85 {
		t.Fatalf("expected first write to win, got %+v", got)
	}
}

func TestShareOfferResolveGuards(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	offer := &domain.ReconcilerShareOffer{
		ID: "o1", ResultID: "r1", SessionID: "s1", GuesserID: "alice", SubjectID: "bob",
		Status: domain.OfferPending, SuggestedContent: "suggestion", CreatedAt: time.Now(),
	}
	if err := repo.CreateShareOffer(ctx, offer); err != nil {
		t.Fatalf("CreateShareOffer failed: %v", err)
	}

	dup := &domain.ReconcilerShareOffer{
		ID: "o2", ResultID: "r1", SessionID: "s1", GuesserID: "alice", SubjectID: "bob",
		Status: domain.OfferPending, SuggestedContent: "other", CreatedAt: time.Now(),
	}
	if err := repo.CreateShareOffer(ctx, dup); !shared.IsUniqueConstraintError(err) {
		t.Fatalf("expected unique constraint error for second offer on result, got %v", err)
	}

	applied, err := repo.MarkOfferOffered(ctx, "o1")
	if err != nil || !applied {
		t.Fatalf("MarkOfferOffered = (%v, %v), want applied", applied, err)
	}

	content := "what I want to share"
	applied, err = repo.ResolveShareOffer(ctx, "o1", domain.OfferAccepted, nil, &content, time.Now())
	if err != nil || !applied {
		t.Fatalf("ResolveShareOffer = (%v, %v), want applied", applied, err)
	}
	applied, err = repo.ResolveShareOffer(ctx, "o1", domain.OfferDeclined, nil, nil, time.Now())
	if err != nil {
		t.Fatalf("ResolveShareOffer failed: %v", err)
	}
	if applied {
		t.Fatal("expected re-resolution to be refused")
	}

	got, err := repo.GetShareOffer(ctx, "o1")
	if err != nil {
		t.Fatalf("GetShareOffer failed: %v", err)
	}
	if got.Status != domain.OfferAccepted || got.SharedContent == nil || *got.SharedContent != content {
		t.Fatalf("unexpected offer after accept: %+v", got)
	}
	if got.DeliveryStatus != domain.DeliveryDelivered {
		t.Fatalf("expected delivery delivered, got %q", got.DeliveryStatus)
	}
}

func TestListExpiredOpenOffers(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()

	old := &domain.ReconcilerShareOffer{
		ID: "o-old", ResultID: "r-old", SessionID: "s1", GuesserID: "a", SubjectID: "b",
		Status: domain.OfferOffered, SuggestedContent: "x", CreatedAt: time.Now().Add(-48 * time.Hour),
	}
	fresh := &domain.ReconcilerShareOffer{
		ID: "o-new", ResultID: "r-new", SessionID: "s1", GuesserID: "b", SubjectID: "a",
		Status: domain.OfferOffered, SuggestedContent: "y", CreatedAt: time.Now(),
	}
	for _, o := range []*domain.ReconcilerShareOffer{old, fresh} {
		if err := repo.CreateShareOffer(ctx, o); err != nil {
			t.Fatalf("CreateShareOffer failed: %v", err)
		}
	}

	expired, err := repo.ListExpiredOpenOffers(ctx, time.Now().Add(-24*time.Hour))
	if err != nil {
		t.Fatalf("ListExpiredOpenOffers failed: %v", err)
	}
	if len(expired) != 1 || expired[0].ID != "o-old" {
		t.Fatalf("expected only the stale offer, got %+v", expired)
	}
}

func TestRefinementCounter(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()
	direction := domain.DirectionKey("alice", "bob")

	// The read path never creates the row.
	n, err := repo.GetRefinementAttempts(ctx, "s1", direction)
	if err != nil || n != 0 {
		t.Fatalf("GetRefinementAttempts = (%d, %v), want 0", n, err)
	}

	for want := 1; want <= 4; want++ {
		n, err = repo.IncrementRefinementAttempts(ctx, "s1", direction)
		if err != nil {
			t.Fatalf("IncrementRefinementAttempts failed: %v", err)
		}
		if n != want {
			t.Fatalf("counter = %d, want %d", n, want)
		}
	}

	// The opposite direction is untouched.
	n, err = repo.GetRefinementAttempts(ctx, "s1", domain.DirectionKey("bob", "alice"))
	if err != nil || n != 0 {
		t.Fatalf("opposite direction counter = (%d, %v), want 0", n, err)
	}
}

func TestMessagesScopedToUser(t *testing.T) {
	t.Parallel()
	repo := newTestStore(t)
	ctx := context.Background()
	now := time.Now()

	msgs := []*domain.Message{
		{ID: "m1", SessionID: "s1", UserID: "alice", Role: domain.RoleUser, Stage: domain.StageWitnessing, Kind: domain.KindChat, Content: "it hurt", CreatedAt: now},
		{ID: "m2", SessionID: "s1", UserID: "alice", Role: domain.RoleAssistant, Stage: domain.StageWitnessing, Kind: domain.KindChat, Content: "tell me more", CreatedAt: now.Add(time.Second)},
		{ID: "m3", SessionID: "s1", UserID: "bob", Role: domain.RoleUser, Stage: domain.StageWitnessing, Kind: domain.KindChat, Content: "private", CreatedAt: now},
	}
	for _, m := range msgs {
		if err := repo.AppendMessage(ctx, m); err != nil {
			t.Fatalf("AppendMessage failed: %v", err)
		}
	}

	aliceMsgs, err := repo.ListMessages(ctx, "s1", "alice", 0)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	if len(aliceMsgs) != 2 {
		t.Fatalf("expected 2 messages for alice, got %d", len(aliceMsgs))
	}

	own, err := repo.ListStageUserMessages(ctx, "s1", "alice", domain.StageWitnessing)
	if err != nil {
		t.Fatalf("ListStageUserMessages failed: %v", err)
	}
	if len(own) != 1 || own[0].Content != "it hurt" {
		t.Fatalf("expected only alice's own chat message, got %+v", own)
	}
}
