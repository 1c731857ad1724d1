package reconciler

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mendlabs/mend/internal/analysis"
	"github.com/mendlabs/mend/internal/audit"
	"github.com/mendlabs/mend/internal/domain"
	"github.com/mendlabs/mend/internal/empathy"
	"github.com/mendlabs/mend/internal/notify"
	"github.com/mendlabs/mend/internal/stage"
	"github.com/mendlabs/mend/internal/store"
	"github.com/mendlabs/mend/internal/witness"
)

// fakeAnalyzer is a scriptable analysis collaborator that counts calls.
type fakeAnalyzer struct {
	mu         sync.Mutex
	calls      int
	analysis   *analysis.GapAnalysis
	err        error
	suggestion *analysis.ShareSuggestion
	suggestErr error
}

func (f *fakeAnalyzer) AnalyzeGap(_ context.Context, _, _ string, _ []string) (*analysis.GapAnalysis, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	cp := *f.analysis
	return &cp, nil
}

func (f *fakeAnalyzer) SuggestShare(_ context.Context, _ analysis.SuggestShareRequest) (*analysis.ShareSuggestion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.suggestErr != nil {
		return nil, f.suggestErr
	}
	if f.suggestion != nil {
		cp := *f.suggestion
		return &cp, nil
	}
	return &analysis.ShareSuggestion{SuggestedContent: "suggested text", Reason: "closes the gap"}, nil
}

func (f *fakeAnalyzer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *fakeAnalyzer) set(ga *analysis.GapAnalysis, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analysis = ga
	f.err = err
}

// captureNotifier records every published event.
type captureNotifier struct {
	mu     sync.Mutex
	events []notify.Event
}

func (c *captureNotifier) Publish(event notify.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
}

func (c *captureNotifier) forUser(userID, eventType string) []notify.Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []notify.Event
	for _, e := range c.events {
		if e.UserID == userID && e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

type harness struct {
	repo       store.Repository
	ledger     *empathy.Ledger
	tracker    *stage.Tracker
	breaker    *Breaker
	negotiator *Negotiator
	engine     *Engine
	analyzer   *fakeAnalyzer
	notifier   *captureNotifier
	sessionID  string
	guesser    string
	subject    string
}

func newHarness(t *testing.T, fa *fakeAnalyzer) *harness {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })

	logger := slog.Default()
	notifier := &captureNotifier{}
	ledger := empathy.NewLedger(repo, logger)
	tracker := stage.NewTracker(repo, logger)
	witnessProvider := witness.NewProvider(repo)
	breaker := NewBreaker(repo, logger)
	negotiator := NewNegotiator(repo, ledger, tracker, fa, notifier, audit.Noop{}, logger)
	engine := NewEngine(repo, ledger, tracker, witnessProvider, negotiator, breaker, fa, notifier, audit.Noop{}, logger)
	engine.sleep = func(time.Duration) {}

	h := &harness{
		repo:       repo,
		ledger:     ledger,
		tracker:    tracker,
		breaker:    breaker,
		negotiator: negotiator,
		engine:     engine,
		analyzer:   fa,
		notifier:   notifier,
		sessionID:  "sess-" + uuid.NewString(),
		guesser:    "user-guesser",
		subject:    "user-subject",
	}
	h.seed(t)
	return h
}

// seed creates a full session with both participants past witnessing content.
func (h *harness) seed(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	now := time.Now()

	sess := &domain.Session{
		ID:          h.sessionID,
		InitiatorID: h.guesser,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := h.repo.CreateSession(ctx, sess); err != nil {
		t.Fatalf("CreateSession failed: %v", err)
	}
	if err := h.repo.JoinSession(ctx, h.sessionID, h.subject); err != nil {
		t.Fatalf("JoinSession failed: %v", err)
	}

	for _, userID := range []string{h.guesser, h.subject} {
		if _, err := h.tracker.EnsureStarted(ctx, h.sessionID, userID); err != nil {
			t.Fatalf("EnsureStarted failed: %v", err)
		}
	}

	msg := &domain.Message{
		ID:        uuid.NewString(),
		SessionID: h.sessionID,
		UserID:    h.subject,
		Role:      domain.RoleUser,
		Stage:     domain.StageWitnessing,
		Kind:      domain.KindChat,
		Content:   "When the plans changed without asking me I felt like I did not matter.",
		CreatedAt: now,
	}
	if err := h.repo.AppendMessage(ctx, msg); err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
}

func (h *harness) submitGuess(t *testing.T) {
	t.Helper()
	if _, err := h.ledger.Submit(context.Background(), h.sessionID, h.guesser, "I think you felt overlooked."); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
}

func (h *harness) attemptStatus(t *testing.T) domain.AttemptStatus {
	t.Helper()
	a, err := h.repo.GetEmpathyAttempt(context.Background(), h.sessionID, h.guesser)
	if err != nil {
		t.Fatalf("GetEmpathyAttempt failed: %v", err)
	}
	if a == nil {
		t.Fatal("expected an attempt")
	}
	return a.Status
}

func proceedAnalysis() *analysis.GapAnalysis {
	return &analysis.GapAnalysis{
		AlignmentScore:    88,
		GapSeverity:       domain.GapMinor,
		RecommendedAction: domain.RecommendProceed,
		Rationale:         "close enough",
	}
}

func significantAnalysis() *analysis.GapAnalysis {
	return &analysis.GapAnalysis{
		AlignmentScore:    35,
		GapSeverity:       domain.GapSignificant,
		RecommendedAction: domain.RecommendOfferSharing,
		MissedFeelings:    []string{"feeling dismissed"},
		MostImportantGap:  "the sense of not mattering",
		SharingWouldHelp:  true,
	}
}

func TestReconcileProceedReveals(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeAnalyzer{analysis: proceedAnalysis()})
	h.submitGuess(t)

	out, err := h.engine.Reconcile(context.Background(), h.sessionID, h.guesser)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if out.Cached || out.Degraded {
		t.Fatalf("unexpected outcome flags: %+v", out)
	}
	if out.Result.AlignmentScore != 88 || out.Result.Recommendation != domain.RecommendProceed {
		t.Fatalf("unexpected result: %+v", out.Result)
	}
	if out.Attempt.Status != domain.AttemptRevealed {
		t.Fatalf("attempt = %s, want revealed", out.Attempt.Status)
	}
	if out.Offer != nil {
		t.Fatalf("proceed must not create an offer, got %+v", out.Offer)
	}

	revealed := h.notifier.forUser(h.subject, notify.EventEmpathyRevealed)
	if len(revealed) != 1 {
		t.Fatalf("expected one reveal notification for the subject, got %d", len(revealed))
	}
	if revealed[0].Payload["content"] == "" {
		t.Fatal("subject's reveal notification must carry the attempt content")
	}
}

func TestReconcileComputesOncePerDirection(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeAnalyzer{analysis: proceedAnalysis()})
	h.submitGuess(t)
	ctx := context.Background()

	first, err := h.engine.Reconcile(ctx, h.sessionID, h.guesser)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	second, err := h.engine.Reconcile(ctx, h.sessionID, h.guesser)
	if err != nil {
		t.Fatalf("second Reconcile failed: %v", err)
	}
	if !second.Cached {
		t.Fatal("second pass must return the cached verdict")
	}
	if second.Result.ID != first.Result.ID {
		t.Fatalf("expected the same result row, got %s and %s", first.Result.ID, second.Result.ID)
	}
	if n := h.analyzer.callCount(); n != 1 {
		t.Fatalf("analyzer called %d times, want exactly 1", n)
	}
}

func TestReconcileAnalyzerFailureConservative(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeAnalyzer{err: errors.New("model unavailable")})
	h.submitGuess(t)

	out, err := h.engine.Reconcile(context.Background(), h.sessionID, h.guesser)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if out.Result.AlignmentScore != 70 || out.Result.Severity != domain.GapMinor || out.Result.Recommendation != domain.RecommendProceed {
		t.Fatalf("conservative default not applied: %+v", out.Result)
	}
	if out.Attempt.Status != domain.AttemptRevealed {
		t.Fatalf("attempt = %s, want revealed", out.Attempt.Status)
	}
	if out.Offer != nil {
		t.Fatal("a failed analysis must never escalate to sharing")
	}
}

func TestReconcileSignificantGapOpensOffer(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeAnalyzer{analysis: significantAnalysis()})
	h.submitGuess(t)

	out, err := h.engine.Reconcile(context.Background(), h.sessionID, h.guesser)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if out.Attempt.Status != domain.AttemptAwaitingSharing {
		t.Fatalf("attempt = %s, want awaiting_sharing", out.Attempt.Status)
	}
	if out.Offer == nil || out.Offer.Status != domain.OfferOffered {
		t.Fatalf("expected an offered share offer, got %+v", out.Offer)
	}
	if out.Result.AreaHint != "emotional impact" {
		t.Fatalf("area hint = %q, want abstract feelings hint", out.Result.AreaHint)
	}

	offers := h.notifier.forUser(h.subject, notify.EventShareOffer)
	if len(offers) != 1 {
		t.Fatalf("expected one offer notification for the subject, got %d", len(offers))
	}
	// The guesser sees nothing while the attempt is parked.
	if got := h.notifier.forUser(h.guesser, notify.EventEmpathyRevealed); len(got) != 0 {
		t.Fatalf("guesser must not be notified before resolution, got %d events", len(got))
	}
}

func TestReconcileSignificantSeverityDefersRegardlessOfRecommendation(t *testing.T) {
	t.Parallel()
	ga := &analysis.GapAnalysis{
		AlignmentScore:    48,
		GapSeverity:       domain.GapSignificant,
		RecommendedAction: domain.RecommendProceed,
		MissedFeelings:    []string{"feeling dismissed"},
	}
	h := newHarness(t, &fakeAnalyzer{analysis: ga})
	h.submitGuess(t)

	out, err := h.engine.Reconcile(context.Background(), h.sessionID, h.guesser)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if out.Attempt.Status != domain.AttemptAwaitingSharing {
		t.Fatalf("attempt = %s, want awaiting_sharing on a significant gap", out.Attempt.Status)
	}
	if out.Offer == nil || out.Offer.Status != domain.OfferOffered {
		t.Fatalf("expected an offered share offer, got %+v", out.Offer)
	}
}

func TestReconcileModerateGapRevealsWithoutOffer(t *testing.T) {
	t.Parallel()
	ga := &analysis.GapAnalysis{
		AlignmentScore:    62,
		GapSeverity:       domain.GapModerate,
		RecommendedAction: domain.RecommendOfferOptional,
		Misattributions:   []string{"assumed anger"},
	}
	h := newHarness(t, &fakeAnalyzer{analysis: ga})
	h.submitGuess(t)
	ctx := context.Background()

	out, err := h.engine.Reconcile(ctx, h.sessionID, h.guesser)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if out.Attempt.Status != domain.AttemptRevealed {
		t.Fatalf("a moderate gap must reveal, got %s", out.Attempt.Status)
	}
	if out.Offer != nil {
		t.Fatalf("offers are reserved for significant gaps, got %+v", out.Offer)
	}
	if out.Result.AreaHint != "intentions" {
		t.Fatalf("area hint = %q, want intentions", out.Result.AreaHint)
	}

	// No offer row exists for the subject either.
	open, err := h.repo.GetOpenShareOffer(ctx, h.sessionID, h.subject)
	if err != nil {
		t.Fatalf("GetOpenShareOffer failed: %v", err)
	}
	if open != nil {
		t.Fatalf("moderate gap must not persist a share offer, got %+v", open)
	}
}

func TestReconcilePreconditions(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeAnalyzer{analysis: proceedAnalysis()})
	ctx := context.Background()

	if _, err := h.engine.Reconcile(ctx, "missing-session", h.guesser); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := h.engine.Reconcile(ctx, h.sessionID, "stranger"); !errors.Is(err, domain.ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant, got %v", err)
	}

	// No attempt submitted yet.
	if _, err := h.engine.Reconcile(ctx, h.sessionID, h.guesser); !errors.Is(err, domain.ErrPreconditionNotMet) {
		t.Fatalf("expected ErrPreconditionNotMet without an attempt, got %v", err)
	}

	// The subject direction has an attempt but no witnessing content from
	// the guesser to grade against.
	if _, err := h.ledger.Submit(ctx, h.sessionID, h.subject, "you felt ignored"); err != nil {
		t.Fatalf("Submit failed: %v", err)
	}
	if _, err := h.engine.Reconcile(ctx, h.sessionID, h.subject); !errors.Is(err, domain.ErrPreconditionNotMet) {
		t.Fatalf("expected ErrPreconditionNotMet without witnessing content, got %v", err)
	}
	if n := h.analyzer.callCount(); n != 0 {
		t.Fatalf("analyzer must not run when preconditions fail, got %d calls", n)
	}
}

func TestReconcileDirectionsIndependent(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeAnalyzer{analysis: proceedAnalysis()})
	h.submitGuess(t)
	ctx := context.Background()

	if _, err := h.engine.Reconcile(ctx, h.sessionID, h.guesser); err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	other, err := h.repo.GetReconcilerResult(ctx, h.sessionID, h.subject, h.guesser)
	if err != nil {
		t.Fatalf("GetReconcilerResult failed: %v", err)
	}
	if other != nil {
		t.Fatalf("opposite direction must stay untouched, got %+v", other)
	}
}

func TestRespondDeclineRevealsWithoutTrace(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeAnalyzer{analysis: significantAnalysis()})
	h.submitGuess(t)
	ctx := context.Background()

	out, err := h.engine.Reconcile(ctx, h.sessionID, h.guesser)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	offer, err := h.negotiator.Respond(ctx, h.sessionID, h.subject, out.Offer.ID, RespondDecline, "")
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if offer.Status != domain.OfferDeclined {
		t.Fatalf("offer = %s, want declined", offer.Status)
	}
	if got := h.attemptStatus(t); got != domain.AttemptRevealed {
		t.Fatalf("attempt = %s, want revealed after decline", got)
	}

	// The guesser's transcript and notifications carry no hint of the
	// declined offer.
	msgs, err := h.repo.ListMessages(ctx, h.sessionID, h.guesser, 0)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	for _, m := range msgs {
		if m.Kind == domain.KindShareDelivery {
			t.Fatalf("decline must not deliver anything to the guesser: %+v", m)
		}
	}
	for _, e := range h.notifier.forUser(h.guesser, notify.EventEmpathyRevealed) {
		if _, leaked := e.Payload["offer_id"]; leaked {
			t.Fatalf("guesser notification leaks the offer: %+v", e)
		}
	}
}

func TestRespondRefineDeliversSubjectWords(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeAnalyzer{analysis: significantAnalysis()})
	h.submitGuess(t)
	ctx := context.Background()

	out, err := h.engine.Reconcile(ctx, h.sessionID, h.guesser)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	refined := "I was not angry, I was hurt that nobody asked me."
	offer, err := h.negotiator.Respond(ctx, h.sessionID, h.subject, out.Offer.ID, RespondRefine, refined)
	if err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if offer.Status != domain.OfferAccepted {
		t.Fatalf("offer = %s, want accepted", offer.Status)
	}
	if offer.SharedContent == nil || *offer.SharedContent != refined {
		t.Fatalf("shared content = %v, want the subject's own words", offer.SharedContent)
	}
	if got := h.attemptStatus(t); got != domain.AttemptRefining {
		t.Fatalf("attempt = %s, want refining after accepted share", got)
	}

	var delivery, mirror bool
	guesserMsgs, err := h.repo.ListMessages(ctx, h.sessionID, h.guesser, 0)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	for _, m := range guesserMsgs {
		if m.Kind == domain.KindShareDelivery {
			delivery = true
			if !strings.Contains(m.Content, refined) {
				t.Fatalf("delivery message missing shared content: %q", m.Content)
			}
		}
	}
	subjectMsgs, err := h.repo.ListMessages(ctx, h.sessionID, h.subject, 0)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	for _, m := range subjectMsgs {
		if m.Kind == domain.KindShareMirror {
			mirror = true
		}
	}
	if !delivery || !mirror {
		t.Fatalf("expected delivery and mirror messages, got delivery=%v mirror=%v", delivery, mirror)
	}
}

func TestRespondGuards(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeAnalyzer{analysis: significantAnalysis()})
	h.submitGuess(t)
	ctx := context.Background()

	out, err := h.engine.Reconcile(ctx, h.sessionID, h.guesser)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}

	if _, err := h.negotiator.Respond(ctx, h.sessionID, h.subject, "nope", RespondDecline, ""); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown offer, got %v", err)
	}
	// The guesser cannot respond to an offer addressed to the subject.
	if _, err := h.negotiator.Respond(ctx, h.sessionID, h.guesser, out.Offer.ID, RespondAccept, ""); !errors.Is(err, domain.ErrNotParticipant) {
		t.Fatalf("expected ErrNotParticipant for wrong responder, got %v", err)
	}

	if _, err := h.negotiator.Respond(ctx, h.sessionID, h.subject, out.Offer.ID, RespondDecline, ""); err != nil {
		t.Fatalf("Respond failed: %v", err)
	}
	if _, err := h.negotiator.Respond(ctx, h.sessionID, h.subject, out.Offer.ID, RespondAccept, ""); !errors.Is(err, domain.ErrOfferResolved) {
		t.Fatalf("expected ErrOfferResolved on re-response, got %v", err)
	}
}

func TestResubmitBreakerTripsStrictlyAboveLimit(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeAnalyzer{analysis: significantAnalysis()})
	h.submitGuess(t)
	ctx := context.Background()

	out, err := h.engine.Reconcile(ctx, h.sessionID, h.guesser)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if _, err := h.negotiator.Respond(ctx, h.sessionID, h.subject, out.Offer.ID, RespondAccept, ""); err != nil {
		t.Fatalf("Respond failed: %v", err)
	}

	// Rounds at or below the limit keep refining while the gap stays
	// significant.
	for round := 1; round <= domain.RefinementAttemptLimit; round++ {
		attempt, err := h.engine.ResubmitRefined(ctx, h.sessionID, h.guesser, "still guessing")
		if err != nil {
			t.Fatalf("round %d: ResubmitRefined failed: %v", round, err)
		}
		if attempt.Status != domain.AttemptRefining {
			t.Fatalf("round %d: attempt = %s, want refining", round, attempt.Status)
		}
	}

	attempts, skip, err := h.breaker.Check(ctx, h.sessionID, h.guesser, h.subject)
	if err != nil || skip {
		t.Fatalf("Check = (%d, %v, %v), breaker must not trip at the limit", attempts, skip, err)
	}
	if attempts != domain.RefinementAttemptLimit {
		t.Fatalf("attempts = %d, want %d", attempts, domain.RefinementAttemptLimit)
	}

	attempt, err := h.engine.ResubmitRefined(ctx, h.sessionID, h.guesser, "one more")
	if err != nil {
		t.Fatalf("ResubmitRefined failed: %v", err)
	}
	if attempt.Status != domain.AttemptRevealed {
		t.Fatalf("attempt = %s, want revealed once the breaker trips", attempt.Status)
	}
	attempts, skip, err = h.breaker.Check(ctx, h.sessionID, h.guesser, h.subject)
	if err != nil || !skip {
		t.Fatalf("Check = (%d, %v, %v), want tripped", attempts, skip, err)
	}
}

func TestResubmitSignificantGapIssuesGuidance(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeAnalyzer{analysis: significantAnalysis()})
	h.submitGuess(t)
	ctx := context.Background()

	out, err := h.engine.Reconcile(ctx, h.sessionID, h.guesser)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if _, err := h.negotiator.Respond(ctx, h.sessionID, h.subject, out.Offer.ID, RespondAccept, ""); err != nil {
		t.Fatalf("Respond failed: %v", err)
	}

	if _, err := h.engine.ResubmitRefined(ctx, h.sessionID, h.guesser, "still off"); err != nil {
		t.Fatalf("ResubmitRefined failed: %v", err)
	}

	var guidance *domain.Message
	msgs, err := h.repo.ListMessages(ctx, h.sessionID, h.guesser, 0)
	if err != nil {
		t.Fatalf("ListMessages failed: %v", err)
	}
	for _, m := range msgs {
		if m.Kind == domain.KindGuidance {
			guidance = m
		}
	}
	if guidance == nil {
		t.Fatal("expected a guidance message for the guesser")
	}
	// Guidance is abstract: it must never quote the subject.
	if strings.Contains(guidance.Content, "plans changed") || strings.Contains(guidance.Content, "did not matter") {
		t.Fatalf("guidance quotes the subject's words: %q", guidance.Content)
	}
	if len(h.notifier.forUser(h.guesser, notify.EventGuidance)) == 0 {
		t.Fatal("expected a guidance notification")
	}
}

func TestResubmitResolvedGapReveals(t *testing.T) {
	t.Parallel()
	fa := &fakeAnalyzer{analysis: significantAnalysis()}
	h := newHarness(t, fa)
	h.submitGuess(t)
	ctx := context.Background()

	out, err := h.engine.Reconcile(ctx, h.sessionID, h.guesser)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if _, err := h.negotiator.Respond(ctx, h.sessionID, h.subject, out.Offer.ID, RespondAccept, ""); err != nil {
		t.Fatalf("Respond failed: %v", err)
	}

	// The revised guess now lands.
	fa.set(proceedAnalysis(), nil)
	attempt, err := h.engine.ResubmitRefined(ctx, h.sessionID, h.guesser, "you felt like you did not matter")
	if err != nil {
		t.Fatalf("ResubmitRefined failed: %v", err)
	}
	if attempt.Status != domain.AttemptRevealed {
		t.Fatalf("attempt = %s, want revealed", attempt.Status)
	}

	// The cached verdict is untouched by the advisory pass.
	result, err := h.repo.GetReconcilerResult(ctx, h.sessionID, h.guesser, h.subject)
	if err != nil {
		t.Fatalf("GetReconcilerResult failed: %v", err)
	}
	if result.ID != out.Result.ID || result.AlignmentScore != 35 {
		t.Fatalf("cached verdict was rewritten: %+v", result)
	}
}

func TestResubmitAdvisoryFailureReveals(t *testing.T) {
	t.Parallel()
	fa := &fakeAnalyzer{analysis: significantAnalysis()}
	h := newHarness(t, fa)
	h.submitGuess(t)
	ctx := context.Background()

	out, err := h.engine.Reconcile(ctx, h.sessionID, h.guesser)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if _, err := h.negotiator.Respond(ctx, h.sessionID, h.subject, out.Offer.ID, RespondAccept, ""); err != nil {
		t.Fatalf("Respond failed: %v", err)
	}

	fa.set(nil, errors.New("model unavailable"))
	attempt, err := h.engine.ResubmitRefined(ctx, h.sessionID, h.guesser, "revised")
	if err != nil {
		t.Fatalf("ResubmitRefined failed: %v", err)
	}
	if attempt.Status != domain.AttemptRevealed {
		t.Fatalf("attempt = %s, want revealed when advisory analysis fails", attempt.Status)
	}
}

func TestSweeperExpiresLikeDecline(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeAnalyzer{analysis: significantAnalysis()})
	h.submitGuess(t)
	ctx := context.Background()

	out, err := h.engine.Reconcile(ctx, h.sessionID, h.guesser)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if out.Attempt.Status != domain.AttemptAwaitingSharing {
		t.Fatalf("attempt = %s, want awaiting_sharing", out.Attempt.Status)
	}

	sweeper := NewOfferSweeper(h.repo, h.ledger, h.notifier, audit.Noop{}, slog.Default(), 0, time.Minute)
	// Zero TTL makes every open offer stale.
	sweeper.now = func() time.Time { return time.Now().Add(time.Second) }
	sweeper.Sweep(ctx)

	offer, err := h.repo.GetShareOffer(ctx, out.Offer.ID)
	if err != nil {
		t.Fatalf("GetShareOffer failed: %v", err)
	}
	if offer.Status != domain.OfferDeclined {
		t.Fatalf("offer = %s, want declined after expiry", offer.Status)
	}
	if got := h.attemptStatus(t); got != domain.AttemptRevealed {
		t.Fatalf("attempt = %s, want revealed after expiry", got)
	}
}

func TestBreakerReadPathNeverCreates(t *testing.T) {
	t.Parallel()
	h := newHarness(t, &fakeAnalyzer{analysis: proceedAnalysis()})
	ctx := context.Background()

	attempts, skip, err := h.breaker.Check(ctx, h.sessionID, h.guesser, h.subject)
	if err != nil || attempts != 0 || skip {
		t.Fatalf("Check = (%d, %v, %v), want zero attempts on fresh direction", attempts, skip, err)
	}
	n, err := h.repo.GetRefinementAttempts(ctx, h.sessionID, domain.DirectionKey(h.guesser, h.subject))
	if err != nil || n != 0 {
		t.Fatalf("read path created state: (%d, %v)", n, err)
	}

	for i := 1; i <= domain.RefinementAttemptLimit+1; i++ {
		count, tripped, err := h.breaker.Record(ctx, h.sessionID, h.guesser, h.subject)
		if err != nil {
			t.Fatalf("Record failed: %v", err)
		}
		wantTripped := i > domain.RefinementAttemptLimit
		if count != i || tripped != wantTripped {
			t.Fatalf("round %d: Record = (%d, %v), want (%d, %v)", i, count, tripped, i, wantTripped)
		}
	}
}

// flakyResultStore fails the first N verdict writes with a scripted error.
type flakyResultStore struct {
	store.Repository
	mu       sync.Mutex
	failures int
	calls    int
	err      error
}

func (s *flakyResultStore) CreateReconcilerResult(ctx context.Context, r *domain.ReconcilerResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if s.calls <= s.failures {
		return s.err
	}
	return s.Repository.CreateReconcilerResult(ctx, r)
}

func (s *flakyResultStore) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func (h *harness) engineWith(repo store.Repository, fa *fakeAnalyzer) *Engine {
	engine := NewEngine(repo, h.ledger, h.tracker, witness.NewProvider(h.repo), h.negotiator, h.breaker, fa, h.notifier, audit.Noop{}, slog.Default())
	engine.sleep = func(time.Duration) {}
	return engine
}

func TestPersistRetriesLockContention(t *testing.T) {
	t.Parallel()
	fa := &fakeAnalyzer{analysis: proceedAnalysis()}
	h := newHarness(t, fa)
	h.submitGuess(t)

	flaky := &flakyResultStore{Repository: h.repo, failures: 2, err: errors.New("stmt exec: SQLITE_BUSY")}
	engine := h.engineWith(flaky, fa)

	out, err := engine.Reconcile(context.Background(), h.sessionID, h.guesser)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if out.Degraded {
		t.Fatalf("busy retries should land the write, got degraded outcome: %+v", out)
	}
	if got := flaky.callCount(); got != 3 {
		t.Fatalf("CreateReconcilerResult called %d times, want 3", got)
	}
}

func TestPersistBailsOnNonContentionError(t *testing.T) {
	t.Parallel()
	fa := &fakeAnalyzer{analysis: proceedAnalysis()}
	h := newHarness(t, fa)
	h.submitGuess(t)

	broken := &flakyResultStore{Repository: h.repo, failures: 100, err: errors.New("disk I/O error")}
	engine := h.engineWith(broken, fa)

	out, err := engine.Reconcile(context.Background(), h.sessionID, h.guesser)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if !out.Degraded {
		t.Fatalf("a non-contention write failure must degrade, got %+v", out)
	}
	if got := broken.callCount(); got != 1 {
		t.Fatalf("CreateReconcilerResult called %d times, want no retries", got)
	}
}

