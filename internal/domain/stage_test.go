package domain

import "testing"

func TestStageSequence(t *testing.T) {
	t.Parallel()
	want := []string{"invite", "grounding", "witnessing", "empathy", "perspective", "closure"}

	s := StageInvite
	for i, name := range want {
		if s.String() != name {
			t.Fatalf("stage %d = %q, want %q", i, s.String(), name)
		}
		next, ok := s.Next()
		if i == len(want)-1 {
			if ok {
				t.Fatalf("closure must be final, got next %s", next)
			}
			break
		}
		if !ok {
			t.Fatalf("stage %s unexpectedly final", s)
		}
		s = next
	}

	if Stage(99).Valid() {
		t.Fatal("out-of-range stage must not validate")
	}
	if Stage(99).String() != "unknown" {
		t.Fatalf("out-of-range stage name = %q", Stage(99).String())
	}
}

func TestDirectionKeyOrdered(t *testing.T) {
	t.Parallel()
	if DirectionKey("a", "b") == DirectionKey("b", "a") {
		t.Fatal("direction keys must be ordered, not symmetric")
	}
	if DirectionKey("a", "b") != "a->b" {
		t.Fatalf("DirectionKey = %q", DirectionKey("a", "b"))
	}
}

func TestOfferStatusOpen(t *testing.T) {
	t.Parallel()
	open := []OfferStatus{OfferPending, OfferOffered}
	closed := []OfferStatus{OfferAccepted, OfferDeclined}
	for _, s := range open {
		if !s.Open() {
			t.Errorf("%s must be open", s)
		}
	}
	for _, s := range closed {
		if s.Open() {
			t.Errorf("%s must be closed", s)
		}
	}
}

func TestAttemptTerminal(t *testing.T) {
	t.Parallel()
	for _, s := range []AttemptStatus{AttemptHeld, AttemptAwaitingSharing, AttemptRefining} {
		if (&EmpathyAttempt{Status: s}).Terminal() {
			t.Errorf("%s must not be terminal", s)
		}
	}
	if !(&EmpathyAttempt{Status: AttemptRevealed}).Terminal() {
		t.Error("revealed must be terminal")
	}
}

func TestSessionMembership(t *testing.T) {
	t.Parallel()
	s := &Session{ID: "s1", InitiatorID: "alice"}

	if s.IsFull() {
		t.Fatal("session without partner must not be full")
	}
	if got := s.CounterpartOf("alice"); got != "" {
		t.Fatalf("counterpart before join = %q, want empty", got)
	}
	if s.IsParticipant("") {
		t.Fatal("empty user ID must never be a participant")
	}

	s.PartnerID = "bob"
	if !s.IsFull() || !s.IsParticipant("bob") {
		t.Fatal("joined session must be full with both participants")
	}
	if s.CounterpartOf("alice") != "bob" || s.CounterpartOf("bob") != "alice" {
		t.Fatal("counterpart lookup broken")
	}
	if s.CounterpartOf("carol") != "" {
		t.Fatal("stranger must have no counterpart")
	}
}
