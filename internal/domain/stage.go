package domain

import (
	"time"
)

// Stage is one step of the ordered repair-conversation sequence. Each
// participant moves through the sequence independently; completed stages are
// always a prefix of the sequence (no skipping, no regressing).
type Stage int

const (
	StageInvite Stage = iota
	StageGrounding
	StageWitnessing
	StageEmpathy
	StagePerspective
	StageClosure
)

var stageNames = map[Stage]string{
	StageInvite:      "invite",
	StageGrounding:   "grounding",
	StageWitnessing:  "witnessing",
	StageEmpathy:     "empathy",
	StagePerspective: "perspective",
	StageClosure:     "closure",
}

func (s Stage) String() string {
	if name, ok := stageNames[s]; ok {
		return name
	}
	return "unknown"
}

// Valid reports whether s is part of the defined sequence.
func (s Stage) Valid() bool {
	_, ok := stageNames[s]
	return ok
}

// Next returns the following stage, or false if s is the final stage.
func (s Stage) Next() (Stage, bool) {
	next := s + 1
	return next, next.Valid()
}

// StageStatus is the lifecycle state of one (session, user, stage) record.
type StageStatus string

const (
	StageNotStarted  StageStatus = "not_started"
	StageInProgress  StageStatus = "in_progress"
	StageGatePending StageStatus = "gate_pending"
	StageCompleted   StageStatus = "completed"
)

// GateKey identifies one entry in a stage's gate map. Typed keys replace the
// unstructured blob the gate map would otherwise be, while the map itself
// keeps merge-don't-overwrite semantics for partial updates.
type GateKey string

const (
	// GateFeltHeard is set on the subject's witnessing stage when they confirm
	// feeling heard. Satisfying it is the reconciler's main trigger.
	GateFeltHeard GateKey = "felt_heard"

	// GateCheckOffered marks that a perspective check (share offer) was
	// surfaced to the subject. Written by the reconciler, not the stage owner.
	GateCheckOffered GateKey = "reconciler_check_offered"

	// GateShareDelivered marks that consented context from the counterpart
	// reached the guesser during refinement.
	GateShareDelivered GateKey = "share_delivered"

	// GateGuidanceSent marks that abstract refinement guidance was pushed to
	// the guesser after a resubmission.
	GateGuidanceSent GateKey = "refine_guidance_sent"
)

// GateValue is the recorded state of one gate.
type GateValue struct {
	Done bool      `json:"done"`
	Note string    `json:"note,omitempty"`
	At   time.Time `json:"at"`
}

// StageProgress is the durable per-(session, user, stage) record.
type StageProgress struct {
	SessionID   string                `json:"session_id"`
	UserID      string                `json:"user_id"`
	Stage       Stage                 `json:"stage"`
	Status      StageStatus           `json:"status"`
	Gates       map[GateKey]GateValue `json:"gates"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt *time.Time            `json:"completed_at,omitempty"`
}

// Active reports whether the stage is the user's current one.
func (p *StageProgress) Active() bool {
	return p.Status == StageInProgress || p.Status == StageGatePending
}

// GateDone reports whether the given gate has been satisfied.
func (p *StageProgress) GateDone(key GateKey) bool {
	if p == nil || p.Gates == nil {
		return false
	}
	return p.Gates[key].Done
}
