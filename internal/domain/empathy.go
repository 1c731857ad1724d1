package domain

import (
	"time"
)

// AttemptStatus is the lifecycle state of an empathy attempt. Transitions are
// forward-only: HELD -> (REVEALED | AWAITING_SHARING) -> REFINING -> REVEALED.
// REVEALED is terminal.
type AttemptStatus string

const (
	AttemptHeld            AttemptStatus = "held"
	AttemptAwaitingSharing AttemptStatus = "awaiting_sharing"
	AttemptRefining        AttemptStatus = "refining"
	AttemptRevealed        AttemptStatus = "revealed"
)

// DeliveryStatus tracks whether disclosed content reached, and was seen by,
// its recipient. The SEEN transition is driven by a "viewed the session after
// sharedAt" signal, never by the reconciler itself.
type DeliveryStatus string

const (
	DeliveryNone      DeliveryStatus = ""
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliverySeen      DeliveryStatus = "seen"
)

// EmpathyAttempt is the single empathy statement per (session, source user)
// direction and its lifecycle.
type EmpathyAttempt struct {
	SessionID      string         `json:"session_id"`
	SourceUserID   string         `json:"source_user_id"`
	Content        string         `json:"content"`
	Status         AttemptStatus  `json:"status"`
	SharedAt       *time.Time     `json:"shared_at,omitempty"`
	RevealedAt     *time.Time     `json:"revealed_at,omitempty"`
	DeliveryStatus DeliveryStatus `json:"delivery_status,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Terminal reports whether the attempt has reached its final state.
func (a *EmpathyAttempt) Terminal() bool {
	return a.Status == AttemptRevealed
}
