// Package domain contains core domain types for the Mend repair-session server.
package domain

import (
	"time"
)

// Session is a repair conversation between exactly two users. Membership is
// immutable once the second participant has joined; the session transitively
// owns all progress, empathy, and reconciliation state.
type Session struct {
	ID          string    `json:"session_id"`
	InitiatorID string    `json:"initiator_id"`
	PartnerID   string    `json:"partner_id,omitempty"`
	Topic       string    `json:"topic,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// IsParticipant reports whether userID is one of the two session members.
func (s *Session) IsParticipant(userID string) bool {
	return userID != "" && (userID == s.InitiatorID || userID == s.PartnerID)
}

// IsFull reports whether both participants are present.
func (s *Session) IsFull() bool {
	return s.PartnerID != ""
}

// CounterpartOf returns the other participant's user ID, or "" if userID is
// not a participant or the partner has not joined yet.
func (s *Session) CounterpartOf(userID string) string {
	switch userID {
	case s.InitiatorID:
		return s.PartnerID
	case s.PartnerID:
		return s.InitiatorID
	default:
		return ""
	}
}

// User is a participant identity established by the anonymous cookie
// middleware.
type User struct {
	UserID     string    `json:"user_id"`
	Username   string    `json:"username"`
	LastSeenAt time.Time `json:"last_seen_at"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}
