package domain

import (
	"time"
)

// MessageRole identifies the author side of a transcript message.
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// MessageKind distinguishes ordinary conversation from reconciler-produced
// deliveries.
type MessageKind string

const (
	// KindChat is an ordinary transcript message.
	KindChat MessageKind = "chat"
	// KindShareDelivery carries consented counterpart context to the guesser,
	// with a reflection prompt.
	KindShareDelivery MessageKind = "share_delivery"
	// KindShareMirror is the subject's own copy of what they shared.
	KindShareMirror MessageKind = "share_mirror"
	// KindGuidance carries abstract refinement guidance to the guesser.
	KindGuidance MessageKind = "guidance"
)

// Message is one entry of a participant's private transcript. Messages are
// scoped to (session, user): a participant never sees the counterpart's
// transcript.
type Message struct {
	ID        string      `json:"message_id"`
	SessionID string      `json:"session_id"`
	UserID    string      `json:"user_id"`
	Role      MessageRole `json:"role"`
	Stage     Stage       `json:"stage"`
	Kind      MessageKind `json:"kind"`
	Content   string      `json:"content"`
	CreatedAt time.Time   `json:"created_at"`
}
