package domain

import (
	"time"
)

// GapSeverity grades how much a guesser's statement misses the subject's
// actual expressed experience.
type GapSeverity string

const (
	GapNone        GapSeverity = "none"
	GapMinor       GapSeverity = "minor"
	GapModerate    GapSeverity = "moderate"
	GapSignificant GapSeverity = "significant"
)

// Valid reports whether s is a known severity.
func (s GapSeverity) Valid() bool {
	switch s {
	case GapNone, GapMinor, GapModerate, GapSignificant:
		return true
	}
	return false
}

// Recommendation is the reconciler's next-step decision for a direction.
type Recommendation string

const (
	RecommendProceed       Recommendation = "proceed"
	RecommendOfferOptional Recommendation = "offer_optional"
	RecommendOfferSharing  Recommendation = "offer_sharing"
)

// Valid reports whether r is a known recommendation.
func (r Recommendation) Valid() bool {
	switch r {
	case RecommendProceed, RecommendOfferOptional, RecommendOfferSharing:
		return true
	}
	return false
}

// ReconcilerResult is the write-once cached outcome for one directed pair
// (guesser -> subject). It is a PRIVATE analysis artifact: AreaHint and
// GuidanceType are abstract labels chosen from a fixed vocabulary so that
// later refinement prompts can reference that a gap exists without ever
// reproducing either party's words. Consented disclosure lives exclusively on
// ReconcilerShareOffer.
type ReconcilerResult struct {
	ID             string         `json:"result_id"`
	SessionID      string         `json:"session_id"`
	GuesserID      string         `json:"guesser_id"`
	SubjectID      string         `json:"subject_id"`
	AlignmentScore int            `json:"alignment_score"`
	Severity       GapSeverity    `json:"gap_severity"`
	Recommendation Recommendation `json:"recommendation"`
	AreaHint       string         `json:"area_hint,omitempty"`
	GuidanceType   string         `json:"guidance_type,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}

// OfferStatus is the lifecycle state of a share offer. ACCEPTED and DECLINED
// are terminal.
type OfferStatus string

const (
	OfferPending  OfferStatus = "pending"
	OfferOffered  OfferStatus = "offered"
	OfferAccepted OfferStatus = "accepted"
	OfferDeclined OfferStatus = "declined"
)

// Open reports whether the offer can still be responded to.
func (s OfferStatus) Open() bool {
	return s == OfferPending || s == OfferOffered
}

// ReconcilerShareOffer is the CONSENTED disclosure artifact: at most one per
// ReconcilerResult, created only for significant gaps. SharedContent is set
// only after the subject accepts (possibly with their own refinement) and is
// the only reconciler-produced content that ever crosses to the guesser.
type ReconcilerShareOffer struct {
	ID               string         `json:"offer_id"`
	ResultID         string         `json:"result_id"`
	SessionID        string         `json:"session_id"`
	GuesserID        string         `json:"guesser_id"`
	SubjectID        string         `json:"subject_id"`
	Status           OfferStatus    `json:"status"`
	SuggestedContent string         `json:"suggested_content"`
	SuggestedReason  string         `json:"suggested_reason"`
	RefinedContent   *string        `json:"refined_content,omitempty"`
	SharedContent    *string        `json:"shared_content,omitempty"`
	DeliveryStatus   DeliveryStatus `json:"delivery_status,omitempty"`
	CreatedAt        time.Time      `json:"created_at"`
	RespondedAt      *time.Time     `json:"responded_at,omitempty"`
}

// RefinementAttemptLimit caps guided refinement rounds per direction. The
// circuit breaker trips strictly when attempts exceed this value.
const RefinementAttemptLimit = 3

// DirectionKey builds the canonical "guesser->subject" key for per-direction
// state. Directions are independent: A->B never affects B->A.
func DirectionKey(guesserID, subjectID string) string {
	return guesserID + "->" + subjectID
}
