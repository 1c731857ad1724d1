// Package analysis wraps the LLM collaborators that grade empathy gaps and
// draft share suggestions. Both collaborators are unreliable by contract:
// callers own the fallback behavior when a call fails or returns malformed
// output.
package analysis

import (
	"context"
	"errors"

	"github.com/mendlabs/mend/internal/domain"
)

// ErrUnavailable is returned when no collaborator is configured. Callers
// treat it like any other analysis failure.
var ErrUnavailable = errors.New("analysis collaborator unavailable")

// GapAnalysis is the structured gap-analysis result for one direction.
type GapAnalysis struct {
	AlignmentScore      int                   `json:"alignment_score"`
	CorrectlyIdentified []string              `json:"correctly_identified"`
	GapSeverity         domain.GapSeverity    `json:"gap_severity"`
	MissedFeelings      []string              `json:"missed_feelings"`
	Misattributions     []string              `json:"misattributions"`
	MostImportantGap    string                `json:"most_important_gap"`
	RecommendedAction   domain.Recommendation `json:"recommended_action"`
	Rationale           string                `json:"rationale"`
	SharingWouldHelp    bool                  `json:"sharing_would_help"`
}

// ShareSuggestion is the suggestion collaborator's output: a short,
// content-grounded suggestion of what the subject could share, plus a
// one-line rationale.
type ShareSuggestion struct {
	SuggestedContent string `json:"suggested_content"`
	Reason           string `json:"reason"`
}

// SuggestShareRequest carries the inputs for a share suggestion. The gap
// summary is privacy-safe (abstract labels only); SubjectContent is content
// the subject already produced, never the guesser's text.
type SuggestShareRequest struct {
	SubjectName      string
	GuesserName      string
	GapSummary       string
	MostImportantGap string
	SubjectContent   string
}

// GapAnalyzer grades how well a guesser's statement matches the subject's
// expressed experience.
type GapAnalyzer interface {
	AnalyzeGap(ctx context.Context, guesserStatement, subjectContent string, themes []string) (*GapAnalysis, error)
}

// ShareSuggester drafts what a subject could consent to share.
type ShareSuggester interface {
	SuggestShare(ctx context.Context, req SuggestShareRequest) (*ShareSuggestion, error)
}

// Unavailable is the collaborator used when no API key is configured. Every
// call fails with ErrUnavailable, which downstream degrades to conservative
// defaults.
type Unavailable struct{}

// AnalyzeGap always fails.
func (Unavailable) AnalyzeGap(_ context.Context, _, _ string, _ []string) (*GapAnalysis, error) {
	return nil, ErrUnavailable
}

// SuggestShare always fails.
func (Unavailable) SuggestShare(_ context.Context, _ SuggestShareRequest) (*ShareSuggestion, error) {
	return nil, ErrUnavailable
}
