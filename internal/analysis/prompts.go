package analysis

import (
	"fmt"
	"strings"
)

const gapAnalysisSystem = `You assess how well one person's empathy guess matches what their counterpart actually expressed. You never invent feelings the counterpart did not express. Respond with a single JSON object and nothing else, using exactly these keys:
{
  "alignment_score": <integer 0-100>,
  "correctly_identified": [<strings>],
  "gap_severity": "none" | "minor" | "moderate" | "significant",
  "missed_feelings": [<strings>],
  "misattributions": [<strings>],
  "most_important_gap": <string or "">,
  "recommended_action": "proceed" | "offer_optional" | "offer_sharing",
  "rationale": <one sentence>,
  "sharing_would_help": <boolean>
}`

func buildGapAnalysisPrompt(guesserStatement, subjectContent string, themes []string) string {
	var b strings.Builder
	b.WriteString(gapAnalysisSystem)
	b.WriteString("\n\nEmpathy guess (what the guesser believes the other person experienced):\n")
	b.WriteString(guesserStatement)
	b.WriteString("\n\nWhat the other person actually expressed, in their own words:\n")
	b.WriteString(subjectContent)
	if len(themes) > 0 {
		b.WriteString("\n\nThemes extracted from their account: ")
		b.WriteString(strings.Join(themes, ", "))
	}
	return b.String()
}

const suggestShareSystem = `You help someone decide what they could share with their counterpart to close an empathy gap. Ground the suggestion strictly in what they already expressed; never invent new feelings or events, and never quote the counterpart. Keep the suggestion to two or three sentences in their voice. Respond with a single JSON object and nothing else:
{
  "suggested_content": <string>,
  "reason": <one sentence explaining why sharing this could help>
}`

func buildSuggestSharePrompt(req SuggestShareRequest) string {
	var b strings.Builder
	b.WriteString(suggestShareSystem)
	fmt.Fprintf(&b, "\n\n%s's counterpart %s made an empathy guess that missed something.", req.SubjectName, req.GuesserName)
	if req.GapSummary != "" {
		fmt.Fprintf(&b, "\nGap summary: %s", req.GapSummary)
	}
	if req.MostImportantGap != "" {
		fmt.Fprintf(&b, "\nMost important gap: %s", req.MostImportantGap)
	}
	fmt.Fprintf(&b, "\n\nWhat %s expressed earlier, in their own words:\n%s", req.SubjectName, req.SubjectContent)
	return b.String()
}
