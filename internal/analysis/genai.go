package analysis

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"google.golang.org/genai"
)

// GenAIClient implements GapAnalyzer and ShareSuggester against the Gemini
// API. All calls run in JSON mode with a per-call timeout so a slow model
// surfaces as an error instead of blocking the reconcile path.
type GenAIClient struct {
	client  *genai.Client
	model   string
	timeout time.Duration
	logger  *slog.Logger
}

// NewGenAIClient creates a Gemini-backed collaborator.
func NewGenAIClient(ctx context.Context, apiKey, model string, timeout time.Duration, logger *slog.Logger) (*GenAIClient, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GenAIClient{
		client:  client,
		model:   model,
		timeout: timeout,
		logger:  logger,
	}, nil
}

// AnalyzeGap grades the guesser's statement against the subject's expressed
// experience. Malformed or out-of-range model output is an error, never a
// silently patched result.
func (c *GenAIClient) AnalyzeGap(ctx context.Context, guesserStatement, subjectContent string, themes []string) (*GapAnalysis, error) {
	prompt := buildGapAnalysisPrompt(guesserStatement, subjectContent, themes)

	raw, err := c.generateJSON(ctx, prompt, 0.2)
	if err != nil {
		return nil, err
	}

	var ga GapAnalysis
	if err := json.Unmarshal([]byte(raw), &ga); err != nil {
		return nil, fmt.Errorf("failed to parse gap analysis: %w", err)
	}
	if ga.AlignmentScore < 0 || ga.AlignmentScore > 100 {
		return nil, fmt.Errorf("gap analysis alignment_score out of range: %d", ga.AlignmentScore)
	}
	if !ga.GapSeverity.Valid() {
		return nil, fmt.Errorf("gap analysis returned unknown severity %q", ga.GapSeverity)
	}
	if !ga.RecommendedAction.Valid() {
		return nil, fmt.Errorf("gap analysis returned unknown action %q", ga.RecommendedAction)
	}
	return &ga, nil
}

// SuggestShare drafts a consented-share suggestion in the subject's voice.
func (c *GenAIClient) SuggestShare(ctx context.Context, req SuggestShareRequest) (*ShareSuggestion, error) {
	prompt := buildSuggestSharePrompt(req)

	raw, err := c.generateJSON(ctx, prompt, 0.7)
	if err != nil {
		return nil, err
	}

	var s ShareSuggestion
	if err := json.Unmarshal([]byte(raw), &s); err != nil {
		return nil, fmt.Errorf("failed to parse share suggestion: %w", err)
	}
	if strings.TrimSpace(s.SuggestedContent) == "" {
		return nil, fmt.Errorf("share suggestion came back empty")
	}
	return &s, nil
}

func (c *GenAIClient) generateJSON(ctx context.Context, prompt string, temperature float32) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	start := time.Now()
	resp, err := c.client.Models.GenerateContent(ctx, c.model, genai.Text(prompt), &genai.GenerateContentConfig{
		ResponseMIMEType: "application/json",
		Temperature:      genai.Ptr[float32](temperature),
	})
	if err != nil {
		return "", fmt.Errorf("genai generate failed: %w", err)
	}
	c.logger.Debug("genai call completed", "model", c.model, "duration_ms", time.Since(start).Milliseconds())

	text := stripJSONFences(resp.Text())
	if text == "" {
		return "", fmt.Errorf("genai returned empty response")
	}
	return text, nil
}

// stripJSONFences removes a markdown code fence if the model wrapped its JSON
// in one despite the JSON response mode.
func stripJSONFences(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
	}
	return strings.TrimSpace(s)
}
