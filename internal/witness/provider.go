// Package witness exposes what a participant expressed during the witnessing
// stage, as input for gap analysis. Only the subject's own words and stored
// themes ever leave this package.
package witness

import (
	"context"
	"strings"

	"github.com/mendlabs/mend/internal/domain"
)

// Store is the persistence surface the provider needs.
type Store interface {
	ListStageUserMessages(ctx context.Context, sessionID, userID string, stage domain.Stage) ([]*domain.Message, error)
	GetWitnessThemes(ctx context.Context, sessionID, userID string) ([]string, error)
	SetWitnessThemes(ctx context.Context, sessionID, userID string, themes []string) error
}

// Account is a participant's witnessing-stage record: their own words plus
// any themes the conversation layer extracted.
type Account struct {
	Content string
	Themes  []string
}

// Provider assembles witnessing accounts.
type Provider struct {
	store Store
}

func NewProvider(store Store) *Provider {
	return &Provider{store: store}
}

// Account returns the participant's witnessing content and themes. Content is
// the concatenation of their own chat messages from the witnessing stage;
// an empty Content means the participant has not expressed anything yet.
func (p *Provider) Account(ctx context.Context, sessionID, userID string) (*Account, error) {
	msgs, err := p.store.ListStageUserMessages(ctx, sessionID, userID, domain.StageWitnessing)
	if err != nil {
		return nil, err
	}

	var parts []string
	for _, m := range msgs {
		if m.Role == domain.RoleUser && m.Kind == domain.KindChat {
			text := strings.TrimSpace(m.Content)
			if text != "" {
				parts = append(parts, text)
			}
		}
	}

	themes, err := p.store.GetWitnessThemes(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	return &Account{
		Content: strings.Join(parts, "\n\n"),
		Themes:  themes,
	}, nil
}

// RecordThemes stores extracted themes for later analysis.
func (p *Provider) RecordThemes(ctx context.Context, sessionID, userID string, themes []string) error {
	return p.store.SetWitnessThemes(ctx, sessionID, userID, themes)
}
