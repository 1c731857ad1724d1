package witness

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/mendlabs/mend/internal/domain"
	"github.com/mendlabs/mend/internal/store"
)

func newTestProvider(t *testing.T) (*Provider, store.Repository) {
	t.Helper()
	repo, err := store.NewSQLite(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewSQLite failed: %v", err)
	}
	t.Cleanup(func() { _ = repo.Close() })
	return NewProvider(repo), repo
}

func appendMsg(t *testing.T, repo store.Repository, userID string, role domain.MessageRole, stage domain.Stage, kind domain.MessageKind, content string, at time.Time) {
	t.Helper()
	err := repo.AppendMessage(context.Background(), &domain.Message{
		ID:        uuid.NewString(),
		SessionID: "s1",
		UserID:    userID,
		Role:      role,
		Stage:     stage,
		Kind:      kind,
		Content:   content,
		CreatedAt: at,
	})
	if err != nil {
		t.Fatalf("AppendMessage failed: %v", err)
	}
}

func TestAccountCollectsOnlyWitnessingChat(t *testing.T) {
	t.Parallel()
	p, repo := newTestProvider(t)
	ctx := context.Background()
	now := time.Now()

	appendMsg(t, repo, "alice", domain.RoleUser, domain.StageWitnessing, domain.KindChat, "I felt left out.", now)
	appendMsg(t, repo, "alice", domain.RoleUser, domain.StageWitnessing, domain.KindChat, "It kept happening.", now.Add(time.Second))
	// Excluded: assistant turns, other stages, other users, non-chat kinds.
	appendMsg(t, repo, "alice", domain.RoleAssistant, domain.StageWitnessing, domain.KindChat, "tell me more", now)
	appendMsg(t, repo, "alice", domain.RoleUser, domain.StageGrounding, domain.KindChat, "grounding talk", now)
	appendMsg(t, repo, "alice", domain.RoleAssistant, domain.StageWitnessing, domain.KindGuidance, "guidance", now)
	appendMsg(t, repo, "bob", domain.RoleUser, domain.StageWitnessing, domain.KindChat, "bob's account", now)

	account, err := p.Account(ctx, "s1", "alice")
	if err != nil {
		t.Fatalf("Account failed: %v", err)
	}
	want := "I felt left out.\n\nIt kept happening."
	if account.Content != want {
		t.Fatalf("Content = %q, want %q", account.Content, want)
	}
}

func TestAccountEmptyWithoutExpression(t *testing.T) {
	t.Parallel()
	p, _ := newTestProvider(t)

	account, err := p.Account(context.Background(), "s1", "nobody")
	if err != nil {
		t.Fatalf("Account failed: %v", err)
	}
	if account.Content != "" || len(account.Themes) != 0 {
		t.Fatalf("expected empty account, got %+v", account)
	}
}

func TestRecordThemesRoundTrip(t *testing.T) {
	t.Parallel()
	p, _ := newTestProvider(t)
	ctx := context.Background()

	if err := p.RecordThemes(ctx, "s1", "alice", []string{"belonging", "trust"}); err != nil {
		t.Fatalf("RecordThemes failed: %v", err)
	}
	// Later extraction replaces the stored set.
	if err := p.RecordThemes(ctx, "s1", "alice", []string{"belonging", "trust", "safety"}); err != nil {
		t.Fatalf("RecordThemes failed: %v", err)
	}

	account, err := p.Account(ctx, "s1", "alice")
	if err != nil {
		t.Fatalf("Account failed: %v", err)
	}
	if len(account.Themes) != 3 || account.Themes[2] != "safety" {
		t.Fatalf("unexpected themes: %v", account.Themes)
	}
}
