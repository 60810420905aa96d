package store

import (
	"context"
	"testing"

	"github.com/contestproctor/engine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUpsertParticipant_CreatesThenReuses(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()

	p1, err := s.UpsertParticipant(ctx, "m-clean", "sess-1", "ws-1")
	require.NoError(t, err)
	require.NotEmpty(t, p1.ID)

	p2, err := s.UpsertParticipant(ctx, "m-clean", "sess-2", "")
	require.NoError(t, err)
	assert.Equal(t, p1.ID, p2.ID)
	assert.Equal(t, "sess-2", p2.SessionID)
	assert.Equal(t, "ws-1", p2.Workspace, "empty workspace on re-upsert keeps the prior value")
}

func TestTypingPattern_TruncatesToEightThousand(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p, _ := s.UpsertParticipant(ctx, "m-1", "sess", "")

	first := make([]float64, 9000)
	for i := range first {
		first[i] = 150
	}
	_, err := s.UpdateTypingPattern(ctx, p.ID, first)
	require.NoError(t, err)

	second := make([]float64, 2000)
	for i := range second {
		second[i] = 150
	}
	pattern, err := s.UpdateTypingPattern(ctx, p.ID, second)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(pattern.Intervals), model.TypingPatternMaxSamples)
	assert.Equal(t, model.TypingPatternKeepTail, len(pattern.Intervals))
}

func TestRecentClipboardCount(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p, _ := s.UpsertParticipant(ctx, "m-1", "sess", "")

	err := s.AppendEvents(ctx, p.ID, []model.Event{
		{ID: "e1", Kind: model.EventClipboard, Timestamp: 1000},
		{ID: "e2", Kind: model.EventClipboard, Timestamp: 500},
		{ID: "e3", Kind: model.EventPaste, Timestamp: 1000},
	})
	require.NoError(t, err)

	count, err := s.RecentClipboardCount(ctx, p.ID, 900)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestHasAnyTypingEvent(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	p, _ := s.UpsertParticipant(ctx, "m-1", "sess", "")

	has, err := s.HasAnyTypingEvent(ctx, p.ID)
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, s.AppendEvents(ctx, p.ID, []model.Event{{ID: "e1", Kind: model.EventTyping}}))

	has, err = s.HasAnyTypingEvent(ctx, p.ID)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestPersistSourceAnalysis_TruncatesBoundedLists(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	rec, err := s.GetOrCreateSourceAnalysis(ctx, "p1", "acme", "repo")
	require.NoError(t, err)

	for i := 0; i < model.MaxSuspiciousCommits+10; i++ {
		rec.SuspiciousCommits = append(rec.SuspiciousCommits, model.SuspiciousCommit{CommitID: "c"})
	}
	require.NoError(t, s.PersistSourceAnalysis(ctx, rec))

	stored, err := s.GetOrCreateSourceAnalysis(ctx, "p1", "acme", "repo")
	require.NoError(t, err)
	assert.LessOrEqual(t, len(stored.SuspiciousCommits), model.MaxSuspiciousCommits)
}

func TestGetParticipant_NotFound(t *testing.T) {
	s := NewMemoryStore()
	_, err := s.GetParticipant(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}
