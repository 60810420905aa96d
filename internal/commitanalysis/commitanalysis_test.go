package commitanalysis

import (
	"testing"

	"github.com/contestproctor/engine/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBurstCommits_Scenario(t *testing.T) {
	commits := []model.Commit{
		{ID: "c1", Message: "init", TimestampMs: 0, Additions: 10, FilesChanged: 1},
		{ID: "c2", Message: "x", TimestampMs: 60_000, Additions: 20, FilesChanged: 1},
		{ID: "c3", Message: "y", TimestampMs: 90_000, Additions: 30, FilesChanged: 1},
	}
	res := Analyze(commits)
	require.Len(t, res.BurstCommits, 2)
	assert.Equal(t, "c1", res.BurstCommits[0].FromCommitID)
	assert.Equal(t, "c2", res.BurstCommits[0].ToCommitID)
	assert.Equal(t, "c2", res.BurstCommits[1].FromCommitID)
	assert.Equal(t, "c3", res.BurstCommits[1].ToCommitID)
	require.Len(t, res.SuspiciousCommits, 2)
	assert.Contains(t, res.SuspiciousCommits[0].Reasons, "burst_commit")
	assert.Equal(t, 0.133, res.AvgCommitScore)
}

func TestIdleThenBurst_Scenario(t *testing.T) {
	minute := int64(60_000)
	commits := []model.Commit{
		{ID: "c0", Message: "a", TimestampMs: 0 * minute, Additions: 1, FilesChanged: 1},
		{ID: "c1", Message: "b", TimestampMs: 45 * minute, Additions: 1, FilesChanged: 1},
		{ID: "c2", Message: "c", TimestampMs: 46 * minute, Additions: 1, FilesChanged: 1},
		{ID: "c3", Message: "d", TimestampMs: 47 * minute, Additions: 1, FilesChanged: 1},
		{ID: "c4", Message: "e", TimestampMs: 48 * minute, Additions: 1, FilesChanged: 1},
	}
	res := Analyze(commits)
	require.Len(t, res.IdleBursts, 1)
	assert.Equal(t, "c1", res.IdleBursts[0].StartCommitID)
	assert.Equal(t, 4, res.IdleBursts[0].BurstCommitCount)
	require.Len(t, res.BurstCommits, 3)
}

func TestBurstBoundary(t *testing.T) {
	exactlyFive := []model.Commit{
		{ID: "a", TimestampMs: 0},
		{ID: "b", TimestampMs: 5 * 60 * 1000},
	}
	res := Analyze(exactlyFive)
	assert.Empty(t, res.BurstCommits, "Δt = 5min exactly must not count as a burst")

	justUnderFive := []model.Commit{
		{ID: "a", TimestampMs: 0},
		{ID: "b", TimestampMs: 4*60*1000 + 59*1000},
	}
	res2 := Analyze(justUnderFive)
	assert.Len(t, res2.BurstCommits, 1)
}

func TestScoreCommit_NoOutOfOrderBurstCredit(t *testing.T) {
	prev := model.Commit{ID: "p", TimestampMs: 1000}
	cur := model.Commit{ID: "c", TimestampMs: 500, Message: "x", FilesChanged: 1}
	score, reasons := ScoreCommit(cur, &prev)
	assert.Equal(t, 0.0, score)
	assert.NotContains(t, reasons, "burst_commit")
}

func TestSourceSuspicionScore_Boundary(t *testing.T) {
	assert.Equal(t, 0.4, SourceSuspicionScore(0, 0, 0.80))
	assert.Equal(t, round3(0.3*0.79), SourceSuspicionScore(0, 0, 0.79))
}

func TestAnalyze_EmptyInput(t *testing.T) {
	res := Analyze(nil)
	assert.Equal(t, 0, res.Stats.TotalCommits)
	assert.Zero(t, res.Stats.AvgIntervalMs)
	assert.Empty(t, res.SuspiciousCommits)
}

func TestAnalyze_Idempotent(t *testing.T) {
	commits := []model.Commit{
		{ID: "a", TimestampMs: 0, Additions: 600, Message: "x"},
		{ID: "b", TimestampMs: 600_000, Additions: 10, FilesChanged: 1},
	}
	r1 := Analyze(commits)
	r2 := Analyze(commits)
	assert.Equal(t, r1.AvgCommitScore, r2.AvgCommitScore)
	assert.Equal(t, r1.Stats, r2.Stats)
}
