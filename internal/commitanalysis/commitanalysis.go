// Package commitanalysis implements the Commit Analyser (C2): per-commit
// structural suspicion scoring, sequence-level burst and idle-burst
// detection, hourly timing distribution, and aggregate statistics (§4.2).
package commitanalysis

import (
	"math"
	"strings"
	"time"

	"github.com/contestproctor/engine/internal/model"
)

const (
	burstWindowMs = 5 * 60 * 1000
	idleGapMs     = 30 * 60 * 1000
	minIdleRun    = 3
)

// Result is everything C2 derives from one chronologically ordered commit
// sequence.
type Result struct {
	SuspiciousCommits []model.SuspiciousCommit
	BurstCommits      []model.BurstCommit
	IdleBursts        []model.IdleBurst
	Stats             model.CommitStats
	AvgCommitScore    float64
}

// ScoreCommit computes the per-commit suspicion score and its triggered
// reasons (§4.2's "Per-commit score"). prev is nil for the first commit in
// a sequence.
func ScoreCommit(cur model.Commit, prev *model.Commit) (float64, []string) {
	var score float64
	var reasons []string

	totalChange := cur.Additions + cur.Deletions
	if totalChange > 500 && len(strings.TrimSpace(cur.Message)) < 15 {
		score += 0.5
		reasons = append(reasons, "large_commit_short_msg")
	}
	if totalChange > 1000 {
		score += 0.3
		reasons = append(reasons, "very_large_commit")
	}
	if prev != nil {
		delta := cur.TimestampMs - prev.TimestampMs
		if delta > 0 && delta < burstWindowMs {
			score += 0.2
			reasons = append(reasons, "burst_commit")
		}
	}
	if cur.FilesChanged == 1 && cur.Additions > 200 && cur.Deletions < 10 {
		score += 0.4
		reasons = append(reasons, "single_file_bulk_add")
	}

	if score > 1.0 {
		score = 1.0
	}
	return round3(score), reasons
}

// Analyze runs the full C2 pipeline over a chronologically ordered
// (oldest-first) commit sequence.
func Analyze(commits []model.Commit) Result {
	var res Result
	res.Stats.HourHistogram = [24]int{}

	if len(commits) == 0 {
		return res
	}

	var scoreSum float64
	var positiveIntervalSum int64
	var positiveIntervalCount int

	// idle-burst lookahead state
	idleRunLen := 0
	var idleStartIdx int = -1
	var idleGap int64

	for i, c := range commits {
		var prev *model.Commit
		if i > 0 {
			prev = &commits[i-1]
		}

		score, reasons := ScoreCommit(c, prev)
		scoreSum += score
		if score > 0 {
			res.SuspiciousCommits = append(res.SuspiciousCommits, model.SuspiciousCommit{
				CommitID:    c.ID,
				Score:       score,
				Reasons:     reasons,
				TimestampMs: c.TimestampMs,
			})
		}

		res.Stats.TotalAdditions += c.Additions
		res.Stats.TotalDeletions += c.Deletions
		res.Stats.TotalFilesChanged += c.FilesChanged
		res.Stats.HourHistogram[hourOf(c.TimestampMs)]++

		if prev != nil {
			delta := c.TimestampMs - prev.TimestampMs
			res.Stats.TotalGapMs += delta

			if delta > 0 && delta < burstWindowMs {
				res.BurstCommits = append(res.BurstCommits, model.BurstCommit{
					FromCommitID: prev.ID,
					ToCommitID:   c.ID,
					DeltaMs:      delta,
				})
				positiveIntervalSum += delta
				positiveIntervalCount++

				if idleStartIdx >= 0 {
					idleRunLen++
				}
			} else {
				if delta > 0 {
					positiveIntervalSum += delta
					positiveIntervalCount++
				}
				if idleStartIdx >= 0 && idleRunLen >= minIdleRun {
					res.IdleBursts = append(res.IdleBursts, model.IdleBurst{
						StartCommitID:    commits[idleStartIdx].ID,
						GapMs:            idleGap,
						BurstCommitCount: idleRunLen + 1,
					})
				}
				idleStartIdx = -1
				idleRunLen = 0
			}

			if delta > idleGapMs {
				if idleStartIdx >= 0 && idleRunLen >= minIdleRun {
					res.IdleBursts = append(res.IdleBursts, model.IdleBurst{
						StartCommitID:    commits[idleStartIdx].ID,
						GapMs:            idleGap,
						BurstCommitCount: idleRunLen + 1,
					})
				}
				idleStartIdx = i
				idleGap = delta
				idleRunLen = 0
			}
		}
	}

	if idleStartIdx >= 0 && idleRunLen >= minIdleRun {
		res.IdleBursts = append(res.IdleBursts, model.IdleBurst{
			StartCommitID:    commits[idleStartIdx].ID,
			GapMs:            idleGap,
			BurstCommitCount: idleRunLen + 1,
		})
	}

	n := len(commits)
	res.Stats.TotalCommits = n
	res.Stats.AvgAdditions = roundInt(float64(res.Stats.TotalAdditions) / float64(n))
	res.Stats.AvgDeletions = roundInt(float64(res.Stats.TotalDeletions) / float64(n))
	res.Stats.AvgFilesChanged = roundInt(float64(res.Stats.TotalFilesChanged) / float64(n))
	if positiveIntervalCount > 0 {
		res.Stats.AvgIntervalMs = int64(math.Round(float64(positiveIntervalSum) / float64(positiveIntervalCount)))
	}

	res.AvgCommitScore = round3(scoreSum / float64(n))

	if len(res.SuspiciousCommits) > model.MaxSuspiciousCommits {
		res.SuspiciousCommits = res.SuspiciousCommits[len(res.SuspiciousCommits)-model.MaxSuspiciousCommits:]
	}
	if len(res.BurstCommits) > model.MaxBurstCommits {
		res.BurstCommits = res.BurstCommits[len(res.BurstCommits)-model.MaxBurstCommits:]
	}

	return res
}

// SourceSuspicionScore aggregates a repo's avg commit score, idle-burst
// count, and highest cross-repo similarity into the record-level score
// (§4.2's "Source suspicion aggregation").
func SourceSuspicionScore(avgCommitScore float64, idleBurstCount int, highestSimilarity float64) float64 {
	score := 0.35 * avgCommitScore
	score += math.Min(0.25, 0.1*float64(idleBurstCount))

	switch {
	case highestSimilarity >= 0.8:
		// Boundary behaviour (§8): a similarity exactly at the configured
		// 0.8 threshold must trigger the full plagiarism contribution.
		score += 0.4
	case highestSimilarity > 0.5:
		score += 0.3 * highestSimilarity
	}

	if score > 1.0 {
		score = 1.0
	}
	return round3(score)
}

func hourOf(tsMs int64) int {
	return time.UnixMilli(tsMs).UTC().Hour()
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}

func roundInt(v float64) int {
	return int(math.Round(v))
}
