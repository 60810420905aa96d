package sync

import (
	"context"

	"github.com/contestproctor/engine/internal/commitanalysis"
	"github.com/contestproctor/engine/internal/events"
	"github.com/contestproctor/engine/internal/fingerprint"
	"github.com/contestproctor/engine/internal/metrics"
	"github.com/contestproctor/engine/internal/model"
)

// crossCompare fetches each syncable participant's repo files and runs C1's
// cross-repo scan, appending similarity records to both sides of every
// match and recomputing sourceSuspicionScore for each affected participant
// (§4.6).
func (s *Scheduler) crossCompare(ctx context.Context, participantIDs []string) error {
	return s.crossCompareAt(ctx, participantIDs, s.config.SimilarityThreshold)
}

// CompareNow runs an on-demand cross-comparison between exactly the given
// participants (§6's POST /source/compare), optionally overriding the
// configured similarity threshold.
func (s *Scheduler) CompareNow(ctx context.Context, participantIDs []string, threshold float64) error {
	if threshold <= 0 {
		threshold = s.config.SimilarityThreshold
	}
	return s.crossCompareAt(ctx, participantIDs, threshold)
}

func (s *Scheduler) crossCompareAt(ctx context.Context, participantIDs []string, threshold float64) error {
	type repoEntry struct {
		record *model.SourceAnalysisRecord
		files  []model.RepoFile
	}

	records, err := s.store.ListRegisteredSourceAnalyses(ctx)
	if err != nil {
		return err
	}
	byParticipant := make(map[string]*model.SourceAnalysisRecord, len(records))
	for _, r := range records {
		byParticipant[r.ParticipantID] = r
	}

	entries := make(map[string]*repoEntry, len(participantIDs))
	eligible := 0
	for _, pid := range participantIDs {
		record := byParticipant[pid]
		if record == nil {
			continue
		}

		branch := record.DefaultBranch
		if branch == "" {
			branch = "main"
		}
		files, err := s.client.FetchFiles(ctx, record.Owner, record.Repo, branch)
		if err != nil {
			metrics.SyncRepoFailuresTotal.WithLabelValues("fetch_files_error").Inc()
			continue
		}
		if len(files) == 0 {
			continue
		}
		entries[pid] = &repoEntry{record: record, files: files}
		eligible++
	}

	if eligible < 2 {
		return nil
	}

	repos := make(map[string][]model.RepoFile, len(entries))
	for pid, e := range entries {
		repos[pid] = e.files
	}

	matches := fingerprint.CrossRepoScan(repos, threshold, s.config.FingerprintConfig)
	if len(matches) == 0 {
		return nil
	}
	metrics.CrossRepoMatchesTotal.WithLabelValues().Add(float64(len(matches)))

	affected := make(map[string]struct{})
	for _, m := range matches {
		entryA, entryB := entries[m.RepoA], entries[m.RepoB]
		if entryA == nil || entryB == nil {
			continue
		}

		entryA.record.SimilarityMatches = appendSimilarity(entryA.record.SimilarityMatches, model.SimilarityMatch{
			OtherParticipantID: entryB.record.ParticipantID,
			OtherOwner:         entryB.record.Owner,
			OtherRepo:          entryB.record.Repo,
			File1:              m.PathA,
			File2:              m.PathB,
			Similarity:         m.Similarity,
		})
		entryB.record.SimilarityMatches = appendSimilarity(entryB.record.SimilarityMatches, model.SimilarityMatch{
			OtherParticipantID: entryA.record.ParticipantID,
			OtherOwner:         entryA.record.Owner,
			OtherRepo:          entryA.record.Repo,
			File1:              m.PathB,
			File2:              m.PathA,
			Similarity:         m.Similarity,
		})

		if m.Similarity > entryA.record.HighestSimilarity {
			entryA.record.HighestSimilarity = m.Similarity
		}
		if m.Similarity > entryB.record.HighestSimilarity {
			entryB.record.HighestSimilarity = m.Similarity
		}
		affected[m.RepoA] = struct{}{}
		affected[m.RepoB] = struct{}{}
	}

	for pid := range affected {
		e := entries[pid]
		e.record.SourceSuspicionScore = commitanalysis.SourceSuspicionScore(
			e.record.AvgCommitSuspicionScore, len(e.record.IdleBursts), e.record.HighestSimilarity)

		if err := s.store.PersistSourceAnalysis(ctx, e.record); err != nil {
			return err
		}
		if s.emitter != nil {
			s.emitter.Emit(events.TypeSourceAnalysisUpdated, "sync", e.record.ParticipantID, map[string]interface{}{
				"participantId":        e.record.ParticipantID,
				"owner":                e.record.Owner,
				"repo":                 e.record.Repo,
				"highestSimilarity":    e.record.HighestSimilarity,
				"sourceSuspicionScore": e.record.SourceSuspicionScore,
			})
		}
	}

	return nil
}

// appendSimilarity appends a match and truncates to §3's bound (last 200),
// keeping the most recent entries on overflow.
func appendSimilarity(matches []model.SimilarityMatch, m model.SimilarityMatch) []model.SimilarityMatch {
	matches = append(matches, m)
	if len(matches) > model.MaxSimilarityMatches {
		matches = matches[len(matches)-model.MaxSimilarityMatches:]
	}
	return matches
}
