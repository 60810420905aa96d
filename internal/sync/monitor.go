package sync

import (
	"context"

	"github.com/contestproctor/engine/internal/commitanalysis"
	"github.com/contestproctor/engine/internal/events"
	"github.com/contestproctor/engine/internal/model"
)

// MonitorNow runs monitorRepository synchronously for one repository,
// returning the updated record (§6's POST /source/sync/{participantId}).
func (s *Scheduler) MonitorNow(ctx context.Context, owner, repo, participantID string) (*model.SourceAnalysisRecord, error) {
	if err := s.monitorRepository(ctx, owner, repo, participantID); err != nil {
		return nil, err
	}
	return s.store.GetOrCreateSourceAnalysis(ctx, participantID, owner, repo)
}

// monitorRepository fetches commits new since the record's
// lastProcessedCommitId, runs C2 over them, merges the result into the
// record, and fans out a source-analysis-updated domain event (§4.6).
func (s *Scheduler) monitorRepository(ctx context.Context, owner, repo, participantID string) error {
	record, err := s.store.GetOrCreateSourceAnalysis(ctx, participantID, owner, repo)
	if err != nil {
		return err
	}

	branch := record.DefaultBranch
	if branch == "" {
		branch = "main"
	}

	commits, err := s.client.ListCommitsSince(ctx, owner, repo, branch, record.LastProcessedCommitID)
	if err != nil {
		return err
	}
	if len(commits) == 0 {
		return nil
	}

	result := commitanalysis.Analyze(commits)
	mergeAnalysis(record, result)

	record.LastProcessedCommitID = commits[len(commits)-1].ID
	record.LastSyncAt = s.clock().UTC()
	record.SourceSuspicionScore = commitanalysis.SourceSuspicionScore(
		record.AvgCommitSuspicionScore, len(record.IdleBursts), record.HighestSimilarity)

	if err := s.store.PersistSourceAnalysis(ctx, record); err != nil {
		return err
	}

	if s.emitter != nil {
		s.emitter.Emit(events.TypeSourceAnalysisUpdated, "sync", record.ParticipantID, map[string]interface{}{
			"participantId":           record.ParticipantID,
			"owner":                   record.Owner,
			"repo":                    record.Repo,
			"sourceSuspicionScore":    record.SourceSuspicionScore,
			"avgCommitSuspicionScore": record.AvgCommitSuspicionScore,
			"lastSyncAt":              record.LastSyncAt,
		})
	}

	return nil
}

// mergeAnalysis folds one monitorRepository cycle's C2 result into the
// persisted record (§4.6): aggregate stats and timing analysis are replaced
// wholesale by this cycle's values, which cover only the commits fetched in
// this cycle, while suspicious-commit and burst-commit lists are appended to
// and then truncated to their bounds.
func mergeAnalysis(record *model.SourceAnalysisRecord, result commitanalysis.Result) {
	record.Stats = result.Stats
	record.IdleBursts = result.IdleBursts
	record.AvgCommitSuspicionScore = result.AvgCommitScore

	record.SuspiciousCommits = append(record.SuspiciousCommits, result.SuspiciousCommits...)
	if len(record.SuspiciousCommits) > model.MaxSuspiciousCommits {
		record.SuspiciousCommits = record.SuspiciousCommits[len(record.SuspiciousCommits)-model.MaxSuspiciousCommits:]
	}

	record.BurstCommits = append(record.BurstCommits, result.BurstCommits...)
	if len(record.BurstCommits) > model.MaxBurstCommits {
		record.BurstCommits = record.BurstCommits[len(record.BurstCommits)-model.MaxBurstCommits:]
	}
}
