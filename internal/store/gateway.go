// Package store implements the Store Gateway (C4): a narrow persistence
// contract (§4.4) with in-memory and Postgres implementations.
package store

import (
	"context"
	"errors"
	"math"
	"time"

	"github.com/contestproctor/engine/internal/model"
)

var ErrNotFound = errors.New("store: not found")

// EventFilter narrows a ListEvents read.
type EventFilter struct {
	Kind        model.EventKind
	FlaggedOnly bool
	Limit       int
	Offset      int
}

// Gateway is the contract the rest of the engine depends on. Implementations
// must not leak their storage technology into the interface shape.
type Gateway interface {
	UpsertParticipant(ctx context.Context, machineID, sessionID, workspace string) (*model.Participant, error)
	GetParticipant(ctx context.Context, participantID string) (*model.Participant, error)
	SaveParticipant(ctx context.Context, p *model.Participant) error
	ListParticipants(ctx context.Context) ([]*model.Participant, error)

	AppendEvents(ctx context.Context, participantID string, events []model.Event) error

	// ListEvents reads back a participant's event timeline for the
	// dashboard detail view (§6's GET /participant/{id}), newest first.
	// Not part of C4's original narrow contract (§4.4 lists only the
	// write-side and recentContext helpers); added because the dashboard
	// read surface has nowhere else to get events[] from.
	ListEvents(ctx context.Context, participantID string, filter EventFilter) ([]model.Event, int, error)

	UpdateTypingPattern(ctx context.Context, participantID string, newIntervals []float64) (*model.TypingPattern, error)

	RecentClipboardCount(ctx context.Context, participantID string, sinceMs int64) (int, error)
	HasAnyTypingEvent(ctx context.Context, participantID string) (bool, error)

	GetOrCreateSourceAnalysis(ctx context.Context, participantID, owner, repo string) (*model.SourceAnalysisRecord, error)
	PersistSourceAnalysis(ctx context.Context, record *model.SourceAnalysisRecord) error
	ListRegisteredSourceAnalyses(ctx context.Context) ([]*model.SourceAnalysisRecord, error)
}

// truncateTypingIntervals enforces §3's typing pattern bound: cap at 10000
// samples, keep the most recent 8000 on overflow.
func truncateTypingIntervals(intervals []float64) []float64 {
	if len(intervals) <= model.TypingPatternMaxSamples {
		return intervals
	}
	return append([]float64(nil), intervals[len(intervals)-model.TypingPatternKeepTail:]...)
}

func computeTypingStats(participantID string, intervals []float64) model.TypingPattern {
	pattern := model.TypingPattern{
		ParticipantID: participantID,
		Intervals:     intervals,
		SampleCount:   len(intervals),
	}
	if len(intervals) == 0 {
		return pattern
	}

	var sum float64
	for _, v := range intervals {
		sum += v
	}
	mean := sum / float64(len(intervals))

	var variance float64
	for _, v := range intervals {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(intervals))

	pattern.MeanInterval = mean
	pattern.Variance = variance
	pattern.StdDev = math.Sqrt(variance)
	if mean > 0 {
		pattern.WPM = 60000 / mean / 5
	}
	return pattern
}

func truncateSuspiciousCommits(list []model.SuspiciousCommit) []model.SuspiciousCommit {
	if len(list) <= model.MaxSuspiciousCommits {
		return list
	}
	return list[len(list)-model.MaxSuspiciousCommits:]
}

func truncateBurstCommits(list []model.BurstCommit) []model.BurstCommit {
	if len(list) <= model.MaxBurstCommits {
		return list
	}
	return list[len(list)-model.MaxBurstCommits:]
}

func truncateSimilarityMatches(list []model.SimilarityMatch) []model.SimilarityMatch {
	if len(list) <= model.MaxSimilarityMatches {
		return list
	}
	return list[len(list)-model.MaxSimilarityMatches:]
}

func nowUTC() time.Time {
	return time.Now().UTC()
}
