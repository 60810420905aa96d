package store

import (
	"context"
	"log"
	"sync"

	"github.com/google/uuid"

	"github.com/contestproctor/engine/internal/model"
)

// MemoryStore is the in-memory Gateway implementation. It is the default
// for contest deployments that run as a single process, and the double
// used by the ingest/sync test suites.
type MemoryStore struct {
	mu sync.RWMutex

	participantsByID        map[string]*model.Participant
	participantIDByMachine  map[string]string
	events                  map[string][]model.Event
	typingPatterns          map[string]*model.TypingPattern
	sourceAnalyses          map[string]*model.SourceAnalysisRecord // key: participantID|owner|repo

	logger *log.Logger
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		participantsByID:       make(map[string]*model.Participant),
		participantIDByMachine: make(map[string]string),
		events:                 make(map[string][]model.Event),
		typingPatterns:         make(map[string]*model.TypingPattern),
		sourceAnalyses:         make(map[string]*model.SourceAnalysisRecord),
		logger:                 log.New(log.Writer(), "[store] ", log.LstdFlags),
	}
}

func sourceKey(participantID, owner, repo string) string {
	return participantID + "|" + owner + "|" + repo
}

func (s *MemoryStore) UpsertParticipant(ctx context.Context, machineID, sessionID, workspace string) (*model.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := nowUTC()
	if id, ok := s.participantIDByMachine[machineID]; ok {
		p := s.participantsByID[id]
		p.LastActive = now
		p.SessionID = sessionID
		if workspace != "" {
			p.Workspace = workspace
		}
		return cloneParticipant(p), nil
	}

	p := &model.Participant{
		ID:         uuid.NewString(),
		MachineID:  machineID,
		SessionID:  sessionID,
		Workspace:  workspace,
		StartedAt:  now,
		LastActive: now,
	}
	s.participantsByID[p.ID] = p
	s.participantIDByMachine[machineID] = p.ID
	return cloneParticipant(p), nil
}

func (s *MemoryStore) GetParticipant(ctx context.Context, participantID string) (*model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.participantsByID[participantID]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneParticipant(p), nil
}

func (s *MemoryStore) SaveParticipant(ctx context.Context, p *model.Participant) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participantsByID[p.ID]; !ok {
		return ErrNotFound
	}
	stored := cloneParticipant(p)
	s.participantsByID[p.ID] = stored
	return nil
}

func (s *MemoryStore) ListParticipants(ctx context.Context) ([]*model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.Participant, 0, len(s.participantsByID))
	for _, p := range s.participantsByID {
		out = append(out, cloneParticipant(p))
	}
	return out, nil
}

func (s *MemoryStore) AppendEvents(ctx context.Context, participantID string, events []model.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.participantsByID[participantID]; !ok {
		return ErrNotFound
	}
	s.events[participantID] = append(s.events[participantID], events...)
	return nil
}

func (s *MemoryStore) ListEvents(ctx context.Context, participantID string, filter EventFilter) ([]model.Event, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.events[participantID]
	matched := make([]model.Event, 0, len(all))
	for i := len(all) - 1; i >= 0; i-- {
		e := all[i]
		if filter.Kind != "" && e.Kind != filter.Kind {
			continue
		}
		if filter.FlaggedOnly && !e.Flagged {
			continue
		}
		matched = append(matched, e)
	}

	total := len(matched)
	return paginateEvents(matched, filter.Offset, filter.Limit), total, nil
}

func paginateEvents(events []model.Event, offset, limit int) []model.Event {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(events) {
		return []model.Event{}
	}
	end := len(events)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return append([]model.Event(nil), events[offset:end]...)
}

func (s *MemoryStore) UpdateTypingPattern(ctx context.Context, participantID string, newIntervals []float64) (*model.TypingPattern, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, ok := s.typingPatterns[participantID]
	var merged []float64
	if ok {
		merged = append(append([]float64(nil), existing.Intervals...), newIntervals...)
	} else {
		merged = append([]float64(nil), newIntervals...)
	}
	merged = truncateTypingIntervals(merged)

	pattern := computeTypingStats(participantID, merged)
	s.typingPatterns[participantID] = &pattern

	out := pattern
	out.Intervals = append([]float64(nil), pattern.Intervals...)
	return &out, nil
}

func (s *MemoryStore) RecentClipboardCount(ctx context.Context, participantID string, sinceMs int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, e := range s.events[participantID] {
		if e.Kind == model.EventClipboard && e.Timestamp >= sinceMs {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) HasAnyTypingEvent(ctx context.Context, participantID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.events[participantID] {
		if e.Kind == model.EventTyping || e.Kind == model.EventFileChange {
			return true, nil
		}
	}
	return false, nil
}

func (s *MemoryStore) GetOrCreateSourceAnalysis(ctx context.Context, participantID, owner, repo string) (*model.SourceAnalysisRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sourceKey(participantID, owner, repo)
	if rec, ok := s.sourceAnalyses[key]; ok {
		return cloneSourceAnalysis(rec), nil
	}

	rec := &model.SourceAnalysisRecord{
		ParticipantID: participantID,
		Owner:         owner,
		Repo:          repo,
	}
	s.sourceAnalyses[key] = rec
	return cloneSourceAnalysis(rec), nil
}

func (s *MemoryStore) PersistSourceAnalysis(ctx context.Context, record *model.SourceAnalysisRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := sourceKey(record.ParticipantID, record.Owner, record.Repo)
	stored := cloneSourceAnalysis(record)
	stored.SuspiciousCommits = truncateSuspiciousCommits(stored.SuspiciousCommits)
	stored.BurstCommits = truncateBurstCommits(stored.BurstCommits)
	stored.SimilarityMatches = truncateSimilarityMatches(stored.SimilarityMatches)
	s.sourceAnalyses[key] = stored
	return nil
}

func (s *MemoryStore) ListRegisteredSourceAnalyses(ctx context.Context) ([]*model.SourceAnalysisRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.SourceAnalysisRecord, 0, len(s.sourceAnalyses))
	for _, rec := range s.sourceAnalyses {
		out = append(out, cloneSourceAnalysis(rec))
	}
	return out, nil
}

func cloneParticipant(p *model.Participant) *model.Participant {
	cp := *p
	return &cp
}

func cloneSourceAnalysis(r *model.SourceAnalysisRecord) *model.SourceAnalysisRecord {
	cp := *r
	cp.SuspiciousCommits = append([]model.SuspiciousCommit(nil), r.SuspiciousCommits...)
	cp.BurstCommits = append([]model.BurstCommit(nil), r.BurstCommits...)
	cp.IdleBursts = append([]model.IdleBurst(nil), r.IdleBursts...)
	cp.SimilarityMatches = append([]model.SimilarityMatch(nil), r.SimilarityMatches...)
	return &cp
}

var _ Gateway = (*MemoryStore)(nil)
