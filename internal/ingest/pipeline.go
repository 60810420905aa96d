// Package ingest implements the Ingest Pipeline (C5): the eleven-step
// admit-score-persist-fanout algorithm a telemetry batch goes through
// (§4.5).
package ingest

import (
	"context"
	"log"
	"time"

	"github.com/google/uuid"

	"github.com/contestproctor/engine/internal/admission"
	"github.com/contestproctor/engine/internal/apierr"
	"github.com/contestproctor/engine/internal/events"
	"github.com/contestproctor/engine/internal/metrics"
	"github.com/contestproctor/engine/internal/model"
	"github.com/contestproctor/engine/internal/scoring"
	"github.com/contestproctor/engine/internal/store"
)

// Pipeline wires the Store Gateway, Event Scorer, and admission control
// together to process one ingest batch end to end. It publishes domain
// events onto the CloudEvent bus rather than talking to the Live Fabric
// directly (§4.7's fan-out is the bus's consumer, via fabric.EventBridge).
type Pipeline struct {
	store   store.Gateway
	emitter events.EventEmitter
	limiter *admission.RateLimiter
	clock   func() time.Time
	logger  *log.Logger
}

// New builds a Pipeline. emitter may be nil, in which case fan-out is
// skipped (used by callers that run the pipeline headless, e.g. load tests).
func New(gw store.Gateway, emitter events.EventEmitter, limiter *admission.RateLimiter) *Pipeline {
	return &Pipeline{
		store:   gw,
		emitter: emitter,
		limiter: limiter,
		clock:   time.Now,
		logger:  log.New(log.Writer(), "[ingest] ", log.LstdFlags),
	}
}

// Result is what a successful ProcessBatch returns (§6's ingest response).
type Result struct {
	ParticipantScore float64 `json:"participantScore"`
	BatchSize        int     `json:"batchSize"`
}

// ProcessBatch runs the full §4.5 algorithm for one submitted batch.
func (p *Pipeline) ProcessBatch(ctx context.Context, batch admission.IngestBatch, sourceIP string) (*Result, error) {
	start := p.clock()

	// Step 1: admission control. Validation and rate limiting happen
	// before any store I/O.
	if err := admission.ValidateIngestBatch(batch); err != nil {
		metrics.IngestBatchesTotal.WithLabelValues("rejected_validation").Inc()
		return nil, err
	}

	rateKey := batch.Participant.MachineID
	if rateKey == "" {
		rateKey = sourceIP
	}
	if p.limiter != nil && !p.limiter.Allow(rateKey) {
		metrics.RateLimitRejectionsTotal.WithLabelValues("ingest").Inc()
		metrics.IngestBatchesTotal.WithLabelValues("rate_limited").Inc()
		return nil, apierr.New(apierr.RateLimited, "ingest rate limit exceeded")
	}

	// Step 2: upsert the participant.
	participant, err := p.store.UpsertParticipant(ctx, batch.Participant.MachineID, batch.Participant.SessionID, batch.Participant.Workspace)
	if err != nil {
		metrics.IngestBatchesTotal.WithLabelValues("store_error").Inc()
		return nil, apierr.Wrap(apierr.StoreUnavailable, "upsert participant", err)
	}

	// Step 3: recent context.
	recentCtx, err := p.recentContext(ctx, participant.ID)
	if err != nil {
		metrics.IngestBatchesTotal.WithLabelValues("store_error").Inc()
		return nil, apierr.Wrap(apierr.StoreUnavailable, "build recent context", err)
	}

	// Step 4: batch-local typing statistics.
	typingStats := batchTypingStats(batch.TypingPattern)

	// Step 5: score each event and accumulate counter deltas.
	events, counterDeltas := p.scoreEvents(participant.ID, batch.Events, typingStats, recentCtx)

	// Step 6: bulk-append events. Individual row failures do not abort the
	// batch or roll back the counter updates applied below.
	if err := p.store.AppendEvents(ctx, participant.ID, events); err != nil {
		p.logger.Printf("append events failed for participant %s: %v", participant.ID, err)
	}

	// Step 7: append typing intervals, recompute pattern statistics.
	intervals := make([]float64, len(batch.TypingPattern))
	for i, s := range batch.TypingPattern {
		intervals[i] = s.Interval
	}
	if len(intervals) > 0 {
		if _, err := p.store.UpdateTypingPattern(ctx, participant.ID, intervals); err != nil {
			p.logger.Printf("update typing pattern failed for participant %s: %v", participant.ID, err)
		}
	}

	// Step 8: apply counter deltas, recompute participantScore, persist.
	applyCounterDeltas(participant, counterDeltas)
	participant.TotalEvents += int64(len(events))
	participant.LastActive = p.clock().UTC()
	participant.SuspicionScore = scoring.ParticipantScore(participant.Counters())

	if err := p.store.SaveParticipant(ctx, participant); err != nil {
		metrics.IngestBatchesTotal.WithLabelValues("store_error").Inc()
		return nil, apierr.Wrap(apierr.StoreUnavailable, "save participant", err)
	}

	// Step 9: evaluate alert conditions and fan out on trigger.
	alert := scoring.EvaluateAlert(participant)
	if alert.ShouldAlert {
		metrics.AlertsEmittedTotal.WithLabelValues(string(alert.Level)).Inc()
	}
	if alert.ShouldAlert && p.emitter != nil {
		p.emitter.Emit(events.TypeAlertTriggered, "ingest", participant.ID, map[string]interface{}{
			"level":         string(alert.Level),
			"reasons":       alert.Reasons,
			"score":         alert.Score,
			"participantId": participant.ID,
			"timestamp":     p.clock().UTC(),
		})
	}

	// Step 10: always fan out a participant-updated event.
	if p.emitter != nil {
		p.emitter.Emit(events.TypeParticipantUpdated, "ingest", participant.ID, map[string]interface{}{
			"id":             participant.ID,
			"displayName":    participant.ExternalAccountName,
			"suspicionScore": participant.SuspicionScore,
			"lastActive":     participant.LastActive,
			"totalEvents":    participant.TotalEvents,
			"counters":       counterPayload(participant),
		})
	}

	for _, e := range events {
		metrics.IngestEventsTotal.WithLabelValues(string(e.Kind)).Inc()
	}
	metrics.IngestBatchesTotal.WithLabelValues("completed").Inc()
	metrics.IngestBatchDuration.WithLabelValues().Observe(p.clock().Sub(start).Seconds())

	// Step 11: return the new participantScore and batch size.
	return &Result{ParticipantScore: participant.SuspicionScore, BatchSize: len(events)}, nil
}

func (p *Pipeline) recentContext(ctx context.Context, participantID string) (scoring.RecentContext, error) {
	sinceMs := p.clock().Add(-60 * time.Second).UnixMilli()
	clipboardCount, err := p.store.RecentClipboardCount(ctx, participantID, sinceMs)
	if err != nil {
		return scoring.RecentContext{}, err
	}
	hadTyping, err := p.store.HasAnyTypingEvent(ctx, participantID)
	if err != nil {
		return scoring.RecentContext{}, err
	}
	return scoring.RecentContext{ClipboardChanges60s: clipboardCount, HadTypingBefore: hadTyping}, nil
}

func batchTypingStats(samples []admission.RawTypingSample) scoring.TypingStats {
	if len(samples) == 0 {
		return scoring.TypingStats{}
	}

	var sum float64
	for _, s := range samples {
		sum += s.Interval
	}
	mean := sum / float64(len(samples))

	var variance float64
	for _, s := range samples {
		d := s.Interval - mean
		variance += d * d
	}
	variance /= float64(len(samples))

	return scoring.TypingStats{AvgInterval: mean, Variance: variance}
}

// counterDeltas accumulates the per-batch counter mutations §4.5 step 5
// specifies, applied once after all events are scored.
type counterDeltas struct {
	pasteCount        int64
	pasteCharsTotal   int64
	typingAnomalies   int64
	windowBlurCount   int64
	windowBlurTotalMs int64
	clipboardChanges  int64
	filesCreated      int64
	filesDeleted      int64
}

func (p *Pipeline) scoreEvents(participantID string, raw []admission.RawEvent, typingStats scoring.TypingStats, recentCtx scoring.RecentContext) ([]model.Event, counterDeltas) {
	events := make([]model.Event, 0, len(raw))
	var deltas counterDeltas

	for _, re := range raw {
		kind := model.EventKind(re.Kind)
		score, reasons := scoring.ScoreEvent(kind, re.Data, typingStats, recentCtx)

		events = append(events, model.Event{
			ID:             uuid.NewString(),
			ParticipantID:  participantID,
			Kind:           kind,
			Timestamp:      re.Timestamp,
			Data:           re.Data,
			UserID:         re.UserID,
			Workspace:      re.Workspace,
			SuspicionScore: score,
			Flagged:        scoring.Flagged(score),
			Reasons:        reasons,
		})

		switch kind {
		case model.EventPaste:
			deltas.pasteCount++
			deltas.pasteCharsTotal += int64(dataLen(re.Data))
		case model.EventTyping:
			if _, ok := re.Data["anomaly"]; ok {
				deltas.typingAnomalies++
			}
		case model.EventWindowBlur:
			if focused, ok := re.Data["focused"].(bool); ok && !focused {
				deltas.windowBlurCount++
				deltas.windowBlurTotalMs += int64(dataFloat(re.Data, "unfocusedDurationMs"))
			}
		case model.EventClipboard:
			deltas.clipboardChanges++
		case model.EventFileOperation:
			switch op, _ := re.Data["operation"].(string); op {
			case "create":
				deltas.filesCreated++
			case "delete":
				deltas.filesDeleted++
			}
		}
	}

	return events, deltas
}

func applyCounterDeltas(p *model.Participant, d counterDeltas) {
	p.PasteCount += d.pasteCount
	p.PasteCharsTotal += d.pasteCharsTotal
	p.TypingAnomalies += d.typingAnomalies
	p.WindowBlurCount += d.windowBlurCount
	p.WindowBlurTotalMs += d.windowBlurTotalMs
	p.ClipboardChanges += d.clipboardChanges
	p.FilesCreated += d.filesCreated
	p.FilesDeleted += d.filesDeleted
}

func counterPayload(p *model.Participant) map[string]interface{} {
	return map[string]interface{}{
		"pasteCount":        p.PasteCount,
		"pasteCharsTotal":   p.PasteCharsTotal,
		"typingAnomalies":   p.TypingAnomalies,
		"windowBlurCount":   p.WindowBlurCount,
		"windowBlurTotalMs": p.WindowBlurTotalMs,
		"clipboardChanges":  p.ClipboardChanges,
		"filesCreated":      p.FilesCreated,
		"filesDeleted":      p.FilesDeleted,
	}
}

func dataLen(data map[string]interface{}) int {
	raw, ok := data["length"]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func dataFloat(data map[string]interface{}, key string) float64 {
	raw, ok := data[key]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case int64:
		return float64(v)
	default:
		return 0
	}
}
