package ingest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contestproctor/engine/internal/admission"
	"github.com/contestproctor/engine/internal/events"
	"github.com/contestproctor/engine/internal/store"
)

func newTestPipeline() *Pipeline {
	gw := store.NewMemoryStore()
	bus := events.NewEventBus()
	limiter := admission.NewRateLimiter(admission.RateLimitConfig{})
	return New(gw, bus, limiter)
}

func TestProcessBatch_RejectsMissingMachineID(t *testing.T) {
	p := newTestPipeline()
	batch := admission.IngestBatch{Participant: admission.RawParticipant{}}

	_, err := p.ProcessBatch(context.Background(), batch, "1.2.3.4")
	require.Error(t, err)

	apiErr, ok := err.(interface{ HTTPStatus() int })
	require.True(t, ok)
	assert.Equal(t, 400, apiErr.HTTPStatus())
}

func TestProcessBatch_AccumulatesCountersAndScores(t *testing.T) {
	p := newTestPipeline()
	batch := admission.IngestBatch{
		Participant: admission.RawParticipant{MachineID: "machine-1"},
		Events: []admission.RawEvent{
			{Kind: "paste", Timestamp: 1000, Data: map[string]interface{}{"length": 600.0}},
			{Kind: "clipboard", Timestamp: 1001, Data: map[string]interface{}{}},
		},
	}

	result, err := p.ProcessBatch(context.Background(), batch, "1.2.3.4")
	require.NoError(t, err)
	assert.Equal(t, 2, result.BatchSize)
	assert.InDelta(t, 0.054, result.ParticipantScore, 0.001)
}

func TestProcessBatch_SecondBatchAccumulatesOnSameParticipant(t *testing.T) {
	p := newTestPipeline()
	participant := admission.RawParticipant{MachineID: "machine-2"}

	first := admission.IngestBatch{
		Participant: participant,
		Events: []admission.RawEvent{
			{Kind: "paste", Timestamp: 1000, Data: map[string]interface{}{"length": 600.0}},
		},
	}
	_, err := p.ProcessBatch(context.Background(), first, "1.2.3.4")
	require.NoError(t, err)

	var result *Result
	for i := 0; i < 50; i++ {
		batch := admission.IngestBatch{
			Participant: participant,
			Events: []admission.RawEvent{
				{Kind: "paste", Timestamp: int64(1001 + i), Data: map[string]interface{}{"length": 400.0}},
			},
		}
		result, err = p.ProcessBatch(context.Background(), batch, "1.2.3.4")
		require.NoError(t, err)
	}

	// 51 total pastes, 600 + 50*400 = 20600 chars, matching the
	// participant-score formula exactly (see DESIGN.md's note on this
	// scenario's narrative threshold vs. the formula).
	assert.InDelta(t, 0.609, result.ParticipantScore, 0.001)
}

func TestProcessBatch_RejectsTooManyEvents(t *testing.T) {
	p := newTestPipeline()
	events := make([]admission.RawEvent, 501)
	for i := range events {
		events[i] = admission.RawEvent{Kind: "clipboard", Timestamp: 1, Data: map[string]interface{}{}}
	}
	batch := admission.IngestBatch{
		Participant: admission.RawParticipant{MachineID: "machine-3"},
		Events:      events,
	}

	_, err := p.ProcessBatch(context.Background(), batch, "1.2.3.4")
	require.Error(t, err)
}

func TestProcessBatch_RateLimitBoundary(t *testing.T) {
	gw := store.NewMemoryStore()
	bus := events.NewEventBus()
	limiter := admission.NewRateLimiter(admission.RateLimitConfig{GlobalPerMinute: 1000, PerParticipantPerMin: 1})
	p := New(gw, bus, limiter)

	batch := admission.IngestBatch{Participant: admission.RawParticipant{MachineID: "machine-4"}}

	_, err := p.ProcessBatch(context.Background(), batch, "1.2.3.4")
	require.NoError(t, err)

	_, err = p.ProcessBatch(context.Background(), batch, "1.2.3.4")
	require.Error(t, err)
}

func TestProcessBatch_WindowBlurAccumulatesTotalMs(t *testing.T) {
	p := newTestPipeline()
	batch := admission.IngestBatch{
		Participant: admission.RawParticipant{MachineID: "machine-5"},
		Events: []admission.RawEvent{
			{Kind: "window_blur", Timestamp: 1000, Data: map[string]interface{}{"focused": false, "unfocusedDurationMs": 700000.0}},
		},
	}

	result, err := p.ProcessBatch(context.Background(), batch, "1.2.3.4")
	require.NoError(t, err)
	assert.Greater(t, result.ParticipantScore, 0.0)
}
