// Package metrics exposes the engine's Prometheus instrumentation: ingest
// throughput and scoring, sync-cycle duration, and fabric fan-out counts.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	IngestBatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_ingest_batches_total",
		Help: "Ingest batches processed, by outcome.",
	}, []string{"outcome"})

	IngestEventsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_ingest_events_total",
		Help: "Individual events ingested, by kind.",
	}, []string{"kind"})

	IngestBatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "proctor_ingest_batch_duration_seconds",
		Help:    "Wall-clock time to process one ingest batch.",
		Buckets: prometheus.DefBuckets,
	}, []string{})

	AlertsEmittedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_alerts_emitted_total",
		Help: "Alerts evaluated as triggering, by level.",
	}, []string{"level"})

	SyncCyclesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_sync_cycles_total",
		Help: "Sync scheduler cycles, by outcome (completed, failed, skipped_running).",
	}, []string{"outcome"})

	SyncCycleDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "proctor_sync_cycle_duration_seconds",
		Help:    "Wall-clock time of one full sync cycle.",
		Buckets: prometheus.DefBuckets,
	}, []string{})

	SyncRepoFailuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_sync_repo_failures_total",
		Help: "Per-repo sync failures that did not abort the cycle.",
	}, []string{"reason"})

	CrossRepoMatchesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_cross_repo_matches_total",
		Help: "Cross-repository similarity matches found above threshold.",
	}, []string{})

	FabricFramesSentTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_fabric_frames_sent_total",
		Help: "Frames delivered to observers, by frame type.",
	}, []string{"frame_type"})

	FabricObserversGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "proctor_fabric_observers",
		Help: "Currently connected observers on this pod; only the room label value \"total\" is set.",
	}, []string{"room"})

	RateLimitRejectionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "proctor_rate_limit_rejections_total",
		Help: "Requests rejected by admission control rate limits.",
	}, []string{"scope"})
)
