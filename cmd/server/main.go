package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cloud.google.com/go/pubsub"

	"github.com/contestproctor/engine/internal/admission"
	"github.com/contestproctor/engine/internal/api"
	"github.com/contestproctor/engine/internal/config"
	"github.com/contestproctor/engine/internal/events"
	"github.com/contestproctor/engine/internal/fabric"
	"github.com/contestproctor/engine/internal/fingerprint"
	"github.com/contestproctor/engine/internal/infra"
	"github.com/contestproctor/engine/internal/ingest"
	"github.com/contestproctor/engine/internal/store"
	"github.com/contestproctor/engine/internal/sync"
)

func main() {
	cfg := config.Get()

	gw, err := newGateway(cfg)
	if err != nil {
		log.Fatalf("store: giving up after retries: %v", err)
	}

	broker := admission.NewTokenBroker(admission.AuthConfig{
		HMACSecret:          cfg.Admission.JWTSecret,
		PreviousHMACSecret:  cfg.Admission.PreviousJWTSecret,
		RotationGracePeriod: time.Duration(cfg.Admission.KeyRotationGraceHour) * time.Hour,
		TokenTTL:            time.Duration(cfg.Admission.TokenTTLHours) * time.Hour,
	})
	limiter := admission.NewRateLimiter(admission.RateLimitConfig{
		GlobalPerMinute:      cfg.Admission.GlobalPerMinute,
		PerParticipantPerMin: cfg.Admission.PerParticipantPerMin,
	})

	eventBus := events.NewEventBus()

	fab := newFabric(cfg)
	defer fab.Close()

	bridge := fabric.NewEventBridge(eventBus, fab)
	bridgeCtx, cancelBridge := context.WithCancel(context.Background())
	go bridge.Start(bridgeCtx)
	defer cancelBridge()

	pipeline := ingest.New(gw, eventBus, limiter)
	ingestHandler := ingest.NewHandler(pipeline)

	var scheduler *sync.Scheduler
	if cfg.SyncEnabled() {
		client := sync.NewSourceClient(cfg.Sync.RemoteBaseURL, cfg.Sync.SourceToken, time.Duration(cfg.Sync.RemoteTimeoutSec)*time.Second)
		scheduler = sync.NewScheduler(gw, client, eventBus, sync.Config{
			Interval:            time.Duration(cfg.Sync.IntervalMinutes) * time.Minute,
			StartupDelay:        time.Duration(cfg.Sync.StartupDelaySec) * time.Second,
			SimilarityThreshold: cfg.Fingerprint.SimilarityThreshold,
			FingerprintConfig: fingerprint.Config{
				K: cfg.Fingerprint.KGramSize,
				W: cfg.Fingerprint.WindowSize,
			},
		})
		schedCtx, cancelSched := context.WithCancel(context.Background())
		go scheduler.Start(schedCtx)
		defer cancelSched()
		slog.Info("sync scheduler started", "interval_min", cfg.Sync.IntervalMinutes)
	} else {
		slog.Info("sync scheduler disabled (no SOURCE_TOKEN configured)")
	}

	server := api.NewAPIServer(gw, ingestHandler, fab, scheduler, broker, cfg.Server.CORSAllowOrigins, cfg.Admission.IngestPublic)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigChan
		slog.Info("shutdown signal received")
		if scheduler != nil {
			scheduler.Stop()
		}
		bridge.Stop()
		os.Exit(0)
	}()

	slog.Info("contest proctoring engine starting", "port", cfg.GetPort(), "env", cfg.Server.Env)
	if err := server.Start(cfg.GetPort()); err != nil {
		log.Fatalf("server failed to start: %v", err)
	}
}

// newGateway opens the configured Store Gateway, retrying a Postgres
// connection with exponential backoff (capped at the configured ceiling)
// before giving up, per §6's startup contract. An empty Store.URI selects
// the in-memory gateway outright.
func newGateway(cfg *config.Config) (store.Gateway, error) {
	if cfg.Store.URI == "" {
		slog.Info("store: no store URI configured, using in-memory gateway")
		return store.NewMemoryStore(), nil
	}

	retries := cfg.Store.StartupRetries
	backoff := time.Second
	maxBackoff := time.Duration(cfg.Store.StartupBackoffS) * time.Second

	var lastErr error
	for attempt := 1; attempt <= retries; attempt++ {
		pg, err := store.NewPostgresStore(cfg.Store.URI, cfg.Store.MaxOpenConns, cfg.Store.MaxIdleConns)
		if err == nil {
			slog.Info("store: connected to postgres", "attempt", attempt)
			return pg, nil
		}
		lastErr = err
		slog.Warn("store: postgres connection attempt failed", "attempt", attempt, "of", retries, "error", err)
		if attempt == retries {
			break
		}
		time.Sleep(backoff)
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
	return nil, fmt.Errorf("store: exhausted %d connection attempts: %w", retries, lastErr)
}

// newFabric builds the Fabric's FrameBus from config: Redis-backed when
// redis_addr is set, Pub/Sub-backed when pubsub_project_id is set, local
// single-process otherwise. At most one of Redis/Pub/Sub is expected to be
// configured for a given deployment.
func newFabric(cfg *config.Config) *fabric.Fabric {
	if cfg.Fabric.RedisAddr != "" {
		adapter, err := infra.NewGoRedisAdapter(cfg.Fabric.RedisAddr, cfg.Fabric.RedisPassword, cfg.Fabric.RedisDB)
		if err != nil {
			slog.Warn("fabric: redis connection failed, falling back to local frame bus", "addr", cfg.Fabric.RedisAddr, "error", err)
			return fabric.New(fabric.NewLocalFrameBus())
		}
		slog.Info("fabric: redis-backed frame bus wired", "addr", cfg.Fabric.RedisAddr)
		bus := fabric.NewRedisFrameBus(adapter, "proctor:frames:")
		roomIndex := fabric.NewRedisRoomIndex(adapter, "proctor:rooms:", 10*time.Minute)
		return fabric.New(bus).WithRoomIndex(roomIndex)
	}

	if cfg.Fabric.PubSubProjectID != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		client, err := pubsub.NewClient(ctx, cfg.Fabric.PubSubProjectID)
		if err != nil {
			slog.Warn("fabric: pubsub client init failed, falling back to local frame bus", "project", cfg.Fabric.PubSubProjectID, "error", err)
			return fabric.New(fabric.NewLocalFrameBus())
		}
		topicID := cfg.Fabric.PubSubTopicID
		if topicID == "" {
			topicID = "proctor-frames"
		}
		slog.Info("fabric: pub/sub-backed frame bus wired", "project", cfg.Fabric.PubSubProjectID, "topic", topicID)
		bus := fabric.NewPubSubFrameBus(client, func(room fabric.Room) string { return topicID })
		return fabric.New(bus)
	}

	slog.Info("fabric: single-process local frame bus")
	return fabric.New(fabric.NewLocalFrameBus())
}
