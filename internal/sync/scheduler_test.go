package sync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contestproctor/engine/internal/events"
	"github.com/contestproctor/engine/internal/store"
)

func TestScheduler_SkipsCycleWhenAlreadyRunning(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r) // no registered repos, so monitorRepository never runs anyway
	}))
	defer srv.Close()

	gw := store.NewMemoryStore()
	client := NewSourceClient(srv.URL, "", time.Second)
	s := NewScheduler(gw, client, nil, DefaultConfig())

	atomic.StoreInt32(&s.isRunning, 1)
	s.runCycle(context.Background())

	// cycle() never ran, so ListRegisteredSourceAnalyses was never invoked
	// and no repos were touched; the test only needs to confirm runCycle
	// returned without panicking or clearing an in-flight guard it didn't set.
	assert.Equal(t, int32(1), atomic.LoadInt32(&s.isRunning))
	atomic.StoreInt32(&s.isRunning, 0)
}

func TestScheduler_CycleCompletesWithNoRegisteredRepos(t *testing.T) {
	gw := store.NewMemoryStore()
	client := NewSourceClient("http://unused.invalid", "", time.Second)
	s := NewScheduler(gw, client, nil, DefaultConfig())

	err := s.cycle(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(0), atomic.LoadInt32(&s.isRunning))
}

func TestScheduler_StopEndsStartLoopBeforeStartupDelayElapses(t *testing.T) {
	gw := store.NewMemoryStore()
	client := NewSourceClient("http://unused.invalid", "", time.Second)
	cfg := DefaultConfig()
	cfg.StartupDelay = time.Hour
	s := NewScheduler(gw, client, nil, cfg)

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()

	s.Stop()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after Stop")
	}
}

func TestScheduler_EmitsSourceAnalysisUpdatedThroughEventBus(t *testing.T) {
	owner, repo := "acme", "widgets"

	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/widgets/commits", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`[{"sha":"c1","commit":{"message":"large change with little detail","author":{"date":"2026-01-01T00:00:00Z"}}}]`))
	})
	mux.HandleFunc("/repos/acme/widgets/commits/c1", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"stats":{"additions":600,"deletions":10},"files":[{"filename":"a.go"}]}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	gw := store.NewMemoryStore()
	_, err := gw.GetOrCreateSourceAnalysis(context.Background(), "participant-1", owner, repo)
	require.NoError(t, err)

	bus := events.NewEventBus()
	ch := bus.Subscribe(events.TypeSourceAnalysisUpdated)

	client := NewSourceClient(srv.URL, "", time.Second)
	s := NewScheduler(gw, client, bus, DefaultConfig())

	require.NoError(t, s.monitorRepository(context.Background(), owner, repo, "participant-1"))

	select {
	case ev := <-ch:
		assert.Equal(t, events.TypeSourceAnalysisUpdated, ev.Type)
		assert.Equal(t, "participant-1", ev.Data["participantId"])
	case <-time.After(time.Second):
		t.Fatal("expected a source-analysis-updated event")
	}
}
