package sync

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contestproctor/engine/internal/model"
	"github.com/contestproctor/engine/internal/store"
)

func blobHandler(path, encodedContent string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"content":"` + encodedContent + `","encoding":"base64"}`))
	}
}

func TestCrossCompare_AppendsSymmetricMatchesAndRaisesHighestSimilarity(t *testing.T) {
	// "package main\nfunc main(){}\n" base64-encoded, identical in both repos
	// so similarity is 1.0 regardless of threshold.
	const identicalSourceB64 = "cGFja2FnZSBtYWluCmZ1bmMgbWFpbigpe30K"

	muxA := http.NewServeMux()
	muxA.HandleFunc("/repos/acme/repo-a/git/trees/main", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tree":[{"path":"main.go","type":"blob","sha":"bA"}]}`))
	})
	muxA.HandleFunc("/repos/acme/repo-a/git/blobs/bA", blobHandler("main.go", identicalSourceB64))
	muxA.HandleFunc("/repos/acme/repo-b/git/trees/main", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tree":[{"path":"main.go","type":"blob","sha":"bB"}]}`))
	})
	muxA.HandleFunc("/repos/acme/repo-b/git/blobs/bB", blobHandler("main.go", identicalSourceB64))
	srv := httptest.NewServer(muxA)
	defer srv.Close()

	gw := store.NewMemoryStore()
	_, err := gw.GetOrCreateSourceAnalysis(context.Background(), "p1", "acme", "repo-a")
	require.NoError(t, err)
	_, err = gw.GetOrCreateSourceAnalysis(context.Background(), "p2", "acme", "repo-b")
	require.NoError(t, err)

	client := NewSourceClient(srv.URL, "", time.Second)
	s := NewScheduler(gw, client, nil, DefaultConfig())

	require.NoError(t, s.crossCompare(context.Background(), []string{"p1", "p2"}))

	records, err := gw.ListRegisteredSourceAnalyses(context.Background())
	require.NoError(t, err)
	require.Len(t, records, 2)

	byParticipant := map[string]*model.SourceAnalysisRecord{}
	for _, r := range records {
		byParticipant[r.ParticipantID] = r
	}

	p1, p2 := byParticipant["p1"], byParticipant["p2"]
	require.Len(t, p1.SimilarityMatches, 1)
	require.Len(t, p2.SimilarityMatches, 1)
	assert.Equal(t, 1.0, p1.HighestSimilarity)
	assert.Equal(t, 1.0, p2.HighestSimilarity)
	assert.Equal(t, "p2", p1.SimilarityMatches[0].OtherParticipantID)
	assert.Equal(t, "p1", p2.SimilarityMatches[0].OtherParticipantID)
}

func TestCrossCompare_SkipsWhenFewerThanTwoReposEligible(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/repos/acme/repo-a/git/trees/main", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"tree":[{"path":"main.go","type":"blob","sha":"bA"}]}`))
	})
	mux.HandleFunc("/repos/acme/repo-a/git/blobs/bA", blobHandler("main.go", "cGFja2FnZSBtYWlu"))
	srv := httptest.NewServer(mux)
	defer srv.Close()

	gw := store.NewMemoryStore()
	_, err := gw.GetOrCreateSourceAnalysis(context.Background(), "p1", "acme", "repo-a")
	require.NoError(t, err)

	client := NewSourceClient(srv.URL, "", time.Second)
	s := NewScheduler(gw, client, nil, DefaultConfig())

	require.NoError(t, s.crossCompare(context.Background(), []string{"p1"}))

	records, _ := gw.ListRegisteredSourceAnalyses(context.Background())
	assert.Equal(t, 0.0, records[0].HighestSimilarity)
}
