package sync

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListCommitsSince_StopsAtLastProcessedAndOrdersOldestFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/repos/acme/widgets/commits":
			fmt.Fprint(w, `[
				{"sha":"c3","commit":{"message":"third","author":{"date":"2026-01-03T00:00:00Z"}}},
				{"sha":"c2","commit":{"message":"second","author":{"date":"2026-01-02T00:00:00Z"}}},
				{"sha":"c1","commit":{"message":"first","author":{"date":"2026-01-01T00:00:00Z"}}}
			]`)
		case r.URL.Path == "/repos/acme/widgets/commits/c3":
			fmt.Fprint(w, `{"stats":{"additions":10,"deletions":2},"files":[{"filename":"a.go"}]}`)
		case r.URL.Path == "/repos/acme/widgets/commits/c2":
			fmt.Fprint(w, `{"stats":{"additions":5,"deletions":1},"files":[{"filename":"b.go"}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewSourceClient(srv.URL, "", time.Second)
	commits, err := client.ListCommitsSince(context.Background(), "acme", "widgets", "main", "c1")
	require.NoError(t, err)
	require.Len(t, commits, 2)

	assert.Equal(t, "c2", commits[0].ID)
	assert.Equal(t, "c3", commits[1].ID)
	assert.Equal(t, 5, commits[0].Additions)
	assert.Equal(t, 10, commits[1].Additions)
}

func TestListCommitsSince_EmptySinceFetchesFullHistory(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/repos/acme/widgets/commits":
			fmt.Fprint(w, `[{"sha":"c1","commit":{"message":"only","author":{"date":"2026-01-01T00:00:00Z"}}}]`)
		case r.URL.Path == "/repos/acme/widgets/commits/c1":
			fmt.Fprint(w, `{"stats":{"additions":1,"deletions":0},"files":[{"filename":"a.go"}]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewSourceClient(srv.URL, "", time.Second)
	commits, err := client.ListCommitsSince(context.Background(), "acme", "widgets", "main", "")
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, "c1", commits[0].ID)
}

func TestFetchFiles_SkipsNonBlobEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/repos/acme/widgets/git/trees/main":
			fmt.Fprint(w, `{"tree":[
				{"path":"src","type":"tree","sha":"t1"},
				{"path":"src/main.go","type":"blob","sha":"b1"}
			]}`)
		case r.URL.Path == "/repos/acme/widgets/git/blobs/b1":
			content := base64.StdEncoding.EncodeToString([]byte("package main"))
			fmt.Fprintf(w, `{"content":%q,"encoding":"base64"}`, content)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	client := NewSourceClient(srv.URL, "", time.Second)
	files, err := client.FetchFiles(context.Background(), "acme", "widgets", "main")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "src/main.go", files[0].Path)
}
