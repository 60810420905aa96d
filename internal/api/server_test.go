package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/contestproctor/engine/internal/admission"
	"github.com/contestproctor/engine/internal/events"
	"github.com/contestproctor/engine/internal/fabric"
	"github.com/contestproctor/engine/internal/ingest"
	"github.com/contestproctor/engine/internal/model"
	"github.com/contestproctor/engine/internal/store"
)

func newTestServer(t *testing.T) (*APIServer, store.Gateway, *admission.TokenBroker) {
	t.Helper()
	gw := store.NewMemoryStore()
	broker := admission.NewTokenBroker(admission.AuthConfig{HMACSecret: "test-secret", TokenTTL: time.Hour})
	limiter := admission.NewRateLimiter(admission.RateLimitConfig{GlobalPerMinute: 1000, PerParticipantPerMin: 1000})
	bus := events.NewEventBus()
	pipeline := ingest.New(gw, bus, limiter)
	handler := ingest.NewHandler(pipeline)
	fab := fabric.New(fabric.NewLocalFrameBus())
	t.Cleanup(func() { fab.Close() })

	s := NewAPIServer(gw, handler, fab, nil, broker, []string{"*"}, true)
	return s, gw, broker
}

func bearerToken(t *testing.T, broker *admission.TokenBroker) string {
	t.Helper()
	tok, err := broker.IssueToken("u1", "grader", "admin")
	require.NoError(t, err)
	return tok.Token
}

// router replicates enough of Start's mounting to exercise handlers through
// mux.Vars-dependent routes without binding a real listener.
func testRouter(s *APIServer) *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	dashboard := r.PathPrefix("/").Subrouter()
	dashboard.Use(s.authMiddleware)
	dashboard.HandleFunc("/participants", s.handleListParticipants).Methods("GET")
	dashboard.HandleFunc("/participant/{id}", s.handleParticipantDetail).Methods("GET")
	dashboard.HandleFunc("/analytics/overview", s.handleAnalyticsOverview).Methods("GET")
	dashboard.HandleFunc("/alerts", s.handleAlerts).Methods("POST")
	return r
}

func TestHandleHealth_NoAuthRequired(t *testing.T) {
	s, _, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.handleHealth(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
}

func TestDashboardRoutes_RejectMissingBearerToken(t *testing.T) {
	s, _, _ := newTestServer(t)
	r := testRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/participants", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestDashboardRoutes_RejectInvalidBearerToken(t *testing.T) {
	s, _, _ := newTestServer(t)
	r := testRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/participants", nil)
	req.Header.Set("Authorization", "Bearer garbage")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleListParticipants_SortsDescendingBySuspicionByDefault(t *testing.T) {
	s, gw, broker := newTestServer(t)
	r := testRouter(s)

	low, err := gw.UpsertParticipant(context.Background(), "m1", "s1", "ws")
	require.NoError(t, err)
	low.SuspicionScore = 0.2
	require.NoError(t, gw.SaveParticipant(context.Background(), low))

	high, err := gw.UpsertParticipant(context.Background(), "m2", "s2", "ws")
	require.NoError(t, err)
	high.SuspicionScore = 0.9
	require.NoError(t, gw.SaveParticipant(context.Background(), high))

	req := httptest.NewRequest(http.MethodGet, "/participants", nil)
	req.Header.Set("Authorization", "Bearer "+bearerToken(t, broker))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Participants []model.Participant `json:"participants"`
		Total        int                 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Equal(t, 2, body.Total)
	assert.Equal(t, high.ID, body.Participants[0].ID)
	assert.Equal(t, low.ID, body.Participants[1].ID)
}

func TestHandleParticipantDetail_ReturnsEventsAndBreakdown(t *testing.T) {
	s, gw, broker := newTestServer(t)
	r := testRouter(s)

	p, err := gw.UpsertParticipant(context.Background(), "m1", "s1", "ws")
	require.NoError(t, err)
	require.NoError(t, gw.AppendEvents(context.Background(), p.ID, []model.Event{
		{ID: "e1", ParticipantID: p.ID, Kind: model.EventPaste, Timestamp: 1, SuspicionScore: 0.4, Flagged: true},
		{ID: "e2", ParticipantID: p.ID, Kind: model.EventPaste, Timestamp: 2, SuspicionScore: 0.2, Flagged: false},
	}))

	req := httptest.NewRequest(http.MethodGet, "/participant/"+p.ID, nil)
	req.Header.Set("Authorization", "Bearer "+bearerToken(t, broker))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Events             []model.Event     `json:"events"`
		EventCount         int               `json:"eventCount"`
		SuspicionBreakdown []breakdownBucket `json:"suspicionBreakdown"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Len(t, body.Events, 2)
	assert.Equal(t, 2, body.EventCount)
	require.Len(t, body.SuspicionBreakdown, 2)
}

func TestHandleParticipantDetail_UnknownIDReturnsNotFound(t *testing.T) {
	s, _, broker := newTestServer(t)
	r := testRouter(s)

	req := httptest.NewRequest(http.MethodGet, "/participant/does-not-exist", nil)
	req.Header.Set("Authorization", "Bearer "+bearerToken(t, broker))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHandleAlerts_PublishesToFabricAndReportsDashboardChannel(t *testing.T) {
	s, _, broker := newTestServer(t)
	r := testRouter(s)

	payload, _ := json.Marshal(map[string]interface{}{"level": "critical", "participantId": "p1"})
	req := httptest.NewRequest(http.MethodPost, "/alerts", bytes.NewReader(payload))
	req.Header.Set("Authorization", "Bearer "+bearerToken(t, broker))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Accepted bool `json:"accepted"`
		Channels []struct {
			Channel   string `json:"channel"`
			Delivered bool   `json:"delivered"`
		} `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.True(t, body.Accepted)
	require.Len(t, body.Channels, 1)
	assert.Equal(t, "dashboard", body.Channels[0].Channel)
}

func TestHandleAnalyticsOverview_ComputesAverageSuspicion(t *testing.T) {
	s, gw, broker := newTestServer(t)
	r := testRouter(s)

	p1, err := gw.UpsertParticipant(context.Background(), "m1", "s1", "ws")
	require.NoError(t, err)
	p1.SuspicionScore = 0.4
	require.NoError(t, gw.SaveParticipant(context.Background(), p1))

	p2, err := gw.UpsertParticipant(context.Background(), "m2", "s2", "ws")
	require.NoError(t, err)
	p2.SuspicionScore = 0.8
	require.NoError(t, gw.SaveParticipant(context.Background(), p2))

	req := httptest.NewRequest(http.MethodGet, "/analytics/overview", nil)
	req.Header.Set("Authorization", "Bearer "+bearerToken(t, broker))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		TotalParticipants int     `json:"totalParticipants"`
		AvgSuspicionScore float64 `json:"avgSuspicionScore"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, 2, body.TotalParticipants)
	assert.Equal(t, 0.6, body.AvgSuspicionScore)
}

func TestSuspicionBreakdown_GroupsByKindAndFlagged(t *testing.T) {
	events := []model.Event{
		{Kind: model.EventPaste, Flagged: true, SuspicionScore: 0.6},
		{Kind: model.EventPaste, Flagged: true, SuspicionScore: 0.4},
		{Kind: model.EventTyping, Flagged: false, SuspicionScore: 0.1},
	}
	buckets := suspicionBreakdown(events)

	require.Len(t, buckets, 2)
	assert.Equal(t, model.EventPaste, buckets[0].Kind)
	assert.Equal(t, 2, buckets[0].Count)
	assert.Equal(t, 0.5, buckets[0].AvgScore)
	assert.Equal(t, 0.6, buckets[0].MaxScore)
}

func TestQueryInt_FallsBackToDefaultOnMissingOrInvalid(t *testing.T) {
	assert.Equal(t, 5, queryInt(map[string][]string{}, "limit", 5))
	assert.Equal(t, 5, queryInt(map[string][]string{"limit": {"not-a-number"}}, "limit", 5))
	assert.Equal(t, 10, queryInt(map[string][]string{"limit": {"10"}}, "limit", 5))
}
