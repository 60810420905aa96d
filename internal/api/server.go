// Package api wires the dashboard HTTP surface, the ingest endpoint, and
// the live WebSocket channel into a single gorilla/mux router (§6).
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/contestproctor/engine/internal/admission"
	"github.com/contestproctor/engine/internal/apierr"
	"github.com/contestproctor/engine/internal/fabric"
	"github.com/contestproctor/engine/internal/ingest"
	"github.com/contestproctor/engine/internal/model"
	"github.com/contestproctor/engine/internal/store"
	"github.com/contestproctor/engine/internal/sync"
)

// APIServer exposes the engine's dashboard, source-monitoring, alert-egress,
// ingest, and live-channel surfaces over HTTP.
type APIServer struct {
	gw          store.Gateway
	ingest      *ingest.Handler
	fab         *fabric.Fabric
	scheduler   *sync.Scheduler
	broker      *admission.TokenBroker
	corsOrigins []string
	ingestPublic bool

	startedAt time.Time
	logger    *log.Logger
}

// NewAPIServer builds an APIServer over the already-wired components.
// scheduler may be nil when sync is disabled (§6: absent SOURCE_TOKEN).
func NewAPIServer(gw store.Gateway, ingestHandler *ingest.Handler, fab *fabric.Fabric, scheduler *sync.Scheduler, broker *admission.TokenBroker, corsOrigins []string, ingestPublic bool) *APIServer {
	return &APIServer{
		gw:           gw,
		ingest:       ingestHandler,
		fab:          fab,
		scheduler:    scheduler,
		broker:       broker,
		corsOrigins:  corsOrigins,
		ingestPublic: ingestPublic,
		startedAt:    time.Now(),
		logger:       log.New(log.Writer(), "[api] ", log.LstdFlags),
	}
}

// Start mounts every route and blocks serving on port.
func (s *APIServer) Start(port string) error {
	r := mux.NewRouter()

	r.Use(s.corsMiddleware)

	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.HandleFunc("/ws", s.fab.HandleWebSocket)

	if s.ingestPublic {
		r.HandleFunc("/api/events", s.ingest.ServeIngest).Methods("POST")
	} else {
		r.Handle("/api/events", s.authMiddleware(http.HandlerFunc(s.ingest.ServeIngest))).Methods("POST")
	}

	dashboard := r.PathPrefix("/").Subrouter()
	dashboard.Use(s.authMiddleware)

	dashboard.HandleFunc("/participants", s.handleListParticipants).Methods("GET")
	dashboard.HandleFunc("/participant/{id}", s.handleParticipantDetail).Methods("GET")
	dashboard.HandleFunc("/analytics/suspicious", s.handleSuspiciousAnalytics).Methods("GET")
	dashboard.HandleFunc("/analytics/overview", s.handleAnalyticsOverview).Methods("GET")

	dashboard.HandleFunc("/source/register", s.handleSourceRegister).Methods("POST")
	dashboard.HandleFunc("/source/sync/{participantId}", s.handleSourceSync).Methods("POST")
	dashboard.HandleFunc("/source/participant/{id}/analysis", s.handleSourceAnalysis).Methods("GET")
	dashboard.HandleFunc("/source/participant/{id}/commits", s.handleSourceCommits).Methods("GET")
	dashboard.HandleFunc("/source/compare", s.handleSourceCompare).Methods("POST")
	dashboard.HandleFunc("/source/overview", s.handleSourceOverview).Methods("GET")

	dashboard.HandleFunc("/alerts", s.handleAlerts).Methods("POST")

	addr := fmt.Sprintf(":%s", port)
	s.logger.Printf("contest proctoring engine listening on %s", addr)
	return http.ListenAndServe(addr, r)
}

// corsMiddleware mirrors the teacher's inline CORS closure
// (internal/api/server.go), generalised to the configured origin list
// instead of a bare wildcard.
func (s *APIServer) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *APIServer) originAllowed(origin string) bool {
	for _, o := range s.corsOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

// authMiddleware enforces bearer-token auth on the dashboard, source
// monitoring, and alert egress surfaces (§6: "all bearer-authenticated").
func (s *APIServer) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			writeAPIError(w, apierr.New(apierr.Unauthenticated, "missing bearer token"))
			return
		}
		if _, err := s.broker.VerifyToken(token); err != nil {
			writeAPIError(w, apierr.New(apierr.Unauthenticated, "invalid or expired token"))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"uptimeSec": int(time.Since(s.startedAt).Seconds()),
		"timestamp": time.Now().UTC(),
	})
}

// --- Dashboard read surface ---

func (s *APIServer) handleListParticipants(w http.ResponseWriter, r *http.Request) {
	participants, err := s.gw.ListParticipants(r.Context())
	if err != nil {
		writeAPIError(w, apierr.Wrap(apierr.StoreUnavailable, "list participants", err))
		return
	}

	q := r.URL.Query()
	sortBy := q.Get("sort")
	if sortBy == "" {
		sortBy = "suspicionScore"
	}
	descending := q.Get("order") != "asc"
	sortParticipants(participants, sortBy, descending)

	limit := queryInt(q, "limit", 0)
	offset := queryInt(q, "offset", 0)
	total := len(participants)
	page := paginateParticipants(participants, offset, limit)

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"participants": page,
		"total":        total,
		"limit":        limit,
		"offset":       offset,
	})
}

func sortParticipants(participants []*model.Participant, sortBy string, descending bool) {
	less := func(i, j int) bool {
		switch sortBy {
		case "lastActive":
			return participants[i].LastActive.Before(participants[j].LastActive)
		case "totalEvents":
			return participants[i].TotalEvents < participants[j].TotalEvents
		default:
			return participants[i].SuspicionScore < participants[j].SuspicionScore
		}
	}
	if descending {
		sort.SliceStable(participants, func(i, j int) bool { return less(j, i) })
		return
	}
	sort.SliceStable(participants, less)
}

func paginateParticipants(participants []*model.Participant, offset, limit int) []*model.Participant {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(participants) {
		return []*model.Participant{}
	}
	end := len(participants)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return participants[offset:end]
}

func (s *APIServer) handleParticipantDetail(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	participant, err := s.gw.GetParticipant(r.Context(), id)
	if err != nil {
		writeAPIError(w, apierr.New(apierr.NotFound, "participant not found"))
		return
	}

	q := r.URL.Query()
	filter := store.EventFilter{
		Kind:        model.EventKind(q.Get("eventKind")),
		FlaggedOnly: q.Get("flaggedOnly") == "true",
		Limit:       queryInt(q, "eventsLimit", 50),
		Offset:      queryInt(q, "eventsOffset", 0),
	}
	events, eventCount, err := s.gw.ListEvents(r.Context(), id, filter)
	if err != nil {
		writeAPIError(w, apierr.Wrap(apierr.StoreUnavailable, "list events", err))
		return
	}

	allEvents, _, err := s.gw.ListEvents(r.Context(), id, store.EventFilter{})
	if err != nil {
		writeAPIError(w, apierr.Wrap(apierr.StoreUnavailable, "list events for breakdown", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"participant":        participant,
		"events":             events,
		"eventCount":         eventCount,
		"suspicionBreakdown": suspicionBreakdown(allEvents),
	})
}

// breakdownBucket is one (kind, flagged) group in the suspicion breakdown.
type breakdownBucket struct {
	Kind     model.EventKind `json:"kind"`
	Flagged  bool            `json:"flagged"`
	Count    int             `json:"count"`
	AvgScore float64         `json:"avgScore"`
	MaxScore float64         `json:"maxScore"`
}

// suspicionBreakdown groups events by (kind, flagged) per §6's
// GET /participant/{id} contract.
func suspicionBreakdown(events []model.Event) []breakdownBucket {
	type key struct {
		kind    model.EventKind
		flagged bool
	}
	sums := make(map[key]float64)
	counts := make(map[key]int)
	maxes := make(map[key]float64)
	order := make([]key, 0)

	for _, e := range events {
		k := key{e.Kind, e.Flagged}
		if counts[k] == 0 {
			order = append(order, k)
		}
		counts[k]++
		sums[k] += e.SuspicionScore
		if e.SuspicionScore > maxes[k] {
			maxes[k] = e.SuspicionScore
		}
	}

	out := make([]breakdownBucket, 0, len(order))
	for _, k := range order {
		out = append(out, breakdownBucket{
			Kind:     k.kind,
			Flagged:  k.flagged,
			Count:    counts[k],
			AvgScore: round3(sums[k] / float64(counts[k])),
			MaxScore: maxes[k],
		})
	}
	return out
}

func (s *APIServer) handleSuspiciousAnalytics(w http.ResponseWriter, r *http.Request) {
	participants, err := s.gw.ListParticipants(r.Context())
	if err != nil {
		writeAPIError(w, apierr.Wrap(apierr.StoreUnavailable, "list participants", err))
		return
	}

	limit := queryInt(r.URL.Query(), "limit", 50)
	if limit <= 0 || limit > 50 {
		limit = 50
	}

	suspicious := make([]*model.Participant, 0)
	for _, p := range participants {
		if p.SuspicionScore > 0 {
			suspicious = append(suspicious, p)
		}
	}
	sort.SliceStable(suspicious, func(i, j int) bool { return suspicious[i].SuspicionScore > suspicious[j].SuspicionScore })
	if len(suspicious) > limit {
		suspicious = suspicious[:limit]
	}

	out := make([]map[string]interface{}, 0, len(suspicious))
	for _, p := range suspicious {
		_, count, err := s.gw.ListEvents(r.Context(), p.ID, store.EventFilter{FlaggedOnly: true})
		if err != nil {
			continue
		}
		out = append(out, map[string]interface{}{
			"participant":       p,
			"flaggedEventCount": count,
		})
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"participants": out})
}

func (s *APIServer) handleAnalyticsOverview(w http.ResponseWriter, r *http.Request) {
	participants, err := s.gw.ListParticipants(r.Context())
	if err != nil {
		writeAPIError(w, apierr.Wrap(apierr.StoreUnavailable, "list participants", err))
		return
	}

	cutoff := time.Now().Add(-5 * time.Minute)
	active := 0
	var totalEvents int64
	var flaggedEvents int64
	var suspicionSum float64
	for _, p := range participants {
		if p.LastActive.After(cutoff) {
			active++
		}
		totalEvents += p.TotalEvents
		suspicionSum += p.SuspicionScore

		_, flagged, err := s.gw.ListEvents(r.Context(), p.ID, store.EventFilter{FlaggedOnly: true})
		if err == nil {
			flaggedEvents += int64(flagged)
		}
	}

	avgSuspicion := 0.0
	if len(participants) > 0 {
		avgSuspicion = round3(suspicionSum / float64(len(participants)))
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"totalParticipants":  len(participants),
		"activeParticipants": active,
		"totalEvents":        totalEvents,
		"flaggedEvents":      flaggedEvents,
		"avgSuspicionScore":  avgSuspicion,
	})
}

// --- Source monitoring surface ---

func (s *APIServer) handleSourceRegister(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeAPIError(w, apierr.New(apierr.Internal, "source monitoring is disabled"))
		return
	}

	var body struct {
		ParticipantID string `json:"participantId"`
		Owner         string `json:"owner"`
		Repo          string `json:"repo"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, apierr.New(apierr.ValidationFailed, "malformed JSON body"))
		return
	}
	if body.ParticipantID == "" || body.Owner == "" || body.Repo == "" {
		writeAPIError(w, apierr.Validation("participantId, owner, and repo are required"))
		return
	}

	if err := s.scheduler.Client().CheckRepoAccessible(r.Context(), body.Owner, body.Repo); err != nil {
		writeAPIError(w, apierr.Wrap(apierr.RemoteUnavailable, "repository not accessible", err))
		return
	}

	record, err := s.gw.GetOrCreateSourceAnalysis(r.Context(), body.ParticipantID, body.Owner, body.Repo)
	if err != nil {
		writeAPIError(w, apierr.Wrap(apierr.StoreUnavailable, "register source analysis", err))
		return
	}
	if record.DefaultBranch == "" {
		if branch, err := s.scheduler.Client().DefaultBranch(r.Context(), body.Owner, body.Repo); err == nil {
			record.DefaultBranch = branch
			_ = s.gw.PersistSourceAnalysis(r.Context(), record)
		}
	}

	writeJSON(w, http.StatusOK, record)
}

func (s *APIServer) handleSourceSync(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeAPIError(w, apierr.New(apierr.Internal, "source monitoring is disabled"))
		return
	}
	participantID := mux.Vars(r)["participantId"]

	record, err := s.findSourceAnalysis(r.Context(), participantID)
	if err != nil {
		writeAPIError(w, err)
		return
	}

	updated, err := s.scheduler.MonitorNow(r.Context(), record.Owner, record.Repo, participantID)
	if err != nil {
		writeAPIError(w, apierr.Wrap(apierr.RemoteUnavailable, "sync failed", err))
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *APIServer) handleSourceAnalysis(w http.ResponseWriter, r *http.Request) {
	record, err := s.findSourceAnalysis(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *APIServer) handleSourceCommits(w http.ResponseWriter, r *http.Request) {
	record, err := s.findSourceAnalysis(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeAPIError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"suspiciousCommits": record.SuspiciousCommits,
		"burstCommits":      record.BurstCommits,
		"idleBursts":        record.IdleBursts,
	})
}

func (s *APIServer) handleSourceCompare(w http.ResponseWriter, r *http.Request) {
	if s.scheduler == nil {
		writeAPIError(w, apierr.New(apierr.Internal, "source monitoring is disabled"))
		return
	}

	var body struct {
		ParticipantID1 string  `json:"participantId1"`
		ParticipantID2 string  `json:"participantId2"`
		Threshold      float64 `json:"threshold"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeAPIError(w, apierr.New(apierr.ValidationFailed, "malformed JSON body"))
		return
	}
	if body.ParticipantID1 == "" || body.ParticipantID2 == "" {
		writeAPIError(w, apierr.Validation("participantId1 and participantId2 are required"))
		return
	}

	if err := s.scheduler.CompareNow(r.Context(), []string{body.ParticipantID1, body.ParticipantID2}, body.Threshold); err != nil {
		writeAPIError(w, apierr.Wrap(apierr.Internal, "comparison failed", err))
		return
	}

	r1, err1 := s.findSourceAnalysis(r.Context(), body.ParticipantID1)
	r2, err2 := s.findSourceAnalysis(r.Context(), body.ParticipantID2)
	if err1 != nil || err2 != nil {
		writeAPIError(w, apierr.New(apierr.Internal, "comparison completed but records could not be re-read"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"participant1": r1, "participant2": r2})
}

func (s *APIServer) handleSourceOverview(w http.ResponseWriter, r *http.Request) {
	records, err := s.gw.ListRegisteredSourceAnalyses(r.Context())
	if err != nil {
		writeAPIError(w, apierr.Wrap(apierr.StoreUnavailable, "list source analyses", err))
		return
	}
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].SourceSuspicionScore > records[j].SourceSuspicionScore
	})
	if len(records) > 50 {
		records = records[:50]
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}

func (s *APIServer) findSourceAnalysis(ctx context.Context, participantID string) (*model.SourceAnalysisRecord, error) {
	records, err := s.gw.ListRegisteredSourceAnalyses(ctx)
	if err != nil {
		return nil, apierr.Wrap(apierr.StoreUnavailable, "list source analyses", err)
	}
	for _, r := range records {
		if r.ParticipantID == participantID {
			return r, nil
		}
	}
	return nil, apierr.New(apierr.NotFound, "no source analysis registered for participant")
}

// --- Alert egress ---

func (s *APIServer) handleAlerts(w http.ResponseWriter, r *http.Request) {
	var payload map[string]interface{}
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeAPIError(w, apierr.New(apierr.ValidationFailed, "malformed JSON body"))
		return
	}

	if err := s.fab.PublishAlert(r.Context(), payload); err != nil {
		s.logger.Printf("alert fan-out to dashboard room failed: %v", err)
	}

	// §1 places outbound webhook/email delivery out of scope for this
	// repository; the channel results below reflect that no egress
	// transport is configured rather than attempting one.
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"accepted": true,
		"channels": []map[string]interface{}{
			{"channel": "dashboard", "delivered": true},
		},
	})
}

// --- helpers ---

func queryInt(q map[string][]string, key string, def int) int {
	vals, ok := q[key]
	if !ok || len(vals) == 0 || vals[0] == "" {
		return def
	}
	n, err := strconv.Atoi(vals[0])
	if err != nil {
		return def
	}
	return n
}

func round3(f float64) float64 {
	return float64(int(f*1000+0.5)) / 1000
}

func writeAPIError(w http.ResponseWriter, err error) {
	apiErr, ok := apierr.As(err)
	if !ok {
		apiErr = apierr.Wrap(apierr.Internal, "unexpected error", err)
	}
	writeJSON(w, apiErr.HTTPStatus(), map[string]interface{}{
		"success": false,
		"kind":    apiErr.Kind,
		"message": apiErr.Message,
		"fields":  apiErr.Fields,
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
