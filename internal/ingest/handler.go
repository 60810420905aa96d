package ingest

import (
	"encoding/json"
	"net/http"

	"github.com/contestproctor/engine/internal/admission"
	"github.com/contestproctor/engine/internal/apierr"
)

// wireBatch is the JSON body shape of POST /api/events (§6): {events,
// typingPattern, participant}.
type wireBatch struct {
	Events        []admission.RawEvent        `json:"events"`
	TypingPattern []admission.RawTypingSample `json:"typingPattern"`
	Participant   admission.RawParticipant    `json:"participant"`
}

// Handler exposes the ingest pipeline over HTTP.
type Handler struct {
	pipeline *Pipeline
}

// NewHandler builds an ingest HTTP handler over the given pipeline.
func NewHandler(p *Pipeline) *Handler {
	return &Handler{pipeline: p}
}

// ServeIngest implements POST /api/events.
func (h *Handler) ServeIngest(w http.ResponseWriter, r *http.Request) {
	var wire wireBatch
	if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
		writeError(w, apierr.New(apierr.ValidationFailed, "malformed JSON body"))
		return
	}

	batch := admission.IngestBatch{
		Events:        wire.Events,
		TypingPattern: wire.TypingPattern,
		Participant:   wire.Participant,
	}

	result, err := h.pipeline.ProcessBatch(r.Context(), batch, clientIP(r))
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success":          true,
		"message":          "batch accepted",
		"participantScore": result.ParticipantScore,
	})
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return r.RemoteAddr
}

func writeError(w http.ResponseWriter, err error) {
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
