package admission

import (
	"strconv"
	"strings"

	"github.com/contestproctor/engine/internal/apierr"
	"github.com/contestproctor/engine/internal/model"
)

const (
	maxEventsPerBatch   = 500
	maxTypingIntervals  = 5000
	maxMachineIDLength  = 200
)

var validEventKinds = map[string]bool{
	string(model.EventPaste):         true,
	string(model.EventTyping):        true,
	string(model.EventFileChange):    true,
	string(model.EventFileOperation): true,
	string(model.EventWindowBlur):    true,
	string(model.EventClipboard):     true,
}

// RawEvent is the wire shape of one submitted event before kind validation.
type RawEvent struct {
	Kind      string                 `json:"kind"`
	Timestamp int64                  `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
	UserID    string                 `json:"userId"`
	Workspace string                 `json:"workspace"`
}

// RawTypingSample is one submitted inter-keystroke interval sample.
type RawTypingSample struct {
	Timestamp int64   `json:"timestamp"`
	Interval  float64 `json:"interval"`
}

// RawParticipant is the submitted participant identity.
type RawParticipant struct {
	MachineID string `json:"machineId"`
	Workspace string `json:"workspace"`
	SessionID string `json:"sessionId"`
}

// IngestBatch is the validated wire shape of a batch submission (§4.5).
type IngestBatch struct {
	Events        []RawEvent
	TypingPattern []RawTypingSample
	Participant   RawParticipant
}

// ValidateIngestBatch enforces §4.8's validation rules, returning field-level
// errors via apierr.Validation on the first set of violations found.
func ValidateIngestBatch(batch IngestBatch) error {
	var fields []apierr.FieldError

	if len(batch.Events) > maxEventsPerBatch {
		fields = append(fields, apierr.FieldError{
			Field:  "events",
			Reason: "must contain at most 500 events",
		})
	}
	for i, e := range batch.Events {
		if !validEventKinds[e.Kind] {
			fields = append(fields, apierr.FieldError{
				Field:  fieldAt("events", i, "kind"),
				Reason: "must be one of: paste, typing, file_change, file_operation, window_blur, clipboard",
			})
		}
		if e.Timestamp <= 0 {
			fields = append(fields, apierr.FieldError{
				Field:  fieldAt("events", i, "timestamp"),
				Reason: "must be a positive millisecond timestamp",
			})
		}
	}

	if len(batch.TypingPattern) > maxTypingIntervals {
		fields = append(fields, apierr.FieldError{
			Field:  "typingPattern",
			Reason: "must contain at most 5000 samples",
		})
	}

	if strings.TrimSpace(batch.Participant.MachineID) == "" {
		fields = append(fields, apierr.FieldError{
			Field:  "participant.machineId",
			Reason: "is required",
		})
	} else if len(batch.Participant.MachineID) > maxMachineIDLength {
		fields = append(fields, apierr.FieldError{
			Field:  "participant.machineId",
			Reason: "must be at most 200 characters",
		})
	}

	if len(fields) > 0 {
		return apierr.Validation("ingest payload failed validation", fields...)
	}
	return nil
}

func fieldAt(list string, index int, field string) string {
	return list + "[" + strconv.Itoa(index) + "]." + field
}
