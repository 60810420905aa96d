// Package scoring implements the Event Scorer (C3): per-event suspicion
// scoring, the participant aggregate score, and alert evaluation (§4.3).
package scoring

import (
	"math"

	"github.com/contestproctor/engine/internal/model"
)

// RecentContext is derived per-participant state the Ingest Pipeline
// supplies to ScoreEvent (§4.3's "Recent context").
type RecentContext struct {
	ClipboardChanges60s int
	HadTypingBefore     bool
}

// TypingStats are the batch-local aggregate typing statistics the Ingest
// Pipeline computes from the submitted intervals (§4.5 step 4).
type TypingStats struct {
	AvgInterval float64
	Variance    float64
}

// ScoreEvent computes one event's suspicion score and reasons against the
// per-event score table (§4.3).
func ScoreEvent(kind model.EventKind, data map[string]interface{}, typingStats TypingStats, ctx RecentContext) (float64, []string) {
	var score float64
	var reasons []string

	switch kind {
	case model.EventPaste:
		length := dataLen(data)
		switch {
		case length > 500:
			score += 0.9
			reasons = append(reasons, "large_paste")
		case length > 100:
			score += 0.6
			reasons = append(reasons, "medium_paste")
		}

	case model.EventTyping:
		if anomaly, _ := data["anomaly"].(string); anomaly == "fast_typing" {
			if interval, ok := dataFloat(data, "interval"); ok && interval > 0 && interval < 30 {
				score += 0.4
				reasons = append(reasons, "fast_typing")
			}
		}

	case model.EventWindowBlur:
		focused, hasFocused := data["focused"].(bool)
		unfocusedMs, hasMs := dataFloat(data, "unfocusedDurationMs")
		if hasFocused && !focused && hasMs && unfocusedMs > 120000 {
			score += 0.2
			reasons = append(reasons, "long_blur")
		}

	case model.EventClipboard:
		if ctx.ClipboardChanges60s > 5 {
			score += 0.3
			reasons = append(reasons, "clipboard_burst")
		}

	case model.EventFileOperation:
		if op, _ := data["operation"].(string); op == "create" && !ctx.HadTypingBefore {
			score += 0.5
			reasons = append(reasons, "file_created_no_typing")
		}
	}

	if typingStats.AvgInterval > 0 && typingStats.AvgInterval < 30 {
		score += 0.4
		reasons = append(reasons, "avg_typing_too_fast")
	}
	if typingStats.Variance > 15000 {
		score += 0.3
		reasons = append(reasons, "high_variance")
	}

	if score > 1.0 {
		score = 1.0
	}
	return round3(score), reasons
}

// Flagged reports §3's derived Event.flagged invariant.
func Flagged(score float64) bool {
	return score >= 0.5
}

// ParticipantScore aggregates a participant's counters into the
// suspicionScore (§4.3's "Participant score").
func ParticipantScore(c model.Counters) float64 {
	score := math.Min(0.5, 0.18*math.Log10(float64(c.PasteCount)+1))

	if c.PasteCharsTotal > 1000 {
		score += math.Min(0.3, float64(c.PasteCharsTotal)/10000)
	}
	if c.TypingAnomalies > 5 {
		score += math.Min(0.2, float64(c.TypingAnomalies)/100)
	}
	if c.WindowBlurTotalMs > 600000 {
		score += 0.15
	}
	if c.ClipboardChanges > 20 {
		score += math.Min(0.15, float64(c.ClipboardChanges)/200)
	}

	if score > 1.0 {
		score = 1.0
	}
	return round3(score)
}

// AlertLevel is the tier an Alert is evaluated at.
type AlertLevel string

const (
	AlertNone     AlertLevel = "none"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// Alert is the outcome of evaluating a participant's updated state against
// the alert thresholds (§4.3's "Alert evaluation").
type Alert struct {
	Level        AlertLevel
	Reasons      []string
	Score        float64
	ShouldAlert  bool
}

// EvaluateAlert decides the alert level for a just-updated participant.
func EvaluateAlert(p *model.Participant) Alert {
	var reasons []string

	level := AlertNone
	switch {
	case p.SuspicionScore > 0.7:
		level = AlertCritical
		reasons = append(reasons, "suspicionScore above 0.7")
	case p.PasteCount > 10 || p.WindowBlurTotalMs > 600000:
		level = AlertWarning
		if p.PasteCount > 10 {
			reasons = append(reasons, "pasteCount above 10")
		}
		if p.WindowBlurTotalMs > 600000 {
			reasons = append(reasons, "windowBlurTotalMs above 600000")
		}
	}

	return Alert{
		Level:       level,
		Reasons:     reasons,
		Score:       p.SuspicionScore,
		ShouldAlert: level != AlertNone,
	}
}

func dataLen(data map[string]interface{}) int {
	raw, ok := data["length"]
	if !ok {
		return 0
	}
	switch v := raw.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

func dataFloat(data map[string]interface{}, key string) (float64, bool) {
	raw, ok := data[key]
	if !ok {
		return 0, false
	}
	switch v := raw.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
