// Package fabric implements the Live Fabric (C7): a room-based pub/sub
// push layer over WebSocket that fans out participant and alert updates
// to dashboard observers (§4.7).
package fabric

import (
	"context"
	"time"
)

// Room is a named subset of observer subscriptions. "dashboard" receives
// all participant updates and alerts; "participant:<id>" receives one
// participant's updates only (§3).
type Room string

const DashboardRoom Room = "dashboard"

func ParticipantRoom(participantID string) Room {
	return Room("participant:" + participantID)
}

// FrameType enumerates the three outbound frame shapes C7 supports (§4.7).
type FrameType string

const (
	FrameParticipantUpdated   FrameType = "participant:updated"
	FrameAlert                FrameType = "alert"
	FrameSourceAnalysisUpdate FrameType = "sourceAnalysis:updated"
)

// Frame is one outbound push to a room.
type Frame struct {
	ID        string                 `json:"id"`
	Room      Room                   `json:"-"`
	Type      FrameType              `json:"type"`
	Payload   map[string]interface{} `json:"payload"`
	Timestamp time.Time              `json:"timestamp"`
}

// FrameHandler receives frames delivered to a room subscription.
type FrameHandler func(ctx context.Context, frame *Frame)

// FrameBus provides publish/subscribe for outbound frames, keyed by room.
// A LocalFrameBus serves single-process deployments; RedisFrameBus and
// PubSubFrameBus add cross-pod fan-out (§4.7, SPEC_FULL domain stack).
type FrameBus interface {
	Publish(ctx context.Context, frame *Frame) error
	Subscribe(room Room, handler FrameHandler) (unsubscribe func())
	Close() error
}

// ParticipantUpdatedPayload is the summary attributes carried by a
// participant:updated frame (§4.7).
func ParticipantUpdatedPayload(id, displayName string, suspicionScore float64, lastActive time.Time, totalEvents int64, counters map[string]interface{}) map[string]interface{} {
	return map[string]interface{}{
		"id":             id,
		"displayName":    displayName,
		"suspicionScore": suspicionScore,
		"lastActive":     lastActive,
		"totalEvents":    totalEvents,
		"counters":       counters,
	}
}

// AlertPayload is the payload carried by an alert frame (§4.7).
func AlertPayload(level string, reasons []string, score float64, participantID string) map[string]interface{} {
	return map[string]interface{}{
		"level":         level,
		"reasons":       reasons,
		"score":         score,
		"participantId": participantID,
		"timestamp":     time.Now().UTC(),
	}
}

// SourceAnalysisUpdatedPayload is the payload carried by a
// sourceAnalysis:updated frame (§4.7).
func SourceAnalysisUpdatedPayload(participantID, owner, repo string, sourceSuspicionScore, highestSimilarity float64) map[string]interface{} {
	return map[string]interface{}{
		"participantId":        participantID,
		"owner":                owner,
		"repo":                 repo,
		"sourceSuspicionScore": sourceSuspicionScore,
		"highestSimilarity":    highestSimilarity,
	}
}
