package admission

import (
	"testing"
	"time"

	"github.com/contestproctor/engine/internal/apierr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenBroker_IssueAndVerify(t *testing.T) {
	tb := NewTokenBroker(AuthConfig{HMACSecret: "secret"})
	tok, err := tb.IssueToken("u1", "alice", "admin")
	require.NoError(t, err)
	require.NotEmpty(t, tok.Token)

	claims, err := tb.VerifyToken(tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "admin", claims.Role)
}

func TestTokenBroker_RejectsTamperedToken(t *testing.T) {
	tb := NewTokenBroker(AuthConfig{HMACSecret: "secret"})
	tok, _ := tb.IssueToken("u1", "alice", "admin")
	_, err := tb.VerifyToken(tok.Token + "x")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenBroker_RotationGraceWindow(t *testing.T) {
	tb := NewTokenBroker(AuthConfig{HMACSecret: "old-secret"})
	tok, _ := tb.IssueToken("u1", "alice", "admin")

	tb.RotateKey("new-secret")

	claims, err := tb.VerifyToken(tok.Token)
	require.NoError(t, err, "previous key must verify within the grace window")
	assert.Equal(t, "alice", claims.Username)
}

func TestTokenBroker_RejectsAfterDifferentSecretWithNoGrace(t *testing.T) {
	tb := NewTokenBroker(AuthConfig{HMACSecret: "secret-a"})
	other := NewTokenBroker(AuthConfig{HMACSecret: "secret-b"})
	tok, _ := tb.IssueToken("u1", "alice", "admin")
	_, err := other.VerifyToken(tok.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRateLimiter_PerParticipantBoundary(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{GlobalPerMinute: 100000, PerParticipantPerMin: 100})

	ok := true
	for i := 0; i < 100; i++ {
		if !rl.Allow("participant-1") {
			ok = false
		}
	}
	assert.True(t, ok, "first 100 requests within the window must pass")
	assert.False(t, rl.Allow("participant-1"), "the 101st request must be rejected")
}

func TestRateLimiter_KeysAreIndependent(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{GlobalPerMinute: 100000, PerParticipantPerMin: 2})
	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("a"))
	assert.False(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))
}

func TestRateLimiter_GlobalCapApplies(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{GlobalPerMinute: 2, PerParticipantPerMin: 1000})
	assert.True(t, rl.Allow("a"))
	assert.True(t, rl.Allow("b"))
	assert.False(t, rl.Allow("c"))
}

func TestValidateIngestBatch_RequiresMachineID(t *testing.T) {
	err := ValidateIngestBatch(IngestBatch{Participant: RawParticipant{}})
	require.Error(t, err)
	apiErr, ok := apierr.As(err)
	require.True(t, ok)
	assert.Equal(t, apierr.ValidationFailed, apiErr.Kind)
}

func TestValidateIngestBatch_RejectsTooManyEvents(t *testing.T) {
	events := make([]RawEvent, 501)
	for i := range events {
		events[i] = RawEvent{Kind: "paste", Timestamp: 1}
	}
	err := ValidateIngestBatch(IngestBatch{
		Events:      events,
		Participant: RawParticipant{MachineID: "m1"},
	})
	require.Error(t, err)
}

func TestValidateIngestBatch_RejectsUnknownKind(t *testing.T) {
	err := ValidateIngestBatch(IngestBatch{
		Events:      []RawEvent{{Kind: "bogus", Timestamp: 1}},
		Participant: RawParticipant{MachineID: "m1"},
	})
	require.Error(t, err)
}

func TestValidateIngestBatch_Valid(t *testing.T) {
	err := ValidateIngestBatch(IngestBatch{
		Events:      []RawEvent{{Kind: "paste", Timestamp: 1}},
		Participant: RawParticipant{MachineID: "m1"},
	})
	assert.NoError(t, err)
}

func TestRateLimiter_CleanupDoesNotPanic(t *testing.T) {
	rl := NewRateLimiter(RateLimitConfig{GlobalPerMinute: 1000, PerParticipantPerMin: 100})
	rl.Allow("a")
	assert.NotPanics(t, func() { rl.Cleanup(time.Now()) })
}
