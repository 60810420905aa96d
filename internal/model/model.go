// Package model holds the persisted data shapes shared by every component:
// Participant, Event, Typing Pattern, and Source Analysis Record (spec §3).
package model

import "time"

// EventKind enumerates the telemetry event kinds the agent ships.
type EventKind string

const (
	EventPaste         EventKind = "paste"
	EventTyping        EventKind = "typing"
	EventFileChange    EventKind = "file_change"
	EventFileOperation EventKind = "file_operation"
	EventWindowBlur    EventKind = "window_blur"
	EventClipboard     EventKind = "clipboard"
)

// Participant is the per-agent behavioural state document. Its
// SuspicionScore is a pure function of the aggregate counters (§4.3) and
// is recomputed on every successful ingest; it is never written directly.
type Participant struct {
	ID                   string    `json:"id"`
	MachineID            string    `json:"machineId"`
	ExternalAccountName  string    `json:"externalAccountName,omitempty"`
	SessionID            string    `json:"sessionId"`
	Workspace            string    `json:"workspace,omitempty"`
	StartedAt            time.Time `json:"startedAt"`
	LastActive           time.Time `json:"lastActive"`
	TotalEvents          int64     `json:"totalEvents"`
	PasteCount           int64     `json:"pasteCount"`
	PasteCharsTotal      int64     `json:"pasteCharsTotal"`
	TypingAnomalies      int64     `json:"typingAnomalies"`
	WindowBlurCount      int64     `json:"windowBlurCount"`
	WindowBlurTotalMs    int64     `json:"windowBlurTotalMs"`
	ClipboardChanges     int64     `json:"clipboardChanges"`
	FilesCreated         int64     `json:"filesCreated"`
	FilesDeleted         int64     `json:"filesDeleted"`
	SuspicionScore       float64   `json:"suspicionScore"`
}

// Counters is the subset of Participant's aggregate fields the Scorer
// reads to compute the participant-level score (§4.3).
type Counters struct {
	PasteCount        int64
	PasteCharsTotal   int64
	TypingAnomalies   int64
	WindowBlurTotalMs int64
	ClipboardChanges  int64
}

func (p *Participant) Counters() Counters {
	return Counters{
		PasteCount:        p.PasteCount,
		PasteCharsTotal:   p.PasteCharsTotal,
		TypingAnomalies:   p.TypingAnomalies,
		WindowBlurTotalMs: p.WindowBlurTotalMs,
		ClipboardChanges:  p.ClipboardChanges,
	}
}

// Event is an immutable record belonging to one participant.
type Event struct {
	ID              string                 `json:"id"`
	ParticipantID   string                 `json:"participantId"`
	Kind            EventKind              `json:"kind"`
	Timestamp       int64                  `json:"timestamp"`
	Data            map[string]interface{} `json:"data"`
	UserID          string                 `json:"userId,omitempty"`
	Workspace       string                 `json:"workspace,omitempty"`
	SuspicionScore  float64                `json:"suspicionScore"`
	Flagged         bool                   `json:"flagged"`
	Reasons         []string               `json:"reasons,omitempty"`
}

// TypingPattern is the bounded per-participant keystroke-interval history.
type TypingPattern struct {
	ParticipantID string    `json:"participantId"`
	Intervals     []float64 `json:"intervals"`
	MeanInterval  float64   `json:"meanInterval"`
	Variance      float64   `json:"variance"`
	StdDev        float64   `json:"stdDev"`
	SampleCount   int       `json:"sampleCount"`
	WPM           float64   `json:"wpm"`
}

const (
	TypingPatternMaxSamples = 10000
	TypingPatternKeepTail   = 8000
)

// Commit is one entry in a chronologically ordered commit history (§4.2).
type Commit struct {
	ID           string `json:"id"`
	Message      string `json:"message"`
	TimestampMs  int64  `json:"timestamp"`
	Additions    int    `json:"additions"`
	Deletions    int    `json:"deletions"`
	FilesChanged int    `json:"filesChanged"`
}

// SuspiciousCommit is a commit with a nonzero per-commit suspicion score.
type SuspiciousCommit struct {
	CommitID    string   `json:"commitId"`
	Score       float64  `json:"score"`
	Reasons     []string `json:"reasons"`
	TimestampMs int64    `json:"timestamp"`
}

// BurstCommit records a commit pair separated by 0 < Δt < 5 min.
type BurstCommit struct {
	FromCommitID string `json:"fromCommitId"`
	ToCommitID   string `json:"toCommitId"`
	DeltaMs      int64  `json:"deltaMs"`
}

// IdleBurst records a gap > 30 min followed by a run of ≥ 3 rapid commits.
type IdleBurst struct {
	StartCommitID    string `json:"startCommitId"`
	GapMs            int64  `json:"gapMs"`
	BurstCommitCount int    `json:"burstCommitCount"`
}

// CommitStats are the aggregate totals and means C2 produces over a commit
// sequence (§4.2's "Aggregate stats").
type CommitStats struct {
	TotalCommits      int     `json:"totalCommits"`
	TotalAdditions    int     `json:"totalAdditions"`
	TotalDeletions    int     `json:"totalDeletions"`
	TotalFilesChanged int     `json:"totalFilesChanged"`
	AvgAdditions      int     `json:"avgAdditions"`
	AvgDeletions      int     `json:"avgDeletions"`
	AvgFilesChanged   int     `json:"avgFilesChanged"`
	AvgIntervalMs     int64   `json:"avgIntervalMs"`
	TotalGapMs        int64   `json:"totalGapMs"`
	HourHistogram     [24]int `json:"hourHistogram"`
}

// SimilarityMatch is a weak cross-participant reference (§3 "Ownership").
type SimilarityMatch struct {
	OtherParticipantID string  `json:"otherParticipantId"`
	OtherOwner         string  `json:"otherOwner"`
	OtherRepo          string  `json:"otherRepo"`
	File1              string  `json:"file1"`
	File2              string  `json:"file2"`
	Similarity         float64 `json:"similarity"`
}

const (
	MaxSuspiciousCommits = 200
	MaxBurstCommits      = 100
	MaxSimilarityMatches = 200
)

// SourceAnalysisRecord is the per-repository aggregate document (§3).
type SourceAnalysisRecord struct {
	ParticipantID  string  `json:"participantId"`
	Owner          string  `json:"owner"`
	Repo           string  `json:"repo"`
	DefaultBranch  string  `json:"defaultBranch"`

	Stats CommitStats `json:"stats"`

	SuspiciousCommits []SuspiciousCommit `json:"suspiciousCommits"`
	BurstCommits      []BurstCommit      `json:"burstCommits"`
	IdleBursts        []IdleBurst        `json:"idleBursts"`

	AvgCommitSuspicionScore float64 `json:"avgCommitSuspicionScore"`

	SimilarityMatches []SimilarityMatch `json:"similarityMatches"`
	HighestSimilarity float64           `json:"highestSimilarity"`

	SourceSuspicionScore float64 `json:"sourceSuspicionScore"`

	LastProcessedCommitID string    `json:"lastProcessedCommitId,omitempty"`
	LastSyncAt            time.Time `json:"lastSyncAt"`
}

// RepoFile is one (path, content) pair from a scanned repository, as used
// by the fingerprinter's cross-repo scan (§4.1).
type RepoFile struct {
	Path    string
	Content string
}
