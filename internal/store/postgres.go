package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/contestproctor/engine/internal/model"
)

// PostgresStore is the durable Gateway implementation for multi-pod
// deployments, backed by a single Postgres instance via database/sql and
// the lib/pq driver.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens (but does not migrate) the store's connection
// pool. Schema management is out of scope; operators apply
// internal/store/schema.sql before first run.
func NewPostgresStore(dsn string, maxOpenConns, maxIdleConns int) (*PostgresStore, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open postgres: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, fmt.Errorf("store: ping postgres: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func (s *PostgresStore) UpsertParticipant(ctx context.Context, machineID, sessionID, workspace string) (*model.Participant, error) {
	p := &model.Participant{}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO participants (id, machine_id, session_id, workspace, started_at, last_active)
		VALUES (gen_random_uuid(), $1, $2, $3, now(), now())
		ON CONFLICT (machine_id) DO UPDATE
			SET session_id = EXCLUDED.session_id,
			    workspace  = COALESCE(NULLIF(EXCLUDED.workspace, ''), participants.workspace),
			    last_active = now()
		RETURNING id, machine_id, external_account_name, session_id, workspace,
		          started_at, last_active, total_events, paste_count, paste_chars_total,
		          typing_anomalies, window_blur_count, window_blur_total_ms,
		          clipboard_changes, files_created, files_deleted, suspicion_score
	`, machineID, sessionID, workspace)

	if err := scanParticipant(row, p); err != nil {
		return nil, fmt.Errorf("store: upsert participant: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) GetParticipant(ctx context.Context, participantID string) (*model.Participant, error) {
	p := &model.Participant{}
	row := s.db.QueryRowContext(ctx, `
		SELECT id, machine_id, external_account_name, session_id, workspace,
		       started_at, last_active, total_events, paste_count, paste_chars_total,
		       typing_anomalies, window_blur_count, window_blur_total_ms,
		       clipboard_changes, files_created, files_deleted, suspicion_score
		FROM participants WHERE id = $1
	`, participantID)

	if err := scanParticipant(row, p); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get participant: %w", err)
	}
	return p, nil
}

func (s *PostgresStore) SaveParticipant(ctx context.Context, p *model.Participant) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE participants SET
			external_account_name = $2, session_id = $3, workspace = $4,
			last_active = $5, total_events = $6, paste_count = $7,
			paste_chars_total = $8, typing_anomalies = $9, window_blur_count = $10,
			window_blur_total_ms = $11, clipboard_changes = $12, files_created = $13,
			files_deleted = $14, suspicion_score = $15
		WHERE id = $1
	`, p.ID, p.ExternalAccountName, p.SessionID, p.Workspace, p.LastActive,
		p.TotalEvents, p.PasteCount, p.PasteCharsTotal, p.TypingAnomalies,
		p.WindowBlurCount, p.WindowBlurTotalMs, p.ClipboardChanges,
		p.FilesCreated, p.FilesDeleted, p.SuspicionScore)
	if err != nil {
		return fmt.Errorf("store: save participant: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListParticipants(ctx context.Context) ([]*model.Participant, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, machine_id, external_account_name, session_id, workspace,
		       started_at, last_active, total_events, paste_count, paste_chars_total,
		       typing_anomalies, window_blur_count, window_blur_total_ms,
		       clipboard_changes, files_created, files_deleted, suspicion_score
		FROM participants
	`)
	if err != nil {
		return nil, fmt.Errorf("store: list participants: %w", err)
	}
	defer rows.Close()

	var out []*model.Participant
	for rows.Next() {
		p := &model.Participant{}
		if err := scanParticipant(rows, p); err != nil {
			return nil, fmt.Errorf("store: scan participant: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *PostgresStore) AppendEvents(ctx context.Context, participantID string, events []model.Event) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: append events: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO events (id, participant_id, kind, timestamp_ms, data, user_id, workspace, suspicion_score, flagged, reasons)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO NOTHING
	`)
	if err != nil {
		return fmt.Errorf("store: prepare event insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		data, err := json.Marshal(e.Data)
		if err != nil {
			continue
		}
		reasons, _ := json.Marshal(e.Reasons)
		// A failed statement aborts the whole Postgres transaction, so each
		// row runs under its own savepoint.
		if _, err := tx.ExecContext(ctx, "SAVEPOINT event_row"); err != nil {
			return fmt.Errorf("store: append events: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, e.ID, participantID, e.Kind, e.Timestamp, data, e.UserID, e.Workspace, e.SuspicionScore, e.Flagged, reasons); err != nil {
			// §4.5: persistence of individual rows may fail without
			// aborting the batch.
			if _, err := tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT event_row"); err != nil {
				return fmt.Errorf("store: append events: %w", err)
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, "RELEASE SAVEPOINT event_row"); err != nil {
			return fmt.Errorf("store: append events: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("store: commit events: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListEvents(ctx context.Context, participantID string, filter EventFilter) ([]model.Event, int, error) {
	where := `WHERE participant_id = $1`
	args := []interface{}{participantID}

	if filter.Kind != "" {
		args = append(args, filter.Kind)
		where += fmt.Sprintf(" AND kind = $%d", len(args))
	}
	if filter.FlaggedOnly {
		where += " AND flagged = true"
	}

	var total int
	countQuery := `SELECT count(*) FROM events ` + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("store: count events: %w", err)
	}

	query := `
		SELECT id, participant_id, kind, timestamp_ms, data, user_id, workspace, suspicion_score, flagged, reasons
		FROM events ` + where + `
		ORDER BY timestamp_ms DESC
	`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	if filter.Offset > 0 {
		args = append(args, filter.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("store: list events: %w", err)
	}
	defer rows.Close()

	out := make([]model.Event, 0)
	for rows.Next() {
		var e model.Event
		var data, reasons []byte
		if err := rows.Scan(&e.ID, &e.ParticipantID, &e.Kind, &e.Timestamp, &data, &e.UserID, &e.Workspace, &e.SuspicionScore, &e.Flagged, &reasons); err != nil {
			return nil, 0, fmt.Errorf("store: scan event: %w", err)
		}
		_ = json.Unmarshal(data, &e.Data)
		_ = json.Unmarshal(reasons, &e.Reasons)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (s *PostgresStore) UpdateTypingPattern(ctx context.Context, participantID string, newIntervals []float64) (*model.TypingPattern, error) {
	var existing []byte
	row := s.db.QueryRowContext(ctx, `SELECT intervals FROM typing_patterns WHERE participant_id = $1`, participantID)
	var merged []float64
	if err := row.Scan(&existing); err == nil {
		_ = json.Unmarshal(existing, &merged)
	} else if err != sql.ErrNoRows {
		return nil, fmt.Errorf("store: read typing pattern: %w", err)
	}
	merged = truncateTypingIntervals(append(merged, newIntervals...))

	pattern := computeTypingStats(participantID, merged)
	encoded, err := json.Marshal(pattern.Intervals)
	if err != nil {
		return nil, fmt.Errorf("store: encode typing pattern: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO typing_patterns (participant_id, intervals, mean_interval, variance, std_dev, sample_count, wpm)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (participant_id) DO UPDATE SET
			intervals = EXCLUDED.intervals, mean_interval = EXCLUDED.mean_interval,
			variance = EXCLUDED.variance, std_dev = EXCLUDED.std_dev,
			sample_count = EXCLUDED.sample_count, wpm = EXCLUDED.wpm
	`, participantID, encoded, pattern.MeanInterval, pattern.Variance, pattern.StdDev, pattern.SampleCount, pattern.WPM)
	if err != nil {
		return nil, fmt.Errorf("store: upsert typing pattern: %w", err)
	}
	return &pattern, nil
}

func (s *PostgresStore) RecentClipboardCount(ctx context.Context, participantID string, sinceMs int64) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, `
		SELECT count(*) FROM events
		WHERE participant_id = $1 AND kind = 'clipboard' AND timestamp_ms >= $2
	`, participantID, sinceMs).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("store: recent clipboard count: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) HasAnyTypingEvent(ctx context.Context, participantID string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM events
			WHERE participant_id = $1 AND kind IN ('typing', 'file_change')
		)
	`, participantID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("store: has any typing event: %w", err)
	}
	return exists, nil
}

func (s *PostgresStore) GetOrCreateSourceAnalysis(ctx context.Context, participantID, owner, repo string) (*model.SourceAnalysisRecord, error) {
	rec, err := s.scanSourceAnalysis(ctx, participantID, owner, repo)
	if err == nil {
		return rec, nil
	}
	if err != ErrNotFound {
		return nil, err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO source_analyses (participant_id, owner, repo)
		VALUES ($1, $2, $3)
		ON CONFLICT (participant_id, owner, repo) DO NOTHING
	`, participantID, owner, repo)
	if err != nil {
		return nil, fmt.Errorf("store: create source analysis: %w", err)
	}
	return s.scanSourceAnalysis(ctx, participantID, owner, repo)
}

func (s *PostgresStore) scanSourceAnalysis(ctx context.Context, participantID, owner, repo string) (*model.SourceAnalysisRecord, error) {
	rec := &model.SourceAnalysisRecord{}
	var stats, suspicious, bursts, idleBursts, matches []byte

	row := s.db.QueryRowContext(ctx, `
		SELECT participant_id, owner, repo, default_branch, stats,
		       suspicious_commits, burst_commits, idle_bursts,
		       avg_commit_suspicion_score, similarity_matches, highest_similarity,
		       source_suspicion_score, last_processed_commit_id, last_sync_at
		FROM source_analyses WHERE participant_id = $1 AND owner = $2 AND repo = $3
	`, participantID, owner, repo)

	err := row.Scan(&rec.ParticipantID, &rec.Owner, &rec.Repo, &rec.DefaultBranch,
		&stats, &suspicious, &bursts, &idleBursts,
		&rec.AvgCommitSuspicionScore, &matches, &rec.HighestSimilarity,
		&rec.SourceSuspicionScore, &rec.LastProcessedCommitID, &rec.LastSyncAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("store: scan source analysis: %w", err)
	}

	_ = json.Unmarshal(stats, &rec.Stats)
	_ = json.Unmarshal(suspicious, &rec.SuspiciousCommits)
	_ = json.Unmarshal(bursts, &rec.BurstCommits)
	_ = json.Unmarshal(idleBursts, &rec.IdleBursts)
	_ = json.Unmarshal(matches, &rec.SimilarityMatches)
	return rec, nil
}

func (s *PostgresStore) PersistSourceAnalysis(ctx context.Context, record *model.SourceAnalysisRecord) error {
	record.SuspiciousCommits = truncateSuspiciousCommits(record.SuspiciousCommits)
	record.BurstCommits = truncateBurstCommits(record.BurstCommits)
	record.SimilarityMatches = truncateSimilarityMatches(record.SimilarityMatches)

	stats, _ := json.Marshal(record.Stats)
	suspicious, _ := json.Marshal(record.SuspiciousCommits)
	bursts, _ := json.Marshal(record.BurstCommits)
	idleBursts, _ := json.Marshal(record.IdleBursts)
	matches, _ := json.Marshal(record.SimilarityMatches)

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO source_analyses (
			participant_id, owner, repo, default_branch, stats,
			suspicious_commits, burst_commits, idle_bursts,
			avg_commit_suspicion_score, similarity_matches, highest_similarity,
			source_suspicion_score, last_processed_commit_id, last_sync_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (participant_id, owner, repo) DO UPDATE SET
			default_branch = EXCLUDED.default_branch, stats = EXCLUDED.stats,
			suspicious_commits = EXCLUDED.suspicious_commits,
			burst_commits = EXCLUDED.burst_commits, idle_bursts = EXCLUDED.idle_bursts,
			avg_commit_suspicion_score = EXCLUDED.avg_commit_suspicion_score,
			similarity_matches = EXCLUDED.similarity_matches,
			highest_similarity = EXCLUDED.highest_similarity,
			source_suspicion_score = EXCLUDED.source_suspicion_score,
			last_processed_commit_id = EXCLUDED.last_processed_commit_id,
			last_sync_at = EXCLUDED.last_sync_at
	`, record.ParticipantID, record.Owner, record.Repo, record.DefaultBranch, stats,
		suspicious, bursts, idleBursts, record.AvgCommitSuspicionScore, matches,
		record.HighestSimilarity, record.SourceSuspicionScore,
		record.LastProcessedCommitID, record.LastSyncAt)
	if err != nil {
		return fmt.Errorf("store: persist source analysis: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRegisteredSourceAnalyses(ctx context.Context) ([]*model.SourceAnalysisRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT participant_id, owner, repo FROM source_analyses`)
	if err != nil {
		return nil, fmt.Errorf("store: list source analyses: %w", err)
	}
	defer rows.Close()

	var coords [][3]string
	for rows.Next() {
		var participantID, owner, repo string
		if err := rows.Scan(&participantID, &owner, &repo); err != nil {
			return nil, fmt.Errorf("store: scan source analysis coords: %w", err)
		}
		coords = append(coords, [3]string{participantID, owner, repo})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]*model.SourceAnalysisRecord, 0, len(coords))
	for _, c := range coords {
		rec, err := s.scanSourceAnalysis(ctx, c[0], c[1], c[2])
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanParticipant(row rowScanner, p *model.Participant) error {
	return row.Scan(&p.ID, &p.MachineID, &p.ExternalAccountName, &p.SessionID, &p.Workspace,
		&p.StartedAt, &p.LastActive, &p.TotalEvents, &p.PasteCount, &p.PasteCharsTotal,
		&p.TypingAnomalies, &p.WindowBlurCount, &p.WindowBlurTotalMs,
		&p.ClipboardChanges, &p.FilesCreated, &p.FilesDeleted, &p.SuspicionScore)
}

var _ Gateway = (*PostgresStore)(nil)
