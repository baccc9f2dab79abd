package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"voicebridge/internal/models"
)

// ErrNotFound is returned when a job id has no record.
var ErrNotFound = errors.New("store: job not found")

// Store wraps pgxpool for Postgres persistence of job records.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Create inserts the job record built by the processor.
func (s *Store) Create(ctx context.Context, job models.Job) error {
	inputJSON, err := json.Marshal(job.Input)
	if err != nil {
		return fmt.Errorf("marshal input: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO jobs (id, type, status, input, callback_url, retry_count, max_retries, session_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
	`, job.ID, job.Type, job.Status, inputJSON, job.CallbackURL, job.RetryCount, job.MaxRetries, job.SessionID, job.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get fetches a job by id.
func (s *Store) Get(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, type, status, input, output, last_error, callback_url, retry_count, max_retries, session_id, created_at, completed_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var inputJSON, outputJSON []byte
	var lastErr, callbackURL, sessionID pgtype.Text
	var completedAt pgtype.Timestamptz

	err := row.Scan(&job.ID, &job.Type, &job.Status, &inputJSON, &outputJSON, &lastErr,
		&callbackURL, &job.RetryCount, &job.MaxRetries, &sessionID, &job.CreatedAt, &completedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, ErrNotFound
	}
	if err != nil {
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if len(inputJSON) > 0 {
		if err := json.Unmarshal(inputJSON, &job.Input); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal input: %w", err)
		}
	}
	if len(outputJSON) > 0 {
		if err := json.Unmarshal(outputJSON, &job.Output); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal output: %w", err)
		}
	}
	job.LastError = textPtr(lastErr)
	job.CallbackURL = textPtr(callbackURL)
	job.SessionID = textPtr(sessionID)
	if completedAt.Valid {
		t := completedAt.Time
		job.CompletedAt = &t
	}
	return job, nil
}

// ClaimPending performs the atomic pending -> processing transition.
// It reports false when another worker holds the job or the job is
// already terminal, in which case nothing was mutated.
func (s *Store) ClaimPending(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusProcessing, models.StatusPending)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkCompleted records the terminal success transition with its output.
func (s *Store) MarkCompleted(ctx context.Context, id string, output map[string]any) error {
	outputJSON, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("marshal output: %w", err)
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, output = $3, last_error = NULL, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusCompleted, outputJSON, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("complete job %s: not processing", id)
	}
	return nil
}

// MarkRetry returns a processing job to pending with an incremented retry
// count and the failure message.
func (s *Store) MarkRetry(ctx context.Context, id string, retryCount int, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, retry_count = $3, last_error = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5
	`, id, models.StatusPending, retryCount, errMsg, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("retry job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("retry job %s: not processing", id)
	}
	return nil
}

// MarkFailed records the terminal failure transition.
func (s *Store) MarkFailed(ctx context.Context, id string, errMsg string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = $4
	`, id, models.StatusFailed, errMsg, models.StatusProcessing)
	if err != nil {
		return fmt.Errorf("fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("fail job %s: not processing", id)
	}
	return nil
}

// ResetStale returns a job stuck in processing to pending. Used when a
// worker's lease expired and the scheduler redelivered the job.
func (s *Store) ResetStale(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status = $3
	`, id, models.StatusPending, models.StatusProcessing)
	if err != nil {
		return false, fmt.Errorf("reset stale job: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CleanupOldJobs deletes terminal jobs completed before the cutoff and
// returns how many rows were removed.
func (s *Store) CleanupOldJobs(ctx context.Context, olderThan time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM jobs
		WHERE status IN ($1, $2) AND completed_at IS NOT NULL AND completed_at < $3
	`, models.StatusCompleted, models.StatusFailed, olderThan)
	if err != nil {
		return 0, fmt.Errorf("cleanup jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}
