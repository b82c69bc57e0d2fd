package webhookjobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrJobNotFound indicates the requested job id does not exist.
	ErrJobNotFound = errors.New("webhookjobs: job not found")
	// ErrIllegalTransition indicates the job was not in the state the
	// requested transition starts from.
	ErrIllegalTransition = errors.New("webhookjobs: illegal status transition")
)

// DB is the subset of pgxpool.Pool used by the store.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Store persists webhook jobs to PostgreSQL.
type Store struct {
	db DB
}

// NewStore builds a Postgres-backed job store.
func NewStore(db DB) *Store {
	if db == nil {
		panic("webhookjobs: db required")
	}
	return &Store{db: db}
}

// Enqueue inserts a new pending job.
func (s *Store) Enqueue(ctx context.Context, jobType Type, payload Payload) (*Job, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("webhookjobs: encode payload: %w", err)
	}

	job := &Job{
		ID:      uuid.New(),
		Type:    jobType,
		Payload: payload,
		Status:  StatusPending,
	}
	if err := s.db.QueryRow(ctx, `
		INSERT INTO webhook_jobs (id, job_type, payload, status)
		VALUES ($1, $2, $3, 'pending')
		RETURNING created_at, updated_at
	`, job.ID, jobType, body).Scan(&job.CreatedAt, &job.UpdatedAt); err != nil {
		return nil, fmt.Errorf("webhookjobs: insert failed: %w", err)
	}
	return job, nil
}

// ListPending fetches up to limit pending jobs, oldest first.
func (s *Store) ListPending(ctx context.Context, limit int) ([]Job, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.Query(ctx, `
		SELECT id, job_type, payload, status, retry_count, COALESCE(error_message, ''), created_at, updated_at
		FROM webhook_jobs
		WHERE status = 'pending'
		ORDER BY created_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("webhookjobs: select failed: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var (
			job  Job
			body []byte
		)
		if err := rows.Scan(&job.ID, &job.Type, &body, &job.Status, &job.RetryCount, &job.LastError, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("webhookjobs: scan failed: %w", err)
		}
		if len(body) > 0 {
			if err := json.Unmarshal(body, &job.Payload); err != nil {
				return nil, fmt.Errorf("webhookjobs: decode payload for %s: %w", job.ID, err)
			}
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

// MarkProcessing claims a pending job.
func (s *Store) MarkProcessing(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, `
		UPDATE webhook_jobs
		SET status = 'processing', updated_at = $2
		WHERE id = $1 AND status = 'pending'
	`)
}

// Complete finishes a processing job successfully.
func (s *Store) Complete(ctx context.Context, id uuid.UUID) error {
	return s.transition(ctx, id, `
		UPDATE webhook_jobs
		SET status = 'completed', error_message = NULL, updated_at = $2
		WHERE id = $1 AND status = 'processing'
	`)
}

// ScheduleRetry returns a processing job to pending after a transient
// failure, recording the error and bumping the retry counter.
func (s *Store) ScheduleRetry(ctx context.Context, id uuid.UUID, errMsg string) error {
	return s.transition(ctx, id, `
		UPDATE webhook_jobs
		SET status = 'pending', retry_count = retry_count + 1, error_message = $3, updated_at = $2
		WHERE id = $1 AND status = 'processing'
	`, errMsg)
}

// Fail moves a processing job to the terminal failed state.
func (s *Store) Fail(ctx context.Context, id uuid.UUID, errMsg string) error {
	return s.transition(ctx, id, `
		UPDATE webhook_jobs
		SET status = 'failed', retry_count = retry_count + 1, error_message = $3, updated_at = $2
		WHERE id = $1 AND status = 'processing'
	`, errMsg)
}

func (s *Store) transition(ctx context.Context, id uuid.UUID, query string, extra ...any) error {
	args := append([]any{id, time.Now().UTC()}, extra...)
	tag, err := s.db.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("webhookjobs: update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		// Either the row is gone or it was not in the expected source state.
		var exists bool
		if err := s.db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM webhook_jobs WHERE id = $1)`, id).Scan(&exists); err != nil {
			return fmt.Errorf("webhookjobs: existence check failed: %w", err)
		}
		if !exists {
			return ErrJobNotFound
		}
		return ErrIllegalTransition
	}
	return nil
}
