package calls

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DB is the subset of pgxpool.Pool used by the repository.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository stores call history records.
type Repository struct {
	db DB
}

// NewRepository initializes a repo backed by pgx.
func NewRepository(db DB) *Repository {
	if db == nil {
		panic("calls: db required")
	}
	return &Repository{db: db}
}

// Insert writes one call record. The webhook sender delivers at least once,
// so a duplicate retell_call_id is swallowed by the unique index; the bool
// result reports whether this delivery created the row.
func (r *Repository) Insert(ctx context.Context, rec *CallRecord) (bool, error) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	tag, err := r.db.Exec(ctx, `
		INSERT INTO call_history (id, retell_call_id, retell_agent_id, phone_number, transcript, call_duration_seconds, call_status)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (retell_call_id) DO NOTHING
	`, rec.ID, rec.RetellCallID, rec.RetellAgentID, rec.PhoneNumber, rec.Transcript, rec.DurationSeconds, rec.Status)
	if err != nil {
		return false, fmt.Errorf("calls: insert failed: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ListByClient returns call history for all of the client's agents, newest first.
func (r *Repository) ListByClient(ctx context.Context, clientID uuid.UUID, limit int) ([]CallRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.Query(ctx, `
		SELECT ch.id, ch.retell_call_id, ch.retell_agent_id, ch.phone_number, ch.transcript, ch.call_duration_seconds, ch.call_status, ch.created_at
		FROM call_history ch
		JOIN agents a ON a.retell_agent_id = ch.retell_agent_id
		WHERE a.client_id = $1
		ORDER BY ch.created_at DESC
		LIMIT $2
	`, clientID, limit)
	if err != nil {
		return nil, fmt.Errorf("calls: select failed: %w", err)
	}
	defer rows.Close()

	var out []CallRecord
	for rows.Next() {
		var rec CallRecord
		if err := rows.Scan(
			&rec.ID,
			&rec.RetellCallID,
			&rec.RetellAgentID,
			&rec.PhoneNumber,
			&rec.Transcript,
			&rec.DurationSeconds,
			&rec.Status,
			&rec.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("calls: scan failed: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}
