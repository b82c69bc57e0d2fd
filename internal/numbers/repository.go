package numbers

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrNumberNotFound indicates the requested phone number row does not exist.
var ErrNumberNotFound = errors.New("numbers: phone number not found")

// DB is the subset of pgxpool.Pool used by the repository.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository stores phone numbers in the relational database.
type Repository struct {
	db DB
}

// NewRepository initializes a repo backed by pgx.
func NewRepository(db DB) *Repository {
	if db == nil {
		panic("numbers: db required")
	}
	return &Repository{db: db}
}

const numberColumns = `id, client_id, agent_id, phone_number, twilio_sid, monthly_cost, COALESCE(stripe_subscription_item_id, ''), created_at`

// Insert persists a newly provisioned number.
func (r *Repository) Insert(ctx context.Context, n *PhoneNumber) (*PhoneNumber, error) {
	if n.ID == uuid.Nil {
		n.ID = uuid.New()
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO phone_numbers (id, client_id, agent_id, phone_number, twilio_sid, monthly_cost, stripe_subscription_item_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at
	`, n.ID, n.ClientID, n.AgentID, n.PhoneNumber, n.TwilioSID, n.MonthlyCost, nullable(n.StripeSubscriptionItemID)).Scan(&n.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("numbers: insert failed: %w", err)
	}
	return n, nil
}

// ListByClient returns every number owned by the client, oldest first.
func (r *Repository) ListByClient(ctx context.Context, clientID uuid.UUID) ([]PhoneNumber, error) {
	rows, err := r.db.Query(ctx, `SELECT `+numberColumns+` FROM phone_numbers WHERE client_id = $1 ORDER BY created_at`, clientID)
	if err != nil {
		return nil, fmt.Errorf("numbers: select failed: %w", err)
	}
	defer rows.Close()

	var out []PhoneNumber
	for rows.Next() {
		n, err := scanNumber(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *n)
	}
	return out, rows.Err()
}

// GetByID fetches a number scoped to its owning client.
func (r *Repository) GetByID(ctx context.Context, clientID, id uuid.UUID) (*PhoneNumber, error) {
	row := r.db.QueryRow(ctx, `SELECT `+numberColumns+` FROM phone_numbers WHERE id = $1 AND client_id = $2`, id, clientID)
	return scanNumber(row)
}

// LinkAgent sets or clears the number's agent binding, scoped to the
// owning client.
func (r *Repository) LinkAgent(ctx context.Context, clientID, id uuid.UUID, agentID *uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `UPDATE phone_numbers SET agent_id = $3 WHERE id = $1 AND client_id = $2`, id, clientID, agentID)
	if err != nil {
		return fmt.Errorf("numbers: link agent failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNumberNotFound
	}
	return nil
}

// Delete removes a released number, scoped to the owning client.
func (r *Repository) Delete(ctx context.Context, clientID, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM phone_numbers WHERE id = $1 AND client_id = $2`, id, clientID)
	if err != nil {
		return fmt.Errorf("numbers: delete failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNumberNotFound
	}
	return nil
}

func scanNumber(row pgx.Row) (*PhoneNumber, error) {
	var n PhoneNumber
	if err := row.Scan(
		&n.ID,
		&n.ClientID,
		&n.AgentID,
		&n.PhoneNumber,
		&n.TwilioSID,
		&n.MonthlyCost,
		&n.StripeSubscriptionItemID,
		&n.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNumberNotFound
		}
		return nil, fmt.Errorf("numbers: scan failed: %w", err)
	}
	return &n, nil
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}
