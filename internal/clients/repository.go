package clients

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrClientNotFound indicates the requested client row does not exist.
var ErrClientNotFound = errors.New("clients: client not found")

// DB is the subset of pgxpool.Pool used by the repository.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository stores clients in the relational database.
type Repository struct {
	db DB
}

// NewRepository initializes a repo backed by pgx.
func NewRepository(db DB) *Repository {
	if db == nil {
		panic("clients: db required")
	}
	return &Repository{db: db}
}

const clientColumns = `id, email, minutes_included, minutes_used, phone_status, COALESCE(stripe_customer_id, ''), created_at`

// GetByID fetches a client by its id.
func (r *Repository) GetByID(ctx context.Context, id uuid.UUID) (*Client, error) {
	row := r.db.QueryRow(ctx, `SELECT `+clientColumns+` FROM clients WHERE id = $1`, id)
	return scanClient(row)
}

// GetByEmail resolves a client by email, used to match payment events to tenants.
func (r *Repository) GetByEmail(ctx context.Context, email string) (*Client, error) {
	row := r.db.QueryRow(ctx, `SELECT `+clientColumns+` FROM clients WHERE lower(email) = lower($1)`, strings.TrimSpace(email))
	return scanClient(row)
}

// AddMinutes credits purchased minutes in a single statement so concurrent
// webhook deliveries cannot lose updates. Returns the new included total.
func (r *Repository) AddMinutes(ctx context.Context, id uuid.UUID, minutes int) (int, error) {
	var total int
	err := r.db.QueryRow(ctx, `
		UPDATE clients
		SET minutes_included = minutes_included + $2
		WHERE id = $1
		RETURNING minutes_included
	`, id, minutes).Scan(&total)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrClientNotFound
		}
		return 0, fmt.Errorf("clients: add minutes failed: %w", err)
	}
	return total, nil
}

// AddUsage records consumed minutes as an in-place increment.
func (r *Repository) AddUsage(ctx context.Context, id uuid.UUID, minutes int) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE clients
		SET minutes_used = minutes_used + $2
		WHERE id = $1
	`, id, minutes)
	if err != nil {
		return fmt.Errorf("clients: add usage failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClientNotFound
	}
	return nil
}

// SetPhoneStatus flips the routing status flag.
func (r *Repository) SetPhoneStatus(ctx context.Context, id uuid.UUID, status PhoneStatus) error {
	tag, err := r.db.Exec(ctx, `UPDATE clients SET phone_status = $2 WHERE id = $1`, id, status)
	if err != nil {
		return fmt.Errorf("clients: set phone status failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrClientNotFound
	}
	return nil
}

// SetStripeCustomerIDIfEmpty records the billing customer reference on first sight.
func (r *Repository) SetStripeCustomerIDIfEmpty(ctx context.Context, id uuid.UUID, customerID string) error {
	if strings.TrimSpace(customerID) == "" {
		return nil
	}
	_, err := r.db.Exec(ctx, `
		UPDATE clients
		SET stripe_customer_id = $2
		WHERE id = $1 AND stripe_customer_id IS NULL
	`, id, customerID)
	if err != nil {
		return fmt.Errorf("clients: set stripe customer failed: %w", err)
	}
	return nil
}

func scanClient(row pgx.Row) (*Client, error) {
	var c Client
	if err := row.Scan(
		&c.ID,
		&c.Email,
		&c.MinutesIncluded,
		&c.MinutesUsed,
		&c.PhoneStatus,
		&c.StripeCustomerID,
		&c.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrClientNotFound
		}
		return nil, fmt.Errorf("clients: select failed: %w", err)
	}
	return &c, nil
}
