package agents

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// ErrAgentNotFound indicates the requested agent row does not exist.
var ErrAgentNotFound = errors.New("agents: agent not found")

// DB is the subset of pgxpool.Pool used by the repository.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Repository stores agents in the relational database.
type Repository struct {
	db DB
}

// NewRepository initializes a repo backed by pgx.
func NewRepository(db DB) *Repository {
	if db == nil {
		panic("agents: db required")
	}
	return &Repository{db: db}
}

const agentColumns = `id, client_id, agent_name, retell_agent_id, COALESCE(retell_llm_id, ''), COALESCE(prompt, ''), voice, language, created_at`

// Create inserts a new agent row.
func (r *Repository) Create(ctx context.Context, a *Agent) (*Agent, error) {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	err := r.db.QueryRow(ctx, `
		INSERT INTO agents (id, client_id, agent_name, retell_agent_id, retell_llm_id, prompt, voice, language)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, a.ID, a.ClientID, a.Name, a.RetellAgentID, nullable(a.RetellLLMID), nullable(a.Prompt), a.Voice, a.Language).Scan(&a.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("agents: insert failed: %w", err)
	}
	return a, nil
}

// GetByRetellAgentID resolves ownership of an inbound call event.
func (r *Repository) GetByRetellAgentID(ctx context.Context, retellAgentID string) (*Agent, error) {
	row := r.db.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE retell_agent_id = $1`, retellAgentID)
	return scanAgent(row)
}

// GetByID fetches an agent scoped to its owning client.
func (r *Repository) GetByID(ctx context.Context, clientID, id uuid.UUID) (*Agent, error) {
	row := r.db.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1 AND client_id = $2`, id, clientID)
	return scanAgent(row)
}

// ListByClient returns all agents owned by a client.
func (r *Repository) ListByClient(ctx context.Context, clientID uuid.UUID) ([]Agent, error) {
	rows, err := r.db.Query(ctx, `SELECT `+agentColumns+` FROM agents WHERE client_id = $1 ORDER BY created_at`, clientID)
	if err != nil {
		return nil, fmt.Errorf("agents: select failed: %w", err)
	}
	defer rows.Close()

	var out []Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

// Update persists editable agent fields.
func (r *Repository) Update(ctx context.Context, a *Agent) error {
	tag, err := r.db.Exec(ctx, `
		UPDATE agents
		SET agent_name = $3, prompt = $4, voice = $5, language = $6
		WHERE id = $1 AND client_id = $2
	`, a.ID, a.ClientID, a.Name, nullable(a.Prompt), a.Voice, a.Language)
	if err != nil {
		return fmt.Errorf("agents: update failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// Delete removes an agent. Call history rows cascade via the schema.
func (r *Repository) Delete(ctx context.Context, clientID, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM agents WHERE id = $1 AND client_id = $2`, id, clientID)
	if err != nil {
		return fmt.Errorf("agents: delete failed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func scanAgent(row pgx.Row) (*Agent, error) {
	var a Agent
	if err := row.Scan(
		&a.ID,
		&a.ClientID,
		&a.Name,
		&a.RetellAgentID,
		&a.RetellLLMID,
		&a.Prompt,
		&a.Voice,
		&a.Language,
		&a.CreatedAt,
	); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, fmt.Errorf("agents: scan failed: %w", err)
	}
	return &a, nil
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}
