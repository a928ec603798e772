// ABOUTME: Agent directory persistence
// ABOUTME: Stores agent identities and resolves them by ID or name

package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateAgent adds an agent to the directory.
// Returns ErrDuplicateAgent if the name or ID is taken.
func (s *SQLStore) CreateAgent(ctx context.Context, agent *Agent) error {
	if agent.ID == "" {
		agent.ID = uuid.New().String()
	}
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}

	_, err := s.exec(ctx, `
		INSERT INTO agents (id, name, address, created_at)
		VALUES (?, ?, ?, ?)
	`, agent.ID, agent.Name, nullString(agent.Address), formatTime(agent.CreatedAt))
	if err != nil {
		if isConstraintViolation(err) {
			return ErrDuplicateAgent
		}
		return fmt.Errorf("inserting agent: %w", err)
	}

	s.logger.Debug("created agent", "id", agent.ID, "name", agent.Name)
	return nil
}

// GetAgent retrieves an agent by ID.
func (s *SQLStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return s.scanAgent(s.queryRow(ctx, `SELECT id, name, address, created_at FROM agents WHERE id = ?`, id))
}

// ResolveAgent looks up an agent by ID, falling back to name.
func (s *SQLStore) ResolveAgent(ctx context.Context, nameOrID string) (*Agent, error) {
	agent, err := s.GetAgent(ctx, nameOrID)
	if err == nil || err != ErrNotFound {
		return agent, err
	}
	return s.scanAgent(s.queryRow(ctx, `SELECT id, name, address, created_at FROM agents WHERE name = ?`, nameOrID))
}

// ListAgents returns all agents ordered by name.
func (s *SQLStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.query(ctx, `SELECT id, name, address, created_at FROM agents ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgentRow(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

func (s *SQLStore) scanAgent(row *sql.Row) (*Agent, error) {
	a, err := scanAgentRow(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return a, nil
}

func scanAgentRow(row rowScanner) (*Agent, error) {
	var a Agent
	var address sql.NullString
	var createdAt string
	if err := row.Scan(&a.ID, &a.Name, &address, &createdAt); err != nil {
		return nil, err
	}
	a.Address = address.String

	var err error
	if a.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &a, nil
}
