package budget

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore implements Store using PostgreSQL. Each tracker is one JSONB row and
// Update holds a row lock (SELECT ... FOR UPDATE) across the read-modify-write.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// Migrate creates the backing table when it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS agent_budgets (
			agent_id   TEXT PRIMARY KEY,
			state      JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`)
	if err != nil {
		return fmt.Errorf("failed to migrate agent_budgets: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, agentID string) (*Tracker, error) {
	row := s.db.QueryRowContext(ctx, "SELECT state FROM agent_budgets WHERE agent_id = $1", agentID)

	var raw []byte
	err := row.Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get tracker: %w", err)
	}
	return decodeTracker(agentID, raw)
}

func (s *PostgresStore) Update(ctx context.Context, agentID string, fn UpdateFunc) (*Tracker, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin tracker tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	empty, err := json.Marshal(&Tracker{AgentID: agentID})
	if err != nil {
		return nil, err
	}
	// Ensure the row exists so FOR UPDATE has something to lock.
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO agent_budgets (agent_id, state, updated_at) VALUES ($1, $2, NOW())
		 ON CONFLICT (agent_id) DO NOTHING`,
		agentID, string(empty)); err != nil {
		return nil, fmt.Errorf("failed to initialise tracker row: %w", err)
	}

	var raw []byte
	if err := tx.QueryRowContext(ctx,
		"SELECT state FROM agent_budgets WHERE agent_id = $1 FOR UPDATE", agentID).Scan(&raw); err != nil {
		return nil, fmt.Errorf("failed to lock tracker: %w", err)
	}

	t, err := decodeTracker(agentID, raw)
	if err != nil {
		return nil, err
	}
	if err := fn(t); err != nil {
		return nil, err
	}

	next, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tracker: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		"UPDATE agent_budgets SET state = $2, updated_at = $3 WHERE agent_id = $1",
		agentID, string(next), time.Now().UTC()); err != nil {
		return nil, fmt.Errorf("failed to persist tracker: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit tracker: %w", err)
	}
	return t, nil
}

func decodeTracker(agentID string, raw []byte) (*Tracker, error) {
	var t Tracker
	if err := json.Unmarshal(raw, &t); err != nil {
		return nil, fmt.Errorf("failed to decode tracker %s: %w", agentID, err)
	}
	if t.AgentID == "" {
		t.AgentID = agentID
	}
	return &t, nil
}
