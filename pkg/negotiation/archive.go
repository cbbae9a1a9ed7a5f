package negotiation

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Archiver stores sessions that left the active store, keyed by session id. Archiving
// the same session twice overwrites the earlier copy.
type Archiver interface {
	Archive(ctx context.Context, s *Session) error
	Load(ctx context.Context, id string) (*Session, error)
}

// SQLiteArchive keeps archived sessions as JSON rows.
type SQLiteArchive struct {
	db *sql.DB
}

func NewSQLiteArchive(db *sql.DB) (*SQLiteArchive, error) {
	a := &SQLiteArchive{db: db}
	if err := a.migrate(); err != nil {
		return nil, err
	}
	return a, nil
}

// OpenSQLiteArchive opens (or creates) the database at path.
func OpenSQLiteArchive(path string) (*SQLiteArchive, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open archive db: %w", err)
	}
	return NewSQLiteArchive(db)
}

func (a *SQLiteArchive) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS negotiation_archive (
		session_id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		local_agent_id TEXT NOT NULL,
		remote_agent_id TEXT NOT NULL,
		archived_at INTEGER NOT NULL,
		body TEXT NOT NULL
	);`
	_, err := a.db.ExecContext(context.Background(), query)
	return err
}

func (a *SQLiteArchive) Close() error {
	return a.db.Close()
}

func (a *SQLiteArchive) Archive(ctx context.Context, s *Session) error {
	body, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("marshal session %s: %w", s.ID, err)
	}
	_, err = a.db.ExecContext(ctx, `INSERT INTO negotiation_archive
		(session_id, state, local_agent_id, remote_agent_id, archived_at, body)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET state = excluded.state, archived_at = excluded.archived_at, body = excluded.body`,
		s.ID, string(s.State), s.LocalAgentID, s.RemoteAgentID, time.Now().UTC().UnixNano(), string(body))
	if err != nil {
		return fmt.Errorf("failed to archive session %s: %w", s.ID, err)
	}
	return nil
}

func (a *SQLiteArchive) Load(ctx context.Context, id string) (*Session, error) {
	var body string
	err := a.db.QueryRowContext(ctx, `SELECT body FROM negotiation_archive WHERE session_id = ?`, id).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load archived session %s: %w", id, err)
	}
	var s Session
	if err := json.Unmarshal([]byte(body), &s); err != nil {
		return nil, fmt.Errorf("decode archived session %s: %w", id, err)
	}
	return &s, nil
}
