package audit

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteLog stores records in an executions table. The table is created on construction.
type SQLiteLog struct {
	db *sql.DB
}

func NewSQLiteLog(db *sql.DB) (*SQLiteLog, error) {
	l := &SQLiteLog{db: db}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

// OpenSQLiteLog opens (or creates) the database at path.
func OpenSQLiteLog(path string) (*SQLiteLog, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit db: %w", err)
	}
	return NewSQLiteLog(db)
}

func (l *SQLiteLog) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS executions (
		request_id TEXT PRIMARY KEY,
		policy_id TEXT,
		agent_id TEXT NOT NULL,
		amount INTEGER NOT NULL,
		currency TEXT,
		recipient TEXT,
		status TEXT NOT NULL,
		tx_ref TEXT,
		error TEXT,
		recorded_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_executions_agent ON executions(agent_id, recorded_at);`
	_, err := l.db.ExecContext(context.Background(), query)
	return err
}

// Close releases the underlying database.
func (l *SQLiteLog) Close() error {
	return l.db.Close()
}

func (l *SQLiteLog) RecordExecution(ctx context.Context, r Record) error {
	if r.RecordedAt.IsZero() {
		r.RecordedAt = time.Now().UTC()
	}
	_, err := l.db.ExecContext(ctx, `INSERT INTO executions (
		request_id, policy_id, agent_id, amount, currency, recipient, status, tx_ref, error, recorded_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RequestID, r.PolicyID, r.AgentID, r.Amount, r.Currency, r.Recipient, string(r.Status), r.TxRef, r.Error,
		r.RecordedAt.UTC().UnixNano(),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return fmt.Errorf("%w: %s", ErrDuplicateRecord, r.RequestID)
		}
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

func (l *SQLiteLog) GetExecutions(ctx context.Context, f Filter) ([]Record, error) {
	var (
		where []string
		args  []any
	)
	if f.RequestID != "" {
		where = append(where, "request_id = ?")
		args = append(args, f.RequestID)
	}
	if f.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, f.AgentID)
	}
	if f.PolicyID != "" {
		where = append(where, "policy_id = ?")
		args = append(args, f.PolicyID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if !f.Since.IsZero() {
		where = append(where, "recorded_at >= ?")
		args = append(args, f.Since.UTC().UnixNano())
	}
	if !f.Until.IsZero() {
		where = append(where, "recorded_at < ?")
		args = append(args, f.Until.UTC().UnixNano())
	}

	query := `SELECT request_id, policy_id, agent_id, amount, currency, recipient, status, tx_ref, error, recorded_at FROM executions`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY recorded_at ASC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []Record
	for rows.Next() {
		var (
			r                                          Record
			policyID, currency, recipient, txRef, msg sql.NullString
			status                                     string
			recordedAt                                 int64
		)
		if err := rows.Scan(&r.RequestID, &policyID, &r.AgentID, &r.Amount, &currency, &recipient, &status, &txRef, &msg, &recordedAt); err != nil {
			return nil, err
		}
		r.PolicyID = policyID.String
		r.Currency = currency.String
		r.Recipient = recipient.String
		r.Status = Status(status)
		r.TxRef = txRef.String
		r.Error = msg.String
		r.RecordedAt = time.Unix(0, recordedAt).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (l *SQLiteLog) GetUsageToday(ctx context.Context, agentID string, now time.Time) (int64, error) {
	start, end := dayBounds(now)
	var total sql.NullInt64
	err := l.db.QueryRowContext(ctx,
		`SELECT SUM(amount) FROM executions WHERE agent_id = ? AND status = ? AND recorded_at >= ? AND recorded_at < ?`,
		agentID, string(StatusSuccess), start.UnixNano(), end.UnixNano(),
	).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum usage: %w", err)
	}
	return total.Int64, nil
}
