// Package callog persists a summary row for every ended call in SQLite,
// giving operators call history that survives restarts.
package callog

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver

	"github.com/voicewire/callbridge/internal/notify"
)

// ErrNotFound is returned when no record exists for a call id.
var ErrNotFound = errors.New("callog: record not found")

// Record is one archived call.
type Record struct {
	CallID              string
	AgentID             string
	CallType            string
	Direction           string
	FromNumber          string
	ToNumber            string
	StartTimestamp      int64 // unix millis
	EndTimestamp        int64 // unix millis
	DisconnectionReason string
	Transcript          string
}

// Duration returns the call length.
func (r Record) Duration() time.Duration {
	if r.EndTimestamp <= r.StartTimestamp {
		return 0
	}
	return time.Duration(r.EndTimestamp-r.StartTimestamp) * time.Millisecond
}

// Store is the call-history store. Safe for concurrent use.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

// Config assembles a Store.
type Config struct {
	// Path is the SQLite database file.
	Path   string
	Logger *slog.Logger
}

// Open opens or creates the store and applies the schema.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("callog: database path is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("callog: open database: %w", err)
	}

	s := &Store{db: db, logger: logger}
	if err := s.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS calls (
			call_id              TEXT PRIMARY KEY,
			agent_id             TEXT,
			call_type            TEXT,
			direction            TEXT,
			from_number          TEXT,
			to_number            TEXT,
			start_timestamp      INTEGER NOT NULL,
			end_timestamp        INTEGER NOT NULL,
			disconnection_reason TEXT,
			transcript           TEXT
		)
	`)
	if err != nil {
		return fmt.Errorf("callog: create calls table: %w", err)
	}
	if _, err := s.db.Exec("CREATE INDEX IF NOT EXISTS idx_calls_ended ON calls(end_timestamp)"); err != nil {
		return fmt.Errorf("callog: create index: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Record archives one ended call. Re-recording the same call id replaces
// the previous row.
func (s *Store) Record(ctx context.Context, info notify.CallInfo) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO calls
			(call_id, agent_id, call_type, direction, from_number, to_number,
			 start_timestamp, end_timestamp, disconnection_reason, transcript)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		info.CallID, info.AgentID, info.CallType, info.Direction,
		info.FromNumber, info.ToNumber,
		info.StartTimestamp, info.EndTimestamp,
		info.DisconnectionReason, info.Transcript,
	)
	if err != nil {
		return fmt.Errorf("callog: record call %s: %w", info.CallID, err)
	}
	return nil
}

// Get returns the archived record for a call id.
func (s *Store) Get(ctx context.Context, callID string) (*Record, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT call_id, agent_id, call_type, direction, from_number, to_number,
		       start_timestamp, end_timestamp, disconnection_reason, transcript
		FROM calls WHERE call_id = ?
	`, callID)

	var r Record
	err := row.Scan(&r.CallID, &r.AgentID, &r.CallType, &r.Direction,
		&r.FromNumber, &r.ToNumber, &r.StartTimestamp, &r.EndTimestamp,
		&r.DisconnectionReason, &r.Transcript)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("callog: get call %s: %w", callID, err)
	}
	return &r, nil
}

// Recent returns up to limit records, most recently ended first.
func (s *Store) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 || limit > 500 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT call_id, agent_id, call_type, direction, from_number, to_number,
		       start_timestamp, end_timestamp, disconnection_reason, transcript
		FROM calls ORDER BY end_timestamp DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("callog: list calls: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(&r.CallID, &r.AgentID, &r.CallType, &r.Direction,
			&r.FromNumber, &r.ToNumber, &r.StartTimestamp, &r.EndTimestamp,
			&r.DisconnectionReason, &r.Transcript); err != nil {
			return nil, fmt.Errorf("callog: scan call row: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune deletes records whose calls ended before the retention window.
// It reports how many rows were removed.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	cutoff := time.Now().Add(-retention).UnixMilli()
	res, err := s.db.ExecContext(ctx, "DELETE FROM calls WHERE end_timestamp < ?", cutoff)
	if err != nil {
		return 0, fmt.Errorf("callog: prune: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// SchedulePrune registers a periodic prune job on the given scheduler.
func (s *Store) SchedulePrune(cr *cron.Cron, schedule string, retention time.Duration) error {
	_, err := cr.AddFunc(schedule, func() {
		n, err := s.Prune(context.Background(), retention)
		if err != nil {
			s.logger.Warn("call log prune failed", "error", err)
			return
		}
		if n > 0 {
			s.logger.Info("call log pruned", "removed", n)
		}
	})
	if err != nil {
		return fmt.Errorf("callog: schedule prune: %w", err)
	}
	return nil
}
