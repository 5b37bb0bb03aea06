// Package history keeps an append-only log of finished staging attempts.
//
// It is an observability aid: the queue is rebuilt by the catalog after a
// restart and never read back from here.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Outcome classifies how an attempt ended.
type Outcome string

const (
	OutcomeSuccess      Outcome = "success"
	OutcomeFailed       Outcome = "failed"
	OutcomeRequeued     Outcome = "requeued"
	OutcomeTimedOut     Outcome = "timed_out"
	OutcomeLaunchFailed Outcome = "launch_failed"
)

// Attempt is one row of the history log.
type Attempt struct {
	ID         string    `json:"id"`
	SessionID  string    `json:"session_id,omitempty"`
	URL        string    `json:"url"`
	InstanceID uint32    `json:"instance_id"`
	Outcome    Outcome   `json:"outcome"`
	Failures   int       `json:"failures"`
	Tree       string    `json:"tree,omitempty"`
	Endpoint   string    `json:"endpoint,omitempty"`
	SizeBytes  uint64    `json:"size_bytes"`
	Events     uint64    `json:"events"`
	Reason     string    `json:"reason,omitempty"`
	Command    string    `json:"command,omitempty"`
	Stderr     string    `json:"stderr,omitempty"`
	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`
}

// Store writes and reads attempts in the stage_attempts table.
type Store struct {
	db        *sql.DB
	sessionID string
	now       func() time.Time
}

// NewStore wraps a database opened by storage.OpenSQLite. sessionID tags every
// row written by this process.
func NewStore(db *sql.DB, sessionID string) *Store {
	return &Store{db: db, sessionID: sessionID, now: time.Now}
}

// Record inserts a. Missing ID and FinishedAt are filled in.
func (s *Store) Record(ctx context.Context, a Attempt) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.FinishedAt.IsZero() {
		a.FinishedAt = s.now()
	}
	if a.SessionID == "" {
		a.SessionID = s.sessionID
	}

	var startedAt any
	if !a.StartedAt.IsZero() {
		startedAt = a.StartedAt.UTC().Format(timeLayout)
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO stage_attempts(
  id, session_id, url, instance_id, outcome, failures, tree, endpoint,
  size_bytes, events, reason, command, stderr, started_at, finished_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
`,
		a.ID, a.SessionID, a.URL, int64(a.InstanceID), string(a.Outcome), a.Failures,
		nullString(a.Tree), nullString(a.Endpoint), int64(a.SizeBytes), int64(a.Events),
		nullString(a.Reason), nullString(a.Command), nullString(a.Stderr),
		startedAt, a.FinishedAt.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record attempt for %s: %w", a.URL, err)
	}
	return nil
}

// Recent returns up to limit attempts, newest first. url filters when non-empty.
func (s *Store) Recent(ctx context.Context, url string, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `
SELECT id, session_id, url, instance_id, outcome, failures, tree, endpoint,
       size_bytes, events, reason, command, stderr, started_at, finished_at
FROM stage_attempts`
	args := []any{}
	if url != "" {
		query += ` WHERE url = ?`
		args = append(args, url)
	}
	query += ` ORDER BY finished_at DESC, rowid DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var (
			a                                      Attempt
			instanceID, size, events               int64
			outcome                                string
			tree, endpoint, reason, command, errTx sql.NullString
			startedAt                              sql.NullString
			finishedAt                             string
		)
		if err := rows.Scan(&a.ID, &a.SessionID, &a.URL, &instanceID, &outcome, &a.Failures,
			&tree, &endpoint, &size, &events, &reason, &command, &errTx, &startedAt, &finishedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.InstanceID = uint32(instanceID)
		a.Outcome = Outcome(outcome)
		a.Tree, a.Endpoint, a.Reason = tree.String, endpoint.String, reason.String
		a.Command, a.Stderr = command.String, errTx.String
		a.SizeBytes, a.Events = uint64(size), uint64(events)
		if startedAt.Valid {
			a.StartedAt, _ = time.Parse(timeLayout, startedAt.String)
		}
		a.FinishedAt, _ = time.Parse(timeLayout, finishedAt)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate attempts: %w", err)
	}
	return out, nil
}

// Prune deletes attempts that finished more than retention ago and returns
// the number removed. retention <= 0 keeps everything.
func (s *Store) Prune(ctx context.Context, retention time.Duration) (int64, error) {
	if retention <= 0 {
		return 0, nil
	}
	cutoff := s.now().Add(-retention).UTC().Format(timeLayout)
	res, err := s.db.ExecContext(ctx, `DELETE FROM stage_attempts WHERE finished_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("prune attempts: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("prune attempts: %w", err)
	}
	return n, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
