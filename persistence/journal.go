package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/fairhopeweb/guijs/framework"
)

// Attempt is one launcher run as recorded in the journal.
type Attempt struct {
	ID         string
	StartedAt  time.Time
	FinishedAt time.Time
	FinalState string
	Version    string
}

// TransitionRecord is one state change of an attempt.
type TransitionRecord struct {
	Seq          int64
	From         string
	To           string
	Notification string
	Payload      string
	At           time.Time
}

// OutputRecord is one line of process output, a process exit or a command.
type OutputRecord struct {
	Seq     int64
	Kind    string
	Command string
	Message string
	At      time.Time
}

// Journal persists bootstrap attempts in SQLite. It is a telemetry sink: the
// bootstrap itself never reads it back.
type Journal struct {
	db     *sql.DB
	logger zerolog.Logger

	mu      sync.Mutex
	attempt string
}

// OpenJournal opens or creates the journal database at path.
func OpenJournal(path string, logger zerolog.Logger) (*Journal, error) {
	if path == "" {
		return nil, errors.New("journal path required")
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create journal directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	// One connection keeps :memory: databases alive and serializes writers.
	db.SetMaxOpenConns(1)
	j := &Journal{db: db, logger: logger}
	if err := j.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func (j *Journal) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS attempts (
		id TEXT PRIMARY KEY,
		started_at TEXT NOT NULL,
		finished_at TEXT,
		final_state TEXT NOT NULL DEFAULT '',
		version TEXT NOT NULL DEFAULT ''
	);
	CREATE TABLE IF NOT EXISTS transitions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		attempt_id TEXT NOT NULL,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		notification TEXT NOT NULL DEFAULT '',
		payload TEXT NOT NULL DEFAULT '',
		at TEXT NOT NULL,
		FOREIGN KEY(attempt_id) REFERENCES attempts(id) ON DELETE CASCADE
	);
	CREATE TABLE IF NOT EXISTS output (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		attempt_id TEXT NOT NULL,
		kind TEXT NOT NULL,
		command TEXT NOT NULL DEFAULT '',
		message TEXT NOT NULL DEFAULT '',
		at TEXT NOT NULL,
		FOREIGN KEY(attempt_id) REFERENCES attempts(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_transitions_attempt ON transitions(attempt_id);
	CREATE INDEX IF NOT EXISTS idx_output_attempt ON output(attempt_id);
	`
	_, err := j.db.Exec(schema)
	return err
}

// BeginAttempt starts a new attempt; subsequent events are recorded under it.
func (j *Journal) BeginAttempt(ctx context.Context, version string) (string, error) {
	id := uuid.NewString()
	_, err := j.db.ExecContext(ctx,
		`INSERT INTO attempts (id, started_at, version) VALUES (?, ?, ?)`,
		id, formatTime(time.Now()), version)
	if err != nil {
		return "", fmt.Errorf("begin attempt: %w", err)
	}
	j.mu.Lock()
	j.attempt = id
	j.mu.Unlock()
	return id, nil
}

// CurrentAttempt is the id returned by the last BeginAttempt.
func (j *Journal) CurrentAttempt() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.attempt
}

// Emit records the event under the current attempt. Events before the first
// BeginAttempt are dropped. Write errors are logged, never returned.
func (j *Journal) Emit(event framework.Event) {
	attempt := j.CurrentAttempt()
	if attempt == "" {
		return
	}
	at := event.Timestamp
	if at.IsZero() {
		at = time.Now()
	}
	var err error
	switch event.Type {
	case framework.EventStateChange:
		notification, payload := "", ""
		if event.Metadata != nil {
			notification, _ = event.Metadata["notification"].(string)
			payload, _ = event.Metadata["payload"].(string)
		}
		_, err = j.db.Exec(
			`INSERT INTO transitions (attempt_id, from_state, to_state, notification, payload, at) VALUES (?, ?, ?, ?, ?, ?)`,
			attempt, event.From, event.To, notification, payload, formatTime(at))
		if err == nil {
			_, err = j.db.Exec(
				`UPDATE attempts SET final_state = ?, finished_at = ? WHERE id = ?`,
				event.To, formatTime(at), attempt)
		}
	default:
		_, err = j.db.Exec(
			`INSERT INTO output (attempt_id, kind, command, message, at) VALUES (?, ?, ?, ?, ?)`,
			attempt, string(event.Type), event.Command, event.Message, formatTime(at))
	}
	if err != nil {
		j.logger.Warn().Err(err).Str("event", string(event.Type)).Msg("journal write failed")
	}
}

// Attempts lists the most recent attempts, newest first.
func (j *Journal) Attempts(ctx context.Context, limit int) ([]Attempt, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT id, started_at, COALESCE(finished_at, ''), final_state, version
		 FROM attempts ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Attempt
	for rows.Next() {
		var (
			a                 Attempt
			started, finished string
		)
		if err := rows.Scan(&a.ID, &started, &finished, &a.FinalState, &a.Version); err != nil {
			return nil, err
		}
		a.StartedAt = parseTime(started)
		a.FinishedAt = parseTime(finished)
		out = append(out, a)
	}
	return out, rows.Err()
}

// Transitions returns the state changes of an attempt in order.
func (j *Journal) Transitions(ctx context.Context, attemptID string) ([]TransitionRecord, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT seq, from_state, to_state, notification, payload, at
		 FROM transitions WHERE attempt_id = ? ORDER BY seq`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TransitionRecord
	for rows.Next() {
		var (
			r  TransitionRecord
			at string
		)
		if err := rows.Scan(&r.Seq, &r.From, &r.To, &r.Notification, &r.Payload, &at); err != nil {
			return nil, err
		}
		r.At = parseTime(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Output returns the recorded process output of an attempt in order.
func (j *Journal) Output(ctx context.Context, attemptID string) ([]OutputRecord, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT seq, kind, command, message, at FROM output WHERE attempt_id = ? ORDER BY seq`, attemptID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []OutputRecord
	for rows.Next() {
		var (
			r  OutputRecord
			at string
		)
		if err := rows.Scan(&r.Seq, &r.Kind, &r.Command, &r.Message, &at); err != nil {
			return nil, err
		}
		r.At = parseTime(at)
		out = append(out, r)
	}
	return out, rows.Err()
}

// Prune keeps the newest keep attempts and deletes the rest with their rows.
func (j *Journal) Prune(ctx context.Context, keep int) (int64, error) {
	res, err := j.db.ExecContext(ctx,
		`DELETE FROM attempts WHERE id NOT IN (
			SELECT id FROM attempts ORDER BY started_at DESC, rowid DESC LIMIT ?
		)`, keep)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Close releases the database.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(raw string) time.Time {
	if raw == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}
	}
	return t
}
