// Package sqlitestore implements tasks.Store on a single SQLite database.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/dohr-michael/taskstore/internal/tasks"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id       TEXT PRIMARY KEY,
	status   TEXT NOT NULL,
	metadata TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);

CREATE TABLE IF NOT EXISTS events (
	task_id TEXT    NOT NULL,
	seq     INTEGER NOT NULL,
	body    TEXT    NOT NULL,
	PRIMARY KEY (task_id, seq)
);

CREATE TABLE IF NOT EXISTS checkpoints (
	task_id TEXT PRIMARY KEY,
	body    TEXT NOT NULL
);
`

// Store is a tasks.Store backed by SQLite in WAL mode with synchronous=FULL,
// so a committed statement survives a crash. It uses one connection; every
// operation is serialized through it.
type Store struct {
	db     *sql.DB
	path   string
	logger *slog.Logger
}

// Open opens (creating if needed) the database at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, wrap("open", tasks.TaskID{}, fmt.Errorf("create db directory: %w", err))
	}

	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, wrap("open", tasks.TaskID{}, fmt.Errorf("open sqlite: %w", err))
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db, path: path, logger: logger}
	if err := s.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, wrap("open", tasks.TaskID{}, err)
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, wrap("open", tasks.TaskID{}, fmt.Errorf("init schema: %w", err))
	}

	logger.Debug("sqlite task store opened", "path", path)
	return s, nil
}

// Path returns the database file path.
func (s *Store) Path() string { return s.path }

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func wrap(op string, id tasks.TaskID, err error) error {
	if err == nil {
		return nil
	}
	var se *tasks.StoreError
	if errors.As(err, &se) {
		return err
	}
	return &tasks.StoreError{Op: op, TaskID: id, Err: err}
}

func checkID(op string, id tasks.TaskID) error {
	if id.IsZero() {
		return fmt.Errorf("%s: %w", op, tasks.ErrInvalidTaskID)
	}
	return nil
}

// SaveMetadata upserts the task row.
func (s *Store) SaveMetadata(m *tasks.Metadata) error {
	if m == nil {
		return fmt.Errorf("save metadata: %w", tasks.ErrInvalidTaskID)
	}
	if err := checkID("save metadata", m.ID()); err != nil {
		return err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return wrap("save metadata", m.ID(), fmt.Errorf("marshal metadata: %w", err))
	}

	_, err = s.db.Exec(`
		INSERT INTO tasks (id, status, metadata) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, metadata = excluded.metadata;
	`, m.ID().String(), string(m.Status()), string(body))
	return wrap("save metadata", m.ID(), err)
}

type queryRower interface {
	QueryRow(query string, args ...any) *sql.Row
}

func loadMetadata(q queryRower, id tasks.TaskID) (*tasks.Metadata, error) {
	var body string
	err := q.QueryRow(`SELECT metadata FROM tasks WHERE id = ?;`, id.String()).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select task: %w", err)
	}
	var m tasks.Metadata
	if err := json.Unmarshal([]byte(body), &m); err != nil {
		return nil, fmt.Errorf("decode metadata: %w", err)
	}
	return &m, nil
}

// LoadMetadata decodes a fresh Metadata from the task row.
func (s *Store) LoadMetadata(id tasks.TaskID) (*tasks.Metadata, error) {
	if err := checkID("load metadata", id); err != nil {
		return nil, err
	}
	m, err := loadMetadata(s.db, id)
	if err != nil {
		return nil, wrap("load metadata", id, err)
	}
	return m, nil
}

// AppendEvent inserts e with the next sequence number of its task.
func (s *Store) AppendEvent(e tasks.Event) error {
	if err := checkID("append event", e.TaskID); err != nil {
		return err
	}
	body, err := json.Marshal(e)
	if err != nil {
		return wrap("append event", e.TaskID, fmt.Errorf("marshal event: %w", err))
	}

	_, err = s.db.Exec(`
		INSERT INTO events (task_id, seq, body)
		SELECT ?, COALESCE(MAX(seq), 0) + 1, ? FROM events WHERE task_id = ?;
	`, e.TaskID.String(), string(body), e.TaskID.String())
	return wrap("append event", e.TaskID, err)
}

// LoadEvents returns the journal ordered by sequence number.
func (s *Store) LoadEvents(id tasks.TaskID) ([]tasks.Event, error) {
	if err := checkID("load events", id); err != nil {
		return nil, err
	}
	rows, err := s.db.Query(`SELECT seq, body FROM events WHERE task_id = ? ORDER BY seq;`, id.String())
	if err != nil {
		return nil, wrap("load events", id, fmt.Errorf("query events: %w", err))
	}
	defer rows.Close()

	events := []tasks.Event{}
	for rows.Next() {
		var (
			seq  int64
			body string
		)
		if err := rows.Scan(&seq, &body); err != nil {
			return nil, wrap("load events", id, fmt.Errorf("scan event: %w", err))
		}
		var e tasks.Event
		if err := json.Unmarshal([]byte(body), &e); err != nil {
			return nil, wrap("load events", id, fmt.Errorf("decode event %d: %w", seq, err))
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap("load events", id, err)
	}
	return events, nil
}

// SaveCheckpoint replaces the task's checkpoint row.
func (s *Store) SaveCheckpoint(cp *tasks.Checkpoint) error {
	if err := cp.Validate(); err != nil {
		return err
	}
	body, err := json.Marshal(cp)
	if err != nil {
		return wrap("save checkpoint", cp.TaskID, fmt.Errorf("marshal checkpoint: %w", err))
	}
	_, err = s.db.Exec(`
		INSERT INTO checkpoints (task_id, body) VALUES (?, ?)
		ON CONFLICT(task_id) DO UPDATE SET body = excluded.body;
	`, cp.TaskID.String(), string(body))
	return wrap("save checkpoint", cp.TaskID, err)
}

// LoadCheckpoint decodes the stored checkpoint, or returns nil.
func (s *Store) LoadCheckpoint(id tasks.TaskID) (*tasks.Checkpoint, error) {
	if err := checkID("load checkpoint", id); err != nil {
		return nil, err
	}
	var body string
	err := s.db.QueryRow(`SELECT body FROM checkpoints WHERE task_id = ?;`, id.String()).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("load checkpoint", id, fmt.Errorf("select checkpoint: %w", err))
	}

	var cp tasks.Checkpoint
	if err := json.Unmarshal([]byte(body), &cp); err != nil {
		return nil, wrap("load checkpoint", id, fmt.Errorf("decode checkpoint: %w", err))
	}
	if err := cp.Validate(); err != nil {
		return nil, wrap("load checkpoint", id, err)
	}
	return &cp, nil
}

func (s *Store) queryIDs(op, query string, args ...any) ([]tasks.TaskID, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, wrap(op, tasks.TaskID{}, fmt.Errorf("query tasks: %w", err))
	}
	defer rows.Close()

	ids := []tasks.TaskID{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, wrap(op, tasks.TaskID{}, fmt.Errorf("scan task id: %w", err))
		}
		id, err := tasks.NewTaskID(raw)
		if err != nil {
			s.logger.Warn("skipping task row with invalid id", "id", raw)
			continue
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, wrap(op, tasks.TaskID{}, err)
	}
	return ids, nil
}

// TaskIDs returns every task id, sorted bytewise.
func (s *Store) TaskIDs() ([]tasks.TaskID, error) {
	return s.queryIDs("list tasks", `SELECT id FROM tasks ORDER BY id;`)
}

// TaskIDsByStatus uses the status column, which is written together with
// the metadata document.
func (s *Store) TaskIDsByStatus(status tasks.TaskStatus) ([]tasks.TaskID, error) {
	return s.queryIDs("list tasks by status", `SELECT id FROM tasks WHERE status = ? ORDER BY id;`, string(status))
}

// Delete removes the task's rows from all three tables in one transaction.
func (s *Store) Delete(id tasks.TaskID) (bool, error) {
	if err := checkID("delete", id); err != nil {
		return false, err
	}
	tx, err := s.db.Begin()
	if err != nil {
		return false, wrap("delete", id, fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	var removed int64
	for _, q := range []string{
		`DELETE FROM tasks WHERE id = ?;`,
		`DELETE FROM events WHERE task_id = ?;`,
		`DELETE FROM checkpoints WHERE task_id = ?;`,
	} {
		res, err := tx.Exec(q, id.String())
		if err != nil {
			return false, wrap("delete", id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return false, wrap("delete", id, err)
		}
		removed += n
	}

	if err := tx.Commit(); err != nil {
		return false, wrap("delete", id, fmt.Errorf("commit: %w", err))
	}
	return removed > 0, nil
}

// CompareAndSetStatus selects, compares, transitions and updates inside one
// transaction.
func (s *Store) CompareAndSetStatus(id tasks.TaskID, expected, next tasks.TaskStatus, failureReason string) (*tasks.Metadata, error) {
	const op = "compare and set status"
	if err := checkID(op, id); err != nil {
		return nil, err
	}

	tx, err := s.db.Begin()
	if err != nil {
		return nil, wrap(op, id, fmt.Errorf("begin tx: %w", err))
	}
	defer func() { _ = tx.Rollback() }()

	m, err := loadMetadata(tx, id)
	if err != nil {
		return nil, wrap(op, id, err)
	}
	if m == nil || m.Status() != expected {
		return nil, nil
	}

	ok, err := m.CompareAndTransition(expected, next, failureReason)
	if err != nil || !ok {
		return nil, err
	}
	body, err := json.Marshal(m)
	if err != nil {
		return nil, wrap(op, id, fmt.Errorf("marshal metadata: %w", err))
	}
	if _, err := tx.Exec(`UPDATE tasks SET status = ?, metadata = ? WHERE id = ?;`,
		string(m.Status()), string(body), id.String()); err != nil {
		return nil, wrap(op, id, fmt.Errorf("update task: %w", err))
	}
	if err := tx.Commit(); err != nil {
		return nil, wrap(op, id, fmt.Errorf("commit: %w", err))
	}
	return m, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return wrap("close", tasks.TaskID{}, s.db.Close())
}

var _ tasks.Store = (*Store)(nil)
