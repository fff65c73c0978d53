package board

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// SQLiteStore implements Store backed by a local SQLite file. Structured
// fields (attempt, blockedBy, blockedReason) are stored as JSON text; the
// store never queries into them.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// OpenSQLite opens (or creates) the task database at dbPath and runs the DDL.
// The pool is capped at one connection so concurrent writers serialize through
// it instead of racing into SQLITE_BUSY.
func OpenSQLite(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	s := &SQLiteStore{db: db}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	const ddl = `CREATE TABLE IF NOT EXISTS tasks (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		project TEXT NOT NULL DEFAULT '',
		sprint TEXT NOT NULL DEFAULT '',
		worktree_path TEXT NOT NULL DEFAULT '',
		attempt TEXT,
		blocked_by TEXT,
		blocked_reason TEXT,
		archived INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	)`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("create tasks table: %w", err)
	}
	return nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) Create(ctx context.Context, t Task) error {
	attempt, blockedBy, blockedReason, err := encodeJSONFields(t)
	if err != nil {
		return err
	}
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if t.UpdatedAt.IsZero() {
		t.UpdatedAt = t.CreatedAt
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO tasks
		(id, title, description, type, status, project, sprint, worktree_path,
		 attempt, blocked_by, blocked_reason, archived, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Title, t.Description, t.Type, t.Status, t.Project, t.Sprint,
		t.WorktreePath, attempt, blockedBy, blockedReason, boolToInt(t.Archived),
		t.CreatedAt.UnixMilli(), t.UpdatedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLiteStore) Get(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT id, title, description, type, status,
		project, sprint, worktree_path, attempt, blocked_by, blocked_reason,
		archived, created_at, updated_at FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Task{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return t, err
}

func (s *SQLiteStore) Update(ctx context.Context, id string, patch TaskPatch) (Task, error) {
	// Read-modify-write through the single connection; patches from the
	// supervisor race only at task granularity.
	t, err := s.Get(ctx, id)
	if err != nil {
		return Task{}, err
	}
	applyPatch(&t, patch)
	attempt, blockedBy, blockedReason, err := encodeJSONFields(t)
	if err != nil {
		return Task{}, err
	}
	_, err = s.db.ExecContext(ctx, `UPDATE tasks SET title=?, description=?,
		status=?, sprint=?, worktree_path=?, attempt=?, blocked_by=?,
		blocked_reason=?, archived=?, updated_at=? WHERE id=?`,
		t.Title, t.Description, t.Status, t.Sprint, t.WorktreePath,
		attempt, blockedBy, blockedReason, boolToInt(t.Archived),
		t.UpdatedAt.UnixMilli(), id)
	if err != nil {
		return Task{}, fmt.Errorf("update task %s: %w", id, err)
	}
	return t, nil
}

func (s *SQLiteStore) List(ctx context.Context) ([]Task, error) {
	return s.listWhere(ctx, 0)
}

func (s *SQLiteStore) ListArchived(ctx context.Context) ([]Task, error) {
	return s.listWhere(ctx, 1)
}

func (s *SQLiteStore) listWhere(ctx context.Context, archived int) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, title, description, type,
		status, project, sprint, worktree_path, attempt, blocked_by,
		blocked_reason, archived, created_at, updated_at
		FROM tasks WHERE archived = ? ORDER BY id`, archived)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()
	var out []Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (Task, error) {
	var t Task
	var attempt, blockedBy, blockedReason sql.NullString
	var archived int
	var createdMs, updatedMs int64
	err := row.Scan(&t.ID, &t.Title, &t.Description, &t.Type, &t.Status,
		&t.Project, &t.Sprint, &t.WorktreePath, &attempt, &blockedBy,
		&blockedReason, &archived, &createdMs, &updatedMs)
	if err != nil {
		return Task{}, err
	}
	t.Archived = archived != 0
	t.CreatedAt = time.UnixMilli(createdMs).UTC()
	t.UpdatedAt = time.UnixMilli(updatedMs).UTC()
	if attempt.Valid && attempt.String != "" {
		var a Attempt
		if err := json.Unmarshal([]byte(attempt.String), &a); err != nil {
			return Task{}, fmt.Errorf("decode attempt for task %s: %w", t.ID, err)
		}
		t.Attempt = &a
	}
	if blockedBy.Valid && blockedBy.String != "" {
		if err := json.Unmarshal([]byte(blockedBy.String), &t.BlockedBy); err != nil {
			return Task{}, fmt.Errorf("decode blockedBy for task %s: %w", t.ID, err)
		}
	}
	if blockedReason.Valid && blockedReason.String != "" {
		var r BlockedReason
		if err := json.Unmarshal([]byte(blockedReason.String), &r); err != nil {
			return Task{}, fmt.Errorf("decode blockedReason for task %s: %w", t.ID, err)
		}
		t.BlockedReason = &r
	}
	return t, nil
}

func encodeJSONFields(t Task) (attempt, blockedBy, blockedReason sql.NullString, err error) {
	if t.Attempt != nil {
		b, err := json.Marshal(t.Attempt)
		if err != nil {
			return attempt, blockedBy, blockedReason, fmt.Errorf("encode attempt: %w", err)
		}
		attempt = sql.NullString{String: string(b), Valid: true}
	}
	if len(t.BlockedBy) > 0 {
		b, err := json.Marshal(t.BlockedBy)
		if err != nil {
			return attempt, blockedBy, blockedReason, fmt.Errorf("encode blockedBy: %w", err)
		}
		blockedBy = sql.NullString{String: string(b), Valid: true}
	}
	if t.BlockedReason != nil {
		b, err := json.Marshal(t.BlockedReason)
		if err != nil {
			return attempt, blockedBy, blockedReason, fmt.Errorf("encode blockedReason: %w", err)
		}
		blockedReason = sql.NullString{String: string(b), Valid: true}
	}
	return attempt, blockedBy, blockedReason, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
