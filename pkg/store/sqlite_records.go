package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Protocol-Lattice/go-taskagent/pkg/task"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS tasks (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    title       TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    category    TEXT NOT NULL,
    priority    TEXT NOT NULL,
    status      TEXT NOT NULL,
    due_date    TEXT,
    deadline    TEXT NOT NULL DEFAULT '',
    raw_text    TEXT NOT NULL DEFAULT '',
    degraded    INTEGER NOT NULL DEFAULT 0,
    created_at  TEXT NOT NULL,
    updated_at  TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS tasks_priority_idx ON tasks (priority);
CREATE INDEX IF NOT EXISTS tasks_status_idx ON tasks (status);
CREATE INDEX IF NOT EXISTS tasks_due_idx ON tasks (due_date);
`

// SQLiteRecords is a RecordStore on a SQLite file. AUTOINCREMENT keeps ids
// from being reused after deletes.
type SQLiteRecords struct {
	db *sql.DB
}

// OpenSQLiteRecords opens (creating if needed) the database at path.
// Write transactions take the lock up front so concurrent sagas queue on
// busy_timeout instead of failing mid-way.
func OpenSQLiteRecords(ctx context.Context, path string) (*SQLiteRecords, error) {
	if path == "" {
		return nil, errors.New("sqlite path is required")
	}
	q := url.Values{}
	q.Add("_pragma", "busy_timeout(5000)")
	q.Add("_pragma", "journal_mode(WAL)")
	q.Add("_pragma", "foreign_keys(1)")
	q.Set("_txlock", "immediate")
	dsn := "file:" + path + "?" + q.Encode()

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create sqlite schema: %w", err)
	}
	return &SQLiteRecords{db: db}, nil
}

func (s *SQLiteRecords) Begin(ctx context.Context) (RecordTx, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &sqliteTx{tx: tx}, nil
}

func (s *SQLiteRecords) Get(ctx context.Context, id int64) (task.Record, error) {
	return scanSQLRecord(s.db.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM tasks WHERE id = ?`, id))
}

func (s *SQLiteRecords) List(ctx context.Context, f task.Filter) ([]task.Record, error) {
	where, args := filterClause(f, questionMark, dateText)
	rows, err := s.db.QueryContext(ctx, `SELECT `+recordColumns+` FROM tasks`+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []task.Record
	for rows.Next() {
		r, err := scanSQLRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *SQLiteRecords) IDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM tasks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLiteRecords) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type sqliteTx struct {
	tx *sql.Tx
}

func (t *sqliteTx) Insert(ctx context.Context, r task.Record) (int64, error) {
	res, err := t.tx.ExecContext(ctx, `
        INSERT INTO tasks (title, description, category, priority, status, due_date, deadline, raw_text, degraded, created_at, updated_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Title, r.Description, string(r.Category), string(r.Priority), string(r.Status),
		nullableDate(r.DueDate), r.Deadline, r.RawText, r.Degraded,
		formatTime(r.CreatedAt), formatTime(r.UpdatedAt))
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (t *sqliteTx) Get(ctx context.Context, id int64) (task.Record, error) {
	return scanSQLRecord(t.tx.QueryRowContext(ctx, `SELECT `+recordColumns+` FROM tasks WHERE id = ?`, id))
}

func (t *sqliteTx) Update(ctx context.Context, r task.Record) error {
	res, err := t.tx.ExecContext(ctx, `
        UPDATE tasks SET title = ?, description = ?, category = ?, priority = ?, status = ?,
            due_date = ?, deadline = ?, raw_text = ?, degraded = ?, updated_at = ?
        WHERE id = ?`,
		r.Title, r.Description, string(r.Category), string(r.Priority), string(r.Status),
		nullableDate(r.DueDate), r.Deadline, r.RawText, r.Degraded, formatTime(r.UpdatedAt), r.ID)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (t *sqliteTx) Delete(ctx context.Context, id int64) error {
	res, err := t.tx.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return expectOneRow(res)
}

func (t *sqliteTx) Commit(context.Context) error { return t.tx.Commit() }

func (t *sqliteTx) Rollback(context.Context) error {
	if err := t.tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		return err
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLRecord(row rowScanner) (task.Record, error) {
	var (
		r                    task.Record
		category, prio, stat string
		due                  sql.NullString
		created, updated     string
	)
	err := row.Scan(&r.ID, &r.Title, &r.Description, &category, &prio, &stat, &due,
		&r.Deadline, &r.RawText, &r.Degraded, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Record{}, task.ErrNotFound
	}
	if err != nil {
		return task.Record{}, err
	}
	r.Category, r.Priority, r.Status = task.Category(category), task.Priority(prio), task.Status(stat)
	if due.Valid && strings.TrimSpace(due.String) != "" {
		d, err := time.Parse(task.DateLayout, due.String)
		if err != nil {
			return task.Record{}, fmt.Errorf("task %d: bad due_date %q: %w", r.ID, due.String, err)
		}
		r.DueDate = &d
	}
	if r.CreatedAt, err = time.Parse(time.RFC3339Nano, created); err != nil {
		return task.Record{}, fmt.Errorf("task %d: bad created_at: %w", r.ID, err)
	}
	if r.UpdatedAt, err = time.Parse(time.RFC3339Nano, updated); err != nil {
		return task.Record{}, fmt.Errorf("task %d: bad updated_at: %w", r.ID, err)
	}
	return r, nil
}

func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return task.ErrNotFound
	}
	return nil
}

func nullableDate(d *time.Time) any {
	if d == nil {
		return nil
	}
	return d.Format(task.DateLayout)
}

func formatTime(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }
