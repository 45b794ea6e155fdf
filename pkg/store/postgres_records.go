package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Protocol-Lattice/go-taskagent/pkg/task"
)

const defaultPostgresSchema = `
CREATE TABLE IF NOT EXISTS tasks (
    id          BIGSERIAL PRIMARY KEY,
    title       TEXT NOT NULL,
    description TEXT NOT NULL DEFAULT '',
    category    TEXT NOT NULL,
    priority    TEXT NOT NULL,
    status      TEXT NOT NULL,
    due_date    DATE,
    deadline    TEXT NOT NULL DEFAULT '',
    raw_text    TEXT NOT NULL DEFAULT '',
    degraded    BOOLEAN NOT NULL DEFAULT FALSE,
    created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
    updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE INDEX IF NOT EXISTS tasks_priority_idx ON tasks (priority);
CREATE INDEX IF NOT EXISTS tasks_status_idx ON tasks (status);
CREATE INDEX IF NOT EXISTS tasks_due_idx ON tasks (due_date);
`

// PostgresRecords implements RecordStore on Postgres.
type PostgresRecords struct {
	DB *pgxpool.Pool
}

// NewPostgresRecords connects to Postgres and returns a Postgres-backed RecordStore.
func NewPostgresRecords(ctx context.Context, connStr string) (*PostgresRecords, error) {
	db, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	return &PostgresRecords{DB: db}, nil
}

// CreateSchema creates the tasks table, or runs the DDL at schemaPath instead.
func (ps *PostgresRecords) CreateSchema(ctx context.Context, schemaPath string) error {
	if ps == nil || ps.DB == nil {
		return nil
	}
	schema := defaultPostgresSchema
	if schemaPath != "" {
		data, err := os.ReadFile(schemaPath)
		if err != nil {
			return fmt.Errorf("failed to read schema file: %w", err)
		}
		schema = string(data)
	}
	if _, err := ps.DB.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

func (ps *PostgresRecords) Begin(ctx context.Context) (RecordTx, error) {
	tx, err := ps.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, err
	}
	return &postgresTx{tx: tx}, nil
}

func (ps *PostgresRecords) Get(ctx context.Context, id int64) (task.Record, error) {
	return scanPgRecord(ps.DB.QueryRow(ctx, `SELECT `+recordColumns+` FROM tasks WHERE id = $1`, id))
}

func (ps *PostgresRecords) List(ctx context.Context, f task.Filter) ([]task.Record, error) {
	where, args := filterClause(f, dollar, dateValue)
	rows, err := ps.DB.Query(ctx, `SELECT `+recordColumns+` FROM tasks`+where+` ORDER BY id`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []task.Record
	for rows.Next() {
		r, err := scanPgRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (ps *PostgresRecords) IDs(ctx context.Context) ([]int64, error) {
	rows, err := ps.DB.Query(ctx, `SELECT id FROM tasks ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// Close releases the underlying Postgres connection pool.
func (ps *PostgresRecords) Close() error {
	if ps == nil || ps.DB == nil {
		return nil
	}
	ps.DB.Close()
	return nil
}

type postgresTx struct {
	tx pgx.Tx
}

func (t *postgresTx) Insert(ctx context.Context, r task.Record) (int64, error) {
	var id int64
	err := t.tx.QueryRow(ctx, `
                INSERT INTO tasks (title, description, category, priority, status, due_date, deadline, raw_text, degraded, created_at, updated_at)
                VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
                RETURNING id;
        `, r.Title, r.Description, string(r.Category), string(r.Priority), string(r.Status),
		r.DueDate, r.Deadline, r.RawText, r.Degraded, r.CreatedAt, r.UpdatedAt).Scan(&id)
	return id, err
}

func (t *postgresTx) Get(ctx context.Context, id int64) (task.Record, error) {
	return scanPgRecord(t.tx.QueryRow(ctx, `SELECT `+recordColumns+` FROM tasks WHERE id = $1 FOR UPDATE`, id))
}

func (t *postgresTx) Update(ctx context.Context, r task.Record) error {
	tag, err := t.tx.Exec(ctx, `
                UPDATE tasks
                SET title = $2, description = $3, category = $4, priority = $5, status = $6,
                    due_date = $7, deadline = $8, raw_text = $9, degraded = $10, updated_at = $11
                WHERE id = $1
        `, r.ID, r.Title, r.Description, string(r.Category), string(r.Priority), string(r.Status),
		r.DueDate, r.Deadline, r.RawText, r.Degraded, r.UpdatedAt)
	return rowsTouched(tag, err)
}

func (t *postgresTx) Delete(ctx context.Context, id int64) error {
	tag, err := t.tx.Exec(ctx, `DELETE FROM tasks WHERE id = $1`, id)
	return rowsTouched(tag, err)
}

func (t *postgresTx) Commit(ctx context.Context) error { return t.tx.Commit(ctx) }

func (t *postgresTx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return err
	}
	return nil
}

func rowsTouched(tag pgconn.CommandTag, err error) error {
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return task.ErrNotFound
	}
	return nil
}

func scanPgRecord(row pgx.Row) (task.Record, error) {
	var (
		r                    task.Record
		category, prio, stat string
		due                  *time.Time
	)
	err := row.Scan(&r.ID, &r.Title, &r.Description, &category, &prio, &stat, &due,
		&r.Deadline, &r.RawText, &r.Degraded, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return task.Record{}, task.ErrNotFound
	}
	if err != nil {
		return task.Record{}, err
	}
	r.Category, r.Priority, r.Status = task.Category(category), task.Priority(prio), task.Status(stat)
	if due != nil {
		d := time.Date(due.Year(), due.Month(), due.Day(), 0, 0, 0, 0, time.UTC)
		r.DueDate = &d
	}
	r.CreatedAt, r.UpdatedAt = r.CreatedAt.UTC(), r.UpdatedAt.UTC()
	return r, nil
}
