package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Protocol-Lattice/go-taskagent/pkg/task"
)

const defaultPgvectorSchema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS task_vectors (
    id         BIGINT PRIMARY KEY,
    embedding  vector NOT NULL,
    text       TEXT NOT NULL DEFAULT '',
    updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);
`

// PgvectorIndex implements VectorIndex using Postgres + pgvector. It may share
// a pool with PostgresRecords but writes outside the record transaction.
type PgvectorIndex struct {
	DB *pgxpool.Pool
}

func NewPgvectorIndex(ctx context.Context, connStr string) (*PgvectorIndex, error) {
	db, err := pgxpool.New(ctx, connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	return &PgvectorIndex{DB: db}, nil
}

// CreateSchema ensures the pgvector extension and vector table are available.
func (pv *PgvectorIndex) CreateSchema(ctx context.Context) error {
	if pv == nil || pv.DB == nil {
		return nil
	}
	if _, err := pv.DB.Exec(ctx, defaultPgvectorSchema); err != nil {
		return fmt.Errorf("failed to execute schema: %w", err)
	}
	return nil
}

func (pv *PgvectorIndex) Upsert(ctx context.Context, e task.VectorEntry) error {
	if pv == nil || pv.DB == nil {
		return errors.New("pgvector index not configured")
	}
	jsonEmbed, _ := json.Marshal(e.Vector)
	_, err := pv.DB.Exec(ctx, `
                INSERT INTO task_vectors (id, embedding, text, updated_at)
                VALUES ($1, $2::vector, $3, $4)
                ON CONFLICT (id) DO UPDATE
                SET embedding = EXCLUDED.embedding, text = EXCLUDED.text, updated_at = EXCLUDED.updated_at
        `, e.ID, vectorFromJSON(jsonEmbed), e.Text, e.UpdatedAt)
	return err
}

func (pv *PgvectorIndex) Get(ctx context.Context, id int64) (task.VectorEntry, error) {
	var (
		e             task.VectorEntry
		embeddingText string
	)
	err := pv.DB.QueryRow(ctx, `SELECT id, embedding::text, text, updated_at FROM task_vectors WHERE id = $1`, id).
		Scan(&e.ID, &embeddingText, &e.Text, &e.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return task.VectorEntry{}, task.ErrNotFound
	}
	if err != nil {
		return task.VectorEntry{}, err
	}
	e.Vector = parseVector(embeddingText)
	e.UpdatedAt = e.UpdatedAt.UTC()
	return e, nil
}

func (pv *PgvectorIndex) Delete(ctx context.Context, id int64) error {
	if pv == nil || pv.DB == nil {
		return nil
	}
	_, err := pv.DB.Exec(ctx, `DELETE FROM task_vectors WHERE id = $1`, id)
	return err
}

// Query ranks by cosine distance (<=>) and reports similarity as 1 - distance.
func (pv *PgvectorIndex) Query(ctx context.Context, vec []float32, k int) ([]task.Neighbor, error) {
	if k <= 0 {
		return nil, nil
	}
	jsonEmbed, _ := json.Marshal(vec)
	rows, err := pv.DB.Query(ctx, `
        SELECT id, 1 - (embedding <=> $1::vector) AS score
        FROM task_vectors
        ORDER BY embedding <=> $1::vector, id
        LIMIT $2;
        `, vectorFromJSON(jsonEmbed), k)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []task.Neighbor
	for rows.Next() {
		var n task.Neighbor
		if err := rows.Scan(&n.ID, &n.Score); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (pv *PgvectorIndex) IDs(ctx context.Context) ([]int64, error) {
	rows, err := pv.DB.Query(ctx, `SELECT id FROM task_vectors ORDER BY id`)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[int64])
}

// Close releases the pool. Call it only when the pool is not shared.
func (pv *PgvectorIndex) Close() error {
	if pv == nil || pv.DB == nil {
		return nil
	}
	pv.DB.Close()
	return nil
}

func trimJSON(s string) string { return strings.Trim(s, "[]") }

func vectorFromJSON(jsonEmbed []byte) string {
	return fmt.Sprintf("[%s]", trimJSON(string(jsonEmbed)))
}

func parseVector(text string) []float32 {
	text = strings.Trim(text, "[]")
	if strings.TrimSpace(text) == "" {
		return nil
	}
	parts := strings.Split(text, ",")
	vec := make([]float32, 0, len(parts))
	for _, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 32)
		if err != nil {
			continue
		}
		vec = append(vec, float32(f))
	}
	return vec
}

