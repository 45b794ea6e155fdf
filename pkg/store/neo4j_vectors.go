package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Protocol-Lattice/go-taskagent/pkg/task"
)

// cypherConn is the slice of the Neo4j driver the index needs. boltConn
// adapts the real driver; tests use an in-memory fake.
type cypherConn interface {
	Session(ctx context.Context, database string, write bool) cypherSession
	Close(ctx context.Context) error
}

type cypherSession interface {
	Begin(ctx context.Context) (cypherTx, error)
	Run(ctx context.Context, cypher string, params map[string]any) (cypherRows, error)
	Close(ctx context.Context) error
}

type cypherTx interface {
	Run(ctx context.Context, cypher string, params map[string]any) (cypherRows, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// cypherRows iterates a result; Row returns the current record keyed by
// column name.
type cypherRows interface {
	Next(ctx context.Context) bool
	Row() map[string]any
	Err() error
	Close(ctx context.Context) error
}

// ErrNeo4jUnavailable is returned by an index with no connection.
var ErrNeo4jUnavailable = errors.New("neo4j driver not configured")

const (
	neo4jLabel = "TaskVector"
	neo4jIndex = "task_embeddings"
)

// Neo4jVectors stores embeddings as node properties and searches them through
// Neo4j's native vector index.
type Neo4jVectors struct {
	conn     cypherConn
	database string
}

func NewNeo4jVectors(conn cypherConn, database string) (*Neo4jVectors, error) {
	if conn == nil {
		return nil, ErrNeo4jUnavailable
	}
	return &Neo4jVectors{conn: conn, database: database}, nil
}

// EnsureSchema creates the id constraint and a cosine vector index of size dim.
func (s *Neo4jVectors) EnsureSchema(ctx context.Context, dim int) error {
	if dim <= 0 {
		return errors.New("neo4j: vector dimensions must be positive")
	}
	stmts := []string{
		fmt.Sprintf("CREATE CONSTRAINT task_vector_id IF NOT EXISTS FOR (v:%s) REQUIRE v.id IS UNIQUE", neo4jLabel),
		fmt.Sprintf("CREATE VECTOR INDEX %s IF NOT EXISTS FOR (v:%s) ON (v.embedding) "+
			"OPTIONS {indexConfig: {`vector.dimensions`: %d, `vector.similarity_function`: 'cosine'}}",
			neo4jIndex, neo4jLabel, dim),
	}
	for _, q := range stmts {
		if err := s.write(ctx, q, nil); err != nil {
			return fmt.Errorf("neo4j schema: %w", err)
		}
	}
	return nil
}

func (s *Neo4jVectors) Upsert(ctx context.Context, e task.VectorEntry) error {
	return s.write(ctx, fmt.Sprintf(`
MERGE (v:%s {id: $id})
SET v.embedding = $embedding, v.text = $text, v.updated_at = $updated_at`, neo4jLabel), map[string]any{
		"id":         e.ID,
		"embedding":  float64Embedding(e.Vector),
		"text":       e.Text,
		"updated_at": e.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
}

func (s *Neo4jVectors) Get(ctx context.Context, id int64) (task.VectorEntry, error) {
	var (
		entry task.VectorEntry
		found bool
	)
	err := s.read(ctx, fmt.Sprintf(`
MATCH (v:%s {id: $id})
RETURN v.id AS id, v.embedding AS embedding, v.text AS text, v.updated_at AS updated_at`, neo4jLabel),
		map[string]any{"id": id}, func(row map[string]any) {
			found = true
			entry.ID = int64FromAny(row["id"])
			entry.Vector = float32sFromAny(row["embedding"])
			entry.Text, _ = row["text"].(string)
			if ts, ok := row["updated_at"].(string); ok {
				entry.UpdatedAt, _ = time.Parse(time.RFC3339Nano, ts)
			}
		})
	if err != nil {
		return task.VectorEntry{}, err
	}
	if !found {
		return task.VectorEntry{}, task.ErrNotFound
	}
	return entry, nil
}

func (s *Neo4jVectors) Delete(ctx context.Context, id int64) error {
	return s.write(ctx, fmt.Sprintf(`MATCH (v:%s {id: $id}) DETACH DELETE v`, neo4jLabel), map[string]any{"id": id})
}

// Query uses db.index.vector.queryNodes. Neo4j reports cosine scores mapped
// to [0,1]; they are mapped back to [-1,1].
func (s *Neo4jVectors) Query(ctx context.Context, vec []float32, k int) ([]task.Neighbor, error) {
	if k <= 0 {
		return nil, nil
	}
	var out []task.Neighbor
	err := s.read(ctx, `
CALL db.index.vector.queryNodes($index, $k, $vector) YIELD node, score
RETURN node.id AS id, score`, map[string]any{
		"index":  neo4jIndex,
		"k":      int64(k),
		"vector": float64Embedding(vec),
	}, func(row map[string]any) {
		score, _ := row["score"].(float64)
		out = append(out, task.Neighbor{ID: int64FromAny(row["id"]), Score: 2*score - 1})
	})
	if err != nil {
		return nil, err
	}
	return topK(out, k), nil
}

func (s *Neo4jVectors) IDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := s.read(ctx, fmt.Sprintf(`MATCH (v:%s) RETURN v.id AS id ORDER BY id`, neo4jLabel), nil, func(row map[string]any) {
		ids = append(ids, int64FromAny(row["id"]))
	})
	return ids, err
}

func (s *Neo4jVectors) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	return s.conn.Close(context.Background())
}

// write runs one statement in its own transaction and commits it.
func (s *Neo4jVectors) write(ctx context.Context, cypher string, params map[string]any) error {
	if s == nil || s.conn == nil {
		return ErrNeo4jUnavailable
	}
	session := s.conn.Session(ctx, s.database, true)
	defer session.Close(ctx)

	tx, err := session.Begin(ctx)
	if err != nil {
		return err
	}
	rows, err := tx.Run(ctx, cypher, params)
	if err == nil {
		err = eachRow(ctx, rows, nil)
	}
	if err != nil {
		_ = tx.Rollback(ctx)
		return err
	}
	return tx.Commit(ctx)
}

func (s *Neo4jVectors) read(ctx context.Context, cypher string, params map[string]any, fn func(map[string]any)) error {
	if s == nil || s.conn == nil {
		return ErrNeo4jUnavailable
	}
	session := s.conn.Session(ctx, s.database, false)
	defer session.Close(ctx)

	rows, err := session.Run(ctx, cypher, params)
	if err != nil {
		return err
	}
	return eachRow(ctx, rows, fn)
}

func eachRow(ctx context.Context, rows cypherRows, fn func(map[string]any)) error {
	if rows == nil {
		return nil
	}
	defer rows.Close(ctx)
	for rows.Next(ctx) {
		if row := rows.Row(); row != nil && fn != nil {
			fn(row)
		}
	}
	return rows.Err()
}

func int64FromAny(v any) int64 {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	}
	return 0
}

func float32sFromAny(v any) []float32 {
	switch t := v.(type) {
	case []float64:
		return float32Embedding(t)
	case []any:
		out := make([]float32, 0, len(t))
		for _, x := range t {
			if f, ok := x.(float64); ok {
				out = append(out, float32(f))
			}
		}
		return out
	}
	return nil
}
