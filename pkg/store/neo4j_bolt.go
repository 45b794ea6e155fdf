package store

import (
	"context"
	"fmt"

	neo4j "github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// OpenNeo4jVectors connects over bolt with basic auth and checks the server
// is reachable before returning the index.
func OpenNeo4jVectors(ctx context.Context, uri, username, password, database string) (*Neo4jVectors, error) {
	driver, err := neo4j.NewDriverWithContext(uri, neo4j.BasicAuth(username, password, ""))
	if err != nil {
		return nil, fmt.Errorf("neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("neo4j connectivity: %w", err)
	}
	return NewNeo4jVectors(boltConn{driver}, database)
}

type boltConn struct{ driver neo4j.DriverWithContext }

func (c boltConn) Session(ctx context.Context, database string, write bool) cypherSession {
	mode := neo4j.AccessModeRead
	if write {
		mode = neo4j.AccessModeWrite
	}
	return boltSession{c.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: database, AccessMode: mode})}
}

func (c boltConn) Close(ctx context.Context) error { return c.driver.Close(ctx) }

type boltSession struct{ s neo4j.SessionWithContext }

func (b boltSession) Begin(ctx context.Context) (cypherTx, error) {
	tx, err := b.s.BeginTransaction(ctx)
	if err != nil {
		return nil, err
	}
	return boltTx{tx}, nil
}

func (b boltSession) Run(ctx context.Context, cypher string, params map[string]any) (cypherRows, error) {
	return boltRows(b.s.Run(ctx, cypher, params))
}

func (b boltSession) Close(ctx context.Context) error { return b.s.Close(ctx) }

type boltTx struct{ tx neo4j.ExplicitTransaction }

func (b boltTx) Run(ctx context.Context, cypher string, params map[string]any) (cypherRows, error) {
	return boltRows(b.tx.Run(ctx, cypher, params))
}

func (b boltTx) Commit(ctx context.Context) error { return b.tx.Commit(ctx) }
func (b boltTx) Rollback(ctx context.Context) error { return b.tx.Rollback(ctx) }

func boltRows(res neo4j.ResultWithContext, err error) (cypherRows, error) {
	if err != nil {
		return nil, err
	}
	return &boltResult{res: res}, nil
}

type boltResult struct{ res neo4j.ResultWithContext }

func (r *boltResult) Next(ctx context.Context) bool { return r.res.Next(ctx) }

func (r *boltResult) Row() map[string]any {
	if rec := r.res.Record(); rec != nil {
		return rec.AsMap()
	}
	return nil
}

func (r *boltResult) Err() error { return r.res.Err() }

// Close discards unread rows.
func (r *boltResult) Close(ctx context.Context) error {
	_, err := r.res.Consume(ctx)
	return err
}
