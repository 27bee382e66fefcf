package lexical

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// driverOpener adapts a Neo4j driver to the SessionOpener seam.
type driverOpener struct {
	driver neo4j.DriverWithContext
}

func (o *driverOpener) OpenSession(ctx context.Context) CypherSession {
	return &sessionAdapter{sess: o.driver.NewSession(ctx, neo4j.SessionConfig{})}
}

type sessionAdapter struct {
	sess neo4j.SessionWithContext
}

func (a *sessionAdapter) Run(ctx context.Context, cypher string, params map[string]any) (CypherResult, error) {
	return a.sess.Run(ctx, cypher, params)
}

func (a *sessionAdapter) ExecuteWrite(ctx context.Context, work func(tx CypherRunner) (any, error)) (any, error) {
	return a.sess.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
		return work(&txAdapter{tx: tx})
	})
}

func (a *sessionAdapter) Close(ctx context.Context) error {
	return a.sess.Close(ctx)
}

type txAdapter struct {
	tx neo4j.ManagedTransaction
}

func (a *txAdapter) Run(ctx context.Context, cypher string, params map[string]any) (CypherResult, error) {
	return a.tx.Run(ctx, cypher, params)
}
