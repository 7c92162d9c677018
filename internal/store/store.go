// Package store wraps the Postgres query layer behind one handle that both
// the API and the stage workers share.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/corpusforge/corpusforge/internal/store/postgres"
)

// Store exposes every query of the postgres package plus transactional
// execution. Run-state mutations go through WithTx so a status change and its
// stage-log entry always commit together.
type Store struct {
	*postgres.Queries
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{
		Queries: postgres.New(pool),
		pool:    pool,
	}
}

// Pool exposes the underlying pool for health pings.
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}

// WithTx runs fn against transaction-bound queries, committing only when fn
// returns nil. Any error rolls the whole transaction back.
func (s *Store) WithTx(ctx context.Context, fn func(*postgres.Queries) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(s.Queries.WithTx(tx)); err != nil {
		return err
	}

	return tx.Commit(ctx)
}
