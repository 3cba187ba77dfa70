package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
)

// NewPostgresStore opens a pgx pool, checks connectivity and exposes it
// through database/sql.
func NewPostgresStore(ctx context.Context, databaseURL string) (*SQLStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	s := NewSQLStore(stdlib.OpenDBFromPool(pool), DialectPostgres)
	s.onClose = pool.Close
	return s, nil
}
