// Package pgx holds the PostgreSQL connection helpers shared by the
// LISTEN/NOTIFY transport and the call-history sink.
package pgx

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Pool represents a connection pool configuration.
type Pool struct {
	Config     *pgxpool.Config // Takes precedence over ConnString
	Name       string
	ConnString string // Used if Config is nil
}

var ErrNoConnString = errors.New("either Config or ConnString must be provided")

// NewPool opens cfg and pings it once.
func NewPool(ctx context.Context, cfg Pool) (*pgxpool.Pool, error) {
	var pool *pgxpool.Pool
	var err error

	switch {
	case cfg.Config != nil:
		pool, err = pgxpool.NewWithConfig(ctx, cfg.Config)
	case cfg.ConnString != "":
		pool, err = pgxpool.New(ctx, cfg.ConnString)
	default:
		return nil, fmt.Errorf("pgx: %w", ErrNoConnString)
	}

	if err != nil {
		return nil, fmt.Errorf("pgx: creating pool %s: %w", cfg.Name, err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pgx: ping %s: %w", cfg.Name, err)
	}

	return pool, nil
}
