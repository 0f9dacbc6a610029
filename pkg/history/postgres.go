package history

import (
	"context"
	"fmt"

	pgxutil "github.com/edgeflare/devcall/pkg/pgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DefaultTable is used by the SQL sinks when no table is configured.
const DefaultTable = "devcall_calls"

// PostgresSink inserts records into a PostgreSQL table.
type PostgresSink struct {
	conn  pgxutil.Conn
	table string
	pool  *pgxpool.Pool
}

// OpenPostgresSink opens a pool on connString and prepares table.
func OpenPostgresSink(ctx context.Context, connString, table string) (*PostgresSink, error) {
	pool, err := pgxutil.NewPool(ctx, pgxutil.Pool{Name: "history", ConnString: connString})
	if err != nil {
		return nil, err
	}
	s, err := NewPostgresSink(ctx, pool, table)
	if err != nil {
		pool.Close()
		return nil, err
	}
	s.pool = pool
	return s, nil
}

// NewPostgresSink creates table on conn if needed. The caller keeps
// ownership of conn.
func NewPostgresSink(ctx context.Context, conn pgxutil.Conn, table string) (*PostgresSink, error) {
	if table == "" {
		table = DefaultTable
	}
	s := &PostgresSink{conn: conn, table: pgx.Identifier{table}.Sanitize()}
	if _, err := conn.Exec(ctx, s.createTableSQL()); err != nil {
		return nil, fmt.Errorf("create history table: %w", err)
	}
	return s, nil
}

func (s *PostgresSink) createTableSQL() string {
	return fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	correlation_id text PRIMARY KEY,
	target_uid     text NOT NULL,
	action_id      text NOT NULL,
	outcome        text NOT NULL,
	status         text,
	error_code     text,
	started_at     timestamptz NOT NULL,
	duration_ms    double precision NOT NULL
)`, s.table)
}

func (s *PostgresSink) insertSQL() string {
	return fmt.Sprintf(`INSERT INTO %s
	(correlation_id, target_uid, action_id, outcome, status, error_code, started_at, duration_ms)
	VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, ''), $7, $8)
	ON CONFLICT (correlation_id) DO NOTHING`, s.table)
}

// Write inserts records in one transaction.
func (s *PostgresSink) Write(ctx context.Context, records []Record) error {
	sql := s.insertSQL()
	return pgxutil.InTx(ctx, s.conn, func(tx pgx.Tx) error {
		for _, r := range records {
			if _, err := tx.Exec(ctx, sql,
				r.CorrelationID, r.TargetUID, r.ActionID, r.Outcome, r.Status, r.ErrorCode,
				r.Started, float64(r.Duration.Microseconds())/1000); err != nil {
				return fmt.Errorf("insert %s: %w", r.CorrelationID, err)
			}
		}
		return nil
	})
}

// Close closes the pool opened by OpenPostgresSink.
func (s *PostgresSink) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
