package history

import (
	"context"
	"fmt"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/edgeflare/devcall/pkg/util"
)

// ClickHouseConfig configures the ClickHouse sink.
type ClickHouseConfig struct {
	Addr     []string `json:"addr" mapstructure:"addr"`
	Database string   `json:"database" mapstructure:"database"`
	Username string   `json:"username" mapstructure:"username"`
	Password string   `json:"password" mapstructure:"password"`
	Table    string   `json:"table" mapstructure:"table"`
}

func (c ClickHouseConfig) options() *clickhouse.Options {
	opts := &clickhouse.Options{Addr: c.Addr}
	if len(opts.Addr) == 0 {
		opts.Addr = util.GetEnvList("DEVCALL_CLICKHOUSE_ADDR", "localhost:9000")
	}
	opts.Auth.Database = c.Database
	if opts.Auth.Database == "" {
		opts.Auth.Database = util.GetEnvOrDefault("DEVCALL_CLICKHOUSE_DATABASE", "default")
	}
	opts.Auth.Username = c.Username
	if opts.Auth.Username == "" {
		opts.Auth.Username = util.GetEnvOrDefault("DEVCALL_CLICKHOUSE_USERNAME", "default")
	}
	opts.Auth.Password = c.Password
	if opts.Auth.Password == "" {
		opts.Auth.Password = util.GetEnvOrDefault("DEVCALL_CLICKHOUSE_PASSWORD", "")
	}
	return opts
}

// ClickHouseSink appends records to a MergeTree table.
type ClickHouseSink struct {
	conn  driver.Conn
	table string
}

// OpenClickHouseSink connects, pings and prepares the table.
func OpenClickHouseSink(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseSink, error) {
	conn, err := clickhouse.Open(cfg.options())
	if err != nil {
		return nil, fmt.Errorf("failed to connect to ClickHouse: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to ping ClickHouse: %w", err)
	}

	s := newClickHouseSink(conn, cfg.Table)
	if err := conn.Exec(ctx, s.createTableSQL()); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create history table: %w", err)
	}
	return s, nil
}

func newClickHouseSink(conn driver.Conn, table string) *ClickHouseSink {
	if table == "" {
		table = DefaultTable
	}
	return &ClickHouseSink{conn: conn, table: table}
}

func (s *ClickHouseSink) createTableSQL() string {
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS `%s` ("+`
	correlation_id String,
	target_uid     String,
	action_id      LowCardinality(String),
	outcome        LowCardinality(String),
	status         String,
	error_code     String,
	started_at     DateTime64(3),
	duration_ms    Float64
) ENGINE = MergeTree ORDER BY (target_uid, started_at)`, s.table)
}

// Write sends records as one batch.
func (s *ClickHouseSink) Write(ctx context.Context, records []Record) error {
	batch, err := s.conn.PrepareBatch(ctx, fmt.Sprintf("INSERT INTO `%s`", s.table))
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}
	for _, r := range records {
		if err := batch.Append(
			r.CorrelationID, r.TargetUID, r.ActionID, r.Outcome, r.Status, r.ErrorCode,
			r.Started, float64(r.Duration.Microseconds())/1000,
		); err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append %s: %w", r.CorrelationID, err)
		}
	}
	return batch.Send()
}

func (s *ClickHouseSink) Close() error {
	return s.conn.Close()
}
