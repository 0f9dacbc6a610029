package history

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/edgeflare/devcall/internal/testutil/pgtest"
	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClickHouseSQL(t *testing.T) {
	s := newClickHouseSink(nil, "")
	assert.Equal(t, DefaultTable, s.table)
	sql := s.createTableSQL()
	assert.True(t, strings.HasPrefix(sql, "CREATE TABLE IF NOT EXISTS `devcall_calls`"))
	assert.Contains(t, sql, "ENGINE = MergeTree")
}

func TestClickHouseOptions(t *testing.T) {
	t.Setenv("DEVCALL_CLICKHOUSE_ADDR", "ch:9000")
	t.Setenv("DEVCALL_CLICKHOUSE_PASSWORD", "pw")

	opts := ClickHouseConfig{Username: "devcall"}.options()
	assert.Equal(t, []string{"ch:9000"}, opts.Addr)
	assert.Equal(t, "default", opts.Auth.Database)
	assert.Equal(t, "devcall", opts.Auth.Username)
	assert.Equal(t, "pw", opts.Auth.Password)
}

func TestClickHouseSink(t *testing.T) {
	addr := os.Getenv("DEVCALL_TEST_CLICKHOUSE_ADDR")
	if addr == "" {
		t.Skip("DEVCALL_TEST_CLICKHOUSE_ADDR not set")
	}
	ctx := context.Background()
	s, err := OpenClickHouseSink(ctx, ClickHouseConfig{Addr: []string{addr}, Table: "devcall_calls_test"})
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Write(ctx, []Record{{
		CorrelationID: "c1", TargetUID: "dev-1", ActionID: "1", Outcome: "success",
		Started: time.Now(), Duration: 12 * time.Millisecond,
	}}))
}

func TestPostgresSink(t *testing.T) {
	ctx := context.Background()
	conn := pgtest.Connect(ctx, t)

	table := pgtest.Table(t, conn, "devcall_calls")
	quoted := pgx.Identifier{table}.Sanitize()

	s, err := NewPostgresSink(ctx, conn, table)
	require.NoError(t, err)

	started := time.Now().UTC().Truncate(time.Millisecond)
	records := []Record{
		{CorrelationID: "c1", TargetUID: "dev-1", ActionID: "1", Outcome: "success", Status: "SUCCESS", Started: started, Duration: 15 * time.Millisecond},
		{CorrelationID: "c2", TargetUID: "dev-1", ActionID: "2", Outcome: "timed_out", Started: started, Duration: 3 * time.Second},
	}
	require.NoError(t, s.Write(ctx, records))
	// duplicate correlation ids are ignored
	require.NoError(t, s.Write(ctx, records[:1]))

	var n int
	require.NoError(t, conn.QueryRow(ctx, "SELECT count(*) FROM "+quoted).Scan(&n))
	assert.Equal(t, 2, n)

	var errorCode *string
	var durationMS float64
	require.NoError(t, conn.QueryRow(ctx,
		"SELECT error_code, duration_ms FROM "+quoted+" WHERE correlation_id = 'c2'").Scan(&errorCode, &durationMS))
	assert.Nil(t, errorCode)
	assert.InDelta(t, 3000, durationMS, 0.001)

	require.NoError(t, s.Close())
}
