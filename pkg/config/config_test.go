package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
transport:
  connector: nats
  config:
    servers: ["nats://broker:4222"]
    name: gateway-1
call:
  timeout: 1500ms
  topicPrefix: home/site-7
gateway:
  listenAddr: ":9090"
  basicAuth:
    username: ops
    password: s3cret
metrics:
  enabled: true
history:
  sink: postgres
  buffer: 64
  postgres:
    connString: postgres://devcall@db/devcall
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "devcall.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, sample)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.File)
	assert.Equal(t, "nats", cfg.Transport.Connector)
	assert.Equal(t, 1500*time.Millisecond, cfg.Call.Timeout)
	assert.Equal(t, "home/site-7", cfg.Call.TopicPrefix)
	assert.Equal(t, ":9090", cfg.Gateway.ListenAddr)
	assert.Equal(t, BasicAuthConfig{Username: "ops", Password: "s3cret"}, cfg.Gateway.BasicAuth)
	assert.True(t, cfg.Metrics.Enabled)
	assert.Equal(t, ":9100", cfg.Metrics.Addr)
	assert.Equal(t, SinkPostgres, cfg.History.Sink)
	assert.Equal(t, 64, cfg.History.Buffer)
	assert.Equal(t, "postgres://devcall@db/devcall", cfg.History.Postgres.ConnString)
	assert.Equal(t, "devcall_calls", cfg.History.Postgres.Table)

	raw, err := cfg.Transport.RawConfig()
	require.NoError(t, err)
	var nats struct {
		Servers []string `json:"servers"`
		Name    string   `json:"name"`
	}
	require.NoError(t, json.Unmarshal(raw, &nats))
	assert.Equal(t, []string{"nats://broker:4222"}, nats.Servers)
	assert.Equal(t, "gateway-1", nats.Name)
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("HOME", t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Empty(t, cfg.File)
	assert.Equal(t, "mqtt", cfg.Transport.Connector)
	assert.Equal(t, 3*time.Second, cfg.Call.Timeout)
	assert.Equal(t, ":8080", cfg.Gateway.ListenAddr)
	assert.Equal(t, 2*time.Minute, cfg.Gateway.MaxTimeout)
	assert.Equal(t, []string{"*"}, cfg.Gateway.CORSOrigins)
	assert.Equal(t, SinkNone, cfg.History.Sink)
	assert.Equal(t, time.Second, cfg.History.FlushInterval)

	raw, err := cfg.Transport.RawConfig()
	require.NoError(t, err)
	assert.Nil(t, raw)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, sample)
	t.Setenv("DEVCALL_CALL_TIMEOUT", "5s")
	t.Setenv("DEVCALL_GATEWAY_LISTENADDR", ":7070")
	t.Setenv("DEVCALL_GATEWAY_CORSORIGINS", "https://a.example,https://b.example")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 5*time.Second, cfg.Call.Timeout)
	assert.Equal(t, ":7070", cfg.Gateway.ListenAddr)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.Gateway.CORSOrigins)
}

func TestLoadFlagsOverrideEnv(t *testing.T) {
	path := writeConfig(t, sample)
	t.Setenv("DEVCALL_GATEWAY_LISTENADDR", ":7070")

	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	fs.String("gateway.listenAddr", "", "")
	require.NoError(t, fs.Parse([]string{"--gateway.listenAddr=:6060"}))

	cfg, err := Load(path, fs)
	require.NoError(t, err)
	assert.Equal(t, ":6060", cfg.Gateway.ListenAddr)
}

func TestLoadIgnoresCommandFlags(t *testing.T) {
	path := writeConfig(t, sample)

	fs := pflag.NewFlagSet("call", pflag.ContinueOnError)
	fs.String("gateway", "", "")
	fs.Duration("timeout", 0, "")
	fs.String("call.topicPrefix", "", "")
	require.NoError(t, fs.Parse([]string{
		"--gateway=http://localhost:8080",
		"--timeout=2s",
		"--call.topicPrefix=home/site-9",
	}))

	cfg, err := Load(path, fs)
	require.NoError(t, err)
	assert.Equal(t, ":9090", cfg.Gateway.ListenAddr)
	assert.Equal(t, 1500*time.Millisecond, cfg.Call.Timeout)
	assert.Equal(t, "home/site-9", cfg.Call.TopicPrefix)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{name: "unknown sink", body: "history:\n  sink: mongo\n"},
		{name: "bad prefix", body: "call:\n  topicPrefix: \"home/#\"\n"},
		{name: "zero timeout", body: "call:\n  timeout: 0s\n"},
		{name: "password without username", body: "gateway:\n  basicAuth:\n    password: x\n"},
		{name: "bad duration", body: "call:\n  timeout: soon\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			assert.Error(t, err)
		})
	}

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
