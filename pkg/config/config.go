// Package config loads devcall settings from a YAML file, DEVCALL_* environment
// variables and command line flags, in increasing order of precedence.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/edgeflare/devcall/pkg/history"
	"github.com/edgeflare/devcall/pkg/rpc"
	"github.com/mitchellh/mapstructure"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Version is set at build time with -ldflags "-X github.com/edgeflare/devcall/pkg/config.Version=...".
var Version = "dev"

const EnvPrefix = "DEVCALL"

// History sink names.
const (
	SinkNone       = ""
	SinkLog        = "log"
	SinkPostgres   = "postgres"
	SinkClickHouse = "clickhouse"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config holds application-wide configuration
type Config struct {
	Transport TransportConfig `mapstructure:"transport"`
	Call      CallConfig      `mapstructure:"call"`
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
	GRPC      GRPCConfig      `mapstructure:"grpc"`
	History   HistoryConfig   `mapstructure:"history"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// TransportConfig selects a registered connector. Config is handed to the
// connector as JSON, so its keys follow the connector's own json tags and
// durations inside it are integer nanoseconds.
type TransportConfig struct {
	Connector string         `mapstructure:"connector"`
	Config    map[string]any `mapstructure:"config"`
	// Debug logs every message sent and received.
	Debug bool `mapstructure:"debug"`
}

// RawConfig renders Config as JSON for transport.Connect.
func (t TransportConfig) RawConfig() (json.RawMessage, error) {
	if len(t.Config) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(normalize(t.Config))
	if err != nil {
		return nil, fmt.Errorf("%w: transport.config: %v", ErrInvalidConfig, err)
	}
	return b, nil
}

type CallConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	TopicPrefix string        `mapstructure:"topicPrefix"`
}

type GatewayConfig struct {
	ListenAddr  string          `mapstructure:"listenAddr"`
	BasicAuth   BasicAuthConfig `mapstructure:"basicAuth"`
	TLS         TLSConfig       `mapstructure:"tls"`
	MaxTimeout  time.Duration   `mapstructure:"maxTimeout"`
	CORSOrigins []string        `mapstructure:"corsOrigins"`
}

// BasicAuthConfig enables basic auth on the device routes when Username is set.
type BasicAuthConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

type TLSConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	CertFile string `mapstructure:"certFile"`
	KeyFile  string `mapstructure:"keyFile"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
	Path    string `mapstructure:"path"`
}

type GRPCConfig struct {
	HealthAddr string `mapstructure:"healthAddr"`
}

type HistoryConfig struct {
	Sink          string                   `mapstructure:"sink"`
	Buffer        int                      `mapstructure:"buffer"`
	BatchSize     int                      `mapstructure:"batchSize"`
	FlushInterval time.Duration            `mapstructure:"flushInterval"`
	Postgres      PostgresHistoryConfig    `mapstructure:"postgres"`
	ClickHouse    history.ClickHouseConfig `mapstructure:"clickhouse"`
}

type PostgresHistoryConfig struct {
	ConnString string `mapstructure:"connString"`
	Table      string `mapstructure:"table"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("transport.connector", "mqtt")
	v.SetDefault("transport.config", map[string]any{})
	v.SetDefault("transport.debug", false)
	v.SetDefault("call.timeout", rpc.DefaultTimeout)
	v.SetDefault("call.topicPrefix", "")
	v.SetDefault("gateway.listenAddr", ":8080")
	v.SetDefault("gateway.basicAuth.username", "")
	v.SetDefault("gateway.basicAuth.password", "")
	v.SetDefault("gateway.tls.enabled", false)
	v.SetDefault("gateway.tls.certFile", "")
	v.SetDefault("gateway.tls.keyFile", "")
	v.SetDefault("gateway.maxTimeout", 2*time.Minute)
	v.SetDefault("gateway.corsOrigins", []string{"*"})
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9100")
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("grpc.healthAddr", "")
	v.SetDefault("history.sink", SinkNone)
	v.SetDefault("history.buffer", history.DefaultBuffer)
	v.SetDefault("history.batchSize", history.DefaultBatchSize)
	v.SetDefault("history.flushInterval", history.DefaultFlushInterval)
	v.SetDefault("history.postgres.connString", "")
	v.SetDefault("history.postgres.table", history.DefaultTable)
	v.SetDefault("history.clickhouse.addr", []string{})
	v.SetDefault("history.clickhouse.database", "")
	v.SetDefault("history.clickhouse.username", "")
	v.SetDefault("history.clickhouse.password", "")
	v.SetDefault("history.clickhouse.table", history.DefaultTable)
}

// Load reads config from file or environment. Dotted flags name config keys
// (e.g. "gateway.listenAddr") and override both when set. Other flags, such as
// the call command's --gateway URL, are command options and are not bound.
func Load(cfgFile string, flags ...*pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("devcall")
		v.SetConfigType("yaml")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config"))
		}
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, fs := range flags {
		if fs == nil {
			continue
		}
		var bindErr error
		fs.VisitAll(func(f *pflag.Flag) {
			if bindErr != nil || !strings.Contains(f.Name, ".") {
				return
			}
			bindErr = v.BindPFlag(f.Name, f)
		})
		if bindErr != nil {
			return nil, fmt.Errorf("bind flags: %w", bindErr)
		}
	}

	var cfg Config
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	} else {
		cfg.File = v.ConfigFileUsed()
	}

	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports the first inconsistent setting.
func (c *Config) Validate() error {
	if c.Transport.Connector == "" {
		return fmt.Errorf("%w: transport.connector is required", ErrInvalidConfig)
	}
	if c.Call.Timeout <= 0 {
		return fmt.Errorf("%w: call.timeout must be positive", ErrInvalidConfig)
	}
	if c.Call.TopicPrefix != "" {
		if _, err := (rpc.Deriver{Prefix: c.Call.TopicPrefix}).Derive("probe", "0"); err != nil {
			return fmt.Errorf("%w: call.topicPrefix: %v", ErrInvalidConfig, err)
		}
	}
	if !slices.Contains([]string{SinkNone, SinkLog, SinkPostgres, SinkClickHouse}, c.History.Sink) {
		return fmt.Errorf("%w: unknown history.sink %q", ErrInvalidConfig, c.History.Sink)
	}
	if c.Gateway.BasicAuth.Password != "" && c.Gateway.BasicAuth.Username == "" {
		return fmt.Errorf("%w: gateway.basicAuth.password set without username", ErrInvalidConfig)
	}
	return nil
}

// normalize turns map[interface{}]interface{} values, which some YAML
// decoders produce, into JSON-encodable maps.
func normalize(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = normalize(val)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[fmt.Sprint(k)] = normalize(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = normalize(val)
		}
		return out
	default:
		return v
	}
}
