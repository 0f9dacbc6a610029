package nats

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/edgeflare/devcall/pkg/transport"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// Config represents NATS configuration
type Config struct {
	Servers  []string `json:"servers"`
	Name     string   `json:"name,omitempty"`
	Username string   `json:"username,omitempty"`
	Password string   `json:"password,omitempty"`
	Token    string   `json:"token,omitempty"`
	TLS      struct {
		Enabled  bool   `json:"enabled"`
		CertFile string `json:"certFile,omitempty"`
		KeyFile  string `json:"keyFile,omitempty"`
		CAFile   string `json:"caFile,omitempty"`
	} `json:"tls,omitempty"`
}

// Subject maps a slash-separated topic to a NATS subject.
func Subject(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// Topic maps a subject back to a slash-separated topic.
func Topic(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

// Client is a transport.Client on a core NATS connection.
type Client struct {
	nc     *nats.Conn
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// init ensures that the logger is not nil
func (c *Client) init() {
	if c.logger == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create default logger: %v\n", err)
			c.logger = zap.NewNop()
		} else {
			c.logger = logger
		}
	}
}

// Connect dials the configured servers.
func Connect(cfg Config, logger ...*zap.Logger) (*Client, error) {
	c := &Client{subs: make(map[string]*nats.Subscription)}
	if len(logger) > 0 {
		c.logger = logger[0]
	}
	c.init()

	if len(cfg.Servers) == 0 {
		cfg.Servers = []string{nats.DefaultURL}
	}

	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), c.defaultOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS server: %w", err)
	}
	c.nc = nc
	c.logger.Info("connected to NATS", zap.String("url", nc.ConnectedUrlRedacted()))
	return c, nil
}

func (c *Client) Publish(_ context.Context, topic string, payload []byte) error {
	if c.nc == nil || c.nc.IsClosed() {
		return transport.ErrNotConnected
	}
	if err := c.nc.Publish(Subject(topic), payload); err != nil {
		return fmt.Errorf("publish message: %w", err)
	}
	return nil
}

// Subscribe creates a subscription and flushes it so that the server knows
// about the interest before the caller publishes a request.
func (c *Client) Subscribe(ctx context.Context, topic string, h transport.Handler) error {
	if c.nc == nil || c.nc.IsClosed() {
		return transport.ErrNotConnected
	}

	c.mu.Lock()
	if _, ok := c.subs[topic]; ok {
		c.mu.Unlock()
		return transport.ErrAlreadySubscribed
	}
	sub, err := c.nc.Subscribe(Subject(topic), func(m *nats.Msg) {
		h(topic, m.Data)
	})
	if err != nil {
		c.mu.Unlock()
		return fmt.Errorf("create subscription: %w", err)
	}
	c.subs[topic] = sub
	c.mu.Unlock()

	if err := c.nc.FlushWithContext(ctx); err != nil {
		c.mu.Lock()
		delete(c.subs, topic)
		c.mu.Unlock()
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush subscription: %w", err)
	}
	return nil
}

func (c *Client) Unsubscribe(_ context.Context, topic string) error {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	if err := sub.Unsubscribe(); err != nil && err != nats.ErrConnectionClosed {
		return fmt.Errorf("unsubscribe: %w", err)
	}
	return nil
}

// Close drains pending messages and closes the connection.
func (c *Client) Close() error {
	if c.nc == nil {
		return nil
	}
	if err := c.nc.Drain(); err != nil {
		c.nc.Close()
		return err
	}
	return nil
}

func (c *Client) defaultOptions(cfg Config) []nats.Option {
	opts := []nats.Option{
		nats.Timeout(5 * time.Second),
		nats.PingInterval(10 * time.Second),
		nats.MaxPingsOutstanding(3),
		nats.RetryOnFailedConnect(false),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("NATS disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("NATS reconnected", zap.String("url", nc.ConnectedUrlRedacted()))
		}),
	}

	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}
	if cfg.Username != "" && cfg.Password != "" {
		opts = append(opts, nats.UserInfo(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token))
	}

	if cfg.TLS.Enabled {
		if cfg.TLS.CAFile != "" {
			opts = append(opts, nats.RootCAs(cfg.TLS.CAFile))
		}
		if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile != "" {
			opts = append(opts, nats.ClientCert(cfg.TLS.CertFile, cfg.TLS.KeyFile))
		}
		if cfg.TLS.CAFile == "" && cfg.TLS.CertFile == "" {
			opts = append(opts, nats.Secure())
		}
	}

	return opts
}

func init() {
	transport.RegisterConnector(transport.ConnectorNATS, func(_ context.Context, config json.RawMessage, logger *zap.Logger) (transport.Client, error) {
		var cfg Config
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, fmt.Errorf("unmarshal NATS config: %w", err)
			}
		}
		return Connect(cfg, logger)
	})
}
