package pg

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	pgxutil "github.com/edgeflare/devcall/pkg/pgx"
	"github.com/edgeflare/devcall/pkg/transport"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// Config configures the postgres connector.
type Config struct {
	ConnString string `json:"connString"`
}

// MaxPayload is the largest NOTIFY payload PostgreSQL accepts by default.
const MaxPayload = 7999

var ErrPayloadTooLarge = errors.New("payload exceeds NOTIFY limit")

type command struct {
	sql   string
	reply chan error
}

// Client is a transport.Client over LISTEN/NOTIFY.
type Client struct {
	pool       *pgxpool.Pool
	connConfig *pgx.ConnConfig
	listener   *pgx.Conn
	logger     *zap.Logger

	mu         sync.Mutex
	handlers   map[string]transport.Handler
	waitCancel context.CancelFunc

	cmds chan command
	stop chan struct{}
	done chan struct{}
	once sync.Once
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

// Connect opens the notify pool and the listener connection.
func Connect(ctx context.Context, cfg Config, logger ...*zap.Logger) (*Client, error) {
	connString := cmp.Or(cfg.ConnString, os.Getenv("DEVCALL_PG_CONN_STRING"))

	connConfig, err := pgx.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("parse conn string: %w", err)
	}

	pool, err := pgxutil.NewPool(ctx, pgxutil.Pool{Name: "notify", ConnString: connString})
	if err != nil {
		return nil, err
	}

	listener, err := pgx.ConnectConfig(ctx, connConfig)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("connect listener: %w", err)
	}

	c := &Client{
		pool:       pool,
		connConfig: connConfig,
		listener:   listener,
		handlers:   make(map[string]transport.Handler),
		cmds:       make(chan command, 64),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
	if len(logger) > 0 {
		c.logger = logger[0]
	}
	c.init()

	go c.run()
	return c, nil
}

func listenSQL(topic string) string {
	return "LISTEN " + pgx.Identifier{topic}.Sanitize()
}

func unlistenSQL(topic string) string {
	return "UNLISTEN " + pgx.Identifier{topic}.Sanitize()
}

func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if len(payload) > MaxPayload {
		return fmt.Errorf("%w: %d bytes", ErrPayloadTooLarge, len(payload))
	}
	if c.closing() {
		return transport.ErrNotConnected
	}
	if _, err := c.pool.Exec(ctx, "SELECT pg_notify($1, $2)", topic, string(payload)); err != nil {
		return fmt.Errorf("notify %s: %w", topic, err)
	}
	return nil
}

func (c *Client) Subscribe(ctx context.Context, topic string, h transport.Handler) error {
	c.mu.Lock()
	if _, ok := c.handlers[topic]; ok {
		c.mu.Unlock()
		return transport.ErrAlreadySubscribed
	}
	c.handlers[topic] = h
	c.mu.Unlock()

	if err := c.do(ctx, listenSQL(topic)); err != nil {
		c.mu.Lock()
		delete(c.handlers, topic)
		c.mu.Unlock()
		return err
	}
	return nil
}

func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	_, ok := c.handlers[topic]
	delete(c.handlers, topic)
	c.mu.Unlock()
	if !ok {
		return nil
	}
	return c.do(ctx, unlistenSQL(topic))
}

// do hands sql to the listener goroutine and waits for it to run.
func (c *Client) do(ctx context.Context, sql string) error {
	cmd := command{sql: sql, reply: make(chan error, 1)}
	select {
	case c.cmds <- cmd:
	case <-c.stop:
		return transport.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
	c.interrupt()

	select {
	case err := <-cmd.reply:
		return err
	case <-c.done:
		return transport.ErrNotConnected
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) interrupt() {
	c.mu.Lock()
	if c.waitCancel != nil {
		c.waitCancel()
	}
	c.mu.Unlock()
}

func (c *Client) closing() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

// run owns the listener connection. It alternates between waiting for
// notifications and executing queued LISTEN/UNLISTEN commands.
func (c *Client) run() {
	defer close(c.done)
	for {
		c.drain()

		waitCtx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		c.waitCancel = cancel
		c.mu.Unlock()
		if len(c.cmds) > 0 || c.closing() {
			cancel()
		}

		n, err := c.listener.WaitForNotification(waitCtx)
		cancel()

		if c.closing() {
			return
		}
		if err != nil {
			if errors.Is(err, context.Canceled) && !c.listener.IsClosed() {
				continue
			}
			c.logger.Error("listener connection failed", zap.Error(err))
			if err := c.reconnect(); err != nil {
				return
			}
			continue
		}

		c.mu.Lock()
		h, ok := c.handlers[n.Channel]
		c.mu.Unlock()
		if !ok {
			continue
		}
		// Handlers may call Unsubscribe, which needs this goroutine.
		go h(n.Channel, []byte(n.Payload))
	}
}

func (c *Client) drain() {
	for {
		select {
		case cmd := <-c.cmds:
			_, err := c.listener.Exec(context.Background(), cmd.sql)
			if err != nil {
				err = fmt.Errorf("%s: %w", cmd.sql, err)
			}
			cmd.reply <- err
		default:
			return
		}
	}
}

// reconnect replaces a broken listener connection and restores every LISTEN.
func (c *Client) reconnect() error {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 0
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-c.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	return backoff.Retry(func() error {
		conn, err := pgx.ConnectConfig(ctx, c.connConfig)
		if err != nil {
			c.logger.Warn("listener reconnect failed", zap.Error(err))
			return err
		}
		c.mu.Lock()
		topics := make([]string, 0, len(c.handlers))
		for topic := range c.handlers {
			topics = append(topics, topic)
		}
		c.mu.Unlock()
		for _, topic := range topics {
			if _, err := conn.Exec(ctx, listenSQL(topic)); err != nil {
				conn.Close(ctx)
				return err
			}
		}
		_ = c.listener.Close(ctx)
		c.listener = conn
		c.logger.Info("listener reconnected", zap.Int("channels", len(topics)))
		return nil
	}, backoff.WithContext(b, ctx))
}

// Close stops the listener goroutine and closes both connections.
func (c *Client) Close() error {
	c.once.Do(func() {
		close(c.stop)
		c.interrupt()
		<-c.done

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = c.listener.Close(ctx)
		c.pool.Close()
	})
	return nil
}

func init() {
	transport.RegisterConnector(transport.ConnectorPG, func(ctx context.Context, config json.RawMessage, logger *zap.Logger) (transport.Client, error) {
		var cfg Config
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, fmt.Errorf("unmarshal postgres config: %w", err)
			}
		}
		return Connect(ctx, cfg, logger)
	})
}
