package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

var (
	ErrNotConnected       = errors.New("transport not connected")
	ErrConnectorNotFound  = errors.New("connector not found")
	ErrAlreadySubscribed  = errors.New("topic already subscribed")
	ErrInvalidTopic       = errors.New("invalid topic")
	ErrConnectorDuplicate = errors.New("connector already registered")
)

// Handler receives inbound messages for a subscribed topic.
type Handler func(topic string, payload []byte)

// A Client is a connection to a publish/subscribe broker. Implementations
// must be safe for concurrent use.
type Client interface {
	// Subscribe routes messages published on topic to h. Wildcards are not used.
	Subscribe(ctx context.Context, topic string, h Handler) error

	// Unsubscribe stops delivery for topic.
	Unsubscribe(ctx context.Context, topic string) error

	// Publish sends payload to topic.
	Publish(ctx context.Context, topic string, payload []byte) error

	Close() error
}

// Factory builds a connected Client from connector-specific JSON config.
type Factory func(ctx context.Context, config json.RawMessage, logger *zap.Logger) (Client, error)

// Predefined connectors
const (
	ConnectorMemory = "memory"
	ConnectorMQTT   = "mqtt"
	ConnectorNATS   = "nats"
	ConnectorKafka  = "kafka"
	ConnectorPG     = "postgres"
)

var (
	connectors = make(map[string]Factory)
	mu         sync.RWMutex
)

// RegisterConnector adds a connector factory under name. It panics when the
// name is taken, since registration happens from init().
func RegisterConnector(name string, f Factory) {
	mu.Lock()
	defer mu.Unlock()
	if _, ok := connectors[name]; ok {
		panic(fmt.Errorf("%w: %s", ErrConnectorDuplicate, name))
	}
	connectors[name] = f
}

// Connectors lists the registered connector names.
func Connectors() []string {
	mu.RLock()
	defer mu.RUnlock()
	names := make([]string, 0, len(connectors))
	for name := range connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ConnectOptions tunes the connect retry loop.
type ConnectOptions struct {
	MaxRetries      uint64
	InitialInterval time.Duration
	MaxInterval     time.Duration
}

func defaultConnectOptions() ConnectOptions {
	return ConnectOptions{
		MaxRetries:      3,
		InitialInterval: time.Second,
		MaxInterval:     5 * time.Second,
	}
}

// Connect builds a client with the named connector, retrying with
// exponential backoff until it succeeds, retries run out or ctx ends.
func Connect(ctx context.Context, name string, config json.RawMessage, logger *zap.Logger, opts ...ConnectOptions) (Client, error) {
	mu.RLock()
	factory, ok := connectors[name]
	mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrConnectorNotFound, name)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := defaultConnectOptions()
	if len(opts) > 0 {
		o = opts[0]
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.InitialInterval
	b.MaxInterval = o.MaxInterval

	var client Client
	attempt := 0
	operation := func() error {
		attempt++
		c, err := factory(ctx, config, logger)
		if err != nil {
			logger.Warn("transport connect failed",
				zap.String("connector", name),
				zap.Int("attempt", attempt),
				zap.Error(err))
			return err
		}
		client = c
		return nil
	}

	if err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(b, o.MaxRetries), ctx)); err != nil {
		return nil, fmt.Errorf("connect %s transport: %w", name, err)
	}

	logger.Info("transport connected", zap.String("connector", name))
	return client, nil
}
