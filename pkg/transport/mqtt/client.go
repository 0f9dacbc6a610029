package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/edgeflare/devcall/pkg/transport"
	"go.uber.org/zap"
)

// Client is a transport.Client backed by a paho MQTT connection.
type Client struct {
	opts   *mqtt.ClientOptions
	client mqtt.Client
	qos    byte
	logger *zap.Logger

	mu   sync.Mutex
	subs map[string]transport.Handler
}

// init ensures that the logger is not nil
func (c *Client) init() {
	if c.logger == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			// If we can't create a production logger, fall back to a no-op logger
			fmt.Fprintf(os.Stderr, "Failed to create default logger: %v\n", err)
			c.logger = zap.NewNop()
		} else {
			c.logger = logger
		}
	}
}

// NewClient creates an unconnected client from cfg.
func NewClient(cfg Config, logger ...*zap.Logger) (*Client, error) {
	opts, err := toPahoOptions(cfg)
	if err != nil {
		return nil, err
	}
	setDefaultOptions(opts)

	c := &Client{
		opts: opts,
		qos:  cfg.qos(),
		subs: make(map[string]transport.Handler),
	}
	if len(logger) > 0 {
		c.logger = logger[0]
	}
	c.init()

	opts.SetOnConnectHandler(c.resubscribe)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		c.logger.Warn("MQTT connection lost", zap.Error(err))
	})
	return c, nil
}

// Connect establishes a connection to the MQTT broker.
func (c *Client) Connect(ctx context.Context) error {
	c.client = mqtt.NewClient(c.opts)
	if err := wait(ctx, c.client.Connect()); err != nil {
		return fmt.Errorf("broker connection error: %w", err)
	}
	c.logger.Info("connected to MQTT broker",
		zap.Strings("servers", getBrokerStrings(c.opts)),
		zap.String("client_id", c.opts.ClientID))
	return nil
}

func wait(ctx context.Context, token mqtt.Token) error {
	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Client) connected() bool {
	return c.client != nil && c.client.IsConnectionOpen()
}

// Publish sends payload to topic.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if !c.connected() {
		return transport.ErrNotConnected
	}
	if err := wait(ctx, c.client.Publish(topic, c.qos, false, payload)); err != nil {
		c.logger.Error("Publish error", zap.Error(err), zap.String("topic", topic))
		return err
	}
	c.logger.Debug("Message published", zap.String("topic", topic))
	return nil
}

// Subscribe registers h for messages on topic.
func (c *Client) Subscribe(ctx context.Context, topic string, h transport.Handler) error {
	if !c.connected() {
		return transport.ErrNotConnected
	}
	c.mu.Lock()
	if _, ok := c.subs[topic]; ok {
		c.mu.Unlock()
		return transport.ErrAlreadySubscribed
	}
	c.subs[topic] = h
	c.mu.Unlock()

	if err := wait(ctx, c.client.Subscribe(topic, c.qos, c.callback(topic, h))); err != nil {
		c.mu.Lock()
		delete(c.subs, topic)
		c.mu.Unlock()
		c.logger.Error("Subscribe error", zap.Error(err), zap.String("topic", topic))
		return fmt.Errorf("subscribe error: %w", err)
	}
	c.logger.Debug("Subscribed to topic", zap.String("topic", topic))
	return nil
}

// Unsubscribe stops delivery for topic.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	delete(c.subs, topic)
	c.mu.Unlock()

	if !c.connected() {
		return transport.ErrNotConnected
	}
	if err := wait(ctx, c.client.Unsubscribe(topic)); err != nil {
		return fmt.Errorf("unsubscribe error: %w", err)
	}
	c.logger.Debug("Unsubscribed from topic", zap.String("topic", topic))
	return nil
}

func (c *Client) callback(topic string, h transport.Handler) mqtt.MessageHandler {
	return func(_ mqtt.Client, msg mqtt.Message) {
		h(topic, msg.Payload())
	}
}

// resubscribe restores subscriptions after a reconnect with a clean session.
func (c *Client) resubscribe(client mqtt.Client) {
	c.mu.Lock()
	filters := make(map[string]byte, len(c.subs))
	handlers := make(map[string]transport.Handler, len(c.subs))
	for topic, h := range c.subs {
		filters[topic] = c.qos
		handlers[topic] = h
	}
	c.mu.Unlock()
	if len(filters) == 0 {
		return
	}

	token := client.SubscribeMultiple(filters, func(_ mqtt.Client, msg mqtt.Message) {
		if h, ok := handlers[msg.Topic()]; ok {
			h(msg.Topic(), msg.Payload())
		}
	})
	go func() {
		if token.Wait() && token.Error() != nil {
			c.logger.Error("resubscribe failed", zap.Error(token.Error()), zap.Int("topics", len(filters)))
		}
	}()
}

// Close disconnects from the MQTT broker.
func (c *Client) Close() error {
	if c.client != nil {
		c.client.Disconnect(250)
		c.logger.Info("Disconnected from MQTT broker")
	}
	return nil
}

func init() {
	transport.RegisterConnector(transport.ConnectorMQTT, func(ctx context.Context, config json.RawMessage, logger *zap.Logger) (transport.Client, error) {
		var cfg Config
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal MQTT config: %w", err)
			}
		}
		c, err := NewClient(cfg, logger)
		if err != nil {
			return nil, err
		}
		if err := c.Connect(ctx); err != nil {
			return nil, err
		}
		return c, nil
	})
}
