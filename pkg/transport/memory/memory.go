// Package memory provides an in-process broker with exact-topic routing.
// Delivery is synchronous on the publishing goroutine.
package memory

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/edgeflare/devcall/pkg/transport"
	"go.uber.org/zap"
)

// Stats counts transport operations on one topic.
type Stats struct {
	Subscribes   int
	Unsubscribes int
	Publishes    int
}

// Broker routes messages between its clients.
type Broker struct {
	mu           sync.RWMutex
	subs         map[string]map[*Client]transport.Handler
	stats        map[string]*Stats
	publishErr   error
	subscribeErr error
}

// NewBroker returns an empty broker.
func NewBroker() *Broker {
	return &Broker{
		subs:  make(map[string]map[*Client]transport.Handler),
		stats: make(map[string]*Stats),
	}
}

var (
	defaultBroker     *Broker
	defaultBrokerOnce sync.Once
)

// Default returns the process-wide broker used by the "memory" connector.
func Default() *Broker {
	defaultBrokerOnce.Do(func() { defaultBroker = NewBroker() })
	return defaultBroker
}

// Client returns a new client attached to b.
func (b *Broker) Client() *Client {
	return &Client{broker: b, topics: make(map[string]struct{})}
}

// FailPublish makes every Publish return err until called with nil.
func (b *Broker) FailPublish(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishErr = err
}

// FailSubscribe makes every Subscribe return err until called with nil.
func (b *Broker) FailSubscribe(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribeErr = err
}

// Subscribers returns the number of clients subscribed to topic.
func (b *Broker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs[topic])
}

// Stats returns a copy of the operation counters for topic.
func (b *Broker) Stats(topic string) Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if s, ok := b.stats[topic]; ok {
		return *s
	}
	return Stats{}
}

func (b *Broker) statsLocked(topic string) *Stats {
	s, ok := b.stats[topic]
	if !ok {
		s = &Stats{}
		b.stats[topic] = s
	}
	return s
}

func (b *Broker) publish(topic string, payload []byte) error {
	b.mu.Lock()
	if b.publishErr != nil {
		err := b.publishErr
		b.mu.Unlock()
		return err
	}
	b.statsLocked(topic).Publishes++
	handlers := make([]transport.Handler, 0, len(b.subs[topic]))
	for _, h := range b.subs[topic] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for _, h := range handlers {
		h(topic, append([]byte(nil), payload...))
	}
	return nil
}

// Client is a connection to a Broker.
type Client struct {
	broker *Broker
	mu     sync.Mutex
	topics map[string]struct{}
	closed bool
}

func (c *Client) Subscribe(_ context.Context, topic string, h transport.Handler) error {
	if topic == "" {
		return transport.ErrInvalidTopic
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrNotConnected
	}

	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.subscribeErr != nil {
		return b.subscribeErr
	}
	if _, ok := c.topics[topic]; ok {
		return transport.ErrAlreadySubscribed
	}
	if b.subs[topic] == nil {
		b.subs[topic] = make(map[*Client]transport.Handler)
	}
	b.subs[topic][c] = h
	b.statsLocked(topic).Subscribes++
	c.topics[topic] = struct{}{}
	return nil
}

func (c *Client) Unsubscribe(_ context.Context, topic string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrNotConnected
	}
	c.unsubscribeLocked(topic)
	return nil
}

func (c *Client) unsubscribeLocked(topic string) {
	b := c.broker
	b.mu.Lock()
	defer b.mu.Unlock()
	b.statsLocked(topic).Unsubscribes++
	delete(b.subs[topic], c)
	if len(b.subs[topic]) == 0 {
		delete(b.subs, topic)
	}
	delete(c.topics, topic)
}

func (c *Client) Publish(_ context.Context, topic string, payload []byte) error {
	if topic == "" {
		return transport.ErrInvalidTopic
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return transport.ErrNotConnected
	}
	return c.broker.publish(topic, payload)
}

// Close drops every subscription of the client.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	for topic := range c.topics {
		c.unsubscribeLocked(topic)
	}
	c.closed = true
	return nil
}

func init() {
	transport.RegisterConnector(transport.ConnectorMemory, func(_ context.Context, _ json.RawMessage, _ *zap.Logger) (transport.Client, error) {
		return Default().Client(), nil
	})
}
