package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/IBM/sarama"
	"github.com/edgeflare/devcall/pkg/transport"
	"go.uber.org/zap"
)

// TopicName maps a slash-separated topic to a Kafka topic name.
func TopicName(topic string) string {
	return strings.ReplaceAll(topic, "/", ".")
}

// topicSub holds one partition consumer per partition of a subscribed topic.
type topicSub struct {
	pcs  []sarama.PartitionConsumer
	done sync.WaitGroup
}

func (s *topicSub) asyncClose() {
	for _, pc := range s.pcs {
		pc.AsyncClose()
	}
}

// Client is a transport.Client on a Kafka cluster.
type Client struct {
	config   Config
	producer sarama.SyncProducer
	consumer sarama.Consumer
	admin    sarama.ClusterAdmin
	logger   *zap.Logger
	created  sync.Map

	mu     sync.Mutex
	subs   map[string]*topicSub
	closed bool
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

// NewClient wraps an existing producer and consumer. admin may be nil, in
// which case topics are never created.
func NewClient(cfg Config, producer sarama.SyncProducer, consumer sarama.Consumer, admin sarama.ClusterAdmin, logger ...*zap.Logger) *Client {
	c := &Client{
		config:   cfg,
		producer: producer,
		consumer: consumer,
		admin:    admin,
		subs:     make(map[string]*topicSub),
	}
	if len(logger) > 0 {
		c.logger = logger[0]
	}
	c.init()
	return c
}

// Dial connects a producer, a consumer and, with CreateTopics, a cluster admin.
func Dial(cfg Config, logger ...*zap.Logger) (*Client, error) {
	cfg.setDefaults()
	conf, err := cfg.ToSaramaConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to create sarama config: %w", err)
	}

	producer, err := sarama.NewSyncProducer(cfg.Brokers, conf)
	if err != nil {
		return nil, fmt.Errorf("failed to create sync producer: %w", err)
	}

	consumer, err := sarama.NewConsumer(cfg.Brokers, conf)
	if err != nil {
		producer.Close()
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	var admin sarama.ClusterAdmin
	if cfg.CreateTopics {
		admin, err = sarama.NewClusterAdmin(cfg.Brokers, conf)
		if err != nil {
			consumer.Close()
			producer.Close()
			return nil, fmt.Errorf("failed to create cluster admin: %w", err)
		}
	}

	return NewClient(cfg, producer, consumer, admin, logger...), nil
}

func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return transport.ErrNotConnected
	}

	name := TopicName(topic)
	if err := c.ensureTopic(name); err != nil {
		return err
	}

	msg := &sarama.ProducerMessage{
		Topic: name,
		Value: sarama.ByteEncoder(payload),
	}
	partition, offset, err := c.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	c.logger.Debug("Message produced",
		zap.String("topic", name),
		zap.Int32("partition", partition),
		zap.Int64("offset", offset))
	return nil
}

func (c *Client) Subscribe(ctx context.Context, topic string, h transport.Handler) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return transport.ErrNotConnected
	}
	if _, ok := c.subs[topic]; ok {
		return transport.ErrAlreadySubscribed
	}

	name := TopicName(topic)
	if err := c.ensureTopic(name); err != nil {
		return err
	}
	partitions, err := c.consumer.Partitions(name)
	if err != nil {
		return fmt.Errorf("failed to list partitions of %s: %w", name, err)
	}
	if len(partitions) == 0 {
		return fmt.Errorf("topic %s has no partitions", name)
	}

	// replies are produced without a key and may land on any partition
	sub := &topicSub{}
	for _, p := range partitions {
		pc, err := c.consumer.ConsumePartition(name, p, sarama.OffsetNewest)
		if err != nil {
			sub.asyncClose()
			return fmt.Errorf("failed to start consumer for %s/%d: %w", name, p, err)
		}
		sub.pcs = append(sub.pcs, pc)
	}

	c.subs[topic] = sub
	for _, pc := range sub.pcs {
		sub.done.Add(1)
		go c.consume(topic, pc, &sub.done, h)
	}
	return nil
}

func (c *Client) consume(topic string, pc sarama.PartitionConsumer, done *sync.WaitGroup, h transport.Handler) {
	defer done.Done()
	messages, errs := pc.Messages(), pc.Errors()
	for messages != nil || errs != nil {
		select {
		case msg, ok := <-messages:
			if !ok {
				messages = nil
				continue
			}
			h(topic, msg.Value)
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			c.logger.Error("consumer error", zap.String("topic", topic), zap.Error(err))
		}
	}
}

// Unsubscribe closes the partition consumers without waiting for them to drain,
// so it is safe to call from inside a handler.
func (c *Client) Unsubscribe(_ context.Context, topic string) error {
	c.mu.Lock()
	sub, ok := c.subs[topic]
	delete(c.subs, topic)
	c.mu.Unlock()
	if ok {
		sub.asyncClose()
	}
	return nil
}

func (c *Client) ensureTopic(name string) error {
	if c.admin == nil {
		return nil
	}
	if _, ok := c.created.Load(name); ok {
		return nil
	}
	err := c.admin.CreateTopic(name, &sarama.TopicDetail{
		NumPartitions:     max(c.config.Partitions, 1),
		ReplicationFactor: max(c.config.Replicas, 1),
	}, false)
	if err != nil && !topicExists(err) {
		return fmt.Errorf("failed to create topic %s: %w", name, err)
	}
	c.created.Store(name, struct{}{})
	if err == nil {
		c.logger.Info("Topic created", zap.String("topic", name))
	}
	return nil
}

func topicExists(err error) bool {
	if errors.Is(err, sarama.ErrTopicAlreadyExists) {
		return true
	}
	var topicErr *sarama.TopicError
	return errors.As(err, &topicErr) && topicErr.Err == sarama.ErrTopicAlreadyExists
}

// Close stops every consumer and closes the producer.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subs := c.subs
	c.subs = make(map[string]*topicSub)
	c.mu.Unlock()

	for _, sub := range subs {
		sub.asyncClose()
		sub.done.Wait()
	}

	var errs []error
	if c.admin != nil {
		errs = append(errs, c.admin.Close())
	}
	errs = append(errs, c.consumer.Close(), c.producer.Close())
	return errors.Join(errs...)
}

func init() {
	transport.RegisterConnector(transport.ConnectorKafka, func(_ context.Context, config json.RawMessage, logger *zap.Logger) (transport.Client, error) {
		var cfg Config
		if len(config) > 0 {
			if err := json.Unmarshal(config, &cfg); err != nil {
				return nil, fmt.Errorf("failed to unmarshal Kafka config: %w", err)
			}
		}
		return Dial(cfg, logger)
	})
}
