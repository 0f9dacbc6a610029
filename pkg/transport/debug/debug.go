// Package debug wraps a transport.Client and logs every message crossing it.
package debug

import (
	"context"

	"github.com/edgeflare/devcall/pkg/transport"
	"go.uber.org/zap"
)

// Client logs traffic of the wrapped client at debug level.
type Client struct {
	next   transport.Client
	logger *zap.Logger
}

// Wrap returns c with traffic logging. A nil logger disables logging.
func Wrap(c transport.Client, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{next: c, logger: logger.Named("wire")}
}

func (c *Client) Subscribe(ctx context.Context, topic string, h transport.Handler) error {
	err := c.next.Subscribe(ctx, topic, func(t string, payload []byte) {
		c.logger.Debug("recv", zap.String("topic", t), zap.ByteString("payload", payload))
		h(t, payload)
	})
	c.logger.Debug("subscribe", zap.String("topic", topic), zap.Error(err))
	return err
}

func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	err := c.next.Unsubscribe(ctx, topic)
	c.logger.Debug("unsubscribe", zap.String("topic", topic), zap.Error(err))
	return err
}

func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	err := c.next.Publish(ctx, topic, payload)
	c.logger.Debug("send", zap.String("topic", topic), zap.ByteString("payload", payload), zap.Error(err))
	return err
}

func (c *Client) Close() error {
	return c.next.Close()
}
