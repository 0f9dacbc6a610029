package rpc

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/edgeflare/devcall/pkg/transport"
	"go.uber.org/zap"
)

// subscription is one refcounted transport subscription.
type subscription struct {
	refs  int
	ready chan struct{} // closed once the transport subscribe returned
	err   error
}

// subscriptions refcounts transport subscriptions per response topic. Only the
// first acquirer subscribes, only the last release unsubscribes.
type subscriptions struct {
	client  transport.Client
	handler transport.Handler
	logger  *zap.Logger
	onCount func(int)
	// timeout bounds a shared transport subscribe. It replaces the first
	// acquirer's deadline, whose cancellation must not fail the other waiters.
	timeout time.Duration

	mu       sync.Mutex
	topics   map[string]*subscription
	draining map[string]chan struct{} // unsubscribes in flight
}

func newSubscriptions(client transport.Client, h transport.Handler, logger *zap.Logger) *subscriptions {
	return &subscriptions{
		client:   client,
		handler:  h,
		logger:   logger,
		onCount:  func(int) {},
		timeout:  DefaultSubscribeTimeout,
		topics:   make(map[string]*subscription),
		draining: make(map[string]chan struct{}),
	}
}

// acquire takes a reference on topic, subscribing on the transport if this is
// the first one. Concurrent acquirers wait for the first subscribe and share
// its result. On error no reference is held.
func (s *subscriptions) acquire(ctx context.Context, topic string) error {
	s.mu.Lock()
	if sub, ok := s.topics[topic]; ok {
		sub.refs++
		s.mu.Unlock()

		<-sub.ready
		if sub.err != nil {
			return sub.err
		}
		return nil
	}

	sub := &subscription{refs: 1, ready: make(chan struct{})}
	s.topics[topic] = sub
	drain := s.draining[topic]
	s.onCount(len(s.topics))
	s.mu.Unlock()

	// A previous epoch's unsubscribe must land before the new subscribe.
	if drain != nil {
		<-drain
	}

	subCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
	err := s.client.Subscribe(subCtx, topic, s.handler)
	cancel()

	s.mu.Lock()
	if err != nil {
		sub.err = fmt.Errorf("%w: subscribe %s: %v", ErrTransportUnavailable, topic, err)
		if s.topics[topic] == sub {
			delete(s.topics, topic)
		}
		s.onCount(len(s.topics))
	}
	close(sub.ready)
	s.mu.Unlock()

	if err != nil {
		s.logger.Error("subscribe failed", zap.String("topic", topic), zap.Error(err))
		return sub.err
	}
	s.logger.Debug("subscribed", zap.String("topic", topic))
	return nil
}

// release drops a reference taken by a successful acquire and unsubscribes
// when it was the last one.
func (s *subscriptions) release(topic string) {
	s.mu.Lock()
	sub, ok := s.topics[topic]
	if !ok {
		s.mu.Unlock()
		return
	}
	sub.refs--
	if sub.refs > 0 {
		s.mu.Unlock()
		return
	}
	delete(s.topics, topic)
	done := make(chan struct{})
	prev := s.draining[topic]
	s.draining[topic] = done
	s.onCount(len(s.topics))
	s.mu.Unlock()

	if prev != nil {
		<-prev
	}
	if err := s.client.Unsubscribe(context.Background(), topic); err != nil {
		s.logger.Warn("unsubscribe failed", zap.String("topic", topic), zap.Error(err))
	} else {
		s.logger.Debug("unsubscribed", zap.String("topic", topic))
	}

	s.mu.Lock()
	if s.draining[topic] == done {
		delete(s.draining, topic)
	}
	close(done)
	s.mu.Unlock()
}

// count returns the number of live topic subscriptions.
func (s *subscriptions) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.topics)
}

// refs returns the reference count held on topic.
func (s *subscriptions) refs(topic string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.topics[topic]; ok {
		return sub.refs
	}
	return 0
}
