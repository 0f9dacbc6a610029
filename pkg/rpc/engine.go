package rpc

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/edgeflare/devcall/pkg/metrics"
	"github.com/edgeflare/devcall/pkg/transport"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultTimeout matches what deployed devices have always been given.
const DefaultTimeout = 3000 * time.Millisecond

// DefaultSubscribeTimeout bounds a response-topic subscribe shared by
// concurrent calls.
const DefaultSubscribeTimeout = 10 * time.Second

// Completion describes a resolved call. The Observer sees it just before the
// caller's future completes.
type Completion struct {
	CorrelationID string
	TargetUID     string
	ActionID      string
	Started       time.Time
	Outcome       Outcome
	Err           error
}

// Observer is notified once per resolved call. It runs on the resolving
// goroutine and must not block.
type Observer func(Completion)

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the engine logger.
func WithLogger(logger *zap.Logger) Option {
	return func(e *Engine) {
		if logger != nil {
			e.logger = logger
		}
	}
}

// WithDefaultTimeout sets the timeout used when Call gets timeout <= 0.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.timeout = d
		}
	}
}

// WithSubscribeTimeout bounds the transport subscribe on a response topic.
// Calls sharing that subscribe all fail with ErrTransportUnavailable when it
// runs out; a single caller's context does not cut it short.
func WithSubscribeTimeout(d time.Duration) Option {
	return func(e *Engine) {
		if d > 0 {
			e.subTimeout = d
		}
	}
}

// WithTopicPrefix places all derived topics below prefix.
func WithTopicPrefix(prefix string) Option {
	return func(e *Engine) {
		e.deriver.Prefix = prefix
	}
}

// WithIDGenerator replaces the UUIDv7 correlation ID generator.
func WithIDGenerator(gen func() string) Option {
	return func(e *Engine) {
		if gen != nil {
			e.newID = gen
		}
	}
}

// WithMetrics records call metrics on c.
func WithMetrics(c *metrics.Collector) Option {
	return func(e *Engine) {
		e.metrics = c
	}
}

// WithObserver registers a completion observer.
func WithObserver(o Observer) Option {
	return func(e *Engine) {
		e.observer = o
	}
}

// Engine turns publish/subscribe exchanges into calls that resolve exactly
// once with Success, RemoteError or TimedOut.
type Engine struct {
	client     transport.Client
	registry   *Registry
	subs       *subscriptions
	deriver    Deriver
	timeout    time.Duration
	subTimeout time.Duration
	newID      func() string
	logger     *zap.Logger
	metrics    *metrics.Collector
	observer   Observer

	closeMu sync.RWMutex
	closed  bool
}

func newCorrelationID() string {
	return uuid.Must(uuid.NewV7()).String()
}

// NewEngine returns an engine publishing through client.
func NewEngine(client transport.Client, opts ...Option) *Engine {
	e := &Engine{
		client:     client,
		registry:   NewRegistry(),
		timeout:    DefaultTimeout,
		subTimeout: DefaultSubscribeTimeout,
		newID:      newCorrelationID,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.init()
	e.subs = newSubscriptions(client, e.Dispatch, e.logger)
	e.subs.onCount = e.metrics.SetSubscriptions
	e.subs.timeout = e.subTimeout
	return e
}

// init ensures that the logger is not nil
func (e *Engine) init() {
	if e.logger == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create default logger: %v\n", err)
			e.logger = zap.NewNop()
		} else {
			e.logger = logger
		}
	}
}

// Registry exposes the correlation registry for inspection.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Pending returns the number of outstanding calls.
func (e *Engine) Pending() int {
	return e.registry.Len()
}

// Subscriptions returns the number of live response-topic subscriptions.
func (e *Engine) Subscriptions() int {
	return e.subs.count()
}

// Call sends params to actionID on targetUID and blocks until the call
// resolves or ctx ends. A non-nil error is synchronous (ErrInvalidArgument,
// ErrTransportUnavailable, ErrClosed) or ctx.Err(); every other result,
// including timeouts, arrives as an Outcome.
func (e *Engine) Call(ctx context.Context, targetUID, actionID string, params any, timeout time.Duration) (Outcome, error) {
	return e.Go(ctx, targetUID, actionID, params, timeout).Wait(ctx)
}

// Go starts a call and returns its future. Synchronous failures complete the
// future immediately.
func (e *Engine) Go(ctx context.Context, targetUID, actionID string, params any, timeout time.Duration) *Future {
	started := time.Now()
	if timeout <= 0 {
		timeout = e.timeout
	}

	topic, err := e.deriver.Derive(targetUID, actionID)
	if err != nil {
		e.metrics.ObserveFailure(actionID, metrics.OutcomeInvalidArgument)
		return failedFuture(err)
	}

	e.closeMu.RLock()
	defer e.closeMu.RUnlock()
	if e.closed {
		return failedFuture(ErrClosed)
	}

	id := e.newID()
	payload, err := EncodeRequest(id, params)
	if err != nil {
		e.metrics.ObserveFailure(actionID, metrics.OutcomeInvalidArgument)
		return failedFuture(err)
	}

	if err := e.subs.acquire(ctx, topic.Response); err != nil {
		e.metrics.ObserveFailure(actionID, metrics.OutcomeTransportUnavailable)
		e.metrics.TransportError("subscribe")
		return failedFuture(err)
	}

	p := &PendingRequest{
		CorrelationID: id,
		TargetUID:     targetUID,
		ActionID:      actionID,
		ResponseTopic: topic.Response,
		Started:       started,
		Deadline:      started.Add(timeout),
		result:        newFuture(),
	}
	if err := e.registry.Register(p); err != nil {
		e.subs.release(topic.Response)
		panic(err)
	}
	e.metrics.SetPending(e.registry.Len())
	e.registry.arm(id, timeout, func() { e.expire(id) })

	log := e.logger.With(
		zap.String("correlation_id", id),
		zap.String("target", targetUID),
		zap.String("action", actionID))

	if err := e.client.Publish(ctx, topic.Request, payload); err != nil {
		e.metrics.TransportError("publish")
		// A reply may in theory have raced the failed publish; the winner's outcome stands.
		if winner, ok := e.registry.Resolve(id); ok {
			err = fmt.Errorf("%w: publish %s: %v", ErrTransportUnavailable, topic.Request, err)
			log.Error("publish failed", zap.Error(err))
			e.finish(winner, Outcome{}, err)
		}
		return p.result
	}

	log.Debug("request published", zap.String("topic", topic.Request), zap.Duration("timeout", timeout))
	return p.result
}

// Dispatch is the inbound handler installed on every response topic. Payloads
// that do not parse or match no outstanding call are dropped.
func (e *Engine) Dispatch(topic string, payload []byte) {
	id, ok := CorrelationOf(payload)
	if !ok {
		e.metrics.Drop("unparsable")
		e.logger.Debug("dropping response without correlation id", zap.String("topic", topic))
		return
	}

	var match bool
	for _, p := range e.registry.LookupByResponseTopic(topic) {
		if p.CorrelationID == id {
			match = true
			break
		}
	}
	if !match {
		e.metrics.Drop("unknown_correlation")
		e.logger.Debug("dropping unmatched response",
			zap.String("topic", topic),
			zap.String("correlation_id", id))
		return
	}

	outcome, err := DecodeResponse(append([]byte(nil), payload...))
	if err != nil {
		e.metrics.Drop("unparsable")
		e.logger.Debug("dropping malformed response", zap.String("topic", topic), zap.Error(err))
		return
	}

	p, won := e.registry.Resolve(id)
	if !won {
		e.metrics.Drop("duplicate")
		return
	}
	e.finish(p, outcome, nil)
}

func (e *Engine) expire(id string) {
	p, won := e.registry.Resolve(id)
	if !won {
		return
	}
	e.logger.Debug("call timed out",
		zap.String("correlation_id", id),
		zap.String("target", p.TargetUID),
		zap.String("action", p.ActionID))
	e.finish(p, timedOut(id), nil)
}

// finish runs on the single goroutine that won Resolve for p. The future is
// completed last so a returning caller observes the released subscription.
func (e *Engine) finish(p *PendingRequest, o Outcome, err error) {
	if err == nil {
		o.CorrelationID = p.CorrelationID
		o.Elapsed = time.Since(p.Started)
	}
	defer p.result.complete(o, err)
	e.subs.release(p.ResponseTopic)

	e.metrics.SetPending(e.registry.Len())
	switch {
	case errors.Is(err, ErrTransportUnavailable):
		e.metrics.ObserveFailure(p.ActionID, metrics.OutcomeTransportUnavailable)
	case err == nil:
		e.metrics.ObserveCall(p.ActionID, o.Kind.String(), time.Since(p.Started))
	}

	if e.observer != nil {
		e.observer(Completion{
			CorrelationID: p.CorrelationID,
			TargetUID:     p.TargetUID,
			ActionID:      p.ActionID,
			Started:       p.Started,
			Outcome:       o,
			Err:           err,
		})
	}
}

// Close resolves every outstanding call as TimedOut, releases their
// subscriptions and rejects new calls. It does not close the transport.
func (e *Engine) Close() error {
	e.closeMu.Lock()
	if e.closed {
		e.closeMu.Unlock()
		return nil
	}
	e.closed = true
	e.closeMu.Unlock()

	for _, id := range e.registry.IDs() {
		e.expire(id)
	}
	return nil
}
