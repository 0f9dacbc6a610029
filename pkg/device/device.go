// Package device emulates the firmware side of a call: it answers requests
// published on <uid>/action<id>/request with a reply on the matching response
// topic, echoing correlationData.
package device

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/edgeflare/devcall/pkg/rpc"
	"github.com/edgeflare/devcall/pkg/transport"
	"go.uber.org/zap"
)

var (
	ErrActionExists = errors.New("action already handled")
	ErrClosed       = errors.New("responder closed")
)

// Request is an inbound call as seen by the device.
type Request struct {
	CorrelationID string
	TargetUID     string
	ActionID      string
	Params        json.RawMessage
}

// Reply is what a handler answers. An empty Status is sent as SUCCESS. Body,
// when set, must be a JSON object; its fields are added to the response.
type Reply struct {
	Status    string
	ErrorCode string
	Body      json.RawMessage
}

// Success returns a SUCCESS reply.
func Success() Reply {
	return Reply{Status: rpc.StatusSuccess}
}

// Fail returns a reply with the given status and error code.
func Fail(status, code string) Reply {
	return Reply{Status: status, ErrorCode: code}
}

// HandlerFunc answers one request. ctx is cancelled when the responder closes.
type HandlerFunc func(ctx context.Context, req Request) Reply

// Static answers every request with reply after delay.
func Static(reply Reply, delay time.Duration) HandlerFunc {
	return func(ctx context.Context, _ Request) Reply {
		if delay > 0 {
			t := time.NewTimer(delay)
			defer t.Stop()
			select {
			case <-t.C:
			case <-ctx.Done():
			}
		}
		return reply
	}
}

// Option configures a Responder.
type Option func(*Responder)

// WithLogger sets the responder logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Responder) {
		r.logger = logger
	}
}

// WithTopicPrefix must match the prefix of the calling engine.
func WithTopicPrefix(prefix string) Option {
	return func(r *Responder) {
		r.deriver.Prefix = prefix
	}
}

// Responder serves the actions of one device.
type Responder struct {
	client  transport.Client
	uid     string
	deriver rpc.Deriver
	logger  *zap.Logger

	mu      sync.Mutex
	actions map[string]rpc.Topic
	closed  bool // set by Close; no handler starts after it

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewResponder returns a responder for device uid.
func NewResponder(client transport.Client, uid string, opts ...Option) *Responder {
	ctx, cancel := context.WithCancel(context.Background())
	r := &Responder{
		client:  client,
		uid:     uid,
		actions: make(map[string]rpc.Topic),
		ctx:     ctx,
		cancel:  cancel,
	}
	for _, opt := range opts {
		opt(r)
	}
	r.init()
	return r
}

// init ensures that the logger is not nil
func (r *Responder) init() {
	if r.logger == nil {
		logger, err := zap.NewProduction()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to create default logger: %v\n", err)
			r.logger = zap.NewNop()
		} else {
			r.logger = logger
		}
	}
}

// UID returns the device uid.
func (r *Responder) UID() string {
	return r.uid
}

// Handle subscribes to the request topic of actionID and serves it with h.
func (r *Responder) Handle(ctx context.Context, actionID string, h HandlerFunc) error {
	topic, err := r.deriver.Derive(r.uid, actionID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrClosed
	}
	if _, ok := r.actions[actionID]; ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrActionExists, actionID)
	}
	r.actions[actionID] = topic
	r.mu.Unlock()

	err = r.client.Subscribe(ctx, topic.Request, func(_ string, payload []byte) {
		r.mu.Lock()
		if r.closed {
			r.mu.Unlock()
			return
		}
		r.wg.Add(1)
		r.mu.Unlock()
		go func() {
			defer r.wg.Done()
			r.serve(actionID, topic, payload, h)
		}()
	})
	if err != nil {
		r.mu.Lock()
		delete(r.actions, actionID)
		r.mu.Unlock()
		return fmt.Errorf("subscribe %s: %w", topic.Request, err)
	}
	r.logger.Info("serving action", zap.String("uid", r.uid), zap.String("topic", topic.Request))
	return nil
}

// Remove stops serving actionID.
func (r *Responder) Remove(ctx context.Context, actionID string) error {
	r.mu.Lock()
	topic, ok := r.actions[actionID]
	delete(r.actions, actionID)
	r.mu.Unlock()
	if !ok {
		return nil
	}
	return r.client.Unsubscribe(ctx, topic.Request)
}

// Actions lists the served action ids.
func (r *Responder) Actions() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	ids := make([]string, 0, len(r.actions))
	for id := range r.actions {
		ids = append(ids, id)
	}
	return ids
}

func (r *Responder) serve(actionID string, topic rpc.Topic, payload []byte, h HandlerFunc) {
	id, params, err := rpc.DecodeRequest(payload)
	if err != nil {
		r.logger.Debug("dropping request", zap.String("topic", topic.Request), zap.Error(err))
		return
	}

	reply := h(r.ctx, Request{
		CorrelationID: id,
		TargetUID:     r.uid,
		ActionID:      actionID,
		Params:        params,
	})
	if reply.Status == "" {
		reply.Status = rpc.StatusSuccess
	}

	body, err := rpc.EncodeResponse(rpc.Response{
		CorrelationData: id,
		Status:          reply.Status,
		ErrorCode:       reply.ErrorCode,
	}, reply.Body)
	if err != nil {
		r.logger.Error("encode reply", zap.String("correlation_id", id), zap.Error(err))
		return
	}
	if r.ctx.Err() != nil {
		return
	}
	if err := r.client.Publish(r.ctx, topic.Response, body); err != nil {
		r.logger.Error("publish reply failed",
			zap.String("topic", topic.Response),
			zap.String("correlation_id", id),
			zap.Error(err))
		return
	}
	r.logger.Debug("replied",
		zap.String("topic", topic.Response),
		zap.String("correlation_id", id),
		zap.String("status", reply.Status))
}

// Close unsubscribes every action and waits for in-flight handlers.
func (r *Responder) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()

	var errs []error
	for _, id := range r.Actions() {
		errs = append(errs, r.Remove(ctx, id))
	}
	r.cancel()
	r.wg.Wait()
	return errors.Join(errs...)
}
