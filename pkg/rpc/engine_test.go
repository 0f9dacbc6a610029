package rpc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/edgeflare/devcall/pkg/metrics"
	"github.com/edgeflare/devcall/pkg/transport/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	reqTopic  = "dev-1/action1/request"
	respTopic = "dev-1/action1/response"
)

// sequentialIDs yields "id-1", "id-2", ...
func sequentialIDs() func() string {
	var n atomic.Int64
	return func() string { return fmt.Sprintf("id-%d", n.Add(1)) }
}

type harness struct {
	broker  *memory.Broker
	engine  *Engine
	device  *memory.Client
	metrics *metrics.Collector

	mu       sync.Mutex
	requests []string // correlation IDs seen by the device
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{broker: memory.NewBroker()}
	h.device = h.broker.Client()
	h.metrics = metrics.NewCollector(prometheus.NewRegistry())

	opts = append([]Option{
		WithLogger(zap.NewNop()),
		WithIDGenerator(sequentialIDs()),
		WithMetrics(h.metrics),
	}, opts...)
	h.engine = NewEngine(h.broker.Client(), opts...)
	t.Cleanup(func() { h.engine.Close() })
	return h
}

// serve installs a device on reqTopic. reply returns the response body for a
// correlation ID, or "" to stay silent.
func (h *harness) serve(t *testing.T, reply func(id string) string) {
	t.Helper()
	require.NoError(t, h.device.Subscribe(context.Background(), reqTopic, func(_ string, payload []byte) {
		id, ok := CorrelationOf(payload)
		require.True(t, ok)
		h.mu.Lock()
		h.requests = append(h.requests, id)
		h.mu.Unlock()
		if body := reply(id); body != "" {
			require.NoError(t, h.device.Publish(context.Background(), respTopic, []byte(body)))
		}
	}))
}

func (h *harness) respond(t *testing.T, body string) {
	t.Helper()
	require.NoError(t, h.device.Publish(context.Background(), respTopic, []byte(body)))
}

func (h *harness) seen() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.requests...)
}

func TestCallSuccess(t *testing.T) {
	h := newHarness(t)
	h.serve(t, func(id string) string {
		return fmt.Sprintf(`{"correlationData":%q,"status":"SUCCESS","state":"on"}`, id)
	})

	o, err := h.engine.Call(context.Background(), "dev-1", "1", map[string]any{"on": true}, 3*time.Second)
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, o.Kind)
	assert.Equal(t, "id-1", o.CorrelationID)
	assert.Equal(t, StatusSuccess, o.Status)
	assert.JSONEq(t, `{"correlationData":"id-1","status":"SUCCESS","state":"on"}`, string(o.Payload))
	assert.Less(t, o.Elapsed, time.Second)

	assert.False(t, h.engine.Registry().Has("id-1"))
	assert.Equal(t, 0, h.engine.Pending())
	assert.Equal(t, 0, h.broker.Subscribers(respTopic))
	assert.Equal(t, memory.Stats{Subscribes: 1, Unsubscribes: 1, Publishes: 1}, h.broker.Stats(respTopic))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.Calls.WithLabelValues("1", "success")))
}

func TestCallRemoteError(t *testing.T) {
	h := newHarness(t)
	h.serve(t, func(id string) string {
		return fmt.Sprintf(`{"correlationData":%q,"status":"ERROR","errorCode":"E_RELAY_STUCK"}`, id)
	})

	o, err := h.engine.Call(context.Background(), "dev-1", "1", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeRemoteError, o.Kind)
	assert.Equal(t, "E_RELAY_STUCK", o.ErrorCode)

	var remote *RemoteError
	require.ErrorAs(t, o.Err(), &remote)
	assert.Equal(t, StatusError, remote.Status)
}

func TestCallTimeout(t *testing.T) {
	h := newHarness(t)
	h.serve(t, func(string) string { return "" })

	const timeout = 100 * time.Millisecond
	start := time.Now()
	o, err := h.engine.Call(context.Background(), "dev-1", "1", nil, timeout)
	elapsed := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, o.Kind)
	assert.ErrorIs(t, o.Err(), ErrTimedOut)
	assert.GreaterOrEqual(t, elapsed, timeout)
	assert.Less(t, elapsed, timeout+time.Second)

	assert.Equal(t, 0, h.engine.Pending())
	assert.Equal(t, 0, h.broker.Subscribers(respTopic))
	assert.Equal(t, 1, h.broker.Stats(respTopic).Unsubscribes)
}

func TestCallDefaultTimeout(t *testing.T) {
	h := newHarness(t, WithDefaultTimeout(50*time.Millisecond))
	h.serve(t, func(string) string { return "" })

	o, err := h.engine.Call(context.Background(), "dev-1", "1", nil, 0)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, o.Kind)
	assert.GreaterOrEqual(t, o.Elapsed, 50*time.Millisecond)
}

func TestCrossTalkIsolation(t *testing.T) {
	h := newHarness(t)
	h.serve(t, func(string) string { return "" })
	ctx := context.Background()

	a := h.engine.Go(ctx, "dev-1", "1", nil, 3*time.Second)
	b := h.engine.Go(ctx, "dev-1", "1", nil, 200*time.Millisecond)
	require.Equal(t, []string{"id-1", "id-2"}, h.seen())
	assert.Equal(t, 2, h.engine.Pending())
	assert.Equal(t, 1, h.engine.Subscriptions())

	h.respond(t, `{"correlationData":"id-1","status":"SUCCESS"}`)

	oa, err := a.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, oa.Kind)
	assert.Equal(t, "id-1", oa.CorrelationID)

	_, done := b.Result()
	assert.False(t, done, "response for id-1 must not resolve id-2")
	assert.True(t, h.engine.Registry().Has("id-2"))
	assert.Equal(t, 0, h.broker.Stats(respTopic).Unsubscribes, "topic still needed by id-2")

	ob, err := b.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, ob.Kind)
	assert.Equal(t, "id-2", ob.CorrelationID)

	stats := h.broker.Stats(respTopic)
	assert.Equal(t, 1, stats.Subscribes)
	assert.Equal(t, 1, stats.Unsubscribes)
}

func TestDuplicateDelivery(t *testing.T) {
	var completions atomic.Int64
	h := newHarness(t, WithObserver(func(Completion) { completions.Add(1) }))
	h.serve(t, func(string) string { return "" })
	ctx := context.Background()

	f := h.engine.Go(ctx, "dev-1", "1", nil, time.Second)
	h.respond(t, `{"correlationData":"id-1","status":"SUCCESS"}`)

	o, err := f.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, o.Kind)

	// keep the topic subscribed with a second call so the duplicate reaches the dispatcher
	g := h.engine.Go(ctx, "dev-1", "1", nil, 50*time.Millisecond)
	h.respond(t, `{"correlationData":"id-1","status":"ERROR"}`)

	o, err = f.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, o.Kind, "first outcome stands")

	_, err = g.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), completions.Load())
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.DroppedMessages.WithLabelValues("unknown_correlation")))
}

func TestDispatchDropsGarbage(t *testing.T) {
	h := newHarness(t)
	h.serve(t, func(string) string { return "" })
	ctx := context.Background()

	f := h.engine.Go(ctx, "dev-1", "1", nil, 100*time.Millisecond)
	h.respond(t, `not json`)
	h.respond(t, `{"status":"SUCCESS"}`)
	h.respond(t, `{"correlationData":"someone-else","status":"SUCCESS"}`)

	_, done := f.Result()
	assert.False(t, done)

	o, err := f.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, o.Kind)
	assert.Equal(t, float64(2), testutil.ToFloat64(h.metrics.DroppedMessages.WithLabelValues("unparsable")))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.DroppedMessages.WithLabelValues("unknown_correlation")))
}

func TestInvalidArgument(t *testing.T) {
	h := newHarness(t)

	for _, args := range [][2]string{{"", "1"}, {"dev-1", ""}, {"dev/1", "1"}, {"dev-1", "#"}} {
		_, err := h.engine.Call(context.Background(), args[0], args[1], nil, time.Second)
		assert.ErrorIs(t, err, ErrInvalidArgument, args)
	}

	_, err := h.engine.Call(context.Background(), "dev-1", "1", []string{"not", "an", "object"}, time.Second)
	assert.ErrorIs(t, err, ErrInvalidArgument)
	assert.Equal(t, memory.Stats{}, h.broker.Stats(respTopic), "no I/O before validation")
}

func TestPublishFailure(t *testing.T) {
	h := newHarness(t)
	h.broker.FailPublish(errors.New("not connected"))

	_, err := h.engine.Call(context.Background(), "dev-1", "1", nil, time.Second)
	assert.ErrorIs(t, err, ErrTransportUnavailable)
	assert.NotErrorIs(t, err, ErrTimedOut)

	assert.Equal(t, 0, h.engine.Pending())
	assert.Equal(t, 0, h.engine.Subscriptions())
	assert.Equal(t, 0, h.broker.Subscribers(respTopic))
	assert.Equal(t, float64(1), testutil.ToFloat64(h.metrics.TransportErrors.WithLabelValues("publish")))
}

func TestSubscribeFailure(t *testing.T) {
	h := newHarness(t)
	h.broker.FailSubscribe(errors.New("denied"))

	_, err := h.engine.Call(context.Background(), "dev-1", "1", nil, time.Second)
	assert.ErrorIs(t, err, ErrTransportUnavailable)
	assert.Equal(t, 0, h.engine.Pending())
	assert.Equal(t, 0, h.engine.Subscriptions())

	h.broker.FailSubscribe(nil)
	h.serve(t, func(id string) string { return fmt.Sprintf(`{"correlationData":%q}`, id) })
	o, err := h.engine.Call(context.Background(), "dev-1", "1", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, o.Kind)
}

func TestAbandonedCall(t *testing.T) {
	h := newHarness(t)
	h.serve(t, func(string) string { return "" })

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := h.engine.Call(ctx, "dev-1", "1", nil, 150*time.Millisecond)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, h.engine.Pending(), "engine keeps its own deadline")

	require.Eventually(t, func() bool {
		return h.engine.Pending() == 0 && h.broker.Subscribers(respTopic) == 0
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, h.broker.Stats(respTopic).Unsubscribes)
}

func TestConcurrentCalls(t *testing.T) {
	h := newHarness(t)
	h.serve(t, func(id string) string {
		return fmt.Sprintf(`{"correlationData":%q,"status":"SUCCESS"}`, id)
	})

	const n = 50
	var wg sync.WaitGroup
	results := make([]Outcome, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = h.engine.Call(context.Background(), "dev-1", "1", nil, 2*time.Second)
		}()
	}
	wg.Wait()

	ids := make(map[string]bool, n)
	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, OutcomeSuccess, results[i].Kind)
		ids[results[i].CorrelationID] = true
	}
	assert.Len(t, ids, n)
	assert.Equal(t, 0, h.engine.Pending())
	assert.Equal(t, 0, h.engine.Subscriptions())

	stats := h.broker.Stats(respTopic)
	assert.Equal(t, stats.Subscribes, stats.Unsubscribes)
	assert.Equal(t, 0, h.broker.Subscribers(respTopic))
}

func TestTopicPrefix(t *testing.T) {
	h := newHarness(t, WithTopicPrefix("home"))
	require.NoError(t, h.device.Subscribe(context.Background(), "home/dev-1/action1/request", func(_ string, payload []byte) {
		id, _ := CorrelationOf(payload)
		_ = h.device.Publish(context.Background(), "home/dev-1/action1/response", []byte(fmt.Sprintf(`{"correlationData":%q}`, id)))
	}))

	o, err := h.engine.Call(context.Background(), "dev-1", "1", nil, time.Second)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, o.Kind)
}

func TestClose(t *testing.T) {
	h := newHarness(t)
	h.serve(t, func(string) string { return "" })
	ctx := context.Background()

	f := h.engine.Go(ctx, "dev-1", "1", nil, time.Hour)
	require.NoError(t, h.engine.Close())

	o, err := f.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, o.Kind)
	assert.Equal(t, 0, h.broker.Subscribers(respTopic))

	_, err = h.engine.Call(ctx, "dev-1", "1", nil, time.Second)
	assert.ErrorIs(t, err, ErrClosed)
	assert.NoError(t, h.engine.Close())
}

func TestDuplicateCorrelationIDPanics(t *testing.T) {
	h := newHarness(t, WithIDGenerator(func() string { return "same" }))
	h.serve(t, func(string) string { return "" })

	f := h.engine.Go(context.Background(), "dev-1", "1", nil, time.Hour)
	assert.Panics(t, func() {
		h.engine.Go(context.Background(), "dev-1", "1", nil, time.Hour)
	})
	assert.Equal(t, 1, h.engine.Pending())
	assert.Equal(t, 1, h.engine.subs.refs(respTopic))

	require.NoError(t, h.engine.Close())
	o, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeTimedOut, o.Kind)
}

func TestObserver(t *testing.T) {
	var got []Completion
	var mu sync.Mutex
	h := newHarness(t, WithObserver(func(c Completion) {
		mu.Lock()
		got = append(got, c)
		mu.Unlock()
	}))
	h.serve(t, func(id string) string { return fmt.Sprintf(`{"correlationData":%q}`, id) })

	_, err := h.engine.Call(context.Background(), "dev-1", "1", nil, time.Second)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.Equal(t, "id-1", got[0].CorrelationID)
	assert.Equal(t, "dev-1", got[0].TargetUID)
	assert.Equal(t, "1", got[0].ActionID)
	assert.Equal(t, OutcomeSuccess, got[0].Outcome.Kind)
	assert.NoError(t, got[0].Err)
}
