package metrics

import (
	"cmp"
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Outcome labels for calls that never reached the wire.
const (
	OutcomeInvalidArgument      = "invalid_argument"
	OutcomeTransportUnavailable = "transport_unavailable"
)

// Collector holds the devcall metrics. A nil *Collector is valid and records nothing.
type Collector struct {
	Calls           *prometheus.CounterVec
	CallDuration    *prometheus.HistogramVec
	PendingCalls    prometheus.Gauge
	Subscriptions   prometheus.Gauge
	DroppedMessages *prometheus.CounterVec
	TransportErrors *prometheus.CounterVec
}

// NewCollector registers the devcall metrics on reg. A nil reg means the
// default prometheus registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	return &Collector{
		Calls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devcall_calls_total",
				Help: "Total number of device calls by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		CallDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "devcall_call_duration_seconds",
				Help:    "Time from publish to resolution of device calls",
				Buckets: []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"outcome"},
		),
		PendingCalls: f.NewGauge(prometheus.GaugeOpts{
			Name: "devcall_pending_calls",
			Help: "Number of calls awaiting a response",
		}),
		Subscriptions: f.NewGauge(prometheus.GaugeOpts{
			Name: "devcall_subscriptions",
			Help: "Number of live response-topic subscriptions",
		}),
		DroppedMessages: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devcall_dropped_messages_total",
				Help: "Inbound responses dropped by the dispatcher by reason",
			},
			[]string{"reason"},
		),
		TransportErrors: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "devcall_transport_errors_total",
				Help: "Transport failures by operation",
			},
			[]string{"op"},
		),
	}
}

// ObserveCall records a resolved call.
func (c *Collector) ObserveCall(action, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.Calls.WithLabelValues(action, outcome).Inc()
	c.CallDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// ObserveFailure records a call rejected synchronously.
func (c *Collector) ObserveFailure(action, outcome string) {
	if c == nil {
		return
	}
	c.Calls.WithLabelValues(action, outcome).Inc()
}

func (c *Collector) SetPending(n int) {
	if c == nil {
		return
	}
	c.PendingCalls.Set(float64(n))
}

func (c *Collector) SetSubscriptions(n int) {
	if c == nil {
		return
	}
	c.Subscriptions.Set(float64(n))
}

func (c *Collector) Drop(reason string) {
	if c == nil {
		return
	}
	c.DroppedMessages.WithLabelValues(reason).Inc()
}

func (c *Collector) TransportError(op string) {
	if c == nil {
		return
	}
	c.TransportErrors.WithLabelValues(op).Inc()
}

type PromServerOpts struct {
	Addr              string
	Path              string        // Path for metrics endpoint, defaults to "/metrics"
	ShutdownTimeout   time.Duration // Timeout for server shutdown, defaults to 5 seconds
	ReadHeaderTimeout time.Duration // Timeout for reading request headers, defaults to 3 seconds
	Gatherer          prometheus.Gatherer
	Logger            *zap.Logger
}

func defaultPrometheusServerOptions() PromServerOpts {
	return PromServerOpts{
		Addr:              ":9100",
		Path:              "/metrics",
		ShutdownTimeout:   5 * time.Second,
		ReadHeaderTimeout: 3 * time.Second,
	}
}

// StartPrometheusServer starts a Prometheus metrics server with the given options
// The server gracefully shutdown when the provided context is canceled
func StartPrometheusServer(ctx context.Context, wg *sync.WaitGroup, opts *PromServerOpts) {
	// merge with defaults
	effectiveOpts := defaultPrometheusServerOptions()
	if opts != nil {
		effectiveOpts.Addr = cmp.Or(opts.Addr, effectiveOpts.Addr)
		effectiveOpts.Path = cmp.Or(opts.Path, effectiveOpts.Path)
		effectiveOpts.ShutdownTimeout = cmp.Or(opts.ShutdownTimeout, effectiveOpts.ShutdownTimeout)
		effectiveOpts.ReadHeaderTimeout = cmp.Or(opts.ReadHeaderTimeout, effectiveOpts.ReadHeaderTimeout)
		effectiveOpts.Gatherer = opts.Gatherer
		effectiveOpts.Logger = opts.Logger
	}
	logger := effectiveOpts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	handler := promhttp.Handler()
	if effectiveOpts.Gatherer != nil {
		handler = promhttp.HandlerFor(effectiveOpts.Gatherer, promhttp.HandlerOpts{})
	}

	mux := http.NewServeMux()
	mux.Handle(effectiveOpts.Path, handler)
	server := &http.Server{
		Addr:              effectiveOpts.Addr,
		Handler:           mux,
		ReadHeaderTimeout: effectiveOpts.ReadHeaderTimeout,
	}

	serverClosed := make(chan struct{})

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info("starting metrics server", zap.String("addr", effectiveOpts.Addr))
		if err := server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server error", zap.Error(err))
		}
		close(serverClosed)
	}()

	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), effectiveOpts.ShutdownTimeout)
		defer shutdownCancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("error shutting down metrics server", zap.Error(err))
		}

		select {
		case <-serverClosed:
			logger.Info("metrics server shutdown complete")
		case <-shutdownCtx.Done():
			logger.Warn("metrics server shutdown timed out")
		}
	}()
}
