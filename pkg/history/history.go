// Package history records one row per resolved call.
//
// A Recorder is installed as the engine observer; it never blocks the
// resolving goroutine. Records are buffered and written in batches to a Sink
// on a single worker goroutine. When the buffer is full the record is dropped
// and counted.
package history

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/edgeflare/devcall/pkg/metrics"
	"github.com/edgeflare/devcall/pkg/rpc"
	"go.uber.org/zap"
)

// Sink persists batches of records.
type Sink interface {
	Write(ctx context.Context, records []Record) error
	Close() error
}

// Record is the history row of one call.
type Record struct {
	CorrelationID string        `json:"correlationData"`
	TargetUID     string        `json:"targetUid"`
	ActionID      string        `json:"actionId"`
	Outcome       string        `json:"outcome"`
	Status        string        `json:"status,omitempty"`
	ErrorCode     string        `json:"errorCode,omitempty"`
	Started       time.Time     `json:"started"`
	Duration      time.Duration `json:"duration"`
}

// FromCompletion converts an engine completion. Calls that failed before a
// reply or timeout are recorded as transport_unavailable.
func FromCompletion(c rpc.Completion) Record {
	r := Record{
		CorrelationID: c.CorrelationID,
		TargetUID:     c.TargetUID,
		ActionID:      c.ActionID,
		Outcome:       c.Outcome.Kind.String(),
		Status:        c.Outcome.Status,
		ErrorCode:     c.Outcome.ErrorCode,
		Started:       c.Started,
		Duration:      c.Outcome.Elapsed,
	}
	if c.Err != nil {
		r.Outcome = metrics.OutcomeTransportUnavailable
		r.Status, r.ErrorCode = "", ""
		r.Duration = time.Since(c.Started)
	}
	return r
}

const (
	DefaultBuffer        = 1024
	DefaultBatchSize     = 100
	DefaultFlushInterval = time.Second
)

var ErrRecorderClosed = errors.New("recorder closed")

// Option configures a Recorder.
type Option func(*Recorder)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Recorder) { r.logger = logger }
}

// WithBuffer sets the channel capacity between observer and worker.
func WithBuffer(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.buffer = n
		}
	}
}

func WithBatchSize(n int) Option {
	return func(r *Recorder) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func WithFlushInterval(d time.Duration) Option {
	return func(r *Recorder) {
		if d > 0 {
			r.flushInterval = d
		}
	}
}

// Recorder buffers records and writes them to a Sink.
type Recorder struct {
	sink          Sink
	logger        *zap.Logger
	buffer        int
	batchSize     int
	flushInterval time.Duration

	mu      sync.RWMutex
	closed  bool
	records chan Record
	done    chan struct{}
	dropped atomic.Uint64
}

// NewRecorder starts the worker goroutine.
func NewRecorder(sink Sink, opts ...Option) *Recorder {
	r := &Recorder{
		sink:          sink,
		buffer:        DefaultBuffer,
		batchSize:     DefaultBatchSize,
		flushInterval: DefaultFlushInterval,
		done:          make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.init()
	r.records = make(chan Record, r.buffer)
	go r.run()
	return r
}

// init ensures that the logger is not nil
func (r *Recorder) init() {
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

// Observe is an rpc.Observer.
func (r *Recorder) Observe(c rpc.Completion) {
	r.Record(FromCompletion(c))
}

// Record enqueues rec without blocking. It reports false when rec was dropped.
func (r *Recorder) Record(rec Record) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.records <- rec:
		return true
	default:
		r.dropped.Add(1)
		r.logger.Warn("history buffer full, dropping record",
			zap.String("correlation_id", rec.CorrelationID),
			zap.Uint64("dropped", r.dropped.Load()))
		return false
	}
}

// Dropped returns the number of records lost to a full buffer.
func (r *Recorder) Dropped() uint64 {
	return r.dropped.Load()
}

func (r *Recorder) run() {
	defer close(r.done)
	ticker := time.NewTicker(r.flushInterval)
	defer ticker.Stop()

	batch := make([]Record, 0, r.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := r.sink.Write(ctx, batch); err != nil {
			r.logger.Error("history write failed", zap.Int("records", len(batch)), zap.Error(err))
		}
		batch = make([]Record, 0, r.batchSize)
	}

	for {
		select {
		case rec, ok := <-r.records:
			if !ok {
				flush()
				return
			}
			batch = append(batch, rec)
			if len(batch) >= r.batchSize {
				flush()
			}
		case <-ticker.C:
			flush()
		}
	}
}

// Close flushes buffered records and closes the sink.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return ErrRecorderClosed
	}
	r.closed = true
	close(r.records)
	r.mu.Unlock()

	<-r.done
	return r.sink.Close()
}
