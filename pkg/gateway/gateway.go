// Package gateway exposes device calls over HTTP and translates call outcomes
// into status codes for upstream callers.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/edgeflare/devcall/pkg/httputil"
	"github.com/edgeflare/devcall/pkg/httputil/middleware"
	"github.com/edgeflare/devcall/pkg/rpc"
	"go.uber.org/zap"
)

const (
	DefaultMaxTimeout = 2 * time.Minute
	DefaultMaxBody    = 64 << 10
)

// Caller is the part of rpc.Engine the gateway needs.
type Caller interface {
	Call(ctx context.Context, targetUID, actionID string, params any, timeout time.Duration) (rpc.Outcome, error)
	Pending() int
}

// Options configures the gateway routes and middleware.
type Options struct {
	Logger *zap.Logger
	// BasicAuth protects the device routes when non-empty. /healthz stays open.
	BasicAuth map[string]string
	// CORS defaults to middleware's permissive settings when nil.
	CORS *middleware.CORSOptions
	// MaxTimeout caps ?timeout=. Zero means DefaultMaxTimeout.
	MaxTimeout time.Duration
	// MaxBody caps the params body in bytes. Zero means DefaultMaxBody.
	MaxBody int64
}

// SuccessBody is the 200 response.
type SuccessBody struct {
	Status          string          `json:"status"`
	CorrelationData string          `json:"correlationData"`
	Response        json.RawMessage `json:"response,omitempty"`
}

// FailureBody is sent for remote errors and timeouts.
type FailureBody struct {
	Status          string `json:"status"`
	ErrorCode       string `json:"errorCode,omitempty"`
	CorrelationData string `json:"correlationData,omitempty"`
}

// HealthBody is the /healthz response.
type HealthBody struct {
	Status  string `json:"status"`
	Pending int    `json:"pending"`
}

type gateway struct {
	caller     Caller
	logger     *zap.Logger
	maxTimeout time.Duration
	maxBody    int64
}

// NewRouter returns a router serving:
//
//	POST    /devices/{uid}/actions/{action}
//	OPTIONS /devices/{uid}/actions/{action}
//	GET     /healthz
func NewRouter(caller Caller, opts Options, routerOpts ...httputil.RouterOptions) *httputil.Router {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	g := &gateway{
		caller:     caller,
		logger:     opts.Logger,
		maxTimeout: opts.MaxTimeout,
		maxBody:    opts.MaxBody,
	}
	if g.maxTimeout <= 0 {
		g.maxTimeout = DefaultMaxTimeout
	}
	if g.maxBody <= 0 {
		g.maxBody = DefaultMaxBody
	}

	r := httputil.NewRouter(append([]httputil.RouterOptions{httputil.WithLogger(opts.Logger)}, routerOpts...)...)
	r.Use(
		middleware.RequestID,
		middleware.LoggerWithOptions(&middleware.LoggerOptions{Logger: opts.Logger}),
		middleware.CORSWithOptions(opts.CORS),
	)

	r.Handle("GET /healthz", http.HandlerFunc(g.health))
	// CORS answers real preflights; this covers bare OPTIONS probes outside the auth group
	r.Handle("OPTIONS /devices/{uid}/actions/{action}", http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	devices := r.Group("/devices")
	if len(opts.BasicAuth) > 0 {
		devices.Use(middleware.VerifyBasicAuth(middleware.BasicAuthCreds(opts.BasicAuth)))
	}
	devices.Handle("POST /{uid}/actions/{action}", http.HandlerFunc(g.call))
	return r
}

func (g *gateway) health(w http.ResponseWriter, _ *http.Request) {
	httputil.JSON(w, http.StatusOK, HealthBody{Status: "ok", Pending: g.caller.Pending()})
}

func (g *gateway) call(w http.ResponseWriter, r *http.Request) {
	uid, action := r.PathValue("uid"), r.PathValue("action")
	log := httputil.LogEntry(r).With(zap.String("target", uid), zap.String("action", action))

	timeout, err := parseTimeout(r.URL.Query().Get("timeout"), g.maxTimeout)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	params, err := g.readParams(w, r)
	if err != nil {
		httputil.Error(w, http.StatusBadRequest, err.Error())
		return
	}

	outcome, err := g.caller.Call(r.Context(), uid, action, params, timeout)
	if err != nil {
		status := statusFor(err)
		log.Debug("call failed", zap.Int("status", status), zap.Error(err))
		httputil.Error(w, status, err.Error())
		return
	}

	log.Debug("call resolved",
		zap.String("correlation_id", outcome.CorrelationID),
		zap.Stringer("outcome", outcome.Kind),
		zap.Duration("elapsed", outcome.Elapsed))
	writeOutcome(w, outcome)
}

func (g *gateway) readParams(w http.ResponseWriter, r *http.Request) (json.RawMessage, error) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, g.maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if len(body) == 0 {
		return nil, nil
	}
	if !json.Valid(body) {
		return nil, errors.New("body must be a JSON object")
	}
	return json.RawMessage(body), nil
}

func writeOutcome(w http.ResponseWriter, o rpc.Outcome) {
	switch o.Kind {
	case rpc.OutcomeSuccess:
		httputil.JSON(w, http.StatusOK, SuccessBody{
			Status:          rpc.StatusSuccess,
			CorrelationData: o.CorrelationID,
			Response:        o.Payload,
		})
	case rpc.OutcomeRemoteError:
		httputil.JSON(w, http.StatusBadGateway, FailureBody{
			Status:          o.Status,
			ErrorCode:       o.ErrorCode,
			CorrelationData: o.CorrelationID,
		})
	default:
		httputil.JSON(w, http.StatusGatewayTimeout, FailureBody{
			Status:          rpc.StatusOffline,
			CorrelationData: o.CorrelationID,
		})
	}
}

// statusFor maps a synchronous call error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, rpc.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, rpc.ErrTransportUnavailable),
		errors.Is(err, rpc.ErrClosed),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// parseTimeout accepts a Go duration ("1.5s") or plain milliseconds ("1500").
// Empty means the engine default.
func parseTimeout(s string, limit time.Duration) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	var d time.Duration
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		d = time.Duration(ms) * time.Millisecond
	} else if d, err = time.ParseDuration(s); err != nil {
		return 0, fmt.Errorf("invalid timeout %q", s)
	}
	if d <= 0 || d > limit {
		return 0, fmt.Errorf("timeout must be in (0, %s]", limit)
	}
	return d, nil
}
