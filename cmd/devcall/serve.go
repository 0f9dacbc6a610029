package devcall

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/edgeflare/devcall/pkg/config"
	"github.com/edgeflare/devcall/pkg/gateway"
	"github.com/edgeflare/devcall/pkg/history"
	"github.com/edgeflare/devcall/pkg/httputil"
	"github.com/edgeflare/devcall/pkg/httputil/middleware"
	"github.com/edgeflare/devcall/pkg/metrics"
	"github.com/edgeflare/devcall/pkg/rpc"
	"github.com/edgeflare/devcall/pkg/util/rand"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveCmd = &cobra.Command{
	Use:     "serve",
	Aliases: []string{"s"},
	Short:   "Run the HTTP gateway",
	Long: `Connects to the configured transport and serves
POST /devices/{uid}/actions/{action}, plus optional metrics and gRPC health endpoints.`,
	RunE: runServe,
}

func init() {
	f := serveCmd.Flags()
	f.StringP("gateway.listenAddr", "l", "", "gateway listen address")
	f.Bool("gateway.tls.enabled", false, "serve HTTPS (self-signed under ./tls unless cert files are configured)")
	f.Bool("metrics.enabled", false, "enable Prometheus metrics server")
	f.String("metrics.addr", "", "Prometheus metrics server address")
	f.String("grpc.healthAddr", "", "gRPC health server address (disabled when empty)")
	f.String("history.sink", "", "call history sink (log, postgres, clickhouse)")
}

func runServe(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	var hs *healthServer
	if cfg.GRPC.HealthAddr != "" {
		var err error
		if hs, err = startHealthServer(cfg.GRPC.HealthAddr, &wg, logger); err != nil {
			return fmt.Errorf("start grpc health server: %w", err)
		}
		defer hs.stop()
	}

	client, err := connect(ctx)
	if err != nil {
		return err
	}
	defer client.Close()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	opts := []rpc.Option{rpc.WithMetrics(metrics.NewCollector(reg))}

	recorder, err := openHistory(ctx, cfg.History)
	if err != nil {
		return err
	}
	if recorder != nil {
		defer recorder.Close()
		opts = append(opts, rpc.WithObserver(recorder.Observe))
	}

	engine := newEngine(client, opts...)
	defer engine.Close()

	if cfg.Metrics.Enabled {
		metrics.StartPrometheusServer(ctx, &wg, &metrics.PromServerOpts{
			Addr:     cfg.Metrics.Addr,
			Path:     cfg.Metrics.Path,
			Gatherer: reg,
			Logger:   logger,
		})
	}

	router := gateway.NewRouter(engine, gatewayOptions(cfg.Gateway), routerOptions(cfg.Gateway)...)
	errChan := make(chan error, 1)
	go func() {
		if err := router.ListenAndServe(cfg.Gateway.ListenAddr); !errors.Is(err, http.ErrServerClosed) {
			errChan <- err
		}
	}()
	if hs != nil {
		hs.setServing(true)
	}

	select {
	case <-ctx.Done():
		logger.Info("received termination signal, shutting down gracefully")
	case err = <-errChan:
		logger.Error("gateway error", zap.Error(err))
	}

	if hs != nil {
		hs.setServing(false)
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if serr := router.Shutdown(shutdownCtx); serr != nil {
		logger.Warn("gateway shutdown error", zap.Error(serr))
	}
	stop()

	done := make(chan struct{})
	go func() {
		if hs != nil {
			hs.stop()
		}
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-shutdownCtx.Done():
		logger.Warn("shutdown timed out")
	}
	return err
}

func gatewayOptions(gc config.GatewayConfig) gateway.Options {
	opts := gateway.Options{
		Logger:     logger,
		MaxTimeout: gc.MaxTimeout,
	}
	if len(gc.CORSOrigins) > 0 {
		cors := middleware.DefaultCORSOptions()
		cors.AllowedOrigins = gc.CORSOrigins
		opts.CORS = cors
	}
	if user := gc.BasicAuth.Username; user != "" {
		password := gc.BasicAuth.Password
		if password == "" {
			password = rand.NewPassword()
			logger.Warn("generated gateway password, set gateway.basicAuth.password to pin it",
				zap.String("username", user),
				zap.String("password", password))
		}
		opts.BasicAuth = map[string]string{user: password}
	}
	return opts
}

func routerOptions(gc config.GatewayConfig) []httputil.RouterOptions {
	opts := []httputil.RouterOptions{
		httputil.WithServerOptions(func(s *http.Server) {
			s.ReadHeaderTimeout = 5 * time.Second
			// a call may block up to MaxTimeout before the response is written
			s.WriteTimeout = gc.MaxTimeout + 10*time.Second
		}),
	}
	if gc.TLS.Enabled {
		host, _, _ := net.SplitHostPort(gc.ListenAddr)
		opts = append(opts, httputil.WithTLS(gc.TLS.CertFile, gc.TLS.KeyFile, host))
	}
	return opts
}

// openHistory returns nil when no sink is configured.
func openHistory(ctx context.Context, hc config.HistoryConfig) (*history.Recorder, error) {
	var sink history.Sink
	switch hc.Sink {
	case config.SinkNone:
		return nil, nil
	case config.SinkLog:
		sink = history.LogSink{Logger: logger}
	case config.SinkPostgres:
		s, err := history.OpenPostgresSink(ctx, hc.Postgres.ConnString, hc.Postgres.Table)
		if err != nil {
			return nil, fmt.Errorf("open postgres history: %w", err)
		}
		sink = s
	case config.SinkClickHouse:
		s, err := history.OpenClickHouseSink(ctx, hc.ClickHouse)
		if err != nil {
			return nil, fmt.Errorf("open clickhouse history: %w", err)
		}
		sink = s
	default:
		return nil, fmt.Errorf("unknown history sink %q", hc.Sink)
	}

	logger.Info("recording call history", zap.String("sink", hc.Sink))
	return history.NewRecorder(sink,
		history.WithLogger(logger),
		history.WithBuffer(hc.Buffer),
		history.WithBatchSize(hc.BatchSize),
		history.WithFlushInterval(hc.FlushInterval),
	), nil
}
