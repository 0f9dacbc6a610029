package httputil

import (
	"cmp"
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"slices"
	"strings"
	"sync"

	"github.com/edgeflare/devcall/pkg/util"
	"go.uber.org/zap"
)

// Middleware wraps an http.Handler to modify or enhance its behavior.
type Middleware func(http.Handler) http.Handler

// RouterOptions is a function type that represents options to configure a Router.
type RouterOptions func(*Router)

// Router is the main structure for handling HTTP routing and middleware.
type Router struct {
	mux        *http.ServeMux
	server     *http.Server
	logger     *zap.Logger
	prefix     string
	middleware []Middleware
	tlsErr     error
	mu         sync.RWMutex
}

// NewRouter creates a new instance of Router with the given options.
func NewRouter(opts ...RouterOptions) *Router {
	r := &Router{
		mux:    http.NewServeMux(),
		server: &http.Server{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// WithServerOptions returns a RouterOptions function that sets custom http.Server options.
func WithServerOptions(opts ...func(*http.Server)) RouterOptions {
	return func(r *Router) {
		for _, opt := range opts {
			opt(r.server)
		}
	}
}

// WithLogger sets the logger used for server lifecycle messages.
func WithLogger(logger *zap.Logger) RouterOptions {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithTLS serves HTTPS with the given key pair. A self-signed pair valid for
// hosts is generated under ./tls when the paths are empty or the files are
// missing.
func WithTLS(certFile, keyFile string, hosts ...string) RouterOptions {
	return func(r *Router) {
		certFile = cmp.Or(certFile, "./tls/tls.crt")
		keyFile = cmp.Or(keyFile, "./tls/tls.key")

		cert, err := util.LoadOrGenerateCert(certFile, keyFile, hosts...)
		if err != nil {
			r.tlsErr = fmt.Errorf("load TLS certificate: %w", err)
			return
		}
		r.server.TLSConfig = &tls.Config{
			MinVersion:   tls.VersionTLS12,
			Certificates: []tls.Certificate{cert},
		}
	}
}

// Use adds one or more middleware to the router. Middleware functions are
// applied in the order they are added.
func (r *Router) Use(mw Middleware, additional ...Middleware) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.middleware = append(r.middleware, mw)
	r.middleware = append(r.middleware, additional...)
}

// Group creates a new sub-router with a specified prefix. The sub-router inherits the middleware
// from its parent router.
func (r *Router) Group(prefix string) *Router {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return &Router{
		mux:        r.mux,
		middleware: slices.Clone(r.middleware),
		server:     r.server,
		logger:     r.logger,
		prefix:     r.prefix + prefix,
	}
}

// Handle registers handler for "METHOD /pattern" (Go 1.22 routing). On a
// group with a /prefix the route resolves to "METHOD /prefix/pattern". Group
// middleware wraps only the routes of that group.
func (r *Router) Handle(methodPattern string, handler http.Handler) {
	method, pattern, ok := strings.Cut(methodPattern, " ")
	if !ok {
		panic(fmt.Sprintf("httputil: invalid method pattern: %s", methodPattern))
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	finalHandler := handler
	for i := len(r.middleware) - 1; i >= 0; i-- {
		finalHandler = r.middleware[i](finalHandler)
	}
	r.mux.Handle(fmt.Sprintf("%s %s%s", method, r.prefix, pattern), finalHandler)
}

// Handler returns the mux. Middleware is attached per route by Handle.
func (r *Router) Handler() http.Handler {
	return r.mux
}

// ListenAndServe starts the server, automatically choosing between HTTP and HTTPS based on TLS config.
func (r *Router) ListenAndServe(addr string) error {
	if r.tlsErr != nil {
		return r.tlsErr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return r.Serve(ln)
}

// Serve accepts connections on ln until Shutdown.
func (r *Router) Serve(ln net.Listener) error {
	if r.tlsErr != nil {
		ln.Close()
		return r.tlsErr
	}
	r.server.Addr = ln.Addr().String()
	r.server.Handler = r.mux

	r.logger.Info("starting server", zap.String("addr", r.server.Addr), zap.Bool("tls", r.server.TLSConfig != nil))
	if r.server.TLSConfig != nil {
		return r.server.ServeTLS(ln, "", "")
	}
	return r.server.Serve(ln)
}

// Shutdown gracefully shuts down the HTTP server.
func (r *Router) Shutdown(ctx context.Context) error {
	r.logger.Info("shutting down server")
	return r.server.Shutdown(ctx)
}
