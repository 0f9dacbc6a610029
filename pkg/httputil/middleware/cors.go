package middleware

import (
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"
)

// CORSOptions defines configuration for CORS.
type CORSOptions struct {
	// AllowedOrigins lists exact origins. "*" admits any origin.
	AllowedOrigins   []string
	AllowedMethods   []string
	AllowedHeaders   []string
	ExposedHeaders   []string
	AllowCredentials bool
	// MaxAge is sent on preflight responses when positive.
	MaxAge           time.Duration
}

// DefaultCORSOptions allows any origin to call the gateway routes.
func DefaultCORSOptions() *CORSOptions {
	return &CORSOptions{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization", "Accept", "X-Request-Id"},
		ExposedHeaders: []string{"X-Request-Id"},
		MaxAge:         10 * time.Minute,
	}
}

func (o *CORSOptions) allowOrigin(origin string) (string, bool) {
	if slices.Contains(o.AllowedOrigins, origin) {
		return origin, true
	}
	if slices.Contains(o.AllowedOrigins, "*") {
		// a wildcard cannot be combined with credentials
		if o.AllowCredentials {
			return origin, true
		}
		return "*", true
	}
	return "", false
}

// CORSWithOptions creates a CORS middleware with the provided configuration.
// A nil options uses DefaultCORSOptions. Requests without an Origin header,
// or from an origin that is not allowed, pass through without CORS headers.
// Preflight requests from allowed origins are answered with 204 here.
func CORSWithOptions(options *CORSOptions) func(http.Handler) http.Handler {
	if options == nil {
		options = DefaultCORSOptions()
	}
	methods := strings.Join(options.AllowedMethods, ", ")
	headers := strings.Join(options.AllowedHeaders, ", ")
	exposed := strings.Join(options.ExposedHeaders, ", ")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			h := w.Header()
			h.Add("Vary", "Origin")

			allowed, ok := options.allowOrigin(origin)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			h.Set("Access-Control-Allow-Origin", allowed)
			if options.AllowCredentials {
				h.Set("Access-Control-Allow-Credentials", "true")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if methods != "" {
					h.Set("Access-Control-Allow-Methods", methods)
				}
				if headers != "" {
					h.Set("Access-Control-Allow-Headers", headers)
				}
				if options.MaxAge > 0 {
					h.Set("Access-Control-Max-Age", strconv.Itoa(int(options.MaxAge.Seconds())))
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			if exposed != "" {
				h.Set("Access-Control-Expose-Headers", exposed)
			}
			next.ServeHTTP(w, r)
		})
	}
}
