package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCORSWithOptions(t *testing.T) {
	tests := []struct {
		options        *CORSOptions
		headers        map[string]string
		want           map[string]string
		name           string
		method         string
		expectedStatus int
	}{
		{
			name:    "no origin",
			method:  http.MethodPost,
			options: DefaultCORSOptions(),
			want: map[string]string{
				"Access-Control-Allow-Origin": "",
				"Vary":                        "",
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:    "default options",
			method:  http.MethodPost,
			headers: map[string]string{"Origin": "https://app.example.com"},
			options: DefaultCORSOptions(),
			want: map[string]string{
				"Access-Control-Allow-Origin":      "*",
				"Access-Control-Expose-Headers":    "X-Request-Id",
				"Access-Control-Allow-Methods":     "",
				"Access-Control-Allow-Credentials": "",
				"Vary":                             "Origin",
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:    "listed origin with credentials",
			method:  http.MethodGet,
			headers: map[string]string{"Origin": "https://panel.home.arpa"},
			options: &CORSOptions{
				AllowedOrigins:   []string{"https://panel.home.arpa"},
				AllowCredentials: true,
			},
			want: map[string]string{
				"Access-Control-Allow-Origin":      "https://panel.home.arpa",
				"Access-Control-Allow-Credentials": "true",
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:    "wildcard with credentials echoes origin",
			method:  http.MethodGet,
			headers: map[string]string{"Origin": "https://other.example"},
			options: &CORSOptions{AllowedOrigins: []string{"*"}, AllowCredentials: true},
			want: map[string]string{
				"Access-Control-Allow-Origin": "https://other.example",
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:    "origin not allowed",
			method:  http.MethodGet,
			headers: map[string]string{"Origin": "https://evil.example"},
			options: &CORSOptions{AllowedOrigins: []string{"https://panel.home.arpa"}},
			want: map[string]string{
				"Access-Control-Allow-Origin": "",
				"Vary":                        "Origin",
			},
			expectedStatus: http.StatusOK,
		},
		{
			name:   "preflight",
			method: http.MethodOptions,
			headers: map[string]string{
				"Origin":                        "https://app.example.com",
				"Access-Control-Request-Method": http.MethodPost,
			},
			options: DefaultCORSOptions(),
			want: map[string]string{
				"Access-Control-Allow-Origin":  "*",
				"Access-Control-Allow-Methods": "GET, POST, OPTIONS",
				"Access-Control-Allow-Headers": "Content-Type, Authorization, Accept, X-Request-Id",
				"Access-Control-Max-Age":       "600",
			},
			expectedStatus: http.StatusNoContent,
		},
		{
			name:    "plain OPTIONS reaches the handler",
			method:  http.MethodOptions,
			headers: map[string]string{"Origin": "https://app.example.com"},
			options: &CORSOptions{AllowedOrigins: []string{"*"}, MaxAge: time.Minute},
			want: map[string]string{
				"Access-Control-Allow-Origin": "*",
				"Access-Control-Max-Age":      "",
			},
			expectedStatus: http.StatusOK,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(tt.method, "http://gateway.local/devices/x/actions/1", nil)
			for k, v := range tt.headers {
				req.Header.Set(k, v)
			}
			rr := httptest.NewRecorder()

			handler := CORSWithOptions(tt.options)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
			}))
			handler.ServeHTTP(rr, req)

			for header, want := range tt.want {
				assert.Equal(t, want, rr.Header().Get(header), header)
			}
			assert.Equal(t, tt.expectedStatus, rr.Code)
		})
	}
}

func TestCORSWithNilOptions(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Origin", "https://app.example.com")
	rr := httptest.NewRecorder()

	CORSWithOptions(nil)(http.NotFoundHandler()).ServeHTTP(rr, req)
	assert.Equal(t, "*", rr.Header().Get("Access-Control-Allow-Origin"))
}
