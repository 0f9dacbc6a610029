package middleware

import (
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/edgeflare/devcall/pkg/httputil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func basic(userpass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(userpass))
}

func TestVerifyBasicAuth(t *testing.T) {
	creds := BasicAuthCreds(map[string]string{"ops": "s3cret", "panel": "p4nel"})

	tests := []struct {
		name       string
		authHeader string
		wantStatus int
		wantMsg    string
		wantUser   string
	}{
		{name: "missing header", wantStatus: http.StatusUnauthorized, wantMsg: "authorization required"},
		{name: "bearer token", authHeader: "Bearer abc", wantStatus: http.StatusUnauthorized, wantMsg: "malformed basic credentials"},
		{name: "bad base64", authHeader: "Basic !!!", wantStatus: http.StatusUnauthorized, wantMsg: "malformed basic credentials"},
		{name: "no colon", authHeader: basic("opss3cret"), wantStatus: http.StatusUnauthorized, wantMsg: "malformed basic credentials"},
		{name: "wrong password", authHeader: basic("ops:nope"), wantStatus: http.StatusUnauthorized, wantMsg: "invalid credentials"},
		{name: "unknown user", authHeader: basic("guest:s3cret"), wantStatus: http.StatusUnauthorized, wantMsg: "invalid credentials"},
		{name: "valid", authHeader: basic("ops:s3cret"), wantStatus: http.StatusOK, wantUser: "ops"},
		{name: "second user", authHeader: basic("panel:p4nel"), wantStatus: http.StatusOK, wantUser: "panel"},
		{name: "lowercase scheme", authHeader: "basic " + base64.StdEncoding.EncodeToString([]byte("ops:s3cret")), wantStatus: http.StatusOK, wantUser: "ops"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/devices/lamp-1/actions/1", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rr := httptest.NewRecorder()

			var gotUser string
			handler := VerifyBasicAuth(creds)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				gotUser, _ = httputil.BasicAuthUser(r)
				w.WriteHeader(http.StatusOK)
			}))
			handler.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Equal(t, tt.wantUser, gotUser)
			if tt.wantStatus != http.StatusUnauthorized {
				return
			}
			assert.Contains(t, rr.Header().Get("WWW-Authenticate"), `realm="devcall"`)
			var body httputil.ErrorResponse
			require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
			assert.Equal(t, tt.wantMsg, body.Message)
		})
	}
}
