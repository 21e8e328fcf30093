package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
}

func TestBearerAuth(t *testing.T) {
	t.Parallel()

	h := BearerAuth("s3cret")(okHandler())

	tests := []struct {
		name   string
		header string
		query  string
		want   int
		chal   string
	}{
		{"valid", "Bearer s3cret", "", http.StatusNoContent, ""},
		{"case insensitive scheme", "bearer s3cret", "", http.StatusNoContent, ""},
		{"missing", "", "", http.StatusUnauthorized, `Bearer realm="nethopper"`},
		{"wrong scheme", "Basic s3cret", "", http.StatusUnauthorized, `Bearer realm="nethopper"`},
		{"empty token", "Bearer ", "", http.StatusUnauthorized, `Bearer realm="nethopper"`},
		{"wrong token", "Bearer nope", "", http.StatusUnauthorized, `Bearer error="invalid_token"`},
		{"query token", "", "?access_token=s3cret", http.StatusNoContent, ""},
		{"wrong query token", "", "?access_token=nope", http.StatusUnauthorized, `Bearer error="invalid_token"`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/api/tasks"+tt.query, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			assert.Equal(t, tt.want, rec.Code)
			assert.Equal(t, tt.chal, rec.Header().Get("WWW-Authenticate"))
		})
	}
}

func TestSecurityHeaders(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	SecurityHeaders(okHandler()).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", rec.Header().Get("X-Frame-Options"))
	assert.Equal(t, "no-store", rec.Header().Get("Cache-Control"))
}
