package http

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go2-edge/pkg/logger"
)

type fakeLimiter struct {
	allowed bool
	err     error
	keys    []string
}

func (l *fakeLimiter) Allow(_ context.Context, key string) (bool, int, time.Time, error) {
	l.keys = append(l.keys, key)
	if l.err != nil {
		return false, 0, time.Time{}, l.err
	}
	if l.allowed {
		return true, 9, time.Now().Add(time.Minute), nil
	}
	return false, 0, time.Now().Add(30 * time.Second), nil
}

func (l *fakeLimiter) MaxRequests() int { return 10 }

func okHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusNoContent)
}

func TestRateLimitMiddleware(t *testing.T) {
	tests := []struct {
		name       string
		limiter    *fakeLimiter
		wantStatus int
		wantLimit  string
	}{
		{"allowed", &fakeLimiter{allowed: true}, http.StatusNoContent, "10"},
		{"limited", &fakeLimiter{}, http.StatusTooManyRequests, "10"},
		{"limiter down fails open", &fakeLimiter{err: errors.New("redis down")}, http.StatusNoContent, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := RateLimitMiddleware(tt.limiter)(http.HandlerFunc(okHandler))
			req := httptest.NewRequest(http.MethodGet, "/promo", nil)
			req.RemoteAddr = "203.0.113.7:51234"
			rr := httptest.NewRecorder()

			h.ServeHTTP(rr, req)

			assert.Equal(t, tt.wantStatus, rr.Code)
			assert.Equal(t, tt.wantLimit, rr.Header().Get("X-RateLimit-Limit"))
			assert.Equal(t, []string{"203.0.113.7"}, tt.limiter.keys)
			if tt.wantStatus == http.StatusTooManyRequests {
				assert.NotEmpty(t, rr.Header().Get("Retry-After"))
			}
		})
	}
}

func TestRateLimitUsesForwardedClientIP(t *testing.T) {
	limiter := &fakeLimiter{allowed: true}
	f := setupTestRouter(t, func(_ *Deps, c *RouterConfig) { c.Limiter = limiter })

	rr := f.get("/health/live", map[string]string{"X-Forwarded-For": "198.51.100.4"})
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Empty(t, limiter.keys, "only the redirect route is limited")

	f.get("/missing", map[string]string{"X-Forwarded-For": "198.51.100.4, 10.0.0.1"})
	assert.Equal(t, []string{"198.51.100.4"}, limiter.keys)
}

func TestRequestIDMiddleware(t *testing.T) {
	var buf bytes.Buffer
	base := zerolog.New(&buf)

	var seen string
	h := RequestIDMiddleware(base)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger.Ctx(r.Context()).Info().Msg("inside")
		seen = w.Header().Get("X-Request-ID")
	}))

	incoming := "7d444840-9dc0-11d1-b245-5ffdce74fad2"
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", incoming)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	assert.Equal(t, incoming, rr.Header().Get("X-Request-ID"))
	assert.Equal(t, incoming, seen)
	assert.Contains(t, buf.String(), `"request_id":"`+incoming+`"`)

	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("X-Request-ID", "not-a-uuid\nInjected")
	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	assert.NotEqual(t, "not-a-uuid\nInjected", rr.Header().Get("X-Request-ID"))
	assert.Len(t, rr.Header().Get("X-Request-ID"), 36)
}

func TestRecoveryMiddleware(t *testing.T) {
	r := chi.NewRouter()
	r.Use(RequestIDMiddleware(logger.Nop()))
	r.Use(RecoveryMiddleware)
	r.Get("/boom", func(http.ResponseWriter, *http.Request) { panic("boom") })

	rr := httptest.NewRecorder()
	require.NotPanics(t, func() {
		r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/boom", nil))
	})
	assert.Equal(t, http.StatusInternalServerError, rr.Code)
	assert.Contains(t, rr.Body.String(), "INTERNAL")
}

func TestMetricsMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	var pattern string
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			next.ServeHTTP(w, req)
			pattern = routePattern(req)
		})
	})
	r.Use(MetricsMiddleware)
	r.Get("/{slug}", okHandler)

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/promo", nil))

	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Equal(t, "/{slug}", pattern)
}

func TestResponseWriterKeepsFirstStatus(t *testing.T) {
	rr := httptest.NewRecorder()
	w := wrap(rr)
	_, _ = w.Write([]byte("ok"))
	w.WriteHeader(http.StatusTeapot)
	assert.Equal(t, http.StatusOK, w.statusCode)
	assert.Same(t, w, wrap(w))
}
