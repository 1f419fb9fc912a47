package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"go2-edge/internal/domain"
	"go2-edge/internal/kv"
	"go2-edge/internal/service"
	"go2-edge/pkg/logger"
)

// ==================== MOCKS ====================

// MockClickRecorder is a mock implementation of ClickRecorder
type MockClickRecorder struct {
	mock.Mock
}

func (m *MockClickRecorder) Record(ctx context.Context, c service.Click) error {
	args := m.Called(ctx, c)
	return args.Error(0)
}

// inlineRunner runs tasks synchronously and keeps their errors.
type inlineRunner struct {
	names []string
	errs  []error
}

func (r *inlineRunner) Go(ctx context.Context, name string, fn func(ctx context.Context) error) {
	r.names = append(r.names, name)
	if err := fn(context.WithoutCancel(ctx)); err != nil {
		r.errs = append(r.errs, err)
	}
}

// ==================== HELPER FUNCTIONS ====================

var testNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	store    *kv.Memory
	recorder *MockClickRecorder
	tasks    *inlineRunner
	router   http.Handler
}

func setupTestRouter(t *testing.T, opts ...func(*Deps, *RouterConfig)) *fixture {
	t.Helper()
	f := &fixture{
		store:    kv.NewMemory(),
		recorder: new(MockClickRecorder),
		tasks:    &inlineRunner{},
	}
	deps := Deps{
		Resolver:   service.NewEdgeResolver(service.NewLinkCache(f.store), service.FallbackPolicy{}, logger.Nop()),
		Presenter:  service.NewPresentationDecorator(0),
		Recorder:   f.recorder,
		Tasks:      f.tasks,
		VerifyPath: "/api/v1/public/links/verify",
		Now:        func() time.Time { return testNow },
	}
	cfg := RouterConfig{Logger: logger.Nop()}
	for _, o := range opts {
		o(&deps, &cfg)
	}
	f.router = NewRouter(NewHandler(deps), cfg)
	return f
}

func (f *fixture) publish(t *testing.T, link *domain.CachedLink) {
	t.Helper()
	require.NoError(t, service.NewLinkCache(f.store).Publish(context.Background(), link))
}

func (f *fixture) get(path string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.Host = "go2.gg"
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	f.router.ServeHTTP(rr, req)
	return rr
}

func promo() *domain.CachedLink {
	return &domain.CachedLink{
		ID:             "lnk_promo",
		DestinationURL: "https://example.com",
		Domain:         "go2.gg",
		Slug:           "promo",
		IOSURL:         "https://apps.apple.com/x",
		GeoTargets:     map[string]string{"US": "https://us.example.com"},
		TrackAnalytics: true,
	}
}

const (
	iPhoneUA  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1"
	desktopUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
)

// ==================== REDIRECT TESTS ====================

func TestRedirect_Success(t *testing.T) {
	f := setupTestRouter(t)
	f.publish(t, promo())
	f.recorder.On("Record", mock.Anything, mock.MatchedBy(func(c service.Click) bool {
		return c.Link.ID == "lnk_promo" && c.Destination == "https://us.example.com" && c.At.Equal(testNow)
	})).Return(nil).Once()

	rr := f.get("/promo", map[string]string{"User-Agent": desktopUA, "CF-IPCountry": "us"})

	assert.Equal(t, http.StatusMovedPermanently, rr.Code)
	assert.Equal(t, "https://us.example.com", rr.Header().Get("Location"))
	assert.Equal(t, "private, max-age=0", rr.Header().Get("Cache-Control"))
	assert.NotEmpty(t, rr.Header().Get("X-Request-ID"))
	assert.Equal(t, []string{"record_click"}, f.tasks.names)
	f.recorder.AssertExpectations(t)
}

func TestRedirect_IOSBeatsGeo(t *testing.T) {
	f := setupTestRouter(t)
	f.publish(t, promo())
	f.recorder.On("Record", mock.Anything, mock.Anything).Return(nil)

	rr := f.get("/promo", map[string]string{"User-Agent": iPhoneUA, "CF-IPCountry": "US"})

	assert.Equal(t, http.StatusMovedPermanently, rr.Code)
	assert.Equal(t, "https://apps.apple.com/x", rr.Header().Get("Location"))
}

func TestRedirect_RecordingFailureDoesNotChangeResponse(t *testing.T) {
	f := setupTestRouter(t)
	f.publish(t, promo())
	f.recorder.On("Record", mock.Anything, mock.Anything).Return(errors.New("analytics down"))

	rr := f.get("/promo", map[string]string{"User-Agent": desktopUA})

	assert.Equal(t, http.StatusMovedPermanently, rr.Code)
	assert.Equal(t, "https://example.com", rr.Header().Get("Location"))
	require.Len(t, f.tasks.errs, 1)
}

func TestRedirect_Expired(t *testing.T) {
	f := setupTestRouter(t)
	link := promo()
	expired := testNow.Add(-time.Minute)
	link.ExpiresAt = &expired
	f.publish(t, link)

	rr := f.get("/promo", nil)

	assert.Equal(t, http.StatusGone, rr.Code)
	assert.Empty(t, rr.Header().Get("Location"))
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "LINK_EXPIRED", body.Code)
	assert.Empty(t, f.tasks.names)
	f.recorder.AssertNotCalled(t, "Record", mock.Anything, mock.Anything)
}

func TestRedirect_PasswordProtected(t *testing.T) {
	f := setupTestRouter(t)
	link := promo()
	link.PasswordHash = "$2a$10$abcdefghijklmnopqrstuv"
	f.publish(t, link)

	rr := f.get("/promo", nil)

	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	var body ProtectedResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.True(t, body.Protected)
	assert.Equal(t, "Password required", body.Error)

	verify, err := url.Parse(body.VerifyURL)
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/public/links/verify", verify.Path)
	assert.Equal(t, "promo", verify.Query().Get("slug"))
	assert.Equal(t, "go2.gg", verify.Query().Get("domain"))
	assert.Empty(t, f.tasks.names)
}

func TestRedirect_NotFoundDelegates(t *testing.T) {
	var delegated bool
	f := setupTestRouter(t, func(d *Deps, _ *RouterConfig) {
		d.NotFound = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			delegated = true
			w.WriteHeader(http.StatusTeapot)
		})
	})

	rr := f.get("/missing", nil)

	assert.True(t, delegated)
	assert.Equal(t, http.StatusTeapot, rr.Code)
	assert.Empty(t, f.tasks.names)
}

func TestRedirect_DefaultNotFound(t *testing.T) {
	f := setupTestRouter(t)

	rr := f.get("/missing", nil)

	assert.Equal(t, http.StatusNotFound, rr.Code)
	var body ErrorResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "LINK_NOT_FOUND", body.Code)

	rr = f.get("/a/b/c", nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestRedirect_PixelInterstitial(t *testing.T) {
	f := setupTestRouter(t)
	link := promo()
	link.EnablePixelTracking = true
	link.Rewrite = true
	link.TrackingPixels = []domain.TrackingPixel{{Provider: "meta", PixelID: "123456", Enabled: true}}
	f.publish(t, link)
	f.recorder.On("Record", mock.Anything, mock.Anything).Return(nil)

	rr := f.get("/promo", map[string]string{"User-Agent": desktopUA})

	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Header().Get("Content-Type"), "text/html")
	assert.Contains(t, rr.Body.String(), "123456")
	assert.NotContains(t, rr.Body.String(), "<iframe")
	assert.Len(t, f.tasks.names, 1)
}

// ==================== OTHER ROUTES ====================

func TestHealthCheck(t *testing.T) {
	f := setupTestRouter(t)

	rr := f.get("/health/live", nil)

	assert.Equal(t, http.StatusOK, rr.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, "2026-06-01T12:00:00Z", body["time"])
}

func TestReadinessCheck(t *testing.T) {
	up := func(context.Context) error { return nil }

	ready := setupTestRouter(t, func(d *Deps, _ *RouterConfig) {
		d.Readiness = map[string]ReadinessCheck{"redis": up, "nats": up}
	})
	rr := ready.get("/health/ready", nil)
	assert.Equal(t, http.StatusOK, rr.Code)

	var body struct {
		Status string            `json:"status"`
		Checks map[string]string `json:"checks"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ready", body.Status)
	assert.Equal(t, map[string]string{"redis": "ok", "nats": "ok"}, body.Checks)

	down := setupTestRouter(t, func(d *Deps, _ *RouterConfig) {
		d.Readiness = map[string]ReadinessCheck{
			"redis": up,
			"nats":  func(context.Context) error { return errors.New("nats not connected") },
		}
	})
	rr = down.get("/health/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "unavailable", body.Status)
	assert.Equal(t, "nats not connected", body.Checks["nats"])
	assert.Equal(t, "ok", body.Checks["redis"])

	// No checks configured still answers ready.
	assert.Equal(t, http.StatusOK, setupTestRouter(t).get("/health/ready", nil).Code)
}

func TestMetricsRoute(t *testing.T) {
	off := setupTestRouter(t)
	assert.Equal(t, http.StatusNotFound, off.get("/metrics", nil).Code)

	on := setupTestRouter(t, func(_ *Deps, c *RouterConfig) { c.EnableMetrics = true })
	rr := on.get("/metrics", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "http_requests_in_flight")
}

func TestHome(t *testing.T) {
	f := setupTestRouter(t, func(_ *Deps, c *RouterConfig) { c.HomeURL = "https://go2.gg/app" })
	rr := f.get("/", nil)
	assert.Equal(t, http.StatusFound, rr.Code)
	assert.Equal(t, "https://go2.gg/app", rr.Header().Get("Location"))

	bare := setupTestRouter(t)
	assert.Equal(t, http.StatusNotFound, bare.get("/", nil).Code)
}
