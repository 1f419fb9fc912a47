package http

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"go2-edge/internal/domain"
	"go2-edge/internal/metrics"
	"go2-edge/internal/service"
	"go2-edge/internal/visitor"
	"go2-edge/pkg/logger"
)

// LinkResolver finds the link for a host and slug.
type LinkResolver interface {
	Resolve(ctx context.Context, host, slug string, now time.Time) (*domain.CachedLink, error)
}

// Presenter chooses and writes the visitor-facing response.
type Presenter interface {
	Decide(link *domain.CachedLink) service.Mode
	Write(w http.ResponseWriter, r *http.Request, mode service.Mode, link *domain.CachedLink, destination string) error
}

// ClickRecorder persists a click.
type ClickRecorder interface {
	Record(ctx context.Context, c service.Click) error
}

// TaskRunner runs work detached from the request.
type TaskRunner interface {
	Go(ctx context.Context, name string, fn func(ctx context.Context) error)
}

// ReadinessCheck reports whether a dependency can serve traffic.
type ReadinessCheck func(ctx context.Context) error

// Deps are the collaborators of Handler. NotFound defaults to a JSON 404.
type Deps struct {
	Resolver   LinkResolver
	Presenter  Presenter
	Recorder   ClickRecorder
	Tasks      TaskRunner
	NotFound   http.Handler
	Visitor    visitor.Options
	VerifyPath string
	Now        func() time.Time
	// Readiness is keyed by dependency name.
	Readiness map[string]ReadinessCheck
}

// Handler serves the public edge.
type Handler struct {
	resolver     LinkResolver
	destinations service.DestinationResolver
	presenter    Presenter
	recorder     ClickRecorder
	tasks        TaskRunner
	notFound     http.Handler
	visitorOpts  visitor.Options
	verifyPath   string
	readiness    map[string]ReadinessCheck
	now          func() time.Time
}

// NewHandler creates a new HTTP handler
func NewHandler(d Deps) *Handler {
	h := &Handler{
		resolver:    d.Resolver,
		presenter:   d.Presenter,
		recorder:    d.Recorder,
		tasks:       d.Tasks,
		notFound:    d.NotFound,
		visitorOpts: d.Visitor,
		verifyPath:  d.VerifyPath,
		readiness:   d.Readiness,
		now:         d.Now,
	}
	if h.notFound == nil {
		h.notFound = http.HandlerFunc(linkNotFound)
	}
	if h.now == nil {
		h.now = time.Now
	}
	return h
}

func linkNotFound(w http.ResponseWriter, _ *http.Request) {
	respondError(w, http.StatusNotFound, "Link not found", "LINK_NOT_FOUND")
}

// Redirect handles GET /{slug}. The response never waits on click
// recording.
func (h *Handler) Redirect(w http.ResponseWriter, r *http.Request) {
	slug := chi.URLParam(r, "slug")
	now := h.now()
	log := logger.Ctx(r.Context())

	link, err := h.resolver.Resolve(r.Context(), r.Host, slug, now)
	switch {
	case errors.Is(err, domain.ErrLinkExpired):
		metrics.RecordEdgeResponse("expired")
		respondError(w, http.StatusGone, "This link has expired", "LINK_EXPIRED")
		return
	case errors.Is(err, domain.ErrPasswordRequired):
		metrics.RecordEdgeResponse("protected")
		respondJSON(w, http.StatusUnauthorized, ProtectedResponse{
			Error:     "Password required",
			Protected: true,
			VerifyURL: h.verifyURL(link),
		})
		return
	case err != nil:
		metrics.RecordEdgeResponse("not_found")
		h.notFound.ServeHTTP(w, r)
		return
	}

	v := visitor.FromRequest(r, h.visitorOpts)
	destination, kind := h.destinations.Resolve(link, v.Targeting())
	mode := h.presenter.Decide(link)

	if err := h.presenter.Write(w, r, mode, link, destination); err != nil {
		log.Warn().Err(err).Str("slug", link.Slug).Str("mode", mode.String()).Msg("write edge response")
	}
	metrics.RecordEdgeResponse(mode.String())

	click := service.Click{
		Link:        link,
		Visitor:     v,
		Destination: destination,
		Variant:     kind.String(),
		At:          now,
	}
	h.tasks.Go(r.Context(), "record_click", func(ctx context.Context) error {
		return h.recorder.Record(ctx, click)
	})
}

func (h *Handler) verifyURL(link *domain.CachedLink) string {
	q := url.Values{}
	q.Set("domain", link.Domain)
	q.Set("slug", link.Slug)
	return strings.TrimRight(h.verifyPath, "?") + "?" + q.Encode()
}

// HealthCheck handles GET /health/live
func (h *Handler) HealthCheck(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   h.now().UTC().Format(time.RFC3339),
	})
}

const readinessTimeout = 2 * time.Second

// ReadyCheck handles GET /health/ready. Any failing dependency answers
// 503 so the instance is taken out of rotation.
func (h *Handler) ReadyCheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	status, code := "ready", http.StatusOK
	checks := make(map[string]string, len(h.readiness))
	for name, check := range h.readiness {
		if err := check(ctx); err != nil {
			checks[name] = err.Error()
			status, code = "unavailable", http.StatusServiceUnavailable
			logger.Ctx(r.Context()).Warn().Err(err).Str("dependency", name).Msg("readiness check failed")
			continue
		}
		checks[name] = "ok"
	}
	respondJSON(w, code, map[string]any{
		"status": status,
		"checks": checks,
		"time":   h.now().UTC().Format(time.RFC3339),
	})
}
