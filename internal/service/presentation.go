package service

import (
	"bytes"
	"embed"
	"fmt"
	"html/template"
	"net/http"
	"time"

	"go2-edge/internal/domain"
)

//go:embed templates/*.html
var templateFS embed.FS

var pages = template.Must(template.ParseFS(templateFS, "templates/*.html"))

// Mode is the shape of an edge response.
type Mode int

const (
	ModeRedirect Mode = iota
	ModePixel
	ModeCloak
)

func (m Mode) String() string {
	switch m {
	case ModePixel:
		return "pixel"
	case ModeCloak:
		return "cloak"
	default:
		return "redirect"
	}
}

// DefaultRedirectDelay is how long the pixel page waits before navigating.
const DefaultRedirectDelay = 1500 * time.Millisecond

// PresentationDecorator chooses and writes the response for a resolved link.
type PresentationDecorator struct {
	delay time.Duration
}

// NewPresentationDecorator creates a decorator whose pixel page navigates
// after delay.
func NewPresentationDecorator(delay time.Duration) *PresentationDecorator {
	if delay <= 0 {
		delay = DefaultRedirectDelay
	}
	return &PresentationDecorator{delay: delay}
}

// Decide picks exactly one mode. Pixel tracking wins over cloaking when a
// link configures both.
func (p *PresentationDecorator) Decide(link *domain.CachedLink) Mode {
	if link.EnablePixelTracking && len(link.EnabledPixels()) > 0 {
		return ModePixel
	}
	if link.Rewrite {
		return ModeCloak
	}
	return ModeRedirect
}

type pixelPage struct {
	Destination    string
	DelayMs        int64
	RequireConsent bool
	Pixels         []domain.TrackingPixel
}

type cloakPage struct {
	Destination string
	ShortURL    string
	Title       string
	Description string
	Image       string
}

// Write renders mode for link to w. Templates render into a buffer first so
// a template error never leaves a half-written response.
func (p *PresentationDecorator) Write(w http.ResponseWriter, r *http.Request, mode Mode, link *domain.CachedLink, destination string) error {
	h := w.Header()
	h.Set("Cache-Control", "private, max-age=0")

	var (
		name string
		data any
	)
	switch mode {
	case ModePixel:
		name = "pixel.html"
		data = pixelPage{
			Destination:    destination,
			DelayMs:        p.delay.Milliseconds(),
			RequireConsent: link.RequirePixelConsent,
			Pixels:         link.EnabledPixels(),
		}
	case ModeCloak:
		title := link.OGTitle
		if title == "" {
			title = link.Domain + "/" + link.Slug
		}
		name = "cloak.html"
		data = cloakPage{
			Destination: destination,
			ShortURL:    "https://" + link.Domain + "/" + link.Slug,
			Title:       title,
			Description: link.OGDescription,
			Image:       link.OGImage,
		}
	default:
		http.Redirect(w, r, destination, http.StatusMovedPermanently)
		return nil
	}

	var buf bytes.Buffer
	if err := pages.ExecuteTemplate(&buf, name, data); err != nil {
		// Fall back to a plain redirect; the visitor still gets through.
		http.Redirect(w, r, destination, http.StatusMovedPermanently)
		return fmt.Errorf("render %s: %w", name, err)
	}

	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("X-Robots-Tag", "noindex")
	h.Set("Referrer-Policy", "strict-origin-when-cross-origin")
	w.WriteHeader(http.StatusOK)
	_, err := w.Write(buf.Bytes())
	return err
}
