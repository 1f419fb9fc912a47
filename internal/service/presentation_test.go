package service

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go2-edge/internal/domain"
)

func TestDecide(t *testing.T) {
	pixel := domain.TrackingPixel{Provider: "meta", PixelID: "123", Enabled: true}
	disabled := domain.TrackingPixel{Provider: "google", PixelID: "G-1", Enabled: false}

	tests := []struct {
		name string
		link domain.CachedLink
		want Mode
	}{
		{"plain", domain.CachedLink{}, ModeRedirect},
		{"cloak", domain.CachedLink{Rewrite: true}, ModeCloak},
		{"pixel", domain.CachedLink{EnablePixelTracking: true, TrackingPixels: []domain.TrackingPixel{pixel}}, ModePixel},
		{"pixel wins over cloak", domain.CachedLink{Rewrite: true, EnablePixelTracking: true, TrackingPixels: []domain.TrackingPixel{pixel}}, ModePixel},
		{"pixel tracking without enabled pixels", domain.CachedLink{EnablePixelTracking: true, TrackingPixels: []domain.TrackingPixel{disabled}}, ModeRedirect},
		{"pixels configured but tracking off", domain.CachedLink{Rewrite: true, TrackingPixels: []domain.TrackingPixel{pixel}}, ModeCloak},
	}

	p := NewPresentationDecorator(0)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.Decide(&tt.link))
		})
	}
}

func TestWrite_Redirect(t *testing.T) {
	p := NewPresentationDecorator(0)
	req := httptest.NewRequest(http.MethodGet, "/promo", nil)
	rec := httptest.NewRecorder()

	err := p.Write(rec, req, ModeRedirect, promoLink("go2.gg"), "https://apps.apple.com/x")
	require.NoError(t, err)

	assert.Equal(t, http.StatusMovedPermanently, rec.Code)
	assert.Equal(t, "https://apps.apple.com/x", rec.Header().Get("Location"))
	assert.Equal(t, "private, max-age=0", rec.Header().Get("Cache-Control"))
}

func TestWrite_PixelPage(t *testing.T) {
	link := promoLink("go2.gg")
	link.EnablePixelTracking = true
	link.TrackingPixels = []domain.TrackingPixel{
		{Provider: "meta", PixelID: "1234567890", Enabled: true},
		{Provider: "google", PixelID: "G-OFF", Enabled: false},
	}

	p := NewPresentationDecorator(2 * time.Second)
	rec := httptest.NewRecorder()
	err := p.Write(rec, httptest.NewRequest(http.MethodGet, "/promo", nil), ModePixel, link, "https://example.com/landing")
	require.NoError(t, err)

	body := rec.Body.String()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/html; charset=utf-8", rec.Header().Get("Content-Type"))
	assert.Equal(t, "noindex", rec.Header().Get("X-Robots-Tag"))
	assert.Equal(t, "private, max-age=0", rec.Header().Get("Cache-Control"))
	assert.Contains(t, body, "1234567890")
	assert.Contains(t, body, "fbevents.js")
	assert.NotContains(t, body, "G-OFF")
	assert.Contains(t, body, "2000")
	assert.Contains(t, body, "https://example.com/landing")
	assert.Contains(t, body, `http-equiv="refresh"`)
	assert.NotContains(t, body, `id="accept"`)
}

func TestWrite_PixelPageWithConsent(t *testing.T) {
	link := promoLink("go2.gg")
	link.EnablePixelTracking = true
	link.RequirePixelConsent = true
	link.TrackingPixels = []domain.TrackingPixel{{Provider: "tiktok", PixelID: "TT1", Enabled: true}}

	rec := httptest.NewRecorder()
	err := NewPresentationDecorator(0).Write(rec, httptest.NewRequest(http.MethodGet, "/promo", nil), ModePixel, link, "https://example.com")
	require.NoError(t, err)

	body := rec.Body.String()
	assert.Contains(t, body, `id="accept"`)
	assert.Contains(t, body, `id="decline"`)
	assert.NotContains(t, body, `http-equiv="refresh"`)
}

func TestWrite_CloakPage(t *testing.T) {
	link := promoLink("go2.gg")
	link.Rewrite = true
	link.OGTitle = "Spring <Sale>"
	link.OGDescription = "Everything must go"
	link.OGImage = "https://cdn.example.com/og.png"

	rec := httptest.NewRecorder()
	err := NewPresentationDecorator(0).Write(rec, httptest.NewRequest(http.MethodGet, "/promo", nil), ModeCloak, link, "https://example.com/sale")
	require.NoError(t, err)

	body := rec.Body.String()
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, body, "<iframe")
	assert.Contains(t, body, `src="https://example.com/sale"`)
	assert.Contains(t, body, "Spring &lt;Sale&gt;")
	assert.NotContains(t, body, "Spring <Sale>")
	assert.Contains(t, body, "https://cdn.example.com/og.png")
	assert.Contains(t, body, "https://go2.gg/promo")
}

func TestModeString(t *testing.T) {
	assert.Equal(t, "redirect", ModeRedirect.String())
	assert.Equal(t, "pixel", ModePixel.String())
	assert.Equal(t, "cloak", ModeCloak.String())
}
