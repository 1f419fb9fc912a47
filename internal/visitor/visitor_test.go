package visitor

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"

	"go2-edge/internal/domain"
)

const (
	iPhoneUA  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1"
	iPadUA    = "Mozilla/5.0 (iPad; CPU OS 17_4 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.4 Mobile/15E148 Safari/604.1"
	androidUA = "Mozilla/5.0 (Linux; Android 14; Pixel 8) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Mobile Safari/537.36"
	desktopUA = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36"
	googleUA  = "Mozilla/5.0 (compatible; Googlebot/2.1; +http://www.google.com/bot.html)"
)

func TestFromRequestDevice(t *testing.T) {
	tests := []struct {
		name   string
		ua     string
		os     string
		device string
		bot    bool
	}{
		{"iphone", iPhoneUA, domain.OSiOS, domain.DeviceMobile, false},
		{"ipad", iPadUA, domain.OSiOS, domain.DeviceTablet, false},
		{"android phone", androidUA, domain.OSAndroid, domain.DeviceMobile, false},
		{"windows desktop", desktopUA, "windows", domain.DeviceDesktop, false},
		{"googlebot", googleUA, "other", domain.DeviceDesktop, true},
		{"curl", "curl/8.5.0", "other", domain.DeviceDesktop, true},
		{"empty agent", "", "other", domain.DeviceDesktop, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("GET", "/promo", nil)
			req.Header.Set("User-Agent", tt.ua)

			v := FromRequest(req, Options{})
			assert.Equal(t, tt.os, v.OS)
			assert.Equal(t, tt.device, v.Device)
			assert.Equal(t, tt.bot, v.IsBot)
		})
	}
}

func TestFromRequestGeoAndReferrer(t *testing.T) {
	req := httptest.NewRequest("GET", "/promo?utm_source=newsletter&utm_campaign=spring", nil)
	req.Header.Set("User-Agent", desktopUA)
	req.Header.Set(HeaderCountry, "us")
	req.Header.Set(HeaderCity, "Austin")
	req.Header.Set(HeaderRegion, "TX")
	req.Header.Set(HeaderLatitude, "30.27")
	req.Header.Set(HeaderLongitude, "-97.74")
	req.Header.Set("Referer", "https://www.twitter.com/some/post")
	req.RemoteAddr = "203.0.113.9:51234"

	v := FromRequest(req, Options{})

	assert.Equal(t, "203.0.113.9", v.IP)
	assert.Equal(t, "US", v.Country)
	assert.Equal(t, "Austin", v.City)
	assert.Equal(t, "TX", v.Region)
	assert.InDelta(t, 30.27, v.Latitude, 0.0001)
	assert.InDelta(t, -97.74, v.Longitude, 0.0001)
	assert.Equal(t, "twitter.com", v.RefererDomain)
	assert.Equal(t, "newsletter", v.UTM.Source)
	assert.Equal(t, "spring", v.UTM.Campaign)
	assert.Equal(t, domain.TriggerLink, v.Trigger)
	assert.False(t, v.NoTrack)
}

func TestFromRequestUnknownCountry(t *testing.T) {
	req := httptest.NewRequest("GET", "/promo", nil)
	req.Header.Set(HeaderCountry, "XX")
	assert.Empty(t, FromRequest(req, Options{}).Country)
}

func TestFromRequestPrefersCDNClientIP(t *testing.T) {
	req := httptest.NewRequest("GET", "/promo", nil)
	req.Header.Set(HeaderClientIP, "198.51.100.7")
	assert.Equal(t, "198.51.100.7", FromRequest(req, Options{}).IP)
}

func TestFromRequestTrigger(t *testing.T) {
	for _, target := range []string{"/promo?qr=1", "/promo?via=qr", "/promo?via=QR"} {
		req := httptest.NewRequest("GET", target, nil)
		assert.Equal(t, domain.TriggerQR, FromRequest(req, Options{}).Trigger, target)
	}
}

func TestFromRequestNoTrack(t *testing.T) {
	req := httptest.NewRequest("GET", "/promo?notrack=1", nil)
	assert.True(t, FromRequest(req, Options{}).NoTrack)

	req = httptest.NewRequest("GET", "/promo", nil)
	req.Header.Set(HeaderNoTrack, "1")
	assert.True(t, FromRequest(req, Options{}).NoTrack)

	req = httptest.NewRequest("GET", "/promo", nil)
	req.Header.Set("DNT", "1")
	assert.False(t, FromRequest(req, Options{}).NoTrack)
	assert.True(t, FromRequest(req, Options{HonorDNT: true}).NoTrack)
}
