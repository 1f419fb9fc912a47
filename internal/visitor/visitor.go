// Package visitor classifies an inbound edge request: who is asking, from
// where, on what device, and whether the visit may be tracked.
package visitor

import (
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/mssola/useragent"

	"go2-edge/internal/domain"
	"go2-edge/pkg/validator"
)

// Geo headers set by the CDN in front of the edge.
const (
	HeaderCountry   = "CF-IPCountry"
	HeaderCity      = "CF-IPCity"
	HeaderRegion    = "CF-Region"
	HeaderLatitude  = "CF-IPLatitude"
	HeaderLongitude = "CF-IPLongitude"
	HeaderClientIP  = "CF-Connecting-IP"
	HeaderNoTrack   = "X-No-Track"
)

// UTM holds campaign parameters from the query string.
type UTM struct {
	Source   string
	Medium   string
	Campaign string
	Term     string
	Content  string
}

// Visitor is the classified request.
type Visitor struct {
	IP        string
	UserAgent string

	Country   string
	City      string
	Region    string
	Latitude  float64
	Longitude float64

	Device         string
	Browser        string
	BrowserVersion string
	Engine         string
	// OS is the normalized family used for targeting: ios, android,
	// windows, macos, linux, chromeos or other.
	OS        string
	OSName    string
	OSVersion string
	IsBot     bool

	Referrer      string
	RefererDomain string
	UTM           UTM
	Trigger       domain.Trigger
	NoTrack       bool
}

// Options tune classification.
type Options struct {
	// HonorDNT treats "DNT: 1" as an opt-out.
	HonorDNT bool
}

// FromRequest classifies r.
func FromRequest(r *http.Request, opts Options) Visitor {
	q := r.URL.Query()
	ua := r.UserAgent()

	v := Visitor{
		IP:        clientIP(r),
		UserAgent: ua,
		Country:   strings.ToUpper(strings.TrimSpace(r.Header.Get(HeaderCountry))),
		City:      r.Header.Get(HeaderCity),
		Region:    r.Header.Get(HeaderRegion),
		Latitude:  parseFloat(r.Header.Get(HeaderLatitude)),
		Longitude: parseFloat(r.Header.Get(HeaderLongitude)),
		Referrer:  r.Referer(),
		UTM: UTM{
			Source:   q.Get("utm_source"),
			Medium:   q.Get("utm_medium"),
			Campaign: q.Get("utm_campaign"),
			Term:     q.Get("utm_term"),
			Content:  q.Get("utm_content"),
		},
		Trigger: domain.TriggerLink,
	}
	// XX and T1 are the CDN's unknown and Tor markers.
	if v.Country == "XX" || v.Country == "T1" {
		v.Country = ""
	}
	v.RefererDomain = validator.Hostname(v.Referrer)

	if q.Get("qr") == "1" || strings.EqualFold(q.Get("via"), "qr") {
		v.Trigger = domain.TriggerQR
	}

	v.NoTrack = q.Get("notrack") == "1" ||
		r.Header.Get(HeaderNoTrack) == "1" ||
		(opts.HonorDNT && r.Header.Get("DNT") == "1")

	classifyAgent(&v, ua)
	return v
}

// Targeting returns the attributes targeting rules match on.
func (v Visitor) Targeting() domain.Request {
	return domain.Request{OS: v.OS, Country: v.Country, Device: v.Device}
}

func classifyAgent(v *Visitor, ua string) {
	if strings.TrimSpace(ua) == "" {
		v.IsBot = true
		v.Device = domain.DeviceDesktop
		v.OS = "other"
		return
	}

	parsed := useragent.New(ua)
	v.Browser, v.BrowserVersion = parsed.Browser()
	v.Engine, _ = parsed.Engine()
	info := parsed.OSInfo()
	v.OSName, v.OSVersion = info.Name, info.Version
	v.OS = osFamily(ua)
	v.Device = deviceClass(parsed, ua)
	v.IsBot = parsed.Bot() || IsBotAgent(ua)
}

func osFamily(ua string) string {
	switch {
	case strings.Contains(ua, "iPhone"), strings.Contains(ua, "iPad"), strings.Contains(ua, "iPod"):
		return domain.OSiOS
	case strings.Contains(ua, "Android"):
		return domain.OSAndroid
	case strings.Contains(ua, "CrOS"):
		return "chromeos"
	case strings.Contains(ua, "Windows"):
		return "windows"
	case strings.Contains(ua, "Macintosh"), strings.Contains(ua, "Mac OS X"):
		return "macos"
	case strings.Contains(ua, "Linux"):
		return "linux"
	default:
		return "other"
	}
}

func deviceClass(parsed *useragent.UserAgent, ua string) string {
	lower := strings.ToLower(ua)
	switch {
	case strings.Contains(lower, "ipad"), strings.Contains(lower, "tablet"),
		strings.Contains(lower, "android") && !strings.Contains(lower, "mobile"):
		return domain.DeviceTablet
	case parsed.Mobile(), strings.Contains(lower, "mobi"):
		return domain.DeviceMobile
	default:
		return domain.DeviceDesktop
	}
}

var botSignatures = []string{
	"bot", "crawl", "spider", "slurp", "curl/", "wget/", "python-requests",
	"python-urllib", "go-http-client", "okhttp", "java/", "httpclient",
	"headlesschrome", "phantomjs", "facebookexternalhit", "whatsapp",
	"preview", "lighthouse", "pingdom", "uptimerobot", "monitor",
}

// IsBotAgent matches ua against known automated client signatures.
func IsBotAgent(ua string) bool {
	lower := strings.ToLower(ua)
	for _, sig := range botSignatures {
		if strings.Contains(lower, sig) {
			return true
		}
	}
	return false
}

func clientIP(r *http.Request) string {
	if ip := strings.TrimSpace(r.Header.Get(HeaderClientIP)); ip != "" {
		return ip
	}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		return host
	}
	return r.RemoteAddr
}

func parseFloat(s string) float64 {
	f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return f
}
