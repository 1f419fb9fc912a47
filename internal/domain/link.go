package domain

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	playground "github.com/go-playground/validator/v10"

	"go2-edge/pkg/validator"
)

// Domain errors - callers compare with errors.Is.
var (
	ErrLinkNotFound      = errors.New("link not found")
	ErrLinkExpired       = errors.New("link has expired")
	ErrPasswordRequired  = errors.New("password required")
	ErrInvalidLink       = errors.New("invalid link")
	ErrInvalidTargeting  = errors.New("invalid targeting rule")
	ErrSubscriptionState = errors.New("subscription is not in the expected state")
)

// Device classes used by device targeting.
const (
	DeviceDesktop = "desktop"
	DeviceMobile  = "mobile"
	DeviceTablet  = "tablet"
)

// Operating systems with deep-link overrides.
const (
	OSiOS     = "ios"
	OSAndroid = "android"
)

// TrackingPixel is a third-party conversion pixel fired by the interstitial page.
type TrackingPixel struct {
	Provider string `json:"provider" validate:"oneof=meta google tiktok linkedin twitter"`
	PixelID  string `json:"pixelId" validate:"required,max=64"`
	Enabled  bool   `json:"enabled"`
}

// CachedLink is the edge read model stored under domain:slug. Its JSON form
// is flat camelCase and is written by the management API.
type CachedLink struct {
	ID             string `json:"id" validate:"required"`
	OrganizationID string `json:"organizationId,omitempty"`
	DestinationURL string `json:"destinationUrl" validate:"required,httpurl"`
	Domain         string `json:"domain" validate:"required"`
	Slug           string `json:"slug" validate:"required,max=100"`

	GeoTargets    map[string]string `json:"geoTargets,omitempty" validate:"omitempty,dive,keys,len=2,alpha,endkeys,httpurl"`
	DeviceTargets map[string]string `json:"deviceTargets,omitempty" validate:"omitempty,dive,keys,oneof=desktop mobile tablet,endkeys,httpurl"`
	IOSURL        string            `json:"iosUrl,omitempty" validate:"omitempty,httpurl"`
	AndroidURL    string            `json:"androidUrl,omitempty" validate:"omitempty,httpurl"`

	PasswordHash string     `json:"passwordHash,omitempty"`
	ExpiresAt    *time.Time `json:"expiresAt,omitempty"`
	ClickLimit   *int64     `json:"clickLimit,omitempty" validate:"omitempty,gte=1"`

	TrackingPixels      []TrackingPixel `json:"trackingPixels,omitempty" validate:"omitempty,max=10,dive"`
	EnablePixelTracking bool            `json:"enablePixelTracking"`
	RequirePixelConsent bool            `json:"requirePixelConsent"`

	Rewrite       bool   `json:"rewrite"`
	OGTitle       string `json:"ogTitle,omitempty" validate:"max=300"`
	OGDescription string `json:"ogDescription,omitempty" validate:"max=1000"`
	OGImage       string `json:"ogImage,omitempty" validate:"omitempty,httpurl"`

	TrackAnalytics    bool `json:"trackAnalytics"`
	PublicStats       bool `json:"publicStats"`
	SkipDeduplication bool `json:"skipDeduplication"`

	// Targeting is compiled from the maps above; never serialized.
	Targeting Targeting `json:"-"`
}

// Expired reports whether the link expired strictly before now.
func (l *CachedLink) Expired(now time.Time) bool {
	return l.ExpiresAt != nil && l.ExpiresAt.Before(now)
}

// Protected reports whether a password must be verified before redirecting.
func (l *CachedLink) Protected() bool {
	return l.PasswordHash != ""
}

// EnabledPixels returns the pixels that should fire.
func (l *CachedLink) EnabledPixels() []TrackingPixel {
	var out []TrackingPixel
	for _, p := range l.TrackingPixels {
		if p.Enabled && p.PixelID != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks a link before it is written to the cache.
func (l *CachedLink) Validate() error {
	err := validator.Struct().Struct(l)
	if err == nil {
		return nil
	}

	var verrs playground.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidLink, err)
	}
	for _, fe := range verrs {
		switch fe.StructField() {
		case "GeoTargets", "DeviceTargets", "IOSURL", "AndroidURL":
			return fmt.Errorf("%w: %s failed %q", ErrInvalidTargeting, fe.Namespace(), fe.Tag())
		}
		if strings.Contains(fe.Namespace(), "GeoTargets[") || strings.Contains(fe.Namespace(), "DeviceTargets[") {
			return fmt.Errorf("%w: %s failed %q", ErrInvalidTargeting, fe.Namespace(), fe.Tag())
		}
	}
	return fmt.Errorf("%w: %v", ErrInvalidLink, verrs)
}

// Compile builds the Targeting rules from the link's targeting fields.
func (l *CachedLink) Compile() {
	l.Targeting = CompileTargeting(l)
}

// RuleKind discriminates TargetingRule variants.
type RuleKind int

// Rule kinds in evaluation order. RuleDefault marks the fallback destination.
const (
	RuleOS RuleKind = iota + 1
	RuleGeo
	RuleDevice
	RuleDefault RuleKind = 0
)

func (k RuleKind) String() string {
	switch k {
	case RuleOS:
		return "os"
	case RuleGeo:
		return "geo"
	case RuleDevice:
		return "device"
	default:
		return "default"
	}
}

// TargetingRule sends requests matching Match to Destination. Match is an OS
// name, an ISO country code or a device class depending on Kind.
type TargetingRule struct {
	Kind        RuleKind
	Match       string
	Destination string
}

// Targeting is an ordered rule list; the first matching rule wins.
type Targeting []TargetingRule

// Request is the subset of visitor attributes targeting looks at.
type Request struct {
	OS      string
	Country string
	Device  string
}

// Match returns the first rule matching req.
func (t Targeting) Match(req Request) (TargetingRule, bool) {
	for _, r := range t {
		switch r.Kind {
		case RuleOS:
			if req.OS == r.Match {
				return r, true
			}
		case RuleGeo:
			if req.Country != "" && strings.EqualFold(req.Country, r.Match) {
				return r, true
			}
		case RuleDevice:
			if req.Device == r.Match {
				return r, true
			}
		}
	}
	return TargetingRule{}, false
}

// CompileTargeting turns the flat link fields into ordered rules: OS deep
// links, then geo, then device. Map entries are sorted so the order is stable.
func CompileTargeting(l *CachedLink) Targeting {
	var t Targeting
	if l.IOSURL != "" {
		t = append(t, TargetingRule{Kind: RuleOS, Match: OSiOS, Destination: l.IOSURL})
	}
	if l.AndroidURL != "" {
		t = append(t, TargetingRule{Kind: RuleOS, Match: OSAndroid, Destination: l.AndroidURL})
	}
	for _, k := range sortedKeys(l.GeoTargets) {
		if l.GeoTargets[k] == "" {
			continue
		}
		t = append(t, TargetingRule{Kind: RuleGeo, Match: strings.ToUpper(k), Destination: l.GeoTargets[k]})
	}
	for _, k := range sortedKeys(l.DeviceTargets) {
		if l.DeviceTargets[k] == "" {
			continue
		}
		t = append(t, TargetingRule{Kind: RuleDevice, Match: strings.ToLower(k), Destination: l.DeviceTargets[k]})
	}
	return t
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// HealthStatus of a link destination as seen by the health probe.
type HealthStatus string

const (
	HealthUnknown HealthStatus = "unknown"
	HealthHealthy HealthStatus = "healthy"
	HealthBroken  HealthStatus = "broken"
)

// Link is the authoritative link row.
type Link struct {
	ID             string
	OrganizationID string
	Domain         string
	Slug           string
	DestinationURL string
	Title          string
	ExpiresAt      *time.Time
	ArchivedAt     *time.Time

	ClickCount   int64
	UniqueClicks int64
	QRScans      int64
	LeadCount    int64
	SaleCount    int64
	SaleAmount   int64

	HealthStatus     HealthStatus
	HealthCheckedAt  *time.Time
	HealthStatusCode int
	HealthError      string

	LastClickedAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// ShortURL returns the public short URL of the link.
func (l *Link) ShortURL() string {
	return "https://" + l.Domain + "/" + l.Slug
}
