package domain

import "time"

// Trigger identifies how a click reached the edge.
type Trigger string

const (
	TriggerLink Trigger = "link"
	TriggerQR   Trigger = "qr"
	TriggerAPI  Trigger = "api"
)

// ClickEvent is one detailed, human click. Bots and opted-out visitors never
// produce a ClickEvent.
type ClickEvent struct {
	ID           string
	LinkID       string
	IdentityHash string

	Country   string
	City      string
	Region    string
	Latitude  float64
	Longitude float64

	Device         string
	Browser        string
	BrowserVersion string
	Engine         string
	OS             string
	OSVersion      string

	Referrer      string
	RefererDomain string
	Trigger       Trigger
	IsBot         bool
	IsUnique      bool

	UTMSource   string
	UTMMedium   string
	UTMCampaign string
	UTMTerm     string
	UTMContent  string

	Timestamp time.Time
}

// CounterUpdate describes one aggregate counter increment on a Link.
type CounterUpdate struct {
	LinkID    string
	Unique    bool
	QR        bool
	ClickedAt time.Time
}
