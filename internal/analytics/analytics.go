// Package analytics writes append-only click data points.
//
// A Point mirrors a time-series row: ordered string blobs, ordered doubles and
// a single index. The order is fixed and shared by every Sink.
package analytics

import (
	"context"
	"sync"
	"time"
)

// Blob positions within Point.Blobs.
const (
	BlobLinkID = iota
	BlobSlug
	BlobDomain
	BlobDestination
	BlobCountry
	BlobCity
	BlobRegion
	BlobDevice
	BlobBrowser
	BlobOS
	BlobRefererDomain
	BlobVariant
	blobCount
)

// Double positions within Point.Doubles.
const (
	DoubleTimestamp = iota
	DoubleLongitude
	DoubleLatitude
	DoubleBot
	doubleCount
)

// Point is one analytics row.
type Point struct {
	Blobs   []string
	Doubles []float64
	Index   string
}

// Sink accepts points. Writes are best effort; callers log failures.
type Sink interface {
	Write(ctx context.Context, p Point) error
}

// Click is the named form of a click point.
type Click struct {
	LinkID        string
	Slug          string
	Domain        string
	Destination   string
	Country       string
	City          string
	Region        string
	Device        string
	Browser       string
	OS            string
	RefererDomain string
	Variant       string
	Timestamp     time.Time
	Longitude     float64
	Latitude      float64
	Bot           bool
}

// Point lays c out in the fixed blob and double order, indexed by link id.
func (c Click) Point() Point {
	blobs := make([]string, blobCount)
	blobs[BlobLinkID] = c.LinkID
	blobs[BlobSlug] = c.Slug
	blobs[BlobDomain] = c.Domain
	blobs[BlobDestination] = c.Destination
	blobs[BlobCountry] = c.Country
	blobs[BlobCity] = c.City
	blobs[BlobRegion] = c.Region
	blobs[BlobDevice] = c.Device
	blobs[BlobBrowser] = c.Browser
	blobs[BlobOS] = c.OS
	blobs[BlobRefererDomain] = c.RefererDomain
	blobs[BlobVariant] = c.Variant

	doubles := make([]float64, doubleCount)
	doubles[DoubleTimestamp] = float64(c.Timestamp.UnixMilli())
	doubles[DoubleLongitude] = c.Longitude
	doubles[DoubleLatitude] = c.Latitude
	if c.Bot {
		doubles[DoubleBot] = 1
	}

	return Point{Blobs: blobs, Doubles: doubles, Index: c.LinkID}
}

// Nop discards every point.
type Nop struct{}

func (Nop) Write(context.Context, Point) error { return nil }

// Memory keeps points in process; used by tests and local runs.
type Memory struct {
	mu     sync.Mutex
	points []Point
}

func (m *Memory) Write(_ context.Context, p Point) error {
	m.mu.Lock()
	m.points = append(m.points, p)
	m.mu.Unlock()
	return nil
}

// Points returns a copy of the written points.
func (m *Memory) Points() []Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Point(nil), m.points...)
}
