package analytics

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"
)

const createClickPoints = `
CREATE TABLE IF NOT EXISTS click_points (
	link_id        VARCHAR NOT NULL,
	slug           VARCHAR,
	domain         VARCHAR,
	destination    VARCHAR,
	country        VARCHAR,
	city           VARCHAR,
	region         VARCHAR,
	device         VARCHAR,
	browser        VARCHAR,
	os             VARCHAR,
	referer_domain VARCHAR,
	variant        VARCHAR,
	ts_ms          DOUBLE NOT NULL,
	longitude      DOUBLE,
	latitude       DOUBLE,
	bot            DOUBLE,
	idx            VARCHAR NOT NULL,
	ingested_at    TIMESTAMP DEFAULT current_timestamp
)`

const insertClickPoint = `
INSERT INTO click_points (
	link_id, slug, domain, destination, country, city, region, device, browser, os,
	referer_domain, variant, ts_ms, longitude, latitude, bot, idx
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// DuckDBSink appends points to an embedded DuckDB file.
type DuckDBSink struct {
	db *sql.DB
}

// OpenDuckDB opens the database at path (":memory:" or "" for in-memory)
// and ensures the click_points table exists.
func OpenDuckDB(ctx context.Context, path string) (*DuckDBSink, error) {
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}
	// DuckDB serializes writers; one connection avoids lock contention.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if _, err := db.ExecContext(ctx, createClickPoints); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create click_points: %w", err)
	}
	return &DuckDBSink{db: db}, nil
}

// Write appends p. Points with a different layout are rejected.
func (s *DuckDBSink) Write(ctx context.Context, p Point) error {
	if len(p.Blobs) != blobCount || len(p.Doubles) != doubleCount {
		return fmt.Errorf("analytics point has %d blobs and %d doubles: %w",
			len(p.Blobs), len(p.Doubles), ErrBadPoint)
	}

	args := make([]any, 0, blobCount+doubleCount+1)
	for _, b := range p.Blobs {
		args = append(args, b)
	}
	for _, d := range p.Doubles {
		args = append(args, d)
	}
	args = append(args, p.Index)

	if _, err := s.db.ExecContext(ctx, insertClickPoint, args...); err != nil {
		return fmt.Errorf("insert click point: %w", err)
	}
	return nil
}

// CountByLink returns the number of points indexed under linkID.
func (s *DuckDBSink) CountByLink(ctx context.Context, linkID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM click_points WHERE idx = ?`, linkID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count click points: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *DuckDBSink) Close() error {
	return s.db.Close()
}

// ErrBadPoint marks a point whose layout does not match click_points.
var ErrBadPoint = errors.New("malformed analytics point")
