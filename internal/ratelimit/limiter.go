// Package ratelimit implements a Redis fixed-window limiter for the public
// edge. Every edge instance shares the same counters.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindow increments the counter for KEYS[1] and starts a new window
// of ARGV[2] seconds when the key does not exist yet. It returns
// {allowed, remaining, reset_unix}.
var fixedWindow = redis.NewScript(`
	local key = KEYS[1]
	local max_requests = tonumber(ARGV[1])
	local window = tonumber(ARGV[2])
	local current_time = tonumber(ARGV[3])

	local current = redis.call('GET', key)
	if current == false then
		redis.call('SET', key, 1, 'EX', window)
		return {1, max_requests - 1, current_time + window}
	end

	current = tonumber(current)
	local ttl = redis.call('TTL', key)
	if ttl < 0 then
		redis.call('EXPIRE', key, window)
		ttl = window
	end
	if current < max_requests then
		redis.call('INCR', key)
		return {1, max_requests - current - 1, current_time + ttl}
	end
	return {0, 0, current_time + ttl}
`)

// Limiter allows MaxRequests per window per key.
type Limiter struct {
	client      redis.Scripter
	prefix      string
	maxRequests int
	window      time.Duration
	now         func() time.Time
}

// New creates a limiter. Keys are stored as "{prefix}ratelimit:{key}".
func New(client redis.Scripter, prefix string, maxRequests int, window time.Duration) *Limiter {
	if window < time.Second {
		window = time.Second
	}
	return &Limiter{
		client:      client,
		prefix:      prefix,
		maxRequests: maxRequests,
		window:      window,
		now:         time.Now,
	}
}

func (l *Limiter) key(id string) string {
	return l.prefix + "ratelimit:" + id
}

// Allow counts one request for key.
func (l *Limiter) Allow(ctx context.Context, key string) (bool, int, time.Time, error) {
	now := l.now()
	result, err := fixedWindow.Run(
		ctx,
		l.client,
		[]string{l.key(key)},
		l.maxRequests,
		int(l.window.Seconds()),
		now.Unix(),
	).Result()
	if err != nil {
		return false, 0, time.Time{}, fmt.Errorf("rate limit check: %w", err)
	}
	return parseResult(result)
}

// MaxRequests returns the per-window allowance.
func (l *Limiter) MaxRequests() int {
	return l.maxRequests
}

var errUnexpectedResult = errors.New("unexpected rate limit script result")

func parseResult(result any) (bool, int, time.Time, error) {
	values, ok := result.([]interface{})
	if !ok || len(values) != 3 {
		return false, 0, time.Time{}, errUnexpectedResult
	}
	ints := make([]int64, 3)
	for i, v := range values {
		n, ok := v.(int64)
		if !ok {
			return false, 0, time.Time{}, errUnexpectedResult
		}
		ints[i] = n
	}
	return ints[0] == 1, int(ints[1]), time.Unix(ints[2], 0), nil
}
