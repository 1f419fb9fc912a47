// Package queue carries background jobs with at-least-once delivery.
//
// Producers Send typed messages; a Consumer routes each delivery to the
// handler registered for its type and then acks, retries or terminates it
// depending on the handler's result.
package queue

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"go2-edge/internal/metrics"
)

// Message is the envelope written to the queue.
type Message struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
}

// Decode unmarshals the payload into v.
func (m Message) Decode(v any) error {
	if err := json.Unmarshal(m.Payload, v); err != nil {
		return Permanent(fmt.Errorf("decode %s payload: %w", m.Type, err))
	}
	return nil
}

// NewMessage builds an envelope around payload.
func NewMessage(msgType string, payload any, now time.Time) (Message, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", msgType, err)
	}
	return Message{
		ID:         uuid.NewString(),
		Type:       msgType,
		Payload:    raw,
		EnqueuedAt: now.UTC(),
	}, nil
}

// Publisher enqueues messages.
type Publisher interface {
	Send(ctx context.Context, msgType string, payload any) error
}

// Delivery is one received message awaiting settlement.
type Delivery interface {
	Message() (Message, error)
	// Attempt is 1 on first delivery.
	Attempt() int
	Ack() error
	Retry(delay time.Duration) error
	Terminate() error
}

// Handler processes one message. Returning an error wrapped with Permanent
// settles the message without retry.
type Handler func(ctx context.Context, msg Message) error

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var p *permanentError
	return errors.As(err, &p)
}

// Outcome labels how a delivery was settled.
const (
	OutcomeAcked      = "acked"
	OutcomeRetried    = "retried"
	OutcomeTerminated = "terminated"
)

// Consumer dispatches deliveries to handlers by message type.
type Consumer struct {
	mu       sync.RWMutex
	handlers map[string]Handler

	baseDelay time.Duration
	maxDelay  time.Duration
	log       zerolog.Logger
}

// NewConsumer creates a consumer whose retry delay starts at baseDelay and
// doubles per attempt.
func NewConsumer(baseDelay time.Duration, log zerolog.Logger) *Consumer {
	if baseDelay <= 0 {
		baseDelay = 30 * time.Second
	}
	return &Consumer{
		handlers:  make(map[string]Handler),
		baseDelay: baseDelay,
		maxDelay:  30 * time.Minute,
		log:       log.With().Str("component", "queue_consumer").Logger(),
	}
}

// Handle registers h for msgType, replacing any previous handler.
func (c *Consumer) Handle(msgType string, h Handler) {
	c.mu.Lock()
	c.handlers[msgType] = h
	c.mu.Unlock()
}

// Backoff returns the retry delay for a failed attempt.
func (c *Consumer) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := c.baseDelay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.maxDelay {
			return c.maxDelay
		}
	}
	return d
}

// Process settles every delivery in the batch. A failing message never
// blocks the rest of the batch.
func (c *Consumer) Process(ctx context.Context, batch []Delivery) {
	for _, d := range batch {
		c.process(ctx, d)
	}
}

func (c *Consumer) process(ctx context.Context, d Delivery) {
	msg, err := d.Message()
	if err != nil {
		c.log.Error().Err(err).Msg("undecodable message, terminating")
		c.settle("unknown", OutcomeTerminated, d.Terminate())
		return
	}

	log := c.log.With().Str("message_id", msg.ID).Str("type", msg.Type).Int("attempt", d.Attempt()).Logger()

	c.mu.RLock()
	h, ok := c.handlers[msg.Type]
	c.mu.RUnlock()
	if !ok {
		log.Error().Msg("no handler for message type, terminating")
		c.settle(msg.Type, OutcomeTerminated, d.Terminate())
		return
	}

	err = h(ctx, msg)
	switch {
	case err == nil:
		c.settle(msg.Type, OutcomeAcked, d.Ack())
	case IsPermanent(err):
		log.Error().Err(err).Msg("permanent failure, not retrying")
		c.settle(msg.Type, OutcomeTerminated, d.Terminate())
	default:
		delay := c.Backoff(d.Attempt())
		log.Warn().Err(err).Dur("retry_in", delay).Msg("handler failed, retrying")
		c.settle(msg.Type, OutcomeRetried, d.Retry(delay))
	}
}

func (c *Consumer) settle(msgType, outcome string, err error) {
	metrics.RecordQueueOutcome(msgType, outcome)
	if err != nil {
		c.log.Warn().Err(err).Str("type", msgType).Str("outcome", outcome).Msg("settle delivery")
	}
}

// Memory is an in-process Publisher; Drain hands queued messages to a
// consumer. Tests use it in place of JetStream.
type Memory struct {
	mu       sync.Mutex
	messages []Message
	now      func() time.Time
}

// NewMemory creates an empty in-memory queue.
func NewMemory() *Memory {
	return &Memory{now: time.Now}
}

func (m *Memory) Send(_ context.Context, msgType string, payload any) error {
	msg, err := NewMessage(msgType, payload, m.now())
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.mu.Unlock()
	return nil
}

// Messages returns a copy of the queued messages.
func (m *Memory) Messages() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.messages...)
}

// Drain removes all queued messages and processes them with c. Retried
// messages are put back.
func (m *Memory) Drain(ctx context.Context, c *Consumer) {
	m.mu.Lock()
	pending := m.messages
	m.messages = nil
	m.mu.Unlock()

	batch := make([]Delivery, 0, len(pending))
	for _, msg := range pending {
		batch = append(batch, &memDelivery{q: m, msg: msg, attempt: 1})
	}
	c.Process(ctx, batch)
}

type memDelivery struct {
	q       *Memory
	msg     Message
	attempt int
}

func (d *memDelivery) Message() (Message, error) { return d.msg, nil }
func (d *memDelivery) Attempt() int              { return d.attempt }
func (d *memDelivery) Ack() error                { return nil }
func (d *memDelivery) Terminate() error          { return nil }

func (d *memDelivery) Retry(time.Duration) error {
	d.q.mu.Lock()
	d.q.messages = append(d.q.messages, d.msg)
	d.q.mu.Unlock()
	return nil
}
