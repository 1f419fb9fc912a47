// Package email renders transactional email, delivers it through Resend and
// routes outbound mail through the job queue.
package email

import (
	"context"
	"errors"
	"fmt"

	"go2-edge/internal/queue"
	"go2-edge/pkg/validator"
)

// MessageType is the queue message type for outbound email.
const MessageType = "email:send"

// Template identifiers. Each has a subject in templates/subjects.tmpl and a
// body in templates/*.html.
const (
	TemplateBrokenLinks  = "broken_links"
	TemplateUsageAlert   = "usage_alert"
	TemplateTrialEnding  = "trial_ending"
	TemplateTrialExpired = "trial_expired"
	TemplateCanceled     = "subscription_canceled"
)

// ErrNotConfigured means no provider credentials are set. Retrying cannot
// help.
var ErrNotConfigured = errors.New("email provider not configured")

// Message is one templated email.
type Message struct {
	Template string         `json:"template" validate:"required"`
	To       string         `json:"to" validate:"required,email"`
	Data     map[string]any `json:"data,omitempty"`
}

// Sender delivers a message synchronously.
type Sender interface {
	Send(ctx context.Context, msg Message) error
}

// Mailer schedules a message for delivery.
type Mailer interface {
	Enqueue(ctx context.Context, msg Message) error
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("email provider returned %d: %s", e.Code, e.Body)
}

// Retryable reports whether the provider may accept the same request later.
func (e *StatusError) Retryable() bool {
	return e.Code == 429 || e.Code >= 500
}

// IsPermanent reports whether err is a failure retrying will not fix.
func IsPermanent(err error) bool {
	if errors.Is(err, ErrNotConfigured) || errors.Is(err, ErrUnknownTemplate) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return !se.Retryable()
	}
	return false
}

// QueueMailer enqueues messages as email:send jobs.
type QueueMailer struct {
	pub queue.Publisher
}

// NewQueueMailer wraps pub.
func NewQueueMailer(pub queue.Publisher) *QueueMailer {
	return &QueueMailer{pub: pub}
}

func (m *QueueMailer) Enqueue(ctx context.Context, msg Message) error {
	if err := validator.Struct().Struct(msg); err != nil {
		return fmt.Errorf("invalid %s email: %w", msg.Template, err)
	}
	if err := m.pub.Send(ctx, MessageType, msg); err != nil {
		return fmt.Errorf("enqueue %s email: %w", msg.Template, err)
	}
	return nil
}

// QueueHandler returns the email:send handler. Permanent provider failures
// are settled without retry.
func QueueHandler(sender Sender) queue.Handler {
	return func(ctx context.Context, m queue.Message) error {
		var msg Message
		if err := m.Decode(&msg); err != nil {
			return err
		}
		err := sender.Send(ctx, msg)
		if err != nil && IsPermanent(err) {
			return queue.Permanent(err)
		}
		return err
	}
}
