package email

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/resend/resend-go/v2"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker/v2"

	"go2-edge/internal/metrics"
)

// ResendConfig configures ResendSender. An empty BaseURL uses the public API.
type ResendConfig struct {
	BaseURL string
	APIKey  string
	From    string
	Timeout time.Duration
}

// ResendSender renders templated email and sends it through Resend behind a
// circuit breaker.
type ResendSender struct {
	cfg    ResendConfig
	client *resend.Client
	tmpl   *renderer
	cb     *gobreaker.CircuitBreaker[struct{}]
	log    zerolog.Logger
}

// NewResendSender creates a sender. A missing API key is not an error here;
// every Send then fails with ErrNotConfigured.
func NewResendSender(cfg ResendConfig, log zerolog.Logger) (*ResendSender, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	log = log.With().Str("component", "email").Logger()

	tmpl, err := newRenderer()
	if err != nil {
		return nil, err
	}

	httpClient := &http.Client{
		Timeout:   cfg.Timeout,
		Transport: statusTransport{next: http.DefaultTransport},
	}
	client := resend.NewCustomClient(httpClient, cfg.APIKey)
	if cfg.BaseURL != "" {
		base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/") + "/")
		if err != nil {
			return nil, fmt.Errorf("email base url: %w", err)
		}
		client.BaseURL = base
	}

	cb := gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "email-provider",
		MaxRequests: 3,
		Interval:    time.Minute,
		Timeout:     time.Minute,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		// Permanent rejections do not count against the provider.
		IsSuccessful: func(err error) bool {
			return err == nil || IsPermanent(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("circuit breaker state change")
		},
	})

	return &ResendSender{cfg: cfg, client: client, tmpl: tmpl, cb: cb, log: log}, nil
}

// Send renders and delivers msg. Breaker rejections and transport errors are
// retryable; unknown templates and 4xx rejections are not.
func (s *ResendSender) Send(ctx context.Context, msg Message) error {
	if s.cfg.APIKey == "" {
		metrics.EmailsSentTotal.WithLabelValues(msg.Template, "not_configured").Inc()
		return ErrNotConfigured
	}

	subject, html, err := s.tmpl.render(msg)
	if err != nil {
		metrics.EmailsSentTotal.WithLabelValues(msg.Template, "failed").Inc()
		return err
	}
	req := &resend.SendEmailRequest{
		From:    s.cfg.From,
		To:      []string{msg.To},
		Subject: subject,
		Html:    html,
		Tags:    []resend.Tag{{Name: "template", Value: msg.Template}},
	}

	_, err = s.cb.Execute(func() (struct{}, error) {
		return struct{}{}, s.send(ctx, req)
	})
	switch {
	case err == nil:
		metrics.EmailsSentTotal.WithLabelValues(msg.Template, "sent").Inc()
		s.log.Debug().Str("template", msg.Template).Msg("email sent")
		return nil
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		metrics.EmailsSentTotal.WithLabelValues(msg.Template, "breaker_open").Inc()
		return fmt.Errorf("send %s: %w", msg.Template, err)
	default:
		metrics.EmailsSentTotal.WithLabelValues(msg.Template, "failed").Inc()
		return fmt.Errorf("send %s: %w", msg.Template, err)
	}
}

// send maps SDK errors onto StatusError using the status the transport saw.
func (s *ResendSender) send(ctx context.Context, req *resend.SendEmailRequest) error {
	var status int
	_, err := s.client.Emails.SendWithContext(context.WithValue(ctx, statusKey{}, &status), req)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, resend.ErrRateLimit):
		return &StatusError{Code: http.StatusTooManyRequests, Body: err.Error()}
	case status >= 300:
		return &StatusError{Code: status, Body: strings.TrimPrefix(err.Error(), "[ERROR]: ")}
	case status >= 200:
		// Accepted but the response body did not decode.
		s.log.Warn().Err(err).Msg("unreadable provider response")
		return nil
	default:
		return err
	}
}

type statusKey struct{}

// statusTransport records the response status into the *int carried by the
// request context under statusKey.
type statusTransport struct {
	next http.RoundTripper
}

func (t statusTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.next.RoundTrip(req)
	if resp != nil {
		if p, ok := req.Context().Value(statusKey{}).(*int); ok {
			*p = resp.StatusCode
		}
	}
	return resp, err
}
