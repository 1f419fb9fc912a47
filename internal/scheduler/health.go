package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"go2-edge/internal/domain"
	"go2-edge/internal/email"
	"go2-edge/internal/metrics"
	"go2-edge/internal/repository"
)

const probeUserAgent = "go2-link-checker/1.0 (+https://go2.gg)"

// ProbeResult is the outcome of one destination check.
type ProbeResult struct {
	Status     domain.HealthStatus
	StatusCode int
	Err        string
}

// Prober checks a destination URL.
type Prober struct {
	Client  *http.Client
	Timeout time.Duration
}

// Probe issues a HEAD request, retrying with GET when the server does not
// support HEAD. Any status below 400 is healthy.
func (p Prober) Probe(ctx context.Context, url string) ProbeResult {
	code, err := p.do(ctx, http.MethodHead, url)
	if err == nil && (code == http.StatusMethodNotAllowed || code == http.StatusNotImplemented) {
		code, err = p.do(ctx, http.MethodGet, url)
	}
	switch {
	case err != nil:
		return ProbeResult{Status: domain.HealthBroken, Err: err.Error()}
	case code >= 400:
		return ProbeResult{Status: domain.HealthBroken, StatusCode: code, Err: http.StatusText(code)}
	default:
		return ProbeResult{Status: domain.HealthHealthy, StatusCode: code}
	}
}

func (p Prober) do(ctx context.Context, method, url string) (int, error) {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, err
	}
	req.Header.Set("User-Agent", probeUserAgent)

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

// HealthProbe checks a batch of link destinations and emails each
// organization once about links that just became broken.
type HealthProbe struct {
	Links        repository.LinkRepository
	Orgs         repository.OrganizationRepository
	Mailer       email.Mailer
	Prober       Prober
	Batch        int
	RecheckAfter time.Duration
	// Limiter paces probes; nil means no pacing.
	Limiter     *rate.Limiter
	MaxPerEmail int
	Log         zerolog.Logger
}

func (j *HealthProbe) Name() string { return "health_probe" }

// recheckSlack absorbs scheduler jitter so a link checked one period ago is
// due on this run rather than the next.
const recheckSlack = 5 * time.Minute

func (j *HealthProbe) recheckCutoff(now time.Time) time.Time {
	slack := recheckSlack
	if j.RecheckAfter < 2*slack {
		slack = j.RecheckAfter / 2
	}
	return now.Add(-j.RecheckAfter + slack)
}

type brokenLink struct {
	Slug        string `json:"slug"`
	ShortURL    string `json:"shortUrl"`
	Destination string `json:"destination"`
	StatusCode  int    `json:"statusCode,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (j *HealthProbe) Run(ctx context.Context, now time.Time) error {
	batch := j.Batch
	if batch <= 0 {
		batch = 50
	}
	links, err := j.Links.ListForHealthCheck(ctx, j.recheckCutoff(now), batch)
	if err != nil {
		return fmt.Errorf("list links for health check: %w", err)
	}

	var (
		errs   []error
		broken = make(map[string][]brokenLink)
		orgs   []string
	)
	for _, l := range links {
		if j.Limiter != nil {
			if err := j.Limiter.Wait(ctx); err != nil {
				errs = append(errs, err)
				break
			}
		}

		res := j.Prober.Probe(ctx, l.DestinationURL)
		metrics.HealthProbesTotal.WithLabelValues(string(res.Status)).Inc()

		if err := j.Links.UpdateHealth(ctx, l.ID, res.Status, res.StatusCode, res.Err, now); err != nil {
			errs = append(errs, fmt.Errorf("update health of %s: %w", l.ID, err))
			continue
		}

		if res.Status != domain.HealthBroken || l.HealthStatus == domain.HealthBroken {
			continue
		}
		if _, seen := broken[l.OrganizationID]; !seen {
			orgs = append(orgs, l.OrganizationID)
		}
		broken[l.OrganizationID] = append(broken[l.OrganizationID], brokenLink{
			Slug:        l.Slug,
			ShortURL:    l.ShortURL(),
			Destination: l.DestinationURL,
			StatusCode:  res.StatusCode,
			Error:       res.Err,
		})
	}

	limit := j.MaxPerEmail
	if limit <= 0 {
		limit = 10
	}
	for _, orgID := range orgs {
		list := broken[orgID]
		shown := list
		if len(shown) > limit {
			shown = shown[:limit]
		}
		notifyOwner(ctx, j.Orgs, j.Mailer, j.Log, orgID, email.TemplateBrokenLinks, map[string]any{
			"links": shown,
			"total": len(list),
			"more":  len(list) - len(shown),
		})
	}

	j.Log.Info().Int("checked", len(links)).Int("orgs_notified", len(orgs)).Msg("link health probed")
	return errors.Join(errs...)
}
