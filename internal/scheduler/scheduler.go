// Package scheduler runs the periodic maintenance jobs: link sweeps, trial
// and subscription reconciliation, link health probing, usage alerts,
// dunning and lifecycle drip email.
//
// Jobs are bound to cron specs. Every job bound to a spec runs when the
// spec fires; a failing or panicking job never stops its siblings. There
// is no overlap guard between consecutive runs of the same spec.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc/panics"

	"go2-edge/internal/metrics"
)

// Job is one unit of scheduled work.
type Job interface {
	Name() string
	Run(ctx context.Context, now time.Time) error
}

// Scheduler binds jobs to cron specs.
type Scheduler struct {
	mu       sync.RWMutex
	bindings map[string][]Job
	specs    []string

	loc  *time.Location
	cron *cron.Cron
	now  func() time.Time
	log  zerolog.Logger
}

// New creates a scheduler evaluating specs in loc.
func New(loc *time.Location, log zerolog.Logger) *Scheduler {
	if loc == nil {
		loc = time.UTC
	}
	log = log.With().Str("component", "scheduler").Logger()
	return &Scheduler{
		bindings: make(map[string][]Job),
		loc:      loc,
		cron:     cron.New(cron.WithLocation(loc), cron.WithLogger(cronLogger{log: log})),
		now:      time.Now,
		log:      log,
	}
}

// Bind attaches jobs to spec, a standard five-field cron expression. Jobs
// run in bind order.
func (s *Scheduler) Bind(spec string, jobs ...Job) error {
	if _, err := cron.ParseStandard(spec); err != nil {
		return fmt.Errorf("parse cron spec %q: %w", spec, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.bindings[spec]; !ok {
		s.specs = append(s.specs, spec)
	}
	s.bindings[spec] = append(s.bindings[spec], jobs...)
	return nil
}

// Specs returns the bound specs in bind order.
func (s *Scheduler) Specs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]string(nil), s.specs...)
}

// Dispatch runs every job bound to spec for a trigger that fired at
// firedAt. The returned error joins the failures of individual jobs; an
// unbound spec is an error.
func (s *Scheduler) Dispatch(ctx context.Context, spec string, firedAt time.Time) error {
	s.mu.RLock()
	jobs, ok := s.bindings[spec]
	s.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no jobs bound to %q", spec)
	}

	firedAt = firedAt.In(s.loc)
	var errs []error
	for _, job := range jobs {
		if ctx.Err() != nil {
			errs = append(errs, ctx.Err())
			break
		}
		if err := s.run(ctx, job, firedAt); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", job.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// run is the isolation boundary around a single job.
func (s *Scheduler) run(ctx context.Context, job Job, firedAt time.Time) (err error) {
	name := job.Name()
	log := s.log.With().Str("job", name).Logger()
	start := time.Now()

	var pc panics.Catcher
	pc.Try(func() { err = job.Run(ctx, firedAt) })

	result := "success"
	if r := pc.Recovered(); r != nil {
		err = r.AsError()
		result = "panic"
		log.Error().Err(err).Str("stack", string(r.Stack)).Msg("job panicked")
	} else if err != nil {
		result = "error"
		log.Error().Err(err).Msg("job failed")
	} else {
		log.Info().Dur("duration", time.Since(start)).Msg("job finished")
	}

	metrics.SchedulerJobRunsTotal.WithLabelValues(name, result).Inc()
	metrics.SchedulerJobDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	return err
}

// Start registers every bound spec with cron and starts ticking. Jobs get
// ctx, so canceling it aborts in-flight work.
func (s *Scheduler) Start(ctx context.Context) error {
	for _, spec := range s.Specs() {
		spec := spec
		_, err := s.cron.AddFunc(spec, func() {
			if err := s.Dispatch(ctx, spec, s.now()); err != nil {
				s.log.Warn().Err(err).Str("spec", spec).Msg("scheduled tick had failures")
			}
		})
		if err != nil {
			return fmt.Errorf("register %q: %w", spec, err)
		}
	}
	s.cron.Start()
	s.log.Info().Strs("specs", s.Specs()).Str("timezone", s.loc.String()).Msg("scheduler started")
	return nil
}

// Stop stops the cron ticker; the returned context is done once running
// jobs have returned.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Serve implements suture.Service.
func (s *Scheduler) Serve(ctx context.Context) error {
	s.mu.Lock()
	s.cron = cron.New(cron.WithLocation(s.loc), cron.WithLogger(cronLogger{log: s.log}))
	s.mu.Unlock()

	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	<-s.Stop().Done()
	s.log.Info().Msg("scheduler stopped")
	return ctx.Err()
}

func (s *Scheduler) String() string { return "scheduler" }

// cronLogger adapts zerolog to cron.Logger.
type cronLogger struct {
	log zerolog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.log.Debug().Fields(keysAndValues).Msg(msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}

// Jobs is the default job set.
type Jobs struct {
	Sweep   *ExpiredLinkSweep
	Trials  *TrialExpiry
	Orphans *OrphanRepair
	Usage   *UsageAlerts
	Dunning *Dunning
	Health  *HealthProbe
	Drip    *Drip
}

// BindDefaults binds the daily reconciliation jobs, the health probe and
// the drip engine to their specs.
func (s *Scheduler) BindDefaults(daily, health, drip string, j Jobs) error {
	return errors.Join(
		s.Bind(daily, j.Sweep, j.Trials, j.Orphans, j.Usage, j.Dunning),
		s.Bind(health, j.Health),
		s.Bind(drip, j.Drip),
	)
}
