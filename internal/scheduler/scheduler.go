package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/kjstillabower/air-quality-service/internal/cache"
	"github.com/kjstillabower/air-quality-service/internal/models"
	"github.com/kjstillabower/air-quality-service/internal/observability"
)

// Job names.
const (
	JobPopular     = "popular"
	JobStaleSweep  = "stale-sweep"
	JobFullRefresh = "full-refresh"
)

// CacheView is the part of cache.Store the scheduler reads.
type CacheView interface {
	Stale(ctx context.Context) ([]cache.Entry, error)
	LastUpdated(ctx context.Context) (time.Time, bool, error)
	TTL() time.Duration
}

// Config holds the job table settings. Zero durations use the defaults below.
type Config struct {
	PollInterval time.Duration
	ErrorBackoff time.Duration

	PopularInterval time.Duration
	PopularPause    time.Duration
	Popular         []models.Target

	StaleInterval time.Duration
	StalePause    time.Duration

	// FullRefreshAt is the daily wall-clock start, "HH:MM" in Timezone.
	FullRefreshAt string
	FullPause     time.Duration
	Timezone      string
	Full          []models.Target
}

func (c *Config) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 60 * time.Second
	}
	if c.ErrorBackoff <= 0 {
		c.ErrorBackoff = 5 * time.Minute
	}
	if c.PopularInterval <= 0 {
		c.PopularInterval = 30 * time.Minute
	}
	if c.PopularPause <= 0 {
		c.PopularPause = 10 * time.Second
	}
	if c.StaleInterval <= 0 {
		c.StaleInterval = 2 * time.Hour
	}
	if c.StalePause <= 0 {
		c.StalePause = 5 * time.Second
	}
	if c.FullRefreshAt == "" {
		c.FullRefreshAt = "06:00"
	}
	if c.FullPause <= 0 {
		c.FullPause = 15 * time.Second
	}
	if c.Timezone == "" {
		c.Timezone = "UTC"
	}
}

type job struct {
	name     string
	schedule cron.Schedule
	every    string
	pause    time.Duration
	targets  func(ctx context.Context) ([]models.Location, error)

	next       time.Time
	lastRun    time.Time
	lastResult cache.WarmResult
	lastErr    string
}

// Scheduler keeps popular, stale and well-known locations warm. A single worker goroutine runs due
// jobs one at a time, so jobs never overlap.
type Scheduler struct {
	cfg       Config
	view      CacheView
	refresher cache.Refresher
	warmer    *cache.Warmer
	clock     clockwork.Clock
	logger    *zap.Logger

	// ctl serializes Start and Shutdown so a restart never overlaps a worker that is still exiting.
	ctl sync.Mutex

	mu        sync.Mutex
	running   bool
	jobs      []*job
	stopCh    chan struct{}
	done      chan struct{}
	jobCtx    context.Context
	jobCancel context.CancelFunc

	workers atomic.Int32
}

// New builds a Scheduler in the stopped state.
func New(cfg Config, view CacheView, refresher cache.Refresher, clock clockwork.Clock, logger *zap.Logger) (*Scheduler, error) {
	cfg.setDefaults()
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	daily, err := DailySchedule(cfg.FullRefreshAt, cfg.Timezone)
	if err != nil {
		return nil, err
	}

	s := &Scheduler{
		cfg:       cfg,
		view:      view,
		refresher: refresher,
		warmer:    cache.NewWarmer(refresher, clock, logger),
		clock:     clock,
		logger:    logger,
	}
	s.jobs = []*job{
		{
			name:     JobPopular,
			schedule: cron.Every(cfg.PopularInterval),
			every:    cfg.PopularInterval.String(),
			pause:    cfg.PopularPause,
			targets:  staticTargets(cfg.Popular),
		},
		{
			name:     JobStaleSweep,
			schedule: cron.Every(cfg.StaleInterval),
			every:    cfg.StaleInterval.String(),
			pause:    cfg.StalePause,
			targets:  s.staleTargets,
		},
		{
			name:     JobFullRefresh,
			schedule: daily,
			every:    "daily at " + cfg.FullRefreshAt + " " + cfg.Timezone,
			pause:    cfg.FullPause,
			targets:  staticTargets(cfg.Full),
		},
	}
	return s, nil
}

// DailySchedule parses "HH:MM" into a daily cron schedule in the named timezone.
func DailySchedule(at, timezone string) (cron.Schedule, error) {
	hh, mm, ok := strings.Cut(strings.TrimSpace(at), ":")
	if !ok {
		return nil, fmt.Errorf("invalid daily time %q: want HH:MM", at)
	}
	hour, err := strconv.Atoi(hh)
	if err != nil || hour < 0 || hour > 23 {
		return nil, fmt.Errorf("invalid daily time %q: hour out of range", at)
	}
	minute, err := strconv.Atoi(mm)
	if err != nil || minute < 0 || minute > 59 {
		return nil, fmt.Errorf("invalid daily time %q: minute out of range", at)
	}
	sched, err := cron.ParseStandard(fmt.Sprintf("CRON_TZ=%s %d %d * * *", timezone, minute, hour))
	if err != nil {
		return nil, fmt.Errorf("parse daily schedule: %w", err)
	}
	return sched, nil
}

func staticTargets(targets []models.Target) func(context.Context) ([]models.Location, error) {
	locs := make([]models.Location, 0, len(targets))
	for _, t := range targets {
		locs = append(locs, t.Location())
	}
	return func(context.Context) ([]models.Location, error) { return locs, nil }
}

func (s *Scheduler) staleTargets(ctx context.Context) ([]models.Location, error) {
	entries, err := s.view.Stale(ctx)
	if err != nil {
		return nil, err
	}
	locs := make([]models.Location, 0, len(entries))
	for _, e := range entries {
		locs = append(locs, e.Origin)
	}
	return locs, nil
}

// Start launches the worker. Calling Start while running is a no-op.
func (s *Scheduler) Start() {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		s.logger.Info("refresh scheduler already running")
		return
	}

	now := s.clock.Now()
	for _, j := range s.jobs {
		j.next = j.schedule.Next(now)
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.jobCtx, s.jobCancel = context.WithCancel(context.Background())
	s.workers.Add(1)
	go s.loop(s.jobCtx, s.stopCh, s.done)

	s.logger.Info("refresh scheduler started",
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.String("popular", s.cfg.PopularInterval.String()),
		zap.String("stale_sweep", s.cfg.StaleInterval.String()),
		zap.String("full_refresh", s.cfg.FullRefreshAt+" "+s.cfg.Timezone))
}

// Stop signals the worker and waits for it to exit. A job in progress runs to completion.
// Calling Stop while stopped is a no-op.
func (s *Scheduler) Stop() {
	_ = s.Shutdown(context.Background())
}

// Shutdown is Stop bounded by ctx: when ctx ends first, the in-progress job is cancelled and
// Shutdown still waits for the worker to exit.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.ctl.Lock()
	defer s.ctl.Unlock()
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	close(s.stopCh)
	done, cancel := s.done, s.jobCancel
	s.mu.Unlock()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
		cancel()
		<-done
	}
	cancel()
	s.logger.Info("refresh scheduler stopped")
	return err
}

// Running reports whether the worker is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(ctx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer s.workers.Add(-1)

	for {
		select {
		case <-stop:
			return
		default:
		}

		wait := s.cfg.PollInterval
		if err := s.runDue(ctx, stop); err != nil {
			observability.SchedulerBackoffsTotal.Inc()
			s.logger.Error("refresh scheduler iteration failed, backing off",
				zap.Error(err),
				zap.Duration("backoff", s.cfg.ErrorBackoff))
			wait = s.cfg.ErrorBackoff
		}

		select {
		case <-stop:
			return
		case <-s.clock.After(wait):
		}
	}
}

// runDue runs every due job in table order. A panic is converted into an error for the backoff path.
func (s *Scheduler) runDue(ctx context.Context, stop <-chan struct{}) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in refresh job: %v", r)
		}
	}()

	for _, j := range s.jobs {
		select {
		case <-stop:
			return nil
		default:
		}
		s.mu.Lock()
		due := !s.clock.Now().Before(j.next)
		s.mu.Unlock()
		if !due {
			continue
		}
		if err := s.runJob(ctx, j); err != nil {
			return err
		}
	}
	return nil
}

// runJob resolves targets and warms them. Per-target failures are recorded and logged; only a failure
// to resolve targets is returned.
func (s *Scheduler) runJob(ctx context.Context, j *job) error {
	start := s.clock.Now()
	s.mu.Lock()
	j.next = j.schedule.Next(start)
	s.mu.Unlock()
	s.logger.Info("refresh job starting", zap.String("job", j.name))

	locs, err := j.targets(ctx)
	if err != nil {
		s.finishJob(j, start, cache.WarmResult{}, err)
		observability.SchedulerJobRunsTotal.WithLabelValues(j.name, "error").Inc()
		return fmt.Errorf("%s: resolve targets: %w", j.name, err)
	}

	res, warmErr := s.warmer.Warm(ctx, locs, j.pause)
	s.finishJob(j, start, res, warmErr)

	result := "success"
	switch {
	case warmErr != nil && res.Refreshed == 0 && len(locs) > 0:
		result = "error"
	case warmErr != nil:
		result = "partial"
	}
	observability.SchedulerJobRunsTotal.WithLabelValues(j.name, result).Inc()
	observability.SchedulerJobDuration.WithLabelValues(j.name).Observe(s.clock.Since(start).Seconds())
	s.logger.Info("refresh job finished",
		zap.String("job", j.name),
		zap.Int("targets", len(locs)),
		zap.Int("refreshed", res.Refreshed),
		zap.Int("failed", res.Failed))
	return nil
}

func (s *Scheduler) finishJob(j *job, start time.Time, res cache.WarmResult, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j.lastRun = start
	j.lastResult = res
	j.lastErr = ""
	if err != nil {
		j.lastErr = err.Error()
	}
	j.next = j.schedule.Next(s.clock.Now())
}

// ForceResult is the outcome of an on-demand refresh.
type ForceResult struct {
	Success  bool   `json:"success"`
	Location string `json:"location"`
	Stations int    `json:"stations"`
	Error    string `json:"error,omitempty"`
}

// ForceUpdate refreshes one location synchronously, bypassing the schedule. It works whether or not
// the worker is running.
func (s *Scheduler) ForceUpdate(ctx context.Context, loc models.Location) ForceResult {
	label := loc.City
	if label == "" {
		label = fmt.Sprintf("%.4f,%.4f", loc.Latitude, loc.Longitude)
	}
	n, err := s.refresher.Refresh(ctx, loc)
	if err != nil {
		s.logger.Warn("forced refresh failed", zap.String("location", label), zap.Error(err))
		return ForceResult{Location: label, Error: err.Error()}
	}
	s.logger.Info("forced refresh complete", zap.String("location", label), zap.Int("stations", n))
	return ForceResult{Success: true, Location: label, Stations: n}
}

// JobStatus describes one scheduled job.
type JobStatus struct {
	Name       string           `json:"name"`
	Schedule   string           `json:"schedule"`
	Pause      string           `json:"pause"`
	Targets    int              `json:"targets,omitempty"`
	NextRun    *time.Time       `json:"next_run,omitempty"`
	LastRun    *time.Time       `json:"last_run,omitempty"`
	LastResult cache.WarmResult `json:"last_result"`
	LastError  string           `json:"last_error,omitempty"`
}

// Status is the scheduler report. LastPopularUpdate and LastFullUpdate are both the newest cache
// updated_at, not per-job bookkeeping; Jobs carries what this process observed itself.
type Status struct {
	Running           bool        `json:"running"`
	LastPopularUpdate *time.Time  `json:"last_popular_update"`
	LastFullUpdate    *time.Time  `json:"last_full_update"`
	NextScheduledRun  *time.Time  `json:"next_scheduled_run"`
	CacheTTLHours     float64     `json:"cache_duration_hours"`
	Jobs              []JobStatus `json:"jobs"`
}

// Status reports the scheduler state. A cache read failure leaves the last-update fields empty.
func (s *Scheduler) Status(ctx context.Context) Status {
	st := Status{CacheTTLHours: s.view.TTL().Hours()}

	if last, ok, err := s.view.LastUpdated(ctx); err != nil {
		observability.RecordPersistenceError("cache", "last_updated")
		s.logger.Warn("read last cache update failed", zap.Error(err))
	} else if ok {
		last = last.UTC()
		st.LastPopularUpdate = &last
		st.LastFullUpdate = &last
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	st.Running = s.running
	for _, j := range s.jobs {
		js := JobStatus{
			Name:       j.name,
			Schedule:   j.every,
			Pause:      j.pause.String(),
			LastResult: j.lastResult,
			LastError:  j.lastErr,
		}
		switch j.name {
		case JobPopular:
			js.Targets = len(s.cfg.Popular)
		case JobFullRefresh:
			js.Targets = len(s.cfg.Full)
		}
		if !j.lastRun.IsZero() {
			t := j.lastRun.UTC()
			js.LastRun = &t
		}
		if s.running {
			t := j.next.UTC()
			js.NextRun = &t
			if st.NextScheduledRun == nil || t.Before(*st.NextScheduledRun) {
				next := t
				st.NextScheduledRun = &next
			}
		}
		st.Jobs = append(st.Jobs, js)
	}
	return st
}
