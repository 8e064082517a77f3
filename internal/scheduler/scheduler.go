// Package scheduler runs the follow-up poll loop.
//
// A Scheduler is meant to be the only one of its kind across all processes
// sharing a store. Two instances polling the same store will both find the
// same due applications; the conditional policy update keeps the data
// consistent, but recipients can receive duplicate emails whenever the
// idempotency marker is not shared between the instances. Horizontal
// scaling needs leader election first.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"FollowUp/internal/apperr"
	"FollowUp/internal/db"
	"FollowUp/internal/metrics"
	"FollowUp/internal/models"
	"FollowUp/internal/worker"
)

type Config struct {
	PollInterval time.Duration
	BatchSize    int

	RetryMaxAttempts int
	BaseDelay        time.Duration
	BackoffFactor    float64
	MaxDelay         time.Duration

	StartupAttempts int
	StartupDelay    time.Duration

	DegradedThreshold  int
	UnhealthyThreshold int
}

// Dispatcher handles one eligible application.
type Dispatcher interface {
	Dispatch(ctx context.Context, app models.Application) (worker.Result, error)
}

type Option func(*Scheduler)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithTickerFactory replaces the timer used by the poll loop.
func WithTickerFactory(f TickerFactory) Option {
	return func(s *Scheduler) { s.newTicker = f }
}

// WithSleep replaces the backoff suspension between a failed dispatch and its
// retry.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(s *Scheduler) { s.sleep = sleep }
}

// Scheduler polls the store on a fixed interval and dispatches due
// follow-ups one at a time. At most one cycle runs at any moment; a tick that
// arrives while a cycle is still running is skipped.
type Scheduler struct {
	cfg        Config
	store      db.Store
	dispatcher Dispatcher
	log        *zap.Logger

	now       func() time.Time
	newTicker TickerFactory
	sleep     func(ctx context.Context, d time.Duration) error

	// lifecycle serialises Start, Stop and Restart.
	lifecycle sync.Mutex
	ticker    Ticker
	stopCh    chan struct{}
	loopDone  chan struct{}

	inFlight atomic.Bool
	cycles   sync.WaitGroup

	mu              sync.Mutex
	running         bool
	lastRunTime     *int64
	errorCount      int
	retryCount      int
	startupAttempts int
	lastError       string
	cyclesCompleted int64
	skippedTicks    int64
	lastCycle       *CycleReport
}

func New(cfg Config, store db.Store, dispatcher Dispatcher, log *zap.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		log:        log,
		now:        time.Now,
		newTicker:  NewTimeTicker,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start installs the poll timer. Installation is retried StartupAttempts
// times, StartupDelay apart; if every attempt fails the scheduler stays
// stopped and a SchedulerStartup error is returned. ctx only bounds the
// installation retries.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if s.isRunning() {
		s.log.Warn("scheduler already running")
		return nil
	}

	attempts := 0
	var ticker Ticker
	install := func() error {
		attempts++
		t, err := s.newTicker(s.cfg.PollInterval)
		if err != nil {
			return err
		}
		ticker = t
		return nil
	}

	maxAttempts := s.cfg.StartupAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	b := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.cfg.StartupDelay), uint64(maxAttempts-1)),
		ctx,
	)
	err := backoff.RetryNotify(install, b, func(err error, d time.Duration) {
		s.log.Warn("poll timer installation failed, retrying",
			zap.Int("attempt", attempts),
			zap.Duration("delay", d),
			zap.Error(err),
		)
	})

	s.mu.Lock()
	s.startupAttempts = attempts
	if err != nil {
		s.lastError = err.Error()
		s.mu.Unlock()
		s.log.Error("scheduler failed to start", zap.Int("attempts", attempts), zap.Error(err))
		return apperr.SchedulerStartup(attempts, err)
	}
	s.running = true
	s.mu.Unlock()

	s.ticker = ticker
	s.stopCh = make(chan struct{})
	s.loopDone = make(chan struct{})
	go s.loop(ticker, s.stopCh, s.loopDone)

	s.log.Info("scheduler started",
		zap.Duration("poll_interval", s.cfg.PollInterval),
		zap.Int("batch_size", s.cfg.BatchSize),
		zap.Int("startup_attempts", attempts),
	)
	return nil
}

// Stop cancels the poll timer. A cycle already running is left to finish.
func (s *Scheduler) Stop() error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()

	if !s.isRunning() {
		s.log.Warn("scheduler already stopped")
		return nil
	}

	s.ticker.Stop()
	close(s.stopCh)
	<-s.loopDone

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()

	s.log.Info("scheduler stopped", zap.Bool("cycle_in_flight", s.inFlight.Load()))
	return nil
}

func (s *Scheduler) Restart(ctx context.Context) error {
	if err := s.Stop(); err != nil {
		return err
	}
	return s.Start(ctx)
}

// Shutdown stops the timer and waits for a scheduled cycle in flight, or for
// ctx to expire.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if err := s.Stop(); err != nil {
		return err
	}

	done := make(chan struct{})
	go func() {
		s.cycles.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for in-flight cycle: %w", ctx.Err())
	}
}

func (s *Scheduler) isRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) loop(t Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-stop:
			return

		case <-t.C():
			if !s.inFlight.CompareAndSwap(false, true) {
				s.mu.Lock()
				s.skippedTicks++
				s.mu.Unlock()
				metrics.SchedulerSkippedTicks.Inc()
				s.log.Warn("previous cycle still running, skipping tick")
				continue
			}

			s.cycles.Add(1)
			go func() {
				defer s.cycles.Done()
				defer s.inFlight.Store(false)

				// Errors are already counted; the timer keeps running.
				if _, err := s.process(context.Background()); err != nil {
					s.log.Error("poll cycle failed", zap.Error(err))
				}
			}()
		}
	}
}

// ProcessFollowUps runs one poll cycle now. It fails with CycleInProgress if
// a cycle is already running. Cancelling ctx does not interrupt sends.
func (s *Scheduler) ProcessFollowUps(ctx context.Context) (CycleReport, error) {
	if !s.inFlight.CompareAndSwap(false, true) {
		return CycleReport{}, apperr.ErrCycleInProgress
	}
	defer s.inFlight.Store(false)

	return s.process(context.WithoutCancel(ctx))
}

func (s *Scheduler) process(ctx context.Context) (CycleReport, error) {
	start := s.now()
	startMs := start.UnixMilli()

	s.mu.Lock()
	s.lastRunTime = &startMs
	s.mu.Unlock()

	report := CycleReport{StartedAt: startMs}

	apps, err := s.store.FindEligibleApplications(ctx, startMs, s.cfg.BatchSize)
	if err != nil {
		s.mu.Lock()
		s.errorCount++
		s.lastError = err.Error()
		errorCount := s.errorCount
		s.mu.Unlock()

		metrics.SchedulerErrorCount.Set(float64(errorCount))
		metrics.SchedulerCycles.WithLabelValues("query_error").Inc()
		metrics.FollowUpFailures.WithLabelValues(metrics.ReasonQuery).Inc()
		return report, fmt.Errorf("find eligible applications: %w", err)
	}

	report.Fetched = len(apps)
	for _, app := range apps {
		s.dispatchWithRetry(ctx, app, &report)
	}

	elapsed := s.now().Sub(start)
	report.DurationMs = elapsed.Milliseconds()

	s.mu.Lock()
	s.errorCount = 0
	s.retryCount = 0
	s.startupAttempts = 0
	s.cyclesCompleted++
	s.lastCycle = &report
	s.mu.Unlock()

	metrics.SchedulerErrorCount.Set(0)
	metrics.SchedulerCycles.WithLabelValues("ok").Inc()
	metrics.SchedulerCycleDuration.Observe(elapsed.Seconds())

	s.log.Info("poll cycle complete",
		zap.Int("fetched", report.Fetched),
		zap.Int("sent", report.Sent),
		zap.Int("failed", report.Failed),
		zap.Int("retried", report.Retried),
		zap.Int("skipped", report.Skipped),
		zap.Int64("duration_ms", report.DurationMs),
	)
	return report, nil
}

// dispatchWithRetry dispatches app and, for a retryable failure while the
// cycle's retry budget lasts, sleeps and dispatches it once more before the
// batch moves on.
func (s *Scheduler) dispatchWithRetry(ctx context.Context, app models.Application, report *CycleReport) {
	log := s.log.With(zap.String("application_id", app.ID))

	res, err := s.dispatcher.Dispatch(ctx, app)
	if s.settle(log, res, err, report) {
		return
	}

	s.mu.Lock()
	retry := apperr.IsRetryable(err) && s.retryCount < s.cfg.RetryMaxAttempts
	if retry {
		s.retryCount++
	}
	retryCount := s.retryCount
	s.mu.Unlock()

	if !retry {
		report.Failed++
		return
	}

	delay := RetryDelay(retryCount, s.cfg.BaseDelay, s.cfg.BackoffFactor, s.cfg.MaxDelay)
	log.Warn("dispatch failed, retrying",
		zap.Int("retry_count", retryCount),
		zap.Duration("delay", delay),
		zap.Error(err),
	)
	report.Retried++
	metrics.SchedulerRetries.Inc()

	if err := s.sleep(ctx, delay); err != nil {
		report.Failed++
		return
	}

	res, err = s.dispatcher.Dispatch(ctx, app)
	if !s.settle(log, res, err, report) {
		report.Failed++
	}
}

// settle records the outcome of one dispatch call. It returns false for a
// failure that was counted against errorCount.
func (s *Scheduler) settle(log *zap.Logger, res worker.Result, err error, report *CycleReport) bool {
	switch {
	case err == nil:
		if res.Resumed {
			report.Resumed++
		} else {
			report.Sent++
		}
		return true

	case errors.Is(err, apperr.ErrConcurrentModification):
		report.Skipped++
		log.Info("application modified concurrently, skipping until next cycle", zap.Error(err))
		return true
	}

	s.mu.Lock()
	s.errorCount++
	s.lastError = err.Error()
	errorCount := s.errorCount
	s.mu.Unlock()
	metrics.SchedulerErrorCount.Set(float64(errorCount))

	log.Warn("dispatch failed",
		zap.Int("error_count", errorCount),
		zap.Bool("retryable", apperr.IsRetryable(err)),
		zap.Error(err),
	)
	return false
}

// RetryDelay returns min(base * factor^(n-1), max) for the n-th retry.
func RetryDelay(n int, base time.Duration, factor float64, max time.Duration) time.Duration {
	if n < 1 {
		n = 1
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = factor
	b.MaxInterval = max
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	if d > max {
		d = max
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
