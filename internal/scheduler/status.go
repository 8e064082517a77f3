package scheduler

import (
	"fmt"
	"time"
)

type Health string

const (
	Healthy   Health = "healthy"
	Degraded  Health = "degraded"
	Unhealthy Health = "unhealthy"
)

// HealthFor derives health from the error count: above unhealthy is
// unhealthy, above degraded is degraded, anything else is healthy.
func HealthFor(errorCount, degradedThreshold, unhealthyThreshold int) Health {
	switch {
	case errorCount > unhealthyThreshold:
		return Unhealthy
	case errorCount > degradedThreshold:
		return Degraded
	default:
		return Healthy
	}
}

// CycleReport summarises one poll cycle.
type CycleReport struct {
	StartedAt  int64 `json:"startedAt"`
	DurationMs int64 `json:"durationMs"`
	Fetched    int   `json:"fetched"`
	Sent       int   `json:"sent"`
	Resumed    int   `json:"resumed"`
	Failed     int   `json:"failed"`
	Retried    int   `json:"retried"`
	Skipped    int   `json:"skipped"`
}

type Status struct {
	IsRunning       bool         `json:"isRunning"`
	LastRunTime     *int64       `json:"lastRunTime"`
	ErrorCount      int          `json:"errorCount"`
	RetryCount      int          `json:"retryCount"`
	StartupAttempts int          `json:"startupAttempts"`
	Health          Health       `json:"health"`
	NextRunTime     *int64       `json:"nextRunTime"`
	LastError       string       `json:"lastError,omitempty"`
	CyclesCompleted int64        `json:"cyclesCompleted"`
	SkippedTicks    int64        `json:"skippedTicks"`
	LastCycle       *CycleReport `json:"lastCycle,omitempty"`
}

// GetStatus returns a snapshot. NextRunTime is now plus the poll interval
// while running; a long cycle can push the real next run later.
func (s *Scheduler) GetStatus() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		IsRunning:       s.running,
		ErrorCount:      s.errorCount,
		RetryCount:      s.retryCount,
		StartupAttempts: s.startupAttempts,
		Health:          HealthFor(s.errorCount, s.cfg.DegradedThreshold, s.cfg.UnhealthyThreshold),
		LastError:       s.lastError,
		CyclesCompleted: s.cyclesCompleted,
		SkippedTicks:    s.skippedTicks,
	}
	if s.lastRunTime != nil {
		v := *s.lastRunTime
		st.LastRunTime = &v
	}
	if s.lastCycle != nil {
		c := *s.lastCycle
		st.LastCycle = &c
	}
	if s.running {
		next := s.now().Add(s.cfg.PollInterval).UnixMilli()
		st.NextRunTime = &next
	}
	return st
}

// Ticker delivers poll ticks.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

// TickerFactory installs a repeating timer.
type TickerFactory func(interval time.Duration) (Ticker, error)

type timeTicker struct {
	t *time.Ticker
}

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

// NewTimeTicker is the default TickerFactory.
func NewTimeTicker(interval time.Duration) (Ticker, error) {
	if interval <= 0 {
		return nil, fmt.Errorf("poll interval must be positive, got %s", interval)
	}
	return timeTicker{t: time.NewTicker(interval)}, nil
}
