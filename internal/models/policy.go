package models

import (
	"fmt"

	"FollowUp/internal/apperr"
	"FollowUp/internal/timeutil"
)

type CadenceType string

const (
	CadenceOneTime         CadenceType = "one_time"
	CadencePeriodicLimited CadenceType = "periodic_limited"
	CadenceUntilResponse   CadenceType = "until_response"
)

func (c CadenceType) Valid() bool {
	switch c {
	case CadenceOneTime, CadencePeriodicLimited, CadenceUntilResponse:
		return true
	}
	return false
}

// FollowUpPolicy is embedded in each Application. CadenceType is
// informational; eligibility is gated by AttemptCount and MaxAttempts.
type FollowUpPolicy struct {
	CadenceType   CadenceType `json:"cadenceType" dynamodbav:"cadence_type"`
	IntervalDays  int         `json:"intervalDays" dynamodbav:"interval_days"`
	MaxAttempts   int         `json:"maxAttempts" dynamodbav:"max_attempts"`
	AttemptCount  int         `json:"attemptCount" dynamodbav:"attempt_count"`
	LastAttemptAt *int64      `json:"lastAttemptAt,omitempty" dynamodbav:"last_attempt_at,omitempty"`
	NextDueAt     int64       `json:"nextDueAt" dynamodbav:"next_due_at"`
	Timezone      string      `json:"timezone" dynamodbav:"timezone"`
}

// PolicyUpdate carries the fields Dispatch advances after a successful send.
type PolicyUpdate struct {
	AttemptCount  int
	LastAttemptAt int64
	NextDueAt     int64
	UpdatedAt     int64
}

// NewPolicy builds a policy whose first follow-up falls due intervalDays
// calendar days after fromMs in tz. A one_time cadence always allows a single
// attempt.
func NewPolicy(cadence CadenceType, intervalDays, maxAttempts int, tz string, fromMs int64) (FollowUpPolicy, error) {
	if cadence == "" {
		cadence = CadencePeriodicLimited
	}
	if cadence == CadenceOneTime {
		maxAttempts = 1
	}
	if err := checkInterval(intervalDays); err != nil {
		return FollowUpPolicy{}, err
	}
	next, err := timeutil.AddCalendarDays(fromMs, intervalDays, tz)
	if err != nil {
		return FollowUpPolicy{}, err
	}
	return FollowUpPolicy{
		CadenceType:  cadence,
		IntervalDays: intervalDays,
		MaxAttempts:  maxAttempts,
		NextDueAt:    next,
		Timezone:     tz,
	}, nil
}

func (p FollowUpPolicy) Validate(nowMs int64) error {
	if !p.CadenceType.Valid() {
		return apperr.Validation(fmt.Sprintf("unknown cadenceType %q", p.CadenceType))
	}
	if err := checkInterval(p.IntervalDays); err != nil {
		return err
	}
	if p.MaxAttempts < 1 {
		return apperr.Validation(fmt.Sprintf("maxAttempts must be >= 1, got %d", p.MaxAttempts))
	}
	if p.AttemptCount < 0 || p.AttemptCount > p.MaxAttempts {
		return apperr.Validation(fmt.Sprintf("attemptCount %d outside [0, %d]", p.AttemptCount, p.MaxAttempts))
	}
	if _, err := timeutil.LoadLocation(p.Timezone); err != nil {
		return err
	}
	if _, err := timeutil.EpochToZonedCalendarTime(p.NextDueAt, p.Timezone); err != nil {
		return err
	}
	if p.NextDueAt <= nowMs {
		return apperr.InvalidDate(fmt.Sprintf("nextDueAt %d must be in the future", p.NextDueAt))
	}
	return nil
}

func checkInterval(days int) error {
	if days < 1 || days > timeutil.MaxDays {
		return apperr.InvalidInterval(fmt.Sprintf("intervalDays must be in [1, %d], got %d", timeutil.MaxDays, days))
	}
	return nil
}

// Exhausted reports whether no further follow-ups will be sent.
func (p FollowUpPolicy) Exhausted() bool {
	return p.AttemptCount >= p.MaxAttempts
}

// Describe renders the cadence for display, e.g.
// "every 7 days, up to 3 follow-ups (1 sent)".
func (p FollowUpPolicy) Describe() string {
	var s string
	switch p.CadenceType {
	case CadenceOneTime:
		s = fmt.Sprintf("once, %s after sending", days(p.IntervalDays))
	case CadenceUntilResponse:
		s = fmt.Sprintf("every %s until a response, at most %d follow-ups", days(p.IntervalDays), p.MaxAttempts)
	default:
		s = fmt.Sprintf("every %s, up to %d follow-ups", days(p.IntervalDays), p.MaxAttempts)
	}
	return fmt.Sprintf("%s (%d sent)", s, p.AttemptCount)
}

func days(n int) string {
	if n == 1 {
		return "1 day"
	}
	return fmt.Sprintf("%d days", n)
}
