// Package apperr defines the error taxonomy shared by the follow-up scheduler.
package apperr

import (
	"errors"
	"fmt"
)

// Code identifies a class of failure.
type Code string

const (
	CodeInvalidDate            Code = "INVALID_DATE"
	CodeInvalidTimestamp       Code = "INVALID_TIMESTAMP"
	CodeInvalidInterval        Code = "INVALID_INTERVAL"
	CodeInvalidTimezone        Code = "INVALID_TIMEZONE"
	CodeValidationFailed       Code = "VALIDATION_FAILED"
	CodeSchedulerStartup       Code = "SCHEDULER_STARTUP_FAILED"
	CodeEmailSendFailed        Code = "EMAIL_SEND_FAILED"
	CodeRecordPersistence      Code = "RECORD_PERSISTENCE_FAILED"
	CodeConcurrentModification Code = "CONCURRENT_MODIFICATION"
	CodeCycleInProgress        Code = "CYCLE_IN_PROGRESS"
	CodeNotFound               Code = "NOT_FOUND"
)

// Error is a coded application error. Two errors are equal under errors.Is
// when their codes match, so the sentinels below match any detailed instance.
type Error struct {
	Code      Code   `json:"code"`
	Message   string `json:"message"`
	Details   string `json:"details,omitempty"`
	Retryable bool   `json:"retryable"`
	Err       error  `json:"-"`
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Details != "" {
		msg += " (" + e.Details + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is checks.
var (
	ErrInvalidDate            = &Error{Code: CodeInvalidDate, Message: "invalid date"}
	ErrInvalidTimestamp       = &Error{Code: CodeInvalidTimestamp, Message: "invalid timestamp"}
	ErrInvalidInterval        = &Error{Code: CodeInvalidInterval, Message: "invalid interval"}
	ErrInvalidTimezone        = &Error{Code: CodeInvalidTimezone, Message: "invalid timezone"}
	ErrValidation             = &Error{Code: CodeValidationFailed, Message: "validation failed"}
	ErrSchedulerStartup       = &Error{Code: CodeSchedulerStartup, Message: "scheduler failed to start"}
	ErrEmailSend              = &Error{Code: CodeEmailSendFailed, Message: "email send failed", Retryable: true}
	ErrRecordPersistence      = &Error{Code: CodeRecordPersistence, Message: "follow-up bookkeeping failed after send"}
	ErrConcurrentModification = &Error{Code: CodeConcurrentModification, Message: "application modified concurrently"}
	ErrCycleInProgress        = &Error{Code: CodeCycleInProgress, Message: "a poll cycle is already running"}
	ErrNotFound               = &Error{Code: CodeNotFound, Message: "not found"}
)

func New(code Code, message, details string) *Error {
	return &Error{Code: code, Message: message, Details: details}
}

func InvalidDate(details string) *Error {
	return New(CodeInvalidDate, "invalid date", details)
}

func InvalidTimestamp(details string) *Error {
	return New(CodeInvalidTimestamp, "invalid timestamp", details)
}

func InvalidInterval(details string) *Error {
	return New(CodeInvalidInterval, "invalid interval", details)
}

func InvalidTimezone(tz string, err error) *Error {
	return &Error{Code: CodeInvalidTimezone, Message: "invalid timezone", Details: tz, Err: err}
}

func Validation(details string) *Error {
	return New(CodeValidationFailed, "validation failed", details)
}

// SchedulerStartup reports that the poll timer could not be installed.
func SchedulerStartup(attempts int, err error) *Error {
	return &Error{
		Code:    CodeSchedulerStartup,
		Message: "scheduler failed to start",
		Details: fmt.Sprintf("attempts: %d", attempts),
		Err:     err,
	}
}

// EmailSend wraps a transport or auth failure from the email collaborator.
func EmailSend(to string, err error) *Error {
	return &Error{
		Code:      CodeEmailSendFailed,
		Message:   "email send failed",
		Details:   "to: " + to,
		Retryable: true,
		Err:       err,
	}
}

// RecordPersistence reports a store write failure after the email went out.
func RecordPersistence(applicationID, step string, err error) *Error {
	return &Error{
		Code:    CodeRecordPersistence,
		Message: "follow-up bookkeeping failed after send",
		Details: fmt.Sprintf("applicationId: %s, step: %s", applicationID, step),
		Err:     err,
	}
}

func ConcurrentModification(applicationID string) *Error {
	return New(CodeConcurrentModification, "application modified concurrently", "applicationId: "+applicationID)
}

func NotFound(kind, id string) *Error {
	return New(CodeNotFound, kind+" not found", "id: "+id)
}

// IsRetryable reports whether err is a coded error marked retryable.
func IsRetryable(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Retryable
	}
	return false
}

// CodeOf returns the code of err, or "" for uncoded errors.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}
