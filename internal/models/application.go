package models

import (
	"fmt"
	"net/mail"
	"strings"

	"github.com/google/uuid"

	"FollowUp/internal/apperr"
	"FollowUp/internal/timeutil"
)

type ApplicationStatus string

const (
	StatusDraft      ApplicationStatus = "draft"
	StatusSent       ApplicationStatus = "sent"
	StatusResponded  ApplicationStatus = "responded"
	StatusRejected   ApplicationStatus = "rejected"
	StatusAccepted   ApplicationStatus = "accepted"
	StatusProcessing ApplicationStatus = "processing"
	StatusFailed     ApplicationStatus = "failed"
)

func (s ApplicationStatus) Valid() bool {
	switch s {
	case StatusDraft, StatusSent, StatusResponded, StatusRejected,
		StatusAccepted, StatusProcessing, StatusFailed:
		return true
	}
	return false
}

// Application is a job application the user sent and may want to follow up on.
// All instants are epoch milliseconds (UTC).
type Application struct {
	ID             string            `json:"id" dynamodbav:"id"`
	UserID         string            `json:"userId" dynamodbav:"user_id"`
	RecipientEmail string            `json:"recipientEmail" dynamodbav:"recipient_email"`
	Company        string            `json:"company" dynamodbav:"company"`
	Position       string            `json:"position" dynamodbav:"position"`
	Subject        string            `json:"subject" dynamodbav:"subject"`
	Status         ApplicationStatus `json:"status" dynamodbav:"status"`
	SentAt         *int64            `json:"sentAt,omitempty" dynamodbav:"sent_at,omitempty"`
	Policy         FollowUpPolicy    `json:"followUpPolicy" dynamodbav:"policy"`

	CreatedAt int64 `json:"createdAt" dynamodbav:"created_at"`
	UpdatedAt int64 `json:"updatedAt" dynamodbav:"updated_at"`
}

// NewApplication returns a sent application with a fresh id whose policy is
// p. Timestamps are set to nowMs.
func NewApplication(userID, recipient, company, position, subject string, sentAt *int64, p FollowUpPolicy, nowMs int64) *Application {
	return &Application{
		ID:             uuid.NewString(),
		UserID:         userID,
		RecipientEmail: strings.TrimSpace(recipient),
		Company:        strings.TrimSpace(company),
		Position:       strings.TrimSpace(position),
		Subject:        strings.TrimSpace(subject),
		Status:         StatusSent,
		SentAt:         sentAt,
		Policy:         p,
		CreatedAt:      nowMs,
		UpdatedAt:      nowMs,
	}
}

// IsEligible reports whether the application is due for a follow-up at nowMs.
func (a *Application) IsEligible(nowMs int64) bool {
	return a.Status == StatusSent &&
		a.Policy.NextDueAt <= nowMs &&
		a.Policy.AttemptCount < a.Policy.MaxAttempts
}

// Validate is applied on write. nextDueAt must lie after nowMs.
func (a *Application) Validate(nowMs int64) error {
	if strings.TrimSpace(a.RecipientEmail) == "" {
		return apperr.Validation("recipientEmail is required")
	}
	if _, err := mail.ParseAddress(a.RecipientEmail); err != nil {
		return apperr.Validation(fmt.Sprintf("recipientEmail %q is not a valid address", a.RecipientEmail))
	}
	if a.Company == "" || a.Position == "" {
		return apperr.Validation("company and position are required")
	}
	if !a.Status.Valid() {
		return apperr.Validation(fmt.Sprintf("unknown status %q", a.Status))
	}
	if a.SentAt != nil {
		if _, err := timeutil.EpochToZonedCalendarTime(*a.SentAt, a.Policy.Timezone); err != nil {
			return err
		}
	}
	return a.Policy.Validate(nowMs)
}
