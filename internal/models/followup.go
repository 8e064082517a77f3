package models

import "github.com/google/uuid"

type FollowUpStatus string

const (
	FollowUpSent   FollowUpStatus = "sent"
	FollowUpFailed FollowUpStatus = "failed"
)

func (s FollowUpStatus) Valid() bool {
	return s == FollowUpSent || s == FollowUpFailed
}

// FollowUpRecord is the append-only history of submitted follow-ups.
type FollowUpRecord struct {
	ID                    string         `json:"id" dynamodbav:"id"`
	Recipient             string         `json:"recipient" dynamodbav:"recipient"`
	Subject               string         `json:"subject" dynamodbav:"subject"`
	Content               string         `json:"content" dynamodbav:"content"`
	OriginalApplicationID string         `json:"originalApplicationId" dynamodbav:"original_application_id"`
	AttemptNumber         int            `json:"attemptNumber" dynamodbav:"attempt_number"`
	Status                FollowUpStatus `json:"status" dynamodbav:"status"`
	SentAt                int64          `json:"sentAt" dynamodbav:"sent_at"`
	CreatedAt             int64          `json:"createdAt" dynamodbav:"created_at"`
}

func NewFollowUpRecord(app *Application, subject, content string, attempt int, nowMs int64) *FollowUpRecord {
	return &FollowUpRecord{
		ID:                    uuid.NewString(),
		Recipient:             app.RecipientEmail,
		Subject:               subject,
		Content:               content,
		OriginalApplicationID: app.ID,
		AttemptNumber:         attempt,
		Status:                FollowUpSent,
		SentAt:                nowMs,
		CreatedAt:             nowMs,
	}
}
