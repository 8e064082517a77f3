// Package idempotency guards each follow-up attempt with a short-lived marker
// so that an attempt whose email already went out is not sent again while the
// marker lives.
package idempotency

import (
	"context"
	"fmt"
	"time"
)

// Outcome of claiming an attempt.
type Outcome int

const (
	// Claimed means the caller now owns the attempt and should send.
	Claimed Outcome = iota
	// InFlight means another dispatch holds the attempt.
	InFlight
	// AlreadySent means the email for this attempt was delivered earlier and
	// only bookkeeping may be outstanding.
	AlreadySent
)

func (o Outcome) String() string {
	switch o {
	case Claimed:
		return "claimed"
	case InFlight:
		return "in_flight"
	case AlreadySent:
		return "already_sent"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

const (
	valuePending = "pending"
	valueSent    = "sent"
)

type Marker interface {
	Claim(ctx context.Context, key string, ttl time.Duration) (Outcome, error)
	MarkSent(ctx context.Context, key string, ttl time.Duration) error
	Release(ctx context.Context, key string) error
}

// Key identifies one attempt of one application.
func Key(applicationID string, attempt int) string {
	return fmt.Sprintf("followup:%s:%d", applicationID, attempt)
}
