package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"FollowUp/internal/apperr"
	"FollowUp/internal/db"
	"FollowUp/internal/email"
	"FollowUp/internal/idempotency"
	"FollowUp/internal/metrics"
	"FollowUp/internal/models"
	"FollowUp/internal/timeutil"
)

// Renderer produces the subject and body for an attempt.
type Renderer interface {
	Render(app *models.Application, attempt int) (email.Content, error)
}

// Result describes a dispatch that did not fail.
type Result struct {
	Attempt int
	// Resumed is set when the email for this attempt had already been sent and
	// only the bookkeeping was completed.
	Resumed bool
}

// Dispatcher processes one eligible application: render, claim, send, then
// advance the policy and append the follow-up record.
type Dispatcher struct {
	Store    db.Store
	Sender   email.Sender
	Renderer Renderer
	Marker   idempotency.Marker // optional
	Limiter  *rate.Limiter      // optional
	Log      *zap.Logger

	ClaimTTL time.Duration
	SentTTL  time.Duration

	Now func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return timeutil.Now()
}

func (d *Dispatcher) Dispatch(ctx context.Context, app models.Application) (Result, error) {
	now := d.now()
	nowMs := now.UnixMilli()

	if !app.IsEligible(nowMs) {
		return Result{}, apperr.Validation("application " + app.ID + " is not eligible for follow-up")
	}

	attempt := app.Policy.AttemptCount + 1
	log := d.Log.With(
		zap.String("application_id", app.ID),
		zap.Int("attempt", attempt),
	)

	// ----------------------------
	// Render
	// ----------------------------
	content, err := d.Renderer.Render(&app, attempt)
	if err != nil {
		metrics.FollowUpFailures.WithLabelValues(metrics.ReasonRender).Inc()
		return Result{}, err
	}

	// ----------------------------
	// Claim attempt
	// ----------------------------
	key := idempotency.Key(app.ID, attempt)
	useMarker := d.Marker != nil
	resumed := false

	if useMarker {
		outcome, err := d.Marker.Claim(ctx, key, d.ClaimTTL)
		switch {
		case err != nil:
			log.Warn("idempotency marker unavailable, sending without it", zap.Error(err))
			useMarker = false
		case outcome == idempotency.InFlight:
			metrics.FollowUpFailures.WithLabelValues(metrics.ReasonConflict).Inc()
			return Result{}, apperr.ConcurrentModification(app.ID)
		case outcome == idempotency.AlreadySent:
			log.Info("email already sent for attempt, completing bookkeeping only")
			resumed = true
		}
	}

	if !resumed {
		// ----------------------------
		// Rate Limit
		// ----------------------------
		if d.Limiter != nil {
			if err := d.Limiter.Wait(ctx); err != nil {
				d.release(ctx, log, useMarker, key)
				return Result{}, err
			}
		}

		// ----------------------------
		// Send Email
		// ----------------------------
		err := d.Sender.Send(ctx, email.Message{
			To:       app.RecipientEmail,
			Subject:  content.Subject,
			HTMLBody: content.HTMLBody,
			Context:  content.Context,
		})
		if err != nil {
			d.release(ctx, log, useMarker, key)
			metrics.FollowUpFailures.WithLabelValues(metrics.ReasonSend).Inc()
			log.Warn("follow-up send failed", zap.String("to", app.RecipientEmail), zap.Error(err))
			return Result{}, apperr.EmailSend(app.RecipientEmail, err)
		}

		if useMarker {
			if err := d.Marker.MarkSent(ctx, key, d.SentTTL); err != nil {
				log.Warn("failed to mark attempt as sent", zap.Error(err))
			}
		}

		metrics.FollowUpsSent.Inc()
		log.Info("follow-up sent", zap.String("to", app.RecipientEmail))
	}

	// ----------------------------
	// Advance policy
	// ----------------------------
	next, err := timeutil.AddCalendarDays(nowMs, app.Policy.IntervalDays, app.Policy.Timezone)
	if err != nil {
		return Result{}, d.inconsistent(log, app.ID, "compute_next_due", err)
	}

	ok, err := d.Store.ConditionalUpdatePolicy(ctx, app.ID, app.Policy.AttemptCount, models.PolicyUpdate{
		AttemptCount:  attempt,
		LastAttemptAt: nowMs,
		NextDueAt:     next,
		UpdatedAt:     nowMs,
	})
	if err != nil {
		return Result{}, d.inconsistent(log, app.ID, "conditional_update", err)
	}
	if !ok {
		metrics.FollowUpFailures.WithLabelValues(metrics.ReasonConflict).Inc()
		log.Warn("policy changed concurrently, skipping record")
		return Result{}, apperr.ConcurrentModification(app.ID)
	}

	// ----------------------------
	// Record
	// ----------------------------
	rec := models.NewFollowUpRecord(&app, content.Subject, content.HTMLBody, attempt, nowMs)
	if err := d.Store.CreateFollowUpRecord(ctx, rec); err != nil {
		return Result{}, d.inconsistent(log, app.ID, "create_record", err)
	}

	log.Info("follow-up recorded",
		zap.String("record_id", rec.ID),
		zap.String("next_due_at", formatNext(next, app.Policy.Timezone)),
	)

	return Result{Attempt: attempt, Resumed: resumed}, nil
}

func (d *Dispatcher) release(ctx context.Context, log *zap.Logger, useMarker bool, key string) {
	if !useMarker {
		return
	}
	if err := d.Marker.Release(ctx, key); err != nil {
		log.Warn("failed to release attempt marker", zap.Error(err))
	}
}

// inconsistent logs a bookkeeping failure after the email went out.
func (d *Dispatcher) inconsistent(log *zap.Logger, appID, step string, err error) error {
	metrics.FollowUpFailures.WithLabelValues(metrics.ReasonPersistence).Inc()
	log.Error("follow-up sent but bookkeeping failed",
		zap.String("severity", "inconsistency"),
		zap.String("step", step),
		zap.Error(err),
	)
	var coded *apperr.Error
	if errors.As(err, &coded) && coded.Code == apperr.CodeRecordPersistence {
		return err
	}
	return apperr.RecordPersistence(appID, step, err)
}

func formatNext(ms int64, tz string) string {
	s, err := timeutil.ToISOStringInZone(ms, tz)
	if err != nil {
		return ""
	}
	return s
}
