package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"FollowUp/internal/apperr"
	"FollowUp/internal/db"
	"FollowUp/internal/email"
	"FollowUp/internal/idempotency"
	"FollowUp/internal/models"
)

var fixedNow = time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)

const dayMs = int64(24 * time.Hour / time.Millisecond)

type fakeSender struct {
	mu   sync.Mutex
	sent []email.Message
	err  error
}

func (f *fakeSender) Send(_ context.Context, msg email.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeSender) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.sent)
}

type failingMarker struct{}

func (failingMarker) Claim(context.Context, string, time.Duration) (idempotency.Outcome, error) {
	return idempotency.InFlight, errors.New("redis: connection refused")
}
func (failingMarker) MarkSent(context.Context, string, time.Duration) error {
	return errors.New("redis: connection refused")
}
func (failingMarker) Release(context.Context, string) error { return nil }

// recordFailStore fails every CreateFollowUpRecord.
type recordFailStore struct {
	db.Store
}

func (recordFailStore) CreateFollowUpRecord(context.Context, *models.FollowUpRecord) error {
	return errors.New("write timeout")
}

func seedApp(t *testing.T, s db.Store) models.Application {
	t.Helper()
	sent := fixedNow.Add(-10 * 24 * time.Hour).UnixMilli()
	app := models.Application{
		ID:             "app-1",
		RecipientEmail: "talent@globex.com",
		Company:        "Globex",
		Position:       "SRE",
		Subject:        "SRE application",
		Status:         models.StatusSent,
		SentAt:         &sent,
		Policy: models.FollowUpPolicy{
			CadenceType:  models.CadencePeriodicLimited,
			IntervalDays: 3,
			MaxAttempts:  3,
			NextDueAt:    fixedNow.UnixMilli() - 1000,
			Timezone:     "UTC",
		},
		CreatedAt: sent,
		UpdatedAt: sent,
	}
	require.NoError(t, s.InsertApplication(context.Background(), &app))
	return app
}

func newDispatcher(t *testing.T, s db.Store, sender email.Sender, marker idempotency.Marker) *Dispatcher {
	t.Helper()
	r, err := email.NewRenderer()
	require.NoError(t, err)
	return &Dispatcher{
		Store:    s,
		Sender:   sender,
		Renderer: r,
		Marker:   marker,
		Log:      zaptest.NewLogger(t),
		ClaimTTL: 10 * time.Minute,
		SentTTL:  24 * time.Hour,
		Now:      func() time.Time { return fixedNow },
	}
}

func TestDispatch_Success(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	app := seedApp(t, store)
	sender := &fakeSender{}
	marker := idempotency.NewMemory()
	d := newDispatcher(t, store, sender, marker)

	res, err := d.Dispatch(ctx, app)
	require.NoError(t, err)
	assert.Equal(t, Result{Attempt: 1}, res)

	require.Equal(t, 1, sender.count())
	assert.Equal(t, "talent@globex.com", sender.sent[0].To)
	assert.Equal(t, "Re: SRE application", sender.sent[0].Subject)
	assert.Equal(t, "1", sender.sent[0].Context["attempt"])

	got, err := store.GetApplication(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Policy.AttemptCount)
	assert.Equal(t, fixedNow.UnixMilli()+3*dayMs, got.Policy.NextDueAt)
	require.NotNil(t, got.Policy.LastAttemptAt)
	assert.Equal(t, fixedNow.UnixMilli(), *got.Policy.LastAttemptAt)

	recs, err := store.ListFollowUpRecords(ctx, app.ID)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, 1, recs[0].AttemptNumber)
	assert.Equal(t, models.FollowUpSent, recs[0].Status)
	assert.Equal(t, sender.sent[0].HTMLBody, recs[0].Content)

	out, _ := marker.Claim(ctx, idempotency.Key(app.ID, 1), time.Minute)
	assert.Equal(t, idempotency.AlreadySent, out)
}

func TestDispatch_SendFailureLeavesPolicyUntouched(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	app := seedApp(t, store)
	marker := idempotency.NewMemory()
	d := newDispatcher(t, store, &fakeSender{err: errors.New("smtp: 421 try later")}, marker)

	_, err := d.Dispatch(ctx, app)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrEmailSend))
	assert.True(t, apperr.IsRetryable(err))

	got, err := store.GetApplication(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, app.Policy.AttemptCount, got.Policy.AttemptCount)
	assert.Equal(t, app.Policy.NextDueAt, got.Policy.NextDueAt)

	recs, _ := store.ListFollowUpRecords(ctx, app.ID)
	assert.Empty(t, recs)

	out, _ := marker.Claim(ctx, idempotency.Key(app.ID, 1), time.Minute)
	assert.Equal(t, idempotency.Claimed, out, "marker released after failed send")
}

func TestDispatch_InFlightMarkerIsConcurrentModification(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	app := seedApp(t, store)
	sender := &fakeSender{}
	marker := idempotency.NewMemory()
	_, _ = marker.Claim(ctx, idempotency.Key(app.ID, 1), time.Minute)

	_, err := newDispatcher(t, store, sender, marker).Dispatch(ctx, app)
	assert.True(t, errors.Is(err, apperr.ErrConcurrentModification))
	assert.Zero(t, sender.count())
}

func TestDispatch_AlreadySentCompletesBookkeepingOnly(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	app := seedApp(t, store)
	sender := &fakeSender{}
	marker := idempotency.NewMemory()
	require.NoError(t, marker.MarkSent(ctx, idempotency.Key(app.ID, 1), time.Hour))

	res, err := newDispatcher(t, store, sender, marker).Dispatch(ctx, app)
	require.NoError(t, err)
	assert.True(t, res.Resumed)
	assert.Zero(t, sender.count())

	got, _ := store.GetApplication(ctx, app.ID)
	assert.Equal(t, 1, got.Policy.AttemptCount)
	recs, _ := store.ListFollowUpRecords(ctx, app.ID)
	assert.Len(t, recs, 1)
}

func TestDispatch_ConditionalUpdateLost(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	app := seedApp(t, store)

	// Someone else advanced the policy after our snapshot was read.
	ok, err := store.ConditionalUpdatePolicy(ctx, app.ID, 0, models.PolicyUpdate{
		AttemptCount: 1, LastAttemptAt: fixedNow.UnixMilli(), NextDueAt: fixedNow.UnixMilli() + dayMs,
	})
	require.NoError(t, err)
	require.True(t, ok)

	_, err = newDispatcher(t, store, &fakeSender{}, nil).Dispatch(ctx, app)
	assert.True(t, errors.Is(err, apperr.ErrConcurrentModification))

	recs, _ := store.ListFollowUpRecords(ctx, app.ID)
	assert.Empty(t, recs)
}

func TestDispatch_RecordWriteFailureIsPersistenceError(t *testing.T) {
	ctx := context.Background()
	mem := db.NewMemory()
	app := seedApp(t, mem)
	sender := &fakeSender{}

	_, err := newDispatcher(t, recordFailStore{mem}, sender, idempotency.NewMemory()).Dispatch(ctx, app)
	require.Error(t, err)
	assert.True(t, errors.Is(err, apperr.ErrRecordPersistence))
	assert.False(t, apperr.IsRetryable(err))
	assert.Equal(t, 1, sender.count())
}

func TestDispatch_MarkerOutageFallsBackToSending(t *testing.T) {
	store := db.NewMemory()
	app := seedApp(t, store)
	sender := &fakeSender{}

	_, err := newDispatcher(t, store, sender, failingMarker{}).Dispatch(context.Background(), app)
	require.NoError(t, err)
	assert.Equal(t, 1, sender.count())
}

func TestDispatch_IneligibleIsRejected(t *testing.T) {
	store := db.NewMemory()
	app := seedApp(t, store)
	app.Policy.NextDueAt = fixedNow.UnixMilli() + 1
	sender := &fakeSender{}

	_, err := newDispatcher(t, store, sender, nil).Dispatch(context.Background(), app)
	assert.True(t, errors.Is(err, apperr.ErrValidation))
	assert.Zero(t, sender.count())
}

func TestDispatch_ConcurrentDispatchSendsAndRecordsOnce(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	app := seedApp(t, store)
	sender := &fakeSender{}
	d := newDispatcher(t, store, sender, idempotency.NewMemory())

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = d.Dispatch(ctx, app)
		}(i)
	}
	wg.Wait()

	succeeded := 0
	for _, err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, apperr.ErrConcurrentModification), "got %v", err)
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, sender.count())

	recs, _ := store.ListFollowUpRecords(ctx, app.ID)
	assert.Len(t, recs, 1)
	got, _ := store.GetApplication(ctx, app.ID)
	assert.Equal(t, 1, got.Policy.AttemptCount)
}

// barrierSender holds every Send until n calls have arrived.
type barrierSender struct {
	fakeSender
	n       int
	arrived int
	release chan struct{}
}

func newBarrierSender(n int) *barrierSender {
	return &barrierSender{n: n, release: make(chan struct{})}
}

func (b *barrierSender) Send(ctx context.Context, msg email.Message) error {
	b.mu.Lock()
	b.arrived++
	if b.arrived == b.n {
		close(b.release)
	}
	b.mu.Unlock()

	<-b.release
	return b.fakeSender.Send(ctx, msg)
}

func TestDispatch_ConcurrentDispatchWithoutMarkerAdvancesOnce(t *testing.T) {
	ctx := context.Background()
	store := db.NewMemory()
	app := seedApp(t, store)
	sender := newBarrierSender(2)
	d := newDispatcher(t, store, sender, nil)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = d.Dispatch(ctx, app)
		}(i)
	}
	wg.Wait()

	// Both sends happen; only the conditional update decides the winner.
	assert.Equal(t, 2, sender.count())

	succeeded, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, apperr.ErrConcurrentModification):
			conflicts++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, 1, conflicts)

	recs, err := store.ListFollowUpRecords(ctx, app.ID)
	require.NoError(t, err)
	assert.Len(t, recs, 1)
	got, err := store.GetApplication(ctx, app.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Policy.AttemptCount)
}
