package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/salonhub/klaviyo-bridge/common/logging"
	"github.com/salonhub/klaviyo-bridge/common/messaging"
	"github.com/salonhub/klaviyo-bridge/internal/dlq"
	"github.com/salonhub/klaviyo-bridge/internal/guard"
	"github.com/salonhub/klaviyo-bridge/internal/klaviyo"
	"github.com/salonhub/klaviyo-bridge/internal/models"
	"github.com/salonhub/klaviyo-bridge/internal/repository"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	yesterday = time.Date(2025, 3, 9, 0, 0, 0, 0, time.UTC)
	today     = time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)
)

// fakeDispatcher records dispatched records and answers per email.
type fakeDispatcher struct {
	mu       sync.Mutex
	records  []models.AggregatedRecord
	errs     map[string]error
	block    chan struct{}
	started  chan struct{}
	onCall   func()
	panicFor string
}

func newFakeDispatcher() *fakeDispatcher {
	return &fakeDispatcher{errs: make(map[string]error)}
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, record *models.AggregatedRecord, mode models.SyncMode) (*klaviyo.DispatchResult, error) {
	f.mu.Lock()
	f.records = append(f.records, *record)
	err := f.errs[record.Email]
	block, started, onCall := f.block, f.started, f.onCall
	f.mu.Unlock()

	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if block != nil {
		<-block
	}
	if onCall != nil {
		onCall()
	}
	if record.Email == f.panicFor {
		panic("dispatcher exploded")
	}

	res := &klaviyo.DispatchResult{Attempts: map[string]int{klaviyo.OpUpsertProfile: 1}}
	var terr *models.TransientRemoteError
	if errors.As(err, &terr) {
		res.Attempts[klaviyo.OpUpsertProfile] = terr.Attempts
	}
	return res, err
}

func (f *fakeDispatcher) setErr(email string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errs[email] = err
}

func (f *fakeDispatcher) dispatched() []models.AggregatedRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.AggregatedRecord(nil), f.records...)
}

type recordingDLQ struct {
	mu      sync.Mutex
	entries []*dlq.Entry
}

func (r *recordingDLQ) Write(_ context.Context, e *dlq.Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, e)
	return nil
}

func (r *recordingDLQ) Stats(context.Context) map[string]interface{} { return nil }

type recordingPublisher struct {
	messaging.NopPublisher
	mu   sync.Mutex
	msgs []*messaging.Message
}

func (p *recordingPublisher) PublishMsg(_ context.Context, m *messaging.Message) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, m)
	return nil
}

// flakyStore fails selected operations on top of a MemoryStore.
type flakyStore struct {
	*repository.MemoryStore
	failFetch bool
	failMark  bool
}

func (s *flakyStore) FetchUnprocessed(ctx context.Context, before time.Time) ([]models.RawEvent, error) {
	if s.failFetch {
		return nil, &models.StorageError{Op: "fetch", Err: errors.New("disk on fire")}
	}
	return s.MemoryStore.FetchUnprocessed(ctx, before)
}

func (s *flakyStore) MarkProcessed(ctx context.Context, ids []models.EventID) error {
	if s.failMark {
		return &models.StorageError{Op: "mark_processed", Err: errors.New("disk full")}
	}
	return s.MemoryStore.MarkProcessed(ctx, ids)
}

type fixture struct {
	store      *repository.MemoryStore
	dispatcher *fakeDispatcher
	dlq        *recordingDLQ
	publisher  *recordingPublisher
	svc        *SyncService
}

func newFixture(t *testing.T, mode guard.Mode, cfg Config) *fixture {
	t.Helper()
	f := &fixture{
		store:      repository.NewMemoryStore(),
		dispatcher: newFakeDispatcher(),
		dlq:        &recordingDLQ{},
		publisher:  &recordingPublisher{},
	}
	f.svc = NewSyncService(f.store, f.dispatcher, guard.New(mode, nil, logging.Discard()),
		f.dlq, f.publisher, logging.Discard(), cfg)
	f.svc.now = func() time.Time { return today.Add(3 * time.Hour) }
	return f
}

func (f *fixture) append(t *testing.T, email string, kind models.EventKind, at time.Time, attrs models.Attributes) models.EventID {
	t.Helper()
	id, err := f.store.Append(context.Background(), &models.RawEvent{
		Email:      email,
		Kind:       kind,
		Attributes: attrs,
		ReceivedAt: at,
	})
	require.NoError(t, err)
	return id
}

func (f *fixture) stats(t *testing.T) models.BufferStats {
	t.Helper()
	stats, err := f.store.Stats(context.Background())
	require.NoError(t, err)
	return stats
}

func TestCutoff(t *testing.T) {
	ams, err := time.LoadLocation("Europe/Amsterdam")
	require.NoError(t, err)

	// 23:30 UTC on March 9 is already March 10 in Amsterdam
	now := time.Date(2025, 3, 9, 23, 30, 0, 0, time.UTC)
	got := Cutoff(now, ams)
	assert.Equal(t, time.Date(2025, 3, 10, 0, 0, 0, 0, ams), got)
	assert.True(t, got.Equal(time.Date(2025, 3, 9, 23, 0, 0, 0, time.UTC)))

	assert.Equal(t, today, Cutoff(today.Add(23*time.Hour+59*time.Minute), time.UTC))
	assert.Equal(t, today, Cutoff(today, time.UTC))
}

func TestRunDailySync_SingleCustomerScenario(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, guard.ModeReject, Config{Mode: models.ModeExtended, Concurrency: 2})

	price := 45.0
	ids := []models.EventID{
		f.append(t, "a@x.com", models.KindIntention, yesterday.Add(9*time.Hour), models.Attributes{}),
		f.append(t, "a@x.com", models.KindIntention, yesterday.Add(10*time.Hour), models.Attributes{SalonName: "Loc2"}),
		f.append(t, "A@X.com", models.KindAppointment, yesterday.Add(11*time.Hour), models.Attributes{Price: &price}),
	}

	summary, err := f.svc.RunDailySync(ctx)
	require.NoError(t, err)

	assert.Equal(t, TriggerSchedule, summary.Trigger)
	assert.Equal(t, today, summary.Cutoff)
	assert.Equal(t, 3, summary.EventsFound)
	assert.Equal(t, 1, summary.Groups)
	assert.Equal(t, 1, summary.Processed)
	assert.Zero(t, summary.Failed)
	assert.True(t, summary.Success())

	sent := f.dispatcher.dispatched()
	require.Len(t, sent, 1)
	r := sent[0]
	assert.Equal(t, "a@x.com", r.Email)
	assert.Equal(t, 2, r.IntentionCount)
	assert.Equal(t, 1, r.AppointmentCount)
	assert.Equal(t, models.AppointmentMade, r.Classification)
	assert.Equal(t, "Loc2", r.Profile.SalonName)
	require.NotNil(t, r.Profile.Price)
	assert.Equal(t, 45.0, *r.Profile.Price)
	assert.ElementsMatch(t, ids, r.SourceEventIDs)

	assert.Equal(t, models.BufferStats{Total: 3, Processed: 3}, f.stats(t))

	// nothing left for a second cycle
	again, err := f.svc.RunDailySync(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.EventsFound)
	assert.Len(t, f.dispatcher.dispatched(), 1)

	assert.Equal(t, models.CycleIdle, f.svc.State())
	assert.Equal(t, again.CycleID, f.svc.LastSummary().CycleID)
}

func TestRunSync_EmptyBuffer(t *testing.T) {
	f := newFixture(t, guard.ModeReject, Config{})

	assert.Nil(t, f.svc.LastSummary())
	summary, err := f.svc.RunSync(context.Background(), today)
	require.NoError(t, err)
	assert.Zero(t, summary.EventsFound)
	assert.Zero(t, summary.Groups)
	assert.NotEmpty(t, summary.CycleID)
	assert.Equal(t, TriggerManual, summary.Trigger)
	assert.NotNil(t, f.svc.LastSummary())
}

func TestRunDailySync_LeavesTodayForTomorrow(t *testing.T) {
	f := newFixture(t, guard.ModeReject, Config{})
	f.append(t, "old@x.com", models.KindIntention, yesterday.Add(23*time.Hour), models.Attributes{})
	todayID := f.append(t, "new@x.com", models.KindIntention, today.Add(time.Hour), models.Attributes{})

	summary, err := f.svc.RunDailySync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.EventsFound)

	left, err := f.store.FetchUnprocessed(context.Background(), today.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, todayID, left[0].ID)
}

func TestRunSync_PermanentFailure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, guard.ModeReject, Config{Concurrency: 4})
	f.append(t, "good@x.com", models.KindIntention, yesterday, models.Attributes{})
	f.append(t, "bad@x.com", models.KindAppointment, yesterday.Add(time.Minute), models.Attributes{})
	f.append(t, "bad@x.com", models.KindIntention, yesterday.Add(2*time.Minute), models.Attributes{})

	f.dispatcher.setErr("bad@x.com", &models.PermanentRemoteError{Operation: "upsert_profile", StatusCode: 400, Body: "invalid email"})

	summary, err := f.svc.RunSync(ctx, today)
	require.NoError(t, err, "group failures never abort a cycle")
	assert.Equal(t, 2, summary.Groups)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 1, summary.Permanent)
	require.Len(t, summary.Failures, 1)
	assert.Equal(t, models.OutcomePermanent, summary.Failures[0].Outcome)
	assert.Equal(t, 2, summary.Failures[0].Events)
	assert.False(t, summary.Success())

	assert.Equal(t, models.BufferStats{Total: 3, Processed: 1, Failed: 2}, f.stats(t))

	failed, err := f.store.ListFailed(ctx, 10)
	require.NoError(t, err)
	require.Len(t, failed, 2)
	assert.Contains(t, failed[0].FailureReason, "invalid email")

	require.Len(t, f.dlq.entries, 1)
	assert.Equal(t, "bad@x.com", f.dlq.entries[0].Record.Email)
	assert.Equal(t, 400, f.dlq.entries[0].StatusCode)
	assert.Equal(t, summary.CycleID, f.dlq.entries[0].CycleID)
}

func TestRunSync_TransientFailureRetriedNextCycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, guard.ModeReject, Config{})
	f.append(t, "flaky@x.com", models.KindIntention, yesterday, models.Attributes{})

	f.dispatcher.setErr("flaky@x.com", &models.TransientRemoteError{Operation: "upsert_profile", StatusCode: 503, Attempts: 3})

	summary, err := f.svc.RunSync(ctx, today)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Transient)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 3, summary.Failures[0].Attempts)
	assert.Equal(t, int64(1), f.stats(t).Unprocessed)
	assert.Empty(t, f.dlq.entries)

	f.dispatcher.setErr("flaky@x.com", nil)
	summary, err = f.svc.RunSync(ctx, today)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Zero(t, f.stats(t).Unprocessed)
}

func TestRunSync_MarkProcessedFailureKeepsEvents(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, guard.ModeReject, Config{})
	store := &flakyStore{MemoryStore: f.store, failMark: true}
	f.svc.store = store
	f.append(t, "a@x.com", models.KindIntention, yesterday, models.Attributes{})

	summary, err := f.svc.RunSync(ctx, today)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Failed)
	assert.Zero(t, summary.Processed)
	assert.Equal(t, models.OutcomeStorage, summary.Failures[0].Outcome)

	// at-least-once: the next cycle sends the same group again
	store.failMark = false
	summary, err = f.svc.RunSync(ctx, today)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Len(t, f.dispatcher.dispatched(), 2)
}

func TestRunSync_FetchFailureAborts(t *testing.T) {
	f := newFixture(t, guard.ModeReject, Config{})
	f.svc.store = &flakyStore{MemoryStore: f.store, failFetch: true}

	summary, err := f.svc.RunSync(context.Background(), today)
	require.Error(t, err)
	var serr *models.StorageError
	assert.ErrorAs(t, err, &serr)
	require.NotNil(t, summary)
	assert.NotEmpty(t, summary.Error)
	assert.Equal(t, summary.Error, f.svc.LastSummary().Error)
	assert.Empty(t, f.dispatcher.dispatched())

	running, _ := f.svc.guard.Running()
	assert.False(t, running, "guard is released after an aborted cycle")
	require.Len(t, f.publisher.msgs, 1)
	assert.Equal(t, messaging.SubjectSyncFailed, f.publisher.msgs[0].Subject)
}

func TestRunSync_PublishesSummary(t *testing.T) {
	f := newFixture(t, guard.ModeReject, Config{})
	f.append(t, "a@x.com", models.KindIntention, yesterday, models.Attributes{})

	summary, err := f.svc.RunSync(context.Background(), today)
	require.NoError(t, err)

	require.Len(t, f.publisher.msgs, 1)
	msg := f.publisher.msgs[0]
	assert.Equal(t, messaging.SubjectSyncCompleted, msg.Subject)
	assert.Equal(t, summary.CycleID, msg.Metadata[messaging.HeaderCycleID])

	var got models.CycleSummary
	require.NoError(t, json.Unmarshal(msg.Data, &got))
	assert.Equal(t, 1, got.Processed)
}

// fakeClock is advanced by the dispatcher to simulate slow remote calls.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestRunSync_SoftDeadlineDefersGroups(t *testing.T) {
	f := newFixture(t, guard.ModeReject, Config{Concurrency: 1, SoftDeadline: 15 * time.Minute})
	clock := &fakeClock{now: today.Add(3 * time.Hour)}
	f.svc.now = clock.Now
	f.dispatcher.onCall = func() { clock.Advance(10 * time.Minute) }

	for _, email := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		f.append(t, email, models.KindIntention, yesterday, models.Attributes{})
	}

	summary, err := f.svc.RunSync(context.Background(), today)
	require.NoError(t, err)
	assert.Equal(t, 2, summary.Processed)
	assert.Equal(t, 1, summary.Skipped)
	assert.Zero(t, summary.Failed)
	assert.Equal(t, models.OutcomeSkipped, summary.Failures[0].Outcome)
	assert.Equal(t, int64(1), f.stats(t).Unprocessed)
}

func TestRunSync_CancelledContextSkipsRemaining(t *testing.T) {
	f := newFixture(t, guard.ModeReject, Config{Concurrency: 1})
	ctx, cancel := context.WithCancel(context.Background())
	f.dispatcher.onCall = cancel

	for _, email := range []string{"a@x.com", "b@x.com", "c@x.com"} {
		f.append(t, email, models.KindIntention, yesterday, models.Attributes{})
	}

	summary, err := f.svc.RunSync(ctx, today)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 2, summary.Skipped)
}

func TestRunSync_WorkerPanicIsContained(t *testing.T) {
	f := newFixture(t, guard.ModeReject, Config{Concurrency: 2})
	f.dispatcher.panicFor = "boom@x.com"
	f.append(t, "boom@x.com", models.KindIntention, yesterday, models.Attributes{})
	f.append(t, "ok@x.com", models.KindIntention, yesterday, models.Attributes{})

	summary, err := f.svc.RunSync(context.Background(), today)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Processed)
	assert.Equal(t, 1, summary.Transient)

	_, err = f.svc.RunSync(context.Background(), today)
	assert.NoError(t, err, "guard is free after the contained panic")
}

func TestRunSync_RejectsOverlappingCycle(t *testing.T) {
	f := newFixture(t, guard.ModeReject, Config{})
	f.dispatcher.block = make(chan struct{})
	f.dispatcher.started = make(chan struct{}, 1)
	f.append(t, "a@x.com", models.KindIntention, yesterday, models.Attributes{})

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.RunSync(context.Background(), today)
		done <- err
	}()
	<-f.dispatcher.started
	assert.Equal(t, models.CycleDispatching, f.svc.State())

	_, err := f.svc.RunSync(context.Background(), today)
	assert.True(t, models.IsGuardRejected(err))

	close(f.dispatcher.block)
	require.NoError(t, <-done)
	assert.Len(t, f.dispatcher.dispatched(), 1)
}

func TestRunSync_CollapsesOverlappingTriggers(t *testing.T) {
	f := newFixture(t, guard.ModeCollapse, Config{})
	f.dispatcher.block = make(chan struct{})
	f.dispatcher.started = make(chan struct{}, 1)
	f.append(t, "a@x.com", models.KindIntention, yesterday, models.Attributes{})

	done := make(chan error, 1)
	go func() {
		_, err := f.svc.Trigger(context.Background(), TriggerAdmin)
		done <- err
	}()
	<-f.dispatcher.started

	// arrives mid-cycle, after the fetch
	f.append(t, "b@x.com", models.KindIntention, yesterday.Add(time.Hour), models.Attributes{})
	for i := 0; i < 3; i++ {
		_, err := f.svc.Trigger(context.Background(), TriggerAdmin)
		assert.ErrorIs(t, err, guard.ErrQueued)
	}

	close(f.dispatcher.block)
	require.NoError(t, <-done)

	sent := f.dispatcher.dispatched()
	require.Len(t, sent, 2, "exactly one follow-up cycle ran")
	assert.Equal(t, "a@x.com", sent[0].Email)
	assert.Equal(t, "b@x.com", sent[1].Email)
	assert.Equal(t, TriggerQueued, f.svc.LastSummary().Trigger)
	assert.Zero(t, f.stats(t).Unprocessed)
}
