package reminder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type delivery struct {
	ownerID string
	text    string
}

// recordingSink records deliveries and fails while failing is set.
type recordingSink struct {
	mu         sync.Mutex
	deliveries []delivery
	attempts   int
	failing    bool
}

func (s *recordingSink) Deliver(_ context.Context, ownerID, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts++
	if s.failing {
		return errors.New("transport down")
	}
	s.deliveries = append(s.deliveries, delivery{ownerID, text})
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.deliveries)
}

func (s *recordingSink) setFailing(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failing = v
}

type testEngine struct {
	*Engine
	store *MemoryStore
	sink  *recordingSink
	clock clock.FakeClock
}

func newTestEngine(t *testing.T, policy *Policy, opts ...Option) *testEngine {
	t.Helper()
	if policy == nil {
		policy = DefaultPolicy()
	}
	store := NewMemoryStore()
	sink := &recordingSink{}
	clk := clock.NewFake()
	clk.Set(baseTime)

	e, err := NewEngine(store, policy, sink, append([]Option{WithClock(clk)}, opts...)...)
	require.NoError(t, err)
	return &testEngine{Engine: e, store: store, sink: sink, clock: clk}
}

func (te *testEngine) create(t *testing.T, subject string, tier Tier, due time.Time) *Reminder {
	t.Helper()
	r, err := te.Create(context.Background(), NewReminder{
		OwnerID:    "owner",
		SubjectRef: subject,
		Title:      "Finish " + subject,
		Priority:   tier,
		DueAt:      due,
	})
	require.NoError(t, err)
	return r
}

func (te *testEngine) tickAt(t *testing.T, at time.Time) TickReport {
	t.Helper()
	te.clock.Set(at)
	report, err := te.Tick(context.Background(), at)
	require.NoError(t, err)
	return report
}

func (te *testEngine) state(t *testing.T, id string) *Reminder {
	t.Helper()
	r, err := te.Get(context.Background(), id)
	require.NoError(t, err)
	return r
}

func TestEngine_Create(t *testing.T) {
	te := newTestEngine(t, nil)

	r := te.create(t, "task-1", TierImportant, baseTime.Add(time.Hour))
	assert.NotEmpty(t, r.ID)
	assert.Equal(t, StateScheduled, r.State)
	assert.Equal(t, 0, r.FireCount)
	assert.Nil(t, r.LastFired)
	require.NotNil(t, r.NextFireAt)
	assert.Equal(t, baseTime.Add(time.Hour), *r.NextFireAt)
	assert.Equal(t, baseTime, r.CreatedAt)
}

func TestEngine_CreateValidation(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := te.Create(ctx, NewReminder{OwnerID: "o", SubjectRef: "s", Priority: "urgent", DueAt: baseTime})
	assert.True(t, errors.Is(err, ErrInvalidPriority))

	_, err = te.Create(ctx, NewReminder{OwnerID: "o", SubjectRef: "s", Priority: TierNormal})
	assert.True(t, errors.Is(err, ErrInvalidSchedule))

	_, err = te.Create(ctx, NewReminder{OwnerID: "o", Priority: TierNormal, DueAt: baseTime})
	assert.True(t, errors.Is(err, ErrInvalidSchedule))
}

func TestEngine_CriticalFiresFiveTimesThenExpires(t *testing.T) {
	var expired []Reminder
	te := newTestEngine(t, nil, WithExpiryHandler(ExpiryFunc(func(_ context.Context, r Reminder) {
		expired = append(expired, r)
	})))
	r := te.create(t, "task-1", TierCritical, baseTime)

	for i, off := range []int{0, 5, 10, 15, 20} {
		report := te.tickAt(t, baseTime.Add(time.Duration(off)*time.Minute))
		assert.Equal(t, 1, report.Fired, "tick at T+%d", off)
		assert.Equal(t, i+1, te.sink.count())
	}

	got := te.state(t, r.ID)
	assert.Equal(t, StateExpired, got.State)
	assert.Equal(t, 5, got.FireCount)
	assert.Nil(t, got.NextFireAt)

	report := te.tickAt(t, baseTime.Add(25*time.Minute))
	assert.Equal(t, 0, report.Due)
	assert.Equal(t, 5, te.sink.count())

	require.Len(t, expired, 1)
	assert.Equal(t, "owner", expired[0].OwnerID)
	assert.Equal(t, "task-1", expired[0].SubjectRef)
}

func TestEngine_FiresExactlyKTimesPerTier(t *testing.T) {
	policy := DefaultPolicy()
	for _, tier := range policy.Tiers() {
		t.Run(string(tier), func(t *testing.T) {
			te := newTestEngine(t, policy)
			r := te.create(t, "task", tier, baseTime)

			// Tick every minute for three hours; no tier's sequence is longer.
			for m := 0; m <= 180; m++ {
				te.tickAt(t, baseTime.Add(time.Duration(m)*time.Minute))
			}

			assert.Equal(t, policy.Attempts(tier), te.sink.count())
			assert.Equal(t, StateExpired, te.state(t, r.ID).State)
		})
	}
}

func TestEngine_AcknowledgeBetweenFires(t *testing.T) {
	te := newTestEngine(t, nil)
	r := te.create(t, "task-1", TierImportant, baseTime)

	te.tickAt(t, baseTime)
	te.tickAt(t, baseTime.Add(15*time.Minute))

	te.clock.Set(baseTime.Add(16 * time.Minute))
	acked, err := te.Acknowledge(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, acked.State)

	report := te.tickAt(t, baseTime.Add(30*time.Minute))
	assert.Equal(t, 0, report.Fired)
	assert.Equal(t, 2, te.sink.count())
	assert.Equal(t, StateAcknowledged, te.state(t, r.ID).State)
}

func TestEngine_AcknowledgeIsIdempotent(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()
	r := te.create(t, "task-1", TierNormal, baseTime)

	first, err := te.Acknowledge(ctx, r.ID)
	require.NoError(t, err)
	second, err := te.Acknowledge(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, second.State)
	assert.Equal(t, first.Version, second.Version)

	// Terminal states other than acknowledged stay put.
	c := te.create(t, "task-2", TierNormal, baseTime)
	_, err = te.Cancel(ctx, c.ID)
	require.NoError(t, err)
	got, err := te.Acknowledge(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, got.State)

	o := te.create(t, "task-3", TierOptional, baseTime)
	te.tickAt(t, baseTime)
	got, err = te.Acknowledge(ctx, o.ID)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, got.State)
}

func TestEngine_UnknownID(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	_, err := te.Acknowledge(ctx, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = te.Cancel(ctx, "nope")
	assert.True(t, errors.Is(err, ErrNotFound))
	_, err = te.Snooze(ctx, "nope", time.Minute)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestEngine_CancelThenTickNeverDelivers(t *testing.T) {
	te := newTestEngine(t, nil)
	r := te.create(t, "task-1", TierCritical, baseTime.Add(time.Minute))

	cancelled, err := te.Cancel(context.Background(), r.ID)
	require.NoError(t, err)
	assert.Equal(t, StateCancelled, cancelled.State)

	for m := 0; m <= 30; m++ {
		te.tickAt(t, baseTime.Add(time.Duration(m)*time.Minute))
	}
	assert.Equal(t, 0, te.sink.attempts)
}

func TestEngine_ReplaceOnCreate(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	first := te.create(t, "X", TierNormal, baseTime)
	te.clock.Set(baseTime.Add(time.Minute))
	second := te.create(t, "X", TierNormal, baseTime.Add(time.Minute))

	assert.Equal(t, StateCancelled, te.state(t, first.ID).State)

	var active []Reminder
	for r, err := range te.ListActive(ctx, "owner") {
		require.NoError(t, err)
		active = append(active, r)
	}
	require.Len(t, active, 1)
	assert.Equal(t, second.ID, active[0].ID)
}

func TestEngine_ConcurrentCreatesKeepOneActive(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = te.Create(ctx, NewReminder{OwnerID: "owner", SubjectRef: "X", Priority: TierNormal, DueAt: baseTime})
		}()
	}
	wg.Wait()

	rs, err := te.store.ListByOwner(ctx, "owner")
	require.NoError(t, err)
	assert.Len(t, rs, 1)
}

// blockingSink parks every delivery until released.
type blockingSink struct {
	started chan struct{}
	release chan struct{}
	mu      sync.Mutex
	calls   int
}

func (s *blockingSink) Deliver(ctx context.Context, _, _ string) error {
	s.mu.Lock()
	s.calls++
	s.mu.Unlock()
	s.started <- struct{}{}
	<-s.release
	return nil
}

func TestEngine_AcknowledgeDuringDispatch(t *testing.T) {
	store := NewMemoryStore()
	sink := &blockingSink{started: make(chan struct{}, 1), release: make(chan struct{})}
	e, err := NewEngine(store, DefaultPolicy(), sink)
	require.NoError(t, err)
	ctx := context.Background()

	r, err := e.Create(ctx, NewReminder{OwnerID: "owner", SubjectRef: "task-1", Priority: TierCritical, DueAt: baseTime})
	require.NoError(t, err)

	done := make(chan TickReport)
	go func() {
		report, _ := e.Tick(ctx, baseTime)
		done <- report
	}()

	<-sink.started
	acked, err := e.Acknowledge(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, acked.State)
	close(sink.release)

	report := <-done
	assert.Equal(t, 0, report.Fired)

	got, err := e.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, got.State)
	assert.Equal(t, 0, got.FireCount)

	for m := 0; m <= 30; m++ {
		_, err := e.Tick(ctx, baseTime.Add(time.Duration(m)*time.Minute))
		require.NoError(t, err)
	}
	assert.Equal(t, 1, sink.calls)
}

// gatedRenderer parks the first render until released.
type gatedRenderer struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedRenderer) Render(r Reminder) (string, error) {
	g.once.Do(func() {
		g.started <- struct{}{}
		<-g.release
	})
	return plainRenderer{}.Render(r)
}

func TestEngine_AcknowledgeWhileRendering(t *testing.T) {
	gate := &gatedRenderer{started: make(chan struct{}), release: make(chan struct{})}
	te := newTestEngine(t, nil, WithRenderer(gate))
	ctx := context.Background()
	r := te.create(t, "task-1", TierCritical, baseTime)

	done := make(chan TickReport)
	go func() {
		report, _ := te.Tick(ctx, baseTime)
		done <- report
	}()

	<-gate.started
	_, err := te.Acknowledge(ctx, r.ID)
	require.NoError(t, err)
	close(gate.release)

	report := <-done
	assert.Equal(t, 0, report.Fired)
	assert.Equal(t, 0, te.sink.count())
	assert.Equal(t, StateAcknowledged, te.state(t, r.ID).State)
}

// claimHookStore runs onClaim once, right after the first firing claim
// is saved.
type claimHookStore struct {
	*MemoryStore
	once    sync.Once
	onClaim func()
}

func (s *claimHookStore) Save(ctx context.Context, r *Reminder) error {
	if err := s.MemoryStore.Save(ctx, r); err != nil {
		return err
	}
	if r.State == StateFiring {
		s.once.Do(s.onClaim)
	}
	return nil
}

func TestEngine_AcknowledgeAfterClaimSkipsDelivery(t *testing.T) {
	ctx := context.Background()
	store := &claimHookStore{MemoryStore: NewMemoryStore()}
	sink := &recordingSink{}
	e, err := NewEngine(store, DefaultPolicy(), sink)
	require.NoError(t, err)

	r, err := e.Create(ctx, NewReminder{OwnerID: "owner", SubjectRef: "task-1", Priority: TierCritical, DueAt: baseTime})
	require.NoError(t, err)
	store.onClaim = func() {
		_, err := e.Acknowledge(ctx, r.ID)
		assert.NoError(t, err)
	}

	report, err := e.Tick(ctx, baseTime)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Fired)
	assert.Equal(t, 0, sink.count())

	got, err := e.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, got.State)
	assert.Equal(t, 0, got.FireCount)

	for m := 0; m <= 30; m++ {
		_, err := e.Tick(ctx, baseTime.Add(time.Duration(m)*time.Minute))
		require.NoError(t, err)
	}
	assert.Equal(t, 0, sink.attempts)
}

func TestEngine_DeliveryBoundedByLease(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DispatchLease = 50 * time.Millisecond
	hung := SinkFunc(func(ctx context.Context, _, _ string) error {
		<-ctx.Done()
		return ctx.Err()
	})
	e, err := NewEngine(NewMemoryStore(), DefaultPolicy(), hung, WithConfig(cfg))
	require.NoError(t, err)
	ctx := context.Background()

	r, err := e.Create(ctx, NewReminder{OwnerID: "owner", SubjectRef: "task-1", Priority: TierNormal, DueAt: baseTime})
	require.NoError(t, err)

	start := time.Now()
	report, err := e.Tick(ctx, baseTime)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, 1, report.Retrying)

	got, err := e.Get(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StateFiring, got.State)
	assert.Equal(t, 1, got.DispatchAttempts)
	assert.Equal(t, baseTime.Add(cfg.RetryBackoff), *got.NextFireAt)
}

// slowSubjectSink blocks deliveries mentioning "slow" until released and
// records the rest.
type slowSubjectSink struct {
	recordingSink
	blocked chan struct{}
	release chan struct{}
}

func (s *slowSubjectSink) Deliver(ctx context.Context, ownerID, text string) error {
	if strings.Contains(text, "slow") {
		s.blocked <- struct{}{}
		<-s.release
		return nil
	}
	return s.recordingSink.Deliver(ctx, ownerID, text)
}

func TestEngine_SlowDeliveryDoesNotDelayOthers(t *testing.T) {
	sink := &slowSubjectSink{blocked: make(chan struct{}, 1), release: make(chan struct{})}
	e, err := NewEngine(NewMemoryStore(), DefaultPolicy(), sink)
	require.NoError(t, err)
	ctx := context.Background()

	const others = 5
	_, err = e.Create(ctx, NewReminder{OwnerID: "owner", SubjectRef: "slow", Priority: TierOptional, DueAt: baseTime})
	require.NoError(t, err)
	for i := 0; i < others; i++ {
		_, err := e.Create(ctx, NewReminder{OwnerID: "owner", SubjectRef: fmt.Sprintf("task-%d", i), Priority: TierOptional, DueAt: baseTime})
		require.NoError(t, err)
	}

	done := make(chan TickReport, 1)
	go func() {
		report, _ := e.Tick(ctx, baseTime)
		done <- report
	}()

	<-sink.blocked
	assert.Eventually(t, func() bool { return sink.count() == others }, time.Second, 5*time.Millisecond)
	select {
	case <-done:
		t.Fatal("sweep returned while a delivery was still blocked")
	default:
	}

	close(sink.release)
	report := <-done
	assert.Equal(t, others+1, report.Fired)
}

func TestEngine_ConcurrentTicksDeliverOnce(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		te.create(t, fmt.Sprintf("task-%d", i), TierNormal, baseTime)
	}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = te.Tick(ctx, baseTime)
		}()
	}
	wg.Wait()

	assert.Equal(t, 10, te.sink.count())
}

func TestEngine_DeliveryRetryThenFailedFire(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxDispatchRetries = 2
	cfg.RetryBackoff = time.Minute
	cfg.MaxRetryBackoff = 5 * time.Minute

	te := newTestEngine(t, nil, WithConfig(cfg))
	te.sink.setFailing(true)
	r := te.create(t, "task-1", TierNormal, baseTime)

	report := te.tickAt(t, baseTime)
	assert.Equal(t, 1, report.Retrying)
	got := te.state(t, r.ID)
	assert.Equal(t, StateFiring, got.State)
	assert.Equal(t, 0, got.FireCount)
	assert.Equal(t, 1, got.DispatchAttempts)
	assert.Equal(t, baseTime.Add(time.Minute), *got.NextFireAt)

	// Not due again until the backoff has passed.
	report = te.tickAt(t, baseTime.Add(30*time.Second))
	assert.Equal(t, 0, report.Due)

	report = te.tickAt(t, baseTime.Add(time.Minute))
	assert.Equal(t, 1, report.Retrying)
	got = te.state(t, r.ID)
	assert.Equal(t, baseTime.Add(3*time.Minute), *got.NextFireAt)

	report = te.tickAt(t, baseTime.Add(3*time.Minute))
	assert.Equal(t, 1, report.FailedFires)
	got = te.state(t, r.ID)
	assert.Equal(t, StateScheduled, got.State)
	assert.Equal(t, 1, got.FireCount)
	assert.Equal(t, 1, got.FailedFires)
	assert.Equal(t, 0, got.DispatchAttempts)
	assert.Equal(t, baseTime.Add(time.Hour), *got.NextFireAt)
	assert.Equal(t, 3, te.sink.attempts)
	assert.Equal(t, 0, te.sink.count())

	te.sink.setFailing(false)
	report = te.tickAt(t, baseTime.Add(time.Hour))
	assert.Equal(t, 1, report.Fired)
	assert.Equal(t, StateExpired, te.state(t, r.ID).State)
}

func TestEngine_ExpireGrace(t *testing.T) {
	policy, err := PolicyFromMinutes(map[string][]int{"optional": {0}}, 5*time.Minute)
	require.NoError(t, err)

	var expired int
	te := newTestEngine(t, policy, WithExpiryHandler(ExpiryFunc(func(context.Context, Reminder) { expired++ })))
	r := te.create(t, "task-1", TierOptional, baseTime)

	te.tickAt(t, baseTime)
	got := te.state(t, r.ID)
	assert.Equal(t, StateAwaitingAck, got.State)
	assert.Equal(t, baseTime.Add(5*time.Minute), *got.NextFireAt)

	report := te.tickAt(t, baseTime.Add(4*time.Minute))
	assert.Equal(t, 0, report.Due)
	assert.Equal(t, 0, expired)

	report = te.tickAt(t, baseTime.Add(5*time.Minute))
	assert.Equal(t, 1, report.Expired)
	assert.Equal(t, StateExpired, te.state(t, r.ID).State)
	assert.Equal(t, 1, expired)
	assert.Equal(t, 1, te.sink.count())
}

func TestEngine_AcknowledgeDuringGrace(t *testing.T) {
	policy, err := PolicyFromMinutes(map[string][]int{"optional": {0}}, 5*time.Minute)
	require.NoError(t, err)

	te := newTestEngine(t, policy)
	r := te.create(t, "task-1", TierOptional, baseTime)
	te.tickAt(t, baseTime)

	_, err = te.Acknowledge(context.Background(), r.ID)
	require.NoError(t, err)

	report := te.tickAt(t, baseTime.Add(10*time.Minute))
	assert.Equal(t, 0, report.Expired)
	assert.Equal(t, StateAcknowledged, te.state(t, r.ID).State)
}

func TestEngine_LateSweepCatchesUpOneFirePerTick(t *testing.T) {
	te := newTestEngine(t, nil)
	r := te.create(t, "task-1", TierCritical, baseTime)

	te.tickAt(t, baseTime.Add(12*time.Minute))
	got := te.state(t, r.ID)
	assert.Equal(t, 1, got.FireCount)
	require.NotNil(t, got.LastFired)
	assert.True(t, got.NextFireAt.After(*got.LastFired))

	te.tickAt(t, baseTime.Add(13*time.Minute))
	got = te.state(t, r.ID)
	assert.Equal(t, 2, got.FireCount)
	assert.True(t, got.NextFireAt.After(*got.LastFired))
	assert.Equal(t, 2, te.sink.count())
}

func TestEngine_Snooze(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()
	r := te.create(t, "task-1", TierNormal, baseTime)
	te.tickAt(t, baseTime)

	te.clock.Set(baseTime.Add(time.Minute))
	snoozed, err := te.Snooze(ctx, r.ID, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StateScheduled, snoozed.State)
	assert.Equal(t, 1, snoozed.FireCount)
	assert.Equal(t, baseTime.Add(11*time.Minute), *snoozed.NextFireAt)

	// The snoozed fire is the tier's last one.
	te.tickAt(t, baseTime.Add(11*time.Minute))
	assert.Equal(t, 2, te.sink.count())
	assert.Equal(t, StateExpired, te.state(t, r.ID).State)

	_, err = te.Snooze(ctx, r.ID, 0)
	assert.True(t, errors.Is(err, ErrInvalidSchedule))

	got, err := te.Snooze(ctx, r.ID, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, StateExpired, got.State)
	assert.Nil(t, got.NextFireAt)
}

func TestEngine_Reschedule(t *testing.T) {
	te := newTestEngine(t, nil)
	r := te.create(t, "task-1", TierImportant, baseTime)
	te.tickAt(t, baseTime)

	moved, err := te.Reschedule(context.Background(), r.ID, baseTime.Add(2*time.Hour))
	require.NoError(t, err)
	assert.NotEqual(t, r.ID, moved.ID)
	assert.Equal(t, r.SubjectRef, moved.SubjectRef)
	assert.Equal(t, TierImportant, moved.Priority)
	assert.Equal(t, 0, moved.FireCount)
	assert.Equal(t, baseTime.Add(2*time.Hour), *moved.NextFireAt)
	assert.Equal(t, StateCancelled, te.state(t, r.ID).State)
}

func TestEngine_RescheduleRejectsFinishedReminders(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()

	acked := te.create(t, "task-1", TierNormal, baseTime)
	_, err := te.Acknowledge(ctx, acked.ID)
	require.NoError(t, err)
	_, err = te.Reschedule(ctx, acked.ID, baseTime.Add(time.Hour))
	assert.True(t, errors.Is(err, ErrConflict))

	old := te.create(t, "task-2", TierNormal, baseTime)
	current := te.create(t, "task-2", TierImportant, baseTime.Add(time.Hour))
	_, err = te.Reschedule(ctx, old.ID, baseTime.Add(3*time.Hour))
	assert.True(t, errors.Is(err, ErrConflict))

	got := te.state(t, current.ID)
	assert.Equal(t, StateScheduled, got.State)
	assert.Equal(t, baseTime.Add(time.Hour), *got.NextFireAt)

	_, err = te.Reschedule(ctx, "missing", baseTime)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestEngine_CancelForSubject(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()
	r := te.create(t, "task-1", TierNormal, baseTime)

	found, err := te.CancelForSubject(ctx, "owner", "task-1")
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, StateCancelled, te.state(t, r.ID).State)

	found, err = te.CancelForSubject(ctx, "owner", "task-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestEngine_ListActiveIsRestartable(t *testing.T) {
	te := newTestEngine(t, nil)
	ctx := context.Background()
	te.create(t, "a", TierNormal, baseTime)
	b := te.create(t, "b", TierNormal, baseTime.Add(time.Hour))

	seq := te.ListActive(ctx, "owner")
	count := func() int {
		n := 0
		for _, err := range seq {
			require.NoError(t, err)
			n++
		}
		return n
	}
	assert.Equal(t, 2, count())

	_, err := te.Cancel(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, count())

	// Breaking out early is fine.
	for range seq {
		break
	}
}

// conflictingStore fails the next n saves with ErrConflict.
type conflictingStore struct {
	*MemoryStore
	mu sync.Mutex
	n  int
}

func (s *conflictingStore) Save(ctx context.Context, r *Reminder) error {
	s.mu.Lock()
	if s.n > 0 {
		s.n--
		s.mu.Unlock()
		return ErrConflict
	}
	s.mu.Unlock()
	return s.MemoryStore.Save(ctx, r)
}

func TestEngine_ConflictRetriesAreBounded(t *testing.T) {
	ctx := context.Background()
	store := &conflictingStore{MemoryStore: NewMemoryStore()}
	cfg := DefaultConfig()
	cfg.ConflictRetries = 2
	e, err := NewEngine(store, DefaultPolicy(), &recordingSink{}, WithConfig(cfg))
	require.NoError(t, err)

	r, err := e.Create(ctx, NewReminder{OwnerID: "o", SubjectRef: "s", Priority: TierNormal, DueAt: baseTime})
	require.NoError(t, err)

	store.n = 2
	acked, err := e.Acknowledge(ctx, r.ID)
	require.NoError(t, err)
	assert.Equal(t, StateAcknowledged, acked.State)

	r2, err := e.Create(ctx, NewReminder{OwnerID: "o", SubjectRef: "t", Priority: TierNormal, DueAt: baseTime})
	require.NoError(t, err)
	store.n = 10
	_, err = e.Cancel(ctx, r2.ID)
	assert.True(t, errors.Is(err, ErrConflict))
}

// downStore serves the due set but fails every load.
type downStore struct {
	*MemoryStore
}

func (s downStore) Load(context.Context, string) (*Reminder, error) {
	return nil, fmt.Errorf("%w: connection refused", ErrStoreUnavailable)
}

func TestEngine_TickSurfacesStoreOutage(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStore()
	require.NoError(t, mem.Insert(ctx, newStoredReminder("r1", "o", "a", baseTime), nil))
	require.NoError(t, mem.Insert(ctx, newStoredReminder("r2", "o", "b", baseTime), nil))

	e, err := NewEngine(downStore{mem}, DefaultPolicy(), &recordingSink{})
	require.NoError(t, err)

	report, err := e.Tick(ctx, baseTime)
	assert.True(t, errors.Is(err, ErrStoreUnavailable))
	assert.Equal(t, 2, report.StoreErrors)
}

func TestEngine_Metrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	te := newTestEngine(t, nil, WithMetrics(reg))
	ctx := context.Background()

	a := te.create(t, "a", TierOptional, baseTime)
	te.create(t, "a", TierOptional, baseTime)
	te.tickAt(t, baseTime)

	assert.Equal(t, 2.0, testutil.ToFloat64(te.metrics.created))
	assert.Equal(t, 1.0, testutil.ToFloat64(te.metrics.cancelled))
	assert.Equal(t, 1.0, testutil.ToFloat64(te.metrics.dispatched.WithLabelValues("optional")))
	assert.Equal(t, 1.0, testutil.ToFloat64(te.metrics.expired.WithLabelValues("optional")))

	_, err := te.Acknowledge(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, 0.0, testutil.ToFloat64(te.metrics.acknowledged))
}

func TestPlainRenderer(t *testing.T) {
	text, err := plainRenderer{}.Render(Reminder{SubjectRef: "task-9", FireCount: 2})
	require.NoError(t, err)
	assert.Equal(t, "Reminder #3: task-9", text)
}

func TestConfigValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	bad := cfg
	bad.SweepConcurrency = 0
	assert.Error(t, bad.Validate())

	bad = cfg
	bad.MaxRetryBackoff = time.Second
	assert.Error(t, bad.Validate())

	_, err := NewEngine(NewMemoryStore(), DefaultPolicy(), &recordingSink{}, WithConfig(bad))
	assert.Error(t, err)
}
