package reminder

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/jmhodges/clock"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Sink delivers a rendered notification to the owner.
type Sink interface {
	Deliver(ctx context.Context, ownerID, text string) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ownerID, text string) error

func (f SinkFunc) Deliver(ctx context.Context, ownerID, text string) error {
	return f(ctx, ownerID, text)
}

// Renderer produces the text of the next notification for r. FireCount
// is the number of fires before this one.
type Renderer interface {
	Render(r Reminder) (string, error)
}

// ExpiryHandler is told about reminders that ran out of escalation steps
// without being acknowledged.
type ExpiryHandler interface {
	OnExpired(ctx context.Context, r Reminder)
}

// ExpiryFunc adapts a function to ExpiryHandler.
type ExpiryFunc func(ctx context.Context, r Reminder)

func (f ExpiryFunc) OnExpired(ctx context.Context, r Reminder) {
	f(ctx, r)
}

// Config holds the engine tunables.
type Config struct {
	// MaxDispatchRetries is how many failed deliveries of one fire are
	// retried before the fire is counted as failed.
	MaxDispatchRetries int
	RetryBackoff       time.Duration
	MaxRetryBackoff    time.Duration
	// ConflictRetries bounds reload-and-retry loops on ErrConflict.
	ConflictRetries int
	// DispatchLease is how long a claimed reminder stays invisible to
	// other sweeps while its notification is being delivered.
	DispatchLease    time.Duration
	SweepConcurrency int
}

// DefaultConfig returns the stock tunables.
func DefaultConfig() Config {
	return Config{
		MaxDispatchRetries: 3,
		RetryBackoff:       30 * time.Second,
		MaxRetryBackoff:    5 * time.Minute,
		ConflictRetries:    5,
		DispatchLease:      2 * time.Minute,
		SweepConcurrency:   16,
	}
}

// Validate checks the tunables are in range.
func (c Config) Validate() error {
	if c.MaxDispatchRetries < 0 {
		return fmt.Errorf("max dispatch retries must not be negative")
	}
	if c.RetryBackoff <= 0 || c.MaxRetryBackoff < c.RetryBackoff {
		return fmt.Errorf("retry backoff must be positive and not above its cap")
	}
	if c.ConflictRetries < 0 {
		return fmt.Errorf("conflict retries must not be negative")
	}
	if c.DispatchLease <= 0 {
		return fmt.Errorf("dispatch lease must be positive")
	}
	if c.SweepConcurrency <= 0 {
		return fmt.Errorf("sweep concurrency must be positive")
	}
	return nil
}

// Option configures an Engine.
type Option func(*Engine)

// WithConfig replaces the default tunables.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithClock sets the time source used for created/updated stamps and
// snoozes. Tick always uses the instant it is given.
func WithClock(clk clock.Clock) Option {
	return func(e *Engine) { e.clock = clk }
}

// WithLogger sets the engine logger.
func WithLogger(log *zap.SugaredLogger) Option {
	return func(e *Engine) { e.log = log }
}

// WithRenderer sets the notification renderer.
func WithRenderer(r Renderer) Option {
	return func(e *Engine) { e.renderer = r }
}

// WithExpiryHandler sets the hook called when a reminder expires.
func WithExpiryHandler(h ExpiryHandler) Option {
	return func(e *Engine) { e.onExpired = h }
}

// WithMetrics registers the engine collectors with reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.registerer = reg }
}

// Engine drives reminders through their lifecycle. It keeps no
// authoritative state of its own: everything goes through the Store.
type Engine struct {
	store      Store
	policy     *Policy
	sink       Sink
	renderer   Renderer
	onExpired  ExpiryHandler
	clock      clock.Clock
	log        *zap.SugaredLogger
	cfg        Config
	registerer prometheus.Registerer
	metrics    *metrics

	// inflight holds ids currently being processed by this engine.
	inflight sync.Map
}

// NewEngine wires an engine over the given store, policy and sink.
func NewEngine(store Store, policy *Policy, sink Sink, opts ...Option) (*Engine, error) {
	if store == nil || policy == nil || sink == nil {
		return nil, fmt.Errorf("store, policy and sink are required")
	}

	e := &Engine{
		store:    store,
		policy:   policy,
		sink:     sink,
		renderer: plainRenderer{},
		clock:    clock.New(),
		log:      zap.NewNop().Sugar(),
		cfg:      DefaultConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if err := e.cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}
	e.metrics = newMetrics(e.registerer)
	return e, nil
}

// Policy returns the escalation policy in use.
func (e *Engine) Policy() *Policy {
	return e.policy
}

// NewReminder is the input to Create.
type NewReminder struct {
	OwnerID    string
	SubjectRef string
	Title      string
	Priority   Tier
	DueAt      time.Time
}

// Create installs a reminder for the subject. An existing non-terminal
// reminder for the same (owner, subject) is cancelled in the same store
// operation.
func (e *Engine) Create(ctx context.Context, in NewReminder) (*Reminder, error) {
	if !e.policy.Known(in.Priority) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidPriority, in.Priority)
	}
	if in.DueAt.IsZero() {
		return nil, fmt.Errorf("%w: due time is not set", ErrInvalidSchedule)
	}
	if in.OwnerID == "" || in.SubjectRef == "" {
		return nil, fmt.Errorf("%w: owner and subject are required", ErrInvalidSchedule)
	}

	first, _, err := e.policy.NextFireAt(in.Priority, in.DueAt, 0)
	if err != nil {
		return nil, err
	}

	for attempt := 0; ; attempt++ {
		now := e.clock.Now()
		r := &Reminder{
			ID:         uuid.NewString(),
			OwnerID:    in.OwnerID,
			SubjectRef: in.SubjectRef,
			Title:      in.Title,
			Priority:   in.Priority,
			State:      StateScheduled,
			CreatedAt:  now,
			UpdatedAt:  now,
			DueAt:      in.DueAt,
			NextFireAt: timePtr(first),
		}

		replaced, err := e.replacementFor(ctx, in.OwnerID, in.SubjectRef, now)
		if err != nil {
			return nil, err
		}

		err = e.store.Insert(ctx, r, replaced)
		if err == nil {
			e.metrics.created.Inc()
			if replaced != nil {
				e.metrics.cancelled.Inc()
				e.log.Infow("Replaced reminder", "reminder_id", replaced.ID, "state", replaced.State, "replacement", r.ID)
			}
			e.log.Debugw("Created reminder", "reminder_id", r.ID, "state", r.State,
				"owner_id", r.OwnerID, "priority", r.Priority, "next_fire_at", first)
			return r.Clone(), nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, fmt.Errorf("insert reminder: %w", err)
		}
		e.metrics.conflicts.Inc()
		if attempt >= e.cfg.ConflictRetries {
			return nil, err
		}
	}
}

// replacementFor returns the cancelled version of the subject's current
// active reminder, or nil if there is none.
func (e *Engine) replacementFor(ctx context.Context, ownerID, subjectRef string, now time.Time) (*Reminder, error) {
	id, ok, err := e.store.FindBySubject(ctx, ownerID, subjectRef)
	if err != nil || !ok {
		return nil, err
	}

	old, err := e.store.Load(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if !old.Active() {
		return nil, nil
	}

	old.State = StateCancelled
	old.NextFireAt = nil
	old.UpdatedAt = now
	return old, nil
}

// Get returns a snapshot of one reminder.
func (e *Engine) Get(ctx context.Context, id string) (*Reminder, error) {
	return e.store.Load(ctx, id)
}

// Acknowledge marks the reminder as confirmed by its owner. Terminal
// reminders are returned unchanged.
func (e *Engine) Acknowledge(ctx context.Context, id string) (*Reminder, error) {
	return e.finish(ctx, id, StateAcknowledged)
}

// Cancel stops the reminder. Terminal reminders are returned unchanged.
func (e *Engine) Cancel(ctx context.Context, id string) (*Reminder, error) {
	return e.finish(ctx, id, StateCancelled)
}

func (e *Engine) finish(ctx context.Context, id string, to State) (*Reminder, error) {
	changed := false
	r, err := e.update(ctx, id, func(r *Reminder) (bool, error) {
		changed = false
		if r.State.Terminal() {
			return false, nil
		}
		r.State = to
		r.NextFireAt = nil
		changed = true
		return true, nil
	})
	if err != nil {
		return nil, err
	}

	if changed {
		if to == StateAcknowledged {
			e.metrics.acknowledged.Inc()
		} else {
			e.metrics.cancelled.Inc()
		}
		e.log.Infow("Reminder finished", "reminder_id", id, "state", to, "fire_count", r.FireCount)
	}
	return r, nil
}

// CancelForSubject cancels the active reminder for the subject. It
// reports whether there was one.
func (e *Engine) CancelForSubject(ctx context.Context, ownerID, subjectRef string) (bool, error) {
	id, ok, err := e.store.FindBySubject(ctx, ownerID, subjectRef)
	if err != nil || !ok {
		return false, err
	}
	if _, err := e.Cancel(ctx, id); err != nil {
		if errors.Is(err, ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Snooze pushes the next notification to now+d without counting a fire.
// Terminal reminders are returned unchanged.
func (e *Engine) Snooze(ctx context.Context, id string, d time.Duration) (*Reminder, error) {
	if d <= 0 {
		return nil, fmt.Errorf("%w: snooze duration must be positive", ErrInvalidSchedule)
	}

	return e.update(ctx, id, func(r *Reminder) (bool, error) {
		if r.State.Terminal() {
			return false, nil
		}
		if r.State == StateFiring {
			return false, fmt.Errorf("%w: reminder %s is being delivered", ErrConflict, r.ID)
		}
		r.State = StateScheduled
		r.NextFireAt = timePtr(e.clock.Now().Add(d))
		return true, nil
	})
}

// Reschedule moves a reminder to a new due time by cancelling it and
// creating a fresh one for the same subject. Only the subject's active
// reminder can be moved; terminal ones fail with ErrConflict.
func (e *Engine) Reschedule(ctx context.Context, id string, dueAt time.Time) (*Reminder, error) {
	r, err := e.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if r.State.Terminal() {
		return nil, fmt.Errorf("%w: reminder %s is %s", ErrConflict, id, r.State)
	}

	active, ok, err := e.store.FindBySubject(ctx, r.OwnerID, r.SubjectRef)
	if err != nil {
		return nil, err
	}
	if !ok || active != id {
		return nil, fmt.Errorf("%w: reminder %s is no longer active for %s", ErrConflict, id, r.SubjectRef)
	}
	return e.Create(ctx, NewReminder{
		OwnerID:    r.OwnerID,
		SubjectRef: r.SubjectRef,
		Title:      r.Title,
		Priority:   r.Priority,
		DueAt:      dueAt,
	})
}

// ListActive yields the owner's non-terminal reminders. Every range over
// the returned sequence reads the store afresh.
func (e *Engine) ListActive(ctx context.Context, ownerID string) iter.Seq2[Reminder, error] {
	return func(yield func(Reminder, error) bool) {
		rs, err := e.store.ListByOwner(ctx, ownerID)
		if err != nil {
			yield(Reminder{}, err)
			return
		}
		for _, r := range rs {
			if !yield(*r, nil) {
				return
			}
		}
	}
}

// update loads the reminder, applies fn and saves it, reloading and
// re-applying on ErrConflict up to ConflictRetries times. fn reports
// whether it changed anything; unchanged reminders are not saved.
func (e *Engine) update(ctx context.Context, id string, fn func(r *Reminder) (bool, error)) (*Reminder, error) {
	for attempt := 0; ; attempt++ {
		r, err := e.store.Load(ctx, id)
		if err != nil {
			return nil, err
		}

		changed, err := fn(r)
		if err != nil {
			return nil, err
		}
		if !changed {
			return r, nil
		}

		r.UpdatedAt = e.clock.Now()
		err = e.store.Save(ctx, r)
		if err == nil {
			return r, nil
		}
		if !errors.Is(err, ErrConflict) {
			return nil, err
		}

		e.metrics.conflicts.Inc()
		if attempt >= e.cfg.ConflictRetries {
			return nil, err
		}
		e.log.Debugw("Version conflict, reloading", "reminder_id", id, "attempt", attempt+1)
	}
}

// TickReport summarises one sweep.
type TickReport struct {
	Due         int
	Fired       int
	Retrying    int
	FailedFires int
	Expired     int
	Skipped     int
	Errors      int
	StoreErrors int
}

type outcome int

const (
	outcomeNone outcome = iota
	outcomeFired
	outcomeRetrying
	outcomeFailedFire
	outcomeExpired
)

// Tick processes every reminder due at now. Reminders are handled
// independently and concurrently; an error on one does not stop the
// others. Tick only returns an error when the due set cannot be read or
// every due reminder failed with ErrStoreUnavailable.
func (e *Engine) Tick(ctx context.Context, now time.Time) (TickReport, error) {
	start := time.Now()
	defer func() { e.metrics.sweepDuration.Observe(time.Since(start).Seconds()) }()

	var report TickReport

	ids, err := e.store.FindDue(ctx, now)
	if err != nil {
		e.log.Errorw("Failed to find due reminders", "error", err)
		return report, fmt.Errorf("find due reminders: %w", err)
	}
	report.Due = len(ids)
	if len(ids) == 0 {
		return report, nil
	}

	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	g.SetLimit(e.cfg.SweepConcurrency)

	for _, id := range ids {
		if _, busy := e.inflight.LoadOrStore(id, struct{}{}); busy {
			mu.Lock()
			report.Skipped++
			mu.Unlock()
			continue
		}

		g.Go(func() error {
			defer e.inflight.Delete(id)

			out, err := e.process(ctx, id, now)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				report.Errors++
				if errors.Is(err, ErrStoreUnavailable) {
					report.StoreErrors++
				}
				e.log.Warnw("Failed to process reminder", "reminder_id", id, "error", err)
				return nil
			}
			switch out {
			case outcomeFired:
				report.Fired++
			case outcomeRetrying:
				report.Retrying++
			case outcomeFailedFire:
				report.FailedFires++
			case outcomeExpired:
				report.Expired++
			}
			return nil
		})
	}
	_ = g.Wait()

	if report.StoreErrors > 0 && report.StoreErrors == report.Due-report.Skipped {
		e.log.Errorw("Reminder store unavailable for the whole sweep",
			"due", report.Due, "store_errors", report.StoreErrors)
		return report, fmt.Errorf("%w: %d of %d due reminders failed", ErrStoreUnavailable, report.StoreErrors, report.Due)
	}

	if report.Fired+report.Expired+report.Retrying+report.FailedFires > 0 {
		e.log.Infow("Sweep finished",
			"due", report.Due,
			"fired", report.Fired,
			"expired", report.Expired,
			"retrying", report.Retrying,
			"failed_fires", report.FailedFires,
			"errors", report.Errors)
	}
	return report, nil
}

type claim int

const (
	claimNone claim = iota
	claimDispatch
	claimExpire
)

// process runs one due reminder through claim → dispatch → commit. No
// lock is held while the sink is called; the claim is a saved firing
// state with a lease, so a concurrent acknowledgement makes the later
// commit fail its version check and re-read the terminal state. The text
// is rendered before the claim is saved and the claim is re-read right
// before the send, so an acknowledgement saved after the claim is never
// followed by a notification.
func (e *Engine) process(ctx context.Context, id string, now time.Time) (outcome, error) {
	var (
		action    claim
		text      string
		renderErr error
	)
	r, err := e.update(ctx, id, func(r *Reminder) (bool, error) {
		action = claimNone
		if !r.dueBy(now) {
			return false, nil
		}

		switch r.State {
		case StateAwaitingAck:
			e.expire(r)
			action = claimExpire
			return true, nil

		case StateScheduled, StateFiring:
			d, err := e.policy.Next(r.Priority, r.FireCount)
			if err != nil {
				return false, err
			}
			if d.Expire {
				e.expire(r)
				action = claimExpire
				return true, nil
			}
			text, renderErr = e.render(r)
			r.State = StateFiring
			r.NextFireAt = timePtr(now.Add(e.cfg.DispatchLease))
			action = claimDispatch
			return true, nil
		}
		return false, nil
	})
	if err != nil {
		return outcomeNone, err
	}

	switch action {
	case claimNone:
		return outcomeNone, nil
	case claimExpire:
		e.expired(ctx, r)
		return outcomeExpired, nil
	}

	deliverErr := renderErr
	if deliverErr == nil {
		cur, err := e.store.Load(ctx, id)
		if err != nil {
			return outcomeNone, fmt.Errorf("reload claim: %w", err)
		}
		if cur.State != StateFiring || cur.Version != r.Version {
			e.log.Debugw("Claim lost before delivery", "reminder_id", id, "state", cur.State)
			return outcomeNone, nil
		}
		deliverErr = e.dispatch(ctx, r, text)
	}

	out := outcomeNone
	committed, err := e.update(ctx, id, func(cur *Reminder) (bool, error) {
		out = outcomeNone
		if cur.State != StateFiring || cur.FireCount != r.FireCount {
			return false, nil
		}

		if deliverErr != nil {
			cur.DispatchAttempts++
			if cur.DispatchAttempts <= e.cfg.MaxDispatchRetries {
				cur.NextFireAt = timePtr(now.Add(e.retryDelay(cur.DispatchAttempts)))
				out = outcomeRetrying
				return true, nil
			}
			cur.FailedFires++
			out = outcomeFailedFire
		} else {
			out = outcomeFired
		}

		cur.FireCount++
		cur.DispatchAttempts = 0
		cur.LastFired = timePtr(now)
		cur.State = StateAwaitingAck
		if err := e.advance(cur); err != nil {
			return false, err
		}
		return true, nil
	})
	if err != nil {
		return outcomeNone, fmt.Errorf("commit fire %d: %w", r.FireCount+1, err)
	}

	switch out {
	case outcomeFired:
		e.metrics.dispatched.WithLabelValues(string(r.Priority)).Inc()
	case outcomeRetrying:
		e.metrics.deliveryFailures.WithLabelValues("false").Inc()
		e.log.Warnw("Delivery failed, will retry",
			"reminder_id", id, "state", committed.State,
			"attempt", committed.DispatchAttempts, "next_fire_at", committed.NextFireAt, "error", deliverErr)
	case outcomeFailedFire:
		e.metrics.deliveryFailures.WithLabelValues("true").Inc()
		e.log.Errorw("Delivery failed, giving up on this fire",
			"reminder_id", id, "state", committed.State, "fire_count", committed.FireCount, "error", deliverErr)
	}

	if out != outcomeNone && out != outcomeRetrying && committed.State == StateExpired {
		e.expired(ctx, committed)
	}
	return out, nil
}

func (e *Engine) render(r *Reminder) (string, error) {
	text, err := e.renderer.Render(*r)
	if err != nil {
		return "", fmt.Errorf("render reminder %s: %w", r.ID, err)
	}
	return text, nil
}

// dispatch sends text and gives up once the claim's lease runs out, so a
// hung sink cannot outlive the lease and overlap another claim.
func (e *Engine) dispatch(ctx context.Context, r *Reminder, text string) error {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.DispatchLease)
	defer cancel()

	if err := e.sink.Deliver(ctx, r.OwnerID, text); err != nil {
		return fmt.Errorf("%w: %v", ErrDeliveryFailed, err)
	}
	return nil
}

// advance applies the policy to a reminder that has just fired.
func (e *Engine) advance(r *Reminder) error {
	at, ok, err := e.policy.NextFireAt(r.Priority, r.DueAt, r.FireCount)
	if err != nil {
		return err
	}

	if ok {
		// Offsets are anchored on the due time; a sweep that fell behind
		// catches up one fire per tick instead of firing in the past.
		if r.LastFired != nil && !at.After(*r.LastFired) {
			at = r.LastFired.Add(time.Nanosecond)
		}
		r.State = StateScheduled
		r.NextFireAt = timePtr(at)
		return nil
	}

	if grace := e.policy.Grace(); grace > 0 && r.LastFired != nil {
		r.State = StateAwaitingAck
		r.NextFireAt = timePtr(r.LastFired.Add(grace))
		return nil
	}

	e.expire(r)
	return nil
}

func (e *Engine) expire(r *Reminder) {
	r.State = StateExpired
	r.NextFireAt = nil
}

func (e *Engine) expired(ctx context.Context, r *Reminder) {
	e.metrics.expired.WithLabelValues(string(r.Priority)).Inc()
	e.log.Infow("Reminder expired unacknowledged",
		"reminder_id", r.ID, "state", r.State, "owner_id", r.OwnerID, "fire_count", r.FireCount)
	if e.onExpired != nil {
		e.onExpired.OnExpired(ctx, *r.Clone())
	}
}

// retryDelay is the exponential backoff for the given failed attempt,
// starting at RetryBackoff and capped at MaxRetryBackoff.
func (e *Engine) retryDelay(attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.cfg.RetryBackoff
	b.MaxInterval = e.cfg.MaxRetryBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0
	b.Reset()

	d := b.InitialInterval
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}

// plainRenderer is used when no renderer is configured.
type plainRenderer struct{}

func (plainRenderer) Render(r Reminder) (string, error) {
	label := r.Title
	if label == "" {
		label = r.SubjectRef
	}
	return "Reminder #" + strconv.Itoa(r.FireCount+1) + ": " + label, nil
}
