package reminder

import (
	"errors"
	"time"
)

// Tier is a priority tier. The set of valid tiers is whatever the
// configured Policy knows about.
type Tier string

// Default priority tiers.
const (
	TierCritical  Tier = "critical"
	TierImportant Tier = "important"
	TierNormal    Tier = "normal"
	TierOptional  Tier = "optional"
)

// State is the lifecycle state of a reminder.
type State string

// Reminder states.
const (
	StateScheduled    State = "scheduled"
	StateFiring       State = "firing"
	StateAwaitingAck  State = "awaiting_ack"
	StateAcknowledged State = "acknowledged"
	StateCancelled    State = "cancelled"
	StateExpired      State = "expired"
)

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	switch s {
	case StateAcknowledged, StateCancelled, StateExpired:
		return true
	}
	return false
}

// TerminalStates lists the states a reminder never leaves.
var TerminalStates = []State{StateAcknowledged, StateCancelled, StateExpired}

// Error kinds returned by the engine and stores.
var (
	ErrInvalidPriority  = errors.New("invalid priority tier")
	ErrInvalidSchedule  = errors.New("invalid schedule")
	ErrNotFound         = errors.New("reminder not found")
	ErrConflict         = errors.New("reminder was modified concurrently")
	ErrDeliveryFailed   = errors.New("notification delivery failed")
	ErrStoreUnavailable = errors.New("reminder store unavailable")
)

// Reminder represents one obligation the owner is nagged about until it
// is acknowledged, cancelled or expires.
type Reminder struct {
	ID         string `json:"id"`
	OwnerID    string `json:"owner_id"`
	SubjectRef string `json:"subject_ref"`
	// Title is handed to the renderer as-is.
	Title    string `json:"title,omitempty"`
	Priority Tier   `json:"priority"`
	State    State  `json:"state"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	DueAt      time.Time  `json:"due_at"`
	LastFired  *time.Time `json:"last_fired_at,omitempty"`
	NextFireAt *time.Time `json:"next_fire_at,omitempty"`

	FireCount        int `json:"fire_count"`
	FailedFires      int `json:"failed_fires,omitempty"`
	DispatchAttempts int `json:"dispatch_attempts,omitempty"`

	// Version is owned by the Store and changes on every successful Save.
	Version uint64 `json:"version"`
}

// Clone returns a deep copy of r.
func (r *Reminder) Clone() *Reminder {
	c := *r
	if r.LastFired != nil {
		t := *r.LastFired
		c.LastFired = &t
	}
	if r.NextFireAt != nil {
		t := *r.NextFireAt
		c.NextFireAt = &t
	}
	return &c
}

// Active reports whether r is in a non-terminal state.
func (r *Reminder) Active() bool {
	return !r.State.Terminal()
}

// dueBy reports whether r should be looked at by a sweep running at now.
func (r *Reminder) dueBy(now time.Time) bool {
	if r.State.Terminal() || r.NextFireAt == nil {
		return false
	}
	return !r.NextFireAt.After(now)
}

func timePtr(t time.Time) *time.Time {
	return &t
}
