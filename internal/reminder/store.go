package reminder

import (
	"context"
	"time"
)

// Store is the persistence boundary of the engine. Implementations must
// make Save a compare-and-swap on Version: when the stored version differs
// from r.Version, Save fails with ErrConflict and writes nothing. On
// success the store bumps r.Version to the new stored version.
type Store interface {
	// Load returns the reminder or ErrNotFound.
	Load(ctx context.Context, id string) (*Reminder, error)

	// Save persists an existing reminder.
	Save(ctx context.Context, r *Reminder) error

	// Insert adds a new reminder. When replaced is non-nil it is saved
	// (with the same CAS rules as Save) in the same step, which is how
	// the engine cancels the previous reminder for a subject. Insert
	// fails with ErrConflict if another non-terminal reminder exists for
	// r's (owner, subject) after replaced has been applied.
	Insert(ctx context.Context, r *Reminder, replaced *Reminder) error

	// FindDue returns the ids of non-terminal reminders whose next fire
	// time is at or before the given instant, earliest first.
	FindDue(ctx context.Context, before time.Time) ([]string, error)

	// FindBySubject returns the id of the non-terminal reminder for the
	// subject, if any.
	FindBySubject(ctx context.Context, ownerID, subjectRef string) (string, bool, error)

	// ListByOwner returns the owner's non-terminal reminders.
	ListByOwner(ctx context.Context, ownerID string) ([]*Reminder, error)

	Close() error
}

// Pinger is implemented by stores with a remote backend that can be
// health checked.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Purger is implemented by stores that can drop old terminal reminders.
type Purger interface {
	// Purge deletes terminal reminders last updated before the cutoff and
	// returns how many were removed.
	Purge(ctx context.Context, before time.Time) (int, error)
}
