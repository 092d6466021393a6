package reminder

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

type subjectKey struct {
	owner   string
	subject string
}

// MemoryStore keeps reminders in process memory. It is the reference
// Store implementation and what the tests run against.
type MemoryStore struct {
	mu        sync.RWMutex
	reminders map[string]*Reminder
	active    map[subjectKey]string
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		reminders: make(map[string]*Reminder),
		active:    make(map[subjectKey]string),
	}
}

func (s *MemoryStore) Load(_ context.Context, id string) (*Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.reminders[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) Save(_ context.Context, r *Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.saveLocked(r)
}

func (s *MemoryStore) saveLocked(r *Reminder) error {
	cur, ok := s.reminders[r.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, r.ID)
	}
	if cur.Version != r.Version {
		return fmt.Errorf("%w: %s at version %d, have %d", ErrConflict, r.ID, cur.Version, r.Version)
	}

	r.Version++
	s.reminders[r.ID] = r.Clone()

	key := subjectKey{r.OwnerID, r.SubjectRef}
	if r.State.Terminal() && s.active[key] == r.ID {
		delete(s.active, key)
	}
	return nil
}

func (s *MemoryStore) Insert(_ context.Context, r *Reminder, replaced *Reminder) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.reminders[r.ID]; exists {
		return fmt.Errorf("%w: id %s already exists", ErrConflict, r.ID)
	}

	key := subjectKey{r.OwnerID, r.SubjectRef}
	if id, ok := s.active[key]; ok && (replaced == nil || replaced.ID != id) {
		return fmt.Errorf("%w: subject %q already has active reminder %s", ErrConflict, r.SubjectRef, id)
	}

	if replaced != nil {
		if !replaced.State.Terminal() {
			return fmt.Errorf("replaced reminder %s must be terminal, is %s", replaced.ID, replaced.State)
		}
		// Validate before touching anything so a failed insert leaves the
		// replaced reminder as it was.
		cur, ok := s.reminders[replaced.ID]
		if !ok {
			return fmt.Errorf("%w: %s", ErrNotFound, replaced.ID)
		}
		if cur.Version != replaced.Version {
			return fmt.Errorf("%w: %s at version %d, have %d", ErrConflict, replaced.ID, cur.Version, replaced.Version)
		}
		if err := s.saveLocked(replaced); err != nil {
			return err
		}
	}

	r.Version = 1
	s.reminders[r.ID] = r.Clone()
	if r.Active() {
		s.active[key] = r.ID
	}
	return nil
}

func (s *MemoryStore) FindDue(_ context.Context, before time.Time) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	due := make([]*Reminder, 0)
	for _, r := range s.reminders {
		if r.dueBy(before) {
			due = append(due, r)
		}
	}
	sort.Slice(due, func(i, j int) bool {
		return due[i].NextFireAt.Before(*due[j].NextFireAt)
	})

	ids := make([]string, len(due))
	for i, r := range due {
		ids[i] = r.ID
	}
	return ids, nil
}

func (s *MemoryStore) FindBySubject(_ context.Context, ownerID, subjectRef string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.active[subjectKey{ownerID, subjectRef}]
	return id, ok, nil
}

func (s *MemoryStore) ListByOwner(_ context.Context, ownerID string) ([]*Reminder, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Reminder
	for _, r := range s.reminders {
		if r.OwnerID == ownerID && r.Active() {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DueAt.Before(out[j].DueAt) })
	return out, nil
}

// Purge drops terminal reminders not updated since before.
func (s *MemoryStore) Purge(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for id, r := range s.reminders {
		if r.State.Terminal() && r.UpdatedAt.Before(before) {
			delete(s.reminders, id)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Close() error {
	return nil
}
