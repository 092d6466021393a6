package reminder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var baseTime = time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)

func newStoredReminder(id, owner, subject string, due time.Time) *Reminder {
	return &Reminder{
		ID:         id,
		OwnerID:    owner,
		SubjectRef: subject,
		Title:      "Call " + subject,
		Priority:   TierNormal,
		State:      StateScheduled,
		CreatedAt:  baseTime,
		UpdatedAt:  baseTime,
		DueAt:      due,
		NextFireAt: timePtr(due),
	}
}

// runStoreSuite checks the Store contract against a fresh store per case.
func runStoreSuite(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("insert and load", func(t *testing.T) {
		s := newStore(t)
		r := newStoredReminder("r1", "owner", "task-1", baseTime)
		r.LastFired = timePtr(baseTime.Add(-time.Minute))

		require.NoError(t, s.Insert(ctx, r, nil))
		assert.NotZero(t, r.Version)

		got, err := s.Load(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, "owner", got.OwnerID)
		assert.Equal(t, "task-1", got.SubjectRef)
		assert.Equal(t, "Call task-1", got.Title)
		assert.Equal(t, TierNormal, got.Priority)
		assert.Equal(t, StateScheduled, got.State)
		assert.True(t, got.DueAt.Equal(baseTime))
		require.NotNil(t, got.NextFireAt)
		assert.True(t, got.NextFireAt.Equal(baseTime))
		require.NotNil(t, got.LastFired)
		assert.True(t, got.LastFired.Equal(baseTime.Add(-time.Minute)))
		assert.Equal(t, r.Version, got.Version)
	})

	t.Run("load unknown", func(t *testing.T) {
		s := newStore(t)
		_, err := s.Load(ctx, "missing")
		assert.True(t, errors.Is(err, ErrNotFound))
	})

	t.Run("save is compare and swap", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, newStoredReminder("r1", "owner", "task-1", baseTime), nil))

		a, err := s.Load(ctx, "r1")
		require.NoError(t, err)
		b, err := s.Load(ctx, "r1")
		require.NoError(t, err)

		loaded := a.Version
		a.State = StateAcknowledged
		a.NextFireAt = nil
		require.NoError(t, s.Save(ctx, a))
		assert.Greater(t, a.Version, loaded)

		b.FireCount = 1
		err = s.Save(ctx, b)
		assert.True(t, errors.Is(err, ErrConflict), "got %v", err)

		got, err := s.Load(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, StateAcknowledged, got.State)
		assert.Equal(t, 0, got.FireCount)
		assert.Nil(t, got.NextFireAt)
	})

	t.Run("save unknown", func(t *testing.T) {
		s := newStore(t)
		r := newStoredReminder("ghost", "owner", "task-1", baseTime)
		r.Version = 1
		assert.True(t, errors.Is(s.Save(ctx, r), ErrNotFound))
	})

	t.Run("one active reminder per subject", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, newStoredReminder("r1", "owner", "task-1", baseTime), nil))

		err := s.Insert(ctx, newStoredReminder("r2", "owner", "task-1", baseTime), nil)
		assert.True(t, errors.Is(err, ErrConflict), "got %v", err)

		// Same subject for another owner is fine.
		require.NoError(t, s.Insert(ctx, newStoredReminder("r3", "other", "task-1", baseTime), nil))
	})

	t.Run("insert replaces", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, newStoredReminder("r1", "owner", "task-1", baseTime), nil))

		old, err := s.Load(ctx, "r1")
		require.NoError(t, err)
		old.State = StateCancelled
		old.NextFireAt = nil
		loaded := old.Version

		require.NoError(t, s.Insert(ctx, newStoredReminder("r2", "owner", "task-1", baseTime.Add(time.Hour)), old))
		assert.Greater(t, old.Version, loaded)

		id, ok, err := s.FindBySubject(ctx, "owner", "task-1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "r2", id)

		got, err := s.Load(ctx, "r1")
		require.NoError(t, err)
		assert.Equal(t, StateCancelled, got.State)
	})

	t.Run("stale replace leaves store untouched", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, newStoredReminder("r1", "owner", "task-1", baseTime), nil))

		old, err := s.Load(ctx, "r1")
		require.NoError(t, err)

		racer, err := s.Load(ctx, "r1")
		require.NoError(t, err)
		racer.FireCount = 1
		require.NoError(t, s.Save(ctx, racer))

		loaded := old.Version
		old.State = StateCancelled
		err = s.Insert(ctx, newStoredReminder("r2", "owner", "task-1", baseTime), old)
		assert.True(t, errors.Is(err, ErrConflict), "got %v", err)
		assert.Equal(t, loaded, old.Version)

		_, err = s.Load(ctx, "r2")
		assert.True(t, errors.Is(err, ErrNotFound))

		id, ok, err := s.FindBySubject(ctx, "owner", "task-1")
		require.NoError(t, err)
		require.True(t, ok)
		assert.Equal(t, "r1", id)
	})

	t.Run("terminal save frees the subject", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, newStoredReminder("r1", "owner", "task-1", baseTime), nil))

		r, err := s.Load(ctx, "r1")
		require.NoError(t, err)
		r.State = StateExpired
		r.NextFireAt = nil
		require.NoError(t, s.Save(ctx, r))

		_, ok, err := s.FindBySubject(ctx, "owner", "task-1")
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, s.Insert(ctx, newStoredReminder("r2", "owner", "task-1", baseTime), nil))
	})

	t.Run("find due", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, newStoredReminder("late", "owner", "a", baseTime.Add(10*time.Minute)), nil))
		require.NoError(t, s.Insert(ctx, newStoredReminder("early", "owner", "b", baseTime), nil))
		require.NoError(t, s.Insert(ctx, newStoredReminder("future", "owner", "c", baseTime.Add(time.Hour)), nil))

		done := newStoredReminder("done", "owner", "d", baseTime)
		require.NoError(t, s.Insert(ctx, done, nil))
		done.State = StateAcknowledged
		require.NoError(t, s.Save(ctx, done))

		ids, err := s.FindDue(ctx, baseTime.Add(10*time.Minute))
		require.NoError(t, err)
		assert.Equal(t, []string{"early", "late"}, ids)

		ids, err = s.FindDue(ctx, baseTime.Add(-time.Minute))
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("list by owner", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Insert(ctx, newStoredReminder("r2", "owner", "b", baseTime.Add(time.Hour)), nil))
		require.NoError(t, s.Insert(ctx, newStoredReminder("r1", "owner", "a", baseTime), nil))
		require.NoError(t, s.Insert(ctx, newStoredReminder("r3", "other", "a", baseTime), nil))

		cancelled := newStoredReminder("r4", "owner", "c", baseTime)
		require.NoError(t, s.Insert(ctx, cancelled, nil))
		cancelled.State = StateCancelled
		require.NoError(t, s.Save(ctx, cancelled))

		list, err := s.ListByOwner(ctx, "owner")
		require.NoError(t, err)
		require.Len(t, list, 2)
		assert.Equal(t, "r1", list[0].ID)
		assert.Equal(t, "r2", list[1].ID)
	})

	t.Run("purge", func(t *testing.T) {
		s := newStore(t)
		p, ok := s.(Purger)
		if !ok {
			t.Skip("store does not purge")
		}

		old := newStoredReminder("old", "owner", "a", baseTime)
		require.NoError(t, s.Insert(ctx, old, nil))
		old.State = StateAcknowledged
		require.NoError(t, s.Save(ctx, old))
		require.NoError(t, s.Insert(ctx, newStoredReminder("live", "owner", "b", baseTime), nil))

		n, err := p.Purge(ctx, baseTime.Add(time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = s.Load(ctx, "old")
		assert.True(t, errors.Is(err, ErrNotFound))
		_, err = s.Load(ctx, "live")
		assert.NoError(t, err)
	})
}
