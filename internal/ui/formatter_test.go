package ui

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/notexe/nagbot/internal/reminder"
)

var now = time.Date(2025, 1, 15, 9, 0, 0, 0, time.UTC)

func at(d time.Duration) *time.Time {
	t := now.Add(d)
	return &t
}

func TestFormatReminders(t *testing.T) {
	f := NewFormatter(false)
	out := f.FormatReminders([]reminder.Reminder{
		{ID: "0123456789abcdef", SubjectRef: "task-1", Title: "Pay rent", Priority: reminder.TierCritical,
			State: reminder.StateScheduled, FireCount: 2, NextFireAt: at(5 * time.Minute)},
		{ID: "short", SubjectRef: "task-2", Priority: reminder.TierNormal,
			State: reminder.StateFiring, NextFireAt: at(-90 * time.Minute)},
	}, now)

	assert.Contains(t, out, "SUBJECT")
	assert.Contains(t, out, "01234567")
	assert.NotContains(t, out, "0123456789abcdef")
	assert.Contains(t, out, "Pay rent")
	assert.Contains(t, out, "critical")
	assert.Contains(t, out, "in 5m")
	assert.Contains(t, out, "overdue 1h 30m")
	assert.Contains(t, out, "firing")
}

func TestFormatReminders_Empty(t *testing.T) {
	assert.Equal(t, "No active reminders.", NewFormatter(false).FormatReminders(nil, now))
}

func TestFormatNext(t *testing.T) {
	assert.Equal(t, "-", formatNext(nil, now))
	assert.Equal(t, "now", formatNext(at(10*time.Second), now))
	assert.Equal(t, "in 2h", formatNext(at(2*time.Hour), now))
	assert.Equal(t, "overdue 15m", formatNext(at(-15*time.Minute), now))
}

func TestFormatError(t *testing.T) {
	assert.Equal(t, "Error: boom", NewFormatter(false).FormatError(errors.New("boom")))
	assert.Contains(t, NewFormatter(true).FormatError(errors.New("boom")), "boom")
}
