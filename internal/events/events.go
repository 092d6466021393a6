// Package events publishes reminder lifecycle events to NATS.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/notexe/nagbot/internal/reminder"
)

// DefaultSubject is where expiry events go unless configured otherwise.
const DefaultSubject = "nagbot.reminder.expired"

// TypeExpired marks an on_expired event.
const TypeExpired = "reminder.expired"

// Expired is the payload published when a reminder runs out of fires
// without being acknowledged.
type Expired struct {
	Type        string        `json:"type"`
	ReminderID  string        `json:"reminder_id"`
	OwnerID     string        `json:"owner_id"`
	SubjectRef  string        `json:"subject_ref"`
	Priority    reminder.Tier `json:"priority"`
	FireCount   int           `json:"fire_count"`
	FailedFires int           `json:"failed_fires,omitempty"`
	DueAt       time.Time     `json:"due_at"`
	ExpiredAt   time.Time     `json:"expired_at"`
}

// conn is satisfied by *nats.Conn.
type conn interface {
	Publish(subj string, data []byte) error
}

// Publisher is a reminder.ExpiryHandler that publishes Expired events.
type Publisher struct {
	nc      conn
	subject string
	log     *zap.SugaredLogger
}

// NewPublisher publishes on subject, or DefaultSubject when it is empty.
func NewPublisher(nc conn, subject string, log *zap.SugaredLogger) *Publisher {
	if subject == "" {
		subject = DefaultSubject
	}
	return &Publisher{nc: nc, subject: subject, log: log}
}

// OnExpired implements reminder.ExpiryHandler. Publish errors are logged;
// the engine has already committed the expiry.
func (p *Publisher) OnExpired(_ context.Context, r reminder.Reminder) {
	if err := p.Publish(r); err != nil {
		p.log.Errorw("Failed to publish expiry", "reminder_id", r.ID, "state", r.State, "error", err)
	}
}

// Publish sends the Expired event for r.
func (p *Publisher) Publish(r reminder.Reminder) error {
	data, err := json.Marshal(Expired{
		Type:        TypeExpired,
		ReminderID:  r.ID,
		OwnerID:     r.OwnerID,
		SubjectRef:  r.SubjectRef,
		Priority:    r.Priority,
		FireCount:   r.FireCount,
		FailedFires: r.FailedFires,
		DueAt:       r.DueAt,
		ExpiredAt:   r.UpdatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal expiry event: %w", err)
	}
	if err := p.nc.Publish(p.subject, data); err != nil {
		return fmt.Errorf("publish to %s: %w", p.subject, err)
	}
	return nil
}
