// Package notify holds notification sinks that are not tied to a chat
// transport, and a fan-out sink that combines several of them.
package notify

import (
	"context"
	"fmt"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/notexe/nagbot/internal/reminder"
)

// LogSink writes notifications to the log. It never fails.
type LogSink struct {
	log *zap.SugaredLogger
}

// NewLogSink creates a sink logging at info level.
func NewLogSink(log *zap.SugaredLogger) *LogSink {
	return &LogSink{log: log}
}

func (s *LogSink) Deliver(_ context.Context, ownerID, text string) error {
	s.log.Infow("Notification", "owner_id", ownerID, "text", text)
	return nil
}

// Multi delivers to every sink. A delivery succeeds if at least one sink
// accepted it; otherwise all errors are returned together.
type Multi []reminder.Sink

func (m Multi) Deliver(ctx context.Context, ownerID, text string) error {
	if len(m) == 0 {
		return fmt.Errorf("no sinks configured")
	}

	var errs error
	delivered := false
	for _, s := range m {
		if err := s.Deliver(ctx, ownerID, text); err != nil {
			errs = multierr.Append(errs, err)
			continue
		}
		delivered = true
	}
	if delivered {
		return nil
	}
	return errs
}
