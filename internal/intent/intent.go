// Package intent turns a user's reply to a notification into an action on
// the reminder it refers to.
package intent

import (
	"context"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Action is what the user asked for.
type Action int

const (
	ActionNone Action = iota
	ActionDone
	ActionSkip
	ActionSnooze
)

func (a Action) String() string {
	switch a {
	case ActionDone:
		return "done"
	case ActionSkip:
		return "skip"
	case ActionSnooze:
		return "snooze"
	}
	return "none"
}

const (
	// DefaultSnooze is used for a bare "snooze".
	DefaultSnooze = 15 * time.Minute
	// MaxSnooze caps longer requests.
	MaxSnooze = 7 * 24 * time.Hour
)

// Reply is a classified user message.
type Reply struct {
	Action Action
	// Snooze is set for ActionSnooze.
	Snooze time.Duration
	// ReminderID is set when the message names a reminder with #<id>.
	ReminderID string
}

// Classifier classifies free-form replies.
type Classifier interface {
	Classify(ctx context.Context, text string) (Reply, error)
}

var (
	targetRe = regexp.MustCompile(`(?:^|\s)#([A-Za-z0-9-]+)\s*$`)
	snoozeRe = regexp.MustCompile(`^snooze(?:\s+(?:for\s+)?(\d+)\s*(m|min|mins|minutes?|h|hr|hrs|hours?)?)?$`)
)

var (
	doneWords = map[string]bool{"done": true, "completed": true, "finished": true, "did it": true}
	skipWords = map[string]bool{"skip": true, "cancel": true, "nevermind": true, "never mind": true}
)

// Parse recognises the fixed reply vocabulary: done, skip and
// snooze N[m|h], each optionally followed by #<reminder id>.
func Parse(text string) Reply {
	s := strings.TrimPrefix(strings.TrimSpace(text), "/")

	var reply Reply
	if m := targetRe.FindStringSubmatchIndex(s); m != nil {
		reply.ReminderID = s[m[2]:m[3]]
		s = s[:m[0]]
	}
	s = strings.TrimRight(strings.ToLower(strings.TrimSpace(s)), ".! ")

	switch {
	case doneWords[s]:
		reply.Action = ActionDone
	case skipWords[s]:
		reply.Action = ActionSkip
	default:
		m := snoozeRe.FindStringSubmatch(s)
		if m == nil {
			return Reply{}
		}
		reply.Action = ActionSnooze
		reply.Snooze = DefaultSnooze
		if m[1] != "" {
			n, err := strconv.Atoi(m[1])
			if err != nil || n <= 0 {
				return Reply{}
			}
			unit := time.Minute
			if strings.HasPrefix(m[2], "h") {
				unit = time.Hour
			}
			reply.Snooze = snoozeFor(n, unit)
		}
	}
	return reply
}

// snoozeFor returns n units, capped at MaxSnooze.
func snoozeFor(n int, unit time.Duration) time.Duration {
	if n > int(MaxSnooze/unit) {
		return MaxSnooze
	}
	return time.Duration(n) * unit
}

// Keyword is a Classifier backed by Parse.
type Keyword struct{}

func (Keyword) Classify(_ context.Context, text string) (Reply, error) {
	return Parse(text), nil
}

// Chain asks each classifier in turn and returns the first answer that
// is not ActionNone. Errors are skipped unless every classifier failed.
type Chain []Classifier

func (c Chain) Classify(ctx context.Context, text string) (Reply, error) {
	var lastErr error
	failed := 0
	for _, cl := range c {
		r, err := cl.Classify(ctx, text)
		if err != nil {
			lastErr = err
			failed++
			continue
		}
		if r.Action != ActionNone {
			return r, nil
		}
	}
	if failed > 0 && failed == len(c) {
		return Reply{}, lastErr
	}
	return Reply{}, nil
}
