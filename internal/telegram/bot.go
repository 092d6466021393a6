// Package telegram connects the reminder engine to a Telegram bot: it
// delivers notifications to chats and turns replies into acknowledge,
// cancel and snooze calls.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strconv"
	"time"

	tg "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/notexe/nagbot/internal/intent"
	"github.com/notexe/nagbot/internal/reminder"
)

const (
	txtDone        = "✅ Great! Marked as complete: %s"
	txtSkipped     = "Reminder cancelled: %s"
	txtSnoozed     = "⏰ Snoozed for %s. I'll remind you then about: %s"
	txtAlready     = "That reminder is already %s."
	txtNoTarget    = "I don't have an active reminder for you right now."
	txtNotUnderst  = "Not sure what you mean. Reply 'done', 'snooze 15' or 'skip'."
	txtNotFound    = "I couldn't find that reminder."
	txtFailed      = "Couldn't process that. Try again in a moment."
	txtStillFiring = "I'm sending you that reminder right now, try again in a second."
)

// messenger is the part of tg.BotAPI the bot uses.
type messenger interface {
	Send(c tg.Chattable) (tg.Message, error)
	GetUpdatesChan(config tg.UpdateConfig) tg.UpdatesChannel
	StopReceivingUpdates()
}

// Engine is the set of engine operations replies can trigger.
type Engine interface {
	Acknowledge(ctx context.Context, id string) (*reminder.Reminder, error)
	Cancel(ctx context.Context, id string) (*reminder.Reminder, error)
	Snooze(ctx context.Context, id string, d time.Duration) (*reminder.Reminder, error)
	ListActive(ctx context.Context, ownerID string) iter.Seq2[reminder.Reminder, error]
}

// Bot delivers notifications and listens for replies. Owner ids are
// Telegram chat ids in decimal.
type Bot struct {
	api        messenger
	log        *zap.SugaredLogger
	engine     Engine
	classifier intent.Classifier
	timeout    int
}

// Option configures a Bot.
type Option func(*Bot)

// WithClassifier sets the classifier used for replies.
func WithClassifier(c intent.Classifier) Option {
	return func(b *Bot) { b.classifier = c }
}

// WithPollTimeout sets the long-poll timeout in seconds.
func WithPollTimeout(seconds int) Option {
	return func(b *Bot) { b.timeout = seconds }
}

// New authorizes against the Bot API with token.
func New(token string, log *zap.SugaredLogger, opts ...Option) (*Bot, error) {
	if token == "" {
		return nil, fmt.Errorf("telegram bot token is required")
	}

	api, err := tg.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize Telegram Bot: %w", err)
	}
	api.Debug = false

	log.Infof("authorized on account %q", api.Self.UserName)
	return newBot(api, log, opts...), nil
}

func newBot(api messenger, log *zap.SugaredLogger, opts ...Option) *Bot {
	b := &Bot{
		api:        api,
		log:        log,
		classifier: intent.Keyword{},
		timeout:    60,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Attach sets the engine replies are routed to. It must be called before
// Run; the bot is usually created first because the engine needs it as
// its sink.
func (b *Bot) Attach(e Engine) {
	b.engine = e
}

// Deliver sends text to the chat identified by ownerID.
func (b *Bot) Deliver(_ context.Context, ownerID, text string) error {
	chatID, err := strconv.ParseInt(ownerID, 10, 64)
	if err != nil {
		return fmt.Errorf("owner %q is not a telegram chat id: %w", ownerID, err)
	}
	return b.send(chatID, text, 0)
}

func (b *Bot) send(chatID int64, text string, replyTo int) error {
	m := tg.NewMessage(chatID, text)
	if replyTo > 0 {
		m.ReplyToMessageID = replyTo
	}
	m.DisableWebPagePreview = true

	if _, err := b.api.Send(m); err != nil {
		return fmt.Errorf("failed sending message: %w", err)
	}
	return nil
}

// Run consumes updates until ctx is cancelled.
func (b *Bot) Run(ctx context.Context) error {
	if b.engine == nil {
		return fmt.Errorf("telegram bot has no engine attached")
	}

	uCfg := tg.NewUpdate(0)
	uCfg.Timeout = b.timeout
	updates := b.api.GetUpdatesChan(uCfg)

	b.log.Info("Listening for replies")
	for {
		select {
		case <-ctx.Done():
			b.api.StopReceivingUpdates()
			b.log.Info("Shutting down")
			return nil
		case u, ok := <-updates:
			if !ok {
				return nil
			}
			if u.Message == nil || u.Message.Text == "" {
				continue
			}
			b.HandleMessage(ctx, u.Message)
		}
	}
}

// HandleMessage classifies one incoming message and applies it to the
// targeted reminder.
func (b *Bot) HandleMessage(ctx context.Context, msg *tg.Message) {
	chatID := msg.Chat.ID
	owner := strconv.FormatInt(chatID, 10)

	reply, err := b.classifier.Classify(ctx, msg.Text)
	if err != nil {
		b.log.Warnw("Failed to classify reply", "owner_id", owner, "error", err)
	}
	if reply.Action == intent.ActionNone {
		if b.hasActive(ctx, owner) {
			b.respond(chatID, msg.MessageID, txtNotUnderst)
		}
		return
	}

	target, err := b.target(ctx, owner, reply.ReminderID)
	if err != nil {
		b.log.Errorw("Failed to find reminder for reply", "owner_id", owner, "error", err)
		b.respond(chatID, msg.MessageID, txtFailed)
		return
	}
	if target == nil {
		b.respond(chatID, msg.MessageID, txtNoTarget)
		return
	}

	b.respond(chatID, msg.MessageID, b.apply(ctx, reply, target))
}

func (b *Bot) apply(ctx context.Context, reply intent.Reply, target *reminder.Reminder) string {
	var (
		r    *reminder.Reminder
		err  error
		want reminder.State
	)

	switch reply.Action {
	case intent.ActionDone:
		r, err = b.engine.Acknowledge(ctx, target.ID)
		want = reminder.StateAcknowledged
	case intent.ActionSkip:
		r, err = b.engine.Cancel(ctx, target.ID)
		want = reminder.StateCancelled
	case intent.ActionSnooze:
		r, err = b.engine.Snooze(ctx, target.ID, reply.Snooze)
		want = reminder.StateScheduled
	}

	switch {
	case errors.Is(err, reminder.ErrNotFound):
		return txtNotFound
	case errors.Is(err, reminder.ErrConflict):
		return txtStillFiring
	case err != nil:
		b.log.Errorw("Failed to apply reply", "reminder_id", target.ID, "state", target.State,
			"action", reply.Action.String(), "error", err)
		return txtFailed
	}

	if r.State != want {
		return fmt.Sprintf(txtAlready, r.State)
	}

	b.log.Infow("Reply applied", "reminder_id", r.ID, "state", r.State, "action", reply.Action.String())
	label := r.Title
	if label == "" {
		label = r.SubjectRef
	}
	switch reply.Action {
	case intent.ActionDone:
		return fmt.Sprintf(txtDone, label)
	case intent.ActionSkip:
		return fmt.Sprintf(txtSkipped, label)
	}
	return fmt.Sprintf(txtSnoozed, reply.Snooze, label)
}

// target picks the reminder a reply refers to: the one named by id, or
// else the owner's most recently fired active reminder.
func (b *Bot) target(ctx context.Context, owner, id string) (*reminder.Reminder, error) {
	var best *reminder.Reminder
	for r, err := range b.engine.ListActive(ctx, owner) {
		if err != nil {
			return nil, err
		}
		if id != "" {
			if r.ID == id {
				return &r, nil
			}
			continue
		}
		if r.LastFired == nil {
			continue
		}
		if best == nil || r.LastFired.After(*best.LastFired) {
			best = &r
		}
	}
	return best, nil
}

func (b *Bot) hasActive(ctx context.Context, owner string) bool {
	for _, err := range b.engine.ListActive(ctx, owner) {
		return err == nil
	}
	return false
}

func (b *Bot) respond(chatID int64, replyTo int, text string) {
	if err := b.send(chatID, text, replyTo); err != nil {
		b.log.Errorw("Failed to answer reply", "chat_id", chatID, "error", err)
	}
}
