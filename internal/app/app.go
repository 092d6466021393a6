// Package app wires configuration into a running nagbot: store, engine,
// sinks, reply listener, scheduler and HTTP server.
package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmhodges/clock"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/notexe/nagbot/internal/config"
	"github.com/notexe/nagbot/internal/events"
	"github.com/notexe/nagbot/internal/httpapi"
	"github.com/notexe/nagbot/internal/intent"
	"github.com/notexe/nagbot/internal/logging"
	"github.com/notexe/nagbot/internal/messages"
	"github.com/notexe/nagbot/internal/notify"
	"github.com/notexe/nagbot/internal/reminder"
	"github.com/notexe/nagbot/internal/scheduler"
	"github.com/notexe/nagbot/internal/telegram"
)

// App holds the wired components. Close releases them.
type App struct {
	Config   *config.Config
	Store    reminder.Store
	Engine   *reminder.Engine
	Registry *prometheus.Registry
	Bot      *telegram.Bot

	log      *zap.SugaredLogger
	clock    clock.Clock
	renderer *messages.Renderer
	sink     reminder.Sink
	nc       *nats.Conn
	closers  []func() error
}

// Option configures New.
type Option func(*App)

// WithClock replaces the wall clock.
func WithClock(clk clock.Clock) Option {
	return func(a *App) { a.clock = clk }
}

// WithSink adds a sink next to the configured ones.
func WithSink(s reminder.Sink) Option {
	return func(a *App) { a.sink = s }
}

// New builds every component cfg enables. cfg must have passed Validate.
func New(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger, opts ...Option) (_ *App, err error) {
	a := &App{
		Config:   cfg,
		Registry: prometheus.NewRegistry(),
		log:      log,
		clock:    clock.New(),
	}
	for _, opt := range opts {
		opt(a)
	}
	defer func() {
		if err != nil {
			err = multierr.Append(err, a.Close())
		}
	}()

	a.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	policy, err := cfg.Policy()
	if err != nil {
		return nil, fmt.Errorf("build escalation policy: %w", err)
	}
	a.renderer = messages.NewRenderer(policy, a.clock)

	if cfg.Store.Driver == config.DriverNATS || cfg.Events.Enabled {
		nc, err := nats.Connect(cfg.NATS.URL, nats.Name("nagbot"))
		if err != nil {
			return nil, fmt.Errorf("connect to NATS: %w", err)
		}
		a.nc = nc
		a.closers = append(a.closers, func() error { nc.Close(); return nil })
	}

	if a.Store, err = a.openStore(ctx); err != nil {
		return nil, err
	}
	a.closers = append(a.closers, a.Store.Close)

	sink, err := a.buildSink()
	if err != nil {
		return nil, err
	}

	a.Engine, err = reminder.NewEngine(a.Store, policy, sink,
		reminder.WithConfig(cfg.EngineConfig()),
		reminder.WithClock(a.clock),
		reminder.WithLogger(logging.Named(log, "engine")),
		reminder.WithRenderer(a.renderer),
		reminder.WithExpiryHandler(a.expiryHandler(sink)),
		reminder.WithMetrics(a.Registry),
	)
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}
	if a.Bot != nil {
		a.Bot.Attach(a.Engine)
	}
	return a, nil
}

func (a *App) openStore(ctx context.Context) (reminder.Store, error) {
	cfg := a.Config.Store
	switch cfg.Driver {
	case config.DriverMemory:
		return reminder.NewMemoryStore(), nil
	case config.DriverSQLite:
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		return reminder.NewSQLiteStore(cfg.SQLitePath)
	case config.DriverPostgres:
		return reminder.NewPostgresStore(ctx, cfg.PostgresDSN)
	case config.DriverNATS:
		return reminder.NewKVStore(ctx, a.nc, cfg.NATSBucket)
	}
	return nil, fmt.Errorf("unknown store driver: %s", cfg.Driver)
}

func (a *App) buildSink() (reminder.Sink, error) {
	cfg := a.Config
	var sinks notify.Multi
	if a.sink != nil {
		sinks = append(sinks, a.sink)
	}

	if cfg.Telegram.Enabled {
		opts := []telegram.Option{telegram.WithPollTimeout(cfg.Telegram.PollTimeout)}
		if cfg.Intent.DeepSeek {
			ds, err := intent.NewDeepSeek(cfg.Intent.APIKey, cfg.Intent.Model)
			if err != nil {
				return nil, err
			}
			opts = append(opts, telegram.WithClassifier(intent.Chain{intent.Keyword{}, ds}))
		}
		bot, err := telegram.New(cfg.Telegram.BotToken, logging.Named(a.log, "telegram"), opts...)
		if err != nil {
			return nil, err
		}
		a.Bot = bot
		sinks = append(sinks, bot)
	}
	if cfg.Notify.DBus {
		d, err := notify.NewDBusSink(cfg.Notify.DBusAppName, int32(cfg.Notify.DBusTimeoutMs))
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, d.Close)
		sinks = append(sinks, d)
	}
	if cfg.Notify.Log {
		sinks = append(sinks, notify.NewLogSink(logging.Named(a.log, "notify")))
	}

	if len(sinks) == 1 {
		return sinks[0], nil
	}
	return sinks, nil
}

// expiryHandler sends the missed notice through sink and, when events
// are enabled, publishes the expiry to NATS.
func (a *App) expiryHandler(sink reminder.Sink) reminder.ExpiryHandler {
	var pub *events.Publisher
	if a.Config.Events.Enabled {
		pub = events.NewPublisher(a.nc, a.Config.Events.Subject, logging.Named(a.log, "events"))
	}

	return reminder.ExpiryFunc(func(ctx context.Context, r reminder.Reminder) {
		if pub != nil {
			pub.OnExpired(ctx, r)
		}

		text, err := a.renderer.RenderMissed(r)
		if err != nil {
			a.log.Errorw("Failed to render missed notice", "reminder_id", r.ID, "state", r.State, "error", err)
			return
		}
		if err := sink.Deliver(ctx, r.OwnerID, text); err != nil {
			a.log.Warnw("Failed to deliver missed notice", "reminder_id", r.ID, "state", r.State, "error", err)
		}
	})
}

// Health pings the store when its backend supports it.
func (a *App) Health(ctx context.Context) error {
	if p, ok := a.Store.(reminder.Pinger); ok {
		return p.Ping(ctx)
	}
	return nil
}

// Run starts the scheduler, the reply listener and the HTTP server and
// blocks until ctx is cancelled or one of them fails.
func (a *App) Run(ctx context.Context) error {
	cfg := a.Config
	g, ctx := errgroup.WithContext(ctx)

	schedOpts := []scheduler.Option{scheduler.WithClock(a.clock)}
	if p, ok := a.Store.(reminder.Purger); ok && cfg.Store.PurgeSchedule != "" {
		schedOpts = append(schedOpts, scheduler.WithPurge(p, cfg.Store.PurgeSchedule, cfg.Store.Retention))
	}
	sched := scheduler.New(a.Engine, cfg.Engine.TickInterval, logging.Named(a.log, "scheduler"), schedOpts...)
	g.Go(func() error { return sched.Run(ctx) })

	if a.Bot != nil {
		g.Go(func() error { return a.Bot.Run(ctx) })
	}

	if cfg.HTTP.Enabled {
		srv := httpapi.New(a.Engine, a.Registry, a.Health, logging.Named(a.log, "http"))
		g.Go(func() error { return srv.ListenAndServe(ctx, cfg.HTTP.Addr) })
	}

	return g.Wait()
}

// Close releases components in reverse order of creation.
func (a *App) Close() error {
	var errs error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = multierr.Append(errs, a.closers[i]())
	}
	a.closers = nil
	return errs
}
