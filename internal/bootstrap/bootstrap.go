// Package bootstrap wires the collector from configuration. Both binaries
// build the same object graph through it.
package bootstrap

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"incasso.org/internal/auth"
	"incasso.org/internal/batch"
	"incasso.org/internal/config"
	"incasso.org/internal/domain"
	"incasso.org/internal/engine"
	"incasso.org/internal/events"
	"incasso.org/internal/httpapi"
	"incasso.org/internal/lease"
	"incasso.org/internal/mandate"
	"incasso.org/internal/obs"
	"incasso.org/internal/schedule"
	"incasso.org/internal/sequence"
	"incasso.org/internal/store/memory"
	"incasso.org/internal/store/pg"
)

// Store is every persistence port the engine needs.
type Store interface {
	mandate.Store
	batch.Store
	batch.InvoiceSource
	Ping(ctx context.Context) error
}

// App is the wired collector.
type App struct {
	Config   *config.Config
	Store    Store
	Registry *mandate.Registry
	Engine   *engine.Engine
	Trigger  *schedule.Trigger
	Hub      *events.Hub
	Tokens   *auth.Tokens
	Logger   *slog.Logger

	closers []func() error
}

// Option adjusts wiring, mostly for tests.
type Option func(*options)

type options struct {
	store Store
}

// WithStore uses st instead of opening one from DATABASE_URL.
func WithStore(st Store) Option {
	return func(o *options) { o.store = st }
}

// New builds the collector. Broker and Redis are optional: when they are
// configured but unreachable the collector logs and runs without them.
func New(ctx context.Context, cfg *config.Config, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	logger := obs.Logger()
	a := &App{Config: cfg, Logger: logger, Hub: events.NewHub()}

	days, err := cfg.Days()
	if err != nil {
		return nil, err
	}

	switch {
	case o.store != nil:
		a.Store = o.store
	case cfg.DatabaseURL != "":
		st, err := pg.Open(cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, st.Close)
		a.Store = st
	default:
		logger.Warn("DATABASE_URL not set, using in-memory store; state is lost on exit")
		a.Store = memory.New()
	}

	a.Registry = mandate.NewRegistry(a.Store, mandate.WithPolicy(cfg.Policy()), mandate.WithLogger(logger))
	bcfg := cfg.Batch()
	resolver := sequence.NewResolver(a.Registry, bcfg.Claim, logger)

	publishers := events.Multi{a.Hub}
	if cfg.RabbitMQURL != "" {
		amqp, err := events.DialAMQP(cfg.RabbitMQURL, cfg.EventsExchange, logger)
		if err != nil {
			logger.Warn("event broker unavailable, batch events stay in-process", "error", err)
			publishers = append(publishers, events.Fallback{Logger: logger})
		} else {
			publishers = append(publishers, amqp)
			a.closers = append(a.closers, func() error { amqp.Close(); return nil })
		}
	}

	a.Engine = engine.New(engine.Deps{
		Assembler: batch.NewAssembler(a.Store, a.Store, a.Registry, resolver, bcfg, logger),
		Validator: batch.NewValidator(a.Store, a.Store, a.Registry, bcfg, logger),
		Reaper:    batch.NewReaper(a.Store, cfg.StaleAfter, logger),
		Store:     a.Store,
		Publisher: publishers,
		Logger:    logger,
	})

	trigOpts := []schedule.TriggerOption{schedule.WithTriggerLogger(logger), schedule.WithWindowLookup(a.Store)}
	if cfg.RedisAddr != "" {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		client, err := lease.Connect(pingCtx, cfg.RedisAddr)
		cancel()
		if err != nil {
			logger.Warn("run lease unavailable, relying on window uniqueness", "error", err)
		} else {
			trigOpts = append(trigOpts, schedule.WithLease(lease.NewRedis(client, "", cfg.RunLeaseTTL)))
			a.closers = append(a.closers, client.Close)
		}
	}
	a.Trigger = schedule.NewTrigger(cfg.Scheduling(days), a.Engine, trigOpts...)

	if cfg.OperatorTokenSecret != "" {
		tokens, err := auth.NewTokens(cfg.OperatorTokenSecret)
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		a.Tokens = tokens
	}
	return a, nil
}

// Cron returns the scheduler for the trigger and the reaper.
func (a *App) Cron(ctx context.Context) *schedule.Cron {
	return schedule.NewCron(ctx, schedule.CronConfig{
		TriggerSpec: a.Config.TriggerSchedule,
		ReaperSpec:  a.Config.ReaperSchedule,
		Location:    a.Config.Location(),
	}, a.Trigger, schedule.ReaperFunc(a.Engine.Reap), a.Logger)
}

// Today is the current civil date in the business timezone.
func (a *App) Today() time.Time {
	return domain.Civil(time.Now().In(a.Config.Location()))
}

// API returns the operator API.
func (a *App) API(version string) *httpapi.API {
	opts := []httpapi.Option{
		httpapi.WithRateLimit(a.Config.RateLimitRPS, a.Config.RateLimitBurst),
		httpapi.WithToday(a.Today),
	}
	if a.Tokens != nil {
		opts = append(opts, httpapi.WithTokens(a.Tokens))
	}
	return httpapi.New(httpapi.ReadyProbe{Store: a.Store}, version, httpapi.Services{
		Collector: a.Engine,
		Trigger:   a.Trigger,
		Mandates:  a.Registry,
		Events:    a.Hub,
	}, opts...)
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
