package schedule

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"incasso.org/internal/domain"
	"incasso.org/internal/obs"
)

// Reaper releases abandoned batches.
type Reaper interface {
	Run(ctx context.Context) ([]domain.Release, error)
}

// ReaperFunc adapts a function to Reaper.
type ReaperFunc func(ctx context.Context) ([]domain.Release, error)

func (f ReaperFunc) Run(ctx context.Context) ([]domain.Release, error) { return f(ctx) }

// CronConfig holds the cron expressions and business timezone.
type CronConfig struct {
	TriggerSpec string
	ReaperSpec  string
	Location    *time.Location
	// Timeout bounds one job run.
	Timeout time.Duration
}

// Cron drives the trigger and the reaper from cron expressions.
type Cron struct {
	cron    *cron.Cron
	cfg     CronConfig
	trigger *Trigger
	reaper  Reaper
	logger  *slog.Logger
	now     func() time.Time
	ctx     context.Context
}

// NewCron builds the scheduler. Jobs run in cfg.Location, which also
// decides the as-of date handed to the trigger.
func NewCron(ctx context.Context, cfg CronConfig, trigger *Trigger, reaper Reaper, logger *slog.Logger) *Cron {
	if logger == nil {
		logger = obs.Logger()
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	cronLogger := cron.PrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelInfo))
	c := cron.New(
		cron.WithLocation(cfg.Location),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
	return &Cron{cron: c, cfg: cfg, trigger: trigger, reaper: reaper, logger: logger, now: time.Now, ctx: ctx}
}

// Start registers the jobs and starts the scheduler. A spec that does not
// parse is logged and that job is left out.
func (c *Cron) Start() error {
	if _, err := c.cron.AddFunc(c.cfg.TriggerSpec, c.runTrigger); err != nil {
		c.logger.Error("failed to schedule collection trigger", "schedule", c.cfg.TriggerSpec, "error", err)
		return err
	}
	c.logger.Info("scheduled collection trigger", "schedule", c.cfg.TriggerSpec, "timezone", c.cfg.Location.String())

	if c.reaper != nil && c.cfg.ReaperSpec != "" {
		if _, err := c.cron.AddFunc(c.cfg.ReaperSpec, c.runReaper); err != nil {
			c.logger.Error("failed to schedule reaper", "schedule", c.cfg.ReaperSpec, "error", err)
			return err
		}
		c.logger.Info("scheduled reaper", "schedule", c.cfg.ReaperSpec)
	}
	c.cron.Start()
	return nil
}

// Stop stops the scheduler. The returned context is done once running jobs finish.
func (c *Cron) Stop() context.Context {
	return c.cron.Stop()
}

// Today returns the current civil date in the business timezone.
func (c *Cron) Today() time.Time {
	return domain.Civil(c.now().In(c.cfg.Location))
}

func (c *Cron) runTrigger() {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.Timeout)
	defer cancel()
	asOf := c.Today()
	out, err := c.trigger.Fire(ctx, asOf)
	if err != nil {
		c.logger.Error("collection trigger failed", "as_of", asOf.Format(time.DateOnly), "error", err)
		return
	}
	if out.Skipped {
		c.logger.Debug("collection trigger skipped", "as_of", asOf.Format(time.DateOnly), "reason", out.Reason)
		return
	}
	attrs := []any{"as_of", asOf.Format(time.DateOnly), "window", out.Window}
	if out.Batch != nil {
		attrs = append(attrs, "batch_id", out.Batch.ID, "status", string(out.Batch.Status), "transactions", len(out.Batch.Transactions))
	}
	c.logger.Info("collection trigger finished", attrs...)
}

func (c *Cron) runReaper() {
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.Timeout)
	defer cancel()
	released, err := c.reaper.Run(ctx)
	if err != nil {
		c.logger.Error("reaper failed", "error", err)
		return
	}
	if len(released) > 0 {
		c.logger.Info("reaper released batches", "count", len(released))
	}
}

// LoadLocation resolves a timezone name. An unknown name is a
// configuration error.
func LoadLocation(name string) (*time.Location, error) {
	if name == "" || name == "UTC" {
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return nil, &domain.ConfigurationError{Field: "BUSINESS_TIMEZONE", Reason: err.Error()}
	}
	return loc, nil
}
