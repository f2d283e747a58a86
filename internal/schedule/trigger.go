package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"incasso.org/internal/batch"
	"incasso.org/internal/domain"
	"incasso.org/internal/lease"
	"incasso.org/internal/obs"
)

// State of the trigger.
type State string

const (
	Idle      State = "Idle"
	Triggered State = "Triggered"
)

// Skip reasons reported in Outcome.Reason.
const (
	ReasonOffDay    = "not a scheduling day"
	ReasonDuplicate = "duplicate"
	ReasonLeaseHeld = "lease held"
)

// Runner performs one collection run for a window.
type Runner interface {
	Run(ctx context.Context, req batch.Request) (domain.Batch, domain.Report, error)
}

// Lease optionally guards a window across processes. Acquire fails with an
// error wrapping lease.ErrHeld when another process holds key.
type Lease interface {
	Acquire(ctx context.Context, key string) (release func(context.Context) error, err error)
}

// WindowLookup finds the batch already opened for a window key, or fails
// with domain.ErrNotFound.
type WindowLookup interface {
	BatchByWindow(ctx context.Context, windowKey string) (domain.Batch, error)
}

// Settings are the scheduling inputs of the trigger.
type Settings struct {
	Days                 []int
	SettlementOffsetDays int
}

// Validate rejects settings the trigger cannot act on.
func (s Settings) Validate() error {
	if len(s.Days) == 0 {
		return &domain.ConfigurationError{Field: "SCHEDULING_DAYS", Reason: "at least one day is required"}
	}
	for _, d := range s.Days {
		if d < 1 || d > 31 {
			return &domain.ConfigurationError{Field: "SCHEDULING_DAYS", Reason: fmt.Sprintf("day %d is outside 1..31", d)}
		}
	}
	if s.SettlementOffsetDays < 0 {
		return &domain.ConfigurationError{Field: "SETTLEMENT_OFFSET_DAYS", Reason: "must not be negative"}
	}
	return nil
}

// Outcome describes what a Fire call did.
type Outcome struct {
	Window  string         `json:"window,omitempty"`
	Fired   bool           `json:"fired"`
	Skipped bool           `json:"skipped"`
	Reason  string         `json:"reason,omitempty"`
	Batch   *domain.Batch  `json:"batch,omitempty"`
	Report  *domain.Report `json:"report,omitempty"`
}

// Trigger moves Idle -> Triggered on a scheduling day whose window has no
// batch yet, delegates to the runner and returns to Idle. Only one Fire runs at a time per Trigger; the
// window key makes concurrent triggers in other processes safe.
type Trigger struct {
	settings Settings
	runner   Runner
	lease    Lease
	windows  WindowLookup
	logger   *slog.Logger

	mu      sync.Mutex // serializes Fire
	stateMu sync.RWMutex
	state   State
}

// TriggerOption configures a Trigger.
type TriggerOption func(*Trigger)

// WithLease makes Fire take lease before running.
func WithLease(l Lease) TriggerOption {
	return func(t *Trigger) { t.lease = l }
}

// WithWindowLookup lets Fire recognise an already collected window before
// it leaves Idle.
func WithWindowLookup(w WindowLookup) TriggerOption {
	return func(t *Trigger) { t.windows = w }
}

// WithTriggerLogger overrides the logger.
func WithTriggerLogger(l *slog.Logger) TriggerOption {
	return func(t *Trigger) {
		if l != nil {
			t.logger = l
		}
	}
}

// NewTrigger constructs an idle Trigger.
func NewTrigger(settings Settings, runner Runner, opts ...TriggerOption) *Trigger {
	t := &Trigger{settings: settings, runner: runner, logger: obs.Logger(), state: Idle}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// State returns the current state.
func (t *Trigger) State() State {
	t.stateMu.RLock()
	defer t.stateMu.RUnlock()
	return t.state
}

func (t *Trigger) setState(s State) {
	t.stateMu.Lock()
	t.state = s
	t.stateMu.Unlock()
}

// Plan validates the settings and returns the request Fire would run for
// asOf. ok is false when asOf is not a scheduling day.
func (t *Trigger) Plan(asOf time.Time) (req batch.Request, ok bool, err error) {
	if err := t.settings.Validate(); err != nil {
		return batch.Request{}, false, err
	}
	asOf = domain.Civil(asOf)
	w, ok := WindowFor(t.settings.Days, asOf)
	if !ok {
		return batch.Request{}, false, nil
	}
	return batch.Request{
		WindowKey:      w.Key(),
		CreationDate:   asOf,
		SettlementDate: domain.AddDays(asOf, t.settings.SettlementOffsetDays),
	}, true, nil
}

// Fire runs collection for asOf when it falls on a scheduling day. A window
// that already has a batch is a successful no-op. Invalid settings fail
// with a *domain.ConfigurationError and are never retried.
func (t *Trigger) Fire(ctx context.Context, asOf time.Time) (Outcome, error) {
	req, ok, err := t.Plan(asOf)
	if err != nil {
		obs.TriggerRun("config_error")
		return Outcome{}, err
	}
	if !ok {
		obs.TriggerRun("off_day")
		return Outcome{Skipped: true, Reason: ReasonOffDay}, nil
	}
	out := Outcome{Window: req.WindowKey}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.lease != nil {
		release, err := t.lease.Acquire(ctx, req.WindowKey)
		if errors.Is(err, lease.ErrHeld) {
			obs.TriggerRun("lease_held")
			t.logger.Info("run lease held elsewhere, skipping", "window", out.Window)
			out.Skipped, out.Reason = true, ReasonLeaseHeld
			return out, nil
		}
		if err != nil {
			t.logger.Warn("run lease unavailable, continuing without it", "window", out.Window, "error", err)
		} else {
			defer func() {
				if err := release(context.WithoutCancel(ctx)); err != nil {
					t.logger.Warn("run lease release failed", "window", out.Window, "error", err)
				}
			}()
		}
	}

	if t.windows != nil {
		existing, err := t.windows.BatchByWindow(ctx, req.WindowKey)
		switch {
		case err == nil:
			obs.TriggerRun("duplicate")
			t.logger.Info("window already has a batch", "window", out.Window, "batch_id", existing.ID)
			out.Skipped, out.Reason = true, ReasonDuplicate
			return out, nil
		case !errors.Is(err, domain.ErrNotFound):
			t.logger.Warn("window lookup failed, running anyway", "window", out.Window, "error", err)
		}
	}

	// A concurrent process can still open the window first; OpenBatch
	// reports that as ErrDuplicateBatch below.
	t.setState(Triggered)
	defer t.setState(Idle)

	b, report, err := t.runner.Run(ctx, req)
	if errors.Is(err, domain.ErrDuplicateBatch) {
		obs.TriggerRun("duplicate")
		t.logger.Info("window already has a batch", "window", out.Window)
		out.Skipped, out.Reason = true, ReasonDuplicate
		return out, nil
	}
	if err != nil {
		obs.TriggerRun("error")
		return out, fmt.Errorf("run window %s: %w", out.Window, err)
	}
	obs.TriggerRun("fired")
	out.Fired = true
	out.Batch = &b
	out.Report = &report
	return out, nil
}
