// Package engine runs collection end to end: assemble, validate, publish.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"incasso.org/internal/batch"
	"incasso.org/internal/coverage"
	"incasso.org/internal/domain"
	"incasso.org/internal/events"
	"incasso.org/internal/obs"
)

// Engine ties the assembler, validator and reaper to the batch store and
// the event publisher.
type Engine struct {
	assembler *batch.Assembler
	validator *batch.Validator
	reaper    *batch.Reaper
	store     batch.Store
	publisher events.Publisher
	logger    *slog.Logger
}

// Deps are the collaborators of an Engine.
type Deps struct {
	Assembler *batch.Assembler
	Validator *batch.Validator
	Reaper    *batch.Reaper
	Store     batch.Store
	Publisher events.Publisher
	Logger    *slog.Logger
}

// New constructs an Engine.
func New(d Deps) *Engine {
	if d.Logger == nil {
		d.Logger = obs.Logger()
	}
	if d.Publisher == nil {
		d.Publisher = events.Fallback{Logger: d.Logger}
	}
	return &Engine{
		assembler: d.Assembler,
		validator: d.Validator,
		reaper:    d.Reaper,
		store:     d.Store,
		publisher: d.Publisher,
		logger:    d.Logger,
	}
}

// Run assembles and validates the batch for req. A window that already has
// a batch fails with domain.ErrDuplicateBatch and writes nothing.
func (e *Engine) Run(ctx context.Context, req batch.Request) (domain.Batch, domain.Report, error) {
	b, err := e.assembler.Assemble(ctx, req)
	if err != nil {
		return domain.Batch{}, domain.Report{}, err
	}
	return e.finish(ctx, b)
}

// Resume continues an Assembling batch and validates it.
func (e *Engine) Resume(ctx context.Context, batchID string) (domain.Batch, domain.Report, error) {
	b, err := e.store.Batch(ctx, batchID)
	if err != nil {
		return domain.Batch{}, domain.Report{}, err
	}
	b, err = e.assembler.Resume(ctx, b)
	if err != nil {
		return domain.Batch{}, domain.Report{}, err
	}
	return e.finish(ctx, b)
}

func (e *Engine) finish(ctx context.Context, b domain.Batch) (domain.Batch, domain.Report, error) {
	out, report, err := e.validator.Validate(ctx, b)
	if err != nil {
		return domain.Batch{}, report, fmt.Errorf("validate batch %s: %w", b.ID, err)
	}
	e.publish(ctx, out, report)
	return out, report, nil
}

func (e *Engine) publish(ctx context.Context, b domain.Batch, r domain.Report) {
	evt := events.NewBatchEvent(b, r)
	if err := e.publisher.Publish(context.WithoutCancel(ctx), evt); err != nil {
		e.logger.Warn("batch event publish failed", "batch_id", b.ID, "routing_key", evt.RoutingKey(), "error", err)
	}
}

// Summary condenses a preview for operators.
type Summary struct {
	Invoices int              `json:"invoices"`
	Totals   map[string]int64 `json:"totals"`
	Payers   int              `json:"payers"`
	Excluded []string         `json:"excluded_schedules"`
	FirstUse int              `json:"first_use"`
}

// PreviewResult is an uncommitted batch with its findings.
type PreviewResult struct {
	Batch   domain.Batch  `json:"batch"`
	Report  domain.Report `json:"report"`
	Summary Summary       `json:"summary"`
}

// Preview runs selection and validation without claiming invoices,
// recording usages or persisting a batch.
func (e *Engine) Preview(ctx context.Context, req batch.Request) (PreviewResult, error) {
	b, err := e.assembler.Preview(ctx, req)
	if err != nil {
		return PreviewResult{}, err
	}
	report, err := e.validator.Inspect(ctx, b)
	if err != nil {
		return PreviewResult{}, err
	}
	payers := make(map[string]struct{})
	sum := Summary{Invoices: len(b.Transactions), Totals: b.Totals(), Excluded: report.Excluded}
	for _, tx := range b.Transactions {
		payers[tx.PayerID] = struct{}{}
		if tx.SequenceType == domain.FirstUse {
			sum.FirstUse++
		}
	}
	sum.Payers = len(payers)
	return PreviewResult{Batch: b, Report: report, Summary: sum}, nil
}

// Reap releases abandoned batches and publishes their rejection.
func (e *Engine) Reap(ctx context.Context) ([]domain.Release, error) {
	released, err := e.reaper.Run(ctx)
	for _, rel := range released {
		e.publish(ctx, rel.Batch, domain.Report{BatchID: rel.Batch.ID})
	}
	return released, err
}

// Batch returns a stored batch.
func (e *Engine) Batch(ctx context.Context, id string) (domain.Batch, error) {
	return e.store.Batch(ctx, id)
}

// Coverage verifies every billing schedule against the unpaid invoices an
// assembly on asOf would see. Gaps come first.
func (e *Engine) Coverage(ctx context.Context, asOf time.Time) ([]coverage.Result, error) {
	sel, err := e.assembler.Select(ctx, asOf, "")
	if err != nil {
		return nil, err
	}
	out := sel.Coverage
	sort.SliceStable(out, func(i, j int) bool { return out[i].Gap() && !out[j].Gap() })
	return out, nil
}
