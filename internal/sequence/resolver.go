// Package sequence assigns first-use and recurring-use sequence types to
// collection transactions.
package sequence

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"incasso.org/internal/domain"
	"incasso.org/internal/obs"
	"incasso.org/internal/retry"
)

// Ledger is the atomic usage primitive of the mandate registry. The decision
// whether a usage is the first and the write recording it happen in one step.
type Ledger interface {
	RecordUsage(ctx context.Context, mandateID, invoiceID, batchID string, usedOn time.Time) (domain.UsageRecord, error)
}

// Resolver decides the sequence type of each transaction through the ledger.
// It never reads the used flag and writes separately.
type Resolver struct {
	ledger Ledger
	policy retry.Policy
	logger *slog.Logger
}

// NewResolver constructs a Resolver. Transient conflicts are retried with policy.
func NewResolver(ledger Ledger, policy retry.Policy, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = obs.Logger()
	}
	return &Resolver{ledger: ledger, policy: policy, logger: logger}
}

// Resolve records the usage of mandateID for invoiceID within batchID on
// usedOn and returns the sequence type the ledger assigned. Resolving the
// same invoice again within the same batch returns the original answer.
func (r *Resolver) Resolve(ctx context.Context, mandateID, invoiceID, batchID string, usedOn time.Time) (domain.SequenceType, error) {
	var rec domain.UsageRecord
	err := r.policy.Do(ctx, domain.IsTransient,
		func(attempt int, err error) {
			obs.Retried("record_usage")
			r.logger.Warn("usage write conflicted, retrying", "mandate_id", mandateID, "invoice_id", invoiceID, "attempt", attempt, "error", err)
		},
		func(ctx context.Context) error {
			var err error
			rec, err = r.ledger.RecordUsage(ctx, mandateID, invoiceID, batchID, usedOn)
			return err
		})
	if err != nil {
		return "", fmt.Errorf("resolve sequence for mandate %s: %w", mandateID, err)
	}
	return rec.SequenceType, nil
}

// UsageLookup reads the cached used flag of a mandate.
type UsageLookup interface {
	HasPriorUsage(ctx context.Context, mandateID string) (bool, error)
}

// Predictor answers sequence types for a dry run without writing usages.
// It remembers mandates already assigned within the run.
type Predictor struct {
	lookup UsageLookup
	seen   map[string]struct{}
}

// NewPredictor returns a Predictor backed by the registry's used flag.
func NewPredictor(lookup UsageLookup) *Predictor {
	return &Predictor{lookup: lookup, seen: make(map[string]struct{})}
}

// Predict returns the sequence type a real run would assign next.
func (p *Predictor) Predict(ctx context.Context, mandateID string) (domain.SequenceType, error) {
	if _, ok := p.seen[mandateID]; ok {
		return domain.RecurringUse, nil
	}
	used, err := p.lookup.HasPriorUsage(ctx, mandateID)
	if err != nil {
		return "", err
	}
	p.seen[mandateID] = struct{}{}
	if used {
		return domain.RecurringUse, nil
	}
	return domain.FirstUse, nil
}
