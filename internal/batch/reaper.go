package batch

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"incasso.org/internal/audit"
	"incasso.org/internal/domain"
	"incasso.org/internal/obs"
)

// ReasonAbandoned marks batches discarded by the reaper.
const ReasonAbandoned = "abandoned"

// Reaper discards Assembling batches left behind by interrupted runs so
// their invoices become claimable again.
type Reaper struct {
	store      Store
	staleAfter time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

// NewReaper constructs a Reaper releasing batches opened more than staleAfter ago.
func NewReaper(store Store, staleAfter time.Duration, logger *slog.Logger) *Reaper {
	if logger == nil {
		logger = obs.Logger()
	}
	return &Reaper{store: store, staleAfter: staleAfter, now: func() time.Time { return time.Now().UTC() }, logger: logger}
}

// Run releases every stale batch and returns what was released. A batch
// that finished validating in the meantime is left alone.
func (r *Reaper) Run(ctx context.Context) ([]domain.Release, error) {
	stale, err := r.store.StaleBatches(ctx, r.now().Add(-r.staleAfter))
	if err != nil {
		return nil, err
	}
	var out []domain.Release
	for _, b := range stale {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		rel, err := r.store.RejectBatch(ctx, b.ID, ReasonAbandoned)
		if errors.Is(err, domain.ErrInvalidTransition) {
			continue
		}
		if err != nil {
			return out, err
		}
		obs.ClaimsReleased(rel.Claims)
		obs.BatchFinished(domain.BatchRejected)
		r.logger.Warn("stale batch released", "batch_id", b.ID, "window", b.WindowKey,
			"opened_at", b.OpenedAt, "claims_released", rel.Claims, "usages_removed", rel.Usages)
		_ = audit.LogEvent(ctx, "batch.released", map[string]any{
			"batch_id":        b.ID,
			"window":          b.WindowKey,
			"claims_released": rel.Claims,
			"usages_removed":  rel.Usages,
		})
		out = append(out, rel)
	}
	return out, nil
}
