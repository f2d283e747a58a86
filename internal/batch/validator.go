package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"incasso.org/internal/audit"
	"incasso.org/internal/coverage"
	"incasso.org/internal/domain"
	"incasso.org/internal/obs"
)

// Validator checks an assembled batch and decides whether it is Validated
// or Rejected.
type Validator struct {
	store    Store
	invoices InvoiceSource
	mandates Mandates
	cfg      Config
	methods  map[string]struct{}
	logger   *slog.Logger
}

// NewValidator constructs a Validator.
func NewValidator(store Store, invoices InvoiceSource, mandates Mandates, cfg Config, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = obs.Logger()
	}
	return &Validator{store: store, invoices: invoices, mandates: mandates, cfg: cfg, methods: cfg.methods(), logger: logger}
}

// Inspect runs every check over b and returns the findings. Nothing is written.
func (v *Validator) Inspect(ctx context.Context, b domain.Batch) (domain.Report, error) {
	r := domain.Report{BatchID: b.ID, Fatal: []domain.Issue{}, Advisory: []domain.Issue{}, Excluded: []string{}}
	asOf := domain.Civil(b.CreationDate)

	if err := v.checkCoverage(ctx, asOf, &r); err != nil {
		return domain.Report{}, err
	}
	for _, n := range b.Notes {
		r.Add(n)
	}
	if err := v.checkTransactions(ctx, b, asOf, &r); err != nil {
		return domain.Report{}, err
	}
	return r, nil
}

func (v *Validator) checkCoverage(ctx context.Context, asOf time.Time, r *domain.Report) error {
	unpaid, err := v.invoices.UnpaidInvoices(ctx, domain.AddDays(asOf, -v.cfg.LookbackDays), asOf)
	if err != nil {
		return fmt.Errorf("load unpaid invoices: %w", err)
	}
	eligible := unpaid[:0:0]
	for _, inv := range unpaid {
		if _, ok := v.methods[normalizeMethod(inv.PaymentMethod)]; ok {
			eligible = append(eligible, inv)
		}
	}
	schedules, err := v.invoices.Schedules(ctx)
	if err != nil {
		return fmt.Errorf("load billing schedules: %w", err)
	}
	excluded := make(map[string]struct{})
	for _, res := range coverage.VerifyAll(schedules, eligible, asOf) {
		if !res.Gap() {
			continue
		}
		r.Add(res.Issue())
		if _, ok := excluded[res.PayerID]; !ok {
			excluded[res.PayerID] = struct{}{}
			r.Excluded = append(r.Excluded, res.PayerID)
		}
	}
	return nil
}

func (v *Validator) checkTransactions(ctx context.Context, b domain.Batch, asOf time.Time, r *domain.Report) error {
	var (
		currency string
		invoices = make(map[string]struct{}, len(b.Transactions))
		firsts   = make(map[string]int)
		recurs   = make(map[string]domain.Transaction)
		checked  = make(map[string]domain.Mandate)
		unknown  = make(map[string]struct{})
	)
	for _, tx := range b.Transactions {
		if _, dup := invoices[tx.InvoiceID]; dup {
			r.Add(fatal(tx, domain.KindDuplicateInvoice, fmt.Sprintf("invoice %s appears more than once", tx.InvoiceID)))
		}
		invoices[tx.InvoiceID] = struct{}{}

		if tx.Amount <= 0 {
			r.Add(fatal(tx, domain.KindInvalidAmount, fmt.Sprintf("invoice %s has non-positive amount %d", tx.InvoiceID, tx.Amount)))
		}
		if currency == "" {
			currency = tx.Currency
		} else if tx.Currency != currency {
			r.Add(fatal(tx, domain.KindMixedCurrency, fmt.Sprintf("invoice %s is in %s, batch is in %s", tx.InvoiceID, tx.Currency, currency)))
		}
		switch tx.SequenceType {
		case domain.FirstUse:
			firsts[tx.MandateID]++
		case domain.RecurringUse:
			if _, ok := recurs[tx.MandateID]; !ok {
				recurs[tx.MandateID] = tx
			}
		}

		if _, ok := unknown[tx.MandateID]; ok {
			continue
		}
		m, seen := checked[tx.MandateID]
		if !seen {
			var err error
			m, err = v.mandates.Get(ctx, tx.MandateID)
			if errors.Is(err, domain.ErrNotFound) {
				unknown[tx.MandateID] = struct{}{}
				r.Add(fatal(tx, domain.KindUnknownMandate, fmt.Sprintf("invoice %s references unknown mandate %s", tx.InvoiceID, tx.MandateID)))
				continue
			}
			if err != nil {
				return fmt.Errorf("load mandate %s: %w", tx.MandateID, err)
			}
			checked[tx.MandateID] = m
			if err := v.checkMandateHealth(ctx, b, m, asOf, r); err != nil {
				return err
			}
		}
		if m.Status != domain.MandateActive {
			r.Add(fatal(tx, domain.KindMandateNotActive, fmt.Sprintf("invoice %s references %s mandate %s", tx.InvoiceID, m.Status, m.ID)))
		}
	}

	return v.checkSequences(ctx, b, firsts, recurs, checked, r)
}

// checkSequences holds each mandate to exactly one first-use collection: at
// most one FRST overall, and no RCUR before a FRST has been validated, here
// or through an inherited predecessor.
func (v *Validator) checkSequences(ctx context.Context, b domain.Batch, firsts map[string]int, recurs map[string]domain.Transaction, known map[string]domain.Mandate, r *domain.Report) error {
	mandateIDs := make([]string, 0, len(firsts)+len(recurs))
	for id := range firsts {
		mandateIDs = append(mandateIDs, id)
	}
	for id := range recurs {
		if _, ok := firsts[id]; !ok {
			mandateIDs = append(mandateIDs, id)
		}
	}
	if len(mandateIDs) == 0 {
		return nil
	}
	sort.Strings(mandateIDs)
	history, err := v.store.FirstUses(ctx, mandateIDs, b.ID)
	if err != nil {
		return fmt.Errorf("load first-use history: %w", err)
	}
	for _, id := range mandateIDs {
		total := firsts[id] + history[id]
		if total > 1 {
			r.Add(domain.Issue{
				MandateID: id,
				Kind:      domain.KindSequenceConflict,
				Severity:  domain.Fatal,
				Message:   fmt.Sprintf("mandate %s would carry %d first-use collections", id, total),
			})
			continue
		}
		tx, recurring := recurs[id]
		m, ok := known[id]
		if !recurring || !ok || total > 0 || m.InheritsUsage {
			continue
		}
		r.Add(fatal(tx, domain.KindSequenceConflict,
			fmt.Sprintf("invoice %s collects recurring on mandate %s which has no validated first use", tx.InvoiceID, id)))
	}
	return nil
}

// checkMandateHealth adds aging and dormancy advisories.
func (v *Validator) checkMandateHealth(ctx context.Context, b domain.Batch, m domain.Mandate, asOf time.Time, r *domain.Report) error {
	if v.cfg.AgingMonths > 0 && !m.SignatureDate.IsZero() && m.SignatureDate.AddDate(0, v.cfg.AgingMonths, 0).Before(asOf) {
		r.Add(domain.Issue{
			MandateID: m.ID,
			PayerID:   m.PayerID,
			Kind:      domain.KindMandateAging,
			Severity:  domain.Advisory,
			Message:   fmt.Sprintf("mandate %s was signed on %s, more than %d months ago", m.ID, m.SignatureDate.Format(time.DateOnly), v.cfg.AgingMonths),
		})
	}
	if v.cfg.DormantDays <= 0 {
		return nil
	}
	usages, err := v.mandates.Usages(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("load usages of %s: %w", m.ID, err)
	}
	var last time.Time
	for _, u := range usages {
		if u.BatchID != b.ID && u.UsedOn.After(last) {
			last = u.UsedOn
		}
	}
	if !last.IsZero() && domain.AddDays(last, v.cfg.DormantDays).Before(asOf) {
		r.Add(domain.Issue{
			MandateID: m.ID,
			PayerID:   m.PayerID,
			Kind:      domain.KindMandateDormant,
			Severity:  domain.Advisory,
			Message:   fmt.Sprintf("mandate %s was last used on %s", m.ID, last.Format(time.DateOnly)),
		})
	}
	return nil
}

func fatal(tx domain.Transaction, kind domain.IssueKind, msg string) domain.Issue {
	return domain.Issue{
		InvoiceID: tx.InvoiceID,
		MandateID: tx.MandateID,
		PayerID:   tx.PayerID,
		Kind:      kind,
		Severity:  domain.Fatal,
		Message:   msg,
	}
}

// Validate inspects the stored state of b and transitions it: any fatal
// finding rejects the batch and rolls back its claims and usages in one
// step, otherwise it becomes Validated. Advisory notes on b are carried over.
func (v *Validator) Validate(ctx context.Context, b domain.Batch) (domain.Batch, domain.Report, error) {
	stored, err := v.store.Batch(ctx, b.ID)
	if err != nil {
		return domain.Batch{}, domain.Report{}, err
	}
	if stored.Status != domain.BatchAssembling {
		return domain.Batch{}, domain.Report{}, fmt.Errorf("%w: batch %s is %s", domain.ErrInvalidTransition, b.ID, stored.Status)
	}
	stored.Notes = b.Notes

	report, err := v.Inspect(ctx, stored)
	if err != nil {
		return domain.Batch{}, domain.Report{}, err
	}
	obs.IssuesReported(report)

	if report.HasFatal() {
		reason := report.Err().Error()
		var rel domain.Release
		err := v.cfg.Claim.Do(ctx, domain.IsTransient, v.onRetry("reject_batch", b.ID),
			func(ctx context.Context) error {
				var err error
				rel, err = v.store.RejectBatch(ctx, b.ID, reason)
				return err
			})
		if err != nil {
			return domain.Batch{}, report, fmt.Errorf("reject batch %s: %w", b.ID, err)
		}
		obs.ClaimsReleased(rel.Claims)
		obs.BatchFinished(domain.BatchRejected)
		v.logger.Warn("batch rejected", "batch_id", b.ID, "window", stored.WindowKey, "fatal", len(report.Fatal),
			"claims_released", rel.Claims, "usages_removed", rel.Usages, "reason", reason)
		_ = audit.LogEvent(ctx, "batch.rejected", map[string]any{
			"batch_id":        b.ID,
			"window":          stored.WindowKey,
			"fatal_issues":    len(report.Fatal),
			"claims_released": rel.Claims,
		})
		return rel.Batch, report, nil
	}

	var out domain.Batch
	err = v.cfg.Claim.Do(ctx, domain.IsTransient, v.onRetry("mark_validated", b.ID),
		func(ctx context.Context) error {
			var err error
			out, err = v.store.MarkValidated(ctx, b.ID)
			return err
		})
	if err != nil {
		return domain.Batch{}, report, fmt.Errorf("mark batch %s validated: %w", b.ID, err)
	}
	obs.BatchFinished(domain.BatchValidated)
	v.logger.Info("batch validated", "batch_id", out.ID, "window", out.WindowKey, "transactions", len(out.Transactions), "advisory", len(report.Advisory))
	_ = audit.LogEvent(ctx, "batch.validated", map[string]any{
		"batch_id":        out.ID,
		"window":          out.WindowKey,
		"transactions":    len(out.Transactions),
		"advisory_issues": len(report.Advisory),
	})
	return out, report, nil
}

func (v *Validator) onRetry(op, batchID string) func(int, error) {
	return func(attempt int, err error) {
		obs.Retried(op)
		v.logger.Warn("batch transition conflicted, retrying", "op", op, "batch_id", batchID, "attempt", attempt, "error", err)
	}
}
