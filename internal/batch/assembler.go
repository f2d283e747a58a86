package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"incasso.org/internal/audit"
	"incasso.org/internal/coverage"
	"incasso.org/internal/domain"
	"incasso.org/internal/ids"
	"incasso.org/internal/obs"
	"incasso.org/internal/retry"
	"incasso.org/internal/sequence"
)

// Request describes one assembly run.
type Request struct {
	WindowKey      string
	CreationDate   time.Time
	SettlementDate time.Time
}

// Candidate is an invoice selected for collection with the mandate it will
// be collected under.
type Candidate struct {
	Invoice domain.Invoice
	Mandate domain.Mandate
}

// Selection is the read-only outcome of choosing invoices for a batch.
type Selection struct {
	Candidates []Candidate
	Coverage   []coverage.Result
	// Notes carries advisory findings about invoices left out.
	Notes []domain.Issue
}

// Assembler selects eligible unpaid invoices and groups them into a batch.
type Assembler struct {
	store    Store
	invoices InvoiceSource
	mandates Mandates
	resolver SequenceResolver
	cfg      Config
	methods  map[string]struct{}
	logger   *slog.Logger
}

// NewAssembler constructs an Assembler.
func NewAssembler(store Store, invoices InvoiceSource, mandates Mandates, resolver SequenceResolver, cfg Config, logger *slog.Logger) *Assembler {
	if logger == nil {
		logger = obs.Logger()
	}
	return &Assembler{
		store:    store,
		invoices: invoices,
		mandates: mandates,
		resolver: resolver,
		cfg:      cfg,
		methods:  cfg.methods(),
		logger:   logger,
	}
}

// Select returns the invoices an assembly on asOf would admit. Invoices
// already claimed by batchID stay eligible so a resumed run picks them up.
func (a *Assembler) Select(ctx context.Context, asOf time.Time, batchID string) (Selection, error) {
	asOf = domain.Civil(asOf)
	from := domain.AddDays(asOf, -a.cfg.LookbackDays)
	unpaid, err := a.invoices.UnpaidInvoices(ctx, from, asOf)
	if err != nil {
		return Selection{}, fmt.Errorf("load unpaid invoices: %w", err)
	}
	schedules, err := a.invoices.Schedules(ctx)
	if err != nil {
		return Selection{}, fmt.Errorf("load billing schedules: %w", err)
	}

	eligible := unpaid[:0:0]
	for _, inv := range unpaid {
		if _, ok := a.methods[normalizeMethod(inv.PaymentMethod)]; ok {
			eligible = append(eligible, inv)
		}
	}

	var sel Selection
	sel.Coverage = coverage.VerifyAll(schedules, eligible, asOf)
	gaps := coverage.Gaps(sel.Coverage)

	active := make(map[string][]domain.Mandate)
	for _, inv := range eligible {
		if inv.Claimed() && inv.BatchID != batchID {
			continue
		}
		if _, gap := gaps[inv.PayerID]; gap {
			continue
		}
		ms, ok := active[inv.PayerID]
		if !ok {
			ms, err = a.mandates.ActiveForPayer(ctx, inv.PayerID)
			if err != nil {
				return Selection{}, fmt.Errorf("active mandates for %s: %w", inv.PayerID, err)
			}
			active[inv.PayerID] = ms
		}
		if len(ms) == 0 {
			sel.Notes = append(sel.Notes, domain.Issue{
				InvoiceID: inv.ID,
				PayerID:   inv.PayerID,
				Kind:      domain.KindNoActiveMandate,
				Severity:  domain.Advisory,
				Message:   fmt.Sprintf("invoice %s skipped: payer %s has no active mandate", inv.ID, inv.PayerID),
			})
			continue
		}
		sel.Candidates = append(sel.Candidates, Candidate{Invoice: inv, Mandate: ms[0]})
	}
	return sel, nil
}

// Assemble opens the batch for req.WindowKey and fills it. A window that
// already has a batch fails with domain.ErrDuplicateBatch before anything
// else is written.
func (a *Assembler) Assemble(ctx context.Context, req Request) (domain.Batch, error) {
	b, err := a.store.OpenBatch(ctx, domain.Batch{
		ID:             ids.Batch(),
		WindowKey:      req.WindowKey,
		CreationDate:   domain.Civil(req.CreationDate),
		SettlementDate: domain.Civil(req.SettlementDate),
		Status:         domain.BatchAssembling,
	})
	if err != nil {
		return domain.Batch{}, err
	}
	a.logger.Info("batch opened", "batch_id", b.ID, "window", b.WindowKey, "settlement_date", b.SettlementDate.Format(time.DateOnly))
	_ = audit.LogEvent(ctx, "batch.opened", map[string]any{"batch_id": b.ID, "window": b.WindowKey})
	return a.fill(ctx, b)
}

// Resume continues an Assembling batch left behind by an interrupted run.
// Claims, usages and transactions already written are reused.
func (a *Assembler) Resume(ctx context.Context, b domain.Batch) (domain.Batch, error) {
	if b.Status != domain.BatchAssembling {
		return domain.Batch{}, fmt.Errorf("%w: batch %s is %s", domain.ErrInvalidTransition, b.ID, b.Status)
	}
	a.logger.Info("resuming batch", "batch_id", b.ID, "window", b.WindowKey, "transactions", len(b.Transactions))
	return a.fill(ctx, b)
}

func (a *Assembler) fill(ctx context.Context, b domain.Batch) (domain.Batch, error) {
	sel, err := a.Select(ctx, b.CreationDate, b.ID)
	if err != nil {
		return b, err
	}
	notes := sel.Notes
	for _, c := range sel.Candidates {
		note, err := a.admit(ctx, b, c)
		if err != nil {
			return b, err
		}
		if note != nil {
			notes = append(notes, *note)
		}
	}
	out, err := a.store.Batch(ctx, b.ID)
	if err != nil {
		return b, err
	}
	out.Notes = notes
	a.logger.Info("batch assembled", "batch_id", out.ID, "transactions", len(out.Transactions), "notes", len(notes))
	return out, nil
}

// admit claims one invoice, resolves its sequence type and appends the
// transaction. Skips are returned as advisory notes; errors abort the run.
func (a *Assembler) admit(ctx context.Context, b domain.Batch, c Candidate) (*domain.Issue, error) {
	inv := c.Invoice
	err := a.cfg.Claim.Do(ctx, domain.IsTransient,
		func(attempt int, err error) {
			obs.Retried("claim_invoice")
			a.logger.Warn("claim conflicted, retrying", "invoice_id", inv.ID, "batch_id", b.ID, "attempt", attempt)
		},
		func(ctx context.Context) error { return a.store.ClaimInvoice(ctx, inv.ID, b.ID) })
	switch {
	case err == nil:
		obs.ClaimAttempted("claimed")
	case errors.Is(err, domain.ErrAlreadyClaimed), errors.Is(err, domain.ErrNotFound):
		obs.ClaimAttempted("taken")
		return nil, nil
	case errors.Is(err, retry.ErrExhausted):
		obs.ClaimAttempted("skipped")
		return skipped(inv, "claim", err), nil
	default:
		obs.ClaimAttempted("error")
		return nil, fmt.Errorf("claim invoice %s: %w", inv.ID, err)
	}

	st, err := a.resolver.Resolve(ctx, c.Mandate.ID, inv.ID, b.ID, b.SettlementDate)
	if err != nil {
		var note *domain.Issue
		switch {
		case errors.Is(err, domain.ErrMandateNotActive):
			note = &domain.Issue{
				InvoiceID: inv.ID,
				MandateID: c.Mandate.ID,
				PayerID:   inv.PayerID,
				Kind:      domain.KindNoActiveMandate,
				Severity:  domain.Advisory,
				Message:   fmt.Sprintf("invoice %s skipped: mandate %s is no longer active", inv.ID, c.Mandate.ID),
			}
		case errors.Is(err, retry.ErrExhausted), errors.Is(err, domain.ErrSequenceConflict), errors.Is(err, domain.ErrMandateInUse):
			note = skipped(inv, "usage", err)
		default:
			return nil, err
		}
		if rerr := a.store.ReleaseClaim(ctx, inv.ID, b.ID); rerr != nil {
			return nil, fmt.Errorf("release claim on %s: %w", inv.ID, rerr)
		}
		obs.ClaimsReleased(1)
		return note, nil
	}

	tx := domain.Transaction{
		InvoiceID:    inv.ID,
		MandateID:    c.Mandate.ID,
		PayerID:      inv.PayerID,
		SequenceType: st,
		Amount:       inv.Amount,
		Currency:     inv.Currency,
	}
	// The usage is already recorded, so a failed append leaves the batch
	// Assembling for Resume or the reaper instead of dropping the invoice.
	err = a.cfg.Claim.Do(ctx, domain.IsTransient,
		func(attempt int, err error) {
			obs.Retried("append_transaction")
			a.logger.Warn("append conflicted, retrying", "invoice_id", inv.ID, "batch_id", b.ID, "attempt", attempt)
		},
		func(ctx context.Context) error { return a.store.AppendTransaction(ctx, b.ID, tx) })
	if err != nil {
		return nil, fmt.Errorf("append transaction for %s: %w", inv.ID, err)
	}
	return nil, nil
}

func skipped(inv domain.Invoice, step string, err error) *domain.Issue {
	return &domain.Issue{
		InvoiceID: inv.ID,
		PayerID:   inv.PayerID,
		Kind:      domain.KindClaimSkipped,
		Severity:  domain.Advisory,
		Message:   fmt.Sprintf("invoice %s skipped for this run (%s): %v", inv.ID, step, err),
	}
}

// Preview builds the batch a run on req would produce without claiming,
// recording usages or persisting anything.
func (a *Assembler) Preview(ctx context.Context, req Request) (domain.Batch, error) {
	b := domain.Batch{
		ID:             "preview",
		WindowKey:      req.WindowKey,
		CreationDate:   domain.Civil(req.CreationDate),
		SettlementDate: domain.Civil(req.SettlementDate),
		Status:         domain.BatchAssembling,
	}
	sel, err := a.Select(ctx, b.CreationDate, "")
	if err != nil {
		return domain.Batch{}, err
	}
	predict := sequence.NewPredictor(a.mandates)
	for _, c := range sel.Candidates {
		st, err := predict.Predict(ctx, c.Mandate.ID)
		if err != nil {
			return domain.Batch{}, fmt.Errorf("predict sequence for %s: %w", c.Mandate.ID, err)
		}
		b.Transactions = append(b.Transactions, domain.Transaction{
			InvoiceID:    c.Invoice.ID,
			MandateID:    c.Mandate.ID,
			PayerID:      c.Invoice.PayerID,
			SequenceType: st,
			Amount:       c.Invoice.Amount,
			Currency:     c.Invoice.Currency,
		})
	}
	b.Notes = sel.Notes
	return b, nil
}
