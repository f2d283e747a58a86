// Package batch assembles, validates and reaps collection batches.
package batch

import (
	"context"
	"strings"
	"time"

	"incasso.org/internal/domain"
	"incasso.org/internal/retry"
)

// Store persists batches and invoice claims. Every method is atomic.
type Store interface {
	// OpenBatch inserts an Assembling batch. A second batch for the same
	// window key fails with domain.ErrDuplicateBatch.
	OpenBatch(ctx context.Context, b domain.Batch) (domain.Batch, error)
	Batch(ctx context.Context, id string) (domain.Batch, error)
	BatchByWindow(ctx context.Context, windowKey string) (domain.Batch, error)
	// ClaimInvoice sets the invoice's batch back-reference if it has none.
	// Claiming an invoice the batch already holds succeeds.
	ClaimInvoice(ctx context.Context, invoiceID, batchID string) error
	ReleaseClaim(ctx context.Context, invoiceID, batchID string) error
	AppendTransaction(ctx context.Context, batchID string, tx domain.Transaction) error
	MarkValidated(ctx context.Context, batchID string) (domain.Batch, error)
	// RejectBatch discards an Assembling batch: transactions dropped, claims
	// released, the batch's usage records removed and used flags restored.
	RejectBatch(ctx context.Context, batchID, reason string) (domain.Release, error)
	StaleBatches(ctx context.Context, openedBefore time.Time) ([]domain.Batch, error)
	// FirstUses counts FirstUse transactions per mandate across Validated
	// batches other than excludeBatchID.
	FirstUses(ctx context.Context, mandateIDs []string, excludeBatchID string) (map[string]int, error)
}

// InvoiceSource is the read-only upstream billing feed.
type InvoiceSource interface {
	UnpaidInvoices(ctx context.Context, from, to time.Time) ([]domain.Invoice, error)
	Schedules(ctx context.Context) ([]domain.BillingSchedule, error)
}

// Mandates is the read side of the mandate registry.
type Mandates interface {
	Get(ctx context.Context, id string) (domain.Mandate, error)
	ActiveForPayer(ctx context.Context, payerID string) ([]domain.Mandate, error)
	Usages(ctx context.Context, mandateID string) ([]domain.UsageRecord, error)
	HasPriorUsage(ctx context.Context, mandateID string) (bool, error)
}

// SequenceResolver records a usage and returns its sequence type.
type SequenceResolver interface {
	Resolve(ctx context.Context, mandateID, invoiceID, batchID string, usedOn time.Time) (domain.SequenceType, error)
}

// Config holds selection and validation settings.
type Config struct {
	LookbackDays   int
	PaymentMethods []string
	Claim          retry.Policy
	// AgingMonths after signature a mandate is reported as aging.
	AgingMonths int
	// DormantDays without usage before a mandate is reported dormant.
	DormantDays int
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		LookbackDays:   60,
		PaymentMethods: []string{"SEPA Direct Debit"},
		Claim:          retry.Default(),
		AgingMonths:    30,
		DormantDays:    365,
	}
}

func (c Config) methods() map[string]struct{} {
	out := make(map[string]struct{}, len(c.PaymentMethods))
	for _, m := range c.PaymentMethods {
		out[normalizeMethod(m)] = struct{}{}
	}
	return out
}

func normalizeMethod(m string) string {
	return strings.ToLower(strings.TrimSpace(m))
}
