package mandate

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"incasso.org/internal/audit"
	"incasso.org/internal/domain"
	"incasso.org/internal/ids"
	"incasso.org/internal/obs"
)

// Store persists mandates and their usage ledger. Every method is atomic.
type Store interface {
	InsertMandate(ctx context.Context, m domain.Mandate) (domain.Mandate, error)
	Mandate(ctx context.Context, id string) (domain.Mandate, error)
	MandatesForPayer(ctx context.Context, payerID string) ([]domain.Mandate, error)
	// UpdateMandateStatus locks the mandate, asks next for the new status and
	// writes it. Returning the current status from next leaves the row untouched.
	UpdateMandateStatus(ctx context.Context, id string, next func(domain.MandateStatus) (domain.MandateStatus, error)) (domain.Mandate, error)
	// ReplaceMandate revokes oldID and inserts replacement in one step.
	ReplaceMandate(ctx context.Context, oldID string, replacement domain.Mandate) (domain.Mandate, error)
	// RecordUsage decides the sequence type from the cached first-used flag,
	// appends the record and updates the flag, all under the mandate's lock.
	// Recording the same (mandate, invoice, batch) twice returns the first record.
	// A mandate with usages in another Assembling batch fails with
	// domain.ErrMandateInUse.
	RecordUsage(ctx context.Context, u domain.UsageRecord) (domain.UsageRecord, error)
	Usages(ctx context.Context, mandateID string) ([]domain.UsageRecord, error)
}

// Policy decides what a replacement mandate inherits from its predecessor.
type Policy string

const (
	// PolicyRestart starts the replacement at FirstUse.
	PolicyRestart Policy = "restart"
	// PolicyContinue carries the predecessor's used flag over.
	PolicyContinue Policy = "continue"
)

// ParsePolicy accepts "restart" or "continue" (case-insensitive).
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyRestart, PolicyContinue:
		return p, nil
	case "":
		return PolicyRestart, nil
	default:
		return "", &domain.ConfigurationError{Field: "REPLACEMENT_POLICY", Reason: fmt.Sprintf("unknown policy %q", s)}
	}
}

// Registry owns mandates and their usage history.
type Registry struct {
	store  Store
	policy Policy
	logger *slog.Logger
}

// Option configures Registry.
type Option func(*Registry)

// WithPolicy sets the replacement policy.
func WithPolicy(p Policy) Option {
	return func(r *Registry) {
		if p != "" {
			r.policy = p
		}
	}
}

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) {
		if l != nil {
			r.logger = l
		}
	}
}

// NewRegistry constructs a Registry over store.
func NewRegistry(store Store, opts ...Option) *Registry {
	r := &Registry{store: store, policy: PolicyRestart, logger: obs.Logger()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Policy returns the configured replacement policy.
func (r *Registry) Policy() Policy { return r.policy }

// Register stores a new mandate. Drafts and Active mandates may be registered.
func (r *Registry) Register(ctx context.Context, m domain.Mandate) (domain.Mandate, error) {
	if err := validateNew(&m); err != nil {
		return domain.Mandate{}, err
	}
	m.FirstUsed = false
	m.InheritsUsage = false
	return r.store.InsertMandate(ctx, m)
}

// Get returns a mandate by id.
func (r *Registry) Get(ctx context.Context, id string) (domain.Mandate, error) {
	return r.store.Mandate(ctx, id)
}

// ActiveForPayer returns the payer's Active mandates, most recently signed first.
func (r *Registry) ActiveForPayer(ctx context.Context, payerID string) ([]domain.Mandate, error) {
	all, err := r.store.MandatesForPayer(ctx, payerID)
	if err != nil {
		return nil, err
	}
	var out []domain.Mandate
	for _, m := range all {
		if m.Status == domain.MandateActive {
			out = append(out, m)
		}
	}
	sortBySignature(out)
	return out, nil
}

// RecordUsage appends a usage for an Active mandate and returns the record
// with its resolved sequence type.
func (r *Registry) RecordUsage(ctx context.Context, mandateID, invoiceID, batchID string, usedOn time.Time) (domain.UsageRecord, error) {
	if strings.TrimSpace(mandateID) == "" || strings.TrimSpace(invoiceID) == "" {
		return domain.UsageRecord{}, fmt.Errorf("%w: mandate and invoice ids are required", domain.ErrInvalidMandate)
	}
	rec, err := r.store.RecordUsage(ctx, domain.UsageRecord{
		ID:        ids.Usage(),
		MandateID: mandateID,
		InvoiceID: invoiceID,
		BatchID:   batchID,
		UsedOn:    domain.Civil(usedOn),
	})
	if err != nil {
		return domain.UsageRecord{}, err
	}
	obs.UsageRecorded(rec.SequenceType)
	return rec, nil
}

// HasPriorUsage reports whether the mandate has been used before.
func (r *Registry) HasPriorUsage(ctx context.Context, mandateID string) (bool, error) {
	m, err := r.store.Mandate(ctx, mandateID)
	if err != nil {
		return false, err
	}
	return m.FirstUsed, nil
}

// Usages returns the usage history in commit order.
func (r *Registry) Usages(ctx context.Context, mandateID string) ([]domain.UsageRecord, error) {
	return r.store.Usages(ctx, mandateID)
}

// Revoke moves a mandate to Revoked. Revoking a revoked mandate is a no-op.
func (r *Registry) Revoke(ctx context.Context, id string) (domain.Mandate, error) {
	var changed bool
	m, err := r.store.UpdateMandateStatus(ctx, id, func(cur domain.MandateStatus) (domain.MandateStatus, error) {
		if cur == domain.MandateRevoked {
			return cur, nil
		}
		if err := checkTransition(cur, domain.MandateRevoked); err != nil {
			return cur, err
		}
		changed = true
		return domain.MandateRevoked, nil
	})
	if err != nil {
		return domain.Mandate{}, err
	}
	if changed {
		r.logger.Info("mandate revoked", "mandate_id", id, "payer_id", m.PayerID)
		_ = audit.LogEvent(ctx, "mandate.revoked", map[string]any{"mandate_id": id, "payer_id": m.PayerID})
	}
	return m, nil
}

// Activate moves a Draft or Suspended mandate to Active.
func (r *Registry) Activate(ctx context.Context, id string) (domain.Mandate, error) {
	return r.transition(ctx, id, domain.MandateActive)
}

// Suspend pauses an Active mandate.
func (r *Registry) Suspend(ctx context.Context, id string) (domain.Mandate, error) {
	return r.transition(ctx, id, domain.MandateSuspended)
}

// Expire ends a mandate that reached its validity limit.
func (r *Registry) Expire(ctx context.Context, id string) (domain.Mandate, error) {
	return r.transition(ctx, id, domain.MandateExpired)
}

func (r *Registry) transition(ctx context.Context, id string, to domain.MandateStatus) (domain.Mandate, error) {
	return r.store.UpdateMandateStatus(ctx, id, func(cur domain.MandateStatus) (domain.MandateStatus, error) {
		if cur == to {
			return cur, nil
		}
		if err := checkTransition(cur, to); err != nil {
			return cur, err
		}
		return to, nil
	})
}

// Replace revokes oldID and activates next in its place, e.g. after a bank
// identifier change. Under PolicyContinue the replacement inherits the
// predecessor's used flag.
func (r *Registry) Replace(ctx context.Context, oldID string, next domain.Mandate) (domain.Mandate, error) {
	next.Status = domain.MandateActive
	if err := validateNew(&next); err != nil {
		return domain.Mandate{}, err
	}
	next.ReplacesMandateID = oldID
	next.FirstUsed = false
	next.InheritsUsage = r.policy == PolicyContinue
	m, err := r.store.ReplaceMandate(ctx, oldID, next)
	if err != nil {
		return domain.Mandate{}, err
	}
	r.logger.Info("mandate replaced", "mandate_id", m.ID, "replaces", oldID, "policy", string(r.policy), "first_used", m.FirstUsed)
	_ = audit.LogEvent(ctx, "mandate.replaced", map[string]any{
		"mandate_id": m.ID,
		"replaces":   oldID,
		"policy":     string(r.policy),
	})
	return m, nil
}

func validateNew(m *domain.Mandate) error {
	m.PayerID = strings.TrimSpace(m.PayerID)
	m.BankIdentifier = strings.TrimSpace(m.BankIdentifier)
	if m.PayerID == "" {
		return fmt.Errorf("%w: payer id is required", domain.ErrInvalidMandate)
	}
	if m.BankIdentifier == "" {
		return fmt.Errorf("%w: bank identifier is required", domain.ErrInvalidMandate)
	}
	if m.Status == "" {
		m.Status = domain.MandateDraft
	}
	if m.Status != domain.MandateDraft && m.Status != domain.MandateActive {
		return fmt.Errorf("%w: new mandate cannot start as %s", domain.ErrInvalidTransition, m.Status)
	}
	if m.ID == "" {
		m.ID = ids.Mandate()
	}
	if m.CreatedDate.IsZero() {
		m.CreatedDate = domain.Civil(time.Now())
	}
	if m.SignatureDate.IsZero() {
		m.SignatureDate = m.CreatedDate
	}
	m.CreatedDate = domain.Civil(m.CreatedDate)
	m.SignatureDate = domain.Civil(m.SignatureDate)
	return nil
}
