// Package memory is an in-process store for tests and for running the
// collector without a database.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"incasso.org/internal/domain"
)

// Store keeps mandates, usages, batches, and the upstream invoice and
// schedule feeds in process memory. A single mutex covers every map so each
// method is atomic the same way a database transaction would be.
type Store struct {
	mu sync.RWMutex

	mandates map[string]*domain.Mandate
	usages   []domain.UsageRecord
	seq      uint64

	batches  map[string]*domain.Batch
	byWindow map[string]string // window key -> batch id

	invoices  map[string]*domain.Invoice
	paid      map[string]bool
	schedules []domain.BillingSchedule

	now func() time.Time
}

// New creates an empty store.
func New() *Store {
	return &Store{
		mandates: make(map[string]*domain.Mandate),
		batches:  make(map[string]*domain.Batch),
		byWindow: make(map[string]string),
		invoices: make(map[string]*domain.Invoice),
		paid:     make(map[string]bool),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return ctx.Err() }

// SetClock overrides the wall clock used for opened-at stamps.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// --- upstream feeds ---

// AddInvoice loads an unpaid invoice as the upstream billing system would.
func (s *Store) AddInvoice(inv domain.Invoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := inv
	cp.BatchID = ""
	s.invoices[inv.ID] = &cp
	delete(s.paid, inv.ID)
}

// MarkPaid removes an invoice from the unpaid pool.
func (s *Store) MarkPaid(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.paid[id] = true
}

// AddSchedule loads a billing schedule.
func (s *Store) AddSchedule(sch domain.BillingSchedule) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schedules = append(s.schedules, sch)
}

// Invoice returns an invoice by id.
func (s *Store) Invoice(ctx context.Context, id string) (domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inv, ok := s.invoices[id]
	if !ok {
		return domain.Invoice{}, domain.ErrNotFound
	}
	return *inv, nil
}

// UnpaidInvoices returns unpaid invoices due within [from, to], oldest first.
func (s *Store) UnpaidInvoices(ctx context.Context, from, to time.Time) ([]domain.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Invoice
	for id, inv := range s.invoices {
		if s.paid[id] {
			continue
		}
		if inv.DueDate.Before(from) || inv.DueDate.After(to) {
			continue
		}
		out = append(out, *inv)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// Schedules returns every billing schedule.
func (s *Store) Schedules(ctx context.Context) ([]domain.BillingSchedule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.BillingSchedule, len(s.schedules))
	copy(out, s.schedules)
	return out, nil
}

// --- mandates ---

func (s *Store) InsertMandate(ctx context.Context, m domain.Mandate) (domain.Mandate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.insertMandateLocked(m); err != nil {
		return domain.Mandate{}, err
	}
	return m, nil
}

func (s *Store) insertMandateLocked(m domain.Mandate) error {
	if _, ok := s.mandates[m.ID]; ok {
		return fmt.Errorf("%w: mandate %s already exists", domain.ErrInvalidMandate, m.ID)
	}
	if m.Status == domain.MandateActive {
		if other := s.activeLocked(m.PayerID, m.BankIdentifier); other != "" {
			return fmt.Errorf("%w: %s", domain.ErrDuplicateActiveMandate, other)
		}
	}
	cp := m
	s.mandates[m.ID] = &cp
	return nil
}

func (s *Store) activeLocked(payerID, bank string) string {
	for id, m := range s.mandates {
		if m.Status == domain.MandateActive && m.PayerID == payerID && m.BankIdentifier == bank {
			return id
		}
	}
	return ""
}

func (s *Store) Mandate(ctx context.Context, id string) (domain.Mandate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.mandates[id]
	if !ok {
		return domain.Mandate{}, domain.ErrNotFound
	}
	return *m, nil
}

func (s *Store) MandatesForPayer(ctx context.Context, payerID string) ([]domain.Mandate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Mandate
	for _, m := range s.mandates {
		if m.PayerID == payerID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) UpdateMandateStatus(ctx context.Context, id string, next func(domain.MandateStatus) (domain.MandateStatus, error)) (domain.Mandate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mandates[id]
	if !ok {
		return domain.Mandate{}, domain.ErrNotFound
	}
	to, err := next(m.Status)
	if err != nil {
		return domain.Mandate{}, err
	}
	if to == m.Status {
		return *m, nil
	}
	if to == domain.MandateActive {
		if other := s.activeLocked(m.PayerID, m.BankIdentifier); other != "" && other != id {
			return domain.Mandate{}, fmt.Errorf("%w: %s", domain.ErrDuplicateActiveMandate, other)
		}
	}
	m.Status = to
	return *m, nil
}

func (s *Store) ReplaceMandate(ctx context.Context, oldID string, replacement domain.Mandate) (domain.Mandate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.mandates[oldID]
	if !ok {
		return domain.Mandate{}, domain.ErrNotFound
	}
	if old.Status != domain.MandateActive && old.Status != domain.MandateSuspended {
		return domain.Mandate{}, fmt.Errorf("%w: cannot replace %s mandate", domain.ErrInvalidTransition, old.Status)
	}
	if old.PayerID != replacement.PayerID {
		return domain.Mandate{}, fmt.Errorf("%w: replacement belongs to another payer", domain.ErrInvalidMandate)
	}
	prev := old.Status
	old.Status = domain.MandateRevoked
	replacement.InheritsUsage = replacement.InheritsUsage && old.FirstUsed
	replacement.FirstUsed = replacement.InheritsUsage
	if err := s.insertMandateLocked(replacement); err != nil {
		old.Status = prev
		return domain.Mandate{}, err
	}
	return replacement, nil
}

func (s *Store) RecordUsage(ctx context.Context, u domain.UsageRecord) (domain.UsageRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mandates[u.MandateID]
	if !ok {
		return domain.UsageRecord{}, domain.ErrNotFound
	}
	var last *domain.UsageRecord
	for i := range s.usages {
		rec := &s.usages[i]
		if rec.MandateID != u.MandateID {
			continue
		}
		if rec.InvoiceID == u.InvoiceID && rec.BatchID == u.BatchID {
			return *rec, nil
		}
		last = rec
	}
	if m.Status != domain.MandateActive {
		return domain.UsageRecord{}, fmt.Errorf("%w: %s is %s", domain.ErrMandateNotActive, m.ID, m.Status)
	}
	for _, rec := range s.usages {
		if rec.MandateID != u.MandateID || rec.BatchID == u.BatchID {
			continue
		}
		if b := s.batches[rec.BatchID]; b != nil && b.Status == domain.BatchAssembling {
			return domain.UsageRecord{}, fmt.Errorf("%w: %s has usages in batch %s", domain.ErrMandateInUse, m.ID, rec.BatchID)
		}
	}
	if last != nil && u.UsedOn.Before(last.UsedOn) {
		return domain.UsageRecord{}, fmt.Errorf("%w: usage on %s precedes recorded usage on %s",
			domain.ErrSequenceConflict, u.UsedOn.Format(time.DateOnly), last.UsedOn.Format(time.DateOnly))
	}
	u.SequenceType = domain.FirstUse
	if m.FirstUsed {
		u.SequenceType = domain.RecurringUse
	}
	s.seq++
	u.Sequence = s.seq
	s.usages = append(s.usages, u)
	m.FirstUsed = true
	return u, nil
}

func (s *Store) Usages(ctx context.Context, mandateID string) ([]domain.UsageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.mandates[mandateID]; !ok {
		return nil, domain.ErrNotFound
	}
	var out []domain.UsageRecord
	for _, rec := range s.usages {
		if rec.MandateID == mandateID {
			out = append(out, rec)
		}
	}
	return out, nil
}

// --- batches ---

func (s *Store) OpenBatch(ctx context.Context, b domain.Batch) (domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byWindow[b.WindowKey]; ok {
		return domain.Batch{}, fmt.Errorf("%w: window %s has batch %s", domain.ErrDuplicateBatch, b.WindowKey, id)
	}
	if _, ok := s.batches[b.ID]; ok {
		return domain.Batch{}, fmt.Errorf("%w: batch id %s", domain.ErrDuplicateBatch, b.ID)
	}
	b.Status = domain.BatchAssembling
	b.Transactions = nil
	b.Notes = nil
	if b.OpenedAt.IsZero() {
		b.OpenedAt = s.now()
	}
	cp := b
	s.batches[b.ID] = &cp
	s.byWindow[b.WindowKey] = b.ID
	return cloneBatch(&cp), nil
}

func (s *Store) Batch(ctx context.Context, id string) (domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.batches[id]
	if !ok {
		return domain.Batch{}, domain.ErrNotFound
	}
	return cloneBatch(b), nil
}

func (s *Store) BatchByWindow(ctx context.Context, key string) (domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byWindow[key]
	if !ok {
		return domain.Batch{}, domain.ErrNotFound
	}
	return cloneBatch(s.batches[id]), nil
}

func (s *Store) ClaimInvoice(ctx context.Context, invoiceID, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return domain.ErrNotFound
	}
	if b.Status != domain.BatchAssembling {
		return fmt.Errorf("%w: batch %s is %s", domain.ErrInvalidTransition, batchID, b.Status)
	}
	inv, ok := s.invoices[invoiceID]
	if !ok || s.paid[invoiceID] {
		return domain.ErrNotFound
	}
	switch inv.BatchID {
	case batchID:
		return nil
	case "":
		inv.BatchID = batchID
		return nil
	default:
		return fmt.Errorf("%w: %s by %s", domain.ErrAlreadyClaimed, invoiceID, inv.BatchID)
	}
}

func (s *Store) ReleaseClaim(ctx context.Context, invoiceID, batchID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.invoices[invoiceID]
	if !ok {
		return domain.ErrNotFound
	}
	if inv.BatchID != batchID {
		return nil
	}
	if b := s.batches[batchID]; b != nil && b.Status == domain.BatchValidated {
		return fmt.Errorf("%w: batch %s is validated", domain.ErrInvalidTransition, batchID)
	}
	inv.BatchID = ""
	return nil
}

func (s *Store) AppendTransaction(ctx context.Context, batchID string, tx domain.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return domain.ErrNotFound
	}
	if b.Status != domain.BatchAssembling {
		return fmt.Errorf("%w: batch %s is %s", domain.ErrInvalidTransition, batchID, b.Status)
	}
	inv, ok := s.invoices[tx.InvoiceID]
	if !ok || inv.BatchID != batchID {
		return fmt.Errorf("%w: %s", domain.ErrNotClaimed, tx.InvoiceID)
	}
	for _, existing := range b.Transactions {
		if existing.InvoiceID == tx.InvoiceID {
			return nil
		}
	}
	b.Transactions = append(b.Transactions, tx)
	return nil
}

func (s *Store) MarkValidated(ctx context.Context, batchID string) (domain.Batch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return domain.Batch{}, domain.ErrNotFound
	}
	switch b.Status {
	case domain.BatchValidated:
		return cloneBatch(b), nil
	case domain.BatchAssembling:
		b.Status = domain.BatchValidated
		return cloneBatch(b), nil
	default:
		return domain.Batch{}, fmt.Errorf("%w: batch %s is %s", domain.ErrInvalidTransition, batchID, b.Status)
	}
}

func (s *Store) RejectBatch(ctx context.Context, batchID, reason string) (domain.Release, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.batches[batchID]
	if !ok {
		return domain.Release{}, domain.ErrNotFound
	}
	switch b.Status {
	case domain.BatchRejected:
		return domain.Release{Batch: cloneBatch(b)}, nil
	case domain.BatchValidated:
		return domain.Release{}, fmt.Errorf("%w: batch %s is validated", domain.ErrInvalidTransition, batchID)
	}

	var rel domain.Release
	for _, inv := range s.invoices {
		if inv.BatchID == batchID {
			inv.BatchID = ""
			rel.Claims++
		}
	}

	touched := make(map[string]struct{})
	kept := s.usages[:0]
	for _, rec := range s.usages {
		if rec.BatchID == batchID {
			touched[rec.MandateID] = struct{}{}
			rel.Usages++
			continue
		}
		kept = append(kept, rec)
	}
	s.usages = kept
	for id := range touched {
		m := s.mandates[id]
		m.FirstUsed = m.InheritsUsage || s.hasUsageLocked(id)
	}

	b.Status = domain.BatchRejected
	b.RejectReason = reason
	b.Transactions = nil
	rel.Batch = cloneBatch(b)
	return rel, nil
}

func (s *Store) hasUsageLocked(mandateID string) bool {
	for _, rec := range s.usages {
		if rec.MandateID == mandateID {
			return true
		}
	}
	return false
}

func (s *Store) StaleBatches(ctx context.Context, openedBefore time.Time) ([]domain.Batch, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.Batch
	for _, b := range s.batches {
		if b.Status == domain.BatchAssembling && b.OpenedAt.Before(openedBefore) {
			out = append(out, cloneBatch(b))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OpenedAt.Before(out[j].OpenedAt) })
	return out, nil
}

func (s *Store) FirstUses(ctx context.Context, mandateIDs []string, excludeBatchID string) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	want := make(map[string]struct{}, len(mandateIDs))
	for _, id := range mandateIDs {
		want[id] = struct{}{}
	}
	out := make(map[string]int)
	for id, b := range s.batches {
		if id == excludeBatchID || b.Status != domain.BatchValidated {
			continue
		}
		for _, tx := range b.Transactions {
			if _, ok := want[tx.MandateID]; ok && tx.SequenceType == domain.FirstUse {
				out[tx.MandateID]++
			}
		}
	}
	return out, nil
}

func cloneBatch(b *domain.Batch) domain.Batch {
	out := *b
	out.Transactions = append([]domain.Transaction(nil), b.Transactions...)
	out.Notes = nil
	return out
}
