package batch_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"incasso.org/internal/batch"
	"incasso.org/internal/domain"
	"incasso.org/internal/mandate"
	"incasso.org/internal/retry"
	"incasso.org/internal/sequence"
	"incasso.org/internal/store/memory"
)

type harness struct {
	store *memory.Store
	reg   *mandate.Registry
	asm   *batch.Assembler
	val   *batch.Validator
}

func fastPolicy() retry.Policy {
	p := retry.Default()
	p.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return p
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	st := memory.New()
	return newHarnessWith(t, st, st)
}

func newHarnessWith(t *testing.T, st *memory.Store, batches batch.Store) *harness {
	t.Helper()
	reg := mandate.NewRegistry(st)
	cfg := batch.DefaultConfig()
	cfg.Claim = fastPolicy()
	res := sequence.NewResolver(reg, fastPolicy(), nil)
	return &harness{
		store: st,
		reg:   reg,
		asm:   batch.NewAssembler(batches, st, reg, res, cfg, nil),
		val:   batch.NewValidator(batches, st, reg, cfg, nil),
	}
}

func (h *harness) mandate(t *testing.T, id, payer string) {
	t.Helper()
	_, err := h.reg.Register(context.Background(), domain.Mandate{
		ID:             id,
		PayerID:        payer,
		BankIdentifier: "NL-" + id,
		Status:         domain.MandateActive,
		CreatedDate:    domain.Date(2024, time.January, 2),
	})
	require.NoError(t, err)
}

func invoice(id, payer string, amount int64, due time.Time) domain.Invoice {
	return domain.Invoice{
		ID:            id,
		PayerID:       payer,
		Amount:        amount,
		Currency:      "EUR",
		DueDate:       due,
		CoverageStart: due,
		CoverageEnd:   domain.AddDays(due, 29),
		PaymentMethod: "SEPA Direct Debit",
	}
}

func request(key string, day time.Time) batch.Request {
	return batch.Request{WindowKey: key, CreationDate: day, SettlementDate: domain.AddDays(day, 2)}
}

func kinds(issues []domain.Issue) []domain.IssueKind {
	out := make([]domain.IssueKind, 0, len(issues))
	for _, is := range issues {
		out = append(out, is.Kind)
	}
	return out
}

func TestAssembleAndValidateAcrossMonths(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.mandate(t, "m1", "p1")
	h.store.AddInvoice(invoice("feb", "p1", 1500, domain.Date(2024, time.February, 1)))

	b, err := h.asm.Assemble(ctx, request("2024-02/01-01", domain.Date(2024, time.February, 1)))
	require.NoError(t, err)
	require.Len(t, b.Transactions, 1)
	assert.Equal(t, domain.FirstUse, b.Transactions[0].SequenceType)

	b, report, err := h.val.Validate(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchValidated, b.Status)
	assert.Empty(t, report.Fatal)

	h.store.MarkPaid("feb")
	h.store.AddInvoice(invoice("mar", "p1", 1500, domain.Date(2024, time.March, 1)))
	b, err = h.asm.Assemble(ctx, request("2024-03/01-01", domain.Date(2024, time.March, 1)))
	require.NoError(t, err)
	require.Len(t, b.Transactions, 1)
	assert.Equal(t, domain.RecurringUse, b.Transactions[0].SequenceType)

	b, _, err = h.val.Validate(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchValidated, b.Status)
	assert.Equal(t, map[string]int64{"EUR": 1500}, b.Totals())
}

func TestAssembleSameWindowTwice(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.asm.Assemble(ctx, request("2024-03/19-20", domain.Date(2024, time.March, 19)))
	require.NoError(t, err)
	_, err = h.asm.Assemble(ctx, request("2024-03/19-20", domain.Date(2024, time.March, 20)))
	assert.True(t, errors.Is(err, domain.ErrDuplicateBatch))
}

func TestRejectedBatchLeavesNoTrace(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.mandate(t, "m1", "p1")
	h.mandate(t, "m2", "p2")

	h.store.AddInvoice(invoice("i1", "p1", 1000, domain.Date(2024, time.February, 1)))
	first, err := h.asm.Assemble(ctx, request("2024-02/01-01", domain.Date(2024, time.February, 1)))
	require.NoError(t, err)
	first, _, err = h.val.Validate(ctx, first)
	require.NoError(t, err)
	require.Equal(t, domain.BatchValidated, first.Status)

	h.store.AddInvoice(invoice("i2", "p1", 1000, domain.Date(2024, time.March, 1)))
	h.store.AddInvoice(invoice("i3", "p2", 2000, domain.Date(2024, time.March, 1)))
	b, err := h.store.OpenBatch(ctx, domain.Batch{
		ID:             "bat-bad",
		WindowKey:      "2024-03/01-01",
		CreationDate:   domain.Date(2024, time.March, 1),
		SettlementDate: domain.Date(2024, time.March, 3),
	})
	require.NoError(t, err)

	// i3 goes through the ledger as usual.
	require.NoError(t, h.store.ClaimInvoice(ctx, "i3", b.ID))
	rec, err := h.reg.RecordUsage(ctx, "m2", "i3", b.ID, b.SettlementDate)
	require.NoError(t, err)
	require.NoError(t, h.store.AppendTransaction(ctx, b.ID, domain.Transaction{
		InvoiceID: "i3", MandateID: "m2", PayerID: "p2", SequenceType: rec.SequenceType, Amount: 2000, Currency: "EUR",
	}))
	// i2 is appended as a second first use of m1, bypassing the ledger.
	require.NoError(t, h.store.ClaimInvoice(ctx, "i2", b.ID))
	require.NoError(t, h.store.AppendTransaction(ctx, b.ID, domain.Transaction{
		InvoiceID: "i2", MandateID: "m1", PayerID: "p1", SequenceType: domain.FirstUse, Amount: 1000, Currency: "EUR",
	}))

	out, report, err := h.val.Validate(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchRejected, out.Status)
	assert.Empty(t, out.Transactions)
	assert.Contains(t, kinds(report.Fatal), domain.KindSequenceConflict)
	assert.True(t, errors.Is(report.Err(), domain.ErrSequenceConflict))
	assert.NotEmpty(t, out.RejectReason)

	for _, id := range []string{"i2", "i3"} {
		inv, err := h.store.Invoice(ctx, id)
		require.NoError(t, err)
		assert.False(t, inv.Claimed(), "claim on %s released", id)
	}
	used, err := h.reg.HasPriorUsage(ctx, "m2")
	require.NoError(t, err)
	assert.False(t, used, "usage recorded by the rejected batch is rolled back")
	usages, err := h.reg.Usages(ctx, "m2")
	require.NoError(t, err)
	assert.Empty(t, usages)

	prev, err := h.store.Batch(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchValidated, prev.Status)
	assert.Len(t, prev.Transactions, 1)
	used, err = h.reg.HasPriorUsage(ctx, "m1")
	require.NoError(t, err)
	assert.True(t, used)
}

func TestConcurrentAssemblersClaimDisjointInvoices(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	due := domain.Date(2024, time.March, 1)
	var all []string
	for _, p := range []string{"p1", "p2", "p3", "p4"} {
		h.mandate(t, "m-"+p, p)
		for _, n := range []string{"a", "b", "c"} {
			id := p + n
			h.store.AddInvoice(invoice(id, p, 500, due))
			all = append(all, id)
		}
	}

	keys := []string{"2024-03/05-05", "2024-03/06-06"}
	results := make([]domain.Batch, len(keys))
	var wg sync.WaitGroup
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key string) {
			defer wg.Done()
			b, err := h.asm.Assemble(ctx, request(key, domain.Date(2024, time.March, 5)))
			if err != nil {
				t.Errorf("Assemble %s: %v", key, err)
				return
			}
			results[i] = b
		}(i, key)
	}
	wg.Wait()

	owner := make(map[string]string)
	holder := make(map[string]string)
	firsts := make(map[string]int)
	for _, b := range results {
		for _, tx := range b.Transactions {
			if other, dup := owner[tx.InvoiceID]; dup {
				t.Fatalf("invoice %s in both %s and %s", tx.InvoiceID, other, b.ID)
			}
			owner[tx.InvoiceID] = b.ID
			if other, ok := holder[tx.MandateID]; ok && other != b.ID {
				t.Fatalf("mandate %s used by both %s and %s", tx.MandateID, other, b.ID)
			}
			holder[tx.MandateID] = b.ID
			if tx.SequenceType == domain.FirstUse {
				firsts[tx.MandateID]++
			}
		}
	}
	// Invoices the losing run could not take stay unclaimed for the next window.
	for _, id := range all {
		if _, ok := owner[id]; ok {
			continue
		}
		inv, err := h.store.Invoice(ctx, id)
		require.NoError(t, err)
		assert.False(t, inv.Claimed(), "invoice %s left unclaimed", id)
	}
	for _, p := range []string{"p1", "p2", "p3", "p4"} {
		assert.Equal(t, 1, firsts["m-"+p], "exactly one first use for m-%s", p)
	}
	for _, b := range results {
		out, report, err := h.val.Validate(ctx, b)
		require.NoError(t, err)
		assert.Empty(t, report.Fatal)
		assert.Equal(t, domain.BatchValidated, out.Status)
	}
}

func TestCoverageGapExcludesPayer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.mandate(t, "m1", "p1")
	h.mandate(t, "m2", "p2")
	anchor := domain.Date(2024, time.March, 1)
	h.store.AddSchedule(domain.BillingSchedule{PayerID: "p1", Frequency: domain.Monthly, AnchorDate: anchor})
	h.store.AddSchedule(domain.BillingSchedule{PayerID: "p2", Frequency: domain.Monthly, AnchorDate: anchor})

	stale := invoice("p1-jan", "p1", 900, domain.Date(2024, time.February, 10))
	stale.CoverageStart = domain.Date(2024, time.January, 1)
	stale.CoverageEnd = domain.Date(2024, time.January, 31)
	h.store.AddInvoice(stale)
	h.store.AddInvoice(invoice("p2-mar", "p2", 900, anchor))

	b, err := h.asm.Assemble(ctx, request("2024-03/05-05", domain.Date(2024, time.March, 5)))
	require.NoError(t, err)
	require.Len(t, b.Transactions, 1)
	assert.Equal(t, "p2-mar", b.Transactions[0].InvoiceID)

	out, report, err := h.val.Validate(ctx, b)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchValidated, out.Status)
	assert.Equal(t, []string{"p1"}, report.Excluded)
	assert.Contains(t, kinds(report.Advisory), domain.KindCoverageGap)

	inv, err := h.store.Invoice(ctx, "p1-jan")
	require.NoError(t, err)
	assert.False(t, inv.Claimed())
}

func TestSelectionSkipsIneligibleInvoices(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.mandate(t, "m1", "p1")
	card := invoice("card", "p1", 100, domain.Date(2024, time.March, 1))
	card.PaymentMethod = "Credit Card"
	h.store.AddInvoice(card)
	h.store.AddInvoice(invoice("old", "p1", 100, domain.Date(2023, time.December, 1)))
	h.store.AddInvoice(invoice("orphan", "p9", 100, domain.Date(2024, time.March, 1)))
	lower := invoice("lower", "p1", 100, domain.Date(2024, time.March, 2))
	lower.PaymentMethod = " sepa direct debit "
	h.store.AddInvoice(lower)

	b, err := h.asm.Assemble(ctx, request("2024-03/05-05", domain.Date(2024, time.March, 5)))
	require.NoError(t, err)
	require.Len(t, b.Transactions, 1)
	assert.Equal(t, "lower", b.Transactions[0].InvoiceID)
	assert.Contains(t, kinds(b.Notes), domain.KindNoActiveMandate)

	_, report, err := h.val.Validate(ctx, b)
	require.NoError(t, err)
	assert.Contains(t, kinds(report.Advisory), domain.KindNoActiveMandate)
}

func TestPreviewWritesNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.mandate(t, "m1", "p1")
	h.store.AddInvoice(invoice("a", "p1", 100, domain.Date(2024, time.March, 1)))
	h.store.AddInvoice(invoice("b", "p1", 200, domain.Date(2024, time.March, 2)))

	b, err := h.asm.Preview(ctx, request("2024-03/05-05", domain.Date(2024, time.March, 5)))
	require.NoError(t, err)
	require.Len(t, b.Transactions, 2)
	assert.Equal(t, domain.FirstUse, b.Transactions[0].SequenceType)
	assert.Equal(t, domain.RecurringUse, b.Transactions[1].SequenceType)

	_, err = h.store.BatchByWindow(ctx, "2024-03/05-05")
	assert.True(t, errors.Is(err, domain.ErrNotFound))
	for _, id := range []string{"a", "b"} {
		inv, err := h.store.Invoice(ctx, id)
		require.NoError(t, err)
		assert.False(t, inv.Claimed())
	}
	used, err := h.reg.HasPriorUsage(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, used)
}

func TestResumePicksUpWhereItStopped(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.mandate(t, "m1", "p1")
	h.store.AddInvoice(invoice("a", "p1", 100, domain.Date(2024, time.March, 1)))

	b, err := h.asm.Assemble(ctx, request("2024-03/05-05", domain.Date(2024, time.March, 5)))
	require.NoError(t, err)
	require.Len(t, b.Transactions, 1)

	h.store.AddInvoice(invoice("b", "p1", 100, domain.Date(2024, time.March, 2)))
	b, err = h.asm.Resume(ctx, b)
	require.NoError(t, err)
	require.Len(t, b.Transactions, 2)
	assert.Equal(t, domain.FirstUse, b.Transactions[0].SequenceType)
	assert.Equal(t, domain.RecurringUse, b.Transactions[1].SequenceType)

	usages, err := h.reg.Usages(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, usages, 2, "usages are not duplicated on resume")

	b, _, err = h.val.Validate(ctx, b)
	require.NoError(t, err)
	_, err = h.asm.Resume(ctx, b)
	assert.True(t, errors.Is(err, domain.ErrInvalidTransition))
}

type contendedStore struct {
	*memory.Store
}

func (contendedStore) ClaimInvoice(ctx context.Context, invoiceID, batchID string) error {
	return domain.ErrConcurrencyConflict
}

func TestClaimContentionSkipsInvoice(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	h := newHarnessWith(t, st, contendedStore{st})
	h.mandate(t, "m1", "p1")
	h.store.AddInvoice(invoice("a", "p1", 100, domain.Date(2024, time.March, 1)))

	b, err := h.asm.Assemble(ctx, request("2024-03/05-05", domain.Date(2024, time.March, 5)))
	require.NoError(t, err)
	assert.Empty(t, b.Transactions)
	assert.Contains(t, kinds(b.Notes), domain.KindClaimSkipped)
}

func TestInspectFatalChecks(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.mandate(t, "m1", "p1")
	h.mandate(t, "m2", "p2")
	_, err := h.reg.Suspend(ctx, "m2")
	require.NoError(t, err)

	b := domain.Batch{
		ID:           "bat-x",
		CreationDate: domain.Date(2024, time.March, 5),
		Transactions: []domain.Transaction{
			{InvoiceID: "a", MandateID: "m1", PayerID: "p1", SequenceType: domain.FirstUse, Amount: 100, Currency: "EUR"},
			{InvoiceID: "a", MandateID: "m1", PayerID: "p1", SequenceType: domain.RecurringUse, Amount: 100, Currency: "EUR"},
			{InvoiceID: "b", MandateID: "m1", PayerID: "p1", SequenceType: domain.RecurringUse, Amount: 0, Currency: "EUR"},
			{InvoiceID: "c", MandateID: "m1", PayerID: "p1", SequenceType: domain.RecurringUse, Amount: 100, Currency: "USD"},
			{InvoiceID: "d", MandateID: "ghost", PayerID: "p3", SequenceType: domain.RecurringUse, Amount: 100, Currency: "EUR"},
			{InvoiceID: "e", MandateID: "m2", PayerID: "p2", SequenceType: domain.FirstUse, Amount: 100, Currency: "EUR"},
		},
	}
	report, err := h.val.Inspect(ctx, b)
	require.NoError(t, err)
	got := kinds(report.Fatal)
	for _, want := range []domain.IssueKind{
		domain.KindDuplicateInvoice,
		domain.KindInvalidAmount,
		domain.KindMixedCurrency,
		domain.KindUnknownMandate,
		domain.KindMandateNotActive,
	} {
		assert.Contains(t, got, want)
	}
	assert.NotContains(t, got, domain.KindSequenceConflict)
}

func TestInspectAdvisesOnOldAndDormantMandates(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	_, err := h.reg.Register(ctx, domain.Mandate{
		ID:             "old",
		PayerID:        "p1",
		BankIdentifier: "NL01",
		Status:         domain.MandateActive,
		SignatureDate:  domain.Date(2020, time.January, 1),
		CreatedDate:    domain.Date(2020, time.January, 1),
	})
	require.NoError(t, err)
	h.store.AddInvoice(invoice("inv-0", "p1", 100, domain.Date(2021, time.May, 1)))
	prev, err := h.store.OpenBatch(ctx, domain.Batch{
		ID: "bat-0", WindowKey: "2021-05/30-30",
		CreationDate: domain.Date(2021, time.May, 30), SettlementDate: domain.Date(2021, time.June, 1),
	})
	require.NoError(t, err)
	require.NoError(t, h.store.ClaimInvoice(ctx, "inv-0", prev.ID))
	rec, err := h.reg.RecordUsage(ctx, "old", "inv-0", prev.ID, prev.SettlementDate)
	require.NoError(t, err)
	require.NoError(t, h.store.AppendTransaction(ctx, prev.ID, domain.Transaction{
		InvoiceID: "inv-0", MandateID: "old", PayerID: "p1", SequenceType: rec.SequenceType, Amount: 100, Currency: "EUR",
	}))
	_, err = h.store.MarkValidated(ctx, prev.ID)
	require.NoError(t, err)
	h.store.MarkPaid("inv-0")

	report, err := h.val.Inspect(ctx, domain.Batch{
		ID:           "bat-1",
		CreationDate: domain.Date(2024, time.March, 5),
		Transactions: []domain.Transaction{
			{InvoiceID: "a", MandateID: "old", PayerID: "p1", SequenceType: domain.RecurringUse, Amount: 100, Currency: "EUR"},
		},
	})
	require.NoError(t, err)
	assert.Empty(t, report.Fatal)
	assert.ElementsMatch(t, []domain.IssueKind{domain.KindMandateAging, domain.KindMandateDormant}, kinds(report.Advisory))
}

func TestInspectRejectsRecurringWithoutValidatedFirstUse(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.mandate(t, "m1", "p1")

	report, err := h.val.Inspect(ctx, domain.Batch{
		ID:           "bat-1",
		CreationDate: domain.Date(2024, time.March, 5),
		Transactions: []domain.Transaction{
			{InvoiceID: "a", MandateID: "m1", PayerID: "p1", SequenceType: domain.RecurringUse, Amount: 100, Currency: "EUR"},
		},
	})
	require.NoError(t, err)
	require.Len(t, report.Fatal, 1)
	assert.Equal(t, domain.KindSequenceConflict, report.Fatal[0].Kind)
	assert.Equal(t, "a", report.Fatal[0].InvoiceID)
}

func TestOpenBatchHoldsMandateUntilRejected(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.mandate(t, "m1", "p1")
	h.store.AddInvoice(invoice("mar", "p1", 1500, domain.Date(2024, time.March, 1)))

	march, err := h.asm.Assemble(ctx, request("2024-03/01-01", domain.Date(2024, time.March, 1)))
	require.NoError(t, err)
	require.Len(t, march.Transactions, 1)
	require.Equal(t, domain.FirstUse, march.Transactions[0].SequenceType)

	// March is left Assembling; April must not build on its provisional first use.
	h.store.AddInvoice(invoice("apr", "p1", 1500, domain.Date(2024, time.April, 1)))
	april, err := h.asm.Assemble(ctx, request("2024-04/01-01", domain.Date(2024, time.April, 1)))
	require.NoError(t, err)
	assert.Empty(t, april.Transactions)
	assert.Contains(t, kinds(april.Notes), domain.KindClaimSkipped)
	inv, err := h.store.Invoice(ctx, "apr")
	require.NoError(t, err)
	assert.False(t, inv.Claimed())

	_, err = h.store.RejectBatch(ctx, march.ID, "operator")
	require.NoError(t, err)
	used, err := h.reg.HasPriorUsage(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, used)
	usages, err := h.reg.Usages(ctx, "m1")
	require.NoError(t, err)
	assert.Empty(t, usages)

	april, err = h.asm.Resume(ctx, april)
	require.NoError(t, err)
	require.Len(t, april.Transactions, 2)
	for _, tx := range april.Transactions {
		if tx.InvoiceID == "mar" {
			assert.Equal(t, domain.FirstUse, tx.SequenceType)
		} else {
			assert.Equal(t, domain.RecurringUse, tx.SequenceType)
		}
	}
	out, report, err := h.val.Validate(ctx, april)
	require.NoError(t, err)
	assert.Empty(t, report.Fatal)
	assert.Equal(t, domain.BatchValidated, out.Status)
}

type flakyStore struct {
	*memory.Store
	mu           sync.Mutex
	appendFails  int
	validateFail int
}

func (f *flakyStore) AppendTransaction(ctx context.Context, batchID string, tx domain.Transaction) error {
	f.mu.Lock()
	fail := f.appendFails != 0
	if f.appendFails > 0 {
		f.appendFails--
	}
	f.mu.Unlock()
	if fail {
		return domain.ErrConcurrencyConflict
	}
	return f.Store.AppendTransaction(ctx, batchID, tx)
}

func (f *flakyStore) MarkValidated(ctx context.Context, batchID string) (domain.Batch, error) {
	f.mu.Lock()
	fail := f.validateFail > 0
	if fail {
		f.validateFail--
	}
	f.mu.Unlock()
	if fail {
		return domain.Batch{}, domain.ErrConcurrencyConflict
	}
	return f.Store.MarkValidated(ctx, batchID)
}

func TestTransientStoreConflictsAreRetried(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	flaky := &flakyStore{Store: st, appendFails: 1, validateFail: 1}
	h := newHarnessWith(t, st, flaky)
	h.mandate(t, "m1", "p1")
	h.store.AddInvoice(invoice("a", "p1", 100, domain.Date(2024, time.March, 1)))

	b, err := h.asm.Assemble(ctx, request("2024-03/05-05", domain.Date(2024, time.March, 5)))
	require.NoError(t, err)
	require.Len(t, b.Transactions, 1)

	out, report, err := h.val.Validate(ctx, b)
	require.NoError(t, err)
	assert.Empty(t, report.Fatal)
	assert.Equal(t, domain.BatchValidated, out.Status)
}

func TestExhaustedAppendLeavesBatchResumable(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	flaky := &flakyStore{Store: st, appendFails: -1}
	h := newHarnessWith(t, st, flaky)
	h.mandate(t, "m1", "p1")
	h.store.AddInvoice(invoice("a", "p1", 100, domain.Date(2024, time.March, 1)))

	_, err := h.asm.Assemble(ctx, request("2024-03/05-05", domain.Date(2024, time.March, 5)))
	require.Error(t, err)
	assert.True(t, errors.Is(err, retry.ErrExhausted))

	b, err := h.store.BatchByWindow(ctx, "2024-03/05-05")
	require.NoError(t, err)
	assert.Equal(t, domain.BatchAssembling, b.Status)
	assert.Empty(t, b.Transactions)

	healthy := newHarnessWith(t, st, st)
	b, err = healthy.asm.Resume(ctx, b)
	require.NoError(t, err)
	require.Len(t, b.Transactions, 1)
	assert.Equal(t, domain.FirstUse, b.Transactions[0].SequenceType)
	usages, err := h.reg.Usages(ctx, "m1")
	require.NoError(t, err)
	assert.Len(t, usages, 1)
}

func TestReaperReleasesAbandonedBatch(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.mandate(t, "m1", "p1")
	h.store.AddInvoice(invoice("a", "p1", 100, domain.Date(2024, time.March, 1)))
	h.store.SetClock(func() time.Time { return time.Now().UTC().Add(-3 * time.Hour) })

	b, err := h.asm.Assemble(ctx, request("2024-03/05-05", domain.Date(2024, time.March, 5)))
	require.NoError(t, err)
	require.Len(t, b.Transactions, 1)

	h.store.SetClock(func() time.Time { return time.Now().UTC() })
	fresh, err := h.asm.Assemble(ctx, request("2024-03/06-06", domain.Date(2024, time.March, 6)))
	require.NoError(t, err)

	released, err := batch.NewReaper(h.store, time.Hour, nil).Run(ctx)
	require.NoError(t, err)
	require.Len(t, released, 1)
	assert.Equal(t, b.ID, released[0].Batch.ID)
	assert.Equal(t, batch.ReasonAbandoned, released[0].Batch.RejectReason)
	assert.Equal(t, 1, released[0].Claims)
	assert.Equal(t, 1, released[0].Usages)

	used, err := h.reg.HasPriorUsage(ctx, "m1")
	require.NoError(t, err)
	assert.False(t, used)

	still, err := h.store.Batch(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.BatchAssembling, still.Status)
}
