package sequence_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"incasso.org/internal/domain"
	"incasso.org/internal/mandate"
	"incasso.org/internal/retry"
	"incasso.org/internal/sequence"
	"incasso.org/internal/store/memory"
)

func fastPolicy() retry.Policy {
	p := retry.Default()
	p.Sleep = func(ctx context.Context, d time.Duration) error { return ctx.Err() }
	return p
}

func newRegistry(t *testing.T) (*mandate.Registry, domain.Mandate) {
	t.Helper()
	reg := mandate.NewRegistry(memory.New())
	m, err := reg.Register(context.Background(), domain.Mandate{
		ID:             "M",
		PayerID:        "payer-1",
		BankIdentifier: "NL91ABNA0417164300",
		Status:         domain.MandateActive,
		CreatedDate:    domain.Date(2024, time.January, 1),
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	return reg, m
}

func TestFirstThenRecurring(t *testing.T) {
	reg, m := newRegistry(t)
	r := sequence.NewResolver(reg, fastPolicy(), nil)
	ctx := context.Background()

	first, err := r.Resolve(ctx, m.ID, "inv-feb", "bat-feb", domain.Date(2024, time.February, 1))
	if err != nil {
		t.Fatalf("Resolve feb: %v", err)
	}
	if first != domain.FirstUse {
		t.Fatalf("expected FirstUse, got %s", first)
	}
	second, err := r.Resolve(ctx, m.ID, "inv-mar", "bat-mar", domain.Date(2024, time.March, 1))
	if err != nil {
		t.Fatalf("Resolve mar: %v", err)
	}
	if second != domain.RecurringUse {
		t.Fatalf("expected RecurringUse, got %s", second)
	}

	again, err := r.Resolve(ctx, m.ID, "inv-feb", "bat-feb", domain.Date(2024, time.February, 1))
	if err != nil || again != domain.FirstUse {
		t.Fatalf("expected replay to return original FirstUse, got %s / %v", again, err)
	}
	usages, _ := reg.Usages(ctx, m.ID)
	if len(usages) != 2 {
		t.Fatalf("replay must not append, got %d usages", len(usages))
	}
}

func TestConcurrentResolutionsYieldOneFirstUse(t *testing.T) {
	reg, m := newRegistry(t)
	r := sequence.NewResolver(reg, fastPolicy(), nil)
	ctx := context.Background()
	usedOn := domain.Date(2024, time.February, 1)

	const workers = 64
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		first int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			st, err := r.Resolve(ctx, m.ID, fmt.Sprintf("inv-%d", i), "bat-1", usedOn)
			if err != nil {
				t.Errorf("Resolve: %v", err)
				return
			}
			if st == domain.FirstUse {
				mu.Lock()
				first++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if first != 1 {
		t.Fatalf("expected exactly one FirstUse, got %d", first)
	}
	usages, err := reg.Usages(ctx, m.ID)
	if err != nil {
		t.Fatalf("Usages: %v", err)
	}
	if len(usages) != workers {
		t.Fatalf("expected %d usages, got %d", workers, len(usages))
	}
	if usages[0].SequenceType != domain.FirstUse {
		t.Fatalf("FirstUse must be the earliest record, got %s", usages[0].SequenceType)
	}
	for _, u := range usages[1:] {
		if u.SequenceType != domain.RecurringUse {
			t.Fatalf("expected RecurringUse after first, got %s at seq %d", u.SequenceType, u.Sequence)
		}
	}
}

func TestResolveRejectsInactiveMandate(t *testing.T) {
	reg, m := newRegistry(t)
	ctx := context.Background()
	if _, err := reg.Revoke(ctx, m.ID); err != nil {
		t.Fatalf("Revoke: %v", err)
	}
	r := sequence.NewResolver(reg, fastPolicy(), nil)
	_, err := r.Resolve(ctx, m.ID, "inv-1", "bat-1", domain.Date(2024, time.February, 1))
	if !errors.Is(err, domain.ErrMandateNotActive) {
		t.Fatalf("expected ErrMandateNotActive, got %v", err)
	}
}

type flakyLedger struct {
	failures int
	calls    int
}

func (f *flakyLedger) RecordUsage(ctx context.Context, mandateID, invoiceID, batchID string, usedOn time.Time) (domain.UsageRecord, error) {
	f.calls++
	if f.calls <= f.failures {
		return domain.UsageRecord{}, domain.ErrConcurrencyConflict
	}
	return domain.UsageRecord{MandateID: mandateID, SequenceType: domain.RecurringUse}, nil
}

func TestResolveRetriesConcurrencyConflicts(t *testing.T) {
	ledger := &flakyLedger{failures: 2}
	r := sequence.NewResolver(ledger, fastPolicy(), nil)
	st, err := r.Resolve(context.Background(), "M", "inv", "bat", time.Now())
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if st != domain.RecurringUse || ledger.calls != 3 {
		t.Fatalf("expected success on third call, got %s after %d calls", st, ledger.calls)
	}

	exhausted := &flakyLedger{failures: 5}
	r = sequence.NewResolver(exhausted, fastPolicy(), nil)
	if _, err := r.Resolve(context.Background(), "M", "inv", "bat", time.Now()); !errors.Is(err, retry.ErrExhausted) {
		t.Fatalf("expected exhausted retries, got %v", err)
	}
}

func TestPredictorDoesNotWrite(t *testing.T) {
	reg, m := newRegistry(t)
	ctx := context.Background()
	p := sequence.NewPredictor(reg)

	st, err := p.Predict(ctx, m.ID)
	if err != nil || st != domain.FirstUse {
		t.Fatalf("expected FirstUse prediction, got %s / %v", st, err)
	}
	st, _ = p.Predict(ctx, m.ID)
	if st != domain.RecurringUse {
		t.Fatalf("expected second prediction to be RecurringUse, got %s", st)
	}
	used, _ := reg.HasPriorUsage(ctx, m.ID)
	if used {
		t.Fatal("prediction must not mark the mandate used")
	}
}
