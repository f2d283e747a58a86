package pg

import (
	"context"
	"database/sql"
	"time"

	"incasso.org/internal/domain"
)

// UnpaidInvoices returns unpaid invoices due within [from, to] with their
// claim back-reference, oldest first.
func (s *Store) UnpaidInvoices(ctx context.Context, from, to time.Time) ([]domain.Invoice, error) {
	rows, err := s.db.QueryContext(ctx, `
		select i.id, i.payer_id, i.amount, i.currency, i.due_date, i.coverage_start, i.coverage_end,
			i.payment_method, coalesce(c.batch_id, '')
		from invoices i
		left join invoice_claims c on c.invoice_id = i.id
		where not i.paid and i.due_date between $1 and $2
		order by i.due_date, i.id
	`, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Invoice
	for rows.Next() {
		var (
			inv        domain.Invoice
			due        time.Time
			start, end sql.NullTime
		)
		if err := rows.Scan(&inv.ID, &inv.PayerID, &inv.Amount, &inv.Currency, &due, &start, &end,
			&inv.PaymentMethod, &inv.BatchID); err != nil {
			return nil, err
		}
		inv.DueDate = domain.Civil(due)
		inv.CoverageStart = civil(start)
		inv.CoverageEnd = civil(end)
		out = append(out, inv)
	}
	return out, rows.Err()
}

// Schedules reads every billing schedule.
func (s *Store) Schedules(ctx context.Context) ([]domain.BillingSchedule, error) {
	rows, err := s.db.QueryContext(ctx, `select payer_id, frequency, anchor_date from billing_schedules order by payer_id, anchor_date`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.BillingSchedule
	for rows.Next() {
		var (
			sch    domain.BillingSchedule
			freq   string
			anchor time.Time
		)
		if err := rows.Scan(&sch.PayerID, &freq, &anchor); err != nil {
			return nil, err
		}
		sch.Frequency = domain.Frequency(freq)
		sch.AnchorDate = domain.Civil(anchor)
		out = append(out, sch)
	}
	return out, rows.Err()
}
