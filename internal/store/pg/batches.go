package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"incasso.org/internal/domain"
)

const batchColumns = `id, window_key, creation_date, settlement_date, status, coalesce(reject_reason, ''), opened_at`

func scanBatch(row rowScanner) (domain.Batch, error) {
	var (
		b                    domain.Batch
		status               string
		creation, settlement time.Time
	)
	if err := row.Scan(&b.ID, &b.WindowKey, &creation, &settlement, &status, &b.RejectReason, &b.OpenedAt); err != nil {
		return domain.Batch{}, err
	}
	b.CreationDate = domain.Civil(creation)
	b.SettlementDate = domain.Civil(settlement)
	b.Status = domain.BatchStatus(status)
	b.OpenedAt = b.OpenedAt.UTC()
	return b, nil
}

func loadBatch(ctx context.Context, q queryer, where string, arg any) (domain.Batch, error) {
	b, err := scanBatch(q.QueryRowContext(ctx, `select `+batchColumns+` from collection_batches where `+where, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Batch{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Batch{}, err
	}
	rows, err := q.QueryContext(ctx, `
		select invoice_id, mandate_id, payer_id, sequence_type, amount, currency
		from batch_transactions where batch_id=$1 order by position
	`, b.ID)
	if err != nil {
		return domain.Batch{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			t   domain.Transaction
			seq string
		)
		if err := rows.Scan(&t.InvoiceID, &t.MandateID, &t.PayerID, &seq, &t.Amount, &t.Currency); err != nil {
			return domain.Batch{}, err
		}
		t.SequenceType = domain.SequenceType(seq)
		b.Transactions = append(b.Transactions, t)
	}
	return b, rows.Err()
}

// lockBatchStatus locks the batch row and returns its status.
func lockBatchStatus(ctx context.Context, tx *sql.Tx, id string) (domain.BatchStatus, error) {
	var status string
	err := tx.QueryRowContext(ctx, `select status from collection_batches where id=$1 for update`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", domain.ErrNotFound
	}
	return domain.BatchStatus(status), err
}

// OpenBatch inserts b as Assembling. The unique window key turns a second
// batch for the same window into domain.ErrDuplicateBatch.
func (s *Store) OpenBatch(ctx context.Context, b domain.Batch) (domain.Batch, error) {
	b.Status = domain.BatchAssembling
	b.Transactions = nil
	b.Notes = nil
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		err := tx.QueryRowContext(ctx, `
			insert into collection_batches(id, window_key, creation_date, settlement_date, status, opened_at)
			values ($1,$2,$3,$4,$5,coalesce($6, now()))
			returning opened_at
		`, b.ID, b.WindowKey, b.CreationDate, b.SettlementDate, string(b.Status), nullIfZero(b.OpenedAt)).Scan(&b.OpenedAt)
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: window %s", domain.ErrDuplicateBatch, b.WindowKey)
		}
		return err
	})
	if err != nil {
		return domain.Batch{}, err
	}
	b.OpenedAt = b.OpenedAt.UTC()
	return b, nil
}

// Batch loads a batch with its transactions in append order.
func (s *Store) Batch(ctx context.Context, id string) (domain.Batch, error) {
	return loadBatch(ctx, s.db, "id=$1", id)
}

// BatchByWindow loads the batch opened for windowKey.
func (s *Store) BatchByWindow(ctx context.Context, windowKey string) (domain.Batch, error) {
	return loadBatch(ctx, s.db, "window_key=$1", windowKey)
}

// ClaimInvoice records batchID as the invoice's batch. Claims already held
// by batchID succeed; claims held elsewhere fail with domain.ErrAlreadyClaimed.
func (s *Store) ClaimInvoice(ctx context.Context, invoiceID, batchID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var status string
		err := tx.QueryRowContext(ctx, `select status from collection_batches where id=$1 for share`, batchID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}
		if domain.BatchStatus(status) != domain.BatchAssembling {
			return fmt.Errorf("%w: batch %s is %s", domain.ErrInvalidTransition, batchID, status)
		}
		var unpaid bool
		if err := tx.QueryRowContext(ctx, `select exists(select 1 from invoices where id=$1 and not paid)`, invoiceID).Scan(&unpaid); err != nil {
			return err
		}
		if !unpaid {
			return domain.ErrNotFound
		}
		res, err := tx.ExecContext(ctx, `
			insert into invoice_claims(invoice_id, batch_id) values ($1,$2)
			on conflict (invoice_id) do nothing
		`, invoiceID, batchID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
		var holder string
		if err := tx.QueryRowContext(ctx, `select batch_id from invoice_claims where invoice_id=$1`, invoiceID).Scan(&holder); err != nil {
			return err
		}
		if holder == batchID {
			return nil
		}
		return fmt.Errorf("%w: %s by %s", domain.ErrAlreadyClaimed, invoiceID, holder)
	})
}

// ReleaseClaim drops a claim of an Assembling batch.
func (s *Store) ReleaseClaim(ctx context.Context, invoiceID, batchID string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		var exists bool
		if err := tx.QueryRowContext(ctx, `select exists(select 1 from invoices where id=$1)`, invoiceID).Scan(&exists); err != nil {
			return err
		}
		if !exists {
			return domain.ErrNotFound
		}
		var status string
		err := tx.QueryRowContext(ctx, `
			select b.status from invoice_claims c
			join collection_batches b on b.id = c.batch_id
			where c.invoice_id=$1 and c.batch_id=$2
			for update of c
		`, invoiceID, batchID).Scan(&status)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if domain.BatchStatus(status) == domain.BatchValidated {
			return fmt.Errorf("%w: batch %s is validated", domain.ErrInvalidTransition, batchID)
		}
		_, err = tx.ExecContext(ctx, `delete from invoice_claims where invoice_id=$1 and batch_id=$2`, invoiceID, batchID)
		return err
	})
}

// AppendTransaction adds t to an Assembling batch that holds the claim on
// its invoice. Appending the same invoice twice is a no-op.
func (s *Store) AppendTransaction(ctx context.Context, batchID string, t domain.Transaction) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		status, err := lockBatchStatus(ctx, tx, batchID)
		if err != nil {
			return err
		}
		if status != domain.BatchAssembling {
			return fmt.Errorf("%w: batch %s is %s", domain.ErrInvalidTransition, batchID, status)
		}
		var claimed bool
		if err := tx.QueryRowContext(ctx, `select exists(select 1 from invoice_claims where invoice_id=$1 and batch_id=$2)`,
			t.InvoiceID, batchID).Scan(&claimed); err != nil {
			return err
		}
		if !claimed {
			return fmt.Errorf("%w: %s", domain.ErrNotClaimed, t.InvoiceID)
		}
		_, err = tx.ExecContext(ctx, `
			insert into batch_transactions(batch_id, invoice_id, position, mandate_id, payer_id, sequence_type, amount, currency)
			values ($1, $2, (select coalesce(max(position), 0) + 1 from batch_transactions where batch_id=$1), $3, $4, $5, $6, $7)
			on conflict (batch_id, invoice_id) do nothing
		`, batchID, t.InvoiceID, t.MandateID, t.PayerID, string(t.SequenceType), t.Amount, t.Currency)
		return err
	})
}

// MarkValidated moves an Assembling batch to Validated.
func (s *Store) MarkValidated(ctx context.Context, batchID string) (domain.Batch, error) {
	var out domain.Batch
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		status, err := lockBatchStatus(ctx, tx, batchID)
		if err != nil {
			return err
		}
		switch status {
		case domain.BatchValidated:
		case domain.BatchAssembling:
			if _, err := tx.ExecContext(ctx, `update collection_batches set status=$2 where id=$1`,
				batchID, string(domain.BatchValidated)); err != nil {
				return err
			}
		default:
			return fmt.Errorf("%w: batch %s is %s", domain.ErrInvalidTransition, batchID, status)
		}
		out, err = loadBatch(ctx, tx, "id=$1", batchID)
		return err
	})
	if err != nil {
		return domain.Batch{}, err
	}
	return out, nil
}

// RejectBatch rejects an Assembling batch in one transaction: claims,
// usages and transactions are removed and the first-used flags of the
// affected mandates recomputed from the remaining ledger.
func (s *Store) RejectBatch(ctx context.Context, batchID, reason string) (domain.Release, error) {
	var rel domain.Release
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		status, err := lockBatchStatus(ctx, tx, batchID)
		if err != nil {
			return err
		}
		switch status {
		case domain.BatchRejected:
			rel.Batch, err = loadBatch(ctx, tx, "id=$1", batchID)
			return err
		case domain.BatchValidated:
			return fmt.Errorf("%w: batch %s is validated", domain.ErrInvalidTransition, batchID)
		}

		res, err := tx.ExecContext(ctx, `delete from invoice_claims where batch_id=$1`, batchID)
		if err != nil {
			return err
		}
		claims, _ := res.RowsAffected()
		rel.Claims = int(claims)

		touched, err := batchMandates(ctx, tx, batchID)
		if err != nil {
			return err
		}
		res, err = tx.ExecContext(ctx, `delete from mandate_usages where batch_id=$1`, batchID)
		if err != nil {
			return err
		}
		usages, _ := res.RowsAffected()
		rel.Usages = int(usages)

		// Lock order matches RecordUsage: one mandate row at a time, sorted.
		for _, id := range touched {
			if _, err := tx.ExecContext(ctx, `
				update mandates set first_used = inherits_usage
					or exists(select 1 from mandate_usages u where u.mandate_id = mandates.id)
				where id=$1
			`, id); err != nil {
				return err
			}
		}

		if _, err := tx.ExecContext(ctx, `delete from batch_transactions where batch_id=$1`, batchID); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `update collection_batches set status=$2, reject_reason=$3 where id=$1`,
			batchID, string(domain.BatchRejected), nullIfEmpty(reason)); err != nil {
			return err
		}
		rel.Batch, err = loadBatch(ctx, tx, "id=$1", batchID)
		return err
	})
	if err != nil {
		return domain.Release{}, err
	}
	return rel, nil
}

func batchMandates(ctx context.Context, tx *sql.Tx, batchID string) ([]string, error) {
	rows, err := tx.QueryContext(ctx, `select distinct mandate_id from mandate_usages where batch_id=$1`, batchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	sort.Strings(ids)
	return ids, nil
}

// StaleBatches returns Assembling batch headers opened before the cutoff,
// oldest first. Transactions are not loaded.
func (s *Store) StaleBatches(ctx context.Context, openedBefore time.Time) ([]domain.Batch, error) {
	rows, err := s.db.QueryContext(ctx, `
		select `+batchColumns+` from collection_batches
		where status=$1 and opened_at < $2
		order by opened_at
	`, string(domain.BatchAssembling), openedBefore)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// FirstUses counts FRST transactions per mandate in Validated batches
// other than excludeBatchID.
func (s *Store) FirstUses(ctx context.Context, mandateIDs []string, excludeBatchID string) (map[string]int, error) {
	out := make(map[string]int)
	if len(mandateIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		select t.mandate_id, count(*)
		from batch_transactions t
		join collection_batches b on b.id = t.batch_id
		where b.status=$1 and t.sequence_type=$2 and t.batch_id <> $3 and t.mandate_id = any($4)
		group by t.mandate_id
	`, string(domain.BatchValidated), string(domain.FirstUse), excludeBatchID, mandateIDs)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var (
			id string
			n  int
		)
		if err := rows.Scan(&id, &n); err != nil {
			return nil, err
		}
		out[id] = n
	}
	return out, rows.Err()
}
