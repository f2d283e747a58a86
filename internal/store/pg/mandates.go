package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"incasso.org/internal/domain"
)

const mandateColumns = `id, payer_id, bank_identifier, status, created_date, signature_date,
	coalesce(replaces_mandate_id, ''), first_used, inherits_usage`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMandate(row rowScanner) (domain.Mandate, error) {
	var (
		m       domain.Mandate
		status  string
		created sql.NullTime
		signed  sql.NullTime
	)
	if err := row.Scan(&m.ID, &m.PayerID, &m.BankIdentifier, &status, &created, &signed,
		&m.ReplacesMandateID, &m.FirstUsed, &m.InheritsUsage); err != nil {
		return domain.Mandate{}, err
	}
	m.Status = domain.MandateStatus(status)
	m.CreatedDate = civil(created)
	m.SignatureDate = civil(signed)
	return m, nil
}

func insertMandate(ctx context.Context, tx *sql.Tx, m domain.Mandate) error {
	_, err := tx.ExecContext(ctx, `
		insert into mandates(id, payer_id, bank_identifier, status, created_date, signature_date,
			replaces_mandate_id, first_used, inherits_usage)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, m.ID, m.PayerID, m.BankIdentifier, string(m.Status), m.CreatedDate, nullIfZero(m.SignatureDate),
		nullIfEmpty(m.ReplacesMandateID), m.FirstUsed, m.InheritsUsage)
	if pgErr, ok := maybePgError(err); ok {
		switch {
		case pgErr.Code == pgErrUniqueViolation && pgErr.ConstraintName == "mandates_one_active":
			return fmt.Errorf("%w: payer %s bank %s", domain.ErrDuplicateActiveMandate, m.PayerID, m.BankIdentifier)
		case pgErr.Code == pgErrUniqueViolation:
			return fmt.Errorf("%w: mandate %s already exists", domain.ErrInvalidMandate, m.ID)
		case pgErr.Code == pgErrForeignKeyViolation:
			return fmt.Errorf("%w: replaced mandate %s does not exist", domain.ErrInvalidMandate, m.ReplacesMandateID)
		}
	}
	return err
}

// InsertMandate stores a new mandate.
func (s *Store) InsertMandate(ctx context.Context, m domain.Mandate) (domain.Mandate, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		return insertMandate(ctx, tx, m)
	})
	if err != nil {
		return domain.Mandate{}, err
	}
	return m, nil
}

// Mandate loads one mandate or fails with domain.ErrNotFound.
func (s *Store) Mandate(ctx context.Context, id string) (domain.Mandate, error) {
	m, err := scanMandate(s.db.QueryRowContext(ctx, `select `+mandateColumns+` from mandates where id=$1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Mandate{}, domain.ErrNotFound
	}
	return m, err
}

// MandatesForPayer lists a payer's mandates ordered by id.
func (s *Store) MandatesForPayer(ctx context.Context, payerID string) ([]domain.Mandate, error) {
	rows, err := s.db.QueryContext(ctx, `select `+mandateColumns+` from mandates where payer_id=$1 order by id`, payerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Mandate
	for rows.Next() {
		m, err := scanMandate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func lockMandate(ctx context.Context, tx *sql.Tx, id string) (domain.Mandate, error) {
	m, err := scanMandate(tx.QueryRowContext(ctx, `select `+mandateColumns+` from mandates where id=$1 for update`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Mandate{}, domain.ErrNotFound
	}
	return m, err
}

// UpdateMandateStatus locks the mandate and applies the status next returns.
func (s *Store) UpdateMandateStatus(ctx context.Context, id string, next func(domain.MandateStatus) (domain.MandateStatus, error)) (domain.Mandate, error) {
	var out domain.Mandate
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		m, err := lockMandate(ctx, tx, id)
		if err != nil {
			return err
		}
		to, err := next(m.Status)
		if err != nil {
			return err
		}
		if to != m.Status {
			_, err = tx.ExecContext(ctx, `update mandates set status=$2 where id=$1`, id, string(to))
			if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
				return fmt.Errorf("%w: payer %s bank %s", domain.ErrDuplicateActiveMandate, m.PayerID, m.BankIdentifier)
			}
			if err != nil {
				return err
			}
			m.Status = to
		}
		out = m
		return nil
	})
	if err != nil {
		return domain.Mandate{}, err
	}
	return out, nil
}

// ReplaceMandate revokes oldID and inserts replacement in one transaction.
func (s *Store) ReplaceMandate(ctx context.Context, oldID string, replacement domain.Mandate) (domain.Mandate, error) {
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		old, err := lockMandate(ctx, tx, oldID)
		if err != nil {
			return err
		}
		if old.Status != domain.MandateActive && old.Status != domain.MandateSuspended {
			return fmt.Errorf("%w: cannot replace %s mandate", domain.ErrInvalidTransition, old.Status)
		}
		if old.PayerID != replacement.PayerID {
			return fmt.Errorf("%w: replacement belongs to another payer", domain.ErrInvalidMandate)
		}
		if _, err := tx.ExecContext(ctx, `update mandates set status=$2 where id=$1`, oldID, string(domain.MandateRevoked)); err != nil {
			return err
		}
		replacement.InheritsUsage = replacement.InheritsUsage && old.FirstUsed
		replacement.FirstUsed = replacement.InheritsUsage
		return insertMandate(ctx, tx, replacement)
	})
	if err != nil {
		return domain.Mandate{}, err
	}
	return replacement, nil
}

const usageColumns = `id, mandate_id, invoice_id, batch_id, sequence_type, used_on, sequence`

func scanUsage(row rowScanner) (domain.UsageRecord, error) {
	var (
		u      domain.UsageRecord
		seq    string
		usedOn time.Time
	)
	if err := row.Scan(&u.ID, &u.MandateID, &u.InvoiceID, &u.BatchID, &seq, &usedOn, &u.Sequence); err != nil {
		return domain.UsageRecord{}, err
	}
	u.SequenceType = domain.SequenceType(seq)
	u.UsedOn = domain.Civil(usedOn)
	return u, nil
}

// RecordUsage appends a usage under the mandate row lock and assigns FRST
// or RCUR from the first-used flag. A mandate with usages in another
// Assembling batch fails with domain.ErrMandateInUse.
func (s *Store) RecordUsage(ctx context.Context, u domain.UsageRecord) (domain.UsageRecord, error) {
	var out domain.UsageRecord
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		m, err := lockMandate(ctx, tx, u.MandateID)
		if err != nil {
			return err
		}
		existing, err := scanUsage(tx.QueryRowContext(ctx, `
			select `+usageColumns+` from mandate_usages
			where mandate_id=$1 and invoice_id=$2 and batch_id=$3
		`, u.MandateID, u.InvoiceID, u.BatchID))
		switch {
		case err == nil:
			out = existing
			return nil
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}
		if m.Status != domain.MandateActive {
			return fmt.Errorf("%w: %s is %s", domain.ErrMandateNotActive, m.ID, m.Status)
		}
		// A mandate's provisional usages belong to at most one open batch, so
		// rejecting that batch only ever removes the tail of the ledger.
		var holder string
		err = tx.QueryRowContext(ctx, `
			select u.batch_id from mandate_usages u
			join collection_batches b on b.id = u.batch_id
			where u.mandate_id=$1 and u.batch_id<>$2 and b.status=$3
			limit 1
		`, u.MandateID, u.BatchID, string(domain.BatchAssembling)).Scan(&holder)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %s has usages in batch %s", domain.ErrMandateInUse, m.ID, holder)
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}
		var last sql.NullTime
		if err := tx.QueryRowContext(ctx, `select max(used_on) from mandate_usages where mandate_id=$1`, u.MandateID).Scan(&last); err != nil {
			return err
		}
		if last.Valid && u.UsedOn.Before(domain.Civil(last.Time)) {
			return fmt.Errorf("%w: usage on %s precedes recorded usage on %s",
				domain.ErrSequenceConflict, u.UsedOn.Format(time.DateOnly), domain.Civil(last.Time).Format(time.DateOnly))
		}
		u.SequenceType = domain.FirstUse
		if m.FirstUsed {
			u.SequenceType = domain.RecurringUse
		}
		err = tx.QueryRowContext(ctx, `
			insert into mandate_usages(id, mandate_id, invoice_id, batch_id, sequence_type, used_on)
			values ($1,$2,$3,$4,$5,$6)
			returning sequence
		`, u.ID, u.MandateID, u.InvoiceID, u.BatchID, string(u.SequenceType), u.UsedOn).Scan(&u.Sequence)
		if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
			return fmt.Errorf("%w: mandate %s already has a first use", domain.ErrSequenceConflict, m.ID)
		}
		if err != nil {
			return err
		}
		if !m.FirstUsed {
			if _, err := tx.ExecContext(ctx, `update mandates set first_used=true where id=$1`, m.ID); err != nil {
				return err
			}
		}
		out = u
		return nil
	})
	if err != nil {
		return domain.UsageRecord{}, err
	}
	return out, nil
}

// Usages lists a mandate's usage records in ledger order.
func (s *Store) Usages(ctx context.Context, mandateID string) ([]domain.UsageRecord, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx, `select exists(select 1 from mandates where id=$1)`, mandateID).Scan(&exists); err != nil {
		return nil, err
	}
	if !exists {
		return nil, domain.ErrNotFound
	}
	rows, err := s.db.QueryContext(ctx, `select `+usageColumns+` from mandate_usages where mandate_id=$1 order by sequence`, mandateID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.UsageRecord
	for rows.Next() {
		u, err := scanUsage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, u)
	}
	return out, rows.Err()
}
