package domain

import "time"

// MandateStatus is the lifecycle state of a payer authorization.
type MandateStatus string

const (
	MandateDraft     MandateStatus = "Draft"
	MandateActive    MandateStatus = "Active"
	MandateSuspended MandateStatus = "Suspended"
	MandateRevoked   MandateStatus = "Revoked"
	MandateExpired   MandateStatus = "Expired"
)

// SequenceType marks a collection as the first or a recurring use of a mandate.
// Values are the scheme codes used on the wire.
type SequenceType string

const (
	FirstUse     SequenceType = "FRST"
	RecurringUse SequenceType = "RCUR"
)

// Frequency is the billing cadence of a schedule.
type Frequency string

const (
	Daily     Frequency = "Daily"
	Weekly    Frequency = "Weekly"
	Monthly   Frequency = "Monthly"
	Quarterly Frequency = "Quarterly"
	Annual    Frequency = "Annual"
)

// BatchStatus is the lifecycle state of a collection batch.
type BatchStatus string

const (
	BatchAssembling BatchStatus = "Assembling"
	BatchValidated  BatchStatus = "Validated"
	BatchRejected   BatchStatus = "Rejected"
)

// Mandate is a payer authorization for recurring collection.
type Mandate struct {
	ID                string        `json:"id"`
	PayerID           string        `json:"payer_id"`
	BankIdentifier    string        `json:"bank_identifier"`
	Status            MandateStatus `json:"status"`
	CreatedDate       time.Time     `json:"created_date"`
	SignatureDate     time.Time     `json:"signature_date"`
	ReplacesMandateID string        `json:"replaces_mandate_id,omitempty"`
	// FirstUsed caches whether any usage has been recorded. Maintained by the
	// store in the same atomic step as each usage write.
	FirstUsed bool `json:"first_used"`
	// InheritsUsage is set when a replacement took over an already used
	// predecessor's sequence; such a mandate never records a FirstUse.
	InheritsUsage bool `json:"inherits_usage,omitempty"`
}

// UsageRecord is an entry of the append-only mandate usage ledger.
type UsageRecord struct {
	ID           string       `json:"id"`
	MandateID    string       `json:"mandate_id"`
	InvoiceID    string       `json:"invoice_id"`
	BatchID      string       `json:"batch_id"`
	SequenceType SequenceType `json:"sequence_type"`
	UsedOn       time.Time    `json:"used_on"`
	Sequence     uint64       `json:"sequence"` // commit order
}

// BillingSchedule is the expected billing cadence of a payer. Owned upstream.
type BillingSchedule struct {
	PayerID    string    `json:"payer_id"`
	Frequency  Frequency `json:"frequency"`
	AnchorDate time.Time `json:"anchor_date"`
}

// Invoice is an issued billing record. Owned upstream; the engine only sets
// BatchID through the claim primitive.
type Invoice struct {
	ID            string    `json:"id"`
	PayerID       string    `json:"payer_id"`
	Amount        int64     `json:"amount"` // minor units
	Currency      string    `json:"currency"`
	DueDate       time.Time `json:"due_date"`
	CoverageStart time.Time `json:"coverage_start"`
	CoverageEnd   time.Time `json:"coverage_end"`
	PaymentMethod string    `json:"payment_method"`
	BatchID       string    `json:"batch_id,omitempty"`
}

// Claimed reports whether the invoice belongs to a batch.
func (i Invoice) Claimed() bool { return i.BatchID != "" }

// Transaction is one collection line of a batch.
type Transaction struct {
	InvoiceID    string       `json:"invoice_id"`
	MandateID    string       `json:"mandate_id"`
	PayerID      string       `json:"payer_id"`
	SequenceType SequenceType `json:"sequence_type"`
	Amount       int64        `json:"amount"`
	Currency     string       `json:"currency"`
}

// Batch is a dated collection batch for one scheduling window.
type Batch struct {
	ID             string        `json:"id"`
	WindowKey      string        `json:"window"`
	CreationDate   time.Time     `json:"creation_date"`
	SettlementDate time.Time     `json:"settlement_date"`
	Status         BatchStatus   `json:"status"`
	RejectReason   string        `json:"reject_reason,omitempty"`
	OpenedAt       time.Time     `json:"opened_at"`
	Transactions   []Transaction `json:"transactions"`

	// Notes holds advisory findings raised while assembling. They are handed
	// to the validator in-process and are not persisted.
	Notes []Issue `json:"-"`
}

// Totals sums transaction amounts per currency.
func (b Batch) Totals() map[string]int64 {
	out := make(map[string]int64)
	for _, tx := range b.Transactions {
		out[tx.Currency] += tx.Amount
	}
	return out
}

// Release is the outcome of discarding an Assembling batch.
type Release struct {
	Batch  Batch `json:"batch"`
	Claims int   `json:"claims_released"`
	Usages int   `json:"usages_removed"`
}
