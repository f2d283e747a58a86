package domain

import "fmt"

// Severity classifies a validation finding.
type Severity string

const (
	Fatal    Severity = "Fatal"
	Advisory Severity = "Advisory"
)

// IssueKind names the check that produced a finding.
type IssueKind string

const (
	KindCoverageGap      IssueKind = "CoverageGap"
	KindSequenceConflict IssueKind = "SequenceConflict"
	KindMandateNotActive IssueKind = "MandateNotActive"
	KindUnknownMandate   IssueKind = "UnknownMandate"
	KindInvalidAmount    IssueKind = "InvalidAmount"
	KindMixedCurrency    IssueKind = "MixedCurrency"
	KindDuplicateInvoice IssueKind = "DuplicateInvoice"
	KindClaimSkipped     IssueKind = "ClaimSkipped"
	KindNoActiveMandate  IssueKind = "NoActiveMandate"
	KindMandateAging     IssueKind = "MandateAging"
	KindMandateDormant   IssueKind = "MandateDormant"
)

// Issue is a single validation finding scoped to an invoice, a mandate, or a payer.
type Issue struct {
	InvoiceID string    `json:"invoice_id,omitempty"`
	MandateID string    `json:"mandate_id,omitempty"`
	PayerID   string    `json:"payer_id,omitempty"`
	Kind      IssueKind `json:"kind"`
	Severity  Severity  `json:"severity"`
	Message   string    `json:"message"`
}

// Report groups the findings of one validation pass.
type Report struct {
	BatchID  string  `json:"batch_id"`
	Fatal    []Issue `json:"fatal_issues"`
	Advisory []Issue `json:"advisory_issues"`
	// Excluded lists payers whose schedules were left out for a coverage gap.
	Excluded []string `json:"excluded_schedules"`
}

// Add files the issue under its severity.
func (r *Report) Add(issue Issue) {
	if issue.Severity == Fatal {
		r.Fatal = append(r.Fatal, issue)
		return
	}
	r.Advisory = append(r.Advisory, issue)
}

// HasFatal reports whether the batch must be rejected.
func (r Report) HasFatal() bool { return len(r.Fatal) > 0 }

// Err summarises fatal findings as an error wrapping ErrSequenceConflict, or nil.
func (r Report) Err() error {
	if !r.HasFatal() {
		return nil
	}
	first := r.Fatal[0]
	if len(r.Fatal) == 1 {
		return fmt.Errorf("%w: %s", ErrSequenceConflict, first.Message)
	}
	return fmt.Errorf("%w: %s (and %d more)", ErrSequenceConflict, first.Message, len(r.Fatal)-1)
}
