// Package coverage checks that each billing schedule's expected period is
// covered by an unpaid invoice before a collection run.
package coverage

import (
	"fmt"
	"sort"
	"time"

	"incasso.org/internal/domain"
)

// tolerances in days around a schedule's anchor date.
var tolerances = map[domain.Frequency]int{
	domain.Daily:     0,
	domain.Weekly:    1,
	domain.Monthly:   3,
	domain.Quarterly: 7,
	domain.Annual:    2,
}

// Tolerance returns the allowed drift for a frequency. ok is false for
// frequencies the verifier does not know.
func Tolerance(f domain.Frequency) (days int, ok bool) {
	days, ok = tolerances[f]
	return days, ok
}

// Window is an inclusive date range.
type Window struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether d falls inside the window.
func (w Window) Contains(d time.Time) bool {
	d = domain.Civil(d)
	return !d.Before(w.From) && !d.After(w.To)
}

// Intersects reports whether [start, end] overlaps the window. An interval
// ending before it starts never overlaps.
func (w Window) Intersects(start, end time.Time) bool {
	start, end = domain.Civil(start), domain.Civil(end)
	if end.Before(start) {
		return false
	}
	return !start.After(w.To) && !end.Before(w.From)
}

// WindowFor returns the tolerance window around the schedule's anchor.
func WindowFor(s domain.BillingSchedule) (Window, bool) {
	tol, ok := Tolerance(s.Frequency)
	if !ok {
		return Window{}, false
	}
	return Window{
		From: domain.AddDays(s.AnchorDate, -tol),
		To:   domain.AddDays(s.AnchorDate, tol),
	}, true
}

// Result is the outcome of verifying one schedule.
type Result struct {
	PayerID   string           `json:"payer_id"`
	Frequency domain.Frequency `json:"frequency"`
	Anchor    time.Time        `json:"anchor"`
	Window    Window           `json:"window"`
	Covered   bool             `json:"covered"`
	InvoiceID string           `json:"invoice_id,omitempty"`
	// Skipped is set when the schedule was not checked: unknown frequency,
	// or a window that has not opened by the as-of date.
	Skipped bool   `json:"skipped,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

// Gap reports whether the schedule was checked and found uncovered.
func (r Result) Gap() bool { return !r.Skipped && !r.Covered }

// Err returns an error wrapping domain.ErrCoverageGap for a gap, or nil.
func (r Result) Err() error {
	if !r.Gap() {
		return nil
	}
	return fmt.Errorf("%w: payer %s has no invoice covering %s (%s to %s)", domain.ErrCoverageGap,
		r.PayerID, r.Anchor.Format(time.DateOnly), r.Window.From.Format(time.DateOnly), r.Window.To.Format(time.DateOnly))
}

// Issue converts a gap into an advisory finding.
func (r Result) Issue() domain.Issue {
	return domain.Issue{
		PayerID:  r.PayerID,
		Kind:     domain.KindCoverageGap,
		Severity: domain.Advisory,
		Message:  r.Err().Error(),
	}
}

// Verify checks whether any candidate invoice of the schedule's payer covers
// the schedule's anchor within tolerance. It only compares; nothing is changed.
func Verify(s domain.BillingSchedule, candidates []domain.Invoice, asOf time.Time) Result {
	res := Result{PayerID: s.PayerID, Frequency: s.Frequency, Anchor: domain.Civil(s.AnchorDate)}
	w, ok := WindowFor(s)
	if !ok {
		res.Skipped = true
		res.Reason = fmt.Sprintf("unsupported frequency %q", s.Frequency)
		return res
	}
	res.Window = w
	if w.From.After(domain.Civil(asOf)) {
		res.Skipped = true
		res.Reason = "period not started"
		return res
	}
	for _, inv := range candidates {
		if inv.PayerID != s.PayerID {
			continue
		}
		if w.Intersects(inv.CoverageStart, inv.CoverageEnd) {
			res.Covered = true
			res.InvoiceID = inv.ID
			return res
		}
	}
	return res
}

// VerifyAll verifies every schedule against the invoice pool, ordered by payer.
func VerifyAll(schedules []domain.BillingSchedule, invoices []domain.Invoice, asOf time.Time) []Result {
	byPayer := make(map[string][]domain.Invoice)
	for _, inv := range invoices {
		byPayer[inv.PayerID] = append(byPayer[inv.PayerID], inv)
	}
	out := make([]Result, 0, len(schedules))
	for _, s := range schedules {
		out = append(out, Verify(s, byPayer[s.PayerID], asOf))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].PayerID < out[j].PayerID })
	return out
}

// Gaps returns the payers with at least one uncovered schedule.
func Gaps(results []Result) map[string]struct{} {
	out := make(map[string]struct{})
	for _, r := range results {
		if r.Gap() {
			out[r.PayerID] = struct{}{}
		}
	}
	return out
}
