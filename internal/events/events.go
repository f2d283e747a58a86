// Package events fans batch outcomes out to in-process subscribers and to
// the message broker.
package events

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"incasso.org/internal/domain"
)

// Routing keys of batch outcome events.
const (
	KeyBatchValidated = "batch.validated"
	KeyBatchRejected  = "batch.rejected"
)

// BatchEvent summarises a batch that reached a terminal status.
type BatchEvent struct {
	BatchID        string             `json:"batch_id"`
	Window         string             `json:"window"`
	Status         domain.BatchStatus `json:"status"`
	CreationDate   string             `json:"creation_date"`
	SettlementDate string             `json:"settlement_date"`
	Transactions   int                `json:"transactions"`
	Totals         []Total            `json:"totals"`
	FatalCount     int                `json:"fatal_count"`
	AdvisoryCount  int                `json:"advisory_count"`
	Reason         string             `json:"reason,omitempty"`
	Timestamp      time.Time          `json:"timestamp"`
}

// Total is the amount collected in one currency, in minor units.
type Total struct {
	Currency string `json:"currency"`
	Amount   int64  `json:"amount"`
}

// RoutingKey returns the broker routing key for the event.
func (e BatchEvent) RoutingKey() string {
	if e.Status == domain.BatchRejected {
		return KeyBatchRejected
	}
	return KeyBatchValidated
}

// NewBatchEvent builds the event for b and its report.
func NewBatchEvent(b domain.Batch, r domain.Report) BatchEvent {
	totals := b.Totals()
	list := make([]Total, 0, len(totals))
	for cur, amt := range totals {
		list = append(list, Total{Currency: cur, Amount: amt})
	}
	sort.Slice(list, func(i, j int) bool { return list[i].Currency < list[j].Currency })
	return BatchEvent{
		BatchID:        b.ID,
		Window:         b.WindowKey,
		Status:         b.Status,
		CreationDate:   b.CreationDate.Format(time.DateOnly),
		SettlementDate: b.SettlementDate.Format(time.DateOnly),
		Transactions:   len(b.Transactions),
		Totals:         list,
		FatalCount:     len(r.Fatal),
		AdvisoryCount:  len(r.Advisory),
		Reason:         b.RejectReason,
		Timestamp:      time.Now().UTC(),
	}
}

// Publisher delivers batch events.
type Publisher interface {
	Publish(ctx context.Context, evt BatchEvent) error
}

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evt BatchEvent) error {
	var errs []error
	for _, p := range m {
		if p == nil {
			continue
		}
		if err := p.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Fallback logs events it cannot deliver anywhere else.
type Fallback struct {
	Logger *slog.Logger
}

func (f Fallback) Publish(ctx context.Context, evt BatchEvent) error {
	if f.Logger != nil {
		f.Logger.WarnContext(ctx, "event publish skipped", "mode", "fallback", "routing_key", evt.RoutingKey(), "batch_id", evt.BatchID)
	}
	return nil
}
