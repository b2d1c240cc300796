package billing

import (
	"time"

	"vetclinic/backend/internal/money"
)

// PaymentSummary is derived from the payments on every read. It is the only
// authority on how much has been paid; paidAt is display data.
type PaymentSummary struct {
	AmountPaid money.Amount `json:"amount_paid"`
	Balance    money.Amount `json:"balance"`
	Covered    bool         `json:"covered"`
}

func Summarize(total money.Amount, payments []Payment) PaymentSummary {
	paid := money.Zero
	for _, p := range payments {
		paid = paid.Add(p.Amount)
	}
	return PaymentSummary{
		AmountPaid: paid,
		Balance:    total.Sub(paid).ClampZero(),
		Covered:    paid.Cmp(total) >= 0,
	}
}

func (inv Invoice) Summary() PaymentSummary {
	return Summarize(inv.Snapshot.Total, inv.Payments)
}

// Settle promotes an ISSUED invoice to PAID once its payments cover the total. paidAt
// becomes the time of the latest payment, or now when the total is zero.
func (inv *Invoice) Settle(now time.Time) error {
	if inv.Status != StatusIssued {
		return &TransitionError{From: inv.Status, To: StatusPaid}
	}
	if !inv.Summary().Covered {
		return &StateError{Op: "settle an unpaid", Status: inv.Status}
	}

	var latest *time.Time
	for i := range inv.Payments {
		if latest == nil || inv.Payments[i].PaidAt.After(*latest) {
			latest = &inv.Payments[i].PaidAt
		}
	}
	inv.PaidAt = nil
	if latest != nil {
		paidAt := *latest
		inv.PaidAt = &paidAt
	}
	return inv.SetStatus(StatusPaid, now)
}

// Verify re-derives the snapshot from the stored line items and discount.
func (inv Invoice) Verify() (Snapshot, error) {
	computed, err := ComputeTotals(inv.LineItems, inv.Discount)
	if err != nil {
		return Snapshot{}, err
	}

	var fields []string
	if !computed.Subtotal.Equal(inv.Snapshot.Subtotal) {
		fields = append(fields, "subtotal")
	}
	if !computed.Tax.Equal(inv.Snapshot.Tax) {
		fields = append(fields, "tax")
	}
	if !computed.Discount.Equal(inv.Snapshot.Discount) {
		fields = append(fields, "discount")
	}
	if !computed.Total.Equal(inv.Snapshot.Total) {
		fields = append(fields, "total")
	}
	if len(fields) > 0 {
		return computed, &MismatchError{Stored: inv.Snapshot, Computed: computed, Fields: fields}
	}
	return computed, nil
}
