package billing

import (
	"time"

	"vetclinic/backend/internal/money"
)

// Invoice is owned by exactly one clinic. The lifecycle methods below are pure: they
// take the clock as an argument and never touch storage.
type Invoice struct {
	ID        string       `json:"id"`
	ClinicID  string       `json:"clinic_id"`
	ClientID  string       `json:"client_id"`
	LineItems []LineItem   `json:"line_items"`
	Discount  money.Amount `json:"discount"`
	Snapshot  Snapshot     `json:"snapshot"`
	Status    Status       `json:"status"`
	IssuedAt  *time.Time   `json:"issued_at,omitempty"`
	PaidAt    *time.Time   `json:"paid_at"`
	Payments  []Payment    `json:"payments"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

type Payment struct {
	ID        string        `json:"id"`
	InvoiceID string        `json:"invoice_id"`
	ClinicID  string        `json:"clinic_id"`
	Amount    money.Amount  `json:"amount"`
	Method    PaymentMethod `json:"method"`
	Reference string        `json:"reference,omitempty"`
	PaidAt    time.Time     `json:"paid_at"`
	CreatedAt time.Time     `json:"created_at"`
}

// PaymentInput is a validated payment request.
type PaymentInput struct {
	Amount    money.Amount
	Method    PaymentMethod
	Reference string
	PaidAt    *time.Time
}

func NewPaymentInput(amount money.Amount, method string, reference string, paidAt *time.Time) (PaymentInput, error) {
	if err := checkAmountBounds("amount", amount, MaxInputScale); err != nil {
		return PaymentInput{}, err
	}
	if !amount.IsPositive() {
		return PaymentInput{}, inputError("amount", amount.Decimal(), "must be positive")
	}
	if !amount.Equal(amount.Round()) {
		return PaymentInput{}, inputError("amount", amount.Decimal(), "must have at most 2 decimal places")
	}
	parsed, err := ParsePaymentMethod(method)
	if err != nil {
		return PaymentInput{}, err
	}
	return PaymentInput{Amount: amount, Method: parsed, Reference: reference, PaidAt: paidAt}, nil
}

// NewInvoice builds a DRAFT invoice with its snapshot computed from items.
func NewInvoice(id string, clinicID string, clientID string, items []LineItem, discount money.Amount, now time.Time) (Invoice, error) {
	snap, err := ComputeTotals(items, discount)
	if err != nil {
		return Invoice{}, err
	}
	return Invoice{
		ID:        id,
		ClinicID:  clinicID,
		ClientID:  clientID,
		LineItems: cloneLineItems(items),
		Discount:  snap.Discount,
		Snapshot:  snap,
		Status:    StatusDraft,
		Payments:  []Payment{},
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// ReplaceLineItems swaps the billable lines and discount, recomputing the snapshot.
// Lines are pinned once the invoice is issued.
func (inv *Invoice) ReplaceLineItems(items []LineItem, discount money.Amount, now time.Time) (Snapshot, error) {
	if inv.Status != StatusDraft {
		return Snapshot{}, &StateError{Op: "edit line items of", Status: inv.Status}
	}
	snap, err := ComputeTotals(items, discount)
	if err != nil {
		return Snapshot{}, err
	}
	inv.LineItems = cloneLineItems(items)
	inv.Discount = snap.Discount
	inv.Snapshot = snap
	inv.UpdatedAt = now
	return snap, nil
}

// Issue moves a DRAFT invoice with at least one line to ISSUED, pinning the totals.
func (inv *Invoice) Issue(now time.Time) error {
	if inv.Status != StatusDraft {
		return &TransitionError{From: inv.Status, To: StatusIssued}
	}
	if len(inv.LineItems) == 0 {
		return ErrEmptyInvoice
	}
	snap, err := ComputeTotals(inv.LineItems, inv.Discount)
	if err != nil {
		return err
	}
	inv.Snapshot = snap
	inv.Status = StatusIssued
	issuedAt := now
	inv.IssuedAt = &issuedAt
	inv.UpdatedAt = now
	return nil
}

// SetStatus applies a requested transition. Entering PAID stamps paidAt if it is not
// already set; any other target clears it. Payments are never touched.
func (inv *Invoice) SetStatus(to Status, now time.Time) error {
	if !to.Valid() {
		return ErrUnknownStatus
	}
	if inv.Status == StatusDraft && to == StatusIssued {
		return inv.Issue(now)
	}
	if !CanTransition(inv.Status, to) {
		return &TransitionError{From: inv.Status, To: to}
	}

	inv.Status = to
	if to == StatusPaid {
		if inv.PaidAt == nil {
			paidAt := now
			inv.PaidAt = &paidAt
		}
	} else {
		inv.PaidAt = nil
	}
	inv.UpdatedAt = now
	return nil
}

// RecordPayment appends a payment. It never changes the invoice status.
func (inv *Invoice) RecordPayment(id string, in PaymentInput, now time.Time) (Payment, error) {
	if !inv.Status.acceptsPayments() {
		return Payment{}, &StateError{Op: "record a payment on", Status: inv.Status}
	}
	if !in.Amount.IsPositive() {
		return Payment{}, inputError("amount", in.Amount.Decimal(), "must be positive")
	}

	paidAt := now
	if in.PaidAt != nil {
		paidAt = in.PaidAt.UTC()
	}
	payment := Payment{
		ID:        id,
		InvoiceID: inv.ID,
		ClinicID:  inv.ClinicID,
		Amount:    in.Amount,
		Method:    in.Method,
		Reference: in.Reference,
		PaidAt:    paidAt,
		CreatedAt: now,
	}
	inv.Payments = append(inv.Payments, payment)
	return payment, nil
}

// Deletable reports whether the invoice may be removed from storage.
func (inv Invoice) Deletable() error {
	if len(inv.Payments) > 0 || inv.Status != StatusDraft {
		return &StateError{Op: "delete", Status: inv.Status}
	}
	return nil
}

func cloneLineItems(items []LineItem) []LineItem {
	out := make([]LineItem, len(items))
	copy(out, items)
	return out
}

// Clone returns a deep copy safe to hand across goroutines.
func (inv Invoice) Clone() Invoice {
	dup := inv
	dup.LineItems = cloneLineItems(inv.LineItems)
	dup.Payments = make([]Payment, len(inv.Payments))
	copy(dup.Payments, inv.Payments)
	if inv.IssuedAt != nil {
		issuedAt := *inv.IssuedAt
		dup.IssuedAt = &issuedAt
	}
	if inv.PaidAt != nil {
		paidAt := *inv.PaidAt
		dup.PaidAt = &paidAt
	}
	return dup
}
