package billing

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidMonetaryInput is returned for malformed or out-of-range numeric input.
	// The caller has to correct the input; retrying as-is never helps.
	ErrInvalidMonetaryInput = errors.New("invalid monetary input")

	// ErrInvalidTransition is returned when the status table does not allow the change.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidInvoiceState is returned when an operation is not permitted in the
	// invoice's current status.
	ErrInvalidInvoiceState = errors.New("operation not permitted in current invoice state")

	// ErrEmptyInvoice prevents issuing an invoice with no line items.
	ErrEmptyInvoice = errors.New("invoice has no line items")

	// ErrUnknownStatus is returned when a status value is not a recognized member.
	ErrUnknownStatus = errors.New("unknown invoice status")

	// ErrUnknownPaymentMethod is returned for a payment method outside the enumeration.
	ErrUnknownPaymentMethod = errors.New("unknown payment method")

	// ErrSnapshotMismatch is returned by Verify when the stored snapshot cannot be
	// re-derived from the stored line items and discount.
	ErrSnapshotMismatch = errors.New("stored snapshot does not match line items")
)

// InputError names the field that failed validation.
type InputError struct {
	Field  string
	Value  string
	Reason string
}

func (e *InputError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("%s: %s %s", ErrInvalidMonetaryInput, e.Field, e.Reason)
	}
	return fmt.Sprintf("%s: %s %s (value: %s)", ErrInvalidMonetaryInput, e.Field, e.Reason, e.Value)
}

func (e *InputError) Is(target error) bool {
	return target == ErrInvalidMonetaryInput
}

func inputError(field string, value fmt.Stringer, reason string) *InputError {
	e := &InputError{Field: field, Reason: reason}
	if value != nil {
		e.Value = value.String()
	}
	return e
}

// TransitionError carries both ends of a rejected status change.
type TransitionError struct {
	From Status
	To   Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s: %s -> %s", ErrInvalidTransition, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// StateError reports the operation that was refused and the status that refused it.
type StateError struct {
	Op     string
	Status Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: cannot %s a %s invoice", ErrInvalidInvoiceState, e.Op, e.Status)
}

func (e *StateError) Is(target error) bool {
	return target == ErrInvalidInvoiceState
}

// MismatchError lists every snapshot component that differs from its recomputed value.
type MismatchError struct {
	Stored   Snapshot
	Computed Snapshot
	Fields   []string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("%s: %s", ErrSnapshotMismatch, strings.Join(e.Fields, ", "))
}

func (e *MismatchError) Is(target error) bool {
	return target == ErrSnapshotMismatch
}
