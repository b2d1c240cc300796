package billing

import (
	"fmt"
	"strings"

	"github.com/samber/lo"
)

type Status string

const (
	StatusDraft  Status = "DRAFT"
	StatusIssued Status = "ISSUED"
	StatusPaid   Status = "PAID"
	StatusVoid   Status = "VOID"
)

// allowedTransitions is the whole lifecycle. PAID may be reopened to ISSUED, which
// clears paidAt but leaves payments untouched. VOID has no way out.
var allowedTransitions = map[Status][]Status{
	StatusDraft:  {StatusIssued},
	StatusIssued: {StatusPaid, StatusVoid},
	StatusPaid:   {StatusIssued},
	StatusVoid:   {},
}

func ParseStatus(raw string) (Status, error) {
	status := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !status.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownStatus, raw)
	}
	return status, nil
}

func (s Status) Valid() bool {
	_, ok := allowedTransitions[s]
	return ok
}

func CanTransition(from Status, to Status) bool {
	return lo.Contains(allowedTransitions[from], to)
}

// acceptsPayments reports whether money may be recorded against an invoice in s.
func (s Status) acceptsPayments() bool {
	return s == StatusIssued || s == StatusPaid
}

type PaymentMethod string

const (
	MethodCash      PaymentMethod = "cash"
	MethodCard      PaymentMethod = "card"
	MethodTransfer  PaymentMethod = "transfer"
	MethodEWallet   PaymentMethod = "ewallet"
	MethodInsurance PaymentMethod = "insurance"
)

var paymentMethods = []PaymentMethod{MethodCash, MethodCard, MethodTransfer, MethodEWallet, MethodInsurance}

func ParsePaymentMethod(raw string) (PaymentMethod, error) {
	method := PaymentMethod(strings.ToLower(strings.TrimSpace(raw)))
	if !lo.Contains(paymentMethods, method) {
		return "", fmt.Errorf("%w: %q", ErrUnknownPaymentMethod, raw)
	}
	return method, nil
}
