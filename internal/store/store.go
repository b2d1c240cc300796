package store

import (
	"context"
	"errors"
	"net"
	"syscall"

	"github.com/jackc/pgx/v5/pgconn"

	"vetclinic/backend/internal/billing"
	"vetclinic/backend/internal/domain"
)

var (
	// ErrNotFound covers both absent rows and rows owned by another clinic.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique constraint rejects an insert.
	ErrConflict = errors.New("conflict")
)

// InvoiceMutation receives the locked invoice and edits it in place. Returning an
// error aborts the write.
type InvoiceMutation func(inv *billing.Invoice) error

// PaymentAppend decides on the payment to insert given the current invoice.
type PaymentAppend func(inv *billing.Invoice) (billing.Payment, error)

type Repository interface {
	CreateInvoice(ctx context.Context, inv billing.Invoice) (*billing.Invoice, error)
	GetInvoice(ctx context.Context, clinicID string, id string) (*billing.Invoice, error)
	ListInvoices(ctx context.Context, clinicID string, status billing.Status, limit int) ([]billing.Invoice, error)
	// MutateInvoice reads and locks the invoice, applies fn and persists the result
	// atomically. Concurrent mutations of one invoice are serialized.
	MutateInvoice(ctx context.Context, clinicID string, id string, fn InvoiceMutation) (*billing.Invoice, error)
	// DeleteInvoice removes the invoice when guard accepts its locked state.
	DeleteInvoice(ctx context.Context, clinicID string, id string, guard func(billing.Invoice) error) error
	// AppendPayment inserts one payment. Appends do not exclude each other but do
	// exclude a concurrent MutateInvoice on the same invoice.
	AppendPayment(ctx context.Context, clinicID string, invoiceID string, fn PaymentAppend) (*billing.Payment, error)
	ListPayments(ctx context.Context, clinicID string, invoiceID string) ([]billing.Payment, error)

	CreateClient(ctx context.Context, client domain.Client) (*domain.Client, error)
	GetClient(ctx context.Context, clinicID string, id string) (*domain.Client, error)
	FindWalkInClient(ctx context.Context, clinicID string) (*domain.Client, error)

	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context, clinicID string) ([]domain.UserAccount, error)
	GetUser(ctx context.Context, username string) (*domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

// IsAborted reports whether postgres rolled the transaction back on its own:
// serialization failure, deadlock or lock timeout. Nothing was committed, so even a
// write may be replayed.
func IsAborted(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	switch pgErr.Code {
	case "40001", "40P01", "55P03":
		return true
	}
	return false
}

// IsTransient reports whether err is a storage failure worth retrying for a read:
// an aborted transaction or a network-level timeout or refusal. Writes must use
// IsAborted instead, since a network error may hide a commit.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if IsAborted(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET)
}
