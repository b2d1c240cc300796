package postgres

import (
	"context"
	"database/sql"
	"errors"
	"slices"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"vetclinic/backend/internal/billing"
	"vetclinic/backend/internal/money"
	"vetclinic/backend/internal/store"
)

type invoiceRow struct {
	ID        string       `db:"id"`
	ClinicID  string       `db:"clinic_id"`
	ClientID  string       `db:"client_id"`
	Status    string       `db:"status"`
	Subtotal  money.Amount `db:"subtotal"`
	Tax       money.Amount `db:"tax"`
	Discount  money.Amount `db:"discount"`
	Total     money.Amount `db:"total"`
	IssuedAt  *time.Time   `db:"issued_at"`
	PaidAt    *time.Time   `db:"paid_at"`
	CreatedAt time.Time    `db:"created_at"`
	UpdatedAt time.Time    `db:"updated_at"`
}

func (r invoiceRow) toInvoice() billing.Invoice {
	return billing.Invoice{
		ID:       r.ID,
		ClinicID: r.ClinicID,
		ClientID: r.ClientID,
		Discount: r.Discount,
		Snapshot: billing.Snapshot{
			Subtotal: r.Subtotal,
			Tax:      r.Tax,
			Discount: r.Discount,
			Total:    r.Total,
		},
		Status:    billing.Status(r.Status),
		IssuedAt:  utcPtr(r.IssuedAt),
		PaidAt:    utcPtr(r.PaidAt),
		LineItems: []billing.LineItem{},
		Payments:  []billing.Payment{},
		CreatedAt: r.CreatedAt.UTC(),
		UpdatedAt: r.UpdatedAt.UTC(),
	}
}

type lineItemRow struct {
	Description string          `db:"description"`
	Quantity    decimal.Decimal `db:"quantity"`
	UnitPrice   money.Amount    `db:"unit_price"`
	TaxRate     decimal.Decimal `db:"tax_rate"`
}

type paymentRow struct {
	ID        string         `db:"id"`
	InvoiceID string         `db:"invoice_id"`
	ClinicID  string         `db:"clinic_id"`
	Amount    money.Amount   `db:"amount"`
	Method    string         `db:"method"`
	Reference sql.NullString `db:"reference"`
	PaidAt    time.Time      `db:"paid_at"`
	CreatedAt time.Time      `db:"created_at"`
}

func (r paymentRow) toPayment() billing.Payment {
	return billing.Payment{
		ID:        r.ID,
		InvoiceID: r.InvoiceID,
		ClinicID:  r.ClinicID,
		Amount:    r.Amount,
		Method:    billing.PaymentMethod(r.Method),
		Reference: r.Reference.String,
		PaidAt:    r.PaidAt.UTC(),
		CreatedAt: r.CreatedAt.UTC(),
	}
}

const invoiceColumns = `id, clinic_id, client_id, status, subtotal, tax, discount, total, issued_at, paid_at, created_at, updated_at`

func (s *Store) CreateInvoice(ctx context.Context, inv billing.Invoice) (*billing.Invoice, error) {
	tx, err := s.db.BeginTxx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO invoices (`+invoiceColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, inv.ID, inv.ClinicID, inv.ClientID, inv.Status,
		inv.Snapshot.Subtotal, inv.Snapshot.Tax, inv.Snapshot.Discount, inv.Snapshot.Total,
		nullTime(inv.IssuedAt), nullTime(inv.PaidAt), inv.CreatedAt.UTC(), inv.UpdatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	if err := insertLineItems(ctx, tx, inv.ID, inv.LineItems); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}

	created := inv.Clone()
	return &created, nil
}

func (s *Store) GetInvoice(ctx context.Context, clinicID string, id string) (*billing.Invoice, error) {
	tx, err := s.beginSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	inv, err := loadInvoice(ctx, tx, clinicID, id, "")
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return inv, nil
}

func (s *Store) ListInvoices(ctx context.Context, clinicID string, status billing.Status, limit int) ([]billing.Invoice, error) {
	if limit < 1 {
		limit = 50
	}

	tx, err := s.beginSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var rows []invoiceRow
	err = tx.SelectContext(ctx, &rows, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE clinic_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id ASC
		LIMIT $3
	`, clinicID, string(status), limit)
	if err != nil {
		return nil, err
	}

	invoices := make([]billing.Invoice, 0, len(rows))
	for _, row := range rows {
		inv := row.toInvoice()
		if err := loadChildren(ctx, tx, &inv); err != nil {
			return nil, err
		}
		invoices = append(invoices, inv)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return invoices, nil
}

// MutateInvoice re-reads the invoice under FOR UPDATE before fn decides anything, so
// a transition that lost a race sees the winner's status.
func (s *Store) MutateInvoice(ctx context.Context, clinicID string, id string, fn store.InvoiceMutation) (*billing.Invoice, error) {
	tx, err := s.beginLocking(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := loadInvoice(ctx, tx, clinicID, id, "FOR UPDATE")
	if err != nil {
		return nil, err
	}
	working := current.Clone()
	if err := fn(&working); err != nil {
		return nil, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE invoices
		SET client_id = $3, status = $4, subtotal = $5, tax = $6, discount = $7, total = $8,
			issued_at = $9, paid_at = $10, updated_at = $11
		WHERE id = $1 AND clinic_id = $2
	`, current.ID, current.ClinicID, working.ClientID, working.Status,
		working.Snapshot.Subtotal, working.Snapshot.Tax, working.Snapshot.Discount, working.Snapshot.Total,
		nullTime(working.IssuedAt), nullTime(working.PaidAt), working.UpdatedAt.UTC())
	if err != nil {
		return nil, err
	}

	if !slices.EqualFunc(current.LineItems, working.LineItems, sameLineItem) {
		if _, err := tx.ExecContext(ctx, `DELETE FROM invoice_line_items WHERE invoice_id = $1`, current.ID); err != nil {
			return nil, err
		}
		if err := insertLineItems(ctx, tx, current.ID, working.LineItems); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	working.ID, working.ClinicID = current.ID, current.ClinicID
	working.Payments = current.Payments
	return &working, nil
}

func (s *Store) DeleteInvoice(ctx context.Context, clinicID string, id string, guard func(billing.Invoice) error) error {
	tx, err := s.beginLocking(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := loadInvoice(ctx, tx, clinicID, id, "FOR UPDATE")
	if err != nil {
		return err
	}
	if guard != nil {
		if err := guard(*current); err != nil {
			return err
		}
	}
	// The payments FK rejects the delete if a payment slipped in.
	if _, err := tx.ExecContext(ctx, `DELETE FROM invoices WHERE id = $1 AND clinic_id = $2`, id, clinicID); err != nil {
		return err
	}
	return tx.Commit()
}

// AppendPayment takes a shared lock on the invoice row: appends run side by side,
// but a status change holding FOR UPDATE waits for them and vice versa.
func (s *Store) AppendPayment(ctx context.Context, clinicID string, invoiceID string, fn store.PaymentAppend) (*billing.Payment, error) {
	tx, err := s.beginLocking(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	current, err := loadInvoice(ctx, tx, clinicID, invoiceID, "FOR SHARE")
	if err != nil {
		return nil, err
	}
	payment, err := fn(current)
	if err != nil {
		return nil, err
	}
	payment.InvoiceID = current.ID
	payment.ClinicID = current.ClinicID

	_, err = tx.ExecContext(ctx, `
		INSERT INTO payments (id, invoice_id, clinic_id, amount, method, reference, paid_at, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, payment.ID, payment.InvoiceID, payment.ClinicID, payment.Amount, string(payment.Method),
		nullIfEmpty(payment.Reference), payment.PaidAt.UTC(), payment.CreatedAt.UTC())
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return &payment, nil
}

func (s *Store) ListPayments(ctx context.Context, clinicID string, invoiceID string) ([]billing.Payment, error) {
	inv, err := s.GetInvoice(ctx, clinicID, invoiceID)
	if err != nil {
		return nil, err
	}
	return inv.Payments, nil
}

// loadInvoice reads the invoice row with the given lock clause plus its lines and
// payments, all through q so they share one transaction.
func loadInvoice(ctx context.Context, q sqlx.QueryerContext, clinicID string, id string, lock string) (*billing.Invoice, error) {
	var row invoiceRow
	err := sqlx.GetContext(ctx, q, &row, `
		SELECT `+invoiceColumns+`
		FROM invoices
		WHERE id = $1 AND clinic_id = $2
		`+lock, id, clinicID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}

	inv := row.toInvoice()
	if err := loadChildren(ctx, q, &inv); err != nil {
		return nil, err
	}
	return &inv, nil
}

func loadChildren(ctx context.Context, q sqlx.QueryerContext, inv *billing.Invoice) error {
	var lines []lineItemRow
	if err := sqlx.SelectContext(ctx, q, &lines, `
		SELECT description, quantity, unit_price, tax_rate
		FROM invoice_line_items
		WHERE invoice_id = $1
		ORDER BY position ASC
	`, inv.ID); err != nil {
		return err
	}
	for _, line := range lines {
		inv.LineItems = append(inv.LineItems, billing.LineItem{
			Description: line.Description,
			Quantity:    line.Quantity,
			UnitPrice:   line.UnitPrice,
			TaxRate:     line.TaxRate,
		})
	}

	var payments []paymentRow
	if err := sqlx.SelectContext(ctx, q, &payments, `
		SELECT id, invoice_id, clinic_id, amount, method, reference, paid_at, created_at
		FROM payments
		WHERE invoice_id = $1
		ORDER BY seq ASC
	`, inv.ID); err != nil {
		return err
	}
	for _, p := range payments {
		inv.Payments = append(inv.Payments, p.toPayment())
	}
	return nil
}

func insertLineItems(ctx context.Context, tx *sqlx.Tx, invoiceID string, items []billing.LineItem) error {
	for i, item := range items {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO invoice_line_items (invoice_id, position, description, quantity, unit_price, tax_rate)
			VALUES ($1,$2,$3,$4,$5,$6)
		`, invoiceID, i, item.Description, item.Quantity, item.UnitPrice, item.TaxRate)
		if err != nil {
			return err
		}
	}
	return nil
}

func sameLineItem(a, b billing.LineItem) bool {
	return a.Description == b.Description &&
		a.Quantity.Equal(b.Quantity) &&
		a.UnitPrice.Equal(b.UnitPrice) &&
		a.TaxRate.Equal(b.TaxRate)
}
