package postgres

import (
	"context"
	"fmt"
)

// schema is applied in order and every statement is idempotent.
var schema = []string{
	`CREATE TABLE IF NOT EXISTS app_users (
		username TEXT PRIMARY KEY,
		password TEXT NOT NULL,
		role TEXT NOT NULL,
		clinic_id TEXT NOT NULL,
		active BOOLEAN NOT NULL DEFAULT true,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE TABLE IF NOT EXISTS clients (
		id TEXT PRIMARY KEY,
		clinic_id TEXT NOT NULL,
		name TEXT NOT NULL,
		walk_in BOOLEAN NOT NULL DEFAULT false,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	);`,
	`CREATE UNIQUE INDEX IF NOT EXISTS clients_one_walk_in_per_clinic
		ON clients (clinic_id) WHERE walk_in;`,
	`CREATE TABLE IF NOT EXISTS invoices (
		id TEXT PRIMARY KEY,
		clinic_id TEXT NOT NULL,
		client_id TEXT NOT NULL REFERENCES clients(id),
		status TEXT NOT NULL CHECK (status IN ('DRAFT', 'ISSUED', 'PAID', 'VOID')),
		subtotal NUMERIC(14,2) NOT NULL CHECK (subtotal >= 0),
		tax NUMERIC(14,2) NOT NULL CHECK (tax >= 0),
		discount NUMERIC(14,2) NOT NULL CHECK (discount >= 0),
		total NUMERIC(14,2) NOT NULL CHECK (total >= 0),
		issued_at TIMESTAMPTZ,
		paid_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS invoices_clinic_status_idx ON invoices (clinic_id, status, created_at DESC);`,
	`CREATE TABLE IF NOT EXISTS invoice_line_items (
		invoice_id TEXT NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
		position INTEGER NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		quantity NUMERIC NOT NULL CHECK (quantity >= 0),
		unit_price NUMERIC NOT NULL CHECK (unit_price >= 0),
		tax_rate NUMERIC NOT NULL CHECK (tax_rate >= 0 AND tax_rate <= 100),
		PRIMARY KEY (invoice_id, position)
	);`,
	`CREATE TABLE IF NOT EXISTS payments (
		id TEXT PRIMARY KEY,
		seq BIGSERIAL NOT NULL,
		invoice_id TEXT NOT NULL REFERENCES invoices(id),
		clinic_id TEXT NOT NULL,
		amount NUMERIC(14,2) NOT NULL CHECK (amount > 0),
		method TEXT NOT NULL,
		reference TEXT,
		paid_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	);`,
	`CREATE INDEX IF NOT EXISTS payments_invoice_idx ON payments (invoice_id, seq);`,
}

func (s *Store) Migrate(ctx context.Context) error {
	for i, stmt := range schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migration step %d: %w", i+1, err)
		}
	}
	return nil
}
