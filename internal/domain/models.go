package domain

import (
	"time"

	"github.com/shopspring/decimal"

	"vetclinic/backend/internal/billing"
	"vetclinic/backend/internal/money"
)

const (
	RoleAdmin        = "admin"
	RoleReceptionist = "receptionist"
	RoleVet          = "vet"

	WalkInClientName = "Walk-in Client"
)

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginResponse struct {
	AccessToken string `json:"access_token"`
	Role        string `json:"role"`
	ClinicID    string `json:"clinic_id"`
	ExpiresAt   string `json:"expires_at"`
}

// Actor is the authenticated caller. ClinicID scopes every billing call it makes.
type Actor struct {
	Username string
	Role     string
	ClinicID string
}

type UserAccount struct {
	Username  string
	Password  string
	Role      string
	ClinicID  string
	Active    bool
	CreatedAt time.Time
}

type StaffCreateRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Role     string `json:"role"`
}

type StaffUser struct {
	Username  string    `json:"username"`
	Role      string    `json:"role"`
	ClinicID  string    `json:"clinic_id"`
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

type Client struct {
	ID        string    `json:"id"`
	ClinicID  string    `json:"clinic_id"`
	Name      string    `json:"name"`
	WalkIn    bool      `json:"walk_in"`
	CreatedAt time.Time `json:"created_at"`
}

type LineItemInput struct {
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   money.Amount    `json:"unit_price"`
	TaxRate     decimal.Decimal `json:"tax_rate"`
}

type TotalsRequest struct {
	LineItems []LineItemInput `json:"line_items"`
	Discount  money.Amount    `json:"discount"`
}

// Items converts the request lines without validating them.
func (r TotalsRequest) Items() []billing.LineItem {
	items := make([]billing.LineItem, 0, len(r.LineItems))
	for _, in := range r.LineItems {
		items = append(items, billing.LineItem{
			Description: in.Description,
			Quantity:    in.Quantity,
			UnitPrice:   in.UnitPrice,
			TaxRate:     in.TaxRate,
		})
	}
	return items
}

type InvoiceCreateRequest struct {
	ClientID  string          `json:"client_id,omitempty"`
	LineItems []LineItemInput `json:"line_items"`
	Discount  money.Amount    `json:"discount"`
}

func (r InvoiceCreateRequest) Totals() TotalsRequest {
	return TotalsRequest{LineItems: r.LineItems, Discount: r.Discount}
}

type StatusChangeRequest struct {
	Status string `json:"status"`
}

type PaymentRequest struct {
	Amount    money.Amount `json:"amount"`
	Method    string       `json:"method"`
	Reference string       `json:"reference,omitempty"`
	PaidAt    *time.Time   `json:"paid_at,omitempty"`
}

type InvoiceResponse struct {
	Invoice billing.Invoice        `json:"invoice"`
	Summary billing.PaymentSummary `json:"summary"`
}

func NewInvoiceResponse(inv billing.Invoice) InvoiceResponse {
	return InvoiceResponse{Invoice: inv, Summary: inv.Summary()}
}

type InvoiceListResponse struct {
	Invoices []InvoiceResponse `json:"invoices"`
}

type LineItemsResponse struct {
	InvoiceID string           `json:"invoice_id"`
	Snapshot  billing.Snapshot `json:"snapshot"`
}

type PaymentResponse struct {
	Payment billing.Payment        `json:"payment"`
	Summary billing.PaymentSummary `json:"summary"`
}

type PaymentListResponse struct {
	Payments []billing.Payment     `json:"payments"`
	Summary  billing.PaymentSummary `json:"summary"`
}

type VerifyResponse struct {
	InvoiceID  string           `json:"invoice_id"`
	Consistent bool             `json:"consistent"`
	Stored     billing.Snapshot `json:"stored"`
	Computed   billing.Snapshot `json:"computed"`
	Mismatched []string         `json:"mismatched,omitempty"`
}
