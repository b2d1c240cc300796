package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"vetclinic/backend/internal/billing"
	"vetclinic/backend/internal/domain"
	"vetclinic/backend/internal/logger"
	"vetclinic/backend/internal/service"
	"vetclinic/backend/internal/store/memory"
)

// newTestAPI builds a full API with an in-memory store, real AuthManager and
// real Service so handler tests exercise the complete request path.
func newTestAPI(t *testing.T) (*API, *memory.Store) {
	t.Helper()

	repo := memory.NewSeeded()
	nop := logger.Nop()
	svc := service.New(repo, service.Options{RetryBaseDelay: time.Millisecond, Logger: &nop})
	auth := NewAuthManager("test-secret-key", time.Hour, repo)

	return New(svc, auth, Options{AllowedOrigin: "*", Logger: &nop}), repo
}

// mustHashPassword generates a bcrypt hash of the given password or fails the test.
func mustHashPassword(t *testing.T, plain string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(plain), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt: %v", err)
	}
	return string(hash)
}

func addUser(t *testing.T, repo *memory.Store, username, password, role, clinicID string) {
	t.Helper()
	err := repo.CreateUser(context.Background(), domain.UserAccount{
		Username: username,
		Password: mustHashPassword(t, password),
		Role:     role,
		ClinicID: clinicID,
	})
	if err != nil {
		t.Fatalf("create user %s: %v", username, err)
	}
}

// tokenFor logs in without going through the HTTP limiter.
func tokenFor(t *testing.T, api *API, username, password string) string {
	t.Helper()
	resp, err := api.auth.Login(context.Background(), domain.LoginRequest{Username: username, Password: password})
	if err != nil {
		t.Fatalf("login %s: %v", username, err)
	}
	return resp.AccessToken
}

func doJSON(t *testing.T, handler http.Handler, method, path, token string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var payload []byte
	if body != nil {
		var err error
		if raw, ok := body.(string); ok {
			payload = []byte(raw)
		} else if payload, err = json.Marshal(body); err != nil {
			t.Fatalf("marshal body: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder, dest any) {
	t.Helper()
	if err := json.NewDecoder(rec.Body).Decode(dest); err != nil {
		t.Fatalf("decode body: %v (body: %s)", err, rec.Body.String())
	}
}

func createDraft(t *testing.T, handler http.Handler, token string) billing.Invoice {
	t.Helper()
	rec := doJSON(t, handler, http.MethodPost, "/api/v1/invoices", token, `{
		"line_items": [{"description": "Rabies vaccine", "quantity": "3", "unit_price": "10.005", "tax_rate": "10"}],
		"discount": "0"
	}`)
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var resp domain.InvoiceResponse
	decodeBody(t, rec, &resp)
	return resp.Invoice
}

func TestHandleHealth(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	decodeBody(t, rec, &body)
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
}

func TestHandleLogin_Success(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := doJSON(t, api.Handler(), http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{
		Username: "admin",
		Password: "admin123",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	var resp domain.LoginResponse
	decodeBody(t, rec, &resp)
	if resp.AccessToken == "" {
		t.Fatalf("expected access token")
	}
	if resp.Role != domain.RoleAdmin || resp.ClinicID != memory.DemoClinicID {
		t.Fatalf("expected admin of %s, got %s of %s", memory.DemoClinicID, resp.Role, resp.ClinicID)
	}
}

func TestHandleLogin_WrongPassword(t *testing.T) {
	api, _ := newTestAPI(t)

	rec := doJSON(t, api.Handler(), http.MethodPost, "/api/v1/auth/login", "", domain.LoginRequest{
		Username: "admin",
		Password: "nope",
	})
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestInvoiceLifecycleOverHTTP(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := tokenFor(t, api, "reception", "reception123")

	inv := createDraft(t, handler, token)
	if inv.Status != billing.StatusDraft || inv.Snapshot.Total.String() != "33.02" {
		t.Fatalf("unexpected draft %s total %s", inv.Status, inv.Snapshot.Total)
	}
	if inv.ClientID == "" {
		t.Fatalf("expected walk-in client to be assigned")
	}
	base := "/api/v1/invoices/" + inv.ID

	rec := doJSON(t, handler, http.MethodPut, base+"/line-items", token, `{
		"line_items": [
			{"quantity": "1", "unit_price": "45.00", "tax_rate": "0"},
			{"quantity": "2", "unit_price": "12.50", "tax_rate": "10"}
		],
		"discount": "5"
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("replace line items: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var items domain.LineItemsResponse
	decodeBody(t, rec, &items)
	if items.Snapshot.Total.String() != "67.50" {
		t.Fatalf("expected total 67.50, got %s", items.Snapshot.Total)
	}

	rec = doJSON(t, handler, http.MethodPost, base+"/issue", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("issue: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}

	rec = doJSON(t, handler, http.MethodPost, base+"/settle", token, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("settle unpaid: expected 409, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodPost, base+"/payments", token, map[string]string{"amount": "67.50", "method": "card", "reference": "TX-1"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("record payment: expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var payment domain.PaymentResponse
	decodeBody(t, rec, &payment)
	if !payment.Summary.Covered || payment.Payment.Method != billing.MethodCard {
		t.Fatalf("unexpected payment response %+v", payment)
	}

	rec = doJSON(t, handler, http.MethodGet, base+"/payments", token, nil)
	var payments domain.PaymentListResponse
	decodeBody(t, rec, &payments)
	if len(payments.Payments) != 1 {
		t.Fatalf("expected one payment, got %d", len(payments.Payments))
	}

	rec = doJSON(t, handler, http.MethodPost, base+"/settle", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("settle: expected 200, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	var settled domain.InvoiceResponse
	decodeBody(t, rec, &settled)
	if settled.Invoice.Status != billing.StatusPaid || settled.Invoice.PaidAt == nil {
		t.Fatalf("expected PAID with paid_at, got %s", settled.Invoice.Status)
	}

	rec = doJSON(t, handler, http.MethodGet, base+"/verify", token, nil)
	var verify domain.VerifyResponse
	decodeBody(t, rec, &verify)
	if !verify.Consistent {
		t.Fatalf("expected consistent snapshot, got %+v", verify)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/invoices?status=paid", token, nil)
	var list domain.InvoiceListResponse
	decodeBody(t, rec, &list)
	if len(list.Invoices) != 1 || list.Invoices[0].Invoice.ID != inv.ID {
		t.Fatalf("expected the paid invoice in the list, got %+v", list.Invoices)
	}
}

func TestChangeStatusErrorCodes(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := tokenFor(t, api, "admin", "admin123")
	inv := createDraft(t, handler, token)
	path := "/api/v1/invoices/" + inv.ID + "/status"

	cases := []struct {
		name   string
		path   string
		status string
		want   int
	}{
		{"unknown status", path, "ARCHIVED", http.StatusUnprocessableEntity},
		{"illegal transition", path, "PAID", http.StatusConflict},
		{"same status", path, "DRAFT", http.StatusConflict},
		{"missing invoice", "/api/v1/invoices/inv-missing/status", "VOID", http.StatusNotFound},
		{"issue", path, "ISSUED", http.StatusOK},
		{"void", path, "VOID", http.StatusOK},
		{"void is terminal", path, "ISSUED", http.StatusConflict},
	}
	for _, tc := range cases {
		rec := doJSON(t, handler, http.MethodPost, tc.path, token, domain.StatusChangeRequest{Status: tc.status})
		if rec.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d (body: %s)", tc.name, tc.want, rec.Code, rec.Body.String())
		}
	}
}

func TestIssueEmptyInvoiceReturnsConflict(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := tokenFor(t, api, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/invoices", token, `{"line_items": []}`)
	var created domain.InvoiceResponse
	decodeBody(t, rec, &created)

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/invoices/"+created.Invoice.ID+"/issue", token, nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409, got %d", rec.Code)
	}
}

func TestInvalidMonetaryInputReturnsBadRequest(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := tokenFor(t, api, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/totals/preview", token, `{
		"line_items": [{"quantity": "1", "unit_price": "-4", "tax_rate": "10"}]
	}`)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", rec.Code)
	}
	var body map[string]string
	decodeBody(t, rec, &body)
	if body["error"] == "" {
		t.Fatalf("expected error message naming the field")
	}

	for _, payload := range []string{
		`{"line_items": [{"quantity": "1", "unit_price": "1e2000000000", "tax_rate": "10"}]}`,
		`{"line_items": [{"quantity": "999999", "unit_price": "999999999999", "tax_rate": "0"}]}`,
		`{"line_items": [{"quantity": "1", "unit_price": "5", "tax_rate": "0"}], "discount": "1e-2000000000"}`,
	} {
		rec = doJSON(t, handler, http.MethodPost, "/api/v1/totals/preview", token, payload)
		if rec.Code != http.StatusBadRequest {
			t.Fatalf("expected 400 for out-of-range input %s, got %d", payload, rec.Code)
		}
	}

	rec = doJSON(t, handler, http.MethodPost, "/api/v1/totals/preview", token, `{
		"line_items": [{"quantity": "3", "unit_price": "10.005", "tax_rate": "10"}]
	}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var preview struct {
		Snapshot billing.Snapshot `json:"snapshot"`
	}
	decodeBody(t, rec, &preview)
	if preview.Snapshot.Total.String() != "33.02" {
		t.Fatalf("expected total 33.02, got %s", preview.Snapshot.Total)
	}
}

func TestRecordPaymentErrors(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := tokenFor(t, api, "admin", "admin123")
	inv := createDraft(t, handler, token)
	path := "/api/v1/invoices/" + inv.ID + "/payments"

	rec := doJSON(t, handler, http.MethodPost, path, token, map[string]string{"amount": "10", "method": "cash"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("payment on draft: expected 409, got %d", rec.Code)
	}

	doJSON(t, handler, http.MethodPost, "/api/v1/invoices/"+inv.ID+"/issue", token, nil)

	rec = doJSON(t, handler, http.MethodPost, path, token, map[string]string{"amount": "10", "method": "crypto"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown method: expected 400, got %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodPost, path, token, map[string]string{"amount": "0", "method": "cash"})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("zero amount: expected 400, got %d", rec.Code)
	}
}

func TestDeleteInvoice(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	token := tokenFor(t, api, "admin", "admin123")
	inv := createDraft(t, handler, token)
	path := "/api/v1/invoices/" + inv.ID

	rec := doJSON(t, handler, http.MethodDelete, path, token, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, handler, http.MethodGet, path, token, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestWalkInClientEndpointIsStable(t *testing.T) {
	api, repo := newTestAPI(t)
	handler := api.Handler()
	token := tokenFor(t, api, "reception", "reception123")

	var first, second map[string]string
	decodeBody(t, doJSON(t, handler, http.MethodGet, "/api/v1/clients/walk-in", token, nil), &first)
	decodeBody(t, doJSON(t, handler, http.MethodGet, "/api/v1/clients/walk-in", token, nil), &second)
	if first["client_id"] == "" || first["client_id"] != second["client_id"] {
		t.Fatalf("expected the same walk-in id, got %v and %v", first, second)
	}
	if repo.CountWalkInClients(memory.DemoClinicID) != 1 {
		t.Fatalf("expected exactly one walk-in client")
	}
}

func TestInvoicesAreScopedToTokenClinic(t *testing.T) {
	api, repo := newTestAPI(t)
	handler := api.Handler()
	addUser(t, repo, "frontdesk-b", "secret-b", domain.RoleReceptionist, "clinic-b")

	inv := createDraft(t, handler, tokenFor(t, api, "admin", "admin123"))
	other := tokenFor(t, api, "frontdesk-b", "secret-b")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/invoices/"+inv.ID, other, nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 across clinics, got %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/invoices/"+inv.ID+"/status", other, domain.StatusChangeRequest{Status: "ISSUED"})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 when mutating across clinics, got %d", rec.Code)
	}
}

func TestVetCanReadButNotBill(t *testing.T) {
	api, repo := newTestAPI(t)
	handler := api.Handler()
	addUser(t, repo, "drsmith", "vet-pass", domain.RoleVet, memory.DemoClinicID)
	token := tokenFor(t, api, "drsmith", "vet-pass")

	rec := doJSON(t, handler, http.MethodGet, "/api/v1/invoices", token, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected vet to list invoices, got %d", rec.Code)
	}
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/invoices", token, `{"line_items": []}`)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for vet creating invoice, got %d", rec.Code)
	}
}

func TestStaffEndpointsAreAdminOnly(t *testing.T) {
	api, _ := newTestAPI(t)
	handler := api.Handler()
	admin := tokenFor(t, api, "admin", "admin123")

	rec := doJSON(t, handler, http.MethodPost, "/api/v1/users", admin, domain.StaffCreateRequest{Username: "nurse01", Password: "secret1", Role: "vet"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d (body: %s)", rec.Code, rec.Body.String())
	}
	rec = doJSON(t, handler, http.MethodPost, "/api/v1/users", admin, domain.StaffCreateRequest{Username: "nurse01", Password: "secret1"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for duplicate username, got %d", rec.Code)
	}

	rec = doJSON(t, handler, http.MethodGet, "/api/v1/users", admin, nil)
	var list struct {
		Users []domain.StaffUser `json:"users"`
	}
	decodeBody(t, rec, &list)
	if len(list.Users) != 3 {
		t.Fatalf("expected 3 users in the clinic, got %d", len(list.Users))
	}

	reception := tokenFor(t, api, "reception", "reception123")
	rec = doJSON(t, handler, http.MethodGet, "/api/v1/users", reception, nil)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for receptionist, got %d", rec.Code)
	}
}
