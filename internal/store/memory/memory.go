package memory

import (
	"context"
	"errors"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/bcrypt"

	"vetclinic/backend/internal/billing"
	"vetclinic/backend/internal/domain"
	"vetclinic/backend/internal/logger"
	"vetclinic/backend/internal/store"
)

const DemoClinicID = "clinic-main"

// Store keeps everything behind one RWMutex. Writers hold the lock for the whole
// read-modify-write, which gives MutateInvoice the same exclusion a row lock does.
type Store struct {
	mu              sync.RWMutex
	invoicesByID    map[string]*billing.Invoice
	clientsByID     map[string]domain.Client
	walkInByClinic  map[string]string
	usersByUsername map[string]domain.UserAccount
}

func New() *Store {
	return &Store{
		invoicesByID:    make(map[string]*billing.Invoice),
		clientsByID:     make(map[string]domain.Client),
		walkInByClinic:  make(map[string]string),
		usersByUsername: make(map[string]domain.UserAccount),
	}
}

// NewSeeded returns a store with demo staff for DemoClinicID. Passwords come from
// SEED_ADMIN_PASSWORD and SEED_RECEPTION_PASSWORD, with dev defaults otherwise.
func NewSeeded() *Store {
	s := New()
	log := logger.WithComponent("memory-store")

	adminPwd := envOr("SEED_ADMIN_PASSWORD", "admin123")
	receptionPwd := envOr("SEED_RECEPTION_PASSWORD", "reception123")
	if os.Getenv("SEED_ADMIN_PASSWORD") == "" || os.Getenv("SEED_RECEPTION_PASSWORD") == "" {
		log.Warn().Msg("using default dev credentials, set SEED_ADMIN_PASSWORD and SEED_RECEPTION_PASSWORD to override")
	}

	now := time.Now().UTC()
	for _, u := range []struct {
		username string
		password string
		role     string
	}{
		{"admin", adminPwd, domain.RoleAdmin},
		{"reception", receptionPwd, domain.RoleReceptionist},
	} {
		hash, err := bcrypt.GenerateFromPassword([]byte(u.password), bcrypt.MinCost)
		if err != nil {
			log.Fatal().Err(err).Str("username", u.username).Msg("hash seed password")
		}
		s.usersByUsername[u.username] = domain.UserAccount{
			Username:  u.username,
			Password:  string(hash),
			Role:      u.role,
			ClinicID:  DemoClinicID,
			Active:    true,
			CreatedAt: now,
		}
	}

	s.clientsByID["cli-demo-owner"] = domain.Client{
		ID:        "cli-demo-owner",
		ClinicID:  DemoClinicID,
		Name:      "Rina Hartono",
		CreatedAt: now,
	}
	return s
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func (s *Store) CreateInvoice(_ context.Context, inv billing.Invoice) (*billing.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.invoicesByID[inv.ID]; exists {
		return nil, store.ErrConflict
	}
	stored := inv.Clone()
	s.invoicesByID[inv.ID] = &stored
	out := stored.Clone()
	return &out, nil
}

func (s *Store) GetInvoice(_ context.Context, clinicID string, id string) (*billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, err := s.lookupInvoice(clinicID, id)
	if err != nil {
		return nil, err
	}
	out := inv.Clone()
	return &out, nil
}

func (s *Store) ListInvoices(_ context.Context, clinicID string, status billing.Status, limit int) ([]billing.Invoice, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]billing.Invoice, 0)
	for _, inv := range s.invoicesByID {
		if inv.ClinicID != clinicID {
			continue
		}
		if status != "" && inv.Status != status {
			continue
		}
		out = append(out, inv.Clone())
	}
	slices.SortFunc(out, func(a, b billing.Invoice) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return strings.Compare(a.ID, b.ID)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MutateInvoice(_ context.Context, clinicID string, id string, fn store.InvoiceMutation) (*billing.Invoice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.lookupInvoice(clinicID, id)
	if err != nil {
		return nil, err
	}
	working := current.Clone()
	if err := fn(&working); err != nil {
		return nil, err
	}
	// Payments are owned by AppendPayment.
	working.Payments = current.Payments
	working.ID, working.ClinicID = current.ID, current.ClinicID
	*current = working.Clone()

	out := current.Clone()
	return &out, nil
}

func (s *Store) DeleteInvoice(_ context.Context, clinicID string, id string, guard func(billing.Invoice) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.lookupInvoice(clinicID, id)
	if err != nil {
		return err
	}
	if guard != nil {
		if err := guard(current.Clone()); err != nil {
			return err
		}
	}
	delete(s.invoicesByID, id)
	return nil
}

func (s *Store) AppendPayment(_ context.Context, clinicID string, invoiceID string, fn store.PaymentAppend) (*billing.Payment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current, err := s.lookupInvoice(clinicID, invoiceID)
	if err != nil {
		return nil, err
	}
	working := current.Clone()
	payment, err := fn(&working)
	if err != nil {
		return nil, err
	}
	payment.InvoiceID = current.ID
	payment.ClinicID = current.ClinicID
	for _, existing := range current.Payments {
		if existing.ID == payment.ID {
			return nil, store.ErrConflict
		}
	}
	current.Payments = append(current.Payments, payment)
	return &payment, nil
}

func (s *Store) ListPayments(_ context.Context, clinicID string, invoiceID string) ([]billing.Payment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inv, err := s.lookupInvoice(clinicID, invoiceID)
	if err != nil {
		return nil, err
	}
	return slices.Clone(inv.Payments), nil
}

func (s *Store) lookupInvoice(clinicID string, id string) (*billing.Invoice, error) {
	inv, ok := s.invoicesByID[id]
	if !ok || inv.ClinicID != clinicID {
		return nil, store.ErrNotFound
	}
	return inv, nil
}

// CreateClient enforces one walk-in client per clinic the way the unique partial
// index does in postgres.
func (s *Store) CreateClient(_ context.Context, client domain.Client) (*domain.Client, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clientsByID[client.ID]; exists {
		return nil, store.ErrConflict
	}
	if client.WalkIn {
		if _, exists := s.walkInByClinic[client.ClinicID]; exists {
			return nil, store.ErrConflict
		}
		s.walkInByClinic[client.ClinicID] = client.ID
	}
	s.clientsByID[client.ID] = client
	return &client, nil
}

func (s *Store) GetClient(_ context.Context, clinicID string, id string) (*domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	client, ok := s.clientsByID[id]
	if !ok || client.ClinicID != clinicID {
		return nil, store.ErrNotFound
	}
	return &client, nil
}

func (s *Store) FindWalkInClient(_ context.Context, clinicID string) (*domain.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.walkInByClinic[clinicID]
	if !ok {
		return nil, store.ErrNotFound
	}
	client := s.clientsByID[id]
	return &client, nil
}

// CountWalkInClients is used by tests to assert the uniqueness rule held.
func (s *Store) CountWalkInClients(clinicID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, client := range s.clientsByID {
		if client.ClinicID == clinicID && client.WalkIn {
			count++
		}
	}
	return count
}

func (s *Store) CreateUser(_ context.Context, user domain.UserAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	username := strings.ToLower(strings.TrimSpace(user.Username))
	if username == "" || strings.TrimSpace(user.Password) == "" {
		return errors.New("username and password are required")
	}
	if _, exists := s.usersByUsername[username]; exists {
		return store.ErrConflict
	}
	user.Username = username
	if user.Role == "" {
		user.Role = domain.RoleReceptionist
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}
	user.Active = true
	s.usersByUsername[username] = user
	return nil
}

func (s *Store) ListUsers(_ context.Context, clinicID string) ([]domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	users := make([]domain.UserAccount, 0, len(s.usersByUsername))
	for _, user := range s.usersByUsername {
		if user.ClinicID == clinicID {
			users = append(users, user)
		}
	}
	slices.SortFunc(users, func(a, b domain.UserAccount) int {
		return strings.Compare(a.Username, b.Username)
	})
	return users, nil
}

func (s *Store) GetUser(_ context.Context, username string) (*domain.UserAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.usersByUsername[strings.ToLower(strings.TrimSpace(username))]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &user, nil
}

func (s *Store) UpdateUserPassword(_ context.Context, username string, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := strings.ToLower(strings.TrimSpace(username))
	user, ok := s.usersByUsername[key]
	if !ok {
		return store.ErrNotFound
	}
	user.Password = password
	s.usersByUsername[key] = user
	return nil
}
