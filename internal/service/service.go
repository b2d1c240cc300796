package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"vetclinic/backend/internal/billing"
	"vetclinic/backend/internal/cache"
	"vetclinic/backend/internal/domain"
	"vetclinic/backend/internal/logger"
	"vetclinic/backend/internal/store"
	"vetclinic/backend/internal/xid"
)

var (
	ErrForbidden      = errors.New("forbidden")
	ErrInvalidRequest = errors.New("invalid request")
)

const (
	defaultListLimit    = 50
	maxListLimit        = 200
	walkInLookupTimeout = 10 * time.Second
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	WalkInCache    cache.WalkInCache
	WalkInCacheTTL time.Duration
	RetryAttempts  int
	RetryBaseDelay time.Duration
	Now            func() time.Time
	Logger         *zerolog.Logger
}

// Service runs the billing engine against a repository. Every call takes the clinic
// id explicitly; an id from another clinic behaves exactly like a missing one.
type Service struct {
	repo        store.Repository
	walkIn      cache.WalkInCache
	walkInTTL   time.Duration
	walkInGroup singleflight.Group
	retry       retryPolicy
	now         func() time.Time
	log         zerolog.Logger
}

func New(repo store.Repository, opts Options) *Service {
	svc := &Service{
		repo:      repo,
		walkIn:    opts.WalkInCache,
		walkInTTL: opts.WalkInCacheTTL,
		retry: retryPolicy{
			attempts:  opts.RetryAttempts,
			baseDelay: opts.RetryBaseDelay,
		}.normalized(),
		now: opts.Now,
	}
	if svc.walkIn == nil {
		svc.walkIn = cache.NoopWalkInCache{}
	}
	if svc.walkInTTL <= 0 {
		svc.walkInTTL = time.Hour
	}
	if svc.now == nil {
		svc.now = func() time.Time { return time.Now().UTC() }
	}
	if opts.Logger != nil {
		svc.log = *opts.Logger
	} else {
		svc.log = logger.WithComponent("service")
	}
	return svc
}

// PreviewTotals runs the calculator without touching storage.
func (s *Service) PreviewTotals(req domain.TotalsRequest) (billing.Snapshot, error) {
	items := req.Items()
	if err := billing.CheckLineItems(items); err != nil {
		return billing.Snapshot{}, err
	}
	return billing.ComputeTotals(items, req.Discount)
}

func (s *Service) CreateInvoice(ctx context.Context, clinicID string, req domain.InvoiceCreateRequest) (domain.InvoiceResponse, error) {
	items := req.Totals().Items()
	if err := billing.CheckLineItems(items); err != nil {
		return domain.InvoiceResponse{}, err
	}

	clientID := strings.TrimSpace(req.ClientID)
	if clientID == "" {
		walkInID, err := s.LookupWalkInClient(ctx, clinicID)
		if err != nil {
			return domain.InvoiceResponse{}, err
		}
		clientID = walkInID
	} else if _, err := s.repo.GetClient(ctx, clinicID, clientID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.InvoiceResponse{}, fmt.Errorf("%w: unknown client %q", ErrInvalidRequest, clientID)
		}
		return domain.InvoiceResponse{}, err
	}

	inv, err := billing.NewInvoice(xid.New("inv"), clinicID, clientID, items, req.Discount, s.now())
	if err != nil {
		return domain.InvoiceResponse{}, err
	}
	created, err := s.repo.CreateInvoice(ctx, inv)
	if err != nil {
		return domain.InvoiceResponse{}, err
	}

	s.log.Debug().Str("clinic_id", clinicID).Str("invoice_id", created.ID).Msg("invoice created")
	return domain.NewInvoiceResponse(*created), nil
}

func (s *Service) GetInvoice(ctx context.Context, clinicID string, id string) (domain.InvoiceResponse, error) {
	inv, err := s.readInvoice(ctx, clinicID, id)
	if err != nil {
		return domain.InvoiceResponse{}, err
	}
	return domain.NewInvoiceResponse(*inv), nil
}

func (s *Service) ListInvoices(ctx context.Context, clinicID string, status string, limit int) (domain.InvoiceListResponse, error) {
	var filter billing.Status
	if strings.TrimSpace(status) != "" {
		parsed, err := billing.ParseStatus(status)
		if err != nil {
			return domain.InvoiceListResponse{}, err
		}
		filter = parsed
	}
	if limit < 1 {
		limit = defaultListLimit
	}
	limit = min(limit, maxListLimit)

	var invoices []billing.Invoice
	err := s.retry.run(ctx, s.log, "list_invoices", store.IsTransient, func() error {
		var err error
		invoices, err = s.repo.ListInvoices(ctx, clinicID, filter, limit)
		return err
	})
	if err != nil {
		return domain.InvoiceListResponse{}, err
	}

	resp := domain.InvoiceListResponse{Invoices: make([]domain.InvoiceResponse, 0, len(invoices))}
	for _, inv := range invoices {
		resp.Invoices = append(resp.Invoices, domain.NewInvoiceResponse(inv))
	}
	return resp, nil
}

// ReplaceLineItems validates the new lines before any write and recomputes the
// snapshot inside the invoice lock.
func (s *Service) ReplaceLineItems(ctx context.Context, clinicID string, id string, req domain.TotalsRequest) (domain.LineItemsResponse, error) {
	items := req.Items()
	if err := billing.CheckLineItems(items); err != nil {
		return domain.LineItemsResponse{}, err
	}
	if _, err := billing.ComputeTotals(items, req.Discount); err != nil {
		return domain.LineItemsResponse{}, err
	}

	var snap billing.Snapshot
	_, err := s.mutate(ctx, clinicID, id, "replace_line_items", func(inv *billing.Invoice) error {
		var err error
		snap, err = inv.ReplaceLineItems(items, req.Discount, s.now())
		return err
	})
	if err != nil {
		return domain.LineItemsResponse{}, err
	}
	return domain.LineItemsResponse{InvoiceID: id, Snapshot: snap}, nil
}

func (s *Service) IssueInvoice(ctx context.Context, clinicID string, id string) (domain.InvoiceResponse, error) {
	inv, err := s.mutate(ctx, clinicID, id, "issue", func(inv *billing.Invoice) error {
		return inv.Issue(s.now())
	})
	if err != nil {
		return domain.InvoiceResponse{}, err
	}
	return domain.NewInvoiceResponse(*inv), nil
}

func (s *Service) ChangeStatus(ctx context.Context, clinicID string, id string, req domain.StatusChangeRequest) (domain.InvoiceResponse, error) {
	target, err := billing.ParseStatus(req.Status)
	if err != nil {
		return domain.InvoiceResponse{}, err
	}

	inv, err := s.mutate(ctx, clinicID, id, "change_status", func(inv *billing.Invoice) error {
		return inv.SetStatus(target, s.now())
	})
	if err != nil {
		return domain.InvoiceResponse{}, err
	}
	return domain.NewInvoiceResponse(*inv), nil
}

// SettleInvoice is the explicit promotion to PAID. Recording a payment never calls it.
func (s *Service) SettleInvoice(ctx context.Context, clinicID string, id string) (domain.InvoiceResponse, error) {
	inv, err := s.mutate(ctx, clinicID, id, "settle", func(inv *billing.Invoice) error {
		return inv.Settle(s.now())
	})
	if err != nil {
		return domain.InvoiceResponse{}, err
	}
	return domain.NewInvoiceResponse(*inv), nil
}

func (s *Service) VerifyInvoice(ctx context.Context, clinicID string, id string) (domain.VerifyResponse, error) {
	inv, err := s.readInvoice(ctx, clinicID, id)
	if err != nil {
		return domain.VerifyResponse{}, err
	}

	resp := domain.VerifyResponse{InvoiceID: inv.ID, Stored: inv.Snapshot, Consistent: true}
	computed, err := inv.Verify()
	var mismatch *billing.MismatchError
	switch {
	case errors.As(err, &mismatch):
		resp.Consistent = false
		resp.Mismatched = mismatch.Fields
		s.log.Error().Str("clinic_id", clinicID).Str("invoice_id", inv.ID).Strs("fields", mismatch.Fields).Msg("stored snapshot does not match line items")
	case err != nil:
		return domain.VerifyResponse{}, err
	}
	resp.Computed = computed
	return resp, nil
}

func (s *Service) DeleteInvoice(ctx context.Context, clinicID string, id string) error {
	return s.retry.run(ctx, s.log, "delete_invoice", store.IsAborted, func() error {
		return s.repo.DeleteInvoice(ctx, clinicID, id, func(inv billing.Invoice) error {
			return inv.Deletable()
		})
	})
}

// RecordPayment validates the request, then appends under a shared invoice lock. The
// payment id is fixed before the first attempt so a replay after an aborted
// transaction inserts the same row.
func (s *Service) RecordPayment(ctx context.Context, clinicID string, invoiceID string, req domain.PaymentRequest) (domain.PaymentResponse, error) {
	in, err := billing.NewPaymentInput(req.Amount, req.Method, strings.TrimSpace(req.Reference), req.PaidAt)
	if err != nil {
		return domain.PaymentResponse{}, err
	}
	paymentID := xid.New("pay")

	// The summary comes from the locked invoice so a failed re-read can never turn a
	// committed payment into a retried one.
	var (
		payment *billing.Payment
		summary billing.PaymentSummary
	)
	err = s.retry.run(ctx, s.log, "record_payment", store.IsAborted, func() error {
		var err error
		payment, err = s.repo.AppendPayment(ctx, clinicID, invoiceID, func(inv *billing.Invoice) (billing.Payment, error) {
			p, err := inv.RecordPayment(paymentID, in, s.now())
			if err != nil {
				return billing.Payment{}, err
			}
			summary = inv.Summary()
			return p, nil
		})
		return err
	})
	if err != nil {
		return domain.PaymentResponse{}, err
	}
	return domain.PaymentResponse{Payment: *payment, Summary: summary}, nil
}

// ListPayments reads payments and the total from one snapshot so the summary never
// mixes two points in time.
func (s *Service) ListPayments(ctx context.Context, clinicID string, invoiceID string) (domain.PaymentListResponse, error) {
	inv, err := s.readInvoice(ctx, clinicID, invoiceID)
	if err != nil {
		return domain.PaymentListResponse{}, err
	}
	return domain.PaymentListResponse{Payments: inv.Payments, Summary: inv.Summary()}, nil
}

// LookupWalkInClient returns the clinic's walk-in client id, creating the client on
// first use. Concurrent callers in this process share one lookup; callers in other
// processes are reconciled by the storage unique constraint.
func (s *Service) LookupWalkInClient(ctx context.Context, clinicID string) (string, error) {
	if strings.TrimSpace(clinicID) == "" {
		return "", fmt.Errorf("%w: clinic id is required", ErrInvalidRequest)
	}

	id, ok, err := s.walkIn.GetWalkInClientID(ctx, clinicID)
	if err != nil {
		s.log.Warn().Err(err).Str("clinic_id", clinicID).Msg("walk-in cache read failed")
	}
	if err == nil && ok {
		return id, nil
	}

	// The shared lookup outlives any single caller; each caller still stops waiting
	// when its own context ends.
	ch := s.walkInGroup.DoChan(clinicID, func() (any, error) {
		shared, cancel := context.WithTimeout(context.WithoutCancel(ctx), walkInLookupTimeout)
		defer cancel()
		return s.findOrCreateWalkIn(shared, clinicID)
	})
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		id = res.Val.(string)
	}

	if err := s.walkIn.SetWalkInClientID(ctx, clinicID, id, s.walkInTTL); err != nil {
		s.log.Warn().Err(err).Str("clinic_id", clinicID).Msg("walk-in cache write failed")
	}
	return id, nil
}

func (s *Service) findOrCreateWalkIn(ctx context.Context, clinicID string) (string, error) {
	existing, err := s.findWalkIn(ctx, clinicID)
	if err == nil {
		return existing.ID, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return "", err
	}

	created, err := s.repo.CreateClient(ctx, domain.Client{
		ID:        xid.New("cli"),
		ClinicID:  clinicID,
		Name:      domain.WalkInClientName,
		WalkIn:    true,
		CreatedAt: s.now(),
	})
	if err == nil {
		s.log.Info().Str("clinic_id", clinicID).Str("client_id", created.ID).Msg("walk-in client created")
		return created.ID, nil
	}
	if !errors.Is(err, store.ErrConflict) {
		return "", err
	}

	// Another process won the insert; its row is the answer.
	existing, err = s.findWalkIn(ctx, clinicID)
	if err != nil {
		return "", err
	}
	return existing.ID, nil
}

func (s *Service) findWalkIn(ctx context.Context, clinicID string) (*domain.Client, error) {
	var client *domain.Client
	err := s.retry.run(ctx, s.log, "find_walk_in", store.IsTransient, func() error {
		var err error
		client, err = s.repo.FindWalkInClient(ctx, clinicID)
		return err
	})
	return client, err
}

func (s *Service) readInvoice(ctx context.Context, clinicID string, id string) (*billing.Invoice, error) {
	var inv *billing.Invoice
	err := s.retry.run(ctx, s.log, "get_invoice", store.IsTransient, func() error {
		var err error
		inv, err = s.repo.GetInvoice(ctx, clinicID, id)
		return err
	})
	return inv, err
}

// mutate replays fn only when postgres aborted the transaction, so the lifecycle
// check always runs against freshly locked state.
func (s *Service) mutate(ctx context.Context, clinicID string, id string, name string, fn store.InvoiceMutation) (*billing.Invoice, error) {
	var inv *billing.Invoice
	err := s.retry.run(ctx, s.log, name, store.IsAborted, func() error {
		var err error
		inv, err = s.repo.MutateInvoice(ctx, clinicID, id, fn)
		return err
	})
	if err != nil {
		return nil, err
	}
	s.log.Debug().Str("clinic_id", clinicID).Str("invoice_id", id).Str("op", name).Str("status", string(inv.Status)).Msg("invoice updated")
	return inv, nil
}
