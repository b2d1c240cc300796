package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"vetclinic/backend/internal/billing"
	"vetclinic/backend/internal/domain"
	"vetclinic/backend/internal/logger"
	"vetclinic/backend/internal/service"
	"vetclinic/backend/internal/store"
)

const maxBodyBytes = 1 << 20

type Options struct {
	AllowedOrigin  string
	RequestTimeout time.Duration
	Logger         *zerolog.Logger
}

type API struct {
	service        *service.Service
	auth           *AuthManager
	allowedOrigin  string
	requestTimeout time.Duration
	loginLimiter   *attemptLimiter
	log            zerolog.Logger
}

func New(svc *service.Service, auth *AuthManager, opts Options) *API {
	api := &API{
		service:        svc,
		auth:           auth,
		allowedOrigin:  opts.AllowedOrigin,
		requestTimeout: opts.RequestTimeout,
		loginLimiter:   newAttemptLimiter(5, time.Minute),
	}
	if opts.Logger != nil {
		api.log = *opts.Logger
	} else {
		api.log = logger.WithComponent("httpapi")
	}
	return api
}

type attemptLimiter struct {
	mu      sync.Mutex
	max     int
	window  time.Duration
	entries map[string][]time.Time
}

func newAttemptLimiter(max int, window time.Duration) *attemptLimiter {
	if max < 1 {
		max = 1
	}
	if window <= 0 {
		window = time.Minute
	}
	return &attemptLimiter{max: max, window: window, entries: make(map[string][]time.Time)}
}

// Allow records an attempt for key and reports whether it fits in the window.
func (l *attemptLimiter) Allow(key string) bool {
	if l == nil {
		return true
	}
	now := time.Now()
	cutoff := now.Add(-l.window)

	l.mu.Lock()
	defer l.mu.Unlock()

	kept := l.entries[key][:0]
	for _, ts := range l.entries[key] {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	if len(kept) >= l.max {
		l.entries[key] = kept
		return false
	}
	l.entries[key] = append(kept, now)
	return true
}

func clientKey(r *http.Request) string {
	host := strings.TrimSpace(r.RemoteAddr)
	if host == "" {
		return "unknown"
	}
	if addr, err := netip.ParseAddrPort(host); err == nil {
		return addr.Addr().String()
	}
	if idx := strings.LastIndex(host, ":"); idx > 0 {
		return host[:idx]
	}
	return host
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.accessLog)
	r.Use(middleware.Recoverer)
	r.Use(a.securityHeaders)
	if a.requestTimeout > 0 {
		r.Use(middleware.Timeout(a.requestTimeout))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, errors.New("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, errors.New("method not allowed"))
	})

	r.Get("/healthz", a.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Post("/auth/login", a.handleLogin)

		r.Group(func(staff chi.Router) {
			staff.Use(a.requireAuth(domain.RoleAdmin, domain.RoleReceptionist, domain.RoleVet))
			staff.Post("/totals/preview", a.handlePreviewTotals)
			staff.Get("/invoices", a.handleListInvoices)
			staff.Get("/invoices/{id}", a.handleGetInvoice)
			staff.Get("/invoices/{id}/verify", a.handleVerifyInvoice)
			staff.Get("/invoices/{id}/payments", a.handleListPayments)
		})

		r.Group(func(billingDesk chi.Router) {
			billingDesk.Use(a.requireAuth(domain.RoleAdmin, domain.RoleReceptionist))
			billingDesk.Get("/clients/walk-in", a.handleWalkInClient)
			billingDesk.Post("/invoices", a.handleCreateInvoice)
			billingDesk.Delete("/invoices/{id}", a.handleDeleteInvoice)
			billingDesk.Put("/invoices/{id}/line-items", a.handleReplaceLineItems)
			billingDesk.Post("/invoices/{id}/issue", a.handleIssueInvoice)
			billingDesk.Post("/invoices/{id}/status", a.handleChangeStatus)
			billingDesk.Post("/invoices/{id}/settle", a.handleSettleInvoice)
			billingDesk.Post("/invoices/{id}/payments", a.handleRecordPayment)
		})

		r.Group(func(admin chi.Router) {
			admin.Use(a.requireAuth(domain.RoleAdmin))
			admin.Get("/users", a.handleListStaff)
			admin.Post("/users", a.handleCreateStaff)
		})
	})

	return r
}

// requireAuth puts the token's actor on the context. The actor's clinic scopes
// every handler behind it.
func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				writeError(w, r, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}

			token := strings.TrimSpace(authorization[len("Bearer "):])
			actor, err := a.auth.ParseToken(token)
			if err != nil {
				writeError(w, r, http.StatusUnauthorized, err)
				return
			}

			if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
				writeError(w, r, http.StatusForbidden, service.ErrForbidden)
				return
			}

			ctx := service.WithActor(r.Context(), actor)
			reqLog := zerolog.Ctx(ctx).With().Str("clinic_id", actor.ClinicID).Str("username", actor.Username).Logger()
			next.ServeHTTP(w, r.WithContext(reqLog.WithContext(ctx)))
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func clinicOf(r *http.Request) string {
	actor, _ := service.ActorFromContext(r.Context())
	return actor.ClinicID
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !a.loginLimiter.Allow(clientKey(r)) {
		writeError(w, r, http.StatusTooManyRequests, errors.New("too many login attempts"))
		return
	}

	var req domain.LoginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, ErrInvalidCredentials) || errors.Is(err, ErrInactiveAccount) {
			writeError(w, r, http.StatusUnauthorized, err)
			return
		}
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handlePreviewTotals(w http.ResponseWriter, r *http.Request) {
	var req domain.TotalsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	snap, err := a.service.PreviewTotals(req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshot": snap})
}

func (a *API) handleWalkInClient(w http.ResponseWriter, r *http.Request) {
	clientID, err := a.service.LookupWalkInClient(r.Context(), clinicOf(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"client_id": clientID})
}

func (a *API) handleCreateInvoice(w http.ResponseWriter, r *http.Request) {
	var req domain.InvoiceCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.CreateInvoice(r.Context(), clinicOf(r), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleListInvoices(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit := parsePositiveLimit(query.Get("limit"), 50, 200)
	resp, err := a.service.ListInvoices(r.Context(), clinicOf(r), query.Get("status"), limit)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleGetInvoice(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.GetInvoice(r.Context(), clinicOf(r), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleDeleteInvoice(w http.ResponseWriter, r *http.Request) {
	if err := a.service.DeleteInvoice(r.Context(), clinicOf(r), chi.URLParam(r, "id")); err != nil {
		respondError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleReplaceLineItems(w http.ResponseWriter, r *http.Request) {
	var req domain.TotalsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.ReplaceLineItems(r.Context(), clinicOf(r), chi.URLParam(r, "id"), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleIssueInvoice(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.IssueInvoice(r.Context(), clinicOf(r), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleChangeStatus(w http.ResponseWriter, r *http.Request) {
	var req domain.StatusChangeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.ChangeStatus(r.Context(), clinicOf(r), chi.URLParam(r, "id"), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleSettleInvoice(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.SettleInvoice(r.Context(), clinicOf(r), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleVerifyInvoice(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.VerifyInvoice(r.Context(), clinicOf(r), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleRecordPayment(w http.ResponseWriter, r *http.Request) {
	var req domain.PaymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	resp, err := a.service.RecordPayment(r.Context(), clinicOf(r), chi.URLParam(r, "id"), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (a *API) handleListPayments(w http.ResponseWriter, r *http.Request) {
	resp, err := a.service.ListPayments(r.Context(), clinicOf(r), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleListStaff(w http.ResponseWriter, r *http.Request) {
	users, err := a.auth.ListStaff(r.Context(), clinicOf(r))
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"users": users})
}

func (a *API) handleCreateStaff(w http.ResponseWriter, r *http.Request) {
	var req domain.StaffCreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err)
		return
	}
	user, err := a.auth.CreateStaff(r.Context(), clinicOf(r), req)
	if err != nil {
		respondError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": user})
}

func (a *API) securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// accessLog attaches a request-scoped logger to the context and logs one line per
// request once the handler returns.
func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqLog := logger.WithRequestID(a.log, middleware.GetReqID(r.Context()))
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		startedAt := time.Now()

		next.ServeHTTP(ww, r.WithContext(reqLog.WithContext(r.Context())))

		status := ww.Status()
		if status == 0 {
			status = http.StatusOK
		}
		event := reqLog.Info()
		if status >= http.StatusInternalServerError {
			event = reqLog.Error()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", status).
			Int("bytes", ww.BytesWritten()).
			Dur("duration", time.Since(startedAt)).
			Msg("request")
	})
}

// statusFor maps engine and storage errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, billing.ErrUnknownStatus):
		return http.StatusUnprocessableEntity
	case errors.Is(err, billing.ErrInvalidTransition),
		errors.Is(err, billing.ErrInvalidInvoiceState),
		errors.Is(err, billing.ErrEmptyInvoice),
		errors.Is(err, store.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, billing.ErrInvalidMonetaryInput),
		errors.Is(err, billing.ErrUnknownPaymentMethod),
		errors.Is(err, service.ErrInvalidRequest):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, context.DeadlineExceeded), store.IsTransient(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func respondError(w http.ResponseWriter, r *http.Request, err error) {
	writeError(w, r, statusFor(err), err)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dest any) error {
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

// writeError keeps 5xx bodies generic; the cause goes to the request log only.
func writeError(w http.ResponseWriter, r *http.Request, status int, err error) {
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		zerolog.Ctx(r.Context()).Error().Err(err).Int("status", status).Msg("request failed")
		msg = http.StatusText(status)
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
