// Package httpapi exposes the token locker over HTTP. Every route except
// /health and /metrics requires an authenticated caller.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"github.com/R3E-Network/token_locker/internal/app/domain/asset"
	"github.com/R3E-Network/token_locker/internal/app/domain/locker"
	"github.com/R3E-Network/token_locker/internal/app/events"
	"github.com/R3E-Network/token_locker/internal/app/metrics"
	lockersvc "github.com/R3E-Network/token_locker/internal/app/services/locker"
	"github.com/R3E-Network/token_locker/pkg/logger"
)

// LockerService is the subset of the locker service the API drives.
type LockerService interface {
	OnTransfer(ctx context.Context, tokenContract, senderID string, amount decimal.Decimal, msg string) (decimal.Decimal, error)
	OnMultiTransfer(ctx context.Context, mftContract, subAssetID, senderID string, amount decimal.Decimal, msg string) (decimal.Decimal, error)
	Withdraw(ctx context.Context, accountID, tokenID string, amount *decimal.Decimal) (locker.Transfer, error)
	CompleteTransfer(ctx context.Context, transferID string, success bool) (lockersvc.Outcome, error)
	Register(ctx context.Context, accountID string) (bool, error)
	Unregister(ctx context.Context, accountID string, force bool) (bool, error)
	GetAccount(ctx context.Context, accountID string) (*locker.Account, error)
	ListAccounts(ctx context.Context, fromIndex, limit int) ([]*locker.Account, error)
	ListTransfers(ctx context.Context) ([]locker.Transfer, error)
	Metadata(ctx context.Context) (locker.Metadata, error)
	SetOwner(ctx context.Context, callerID, ownerID string) error
	SetBurnAccount(ctx context.Context, callerID, burnAccountID string) error
}

// Options configures the handler middleware.
type Options struct {
	Authenticator *Authenticator
	RateLimiter   *RateLimiter
	// AuditSize bounds the in-memory audit trail.
	AuditSize int
}

type handler struct {
	svc    LockerService
	events *events.RingBuffer
	audit  *auditLog
	log    *logger.Logger
}

// NewHandler returns the instrumented API router.
func NewHandler(svc LockerService, ring *events.RingBuffer, log *logger.Logger, opts Options) http.Handler {
	h := &handler{
		svc:    svc,
		events: ring,
		audit:  newAuditLog(opts.AuditSize, log),
		log:    log,
	}

	root := mux.NewRouter()
	root.HandleFunc("/health", h.health).Methods(http.MethodGet)
	root.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	api := root.PathPrefix("/v1").Subrouter()
	if opts.Authenticator != nil {
		api.Use(opts.Authenticator.Handler)
	} else {
		api.Use(NewAuthenticator(nil, "", log).Handler)
	}
	if opts.RateLimiter != nil {
		api.Use(opts.RateLimiter.Handler)
	}
	api.Use(func(next http.Handler) http.Handler { return wrapWithAudit(next, h.audit) })

	api.HandleFunc("/receiver/ft", h.receiveFT).Methods(http.MethodPost)
	api.HandleFunc("/receiver/mft", h.receiveMFT).Methods(http.MethodPost)
	api.HandleFunc("/withdraw", h.withdraw).Methods(http.MethodPost)
	api.HandleFunc("/transfers", h.listTransfers).Methods(http.MethodGet)
	api.HandleFunc("/transfers/{id}/result", h.transferResult).Methods(http.MethodPost)
	api.HandleFunc("/storage/register", h.register).Methods(http.MethodPost)
	api.HandleFunc("/storage/unregister", h.unregister).Methods(http.MethodPost)
	api.HandleFunc("/accounts", h.listAccounts).Methods(http.MethodGet)
	api.HandleFunc("/accounts/{id}", h.getAccount).Methods(http.MethodGet)
	api.HandleFunc("/metadata", h.metadata).Methods(http.MethodGet)
	api.HandleFunc("/admin/owner", h.setOwner).Methods(http.MethodPut)
	api.HandleFunc("/admin/burn-account", h.setBurnAccount).Methods(http.MethodPut)
	api.HandleFunc("/admin/audit", h.listAudit).Methods(http.MethodGet)
	api.HandleFunc("/events", h.recentEvents).Methods(http.MethodGet)
	api.HandleFunc("/events/stream", h.eventStream).Methods(http.MethodGet)

	return metrics.InstrumentHandler(withTracing(root, log))
}

func (h *handler) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// --- Deposits ----------------------------------------------------------------

// receiveFT is called by a token contract that forwarded a transfer to the
// locker. The caller is the token contract.
func (h *handler) receiveFT(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		SenderID string          `json:"sender_id"`
		Amount   decimal.Decimal `json:"amount"`
		Msg      string          `json:"msg"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	unused, err := h.svc.OnTransfer(r.Context(), Caller(r.Context()), payload.SenderID, payload.Amount, payload.Msg)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"unused": unused.String()})
}

func (h *handler) receiveMFT(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		TokenID  string          `json:"token_id"`
		SenderID string          `json:"sender_id"`
		Amount   decimal.Decimal `json:"amount"`
		Msg      string          `json:"msg"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	unused, err := h.svc.OnMultiTransfer(r.Context(), Caller(r.Context()), payload.TokenID, payload.SenderID, payload.Amount, payload.Msg)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"unused": unused.String()})
}

// --- Withdrawals -------------------------------------------------------------

func (h *handler) withdraw(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		TokenID string           `json:"token_id"`
		Amount  *decimal.Decimal `json:"amount,omitempty"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tr, err := h.svc.Withdraw(r.Context(), Caller(r.Context()), payload.TokenID, payload.Amount)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"transfer_id": tr.ID,
		"token_id":    tr.TokenID,
		"amount":      tr.Amount.String(),
		"reference":   tr.Reference,
	})
}

func (h *handler) listTransfers(w http.ResponseWriter, r *http.Request) {
	transfers, err := h.svc.ListTransfers(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if account := r.URL.Query().Get("account"); account != "" {
		filtered := transfers[:0]
		for _, tr := range transfers {
			if tr.AccountID == account {
				filtered = append(filtered, tr)
			}
		}
		transfers = filtered
	}
	if transfers == nil {
		transfers = []locker.Transfer{}
	}
	writeJSON(w, http.StatusOK, transfers)
}

func (h *handler) transferResult(w http.ResponseWriter, r *http.Request) {
	if Role(r.Context()) != RoleSettler {
		writeError(w, http.StatusForbidden, fmt.Errorf("%w: settler role required", locker.ErrNotAllowed))
		return
	}
	var payload struct {
		Success *bool `json:"success"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if payload.Success == nil {
		writeError(w, http.StatusBadRequest, errors.New("success is required"))
		return
	}
	outcome, err := h.svc.CompleteTransfer(r.Context(), mux.Vars(r)["id"], *payload.Success)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"outcome": string(outcome)})
}

// --- Account directory -------------------------------------------------------

func (h *handler) register(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		AccountID string `json:"account_id"`
	}
	if err := decodeOptionalJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	accountID := strings.TrimSpace(payload.AccountID)
	if accountID == "" {
		accountID = Caller(r.Context())
	}
	created, err := h.svc.Register(r.Context(), accountID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, map[string]any{"account_id": accountID, "created": created})
}

func (h *handler) unregister(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Force bool `json:"force"`
	}
	if err := decodeOptionalJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	removed, err := h.svc.Unregister(r.Context(), Caller(r.Context()), payload.Force)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

func (h *handler) getAccount(w http.ResponseWriter, r *http.Request) {
	acct, err := h.svc.GetAccount(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

func (h *handler) listAccounts(w http.ResponseWriter, r *http.Request) {
	fromIndex, err := queryInt(r, "from_index", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	limit, err := queryInt(r, "limit", 0)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	accts, err := h.svc.ListAccounts(r.Context(), fromIndex, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if accts == nil {
		accts = []*locker.Account{}
	}
	writeJSON(w, http.StatusOK, accts)
}

func (h *handler) metadata(w http.ResponseWriter, r *http.Request) {
	md, err := h.svc.Metadata(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, md)
}

// --- Administration ----------------------------------------------------------

func (h *handler) setOwner(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		OwnerID string `json:"owner_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if strings.TrimSpace(payload.OwnerID) == "" {
		writeError(w, http.StatusBadRequest, errors.New("owner_id is required"))
		return
	}
	if err := h.svc.SetOwner(r.Context(), Caller(r.Context()), payload.OwnerID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) setBurnAccount(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		BurnAccountID string `json:"burn_account_id"`
	}
	if err := decodeJSON(r.Body, &payload); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := h.svc.SetBurnAccount(r.Context(), Caller(r.Context()), payload.BurnAccountID); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *handler) listAudit(w http.ResponseWriter, r *http.Request) {
	md, err := h.svc.Metadata(r.Context())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if Caller(r.Context()) != md.OwnerID {
		writeError(w, http.StatusForbidden, locker.ErrNotAllowed)
		return
	}
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusOK, h.audit.listLimit(limit))
}

// --- Events ------------------------------------------------------------------

func (h *handler) recentEvents(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit", 100)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	var out []locker.Event
	switch {
	case r.URL.Query().Get("account") != "":
		out = h.events.RecentByAccount(r.URL.Query().Get("account"), limit)
	case r.URL.Query().Get("kind") != "":
		out = h.events.RecentByKind(r.URL.Query().Get("kind"), limit)
	default:
		out = h.events.Recent(limit)
	}
	if out == nil {
		out = []locker.Event{}
	}
	writeJSON(w, http.StatusOK, out)
}

// --- Helpers -----------------------------------------------------------------

// statusFor maps ledger errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, locker.ErrAccountNotRegistered),
		errors.Is(err, locker.ErrNoSuchLock),
		errors.Is(err, locker.ErrTransferNotFound):
		return http.StatusNotFound
	case errors.Is(err, locker.ErrStillLocked),
		errors.Is(err, locker.ErrInsufficientLockedBalance),
		errors.Is(err, locker.ErrTooManyLocks),
		errors.Is(err, locker.ErrStillHasTokens):
		return http.StatusConflict
	case errors.Is(err, locker.ErrUnlockTimeNotInFuture),
		errors.Is(err, locker.ErrInvalidUnlockExtension):
		return http.StatusUnprocessableEntity
	case errors.Is(err, locker.ErrMalformedMessage),
		errors.Is(err, locker.ErrInvalidAmount),
		errors.Is(err, locker.ErrInvalidAccountID),
		errors.Is(err, asset.ErrMalformedAssetID):
		return http.StatusBadRequest
	case errors.Is(err, locker.ErrNotAllowed):
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err)
}

func queryInt(r *http.Request, key string, def int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(key))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, fmt.Errorf("%s must be a non-negative integer", key)
	}
	return v, nil
}

func decodeJSON(body io.ReadCloser, dst interface{}) error {
	defer body.Close()
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(body io.ReadCloser, dst interface{}) error {
	err := decodeJSON(body, dst)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
