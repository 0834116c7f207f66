package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"meridianbank.org/internal/audit"
	"meridianbank.org/internal/auth"
	"meridianbank.org/internal/bank"
	"meridianbank.org/internal/obs"
	"meridianbank.org/internal/stream"
)

type createAccountRequest struct {
	OwnerID        string          `json:"owner_id"`
	Type           string          `json:"type"`
	InitialDeposit decimal.Decimal `json:"initial_deposit"`
	InterestRate   decimal.Decimal `json:"interest_rate"`
	OverdraftLimit decimal.Decimal `json:"overdraft_limit"`
	ParentID       string          `json:"parent_id"`
}

type movementRequest struct {
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

type transferRequest struct {
	FromID      string          `json:"from_id"`
	ToID        string          `json:"to_id"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description"`
}

type stateRequest struct {
	State string `json:"state"`
}

type listTransactionsResponse struct {
	Items []bank.Transaction `json:"items"`
	AsOf  time.Time          `json:"as_of"`
}

func (a *API) handleAccountsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.createAccount(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleAccountResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/accounts/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	id, action, _ := strings.Cut(path, "/")
	if id == "" || strings.Contains(action, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getAccount(w, r, id)
	case "transactions":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.listAccountTransactions(w, r, id)
	case "deposit":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.movement(w, r, id, bank.TxDeposit)
	case "withdraw":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.movement(w, r, id, bank.TxWithdrawal)
	case "state":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.setAccountState(w, r, id)
	case "close":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.closeAccount(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleTransfers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		a.transfer(w, r)
	default:
		methodNotAllowed(w, r, http.MethodPost)
	}
}

func (a *API) handleTransactionsCollection(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		a.listTransactions(w, r)
	default:
		methodNotAllowed(w, r, http.MethodGet)
	}
}

func (a *API) handleTransactionResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/transactions/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	ref, action, _ := strings.Cut(path, "/")
	if ref == "" || strings.Contains(action, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}

	switch action {
	case "":
		if r.Method != http.MethodGet {
			methodNotAllowed(w, r, http.MethodGet)
			return
		}
		a.getTransaction(w, r, ref)
	case "approve":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.resolveTransaction(w, r, ref, true)
	case "reject":
		if r.Method != http.MethodPost {
			methodNotAllowed(w, r, http.MethodPost)
			return
		}
		a.resolveTransaction(w, r, ref, false)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) createAccount(w http.ResponseWriter, r *http.Request) {
	var req createAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	ownerID := strings.TrimSpace(req.OwnerID)
	if ownerID == "" {
		writeError(w, r, http.StatusBadRequest, "owner_id is required")
		return
	}
	if len(ownerID) > 64 {
		writeError(w, r, http.StatusBadRequest, "owner_id must be <=64 characters")
		return
	}

	acc, err := a.bank.CreateAccount(r.Context(), bank.AccountSpec{
		OwnerID:        ownerID,
		Type:           bank.AccountType(strings.ToLower(strings.TrimSpace(req.Type))),
		InitialDeposit: req.InitialDeposit,
		InterestRate:   req.InterestRate,
		OverdraftLimit: req.OverdraftLimit,
		ParentID:       strings.TrimSpace(req.ParentID),
	})
	if err != nil {
		handleBankError(w, r, err)
		return
	}

	a.audit(r.Context(), "account.create", map[string]any{
		"account_id":      acc.ID,
		"account_number":  acc.Number,
		"type":            string(acc.Type),
		"initial_deposit": acc.Balance.String(),
	})

	w.Header().Set("Location", "/v1/accounts/"+acc.ID)
	writeJSON(w, http.StatusCreated, acc)
}

func (a *API) getAccount(w http.ResponseWriter, r *http.Request, id string) {
	acc, err := a.bank.GetAccount(r.Context(), id)
	if err != nil {
		handleBankError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) setAccountState(w http.ResponseWriter, r *http.Request, id string) {
	actor := a.actor(r.Context())
	if !actor.Role.Can(auth.CapAccountState) {
		writeError(w, r, http.StatusForbidden, "role not permitted")
		return
	}

	var req stateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	acc, err := a.bank.SetAccountState(r.Context(), id, bank.AccountState(strings.ToLower(strings.TrimSpace(req.State))))
	if err != nil {
		handleBankError(w, r, err)
		return
	}

	a.audit(r.Context(), "account.state_change", map[string]any{
		"account_id": acc.ID,
		"state":      string(acc.State),
	})
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) closeAccount(w http.ResponseWriter, r *http.Request, id string) {
	actor := a.actor(r.Context())
	if !actor.Role.Can(auth.CapAccountClose) {
		writeError(w, r, http.StatusForbidden, "role not permitted")
		return
	}

	acc, err := a.bank.CloseAccount(r.Context(), id)
	if err != nil {
		handleBankError(w, r, err)
		return
	}

	a.audit(r.Context(), "account.close", map[string]any{
		"account_id": acc.ID,
	})
	writeJSON(w, http.StatusOK, acc)
}

func (a *API) movement(w http.ResponseWriter, r *http.Request, id string, txType bank.TransactionType) {
	actor := a.actor(r.Context())
	if !actor.Role.Can(auth.CapTransactionCreate) {
		writeError(w, r, http.StatusForbidden, "role not permitted")
		return
	}

	var req movementRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	var (
		tx  bank.Transaction
		err error
	)
	switch txType {
	case bank.TxDeposit:
		tx, err = a.bank.Deposit(r.Context(), id, req.Amount, actor, strings.TrimSpace(req.Description))
	default:
		tx, err = a.bank.Withdraw(r.Context(), id, req.Amount, actor, strings.TrimSpace(req.Description))
	}
	if err != nil {
		handleBankError(w, r, err)
		return
	}

	a.transactionCreated(r.Context(), tx)
	writeJSON(w, http.StatusCreated, tx)
}

func (a *API) transfer(w http.ResponseWriter, r *http.Request) {
	actor := a.actor(r.Context())
	if !actor.Role.Can(auth.CapTransactionCreate) {
		writeError(w, r, http.StatusForbidden, "role not permitted")
		return
	}

	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	fromID := strings.TrimSpace(req.FromID)
	toID := strings.TrimSpace(req.ToID)
	if fromID == "" || toID == "" {
		writeError(w, r, http.StatusBadRequest, "from_id and to_id are required")
		return
	}
	if len(fromID) > 64 || len(toID) > 64 {
		writeError(w, r, http.StatusBadRequest, "account identifiers must be <=64 characters")
		return
	}

	tx, err := a.bank.Transfer(r.Context(), fromID, toID, req.Amount, actor, strings.TrimSpace(req.Description))
	if err != nil {
		handleBankError(w, r, err)
		return
	}

	a.transactionCreated(r.Context(), tx)
	writeJSON(w, http.StatusCreated, tx)
}

func (a *API) resolveTransaction(w http.ResponseWriter, r *http.Request, ref string, approve bool) {
	actor := a.actor(r.Context())
	if !actor.Role.Can(auth.CapTransactionResolve) {
		writeError(w, r, http.StatusForbidden, "role not permitted")
		return
	}

	var (
		tx    bank.Transaction
		err   error
		event = "transaction.approve"
	)
	if approve {
		tx, err = a.bank.Approve(r.Context(), ref, actor)
	} else {
		tx, err = a.bank.Reject(r.Context(), ref, actor)
		event = "transaction.reject"
	}
	if err != nil {
		handleBankError(w, r, err)
		return
	}

	obs.TransactionObserved(string(tx.Type), string(tx.Status))
	a.publish(tx)
	a.audit(r.Context(), event, map[string]any{
		"reference":  tx.Reference,
		"account_id": tx.AccountID,
		"amount":     tx.Amount.String(),
		"status":     string(tx.Status),
	})
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) getTransaction(w http.ResponseWriter, r *http.Request, ref string) {
	tx, err := a.bank.GetTransaction(r.Context(), ref)
	if err != nil {
		handleBankError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) listTransactions(w http.ResponseWriter, r *http.Request) {
	a.listAccountTransactions(w, r, strings.TrimSpace(r.URL.Query().Get("account_id")))
}

func (a *API) listAccountTransactions(w http.ResponseWriter, r *http.Request, accountID string) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if accountID != "" {
		if _, err := a.bank.GetAccount(r.Context(), accountID); err != nil {
			handleBankError(w, r, err)
			return
		}
	}

	items, err := a.bank.ListTransactions(r.Context(), accountID, limit)
	if err != nil {
		handleBankError(w, r, err)
		return
	}
	if items == nil {
		items = []bank.Transaction{}
	}

	writeJSON(w, http.StatusOK, listTransactionsResponse{
		Items: items,
		AsOf:  time.Now().UTC(),
	})
}

// transactionCreated records metrics, streams and audits a freshly created
// transaction, whether it auto-applied or parked as pending.
func (a *API) transactionCreated(ctx context.Context, tx bank.Transaction) {
	if tx.IsCompleted() {
		obs.TransactionSettled(string(tx.Type))
	} else {
		obs.TransactionObserved(string(tx.Type), string(tx.Status))
	}
	a.publish(tx)
	a.audit(ctx, "transaction.create", map[string]any{
		"reference":  tx.Reference,
		"account_id": tx.AccountID,
		"type":       string(tx.Type),
		"amount":     tx.Amount.String(),
		"status":     string(tx.Status),
	})
}

func (a *API) publish(tx bank.Transaction) {
	if a.stream == nil {
		return
	}
	a.stream.Publish(stream.Event{
		Reference:            tx.Reference,
		AccountID:            tx.AccountID,
		DestinationAccountID: tx.DestinationAccountID,
		Type:                 string(tx.Type),
		Status:               string(tx.Status),
		Amount:               tx.Amount,
		Timestamp:            time.Now().UTC(),
	})
}

func (a *API) audit(ctx context.Context, event string, fields map[string]any) {
	_ = audit.LogEvent(ctx, event, fields)
}

// actor resolves the authenticated caller. When token auth is disabled the
// service runs in local mode and every request acts as the admin.
func (a *API) actor(ctx context.Context) auth.Actor {
	if actor, ok := auth.ActorFromContext(ctx); ok {
		return actor
	}
	return auth.Actor{ID: "local", Role: auth.RoleAdmin}
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("limit must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("limit must be between 1 and 1000")
	}
	return val, nil
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleBankError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, bank.ErrInvalidAmount),
		errors.Is(err, bank.ErrInvalidState),
		errors.Is(err, bank.ErrSameAccount):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, bank.ErrRoleNotPermitted):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, bank.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, bank.ErrAccountInactive),
		errors.Is(err, bank.ErrNotPending),
		errors.Is(err, bank.ErrApprovalNotRequired),
		errors.Is(err, bank.ErrAccountNotClosable),
		errors.Is(err, bank.ErrInsufficientFunds):
		writeError(w, r, http.StatusConflict, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
