package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"marketcore.org/internal/domain"
	"marketcore.org/internal/ledger"
)

type transferRequest struct {
	To             string `json:"to"`
	Amount         int64  `json:"amount"`
	Note           string `json:"note"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type transferResponse struct {
	Out domain.Transaction  `json:"out"`
	In  domain.Transaction  `json:"in"`
	Fee *domain.Transaction `json:"fee,omitempty"`
}

type withdrawRequest struct {
	Amount         int64                   `json:"amount"`
	Method         ledger.WithdrawalMethod `json:"method"`
	IdempotencyKey string                  `json:"idempotency_key,omitempty"`
}

type depositRequest struct {
	UserID         string `json:"user_id"`
	Amount         int64  `json:"amount"`
	Subtype        string `json:"subtype"`
	Note           string `json:"note"`
	IdempotencyKey string `json:"idempotency_key,omitempty"`
}

type rejectRequest struct {
	Note string `json:"note"`
}

type listTransactionsResponse struct {
	Items     []domain.Transaction `json:"items"`
	NextAfter uint64               `json:"next_after"`
	AsOf      time.Time            `json:"as_of"`
}

// idempotencyKey takes the Idempotency-Key header or the idempotency_key body
// field. When both are sent they must agree.
func idempotencyKey(r *http.Request, bodyKey string) (string, error) {
	key := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	if bodyKey = strings.TrimSpace(bodyKey); bodyKey != "" {
		if key == "" {
			key = bodyKey
		} else if key != bodyKey {
			return "", errors.New("Idempotency-Key header and body value must match")
		}
	}
	if len(key) > 128 {
		return "", errors.New("Idempotency-Key too long")
	}
	return key, nil
}

// accountID resolves /accounts/me and /accounts/{userID}. The latter is only
// routed for privileged callers.
func accountID(r *http.Request) string {
	if id := chi.URLParam(r, "userID"); id != "" {
		return id
	}
	return actor(r).UserID
}

func (a *API) getBalance(w http.ResponseWriter, r *http.Request) {
	userID := accountID(r)
	bal, err := a.ledger.Balance(r.Context(), userID)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"user_id":      userID,
		"credit":       bal.Credit,
		"bonus_credit": bal.BonusCredit,
		"total":        bal.Credit + bal.BonusCredit,
	})
}

func (a *API) listTransactions(w http.ResponseWriter, r *http.Request) {
	limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	afterParam := strings.TrimSpace(r.URL.Query().Get("after"))
	var after uint64
	if afterParam != "" {
		v, err := strconv.ParseUint(afterParam, 10, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "after must be a non-negative integer")
			return
		}
		after = v
	}

	items, next, err := a.ledger.Transactions(r.Context(), accountID(r), limit, after)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	if items == nil {
		items = []domain.Transaction{}
	}
	writeJSON(w, http.StatusOK, listTransactionsResponse{
		Items:     items,
		NextAfter: next,
		AsOf:      a.clock.Now().UTC(),
	})
}

func (a *API) transfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	idem, err := idempotencyKey(r, req.IdempotencyKey)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	to := strings.TrimSpace(req.To)
	if to == "" {
		writeError(w, r, http.StatusBadRequest, "to is required")
		return
	}
	if len(to) > 64 {
		writeError(w, r, http.StatusBadRequest, "user identifiers must be <=64 characters")
		return
	}
	if req.Amount <= 0 {
		writeError(w, r, http.StatusBadRequest, "amount must be > 0")
		return
	}

	from := actor(r).UserID
	res, err := a.ledger.Transfer(r.Context(), from, to, req.Amount, req.Note, idem)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	meta := map[string]any{
		"from":   from,
		"to":     to,
		"amount": req.Amount,
		"out_id": res.Out.ID,
	}
	if idem != "" {
		meta["idempotency_key"] = idem
	}
	if res.Fee != nil {
		meta["fee"] = res.Fee.Amount
	}
	a.audit(r.Context(), "ledger.transfer", meta)
	writeJSON(w, http.StatusCreated, transferResponse{Out: res.Out, In: res.In, Fee: res.Fee})
}

func (a *API) withdraw(w http.ResponseWriter, r *http.Request) {
	var req withdrawRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if !req.Method.Valid() {
		writeError(w, r, http.StatusBadRequest, "method must be paypal, bank_wire or western_union")
		return
	}
	idem, err := idempotencyKey(r, req.IdempotencyKey)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tx, err := a.ledger.Withdraw(r.Context(), actor(r).UserID, req.Amount, req.Method, idem)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.withdraw.request", map[string]any{
		"tx_id":  tx.ID,
		"amount": tx.Amount,
		"method": req.Method,
		"fee":    tx.Metadata["fee"],
	})
	w.Header().Set("Location", "/v1/accounts/me/transactions")
	writeJSON(w, http.StatusCreated, tx)
}

func (a *API) confirmWithdrawal(w http.ResponseWriter, r *http.Request) {
	tx, err := a.ledger.Confirm(r.Context(), chi.URLParam(r, "txID"))
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.withdraw.confirm", map[string]any{"tx_id": tx.ID, "user_id": tx.UserID})
	writeJSON(w, http.StatusOK, tx)
}

func (a *API) rejectWithdrawal(w http.ResponseWriter, r *http.Request) {
	var req rejectRequest
	if err := decodeOptionalJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	txID := chi.URLParam(r, "txID")
	reversal, err := a.ledger.Reject(r.Context(), txID, req.Note)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.withdraw.reject", map[string]any{
		"tx_id":       txID,
		"reversal_id": reversal.ID,
		"amount":      reversal.Amount,
	})
	writeJSON(w, http.StatusOK, reversal)
}

func (a *API) deposit(w http.ResponseWriter, r *http.Request) {
	var req depositRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, r, http.StatusBadRequest, "user_id is required")
		return
	}
	idem, err := idempotencyKey(r, req.IdempotencyKey)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tx, err := a.ledger.Deposit(r.Context(), req.UserID, req.Amount, req.Subtype, req.Note, idem)
	if err != nil {
		a.handleError(w, r, err)
		return
	}
	a.audit(r.Context(), "ledger.deposit", map[string]any{
		"tx_id":   tx.ID,
		"user_id": tx.UserID,
		"amount":  tx.Amount,
		"subtype": tx.Subtype,
	})
	writeJSON(w, http.StatusCreated, tx)
}

func (a *API) sweep(w http.ResponseWriter, r *http.Request) {
	released, err := a.ledger.ReleaseCleared(r.Context())
	if err != nil && len(released) == 0 {
		a.handleError(w, r, err)
		return
	}
	ids := make([]string, 0, len(released))
	for _, tx := range released {
		ids = append(ids, tx.ID)
	}
	a.audit(r.Context(), "settlement.sweep", map[string]any{"released": len(released)})
	resp := map[string]any{
		"released": len(released),
		"ids":      ids,
	}
	if err != nil {
		// Partial sweep: the rest is retried on the next run.
		a.log.WithError(err).Warn("settlement sweep incomplete")
		resp["incomplete"] = true
	}
	writeJSON(w, http.StatusOK, resp)
}
