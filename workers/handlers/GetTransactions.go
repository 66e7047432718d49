package handlers

import (
	"fmt"
	"net/http"

	"github.com/go-chi/chi"

	"gousdcbridge/monitor"
	"gousdcbridge/types"
)

func (a *API) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	tx, ok := a.Transactions.GetTransaction(id)
	if !ok {
		responseError(w, fmt.Errorf("%w: %s", monitor.ErrNotFound, id), "id")
		return
	}
	responseJSON(w, tx, http.StatusOK)
}

func (a *API) GetPendingTransactions(w http.ResponseWriter, r *http.Request) {
	responseJSON(w, a.Transactions.ListPending(), http.StatusOK)
}

func (a *API) GetFailedTransactions(w http.ResponseWriter, r *http.Request) {
	responseJSON(w, a.Transactions.ListByStatus(types.StatusFailed), http.StatusOK)
}
