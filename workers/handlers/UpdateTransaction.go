package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi"
	"go.uber.org/zap"

	"gousdcbridge/logger"
	"gousdcbridge/monitor"
	"gousdcbridge/retry"
	"gousdcbridge/types"
)

type UpdateTransactionRequest struct {
	Status      *types.Status `json:"status"`
	DestTxHash  *string       `json:"destTxHash"`
	MessageHash *string       `json:"messageHash"`
	Gasless     *bool         `json:"gasless"`
	Error       *string       `json:"error"`
}

// UpdateTransaction is the operator override; absent fields are kept.
func (a *API) UpdateTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req UpdateTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		responseError(w, retry.Fatal(retry.ReasonDecode, errors.New("cannot unmarshal input JSON")), "")
		return
	}

	tx, err := a.Transactions.UpdateTransaction(r.Context(), id, monitor.Patch{
		Status:      req.Status,
		DestTxHash:  req.DestTxHash,
		MessageHash: req.MessageHash,
		Gasless:     req.Gasless,
		Error:       req.Error,
	})
	if err != nil {
		logger.Warn("cannot update bridge transaction", zap.String("tx_id", id), zap.Error(err))
		responseError(w, err, "")
		return
	}
	responseJSON(w, tx, http.StatusOK)
}
