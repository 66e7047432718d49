package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"gousdcbridge/logger"
	"gousdcbridge/retry"
	"gousdcbridge/types"
)

type SubmitTransactionRequest struct {
	Kind         types.TransferKind `json:"kind"`
	SourceChain  int                `json:"sourceChain"`
	DestChain    int                `json:"destChain"`
	SourceTxHash string             `json:"sourceTxHash"`
	Amount       types.Amount       `json:"amount"`
	Sender       string             `json:"sender"`
	Recipient    string             `json:"recipient"`
	MessageHash  string             `json:"messageHash"`
	Gasless      bool               `json:"gasless"`
}

// SubmitTransaction registers a burn for the monitor to follow.
func (a *API) SubmitTransaction(w http.ResponseWriter, r *http.Request) {
	var req SubmitTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("error unmarshalling request body", zap.Error(err))
		responseError(w, retry.Fatal(retry.ReasonDecode, errors.New("cannot unmarshal input JSON")), "")
		return
	}

	tx, err := a.Transactions.CreateTransaction(r.Context(), &types.BridgeTransaction{
		Kind:         req.Kind,
		SourceChain:  req.SourceChain,
		DestChain:    req.DestChain,
		SourceTxHash: req.SourceTxHash,
		Amount:       req.Amount,
		Sender:       req.Sender,
		Recipient:    req.Recipient,
		MessageHash:  req.MessageHash,
		Gasless:      req.Gasless,
	})
	if err != nil {
		logger.Warn("cannot create bridge transaction",
			zap.String("source_tx", req.SourceTxHash),
			zap.Error(err),
		)
		responseError(w, err, "")
		return
	}
	responseJSON(w, tx, http.StatusCreated)
}
