package handlers

import (
	"encoding/json"
	"errors"
	"math/big"
	"net/http"

	ethav "github.com/KOREAN139/ethereum-address-validator"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"

	"gousdcbridge/logger"
	"gousdcbridge/paymaster"
	"gousdcbridge/retry"
)

type SponsorRequest struct {
	ChainID      int    `json:"chainId"`
	User         string `json:"user"`
	To           string `json:"to"`
	Data         string `json:"data"`
	Value        string `json:"value"`
	GasLimit     uint64 `json:"gasLimit"`
	Fee          string `json:"fee"` // USDC base units the user authorizes
	Nonce        string `json:"nonce"`
	Deadline     int64  `json:"deadline"` // unix seconds
	Signature    string `json:"signature"`
	FeeSignature string `json:"feeSignature"`
}

func invalid(msg string) error {
	return retry.Fatal(retry.ReasonInvalidInput, errors.New(msg))
}

// Sponsor relays a gasless call. The user signs
// paymaster.IntentMessage(chainId, to, data, fee, nonce, deadline) with
// personal_sign, and an EIP-3009 transferWithAuthorization of fee to the fee
// collector with the same nonce and deadline.
func (a *API) Sponsor(w http.ResponseWriter, r *http.Request) {
	if a.Paymaster == nil {
		responseJSON(w, &APIResponse{Status: "error", Message: "paymaster disabled"}, http.StatusNotFound)
		return
	}

	var req SponsorRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("error unmarshalling request body", zap.Error(err))
		responseError(w, retry.Fatal(retry.ReasonDecode, errors.New("cannot unmarshal input JSON")), "")
		return
	}

	if err := ethav.Validate(req.User); err != nil {
		responseError(w, invalid("no user address or invalid address provided"), "user")
		return
	}
	if err := ethav.Validate(req.To); err != nil {
		responseError(w, invalid("no target address or invalid address provided"), "to")
		return
	}
	to := common.HexToAddress(req.To)

	var data []byte
	if req.Data != "" {
		var err error
		data, err = hexutil.Decode(req.Data)
		if err != nil {
			responseError(w, invalid("malformed call data"), "data")
			return
		}
	}

	value := new(big.Int)
	if req.Value != "" {
		if _, ok := value.SetString(req.Value, 10); !ok || value.Sign() < 0 {
			responseError(w, invalid("malformed value"), "value")
			return
		}
	}

	fee, ok := new(big.Int).SetString(req.Fee, 10)
	if !ok || fee.Sign() <= 0 {
		responseError(w, invalid("no fee or malformed fee provided"), "fee")
		return
	}

	nonce, err := hexutil.Decode(req.Nonce)
	if err != nil || len(nonce) != common.HashLength {
		responseError(w, invalid("nonce must be 32 bytes of hex"), "nonce")
		return
	}

	sig, err := hexutil.Decode(req.Signature)
	if err != nil || len(sig) != crypto.SignatureLength {
		logger.Warn("malformed signature", zap.String("signature", req.Signature))
		responseError(w, invalid("no signature or malformed signature provided"), "signature")
		return
	}
	feeSig, err := hexutil.Decode(req.FeeSignature)
	if err != nil || len(feeSig) != crypto.SignatureLength {
		responseError(w, invalid("no fee signature or malformed fee signature provided"), "feeSignature")
		return
	}

	res, err := a.Paymaster.SponsorTransaction(r.Context(), paymaster.SponsorRequest{
		ChainID:      req.ChainID,
		User:         req.User,
		To:           to,
		Data:         data,
		Value:        value,
		GasLimit:     req.GasLimit,
		Fee:          fee,
		Nonce:        common.BytesToHash(nonce),
		Deadline:     req.Deadline,
		Signature:    sig,
		FeeSignature: feeSig,
	})
	if err != nil {
		if retry.ReasonOf(err) == retry.ReasonUnauthorized {
			logger.Warn("sponsorship not authorized", zap.String("user", req.User), zap.Error(err))
		}
		responseError(w, err, "")
		return
	}

	responseJSON(w, &APISponsorResponse{
		Status:    "ok",
		TxHash:    res.TxHash.Hex(),
		FeeTxHash: res.FeeTxHash.Hex(),
		Relayer:   res.Relayer.Hex(),
		Attempts:  res.Attempts,
		Fee:       res.Fee,
	}, http.StatusOK)
}
