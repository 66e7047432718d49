package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"gousdcbridge/retry"
)

// EstimateFee prices ?gas= units (default gas limit when absent) on a chain.
func (a *API) EstimateFee(w http.ResponseWriter, r *http.Request) {
	if a.Paymaster == nil {
		responseJSON(w, &APIResponse{Status: "error", Message: "paymaster disabled"}, http.StatusNotFound)
		return
	}
	chainId, err := chainParam(r)
	if err != nil {
		responseError(w, err, "chainId")
		return
	}

	var gas uint64
	if v := r.URL.Query().Get("gas"); v != "" {
		gas, err = strconv.ParseUint(v, 10, 64)
		if err != nil {
			responseError(w, retry.Fatal(retry.ReasonInvalidInput, errors.New("invalid gas amount")), "gas")
			return
		}
	}

	est, err := a.Paymaster.EstimateGasFee(r.Context(), chainId, gas)
	if err != nil {
		responseError(w, err, "")
		return
	}
	responseJSON(w, est, http.StatusOK)
}
