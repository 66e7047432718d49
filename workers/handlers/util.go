package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi"

	"gousdcbridge/monitor"
	"gousdcbridge/paymaster"
	"gousdcbridge/retry"
)

func responseJSON(w http.ResponseWriter, data interface{}, code int) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(data)
}

func responseError(w http.ResponseWriter, err error, field string) {
	responseJSON(w, &APIResponse{
		Status:  "error",
		Message: err.Error(),
		Field:   field,
	}, errorCode(err))
}

// errorCode maps an error kind to the HTTP status a client should see.
func errorCode(err error) int {
	switch {
	case errors.Is(err, monitor.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, monitor.ErrExists),
		errors.Is(err, monitor.ErrTerminal),
		errors.Is(err, monitor.ErrInvalidTransition):
		return http.StatusConflict
	case errors.Is(err, paymaster.ErrInsufficientUserBalance):
		return http.StatusPaymentRequired
	}

	switch retry.ReasonOf(err) {
	case retry.ReasonInvalidInput, retry.ReasonDecode:
		return http.StatusBadRequest
	case retry.ReasonUnauthorized:
		return http.StatusUnauthorized
	}
	if retry.IsTransient(err) || retry.IsTimeout(err) || retry.IsExhausted(err) {
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func chainParam(r *http.Request) (int, error) {
	chainId, err := strconv.Atoi(chi.URLParam(r, "chainId"))
	if err != nil || chainId <= 0 {
		return 0, retry.Fatal(retry.ReasonInvalidInput, errors.New("invalid chain id"))
	}
	return chainId, nil
}
