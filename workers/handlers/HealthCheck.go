package handlers

import (
	"net/http"
)

func (a *API) HealthCheck(w http.ResponseWriter, r *http.Request) {
	if a.Store != nil {
		if err := a.Store.Ping(r.Context()); err != nil {
			responseJSON(w, &APIResponse{
				Status:  "error",
				Message: "storage unavailable",
			}, http.StatusServiceUnavailable)
			return
		}
	}
	responseJSON(w, &APIResponse{
		Status: "ok",
	}, http.StatusOK)
}
