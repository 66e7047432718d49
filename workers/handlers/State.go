package handlers

import (
	"net/http"
)

// State reports pipeline counts per status and the relayer breaker.
func (a *API) State(w http.ResponseWriter, r *http.Request) {
	resp := &APIStateResponse{
		Status: "ok",
		Counts: a.Transactions.Counts(),
	}
	if a.Relayers != nil {
		resp.BreakerOpen = a.Relayers.Breaker().Open()
		resp.Relayers = len(a.Relayers.Accounts())
		if resp.BreakerOpen {
			resp.Message = "relayer circuit breaker open"
		}
	}
	responseJSON(w, resp, http.StatusOK)
}
