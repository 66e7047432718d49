package handlers

import (
	"net/http"

	"go.uber.org/zap"

	"gousdcbridge/logger"
)

// RelayerBalances lists native balances and nonce state of the relayer
// accounts on one chain.
func (a *API) RelayerBalances(w http.ResponseWriter, r *http.Request) {
	chainId, err := chainParam(r)
	if err != nil {
		responseError(w, err, "chainId")
		return
	}
	if a.Relayers == nil || a.Node == nil {
		responseJSON(w, []APIRelayerBalance{}, http.StatusOK)
		return
	}

	accounts := a.Relayers.Accounts()
	out := make([]APIRelayerBalance, 0, len(accounts))
	for _, acct := range accounts {
		item := APIRelayerBalance{
			Address: acct.Address.Hex(),
			Index:   acct.Index,
			Nonce:   acct.Nonce(chainId).String(),
		}
		balance, err := a.Node.BalanceAt(r.Context(), chainId, acct.Address)
		if err != nil {
			logger.Warn("error getting relayer balance",
				zap.Int("chain", chainId),
				zap.String("relayer", acct.Address.Hex()),
				zap.Error(err),
			)
			item.Error = err.Error()
		} else {
			item.Wei = balance.String()
		}
		out = append(out, item)
	}
	responseJSON(w, out, http.StatusOK)
}
