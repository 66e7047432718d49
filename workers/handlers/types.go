package handlers

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"gousdcbridge/monitor"
	"gousdcbridge/paymaster"
	"gousdcbridge/relayer"
	"gousdcbridge/types"
)

type APIResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Field   string `json:"field,omitempty"`
}

type APIStateResponse struct {
	Status      string               `json:"status"`
	Message     string               `json:"message"`
	Counts      map[types.Status]int `json:"counts"`
	BreakerOpen bool                 `json:"breakerOpen"`
	Relayers    int                  `json:"relayers"`
}

type APIRelayerBalance struct {
	Address string `json:"address"`
	Index   int    `json:"index"`
	Wei     string `json:"wei,omitempty"`
	Nonce   string `json:"nonce"`
	Error   string `json:"error,omitempty"`
}

type APISponsorResponse struct {
	Status    string             `json:"status"`
	TxHash    string             `json:"txHash"`
	FeeTxHash string             `json:"feeTxHash"`
	Relayer   string             `json:"relayer"`
	Attempts  int                `json:"attempts"`
	Fee       *types.FeeEstimate `json:"fee"`
}

// Transactions is the route-facing part of *monitor.Monitor.
type Transactions interface {
	CreateTransaction(ctx context.Context, rec *types.BridgeTransaction) (*types.BridgeTransaction, error)
	GetTransaction(id string) (*types.BridgeTransaction, bool)
	UpdateTransaction(ctx context.Context, id string, p monitor.Patch) (*types.BridgeTransaction, error)
	ListPending() []*types.BridgeTransaction
	ListByStatus(status types.Status) []*types.BridgeTransaction
	Counts() map[types.Status]int
}

// Paymaster is *paymaster.Service.
type Paymaster interface {
	EstimateGasFee(ctx context.Context, chainID int, gasUnits uint64) (*types.FeeEstimate, error)
	SponsorTransaction(ctx context.Context, req paymaster.SponsorRequest) (*paymaster.SponsorResult, error)
}

// Relayers is *relayer.Pool.
type Relayers interface {
	Accounts() []*relayer.Account
	Breaker() *relayer.Breaker
}

type BalanceReader interface {
	BalanceAt(ctx context.Context, chainId int, addr common.Address) (*big.Int, error)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// API holds what the handlers read from. Paymaster, Relayers, Node and Store
// may be nil.
type API struct {
	Transactions Transactions
	Paymaster    Paymaster
	Relayers     Relayers
	Node         BalanceReader
	Store        Pinger
}
