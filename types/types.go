package types

import (
	"time"
)

// Chain ids are plain EVM chain ids: Eth mainnet 1, Arbitrum 42161, etc.

type TransferKind string

const (
	KindDeposit    TransferKind = "deposit"
	KindWithdrawal TransferKind = "withdrawal"
)

func (k TransferKind) Valid() bool {
	return k == KindDeposit || k == KindWithdrawal
}

// Bridge transaction is a single transfer of USDC between two chains:
// burn on the source chain, attestation, mint on the destination chain.
// Records are created by the intake layer and advanced only by the monitor.
type BridgeTransaction struct {
	ID           string       `json:"id"`
	Kind         TransferKind `json:"kind"`
	SourceChain  int          `json:"sourceChain"`
	DestChain    int          `json:"destChain"`
	Status       Status       `json:"status"`
	Step         string       `json:"step,omitempty"`
	SourceTxHash string       `json:"sourceTxHash"`
	DestTxHash   string       `json:"destTxHash,omitempty"`
	Amount       Amount       `json:"amount"` // USDC base units, 6 decimals
	Sender       string       `json:"sender"`
	Recipient    string       `json:"recipient"`
	MessageHash  string       `json:"messageHash,omitempty"` // attestation lookup key
	Message      string       `json:"message,omitempty"`     // raw MessageSent bytes, needed to mint
	Attestation  string       `json:"attestation,omitempty"`
	RetryCount   int          `json:"retryCount"`
	Error        string       `json:"error,omitempty"`
	Gasless      bool         `json:"gasless"`
	Version      int64        `json:"version"` // bumped on every committed write
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`

	// mint transactions sent but never seen by a node, checked before re-sending
	MintCandidates []string `json:"mintCandidates,omitempty"`
}

// Clone returns a deep copy, callers outside the monitor only ever see clones.
func (t *BridgeTransaction) Clone() *BridgeTransaction {
	if t == nil {
		return nil
	}
	c := *t
	c.Amount = t.Amount.Copy()
	if t.MintCandidates != nil {
		c.MintCandidates = append([]string(nil), t.MintCandidates...)
	}
	return &c
}

// Proof is an attestation fetched for a message hash.
type Proof struct {
	MessageHash string    `json:"messageHash"`
	Attestation string    `json:"attestation"`
	Attempts    int       `json:"attempts"`
	FetchedAt   time.Time `json:"fetchedAt"`
}

// FeeEstimate is what a gasless user pays for a sponsored transaction.
// Recomputed per request, never persisted.
type FeeEstimate struct {
	ChainID       int       `json:"chainId"`
	GasWei        Amount    `json:"gasWei"`
	FeeUSDC       Amount    `json:"feeUsdc"` // base units, rounded up
	NativeUSDRate string    `json:"nativeUsdRate"`
	StableUSDRate string    `json:"stableUsdRate"`
	MarkupPercent string    `json:"markupPercent"`
	RateSource    string    `json:"rateSource"` // live, cached, last_known or default
	ComputedAt    time.Time `json:"computedAt"`
	ValidUntil    time.Time `json:"validUntil"`
}

// StatusEvent is published on every committed status change.
type StatusEvent struct {
	ID         string    `json:"id"`
	From       Status    `json:"from"`
	To         Status    `json:"to"`
	Step       string    `json:"step,omitempty"`
	Error      string    `json:"error,omitempty"`
	DestTxHash string    `json:"destTxHash,omitempty"`
	At         time.Time `json:"at"`
}
