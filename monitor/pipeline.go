package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"gousdcbridge/EVMRPC"
	"gousdcbridge/relayer"
	"gousdcbridge/retry"
	"gousdcbridge/types"
)

func stepFor(tx *types.BridgeTransaction) string {
	switch tx.Status {
	case types.StatusPending:
		return "awaiting source confirmations"
	case types.StatusConfirmed:
		return "extracting burn message"
	case types.StatusAttesting:
		return "awaiting attestation"
	case types.StatusMinting:
		if tx.DestTxHash != "" {
			return "awaiting mint confirmation"
		}
		return "minting on destination"
	case types.StatusCompleted:
		return "completed"
	}
	return tx.Step
}

func txFields(tx *types.BridgeTransaction) []zap.Field {
	return []zap.Field{
		zap.String("tx_id", tx.ID),
		zap.String("status", string(tx.Status)),
		zap.Int("source_chain", tx.SourceChain),
		zap.Int("dest_chain", tx.DestChain),
		zap.String("message_hash", tx.MessageHash),
	}
}

// process evaluates one transaction once, under its claim and id lock. Chain
// and attestation work is bounded so the lock outlives it; commits use ctx.
func (m *Monitor) process(ctx context.Context, id string) {
	tx, ok := m.claim(id)
	if !ok {
		return
	}
	defer m.release(id)

	unlock, ok := m.lock(ctx, id)
	if !ok {
		return
	}
	defer unlock()

	tx, ok = m.refresh(ctx, tx)
	if !ok {
		return
	}

	work, cancel := context.WithTimeout(ctx, m.workTimeout())
	defer cancel()

	var changed bool
	switch tx.Status {
	case types.StatusPending:
		changed = m.checkSource(work, tx)
	case types.StatusConfirmed:
		changed = m.extractMessage(work, tx)
	case types.StatusAttesting:
		changed = m.fetchAttestation(work, tx)
		if changed && tx.Status == types.StatusMinting {
			if err := m.commit(ctx, tx); err != nil {
				m.log.Error("cannot commit attestation", append(txFields(tx), zap.Error(err))...)
				return
			}
			tx, ok = m.GetTransaction(id)
			if !ok {
				return
			}
			changed = m.mint(work, tx)
		}
	case types.StatusMinting:
		changed = m.mint(work, tx)
	}

	if !changed {
		return
	}
	if err := m.commit(ctx, tx); err != nil {
		m.log.Error("cannot commit bridge transaction", append(txFields(tx), zap.Error(err))...)
	}
}

func (m *Monitor) fail(tx *types.BridgeTransaction, msg string) {
	tx.Status = types.StatusFailed
	tx.Error = msg
	m.log.Error("bridge transaction failed", append(txFields(tx), zap.String("step", tx.Step), zap.String("error", msg))...)
}

func notMined(err error) bool {
	return errors.Is(err, ethereum.NotFound) || retry.ReasonOf(err) == retry.ReasonNotReady
}

// checkSource waits for the burn transaction to be mined with enough
// confirmations. A reverted burn stays pending: failed is not reachable from
// pending.
func (m *Monitor) checkSource(ctx context.Context, tx *types.BridgeTransaction) bool {
	receipt, err := m.chain.TransactionReceipt(ctx, tx.SourceChain, common.HexToHash(tx.SourceTxHash))
	if err != nil {
		if !notMined(err) {
			m.log.Warn("error getting source receipt", append(txFields(tx), zap.Error(err))...)
		}
		return false
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		m.log.Warn("source transaction reverted", append(txFields(tx), zap.String("source_tx", tx.SourceTxHash))...)
		return false
	}

	confs, err := m.chain.Confirmations(ctx, tx.SourceChain, receipt)
	if err != nil {
		m.log.Warn("error getting source confirmations", append(txFields(tx), zap.Error(err))...)
		return false
	}
	need := uint64(m.cfg.Chains[tx.SourceChain].MinConfirmations)
	if confs < need {
		m.log.Debug("waiting for confirmations", append(txFields(tx), zap.Uint64("confirmations", confs), zap.Uint64("required", need))...)
		return false
	}

	tx.Status = types.StatusConfirmed
	return true
}

// extractMessage reads the MessageSent payload of the burn and derives the
// attestation lookup key from it.
func (m *Monitor) extractMessage(ctx context.Context, tx *types.BridgeTransaction) bool {
	if tx.Message == "" {
		receipt, err := m.chain.TransactionReceipt(ctx, tx.SourceChain, common.HexToHash(tx.SourceTxHash))
		if err != nil {
			m.log.Warn("error getting source receipt", append(txFields(tx), zap.Error(err))...)
			return false
		}
		transmitter := common.HexToAddress(m.cfg.Chains[tx.SourceChain].MessageTransmitter)
		msg, err := EVMRPC.MessageSentFromReceipt(receipt, transmitter)
		if err != nil {
			m.fail(tx, fmt.Sprintf("Burn message extraction failed: %s", err))
			return true
		}

		hash := EVMRPC.MessageHash(msg).Hex()
		if tx.MessageHash != "" && !strings.EqualFold(tx.MessageHash, hash) {
			m.fail(tx, fmt.Sprintf("Burn message extraction failed: message hash %s does not match %s", hash, tx.MessageHash))
			return true
		}
		tx.Message = hexutil.Encode(msg)
		tx.MessageHash = hash
	}

	tx.Status = types.StatusAttesting
	return true
}

// fetchAttestation runs one bounded fetch. Exhaustion and fatal errors fail the
// transaction with different message shapes; a timeout or a transient error
// leaves it untouched for the next tick.
func (m *Monitor) fetchAttestation(ctx context.Context, tx *types.BridgeTransaction) bool {
	proof, err := m.attestor.Fetch(ctx, tx.MessageHash, m.cfg.AttestationAttempts, m.cfg.AttestationDelay, m.cfg.AttestationTimeout)
	if err == nil {
		tx.Attestation = proof.Attestation
		tx.Status = types.StatusMinting
		m.log.Info("attestation received", append(txFields(tx), zap.Int("attempts", proof.Attempts))...)
		return true
	}

	err = retry.Classify(err)
	switch {
	case retry.IsExhausted(err):
		m.fail(tx, "Attestation fetch failed: "+err.Error())
		return true
	case retry.IsTimeout(err), retry.IsTransient(err):
		m.log.Warn("attestation not available yet", append(txFields(tx), zap.Error(err))...)
		return false
	default:
		m.fail(tx, "Attestation service error: "+err.Error())
		return true
	}
}

// mint broadcasts receiveMessage on the destination chain, or, once broadcast,
// waits for its receipt. Earlier broadcasts no node reported, and a message the
// transmitter already accepted, are settled before anything is re-sent.
func (m *Monitor) mint(ctx context.Context, tx *types.BridgeTransaction) bool {
	if tx.DestTxHash != "" {
		return m.checkMint(ctx, tx)
	}

	message, err := hexutil.Decode(tx.Message)
	if err != nil {
		m.fail(tx, fmt.Sprintf("Mint broadcast rejected: invalid message: %s", err))
		return true
	}
	attestation, err := hexutil.Decode(tx.Attestation)
	if err != nil {
		m.fail(tx, fmt.Sprintf("Mint broadcast rejected: invalid attestation: %s", err))
		return true
	}

	if len(tx.MintCandidates) > 0 {
		settled, ok := m.settleCandidates(ctx, tx, message)
		if !ok {
			return false
		}
		if settled {
			return true
		}
	}

	data, err := EVMRPC.PackReceiveMessage(message, attestation)
	if err != nil {
		m.fail(tx, fmt.Sprintf("Mint broadcast rejected: %s", err))
		return true
	}

	hash, err := m.relayer.Submit(ctx, relayer.TxRequest{
		ChainID:  tx.DestChain,
		To:       m.transmitter(tx.DestChain),
		Data:     data,
		GasLimit: m.cfg.MintGasLimit,
	})
	if err == nil {
		tx.DestTxHash = hash.Hex()
		m.log.Info("mint broadcast", append(txFields(tx), zap.String("dest_tx", tx.DestTxHash))...)
		return true
	}
	if hash != (common.Hash{}) {
		tx.MintCandidates = append(tx.MintCandidates, hash.Hex())
		m.log.Warn("mint sent but not observed, keeping it as a candidate", append(txFields(tx), zap.String("dest_tx", hash.Hex()))...)
	}

	err = retry.Classify(err)
	switch {
	case retry.IsExhausted(err):
		m.fail(tx, "Mint broadcast failed: "+err.Error())
	case retry.IsTimeout(err), retry.IsTransient(err):
		tx.RetryCount++
		m.log.Warn("mint broadcast postponed", append(txFields(tx), zap.Int("retry_count", tx.RetryCount), zap.Error(err))...)
	default:
		m.fail(tx, "Mint broadcast rejected: "+err.Error())
	}
	return true
}

func (m *Monitor) transmitter(chainId int) common.Address {
	return common.HexToAddress(m.cfg.Chains[chainId].MessageTransmitter)
}

// settleCandidates completes tx when one of its earlier mint broadcasts was
// mined successfully or the destination already received the message. ok is
// false when the chain could not be read and nothing should be re-sent yet.
func (m *Monitor) settleCandidates(ctx context.Context, tx *types.BridgeTransaction, message []byte) (settled, ok bool) {
	for _, candidate := range tx.MintCandidates {
		receipt, err := m.chain.TransactionReceipt(ctx, tx.DestChain, common.HexToHash(candidate))
		if err != nil {
			if notMined(err) {
				continue
			}
			m.log.Warn("error getting mint candidate receipt", append(txFields(tx), zap.String("dest_tx", candidate), zap.Error(err))...)
			return false, false
		}
		if receipt.Status == ethtypes.ReceiptStatusSuccessful {
			tx.DestTxHash = candidate
			tx.Status = types.StatusCompleted
			m.log.Info("bridge transaction completed by an earlier mint", append(txFields(tx), zap.String("dest_tx", candidate))...)
			return true, true
		}
	}

	received, err := m.chain.MessageReceived(ctx, tx.DestChain, m.transmitter(tx.DestChain), message)
	if err != nil {
		m.log.Warn("error checking destination transmitter", append(txFields(tx), zap.Error(err))...)
		return false, false
	}
	if received {
		tx.Status = types.StatusCompleted
		m.log.Info("message already received on destination", txFields(tx)...)
		return true, true
	}
	return false, true
}

// checkMint waits for the mint receipt. A reverted mint fails the transfer
// unless the destination already received the message, which is what a
// duplicate receiveMessage reverts on.
func (m *Monitor) checkMint(ctx context.Context, tx *types.BridgeTransaction) bool {
	receipt, err := m.chain.TransactionReceipt(ctx, tx.DestChain, common.HexToHash(tx.DestTxHash))
	if err != nil {
		if !notMined(err) {
			m.log.Warn("error getting mint receipt", append(txFields(tx), zap.Error(err))...)
		}
		return false
	}
	if receipt.Status != ethtypes.ReceiptStatusSuccessful {
		message, err := hexutil.Decode(tx.Message)
		if err != nil {
			m.fail(tx, fmt.Sprintf("Mint transaction reverted: %s", tx.DestTxHash))
			return true
		}
		received, err := m.chain.MessageReceived(ctx, tx.DestChain, m.transmitter(tx.DestChain), message)
		if err != nil {
			m.log.Warn("error checking destination transmitter", append(txFields(tx), zap.Error(err))...)
			return false
		}
		if !received {
			m.fail(tx, fmt.Sprintf("Mint transaction reverted: %s", tx.DestTxHash))
			return true
		}
		m.log.Warn("mint reverted but the message was already received", append(txFields(tx), zap.String("dest_tx", tx.DestTxHash))...)
	}
	tx.Status = types.StatusCompleted
	m.log.Info("bridge transaction completed", append(txFields(tx), zap.String("dest_tx", tx.DestTxHash))...)
	return true
}
