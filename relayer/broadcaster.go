package relayer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"

	"gousdcbridge/EVMRPC"
	"gousdcbridge/logger"
	"gousdcbridge/metrics"
	"gousdcbridge/retry"
)

var ErrBroadcastDropped = errors.New("broadcast transaction was never observed by the node")

// TxRequest is a call the relayer pays gas for.
type TxRequest struct {
	ChainID  int
	To       common.Address
	Data     []byte
	Value    *big.Int
	GasLimit uint64
}

type BroadcastConfig struct {
	SubmitAttempts     int
	SubmitDelay        time.Duration
	SubmitTimeout      time.Duration
	MaxAccountSwitches int
	VerifyWindow       time.Duration
	VerifyInterval     time.Duration
	GasLimit           uint64
}

// Broadcaster signs and submits transactions from pool accounts.
type Broadcaster struct {
	pool    *Pool
	node    Node
	cfg     BroadcastConfig
	log     *zap.Logger
	metrics *metrics.Metrics
}

func NewBroadcaster(pool *Pool, node Node, cfg BroadcastConfig, m *metrics.Metrics) *Broadcaster {
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	if cfg.VerifyInterval <= 0 {
		cfg.VerifyInterval = time.Second
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 300000
	}
	return &Broadcaster{
		pool:    pool,
		node:    node,
		cfg:     cfg,
		log:     logger.Named("relayer"),
		metrics: m,
	}
}

// submitBackoff escalates exponentially on congestion and linearly on generic
// node errors.
func (b *Broadcaster) submitBackoff(attempt int, err error) time.Duration {
	if retry.ReasonOf(err) == retry.ReasonCongestion {
		return b.cfg.SubmitDelay * time.Duration(1<<uint(attempt))
	}
	return b.cfg.SubmitDelay * time.Duration(attempt)
}

// nonce conflicts are handled by switching accounts, not by retrying in place
func submitRetryable(err error) bool {
	return retry.IsTransient(err) && retry.ReasonOf(err) != retry.ReasonNonceConflict
}

// Submit is the full sponsorship path used by the monitor: breaker, throttle,
// account selection with balance guard, then Broadcast.
func (b *Broadcaster) Submit(ctx context.Context, req TxRequest) (common.Hash, error) {
	if err := b.pool.Allow(); err != nil {
		return common.Hash{}, err
	}
	if err := b.pool.Throttle(ctx); err != nil {
		return common.Hash{}, err
	}
	acct, err := b.pool.Acquire(ctx, req.ChainID, nil)
	if err != nil {
		return common.Hash{}, err
	}
	return b.Broadcast(ctx, req, acct)
}

// Broadcast sends req from acct. On a nonce conflict the account's nonce goes
// back to unknown and another account is tried, at most MaxAccountSwitches
// times. A submission that the node never shows within VerifyWindow fails with
// ErrBroadcastDropped. Once a transaction was sent its hash is returned even
// with an error, it may still be mined.
func (b *Broadcaster) Broadcast(ctx context.Context, req TxRequest, acct *Account) (common.Hash, error) {
	excluded := Exclusion{}
	for switches := 0; ; switches++ {
		hash, err := b.broadcastFrom(ctx, req, acct)
		if err == nil {
			b.record(req.ChainID, "success")
			return hash, nil
		}

		if retry.ReasonOf(err) != retry.ReasonNonceConflict || switches >= b.cfg.MaxAccountSwitches {
			b.record(req.ChainID, outcome(err))
			return hash, err
		}

		excluded.Add(acct.Address)
		next, aerr := b.pool.Acquire(ctx, req.ChainID, excluded)
		if aerr != nil {
			b.record(req.ChainID, outcome(aerr))
			return common.Hash{}, aerr
		}
		b.log.Info("nonce conflict, switching relayer",
			zap.Int("chain", req.ChainID),
			zap.String("from", acct.Address.Hex()),
			zap.String("to", next.Address.Hex()),
		)
		acct = next
	}
}

func (b *Broadcaster) broadcastFrom(ctx context.Context, req TxRequest, acct *Account) (common.Hash, error) {
	tx, err := b.submit(ctx, req, acct)
	if err != nil {
		return common.Hash{}, err
	}

	if err := b.verify(ctx, req.ChainID, tx.Hash()); err != nil {
		acct.mu.Lock()
		acct.resetLocked(req.ChainID)
		acct.mu.Unlock()
		b.log.Error("broadcast not observed",
			zap.Int("chain", req.ChainID),
			zap.String("relayer", acct.Address.Hex()),
			zap.String("tx", tx.Hash().Hex()),
			zap.Error(err),
		)
		return tx.Hash(), err
	}

	b.log.Info("broadcast transaction",
		zap.Int("chain", req.ChainID),
		zap.String("relayer", acct.Address.Hex()),
		zap.Uint64("nonce", tx.Nonce()),
		zap.String("tx", tx.Hash().Hex()),
	)
	return tx.Hash(), nil
}

// submit signs and sends under the account owner lock. Any failure puts the
// nonce back to unknown.
func (b *Broadcaster) submit(ctx context.Context, req TxRequest, acct *Account) (*ethtypes.Transaction, error) {
	acct.mu.Lock()
	defer acct.mu.Unlock()

	state := acct.nonceLocked(req.ChainID)
	if !state.Tracked {
		n, err := b.node.PendingNonceAt(ctx, req.ChainID, acct.Address)
		if err != nil {
			return nil, fmt.Errorf("error getting nonce for relayer %s: %w", acct.Address.Hex(), retry.Classify(err))
		}
		acct.trackLocked(req.ChainID, n)
		state = acct.nonceLocked(req.ChainID)
	}
	nonce := state.Next

	policy := retry.Policy{
		MaxAttempts: b.cfg.SubmitAttempts,
		Delay:       b.cfg.SubmitDelay,
		Timeout:     b.cfg.SubmitTimeout,
		Backoff:     b.submitBackoff,
		Retryable:   submitRetryable,
	}

	congested := 0
	tx, err := retry.Do(ctx, policy, fmt.Sprintf("broadcast on chain %d", req.ChainID),
		func(ctx context.Context, attempt int) (*ethtypes.Transaction, bool, error) {
			gp, err := b.node.GasPrices(ctx, req.ChainID)
			if err != nil {
				return nil, false, err
			}
			tx, err := acct.sign(req.ChainID, b.txData(req, nonce, gp, congested))
			if err != nil {
				return nil, false, retry.Fatal(retry.ReasonInvalidInput, err)
			}
			err = retry.Classify(b.node.SendTransaction(ctx, req.ChainID, tx))
			if err != nil {
				if retry.ReasonOf(err) == retry.ReasonCongestion {
					congested++
					b.pool.breaker.RecordCongestion()
				}
				b.log.Debug("send failed",
					zap.Int("chain", req.ChainID),
					zap.String("relayer", acct.Address.Hex()),
					zap.Uint64("nonce", nonce),
					zap.Int("attempt", attempt),
					zap.Error(err),
				)
				return nil, false, err
			}
			return tx, true, nil
		})
	if err != nil {
		acct.resetLocked(req.ChainID)
		return nil, err
	}

	acct.sentLocked(req.ChainID, nonce)
	b.pool.breaker.RecordSuccess()
	return tx, nil
}

// txData prices the transaction, bumping fees by 15% per congestion response so
// a replacement is accepted.
func (b *Broadcaster) txData(req TxRequest, nonce uint64, gp *EVMRPC.GasPrice, bumps int) ethtypes.TxData {
	gas := req.GasLimit
	if gas == 0 {
		gas = b.cfg.GasLimit
	}
	value := req.Value
	if value == nil {
		value = new(big.Int)
	}
	to := req.To

	bump := func(v *big.Int) *big.Int {
		out := new(big.Int).Set(v)
		for i := 0; i < bumps; i++ {
			out.Mul(out, big.NewInt(115))
			out.Div(out, big.NewInt(100))
		}
		return out
	}

	if gp.BaseFee != nil {
		tip := bump(gp.TipCap)
		feeCap := new(big.Int).Mul(gp.BaseFee, big.NewInt(2))
		feeCap.Add(feeCap, tip)
		return &ethtypes.DynamicFeeTx{
			ChainID:   big.NewInt(int64(req.ChainID)),
			Nonce:     nonce,
			GasTipCap: tip,
			GasFeeCap: feeCap,
			Gas:       gas,
			To:        &to,
			Value:     value,
			Data:      req.Data,
		}
	}
	return &ethtypes.LegacyTx{
		Nonce:    nonce,
		GasPrice: bump(gp.GasPrice),
		Gas:      gas,
		To:       &to,
		Value:    value,
		Data:     req.Data,
	}
}

// verify polls until a node reports the transaction, bounded by VerifyWindow.
func (b *Broadcaster) verify(ctx context.Context, chainId int, hash common.Hash) error {
	if b.cfg.VerifyWindow <= 0 {
		return nil
	}
	attempts := int(b.cfg.VerifyWindow/b.cfg.VerifyInterval) + 1
	policy := retry.Policy{
		MaxAttempts: attempts,
		Delay:       b.cfg.VerifyInterval,
		Timeout:     b.cfg.VerifyWindow,
	}
	_, err := retry.Do(ctx, policy, "verify "+hash.Hex(),
		func(ctx context.Context, attempt int) (struct{}, bool, error) {
			seen, err := b.node.TransactionSeen(ctx, chainId, hash)
			if err != nil {
				return struct{}{}, false, err
			}
			return struct{}{}, seen, nil
		})
	if err == nil {
		return nil
	}
	if retry.IsExhausted(err) || retry.IsTimeout(err) {
		return retry.Transient(retry.ReasonNetwork, fmt.Errorf("%w: %s", ErrBroadcastDropped, hash.Hex()))
	}
	return err
}

func outcome(err error) string {
	if errors.Is(err, ErrBroadcastDropped) {
		return "dropped"
	}
	if r := retry.ReasonOf(err); r != retry.ReasonUnknown {
		return string(r)
	}
	return retry.KindOf(err).String()
}

func (b *Broadcaster) record(chainId int, outcome string) {
	if b.metrics == nil {
		return
	}
	b.metrics.Broadcasts.WithLabelValues(fmt.Sprint(chainId), outcome).Inc()
}
