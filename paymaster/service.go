package paymaster

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	ethav "github.com/KOREAN139/ethereum-address-validator"
	"github.com/ethereum/go-ethereum/common"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"

	"gousdcbridge/EVMRPC"
	"gousdcbridge/logger"
	"gousdcbridge/metrics"
	"gousdcbridge/relayer"
	"gousdcbridge/retry"
	"gousdcbridge/types"
)

var ErrInsufficientUserBalance = errors.New("insufficient USDC balance to cover the sponsored fee")

// TokenReader reads the user side of a sponsorship; *EVMRPC.Client implements it.
type TokenReader interface {
	USDCBalance(ctx context.Context, chainId int, owner common.Address) (*big.Int, error)
	SuggestGasPrice(ctx context.Context, chainId int) (*big.Int, error)
	CallContract(ctx context.Context, chainId int, to common.Address, data []byte) ([]byte, error)
}

type ServiceConfig struct {
	UserBalanceTTL     time.Duration
	MaxSponsorAttempts int
	GasLimit           uint64
	FeeTransferGas     uint64 // gas of the transferWithAuthorization that collects the fee
	MaxDeadline        time.Duration
	FeeCollector       common.Address
	AllowedCalls       map[int][]Call
	Replay             ReplayGuard // in-memory when nil
}

// SponsorRequest is a call a gasless user wants the relayer to pay gas for.
// Signature covers IntentMessage; FeeSignature is the user's EIP-3009
// authorization moving Fee to the fee collector, valid until Deadline.
type SponsorRequest struct {
	ChainID      int
	User         string // pays the fee in USDC
	To           common.Address
	Data         []byte
	Value        *big.Int
	GasLimit     uint64
	Fee          *big.Int
	Nonce        common.Hash
	Deadline     int64 // unix seconds
	Signature    []byte
	FeeSignature []byte
}

type SponsorResult struct {
	TxHash    common.Hash
	FeeTxHash common.Hash
	Relayer   common.Address
	Fee       *types.FeeEstimate
	Attempts  int
}

// Service is the paymaster: it prices, checks and relays sponsored transactions.
type Service struct {
	fees        *FeeEstimator
	tokens      TokenReader
	pool        *relayer.Pool
	broadcaster *relayer.Broadcaster
	balances    *cache.Cache
	cfg         ServiceConfig
	log         *zap.Logger
	metrics     *metrics.Metrics
	now         func() time.Time
}

func NewService(fees *FeeEstimator, tokens TokenReader, pool *relayer.Pool, broadcaster *relayer.Broadcaster, cfg ServiceConfig, m *metrics.Metrics) *Service {
	if cfg.UserBalanceTTL <= 0 {
		cfg.UserBalanceTTL = 15 * time.Second
	}
	if cfg.MaxSponsorAttempts <= 0 {
		cfg.MaxSponsorAttempts = retry.DefaultMaxAttempts
	}
	if cfg.GasLimit == 0 {
		cfg.GasLimit = 300000
	}
	if cfg.FeeTransferGas == 0 {
		cfg.FeeTransferGas = 90000
	}
	if cfg.MaxDeadline <= 0 {
		cfg.MaxDeadline = 10 * time.Minute
	}
	if cfg.AllowedCalls == nil && fees != nil {
		cfg.AllowedCalls = DefaultCalls(fees.chains)
	}
	if cfg.Replay == nil {
		cfg.Replay = newMemoryGuard()
	}
	return &Service{
		fees:        fees,
		tokens:      tokens,
		pool:        pool,
		broadcaster: broadcaster,
		balances:    cache.New(cfg.UserBalanceTTL, 2*cfg.UserBalanceTTL),
		cfg:         cfg,
		log:         logger.Named("paymaster"),
		metrics:     m,
		now:         time.Now,
	}
}

func (s *Service) Fees() *FeeEstimator {
	return s.fees
}

// EstimateGasFee prices gasUnits at the chain's suggested gas price.
func (s *Service) EstimateGasFee(ctx context.Context, chainID int, gasUnits uint64) (*types.FeeEstimate, error) {
	if gasUnits == 0 {
		gasUnits = s.cfg.GasLimit
	}
	price, err := s.tokens.SuggestGasPrice(ctx, chainID)
	if err != nil {
		return nil, retry.Classify(err)
	}
	gasWei := new(big.Int).Mul(price, new(big.Int).SetUint64(gasUnits))
	return s.fees.EstimateFee(ctx, chainID, gasWei)
}

// ValidateUserBalance reports whether addr holds at least requiredFee USDC base
// units on chainID. Balances are cached per address for UserBalanceTTL.
func (s *Service) ValidateUserBalance(ctx context.Context, chainID int, addr common.Address, requiredFee *big.Int) (bool, error) {
	key := fmt.Sprintf("%d:%s", chainID, addr.Hex())

	var balance *big.Int
	if v, ok := s.balances.Get(key); ok {
		balance = v.(*big.Int)
	} else {
		b, err := s.tokens.USDCBalance(ctx, chainID, addr)
		if err != nil {
			return false, retry.Classify(err)
		}
		balance = b
		s.balances.Set(key, b, cache.DefaultExpiration)
	}
	return balance.Cmp(requiredFee) >= 0, nil
}

func congestionClass(err error) bool {
	switch retry.ReasonOf(err) {
	case retry.ReasonCongestion, retry.ReasonNonceConflict:
		return true
	}
	return errors.Is(err, relayer.ErrBroadcastDropped)
}

func invalid(err error) error {
	return retry.Fatal(retry.ReasonInvalidInput, err)
}

func unauthorized(err error) error {
	return retry.Fatal(retry.ReasonUnauthorized, err)
}

// authorize checks everything about req that does not cost gas: the call is
// allowlisted and moves no value, the deadline is near, and the user signed
// this exact call, fee, nonce and deadline.
func (s *Service) authorize(req SponsorRequest) (common.Address, error) {
	if err := ethav.Validate(req.User); err != nil {
		return common.Address{}, invalid(fmt.Errorf("invalid user address %q: %w", req.User, err))
	}
	user := common.HexToAddress(req.User)

	if req.Value != nil && req.Value.Sign() != 0 {
		return user, invalid(ErrValueNotAllowed)
	}
	if !allowed(s.cfg.AllowedCalls[req.ChainID], req.To, req.Data) {
		return user, invalid(fmt.Errorf("%w: %s on chain %d", ErrCallNotAllowed, req.To.Hex(), req.ChainID))
	}
	if s.cfg.FeeCollector == (common.Address{}) {
		return user, invalid(errors.New("no fee collector configured"))
	}
	now := s.now()
	deadline := time.Unix(req.Deadline, 0)
	if !deadline.After(now) || deadline.After(now.Add(s.cfg.MaxDeadline)) {
		return user, invalid(fmt.Errorf("%w: %d", ErrDeadline, req.Deadline))
	}
	if req.Fee == nil || req.Fee.Sign() <= 0 {
		return user, invalid(errors.New("no fee authorized"))
	}

	signer, err := RecoverSigner(IntentMessage(req.ChainID, req.To, req.Data, req.Fee, req.Nonce, req.Deadline), req.Signature)
	if err != nil {
		return user, unauthorized(fmt.Errorf("%w: %s", ErrBadSignature, err))
	}
	if signer == nil || *signer != user {
		return user, unauthorized(ErrBadSignature)
	}
	return user, nil
}

// SponsorTransaction relays req with a pool account after collecting the
// user's fee. The fee transfer is sent first, then the call from the same
// account. Each signed nonce is relayed at most once. Congestion-class
// failures are retried on a different account up to MaxSponsorAttempts; other
// failures return at once.
func (s *Service) SponsorTransaction(ctx context.Context, req SponsorRequest) (*SponsorResult, error) {
	user, err := s.authorize(req)
	if err != nil {
		s.record("rejected")
		return nil, err
	}
	gasLimit := req.GasLimit
	if gasLimit == 0 {
		gasLimit = s.cfg.GasLimit
	}

	if err := s.pool.Allow(); err != nil {
		s.record("breaker_open")
		return nil, err
	}
	if err := s.pool.Throttle(ctx); err != nil {
		return nil, err
	}

	fee, err := s.EstimateGasFee(ctx, req.ChainID, gasLimit+s.cfg.FeeTransferGas)
	if err != nil {
		s.record("estimate_failed")
		return nil, err
	}
	if fee.FeeUSDC.Big().Cmp(req.Fee) > 0 {
		s.record("fee_too_low")
		return nil, invalid(fmt.Errorf("%w: %s > %s", ErrFeeAboveAuthorized, fee.FeeUSDC, req.Fee))
	}
	ok, err := s.ValidateUserBalance(ctx, req.ChainID, user, req.Fee)
	if err != nil {
		s.record("balance_failed")
		return nil, err
	}
	if !ok {
		s.record("insufficient_balance")
		return nil, retry.Fatal(retry.ReasonInsufficientFunds,
			fmt.Errorf("%w: %s needs %s on chain %d", ErrInsufficientUserBalance, user.Hex(), req.Fee, req.ChainID))
	}

	usdc := common.HexToAddress(s.fees.chains[req.ChainID].USDCAddress)
	feeData, err := EVMRPC.PackTransferWithAuthorization(EVMRPC.TransferAuthorization{
		From:        user,
		To:          s.cfg.FeeCollector,
		Value:       req.Fee,
		ValidBefore: big.NewInt(req.Deadline),
		Nonce:       req.Nonce,
		Signature:   req.FeeSignature,
	})
	if err != nil {
		s.record("rejected")
		return nil, unauthorized(fmt.Errorf("%w: %s", ErrFeeAuthorization, err))
	}
	if _, err := s.tokens.CallContract(ctx, req.ChainID, usdc, feeData); err != nil {
		if retry.IsTransient(retry.Classify(err)) {
			return nil, retry.Classify(err)
		}
		s.record("rejected")
		return nil, unauthorized(fmt.Errorf("%w: %s", ErrFeeAuthorization, err))
	}

	key := fmt.Sprintf("%d:%s:%s", req.ChainID, strings.ToLower(user.Hex()), req.Nonce.Hex())
	first, err := s.cfg.Replay.ClaimOnce(ctx, key, time.Until(time.Unix(req.Deadline, 0))+time.Minute)
	if err != nil {
		return nil, retry.Transient(retry.ReasonNetwork, err)
	}
	if !first {
		s.record("replayed")
		return nil, unauthorized(ErrReplayed)
	}

	feeReq := relayer.TxRequest{ChainID: req.ChainID, To: usdc, Data: feeData, GasLimit: s.cfg.FeeTransferGas}
	callReq := relayer.TxRequest{ChainID: req.ChainID, To: req.To, Data: req.Data, GasLimit: gasLimit}

	excluded := relayer.Exclusion{}
	var (
		feeHash  common.Hash
		lastErr  error
		attempts int
	)
	for attempts < s.cfg.MaxSponsorAttempts {
		if attempts > 0 {
			if err := s.pool.Allow(); err != nil {
				lastErr = err
				break
			}
		}
		attempts++
		acct, err := s.pool.Acquire(ctx, req.ChainID, excluded)
		if err != nil {
			s.record("no_relayer")
			return nil, err
		}

		if feeHash == (common.Hash{}) {
			hash, err := s.broadcaster.Broadcast(ctx, feeReq, acct)
			if err != nil {
				lastErr = err
				if !congestionClass(err) {
					s.record("rejected")
					return nil, err
				}
				s.congested(req.ChainID, acct, attempts, err)
				excluded.Add(acct.Address)
				continue
			}
			feeHash = hash
		}

		hash, err := s.broadcaster.Broadcast(ctx, callReq, acct)
		if err == nil {
			s.record("success")
			s.log.Info("sponsored transaction",
				zap.Int("chain", req.ChainID),
				zap.String("user", user.Hex()),
				zap.String("relayer", acct.Address.Hex()),
				zap.String("tx", hash.Hex()),
				zap.String("fee_tx", feeHash.Hex()),
				zap.String("fee", req.Fee.String()),
				zap.Int("attempt", attempts),
			)
			return &SponsorResult{TxHash: hash, FeeTxHash: feeHash, Relayer: acct.Address, Fee: fee, Attempts: attempts}, nil
		}

		lastErr = err
		if !congestionClass(err) {
			s.record("rejected")
			s.log.Error("fee collected but the sponsored call failed",
				zap.Int("chain", req.ChainID),
				zap.String("user", user.Hex()),
				zap.String("fee_tx", feeHash.Hex()),
				zap.Error(err),
			)
			return nil, err
		}
		s.congested(req.ChainID, acct, attempts, err)
		excluded.Add(acct.Address)
	}

	s.record("exhausted")
	return nil, fmt.Errorf("sponsorship failed after %d attempts: %w", attempts, lastErr)
}

func (s *Service) congested(chainId int, acct *relayer.Account, attempt int, err error) {
	s.log.Warn("sponsorship congested, trying another relayer",
		zap.Int("chain", chainId),
		zap.String("relayer", acct.Address.Hex()),
		zap.Int("attempt", attempt),
		zap.Error(err),
	)
}

func (s *Service) record(outcome string) {
	if s.metrics != nil {
		s.metrics.Sponsorships.WithLabelValues(outcome).Inc()
	}
}
