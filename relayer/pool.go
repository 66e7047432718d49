package relayer

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gousdcbridge/EVMRPC"
	"gousdcbridge/logger"
	"gousdcbridge/metrics"
	"gousdcbridge/retry"
)

var ErrRelayerUnderfunded = errors.New("relayer account is underfunded")

// Node is the chain access the relayer needs; *EVMRPC.Client implements it.
type Node interface {
	BalanceAt(ctx context.Context, chainId int, addr common.Address) (*big.Int, error)
	PendingDepth(ctx context.Context, chainId int, addr common.Address) (int, error)
	PendingNonceAt(ctx context.Context, chainId int, addr common.Address) (uint64, error)
	GasPrices(ctx context.Context, chainId int) (*EVMRPC.GasPrice, error)
	SendTransaction(ctx context.Context, chainId int, tx *ethtypes.Transaction) error
	TransactionSeen(ctx context.Context, chainId int, hash common.Hash) (bool, error)
}

// Exclusion is the set of accounts already tried in one sponsorship attempt.
type Exclusion map[common.Address]struct{}

func (e Exclusion) Add(addr common.Address) {
	e[addr] = struct{}{}
}

func (e Exclusion) Has(addr common.Address) bool {
	_, ok := e[addr]
	return ok
}

type PoolConfig struct {
	CongestionThreshold int
	MinBalance          *big.Int
	BalanceCacheTTL     time.Duration
	BreakerThreshold    int
	BreakerCooldown     time.Duration
	MinSponsorDelay     time.Duration
}

// Pool owns the relayer accounts and the state shared by every sponsorship:
// nonces (inside the accounts), balance cache, circuit breaker and throttle.
type Pool struct {
	accounts []*Account
	node     Node
	cfg      PoolConfig
	log      *zap.Logger
	metrics  *metrics.Metrics

	balances *cache.Cache
	breaker  *Breaker
	limiter  *rate.Limiter

	rndMu sync.Mutex
	rnd   *rand.Rand
}

func NewPool(accounts []*Account, node Node, cfg PoolConfig, m *metrics.Metrics) (*Pool, error) {
	if len(accounts) == 0 {
		return nil, ErrNoAccounts
	}
	if cfg.MinBalance == nil {
		cfg.MinBalance = new(big.Int)
	}
	if cfg.BalanceCacheTTL <= 0 {
		cfg.BalanceCacheTTL = 30 * time.Second
	}

	limit := rate.Inf
	if cfg.MinSponsorDelay > 0 {
		limit = rate.Every(cfg.MinSponsorDelay)
	}

	p := &Pool{
		accounts: accounts,
		node:     node,
		cfg:      cfg,
		log:      logger.Named("relayer"),
		metrics:  m,
		balances: cache.New(cfg.BalanceCacheTTL, 2*cfg.BalanceCacheTTL),
		breaker:  NewBreaker(cfg.BreakerThreshold, cfg.BreakerCooldown),
		limiter:  rate.NewLimiter(limit, 1),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	p.breaker.onChange = func(open bool) {
		if open {
			p.log.Warn("relayer circuit breaker opened", zap.Duration("cooldown", cfg.BreakerCooldown))
		} else {
			p.log.Info("relayer circuit breaker closed")
		}
		if m != nil {
			v := 0.0
			if open {
				v = 1
			}
			m.BreakerOpen.Set(v)
		}
	}
	return p, nil
}

func (p *Pool) Accounts() []*Account {
	return p.accounts
}

func (p *Pool) Breaker() *Breaker {
	return p.breaker
}

// Allow fails with "retry after N seconds" while the breaker is open.
func (p *Pool) Allow() error {
	return p.breaker.Allow()
}

// Throttle waits for the process-wide sponsorship slot.
func (p *Pool) Throttle(ctx context.Context) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return retry.Transient(retry.ReasonCanceled, err)
	}
	return nil
}

func (p *Pool) pick(candidates []*Account) *Account {
	p.rndMu.Lock()
	defer p.rndMu.Unlock()
	return candidates[p.rnd.Intn(len(candidates))]
}

// SelectAccount returns the first account, in pool order, whose pending depth
// on chainId is below the congestion threshold. When every candidate is
// excluded the exclusion set is cleared and a random account is returned; when
// every candidate is congested a random candidate is returned. It never blocks
// waiting for capacity.
func (p *Pool) SelectAccount(ctx context.Context, chainId int, excluded Exclusion) *Account {
	candidates := make([]*Account, 0, len(p.accounts))
	for _, a := range p.accounts {
		if excluded != nil && excluded.Has(a.Address) {
			continue
		}
		candidates = append(candidates, a)
	}

	if len(candidates) == 0 {
		for addr := range excluded {
			delete(excluded, addr)
		}
		acct := p.pick(p.accounts)
		p.log.Debug("every relayer excluded, starting over", zap.String("relayer", acct.Address.Hex()))
		return acct
	}

	for _, a := range candidates {
		depth, err := p.node.PendingDepth(ctx, chainId, a.Address)
		if err != nil {
			p.log.Debug("cannot read relayer pending depth",
				zap.String("relayer", a.Address.Hex()),
				zap.Int("chain", chainId),
				zap.Error(err),
			)
			continue
		}
		a.setDepth(chainId, depth)
		if p.metrics != nil {
			p.metrics.RelayerDepth.WithLabelValues(fmt.Sprint(chainId), a.Address.Hex()).Set(float64(depth))
		}
		if depth < p.cfg.CongestionThreshold {
			return a
		}
	}

	acct := p.pick(candidates)
	p.log.Warn("all relayers congested, picking at random",
		zap.Int("chain", chainId),
		zap.Int("candidates", len(candidates)),
		zap.String("relayer", acct.Address.Hex()),
	)
	return acct
}

func balanceKey(chainId int, addr common.Address) string {
	return fmt.Sprintf("%d:%s", chainId, addr.Hex())
}

// CheckBalance compares the account's native balance on chainId with the
// configured minimum. Balances are cached for BalanceCacheTTL.
func (p *Pool) CheckBalance(ctx context.Context, chainId int, acct *Account) error {
	key := balanceKey(chainId, acct.Address)

	var balance *big.Int
	if v, ok := p.balances.Get(key); ok {
		balance = v.(*big.Int)
	} else {
		b, err := p.node.BalanceAt(ctx, chainId, acct.Address)
		if err != nil {
			return retry.Classify(err)
		}
		balance = b
		p.balances.Set(key, b, cache.DefaultExpiration)
	}

	if balance.Cmp(p.cfg.MinBalance) < 0 {
		return retry.Fatal(retry.ReasonInsufficientFunds,
			fmt.Errorf("%w: %s has %s wei on chain %d, minimum %s", ErrRelayerUnderfunded, acct.Address.Hex(), balance, chainId, p.cfg.MinBalance))
	}
	return nil
}

// Acquire selects an account that passes the balance guard. Underfunded accounts
// are added to excluded and never retried in the same attempt.
func (p *Pool) Acquire(ctx context.Context, chainId int, excluded Exclusion) (*Account, error) {
	if excluded == nil {
		excluded = Exclusion{}
	}
	underfunded := Exclusion{}

	var lastErr error
	for i := 0; i < 2*len(p.accounts); i++ {
		acct := p.SelectAccount(ctx, chainId, excluded)
		if underfunded.Has(acct.Address) {
			// the exclusion set was reset, underfunded accounts stay out
			for addr := range underfunded {
				excluded.Add(addr)
			}
			continue
		}
		err := p.CheckBalance(ctx, chainId, acct)
		if err == nil {
			return acct, nil
		}
		if !errors.Is(err, ErrRelayerUnderfunded) {
			return nil, err
		}
		p.log.Warn("relayer below minimum balance", zap.String("relayer", acct.Address.Hex()), zap.Int("chain", chainId))
		underfunded.Add(acct.Address)
		excluded.Add(acct.Address)
		lastErr = err
	}
	if lastErr == nil {
		lastErr = retry.Fatal(retry.ReasonInsufficientFunds, ErrRelayerUnderfunded)
	}
	return nil, lastErr
}
