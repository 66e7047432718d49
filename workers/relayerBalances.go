package workers

import (
	"context"
	"math/big"
	"sort"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"gousdcbridge/logger"
	"gousdcbridge/metrics"
	"gousdcbridge/relayer"
)

type BalanceNode interface {
	BalanceAt(ctx context.Context, chainId int, addr common.Address) (*big.Int, error)
}

// RelayerBalances polls native balances of the relayer accounts so operators
// see a drained account before the pool starts skipping it.
type RelayerBalances struct {
	Chains     []int
	Accounts   []*relayer.Account
	Node       BalanceNode
	MinBalance *big.Int
	Interval   time.Duration
	Metrics    *metrics.Metrics
}

// Scan reads every balance once and returns the number of accounts below the
// minimum.
func (w *RelayerBalances) Scan(ctx context.Context) int {
	log := logger.Named("balances")
	chains := append([]int(nil), w.Chains...)
	sort.Ints(chains)

	low := 0
	for _, chainId := range chains {
		for _, acct := range w.Accounts {
			balance, err := w.Node.BalanceAt(ctx, chainId, acct.Address)
			if err != nil {
				log.Warn("error getting relayer balance",
					zap.Int("chain", chainId),
					zap.String("relayer", acct.Address.Hex()),
					zap.Error(err),
				)
				continue
			}

			if w.Metrics != nil {
				f, _ := new(big.Float).SetInt(balance).Float64()
				w.Metrics.RelayerBalance.WithLabelValues(strconv.Itoa(chainId), acct.Address.Hex()).Set(f)
			}
			if w.MinBalance != nil && balance.Cmp(w.MinBalance) < 0 {
				low++
				log.Warn("relayer balance below minimum",
					zap.Int("chain", chainId),
					zap.String("relayer", acct.Address.Hex()),
					zap.String("balance", balance.String()),
					zap.String("min", w.MinBalance.String()),
				)
			}
		}
	}
	return low
}

func (w *RelayerBalances) Run(ctx context.Context) error {
	logger.Info("Starting relayer balance worker")
	interval := w.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		w.Scan(ctx)
		select {
		case <-ctx.Done():
			logger.Info("relayer balance worker stopped")
			return nil
		case <-ticker.C:
		}
	}
}
