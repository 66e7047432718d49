package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"gousdcbridge/EVMRPC"
	"gousdcbridge/attestation"
	"gousdcbridge/config"
	"gousdcbridge/events"
	"gousdcbridge/logger"
	"gousdcbridge/metrics"
	"gousdcbridge/monitor"
	"gousdcbridge/paymaster"
	"gousdcbridge/redis"
	"gousdcbridge/relayer"
	"gousdcbridge/workers"
	"gousdcbridge/workers/handlers"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:          "gousdcbridge",
	Short:        "USDC cross-chain transfer monitor and gas paymaster",
	SilenceUsage: true,
	RunE:         runServe,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the monitor, the relayer balance worker and the HTTP API",
	RunE:  runServe,
}

var estimateFeeCmd = &cobra.Command{
	Use:   "estimate-fee",
	Short: "Print the USDC fee for a sponsored transaction",
	RunE:  runEstimateFee,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yml", "path to the yaml config")

	estimateFeeCmd.Flags().Int("chain", 1, "chain id")
	estimateFeeCmd.Flags().Uint64("gas", 0, "gas units, relayer gas limit when 0")
	estimateFeeCmd.Flags().String("gas-wei", "", "total gas cost in wei, skips the gas price lookup")

	rootCmd.AddCommand(serveCmd, estimateFeeCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setup() *config.Configuration {
	config.Init(configPath)
	cfg := &config.Config
	if err := logger.Init(cfg.Server.Env); err != nil {
		fmt.Fprintf(os.Stderr, "cannot init logger: %v\n", err)
		os.Exit(2)
	}
	return cfg
}

func newPaymaster(cfg *config.Configuration, node *EVMRPC.Client, pool *relayer.Pool, broadcaster *relayer.Broadcaster, replay paymaster.ReplayGuard, m *metrics.Metrics) (*paymaster.Service, error) {
	rates := paymaster.NewRateCache(paymaster.NewCoinGecko(cfg.Paymaster.PriceURL, cfg.Attestation.RequestTimeout), cfg.Paymaster.RateTTL, m)
	fees, err := paymaster.NewFeeEstimator(cfg.Chains, rates, cfg.Paymaster.MarkupPercent, cfg.Paymaster.FeeValidity, m)
	if err != nil {
		return nil, err
	}

	var calls map[int][]paymaster.Call
	if len(cfg.Paymaster.AllowedCalls) > 0 {
		calls, err = paymaster.ParseCalls(cfg.Paymaster.AllowedCalls)
		if err != nil {
			return nil, err
		}
	}
	var collector common.Address
	if cfg.Paymaster.FeeCollector != "" {
		if !common.IsHexAddress(cfg.Paymaster.FeeCollector) {
			return nil, fmt.Errorf("invalid fee collector %q", cfg.Paymaster.FeeCollector)
		}
		collector = common.HexToAddress(cfg.Paymaster.FeeCollector)
	} else {
		logger.Warn("no fee collector configured, sponsorships are disabled")
	}

	return paymaster.NewService(fees, node, pool, broadcaster, paymaster.ServiceConfig{
		UserBalanceTTL:     cfg.Paymaster.UserBalanceTTL,
		MaxSponsorAttempts: cfg.Paymaster.MaxSponsorAttempts,
		GasLimit:           cfg.Relayer.GasLimit,
		FeeTransferGas:     cfg.Paymaster.FeeTransferGas,
		MaxDeadline:        cfg.Paymaster.MaxDeadline,
		FeeCollector:       collector,
		AllowedCalls:       calls,
		Replay:             replay,
	}, m), nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := setup()
	defer logger.Sync()
	logger.Info("Starting USDC bridge", zap.String("env", cfg.Server.Env), zap.Int("chains", len(cfg.Chains)))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	node := EVMRPC.New(cfg.Chains)
	defer node.Close()

	minBalance, ok := new(big.Int).SetString(cfg.Relayer.MinBalanceWei, 10)
	if !ok {
		return fmt.Errorf("invalid relayer min balance %q", cfg.Relayer.MinBalanceWei)
	}

	accounts, err := relayer.LoadAccounts(cfg.Relayer.PrivateKeys, cfg.Relayer.Mnemonic, cfg.Relayer.AccountCount)
	if err != nil {
		return fmt.Errorf("cannot load relayer accounts: %w", err)
	}
	pool, err := relayer.NewPool(accounts, node, relayer.PoolConfig{
		CongestionThreshold: cfg.Relayer.CongestionThreshold,
		MinBalance:          minBalance,
		BalanceCacheTTL:     cfg.Relayer.BalanceCacheTTL,
		BreakerThreshold:    cfg.Relayer.BreakerThreshold,
		BreakerCooldown:     cfg.Relayer.BreakerCooldown,
		MinSponsorDelay:     cfg.Relayer.MinSponsorDelay,
	}, m)
	if err != nil {
		return err
	}
	broadcaster := relayer.NewBroadcaster(pool, node, relayer.BroadcastConfig{
		SubmitAttempts:     int(cfg.Relayer.SubmitAttempts),
		SubmitDelay:        cfg.Relayer.SubmitDelay,
		SubmitTimeout:      cfg.Relayer.SubmitTimeout,
		MaxAccountSwitches: cfg.Relayer.MaxAccountSwitches,
		VerifyWindow:       cfg.Relayer.VerifyWindow,
		VerifyInterval:     cfg.Relayer.VerifyInterval,
		GasLimit:           cfg.Relayer.GasLimit,
	}, m)

	opts := []monitor.Option{monitor.WithMetrics(m)}
	api := &handlers.API{
		Relayers: pool,
		Node:     node,
	}

	// without persistence records live only as long as the process
	var replay paymaster.ReplayGuard
	if cfg.Server.RedisHost != "" {
		store := redis.New(cfg.Server.RedisHost, cfg.Server.RedisPort)
		defer store.Close()
		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("cannot connect to redis: %w", err)
		}
		opts = append(opts, monitor.WithStore(store), monitor.WithLocker(store))
		api.Store = store
		replay = store
	} else {
		logger.Warn("redis is not configured, bridge transactions are kept in memory only")
	}

	pm, err := newPaymaster(cfg, node, pool, broadcaster, replay, m)
	if err != nil {
		return err
	}
	api.Paymaster = pm

	if len(cfg.Server.KafkaBrokers) > 0 {
		publisher := events.NewPublisher(cfg.Server.KafkaBrokers, cfg.Server.KafkaTopic)
		defer publisher.Close()
		opts = append(opts, monitor.WithPublisher(publisher))
	}

	mon := monitor.New(monitor.Config{
		Chains:              cfg.Chains,
		PollInterval:        cfg.Monitor.PollInterval,
		Concurrency:         cfg.Monitor.Concurrency,
		LockTTL:             cfg.Monitor.LockTTL,
		AttestationAttempts: int(cfg.Attestation.MaxAttempts),
		AttestationDelay:    cfg.Attestation.RetryDelay,
		AttestationTimeout:  cfg.Attestation.Timeout,
		MintGasLimit:        cfg.Relayer.GasLimit,
	}, node, attestation.NewFetcher(cfg.Attestation.BaseURL, cfg.Attestation.RequestTimeout, m), broadcaster, opts...)

	restored, err := mon.Restore(ctx)
	if err != nil {
		return fmt.Errorf("cannot restore bridge transactions: %w", err)
	}
	logger.Info("bridge transactions restored", zap.Int("count", restored))
	api.Transactions = mon

	chainIds := make([]int, 0, len(cfg.Chains))
	for id := range cfg.Chains {
		chainIds = append(chainIds, id)
	}
	balances := &workers.RelayerBalances{
		Chains:     chainIds,
		Accounts:   pool.Accounts(),
		Node:       node,
		MinBalance: minBalance,
		Interval:   cfg.Relayer.BalanceInterval,
		Metrics:    m,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return mon.Start(gctx) })
	g.Go(func() error { return balances.Run(gctx) })
	g.Go(func() error { return workers.Worker_HTTP(gctx, cfg.Server.ListenAddr, workers.NewRouter(api, reg)) })

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("bridge stopped with error", zap.Error(err))
		return err
	}
	logger.Info("bridge stopped")
	return nil
}

func runEstimateFee(cmd *cobra.Command, args []string) error {
	cfg := setup()
	defer logger.Sync()

	chainId, _ := cmd.Flags().GetInt("chain")
	gas, _ := cmd.Flags().GetUint64("gas")
	gasWei, _ := cmd.Flags().GetString("gas-wei")

	node := EVMRPC.New(cfg.Chains)
	defer node.Close()

	pm, err := newPaymaster(cfg, node, nil, nil, nil, nil)
	if err != nil {
		return err
	}

	var est interface{}
	if gasWei != "" {
		wei, ok := new(big.Int).SetString(gasWei, 10)
		if !ok {
			return fmt.Errorf("invalid gas-wei %q", gasWei)
		}
		est, err = pm.Fees().EstimateFee(cmd.Context(), chainId, wei)
	} else {
		est, err = pm.EstimateGasFee(cmd.Context(), chainId, gas)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(est)
}
