package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	yaml "gopkg.in/yaml.v2"
)

const envPrefix = "BRIDGE"

// reading config error is fatal, and exists main thread
func processError(err error) {
	fmt.Println(err)
	os.Exit(2)
}

func readFile(path string, cfg *Configuration) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	decoder := yaml.NewDecoder(f)
	err = decoder.Decode(cfg)
	if err != nil {
		return fmt.Errorf("cannot decode %s: %w", path, err)
	}
	return nil
}

func readEnv(cfg *Configuration) error {
	return envconfig.Process(envPrefix, cfg)
}

// Load reads the yaml file at path, overlays BRIDGE_* environment variables and
// fills defaults. A missing file is not an error, env and defaults still apply.
func Load(path string) (*Configuration, error) {
	cfg := &Configuration{}
	if path != "" {
		err := readFile(path, cfg)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
	}
	if err := readEnv(cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return cfg, nil
}

func Init(path string) {
	cfg, err := Load(path)
	if err != nil {
		processError(err)
	}
	Config = *cfg
}

func (c *Configuration) applyDefaults() {
	if c.Server.Env == "" {
		c.Server.Env = "development"
	}
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = ":8080"
	}
	if c.Server.KafkaTopic == "" {
		c.Server.KafkaTopic = "bridge.transactions"
	}

	if c.Monitor.PollInterval <= 0 {
		c.Monitor.PollInterval = 10 * time.Second
	}
	if c.Monitor.Concurrency <= 0 {
		c.Monitor.Concurrency = 4
	}

	if c.Attestation.BaseURL == "" {
		c.Attestation.BaseURL = "https://iris-api.circle.com"
	}
	if c.Attestation.MaxAttempts <= 0 {
		c.Attestation.MaxAttempts = DefaultAttempts
	}
	if c.Attestation.RetryDelay <= 0 {
		c.Attestation.RetryDelay = 5 * time.Second
	}
	if c.Attestation.Timeout <= 0 {
		c.Attestation.Timeout = time.Minute
	}
	if c.Attestation.RequestTimeout <= 0 {
		c.Attestation.RequestTimeout = 10 * time.Second
	}

	if c.Relayer.AccountCount <= 0 {
		c.Relayer.AccountCount = 5
	}
	if c.Relayer.MinBalanceWei == "" {
		c.Relayer.MinBalanceWei = "10000000000000000" // 0.01 native
	}
	if c.Relayer.BalanceCacheTTL <= 0 {
		c.Relayer.BalanceCacheTTL = 30 * time.Second
	}
	if c.Relayer.CongestionThreshold <= 0 {
		c.Relayer.CongestionThreshold = 4
	}
	if c.Relayer.BreakerThreshold <= 0 {
		c.Relayer.BreakerThreshold = 5
	}
	if c.Relayer.BreakerCooldown <= 0 {
		c.Relayer.BreakerCooldown = 30 * time.Second
	}
	if c.Relayer.MinSponsorDelay <= 0 {
		c.Relayer.MinSponsorDelay = 200 * time.Millisecond
	}
	if c.Relayer.SubmitAttempts <= 0 {
		c.Relayer.SubmitAttempts = DefaultAttempts
	}
	if c.Relayer.SubmitDelay <= 0 {
		c.Relayer.SubmitDelay = time.Second
	}
	if c.Relayer.SubmitTimeout <= 0 {
		c.Relayer.SubmitTimeout = 30 * time.Second
	}
	if c.Relayer.MaxAccountSwitches <= 0 {
		c.Relayer.MaxAccountSwitches = 2
	}
	if c.Relayer.VerifyWindow <= 0 {
		c.Relayer.VerifyWindow = 15 * time.Second
	}
	if c.Relayer.VerifyInterval <= 0 {
		c.Relayer.VerifyInterval = time.Second
	}
	if c.Relayer.GasLimit == 0 {
		c.Relayer.GasLimit = 300000
	}

	// one id lock covers the longest step: an attestation fetch followed by a
	// mint broadcast on every account it may switch to
	if c.Monitor.LockTTL <= 0 {
		perAccount := c.Relayer.SubmitTimeout + c.Relayer.VerifyWindow
		c.Monitor.LockTTL = c.Attestation.Timeout + time.Duration(c.Relayer.MaxAccountSwitches+1)*perAccount + c.Monitor.PollInterval
	}
	if c.Relayer.BalanceInterval <= 0 {
		c.Relayer.BalanceInterval = time.Minute
	}

	if c.Paymaster.MarkupPercent == "" {
		c.Paymaster.MarkupPercent = "10"
	}
	if c.Paymaster.RateTTL <= 0 {
		c.Paymaster.RateTTL = time.Minute
	}
	if c.Paymaster.FeeValidity <= 0 {
		c.Paymaster.FeeValidity = 2 * time.Minute
	}
	if c.Paymaster.UserBalanceTTL <= 0 {
		c.Paymaster.UserBalanceTTL = 15 * time.Second
	}
	if c.Paymaster.MaxSponsorAttempts <= 0 {
		c.Paymaster.MaxSponsorAttempts = 3
	}
	if c.Paymaster.PriceURL == "" {
		c.Paymaster.PriceURL = "https://api.coingecko.com/api/v3"
	}
	if c.Paymaster.FeeTransferGas == 0 {
		c.Paymaster.FeeTransferGas = 90000
	}
	if c.Paymaster.MaxDeadline <= 0 {
		c.Paymaster.MaxDeadline = 10 * time.Minute
	}

	c.Chains = mergeChains(DefaultChains, c.Chains)
}

func mergeChains(defaults, overrides map[int]ChainConfig) map[int]ChainConfig {
	merged := make(map[int]ChainConfig, len(defaults)+len(overrides))
	for id, ch := range defaults {
		merged[id] = ch
	}
	for id, ch := range overrides {
		base, ok := merged[id]
		if !ok {
			ch.ChainID = id
			merged[id] = ch
			continue
		}
		if ch.Name != "" {
			base.Name = ch.Name
		}
		if len(ch.RPCList) > 0 {
			base.RPCList = ch.RPCList
		}
		if ch.USDCAddress != "" {
			base.USDCAddress = ch.USDCAddress
		}
		if ch.MessageTransmitter != "" {
			base.MessageTransmitter = ch.MessageTransmitter
		}
		if ch.MinConfirmations > 0 {
			base.MinConfirmations = ch.MinConfirmations
		}
		if ch.NativeCoinID != "" {
			base.NativeCoinID = ch.NativeCoinID
		}
		if ch.Domain != 0 {
			base.Domain = ch.Domain
		}
		merged[id] = base
	}
	return merged
}
