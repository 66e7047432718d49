package config

import (
	"time"
)

type Configuration struct {
	// Server config
	Server struct {
		Env          string   `yaml:"env" envconfig:"env"`
		ListenAddr   string   `yaml:"listen_addr" envconfig:"listen_addr"`
		RedisPort    int      `yaml:"redis_port" envconfig:"redis_port"`
		RedisHost    string   `yaml:"redis_host" envconfig:"redis_host"`
		KafkaBrokers []string `yaml:"kafka_brokers" envconfig:"kafka_brokers"`
		KafkaTopic   string   `yaml:"kafka_topic" envconfig:"kafka_topic"`
	} `yaml:"server"`

	Monitor struct {
		PollInterval time.Duration `yaml:"poll_interval" envconfig:"poll_interval"`
		Concurrency  int           `yaml:"concurrency" envconfig:"concurrency"`
		LockTTL      time.Duration `yaml:"lock_ttl" envconfig:"lock_ttl"`
	} `yaml:"monitor"`

	Attestation struct {
		BaseURL        string        `yaml:"base_url" envconfig:"base_url"`
		MaxAttempts    Attempts      `yaml:"max_attempts" envconfig:"max_attempts"`
		RetryDelay     time.Duration `yaml:"retry_delay" envconfig:"retry_delay"`
		Timeout        time.Duration `yaml:"timeout" envconfig:"timeout"`
		RequestTimeout time.Duration `yaml:"request_timeout" envconfig:"request_timeout"`
	} `yaml:"attestation"`

	// relayer keys, important private stuff
	Relayer struct {
		PrivateKeys         []string      `yaml:"private_keys" envconfig:"private_keys"`
		Mnemonic            string        `yaml:"mnemonic" envconfig:"mnemonic"`
		AccountCount        int           `yaml:"account_count" envconfig:"account_count"`
		MinBalanceWei       string        `yaml:"min_balance_wei" envconfig:"min_balance_wei"`
		BalanceCacheTTL     time.Duration `yaml:"balance_cache_ttl" envconfig:"balance_cache_ttl"`
		CongestionThreshold int           `yaml:"congestion_threshold" envconfig:"congestion_threshold"`
		BreakerThreshold    int           `yaml:"breaker_threshold" envconfig:"breaker_threshold"`
		BreakerCooldown     time.Duration `yaml:"breaker_cooldown" envconfig:"breaker_cooldown"`
		MinSponsorDelay     time.Duration `yaml:"min_sponsor_delay" envconfig:"min_sponsor_delay"`
		SubmitAttempts      Attempts      `yaml:"submit_attempts" envconfig:"submit_attempts"`
		SubmitDelay         time.Duration `yaml:"submit_delay" envconfig:"submit_delay"`
		SubmitTimeout       time.Duration `yaml:"submit_timeout" envconfig:"submit_timeout"`
		MaxAccountSwitches  int           `yaml:"max_account_switches" envconfig:"max_account_switches"`
		VerifyWindow        time.Duration `yaml:"verify_window" envconfig:"verify_window"`
		VerifyInterval      time.Duration `yaml:"verify_interval" envconfig:"verify_interval"`
		GasLimit            uint64        `yaml:"gas_limit" envconfig:"gas_limit"`
		BalanceInterval     time.Duration `yaml:"balance_interval" envconfig:"balance_interval"`
	} `yaml:"relayer"`

	Paymaster struct {
		MarkupPercent      string        `yaml:"markup_percent" envconfig:"markup_percent"`
		RateTTL            time.Duration `yaml:"rate_ttl" envconfig:"rate_ttl"`
		FeeValidity        time.Duration `yaml:"fee_validity" envconfig:"fee_validity"`
		UserBalanceTTL     time.Duration `yaml:"user_balance_ttl" envconfig:"user_balance_ttl"`
		MaxSponsorAttempts int           `yaml:"max_sponsor_attempts" envconfig:"max_sponsor_attempts"`
		PriceURL           string        `yaml:"price_url" envconfig:"price_url"`
		FeeCollector       string        `yaml:"fee_collector" envconfig:"fee_collector"`
		FeeTransferGas     uint64        `yaml:"fee_transfer_gas" envconfig:"fee_transfer_gas"`
		MaxDeadline        time.Duration `yaml:"max_deadline" envconfig:"max_deadline"`
		AllowedCalls       []string      `yaml:"allowed_calls" envconfig:"allowed_calls"` // chainId:address:selector
	} `yaml:"paymaster"`

	// chain overrides, merged over DefaultChains by id
	Chains map[int]ChainConfig `yaml:"chains" ignored:"true"`
}

var Config Configuration

// ABI event signature of MessageTransmitter.MessageSent(bytes)
const MESSAGE_SENT_EVENT = "MessageSent(bytes)"

// EVM-chains configs
type ChainConfig struct {
	Name               string   `yaml:"name"`
	ChainID            int      `yaml:"chain_id"`
	Domain             uint32   `yaml:"domain"` // attestation service domain id
	RPCList            []string `yaml:"rpc_list"`
	USDCAddress        string   `yaml:"usdc"`
	MessageTransmitter string   `yaml:"message_transmitter"`
	MinConfirmations   int      `yaml:"min_confirmations"`
	NativeCoinID       string   `yaml:"native_coin_id"` // price source id of the gas coin
}

var DefaultChains = map[int]ChainConfig{
	1: {
		Name:               "Eth",
		ChainID:            1,
		Domain:             0,
		RPCList:            []string{"https://eth.drpc.org", "https://eth.llamarpc.com"},
		USDCAddress:        "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48",
		MessageTransmitter: "0x0a992d191DEeC32aFe36203Ad87D7d289a738F81",
		MinConfirmations:   12,
		NativeCoinID:       "ethereum",
	}, // Ethereum
	10: {
		Name:               "Optimism",
		ChainID:            10,
		Domain:             2,
		RPCList:            []string{"https://rpc.ankr.com/optimism", "https://optimism.llamarpc.com", "https://optimism.drpc.org"},
		USDCAddress:        "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85",
		MessageTransmitter: "0x4D41f22c5a0e5c74090899E5a8Fb597a8842b3e8",
		MinConfirmations:   3,
		NativeCoinID:       "ethereum",
	}, // Optimism
	8453: {
		Name:               "Base",
		ChainID:            8453,
		Domain:             6,
		RPCList:            []string{"https://mainnet.base.org", "https://base.llamarpc.com", "https://base.drpc.org"},
		USDCAddress:        "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
		MessageTransmitter: "0xAD09780d193884d503182aD4588450C416D6F9D4",
		MinConfirmations:   3,
		NativeCoinID:       "ethereum",
	}, // Base
	42161: {
		Name:               "Arbitrum",
		ChainID:            42161,
		Domain:             3,
		RPCList:            []string{"https://rpc.ankr.com/arbitrum", "https://arbitrum.llamarpc.com", "https://arbitrum.meowrpc.com"},
		USDCAddress:        "0xaf88d065e77c8cC2239327C5EDb3A432268e5831",
		MessageTransmitter: "0xC30362313FBBA5cf9163F0bb16a0e01f01A896ca",
		MinConfirmations:   3,
		NativeCoinID:       "ethereum",
	}, // Arbitrum
	43114: {
		Name:               "Avalanche",
		ChainID:            43114,
		Domain:             1,
		RPCList:            []string{"https://api.avax.network/ext/bc/C/rpc", "https://avalanche.drpc.org"},
		USDCAddress:        "0xB97EF9Ef8734C71904D8002F8b6Bc66Dd9c48a6E",
		MessageTransmitter: "0x8186359aF5F57FbB40c6b14A588d2A59C0C29880",
		MinConfirmations:   3,
		NativeCoinID:       "avalanche-2",
	}, // Avalanche C-chain
}

// redis keys
const (
	RedisRecordPrefix = "bridgetx:"
	RedisStatusPrefix = "bridgetxs:"
	RedisLockPrefix   = "bridgetxlock:"
	RedisNoncePrefix  = "sponsornonce:"
)
