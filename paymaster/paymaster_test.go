package paymaster

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gousdcbridge/EVMRPC"
	"gousdcbridge/config"
	"gousdcbridge/relayer"
	"gousdcbridge/retry"
)

const chainID = 42161

type fakeSource struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	err    error
	calls  int
}

func (f *fakeSource) USDPrice(ctx context.Context, coinID string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return decimal.Zero, f.err
	}
	p, ok := f.prices[coinID]
	if !ok {
		return decimal.Zero, errors.New("unknown coin")
	}
	return p, nil
}

func newEstimator(t *testing.T, src RateSource) *FeeEstimator {
	t.Helper()
	e, err := NewFeeEstimator(config.DefaultChains, NewRateCache(src, time.Minute, nil), "10", 2*time.Minute, nil)
	require.NoError(t, err)
	return e
}

func TestEstimateFeeRoundsUp(t *testing.T) {
	src := &fakeSource{prices: map[string]decimal.Decimal{
		"ethereum":   decimal.RequireFromString("3333.33"),
		StableCoinID: decimal.NewFromInt(1),
	}}
	e := newEstimator(t, src)

	// 1e-6 ETH * 3333.33 * 1.1 = 0.003666663 USDC = 3666.663 base units
	est, err := e.EstimateFee(context.Background(), chainID, big.NewInt(1e12))
	require.NoError(t, err)
	assert.Equal(t, "3667", est.FeeUSDC.String())
	assert.Equal(t, "3333.33", est.NativeUSDRate)
	assert.Equal(t, "10", est.MarkupPercent)
	assert.Equal(t, SourceLive, est.RateSource)
	assert.Equal(t, 2*time.Minute, est.ValidUntil.Sub(est.ComputedAt))
}

func TestEstimateFeeExact(t *testing.T) {
	src := &fakeSource{prices: map[string]decimal.Decimal{
		"ethereum":   decimal.NewFromInt(3000),
		StableCoinID: decimal.NewFromInt(1),
	}}
	e := newEstimator(t, src)

	est, err := e.EstimateFee(context.Background(), chainID, big.NewInt(21000*1e9))
	require.NoError(t, err)
	assert.Equal(t, "69300", est.FeeUSDC.String())

	_, err = e.EstimateFee(context.Background(), 999, big.NewInt(1))
	require.ErrorIs(t, err, ErrUnknownChain)
	assert.Equal(t, retry.KindFatal, retry.KindOf(err))
}

func TestNewFeeEstimatorRejectsBadMarkup(t *testing.T) {
	_, err := NewFeeEstimator(config.DefaultChains, nil, "ten", time.Minute, nil)
	assert.Error(t, err)
	_, err = NewFeeEstimator(config.DefaultChains, nil, "-5", time.Minute, nil)
	assert.Error(t, err)
}

func TestRateCacheFallbacks(t *testing.T) {
	src := &fakeSource{err: errors.New("connection refused")}
	c := NewRateCache(src, time.Minute, nil)
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return now }
	ctx := context.Background()

	// never answered: conservative default
	v, source := c.Get(ctx, "ethereum")
	assert.Equal(t, SourceDefault, source)
	assert.True(t, v.Equal(DefaultRates["ethereum"]))

	v, source = c.Get(ctx, "some-new-coin")
	assert.Equal(t, SourceDefault, source)
	assert.True(t, v.Equal(DefaultNativeRate))

	// live, then cached within the ttl
	src.err = nil
	src.prices = map[string]decimal.Decimal{"ethereum": decimal.NewFromInt(3100)}
	v, source = c.Get(ctx, "ethereum")
	assert.Equal(t, SourceLive, source)
	assert.True(t, v.Equal(decimal.NewFromInt(3100)))

	calls := src.calls
	_, source = c.Get(ctx, "ethereum")
	assert.Equal(t, SourceCached, source)
	assert.Equal(t, calls, src.calls)

	// expired and the source is down: last known value
	now = now.Add(2 * time.Minute)
	src.err = errors.New("503 service unavailable")
	v, source = c.Get(ctx, "ethereum")
	assert.Equal(t, SourceLastKnown, source)
	assert.True(t, v.Equal(decimal.NewFromInt(3100)))
}

func TestCoinGecko(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/simple/price", r.URL.Path)
		assert.Equal(t, "usd", r.URL.Query().Get("vs_currencies"))
		switch r.URL.Query().Get("ids") {
		case "ethereum":
			w.Write([]byte(`{"ethereum":{"usd":3456.78}}`))
		default:
			// a coin the API does not know is answered with an empty object
			w.Write([]byte(`{}`))
		}
	}))
	defer srv.Close()

	price, err := NewCoinGecko(srv.URL+"/", time.Second).USDPrice(context.Background(), "ethereum")
	require.NoError(t, err)
	assert.Equal(t, "3456.78", price.String())

	_, err = NewCoinGecko(srv.URL, time.Second).USDPrice(context.Background(), "usd-coin")
	assert.Error(t, err)
}

func TestCoinGeckoRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewCoinGecko(srv.URL, time.Second).USDPrice(context.Background(), "ethereum")
	require.Error(t, err)
	assert.Equal(t, retry.ReasonRateLimited, retry.ReasonOf(err))
}

// fakeChain serves both the relayer and the user side of a sponsorship.
type fakeChain struct {
	mu       sync.Mutex
	usdc     map[common.Address]*big.Int
	sendErrs map[common.Address][]error
	onErr    func()
	callErr  error
	calls    [][]byte
	sent     []*ethtypes.Transaction
	usdcHits int
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		usdc:     map[common.Address]*big.Int{},
		sendErrs: map[common.Address][]error{},
	}
}

func (f *fakeChain) BalanceAt(ctx context.Context, chainId int, addr common.Address) (*big.Int, error) {
	return big.NewInt(1e18), nil
}

func (f *fakeChain) PendingDepth(ctx context.Context, chainId int, addr common.Address) (int, error) {
	return 0, nil
}

func (f *fakeChain) PendingNonceAt(ctx context.Context, chainId int, addr common.Address) (uint64, error) {
	return 0, nil
}

func (f *fakeChain) GasPrices(ctx context.Context, chainId int) (*EVMRPC.GasPrice, error) {
	return &EVMRPC.GasPrice{BaseFee: big.NewInt(1e9), TipCap: big.NewInt(1e8), GasPrice: big.NewInt(1e9)}, nil
}

func (f *fakeChain) SuggestGasPrice(ctx context.Context, chainId int) (*big.Int, error) {
	return big.NewInt(1e9), nil
}

func (f *fakeChain) USDCBalance(ctx context.Context, chainId int, owner common.Address) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.usdcHits++
	if b, ok := f.usdc[owner]; ok {
		return b, nil
	}
	return new(big.Int), nil
}

func (f *fakeChain) CallContract(ctx context.Context, chainId int, to common.Address, data []byte) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, data)
	return nil, f.callErr
}

func (f *fakeChain) SendTransaction(ctx context.Context, chainId int, tx *ethtypes.Transaction) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(tx.ChainId()), tx)
	if err != nil {
		return err
	}
	if errs := f.sendErrs[from]; len(errs) > 0 {
		f.sendErrs[from] = errs[1:]
		if f.onErr != nil {
			f.onErr()
		}
		return errs[0]
	}
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeChain) TransactionSeen(ctx context.Context, chainId int, hash common.Hash) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, tx := range f.sent {
		if tx.Hash() == hash {
			return true, nil
		}
	}
	return false, nil
}

func newService(t *testing.T, chain *fakeChain) (*Service, []*relayer.Account) {
	t.Helper()
	accounts := make([]*relayer.Account, 3)
	for i := range accounts {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		accounts[i] = relayer.NewAccount(i, key)
	}
	pool, err := relayer.NewPool(accounts, chain, relayer.PoolConfig{
		CongestionThreshold: 4,
		MinBalance:          big.NewInt(1e16),
		BreakerThreshold:    10,
		BreakerCooldown:     time.Minute,
	}, nil)
	require.NoError(t, err)
	b := relayer.NewBroadcaster(pool, chain, relayer.BroadcastConfig{
		SubmitAttempts: 1,
		SubmitDelay:    time.Millisecond,
		VerifyWindow:   50 * time.Millisecond,
		VerifyInterval: 5 * time.Millisecond,
	}, nil)

	src := &fakeSource{prices: map[string]decimal.Decimal{
		"ethereum":   decimal.NewFromInt(3000),
		StableCoinID: decimal.NewFromInt(1),
	}}
	svc := NewService(newEstimator(t, src), chain, pool, b, ServiceConfig{
		UserBalanceTTL:     time.Minute,
		MaxSponsorAttempts: 3,
		GasLimit:           21000,
		FeeCollector:       collector,
	}, nil)
	return svc, accounts
}

const userKey = "59c6995e998f97a5a0044966f0945389dc9e86dae88c7a8412f4603b6b78690d"

var (
	user        = common.HexToAddress("0x70997970C51812dc3A010C7d01b50e0d17dc79C8")
	collector   = common.HexToAddress("0x000000000000000000000000000000000000fEe1")
	transmitter = common.HexToAddress(config.DefaultChains[chainID].MessageTransmitter)
)

func sign(t *testing.T, req *SponsorRequest, key string) {
	t.Helper()
	sig, err := SignIntent(IntentMessage(req.ChainID, req.To, req.Data, req.Fee, req.Nonce, req.Deadline), common.FromHex(key))
	require.NoError(t, err)
	req.Signature = sig
}

// mintRequest asks for receiveMessage on the arbitrum transmitter, paying
// 0.4 USDC.
func mintRequest(t *testing.T) SponsorRequest {
	t.Helper()
	data := append([]byte{}, ReceiveMessageSelector[:]...)
	data = append(data, make([]byte, 64)...)
	req := SponsorRequest{
		ChainID:      chainID,
		User:         user.Hex(),
		To:           transmitter,
		Data:         data,
		Fee:          big.NewInt(400000),
		Nonce:        crypto.Keccak256Hash([]byte(t.Name())),
		Deadline:     time.Now().Add(5 * time.Minute).Unix(),
		FeeSignature: append(make([]byte, 64), 27),
	}
	sign(t, &req, userKey)
	return req
}

func TestEstimateGasFee(t *testing.T) {
	svc, _ := newService(t, newFakeChain())
	est, err := svc.EstimateGasFee(context.Background(), chainID, 21000)
	require.NoError(t, err)
	assert.Equal(t, "21000000000000", est.GasWei.String())
	assert.Equal(t, "69300", est.FeeUSDC.String())
}

func TestValidateUserBalanceCached(t *testing.T) {
	chain := newFakeChain()
	chain.usdc[user] = big.NewInt(100000)
	svc, _ := newService(t, chain)
	ctx := context.Background()

	ok, err := svc.ValidateUserBalance(ctx, chainID, user, big.NewInt(69300))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.ValidateUserBalance(ctx, chainID, user, big.NewInt(100001))
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, 1, chain.usdcHits)
}

func TestSponsorTransaction(t *testing.T) {
	chain := newFakeChain()
	chain.usdc[user] = big.NewInt(1000000)
	svc, accounts := newService(t, chain)

	req := mintRequest(t)
	res, err := svc.SponsorTransaction(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, accounts[0].Address, res.Relayer)
	assert.Equal(t, 1, res.Attempts)
	// 21000 + 90000 gas at 1 gwei, $3000 ETH, 10% markup
	assert.Equal(t, "366300", res.Fee.FeeUSDC.String())

	// the fee is collected first, from the same relayer
	require.Len(t, chain.sent, 2)
	usdc := common.HexToAddress(config.DefaultChains[chainID].USDCAddress)
	assert.Equal(t, res.FeeTxHash, chain.sent[0].Hash())
	assert.Equal(t, usdc, *chain.sent[0].To())
	assert.Equal(t, []byte{0xe3, 0xee, 0x16, 0x0e}, chain.sent[0].Data()[:4])
	assert.Equal(t, res.TxHash, chain.sent[1].Hash())
	assert.Equal(t, transmitter, *chain.sent[1].To())
	assert.Zero(t, chain.sent[1].Value().Sign())

	// the authorization was simulated before anything was sent
	require.Len(t, chain.calls, 1)
	assert.Equal(t, chain.sent[0].Data(), chain.calls[0])
}

func TestSponsorTransactionIsRelayedOnce(t *testing.T) {
	chain := newFakeChain()
	chain.usdc[user] = big.NewInt(1000000)
	svc, _ := newService(t, chain)
	req := mintRequest(t)

	_, err := svc.SponsorTransaction(context.Background(), req)
	require.NoError(t, err)

	_, err = svc.SponsorTransaction(context.Background(), req)
	require.ErrorIs(t, err, ErrReplayed)
	assert.Equal(t, retry.ReasonUnauthorized, retry.ReasonOf(err))
	assert.Len(t, chain.sent, 2)
}

func TestSponsorTransactionRejectsUnauthorizedCalls(t *testing.T) {
	other := "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

	tests := []struct {
		name   string
		change func(req *SponsorRequest)
		err    error
		reason retry.Reason
	}{
		{"native value", func(req *SponsorRequest) {
			req.Value = big.NewInt(5e18)
		}, ErrValueNotAllowed, retry.ReasonInvalidInput},
		{"target not allowed", func(req *SponsorRequest) {
			req.To = user
			sign(t, req, userKey)
		}, ErrCallNotAllowed, retry.ReasonInvalidInput},
		{"method not allowed", func(req *SponsorRequest) {
			req.Data = []byte{0xa9, 0x05, 0x9c, 0xbb}
			sign(t, req, userKey)
		}, ErrCallNotAllowed, retry.ReasonInvalidInput},
		{"no call data", func(req *SponsorRequest) {
			req.Data = nil
			sign(t, req, userKey)
		}, ErrCallNotAllowed, retry.ReasonInvalidInput},
		{"expired", func(req *SponsorRequest) {
			req.Deadline = time.Now().Add(-time.Second).Unix()
			sign(t, req, userKey)
		}, ErrDeadline, retry.ReasonInvalidInput},
		{"deadline too far", func(req *SponsorRequest) {
			req.Deadline = time.Now().Add(time.Hour).Unix()
			sign(t, req, userKey)
		}, ErrDeadline, retry.ReasonInvalidInput},
		{"fee below the estimate", func(req *SponsorRequest) {
			req.Fee = big.NewInt(366299)
			sign(t, req, userKey)
		}, ErrFeeAboveAuthorized, retry.ReasonInvalidInput},
		{"signed by someone else", func(req *SponsorRequest) {
			sign(t, req, other)
		}, ErrBadSignature, retry.ReasonUnauthorized},
		{"fee changed after signing", func(req *SponsorRequest) {
			req.Fee = big.NewInt(500000)
		}, ErrBadSignature, retry.ReasonUnauthorized},
		{"malformed fee authorization", func(req *SponsorRequest) {
			req.FeeSignature = []byte{1}
		}, ErrFeeAuthorization, retry.ReasonUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			chain := newFakeChain()
			chain.usdc[user] = big.NewInt(1000000)
			svc, _ := newService(t, chain)
			req := mintRequest(t)
			tt.change(&req)

			_, err := svc.SponsorTransaction(context.Background(), req)
			require.ErrorIs(t, err, tt.err)
			assert.Equal(t, tt.reason, retry.ReasonOf(err))
			assert.Equal(t, retry.KindFatal, retry.KindOf(err))
			assert.Empty(t, chain.sent)
		})
	}
}

func TestSponsorTransactionFeeAuthorizationReverts(t *testing.T) {
	chain := newFakeChain()
	chain.usdc[user] = big.NewInt(1000000)
	chain.callErr = errors.New("execution reverted: FiatTokenV2: invalid signature")
	svc, _ := newService(t, chain)

	_, err := svc.SponsorTransaction(context.Background(), mintRequest(t))
	require.ErrorIs(t, err, ErrFeeAuthorization)
	assert.Equal(t, retry.ReasonUnauthorized, retry.ReasonOf(err))
	assert.Empty(t, chain.sent)
}

func TestSponsorTransactionInsufficientBalance(t *testing.T) {
	chain := newFakeChain()
	chain.usdc[user] = big.NewInt(399999)
	svc, _ := newService(t, chain)

	_, err := svc.SponsorTransaction(context.Background(), mintRequest(t))
	require.ErrorIs(t, err, ErrInsufficientUserBalance)
	assert.Equal(t, retry.KindFatal, retry.KindOf(err))
	assert.Empty(t, chain.sent)
}

func TestSponsorTransactionInvalidUser(t *testing.T) {
	svc, _ := newService(t, newFakeChain())
	req := mintRequest(t)
	req.User = "0x1234"
	_, err := svc.SponsorTransaction(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, retry.ReasonInvalidInput, retry.ReasonOf(err))
}

func TestSponsorTransactionRetriesCongestionOnAnotherAccount(t *testing.T) {
	chain := newFakeChain()
	chain.usdc[user] = big.NewInt(1000000)
	svc, accounts := newService(t, chain)
	chain.sendErrs[accounts[0].Address] = []error{errors.New("replacement transaction underpriced")}

	res, err := svc.SponsorTransaction(context.Background(), mintRequest(t))
	require.NoError(t, err)
	assert.Equal(t, 2, res.Attempts)
	assert.Equal(t, accounts[1].Address, res.Relayer)
	assert.Len(t, chain.sent, 2)
}

func TestSponsorTransactionReportsAttemptsMade(t *testing.T) {
	chain := newFakeChain()
	chain.usdc[user] = big.NewInt(1000000)
	svc, accounts := newService(t, chain)
	chain.sendErrs[accounts[0].Address] = []error{errors.New("replacement transaction underpriced")}
	chain.onErr = func() {
		for i := 0; i < 10; i++ {
			svc.pool.Breaker().RecordCongestion()
		}
	}

	_, err := svc.SponsorTransaction(context.Background(), mintRequest(t))
	require.ErrorIs(t, err, relayer.ErrCircuitOpen)
	assert.Contains(t, err.Error(), "after 1 attempts")
	assert.Empty(t, chain.sent)
}

func TestSponsorTransactionOtherFailureIsImmediate(t *testing.T) {
	chain := newFakeChain()
	chain.usdc[user] = big.NewInt(1000000)
	svc, accounts := newService(t, chain)
	chain.sendErrs[accounts[0].Address] = []error{errors.New("invalid sender")}

	_, err := svc.SponsorTransaction(context.Background(), mintRequest(t))
	require.Error(t, err)
	assert.Equal(t, retry.KindFatal, retry.KindOf(err))
	assert.Empty(t, chain.sent)
}

func TestParseCalls(t *testing.T) {
	calls, err := ParseCalls([]string{"42161:0xC30362313FBBA5cf9163F0bb16a0e01f01A896ca:0x57ecfd28"})
	require.NoError(t, err)
	require.Len(t, calls[42161], 1)
	assert.Equal(t, transmitter, calls[42161][0].To)
	assert.Equal(t, ReceiveMessageSelector, calls[42161][0].Selector)

	for _, bad := range []string{"42161:0xC30362313FBBA5cf9163F0bb16a0e01f01A896ca", "x:0xC30362313FBBA5cf9163F0bb16a0e01f01A896ca:0x57ecfd28", "1:0x12:0x57ecfd28", "1:0xC30362313FBBA5cf9163F0bb16a0e01f01A896ca:0x57"} {
		_, err := ParseCalls([]string{bad})
		assert.Error(t, err, bad)
	}

	def := DefaultCalls(config.DefaultChains)
	assert.Equal(t, []Call{{To: transmitter, Selector: ReceiveMessageSelector}}, def[chainID])
}
