package workers

import (
	"context"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gousdcbridge/config"
	"gousdcbridge/metrics"
	"gousdcbridge/monitor"
	"gousdcbridge/relayer"
	"gousdcbridge/workers/handlers"
)

type fakeBalances struct {
	balances map[common.Address]*big.Int
	calls    int
}

func (f *fakeBalances) BalanceAt(ctx context.Context, chainId int, addr common.Address) (*big.Int, error) {
	f.calls++
	b, ok := f.balances[addr]
	if !ok {
		return nil, errors.New("unknown account")
	}
	return b, nil
}

func testAccounts(t *testing.T, n int) []*relayer.Account {
	t.Helper()
	out := make([]*relayer.Account, 0, n)
	for i := 0; i < n; i++ {
		key, err := crypto.GenerateKey()
		require.NoError(t, err)
		out = append(out, relayer.NewAccount(i, key))
	}
	return out
}

func TestRelayerBalancesScan(t *testing.T) {
	accounts := testAccounts(t, 3)
	node := &fakeBalances{balances: map[common.Address]*big.Int{
		accounts[0].Address: big.NewInt(1e18),
		accounts[1].Address: big.NewInt(1000),
	}}
	m := metrics.New(prometheus.NewRegistry())

	w := &RelayerBalances{
		Chains:     []int{1, 10},
		Accounts:   accounts,
		Node:       node,
		MinBalance: big.NewInt(1e16),
		Metrics:    m,
	}
	low := w.Scan(context.Background())

	assert.Equal(t, 2, low)
	assert.Equal(t, 6, node.calls)
	assert.Equal(t, float64(1000), testutil.ToFloat64(m.RelayerBalance.WithLabelValues("10", accounts[1].Address.Hex())))
	assert.Equal(t, 4, testutil.CollectAndCount(m.RelayerBalance))
}

func TestRelayerBalancesRunStops(t *testing.T) {
	w := &RelayerBalances{
		Chains:   []int{1},
		Accounts: testAccounts(t, 1),
		Node:     &fakeBalances{balances: map[common.Address]*big.Int{}},
		Interval: time.Millisecond,
	}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.NoError(t, w.Run(ctx))
}

func TestRouter(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	m.Sponsorships.WithLabelValues("sponsored").Inc()

	api := &handlers.API{
		Transactions: monitor.New(monitor.Config{Chains: config.DefaultChains}, nil, nil, nil),
	}
	r := NewRouter(api, reg)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bridge_paymaster_sponsorships_total")

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodOptions, "/preflight", nil))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))

	// paymaster not configured
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/fee/1", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/state", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWorkerHTTPShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Worker_HTTP(ctx, "127.0.0.1:0", http.NotFoundHandler()) }()

	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("HTTP worker did not stop")
	}
}
