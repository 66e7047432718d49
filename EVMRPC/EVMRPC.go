package EVMRPC

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"gousdcbridge/config"
	"gousdcbridge/logger"
	"gousdcbridge/retry"
)

var ErrUnknownChain = errors.New("chain is not configured")

// Client talks to every configured chain through its RPC list. Connections are
// dialed lazily and reused; a call fails over to the next endpoint when the
// current one has a transport problem.
type Client struct {
	chains map[int]config.ChainConfig
	log    *zap.Logger

	mu    sync.Mutex
	conns map[string]*ethclient.Client
}

func New(chains map[int]config.ChainConfig) *Client {
	return &Client{
		chains: chains,
		log:    logger.Named("evmrpc"),
		conns:  make(map[string]*ethclient.Client),
	}
}

func (c *Client) Chain(chainId int) (config.ChainConfig, bool) {
	ch, ok := c.chains[chainId]
	return ch, ok
}

func (c *Client) dial(ctx context.Context, url string) (*ethclient.Client, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.conns[url]; ok {
		return cl, nil
	}
	cl, err := ethclient.DialContext(ctx, url)
	if err != nil {
		return nil, err
	}
	c.conns[url] = cl
	return cl, nil
}

// drop forgets a connection that failed at the transport level so the next call
// redials it.
func (c *Client) drop(url string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cl, ok := c.conns[url]; ok {
		cl.Close()
		delete(c.conns, url)
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for url, cl := range c.conns {
		cl.Close()
		delete(c.conns, url)
	}
}

// failover reports whether err is worth another endpoint. Node answers such as
// "nonce too low" or "not found" would be the same on every node.
func failover(err error) bool {
	switch retry.ReasonOf(retry.Classify(err)) {
	case retry.ReasonNetwork, retry.ReasonRateLimited:
		return true
	}
	return false
}

func WithClient[T any](ctx context.Context, c *Client, chainId int, f func(client *ethclient.Client) (T, error)) (res T, err error) {
	chain, ok := c.chains[chainId]
	if !ok || len(chain.RPCList) == 0 {
		err = retry.Fatal(retry.ReasonInvalidInput, fmt.Errorf("%w: %d", ErrUnknownChain, chainId))
		return
	}

	var client *ethclient.Client
	for _, url := range chain.RPCList {
		client, err = c.dial(ctx, url)
		if err != nil {
			c.log.Warn("error connecting to rpc", zap.String("url", url), zap.Error(err))
			err = retry.Transient(retry.ReasonNetwork, err)
			continue
		}

		res, err = f(client)
		if err == nil || !failover(err) {
			return
		}
		c.log.Warn("rpc call failed, trying next endpoint",
			zap.Int("chain", chainId),
			zap.String("url", url),
			zap.Error(err),
		)
		c.drop(url)
	}
	return
}
