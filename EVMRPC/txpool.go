package EVMRPC

import (
	"context"
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ybbus/jsonrpc"
	"go.uber.org/zap"
)

type txpoolContent struct {
	Pending map[string]json.RawMessage `json:"pending"`
	Queued  map[string]json.RawMessage `json:"queued"`
}

// PendingDepth is the number of transactions of addr waiting in the mempool.
// It asks the node's txpool first; nodes without the txpool namespace are
// answered with pending nonce minus latest nonce.
func (c *Client) PendingDepth(ctx context.Context, chainId int, addr common.Address) (int, error) {
	if depth, ok := c.txpoolDepth(ctx, chainId, addr); ok {
		return depth, nil
	}

	pending, err := c.PendingNonceAt(ctx, chainId, addr)
	if err != nil {
		return 0, err
	}
	latest, err := c.NonceAt(ctx, chainId, addr)
	if err != nil {
		return 0, err
	}
	if pending < latest {
		return 0, nil
	}
	return int(pending - latest), nil
}

func (c *Client) txpoolDepth(ctx context.Context, chainId int, addr common.Address) (int, bool) {
	chain, ok := c.chains[chainId]
	if !ok {
		return 0, false
	}
	for _, url := range chain.RPCList {
		if ctx.Err() != nil {
			return 0, false
		}
		var content txpoolContent
		err := jsonrpc.NewClient(url).CallFor(&content, "txpool_contentFrom", addr.Hex())
		if err != nil {
			c.log.Debug("txpool_contentFrom unavailable", zap.String("url", url), zap.Error(err))
			continue
		}
		return len(content.Pending) + len(content.Queued), true
	}
	return 0, false
}
