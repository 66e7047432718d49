package EVMRPC

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"gousdcbridge/retry"
)

// GasPrice is what a signer needs to price a transaction. BaseFee is nil on
// chains without EIP-1559.
type GasPrice struct {
	BaseFee  *big.Int
	TipCap   *big.Int
	GasPrice *big.Int
}

func (c *Client) BlockNumber(ctx context.Context, chainId int) (uint64, error) {
	return WithClient(ctx, c, chainId, func(client *ethclient.Client) (uint64, error) {
		return client.BlockNumber(ctx)
	})
}

func (c *Client) PendingNonceAt(ctx context.Context, chainId int, addr common.Address) (uint64, error) {
	return WithClient(ctx, c, chainId, func(client *ethclient.Client) (uint64, error) {
		return client.PendingNonceAt(ctx, addr)
	})
}

func (c *Client) NonceAt(ctx context.Context, chainId int, addr common.Address) (uint64, error) {
	return WithClient(ctx, c, chainId, func(client *ethclient.Client) (uint64, error) {
		return client.NonceAt(ctx, addr, nil)
	})
}

func (c *Client) BalanceAt(ctx context.Context, chainId int, addr common.Address) (*big.Int, error) {
	return WithClient(ctx, c, chainId, func(client *ethclient.Client) (*big.Int, error) {
		return client.BalanceAt(ctx, addr, nil)
	})
}

func (c *Client) SuggestGasPrice(ctx context.Context, chainId int) (*big.Int, error) {
	return WithClient(ctx, c, chainId, func(client *ethclient.Client) (*big.Int, error) {
		return client.SuggestGasPrice(ctx)
	})
}

func (c *Client) GasPrices(ctx context.Context, chainId int) (*GasPrice, error) {
	return WithClient(ctx, c, chainId, func(client *ethclient.Client) (*GasPrice, error) {
		head, err := client.HeaderByNumber(ctx, nil)
		if err != nil {
			return nil, err
		}
		gasPrice, err := client.SuggestGasPrice(ctx)
		if err != nil {
			return nil, err
		}
		gp := &GasPrice{GasPrice: gasPrice}
		if head.BaseFee == nil {
			return gp, nil
		}
		tip, err := client.SuggestGasTipCap(ctx)
		if err != nil {
			return nil, err
		}
		gp.BaseFee = head.BaseFee
		gp.TipCap = tip
		return gp, nil
	})
}

func (c *Client) SendTransaction(ctx context.Context, chainId int, tx *ethtypes.Transaction) error {
	_, err := WithClient(ctx, c, chainId, func(client *ethclient.Client) (struct{}, error) {
		return struct{}{}, client.SendTransaction(ctx, tx)
	})
	return err
}

// TransactionSeen reports whether any node knows about hash, pending or mined.
func (c *Client) TransactionSeen(ctx context.Context, chainId int, hash common.Hash) (bool, error) {
	return WithClient(ctx, c, chainId, func(client *ethclient.Client) (bool, error) {
		_, _, err := client.TransactionByHash(ctx, hash)
		if err == ethereum.NotFound {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	})
}

// TransactionReceipt returns ethereum.NotFound while the transaction is not mined.
func (c *Client) TransactionReceipt(ctx context.Context, chainId int, hash common.Hash) (*ethtypes.Receipt, error) {
	return WithClient(ctx, c, chainId, func(client *ethclient.Client) (*ethtypes.Receipt, error) {
		return client.TransactionReceipt(ctx, hash)
	})
}

// Confirmations of a receipt, counting its own block.
func (c *Client) Confirmations(ctx context.Context, chainId int, receipt *ethtypes.Receipt) (uint64, error) {
	head, err := c.BlockNumber(ctx, chainId)
	if err != nil {
		return 0, err
	}
	if receipt.BlockNumber == nil || head < receipt.BlockNumber.Uint64() {
		return 0, nil
	}
	return head - receipt.BlockNumber.Uint64() + 1, nil
}

func (c *Client) CallContract(ctx context.Context, chainId int, to common.Address, data []byte) ([]byte, error) {
	return WithClient(ctx, c, chainId, func(client *ethclient.Client) ([]byte, error) {
		return client.CallContract(ctx, ethereum.CallMsg{To: &to, Data: data}, nil)
	})
}

// TokenBalance reads ERC-20 balanceOf(owner).
func (c *Client) TokenBalance(ctx context.Context, chainId int, token, owner common.Address) (*big.Int, error) {
	data, err := PackBalanceOf(owner)
	if err != nil {
		return nil, err
	}
	out, err := c.CallContract(ctx, chainId, token, data)
	if err != nil {
		return nil, err
	}
	return UnpackBalanceOf(out)
}

// USDCBalance reads the configured USDC token balance of owner.
func (c *Client) USDCBalance(ctx context.Context, chainId int, owner common.Address) (*big.Int, error) {
	ch, ok := c.chains[chainId]
	if !ok {
		return nil, retry.Fatal(retry.ReasonInvalidInput, ErrUnknownChain)
	}
	return c.TokenBalance(ctx, chainId, common.HexToAddress(ch.USDCAddress), owner)
}

// MessageReceived reports whether the transmitter on chainId already accepted
// message, whoever relayed it.
func (c *Client) MessageReceived(ctx context.Context, chainId int, transmitter common.Address, message []byte) (bool, error) {
	key, err := MessageNonceKey(message)
	if err != nil {
		return false, retry.Fatal(retry.ReasonInvalidInput, err)
	}
	data, err := PackUsedNonces(key)
	if err != nil {
		return false, err
	}
	out, err := c.CallContract(ctx, chainId, transmitter, data)
	if err != nil {
		return false, err
	}
	used, err := UnpackUsedNonces(out)
	if err != nil {
		return false, retry.Fatal(retry.ReasonDecode, err)
	}
	return used.Sign() != 0, nil
}
