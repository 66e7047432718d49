package relayer

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/btcsuite/btcd/btcutil/hdkeychain"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/tyler-smith/go-bip39"
)

var ErrNoAccounts = errors.New("no relayer accounts configured")

// NonceState is either unknown (fetch from the node before the next send) or
// the next nonce to use.
type NonceState struct {
	Tracked bool
	Next    uint64
}

func (s NonceState) String() string {
	if !s.Tracked {
		return "unknown"
	}
	return fmt.Sprintf("tracked(%d)", s.Next)
}

// Account is a relayer signing account. mu is the owner lock: nonce state of
// every chain is read and changed only while it is held.
type Account struct {
	Address common.Address
	Index   int

	key *ecdsa.PrivateKey

	mu     sync.Mutex
	nonces map[int]NonceState

	depthMu sync.Mutex
	depth   map[int]int
}

func NewAccount(index int, key *ecdsa.PrivateKey) *Account {
	return &Account{
		Address: crypto.PubkeyToAddress(key.PublicKey),
		Index:   index,
		key:     key,
		nonces:  make(map[int]NonceState),
		depth:   make(map[int]int),
	}
}

// Nonce returns the current nonce state for chainId.
func (a *Account) Nonce(chainId int) NonceState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nonces[chainId]
}

// the helpers below must be called with a.mu held

func (a *Account) nonceLocked(chainId int) NonceState {
	return a.nonces[chainId]
}

func (a *Account) trackLocked(chainId int, next uint64) {
	a.nonces[chainId] = NonceState{Tracked: true, Next: next}
}

func (a *Account) sentLocked(chainId int, used uint64) {
	a.nonces[chainId] = NonceState{Tracked: true, Next: used + 1}
}

func (a *Account) resetLocked(chainId int) {
	delete(a.nonces, chainId)
}

func (a *Account) LastDepth(chainId int) int {
	a.depthMu.Lock()
	defer a.depthMu.Unlock()
	return a.depth[chainId]
}

func (a *Account) setDepth(chainId, depth int) {
	a.depthMu.Lock()
	defer a.depthMu.Unlock()
	a.depth[chainId] = depth
}

func (a *Account) sign(chainId int, txdata ethtypes.TxData) (*ethtypes.Transaction, error) {
	signer := ethtypes.LatestSignerForChainID(big.NewInt(int64(chainId)))
	return ethtypes.SignNewTx(a.key, signer, txdata)
}

// AccountsFromKeys loads accounts from hex encoded private keys.
func AccountsFromKeys(keys []string) ([]*Account, error) {
	accounts := make([]*Account, 0, len(keys))
	for i, k := range keys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(strings.TrimSpace(k), "0x"))
		if err != nil {
			return nil, fmt.Errorf("error instantiating relayer key %d: %w", i, err)
		}
		accounts = append(accounts, NewAccount(i, key))
	}
	return accounts, nil
}

// AccountsFromMnemonic derives count accounts at m/44'/60'/0'/0/i.
func AccountsFromMnemonic(mnemonic string, count int) ([]*Account, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid relayer mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")
	master, err := hdkeychain.NewMaster(seed, &chaincfg.MainNetParams)
	if err != nil {
		return nil, fmt.Errorf("cannot create master key: %w", err)
	}

	// m/44'/60'/0'/0
	branch := master
	for _, idx := range []uint32{
		hdkeychain.HardenedKeyStart + 44,
		hdkeychain.HardenedKeyStart + 60,
		hdkeychain.HardenedKeyStart + 0,
		0,
	} {
		branch, err = branch.Derive(idx)
		if err != nil {
			return nil, err
		}
	}

	accounts := make([]*Account, 0, count)
	for i := 0; i < count; i++ {
		child, err := branch.Derive(uint32(i))
		if err != nil {
			return nil, fmt.Errorf("cannot derive relayer %d: %w", i, err)
		}
		priv, err := child.ECPrivKey()
		if err != nil {
			return nil, err
		}
		key, err := crypto.ToECDSA(priv.Serialize())
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, NewAccount(i, key))
	}
	return accounts, nil
}

// LoadAccounts prefers explicit keys over the mnemonic.
func LoadAccounts(keys []string, mnemonic string, count int) ([]*Account, error) {
	if len(keys) > 0 {
		return AccountsFromKeys(keys)
	}
	if mnemonic != "" {
		return AccountsFromMnemonic(mnemonic, count)
	}
	return nil, ErrNoAccounts
}
