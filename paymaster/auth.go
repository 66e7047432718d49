package paymaster

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/patrickmn/go-cache"

	"gousdcbridge/config"
)

var (
	ErrBadSignature       = errors.New("signature does not match the user")
	ErrReplayed           = errors.New("sponsorship nonce was already used")
	ErrCallNotAllowed     = errors.New("call target is not allowed")
	ErrValueNotAllowed    = errors.New("sponsored calls cannot move native value")
	ErrDeadline           = errors.New("deadline is expired or too far ahead")
	ErrFeeAboveAuthorized = errors.New("current fee is above the fee the user authorized")
	ErrFeeAuthorization   = errors.New("fee authorization would not settle")
)

// receiveMessage(bytes,bytes)
var ReceiveMessageSelector = [4]byte{0x57, 0xec, 0xfd, 0x28}

// Call is a contract method a sponsored transaction may invoke.
type Call struct {
	To       common.Address
	Selector [4]byte
}

// DefaultCalls allows receiveMessage on every chain's MessageTransmitter, so a
// gasless user can have the mint of their own transfer relayed.
func DefaultCalls(chains map[int]config.ChainConfig) map[int][]Call {
	calls := make(map[int][]Call, len(chains))
	for id, ch := range chains {
		if ch.MessageTransmitter == "" {
			continue
		}
		calls[id] = append(calls[id], Call{To: common.HexToAddress(ch.MessageTransmitter), Selector: ReceiveMessageSelector})
	}
	return calls
}

// ParseCalls reads "chainId:address:selector" entries, e.g.
// "42161:0xC30362313FBBA5cf9163F0bb16a0e01f01A896ca:0x57ecfd28".
func ParseCalls(entries []string) (map[int][]Call, error) {
	calls := map[int][]Call{}
	for _, e := range entries {
		parts := strings.Split(e, ":")
		if len(parts) != 3 {
			return nil, fmt.Errorf("invalid allowed call %q", e)
		}
		chainId, err := strconv.Atoi(parts[0])
		if err != nil {
			return nil, fmt.Errorf("invalid allowed call %q: %w", e, err)
		}
		if !common.IsHexAddress(parts[1]) {
			return nil, fmt.Errorf("invalid allowed call %q: bad address", e)
		}
		sel, err := hexutil.Decode(parts[2])
		if err != nil || len(sel) != 4 {
			return nil, fmt.Errorf("invalid allowed call %q: bad selector", e)
		}
		c := Call{To: common.HexToAddress(parts[1])}
		copy(c.Selector[:], sel)
		calls[chainId] = append(calls[chainId], c)
	}
	return calls, nil
}

func allowed(calls []Call, to common.Address, data []byte) bool {
	if len(data) < 4 {
		return false
	}
	for _, c := range calls {
		if c.To == to && string(c.Selector[:]) == string(data[:4]) {
			return true
		}
	}
	return false
}

// IntentMessage is what the user signs with personal_sign to authorize one
// sponsored call. The nonce is also the nonce of the fee authorization.
func IntentMessage(chainId int, to common.Address, data []byte, fee *big.Int, nonce common.Hash, deadline int64) string {
	return fmt.Sprintf("%d:%s:%s:%s:%s:%d", chainId, strings.ToLower(to.Hex()), hexutil.Encode(data), fee, nonce.Hex(), deadline)
}

func prefixHash(data []byte) common.Hash {
	msg := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(data), data)
	return crypto.Keccak256Hash([]byte(msg))
}

// SignIntent signs msg the way a wallet's personal_sign does.
func SignIntent(msg string, key []byte) ([]byte, error) {
	pk, err := crypto.ToECDSA(key)
	if err != nil {
		return nil, err
	}
	sig, err := crypto.Sign(prefixHash([]byte(msg)).Bytes(), pk)
	if err != nil {
		return nil, err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return sig, nil
}

func publicKeyBytesToAddress(publicKey []byte) *common.Address {
	if len(publicKey) < 1 {
		return nil
	}

	hash := crypto.Keccak256Hash(publicKey[1:]).Bytes()
	addr := common.HexToAddress(hex.EncodeToString(hash[12:]))
	return &addr
}

// RecoverSigner returns the address that personal_signed msg.
func RecoverSigner(msg string, sig []byte) (*common.Address, error) {
	if len(sig) != crypto.SignatureLength {
		return nil, fmt.Errorf("wrong signature length %d", len(sig))
	}
	sigBytes := append([]byte(nil), sig...)

	v := sigBytes[crypto.RecoveryIDOffset]
	if v != 27 && v != 28 && v != 0 && v != 1 {
		return nil, fmt.Errorf("wrong signature checksum")
	}
	if v == 27 || v == 28 {
		sigBytes[crypto.RecoveryIDOffset] = v - 27
	}

	sigPublicKey, err := crypto.Ecrecover(prefixHash([]byte(msg)).Bytes(), sigBytes)
	if err != nil {
		return nil, fmt.Errorf("cannot decode public key: %w", err)
	}
	return publicKeyBytesToAddress(sigPublicKey), nil
}

// ReplayGuard remembers used sponsorship nonces; *redis.Store implements it
// so that every instance sees the same set.
type ReplayGuard interface {
	ClaimOnce(ctx context.Context, key string, ttl time.Duration) (bool, error)
}

type memoryGuard struct {
	used *cache.Cache
}

func newMemoryGuard() *memoryGuard {
	return &memoryGuard{used: cache.New(time.Hour, 10*time.Minute)}
}

func (g *memoryGuard) ClaimOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	return g.used.Add(key, struct{}{}, ttl) == nil, nil
}
