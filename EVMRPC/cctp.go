package EVMRPC

import (
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"gousdcbridge/config"
)

const messageTransmitterABI = `[
	{"anonymous":false,"inputs":[{"indexed":false,"internalType":"bytes","name":"message","type":"bytes"}],"name":"MessageSent","type":"event"},
	{"inputs":[{"internalType":"bytes","name":"message","type":"bytes"},{"internalType":"bytes","name":"attestation","type":"bytes"}],"name":"receiveMessage","outputs":[{"internalType":"bool","name":"success","type":"bool"}],"stateMutability":"nonpayable","type":"function"},
	{"inputs":[{"internalType":"bytes32","name":"","type":"bytes32"}],"name":"usedNonces","outputs":[{"internalType":"uint256","name":"","type":"uint256"}],"stateMutability":"view","type":"function"}
]`

const erc20ABI = `[
	{"constant":true,"inputs":[{"name":"owner","type":"address"}],"name":"balanceOf","outputs":[{"name":"","type":"uint256"}],"stateMutability":"view","type":"function"},
	{"inputs":[{"name":"from","type":"address"},{"name":"to","type":"address"},{"name":"value","type":"uint256"},{"name":"validAfter","type":"uint256"},{"name":"validBefore","type":"uint256"},{"name":"nonce","type":"bytes32"},{"name":"v","type":"uint8"},{"name":"r","type":"bytes32"},{"name":"s","type":"bytes32"}],"name":"transferWithAuthorization","outputs":[],"stateMutability":"nonpayable","type":"function"}
]`

var (
	transmitterABI = mustABI(messageTransmitterABI)
	tokenABI       = mustABI(erc20ABI)

	// topic of MessageSent(bytes)
	MessageSentTopic = crypto.Keccak256Hash([]byte(config.MESSAGE_SENT_EVENT))

	ErrNoMessageSent    = errors.New("no MessageSent event in receipt")
	ErrShortMessage     = errors.New("message too short for a source domain and nonce")
	ErrBadAuthSignature = errors.New("authorization signature must be 65 bytes")
)

// message header: version(4) sourceDomain(4) destinationDomain(4) nonce(8)
const messageHeaderLen = 20

func mustABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}

// MessageSentFromReceipt returns the message emitted by transmitter in the burn
// transaction. The first matching log wins.
func MessageSentFromReceipt(receipt *ethtypes.Receipt, transmitter common.Address) ([]byte, error) {
	for _, l := range receipt.Logs {
		if l == nil || len(l.Topics) == 0 || l.Topics[0] != MessageSentTopic {
			continue
		}
		if l.Address != transmitter {
			continue
		}
		values, err := transmitterABI.Unpack("MessageSent", l.Data)
		if err != nil {
			return nil, fmt.Errorf("cannot decode MessageSent log: %w", err)
		}
		msg, ok := values[0].([]byte)
		if !ok {
			return nil, fmt.Errorf("unexpected MessageSent payload %T", values[0])
		}
		return msg, nil
	}
	return nil, ErrNoMessageSent
}

// MessageHash is the attestation lookup key of a message.
func MessageHash(message []byte) common.Hash {
	return crypto.Keccak256Hash(message)
}

func PackReceiveMessage(message, attestation []byte) ([]byte, error) {
	return transmitterABI.Pack("receiveMessage", message, attestation)
}

// MessageNonceKey is the key the destination transmitter marks a received
// message under: keccak256(sourceDomain ++ nonce).
func MessageNonceKey(message []byte) (common.Hash, error) {
	if len(message) < messageHeaderLen {
		return common.Hash{}, ErrShortMessage
	}
	packed := make([]byte, 0, 12)
	packed = append(packed, message[4:8]...)
	packed = append(packed, message[12:20]...)
	return crypto.Keccak256Hash(packed), nil
}

func PackUsedNonces(key common.Hash) ([]byte, error) {
	return transmitterABI.Pack("usedNonces", [32]byte(key))
}

func UnpackUsedNonces(data []byte) (*big.Int, error) {
	values, err := transmitterABI.Unpack("usedNonces", data)
	if err != nil {
		return nil, err
	}
	used, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected usedNonces result %T", values[0])
	}
	return used, nil
}

// TransferAuthorization is a signed EIP-3009 USDC transfer.
type TransferAuthorization struct {
	From        common.Address
	To          common.Address
	Value       *big.Int
	ValidAfter  *big.Int
	ValidBefore *big.Int
	Nonce       common.Hash
	Signature   []byte // r ++ s ++ v, v either 0/1 or 27/28
}

func PackTransferWithAuthorization(a TransferAuthorization) ([]byte, error) {
	if len(a.Signature) != 65 {
		return nil, ErrBadAuthSignature
	}
	var r, s [32]byte
	copy(r[:], a.Signature[:32])
	copy(s[:], a.Signature[32:64])
	v := a.Signature[64]
	if v < 27 {
		v += 27
	}
	validAfter := a.ValidAfter
	if validAfter == nil {
		validAfter = new(big.Int)
	}
	return tokenABI.Pack("transferWithAuthorization", a.From, a.To, a.Value, validAfter, a.ValidBefore, [32]byte(a.Nonce), v, r, s)
}

func PackBalanceOf(owner common.Address) ([]byte, error) {
	return tokenABI.Pack("balanceOf", owner)
}

func UnpackBalanceOf(data []byte) (*big.Int, error) {
	values, err := tokenABI.Unpack("balanceOf", data)
	if err != nil {
		return nil, err
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected balanceOf result %T", values[0])
	}
	return balance, nil
}

// MessageSentLog builds the log a MessageTransmitter emits for message.
func MessageSentLog(transmitter common.Address, message []byte) (*ethtypes.Log, error) {
	data, err := transmitterABI.Events["MessageSent"].Inputs.Pack(message)
	if err != nil {
		return nil, err
	}
	return &ethtypes.Log{
		Address: transmitter,
		Topics:  []common.Hash{MessageSentTopic},
		Data:    data,
	}, nil
}
