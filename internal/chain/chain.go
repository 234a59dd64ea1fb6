// Package chain reads transaction receipts and ERC-20 token metadata
// from an EVM chain. The payment verifier consumes it through the
// ReceiptProvider interface; the ethclient-backed Client talks to a real
// node and the Mock scripts answers for tests and local development.
package chain

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrTxNotFound means the node has no receipt for the hash: the
// transaction is unknown or not yet mined.
var ErrTxNotFound = errors.New("chain: transaction not found")

// ErrUnavailable is returned while the circuit to the RPC backend is open.
var ErrUnavailable = errors.New("chain: rpc backend unavailable")

// ReceiptStatusSuccess is the execution status of a successful transaction.
const ReceiptStatusSuccess = uint64(1)

// TransferTopic is keccak256("Transfer(address,address,uint256)"),
// topic0 of every ERC-20 Transfer event.
var TransferTopic = common.HexToHash("0xddf252ad1be2c89b69c2b068fc378daa952ba7f163c4a11628f55a4df523b3ef")

// Log is one receipt log entry.
type Log struct {
	Address common.Address
	Topics  []common.Hash
	Data    []byte
}

// Receipt carries the subset of a transaction receipt the verifier needs:
// execution status, block number, sender, and the ordered logs.
type Receipt struct {
	Status      uint64
	BlockNumber uint64
	From        common.Address
	Logs        []Log
}

// Succeeded reports whether the transaction executed successfully.
func (r *Receipt) Succeeded() bool { return r.Status == ReceiptStatusSuccess }

// ReceiptProvider is the verifier's view of the chain.
type ReceiptProvider interface {
	// TransactionReceipt returns the receipt for a mined transaction,
	// or ErrTxNotFound when the node does not know the hash.
	TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error)

	// TokenDecimals returns the decimals() of an ERC-20 token contract.
	TokenDecimals(ctx context.Context, token string) (uint8, error)
}

// Transfer is one decoded ERC-20 Transfer event.
type Transfer struct {
	Token common.Address
	From  common.Address
	To    common.Address
	Value *big.Int
}

// ParseTransfer decodes a receipt log as an ERC-20 Transfer event. The
// from and to addresses are indexed (topics 1 and 2); the value sits in
// the data segment.
func ParseTransfer(l Log) (*Transfer, bool) {
	if len(l.Topics) != 3 || l.Topics[0] != TransferTopic {
		return nil, false
	}
	return &Transfer{
		Token: l.Address,
		From:  common.BytesToAddress(l.Topics[1].Bytes()),
		To:    common.BytesToAddress(l.Topics[2].Bytes()),
		Value: new(big.Int).SetBytes(l.Data),
	}, true
}

// Transfers decodes every Transfer event the given token contract
// emitted in this receipt, in log order.
func (r *Receipt) Transfers(token common.Address) []*Transfer {
	var out []*Transfer
	for _, l := range r.Logs {
		if l.Address != token {
			continue
		}
		if t, ok := ParseTransfer(l); ok {
			out = append(out, t)
		}
	}
	return out
}
