package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Mock is a scripted ReceiptProvider for tests and local development.
// Hashes and token addresses are matched case-insensitively.
type Mock struct {
	mu       sync.Mutex
	receipts map[string]*Receipt
	errs     map[string]error
	decimals map[string]uint8
}

var _ ReceiptProvider = (*Mock)(nil)

// NewMock creates an empty mock: every lookup is a not-found until
// scripted.
func NewMock() *Mock {
	return &Mock{
		receipts: make(map[string]*Receipt),
		errs:     make(map[string]error),
		decimals: make(map[string]uint8),
	}
}

// SetReceipt scripts the receipt returned for a transaction hash.
func (m *Mock) SetReceipt(txHash string, r *Receipt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.receipts[strings.ToLower(txHash)] = r
}

// SetError scripts an RPC failure for a transaction hash.
func (m *Mock) SetError(txHash string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs[strings.ToLower(txHash)] = err
}

// SetDecimals scripts the decimals() answer for a token contract.
func (m *Mock) SetDecimals(token string, d uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.decimals[strings.ToLower(token)] = d
}

func (m *Mock) TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(txHash)
	if err, ok := m.errs[key]; ok {
		return nil, err
	}
	r, ok := m.receipts[key]
	if !ok {
		return nil, ErrTxNotFound
	}
	return r, nil
}

func (m *Mock) TokenDecimals(ctx context.Context, token string) (uint8, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d, ok := m.decimals[strings.ToLower(token)]
	if !ok {
		return 0, fmt.Errorf("chain: no scripted decimals for token %s", token)
	}
	return d, nil
}

// TransferReceipt builds a successful receipt containing a single ERC-20
// Transfer of value from sender to recipient, emitted by token.
func TransferReceipt(token, sender, recipient string, value *big.Int, blockNumber uint64) *Receipt {
	data := make([]byte, 32)
	if value != nil {
		value.FillBytes(data)
	}
	return &Receipt{
		Status:      ReceiptStatusSuccess,
		BlockNumber: blockNumber,
		From:        common.HexToAddress(sender),
		Logs: []Log{{
			Address: common.HexToAddress(token),
			Topics: []common.Hash{
				TransferTopic,
				addressTopic(common.HexToAddress(sender)),
				addressTopic(common.HexToAddress(recipient)),
			},
			Data: data,
		}},
	}
}

// addressTopic left-pads an address to the 32-byte topic encoding.
func addressTopic(a common.Address) common.Hash {
	return common.BytesToHash(a.Bytes())
}
