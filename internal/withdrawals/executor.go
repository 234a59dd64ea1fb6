package withdrawals

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/agora/internal/agnt"
	"github.com/mbd888/agora/internal/idgen"
)

// Executor pushes an approved withdrawal on-chain and returns the
// transaction hash. amount is the net AGNT payout as an 8dp string.
type Executor interface {
	Execute(ctx context.Context, recipient, amount string) (txHash string, err error)
}

var (
	// ErrExecutorKey is returned when the signing key cannot be parsed.
	ErrExecutorKey = errors.New("withdrawals: invalid platform private key")

	// ErrTransferReverted is returned when the transfer mined but the
	// receipt reports failure.
	ErrTransferReverted = errors.New("withdrawals: transfer reverted on-chain")
)

const erc20ABI = `[
	{"constant":false,"inputs":[{"name":"to","type":"address"},{"name":"value","type":"uint256"}],"name":"transfer","outputs":[{"name":"","type":"bool"}],"type":"function"},
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}
]`

const (
	defaultGasLimit     = uint64(100000)
	confirmTimeout      = 2 * time.Minute
	confirmPollInterval = 2 * time.Second
)

// TxBackend abstracts the go-ethereum client calls the executor needs.
type TxBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// ExecutorConfig configures the chain executor.
type ExecutorConfig struct {
	RPCURL     string
	PrivateKey string // hex, 0x prefix optional
	ChainID    int64
	Token      string // AGNT ERC-20 contract address
}

// ExecutorOption configures the chain executor.
type ExecutorOption func(*ChainExecutor)

// WithTxBackend substitutes the RPC backend, for tests.
func WithTxBackend(b TxBackend) ExecutorOption {
	return func(e *ChainExecutor) { e.backend = b }
}

// ChainExecutor signs and sends ERC-20 transfers from the platform
// wallet and waits for the receipt before reporting success.
type ChainExecutor struct {
	backend TxBackend
	key     *ecdsa.PrivateKey
	from    common.Address
	chainID *big.Int
	token   common.Address
	erc20   abi.ABI

	mu       sync.Mutex
	decimals *uint8 // resolved from the contract on first transfer
}

var _ Executor = (*ChainExecutor)(nil)

// NewChainExecutor parses the signing key and dials the RPC endpoint.
// RPCURL is ignored when WithTxBackend is given.
func NewChainExecutor(cfg ExecutorConfig, opts ...ExecutorOption) (*ChainExecutor, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrExecutorKey, err)
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: cannot derive public key", ErrExecutorKey)
	}
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("withdrawals: parse erc20 abi: %w", err)
	}

	e := &ChainExecutor{
		key:     key,
		from:    crypto.PubkeyToAddress(*pub),
		chainID: big.NewInt(cfg.ChainID),
		token:   common.HexToAddress(cfg.Token),
		erc20:   parsed,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.backend == nil {
		eth, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("withdrawals: dial %s: %w", cfg.RPCURL, err)
		}
		e.backend = eth
	}
	return e, nil
}

// From returns the platform wallet address transfers are sent from.
func (e *ChainExecutor) From() string { return e.from.Hex() }

// Close releases the RPC connection.
func (e *ChainExecutor) Close() { e.backend.Close() }

// Execute transfers the net amount to the recipient and blocks until
// the transaction mines or the confirmation window runs out. The ledger
// amount is rescaled to the token's own decimals.
func (e *ChainExecutor) Execute(ctx context.Context, recipient, amount string) (string, error) {
	units, ok := agnt.ParsePositive(amount)
	if !ok {
		return "", fmt.Errorf("withdrawals: bad payout amount %q", amount)
	}
	dec, err := e.tokenDecimals(ctx)
	if err != nil {
		return "", err
	}
	raw := agnt.ToTokenUnits(units, dec)

	data, err := e.erc20.Pack("transfer", common.HexToAddress(recipient), raw)
	if err != nil {
		return "", fmt.Errorf("withdrawals: pack transfer: %w", err)
	}

	nonce, err := e.backend.PendingNonceAt(ctx, e.from)
	if err != nil {
		return "", fmt.Errorf("withdrawals: nonce: %w", err)
	}
	gasPrice, err := e.backend.SuggestGasPrice(ctx)
	if err != nil {
		return "", fmt.Errorf("withdrawals: gas price: %w", err)
	}
	gasLimit, err := e.backend.EstimateGas(ctx, ethereum.CallMsg{
		From: e.from,
		To:   &e.token,
		Data: data,
	})
	if err != nil {
		gasLimit = defaultGasLimit
	}

	tx := types.NewTransaction(nonce, e.token, big.NewInt(0), gasLimit, gasPrice, data)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(e.chainID), e.key)
	if err != nil {
		return "", fmt.Errorf("withdrawals: sign: %w", err)
	}
	if err := e.backend.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("withdrawals: send %s: %w", signed.Hash().Hex(), err)
	}

	hash := signed.Hash()
	if err := e.waitMined(ctx, hash); err != nil {
		return "", err
	}
	return hash.Hex(), nil
}

func (e *ChainExecutor) waitMined(ctx context.Context, hash common.Hash) error {
	ctx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(confirmPollInterval)
	defer ticker.Stop()

	for {
		receipt, err := e.backend.TransactionReceipt(ctx, hash)
		if err == nil {
			if receipt.Status != types.ReceiptStatusSuccessful {
				return fmt.Errorf("%w: %s", ErrTransferReverted, hash.Hex())
			}
			return nil
		}

		// Not mined yet.
		select {
		case <-ctx.Done():
			return fmt.Errorf("withdrawals: waiting for tx %s: %w", hash.Hex(), ctx.Err())
		case <-ticker.C:
		}
	}
}

func (e *ChainExecutor) tokenDecimals(ctx context.Context) (uint8, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.decimals != nil {
		return *e.decimals, nil
	}

	data, err := e.erc20.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("withdrawals: pack decimals: %w", err)
	}
	out, err := e.backend.CallContract(ctx, ethereum.CallMsg{To: &e.token, Data: data}, nil)
	if err != nil {
		return 0, fmt.Errorf("withdrawals: decimals call: %w", err)
	}
	if len(out) == 0 {
		return 0, fmt.Errorf("withdrawals: decimals call returned no data")
	}
	d := uint8(new(big.Int).SetBytes(out).Uint64())
	e.decimals = &d
	return d, nil
}

// NoopExecutor acknowledges withdrawals without touching a chain. Used
// in development when no platform key is configured; the synthetic hash
// marks the row completed so the flow stays exercisable end to end.
type NoopExecutor struct{}

var _ Executor = (*NoopExecutor)(nil)

// Execute returns a synthetic transaction hash.
func (NoopExecutor) Execute(ctx context.Context, recipient, amount string) (string, error) {
	return "0xdev" + idgen.Hex(30), nil
}
