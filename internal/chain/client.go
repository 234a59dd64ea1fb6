package chain

import (
	"context"
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
	"github.com/ethereum/go-ethereum/ethclient"

	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/agora/internal/circuitbreaker"
	"github.com/mbd888/agora/internal/retry"
	"github.com/mbd888/agora/internal/traces"
)

// Minimal ABI: the client only ever calls decimals().
const erc20ABI = `[
	{"constant":true,"inputs":[],"name":"decimals","outputs":[{"name":"","type":"uint8"}],"type":"function"}
]`

const (
	// DefaultTimeout bounds each RPC attempt.
	DefaultTimeout = 10 * time.Second

	breakerThreshold = 5
	breakerCooldown  = 30 * time.Second
	rpcAttempts      = 3
	rpcBaseDelay     = 200 * time.Millisecond
)

// EthBackend abstracts the go-ethereum client for testing.
type EthBackend interface {
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, txHash common.Hash) (*types.Transaction, bool, error)
	CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	ChainID(ctx context.Context) (*big.Int, error)
	Close()
}

// Client is the ethclient-backed ReceiptProvider. Every RPC runs behind
// a per-operation circuit breaker with bounded retries and a per-attempt
// deadline, so a dead node degrades to fast failures instead of piling
// up blocked verifications.
type Client struct {
	backend EthBackend
	breaker *circuitbreaker.Breaker
	timeout time.Duration
	erc20   abi.ABI

	mu       sync.Mutex
	signer   types.Signer // resolved from the chain ID on first use
	decimals map[common.Address]uint8
}

var _ ReceiptProvider = (*Client)(nil)

// Option configures the client.
type Option func(*Client)

// WithBackend substitutes the RPC backend, for tests.
func WithBackend(b EthBackend) Option {
	return func(c *Client) { c.backend = b }
}

// WithTimeout overrides the per-attempt RPC deadline.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

// NewClient dials the RPC endpoint. rpcURL is ignored when WithBackend
// is given.
func NewClient(rpcURL string, opts ...Option) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(erc20ABI))
	if err != nil {
		return nil, fmt.Errorf("chain: parse erc20 abi: %w", err)
	}

	c := &Client{
		breaker:  circuitbreaker.New(breakerThreshold, breakerCooldown),
		timeout:  DefaultTimeout,
		erc20:    parsed,
		decimals: make(map[common.Address]uint8),
	}
	for _, opt := range opts {
		opt(c)
	}

	if c.backend == nil {
		eth, err := ethclient.Dial(rpcURL)
		if err != nil {
			return nil, fmt.Errorf("chain: dial %s: %w", rpcURL, err)
		}
		c.backend = eth
	}
	return c, nil
}

// Close releases the underlying RPC connection.
func (c *Client) Close() { c.backend.Close() }

// TransactionReceipt fetches and flattens the receipt for a hash. The
// sender address is looked up best-effort; a receipt without From is
// still usable for verification.
func (c *Client) TransactionReceipt(ctx context.Context, txHash string) (*Receipt, error) {
	hash := common.HexToHash(txHash)

	var rcpt *types.Receipt
	err := c.call(ctx, "receipt", func(ctx context.Context) error {
		r, err := c.backend.TransactionReceipt(ctx, hash)
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				return retry.Permanent(ErrTxNotFound)
			}
			return err
		}
		rcpt = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := &Receipt{
		Status: rcpt.Status,
		Logs:   make([]Log, 0, len(rcpt.Logs)),
	}
	if rcpt.BlockNumber != nil {
		out.BlockNumber = rcpt.BlockNumber.Uint64()
	}
	for _, l := range rcpt.Logs {
		out.Logs = append(out.Logs, Log{Address: l.Address, Topics: l.Topics, Data: l.Data})
	}

	if from, err := c.sender(ctx, hash); err == nil {
		out.From = from
	}
	return out, nil
}

// TokenDecimals calls decimals() on the token contract. Answers are
// cached for the life of the client; token decimals never change.
func (c *Client) TokenDecimals(ctx context.Context, token string) (uint8, error) {
	addr := common.HexToAddress(token)

	c.mu.Lock()
	if d, ok := c.decimals[addr]; ok {
		c.mu.Unlock()
		return d, nil
	}
	c.mu.Unlock()

	data, err := c.erc20.Pack("decimals")
	if err != nil {
		return 0, fmt.Errorf("chain: pack decimals call: %w", err)
	}

	var raw []byte
	err = c.call(ctx, "call", func(ctx context.Context) error {
		res, err := c.backend.CallContract(ctx, ethereum.CallMsg{To: &addr, Data: data}, nil)
		if err != nil {
			return err
		}
		raw = res
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(raw) == 0 {
		return 0, fmt.Errorf("chain: token %s returned no decimals", token)
	}
	d := uint8(new(big.Int).SetBytes(raw).Uint64())

	c.mu.Lock()
	c.decimals[addr] = d
	c.mu.Unlock()
	return d, nil
}

// sender recovers the transaction's from address.
func (c *Client) sender(ctx context.Context, hash common.Hash) (common.Address, error) {
	signer, err := c.chainSigner(ctx)
	if err != nil {
		return common.Address{}, err
	}

	var from common.Address
	err = c.call(ctx, "tx", func(ctx context.Context) error {
		tx, _, err := c.backend.TransactionByHash(ctx, hash)
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				return retry.Permanent(ErrTxNotFound)
			}
			return err
		}
		from, err = types.Sender(signer, tx)
		if err != nil {
			return retry.Permanent(err)
		}
		return nil
	})
	return from, err
}

func (c *Client) chainSigner(ctx context.Context) (types.Signer, error) {
	c.mu.Lock()
	if c.signer != nil {
		s := c.signer
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()

	var id *big.Int
	err := c.call(ctx, "chain_id", func(ctx context.Context) error {
		v, err := c.backend.ChainID(ctx)
		if err != nil {
			return err
		}
		id = v
		return nil
	})
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.signer = types.LatestSignerForChainID(id)
	s := c.signer
	c.mu.Unlock()
	return s, nil
}

// call runs one RPC operation behind the breaker with retries and a
// per-attempt deadline. A definite not-found answer counts as a healthy
// backend and does not feed the breaker.
func (c *Client) call(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if !c.breaker.Allow(key) {
		return ErrUnavailable
	}

	ctx, span := traces.StartSpan(ctx, "chain."+key)
	defer span.End()

	err := retry.Do(ctx, rpcAttempts, rpcBaseDelay, func() error {
		attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()
		return fn(attemptCtx)
	})

	if err == nil || errors.Is(err, ErrTxNotFound) {
		c.breaker.RecordSuccess(key)
	} else {
		c.breaker.RecordFailure(key)
		span.RecordError(err)
		span.SetStatus(codes.Error, "rpc failed")
	}
	return err
}
