// Package watcher monitors the chain for AGNT deposits to the platform
// wallet.
//
// It polls for ERC-20 Transfer events whose recipient is the platform
// address and hands each one to the payment verifier as a top-up for the
// sending agent. The verifier owns replay protection, so re-scanning a
// block range costs duplicate lookups, never duplicate credits.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/mbd888/agora/internal/agnt"
	"github.com/mbd888/agora/internal/chain"
	"github.com/mbd888/agora/internal/payments"
	"github.com/mbd888/agora/internal/registry"
)

// Verifier admits a discovered deposit into the ledger. Satisfied by
// *payments.Verifier.
type Verifier interface {
	Verify(ctx context.Context, initiatorID string, req payments.VerifyRequest) (*payments.Result, error)
}

// AgentSource resolves depositor wallets to registered agents.
type AgentSource interface {
	GetAgentByWallet(ctx context.Context, address string) (*registry.Agent, error)
}

// DecimalsSource reads the token's on-chain decimals. Satisfied by
// *chain.Client and *chain.Mock.
type DecimalsSource interface {
	TokenDecimals(ctx context.Context, token string) (uint8, error)
}

// LogBackend is the subset of the RPC client the watcher uses.
type LogBackend interface {
	BlockNumber(ctx context.Context) (uint64, error)
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
	Close()
}

// Config for the deposit watcher.
type Config struct {
	RPCURL         string
	Token          common.Address
	PlatformWallet common.Address
	PollInterval   time.Duration
	StartBlock     uint64 // 0 = start at the current head
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		PollInterval: 15 * time.Second,
		StartBlock:   0,
	}
}

// Option configures the watcher.
type Option func(*Watcher)

// WithBackend substitutes the RPC backend, for tests.
func WithBackend(b LogBackend) Option {
	return func(w *Watcher) { w.backend = b }
}

// Watcher polls for incoming AGNT transfers and feeds them to the
// verifier.
type Watcher struct {
	backend  LogBackend
	config   Config
	verifier Verifier
	agents   AgentSource
	token    DecimalsSource
	logger   *slog.Logger

	// Settled transactions keyed to the block they appeared in. Marked
	// before the verifier runs, unmarked again when the attempt should
	// be retried, and dropped once the cursor moves past their block so
	// the map stays bounded by the rescan window.
	processed map[string]uint64
	mu        sync.Mutex

	// decimals is resolved from the token contract on first use. Only
	// the poll goroutine touches it.
	decimals *uint8

	lastBlock uint64

	stop chan struct{}
	done chan struct{}
}

// New creates a deposit watcher. RPCURL is ignored when WithBackend is
// given.
func New(cfg Config, verifier Verifier, agents AgentSource, token DecimalsSource, logger *slog.Logger, opts ...Option) (*Watcher, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}

	w := &Watcher{
		config:    cfg,
		verifier:  verifier,
		agents:    agents,
		token:     token,
		logger:    logger,
		processed: make(map[string]uint64),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}

	if w.backend == nil {
		client, err := ethclient.Dial(cfg.RPCURL)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to RPC: %w", err)
		}
		w.backend = client
	}
	return w, nil
}

// Start begins watching for deposits.
func (w *Watcher) Start(ctx context.Context) error {
	if w.config.StartBlock == 0 {
		block, err := w.backend.BlockNumber(ctx)
		if err != nil {
			return fmt.Errorf("failed to get block number: %w", err)
		}
		w.lastBlock = block
	} else {
		w.lastBlock = w.config.StartBlock
	}

	w.logger.Info("deposit watcher started",
		"platform", w.config.PlatformWallet.Hex(),
		"token", w.config.Token.Hex(),
		"startBlock", w.lastBlock,
	)

	go w.pollLoop(ctx)
	return nil
}

// Stop stops the watcher and waits for the poll loop to exit.
func (w *Watcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *Watcher) pollLoop(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stop:
			return
		case <-ticker.C:
			if err := w.checkForDeposits(ctx); err != nil {
				w.logger.Error("deposit check failed", "error", err)
			}
		}
	}
}

func (w *Watcher) checkForDeposits(ctx context.Context) error {
	currentBlock, err := w.backend.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("failed to get block number: %w", err)
	}

	// Nothing new
	if currentBlock <= w.lastBlock {
		return nil
	}

	// Transfer events into the platform wallet, any sender.
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(w.lastBlock + 1),
		ToBlock:   new(big.Int).SetUint64(currentBlock),
		Addresses: []common.Address{w.config.Token},
		Topics: [][]common.Hash{
			{chain.TransferTopic},
			nil,
			{common.BytesToHash(w.config.PlatformWallet.Bytes())},
		},
	}

	logs, err := w.backend.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("failed to filter logs: %w", err)
	}

	retry := false
	for _, vLog := range logs {
		if err := w.processTransfer(ctx, vLog); err != nil {
			retry = true
			w.logger.Error("failed to process transfer", "tx", vLog.TxHash.Hex(), "error", err)
		}
	}
	if retry {
		// Hold the cursor so the failed range is scanned again next
		// poll. The verifier rejects hashes it already credited.
		return nil
	}

	w.lastBlock = currentBlock

	// Blocks behind the cursor are never rescanned, so their settled
	// marks have done their job. The verifier's replay guard covers any
	// hash that resurfaces through the verify endpoint.
	w.mu.Lock()
	for hash, block := range w.processed {
		if block <= currentBlock {
			delete(w.processed, hash)
		}
	}
	w.mu.Unlock()
	return nil
}

// processTransfer hands one Transfer log to the verifier. A nil return
// means the transaction is settled for good, whether credited or
// skipped; an error means the next scan of the range should retry it.
func (w *Watcher) processTransfer(ctx context.Context, vLog types.Log) error {
	txHash := vLog.TxHash.Hex()

	w.mu.Lock()
	if _, seen := w.processed[txHash]; seen {
		w.mu.Unlock()
		return nil
	}
	w.processed[txHash] = vLog.BlockNumber
	w.mu.Unlock()

	// On failure, unmark so the transfer is retried on the next pass.
	var settled bool
	defer func() {
		if !settled {
			w.mu.Lock()
			delete(w.processed, txHash)
			w.mu.Unlock()
		}
	}()

	transfer, ok := chain.ParseTransfer(chain.Log{
		Address: vLog.Address,
		Topics:  vLog.Topics,
		Data:    vLog.Data,
	})
	if !ok || transfer.Value.Sign() <= 0 {
		settled = true
		return nil
	}

	agent, err := w.agents.GetAgentByWallet(ctx, transfer.From.Hex())
	if errors.Is(err, registry.ErrAgentNotFound) {
		// Unknown wallet. The depositor can still claim the hash through
		// the verify endpoint after registering.
		w.logger.Info("deposit from unregistered wallet, skipping",
			"from", transfer.From.Hex(),
			"tx", txHash,
		)
		settled = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to resolve depositor: %w", err)
	}

	decimals, err := w.tokenDecimals(ctx)
	if err != nil {
		return err
	}
	units, ok := agnt.FromTokenUnits(transfer.Value, decimals)
	if !ok {
		w.logger.Warn("deposit below representable precision, skipping",
			"tx", txHash,
			"raw", transfer.Value.String(),
		)
		settled = true
		return nil
	}
	amount := agnt.Format(units)

	_, err = w.verifier.Verify(ctx, agent.ID, payments.VerifyRequest{
		TxHash: txHash,
		Amount: amount,
	})
	switch {
	case errors.Is(err, payments.ErrAlreadyProcessed):
		// Credited earlier, likely through the verify endpoint.
	case errors.Is(err, payments.ErrVerificationFailed):
		// Terminal verdict. The payment row stays failed where the
		// admin recovery sweep can see it.
		w.logger.Warn("deposit failed verification",
			"agent", agent.ID,
			"tx", txHash,
		)
	case err != nil:
		return fmt.Errorf("failed to verify deposit: %w", err)
	default:
		w.logger.Info("deposit credited",
			"agent", agent.ID,
			"amount", amount,
			"tx", txHash,
		)
	}

	settled = true
	return nil
}

func (w *Watcher) tokenDecimals(ctx context.Context) (uint8, error) {
	if w.decimals != nil {
		return *w.decimals, nil
	}
	d, err := w.token.TokenDecimals(ctx, w.config.Token.Hex())
	if err != nil {
		return 0, fmt.Errorf("failed to read token decimals: %w", err)
	}
	w.decimals = &d
	return d, nil
}
