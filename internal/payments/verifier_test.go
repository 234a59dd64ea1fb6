package payments

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agora/internal/agnt"
	"github.com/mbd888/agora/internal/chain"
	"github.com/mbd888/agora/internal/events"
	"github.com/mbd888/agora/internal/ledger"
	"github.com/mbd888/agora/internal/registry"
)

const (
	platformWallet = "0x1111111111111111111111111111111111111111"
	agntToken      = "0x2222222222222222222222222222222222222222"
	workerWallet   = "0x3333333333333333333333333333333333333333"
	senderWallet   = "0x4444444444444444444444444444444444444444"
	otherToken     = "0x5555555555555555555555555555555555555555"
)

func hashN(n int) string {
	return fmt.Sprintf("0x%064x", n)
}

func tokenUnits(t *testing.T, amount string, decimals uint8) *big.Int {
	t.Helper()
	v, ok := agnt.ParsePositive(amount)
	require.True(t, ok, "bad test amount %q", amount)
	return agnt.ToTokenUnits(v, decimals)
}

type fakeAgents struct {
	agents map[string]*registry.Agent
}

func (f *fakeAgents) GetAgent(ctx context.Context, id string) (*registry.Agent, error) {
	a, ok := f.agents[id]
	if !ok {
		return nil, registry.ErrAgentNotFound
	}
	cp := *a
	return &cp, nil
}

type verifierFixture struct {
	verifier *Verifier
	store    *MemoryStore
	bank     *ledger.Ledger
	mock     *chain.Mock
	sub      *events.Subscription
}

func newVerifierFixture(t *testing.T) *verifierFixture {
	t.Helper()

	store := NewMemoryStore()
	bank := ledger.New(ledger.NewMemoryStore())
	mock := chain.NewMock()
	mock.SetDecimals(agntToken, 18)

	bus := events.NewBus()
	t.Cleanup(bus.Close)

	agents := &fakeAgents{agents: map[string]*registry.Agent{
		"agent-worker":   {ID: "agent-worker", Name: "worker", WalletAddress: workerWallet},
		"agent-nowallet": {ID: "agent-nowallet", Name: "nowallet"},
	}}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	v := NewVerifier(store, bank, mock, agents, bus, logger, Config{
		PlatformWallet: platformWallet,
		TokenAddress:   agntToken,
	})
	return &verifierFixture{verifier: v, store: store, bank: bank, mock: mock, sub: bus.Subscribe()}
}

func (f *verifierFixture) plant(t *testing.T, tx *Transaction) {
	t.Helper()
	require.NoError(t, f.store.Create(context.Background(), tx))
}

func TestVerifyTopUp(t *testing.T) {
	f := newVerifierFixture(t)
	ctx := context.Background()

	hash := hashN(1)
	f.mock.SetReceipt(hash, chain.TransferReceipt(agntToken, senderWallet, platformWallet, tokenUnits(t, "25", 18), 1234))

	// Submit the hash uppercased and unprefixed; sanitization must
	// normalize it before the lookup.
	submitted := strings.ToUpper(strings.TrimPrefix(hash, "0x"))
	res, err := f.verifier.Verify(ctx, "agent-client", VerifyRequest{
		TxHash: submitted,
		Amount: "25",
	})
	require.NoError(t, err)

	tx := res.Transaction
	assert.Equal(t, hash, tx.TxHash)
	assert.Equal(t, StatusCredited, tx.Status)
	assert.Equal(t, "25.00000000", tx.Amount)
	assert.Equal(t, ledger.Currency, tx.Currency)
	assert.Equal(t, TypeTopUp, tx.Type)
	assert.Equal(t, uint64(1234), tx.BlockNumber)
	assert.Equal(t, senderWallet, tx.FromAddress)
	assert.Equal(t, platformWallet, tx.ToAddress)
	require.NotNil(t, tx.VerifiedAt)
	require.NotNil(t, tx.CreditedAt)
	assert.Equal(t, "agent-client", res.CreditedAgentID)
	require.NotNil(t, res.NewBalance)
	assert.Equal(t, "25.00000000", res.NewBalance.Available)

	stored, err := f.store.GetByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, StatusCredited, stored.Status)

	balance, err := f.bank.Balance(ctx, "agent-client")
	require.NoError(t, err)
	assert.Equal(t, "25.00000000", balance.Available)

	select {
	case e := <-f.sub.C():
		assert.Equal(t, events.TypePaymentCredited, e.Type)
		assert.Equal(t, tx.ID, e.Data["payment_id"])
		assert.Equal(t, "agent-client", e.Data["agent_id"])
		assert.Equal(t, "25.00000000", e.Data["amount"])
	default:
		t.Fatal("expected a payment_credited event")
	}
}

func TestVerifyReplayCredited(t *testing.T) {
	f := newVerifierFixture(t)
	ctx := context.Background()

	hash := hashN(2)
	f.mock.SetReceipt(hash, chain.TransferReceipt(agntToken, senderWallet, platformWallet, tokenUnits(t, "10", 18), 50))

	_, err := f.verifier.Verify(ctx, "agent-client", VerifyRequest{TxHash: hash, Amount: "10"})
	require.NoError(t, err)

	_, err = f.verifier.Verify(ctx, "agent-client", VerifyRequest{TxHash: hash, Amount: "10"})
	require.ErrorIs(t, err, ErrAlreadyProcessed)

	// The replay must not double-credit.
	balance, err := f.bank.Balance(ctx, "agent-client")
	require.NoError(t, err)
	assert.Equal(t, "10.00000000", balance.Available)
}

func TestVerifyP2P(t *testing.T) {
	f := newVerifierFixture(t)
	ctx := context.Background()

	hash := hashN(3)
	f.mock.SetReceipt(hash, chain.TransferReceipt(agntToken, senderWallet, workerWallet, tokenUnits(t, "12.5", 18), 91))

	res, err := f.verifier.Verify(ctx, "agent-client", VerifyRequest{
		TxHash:           hash,
		Amount:           "12.5",
		Type:             TypeP2P,
		RecipientAgentID: "agent-worker",
	})
	require.NoError(t, err)

	assert.Equal(t, TypeP2P, res.Transaction.Type)
	assert.Equal(t, "agent-worker", res.Transaction.RecipientAgentID)
	assert.Equal(t, workerWallet, res.Transaction.ToAddress)
	assert.Equal(t, "agent-worker", res.CreditedAgentID)

	balance, err := f.bank.Balance(ctx, "agent-worker")
	require.NoError(t, err)
	assert.Equal(t, "12.50000000", balance.Available)

	// The initiator paid on chain, not through the ledger.
	balance, err = f.bank.Balance(ctx, "agent-client")
	require.NoError(t, err)
	assert.Equal(t, "0.00000000", balance.Available)
}

func TestVerifyRequestGuards(t *testing.T) {
	f := newVerifierFixture(t)
	ctx := context.Background()

	tests := []struct {
		name string
		req  VerifyRequest
		want error
	}{
		{"p2p without recipient", VerifyRequest{TxHash: hashN(60), Amount: "5", Type: TypeP2P}, ErrNoRecipient},
		{"p2p unknown recipient", VerifyRequest{TxHash: hashN(61), Amount: "5", Type: TypeP2P, RecipientAgentID: "agent-ghost"}, registry.ErrAgentNotFound},
		{"p2p recipient without wallet", VerifyRequest{TxHash: hashN(62), Amount: "5", Type: TypeP2P, RecipientAgentID: "agent-nowallet"}, ErrNoWallet},
		{"unsupported type", VerifyRequest{TxHash: hashN(63), Amount: "5", Type: "escrow"}, ErrUnsupportedType},
		{"zero amount", VerifyRequest{TxHash: hashN(64), Amount: "0"}, ledger.ErrInvalidAmount},
		{"foreign currency", VerifyRequest{TxHash: hashN(65), Amount: "5", Currency: "USD"}, ledger.ErrInvalidCurrency},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.verifier.Verify(ctx, "agent-client", tt.req)
			require.ErrorIs(t, err, tt.want)

			// Guards reject before any row is written.
			_, err = f.store.GetByHash(ctx, tt.req.TxHash)
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestVerifyChainRejections(t *testing.T) {
	tests := []struct {
		name    string
		receipt func(t *testing.T) *chain.Receipt
		reason  string
	}{
		{
			name:    "not found on chain",
			receipt: func(t *testing.T) *chain.Receipt { return nil },
			reason:  "transaction not found on chain",
		},
		{
			name: "reverted",
			receipt: func(t *testing.T) *chain.Receipt {
				r := chain.TransferReceipt(agntToken, senderWallet, platformWallet, tokenUnits(t, "25", 18), 7)
				r.Status = 0
				return r
			},
			reason: "transaction reverted on-chain",
		},
		{
			name: "transfer to someone else",
			receipt: func(t *testing.T) *chain.Receipt {
				return chain.TransferReceipt(agntToken, senderWallet, workerWallet, tokenUnits(t, "25", 18), 7)
			},
			reason: "no transfer to expected recipient",
		},
		{
			name: "wrong token contract",
			receipt: func(t *testing.T) *chain.Receipt {
				return chain.TransferReceipt(otherToken, senderWallet, platformWallet, tokenUnits(t, "25", 18), 7)
			},
			reason: "no transfer to expected recipient",
		},
		{
			name: "amount mismatch",
			receipt: func(t *testing.T) *chain.Receipt {
				return chain.TransferReceipt(agntToken, senderWallet, platformWallet, tokenUnits(t, "24", 18), 7)
			},
			reason: "amount mismatch",
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newVerifierFixture(t)
			ctx := context.Background()
			hash := hashN(100 + i)
			if r := tt.receipt(t); r != nil {
				f.mock.SetReceipt(hash, r)
			}

			_, err := f.verifier.Verify(ctx, "agent-client", VerifyRequest{TxHash: hash, Amount: "25"})
			require.ErrorIs(t, err, ErrVerificationFailed)
			assert.Contains(t, err.Error(), tt.reason)

			tx, err := f.store.GetByHash(ctx, hash)
			require.NoError(t, err)
			assert.Equal(t, StatusFailed, tx.Status)
			assert.Equal(t, tt.reason, tx.FailureReason)

			balance, err := f.bank.Balance(ctx, "agent-client")
			require.NoError(t, err)
			assert.Equal(t, "0.00000000", balance.Available)
		})
	}
}

func TestVerifyTokenDecimalScaling(t *testing.T) {
	// The comparison scales the chain value down to AGNT units; it must
	// never truncate the submitted amount down to token units, or an
	// undersized transfer on a low-decimals token would verify.
	tests := []struct {
		name     string
		decimals uint8
		amount   string
		value    *big.Int
		reason   string // empty means the verification must succeed
	}{
		{
			name:     "six decimals exact",
			decimals: 6,
			amount:   "1",
			value:    big.NewInt(1_000_000),
		},
		{
			name:     "six decimals undersized transfer",
			decimals: 6,
			amount:   "1.00000001",
			value:    big.NewInt(1_000_000),
			reason:   "amount mismatch",
		},
		{
			name:     "zero decimals zero-value transfer",
			decimals: 0,
			amount:   "0.99999999",
			value:    big.NewInt(0),
			reason:   "amount mismatch",
		},
		{
			name:     "eighteen decimals sub-agnt dust",
			decimals: 18,
			amount:   "1",
			value:    new(big.Int).Add(big.NewInt(0).Exp(big.NewInt(10), big.NewInt(18), nil), big.NewInt(1)),
			reason:   "amount mismatch",
		},
	}

	for i, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newVerifierFixture(t)
			ctx := context.Background()
			hash := hashN(200 + i)
			f.mock.SetDecimals(agntToken, tt.decimals)
			f.mock.SetReceipt(hash, chain.TransferReceipt(agntToken, senderWallet, platformWallet, tt.value, 12))

			res, err := f.verifier.Verify(ctx, "agent-client", VerifyRequest{TxHash: hash, Amount: tt.amount})
			if tt.reason == "" {
				require.NoError(t, err)
				assert.Equal(t, StatusCredited, res.Transaction.Status)
				return
			}
			require.ErrorIs(t, err, ErrVerificationFailed)
			assert.Contains(t, err.Error(), tt.reason)

			balance, err := f.bank.Balance(ctx, "agent-client")
			require.NoError(t, err)
			assert.Equal(t, "0.00000000", balance.Available)
		})
	}
}

func TestVerifyFailedThenRetried(t *testing.T) {
	f := newVerifierFixture(t)
	ctx := context.Background()
	hash := hashN(4)

	// First attempt: the node has not seen the hash yet.
	_, err := f.verifier.Verify(ctx, "agent-client", VerifyRequest{TxHash: hash, Amount: "25"})
	require.ErrorIs(t, err, ErrVerificationFailed)

	// The transaction lands; resubmitting the same hash starts over.
	f.mock.SetReceipt(hash, chain.TransferReceipt(agntToken, senderWallet, platformWallet, tokenUnits(t, "25", 18), 8))
	res, err := f.verifier.Verify(ctx, "agent-client", VerifyRequest{TxHash: hash, Amount: "25"})
	require.NoError(t, err)
	assert.Equal(t, StatusCredited, res.Transaction.Status)

	balance, err := f.bank.Balance(ctx, "agent-client")
	require.NoError(t, err)
	assert.Equal(t, "25.00000000", balance.Available)
}

func TestVerifyStalePendingRetried(t *testing.T) {
	f := newVerifierFixture(t)
	ctx := context.Background()
	hash := hashN(5)

	f.plant(t, &Transaction{
		ID:               "pay_stale",
		TxHash:           hash,
		Amount:           "25.00000000",
		Currency:         ledger.Currency,
		Type:             TypeTopUp,
		Status:           StatusPending,
		InitiatorAgentID: "agent-client",
		ToAddress:        platformWallet,
		TokenAddress:     agntToken,
	})
	f.mock.SetReceipt(hash, chain.TransferReceipt(agntToken, senderWallet, platformWallet, tokenUnits(t, "25", 18), 9))

	res, err := f.verifier.Verify(ctx, "agent-client", VerifyRequest{TxHash: hash, Amount: "25"})
	require.NoError(t, err)
	assert.Equal(t, StatusCredited, res.Transaction.Status)
	assert.NotEqual(t, "pay_stale", res.Transaction.ID)
}

func TestVerifyCrashedCreditResumes(t *testing.T) {
	f := newVerifierFixture(t)
	ctx := context.Background()
	hash := hashN(6)

	// Verified but never credited, as after a crash between the chain
	// check and the ledger write. No receipt is scripted: recovery must
	// not consult the chain again.
	past := time.Now().UTC().Add(-time.Minute)
	f.plant(t, &Transaction{
		ID:               "pay_crashed",
		TxHash:           hash,
		Amount:           "7.00000000",
		Currency:         ledger.Currency,
		Type:             TypeTopUp,
		Status:           StatusVerified,
		InitiatorAgentID: "agent-client",
		ToAddress:        platformWallet,
		TokenAddress:     agntToken,
		BlockNumber:      5,
		VerifiedAt:       &past,
	})

	res, err := f.verifier.Verify(ctx, "agent-client", VerifyRequest{TxHash: hash, Amount: "7"})
	require.NoError(t, err)
	assert.Equal(t, "pay_crashed", res.Transaction.ID)
	assert.Equal(t, StatusCredited, res.Transaction.Status)

	balance, err := f.bank.Balance(ctx, "agent-client")
	require.NoError(t, err)
	assert.Equal(t, "7.00000000", balance.Available)
}

func TestVerifyChainUnavailable(t *testing.T) {
	f := newVerifierFixture(t)
	ctx := context.Background()
	hash := hashN(7)

	f.mock.SetError(hash, chain.ErrUnavailable)

	_, err := f.verifier.Verify(ctx, "agent-client", VerifyRequest{TxHash: hash, Amount: "25"})
	require.ErrorIs(t, err, chain.ErrUnavailable)
	require.NotErrorIs(t, err, ErrVerificationFailed)

	tx, err := f.store.GetByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, tx.Status)
	assert.Contains(t, tx.FailureReason, "chain lookup failed")
}

func TestVerifyCreditFailureStaysVerified(t *testing.T) {
	f := newVerifierFixture(t)
	ctx := context.Background()
	hash := hashN(8)

	// A corrupt amount makes the ledger refuse the credit. The row must
	// stay verified so the recovery sweep can see it.
	past := time.Now().UTC().Add(-time.Minute)
	f.plant(t, &Transaction{
		ID:               "pay_badamount",
		TxHash:           hash,
		Amount:           "0.00000000",
		Currency:         ledger.Currency,
		Type:             TypeTopUp,
		Status:           StatusVerified,
		InitiatorAgentID: "agent-client",
		ToAddress:        platformWallet,
		TokenAddress:     agntToken,
		VerifiedAt:       &past,
	})

	_, err := f.verifier.Verify(ctx, "agent-client", VerifyRequest{TxHash: hash, Amount: "1"})
	require.ErrorIs(t, err, ledger.ErrInvalidAmount)

	tx, err := f.store.GetByHash(ctx, hash)
	require.NoError(t, err)
	assert.Equal(t, StatusVerified, tx.Status)
	assert.Contains(t, tx.FailureReason, "credit failed")
}

func TestRecoverStuck(t *testing.T) {
	f := newVerifierFixture(t)
	ctx := context.Background()

	old := time.Now().UTC().Add(-10 * time.Minute)
	fresh := time.Now().UTC()
	stuck := func(id, hash, agentID, amount string, at *time.Time) *Transaction {
		return &Transaction{
			ID:               id,
			TxHash:           hash,
			Amount:           amount,
			Currency:         ledger.Currency,
			Type:             TypeTopUp,
			Status:           StatusVerified,
			InitiatorAgentID: agentID,
			ToAddress:        platformWallet,
			TokenAddress:     agntToken,
			VerifiedAt:       at,
		}
	}
	f.plant(t, stuck("pay_s1", hashN(20), "agent-a", "5.00000000", &old))
	f.plant(t, stuck("pay_s2", hashN(21), "agent-b", "6.00000000", &old))
	f.plant(t, stuck("pay_fresh", hashN(22), "agent-c", "7.00000000", &fresh))
	f.plant(t, &Transaction{
		ID: "pay_failed", TxHash: hashN(23), Amount: "8.00000000",
		Currency: ledger.Currency, Type: TypeTopUp, Status: StatusFailed,
		InitiatorAgentID: "agent-d", ToAddress: platformWallet, TokenAddress: agntToken,
	})

	recovered, err := f.verifier.RecoverStuck(ctx, 5*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 2, recovered)

	for hash, want := range map[string]string{
		hashN(20): StatusCredited,
		hashN(21): StatusCredited,
		hashN(22): StatusVerified,
		hashN(23): StatusFailed,
	} {
		tx, err := f.store.GetByHash(ctx, hash)
		require.NoError(t, err)
		assert.Equal(t, want, tx.Status, "hash %s", hash)
	}

	balance, err := f.bank.Balance(ctx, "agent-a")
	require.NoError(t, err)
	assert.Equal(t, "5.00000000", balance.Available)
	balance, err = f.bank.Balance(ctx, "agent-b")
	require.NoError(t, err)
	assert.Equal(t, "6.00000000", balance.Available)

	credited := 0
	for {
		select {
		case e := <-f.sub.C():
			if e.Type == events.TypePaymentCredited {
				credited++
			}
			continue
		default:
		}
		break
	}
	assert.Equal(t, 2, credited)
}
