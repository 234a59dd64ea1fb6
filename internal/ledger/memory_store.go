package ledger

import (
	"context"
	"math/big"
	"sort"
	"sync"
	"time"

	"github.com/mbd888/agora/internal/agnt"
	"github.com/mbd888/agora/internal/idgen"
)

// MemoryStore is an in-memory ledger store for demo/development mode.
// A single mutex serializes all mutations, which gives the same
// observable ordering the Postgres store gets from row locks.
type MemoryStore struct {
	mu       sync.RWMutex
	accounts map[string]*memAccount
	journal  []*Entry
}

type memAccount struct {
	available *big.Int
	escrow    *big.Int
	updatedAt time.Time
}

// NewMemoryStore creates an empty in-memory ledger store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		accounts: make(map[string]*memAccount),
	}
}

func (m *MemoryStore) Balance(ctx context.Context, agentID string) (*Balance, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	acct, ok := m.accounts[agentID]
	if !ok {
		return &Balance{
			AgentID:   agentID,
			Available: agnt.Format(big.NewInt(0)),
			Escrow:    agnt.Format(big.NewInt(0)),
			UpdatedAt: time.Now(),
		}, nil
	}
	return &Balance{
		AgentID:   agentID,
		Available: agnt.Format(acct.available),
		Escrow:    agnt.Format(acct.escrow),
		UpdatedAt: acct.updatedAt,
	}, nil
}

func (m *MemoryStore) Credit(ctx context.Context, agentID, amount, currency string, meta Meta) error {
	v, ok := agnt.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}
	if currency == "" {
		currency = Currency
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acct := m.account(agentID)
	acct.available.Add(acct.available, v)
	acct.updatedAt = time.Now()

	m.append(&Entry{
		AgentID:  agentID,
		Type:     EntryCredit,
		Amount:   agnt.Format(v),
		Currency: currency,
		Metadata: meta,
	})
	return nil
}

func (m *MemoryStore) Debit(ctx context.Context, agentID, amount string, meta Meta) error {
	v, ok := agnt.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[agentID]
	if !ok {
		return ErrAccountNotFound
	}
	if acct.available.Cmp(v) < 0 {
		return ErrInsufficientFunds
	}
	acct.available.Sub(acct.available, v)
	acct.updatedAt = time.Now()

	m.append(&Entry{
		AgentID:  agentID,
		Type:     EntryWithdrawal,
		Amount:   agnt.Format(v),
		Currency: Currency,
		Metadata: meta,
	})
	return nil
}

func (m *MemoryStore) RefundDebit(ctx context.Context, agentID, amount string, meta Meta) error {
	v, ok := agnt.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[agentID]
	if !ok {
		return ErrAccountNotFound
	}
	acct.available.Add(acct.available, v)
	acct.updatedAt = time.Now()

	m.append(&Entry{
		AgentID:  agentID,
		Type:     EntryWithdrawalRefund,
		Amount:   agnt.Format(v),
		Currency: Currency,
		Metadata: meta,
	})
	return nil
}

func (m *MemoryStore) LockEscrow(ctx context.Context, clientID, jobID, amount string) error {
	v, ok := agnt.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[clientID]
	if !ok {
		return ErrAccountNotFound
	}
	if acct.available.Cmp(v) < 0 {
		return ErrInsufficientFunds
	}
	acct.available.Sub(acct.available, v)
	acct.escrow.Add(acct.escrow, v)
	acct.updatedAt = time.Now()

	m.append(&Entry{
		AgentID:  clientID,
		JobID:    jobID,
		Type:     EntryEscrowLock,
		Amount:   agnt.Format(v),
		Currency: Currency,
	})
	return nil
}

func (m *MemoryStore) ReleaseEscrow(ctx context.Context, clientID, workerID, jobID, payout, escrowTotal string) error {
	payoutBig, ok := agnt.Parse(payout)
	if !ok {
		return ErrInvalidAmount
	}
	totalBig, ok := agnt.Parse(escrowTotal)
	if !ok {
		return ErrInvalidAmount
	}
	if payoutBig.Cmp(totalBig) > 0 {
		return ErrInvalidPayout
	}
	remainder := new(big.Int).Sub(totalBig, payoutBig)

	m.mu.Lock()
	defer m.mu.Unlock()

	client, ok := m.accounts[clientID]
	if !ok {
		return ErrAccountNotFound
	}
	if client.escrow.Cmp(totalBig) < 0 {
		return ErrEscrowInsufficient
	}

	worker := m.account(workerID)
	client.escrow.Sub(client.escrow, totalBig)
	client.available.Add(client.available, remainder)
	worker.available.Add(worker.available, payoutBig)
	now := time.Now()
	client.updatedAt = now
	worker.updatedAt = now

	m.append(&Entry{
		AgentID:        clientID,
		CounterpartyID: workerID,
		JobID:          jobID,
		Type:           EntryEscrowRelease,
		Amount:         agnt.Format(payoutBig),
		Currency:       Currency,
	})
	if remainder.Sign() > 0 {
		m.append(&Entry{
			AgentID:  clientID,
			JobID:    jobID,
			Type:     EntryEscrowRefund,
			Amount:   agnt.Format(remainder),
			Currency: Currency,
		})
	}
	return nil
}

func (m *MemoryStore) RefundEscrow(ctx context.Context, clientID, jobID, amount string) error {
	v, ok := agnt.Parse(amount)
	if !ok {
		return ErrInvalidAmount
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	acct, ok := m.accounts[clientID]
	if !ok {
		return ErrAccountNotFound
	}
	if acct.escrow.Cmp(v) < 0 {
		return ErrEscrowInsufficient
	}
	acct.escrow.Sub(acct.escrow, v)
	acct.available.Add(acct.available, v)
	acct.updatedAt = time.Now()

	m.append(&Entry{
		AgentID:  clientID,
		JobID:    jobID,
		Type:     EntryEscrowRefund,
		Amount:   agnt.Format(v),
		Currency: Currency,
	})
	return nil
}

func (m *MemoryStore) Entries(ctx context.Context, agentID string, limit, offset int) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	skipped := 0
	for i := len(m.journal) - 1; i >= 0; i-- {
		e := m.journal[i]
		if e.AgentID != agentID && e.CounterpartyID != agentID {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		cp := *e
		out = append(out, &cp)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *MemoryStore) EntriesForJob(ctx context.Context, jobID string) ([]*Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []*Entry
	for _, e := range m.journal {
		if e.JobID == jobID {
			cp := *e
			out = append(out, &cp)
		}
	}
	return out, nil
}

// Audit recomputes each account's total from the journal. Escrow locks
// and refunds net to zero inside one account, so only credits,
// withdrawals and releases carry a signed delta.
func (m *MemoryStore) Audit(ctx context.Context) ([]AuditRow, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	nets := make(map[string]*big.Int, len(m.accounts))
	add := func(agentID string, delta *big.Int) {
		if n, ok := nets[agentID]; ok {
			n.Add(n, delta)
			return
		}
		nets[agentID] = new(big.Int).Set(delta)
	}

	for _, e := range m.journal {
		v, _ := agnt.Parse(e.Amount)
		switch e.Type {
		case EntryCredit, EntryWithdrawalRefund:
			add(e.AgentID, v)
		case EntryWithdrawal:
			add(e.AgentID, new(big.Int).Neg(v))
		case EntryEscrowRelease:
			add(e.AgentID, new(big.Int).Neg(v))
			if e.CounterpartyID != "" {
				add(e.CounterpartyID, v)
			}
		}
	}

	ids := make([]string, 0, len(m.accounts))
	for id := range m.accounts {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]AuditRow, 0, len(ids))
	for _, id := range ids {
		acct := m.accounts[id]
		net, ok := nets[id]
		if !ok {
			net = big.NewInt(0)
		}
		total := new(big.Int).Add(acct.available, acct.escrow)
		drift := new(big.Int).Sub(total, net)
		out = append(out, AuditRow{
			AgentID:    id,
			Available:  agnt.Format(acct.available),
			Escrow:     agnt.Format(acct.escrow),
			JournalNet: agnt.Format(net),
			Drift:      agnt.Format(drift),
		})
	}
	return out, nil
}

// account returns the named account, creating a zeroed row on first use.
// Caller must hold the write lock.
func (m *MemoryStore) account(agentID string) *memAccount {
	acct, ok := m.accounts[agentID]
	if !ok {
		acct = &memAccount{
			available: big.NewInt(0),
			escrow:    big.NewInt(0),
			updatedAt: time.Now(),
		}
		m.accounts[agentID] = acct
	}
	return acct
}

// append stamps and stores a journal entry. Caller must hold the write lock.
func (m *MemoryStore) append(e *Entry) {
	if e.ID == "" {
		e.ID = idgen.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now()
	}
	m.journal = append(m.journal, e)
}
