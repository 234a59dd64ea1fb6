package registry

import (
	"context"
	"math/big"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/agora/internal/agnt"
)

// Store is the persistence interface for agents and services.
type Store interface {
	CreateAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, id string) (*Agent, error)
	GetAgentByName(ctx context.Context, name string) (*Agent, error)
	GetAgentByWallet(ctx context.Context, address string) (*Agent, error)
	ListAgents(ctx context.Context, q AgentQuery) ([]*Agent, error)
	UpdateAgentProfile(ctx context.Context, agent *Agent) error
	UpdateAgentStatus(ctx context.Context, id, status string) error

	// AgentIDByKeyDigest resolves an API key digest and bumps last_seen.
	// Implements auth.KeySource.
	AgentIDByKeyDigest(ctx context.Context, digest string) (string, error)

	// AddJobStats applies completion counters: the worker earned amount,
	// the client spent it.
	AddJobStats(ctx context.Context, clientID, workerID, amount string) error
	SetReputation(ctx context.Context, agentID string, score float64) error

	CreateService(ctx context.Context, svc *Service) error
	GetService(ctx context.Context, id string) (*Service, error)
	UpdateService(ctx context.Context, svc *Service) error
	ListServices(ctx context.Context, q ServiceQuery) ([]*Service, error)
}

// MemoryStore is the in-memory Store used in development mode and tests.
type MemoryStore struct {
	mu       sync.RWMutex
	agents   map[string]*Agent // by id
	names    map[string]string // name -> id
	digests  map[string]string // api key digest -> id
	services map[string]*Service
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		agents:   make(map[string]*Agent),
		names:    make(map[string]string),
		digests:  make(map[string]string),
		services: make(map[string]*Service),
	}
}

var _ Store = (*MemoryStore)(nil)

func (m *MemoryStore) CreateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.names[agent.Name]; exists {
		return ErrNameTaken
	}

	now := time.Now().UTC()
	agent.CreatedAt = now
	agent.UpdatedAt = now
	agent.LastSeen = now
	if agent.Status == "" {
		agent.Status = StatusAvailable
	}
	if agent.Capabilities == nil {
		agent.Capabilities = []string{}
	}
	agent.TotalEarned = agnt.Format(big.NewInt(0))
	agent.TotalSpent = agnt.Format(big.NewInt(0))

	cp := *agent
	m.agents[agent.ID] = &cp
	m.names[agent.Name] = agent.ID
	if agent.KeyDigest != "" {
		m.digests[agent.KeyDigest] = agent.ID
	}
	return nil
}

func (m *MemoryStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[id]
	if !ok {
		return nil, ErrAgentNotFound
	}
	cp := *agent
	return &cp, nil
}

func (m *MemoryStore) GetAgentByName(ctx context.Context, name string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.names[name]
	if !ok {
		return nil, ErrAgentNotFound
	}
	cp := *m.agents[id]
	return &cp, nil
}

func (m *MemoryStore) GetAgentByWallet(ctx context.Context, address string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, agent := range m.agents {
		if agent.WalletAddress != "" && strings.EqualFold(agent.WalletAddress, address) {
			cp := *agent
			return &cp, nil
		}
	}
	return nil, ErrAgentNotFound
}

func (m *MemoryStore) ListAgents(ctx context.Context, q AgentQuery) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if q.Limit <= 0 {
		q.Limit = 50
	}

	var results []*Agent
	for _, agent := range m.agents {
		if q.Status != "" && agent.Status != q.Status {
			continue
		}
		if agent.ReputationScore < q.MinReputation {
			continue
		}
		cp := *agent
		results = append(results, &cp)
	}

	// Newest first; id tiebreak keeps pagination stable.
	sort.Slice(results, func(i, j int) bool {
		if !results[i].CreatedAt.Equal(results[j].CreatedAt) {
			return results[i].CreatedAt.After(results[j].CreatedAt)
		}
		return results[i].ID < results[j].ID
	})

	return page(results, q.Offset, q.Limit), nil
}

func (m *MemoryStore) UpdateAgentProfile(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.agents[agent.ID]
	if !ok {
		return ErrAgentNotFound
	}
	stored.Description = agent.Description
	stored.WalletAddress = agent.WalletAddress
	if agent.Capabilities != nil {
		stored.Capabilities = agent.Capabilities
	}
	if agent.Status != "" {
		stored.Status = agent.Status
	}
	stored.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) UpdateAgentStatus(ctx context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, ok := m.agents[id]
	if !ok {
		return ErrAgentNotFound
	}
	now := time.Now().UTC()
	agent.Status = status
	agent.UpdatedAt = now
	agent.LastSeen = now
	return nil
}

func (m *MemoryStore) AgentIDByKeyDigest(ctx context.Context, digest string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.digests[digest]
	if !ok {
		return "", ErrAgentNotFound
	}
	m.agents[id].LastSeen = time.Now().UTC()
	return id, nil
}

func (m *MemoryStore) AddJobStats(ctx context.Context, clientID, workerID, amount string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, ok := m.agents[clientID]
	if !ok {
		return ErrAgentNotFound
	}
	worker, ok := m.agents[workerID]
	if !ok {
		return ErrAgentNotFound
	}
	amt, ok := agnt.Parse(amount)
	if !ok {
		amt = big.NewInt(0)
	}

	now := time.Now().UTC()
	worker.JobsCompleted++
	worker.TotalEarned = addAmount(worker.TotalEarned, amt)
	worker.UpdatedAt = now
	client.JobsHired++
	client.TotalSpent = addAmount(client.TotalSpent, amt)
	client.UpdatedAt = now
	return nil
}

func (m *MemoryStore) SetReputation(ctx context.Context, agentID string, score float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	agent, ok := m.agents[agentID]
	if !ok {
		return ErrAgentNotFound
	}
	agent.ReputationScore = score
	agent.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *MemoryStore) CreateService(ctx context.Context, svc *Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.agents[svc.AgentID]; !ok {
		return ErrAgentNotFound
	}
	now := time.Now().UTC()
	svc.CreatedAt = now
	svc.UpdatedAt = now
	cp := *svc
	m.services[svc.ID] = &cp
	return nil
}

func (m *MemoryStore) GetService(ctx context.Context, id string) (*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	svc, ok := m.services[id]
	if !ok {
		return nil, ErrServiceNotFound
	}
	cp := *svc
	return &cp, nil
}

func (m *MemoryStore) UpdateService(ctx context.Context, svc *Service) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	stored, ok := m.services[svc.ID]
	if !ok {
		return ErrServiceNotFound
	}
	svc.AgentID = stored.AgentID
	svc.CreatedAt = stored.CreatedAt
	svc.UpdatedAt = time.Now().UTC()
	cp := *svc
	m.services[svc.ID] = &cp
	return nil
}

func (m *MemoryStore) ListServices(ctx context.Context, q ServiceQuery) ([]*Service, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if q.Limit <= 0 {
		q.Limit = 50
	}

	var results []*Service
	for _, svc := range m.services {
		if q.ActiveOnly && !svc.Active {
			continue
		}
		if q.AgentID != "" && svc.AgentID != q.AgentID {
			continue
		}
		if q.ServiceType != "" && svc.ServiceType != q.ServiceType {
			continue
		}
		if q.OutputType != "" && svc.OutputType != q.OutputType {
			continue
		}
		// A budget cap matches any service whose floor fits under it;
		// a price floor matches any service whose ceiling reaches it.
		if q.MaxPrice != "" {
			if cmp, ok := agnt.Cmp(svc.MinPrice, q.MaxPrice); ok && cmp > 0 {
				continue
			}
		}
		if q.MinPrice != "" {
			if cmp, ok := agnt.Cmp(svc.MaxPrice, q.MinPrice); ok && cmp < 0 {
				continue
			}
		}
		if q.Search != "" {
			needle := strings.ToLower(q.Search)
			if !strings.Contains(strings.ToLower(svc.Name), needle) &&
				!strings.Contains(strings.ToLower(svc.Description), needle) {
				continue
			}
		}
		cp := *svc
		results = append(results, &cp)
	}

	// Cheapest floor first, matching the Postgres ordering.
	sort.Slice(results, func(i, j int) bool {
		if cmp, ok := agnt.Cmp(results[i].MinPrice, results[j].MinPrice); ok && cmp != 0 {
			return cmp < 0
		}
		return results[i].ID < results[j].ID
	})

	return page(results, q.Offset, q.Limit), nil
}

func addAmount(current string, delta *big.Int) string {
	cur, ok := agnt.Parse(current)
	if !ok {
		cur = big.NewInt(0)
	}
	return agnt.Format(cur.Add(cur, delta))
}

func page[T any](items []T, offset, limit int) []T {
	if offset >= len(items) {
		return []T{}
	}
	end := offset + limit
	if end > len(items) {
		end = len(items)
	}
	return items[offset:end]
}
