package registry

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"
)

// PostgresStore implements Store over PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed registry store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Migrate creates the registry tables.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS agents (
			id               VARCHAR(36) PRIMARY KEY,
			name             VARCHAR(100) NOT NULL UNIQUE,
			api_key_digest   VARCHAR(64) NOT NULL UNIQUE,
			description      TEXT,
			wallet_address   VARCHAR(42),
			capabilities     JSONB NOT NULL DEFAULT '[]',
			status           VARCHAR(20) NOT NULL DEFAULT 'available',
			reputation_score NUMERIC(3,2) NOT NULL DEFAULT 0,
			jobs_completed   BIGINT NOT NULL DEFAULT 0,
			jobs_hired       BIGINT NOT NULL DEFAULT 0,
			total_earned     NUMERIC(30,8) NOT NULL DEFAULT 0,
			total_spent      NUMERIC(30,8) NOT NULL DEFAULT 0,
			created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			last_seen        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);

		CREATE INDEX IF NOT EXISTS idx_agents_status ON agents(status);
		CREATE INDEX IF NOT EXISTS idx_agents_wallet ON agents(LOWER(wallet_address)) WHERE wallet_address IS NOT NULL;

		CREATE TABLE IF NOT EXISTS services (
			id                VARCHAR(36) PRIMARY KEY,
			agent_id          VARCHAR(36) NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			name              VARCHAR(200) NOT NULL,
			description       TEXT,
			service_type      VARCHAR(50) NOT NULL,
			required_inputs   JSONB,
			output_type       VARCHAR(20) NOT NULL,
			min_price         NUMERIC(30,8) NOT NULL,
			max_price         NUMERIC(30,8) NOT NULL,
			allow_negotiation BOOLEAN NOT NULL DEFAULT TRUE,
			max_concurrent    INT NOT NULL DEFAULT 5,
			is_active         BOOLEAN NOT NULL DEFAULT TRUE,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CONSTRAINT chk_price_bounds CHECK (min_price > 0 AND min_price <= max_price)
		);

		CREATE INDEX IF NOT EXISTS idx_services_agent ON services(agent_id);
		CREATE INDEX IF NOT EXISTS idx_services_type ON services(service_type) WHERE is_active;
	`)
	return err
}

const agentColumns = `
	id, name, api_key_digest, COALESCE(description, ''), COALESCE(wallet_address, ''),
	capabilities, status, reputation_score, jobs_completed, jobs_hired,
	total_earned::TEXT, total_spent::TEXT, created_at, updated_at, last_seen
`

func (p *PostgresStore) CreateAgent(ctx context.Context, agent *Agent) error {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	if agent.Status == "" {
		agent.Status = StatusAvailable
	}

	err = p.db.QueryRowContext(ctx, `
		INSERT INTO agents (id, name, api_key_digest, description, wallet_address, capabilities, status)
		VALUES ($1, $2, $3, NULLIF($4, ''), NULLIF($5, ''), $6, $7)
		RETURNING created_at, updated_at, last_seen
	`, agent.ID, agent.Name, agent.KeyDigest, agent.Description, agent.WalletAddress, caps, agent.Status).
		Scan(&agent.CreatedAt, &agent.UpdatedAt, &agent.LastSeen)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
			return ErrNameTaken
		}
		return fmt.Errorf("create agent: %w", err)
	}
	if agent.Capabilities == nil {
		agent.Capabilities = []string{}
	}
	agent.TotalEarned = "0.00000000"
	agent.TotalSpent = "0.00000000"
	return nil
}

func (p *PostgresStore) GetAgent(ctx context.Context, id string) (*Agent, error) {
	return p.getAgentWhere(ctx, "id = $1", id)
}

func (p *PostgresStore) GetAgentByName(ctx context.Context, name string) (*Agent, error) {
	return p.getAgentWhere(ctx, "name = $1", name)
}

func (p *PostgresStore) GetAgentByWallet(ctx context.Context, address string) (*Agent, error) {
	return p.getAgentWhere(ctx, "LOWER(wallet_address) = LOWER($1)", address)
}

func (p *PostgresStore) getAgentWhere(ctx context.Context, where string, arg any) (*Agent, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE `+where, arg)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return agent, nil
}

func (p *PostgresStore) ListAgents(ctx context.Context, q AgentQuery) ([]*Agent, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}

	query := `SELECT ` + agentColumns + ` FROM agents WHERE reputation_score >= $1`
	args := []any{q.MinReputation}
	if q.Status != "" {
		args = append(args, q.Status)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}
	args = append(args, q.Limit, q.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()

	agents := []*Agent{}
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, agent)
	}
	return agents, rows.Err()
}

func (p *PostgresStore) UpdateAgentProfile(ctx context.Context, agent *Agent) error {
	caps, err := json.Marshal(agent.Capabilities)
	if err != nil {
		return fmt.Errorf("marshal capabilities: %w", err)
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE agents
		SET description = NULLIF($2, ''),
		    wallet_address = NULLIF($3, ''),
		    capabilities = $4,
		    status = $5,
		    updated_at = NOW()
		WHERE id = $1
	`, agent.ID, agent.Description, agent.WalletAddress, caps, agent.Status)
	if err != nil {
		return fmt.Errorf("update agent: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

func (p *PostgresStore) UpdateAgentStatus(ctx context.Context, id, status string) error {
	res, err := p.db.ExecContext(ctx, `
		UPDATE agents SET status = $2, updated_at = NOW(), last_seen = NOW() WHERE id = $1
	`, id, status)
	if err != nil {
		return fmt.Errorf("update agent status: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrAgentNotFound
	}
	return nil
}

// AgentIDByKeyDigest resolves an API key digest and bumps last_seen in
// the same statement.
func (p *PostgresStore) AgentIDByKeyDigest(ctx context.Context, digest string) (string, error) {
	var id string
	err := p.db.QueryRowContext(ctx, `
		UPDATE agents SET last_seen = NOW() WHERE api_key_digest = $1 RETURNING id
	`, digest).Scan(&id)
	if err == sql.ErrNoRows {
		return "", ErrAgentNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve api key: %w", err)
	}
	return id, nil
}

func (p *PostgresStore) AddJobStats(ctx context.Context, clientID, workerID, amount string) error {
	return AddJobStatsIn(ctx, p.db, clientID, workerID, amount)
}

func (p *PostgresStore) SetReputation(ctx context.Context, agentID string, score float64) error {
	return SetReputationIn(ctx, p.db, agentID, score)
}

const serviceColumns = `
	id, agent_id, name, COALESCE(description, ''), service_type, required_inputs,
	output_type, min_price::TEXT, max_price::TEXT, allow_negotiation,
	max_concurrent, is_active, created_at, updated_at
`

func (p *PostgresStore) CreateService(ctx context.Context, svc *Service) error {
	inputs, err := marshalInputs(svc.RequiredInputs)
	if err != nil {
		return err
	}
	err = p.db.QueryRowContext(ctx, `
		INSERT INTO services
			(id, agent_id, name, description, service_type, required_inputs,
			 output_type, min_price, max_price, allow_negotiation, max_concurrent, is_active)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8::NUMERIC(30,8), $9::NUMERIC(30,8), $10, $11, $12)
		RETURNING created_at, updated_at
	`, svc.ID, svc.AgentID, svc.Name, svc.Description, svc.ServiceType, inputs,
		svc.OutputType, svc.MinPrice, svc.MaxPrice, svc.AllowNegotiation, svc.MaxConcurrent, svc.Active).
		Scan(&svc.CreatedAt, &svc.UpdatedAt)
	if err != nil {
		if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23503" {
			return ErrAgentNotFound
		}
		return fmt.Errorf("create service: %w", err)
	}
	return nil
}

func (p *PostgresStore) GetService(ctx context.Context, id string) (*Service, error) {
	row := p.db.QueryRowContext(ctx, `SELECT `+serviceColumns+` FROM services WHERE id = $1`, id)
	svc, err := scanService(row)
	if err == sql.ErrNoRows {
		return nil, ErrServiceNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get service: %w", err)
	}
	return svc, nil
}

func (p *PostgresStore) UpdateService(ctx context.Context, svc *Service) error {
	inputs, err := marshalInputs(svc.RequiredInputs)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE services
		SET name = $2, description = NULLIF($3, ''), required_inputs = $4,
		    min_price = $5::NUMERIC(30,8), max_price = $6::NUMERIC(30,8),
		    allow_negotiation = $7, max_concurrent = $8, is_active = $9,
		    updated_at = NOW()
		WHERE id = $1
	`, svc.ID, svc.Name, svc.Description, inputs, svc.MinPrice, svc.MaxPrice,
		svc.AllowNegotiation, svc.MaxConcurrent, svc.Active)
	if err != nil {
		return fmt.Errorf("update service: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrServiceNotFound
	}
	return nil
}

func (p *PostgresStore) ListServices(ctx context.Context, q ServiceQuery) ([]*Service, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}

	query := `SELECT ` + serviceColumns + ` FROM services WHERE TRUE`
	var args []any
	add := func(cond string, arg any) {
		args = append(args, arg)
		query += fmt.Sprintf(" AND "+cond, len(args))
	}

	if q.ActiveOnly {
		query += " AND is_active"
	}
	if q.AgentID != "" {
		add("agent_id = $%d", q.AgentID)
	}
	if q.ServiceType != "" {
		add("service_type = $%d", q.ServiceType)
	}
	if q.OutputType != "" {
		add("output_type = $%d", q.OutputType)
	}
	if q.MaxPrice != "" {
		add("min_price <= $%d::NUMERIC(30,8)", q.MaxPrice)
	}
	if q.MinPrice != "" {
		add("max_price >= $%d::NUMERIC(30,8)", q.MinPrice)
	}
	if q.Search != "" {
		args = append(args, "%"+q.Search+"%")
		query += fmt.Sprintf(" AND (name ILIKE $%d OR description ILIKE $%d)", len(args), len(args))
	}

	args = append(args, q.Limit, q.Offset)
	query += fmt.Sprintf(" ORDER BY min_price, id LIMIT $%d OFFSET $%d", len(args)-1, len(args))

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list services: %w", err)
	}
	defer rows.Close()

	services := []*Service{}
	for rows.Next() {
		svc, err := scanService(rows)
		if err != nil {
			return nil, err
		}
		services = append(services, svc)
	}
	return services, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgent(row rowScanner) (*Agent, error) {
	a := &Agent{}
	var caps []byte
	err := row.Scan(&a.ID, &a.Name, &a.KeyDigest, &a.Description, &a.WalletAddress,
		&caps, &a.Status, &a.ReputationScore, &a.JobsCompleted, &a.JobsHired,
		&a.TotalEarned, &a.TotalSpent, &a.CreatedAt, &a.UpdatedAt, &a.LastSeen)
	if err != nil {
		return nil, err
	}
	if len(caps) > 0 {
		if err := json.Unmarshal(caps, &a.Capabilities); err != nil {
			return nil, fmt.Errorf("decode capabilities: %w", err)
		}
	}
	if a.Capabilities == nil {
		a.Capabilities = []string{}
	}
	return a, nil
}

func scanService(row rowScanner) (*Service, error) {
	s := &Service{}
	var inputs []byte
	err := row.Scan(&s.ID, &s.AgentID, &s.Name, &s.Description, &s.ServiceType, &inputs,
		&s.OutputType, &s.MinPrice, &s.MaxPrice, &s.AllowNegotiation,
		&s.MaxConcurrent, &s.Active, &s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(inputs) > 0 {
		if err := json.Unmarshal(inputs, &s.RequiredInputs); err != nil {
			return nil, fmt.Errorf("decode required_inputs: %w", err)
		}
	}
	return s, nil
}

func marshalInputs(inputs map[string]any) (any, error) {
	if len(inputs) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(inputs)
	if err != nil {
		return nil, fmt.Errorf("marshal required_inputs: %w", err)
	}
	return string(b), nil
}
