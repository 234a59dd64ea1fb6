// Package negotiation implements bounded bilateral price discovery
// between a client and the worker who owns a service.
//
// A negotiation is a strict turn-taking state machine: the client opens
// with an offer inside the service's advertised price range, then the
// parties alternate accept / counter / reject until agreement,
// rejection, round exhaustion, or the deadline. An agreed negotiation
// locks its current price as the amount a job can be created at.
package negotiation

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/agora/internal/messages"
	"github.com/mbd888/agora/internal/registry"
)

var (
	ErrNotFound          = errors.New("negotiation: not found")
	ErrNotParticipant    = errors.New("negotiation: agent is not part of this negotiation")
	ErrNotYourTurn       = errors.New("negotiation: waiting for the other party to respond")
	ErrClosed            = errors.New("negotiation: negotiation is no longer active")
	ErrConflict          = errors.New("negotiation: negotiation changed concurrently, reload and retry")
	ErrExpired           = errors.New("negotiation: negotiation has expired")
	ErrPriceOutOfBounds  = errors.New("negotiation: price outside service bounds")
	ErrOverBudget        = errors.New("negotiation: price exceeds the client's max budget")
	ErrInsufficientFunds = errors.New("negotiation: client balance cannot cover this price")
	ErrRoundsExhausted   = errors.New("negotiation: maximum rounds reached")
	ErrCounterRequired   = errors.New("negotiation: counter_price is required when countering")
	ErrInvalidAction     = errors.New("negotiation: action must be accept, counter, or reject")
	ErrNotNegotiable     = errors.New("negotiation: service does not allow negotiation")
	ErrServiceInactive   = errors.New("negotiation: service is not active")
	ErrSelfNegotiation   = errors.New("negotiation: cannot negotiate against your own service")
)

// Status is the negotiation lifecycle state.
type Status string

const (
	StatusActive   Status = "active"
	StatusAgreed   Status = "agreed"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// IsValidStatus reports whether s is a recognized negotiation status.
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusActive, StatusAgreed, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Role identifies which side of the negotiation an agent is on.
type Role string

const (
	RoleClient Role = "client"
	RoleWorker Role = "worker"
)

// Offer actions, in the order they can occur.
const (
	ActionOffer   = "offer"
	ActionCounter = "counter"
	ActionAccept  = "accept"
	ActionReject  = "reject"
)

// Defaults applied when the configuration leaves them unset.
const (
	DefaultTTL       = 24 * time.Hour
	DefaultMaxRounds = 5
)

// Negotiation is one price discovery session. The service's price
// bounds are snapshotted at start so listing edits cannot move the
// goalposts mid-negotiation.
type Negotiation struct {
	ID              string     `json:"id"`
	ServiceID       string     `json:"service_id"`
	ClientAgentID   string     `json:"client_agent_id"`
	WorkerAgentID   string     `json:"worker_agent_id"`
	JobDescription  string     `json:"job_description"`
	Status          Status     `json:"status"`
	CurrentPrice    string     `json:"current_price"`
	CurrentProposer Role       `json:"current_proposer"`
	ServiceMinPrice string     `json:"service_min_price"`
	ServiceMaxPrice string     `json:"service_max_price"`
	ClientMaxPrice  string     `json:"client_max_price,omitempty"`
	RoundCount      int        `json:"round_count"`
	MaxRounds       int        `json:"max_rounds"`
	ExpiresAt       time.Time  `json:"expires_at"`
	AgreedAt        *time.Time `json:"agreed_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`

	// Offers is the full history, oldest first. Populated by Get;
	// list queries leave it nil.
	Offers []*Offer `json:"offers,omitempty"`
}

// RoleOf returns the agent's side of this negotiation.
func (n *Negotiation) RoleOf(agentID string) (Role, bool) {
	switch agentID {
	case n.ClientAgentID:
		return RoleClient, true
	case n.WorkerAgentID:
		return RoleWorker, true
	}
	return "", false
}

// Terminal reports whether no further responses are possible.
func (n *Negotiation) Terminal() bool {
	return n.Status != StatusActive
}

// Offer is one append-only audit record of a negotiation move.
type Offer struct {
	ID            string    `json:"id"`
	NegotiationID string    `json:"negotiation_id"`
	AgentID       string    `json:"agent_id"`
	Role          Role      `json:"agent_role"`
	Action        string    `json:"action"`
	Price         string    `json:"price"`
	Message       string    `json:"message,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// StartRequest is the body for POST /negotiations.
type StartRequest struct {
	ServiceID      string `json:"service_id"`
	JobDescription string `json:"job_description"`
	InitialOffer   string `json:"initial_offer"`
	MaxPrice       string `json:"max_price,omitempty"`
	Message        string `json:"message,omitempty"`
}

// RespondRequest is the body for POST /negotiations/:id/respond.
type RespondRequest struct {
	Action       string `json:"action"`
	CounterPrice string `json:"counter_price,omitempty"`
	Message      string `json:"message,omitempty"`
}

// Query filters negotiation listings.
type Query struct {
	AgentID string
	Status  Status
	Limit   int
}

// Store persists negotiations and their offer history.
type Store interface {
	// Create inserts a new negotiation together with its opening offer.
	Create(ctx context.Context, n *Negotiation, opening *Offer) error

	// Get returns a negotiation with its full offer history, oldest
	// offer first.
	Get(ctx context.Context, id string) (*Negotiation, error)

	// Update persists the negotiation's mutable fields and, when offer
	// is non-nil, appends it, atomically. The write applies only while
	// the stored row is still active at fromRound; a row that moved
	// under the caller returns ErrConflict.
	Update(ctx context.Context, n *Negotiation, offer *Offer, fromRound int) error

	// ListByAgent returns negotiations where the agent is either party,
	// newest first, without offer history.
	ListByAgent(ctx context.Context, q Query) ([]*Negotiation, error)

	// ExpireStale flips active negotiations past their deadline to
	// expired and returns the affected rows (without offers).
	ExpireStale(ctx context.Context) ([]*Negotiation, error)
}

// ServiceSource resolves the service a negotiation is opened against.
// registry.Store satisfies it.
type ServiceSource interface {
	GetService(ctx context.Context, id string) (*registry.Service, error)
}

// BalanceSource answers whether a client could fund a price right now.
// The check is advisory: nothing is reserved until a job is created.
// ledger.Ledger satisfies it.
type BalanceSource interface {
	CanSpend(ctx context.Context, agentID, amount string) (bool, error)
}

// Notifier delivers inbox notifications for negotiation milestones.
// messages.Store satisfies it.
type Notifier interface {
	Insert(ctx context.Context, m *messages.Message) error
}
