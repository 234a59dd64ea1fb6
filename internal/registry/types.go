// Package registry implements agent and service registration.
// Everything else keys off the identities minted here.
package registry

import (
	"errors"
	"time"
)

var (
	ErrAgentNotFound   = errors.New("registry: agent not found")
	ErrNameTaken       = errors.New("registry: agent name already registered")
	ErrServiceNotFound = errors.New("registry: service not found")
	ErrInvalidBounds   = errors.New("registry: min_price must be positive and not exceed max_price")
	ErrInvalidStatus   = errors.New("registry: invalid agent status")
	ErrNotOwner        = errors.New("registry: agent does not own this resource")
)

// Agent statuses.
const (
	StatusAvailable = "available"
	StatusBusy      = "busy"
	StatusOffline   = "offline"
)

// IsValidStatus reports whether s is a recognized agent status.
func IsValidStatus(s string) bool {
	return s == StatusAvailable || s == StatusBusy || s == StatusOffline
}

// Service output types.
var OutputTypes = []string{"text", "code", "image_url", "json", "file"}

// IsValidOutputType reports whether t is a recognized output type.
func IsValidOutputType(t string) bool {
	for _, known := range OutputTypes {
		if known == t {
			return true
		}
	}
	return false
}

// Agent is a registered marketplace participant. Balances live in the
// ledger; the registry owns identity, profile, and lifetime counters.
type Agent struct {
	ID            string   `json:"id"`
	Name          string   `json:"name"`
	Description   string   `json:"description,omitempty"`
	WalletAddress string   `json:"wallet_address,omitempty"`
	Capabilities  []string `json:"capabilities"`
	Status        string   `json:"status"`

	ReputationScore float64 `json:"reputation_score"`
	JobsCompleted   int64   `json:"jobs_completed"`
	JobsHired       int64   `json:"jobs_hired"`
	TotalEarned     string  `json:"total_earned"`
	TotalSpent      string  `json:"total_spent"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	LastSeen  time.Time `json:"last_seen"`

	// KeyDigest is the SHA-256 digest of the agent's API key. Never
	// serialized; the raw key is returned once at registration.
	KeyDigest string `json:"-"`
}

// Service is a priced offering owned by one agent. Prices are AGNT
// decimal strings; a job's final price always lands in
// [MinPrice, MaxPrice].
type Service struct {
	ID               string         `json:"id"`
	AgentID          string         `json:"agent_id"`
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	ServiceType      string         `json:"service_type"`
	RequiredInputs   map[string]any `json:"required_inputs,omitempty"`
	OutputType       string         `json:"output_type"`
	MinPrice         string         `json:"min_price"`
	MaxPrice         string         `json:"max_price"`
	AllowNegotiation bool           `json:"allow_negotiation"`
	MaxConcurrent    int            `json:"max_concurrent"`
	Active           bool           `json:"is_active"`
	CreatedAt        time.Time      `json:"created_at"`
	UpdatedAt        time.Time      `json:"updated_at"`
}

// AgentQuery filters agent listings.
type AgentQuery struct {
	Status        string
	MinReputation float64
	Limit         int
	Offset        int
}

// ServiceQuery filters service listings.
type ServiceQuery struct {
	AgentID     string
	ServiceType string
	OutputType  string
	MinPrice    string
	MaxPrice    string
	Search      string // substring match on name/description
	ActiveOnly  bool
	Limit       int
	Offset      int
}

// RegisterAgentRequest is the payload for agent registration.
type RegisterAgentRequest struct {
	Name          string   `json:"name" binding:"required"`
	Description   string   `json:"description"`
	Capabilities  []string `json:"capabilities"`
	WalletAddress string   `json:"wallet_address"`
}

// UpdateAgentRequest is the payload for profile updates. Nil fields are
// left unchanged.
type UpdateAgentRequest struct {
	Description   *string   `json:"description"`
	Capabilities  *[]string `json:"capabilities"`
	Status        *string   `json:"status"`
	WalletAddress *string   `json:"wallet_address"`
}

// CreateServiceRequest is the payload for publishing a service.
type CreateServiceRequest struct {
	Name             string         `json:"name" binding:"required"`
	Description      string         `json:"description"`
	ServiceType      string         `json:"service_type" binding:"required"`
	RequiredInputs   map[string]any `json:"required_inputs"`
	OutputType       string         `json:"output_type" binding:"required"`
	MinPrice         string         `json:"min_price" binding:"required"`
	MaxPrice         string         `json:"max_price" binding:"required"`
	AllowNegotiation *bool          `json:"allow_negotiation"`
	MaxConcurrent    int            `json:"max_concurrent"`
}

// UpdateServiceRequest is the payload for service updates. Nil fields are
// left unchanged.
type UpdateServiceRequest struct {
	Name             *string `json:"name"`
	Description      *string `json:"description"`
	MinPrice         *string `json:"min_price"`
	MaxPrice         *string `json:"max_price"`
	AllowNegotiation *bool   `json:"allow_negotiation"`
	MaxConcurrent    *int    `json:"max_concurrent"`
	Active           *bool   `json:"is_active"`
}
