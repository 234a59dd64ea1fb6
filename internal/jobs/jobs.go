// Package jobs implements the hire-to-settlement lifecycle.
//
// A job is created by a client against a worker's service at a price
// locked forever at creation, with the full amount moved into escrow in
// the same transaction. From there the job walks a small state machine:
// the worker starts and delivers, the client asks for revisions or
// completes with a rating, and terminal states settle the escrow
// (release on completion, refund on cancel or failure). Every
// transition commits its status change, ledger movement, deliverable,
// activity entry, auto-message, and counters as one unit.
package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/mbd888/agora/internal/activity"
	"github.com/mbd888/agora/internal/messages"
)

var (
	ErrNotFound             = errors.New("jobs: job not found")
	ErrParentNotFound       = errors.New("jobs: parent job not found")
	ErrNotParticipant       = errors.New("jobs: agent is not part of this job")
	ErrClientOnly           = errors.New("jobs: only the hiring client may do this")
	ErrWorkerOnly           = errors.New("jobs: only the assigned worker may do this")
	ErrInvalidState         = errors.New("jobs: job state does not allow this transition")
	ErrSelfHire             = errors.New("jobs: cannot hire your own service")
	ErrServiceInactive      = errors.New("jobs: service is not active")
	ErrPricingConflict      = errors.New("jobs: negotiation_id and quote_id are mutually exclusive")
	ErrPriceMismatch        = errors.New("jobs: agreed_price does not match the resolved price")
	ErrNegotiationNotAgreed = errors.New("jobs: negotiation has not reached agreement")
	ErrNegotiationMismatch  = errors.New("jobs: negotiation is for a different service or client")
	ErrQuoteMismatch        = errors.New("jobs: quote is for a different service or client")
	ErrParentCycle          = errors.New("jobs: parent chain would form a cycle")
	ErrParentForbidden      = errors.New("jobs: only participants of the parent job can attach sub-jobs")
	ErrInvalidRating        = errors.New("jobs: rating must be between 1 and 5")
	ErrInvalidDeliverable   = errors.New("jobs: deliverable needs a valid artifact type and content")
	ErrFeedbackRequired     = errors.New("jobs: revision feedback is required")
	ErrReasonRequired       = errors.New("jobs: failure reason is required")
)

// Status is the job lifecycle state.
type Status string

const (
	StatusPending           Status = "pending"
	StatusInProgress        Status = "in_progress"
	StatusDelivered         Status = "delivered"
	StatusRevisionRequested Status = "revision_requested"
	StatusCompleted         Status = "completed"
	StatusCancelled         Status = "cancelled"
	StatusFailed            Status = "failed"
)

// IsValidStatus reports whether s is a recognized job status.
func IsValidStatus(s string) bool {
	switch Status(s) {
	case StatusPending, StatusInProgress, StatusDelivered,
		StatusRevisionRequested, StatusCompleted, StatusCancelled, StatusFailed:
		return true
	}
	return false
}

// transitions is the allowed edge set. Terminal states have no entry.
var transitions = map[Status][]Status{
	StatusPending:           {StatusInProgress, StatusCancelled},
	StatusInProgress:        {StatusDelivered, StatusFailed},
	StatusDelivered:         {StatusCompleted, StatusRevisionRequested},
	StatusRevisionRequested: {StatusDelivered},
}

// CanTransition reports whether the edge from → to exists.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Escrow settlement states.
const (
	EscrowUnfunded = "unfunded"
	EscrowFunded   = "funded"
	EscrowReleased = "released"
	EscrowRefunded = "refunded"
)

// Pricing provenance tags, persisted in negotiated_by. The short values
// predate this service and are kept for wire compatibility.
const (
	PricingMidpoint    = "agent" // midpoint of the service's advertised range
	PricingQuote       = "llm"   // accepted machine quote
	PricingNegotiation = "p2p"   // agreed bilateral negotiation
)

// Deliverable artifact types, mirroring service output types.
const (
	ArtifactText     = "text"
	ArtifactCode     = "code"
	ArtifactImageURL = "image_url"
	ArtifactJSON     = "json"
	ArtifactFile     = "file"
)

// IsValidArtifactType reports whether t is a recognized artifact type.
func IsValidArtifactType(t string) bool {
	switch t {
	case ArtifactText, ArtifactCode, ArtifactImageURL, ArtifactJSON, ArtifactFile:
		return true
	}
	return false
}

// Role identifies which side of the job an agent is on.
type Role string

const (
	RoleClient Role = "client"
	RoleWorker Role = "worker"
)

// Job is one unit of hired work. Price is locked at creation and never
// mutated; the escrow fields record where that money currently sits.
type Job struct {
	ID            string `json:"id"`
	ServiceID     string `json:"service_id"`
	ClientAgentID string `json:"client_agent_id"`
	WorkerAgentID string `json:"worker_agent_id"`
	ParentJobID   string `json:"parent_job_id,omitempty"`

	Title     string         `json:"title"`
	InputData map[string]any `json:"input_data,omitempty"`

	Price         string `json:"price"`
	NegotiatedBy  string `json:"negotiated_by"`
	QuoteID       string `json:"quote_id,omitempty"`
	NegotiationID string `json:"negotiation_id,omitempty"`

	Status Status `json:"status"`

	EscrowStatus string     `json:"escrow_status"`
	EscrowAmount string     `json:"escrow_amount,omitempty"`
	EscrowedAt   *time.Time `json:"escrowed_at,omitempty"`
	ReleasedAt   *time.Time `json:"released_at,omitempty"`
	RefundedAt   *time.Time `json:"refunded_at,omitempty"`

	Rating int    `json:"rating,omitempty"`
	Review string `json:"review,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	DeliveredAt *time.Time `json:"delivered_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Deliverables is the full artifact history, oldest first.
	// Populated by Get; list queries leave it nil.
	Deliverables []*Deliverable `json:"deliverables,omitempty"`
}

// RoleOf returns the agent's side of this job.
func (j *Job) RoleOf(agentID string) (Role, bool) {
	switch agentID {
	case j.ClientAgentID:
		return RoleClient, true
	case j.WorkerAgentID:
		return RoleWorker, true
	}
	return "", false
}

// Terminal reports whether no further transitions are possible.
func (j *Job) Terminal() bool {
	return len(transitions[j.Status]) == 0
}

// Deliverable is one versioned work artifact. Versions start at 1 and
// count up per job; rows are never updated or deleted.
type Deliverable struct {
	ID           string         `json:"id"`
	JobID        string         `json:"job_id"`
	ArtifactType string         `json:"artifact_type"`
	Content      string         `json:"content"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	Version      int            `json:"version"`
	CreatedAt    time.Time      `json:"created_at"`
}

// PricingSource is the validated outcome of resolving a create request
// against one of the three pricing paths. Method tags the provenance,
// Price carries the normalized amount the job will lock.
type PricingSource struct {
	Method        string
	Price         string
	QuoteID       string
	NegotiationID string
}

// Tree is one level of the job DAG around a root job.
type Tree struct {
	Job     *Job   `json:"job"`
	Parent  *Job   `json:"parent,omitempty"`
	SubJobs []*Job `json:"sub_jobs"`
}

// Query filters an agent's job list. AgentID is required; Role narrows
// to jobs where the agent is on that side. Limit is the raw row count.
type Query struct {
	AgentID string
	Role    Role
	Status  Status
	Limit   int
	Offset  int
}

// EscrowOp names the ledger movement a transition carries.
type EscrowOp int

const (
	EscrowOpNone EscrowOp = iota
	EscrowOpLock
	EscrowOpRelease
	EscrowOpRefund
)

// Transition is the store contract for one atomic lifecycle step. The
// service computes the post-transition job snapshot and every side
// effect; the store persists all of it in a single transaction, or in
// memory under one lock. FromStatus guards the status compare-and-set:
// a job that moved in between fails the whole transition with
// ErrInvalidState and writes nothing.
type Transition struct {
	Job        *Job
	FromStatus Status

	Escrow EscrowOp
	// Payout applies to EscrowOpRelease: the worker's share of
	// Job.EscrowAmount. The remainder refunds to the client.
	Payout string

	// ConsumeQuoteID stamps a pending quote accepted at creation.
	ConsumeQuoteID string

	Deliverable *Deliverable

	// CompletionStats bumps the worker's completed/earned and the
	// client's hired/spent counters by Job.Price.
	CompletionStats bool
	// ReputationScore, when set, is the worker's recomputed score.
	ReputationScore *float64

	Message  *messages.Message
	Activity *activity.Entry
}

// Store persists jobs and applies lifecycle transitions atomically.
type Store interface {
	// CreateFunded inserts the job and locks its escrow as one unit:
	// on any failure, including insufficient funds, no row is written.
	CreateFunded(ctx context.Context, tr *Transition) error

	// Apply runs one guarded transition. The job must still be in
	// tr.FromStatus or the whole step fails with ErrInvalidState.
	Apply(ctx context.Context, tr *Transition) error

	// Get returns a job with its deliverables, oldest first.
	Get(ctx context.Context, id string) (*Job, error)

	// List returns jobs the agent participates in, newest first.
	List(ctx context.Context, q Query) ([]*Job, error)

	// ListChildren returns the direct sub-jobs of a parent, oldest
	// first. Deliverables are not loaded.
	ListChildren(ctx context.Context, parentID string) ([]*Job, error)
}
