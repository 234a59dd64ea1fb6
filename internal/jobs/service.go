package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mbd888/agora/internal/activity"
	"github.com/mbd888/agora/internal/agnt"
	"github.com/mbd888/agora/internal/events"
	"github.com/mbd888/agora/internal/idgen"
	"github.com/mbd888/agora/internal/messages"
	"github.com/mbd888/agora/internal/metrics"
	"github.com/mbd888/agora/internal/negotiation"
	"github.com/mbd888/agora/internal/quotes"
	"github.com/mbd888/agora/internal/registry"
	"github.com/mbd888/agora/internal/reputation"
	"github.com/mbd888/agora/internal/traces"
)

// Directory is the slice of the agent registry the job lifecycle
// needs: the service being hired and the worker's current stats.
// registry.Store satisfies it.
type Directory interface {
	GetService(ctx context.Context, id string) (*registry.Service, error)
	GetAgent(ctx context.Context, id string) (*registry.Agent, error)
}

// NegotiationSource resolves a negotiation named as a pricing source.
// negotiation.Store satisfies it.
type NegotiationSource interface {
	Get(ctx context.Context, id string) (*negotiation.Negotiation, error)
}

// QuoteSource resolves a quote named as a pricing source. quotes.Store
// satisfies it.
type QuoteSource interface {
	Get(ctx context.Context, id string) (*quotes.Quote, error)
}

// Service implements the job state machine.
type Service struct {
	store        Store
	directory    Directory
	negotiations NegotiationSource
	quotes       QuoteSource
	bus          *events.Bus
	logger       *slog.Logger
}

// NewService creates a job service. Negotiation and quote pricing are
// wired separately; without them, creates naming those sources fail as
// not found.
func NewService(store Store, directory Directory, bus *events.Bus, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		directory: directory,
		bus:       bus,
		logger:    logger,
	}
}

// WithNegotiations enables agreed negotiations as a pricing source.
func (s *Service) WithNegotiations(n NegotiationSource) *Service {
	s.negotiations = n
	return s
}

// WithQuotes enables accepted quotes as a pricing source.
func (s *Service) WithQuotes(q QuoteSource) *Service {
	s.quotes = q
	return s
}

// CreateRequest is the payload for hiring a service.
type CreateRequest struct {
	ServiceID     string         `json:"service_id"`
	Title         string         `json:"title,omitempty"`
	InputData     map[string]any `json:"input_data,omitempty"`
	ParentJobID   string         `json:"parent_job_id,omitempty"`
	NegotiationID string         `json:"negotiation_id,omitempty"`
	QuoteID       string         `json:"quote_id,omitempty"`

	// AgreedPrice is the price the client believes it is hiring at.
	// When set it must match the resolved price exactly.
	AgreedPrice string `json:"agreed_price,omitempty"`
}

// DeliverRequest is the payload for submitting work.
type DeliverRequest struct {
	ArtifactType string         `json:"artifact_type"`
	Content      string         `json:"content"`
	Metadata     map[string]any `json:"metadata,omitempty"`
}

// CompleteRequest is the payload for accepting delivered work.
type CompleteRequest struct {
	Rating int    `json:"rating"`
	Review string `json:"review,omitempty"`
}

// Create hires a service: it resolves the price from the named pricing
// source, locks that amount in escrow, and inserts the pending job, all
// atomically. On insufficient funds no job row is written.
func (s *Service) Create(ctx context.Context, clientID string, req CreateRequest) (*Job, error) {
	ctx, span := traces.StartSpan(ctx, "jobs.Create",
		traces.AgentID(clientID), attribute.String("service.id", req.ServiceID))
	defer span.End()

	svc, err := s.directory.GetService(ctx, req.ServiceID)
	if err != nil {
		return nil, err
	}
	if !svc.Active {
		return nil, ErrServiceInactive
	}
	if svc.AgentID == clientID {
		return nil, ErrSelfHire
	}

	src, err := s.resolvePricing(ctx, clientID, svc, req)
	if err != nil {
		return nil, err
	}

	if req.ParentJobID != "" {
		if err := s.checkParent(ctx, req.ParentJobID, clientID); err != nil {
			return nil, err
		}
	}

	now := time.Now().UTC()
	title := req.Title
	if title == "" {
		title = "Hire: " + svc.Name
	}
	j := &Job{
		ID:            idgen.WithPrefix("job_"),
		ServiceID:     svc.ID,
		ClientAgentID: clientID,
		WorkerAgentID: svc.AgentID,
		ParentJobID:   req.ParentJobID,
		Title:         title,
		InputData:     req.InputData,
		Price:         src.Price,
		NegotiatedBy:  src.Method,
		QuoteID:       src.QuoteID,
		NegotiationID: src.NegotiationID,
		Status:        StatusPending,
		EscrowStatus:  EscrowFunded,
		EscrowAmount:  src.Price,
		EscrowedAt:    &now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}

	tr := &Transition{
		Job:            j,
		Escrow:         EscrowOpLock,
		ConsumeQuoteID: src.QuoteID,
		Message: autoMessage(j, j.ClientAgentID, j.WorkerAgentID, messages.TypeJobCreated, map[string]any{
			"message": "You've been hired!",
			"title":   j.Title,
			"price":   j.Price,
		}),
		Activity: feedEntry(j, j.ClientAgentID, "job_created", map[string]any{
			"title":         j.Title,
			"price":         j.Price,
			"negotiated_by": j.NegotiatedBy,
		}),
	}
	if err := s.store.CreateFunded(ctx, tr); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "funded create failed")
		return nil, err
	}

	metrics.JobTransitionsTotal.WithLabelValues("create").Inc()
	s.bus.Publish(events.TypeJobCreated, map[string]any{
		"job_id":     j.ID,
		"service_id": j.ServiceID,
		"client_id":  j.ClientAgentID,
		"worker_id":  j.WorkerAgentID,
		"price":      j.Price,
	})
	s.logger.Info("job created",
		"job_id", j.ID,
		"service_id", j.ServiceID,
		"client_id", j.ClientAgentID,
		"worker_id", j.WorkerAgentID,
		"price", j.Price,
		"negotiated_by", j.NegotiatedBy)
	return j, nil
}

// resolvePricing turns the request's pricing fields into a validated
// price with provenance. Exactly one source applies: an agreed
// negotiation, a usable quote, or the midpoint of the service range.
func (s *Service) resolvePricing(ctx context.Context, clientID string, svc *registry.Service, req CreateRequest) (*PricingSource, error) {
	if req.NegotiationID != "" && req.QuoteID != "" {
		return nil, ErrPricingConflict
	}

	switch {
	case req.NegotiationID != "":
		if s.negotiations == nil {
			return nil, negotiation.ErrNotFound
		}
		n, err := s.negotiations.Get(ctx, req.NegotiationID)
		if err != nil {
			return nil, err
		}
		if n.ClientAgentID != clientID || n.ServiceID != svc.ID {
			return nil, ErrNegotiationMismatch
		}
		if n.Status != negotiation.StatusAgreed {
			return nil, ErrNegotiationNotAgreed
		}
		if err := checkAgreed(req.AgreedPrice, n.CurrentPrice); err != nil {
			return nil, err
		}
		return &PricingSource{Method: PricingNegotiation, Price: n.CurrentPrice, NegotiationID: n.ID}, nil

	case req.QuoteID != "":
		if s.quotes == nil {
			return nil, quotes.ErrQuoteNotFound
		}
		q, err := s.quotes.Get(ctx, req.QuoteID)
		if err != nil {
			return nil, err
		}
		if q.ClientAgentID != clientID || q.ServiceID != svc.ID {
			return nil, ErrQuoteMismatch
		}
		if !q.Usable(time.Now()) {
			return nil, quotes.ErrQuoteNotUsable
		}
		if err := checkAgreed(req.AgreedPrice, q.QuotedPrice); err != nil {
			return nil, err
		}
		return &PricingSource{Method: PricingQuote, Price: q.QuotedPrice, QuoteID: q.ID}, nil

	default:
		mid, ok := agnt.Midpoint(svc.MinPrice, svc.MaxPrice)
		if !ok {
			return nil, fmt.Errorf("jobs: service %s has unusable price bounds", svc.ID)
		}
		if err := checkAgreed(req.AgreedPrice, mid); err != nil {
			return nil, err
		}
		return &PricingSource{Method: PricingMidpoint, Price: mid}, nil
	}
}

// checkAgreed verifies the client's optional expected price against
// the resolved one, so a hire never settles at a price the client did
// not see.
func checkAgreed(agreed, resolved string) error {
	if agreed == "" {
		return nil
	}
	if c, ok := agnt.Cmp(agreed, resolved); !ok || c != 0 {
		return ErrPriceMismatch
	}
	return nil
}

// checkParent validates a sub-job attachment: the parent must exist,
// the creator must be one of its participants, and the ancestor chain
// must terminate without revisiting a job.
func (s *Service) checkParent(ctx context.Context, parentID, clientID string) error {
	seen := make(map[string]bool)
	id := parentID
	for id != "" {
		if seen[id] {
			return ErrParentCycle
		}
		seen[id] = true
		p, err := s.store.Get(ctx, id)
		if err != nil {
			if errors.Is(err, ErrNotFound) && id == parentID {
				return ErrParentNotFound
			}
			return err
		}
		if id == parentID {
			if _, ok := p.RoleOf(clientID); !ok {
				return ErrParentForbidden
			}
		}
		id = p.ParentJobID
	}
	return nil
}

// Start moves a pending job to in_progress. Worker only.
func (s *Service) Start(ctx context.Context, jobID, agentID string) (*Job, error) {
	ctx, span := traces.StartSpan(ctx, "jobs.Start",
		traces.JobID(jobID), traces.AgentID(agentID))
	defer span.End()

	j, role, err := s.load(ctx, jobID, agentID)
	if err != nil {
		return nil, err
	}
	if role != RoleWorker {
		return nil, ErrWorkerOnly
	}
	if j.Status != StatusPending {
		return nil, ErrInvalidState
	}

	now := time.Now().UTC()
	from := j.Status
	j.Status = StatusInProgress
	j.StartedAt = &now
	j.UpdatedAt = now

	tr := &Transition{
		Job:        j,
		FromStatus: from,
		Message: autoMessage(j, j.WorkerAgentID, j.ClientAgentID, messages.TypeJobStarted, map[string]any{
			"message": "Work has started on your job",
			"title":   j.Title,
		}),
		Activity: feedEntry(j, j.WorkerAgentID, "job_started", map[string]any{"title": j.Title}),
	}
	if err := s.store.Apply(ctx, tr); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition failed")
		return nil, err
	}

	metrics.JobTransitionsTotal.WithLabelValues("start").Inc()
	s.bus.Publish(events.TypeJobStarted, map[string]any{
		"job_id":    j.ID,
		"client_id": j.ClientAgentID,
		"worker_id": j.WorkerAgentID,
	})
	return j, nil
}

// Deliver submits a work artifact and moves the job to delivered. The
// worker can redeliver after a revision request; each delivery appends
// a new deliverable version.
func (s *Service) Deliver(ctx context.Context, jobID, agentID string, req DeliverRequest) (*Job, error) {
	ctx, span := traces.StartSpan(ctx, "jobs.Deliver",
		traces.JobID(jobID), traces.AgentID(agentID))
	defer span.End()

	j, role, err := s.load(ctx, jobID, agentID)
	if err != nil {
		return nil, err
	}
	if role != RoleWorker {
		return nil, ErrWorkerOnly
	}
	if !CanTransition(j.Status, StatusDelivered) {
		return nil, ErrInvalidState
	}
	if !IsValidArtifactType(req.ArtifactType) || req.Content == "" {
		return nil, ErrInvalidDeliverable
	}

	now := time.Now().UTC()
	from := j.Status
	d := &Deliverable{
		ID:           idgen.WithPrefix("del_"),
		JobID:        j.ID,
		ArtifactType: req.ArtifactType,
		Content:      req.Content,
		Metadata:     req.Metadata,
		Version:      len(j.Deliverables) + 1,
		CreatedAt:    now,
	}
	j.Status = StatusDelivered
	j.DeliveredAt = &now
	j.UpdatedAt = now

	tr := &Transition{
		Job:         j,
		FromStatus:  from,
		Deliverable: d,
		Message: autoMessage(j, j.WorkerAgentID, j.ClientAgentID, messages.TypeWorkDelivered, map[string]any{
			"message":       "Work has been delivered",
			"version":       d.Version,
			"artifact_type": d.ArtifactType,
		}),
		Activity: feedEntry(j, j.WorkerAgentID, "job_delivered", map[string]any{"version": d.Version}),
	}
	if err := s.store.Apply(ctx, tr); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition failed")
		return nil, err
	}
	j.Deliverables = append(j.Deliverables, d)

	metrics.JobTransitionsTotal.WithLabelValues("deliver").Inc()
	s.bus.Publish(events.TypeJobDelivered, map[string]any{
		"job_id":    j.ID,
		"client_id": j.ClientAgentID,
		"worker_id": j.WorkerAgentID,
		"version":   d.Version,
	})
	return j, nil
}

// RequestRevision sends delivered work back to the worker with
// feedback. Client only.
func (s *Service) RequestRevision(ctx context.Context, jobID, agentID, feedback string) (*Job, error) {
	ctx, span := traces.StartSpan(ctx, "jobs.RequestRevision",
		traces.JobID(jobID), traces.AgentID(agentID))
	defer span.End()

	j, role, err := s.load(ctx, jobID, agentID)
	if err != nil {
		return nil, err
	}
	if role != RoleClient {
		return nil, ErrClientOnly
	}
	if j.Status != StatusDelivered {
		return nil, ErrInvalidState
	}
	if feedback == "" {
		return nil, ErrFeedbackRequired
	}

	now := time.Now().UTC()
	from := j.Status
	j.Status = StatusRevisionRequested
	j.UpdatedAt = now

	tr := &Transition{
		Job:        j,
		FromStatus: from,
		Message: autoMessage(j, j.ClientAgentID, j.WorkerAgentID, messages.TypeRevisionRequested, map[string]any{
			"message":  "Revision needed",
			"feedback": feedback,
		}),
		Activity: feedEntry(j, j.ClientAgentID, "job_revision_requested", map[string]any{"feedback": feedback}),
	}
	if err := s.store.Apply(ctx, tr); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transition failed")
		return nil, err
	}

	metrics.JobTransitionsTotal.WithLabelValues("request_revision").Inc()
	s.bus.Publish(events.TypeJobRevisionRequested, map[string]any{
		"job_id":    j.ID,
		"client_id": j.ClientAgentID,
		"worker_id": j.WorkerAgentID,
	})
	return j, nil
}

// Complete accepts delivered work: it stores the rating, releases the
// escrow to the worker, folds the rating into the worker's reputation,
// and bumps both parties' lifetime counters, all in one transaction.
// Client only.
func (s *Service) Complete(ctx context.Context, jobID, agentID string, req CompleteRequest) (*Job, error) {
	ctx, span := traces.StartSpan(ctx, "jobs.Complete",
		traces.JobID(jobID), traces.AgentID(agentID))
	defer span.End()

	j, role, err := s.load(ctx, jobID, agentID)
	if err != nil {
		return nil, err
	}
	if role != RoleClient {
		return nil, ErrClientOnly
	}
	if j.Status != StatusDelivered {
		return nil, ErrInvalidState
	}
	if !reputation.ValidRating(req.Rating) {
		return nil, ErrInvalidRating
	}

	worker, err := s.directory.GetAgent(ctx, j.WorkerAgentID)
	if err != nil {
		return nil, err
	}
	score := reputation.Next(worker.ReputationScore, worker.JobsCompleted, req.Rating)

	now := time.Now().UTC()
	from := j.Status
	j.Status = StatusCompleted
	j.Rating = req.Rating
	j.Review = req.Review
	j.EscrowStatus = EscrowReleased
	j.ReleasedAt = &now
	j.CompletedAt = &now
	j.UpdatedAt = now

	tr := &Transition{
		Job:             j,
		FromStatus:      from,
		Escrow:          EscrowOpRelease,
		Payout:          j.Price,
		CompletionStats: true,
		ReputationScore: &score,
		Message: autoMessage(j, j.ClientAgentID, j.WorkerAgentID, messages.TypeJobCompleted, map[string]any{
			"message": fmt.Sprintf("Job completed - Rating: %d/5", req.Rating),
			"rating":  req.Rating,
			"review":  req.Review,
		}),
		Activity: feedEntry(j, j.ClientAgentID, "job_completed", map[string]any{
			"rating": req.Rating,
			"price":  j.Price,
		}),
	}
	if err := s.store.Apply(ctx, tr); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "settlement failed")
		return nil, err
	}

	metrics.JobTransitionsTotal.WithLabelValues("complete").Inc()
	s.bus.Publish(events.TypeJobCompleted, map[string]any{
		"job_id":    j.ID,
		"client_id": j.ClientAgentID,
		"worker_id": j.WorkerAgentID,
		"price":     j.Price,
		"rating":    req.Rating,
	})
	s.bus.Publish(events.TypeReputationUpdated, map[string]any{
		"agent_id": j.WorkerAgentID,
		"score":    score,
	})
	s.logger.Info("job completed",
		"job_id", j.ID,
		"worker_id", j.WorkerAgentID,
		"price", j.Price,
		"rating", req.Rating,
		"reputation", score)
	return j, nil
}

// Cancel aborts a job before work starts and refunds the escrow.
// Client only, pending only.
func (s *Service) Cancel(ctx context.Context, jobID, agentID string) (*Job, error) {
	ctx, span := traces.StartSpan(ctx, "jobs.Cancel",
		traces.JobID(jobID), traces.AgentID(agentID))
	defer span.End()

	j, role, err := s.load(ctx, jobID, agentID)
	if err != nil {
		return nil, err
	}
	if role != RoleClient {
		return nil, ErrClientOnly
	}
	if j.Status != StatusPending {
		return nil, ErrInvalidState
	}

	now := time.Now().UTC()
	from := j.Status
	j.Status = StatusCancelled
	j.EscrowStatus = EscrowRefunded
	j.RefundedAt = &now
	j.UpdatedAt = now

	tr := &Transition{
		Job:        j,
		FromStatus: from,
		Escrow:     EscrowOpRefund,
		Message: autoMessage(j, j.ClientAgentID, j.WorkerAgentID, messages.TypeJobCancelled, map[string]any{
			"message": "Job has been cancelled",
			"title":   j.Title,
		}),
		Activity: feedEntry(j, j.ClientAgentID, "job_cancelled", map[string]any{"title": j.Title}),
	}
	if err := s.store.Apply(ctx, tr); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refund failed")
		return nil, err
	}

	metrics.JobTransitionsTotal.WithLabelValues("cancel").Inc()
	s.bus.Publish(events.TypeJobCancelled, map[string]any{
		"job_id":    j.ID,
		"client_id": j.ClientAgentID,
		"worker_id": j.WorkerAgentID,
	})
	s.logger.Info("job cancelled", "job_id", j.ID, "client_id", j.ClientAgentID, "refund", j.EscrowAmount)
	return j, nil
}

// Fail abandons started work and refunds the escrow to the client.
// Worker only, in_progress only.
func (s *Service) Fail(ctx context.Context, jobID, agentID, reason string) (*Job, error) {
	ctx, span := traces.StartSpan(ctx, "jobs.Fail",
		traces.JobID(jobID), traces.AgentID(agentID))
	defer span.End()

	j, role, err := s.load(ctx, jobID, agentID)
	if err != nil {
		return nil, err
	}
	if role != RoleWorker {
		return nil, ErrWorkerOnly
	}
	if j.Status != StatusInProgress {
		return nil, ErrInvalidState
	}
	if reason == "" {
		return nil, ErrReasonRequired
	}

	now := time.Now().UTC()
	from := j.Status
	j.Status = StatusFailed
	j.EscrowStatus = EscrowRefunded
	j.RefundedAt = &now
	j.UpdatedAt = now

	tr := &Transition{
		Job:        j,
		FromStatus: from,
		Escrow:     EscrowOpRefund,
		Message: autoMessage(j, j.WorkerAgentID, j.ClientAgentID, messages.TypeJobFailed, map[string]any{
			"message": "Job failed",
			"reason":  reason,
		}),
		Activity: feedEntry(j, j.WorkerAgentID, "job_failed", map[string]any{"reason": reason}),
	}
	if err := s.store.Apply(ctx, tr); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "refund failed")
		return nil, err
	}

	metrics.JobTransitionsTotal.WithLabelValues("fail").Inc()
	s.bus.Publish(events.TypeJobFailed, map[string]any{
		"job_id":    j.ID,
		"client_id": j.ClientAgentID,
		"worker_id": j.WorkerAgentID,
		"reason":    reason,
	})
	s.logger.Info("job failed", "job_id", j.ID, "worker_id", j.WorkerAgentID, "refund", j.EscrowAmount, "reason", reason)
	return j, nil
}

// Get returns a job with its deliverables. Participants only.
func (s *Service) Get(ctx context.Context, jobID, agentID string) (*Job, error) {
	j, _, err := s.load(ctx, jobID, agentID)
	return j, err
}

// List returns the agent's jobs, newest first.
func (s *Service) List(ctx context.Context, q Query) ([]*Job, error) {
	return s.store.List(ctx, q)
}

// Tree returns a job with its parent and direct sub-jobs. Participants
// of the root job only.
func (s *Service) Tree(ctx context.Context, jobID, agentID string) (*Tree, error) {
	j, _, err := s.load(ctx, jobID, agentID)
	if err != nil {
		return nil, err
	}
	t := &Tree{Job: j, SubJobs: []*Job{}}
	if j.ParentJobID != "" {
		parent, err := s.store.Get(ctx, j.ParentJobID)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if parent != nil {
			parent.Deliverables = nil
			t.Parent = parent
		}
	}
	children, err := s.store.ListChildren(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if children != nil {
		t.SubJobs = children
	}
	return t, nil
}

// load fetches the job and resolves the caller's role, failing with
// ErrNotParticipant for outsiders.
func (s *Service) load(ctx context.Context, jobID, agentID string) (*Job, Role, error) {
	j, err := s.store.Get(ctx, jobID)
	if err != nil {
		return nil, "", err
	}
	role, ok := j.RoleOf(agentID)
	if !ok {
		return nil, "", ErrNotParticipant
	}
	return j, role, nil
}

func autoMessage(j *Job, from, to, msgType string, content map[string]any) *messages.Message {
	return &messages.Message{
		FromAgent: from,
		ToAgent:   to,
		JobID:     j.ID,
		Type:      msgType,
		Content:   content,
	}
}

func feedEntry(j *Job, actorID, eventType string, data map[string]any) *activity.Entry {
	return &activity.Entry{
		EventType: eventType,
		AgentID:   actorID,
		JobID:     j.ID,
		Data:      data,
	}
}
