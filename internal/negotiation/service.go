package negotiation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mbd888/agora/internal/agnt"
	"github.com/mbd888/agora/internal/events"
	"github.com/mbd888/agora/internal/idgen"
	"github.com/mbd888/agora/internal/messages"
	"github.com/mbd888/agora/internal/metrics"
)

// Service implements the negotiation state machine.
type Service struct {
	store     Store
	services  ServiceSource
	balances  BalanceSource
	bus       *events.Bus
	inbox     Notifier
	logger    *slog.Logger
	ttl       time.Duration
	maxRounds int
}

// NewService creates a negotiation service with the default deadline
// and round limit.
func NewService(store Store, services ServiceSource, balances BalanceSource, bus *events.Bus, logger *slog.Logger) *Service {
	return &Service{
		store:     store,
		services:  services,
		balances:  balances,
		bus:       bus,
		logger:    logger,
		ttl:       DefaultTTL,
		maxRounds: DefaultMaxRounds,
	}
}

// WithInbox enables inbox notifications on start and agreement.
func (s *Service) WithInbox(n Notifier) *Service {
	s.inbox = n
	return s
}

// WithLimits overrides the negotiation deadline and round limit.
// Non-positive values keep the defaults.
func (s *Service) WithLimits(ttl time.Duration, maxRounds int) *Service {
	if ttl > 0 {
		s.ttl = ttl
	}
	if maxRounds > 0 {
		s.maxRounds = maxRounds
	}
	return s
}

// Start opens a negotiation: the client proposes an initial price for a
// service. The offer must sit inside the service's advertised range and
// under the client's own budget, and the client must currently be able
// to fund it. The balance check is a liveness filter only; nothing is
// reserved until a job is created from the agreed price.
func (s *Service) Start(ctx context.Context, clientID string, req StartRequest) (*Negotiation, error) {
	svc, err := s.services.GetService(ctx, req.ServiceID)
	if err != nil {
		return nil, err
	}
	if !svc.Active {
		return nil, ErrServiceInactive
	}
	if !svc.AllowNegotiation {
		return nil, ErrNotNegotiable
	}
	if svc.AgentID == clientID {
		return nil, ErrSelfNegotiation
	}

	offerVal, ok := agnt.ParsePositive(req.InitialOffer)
	if !ok {
		return nil, ErrPriceOutOfBounds
	}
	price := agnt.Format(offerVal)
	if c, ok := agnt.Cmp(price, svc.MinPrice); !ok || c < 0 {
		return nil, ErrPriceOutOfBounds
	}
	if c, _ := agnt.Cmp(price, svc.MaxPrice); c > 0 {
		return nil, ErrPriceOutOfBounds
	}

	clientMax := ""
	if req.MaxPrice != "" {
		maxVal, ok := agnt.ParsePositive(req.MaxPrice)
		if !ok {
			return nil, ErrOverBudget
		}
		clientMax = agnt.Format(maxVal)
		if c, _ := agnt.Cmp(price, clientMax); c > 0 {
			return nil, ErrOverBudget
		}
	}

	canSpend, err := s.balances.CanSpend(ctx, clientID, price)
	if err != nil {
		return nil, fmt.Errorf("negotiation: balance check: %w", err)
	}
	if !canSpend {
		return nil, ErrInsufficientFunds
	}

	now := time.Now().UTC()
	n := &Negotiation{
		ID:              idgen.WithPrefix("neg_"),
		ServiceID:       svc.ID,
		ClientAgentID:   clientID,
		WorkerAgentID:   svc.AgentID,
		JobDescription:  req.JobDescription,
		Status:          StatusActive,
		CurrentPrice:    price,
		CurrentProposer: RoleClient,
		ServiceMinPrice: svc.MinPrice,
		ServiceMaxPrice: svc.MaxPrice,
		ClientMaxPrice:  clientMax,
		RoundCount:      1,
		MaxRounds:       s.maxRounds,
		ExpiresAt:       now.Add(s.ttl),
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	msg := req.Message
	if msg == "" {
		msg = "Initial offer for: " + req.JobDescription
	}
	opening := &Offer{
		ID:            idgen.WithPrefix("off_"),
		NegotiationID: n.ID,
		AgentID:       clientID,
		Role:          RoleClient,
		Action:        ActionOffer,
		Price:         price,
		Message:       msg,
		CreatedAt:     now,
	}

	if err := s.store.Create(ctx, n, opening); err != nil {
		return nil, err
	}
	n.Offers = []*Offer{opening}

	s.bus.Publish(events.TypeNegotiationStarted, map[string]any{
		"negotiation_id": n.ID,
		"service_id":     n.ServiceID,
		"client_id":      n.ClientAgentID,
		"worker_id":      n.WorkerAgentID,
		"initial_offer":  price,
	})
	s.notify(ctx, clientID, n.WorkerAgentID, messages.TypeNegotiationStarted, map[string]any{
		"negotiation_id":  n.ID,
		"service_id":      n.ServiceID,
		"offered_price":   price,
		"job_description": n.JobDescription,
	})
	return n, nil
}

// Respond applies one turn of the state machine: accept the standing
// price, counter with a new one, or reject outright. Only the party
// not named in current_proposer may act.
func (s *Service) Respond(ctx context.Context, negotiationID, agentID string, req RespondRequest) (*Negotiation, error) {
	n, err := s.store.Get(ctx, negotiationID)
	if err != nil {
		return nil, err
	}
	role, ok := n.RoleOf(agentID)
	if !ok {
		return nil, ErrNotParticipant
	}
	if n.Terminal() {
		return nil, ErrClosed
	}

	now := time.Now().UTC()
	if !now.Before(n.ExpiresAt) {
		s.resolve(ctx, n, StatusExpired, nil, n.RoundCount)
		return nil, ErrExpired
	}
	if n.CurrentProposer == role {
		return nil, ErrNotYourTurn
	}

	// The round observed at read time guards the write below: a racing
	// responder loses with ErrConflict instead of clobbering this turn.
	fromRound := n.RoundCount

	var offer *Offer
	switch req.Action {
	case ActionAccept:
		n.Status = StatusAgreed
		n.AgreedAt = &now
		offer = n.newOffer(agentID, role, ActionAccept, n.CurrentPrice, req.Message, now)

	case ActionCounter:
		if req.CounterPrice == "" {
			return nil, ErrCounterRequired
		}
		price, err := s.validateCounter(ctx, n, role, agentID, req.CounterPrice)
		if err != nil {
			return nil, err
		}
		n.RoundCount++
		if n.RoundCount > n.MaxRounds {
			s.resolve(ctx, n, StatusRejected, nil, fromRound)
			return nil, ErrRoundsExhausted
		}
		n.CurrentPrice = price
		n.CurrentProposer = role
		offer = n.newOffer(agentID, role, ActionCounter, price, req.Message, now)

	case ActionReject:
		n.Status = StatusRejected
		offer = n.newOffer(agentID, role, ActionReject, n.CurrentPrice, req.Message, now)

	default:
		return nil, ErrInvalidAction
	}

	n.UpdatedAt = now
	if err := s.store.Update(ctx, n, offer, fromRound); err != nil {
		return nil, err
	}
	n.Offers = append(n.Offers, offer)

	switch n.Status {
	case StatusAgreed:
		metrics.NegotiationsTotal.WithLabelValues("agreed").Inc()
		metrics.NegotiationRounds.Observe(float64(n.RoundCount))
		s.bus.Publish(events.TypeNegotiationAgreed, map[string]any{
			"negotiation_id": n.ID,
			"service_id":     n.ServiceID,
			"client_id":      n.ClientAgentID,
			"worker_id":      n.WorkerAgentID,
			"agreed_price":   n.CurrentPrice,
			"rounds":         n.RoundCount,
		})
		s.notify(ctx, agentID, n.otherParty(agentID), messages.TypeNegotiationAgreed, map[string]any{
			"negotiation_id": n.ID,
			"agreed_price":   n.CurrentPrice,
		})
	case StatusRejected:
		metrics.NegotiationsTotal.WithLabelValues("rejected").Inc()
		metrics.NegotiationRounds.Observe(float64(n.RoundCount))
		s.bus.Publish(events.TypeNegotiationRejected, map[string]any{
			"negotiation_id": n.ID,
			"client_id":      n.ClientAgentID,
			"worker_id":      n.WorkerAgentID,
		})
	}
	return n, nil
}

// Get returns a negotiation with its history to one of its two
// participants. Reading an overdue active negotiation flips it to
// expired first.
func (s *Service) Get(ctx context.Context, negotiationID, agentID string) (*Negotiation, error) {
	n, err := s.store.Get(ctx, negotiationID)
	if err != nil {
		return nil, err
	}
	if _, ok := n.RoleOf(agentID); !ok {
		return nil, ErrNotParticipant
	}
	if n.Status == StatusActive && !time.Now().Before(n.ExpiresAt) {
		s.resolve(ctx, n, StatusExpired, nil, n.RoundCount)
	}
	return n, nil
}

// ListMine returns negotiations where the agent is either party.
func (s *Service) ListMine(ctx context.Context, agentID string, status Status, limit int) ([]*Negotiation, error) {
	return s.store.ListByAgent(ctx, Query{AgentID: agentID, Status: status, Limit: limit})
}

// CheckExpired sweeps active negotiations past their deadline. Called
// periodically by the Timer; Respond and Get also expire lazily so the
// sweep is a backstop, not a correctness requirement.
func (s *Service) CheckExpired(ctx context.Context) {
	expired, err := s.store.ExpireStale(ctx)
	if err != nil {
		s.logger.Warn("negotiation expiry sweep failed", "error", err)
		return
	}
	for _, n := range expired {
		metrics.NegotiationsTotal.WithLabelValues("expired").Inc()
		s.bus.Publish(events.TypeNegotiationExpired, map[string]any{
			"negotiation_id": n.ID,
			"client_id":      n.ClientAgentID,
			"worker_id":      n.WorkerAgentID,
		})
	}
	if len(expired) > 0 {
		s.logger.Info("expired stale negotiations", "count", len(expired))
	}
}

// validateCounter enforces the bounds and, for client counters, the
// budget and balance constraints. Returns the normalized price.
func (s *Service) validateCounter(ctx context.Context, n *Negotiation, role Role, agentID, counterPrice string) (string, error) {
	val, ok := agnt.ParsePositive(counterPrice)
	if !ok {
		return "", ErrPriceOutOfBounds
	}
	price := agnt.Format(val)
	if c, ok := agnt.Cmp(price, n.ServiceMinPrice); !ok || c < 0 {
		return "", ErrPriceOutOfBounds
	}
	if c, _ := agnt.Cmp(price, n.ServiceMaxPrice); c > 0 {
		return "", ErrPriceOutOfBounds
	}
	if role == RoleClient {
		if n.ClientMaxPrice != "" {
			if c, _ := agnt.Cmp(price, n.ClientMaxPrice); c > 0 {
				return "", ErrOverBudget
			}
		}
		canSpend, err := s.balances.CanSpend(ctx, agentID, price)
		if err != nil {
			return "", fmt.Errorf("negotiation: balance check: %w", err)
		}
		if !canSpend {
			return "", ErrInsufficientFunds
		}
	}
	return price, nil
}

// resolve persists a terminal status outside the normal offer path,
// publishing the matching event. Used for expiry and round exhaustion.
func (s *Service) resolve(ctx context.Context, n *Negotiation, status Status, offer *Offer, fromRound int) {
	prevStatus, prevUpdated := n.Status, n.UpdatedAt
	n.Status = status
	n.UpdatedAt = time.Now().UTC()
	if err := s.store.Update(ctx, n, offer, fromRound); err != nil {
		// Roll the copy back so callers never hand out a terminal status
		// the store has not accepted. The sweep picks it up again later.
		n.Status = prevStatus
		n.UpdatedAt = prevUpdated
		s.logger.Warn("negotiation resolve failed",
			"negotiation_id", n.ID, "status", status, "error", err)
		return
	}
	switch status {
	case StatusExpired:
		metrics.NegotiationsTotal.WithLabelValues("expired").Inc()
		s.bus.Publish(events.TypeNegotiationExpired, map[string]any{
			"negotiation_id": n.ID,
			"client_id":      n.ClientAgentID,
			"worker_id":      n.WorkerAgentID,
		})
	case StatusRejected:
		metrics.NegotiationsTotal.WithLabelValues("rejected").Inc()
		metrics.NegotiationRounds.Observe(float64(n.RoundCount))
		s.bus.Publish(events.TypeNegotiationRejected, map[string]any{
			"negotiation_id": n.ID,
			"client_id":      n.ClientAgentID,
			"worker_id":      n.WorkerAgentID,
		})
	}
}

// notify inserts an inbox message when an inbox is wired. Notification
// failures are logged, never propagated: the negotiation state is the
// source of truth.
func (s *Service) notify(ctx context.Context, from, to, msgType string, content map[string]any) {
	if s.inbox == nil {
		return
	}
	err := s.inbox.Insert(ctx, &messages.Message{
		FromAgent: from,
		ToAgent:   to,
		Type:      msgType,
		Content:   content,
	})
	if err != nil {
		s.logger.Warn("negotiation notification failed", "to", to, "type", msgType, "error", err)
	}
}

func (n *Negotiation) newOffer(agentID string, role Role, action, price, message string, at time.Time) *Offer {
	return &Offer{
		ID:            idgen.WithPrefix("off_"),
		NegotiationID: n.ID,
		AgentID:       agentID,
		Role:          role,
		Action:        action,
		Price:         price,
		Message:       message,
		CreatedAt:     at,
	}
}

func (n *Negotiation) otherParty(agentID string) string {
	if agentID == n.ClientAgentID {
		return n.WorkerAgentID
	}
	return n.ClientAgentID
}
