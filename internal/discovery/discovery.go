// Package discovery ranks marketplace services for hire.
//
// Search is structured: callers pass explicit filters and a sort
// preference, the engine delegates what the registry can filter on,
// joins in the owning agent, and scores the rest with plain rules.
package discovery

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/mbd888/agora/internal/agnt"
	"github.com/mbd888/agora/internal/registry"
)

// Sort orders.
const (
	SortRelevance  = ""
	SortPrice      = "price"
	SortReputation = "reputation"
)

// IsValidSort reports whether s is a recognized sort order.
func IsValidSort(s string) bool {
	return s == SortRelevance || s == SortPrice || s == SortReputation
}

// candidateCap bounds how many services one search will rank.
const candidateCap = 500

// Query is a structured search over active services.
type Query struct {
	ServiceType   string
	OutputType    string
	Keyword       string  // substring match on name and description
	MaxPrice      string  // budget ceiling against the service floor price
	MinReputation float64 // 0..5
	Sort          string
	Limit         int
	Offset        int
}

// Result is one ranked service with its owning agent pulled in.
type Result struct {
	ServiceID        string  `json:"service_id"`
	ServiceName      string  `json:"service_name"`
	ServiceType      string  `json:"service_type"`
	Description      string  `json:"description,omitempty"`
	OutputType       string  `json:"output_type"`
	MinPrice         string  `json:"min_price"`
	MaxPrice         string  `json:"max_price"`
	AllowNegotiation bool    `json:"allow_negotiation"`
	AgentID          string  `json:"agent_id"`
	AgentName        string  `json:"agent_name"`
	AgentStatus      string  `json:"agent_status"`
	Reputation       float64 `json:"reputation_score"`
	JobsCompleted    int64   `json:"jobs_completed"`
	MatchScore       float64 `json:"match_score"`
	MatchReason      string  `json:"match_reason,omitempty"`
}

// Source is the registry surface the engine reads.
type Source interface {
	ListServices(ctx context.Context, q registry.ServiceQuery) ([]*registry.Service, error)
	GetAgent(ctx context.Context, id string) (*registry.Agent, error)
}

// Engine ranks services against structured queries.
type Engine struct {
	src Source
}

// NewEngine creates a discovery engine over the registry.
func NewEngine(src Source) *Engine {
	return &Engine{src: src}
}

// Search returns active services matching the query, ranked by the
// requested order. Pagination applies after ranking so page boundaries
// follow the final order, not the registry's.
func (e *Engine) Search(ctx context.Context, q Query) ([]Result, error) {
	services, err := e.src.ListServices(ctx, registry.ServiceQuery{
		ServiceType: q.ServiceType,
		OutputType:  q.OutputType,
		Search:      q.Keyword,
		MaxPrice:    q.MaxPrice,
		ActiveOnly:  true,
		Limit:       candidateCap,
	})
	if err != nil {
		return nil, err
	}

	agents := make(map[string]*registry.Agent)
	results := make([]Result, 0, len(services))
	for _, svc := range services {
		agent, ok := agents[svc.AgentID]
		if !ok {
			agent, err = e.src.GetAgent(ctx, svc.AgentID)
			if errors.Is(err, registry.ErrAgentNotFound) {
				continue
			}
			if err != nil {
				return nil, err
			}
			agents[svc.AgentID] = agent
		}
		if agent.ReputationScore < q.MinReputation {
			continue
		}

		score, reason := scoreMatch(agent, q)
		results = append(results, Result{
			ServiceID:        svc.ID,
			ServiceName:      svc.Name,
			ServiceType:      svc.ServiceType,
			Description:      svc.Description,
			OutputType:       svc.OutputType,
			MinPrice:         svc.MinPrice,
			MaxPrice:         svc.MaxPrice,
			AllowNegotiation: svc.AllowNegotiation,
			AgentID:          agent.ID,
			AgentName:        agent.Name,
			AgentStatus:      agent.Status,
			Reputation:       agent.ReputationScore,
			JobsCompleted:    agent.JobsCompleted,
			MatchScore:       score,
			MatchReason:      reason,
		})
	}

	sortResults(results, q.Sort)
	return page(results, q.Offset, q.Limit), nil
}

// scoreMatch weighs how well a service fits: explicit filter hits count
// most, then the agent's standing.
func scoreMatch(agent *registry.Agent, q Query) (float64, string) {
	score := 20.0
	var reasons []string

	if q.ServiceType != "" {
		score += 30
		reasons = append(reasons, "matches service type")
	}
	if q.Keyword != "" {
		score += 20
		reasons = append(reasons, "matches keyword")
	}
	if q.MaxPrice != "" {
		score += 15
		reasons = append(reasons, "within budget")
	}
	if agent.ReputationScore >= 4.5 {
		score += 10
		reasons = append(reasons, "highly rated")
	}
	if agent.JobsCompleted >= 10 {
		score += 5
		reasons = append(reasons, "proven track record")
	}
	if agent.Status == registry.StatusAvailable {
		score += 5
		reasons = append(reasons, "available now")
	}

	return score, strings.Join(reasons, "; ")
}

func sortResults(results []Result, order string) {
	sort.SliceStable(results, func(i, j int) bool {
		a, b := results[i], results[j]
		switch order {
		case SortPrice:
			if cmp, ok := agnt.Cmp(a.MinPrice, b.MinPrice); ok && cmp != 0 {
				return cmp < 0
			}
		case SortReputation:
			if a.Reputation != b.Reputation {
				return a.Reputation > b.Reputation
			}
			if a.JobsCompleted != b.JobsCompleted {
				return a.JobsCompleted > b.JobsCompleted
			}
		default:
			if a.MatchScore != b.MatchScore {
				return a.MatchScore > b.MatchScore
			}
			if a.Reputation != b.Reputation {
				return a.Reputation > b.Reputation
			}
		}
		return a.ServiceID < b.ServiceID
	})
}

func page(results []Result, offset, limit int) []Result {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	if offset >= len(results) {
		return []Result{}
	}
	end := offset + limit
	if end > len(results) {
		end = len(results)
	}
	return results[offset:end]
}
