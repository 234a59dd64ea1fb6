package discovery

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agora/internal/registry"
)

func seedMarket(t *testing.T) *registry.MemoryStore {
	t.Helper()
	ctx := context.Background()
	reg := registry.NewMemoryStore()

	for _, a := range []*registry.Agent{
		{ID: "agent-ace", Name: "ace", KeyDigest: "digest-ace",
			Status: registry.StatusAvailable, ReputationScore: 5.0, JobsCompleted: 12},
		{ID: "agent-mid", Name: "mid", KeyDigest: "digest-mid",
			Status: registry.StatusBusy, ReputationScore: 4.0, JobsCompleted: 3},
		{ID: "agent-new", Name: "newcomer", KeyDigest: "digest-new",
			Status: registry.StatusOffline},
	} {
		require.NoError(t, reg.CreateAgent(ctx, a))
	}

	for _, svc := range []*registry.Service{
		{ID: "svc-translate-cheap", AgentID: "agent-ace", Name: "Budget Translation",
			Description: "Fast and affordable translations", ServiceType: "translation",
			OutputType: "text", MinPrice: "5", MaxPrice: "10", Active: true},
		{ID: "svc-translate-pro", AgentID: "agent-mid", Name: "Pro Translation",
			Description: "Certified translators", ServiceType: "translation",
			OutputType: "text", MinPrice: "20", MaxPrice: "30", Active: true},
		{ID: "svc-write", AgentID: "agent-new", Name: "Blog Writing",
			Description: "SEO blog posts", ServiceType: "writing",
			OutputType: "text", MinPrice: "10", MaxPrice: "20", Active: true},
		{ID: "svc-dead", AgentID: "agent-ace", Name: "Retired Translation",
			ServiceType: "translation", OutputType: "text",
			MinPrice: "1", MaxPrice: "2", Active: false},
	} {
		require.NoError(t, reg.CreateService(ctx, svc))
	}
	return reg
}

func ids(results []Result) []string {
	out := make([]string, 0, len(results))
	for _, r := range results {
		out = append(out, r.ServiceID)
	}
	return out
}

func TestSearchRanksAll(t *testing.T) {
	e := NewEngine(seedMarket(t))

	results, err := e.Search(context.Background(), Query{})
	require.NoError(t, err)

	// Inactive services never surface; the strongest agent leads.
	assert.Equal(t, []string{"svc-translate-cheap", "svc-translate-pro", "svc-write"}, ids(results))
	assert.Equal(t, 40.0, results[0].MatchScore)
	assert.Contains(t, results[0].MatchReason, "highly rated")
	assert.Contains(t, results[0].MatchReason, "proven track record")
	assert.Contains(t, results[0].MatchReason, "available now")
	assert.Equal(t, 20.0, results[1].MatchScore)
	assert.Equal(t, "ace", results[0].AgentName)
	assert.Equal(t, registry.StatusAvailable, results[0].AgentStatus)
}

func TestSearchTypeFilter(t *testing.T) {
	e := NewEngine(seedMarket(t))

	results, err := e.Search(context.Background(), Query{ServiceType: "translation"})
	require.NoError(t, err)

	require.Len(t, results, 2)
	for _, r := range results {
		assert.Equal(t, "translation", r.ServiceType)
		assert.Contains(t, r.MatchReason, "matches service type")
	}
	assert.Equal(t, 70.0, results[0].MatchScore)
}

func TestSearchKeyword(t *testing.T) {
	e := NewEngine(seedMarket(t))
	ctx := context.Background()

	results, err := e.Search(ctx, Query{Keyword: "blog"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "svc-write", results[0].ServiceID)
	assert.Contains(t, results[0].MatchReason, "matches keyword")

	// Case-insensitive, matches names too.
	results, err = e.Search(ctx, Query{Keyword: "TRANSLATION"})
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSearchBudget(t *testing.T) {
	e := NewEngine(seedMarket(t))

	results, err := e.Search(context.Background(), Query{MaxPrice: "15"})
	require.NoError(t, err)

	assert.Equal(t, []string{"svc-translate-cheap", "svc-write"}, ids(results))
	for _, r := range results {
		assert.Contains(t, r.MatchReason, "within budget")
	}
}

func TestSearchMinReputation(t *testing.T) {
	e := NewEngine(seedMarket(t))

	results, err := e.Search(context.Background(), Query{MinReputation: 4.5})
	require.NoError(t, err)

	require.Len(t, results, 1)
	assert.Equal(t, "svc-translate-cheap", results[0].ServiceID)
	assert.Equal(t, 5.0, results[0].Reputation)
}

func TestSearchSortPrice(t *testing.T) {
	e := NewEngine(seedMarket(t))

	results, err := e.Search(context.Background(), Query{Sort: SortPrice})
	require.NoError(t, err)

	assert.Equal(t, []string{"svc-translate-cheap", "svc-write", "svc-translate-pro"}, ids(results))
}

func TestSearchSortReputation(t *testing.T) {
	e := NewEngine(seedMarket(t))

	results, err := e.Search(context.Background(), Query{Sort: SortReputation})
	require.NoError(t, err)

	assert.Equal(t, []string{"svc-translate-cheap", "svc-translate-pro", "svc-write"}, ids(results))
	assert.Equal(t, 5.0, results[0].Reputation)
	assert.Equal(t, 4.0, results[1].Reputation)
}

func TestSearchPagination(t *testing.T) {
	e := NewEngine(seedMarket(t))
	ctx := context.Background()

	page, err := e.Search(ctx, Query{Sort: SortPrice, Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"svc-write"}, ids(page))

	empty, err := e.Search(ctx, Query{Offset: 10})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestIsValidSort(t *testing.T) {
	assert.True(t, IsValidSort(""))
	assert.True(t, IsValidSort(SortPrice))
	assert.True(t, IsValidSort(SortReputation))
	assert.False(t, IsValidSort("popular"))
}
