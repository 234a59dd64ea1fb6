package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agora/internal/auth"
	"github.com/mbd888/agora/internal/events"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testEnv struct {
	router *gin.Engine
	store  *MemoryStore
	bus    *events.Bus
}

// newTestEnv wires the handler the way the server does, with a stand-in
// auth layer that trusts the X-Test-Agent header.
func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	store := NewMemoryStore()
	bus := events.NewBus()
	t.Cleanup(bus.Close)

	h := NewHandler(store, bus)
	r := gin.New()
	r.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Test-Agent"); id != "" {
			auth.SetAgentID(c, id)
		}
	})
	v1 := r.Group("/v1")
	h.RegisterPublicRoutes(v1)
	h.RegisterAuthedRoutes(v1)

	return &testEnv{router: r, store: store, bus: bus}
}

func (e *testEnv) do(method, path string, body any, agentID string) *httptest.ResponseRecorder {
	var rdr io.Reader
	if body != nil {
		b, _ := json.Marshal(body)
		rdr = bytes.NewReader(b)
	}
	req := httptest.NewRequest(method, path, rdr)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if agentID != "" {
		req.Header.Set("X-Test-Agent", agentID)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Detail struct {
			Code string `json:"code"`
		} `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "body: %s", w.Body.String())
	return resp.Detail.Code
}

// registerAgent drives the real endpoint and returns the created agent ID.
func (e *testEnv) registerAgent(t *testing.T, name string) string {
	t.Helper()
	w := e.do("POST", "/v1/agents", gin.H{"name": name}, "")
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())
	var resp struct {
		Agent Agent `json:"agent"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Agent.ID
}

func TestRegisterAgent(t *testing.T) {
	env := newTestEnv(t)

	w := env.do("POST", "/v1/agents", gin.H{
		"name":           "translator-bot",
		"description":    "Fast translation",
		"capabilities":   []string{"translation", "summarization"},
		"wallet_address": "0xAbCd000000000000000000000000000000001234",
	}, "")
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())

	var resp struct {
		Agent  Agent  `json:"agent"`
		APIKey string `json:"api_key"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))

	assert.True(t, strings.HasPrefix(resp.APIKey, "sk_"), "api key should carry the sk_ prefix")
	assert.NotEmpty(t, resp.Agent.ID)
	assert.Equal(t, "translator-bot", resp.Agent.Name)
	assert.Equal(t, StatusAvailable, resp.Agent.Status)
	assert.Equal(t, "0.00000000", resp.Agent.TotalEarned)

	// The digest must never appear in any response body.
	assert.NotContains(t, w.Body.String(), auth.Digest(resp.APIKey))

	// The returned key authenticates as the new agent.
	id, err := env.store.AgentIDByKeyDigest(context.Background(), auth.Digest(resp.APIKey))
	require.NoError(t, err)
	assert.Equal(t, resp.Agent.ID, id)
}

func TestRegisterAgent_PublishesEvent(t *testing.T) {
	env := newTestEnv(t)
	sub := env.bus.Subscribe()
	defer sub.Close()

	env.registerAgent(t, "event-bot")

	select {
	case ev := <-sub.C():
		assert.Equal(t, events.TypeAgentRegistered, ev.Type)
		assert.Equal(t, "event-bot", ev.Data["name"])
	default:
		t.Fatal("expected an agent_registered event")
	}
}

func TestRegisterAgent_Validation(t *testing.T) {
	env := newTestEnv(t)
	env.registerAgent(t, "taken-name")

	cases := []struct {
		name       string
		body       gin.H
		wantStatus int
		wantCode   string
	}{
		{"missing name", gin.H{"description": "no name"}, http.StatusBadRequest, "invalid_request"},
		{"uppercase name", gin.H{"name": "BadName"}, http.StatusBadRequest, "validation_error"},
		{"name too short", gin.H{"name": "ab"}, http.StatusBadRequest, "validation_error"},
		{"name with spaces", gin.H{"name": "bad name"}, http.StatusBadRequest, "validation_error"},
		{"invalid wallet", gin.H{"name": "wallet-bot", "wallet_address": "0x123"}, http.StatusBadRequest, "validation_error"},
		{"duplicate name", gin.H{"name": "taken-name"}, http.StatusConflict, "name_taken"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do("POST", "/v1/agents", tc.body, "")
			assert.Equal(t, tc.wantStatus, w.Code, "body: %s", w.Body.String())
			assert.Equal(t, tc.wantCode, errCode(t, w))
		})
	}
}

func TestGetAgent(t *testing.T) {
	env := newTestEnv(t)
	id := env.registerAgent(t, "lookup-bot")

	w := env.do("GET", "/v1/agents/"+id, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var agent Agent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &agent))
	assert.Equal(t, "lookup-bot", agent.Name)

	w = env.do("GET", "/v1/agents/does-not-exist", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", errCode(t, w))
}

func TestListAgents(t *testing.T) {
	env := newTestEnv(t)
	busyID := env.registerAgent(t, "busy-bot")
	env.registerAgent(t, "idle-bot")
	require.NoError(t, env.store.UpdateAgentStatus(context.Background(), busyID, StatusBusy))

	w := env.do("GET", "/v1/agents?status=busy", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Agents []Agent `json:"agents"`
		Count  int     `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, busyID, resp.Agents[0].ID)

	w = env.do("GET", "/v1/agents?status=sleeping", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_status", errCode(t, w))

	w = env.do("GET", "/v1/agents?min_reputation=9", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOwnProfile(t *testing.T) {
	env := newTestEnv(t)
	id := env.registerAgent(t, "self-bot")

	w := env.do("GET", "/v1/agents/me", nil, id)
	require.Equal(t, http.StatusOK, w.Code)
	var agent Agent
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &agent))
	assert.Equal(t, id, agent.ID)

	w = env.do("PATCH", "/v1/agents/me", gin.H{
		"description":  "updated",
		"capabilities": []string{"code-review"},
	}, id)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &agent))
	assert.Equal(t, "updated", agent.Description)
	assert.Equal(t, []string{"code-review"}, agent.Capabilities)

	// Unspecified fields survive a partial update.
	assert.Equal(t, "self-bot", agent.Name)
	assert.Equal(t, StatusAvailable, agent.Status)

	w = env.do("PATCH", "/v1/agents/me", gin.H{"wallet_address": "nonsense"}, id)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", errCode(t, w))
}

func TestUpdateOwnStatus(t *testing.T) {
	env := newTestEnv(t)
	id := env.registerAgent(t, "status-bot")

	sub := env.bus.Subscribe()
	defer sub.Close()

	w := env.do("PUT", "/v1/agents/me/status", gin.H{"status": "busy"}, id)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	got, err := env.store.GetAgent(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, StatusBusy, got.Status)

	select {
	case ev := <-sub.C():
		assert.Equal(t, events.TypeAgentStatusChanged, ev.Type)
		assert.Equal(t, "busy", ev.Data["status"])
	default:
		t.Fatal("expected an agent_status_changed event")
	}

	w = env.do("PUT", "/v1/agents/me/status", gin.H{"status": "sleeping"}, id)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_status", errCode(t, w))
}

func TestCreateService(t *testing.T) {
	env := newTestEnv(t)
	id := env.registerAgent(t, "seller-bot")

	w := env.do("POST", "/v1/services", gin.H{
		"name":         "Text Translation",
		"service_type": "translation",
		"output_type":  "text",
		"min_price":    "1",
		"max_price":    "5.5",
	}, id)
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())

	var svc Service
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &svc))
	assert.Equal(t, id, svc.AgentID)
	assert.Equal(t, "1.00000000", svc.MinPrice, "prices are normalized to 8 decimals")
	assert.Equal(t, "5.50000000", svc.MaxPrice)
	assert.True(t, svc.AllowNegotiation, "negotiation defaults on")
	assert.Equal(t, 5, svc.MaxConcurrent)
	assert.True(t, svc.Active)
}

func TestCreateService_Validation(t *testing.T) {
	env := newTestEnv(t)
	id := env.registerAgent(t, "strict-bot")

	valid := gin.H{
		"name":         "Summaries",
		"service_type": "summarization",
		"output_type":  "text",
		"min_price":    "1",
		"max_price":    "2",
	}
	override := func(k string, v any) gin.H {
		out := gin.H{}
		for key, val := range valid {
			out[key] = val
		}
		out[k] = v
		return out
	}

	cases := []struct {
		name     string
		body     gin.H
		wantCode string
	}{
		{"min above max", override("min_price", "3"), "invalid_price"},
		{"zero price", override("min_price", "0"), "validation_error"},
		{"negative price", override("max_price", "-1"), "validation_error"},
		{"too many decimals", override("min_price", "1.123456789"), "validation_error"},
		{"unknown output type", override("output_type", "hologram"), "validation_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := env.do("POST", "/v1/services", tc.body, id)
			assert.Equal(t, http.StatusBadRequest, w.Code, "body: %s", w.Body.String())
			assert.Equal(t, tc.wantCode, errCode(t, w))
		})
	}
}

func TestUpdateService_Ownership(t *testing.T) {
	env := newTestEnv(t)
	alice := env.registerAgent(t, "alice-bot")
	bob := env.registerAgent(t, "bob-bot")

	w := env.do("POST", "/v1/services", gin.H{
		"name":         "Review",
		"service_type": "code_review",
		"output_type":  "text",
		"min_price":    "2",
		"max_price":    "4",
	}, alice)
	require.Equal(t, http.StatusCreated, w.Code)
	var svc Service
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &svc))

	w = env.do("PATCH", "/v1/services/"+svc.ID, gin.H{"name": "Deep Review"}, bob)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", errCode(t, w))

	w = env.do("PATCH", "/v1/services/"+svc.ID, gin.H{"name": "Deep Review", "max_price": "6"}, alice)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &svc))
	assert.Equal(t, "Deep Review", svc.Name)
	assert.Equal(t, "6.00000000", svc.MaxPrice)

	w = env.do("PATCH", "/v1/services/"+svc.ID, gin.H{"min_price": "10"}, alice)
	assert.Equal(t, http.StatusBadRequest, w.Code, "min above stored max must be rejected")

	w = env.do("PATCH", "/v1/services/missing", gin.H{"name": "x"}, alice)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeactivateService(t *testing.T) {
	env := newTestEnv(t)
	id := env.registerAgent(t, "retiring-bot")

	w := env.do("POST", "/v1/services", gin.H{
		"name":         "Old Service",
		"service_type": "translation",
		"output_type":  "text",
		"min_price":    "1",
		"max_price":    "2",
	}, id)
	require.Equal(t, http.StatusCreated, w.Code)
	var svc Service
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &svc))

	w = env.do("DELETE", "/v1/services/"+svc.ID, nil, id)
	require.Equal(t, http.StatusNoContent, w.Code)

	// Hidden from browse but still fetchable: completed jobs keep
	// pointing at it.
	w = env.do("GET", "/v1/services", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var list struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &list))
	assert.Equal(t, 0, list.Count)

	w = env.do("GET", "/v1/services/"+svc.ID, nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &svc))
	assert.False(t, svc.Active)

	// The owner can still see it in their own listing.
	w = env.do("GET", "/v1/agents/"+id+"/services?include_inactive=true", nil, id)
	require.Equal(t, http.StatusOK, w.Code)
	var owned struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &owned))
	assert.Equal(t, 1, owned.Count)
}

func TestListServices_Filters(t *testing.T) {
	env := newTestEnv(t)
	id := env.registerAgent(t, "multi-bot")

	for _, svc := range []gin.H{
		{"name": "Translate", "service_type": "translation", "output_type": "text", "min_price": "1", "max_price": "3"},
		{"name": "Generate Code", "service_type": "code_generation", "output_type": "code", "min_price": "10", "max_price": "20"},
	} {
		w := env.do("POST", "/v1/services", svc, id)
		require.Equal(t, http.StatusCreated, w.Code)
	}

	w := env.do("GET", "/v1/services?service_type=translation", nil, "")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Services []Service `json:"services"`
		Count    int       `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Count)
	assert.Equal(t, "Translate", resp.Services[0].Name)

	w = env.do("GET", "/v1/services?max_price=5", nil, "")
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count, "budget cap should exclude the expensive service")

	w = env.do("GET", "/v1/services?max_price=nonsense", nil, "")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", errCode(t, w))
}

func TestListAgentServices_UnknownAgent(t *testing.T) {
	env := newTestEnv(t)
	w := env.do("GET", "/v1/agents/ghost/services", nil, "")
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", errCode(t, w))
}
