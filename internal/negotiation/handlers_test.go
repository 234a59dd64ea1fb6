package negotiation

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mbd888/agora/internal/auth"
	"github.com/mbd888/agora/internal/events"
	"github.com/mbd888/agora/internal/registry"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type httpEnv struct {
	router *gin.Engine
	funds  map[string]string
}

func newHTTPEnv(t *testing.T) *httpEnv {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	funds := map[string]string{"agent-client": "100"}

	services := &fakeServices{svcs: map[string]*registry.Service{
		"svc-1": {
			ID:               "svc-1",
			AgentID:          "agent-worker",
			MinPrice:         "10",
			MaxPrice:         "20",
			AllowNegotiation: true,
			Active:           true,
		},
		"svc-fixed": {
			ID:               "svc-fixed",
			AgentID:          "agent-worker",
			MinPrice:         "5",
			MaxPrice:         "5",
			AllowNegotiation: false,
			Active:           true,
		},
	}}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewService(NewMemoryStore(), services, &fakeBalances{funds: funds}, bus, logger)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Test-Agent"); id != "" {
			auth.SetAgentID(c, id)
		}
	})
	NewHandler(svc).RegisterRoutes(r.Group("/v1"))

	return &httpEnv{router: r, funds: funds}
}

func (e *httpEnv) do(method, path string, body any, agentID string) *httptest.ResponseRecorder {
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

func (e *httpEnv) errCode(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp struct {
		Detail struct {
			Code string `json:"code"`
		} `json:"detail"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "body: %s", w.Body.String())
	return resp.Detail.Code
}

func decodeNegotiation(t *testing.T, w *httptest.ResponseRecorder) *Negotiation {
	t.Helper()
	var resp struct {
		Negotiation *Negotiation `json:"negotiation"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp), "body: %s", w.Body.String())
	require.NotNil(t, resp.Negotiation)
	return resp.Negotiation
}

// startNegotiation opens a negotiation over HTTP and returns its ID.
func (e *httpEnv) startNegotiation(t *testing.T, offer string) string {
	t.Helper()
	w := e.do(http.MethodPost, "/v1/negotiations", gin.H{
		"service_id":      "svc-1",
		"job_description": "translate onboarding docs",
		"initial_offer":   offer,
	}, "agent-client")
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())
	return decodeNegotiation(t, w).ID
}

func TestStartNegotiationHTTP(t *testing.T) {
	env := newHTTPEnv(t)

	w := env.do(http.MethodPost, "/v1/negotiations", gin.H{
		"service_id":      "svc-1",
		"job_description": "translate onboarding docs",
		"initial_offer":   "12",
		"max_price":       "15",
	}, "agent-client")
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())

	n := decodeNegotiation(t, w)
	assert.Equal(t, StatusActive, n.Status)
	assert.Equal(t, "12.00000000", n.CurrentPrice)
	assert.Equal(t, "15.00000000", n.ClientMaxPrice)
	assert.Equal(t, RoleClient, n.CurrentProposer)
	assert.Equal(t, 1, n.RoundCount)
	assert.WithinDuration(t, time.Now().Add(DefaultTTL), n.ExpiresAt, time.Minute)
	require.Len(t, n.Offers, 1)
	assert.Equal(t, ActionOffer, n.Offers[0].Action)
}

func TestStartNegotiationHTTP_Validation(t *testing.T) {
	env := newHTTPEnv(t)

	tests := []struct {
		name string
		body gin.H
	}{
		{"missing service", gin.H{"job_description": "x", "initial_offer": "12"}},
		{"missing description", gin.H{"service_id": "svc-1", "initial_offer": "12"}},
		{"missing offer", gin.H{"service_id": "svc-1", "job_description": "x"}},
		{"malformed offer", gin.H{"service_id": "svc-1", "job_description": "x", "initial_offer": "12,5"}},
		{"malformed budget", gin.H{"service_id": "svc-1", "job_description": "x", "initial_offer": "12", "max_price": "abc"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/v1/negotiations", tt.body, "agent-client")
			require.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "validation_error", env.errCode(t, w))
		})
	}
}

func TestStartNegotiationHTTP_ErrorMapping(t *testing.T) {
	env := newHTTPEnv(t)

	tests := []struct {
		name     string
		agent    string
		body     gin.H
		wantCode int
		wantErr  string
	}{
		{"unknown service", "agent-client",
			gin.H{"service_id": "svc-ghost", "job_description": "x", "initial_offer": "12"},
			http.StatusNotFound, "not_found"},
		{"negotiation disabled", "agent-client",
			gin.H{"service_id": "svc-fixed", "job_description": "x", "initial_offer": "5"},
			http.StatusBadRequest, "invalid_request"},
		{"own service", "agent-worker",
			gin.H{"service_id": "svc-1", "job_description": "x", "initial_offer": "12"},
			http.StatusBadRequest, "invalid_request"},
		{"offer out of bounds", "agent-client",
			gin.H{"service_id": "svc-1", "job_description": "x", "initial_offer": "25"},
			http.StatusBadRequest, "invalid_price"},
		{"offer over budget", "agent-client",
			gin.H{"service_id": "svc-1", "job_description": "x", "initial_offer": "15", "max_price": "12"},
			http.StatusBadRequest, "invalid_price"},
		{"cannot fund offer", "agent-broke",
			gin.H{"service_id": "svc-1", "job_description": "x", "initial_offer": "12"},
			http.StatusPaymentRequired, "insufficient_funds"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, "/v1/negotiations", tt.body, tt.agent)
			require.Equal(t, tt.wantCode, w.Code, "body: %s", w.Body.String())
			assert.Equal(t, tt.wantErr, env.errCode(t, w))
		})
	}
}

func TestRespondHTTP_Flow(t *testing.T) {
	env := newHTTPEnv(t)
	id := env.startNegotiation(t, "12")

	// Worker counters.
	w := env.do(http.MethodPost, "/v1/negotiations/"+id+"/respond", gin.H{
		"action":        ActionCounter,
		"counter_price": "18",
		"message":       "18 given the timeline",
	}, "agent-worker")
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	n := decodeNegotiation(t, w)
	assert.Equal(t, StatusActive, n.Status)
	assert.Equal(t, "18.00000000", n.CurrentPrice)
	assert.Equal(t, 2, n.RoundCount)

	// Client accepts.
	w = env.do(http.MethodPost, "/v1/negotiations/"+id+"/respond", gin.H{
		"action": ActionAccept,
	}, "agent-client")
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	n = decodeNegotiation(t, w)
	assert.Equal(t, StatusAgreed, n.Status)
	assert.NotNil(t, n.AgreedAt)
	assert.Equal(t, "18.00000000", n.CurrentPrice)
}

func TestRespondHTTP_Errors(t *testing.T) {
	env := newHTTPEnv(t)
	id := env.startNegotiation(t, "12")

	tests := []struct {
		name     string
		path     string
		agent    string
		body     gin.H
		wantCode int
		wantErr  string
	}{
		{"unknown negotiation", "/v1/negotiations/neg_missing/respond", "agent-client",
			gin.H{"action": ActionAccept}, http.StatusNotFound, "not_found"},
		{"stranger", "/v1/negotiations/" + id + "/respond", "agent-snoop",
			gin.H{"action": ActionAccept}, http.StatusNotFound, "not_found"},
		{"not your turn", "/v1/negotiations/" + id + "/respond", "agent-client",
			gin.H{"action": ActionAccept}, http.StatusBadRequest, "invalid_status"},
		{"counter without price", "/v1/negotiations/" + id + "/respond", "agent-worker",
			gin.H{"action": ActionCounter}, http.StatusBadRequest, "invalid_request"},
		{"counter out of bounds", "/v1/negotiations/" + id + "/respond", "agent-worker",
			gin.H{"action": ActionCounter, "counter_price": "30"}, http.StatusBadRequest, "invalid_price"},
		{"unsupported action", "/v1/negotiations/" + id + "/respond", "agent-worker",
			gin.H{"action": "ponder"}, http.StatusBadRequest, "validation_error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := env.do(http.MethodPost, tt.path, tt.body, tt.agent)
			require.Equal(t, tt.wantCode, w.Code, "body: %s", w.Body.String())
			assert.Equal(t, tt.wantErr, env.errCode(t, w))
		})
	}
}

func TestGetNegotiationHTTP(t *testing.T) {
	env := newHTTPEnv(t)
	id := env.startNegotiation(t, "12")

	for _, agent := range []string{"agent-client", "agent-worker"} {
		w := env.do(http.MethodGet, "/v1/negotiations/"+id, nil, agent)
		require.Equal(t, http.StatusOK, w.Code)
		n := decodeNegotiation(t, w)
		assert.Equal(t, id, n.ID)
		assert.Len(t, n.Offers, 1)
	}

	// Outsiders cannot tell the negotiation exists.
	w := env.do(http.MethodGet, "/v1/negotiations/"+id, nil, "agent-snoop")
	require.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", env.errCode(t, w))
}

func TestListNegotiationsHTTP(t *testing.T) {
	env := newHTTPEnv(t)
	first := env.startNegotiation(t, "12")
	second := env.startNegotiation(t, "14")

	w := env.do(http.MethodPost, "/v1/negotiations/"+second+"/respond", gin.H{
		"action": ActionAccept,
	}, "agent-worker")
	require.Equal(t, http.StatusOK, w.Code)

	w = env.do(http.MethodGet, "/v1/negotiations", nil, "agent-client")
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Negotiations []*Negotiation `json:"negotiations"`
		Count        int            `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)

	w = env.do(http.MethodGet, "/v1/negotiations?status=agreed", nil, "agent-worker")
	require.Equal(t, http.StatusOK, w.Code)
	resp.Negotiations = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Negotiations, 1)
	assert.Equal(t, second, resp.Negotiations[0].ID)

	w = env.do(http.MethodGet, "/v1/negotiations?status=haggling", nil, "agent-client")
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", env.errCode(t, w))
	_ = first
}
