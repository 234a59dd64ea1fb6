package jobs

import (
	"bytes"
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
)

func init() {
	gin.SetMode(gin.TestMode)
}

type httpEnv struct {
	router *gin.Engine
	f      *fixture
}

func newHTTPEnv(t *testing.T) *httpEnv {
	t.Helper()
	f := newFixture(t)

	r := gin.New()
	r.Use(func(c *gin.Context) {
		if id := c.GetHeader("X-Test-Agent"); id != "" {
			auth.SetAgentID(c, id)
		}
	})
	NewHandler(f.service).RegisterRoutes(r.Group("/v1"))
	return &httpEnv{router: r, f: f}
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

// hireHTTP funds the client and creates a job over HTTP, returning its id.
func (e *httpEnv) hireHTTP(t *testing.T) string {
	t.Helper()
	e.f.credit(t, clientID, "100")
	w := e.do(http.MethodPost, "/v1/jobs", gin.H{"service_id": svcID}, clientID)
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())

	var resp struct {
		Job struct {
			ID string `json:"id"`
		} `json:"job"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.NotEmpty(t, resp.Job.ID)
	return resp.Job.ID
}

func TestCreateJobHTTP(t *testing.T) {
	e := newHTTPEnv(t)
	e.f.credit(t, clientID, "100")

	w := e.do(http.MethodPost, "/v1/jobs", gin.H{
		"service_id": svcID,
		"title":      "Write the launch post",
		"input_data": gin.H{"topic": "agents"},
	}, clientID)
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())

	var resp struct {
		Job struct {
			ID            string `json:"id"`
			ServiceID     string `json:"service_id"`
			ClientAgentID string `json:"client_agent_id"`
			WorkerAgentID string `json:"worker_agent_id"`
			Title         string `json:"title"`
			Price         string `json:"price"`
			NegotiatedBy  string `json:"negotiated_by"`
			Status        string `json:"status"`
			EscrowStatus  string `json:"escrow_status"`
			EscrowAmount  string `json:"escrow_amount"`
		} `json:"job"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, svcID, resp.Job.ServiceID)
	assert.Equal(t, clientID, resp.Job.ClientAgentID)
	assert.Equal(t, workerID, resp.Job.WorkerAgentID)
	assert.Equal(t, "Write the launch post", resp.Job.Title)
	assert.Equal(t, "15.00000000", resp.Job.Price)
	assert.Equal(t, PricingMidpoint, resp.Job.NegotiatedBy)
	assert.Equal(t, "pending", resp.Job.Status)
	assert.Equal(t, EscrowFunded, resp.Job.EscrowStatus)
	assert.Equal(t, "15.00000000", resp.Job.EscrowAmount)
}

func TestCreateJobValidation(t *testing.T) {
	e := newHTTPEnv(t)

	cases := []struct {
		name string
		body gin.H
	}{
		{"missing service_id", gin.H{"title": "no service"}},
		{"bad agreed_price", gin.H{"service_id": svcID, "agreed_price": "not-a-number"}},
		{"title too long", gin.H{"service_id": svcID, "title": strings.Repeat("x", 300)}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := e.do(http.MethodPost, "/v1/jobs", tc.body, clientID)
			require.Equal(t, http.StatusBadRequest, w.Code, "body: %s", w.Body.String())
			assert.Equal(t, "validation_error", e.errCode(t, w))
		})
	}
}

func TestCreateJobErrorsHTTP(t *testing.T) {
	e := newHTTPEnv(t)

	// Broke client: the ledger has no account for it yet.
	w := e.do(http.MethodPost, "/v1/jobs", gin.H{"service_id": svcID}, clientID)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "insufficient_funds", e.errCode(t, w))

	e.f.credit(t, clientID, "5")
	w = e.do(http.MethodPost, "/v1/jobs", gin.H{"service_id": svcID}, clientID)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "insufficient_funds", e.errCode(t, w))

	e.f.credit(t, clientID, "95")
	e.f.credit(t, workerID, "100")

	w = e.do(http.MethodPost, "/v1/jobs", gin.H{"service_id": "svc-ghost"}, clientID)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", e.errCode(t, w))

	w = e.do(http.MethodPost, "/v1/jobs", gin.H{"service_id": "svc-off"}, clientID)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", e.errCode(t, w))

	w = e.do(http.MethodPost, "/v1/jobs", gin.H{"service_id": svcID}, workerID)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", e.errCode(t, w))

	w = e.do(http.MethodPost, "/v1/jobs", gin.H{
		"service_id":     svcID,
		"negotiation_id": "neg-1",
		"quote_id":       "quote-1",
	}, clientID)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", e.errCode(t, w))

	w = e.do(http.MethodPost, "/v1/jobs", gin.H{"service_id": svcID, "negotiation_id": "neg-ghost"}, clientID)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", e.errCode(t, w))

	w = e.do(http.MethodPost, "/v1/jobs", gin.H{"service_id": svcID, "agreed_price": "14"}, clientID)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_price", e.errCode(t, w))
}

func TestJobLifecycleHTTP(t *testing.T) {
	e := newHTTPEnv(t)
	jobID := e.hireHTTP(t)

	w := e.do(http.MethodPost, "/v1/jobs/"+jobID+"/start", nil, workerID)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	var started struct {
		JobID     string `json:"job_id"`
		Status    string `json:"status"`
		StartedAt string `json:"started_at"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &started))
	assert.Equal(t, jobID, started.JobID)
	assert.Equal(t, "in_progress", started.Status)
	assert.NotEmpty(t, started.StartedAt)

	w = e.do(http.MethodPost, "/v1/jobs/"+jobID+"/deliver", gin.H{
		"artifact_type": "text",
		"content":       "first pass",
	}, workerID)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	var delivered struct {
		Status  string `json:"status"`
		Version int    `json:"version"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &delivered))
	assert.Equal(t, "delivered", delivered.Status)
	assert.Equal(t, 1, delivered.Version)

	w = e.do(http.MethodPost, "/v1/jobs/"+jobID+"/request-revision", gin.H{
		"feedback": "tighten the intro",
	}, clientID)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	w = e.do(http.MethodPost, "/v1/jobs/"+jobID+"/deliver", gin.H{
		"artifact_type": "text",
		"content":       "second pass",
	}, workerID)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &delivered))
	assert.Equal(t, 2, delivered.Version)

	w = e.do(http.MethodPost, "/v1/jobs/"+jobID+"/complete", gin.H{
		"rating": 5,
		"review": "good work",
	}, clientID)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	var completed struct {
		Status      string `json:"status"`
		Rating      int    `json:"rating"`
		Payout      string `json:"payout"`
		CompletedAt string `json:"completed_at"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &completed))
	assert.Equal(t, "completed", completed.Status)
	assert.Equal(t, 5, completed.Rating)
	assert.Equal(t, "15.00000000", completed.Payout)
	assert.NotEmpty(t, completed.CompletedAt)

	w = e.do(http.MethodGet, "/v1/jobs/"+jobID, nil, workerID)
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Job struct {
			Status       string `json:"status"`
			EscrowStatus string `json:"escrow_status"`
			Rating       int    `json:"rating"`
			Review       string `json:"review"`
		} `json:"job"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &got))
	assert.Equal(t, "completed", got.Job.Status)
	assert.Equal(t, EscrowReleased, got.Job.EscrowStatus)
	assert.Equal(t, 5, got.Job.Rating)
	assert.Equal(t, "good work", got.Job.Review)
}

func TestTransitionErrorsHTTP(t *testing.T) {
	e := newHTTPEnv(t)
	jobID := e.hireHTTP(t)

	w := e.do(http.MethodPost, "/v1/jobs/job-ghost/start", nil, workerID)
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "not_found", e.errCode(t, w))

	// Wrong role and outsiders are both a 403.
	w = e.do(http.MethodPost, "/v1/jobs/"+jobID+"/start", nil, clientID)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", e.errCode(t, w))

	w = e.do(http.MethodPost, "/v1/jobs/"+jobID+"/start", nil, otherID)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", e.errCode(t, w))

	w = e.do(http.MethodGet, "/v1/jobs/"+jobID, nil, otherID)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "forbidden", e.errCode(t, w))

	// Completing an undelivered job is a status conflict.
	w = e.do(http.MethodPost, "/v1/jobs/"+jobID+"/complete", gin.H{"rating": 5}, clientID)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_status", e.errCode(t, w))

	w = e.do(http.MethodPost, "/v1/jobs/"+jobID+"/complete", gin.H{"rating": 9}, clientID)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", e.errCode(t, w))

	w = e.do(http.MethodPost, "/v1/jobs/"+jobID+"/deliver", gin.H{
		"artifact_type": "video",
		"content":       "clip",
	}, workerID)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", e.errCode(t, w))

	w = e.do(http.MethodPost, "/v1/jobs/"+jobID+"/fail", gin.H{}, workerID)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", e.errCode(t, w))

	w = e.do(http.MethodPost, "/v1/jobs/"+jobID+"/request-revision", gin.H{}, clientID)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "validation_error", e.errCode(t, w))
}

func TestCancelJobHTTP(t *testing.T) {
	e := newHTTPEnv(t)
	jobID := e.hireHTTP(t)

	w := e.do(http.MethodPost, "/v1/jobs/"+jobID+"/cancel", nil, workerID)
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = e.do(http.MethodPost, "/v1/jobs/"+jobID+"/cancel", nil, clientID)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	var resp struct {
		Status   string `json:"status"`
		Refunded string `json:"refunded"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "cancelled", resp.Status)
	assert.Equal(t, "15.00000000", resp.Refunded)

	w = e.do(http.MethodPost, "/v1/jobs/"+jobID+"/cancel", nil, clientID)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_status", e.errCode(t, w))
}

func TestListJobsHTTP(t *testing.T) {
	e := newHTTPEnv(t)
	jobID := e.hireHTTP(t)
	_ = jobID

	w := e.do(http.MethodGet, "/v1/jobs", nil, clientID)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Jobs  []json.RawMessage `json:"jobs"`
		Count int               `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	assert.Len(t, resp.Jobs, 1)

	w = e.do(http.MethodGet, "/v1/jobs?role=client&status=pending", nil, clientID)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)

	w = e.do(http.MethodGet, "/v1/jobs?role=worker", nil, clientID)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Count)

	w = e.do(http.MethodGet, "/v1/jobs?status=bogus", nil, clientID)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", e.errCode(t, w))

	w = e.do(http.MethodGet, "/v1/jobs?role=observer", nil, clientID)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", e.errCode(t, w))
}

func TestJobTreeHTTP(t *testing.T) {
	e := newHTTPEnv(t)
	rootID := e.hireHTTP(t)

	w := e.do(http.MethodGet, "/v1/jobs/"+rootID+"/tree", nil, clientID)
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())
	var resp struct {
		Job struct {
			ID string `json:"id"`
		} `json:"job"`
		Parent  *json.RawMessage  `json:"parent"`
		SubJobs []json.RawMessage `json:"sub_jobs"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, rootID, resp.Job.ID)
	assert.Nil(t, resp.Parent)
	assert.NotNil(t, resp.SubJobs)
	assert.Empty(t, resp.SubJobs)

	w = e.do(http.MethodGet, "/v1/jobs/"+rootID+"/tree", nil, otherID)
	assert.Equal(t, http.StatusForbidden, w.Code)
}
