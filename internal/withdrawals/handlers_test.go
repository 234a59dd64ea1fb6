package withdrawals

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
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

func newHTTPEnv(t *testing.T, limits Limits) *httpEnv {
	t.Helper()
	f := newFixture(t, limits)

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

func TestCreateWithdrawalHTTP(t *testing.T) {
	e := newHTTPEnv(t, defaultLimits())
	e.f.credit(t, "1000")

	w := e.do(http.MethodPost, "/v1/withdrawals", gin.H{
		"amount":            "200",
		"recipient_address": recipient,
	}, holderID)
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())

	var resp struct {
		Withdrawal Withdrawal `json:"withdrawal"`
		NetAmount  string     `json:"net_amount"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatusPending, resp.Withdrawal.Status)
	assert.Equal(t, "200.00000000", resp.Withdrawal.Amount)
	assert.Equal(t, "1.00000000", resp.Withdrawal.Fee)
	assert.Equal(t, recipient, resp.Withdrawal.RecipientAddress)
	assert.Equal(t, "199.00000000", resp.NetAmount)
	assert.Empty(t, resp.Withdrawal.TxHash)

	e.f.service.Wait()

	// Once settled, the row carries the hash and the completion time.
	w = e.do(http.MethodGet, "/v1/withdrawals/"+resp.Withdrawal.ID, nil, holderID)
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, StatusCompleted, resp.Withdrawal.Status)
	assert.Equal(t, e.f.executor.hash, resp.Withdrawal.TxHash)
	assert.NotNil(t, resp.Withdrawal.CompletedAt)
}

func TestCreateWithdrawalValidationHTTP(t *testing.T) {
	e := newHTTPEnv(t, defaultLimits())
	e.f.credit(t, "1000")

	for name, body := range map[string]gin.H{
		"missing amount":    {"recipient_address": recipient},
		"malformed amount":  {"amount": "abc", "recipient_address": recipient},
		"missing recipient": {"amount": "200"},
	} {
		t.Run(name, func(t *testing.T) {
			w := e.do(http.MethodPost, "/v1/withdrawals", body, holderID)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Equal(t, "validation_error", e.errCode(t, w))
		})
	}
}

func TestCreateWithdrawalErrorsHTTP(t *testing.T) {
	e := newHTTPEnv(t, Limits{Minimum: "10", FeePercent: "0.5", RatePerHour: 1})

	// No ledger account yet.
	w := e.do(http.MethodPost, "/v1/withdrawals", gin.H{
		"amount":            "20",
		"recipient_address": recipient,
	}, holderID)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "insufficient_funds", e.errCode(t, w))

	e.f.credit(t, "50")

	w = e.do(http.MethodPost, "/v1/withdrawals", gin.H{
		"amount":            "5",
		"recipient_address": recipient,
	}, holderID)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", e.errCode(t, w))

	w = e.do(http.MethodPost, "/v1/withdrawals", gin.H{
		"amount":            "20",
		"recipient_address": "0xnope",
	}, holderID)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "invalid_request", e.errCode(t, w))

	w = e.do(http.MethodPost, "/v1/withdrawals", gin.H{
		"amount":            "200",
		"recipient_address": recipient,
	}, holderID)
	assert.Equal(t, http.StatusPaymentRequired, w.Code)
	assert.Equal(t, "insufficient_funds", e.errCode(t, w))

	// Exhaust the hourly allowance, then hit the ceiling.
	w = e.do(http.MethodPost, "/v1/withdrawals", gin.H{
		"amount":            "20",
		"recipient_address": recipient,
	}, holderID)
	require.Equal(t, http.StatusCreated, w.Code, "body: %s", w.Body.String())

	w = e.do(http.MethodPost, "/v1/withdrawals", gin.H{
		"amount":            "20",
		"recipient_address": recipient,
	}, holderID)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "rate_limited", e.errCode(t, w))

	e.f.service.Wait()
}

func TestListWithdrawalsHTTP(t *testing.T) {
	e := newHTTPEnv(t, defaultLimits())
	e.f.credit(t, "1000")

	w := e.do(http.MethodPost, "/v1/withdrawals", gin.H{
		"amount":            "20",
		"recipient_address": recipient,
	}, holderID)
	require.Equal(t, http.StatusCreated, w.Code)
	e.f.service.Wait()

	w = e.do(http.MethodGet, "/v1/withdrawals", nil, holderID)
	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Withdrawals []Withdrawal `json:"withdrawals"`
		Count       int          `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 1, resp.Count)
	require.Len(t, resp.Withdrawals, 1)
	assert.Equal(t, StatusCompleted, resp.Withdrawals[0].Status)
	createdID := resp.Withdrawals[0].ID

	// Another agent sees an empty history, and a 404 on the row itself.
	w = e.do(http.MethodGet, "/v1/withdrawals", nil, "agent-other")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 0, resp.Count)

	w = e.do(http.MethodGet, "/v1/withdrawals/"+createdID, nil, "agent-other")
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestWithdrawalLimitsHTTP(t *testing.T) {
	e := newHTTPEnv(t, defaultLimits())
	e.f.credit(t, "1000")

	w := e.do(http.MethodPost, "/v1/withdrawals", gin.H{
		"amount":            "20",
		"recipient_address": recipient,
	}, holderID)
	require.Equal(t, http.StatusCreated, w.Code)
	e.f.service.Wait()

	w = e.do(http.MethodGet, "/v1/withdrawals/limits", nil, holderID)
	require.Equal(t, http.StatusOK, w.Code)

	var u Usage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &u))
	assert.Equal(t, "10", u.Minimum)
	assert.Equal(t, "0.5", u.FeePercent)
	assert.Equal(t, 3, u.RatePerHour)
	assert.Equal(t, 1, u.UsedThisHour)
	assert.Equal(t, 2, u.LeftThisHour)
}
