package discovery

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newSearchRouter(t *testing.T) *gin.Engine {
	t.Helper()
	r := gin.New()
	NewHandler(NewEngine(seedMarket(t))).RegisterRoutes(r.Group("/v1"))
	return r
}

func get(r *gin.Engine, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestSearchHTTP(t *testing.T) {
	r := newSearchRouter(t)

	w := get(r, "/v1/discovery/search?type=translation&sort=price")
	require.Equal(t, http.StatusOK, w.Code, "body: %s", w.Body.String())

	var resp struct {
		Results []Result `json:"results"`
		Count   int      `json:"count"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, 2, resp.Count)
	require.Len(t, resp.Results, 2)
	assert.Equal(t, "svc-translate-cheap", resp.Results[0].ServiceID)
	assert.Equal(t, "svc-translate-pro", resp.Results[1].ServiceID)
}

func TestSearchHTTPFilters(t *testing.T) {
	r := newSearchRouter(t)

	w := get(r, "/v1/discovery/search?max_price=15&min_reputation=4.5")
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Results []Result `json:"results"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Results, 1)
	assert.Equal(t, "svc-translate-cheap", resp.Results[0].ServiceID)
}

func TestSearchHTTPValidation(t *testing.T) {
	r := newSearchRouter(t)

	for name, path := range map[string]string{
		"bad sort":            "/v1/discovery/search?sort=popular",
		"bad max_price":       "/v1/discovery/search?max_price=abc",
		"negative max_price":  "/v1/discovery/search?max_price=-5",
		"reputation too high": "/v1/discovery/search?min_reputation=9",
		"reputation not num":  "/v1/discovery/search?min_reputation=abc",
	} {
		t.Run(name, func(t *testing.T) {
			w := get(r, path)
			assert.Equal(t, http.StatusBadRequest, w.Code)

			var resp struct {
				Detail struct {
					Code string `json:"code"`
				} `json:"detail"`
			}
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
			assert.Equal(t, "invalid_request", resp.Detail.Code)
		})
	}
}
