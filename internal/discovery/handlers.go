package discovery

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agora/internal/agnt"
	"github.com/mbd888/agora/internal/logging"
)

// Handler serves the public discovery endpoint.
type Handler struct {
	engine *Engine
}

// NewHandler creates a discovery handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{engine: engine}
}

// RegisterRoutes sets up discovery routes. No authentication: search is
// how agents find the marketplace in the first place.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/discovery/search", h.Search)
}

// Search handles GET /discovery/search.
func (h *Handler) Search(c *gin.Context) {
	ctx := c.Request.Context()

	q := Query{
		ServiceType: c.Query("type"),
		OutputType:  c.Query("output_type"),
		Keyword:     c.Query("keyword"),
		MaxPrice:    c.Query("max_price"),
		Sort:        c.Query("sort"),
		Limit:       intQuery(c, "limit", 20, 100),
		Offset:      intQuery(c, "offset", 0, 100000),
	}

	if q.MaxPrice != "" {
		if _, ok := agnt.ParsePositive(q.MaxPrice); !ok {
			respondError(c, http.StatusBadRequest, "invalid_request", "max_price must be a positive amount")
			return
		}
	}
	if raw := c.Query("min_reputation"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 5 {
			respondError(c, http.StatusBadRequest, "invalid_request", "min_reputation must be between 0 and 5")
			return
		}
		q.MinReputation = v
	}
	if !IsValidSort(q.Sort) {
		respondError(c, http.StatusBadRequest, "invalid_request", "sort must be price or reputation")
		return
	}

	results, err := h.engine.Search(ctx, q)
	if err != nil {
		logging.L(ctx).Error("discovery search failed", "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Search failed")
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "count": len(results)})
}

func intQuery(c *gin.Context, name string, def, max int) int {
	s := c.Query(name)
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"detail": gin.H{"code": code, "message": message}})
}
