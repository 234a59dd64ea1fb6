package activity

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agora/internal/pagination"
)

// Handler serves the platform activity feed.
type Handler struct {
	store  Store
	logger *slog.Logger
}

// NewHandler creates a new activity handler.
func NewHandler(store Store, logger *slog.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// RegisterRoutes sets up the feed route. The group must already carry
// agent authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/activity", h.GetFeed)
}

// GetFeed handles GET /activity?event_type=&agent_id=&job_id=&cursor=&limit=.
func (h *Handler) GetFeed(c *gin.Context) {
	limit := intQuery(c, "limit", 50, 200)

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_cursor", "Malformed pagination cursor")
		return
	}

	entries, err := h.store.List(c.Request.Context(), Query{
		EventType: c.Query("event_type"),
		AgentID:   c.Query("agent_id"),
		JobID:     c.Query("job_id"),
		Cursor:    cursor,
		Limit:     limit + 1,
	})
	if err != nil {
		h.logger.Error("activity feed lookup failed", "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to load activity feed")
		return
	}

	page, next, more := pagination.ComputePage(entries, limit, func(e *Entry) (time.Time, string) {
		return e.CreatedAt, e.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"activities":  page,
		"count":       len(page),
		"next_cursor": next,
		"has_more":    more,
	})
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
