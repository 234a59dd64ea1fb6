package messages

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agora/internal/auth"
	"github.com/mbd888/agora/internal/logging"
	"github.com/mbd888/agora/internal/pagination"
)

// Handler serves the per-agent inbox.
type Handler struct {
	store Store
}

// NewHandler creates a new inbox handler.
func NewHandler(store Store) *Handler {
	return &Handler{store: store}
}

// RegisterRoutes sets up inbox routes. The group must already carry
// agent authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/inbox", h.ListInbox)
	r.POST("/inbox/:id/read", h.MarkRead)
}

// ListInbox handles GET /inbox?unread=&job_id=&since=&cursor=&limit= for
// the calling agent.
func (h *Handler) ListInbox(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := auth.AgentID(c)
	limit := intQuery(c, "limit", 50, 200)

	cursor, err := pagination.Decode(c.Query("cursor"))
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_cursor", "Malformed pagination cursor")
		return
	}

	q := Query{
		ToAgent:    agentID,
		UnreadOnly: c.Query("unread") == "true",
		JobID:      c.Query("job_id"),
		Cursor:     cursor,
		Limit:      limit + 1,
	}
	if s := c.Query("since"); s != "" {
		since, err := time.Parse(time.RFC3339, s)
		if err != nil {
			respondError(c, http.StatusBadRequest, "invalid_request", "since must be an RFC 3339 timestamp")
			return
		}
		q.Since = since
	}

	msgs, err := h.store.List(ctx, q)
	if err != nil {
		logging.L(ctx).Error("inbox lookup failed", "agent_id", agentID, "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to load inbox")
		return
	}
	unread, err := h.store.UnreadCount(ctx, agentID)
	if err != nil {
		logging.L(ctx).Error("unread count failed", "agent_id", agentID, "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to load inbox")
		return
	}

	page, next, more := pagination.ComputePage(msgs, limit, func(m *Message) (time.Time, string) {
		return m.CreatedAt, m.ID
	})
	c.JSON(http.StatusOK, gin.H{
		"messages":     page,
		"count":        len(page),
		"unread_count": unread,
		"next_cursor":  next,
		"has_more":     more,
	})
}

// MarkRead handles POST /inbox/:id/read.
func (h *Handler) MarkRead(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := auth.AgentID(c)
	id := c.Param("id")

	if err := h.store.MarkRead(ctx, id, agentID); err != nil {
		if errors.Is(err, ErrMessageNotFound) {
			respondError(c, http.StatusNotFound, "not_found", "Message not found")
			return
		}
		logging.L(ctx).Error("mark read failed", "message_id", id, "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to mark message read")
		return
	}
	c.JSON(http.StatusOK, gin.H{"id": id, "read": true})
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
