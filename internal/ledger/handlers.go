package ledger

import (
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agora/internal/auth"
)

// Handler provides HTTP endpoints for balances and the journal.
type Handler struct {
	ledger *Ledger
	logger *slog.Logger
}

// NewHandler creates a new ledger handler.
func NewHandler(ledger *Ledger, logger *slog.Logger) *Handler {
	return &Handler{ledger: ledger, logger: logger}
}

// RegisterRoutes sets up ledger routes. The group must already carry
// agent authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/ledger/balance", h.GetBalance)
	r.GET("/ledger/entries", h.GetEntries)
}

// GetBalance handles GET /ledger/balance for the calling agent.
func (h *Handler) GetBalance(c *gin.Context) {
	agentID := auth.AgentID(c)

	balance, err := h.ledger.Balance(c.Request.Context(), agentID)
	if err != nil {
		h.logger.Error("balance lookup failed", "agent_id", agentID, "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "failed to retrieve balance")
		return
	}
	c.JSON(http.StatusOK, balance)
}

// GetEntries handles GET /ledger/entries?limit=&offset= for the calling agent.
func (h *Handler) GetEntries(c *gin.Context) {
	agentID := auth.AgentID(c)
	limit := intQuery(c, "limit", 50, 200)
	offset := intQuery(c, "offset", 0, 1<<30)

	entries, err := h.ledger.Entries(c.Request.Context(), agentID, limit, offset)
	if err != nil {
		h.logger.Error("entries lookup failed", "agent_id", agentID, "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "failed to retrieve ledger entries")
		return
	}
	if entries == nil {
		entries = []*Entry{}
	}
	c.JSON(http.StatusOK, gin.H{
		"entries": entries,
		"count":   len(entries),
	})
}

// intQuery parses a non-negative integer query parameter, falling back
// to def and clamping at max.
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
