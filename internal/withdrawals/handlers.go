package withdrawals

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agora/internal/auth"
	"github.com/mbd888/agora/internal/ledger"
	"github.com/mbd888/agora/internal/logging"
	"github.com/mbd888/agora/internal/validation"
)

// Handler serves the withdrawal endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a withdrawal handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up withdrawal routes. The group must already
// carry agent authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/withdrawals", h.CreateWithdrawal)
	r.GET("/withdrawals", h.ListWithdrawals)
	r.GET("/withdrawals/limits", h.GetLimits)
	r.GET("/withdrawals/:id", h.GetWithdrawal)
}

// CreateWithdrawal handles POST /withdrawals. The response carries the
// pending row; execution finishes in the background.
func (h *Handler) CreateWithdrawal(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := auth.AgentID(c)

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	validators := []func() *validation.ValidationError{
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
		validation.Required("recipient_address", req.RecipientAddress),
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		respondValidation(c, errs)
		return
	}

	w, err := h.service.Create(ctx, agentID, req)
	if err != nil {
		h.respondCreateError(c, err)
		return
	}

	logging.L(ctx).Info("withdrawal accepted",
		"withdrawal_id", w.ID,
		"agent_id", w.AgentID,
		"amount", w.Amount)
	c.JSON(http.StatusCreated, gin.H{
		"withdrawal": w,
		"net_amount": w.Net(),
	})
}

// GetWithdrawal handles GET /withdrawals/:id. Owner only; anyone else
// sees a 404.
func (h *Handler) GetWithdrawal(c *gin.Context) {
	ctx := c.Request.Context()

	w, err := h.service.Get(ctx, c.Param("id"), auth.AgentID(c))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			respondError(c, http.StatusNotFound, "not_found", "Withdrawal not found")
			return
		}
		logging.L(ctx).Error("withdrawal lookup failed", "withdrawal_id", c.Param("id"), "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to load withdrawal")
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawal": w})
}

// ListWithdrawals handles GET /withdrawals?limit=&offset= for the
// calling agent, newest first.
func (h *Handler) ListWithdrawals(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := auth.AgentID(c)

	list, err := h.service.List(ctx, agentID,
		intQuery(c, "limit", 50, 200),
		intQuery(c, "offset", 0, 100000))
	if err != nil {
		logging.L(ctx).Error("withdrawal list failed", "agent_id", agentID, "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to list withdrawals")
		return
	}
	c.JSON(http.StatusOK, gin.H{"withdrawals": list, "count": len(list)})
}

// GetLimits handles GET /withdrawals/limits: the configured floor and
// fee plus how much of the hourly allowance is left.
func (h *Handler) GetLimits(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := auth.AgentID(c)

	u, err := h.service.Usage(ctx, agentID)
	if err != nil {
		logging.L(ctx).Error("withdrawal limits failed", "agent_id", agentID, "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to load withdrawal limits")
		return
	}
	c.JSON(http.StatusOK, u)
}

func (h *Handler) respondCreateError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrBelowMinimum):
		respondError(c, http.StatusBadRequest, "invalid_request", "Amount is below the minimum withdrawal")
	case errors.Is(err, ErrInvalidAddress):
		respondError(c, http.StatusBadRequest, "invalid_request", "recipient_address must be a valid Ethereum address")
	case errors.Is(err, ErrRateLimited):
		respondError(c, http.StatusTooManyRequests, "rate_limited", "Hourly withdrawal limit reached")
	case errors.Is(err, ledger.ErrInsufficientFunds), errors.Is(err, ledger.ErrAccountNotFound):
		respondError(c, http.StatusPaymentRequired, "insufficient_funds", "Balance cannot cover the withdrawal amount")
	default:
		logging.L(c.Request.Context()).Error("withdrawal create failed", "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to create withdrawal")
	}
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

func respondValidation(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{"detail": gin.H{
		"code":    "validation_error",
		"message": "Request validation failed",
		"fields":  errs,
	}})
}
