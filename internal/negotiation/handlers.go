package negotiation

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agora/internal/auth"
	"github.com/mbd888/agora/internal/logging"
	"github.com/mbd888/agora/internal/registry"
	"github.com/mbd888/agora/internal/validation"
)

// Handler serves the negotiation endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a negotiation handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up negotiation routes. The group must already
// carry agent authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/negotiations", h.StartNegotiation)
	r.POST("/negotiations/:id/respond", h.Respond)
	r.GET("/negotiations", h.ListNegotiations)
	r.GET("/negotiations/:id", h.GetNegotiation)
}

// StartNegotiation handles POST /negotiations.
func (h *Handler) StartNegotiation(c *gin.Context) {
	ctx := c.Request.Context()
	clientID := auth.AgentID(c)

	var req StartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	validators := []func() *validation.ValidationError{
		validation.Required("service_id", req.ServiceID),
		validation.Required("job_description", req.JobDescription),
		validation.Required("initial_offer", req.InitialOffer),
		validation.ValidAmount("initial_offer", req.InitialOffer),
		validation.MaxLength("job_description", req.JobDescription, validation.MaxStringLength),
		validation.MaxLength("message", req.Message, validation.MaxStringLength),
	}
	if req.MaxPrice != "" {
		validators = append(validators, validation.ValidAmount("max_price", req.MaxPrice))
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		respondValidation(c, errs)
		return
	}
	req.JobDescription = validation.SanitizeString(req.JobDescription, validation.MaxStringLength)
	req.Message = validation.SanitizeString(req.Message, validation.MaxStringLength)

	n, err := h.service.Start(ctx, clientID, req)
	if err != nil {
		h.respondStartError(c, err)
		return
	}

	logging.L(ctx).Info("negotiation started",
		"negotiation_id", n.ID,
		"service_id", n.ServiceID,
		"client_id", n.ClientAgentID,
		"worker_id", n.WorkerAgentID,
		"initial_offer", n.CurrentPrice)
	c.JSON(http.StatusCreated, gin.H{"negotiation": n})
}

// Respond handles POST /negotiations/:id/respond.
func (h *Handler) Respond(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := auth.AgentID(c)
	id := c.Param("id")

	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	validators := []func() *validation.ValidationError{
		validation.Required("action", req.Action),
		validation.OneOf("action", req.Action, ActionAccept, ActionCounter, ActionReject),
		validation.MaxLength("message", req.Message, validation.MaxStringLength),
	}
	if req.CounterPrice != "" {
		validators = append(validators, validation.ValidAmount("counter_price", req.CounterPrice))
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		respondValidation(c, errs)
		return
	}
	req.Message = validation.SanitizeString(req.Message, validation.MaxStringLength)

	n, err := h.service.Respond(ctx, id, agentID, req)
	if err != nil {
		h.respondTurnError(c, err)
		return
	}

	logging.L(ctx).Info("negotiation response",
		"negotiation_id", n.ID,
		"agent_id", agentID,
		"action", req.Action,
		"status", n.Status,
		"current_price", n.CurrentPrice)
	c.JSON(http.StatusOK, gin.H{"negotiation": n})
}

// GetNegotiation handles GET /negotiations/:id. Participants only;
// everyone else gets a 404.
func (h *Handler) GetNegotiation(c *gin.Context) {
	ctx := c.Request.Context()

	n, err := h.service.Get(ctx, c.Param("id"), auth.AgentID(c))
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrNotParticipant) {
			respondError(c, http.StatusNotFound, "not_found", "Negotiation not found")
			return
		}
		logging.L(ctx).Error("negotiation lookup failed", "negotiation_id", c.Param("id"), "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to load negotiation")
		return
	}
	c.JSON(http.StatusOK, gin.H{"negotiation": n})
}

// ListNegotiations handles GET /negotiations?status=&limit= for the
// calling agent, covering both sides of the table.
func (h *Handler) ListNegotiations(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := auth.AgentID(c)

	status := c.Query("status")
	if status != "" && !IsValidStatus(status) {
		respondError(c, http.StatusBadRequest, "invalid_request",
			"status must be one of: active, agreed, rejected, expired")
		return
	}
	limit := intQuery(c, "limit", 50, 200)

	list, err := h.service.ListMine(ctx, agentID, Status(status), limit)
	if err != nil {
		logging.L(ctx).Error("negotiation list failed", "agent_id", agentID, "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to list negotiations")
		return
	}
	c.JSON(http.StatusOK, gin.H{"negotiations": list, "count": len(list)})
}

func (h *Handler) respondStartError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, registry.ErrServiceNotFound):
		respondError(c, http.StatusNotFound, "not_found", "Service not found")
	case errors.Is(err, ErrServiceInactive):
		respondError(c, http.StatusBadRequest, "invalid_request", "Service is not accepting new work")
	case errors.Is(err, ErrNotNegotiable):
		respondError(c, http.StatusBadRequest, "invalid_request", "Service does not allow negotiation")
	case errors.Is(err, ErrSelfNegotiation):
		respondError(c, http.StatusBadRequest, "invalid_request", "Cannot negotiate against your own service")
	case errors.Is(err, ErrPriceOutOfBounds):
		respondError(c, http.StatusBadRequest, "invalid_price", "Offer is outside the service's price range")
	case errors.Is(err, ErrOverBudget):
		respondError(c, http.StatusBadRequest, "invalid_price", "Offer exceeds your max budget")
	case errors.Is(err, ErrInsufficientFunds):
		respondError(c, http.StatusPaymentRequired, "insufficient_funds", "Balance cannot cover the offer")
	default:
		logging.L(c.Request.Context()).Error("negotiation start failed", "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to start negotiation")
	}
}

func (h *Handler) respondTurnError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotParticipant):
		respondError(c, http.StatusNotFound, "not_found", "Negotiation not found")
	case errors.Is(err, ErrClosed):
		respondError(c, http.StatusBadRequest, "invalid_status", "Negotiation is no longer active")
	case errors.Is(err, ErrExpired):
		respondError(c, http.StatusBadRequest, "expired", "Negotiation has expired")
	case errors.Is(err, ErrNotYourTurn):
		respondError(c, http.StatusBadRequest, "invalid_status", "Waiting for the other party to respond")
	case errors.Is(err, ErrConflict):
		respondError(c, http.StatusConflict, "conflict", "Negotiation changed concurrently, reload and retry")
	case errors.Is(err, ErrRoundsExhausted):
		respondError(c, http.StatusBadRequest, "invalid_status", "Maximum negotiation rounds reached")
	case errors.Is(err, ErrCounterRequired):
		respondError(c, http.StatusBadRequest, "invalid_request", "counter_price is required when countering")
	case errors.Is(err, ErrInvalidAction):
		respondError(c, http.StatusBadRequest, "invalid_request", "action must be accept, counter, or reject")
	case errors.Is(err, ErrPriceOutOfBounds):
		respondError(c, http.StatusBadRequest, "invalid_price", "Counter is outside the service's price range")
	case errors.Is(err, ErrOverBudget):
		respondError(c, http.StatusBadRequest, "invalid_price", "Counter exceeds your max budget")
	case errors.Is(err, ErrInsufficientFunds):
		respondError(c, http.StatusPaymentRequired, "insufficient_funds", "Balance cannot cover the counter offer")
	default:
		logging.L(c.Request.Context()).Error("negotiation respond failed", "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to respond to negotiation")
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
