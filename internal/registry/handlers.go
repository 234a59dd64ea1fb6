package registry

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agora/internal/agnt"
	"github.com/mbd888/agora/internal/auth"
	"github.com/mbd888/agora/internal/events"
	"github.com/mbd888/agora/internal/idgen"
	"github.com/mbd888/agora/internal/logging"
	"github.com/mbd888/agora/internal/validation"
)

// Handler provides HTTP handlers for the registry API.
type Handler struct {
	store Store
	bus   *events.Bus
}

// NewHandler creates a new registry handler.
func NewHandler(store Store, bus *events.Bus) *Handler {
	return &Handler{store: store, bus: bus}
}

// RegisterPublicRoutes sets up routes that take no API key. Registration
// itself is public: it is where keys come from.
func (h *Handler) RegisterPublicRoutes(r *gin.RouterGroup) {
	r.POST("/agents", h.RegisterAgent)
	r.GET("/agents", h.ListAgents)
	r.GET("/agents/:id", h.GetAgent)
	r.GET("/agents/:id/services", h.ListAgentServices)
	r.GET("/services", h.ListServices)
	r.GET("/services/:id", h.GetService)
}

// RegisterAuthedRoutes sets up routes that require agent authentication.
// The group must already carry auth.RequireAuth.
func (h *Handler) RegisterAuthedRoutes(r *gin.RouterGroup) {
	r.GET("/agents/me", h.GetOwnProfile)
	r.PATCH("/agents/me", h.UpdateOwnProfile)
	r.PUT("/agents/me/status", h.UpdateOwnStatus)

	r.POST("/services", h.CreateService)
	r.PATCH("/services/:id", h.UpdateService)
	r.DELETE("/services/:id", h.DeactivateService)
}

// -----------------------------------------------------------------------------
// Agent Handlers
// -----------------------------------------------------------------------------

// RegisterAgent handles POST /agents. The response carries the raw API
// key exactly once; only its digest is stored.
func (h *Handler) RegisterAgent(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)

	var req RegisterAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	errs := validation.Validate(
		validation.Required("name", req.Name),
		validation.ValidName("name", req.Name),
		validation.ValidAddress("wallet_address", req.WalletAddress),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
	)
	if len(req.Capabilities) > 32 {
		errs = append(errs, validation.ValidationError{Field: "capabilities", Message: "at most 32 entries"})
	}
	if len(errs) > 0 {
		respondValidation(c, errs)
		return
	}

	rawKey, digest, err := auth.GenerateKey()
	if err != nil {
		logger.Error("api key generation failed", "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to register agent")
		return
	}

	agent := &Agent{
		ID:            idgen.New(),
		Name:          req.Name,
		Description:   validation.SanitizeString(req.Description, validation.MaxStringLength),
		WalletAddress: req.WalletAddress,
		Capabilities:  cleanCapabilities(req.Capabilities),
		KeyDigest:     digest,
	}

	if err := h.store.CreateAgent(ctx, agent); err != nil {
		if errors.Is(err, ErrNameTaken) {
			respondError(c, http.StatusConflict, "name_taken", "An agent with this name is already registered")
			return
		}
		logger.Error("failed to create agent", "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to register agent")
		return
	}

	logger.Info("agent registered", "agent_id", agent.ID, "name", agent.Name)
	h.bus.Publish(events.TypeAgentRegistered, map[string]any{
		"agent_id": agent.ID,
		"name":     agent.Name,
	})

	c.JSON(http.StatusCreated, gin.H{
		"agent":   agent,
		"api_key": rawKey,
	})
}

// ListAgents handles GET /agents.
func (h *Handler) ListAgents(c *gin.Context) {
	ctx := c.Request.Context()

	q := AgentQuery{
		Status: c.Query("status"),
		Limit:  intQuery(c, "limit", 50, 200),
		Offset: intQuery(c, "offset", 0, 1<<30),
	}
	if q.Status != "" && !IsValidStatus(q.Status) {
		respondError(c, http.StatusBadRequest, "invalid_status", "status must be one of: available, busy, offline")
		return
	}
	if s := c.Query("min_reputation"); s != "" {
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f < 0 || f > 5 {
			respondError(c, http.StatusBadRequest, "invalid_request", "min_reputation must be between 0 and 5")
			return
		}
		q.MinReputation = f
	}

	agents, err := h.store.ListAgents(ctx, q)
	if err != nil {
		logging.L(ctx).Error("failed to list agents", "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to list agents")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"agents": agents,
		"count":  len(agents),
	})
}

// GetAgent handles GET /agents/:id.
func (h *Handler) GetAgent(c *gin.Context) {
	agent, err := h.store.GetAgent(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			respondError(c, http.StatusNotFound, "not_found", "Agent not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to get agent")
		return
	}
	c.JSON(http.StatusOK, agent)
}

// GetOwnProfile handles GET /agents/me.
func (h *Handler) GetOwnProfile(c *gin.Context) {
	agent, err := h.store.GetAgent(c.Request.Context(), auth.AgentID(c))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to load profile")
		return
	}
	c.JSON(http.StatusOK, agent)
}

// UpdateOwnProfile handles PATCH /agents/me. Missing fields are left
// unchanged.
func (h *Handler) UpdateOwnProfile(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)
	agentID := auth.AgentID(c)

	var req UpdateAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	agent, err := h.store.GetAgent(ctx, agentID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to load profile")
		return
	}

	statusChanged := false
	if req.Description != nil {
		agent.Description = validation.SanitizeString(*req.Description, validation.MaxStringLength)
	}
	if req.Capabilities != nil {
		if len(*req.Capabilities) > 32 {
			respondValidation(c, validation.ValidationErrors{{Field: "capabilities", Message: "at most 32 entries"}})
			return
		}
		agent.Capabilities = cleanCapabilities(*req.Capabilities)
	}
	if req.WalletAddress != nil {
		if *req.WalletAddress != "" && !validation.IsValidEthAddress(*req.WalletAddress) {
			respondValidation(c, validation.ValidationErrors{{Field: "wallet_address", Message: "must be a valid Ethereum address (0x + 40 hex chars)"}})
			return
		}
		agent.WalletAddress = *req.WalletAddress
	}
	if req.Status != nil {
		if !IsValidStatus(*req.Status) {
			respondError(c, http.StatusBadRequest, "invalid_status", "status must be one of: available, busy, offline")
			return
		}
		statusChanged = agent.Status != *req.Status
		agent.Status = *req.Status
	}

	if err := h.store.UpdateAgentProfile(ctx, agent); err != nil {
		logger.Error("failed to update agent", "agent_id", agentID, "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to update profile")
		return
	}

	if statusChanged {
		h.bus.Publish(events.TypeAgentStatusChanged, map[string]any{
			"agent_id": agent.ID,
			"status":   agent.Status,
		})
	}

	c.JSON(http.StatusOK, agent)
}

// StatusUpdateRequest is the payload for PUT /agents/me/status.
type StatusUpdateRequest struct {
	Status string `json:"status" binding:"required"`
}

// UpdateOwnStatus handles PUT /agents/me/status. It doubles as a
// heartbeat: last_seen is bumped even when the status is unchanged.
func (h *Handler) UpdateOwnStatus(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := auth.AgentID(c)

	var req StatusUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	if !IsValidStatus(req.Status) {
		respondError(c, http.StatusBadRequest, "invalid_status", "status must be one of: available, busy, offline")
		return
	}

	if err := h.store.UpdateAgentStatus(ctx, agentID, req.Status); err != nil {
		logging.L(ctx).Error("failed to update status", "agent_id", agentID, "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to update status")
		return
	}

	h.bus.Publish(events.TypeAgentStatusChanged, map[string]any{
		"agent_id": agentID,
		"status":   req.Status,
	})

	c.JSON(http.StatusOK, gin.H{"agent_id": agentID, "status": req.Status})
}

// -----------------------------------------------------------------------------
// Service Handlers
// -----------------------------------------------------------------------------

// CreateService handles POST /services for the calling agent.
func (h *Handler) CreateService(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)
	agentID := auth.AgentID(c)

	var req CreateServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	req.Name = strings.TrimSpace(req.Name)
	errs := validation.Validate(
		validation.Required("name", req.Name),
		validation.MaxLength("name", req.Name, 200),
		validation.Required("service_type", req.ServiceType),
		validation.MaxLength("service_type", req.ServiceType, 50),
		validation.OneOf("output_type", req.OutputType, OutputTypes...),
		validation.ValidAmount("min_price", req.MinPrice),
		validation.ValidAmount("max_price", req.MaxPrice),
		validation.MaxLength("description", req.Description, validation.MaxStringLength),
	)
	if len(errs) > 0 {
		respondValidation(c, errs)
		return
	}
	min, _ := agnt.ParsePositive(req.MinPrice)
	max, _ := agnt.ParsePositive(req.MaxPrice)
	if min.Cmp(max) > 0 {
		respondError(c, http.StatusBadRequest, "invalid_price", "min_price must not exceed max_price")
		return
	}

	allowNegotiation := true
	if req.AllowNegotiation != nil {
		allowNegotiation = *req.AllowNegotiation
	}
	maxConcurrent := req.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 5
	}
	if maxConcurrent > 100 {
		maxConcurrent = 100
	}

	svc := &Service{
		ID:               idgen.New(),
		AgentID:          agentID,
		Name:             req.Name,
		Description:      validation.SanitizeString(req.Description, validation.MaxStringLength),
		ServiceType:      req.ServiceType,
		RequiredInputs:   req.RequiredInputs,
		OutputType:       req.OutputType,
		MinPrice:         agnt.Format(min),
		MaxPrice:         agnt.Format(max),
		AllowNegotiation: allowNegotiation,
		MaxConcurrent:    maxConcurrent,
		Active:           true,
	}

	if err := h.store.CreateService(ctx, svc); err != nil {
		logger.Error("failed to create service", "agent_id", agentID, "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to create service")
		return
	}

	logger.Info("service created",
		"service_id", svc.ID,
		"agent_id", agentID,
		"service_type", svc.ServiceType,
	)
	h.bus.Publish(events.TypeServiceCreated, map[string]any{
		"service_id":   svc.ID,
		"agent_id":     agentID,
		"name":         svc.Name,
		"service_type": svc.ServiceType,
		"min_price":    svc.MinPrice,
		"max_price":    svc.MaxPrice,
	})

	c.JSON(http.StatusCreated, svc)
}

// ListServices handles GET /services. Inactive services are hidden
// unless include_inactive=true.
func (h *Handler) ListServices(c *gin.Context) {
	ctx := c.Request.Context()

	q := ServiceQuery{
		AgentID:     c.Query("agent_id"),
		ServiceType: c.Query("service_type"),
		OutputType:  c.Query("output_type"),
		MinPrice:    c.Query("min_price"),
		MaxPrice:    c.Query("max_price"),
		Search:      validation.SanitizeString(c.Query("search"), 200),
		ActiveOnly:  c.Query("include_inactive") != "true",
		Limit:       intQuery(c, "limit", 50, 200),
		Offset:      intQuery(c, "offset", 0, 1<<30),
	}
	errs := validation.Validate(
		validation.ValidAmount("min_price", q.MinPrice),
		validation.ValidAmount("max_price", q.MaxPrice),
		validation.OneOf("output_type", q.OutputType, OutputTypes...),
	)
	if len(errs) > 0 {
		respondValidation(c, errs)
		return
	}

	services, err := h.store.ListServices(ctx, q)
	if err != nil {
		logging.L(ctx).Error("failed to list services", "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to list services")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"services": services,
		"count":    len(services),
	})
}

// GetService handles GET /services/:id.
func (h *Handler) GetService(c *gin.Context) {
	svc, err := h.store.GetService(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrServiceNotFound) {
			respondError(c, http.StatusNotFound, "not_found", "Service not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to get service")
		return
	}
	c.JSON(http.StatusOK, svc)
}

// ListAgentServices handles GET /agents/:id/services. Owners may pass
// include_inactive=true to see deactivated listings.
func (h *Handler) ListAgentServices(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := c.Param("id")

	if _, err := h.store.GetAgent(ctx, agentID); err != nil {
		if errors.Is(err, ErrAgentNotFound) {
			respondError(c, http.StatusNotFound, "not_found", "Agent not found")
			return
		}
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to get agent")
		return
	}

	isOwner := strings.EqualFold(auth.AgentID(c), agentID)
	q := ServiceQuery{
		AgentID:    agentID,
		ActiveOnly: !(isOwner && c.Query("include_inactive") == "true"),
		Limit:      intQuery(c, "limit", 50, 200),
		Offset:     intQuery(c, "offset", 0, 1<<30),
	}

	services, err := h.store.ListServices(ctx, q)
	if err != nil {
		logging.L(ctx).Error("failed to list agent services", "agent_id", agentID, "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to list services")
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"services": services,
		"count":    len(services),
	})
}

// UpdateService handles PATCH /services/:id for the owning agent.
func (h *Handler) UpdateService(c *gin.Context) {
	ctx := c.Request.Context()
	logger := logging.L(ctx)
	agentID := auth.AgentID(c)

	var req UpdateServiceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	svc, ok := h.loadOwnedService(c, agentID)
	if !ok {
		return
	}

	if req.Name != nil {
		name := strings.TrimSpace(*req.Name)
		if name == "" || len(name) > 200 {
			respondValidation(c, validation.ValidationErrors{{Field: "name", Message: "must be 1-200 characters"}})
			return
		}
		svc.Name = name
	}
	if req.Description != nil {
		svc.Description = validation.SanitizeString(*req.Description, validation.MaxStringLength)
	}
	if req.MinPrice != nil {
		svc.MinPrice = *req.MinPrice
	}
	if req.MaxPrice != nil {
		svc.MaxPrice = *req.MaxPrice
	}
	min, okMin := agnt.ParsePositive(svc.MinPrice)
	max, okMax := agnt.ParsePositive(svc.MaxPrice)
	if !okMin || !okMax || min.Cmp(max) > 0 {
		respondError(c, http.StatusBadRequest, "invalid_price", "prices must be positive with min_price not exceeding max_price")
		return
	}
	svc.MinPrice = agnt.Format(min)
	svc.MaxPrice = agnt.Format(max)

	if req.AllowNegotiation != nil {
		svc.AllowNegotiation = *req.AllowNegotiation
	}
	if req.MaxConcurrent != nil {
		if *req.MaxConcurrent < 1 || *req.MaxConcurrent > 100 {
			respondValidation(c, validation.ValidationErrors{{Field: "max_concurrent", Message: "must be between 1 and 100"}})
			return
		}
		svc.MaxConcurrent = *req.MaxConcurrent
	}
	if req.Active != nil {
		svc.Active = *req.Active
	}

	if err := h.store.UpdateService(ctx, svc); err != nil {
		logger.Error("failed to update service", "service_id", svc.ID, "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to update service")
		return
	}

	h.bus.Publish(events.TypeServiceUpdated, map[string]any{
		"service_id": svc.ID,
		"agent_id":   agentID,
	})

	c.JSON(http.StatusOK, svc)
}

// DeactivateService handles DELETE /services/:id. Services are never
// hard-deleted: completed jobs keep pointing at them.
func (h *Handler) DeactivateService(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := auth.AgentID(c)

	svc, ok := h.loadOwnedService(c, agentID)
	if !ok {
		return
	}

	svc.Active = false
	if err := h.store.UpdateService(ctx, svc); err != nil {
		logging.L(ctx).Error("failed to deactivate service", "service_id", svc.ID, "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to deactivate service")
		return
	}

	logging.L(ctx).Info("service deactivated", "service_id", svc.ID, "agent_id", agentID)
	c.Status(http.StatusNoContent)
}

// loadOwnedService fetches the :id service and enforces ownership,
// writing the error response itself when the check fails.
func (h *Handler) loadOwnedService(c *gin.Context, agentID string) (*Service, bool) {
	svc, err := h.store.GetService(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, ErrServiceNotFound) {
			respondError(c, http.StatusNotFound, "not_found", "Service not found")
			return nil, false
		}
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to get service")
		return nil, false
	}
	if svc.AgentID != agentID {
		respondError(c, http.StatusForbidden, "forbidden", "You do not own this service")
		return nil, false
	}
	return svc, true
}

// -----------------------------------------------------------------------------
// Helpers
// -----------------------------------------------------------------------------

func cleanCapabilities(caps []string) []string {
	out := make([]string, 0, len(caps))
	for _, s := range caps {
		s = validation.SanitizeString(s, 100)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
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

func respondValidation(c *gin.Context, errs validation.ValidationErrors) {
	c.JSON(http.StatusBadRequest, gin.H{"detail": gin.H{
		"code":    "validation_error",
		"message": errs.Error(),
		"fields":  errs,
	}})
}
