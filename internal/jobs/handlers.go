package jobs

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agora/internal/auth"
	"github.com/mbd888/agora/internal/ledger"
	"github.com/mbd888/agora/internal/logging"
	"github.com/mbd888/agora/internal/negotiation"
	"github.com/mbd888/agora/internal/quotes"
	"github.com/mbd888/agora/internal/registry"
	"github.com/mbd888/agora/internal/validation"
)

// Handler serves the job endpoints.
type Handler struct {
	service *Service
}

// NewHandler creates a job handler.
func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

// RegisterRoutes sets up job routes. The group must already carry
// agent authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/jobs", h.CreateJob)
	r.GET("/jobs", h.ListJobs)
	r.GET("/jobs/:id", h.GetJob)
	r.GET("/jobs/:id/tree", h.GetJobTree)
	r.POST("/jobs/:id/start", h.StartJob)
	r.POST("/jobs/:id/deliver", h.DeliverJob)
	r.POST("/jobs/:id/request-revision", h.RequestRevision)
	r.POST("/jobs/:id/complete", h.CompleteJob)
	r.POST("/jobs/:id/cancel", h.CancelJob)
	r.POST("/jobs/:id/fail", h.FailJob)
}

// CreateJob handles POST /jobs.
func (h *Handler) CreateJob(c *gin.Context) {
	ctx := c.Request.Context()
	clientID := auth.AgentID(c)

	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	validators := []func() *validation.ValidationError{
		validation.Required("service_id", req.ServiceID),
		validation.MaxLength("title", req.Title, 200),
		validation.ValidAmount("agreed_price", req.AgreedPrice),
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		respondValidation(c, errs)
		return
	}
	req.Title = validation.SanitizeString(req.Title, 200)

	j, err := h.service.Create(ctx, clientID, req)
	if err != nil {
		h.respondCreateError(c, err)
		return
	}

	logging.L(ctx).Info("job created",
		"job_id", j.ID,
		"service_id", j.ServiceID,
		"client_id", j.ClientAgentID,
		"price", j.Price)
	c.JSON(http.StatusCreated, gin.H{"job": j})
}

// GetJob handles GET /jobs/:id. Participants only.
func (h *Handler) GetJob(c *gin.Context) {
	ctx := c.Request.Context()

	j, err := h.service.Get(ctx, c.Param("id"), auth.AgentID(c))
	if err != nil {
		h.respondTransitionError(c, err, "load job")
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": j})
}

// GetJobTree handles GET /jobs/:id/tree: the job, its parent, and its
// direct sub-jobs. Participants of the root job only.
func (h *Handler) GetJobTree(c *gin.Context) {
	ctx := c.Request.Context()

	t, err := h.service.Tree(ctx, c.Param("id"), auth.AgentID(c))
	if err != nil {
		h.respondTransitionError(c, err, "load job tree")
		return
	}
	c.JSON(http.StatusOK, t)
}

// ListJobs handles GET /jobs?status=&role=&limit=&offset= for the
// calling agent, covering both sides of the table.
func (h *Handler) ListJobs(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := auth.AgentID(c)

	status := c.Query("status")
	if status != "" && !IsValidStatus(status) {
		respondError(c, http.StatusBadRequest, "invalid_request",
			"status must be one of: pending, in_progress, delivered, revision_requested, completed, cancelled, failed")
		return
	}
	role := c.Query("role")
	switch Role(role) {
	case "", RoleClient, RoleWorker:
	default:
		respondError(c, http.StatusBadRequest, "invalid_request", "role must be client or worker")
		return
	}

	list, err := h.service.List(ctx, Query{
		AgentID: agentID,
		Role:    Role(role),
		Status:  Status(status),
		Limit:   intQuery(c, "limit", 50, 200),
		Offset:  intQuery(c, "offset", 0, 100000),
	})
	if err != nil {
		logging.L(ctx).Error("job list failed", "agent_id", agentID, "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to list jobs")
		return
	}
	c.JSON(http.StatusOK, gin.H{"jobs": list, "count": len(list)})
}

// StartJob handles POST /jobs/:id/start.
func (h *Handler) StartJob(c *gin.Context) {
	ctx := c.Request.Context()

	j, err := h.service.Start(ctx, c.Param("id"), auth.AgentID(c))
	if err != nil {
		h.respondTransitionError(c, err, "start job")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":     j.ID,
		"status":     j.Status,
		"started_at": j.StartedAt,
	})
}

// DeliverJob handles POST /jobs/:id/deliver.
func (h *Handler) DeliverJob(c *gin.Context) {
	ctx := c.Request.Context()

	var req DeliverRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	validators := []func() *validation.ValidationError{
		validation.Required("artifact_type", req.ArtifactType),
		validation.OneOf("artifact_type", req.ArtifactType,
			ArtifactText, ArtifactCode, ArtifactImageURL, ArtifactJSON, ArtifactFile),
		validation.Required("content", req.Content),
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		respondValidation(c, errs)
		return
	}

	j, err := h.service.Deliver(ctx, c.Param("id"), auth.AgentID(c), req)
	if err != nil {
		h.respondTransitionError(c, err, "deliver job")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":       j.ID,
		"status":       j.Status,
		"version":      len(j.Deliverables),
		"delivered_at": j.DeliveredAt,
	})
}

// RequestRevision handles POST /jobs/:id/request-revision.
func (h *Handler) RequestRevision(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Feedback string `json:"feedback"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	validators := []func() *validation.ValidationError{
		validation.Required("feedback", req.Feedback),
		validation.MaxLength("feedback", req.Feedback, validation.MaxStringLength),
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		respondValidation(c, errs)
		return
	}
	feedback := validation.SanitizeString(req.Feedback, validation.MaxStringLength)

	j, err := h.service.RequestRevision(ctx, c.Param("id"), auth.AgentID(c), feedback)
	if err != nil {
		h.respondTransitionError(c, err, "request revision")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id": j.ID,
		"status": j.Status,
	})
}

// CompleteJob handles POST /jobs/:id/complete.
func (h *Handler) CompleteJob(c *gin.Context) {
	ctx := c.Request.Context()

	var req CompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	if req.Rating < 1 || req.Rating > 5 {
		respondError(c, http.StatusBadRequest, "invalid_request", "rating must be between 1 and 5")
		return
	}
	validators := []func() *validation.ValidationError{
		validation.MaxLength("review", req.Review, validation.MaxStringLength),
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		respondValidation(c, errs)
		return
	}
	req.Review = validation.SanitizeString(req.Review, validation.MaxStringLength)

	j, err := h.service.Complete(ctx, c.Param("id"), auth.AgentID(c), req)
	if err != nil {
		h.respondTransitionError(c, err, "complete job")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":       j.ID,
		"status":       j.Status,
		"rating":       j.Rating,
		"payout":       j.Price,
		"completed_at": j.CompletedAt,
	})
}

// CancelJob handles POST /jobs/:id/cancel.
func (h *Handler) CancelJob(c *gin.Context) {
	ctx := c.Request.Context()

	j, err := h.service.Cancel(ctx, c.Param("id"), auth.AgentID(c))
	if err != nil {
		h.respondTransitionError(c, err, "cancel job")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":   j.ID,
		"status":   j.Status,
		"refunded": j.EscrowAmount,
	})
}

// FailJob handles POST /jobs/:id/fail.
func (h *Handler) FailJob(c *gin.Context) {
	ctx := c.Request.Context()

	var req struct {
		Reason string `json:"reason"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	validators := []func() *validation.ValidationError{
		validation.Required("reason", req.Reason),
		validation.MaxLength("reason", req.Reason, validation.MaxStringLength),
	}
	if errs := validation.Validate(validators...); len(errs) > 0 {
		respondValidation(c, errs)
		return
	}
	reason := validation.SanitizeString(req.Reason, validation.MaxStringLength)

	j, err := h.service.Fail(ctx, c.Param("id"), auth.AgentID(c), reason)
	if err != nil {
		h.respondTransitionError(c, err, "fail job")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"job_id":   j.ID,
		"status":   j.Status,
		"refunded": j.EscrowAmount,
	})
}

func (h *Handler) respondCreateError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, registry.ErrServiceNotFound):
		respondError(c, http.StatusNotFound, "not_found", "Service not found")
	case errors.Is(err, ErrServiceInactive):
		respondError(c, http.StatusBadRequest, "invalid_request", "Service is not accepting new work")
	case errors.Is(err, ErrSelfHire):
		respondError(c, http.StatusBadRequest, "invalid_request", "Cannot hire your own service")
	case errors.Is(err, ErrPricingConflict):
		respondError(c, http.StatusBadRequest, "invalid_request", "Provide either negotiation_id or quote_id, not both")
	case errors.Is(err, negotiation.ErrNotFound):
		respondError(c, http.StatusNotFound, "not_found", "Negotiation not found")
	case errors.Is(err, ErrNegotiationNotAgreed):
		respondError(c, http.StatusBadRequest, "invalid_status", "Negotiation is not in agreed status")
	case errors.Is(err, ErrNegotiationMismatch):
		respondError(c, http.StatusForbidden, "forbidden", "Negotiation does not match this client and service")
	case errors.Is(err, quotes.ErrQuoteNotFound):
		respondError(c, http.StatusNotFound, "not_found", "Quote not found")
	case errors.Is(err, quotes.ErrQuoteNotUsable):
		respondError(c, http.StatusBadRequest, "invalid_status", "Quote is no longer usable")
	case errors.Is(err, ErrQuoteMismatch):
		respondError(c, http.StatusForbidden, "forbidden", "Quote does not match this client and service")
	case errors.Is(err, ErrPriceMismatch):
		respondError(c, http.StatusBadRequest, "invalid_price", "agreed_price does not match the resolved price")
	case errors.Is(err, ErrParentNotFound):
		respondError(c, http.StatusNotFound, "not_found", "Parent job not found")
	case errors.Is(err, ErrParentForbidden):
		respondError(c, http.StatusForbidden, "forbidden", "You are not part of the parent job")
	case errors.Is(err, ErrParentCycle):
		respondError(c, http.StatusBadRequest, "invalid_request", "Parent chain would form a cycle")
	case errors.Is(err, ledger.ErrInsufficientFunds), errors.Is(err, ledger.ErrAccountNotFound):
		respondError(c, http.StatusPaymentRequired, "insufficient_funds", "Balance cannot cover the job price")
	default:
		logging.L(c.Request.Context()).Error("job create failed", "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to create job")
	}
}

// respondTransitionError maps lifecycle errors. Unlike negotiations,
// outsiders get a 403 rather than a 404: job ids circulate between
// agents as a matter of course.
func (h *Handler) respondTransitionError(c *gin.Context, err error, op string) {
	switch {
	case errors.Is(err, ErrNotFound):
		respondError(c, http.StatusNotFound, "not_found", "Job not found")
	case errors.Is(err, ErrNotParticipant):
		respondError(c, http.StatusForbidden, "forbidden", "You are not part of this job")
	case errors.Is(err, ErrClientOnly):
		respondError(c, http.StatusForbidden, "forbidden", "Only the hiring client may do this")
	case errors.Is(err, ErrWorkerOnly):
		respondError(c, http.StatusForbidden, "forbidden", "Only the assigned worker may do this")
	case errors.Is(err, ErrInvalidState):
		respondError(c, http.StatusBadRequest, "invalid_status", "Job is not in a state that allows this")
	case errors.Is(err, ErrInvalidDeliverable):
		respondError(c, http.StatusBadRequest, "invalid_request", "Deliverable needs a valid artifact type and content")
	case errors.Is(err, ErrFeedbackRequired):
		respondError(c, http.StatusBadRequest, "invalid_request", "feedback is required")
	case errors.Is(err, ErrReasonRequired):
		respondError(c, http.StatusBadRequest, "invalid_request", "reason is required")
	case errors.Is(err, ErrInvalidRating):
		respondError(c, http.StatusBadRequest, "invalid_request", "rating must be between 1 and 5")
	default:
		logging.L(c.Request.Context()).Error("job transition failed", "op", op, "job_id", c.Param("id"), "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to "+op)
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
