package quotes

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agora/internal/auth"
	"github.com/mbd888/agora/internal/logging"
	"github.com/mbd888/agora/internal/registry"
	"github.com/mbd888/agora/internal/validation"
)

// ServiceSource resolves the service a quote is being requested against.
// registry.Store satisfies it.
type ServiceSource interface {
	GetService(ctx context.Context, id string) (*registry.Service, error)
}

// Handler serves quote requests.
type Handler struct {
	store    Store
	services ServiceSource
	ttl      time.Duration
}

// NewHandler creates a quote handler. ttl bounds how long a quote stays
// acceptable; zero falls back to one hour.
func NewHandler(store Store, services ServiceSource, ttl time.Duration) *Handler {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Handler{store: store, services: services, ttl: ttl}
}

// RegisterRoutes sets up quote routes. The group must already carry
// agent authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/quotes", h.RequestQuote)
	r.GET("/quotes", h.ListQuotes)
	r.GET("/quotes/:id", h.GetQuote)
}

// QuoteRequest is the body for POST /quotes.
type QuoteRequest struct {
	ServiceID       string `json:"service_id"`
	JobDescription  string `json:"job_description"`
	MaxPriceWilling string `json:"max_price_willing"`
}

// RequestQuote handles POST /quotes. Pricing is deterministic: the
// midpoint of the overlap between the service's range and the budget.
func (h *Handler) RequestQuote(c *gin.Context) {
	ctx := c.Request.Context()
	clientID := auth.AgentID(c)

	var req QuoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	if errs := validation.Validate(
		validation.Required("service_id", req.ServiceID),
		validation.Required("max_price_willing", req.MaxPriceWilling),
		validation.ValidAmount("max_price_willing", req.MaxPriceWilling),
		validation.MaxLength("job_description", req.JobDescription, validation.MaxStringLength),
	); len(errs) > 0 {
		respondValidation(c, errs)
		return
	}

	svc, err := h.services.GetService(ctx, req.ServiceID)
	if err != nil {
		if errors.Is(err, registry.ErrServiceNotFound) {
			respondError(c, http.StatusNotFound, "not_found", "Service not found")
			return
		}
		logging.L(ctx).Error("quote service lookup failed", "service_id", req.ServiceID, "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to look up service")
		return
	}
	if !svc.Active {
		respondError(c, http.StatusBadRequest, "invalid_request", "Service is not accepting new work")
		return
	}

	quoted, err := Compute(svc.MinPrice, svc.MaxPrice, req.MaxPriceWilling)
	if err != nil {
		respondError(c, http.StatusBadRequest, "invalid_price",
			fmt.Sprintf("Budget is below the service minimum price of %s AGNT", svc.MinPrice))
		return
	}

	now := time.Now().UTC()
	quote := &Quote{
		ServiceID:       svc.ID,
		ClientAgentID:   clientID,
		JobDescription:  validation.SanitizeString(req.JobDescription, validation.MaxStringLength),
		MaxPriceWilling: req.MaxPriceWilling,
		QuotedPrice:     quoted,
		ServiceMinPrice: svc.MinPrice,
		ServiceMaxPrice: svc.MaxPrice,
		Status:          StatusPending,
		ValidUntil:      now.Add(h.ttl),
		CreatedAt:       now,
	}
	if err := h.store.Create(ctx, quote); err != nil {
		logging.L(ctx).Error("quote create failed", "service_id", svc.ID, "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to create quote")
		return
	}

	logging.L(ctx).Info("quote issued",
		"quote_id", quote.ID,
		"service_id", svc.ID,
		"client_id", clientID,
		"quoted_price", quoted)
	c.JSON(http.StatusCreated, gin.H{"quote": quote})
}

// GetQuote handles GET /quotes/:id. Quotes are private to the client
// that requested them; everyone else gets a 404.
func (h *Handler) GetQuote(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	quote, err := h.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, ErrQuoteNotFound) {
			respondError(c, http.StatusNotFound, "not_found", "Quote not found")
			return
		}
		logging.L(ctx).Error("quote lookup failed", "quote_id", id, "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to load quote")
		return
	}
	if quote.ClientAgentID != auth.AgentID(c) {
		respondError(c, http.StatusNotFound, "not_found", "Quote not found")
		return
	}
	c.JSON(http.StatusOK, gin.H{"quote": quote})
}

// ListQuotes handles GET /quotes for the calling agent.
func (h *Handler) ListQuotes(c *gin.Context) {
	ctx := c.Request.Context()
	clientID := auth.AgentID(c)
	limit := intQuery(c, "limit", 50, 200)

	list, err := h.store.ListByClient(ctx, clientID, limit)
	if err != nil {
		logging.L(ctx).Error("quote list failed", "client_id", clientID, "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to list quotes")
		return
	}
	c.JSON(http.StatusOK, gin.H{"quotes": list, "count": len(list)})
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
