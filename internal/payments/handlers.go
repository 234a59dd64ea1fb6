package payments

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agora/internal/auth"
	"github.com/mbd888/agora/internal/chain"
	"github.com/mbd888/agora/internal/ledger"
	"github.com/mbd888/agora/internal/logging"
	"github.com/mbd888/agora/internal/registry"
	"github.com/mbd888/agora/internal/validation"
)

// Handler serves the payment endpoints.
type Handler struct {
	verifier *Verifier
}

// NewHandler creates a payment handler.
func NewHandler(verifier *Verifier) *Handler {
	return &Handler{verifier: verifier}
}

// RegisterRoutes sets up payment routes. The group must already carry
// agent authentication.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/payments/verify", h.VerifyPayment)
	r.GET("/payments", h.ListPayments)
	r.GET("/payments/:hash", h.GetPayment)
}

// VerifyPayment handles POST /payments/verify.
func (h *Handler) VerifyPayment(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := auth.AgentID(c)

	var req VerifyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}

	if errs := validation.Validate(
		validation.Required("tx_hash", req.TxHash),
		validTxHash("tx_hash", req.TxHash),
		validation.Required("amount", req.Amount),
		validation.ValidAmount("amount", req.Amount),
		validation.OneOf("transaction_type", req.Type, TypeTopUp, TypeP2P),
		validation.OneOf("currency", req.Currency, ledger.Currency),
		validation.ValidAddress("token_address", req.TokenAddress),
	); len(errs) > 0 {
		respondValidation(c, errs)
		return
	}

	res, err := h.verifier.Verify(ctx, agentID, req)
	if err != nil {
		h.respondVerifyError(c, err)
		return
	}

	body := gin.H{
		"success":           true,
		"transaction_id":    res.Transaction.ID,
		"tx_hash":           res.Transaction.TxHash,
		"amount":            res.Transaction.Amount,
		"currency":          res.Transaction.Currency,
		"credited_agent_id": res.CreditedAgentID,
		"message":           "Payment verified and credited",
		"verified_at":       res.Transaction.VerifiedAt,
		"credited_at":       res.Transaction.CreditedAt,
	}
	if res.NewBalance != nil {
		body["new_balance"] = res.NewBalance.Available
	}
	c.JSON(http.StatusOK, body)
}

// GetPayment handles GET /payments/:hash. Parties only; everyone else
// gets a 404.
func (h *Handler) GetPayment(c *gin.Context) {
	ctx := c.Request.Context()
	hash := c.Param("hash")

	if !validation.IsValidTxHash(validation.SanitizeTxHash(hash)) {
		respondError(c, http.StatusBadRequest, "invalid_request", "Invalid transaction hash")
		return
	}

	tx, err := h.verifier.Get(ctx, hash, auth.AgentID(c))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			respondError(c, http.StatusNotFound, "not_found", "Transaction not found")
			return
		}
		logging.L(ctx).Error("payment lookup failed", "tx_hash", hash, "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to load transaction")
		return
	}
	c.JSON(http.StatusOK, gin.H{"transaction": tx})
}

// ListPayments handles GET /payments?status=&limit=&offset= for the
// calling agent, covering both sides of the table.
func (h *Handler) ListPayments(c *gin.Context) {
	ctx := c.Request.Context()
	agentID := auth.AgentID(c)

	status := c.Query("status")
	switch status {
	case "", StatusPending, StatusVerified, StatusCredited, StatusFailed:
	default:
		respondError(c, http.StatusBadRequest, "invalid_request",
			"status must be one of: pending, verified, credited, failed")
		return
	}
	limit := intQuery(c, "limit", 50, 200)
	offset := intQuery(c, "offset", 0, 100000)

	list, err := h.verifier.History(ctx, agentID, status, limit, offset)
	if err != nil {
		logging.L(ctx).Error("payment list failed", "agent_id", agentID, "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error", "Failed to list payments")
		return
	}
	c.JSON(http.StatusOK, gin.H{"payments": list, "count": len(list)})
}

func (h *Handler) respondVerifyError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, ErrAlreadyProcessed), errors.Is(err, ErrDuplicateHash):
		respondError(c, http.StatusConflict, "already_processed",
			"Transaction hash has already been processed")
	case errors.Is(err, ErrVerificationFailed):
		respondError(c, http.StatusBadRequest, "verification_failed",
			strings.TrimPrefix(err.Error(), "payments: "))
	case errors.Is(err, registry.ErrAgentNotFound):
		respondError(c, http.StatusNotFound, "not_found", "Recipient agent not found")
	case errors.Is(err, ErrNoRecipient):
		respondError(c, http.StatusBadRequest, "invalid_request",
			"recipient_agent_id is required for p2p payments")
	case errors.Is(err, ErrNoWallet):
		respondError(c, http.StatusBadRequest, "invalid_request",
			"Recipient agent has no wallet address")
	case errors.Is(err, ErrUnsupportedType):
		respondError(c, http.StatusBadRequest, "invalid_request",
			"transaction_type must be top_up or p2p")
	case errors.Is(err, ledger.ErrInvalidAmount):
		respondError(c, http.StatusBadRequest, "invalid_request",
			"amount must be a positive AGNT amount")
	case errors.Is(err, ledger.ErrInvalidCurrency):
		respondError(c, http.StatusBadRequest, "invalid_request",
			"Only AGNT payments are supported")
	case errors.Is(err, chain.ErrUnavailable):
		respondError(c, http.StatusBadGateway, "upstream",
			"Chain RPC is temporarily unavailable, try again shortly")
	default:
		logging.L(c.Request.Context()).Error("payment verification error", "error", err)
		respondError(c, http.StatusInternalServerError, "internal_error",
			"Payment verification failed")
	}
}

func validTxHash(field, value string) func() *validation.ValidationError {
	return func() *validation.ValidationError {
		if value == "" {
			return nil
		}
		if !validation.IsValidTxHash(validation.SanitizeTxHash(value)) {
			return &validation.ValidationError{Field: field, Message: "must be a 0x-prefixed 32-byte transaction hash"}
		}
		return nil
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
