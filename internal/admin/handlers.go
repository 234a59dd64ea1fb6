package admin

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/mbd888/agora/internal/reconciliation"
)

// Handler provides admin HTTP endpoints.
type Handler struct {
	reconciler Reconciler
	payments   PaymentRecoverer
	stuckAge   time.Duration
}

// NewHandler creates a new admin handler. Wire services with the
// WithXxx builders; endpoints whose service is missing answer 503.
func NewHandler() *Handler {
	return &Handler{}
}

// WithReconciler sets the reconciliation service for on-demand audits.
func (h *Handler) WithReconciler(r Reconciler) *Handler {
	h.reconciler = r
	return h
}

// WithPaymentRecoverer sets the payment recovery service. stuckAge is
// the age cutoff used when the request does not name one.
func (h *Handler) WithPaymentRecoverer(p PaymentRecoverer, stuckAge time.Duration) *Handler {
	if stuckAge <= 0 {
		stuckAge = reconciliation.DefaultStuckAge
	}
	h.payments = p
	h.stuckAge = stuckAge
	return h
}

// RegisterRoutes sets up admin routes. The caller applies the admin
// auth middleware to the group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.POST("/admin/reconcile", h.runReconciliation)
	r.POST("/admin/payments/recover", h.recoverPayments)
}

// runReconciliation audits every agent's ledger against its transaction
// history and re-drives stuck payment credits, returning the full report.
func (h *Handler) runReconciliation(c *gin.Context) {
	if h.reconciler == nil {
		respondError(c, http.StatusServiceUnavailable, "not_configured",
			"reconciliation not configured")
		return
	}

	report, err := h.reconciler.Run(c.Request.Context())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal_error",
			"reconciliation failed: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"report": report})
}

// recoverPayments re-credits verified payments older than the cutoff.
// older_than takes a Go duration ("30m", "2h"); missing, invalid, or
// out-of-range values fall back to the configured default.
func (h *Handler) recoverPayments(c *gin.Context) {
	if h.payments == nil {
		respondError(c, http.StatusServiceUnavailable, "not_configured",
			"payment recovery not configured")
		return
	}

	olderThan := h.stuckAge
	if s := c.Query("older_than"); s != "" {
		if parsed, err := time.ParseDuration(s); err == nil && parsed > 0 && parsed <= 24*time.Hour {
			olderThan = parsed
		}
	}

	recovered, err := h.payments.RecoverStuck(c.Request.Context(), olderThan)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal_error",
			"payment recovery failed: "+err.Error())
		return
	}

	c.JSON(http.StatusOK, gin.H{"recovered": recovered, "older_than": olderThan.String()})
}

func respondError(c *gin.Context, status int, code, message string) {
	c.JSON(status, gin.H{"detail": gin.H{"code": code, "message": message}})
}
