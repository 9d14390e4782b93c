package reconciliation

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tradeescrow/internal/logging"
)

// Handler exposes the audit to admins.
type Handler struct {
	auditor *Auditor
}

// NewHandler creates a reconciliation handler.
func NewHandler(auditor *Auditor) *Handler {
	return &Handler{auditor: auditor}
}

// RegisterRoutes sets up routes on an admin-only group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/escrow/unsettled", h.GetUnsettled)
}

// GetUnsettled handles GET /v1/admin/escrow/unsettled. ?cached=true returns
// the timer's last report instead of running a fresh audit.
func (h *Handler) GetUnsettled(c *gin.Context) {
	if c.Query("cached") == "true" {
		if last := h.auditor.Last(); last != nil {
			c.JSON(http.StatusOK, last)
			return
		}
	}

	report, err := h.auditor.Run(c.Request.Context())
	if err != nil {
		logging.L(c.Request.Context()).Error("reconciliation failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Reconciliation failed",
		})
		return
	}
	c.JSON(http.StatusOK, report)
}
