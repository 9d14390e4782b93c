package escrow

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tradeescrow/internal/logging"
	"github.com/mbd888/tradeescrow/internal/validation"
)

// UserIDKey is the gin context key holding the authenticated user ID.
const UserIDKey = "authUserID"

// Handler provides HTTP endpoints for escrow operations.
type Handler struct {
	service *Service
	sweeper *Sweeper
}

// NewHandler creates a new escrow handler.
func NewHandler(service *Service, sweeper *Sweeper) *Handler {
	return &Handler{service: service, sweeper: sweeper}
}

// RegisterProtectedRoutes sets up escrow routes that require an identity.
func (h *Handler) RegisterProtectedRoutes(r *gin.RouterGroup) {
	r.POST("/escrow", h.CreateEscrow)
	r.GET("/escrow/my", h.ListMine)
	r.GET("/escrow/:id", h.GetEscrow)
	r.POST("/escrow/:id/lock", h.LockEscrow)
	r.POST("/escrow/:id/ship", h.ShipEscrow)
	r.POST("/escrow/:id/confirm-delivery", h.ConfirmDelivery)
	r.POST("/escrow/:id/dispute", h.DisputeEscrow)
	r.POST("/escrow/:id/resolve", h.ResolveDispute)
	r.POST("/escrow/:id/cancel", h.CancelEscrow)
	r.POST("/escrow/:id/rate", h.RateEscrow)
}

// RegisterAdminRoutes sets up admin-only routes. The group must already be
// guarded by AdminOnly.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/escrow/stats", h.GetStats)
	r.GET("/escrow/disputes", h.ListDisputes)
	r.POST("/escrow/process-timeouts", h.ProcessTimeouts)
}

// AdminOnly rejects callers the service does not recognise as admins.
func (h *Handler) AdminOnly() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !h.service.IsAdmin(c.Request.Context(), c.GetString(UserIDKey)) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error":   "forbidden",
				"message": "Admin access required",
			})
			return
		}
		c.Next()
	}
}

// LockRequest is the body of POST /v1/escrow/:id/lock.
type LockRequest struct {
	LockRef string `json:"lockRef"`
}

// DisputeRequest is the body of POST /v1/escrow/:id/dispute.
type DisputeRequest struct {
	Reason string `json:"reason" binding:"required"`
}

// ResolveRequest is the body of POST /v1/escrow/:id/resolve.
type ResolveRequest struct {
	Resolution  string `json:"resolution" binding:"required"`
	FavourBuyer bool   `json:"favourBuyer"`
}

// RateRequest is the body of POST /v1/escrow/:id/rate.
type RateRequest struct {
	Score   int    `json:"score" binding:"required"`
	Comment string `json:"comment"`
}

// CreateEscrow handles POST /v1/escrow
func (h *Handler) CreateEscrow(c *gin.Context) {
	var req CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "listingId is required",
		})
		return
	}

	rules := []validation.Rule{
		validation.ValidID("listing_id", req.ListingID),
	}
	if req.RentalPeriod != nil {
		rules = append(rules,
			validation.ValidTimeRange("rental_period", req.RentalPeriod.From, req.RentalPeriod.To))
	}
	if errs := validation.Validate(rules...); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	req.BuyerID = c.GetString(UserIDKey)
	respond(c, http.StatusCreated)(h.service.Create(c.Request.Context(), req))
}

// GetEscrow handles GET /v1/escrow/:id
func (h *Handler) GetEscrow(c *gin.Context) {
	respond(c, http.StatusOK)(h.service.Get(c.Request.Context(), c.Param("id"), c.GetString(UserIDKey)))
}

// pageLimit reads ?limit, defaulting to 50 and capped at 200.
func pageLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.Query("limit"))
	switch {
	case err != nil || limit <= 0:
		return 50
	case limit > 200:
		return 200
	}
	return limit
}

// ListMine handles GET /v1/escrow/my?role=buyer|seller&state=...&cursor=...
func (h *Handler) ListMine(c *gin.Context) {
	limit := pageLimit(c)
	role := PartyRole(c.DefaultQuery("role", string(RoleBuyer)))
	if role != RoleBuyer && role != RoleSeller {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": "role must be buyer or seller",
		})
		return
	}

	escrows, next, err := h.service.ListMine(c.Request.Context(), c.GetString(UserIDKey), role,
		State(c.Query("state")), c.Query("cursor"), limit)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows":    escrows,
		"count":      len(escrows),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

// LockEscrow handles POST /v1/escrow/:id/lock
func (h *Handler) LockEscrow(c *gin.Context) {
	var req LockRequest
	// The body is optional; an absent lockRef is generated by the service.
	_ = c.ShouldBindJSON(&req)

	respond(c, http.StatusOK)(h.service.Lock(c.Request.Context(), c.Param("id"), c.GetString(UserIDKey),
		validation.SanitizeString(req.LockRef, 255)))
}

// ShipEscrow handles POST /v1/escrow/:id/ship
func (h *Handler) ShipEscrow(c *gin.Context) {
	respond(c, http.StatusOK)(h.service.Ship(c.Request.Context(), c.Param("id"), c.GetString(UserIDKey)))
}

// ConfirmDelivery handles POST /v1/escrow/:id/confirm-delivery
func (h *Handler) ConfirmDelivery(c *gin.Context) {
	respond(c, http.StatusOK)(h.service.ConfirmDelivery(c.Request.Context(), c.Param("id"), c.GetString(UserIDKey)))
}

// DisputeEscrow handles POST /v1/escrow/:id/dispute
func (h *Handler) DisputeEscrow(c *gin.Context) {
	var req DisputeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "Reason is required",
		})
		return
	}

	respond(c, http.StatusOK)(h.service.RaiseDispute(c.Request.Context(), c.Param("id"), c.GetString(UserIDKey),
		validation.SanitizeString(req.Reason, maxReasonLength)))
}

// ResolveDispute handles POST /v1/escrow/:id/resolve
func (h *Handler) ResolveDispute(c *gin.Context) {
	var req ResolveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "resolution is required",
		})
		return
	}

	respond(c, http.StatusOK)(h.service.ResolveDispute(c.Request.Context(), c.Param("id"), c.GetString(UserIDKey),
		req.Resolution, req.FavourBuyer))
}

// CancelEscrow handles POST /v1/escrow/:id/cancel
func (h *Handler) CancelEscrow(c *gin.Context) {
	respond(c, http.StatusOK)(h.service.Cancel(c.Request.Context(), c.Param("id"), c.GetString(UserIDKey)))
}

// RateEscrow handles POST /v1/escrow/:id/rate
func (h *Handler) RateEscrow(c *gin.Context) {
	var req RateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "invalid_request",
			"message": "score is required",
		})
		return
	}
	if errs := validation.Validate(
		validation.IntRange("score", req.Score, 1, 5),
		validation.MaxLength("comment", req.Comment, maxCommentLength),
	); len(errs) > 0 {
		c.JSON(http.StatusBadRequest, gin.H{
			"error":   "validation_error",
			"message": errs.Error(),
			"details": errs,
		})
		return
	}

	respond(c, http.StatusOK)(h.service.Rate(c.Request.Context(), c.Param("id"), c.GetString(UserIDKey), req.Score, req.Comment))
}

// ListDisputes handles GET /v1/admin/escrow/disputes?cursor=...
func (h *Handler) ListDisputes(c *gin.Context) {
	escrows, next, err := h.service.ListDisputes(c.Request.Context(), c.GetString(UserIDKey),
		c.Query("cursor"), pageLimit(c))
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"escrows":    escrows,
		"count":      len(escrows),
		"nextCursor": next,
		"hasMore":    next != "",
	})
}

// GetStats handles GET /v1/admin/escrow/stats
func (h *Handler) GetStats(c *gin.Context) {
	stats, err := h.service.Stats(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, stats)
}

// ProcessTimeouts handles POST /v1/admin/escrow/process-timeouts
func (h *Handler) ProcessTimeouts(c *gin.Context) {
	n, err := h.sweeper.ProcessTimeouts(c.Request.Context(), h.service.now())
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{"refunded": n})
}

// respond writes the escrow under status, or maps err to its API error.
func respond(c *gin.Context, status int) func(*Escrow, error) {
	return func(e *Escrow, err error) {
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(status, gin.H{"escrow": e})
	}
}

var apiErrors = []struct {
	err    error
	status int
	code   string
}{
	{ErrNotFound, http.StatusNotFound, "not_found"},
	{ErrListingNotFound, http.StatusNotFound, "listing_not_found"},
	{ErrUnauthorized, http.StatusForbidden, "unauthorized"},
	{ErrLockNotConfirmed, http.StatusConflict, "lock_not_confirmed"},
	{ErrInvalidTransition, http.StatusConflict, "invalid_state"},
	{ErrDuplicateActive, http.StatusConflict, "duplicate_escrow"},
	{ErrListingUnavailable, http.StatusConflict, "listing_unavailable"},
	{ErrAlreadyRated, http.StatusConflict, "already_rated"},
	{ErrValidation, http.StatusBadRequest, "validation_error"},
}

func writeError(c *gin.Context, err error) {
	for _, e := range apiErrors {
		if errors.Is(err, e.err) {
			c.JSON(e.status, gin.H{"error": e.code, "message": err.Error()})
			return
		}
	}
	logging.L(c.Request.Context()).Error("escrow request failed", "error", err)
	c.JSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "Internal server error",
	})
}
