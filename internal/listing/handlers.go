package listing

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tradeescrow/internal/escrow"
	"github.com/mbd888/tradeescrow/internal/logging"
)

const listingTTL = 120 * time.Second

// Cache is the read-through cache for listing lookups.
type Cache interface {
	Get(ctx context.Context, key string, dst interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Handler serves listing reads.
type Handler struct {
	store Store
	cache Cache
}

// NewHandler creates a new listing handler. cache may be nil.
func NewHandler(store Store, cache Cache) *Handler {
	return &Handler{store: store, cache: cache}
}

// RegisterRoutes sets up listing routes
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/listings/:id", h.GetListing)
}

// GetListing handles GET /v1/listings/:id
func (h *Handler) GetListing(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	key := escrow.ListingCacheKey(id)

	if h.cache != nil {
		var cached Listing
		if ok, err := h.cache.Get(ctx, key, &cached); err == nil && ok {
			c.JSON(http.StatusOK, gin.H{"listing": cached})
			return
		}
	}

	l, err := h.store.Get(ctx, id)
	if errors.Is(err, escrow.ErrListingNotFound) {
		c.JSON(http.StatusNotFound, gin.H{
			"error":   "listing_not_found",
			"message": "Listing not found",
		})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load listing",
		})
		return
	}

	if h.cache != nil {
		if err := h.cache.Set(ctx, key, l, listingTTL); err != nil {
			logging.L(ctx).Warn("failed to cache listing", "listing", id, "error", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"listing": l})
}
