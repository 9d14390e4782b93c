package reputation

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tradeescrow/internal/logging"
)

const profileTTL = 5 * time.Minute

// Cache is the subset of the service cache the handler reads through.
type Cache interface {
	Get(ctx context.Context, key string, dst interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// CacheKey is the cache entry for a user's profile. Escrow ratings
// invalidate the same key.
func CacheKey(userID string) string { return "user:" + userID }

// Handler provides HTTP endpoints for reputation
type Handler struct {
	store Store
	cache Cache
}

// NewHandler creates a new reputation handler. cache may be nil.
func NewHandler(store Store, cache Cache) *Handler {
	return &Handler{store: store, cache: cache}
}

// RegisterRoutes sets up reputation endpoints
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/users/:id/reputation", h.GetReputation)
}

// GetReputation handles GET /v1/users/:id/reputation
func (h *Handler) GetReputation(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.Param("id")
	key := CacheKey(userID)

	if h.cache != nil {
		var cached Profile
		if ok, err := h.cache.Get(ctx, key, &cached); err == nil && ok {
			c.JSON(http.StatusOK, gin.H{"reputation": cached})
			return
		}
	}

	profile, err := h.store.Get(ctx, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "internal_error",
			"message": "Failed to load reputation",
		})
		return
	}

	if h.cache != nil {
		if err := h.cache.Set(ctx, key, profile, profileTTL); err != nil {
			logging.L(ctx).Warn("failed to cache reputation", "user", userID, "error", err)
		}
	}
	c.JSON(http.StatusOK, gin.H{"reputation": profile})
}
