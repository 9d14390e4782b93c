package notify

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tradeescrow/internal/escrow"
	"github.com/mbd888/tradeescrow/internal/logging"
)

const feedTTL = 60 * time.Second

// Cache is the read-through cache for notification feeds.
type Cache interface {
	Get(ctx context.Context, key string, dst interface{}) (bool, error)
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}

// Handler exposes the notification feed and the WebSocket endpoint.
type Handler struct {
	hub   *Hub
	cache Cache
}

// NewHandler creates a notification handler. cache may be nil.
func NewHandler(hub *Hub, cache Cache) *Handler {
	return &Handler{hub: hub, cache: cache}
}

// RegisterRoutes sets up notification routes on an identity-bearing group.
func (h *Handler) RegisterRoutes(r *gin.RouterGroup) {
	r.GET("/notifications", h.ListNotifications)
	r.GET("/ws", h.ServeWS)
}

// RegisterAdminRoutes exposes hub counters on an admin-guarded group.
func (h *Handler) RegisterAdminRoutes(r *gin.RouterGroup) {
	r.GET("/notifications/stats", h.GetStats)
}

// GetStats handles GET /v1/admin/notifications/stats
func (h *Handler) GetStats(c *gin.Context) {
	c.JSON(http.StatusOK, h.hub.Stats())
}

// ListNotifications handles GET /v1/notifications
func (h *Handler) ListNotifications(c *gin.Context) {
	ctx := c.Request.Context()
	userID := c.GetString(escrow.UserIDKey)
	limit := FeedSize
	if l := c.Query("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed < FeedSize {
			limit = parsed
		}
	}

	key := escrow.NotificationsCacheKey(userID)
	var feed []escrow.Notification
	hit := false
	if h.cache != nil && limit == FeedSize {
		if ok, err := h.cache.Get(ctx, key, &feed); err == nil && ok {
			hit = true
		}
	}
	if !hit {
		feed = h.hub.Feed(userID, limit)
		if h.cache != nil && limit == FeedSize {
			if err := h.cache.Set(ctx, key, feed, feedTTL); err != nil {
				logging.L(ctx).Warn("failed to cache notifications", "error", err)
			}
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"notifications": feed,
		"count":         len(feed),
	})
}

// ServeWS handles GET /v1/ws
func (h *Handler) ServeWS(c *gin.Context) {
	h.hub.HandleWebSocket(c.Writer, c.Request, c.GetString(escrow.UserIDKey))
}
