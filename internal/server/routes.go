package server

import (
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tradeescrow/internal/escrow"
	"github.com/mbd888/tradeescrow/internal/listing"
	"github.com/mbd888/tradeescrow/internal/metrics"
	"github.com/mbd888/tradeescrow/internal/notify"
	"github.com/mbd888/tradeescrow/internal/reconciliation"
	"github.com/mbd888/tradeescrow/internal/reputation"
	"github.com/mbd888/tradeescrow/internal/validation"
)

func (s *Server) setupRoutes() {
	s.router.GET("/health", s.health.Handler(s.version, 5*time.Second))
	s.router.GET("/health/live", probe(&s.healthy, "alive", "unhealthy"))
	s.router.GET("/health/ready", probe(&s.ready, "ready", "not_ready"))
	s.router.GET("/metrics", metrics.Handler())

	v1 := s.router.Group("/v1")
	v1.Use(validation.IDParam("id"))

	// Catalog and reputation reads are anonymous.
	listing.NewHandler(s.listings, s.cache).RegisterRoutes(v1)
	reputation.NewHandler(s.reputation, s.cache).RegisterRoutes(v1)

	protected := v1.Group("")
	protected.Use(requireIdentity())

	escrowHandler := escrow.NewHandler(s.escrowService, s.sweeper)
	escrowHandler.RegisterProtectedRoutes(protected)
	notifyHandler := notify.NewHandler(s.hub, s.cache)
	notifyHandler.RegisterRoutes(protected)

	admin := protected.Group("/admin")
	admin.Use(escrowHandler.AdminOnly())
	escrowHandler.RegisterAdminRoutes(admin)
	reconciliation.NewHandler(s.auditor).RegisterRoutes(admin)
	notifyHandler.RegisterAdminRoutes(admin)
}

// probe answers 200 with up while flag is set and 503 with down otherwise.
func probe(flag *atomic.Bool, up, down string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if flag.Load() {
			c.JSON(http.StatusOK, gin.H{"status": up})
			return
		}
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": down})
	}
}
