package server

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mbd888/tradeescrow/internal/escrow"
	"github.com/mbd888/tradeescrow/internal/idgen"
	"github.com/mbd888/tradeescrow/internal/logging"
	"github.com/mbd888/tradeescrow/internal/metrics"
	"github.com/mbd888/tradeescrow/internal/ratelimit"
	"github.com/mbd888/tradeescrow/internal/security"
	"github.com/mbd888/tradeescrow/internal/validation"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

// setupMiddleware installs the global chain. Order matters: the request ID and
// identity must be in the context before rate limiting and the access log.
func (s *Server) setupMiddleware() {
	s.router.Use(
		gin.CustomRecovery(recoverPanic),
		security.HeadersMiddleware(),
		security.CORSMiddleware(s.cfg.CORSOrigins),
		validation.RequestSizeMiddleware(validation.MaxRequestSize),
		otelgin.Middleware("tradeescrow"),
		metrics.Middleware(),
		s.requestID(),
		identity(),
	)

	rl := ratelimit.DefaultConfig()
	rl.RequestsPerMinute = s.cfg.RateLimitRPM
	rl.IdentityKey = escrow.UserIDKey
	s.rateLimiter = ratelimit.New(rl)

	s.router.Use(s.rateLimiter.Middleware(), accessLog())
}

func recoverPanic(c *gin.Context, recovered any) {
	logging.L(c.Request.Context()).Error("panic in handler",
		"panic", recovered,
		"route", c.FullPath(),
	)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
		"error":   "internal_error",
		"message": "An unexpected error occurred",
	})
}

// requestID reuses a well-formed X-Request-ID from upstream or mints one, and
// seeds the request context with the server logger.
func (s *Server) requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader("X-Request-ID")
		if !validation.IsValidID(id) {
			id = idgen.New()
		}
		ctx := logging.WithLogger(c.Request.Context(), s.logger)
		c.Request = c.Request.WithContext(logging.WithRequestID(ctx, id))
		c.Header("X-Request-ID", id)
		c.Next()
	}
}

// identity copies the caller into the gin context and the request logger.
// Routes that need a caller are guarded by requireIdentity.
func identity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if userID := validation.SanitizeString(c.GetHeader(UserHeader), 128); userID != "" {
			c.Set(escrow.UserIDKey, userID)
			c.Request = c.Request.WithContext(logging.WithUserID(c.Request.Context(), userID))
		}
		c.Next()
	}
}

func requireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.GetString(escrow.UserIDKey) == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "unauthenticated",
				"message": UserHeader + " header is required",
			})
			return
		}
		c.Next()
	}
}

// accessLog writes one line per request, at warn for 4xx and error for 5xx.
func accessLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		level := slog.LevelInfo
		switch {
		case status >= http.StatusInternalServerError:
			level = slog.LevelError
		case status >= http.StatusBadRequest:
			level = slog.LevelWarn
		}

		ctx := c.Request.Context()
		logging.L(ctx).Log(ctx, level, "request",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
			"client_ip", c.ClientIP(),
		)
	}
}
