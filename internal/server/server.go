// Package server wires storage, ports and the escrow engine behind the HTTP API.
package server

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	_ "github.com/lib/pq"
	"github.com/mbd888/tradeescrow/internal/cache"
	"github.com/mbd888/tradeescrow/internal/circuitbreaker"
	"github.com/mbd888/tradeescrow/internal/config"
	"github.com/mbd888/tradeescrow/internal/escrow"
	"github.com/mbd888/tradeescrow/internal/health"
	"github.com/mbd888/tradeescrow/internal/listing"
	"github.com/mbd888/tradeescrow/internal/logging"
	"github.com/mbd888/tradeescrow/internal/metrics"
	"github.com/mbd888/tradeescrow/internal/notify"
	"github.com/mbd888/tradeescrow/internal/paymentrail"
	"github.com/mbd888/tradeescrow/internal/ratelimit"
	"github.com/mbd888/tradeescrow/internal/reconciliation"
	"github.com/mbd888/tradeescrow/internal/reputation"
	"github.com/mbd888/tradeescrow/migrations"
	"github.com/redis/go-redis/v9"
)

// UserHeader carries the caller identity. Authentication happens upstream.
const UserHeader = "X-User-ID"

// Connection pool limits for the Postgres handle.
const (
	maxOpenConns    = 25
	maxIdleConns    = 5
	connMaxLifetime = 5 * time.Minute
)

// Server owns every long-lived dependency of the API process.
type Server struct {
	cfg     *config.Config
	logger  *slog.Logger
	version string

	db          *sql.DB       // nil when running in memory
	redis       *redis.Client // nil without REDIS_URL
	listings    listing.Store
	reputation  reputation.Store
	escrowStore escrow.Store
	cache       *cache.Cache
	rail        escrow.PaymentRail
	hub         *notify.Hub

	escrowService *escrow.Service
	sweeper       *escrow.Sweeper
	auditor       *reconciliation.Auditor
	auditTimer    *reconciliation.Timer // nil when RECONCILE_INTERVAL is 0

	health      *health.Registry
	rateLimiter *ratelimit.Limiter
	router      *gin.Engine
	httpSrv     *http.Server

	cancelRunCtx  context.CancelFunc
	traceShutdown func(context.Context) error

	ready   atomic.Bool
	healthy atomic.Bool
}

// Option customises a Server before its dependencies are built.
type Option func(*Server)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithVersion sets the build version reported by /health and on trace resources.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithPaymentRail replaces the configured rail, mostly for tests.
func WithPaymentRail(r escrow.PaymentRail) Option {
	return func(s *Server) { s.rail = r }
}

// WithListingStore replaces the listing catalog, mostly for tests.
func WithListingStore(l listing.Store) Option {
	return func(s *Server) { s.listings = l }
}

// New builds the server from cfg. Postgres, Redis and the HTTP payment rail
// are used when configured; otherwise the in-memory and simulated variants are.
func New(cfg *config.Config, opts ...Option) (*Server, error) {
	s := &Server{
		cfg:     cfg,
		logger:  logging.New(cfg.LogLevel, cfg.LogFormat),
		health:  health.NewRegistry(),
		version: "dev",
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx := context.Background()

	if err := s.setupStorage(ctx); err != nil {
		return nil, err
	}
	if err := s.setupCache(ctx); err != nil {
		s.closeDB()
		return nil, err
	}
	s.setupRail()

	s.hub = notify.NewHub(s.logger)

	s.escrowService = escrow.NewService(s.escrowStore, s.listings, s.rail).
		WithNotifier(s.hub).
		WithCache(s.cache).
		WithReputation(s.reputation).
		WithAdmins(escrow.NewStaticAdmins(cfg.AdminIDs...)).
		WithFeePercent(cfg.PlatformFeePercent).
		WithTimeout(cfg.EscrowTimeout).
		WithPortTimeout(cfg.PortTimeout)

	s.sweeper = escrow.NewSweeper(s.escrowService, s.escrowStore, s.logger).
		WithInterval(cfg.SweepInterval).
		WithBatchSize(cfg.SweepBatchSize).
		WithConcurrency(cfg.SweepConcurrency)
	s.health.Register("sweeper", health.Running(s.sweeper.Running))

	s.auditor = reconciliation.NewAuditor(s.escrowStore, s.logger)
	if cfg.ReconcileInterval > 0 {
		s.auditTimer = reconciliation.NewTimer(s.auditor, cfg.ReconcileInterval, s.logger)
	}

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	s.router = gin.New()
	s.setupMiddleware()
	s.setupRoutes()

	s.healthy.Store(true)
	return s, nil
}

func (s *Server) setupStorage(ctx context.Context) error {
	if s.cfg.DatabaseURL == "" {
		if s.listings == nil {
			mem := listing.NewMemoryStore()
			if s.cfg.IsDevelopment() {
				seedDemoListings(ctx, mem, s.logger)
			}
			s.listings = mem
		}
		s.reputation = reputation.NewMemoryStore()
		s.escrowStore = escrow.NewMemoryStore()
		s.logger.Warn("using in-memory storage; data is lost on restart")
		return nil
	}

	db, err := openDatabase(ctx, s.cfg.DatabaseURL)
	if err != nil {
		return err
	}
	s.db = db
	if s.listings == nil {
		s.listings = listing.NewPostgresStore(db)
	}
	s.reputation = reputation.NewPostgresStore(db)
	s.escrowStore = escrow.NewPostgresStore(db)

	s.health.Register("database", health.Database(db))
	if err := metrics.RegisterDB(db); err != nil {
		s.logger.Warn("database pool metrics unavailable", "error", err)
	}
	s.logger.Info("using postgres storage", "url", redactDSN(s.cfg.DatabaseURL))
	return nil
}

// openDatabase connects, verifies and migrates the Postgres database at dsn.
func openDatabase(ctx context.Context, dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if err := migrations.Up(ctx, db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return db, nil
}

func (s *Server) setupCache(ctx context.Context) error {
	if s.cfg.RedisURL != "" {
		client, err := cache.Connect(ctx, s.cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		s.redis = client
		s.health.RegisterOptional("redis", func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		})
		s.logger.Info("using redis cache")
	}
	s.cache = cache.New(s.redis)
	return nil
}

func (s *Server) setupRail() {
	if s.rail != nil {
		return
	}
	if s.cfg.PaymentRailURL == "" {
		s.rail = paymentrail.NewSimulated()
		s.logger.Warn("payment rail simulated: every lock is confirmed")
		return
	}

	breaker := circuitbreaker.New(5, 30*time.Second)
	breaker.OnTransition(func(key string, from, to circuitbreaker.State) {
		s.logger.Warn("payment rail circuit changed",
			"operation", key, "from", from.String(), "to", to.String())
	})
	s.health.RegisterOptional("payment_rail", func(context.Context) error {
		if open := breaker.Open(); len(open) > 0 {
			return fmt.Errorf("circuit open: %s", strings.Join(open, ", "))
		}
		return nil
	})

	s.rail = paymentrail.NewClient(s.cfg.PaymentRailURL, s.cfg.PaymentRailAPIKey, 10*time.Second).
		WithRetry(3, 200*time.Millisecond).
		WithBreaker(breaker)
	s.logger.Info("payment rail configured", "url", s.cfg.PaymentRailURL)
}

// redactDSN replaces the password in a connection URL.
func redactDSN(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return "[unparseable dsn]"
	}
	if _, ok := u.User.Password(); ok {
		u.User = url.UserPassword(u.User.Username(), "redacted")
	}
	return u.String()
}

// Router exposes the gin engine so tests can drive requests without a listener.
func (s *Server) Router() *gin.Engine {
	return s.router
}
