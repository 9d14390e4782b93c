package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/mbd888/tradeescrow/internal/traces"
)

const shutdownTimeout = 30 * time.Second

// Run listens on the configured port and starts the background workers. It
// blocks until ctx is cancelled, SIGINT or SIGTERM arrives, or serving fails,
// and then shuts everything down.
func (s *Server) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	runCtx, cancel := context.WithCancel(ctx)
	s.cancelRunCtx = cancel

	s.startTracing(runCtx)

	ln, err := net.Listen("tcp", ":"+s.cfg.Port)
	if err != nil {
		cancel()
		return fmt.Errorf("listen: %w", err)
	}
	s.httpSrv = &http.Server{
		Handler:           s.router,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		if err := s.httpSrv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	go s.hub.Run(runCtx)
	go s.sweeper.Start(runCtx)
	if s.auditTimer != nil {
		go s.auditTimer.Start(runCtx)
	}

	s.ready.Store(true)
	s.logger.Info("listening", "addr", ln.Addr().String(), "env", s.cfg.Env)

	select {
	case err := <-serveErr:
		s.logger.Error("http server failed", "error", err)
		return errors.Join(fmt.Errorf("serve: %w", err), s.Shutdown())
	case <-ctx.Done():
		s.logger.Info("shutting down", "cause", context.Cause(ctx))
	}
	return s.Shutdown()
}

func (s *Server) startTracing(ctx context.Context) {
	shutdown, err := traces.Init(ctx, traces.Config{
		Endpoint:    s.cfg.OTLPEndpoint,
		Version:     s.version,
		SampleRatio: s.cfg.TraceSampleRatio,
	}, s.logger)
	if err != nil {
		s.logger.Warn("tracing disabled", "error", err)
		return
	}
	s.traceShutdown = shutdown
}

// Shutdown stops the server. Readiness drops first and the sweeper stops
// before connections drain, so no refund starts mid-shutdown.
func (s *Server) Shutdown() error {
	s.ready.Store(false)

	s.sweeper.Stop()
	if s.auditTimer != nil {
		s.auditTimer.Stop()
	}
	if s.cancelRunCtx != nil {
		s.cancelRunCtx()
	}

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if s.httpSrv != nil {
		if err := s.httpSrv.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("http shutdown: %w", err))
		}
	}
	if s.rateLimiter != nil {
		s.rateLimiter.Stop()
	}
	if s.traceShutdown != nil {
		if err := s.traceShutdown(ctx); err != nil {
			s.logger.Warn("trace flush failed", "error", err)
		}
	}
	if s.redis != nil {
		if err := s.redis.Close(); err != nil {
			s.logger.Warn("redis close failed", "error", err)
		}
	}
	s.closeDB()

	err := errors.Join(errs...)
	if err != nil {
		s.logger.Error("shutdown incomplete", "error", err)
	} else {
		s.logger.Info("server stopped")
	}
	return err
}

func (s *Server) closeDB() {
	if s.db == nil {
		return
	}
	if err := s.db.Close(); err != nil {
		s.logger.Warn("database close failed", "error", err)
	}
}
