// Package health aggregates subsystem checks behind /health.
//
// Critical checks (database, sweeper) decide whether the service reports
// unhealthy. Optional checks cover best-effort dependencies such as the Redis
// cache tier: the engine keeps working on cache misses, so a failing optional
// check only marks the service degraded.
package health

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
)

// Overall statuses reported by CheckAll.
const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Checker probes one subsystem. A nil error means healthy.
type Checker func(ctx context.Context) error

// Status is the result of one check.
type Status struct {
	Name      string `json:"name"`
	Healthy   bool   `json:"healthy"`
	Optional  bool   `json:"optional,omitempty"`
	Detail    string `json:"detail,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// Report is the aggregate of every registered check.
type Report struct {
	Status string   `json:"status"`
	Checks []Status `json:"checks"`
}

type entry struct {
	name     string
	optional bool
	check    Checker
}

// Registry holds named checks and runs them on demand.
type Registry struct {
	mu      sync.RWMutex
	entries []entry
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Register adds a critical check.
func (r *Registry) Register(name string, check Checker) {
	r.add(entry{name: name, check: check})
}

// RegisterOptional adds a check whose failure only degrades the service.
func (r *Registry) RegisterOptional(name string, check Checker) {
	r.add(entry{name: name, optional: true, check: check})
}

func (r *Registry) add(e entry) {
	r.mu.Lock()
	r.entries = append(r.entries, e)
	r.mu.Unlock()
}

// CheckAll runs every check concurrently. Results keep registration order.
func (r *Registry) CheckAll(ctx context.Context) Report {
	r.mu.RLock()
	entries := make([]entry, len(r.entries))
	copy(entries, r.entries)
	r.mu.RUnlock()

	statuses := make([]Status, len(entries))
	var wg sync.WaitGroup
	for i, e := range entries {
		wg.Add(1)
		go func() {
			defer wg.Done()
			start := time.Now()
			err := e.check(ctx)
			statuses[i] = Status{
				Name:      e.name,
				Healthy:   err == nil,
				Optional:  e.optional,
				LatencyMs: time.Since(start).Milliseconds(),
			}
			if err != nil {
				statuses[i].Detail = err.Error()
			}
		}()
	}
	wg.Wait()

	overall := StatusHealthy
	for _, s := range statuses {
		if s.Healthy {
			continue
		}
		if !s.Optional {
			overall = StatusUnhealthy
			break
		}
		overall = StatusDegraded
	}
	return Report{Status: overall, Checks: statuses}
}

// Pinger is anything that can report connectivity, such as *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Database checks that the escrow database answers a ping.
func Database(db Pinger) Checker {
	return db.PingContext
}

// Running checks a background loop such as the timeout sweeper.
func Running(running func() bool) Checker {
	return func(context.Context) error {
		if !running() {
			return errNotRunning
		}
		return nil
	}
}

type healthError string

func (e healthError) Error() string { return string(e) }

const errNotRunning = healthError("not running")

// Response is the body of GET /health.
type Response struct {
	Report
	Version   string `json:"version"`
	Timestamp string `json:"timestamp"`
}

// Handler runs every check under timeout. It responds 503 only when a
// critical check fails.
func (r *Registry) Handler(version string, timeout time.Duration) gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), timeout)
		defer cancel()

		report := r.CheckAll(ctx)
		code := http.StatusOK
		if report.Status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, Response{
			Report:    report,
			Version:   version,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		})
	}
}
