package observability

import (
	"context"
	"database/sql"
	"net/http"
	"runtime/debug"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/platinummonkey/extforge/pkg/httputil"
)

const (
	StatusHealthy   = "healthy"
	StatusDegraded  = "degraded"
	StatusUnhealthy = "unhealthy"
)

// Probe reports whether a dependency is usable
type Probe func(ctx context.Context) error

// Dependency is a named probe. A failing critical dependency makes the
// process unhealthy; any other failure only degrades it.
type Dependency struct {
	Name     string
	Critical bool
	Probe    Probe
}

// DatabaseDependency probes the build history database
func DatabaseDependency(db *sql.DB) Dependency {
	return Dependency{
		Name: "history",
		Probe: func(ctx context.Context) error {
			if err := db.PingContext(ctx); err != nil {
				return err
			}
			var one int
			return db.QueryRowContext(ctx, "SELECT 1").Scan(&one)
		},
	}
}

// RedisDependency probes the redis server backing the project lock. The
// lock cannot be taken without it, so it is critical.
func RedisDependency(client *redis.Client) Dependency {
	return Dependency{
		Name:     "lock",
		Critical: true,
		Probe: func(ctx context.Context) error {
			return client.Ping(ctx).Err()
		},
	}
}

// HealthStatus is the body served by the readiness endpoint
type HealthStatus struct {
	Status       string                      `json:"status"`
	Timestamp    time.Time                   `json:"timestamp"`
	Version      string                      `json:"version,omitempty"`
	Dependencies map[string]DependencyStatus `json:"dependencies,omitempty"`
}

// DependencyStatus is the result of a single probe
type DependencyStatus struct {
	Status    string    `json:"status"`
	Message   string    `json:"message,omitempty"`
	LatencyMS int64     `json:"latency_ms"`
	Timestamp time.Time `json:"timestamp"`
}

// HealthChecker serves liveness and readiness for watch mode
type HealthChecker struct {
	deps    []Dependency
	version string
}

// NewHealthChecker creates a checker over deps
func NewHealthChecker(deps ...Dependency) *HealthChecker {
	return &HealthChecker{deps: deps, version: buildVersion()}
}

func buildVersion() string {
	info, ok := debug.ReadBuildInfo()
	if !ok || info.Main.Version == "" {
		return "devel"
	}
	return info.Main.Version
}

// Check runs every probe concurrently
func (h *HealthChecker) Check(ctx context.Context) HealthStatus {
	status := HealthStatus{
		Status:       StatusHealthy,
		Timestamp:    time.Now(),
		Version:      h.version,
		Dependencies: make(map[string]DependencyStatus, len(h.deps)),
	}

	var (
		mu sync.Mutex
		wg sync.WaitGroup
	)
	for _, dep := range h.deps {
		wg.Add(1)
		go func(dep Dependency) {
			defer wg.Done()
			ds := probe(ctx, dep)

			mu.Lock()
			defer mu.Unlock()
			status.Dependencies[dep.Name] = ds
			if ds.Status == StatusHealthy {
				return
			}
			if dep.Critical {
				status.Status = StatusUnhealthy
			} else if status.Status == StatusHealthy {
				status.Status = StatusDegraded
			}
		}(dep)
	}
	wg.Wait()

	return status
}

func probe(ctx context.Context, dep Dependency) DependencyStatus {
	start := time.Now()
	err := dep.Probe(ctx)
	ds := DependencyStatus{
		Status:    StatusHealthy,
		LatencyMS: time.Since(start).Milliseconds(),
		Timestamp: start,
	}
	if err != nil {
		ds.Status = StatusUnhealthy
		ds.Message = err.Error()
	}
	return ds
}

// Liveness always answers 200 while the process serves requests
func (h *HealthChecker) Liveness(w http.ResponseWriter, r *http.Request) {
	_ = httputil.WriteJSON(w, http.StatusOK, map[string]any{
		"status":    StatusHealthy,
		"timestamp": time.Now(),
	})
}

// Readiness answers 503 when a critical dependency is down
func (h *HealthChecker) Readiness(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := h.Check(ctx)
	code := http.StatusOK
	if status.Status == StatusUnhealthy {
		code = http.StatusServiceUnavailable
	}
	_ = httputil.WriteJSON(w, code, status)
}

// RegisterHealthRoutes registers the health endpoints on mux
func RegisterHealthRoutes(mux *http.ServeMux, checker *HealthChecker) {
	mux.HandleFunc("/health", checker.Readiness)
	mux.HandleFunc("/health/live", checker.Liveness)
	mux.HandleFunc("/health/ready", checker.Readiness)
}
