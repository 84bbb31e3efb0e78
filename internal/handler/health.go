package handler

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"time"

	"github.com/ComUnity/city-sentinel/compliance/incident"
	"github.com/ComUnity/city-sentinel/internal/client"
	"github.com/ComUnity/city-sentinel/internal/util/logger"
)

var startTime = time.Now()

// HealthStatus represents the overall health status
type HealthStatus string

const (
	HealthStatusHealthy   HealthStatus = "healthy"
	HealthStatusUnhealthy HealthStatus = "unhealthy"
	HealthStatusDegraded  HealthStatus = "degraded"
)

type HealthResponse struct {
	Status      HealthStatus           `json:"status"`
	Timestamp   time.Time              `json:"timestamp"`
	Version     string                 `json:"version,omitempty"`
	Environment string                 `json:"environment"`
	Uptime      string                 `json:"uptime"`
	Checks      map[string]CheckResult `json:"checks,omitempty"`
}

type CheckResult struct {
	Status   HealthStatus   `json:"status"`
	Message  string         `json:"message,omitempty"`
	Error    string         `json:"error,omitempty"`
	Latency  string         `json:"latency,omitempty"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// HealthChecker checks one dependency.
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) CheckResult
}

type HealthHandler struct {
	env      string
	version  string
	checkers []HealthChecker
	timeout  time.Duration
}

func NewHealthHandler(env, version string, checkers ...HealthChecker) *HealthHandler {
	return &HealthHandler{env: env, version: version, checkers: checkers, timeout: 3 * time.Second}
}

// ServeHTTP handles /healthz. Unhealthy answers 503; degraded still answers 200.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
	defer cancel()

	resp := HealthResponse{
		Status:      HealthStatusHealthy,
		Timestamp:   time.Now().UTC(),
		Version:     h.version,
		Environment: h.env,
		Uptime:      time.Since(startTime).Round(time.Second).String(),
		Checks:      make(map[string]CheckResult, len(h.checkers)),
	}
	for _, c := range h.checkers {
		start := time.Now()
		res := c.Check(ctx)
		res.Latency = time.Since(start).String()
		resp.Checks[c.Name()] = res

		switch res.Status {
		case HealthStatusUnhealthy:
			resp.Status = HealthStatusUnhealthy
		case HealthStatusDegraded:
			if resp.Status != HealthStatusUnhealthy {
				resp.Status = HealthStatusDegraded
			}
		}
	}

	status := http.StatusOK
	if resp.Status == HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
		logger.Warn("Health check unhealthy: %v", resp.Checks)
	}
	writeJSON(w, status, resp)
}

// LedgerInfo is satisfied by *ledger.Ledger.
type LedgerInfo interface {
	Seq() uint64
	Path() string
}

type LedgerChecker struct{ Ledger LedgerInfo }

func (LedgerChecker) Name() string { return "ledger" }

func (c LedgerChecker) Check(context.Context) CheckResult {
	return CheckResult{
		Status:   HealthStatusHealthy,
		Metadata: map[string]any{"path": c.Ledger.Path(), "last_seq": c.Ledger.Seq()},
	}
}

type DatabaseChecker struct{ DB *sql.DB }

func (DatabaseChecker) Name() string { return "database" }

func (c DatabaseChecker) Check(ctx context.Context) CheckResult {
	if err := c.DB.PingContext(ctx); err != nil {
		return CheckResult{Status: HealthStatusUnhealthy, Error: fmt.Sprintf("ping failed: %v", err)}
	}
	st := c.DB.Stats()
	return CheckResult{
		Status: HealthStatusHealthy,
		Metadata: map[string]any{
			"open_connections": st.OpenConnections,
			"in_use":           st.InUse,
			"idle":             st.Idle,
		},
	}
}

// RedisChecker reports degraded rather than unhealthy: the limiter keeps
// answering on backend failure.
type RedisChecker struct{ Client *client.RedisClient }

func (RedisChecker) Name() string { return "redis" }

func (c RedisChecker) Check(ctx context.Context) CheckResult {
	meta := map[string]any{"circuit": c.Client.CircuitBreakerState()}
	if err := c.Client.HealthCheck(ctx); err != nil {
		return CheckResult{Status: HealthStatusDegraded, Error: err.Error(), Metadata: meta}
	}
	return CheckResult{Status: HealthStatusHealthy, Metadata: meta}
}

// DispatcherStatser is satisfied by *incident.Dispatcher.
type DispatcherStatser interface {
	Stats() incident.DispatcherStats
}

// DispatcherChecker is degraded once deliveries start failing or being evicted.
type DispatcherChecker struct{ Dispatcher DispatcherStatser }

func (DispatcherChecker) Name() string { return "dispatcher" }

func (c DispatcherChecker) Check(context.Context) CheckResult {
	st := c.Dispatcher.Stats()
	res := CheckResult{
		Status: HealthStatusHealthy,
		Metadata: map[string]any{
			"queued":    st.Queued,
			"in_flight": st.InFlight,
			"failed":    st.Failed,
			"evicted":   st.Evicted,
		},
	}
	if st.Failed > 0 || st.Evicted > 0 {
		res.Status = HealthStatusDegraded
		res.Message = "alerts were lost"
	}
	return res
}

// DispatcherStatsHandler serves GET /dispatcher/stats.
func DispatcherStatsHandler(d DispatcherStatser) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, d.Stats())
	}
}
