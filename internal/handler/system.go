package handler

import (
	"context"
	"net/http"
	"sort"
	"time"

	"kycflow/pkg/logger"
)

// Pinger is a dependency the readiness probe checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

type ServiceStatus struct {
	ID        string `json:"id"`
	Status    string `json:"status"` // operational, degraded, outage
	LatencyMs int64  `json:"latency_ms"`
	Error     string `json:"error,omitempty"`
}

type SystemStatusResponse struct {
	Status        string          `json:"status"`
	Service       string          `json:"service"`
	UptimeSeconds int64           `json:"uptime_seconds"`
	Services      []ServiceStatus `json:"services,omitempty"`
}

// SystemHandler serves liveness and readiness probes.
type SystemHandler struct {
	service   string
	deps      map[string]Pinger
	logger    logger.Logger
	startTime time.Time

	// degradedAfter marks a dependency slow but usable.
	degradedAfter time.Duration
}

func NewSystemHandler(service string, deps map[string]Pinger, log logger.Logger) *SystemHandler {
	if log == nil {
		log = logger.NewNop()
	}
	return &SystemHandler{
		service:       service,
		deps:          deps,
		logger:        log,
		startTime:     time.Now(),
		degradedAfter: 200 * time.Millisecond,
	}
}

// Health reports that the process is serving.
// GET /health
func (h *SystemHandler) Health(w http.ResponseWriter, r *http.Request) {
	respondJSON(h.logger, w, http.StatusOK, SystemStatusResponse{
		Status:        "healthy",
		Service:       h.service,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	})
}

// Ready pings every dependency and fails with 503 if any is down.
// GET /ready
func (h *SystemHandler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.deps))
	for name := range h.deps {
		names = append(names, name)
	}
	sort.Strings(names)

	resp := SystemStatusResponse{
		Status:        "ready",
		Service:       h.service,
		UptimeSeconds: int64(time.Since(h.startTime).Seconds()),
	}
	status := http.StatusOK
	for _, name := range names {
		start := time.Now()
		err := h.deps[name].Ping(ctx)
		s := ServiceStatus{ID: name, Status: "operational", LatencyMs: time.Since(start).Milliseconds()}
		switch {
		case err != nil:
			s.Status = "outage"
			s.Error = err.Error()
			resp.Status = "not_ready"
			status = http.StatusServiceUnavailable
			h.logger.Error("Readiness check failed", map[string]interface{}{"dependency": name, "error": err.Error()})
		case time.Since(start) > h.degradedAfter:
			s.Status = "degraded"
		}
		resp.Services = append(resp.Services, s)
	}
	respondJSON(h.logger, w, status, resp)
}
