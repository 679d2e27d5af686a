package handlers

import (
	"context"
	"net/http"
	"os"
	"runtime"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-knowledge/pkg/config"
	"github.com/ekaya-inc/ekaya-knowledge/pkg/services"
)

// ServiceName is reported by /ping.
const ServiceName = "ekaya-knowledge"

// PingResponse contains service status and version information.
type PingResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Service     string `json:"service"`
	GoVersion   string `json:"go_version"`
	Hostname    string `json:"hostname"`
	Environment string `json:"environment"`
}

// ServicesHealthResponse aggregates the health of every registered service.
type ServicesHealthResponse struct {
	Status   services.HealthStatus `json:"status"`
	Services []services.Health     `json:"services"`
}

// HealthProber is any service that can report its health.
type HealthProber interface {
	Health(ctx context.Context) services.Health
}

// HealthHandler handles health check, ping and metrics endpoints.
type HealthHandler struct {
	cfg     *config.Config
	probes  []HealthProber
	metrics http.Handler
	logger  *zap.Logger
}

// NewHealthHandler creates a new HealthHandler. metrics may be nil, in which case
// /metrics is not registered.
func NewHealthHandler(cfg *config.Config, metrics http.Handler, logger *zap.Logger, probes ...HealthProber) *HealthHandler {
	return &HealthHandler{cfg: cfg, probes: probes, metrics: metrics, logger: logger}
}

// RegisterRoutes registers the health handler's routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /health/services", h.Services)
	mux.HandleFunc("GET /ping", h.Ping)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics)
	}
}

// Health handles GET /health requests.
// Returns a simple "ok" status for load balancer health checks.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// Services handles GET /health/services requests.
// Any unhealthy service turns the response into a 503; degraded services do not.
func (h *HealthHandler) Services(w http.ResponseWriter, r *http.Request) {
	response := ServicesHealthResponse{
		Status:   services.HealthHealthy,
		Services: make([]services.Health, 0, len(h.probes)),
	}
	for _, p := range h.probes {
		health := p.Health(r.Context())
		response.Services = append(response.Services, health)
		switch health.Status {
		case services.HealthUnhealthy:
			response.Status = services.HealthUnhealthy
		case services.HealthDegraded:
			if response.Status == services.HealthHealthy {
				response.Status = services.HealthDegraded
			}
		}
	}

	status := http.StatusOK
	if response.Status == services.HealthUnhealthy {
		status = http.StatusServiceUnavailable
	}
	if err := WriteJSON(w, status, response); err != nil {
		h.logger.Error("Failed to encode services health response", zap.Error(err))
	}
}

// Ping handles GET /ping requests.
// Returns detailed service information including version and environment.
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	hostname, err := os.Hostname()
	if err != nil {
		http.Error(w, "failed to get hostname", http.StatusInternalServerError)
		return
	}

	response := PingResponse{
		Status:      "ok",
		Version:     h.cfg.Version,
		Service:     ServiceName,
		GoVersion:   runtime.Version(),
		Hostname:    hostname,
		Environment: h.cfg.Env,
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode ping response", zap.Error(err))
	}
}
