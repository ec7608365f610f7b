package controller

import (
	"context"
	"net/http"
	"sort"
	"time"

	"github.com/gin-gonic/gin"
)

type HealthResponse struct {
	Status     string                     `json:"status"`
	Timestamp  time.Time                  `json:"timestamp"`
	Service    string                     `json:"service"`
	Version    string                     `json:"version"`
	Components map[string]ComponentStatus `json:"components"`
}

type ComponentStatus struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// HealthCheck probes one dependency; a nil error means it is reachable.
type HealthCheck func(ctx context.Context) error

type HealthController struct {
	version string
	checks  map[string]HealthCheck
	timeout time.Duration
}

func NewHealthController(version string, checks map[string]HealthCheck) *HealthController {
	return &HealthController{
		version: version,
		checks:  checks,
		timeout: 5 * time.Second,
	}
}

func (hc *HealthController) HealthCheck(c *gin.Context) {
	response := HealthResponse{
		Status:     "healthy",
		Timestamp:  time.Now(),
		Service:    "vault-ingest",
		Version:    hc.version,
		Components: make(map[string]ComponentStatus, len(hc.checks)),
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), hc.timeout)
	defer cancel()

	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := hc.checks[name](ctx); err != nil {
			response.Status = "unhealthy"
			response.Components[name] = ComponentStatus{Status: "unreachable", Message: err.Error()}
			continue
		}
		response.Components[name] = ComponentStatus{Status: "ok"}
	}

	// Set HTTP status based on health
	statusCode := http.StatusOK
	if response.Status == "unhealthy" {
		statusCode = http.StatusServiceUnavailable
	}

	c.JSON(statusCode, response)
}
