package handlers

import (
	"context"
	"net/http"
	"time"
)

const version = "0.1.0"

// ServiceCheck reports one upstream dependency.
type ServiceCheck struct {
	Connected bool   `json:"connected"`
	Latency   string `json:"latency,omitempty"` // e.g., "2ms"
	Message   string `json:"message,omitempty"`
}

// HealthResponse is the health check body. It deliberately skips the
// success envelope so load balancers can parse it without unwrapping.
type HealthResponse struct {
	Status    string                  `json:"status"` // "healthy", "degraded" or "unhealthy"
	Version   string                  `json:"version"`
	Services  map[string]ServiceCheck `json:"services"`
	Timestamp string                  `json:"timestamp"`
}

// Health handles the health check endpoint. Redis being unreachable
// degrades the report; it never fails the process.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	services := make(map[string]ServiceCheck)
	status := "healthy"
	statusCode := http.StatusOK

	if h.store == nil {
		services["redis"] = ServiceCheck{Connected: false, Message: "not configured"}
		status = "unhealthy"
		statusCode = http.StatusServiceUnavailable
	} else {
		start := time.Now()
		if err := h.store.Ping(ctx); err != nil {
			services["redis"] = ServiceCheck{Connected: false, Message: "connection failed"}
			status = "degraded"
			statusCode = http.StatusServiceUnavailable
		} else {
			services["redis"] = ServiceCheck{Connected: true, Latency: time.Since(start).String()}
		}
	}

	h.JSON(w, statusCode, HealthResponse{
		Status:    status,
		Version:   version,
		Services:  services,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	})
}

// Root serves a minimal service identity document.
func (h *Handler) Root(w http.ResponseWriter, r *http.Request) {
	h.JSON(w, http.StatusOK, map[string]string{
		"service": "guildscope",
		"version": version,
		"health":  "/health",
		"metrics": "/metrics",
	})
}
