// Package handler serves the status endpoints of a running transfer process.
package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"xfer/internal/transport"
)

// Version is a string type for dependency injection of the build version.
type Version string

// StatusProvider reports transfer activity. *transport.Factory implements it.
type StatusProvider interface {
	Status() transport.Status
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	providers map[string]StatusProvider
	version   Version
}

// NewHealthHandler creates a HealthHandler reporting on the named providers.
func NewHealthHandler(providers map[string]StatusProvider, v Version) *HealthHandler {
	return &HealthHandler{providers: providers, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type poolStatus struct {
	IdleHandles  int    `json:"idle_handles"`
	PoolCapacity int    `json:"pool_capacity"`
	Fulfilled    uint64 `json:"fulfilled"`
	Rejected     uint64 `json:"rejected"`
	Retried      uint64 `json:"retried"`
}

type statusResponse struct {
	Status   string                `json:"status"`
	Version  string                `json:"version"`
	Handlers map[string]poolStatus `json:"handlers"`
}

// Status returns pool occupancy and outcome counters per handler.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{
		Status:   "ok",
		Version:  string(h.version),
		Handlers: make(map[string]poolStatus, len(h.providers)),
	}
	for name, p := range h.providers {
		s := p.Status()
		resp.Handlers[name] = poolStatus(s)
	}
	return c.JSON(http.StatusOK, resp)
}
