package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// RegisterRoutes wires the status endpoints and, when metrics is non-nil,
// the metrics handler at metricsPath.
func RegisterRoutes(e *echo.Echo, health *HealthHandler, metricsPath string, metrics http.Handler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/status", health.Status)

	if metrics != nil {
		e.GET(metricsPath, echo.WrapHandler(metrics))
	}
}
