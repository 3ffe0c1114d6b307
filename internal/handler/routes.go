package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"
)

// RegisterRoutes sends every path on the proxy listener to the proxy handler.
func RegisterRoutes(e *echo.Echo, proxy *ProxyHandler) {
	e.Any("/", proxy.Handle)
	e.Any("/*", proxy.Handle)
}

// RegisterAdminRoutes wires the admin endpoints. A nil metrics handler leaves
// the metrics path unregistered.
func RegisterAdminRoutes(e *echo.Echo, health *HealthHandler, metricsPath string, metricsHandler http.Handler) {
	e.GET("/healthz", health.Healthz)
	e.GET("/proxy/status", health.Status)
	e.GET("/proxy/cache", health.Cache)

	if metricsHandler != nil {
		e.GET(metricsPath, echo.WrapHandler(metricsHandler))
	}
}
