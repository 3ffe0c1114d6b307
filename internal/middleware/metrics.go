package middleware

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"slow-proxy-go/internal/metrics"
)

// MetricsMiddleware returns an Echo middleware that records Prometheus metrics
// for each inbound request, labelled with the listener name.
func MetricsMiddleware(m *metrics.Metrics, server string) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			m.RequestsInFlight.Inc()
			defer m.RequestsInFlight.Dec()

			start := time.Now()

			err := next(c)

			status := strconv.Itoa(statusOf(c, err))
			method := metrics.NormalizeMethod(c.Request().Method)
			duration := time.Since(start).Seconds()

			m.RequestsTotal.WithLabelValues(method, status, server).Inc()
			m.RequestDuration.WithLabelValues(method, status, server).Observe(duration)

			return err
		}
	}
}
