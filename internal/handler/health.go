package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"slow-proxy-go/internal/cache"
	"slow-proxy-go/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves the admin endpoints: liveness, status and cache listing.
type HealthHandler struct {
	cfg     *config.Config
	store   *cache.Store
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, store *cache.Store, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, store: store, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status       string `json:"status"`
	Version      string `json:"version"`
	FrontHost    string `json:"front_host"`
	Origin       string `json:"origin"`
	CacheEntries int    `json:"cache_entries"`
	MaxEntries   int    `json:"max_entries"`
	Coalesce     bool   `json:"coalesce"`
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, statusResponse{
		Status:       "ok",
		Version:      string(h.version),
		FrontHost:    h.cfg.Server.FrontHost,
		Origin:       h.cfg.Origin.Authority,
		CacheEntries: h.store.Len(),
		MaxEntries:   h.cfg.Cache.MaxEntries,
		Coalesce:     h.cfg.Cache.Coalesce,
	})
}

type cacheEntry struct {
	Method     string `json:"method"`
	Target     string `json:"target"`
	StatusCode int    `json:"status_code"`
	Size       int    `json:"size"`
}

// Cache lists the cached keys with their status code and body size.
func (h *HealthHandler) Cache(c echo.Context) error {
	entries := h.store.Entries()
	out := make([]cacheEntry, 0, len(entries))
	for _, e := range entries {
		out = append(out, cacheEntry{
			Method:     e.Key.Method,
			Target:     e.Key.Target,
			StatusCode: e.StatusCode,
			Size:       e.Size,
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"count":   len(out),
		"entries": out,
	})
}
