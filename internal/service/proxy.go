// Package service implements the host gate and the read-through path from the
// response cache to the origin.
package service

import (
	"context"
	"log/slog"
	"strings"

	"slow-proxy-go/internal/cache"
	"slow-proxy-go/internal/config"
	"slow-proxy-go/internal/metrics"
	"slow-proxy-go/internal/model"
)

// Fetcher performs a single origin request. *client.OriginClient implements it.
type Fetcher interface {
	Fetch(ctx context.Context, pr *model.ProxyRequest) (*model.ProxyResponse, error)
}

// CheckHost accepts authority when its hostname, the part before the first
// ':', equals frontHost byte for byte. Any port is allowed. An empty hostname
// never matches.
func CheckHost(authority, frontHost string) error {
	host, _, _ := strings.Cut(authority, ":")
	if host == "" || host != frontHost {
		return &model.UnsupportedHostError{Host: host}
	}
	return nil
}

// ProxyService answers proxied requests from the cache, falling back to the origin.
type ProxyService struct {
	origin    Fetcher
	store     *cache.Store
	frontHost string
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// NewProxyService creates a ProxyService.
// The metrics parameter is optional; pass nil to disable cache lookup metrics.
func NewProxyService(origin Fetcher, store *cache.Store, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *ProxyService {
	return &ProxyService{
		origin:    origin,
		store:     store,
		frontHost: cfg.Server.FrontHost,
		logger:    logger.With("component", "proxy_service"),
		metrics:   m,
	}
}

// Serve returns the response for pr. Requests for other hosts fail with
// *model.UnsupportedHostError before the cache or the origin is touched.
// Otherwise the cache is consulted by (method, target) and a miss is fetched
// from the origin and stored; failed fetches are not stored.
func (s *ProxyService) Serve(ctx context.Context, pr *model.ProxyRequest) (*model.ProxyResponse, cache.Outcome, error) {
	if err := CheckHost(pr.Authority, s.frontHost); err != nil {
		return nil, "", err
	}

	key := cache.Key{Method: pr.Method, Target: pr.Target}
	res, outcome, err := s.store.Load(ctx, key, func(ctx context.Context) (*model.ProxyResponse, error) {
		return s.origin.Fetch(ctx, pr)
	})
	if s.metrics != nil {
		s.metrics.CacheLookups.WithLabelValues(string(outcome)).Inc()
	}
	if err != nil {
		return nil, outcome, err
	}

	s.logger.Debug("served",
		"key", key.String(),
		"outcome", string(outcome),
		"status", res.StatusCode,
	)
	return res, outcome, nil
}

// FrontHost returns the hostname this service answers for.
func (s *ProxyService) FrontHost() string {
	return s.frontHost
}
