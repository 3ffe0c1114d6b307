// Package client provides the upstream HTTPS client for the origin server.
package client

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/net/http/httpguts"

	"slow-proxy-go/internal/config"
	"slow-proxy-go/internal/metrics"
	"slow-proxy-go/internal/model"
)

// OriginClient sends requests to the configured origin over HTTPS and buffers
// the responses.
type OriginClient struct {
	httpClient *http.Client
	authority  string
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewOriginClient creates an OriginClient with connection pooling and timeouts.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewOriginClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *OriginClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Origin.IdleConnections,
		MaxIdleConnsPerHost: cfg.Origin.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2: true,
		// Bodies are cached and replayed verbatim, so the transport must not
		// negotiate gzip on our behalf and decode it.
		DisableCompression: true,
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: cfg.Origin.InsecureSkipVerify, //nolint:gosec // opt-in for local origins
		},
	}

	return &OriginClient{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   time.Duration(cfg.Origin.TimeoutSeconds) * time.Second,
			// Redirects belong to the downstream client.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		authority: cfg.Origin.Authority,
		logger:    logger.With("component", "origin_client"),
		metrics:   m,
	}
}

// Fetch performs exactly one request to the origin for pr and returns the
// fully buffered response. Headers, including Host, and the body are
// forwarded as received. Errors wrap model.ErrOriginRequest,
// model.ErrOriginBodyRead or model.ErrResponseBuild.
func (c *OriginClient) Fetch(ctx context.Context, pr *model.ProxyRequest) (*model.ProxyResponse, error) {
	var body io.Reader = http.NoBody
	if len(pr.Body) > 0 {
		body = bytes.NewReader(pr.Body)
	}

	req, err := http.NewRequestWithContext(ctx, pr.Method, c.URL(pr.Target), body)
	if err != nil {
		return nil, fmt.Errorf("%w: build origin request: %w", model.ErrOriginRequest, err)
	}
	req.Header = pr.Header.Clone()
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	// The URL authority drives the connection and SNI; Host travels as sent.
	if pr.Authority != "" {
		req.Host = pr.Authority
	}

	c.logger.Debug("origin request",
		"method", req.Method,
		"target", pr.Target,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if err != nil {
		if c.metrics != nil {
			c.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
		}
		return nil, fmt.Errorf("%w: %w", model.ErrOriginRequest, err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if c.metrics != nil {
		c.metrics.UpstreamDuration.WithLabelValues(method).Observe(time.Since(start).Seconds())
		c.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %w", model.ErrOriginBodyRead, err)
	}

	return buildResponse(resp.StatusCode, resp.Header, data)
}

// URL returns the origin URL for a path-and-query target.
func (c *OriginClient) URL(target string) string {
	if target == "" {
		target = "/"
	}
	return "https://" + c.authority + target
}

// CloseIdleConnections releases pooled origin connections.
func (c *OriginClient) CloseIdleConnections() {
	c.httpClient.CloseIdleConnections()
}

// buildResponse assembles the cache value, rejecting anything that could not
// be written back to a client unchanged.
func buildResponse(status int, header http.Header, body []byte) (*model.ProxyResponse, error) {
	if status < 100 || status > 599 {
		return nil, fmt.Errorf("%w: status code %d out of range", model.ErrResponseBuild, status)
	}
	for name, vals := range header {
		if !httpguts.ValidHeaderFieldName(name) {
			return nil, fmt.Errorf("%w: invalid header name %q", model.ErrResponseBuild, name)
		}
		for _, v := range vals {
			if !httpguts.ValidHeaderFieldValue(v) {
				return nil, fmt.Errorf("%w: invalid value for header %q", model.ErrResponseBuild, name)
			}
		}
	}
	if body == nil {
		body = []byte{}
	}
	return &model.ProxyResponse{
		StatusCode: status,
		Header:     header.Clone(),
		Body:       body,
	}, nil
}
