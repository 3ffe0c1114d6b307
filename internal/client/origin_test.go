package client

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"slow-proxy-go/internal/config"
	"slow-proxy-go/internal/metrics"
	"slow-proxy-go/internal/model"
)

func newTestClient(t *testing.T, srv *httptest.Server, timeout int, m *metrics.Metrics) *OriginClient {
	t.Helper()
	cfg := &config.Config{
		Origin: config.OriginConfig{
			Authority:          srv.Listener.Addr().String(),
			TimeoutSeconds:     timeout,
			IdleConnections:    10,
			InsecureSkipVerify: true,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewOriginClient(cfg, logger, m)
	t.Cleanup(c.CloseIdleConnections)
	return c
}

func TestOriginClient_Fetch(t *testing.T) {
	var gotHost, gotTarget, gotCustom, gotMethod string
	var gotBody []byte
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.Host
		gotTarget = r.URL.RequestURI()
		gotCustom = r.Header.Get("X-Custom")
		gotMethod = r.Method
		gotBody, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Add("Set-Cookie", "a=1")
		w.Header().Add("Set-Cookie", "b=2")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 10, nil)

	res, err := c.Fetch(context.Background(), &model.ProxyRequest{
		Method:    http.MethodPost,
		Authority: "slow-server.akshive.test:3001",
		Target:    "/items?id=7",
		Header:    http.Header{"X-Custom": {"yes"}},
		Body:      []byte("payload"),
	})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	if gotHost != "slow-server.akshive.test:3001" {
		t.Errorf("origin Host = %q, want %q", gotHost, "slow-server.akshive.test:3001")
	}
	if gotTarget != "/items?id=7" {
		t.Errorf("origin target = %q, want %q", gotTarget, "/items?id=7")
	}
	if gotMethod != http.MethodPost {
		t.Errorf("origin method = %q, want %q", gotMethod, http.MethodPost)
	}
	if gotCustom != "yes" {
		t.Errorf("origin X-Custom = %q, want %q", gotCustom, "yes")
	}
	if string(gotBody) != "payload" {
		t.Errorf("origin body = %q, want %q", gotBody, "payload")
	}

	if res.StatusCode != http.StatusCreated {
		t.Errorf("StatusCode = %d, want %d", res.StatusCode, http.StatusCreated)
	}
	if string(res.Body) != "created" {
		t.Errorf("Body = %q, want %q", res.Body, "created")
	}
	if cookies := res.Header.Values("Set-Cookie"); len(cookies) != 2 || cookies[0] != "a=1" || cookies[1] != "b=2" {
		t.Errorf("Set-Cookie = %v, want [a=1 b=2]", cookies)
	}
}

func TestOriginClient_Fetch_BinaryBody(t *testing.T) {
	payload := make([]byte, 1<<20+17)
	for i := range payload {
		payload[i] = byte(i * 31)
	}

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(payload)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 10, nil)

	res, err := c.Fetch(context.Background(), &model.ProxyRequest{Method: http.MethodGet, Target: "/blob"})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if !bytes.Equal(res.Body, payload) {
		t.Errorf("Body differs from origin payload (len %d, want %d)", len(res.Body), len(payload))
	}
}

func TestOriginClient_Fetch_EmptyBody(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 10, nil)

	res, err := c.Fetch(context.Background(), &model.ProxyRequest{Method: http.MethodGet, Target: "/"})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if res.StatusCode != http.StatusNoContent {
		t.Errorf("StatusCode = %d, want %d", res.StatusCode, http.StatusNoContent)
	}
	if res.Body == nil || len(res.Body) != 0 {
		t.Errorf("Body = %v, want empty non-nil", res.Body)
	}
}

func TestOriginClient_Fetch_KeepsEncodedBody(t *testing.T) {
	encoded := []byte{0x1f, 0x8b, 0x08, 0x00, 0x01, 0x02}
	var gotAcceptEncoding string
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAcceptEncoding = r.Header.Get("Accept-Encoding")
		w.Header().Set("Content-Encoding", "gzip")
		_, _ = w.Write(encoded)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 10, nil)

	res, err := c.Fetch(context.Background(), &model.ProxyRequest{Method: http.MethodGet, Target: "/"})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if gotAcceptEncoding != "" {
		t.Errorf("origin Accept-Encoding = %q, want none added", gotAcceptEncoding)
	}
	if res.Header.Get("Content-Encoding") != "gzip" {
		t.Errorf("Content-Encoding = %q, want %q", res.Header.Get("Content-Encoding"), "gzip")
	}
	if !bytes.Equal(res.Body, encoded) {
		t.Errorf("Body = %x, want %x", res.Body, encoded)
	}
}

func TestOriginClient_Fetch_DoesNotFollowRedirects(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/elsewhere" {
			t.Error("redirect was followed")
		}
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 10, nil)

	res, err := c.Fetch(context.Background(), &model.ProxyRequest{Method: http.MethodGet, Target: "/start"})
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if res.StatusCode != http.StatusFound {
		t.Errorf("StatusCode = %d, want %d", res.StatusCode, http.StatusFound)
	}
	if res.Header.Get("Location") != "/elsewhere" {
		t.Errorf("Location = %q, want %q", res.Header.Get("Location"), "/elsewhere")
	}
}

func TestOriginClient_Fetch_Unreachable(t *testing.T) {
	cfg := &config.Config{
		Origin: config.OriginConfig{
			Authority:       "127.0.0.1:1",
			TimeoutSeconds:  1,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := NewOriginClient(cfg, logger, nil)

	_, err := c.Fetch(context.Background(), &model.ProxyRequest{Method: http.MethodGet, Target: "/"})
	if !errors.Is(err, model.ErrOriginRequest) {
		t.Fatalf("Fetch() error = %v, want ErrOriginRequest", err)
	}
}

func TestOriginClient_Fetch_TruncatedBody(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		_, _ = w.Write([]byte("short"))
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 10, nil)

	_, err := c.Fetch(context.Background(), &model.ProxyRequest{Method: http.MethodGet, Target: "/"})
	if !errors.Is(err, model.ErrOriginBodyRead) {
		t.Fatalf("Fetch() error = %v, want ErrOriginBodyRead", err)
	}
}

func TestOriginClient_Fetch_CanceledContext(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Slow origin; the request is canceled before this completes.
		select {
		case <-time.After(5 * time.Second):
		case <-r.Context().Done():
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := newTestClient(t, srv, 30, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.Fetch(ctx, &model.ProxyRequest{Method: http.MethodGet, Target: "/slow"})
	if !errors.Is(err, model.ErrOriginRequest) {
		t.Errorf("Fetch() error = %v, want ErrOriginRequest", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("Fetch() error = %v, want it to wrap context.Canceled", err)
	}
}

func TestOriginClient_Fetch_RecordsMetrics(t *testing.T) {
	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	m := metrics.New()
	c := newTestClient(t, srv, 10, m)

	if _, err := c.Fetch(context.Background(), &model.ProxyRequest{Method: http.MethodGet, Target: "/"}); err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	for _, f := range families {
		if f.GetName() != "slow_proxy_upstream_responses_total" {
			continue
		}
		for _, metric := range f.GetMetric() {
			labels := map[string]string{}
			for _, lp := range metric.GetLabel() {
				labels[lp.GetName()] = lp.GetValue()
			}
			if labels["method"] == "GET" && labels["status_code"] == "418" {
				if got := metric.GetCounter().GetValue(); got != 1 {
					t.Errorf("upstream_responses_total{GET,418} = %v, want 1", got)
				}
				return
			}
		}
	}
	t.Error("expected slow_proxy_upstream_responses_total{method=GET,status_code=418}")
}

func TestOriginClient_URL(t *testing.T) {
	cfg := &config.Config{Origin: config.OriginConfig{Authority: "www.google.com"}}
	c := NewOriginClient(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)

	tests := []struct {
		target string
		want   string
	}{
		{"/", "https://www.google.com/"},
		{"/search?q=go", "https://www.google.com/search?q=go"},
		{"", "https://www.google.com/"},
	}
	for _, tt := range tests {
		if got := c.URL(tt.target); got != tt.want {
			t.Errorf("URL(%q) = %q, want %q", tt.target, got, tt.want)
		}
	}
}

func TestBuildResponse(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		header  http.Header
		wantErr bool
	}{
		{"ok", http.StatusOK, http.Header{"Content-Type": {"text/html"}}, false},
		{"informational lower bound", 100, nil, false},
		{"upper bound", 599, nil, false},
		{"status too low", 42, nil, true},
		{"status too high", 600, nil, true},
		{"bad header name", http.StatusOK, http.Header{"Bad Name": {"x"}}, true},
		{"control char in value", http.StatusOK, http.Header{"X-Test": {"a\x00b"}}, true},
		{"newline in value", http.StatusOK, http.Header{"X-Test": {"a\r\nInjected: 1"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := buildResponse(tt.status, tt.header, []byte("body"))
			if tt.wantErr {
				if !errors.Is(err, model.ErrResponseBuild) {
					t.Errorf("buildResponse() error = %v, want ErrResponseBuild", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("buildResponse() error = %v", err)
			}
			if res.StatusCode != tt.status {
				t.Errorf("StatusCode = %d, want %d", res.StatusCode, tt.status)
			}
		})
	}
}
