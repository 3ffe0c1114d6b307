package handler

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"

	"github.com/labstack/echo/v4"

	"slow-proxy-go/internal/model"
	"slow-proxy-go/internal/service"
)

// ProxyHandler serves every request on the proxy listener from the cache or the origin.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
	}
}

// Handle buffers the inbound request, resolves it through the service and
// writes the stored response back unchanged.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	body, err := io.ReadAll(req.Body)
	if err != nil {
		// BodyLimit reports an oversized body as an *echo.HTTPError.
		var he *echo.HTTPError
		if errors.As(err, &he) {
			return he
		}
		return c.String(http.StatusBadRequest, "Could not read request body")
	}

	pr := &model.ProxyRequest{
		Method:    req.Method,
		Authority: req.Host,
		Target:    req.URL.RequestURI(),
		Header:    req.Header.Clone(),
		Body:      body,
	}

	res, outcome, err := h.service.Serve(req.Context(), pr)
	if err != nil {
		return h.mapError(c, pr, err)
	}

	h.logger.Debug("cache",
		"outcome", string(outcome),
		"method", pr.Method,
		"target", pr.Target,
	)

	if err := writeResponse(c.Response(), res); err != nil {
		// Status and headers are already on the wire.
		h.logger.Error("writing response body",
			"err", err,
			"target", pr.Target,
		)
	}
	return nil
}

// writeResponse replays res as-is: status, every header value, body.
func writeResponse(w *echo.Response, res *model.ProxyResponse) error {
	header := w.Header()
	for key, vals := range res.Header {
		for _, v := range vals {
			header.Add(key, v)
		}
	}
	// A nil entry stops net/http from inventing these headers.
	if _, ok := res.Header["Content-Type"]; !ok {
		header["Content-Type"] = nil
	}
	if _, ok := res.Header["Date"]; !ok {
		header["Date"] = nil
	}

	w.WriteHeader(res.StatusCode)
	if len(res.Body) == 0 {
		return nil
	}
	_, err := w.Write(res.Body)
	return err
}

func (h *ProxyHandler) mapError(c echo.Context, pr *model.ProxyRequest, err error) error {
	var hostErr *model.UnsupportedHostError
	if errors.As(err, &hostErr) {
		h.logger.Warn("rejected host",
			"host", hostErr.Host,
			"target", pr.Target,
		)
		return c.String(http.StatusMisdirectedRequest, hostErr.Error())
	}

	status, kind := http.StatusBadGateway, model.ErrOriginRequest
	switch {
	case errors.Is(err, model.ErrOriginRequest):
		if isTimeout(err) {
			status = http.StatusGatewayTimeout
		}
	case errors.Is(err, model.ErrOriginBodyRead):
		kind = model.ErrOriginBodyRead
	case errors.Is(err, model.ErrResponseBuild):
		status, kind = http.StatusInternalServerError, model.ErrResponseBuild
	}

	h.logger.Error("proxy error",
		"err", err,
		"kind", kind.Error(),
		"method", pr.Method,
		"target", pr.Target,
	)
	return c.String(status, kind.Error())
}

// isTimeout covers both a request context deadline and the client's own timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
