package handler

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"
)

// PlainTextErrorHandler replaces Echo's JSON error body on the proxy listener.
// Errors raised before the proxy handler runs (oversized body, rate limit,
// recovered panic) reach the client as the status text.
func PlainTextErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
	}
	_ = c.String(code, http.StatusText(code))
}
