// Package model defines shared types for the proxy.
package model

import (
	"bytes"
	"errors"
	"fmt"
	"net/http"
)

// ProxyRequest is the buffered description of one inbound request.
type ProxyRequest struct {
	Method    string
	Authority string
	// Target is the path-and-query of the inbound request, never empty.
	Target string
	Header http.Header
	Body   []byte
}

// ProxyResponse is a fully buffered origin response. Values stored in the
// cache are never mutated; callers receive clones.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// Clone returns a deep copy of r.
func (r *ProxyResponse) Clone() *ProxyResponse {
	if r == nil {
		return nil
	}
	return &ProxyResponse{
		StatusCode: r.StatusCode,
		Header:     r.Header.Clone(),
		Body:       bytes.Clone(r.Body),
	}
}

// Failure kinds surfaced to the downstream client.
var (
	ErrOriginRequest  = errors.New("Request failed")
	ErrOriginBodyRead = errors.New("Could not get bytes from origin response")
	ErrResponseBuild  = errors.New("Could not build response")
)

// UnsupportedHostError is returned when the request authority does not name
// the configured front-end hostname.
type UnsupportedHostError struct {
	Host string
}

func (e *UnsupportedHostError) Error() string {
	return fmt.Sprintf("Unsupported host %s", e.Host)
}
