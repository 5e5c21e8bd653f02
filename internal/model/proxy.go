// Package model defines shared types for the proxy.
package model

import (
	"context"
	"io"
	"net/http"
)

// ProxyRequest represents a client request to be forwarded upstream.
type ProxyRequest struct {
	Ctx      context.Context
	Method   string
	URI      string // path plus raw query, as received
	ClientIP string
	Header   http.Header
	Body     io.Reader

	// ContentLength is -1 when unknown, as for http.Request.
	ContentLength int64
}

// ProxyResponse represents the upstream response to be relayed back.
// The body is fully buffered before any byte is written to the client.
type ProxyResponse struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}
