// Package client provides the pooled upstream connection agent.
package client

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"one-to-one-proxy/internal/config"
	"one-to-one-proxy/internal/metrics"
)

// ErrAgentClosed is returned by Do after Close has been called.
var ErrAgentClosed = errors.New("agent closed")

// Agent defaults, used for unset or non-positive values.
const (
	DefaultKeepAliveMsecs = 10000
	DefaultMaxSockets     = 32
	DefaultMaxFreeSockets = 8
	DefaultTimeoutMs      = 60000
)

// AgentConfig holds the connection pooling parameters for one route.
// It is a value type and is never modified after construction.
type AgentConfig struct {
	KeepAlive      bool
	KeepAliveMsecs int
	MaxSockets     int
	MaxFreeSockets int
	TimeoutMs      int
	Secure         bool
}

// DefaultAgentConfig returns the defaults for an agent forwarding to target.
func DefaultAgentConfig(target string) AgentConfig {
	return AgentConfig{
		KeepAlive:      true,
		KeepAliveMsecs: DefaultKeepAliveMsecs,
		MaxSockets:     DefaultMaxSockets,
		MaxFreeSockets: DefaultMaxFreeSockets,
		TimeoutMs:      DefaultTimeoutMs,
		Secure:         strings.HasPrefix(target, "https://"),
	}
}

// NewAgentConfig builds an AgentConfig from the [agent] and [route] sections,
// falling back to the defaults for every unset field.
func NewAgentConfig(cfg *config.Config) AgentConfig {
	ac := DefaultAgentConfig(cfg.Route.ForwardTarget)
	a := cfg.Agent
	if a.KeepAlive != nil {
		ac.KeepAlive = *a.KeepAlive
	}
	if a.KeepAliveMsecs > 0 {
		ac.KeepAliveMsecs = a.KeepAliveMsecs
	}
	if a.MaxSockets > 0 {
		ac.MaxSockets = a.MaxSockets
	}
	if a.MaxFreeSockets > 0 {
		ac.MaxFreeSockets = a.MaxFreeSockets
	}
	if a.TimeoutMs > 0 {
		ac.TimeoutMs = a.TimeoutMs
	}
	return ac
}

// Timeout returns the per-request inactivity timeout.
func (c AgentConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

// Agent manages the pooled outbound connections of one route. All requests
// on the route share a single Agent.
type Agent struct {
	cfg       AgentConfig
	transport *http.Transport
	logger    *slog.Logger
	metrics   *metrics.Metrics
	closed    atomic.Bool
}

// NewAgent creates an Agent whose pool is bounded by cfg.MaxSockets active and
// cfg.MaxFreeSockets idle connections per host. Requests beyond MaxSockets wait
// for a free connection instead of failing.
// The metrics parameter is optional; pass nil to disable upstream metrics recording.
func NewAgent(cfg AgentConfig, logger *slog.Logger, m *metrics.Metrics) *Agent {
	keepAlive := time.Duration(cfg.KeepAliveMsecs) * time.Millisecond
	if !cfg.KeepAlive {
		keepAlive = -1
	}

	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout(),
			KeepAlive: keepAlive,
		}).DialContext,
		MaxConnsPerHost:     cfg.MaxSockets,
		MaxIdleConns:        cfg.MaxFreeSockets,
		MaxIdleConnsPerHost: cfg.MaxFreeSockets,
		IdleConnTimeout:     cfg.Timeout(),
		DisableKeepAlives:   !cfg.KeepAlive,
		// Relay upstream bodies and Content-Encoding untouched.
		DisableCompression: true,
		// HTTP/1.1 only.
		TLSNextProto: map[string]func(string, *tls.Conn) http.RoundTripper{},
	}
	if cfg.Secure {
		transport.TLSClientConfig = &tls.Config{MinVersion: tls.VersionTLS12}
		transport.TLSHandshakeTimeout = 10 * time.Second
	}

	return &Agent{
		cfg:       cfg,
		transport: transport,
		logger:    logger.With("component", "agent"),
		metrics:   m,
	}
}

// Config returns the agent's configuration.
func (a *Agent) Config() AgentConfig {
	return a.cfg
}

// Secure reports whether the agent dials upstreams over TLS.
func (a *Agent) Secure() bool {
	return a.cfg.Secure
}

// Do sends req over a pooled connection and returns the raw response.
// Redirects are not followed. The caller is responsible for closing the
// response body.
func (a *Agent) Do(req *http.Request) (*http.Response, error) {
	if a.closed.Load() {
		return nil, ErrAgentClosed
	}

	a.logger.Debug("upstream request",
		"method", req.Method,
		"url", req.URL.Redacted(),
	)

	start := time.Now()
	resp, err := a.transport.RoundTrip(req)
	duration := time.Since(start).Seconds()

	method := metrics.NormalizeMethod(req.Method)

	if a.metrics != nil {
		a.metrics.UpstreamDuration.WithLabelValues(method).Observe(duration)
	}
	if err != nil {
		return nil, fmt.Errorf("upstream request: %w", err)
	}

	if a.metrics != nil {
		a.metrics.UpstreamResponses.WithLabelValues(method, strconv.Itoa(resp.StatusCode)).Inc()
	}

	resp.Body = &agentBody{ReadCloser: resp.Body, agent: a}
	return resp, nil
}

// Close stops the agent from issuing new requests and closes its idle
// connections. Connections still in use are closed once their response body
// is closed.
func (a *Agent) Close() {
	if a.closed.Swap(true) {
		return
	}
	a.transport.CloseIdleConnections()
	a.logger.Debug("agent closed")
}

// agentBody drops the connection from the pool when it is released after Close.
type agentBody struct {
	io.ReadCloser
	agent *Agent
}

func (b *agentBody) Close() error {
	err := b.ReadCloser.Close()
	if b.agent.closed.Load() {
		b.agent.transport.CloseIdleConnections()
	}
	return err
}
