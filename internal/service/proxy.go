// Package service implements the core proxy forwarding logic.
package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"one-to-one-proxy/internal/client"
	"one-to-one-proxy/internal/metrics"
	"one-to-one-proxy/internal/model"
)

// Forwarder sends requests to the route's upstream over the shared agent.
type Forwarder struct {
	agent   *client.Agent
	timeout time.Duration
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewForwarder creates a Forwarder. The inactivity timeout is taken from the
// agent's configuration. The metrics parameter is optional.
func NewForwarder(agent *client.Agent, logger *slog.Logger, m *metrics.Metrics) *Forwarder {
	return &Forwarder{
		agent:   agent,
		timeout: agent.Config().Timeout(),
		logger:  logger.With("component", "forwarder"),
		metrics: m,
	}
}

// Forward sends pr to target and returns the upstream response with its body
// fully buffered.
//
// The attempt is aborted when neither side shows activity for the agent
// timeout; waiting for a pooled connection counts towards it. Failures are
// returned as *UpstreamError and are never retried.
func (f *Forwarder) Forward(pr *model.ProxyRequest, target *url.URL) (*model.ProxyResponse, error) {
	parent := pr.Ctx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancelCause(parent)
	defer cancel(nil)

	idle := time.AfterFunc(f.timeout, func() { cancel(ErrUpstreamTimeout) })
	defer idle.Stop()
	touch := func() { idle.Reset(f.timeout) }

	method := pr.Method
	if method == "" {
		method = http.MethodGet
	}

	var body io.Reader = http.NoBody
	if pr.Body != nil && pr.ContentLength != 0 {
		body = &activityReader{r: pr.Body, touch: touch}
	}

	req, err := http.NewRequestWithContext(ctx, method, target.String(), body)
	if err != nil {
		return nil, f.failed(&UpstreamError{Kind: KindConnect, Cause: fmt.Errorf("build upstream request: %w", err)})
	}
	if body != http.NoBody {
		req.ContentLength = pr.ContentLength
	}
	req.Header = outboundHeader(pr.Header)

	f.logger.Debug("forwarding request",
		"method", method,
		"uri", pr.URI,
		"target", target.Redacted(),
	)

	resp, err := f.agent.Do(req)
	if err != nil {
		if errors.Is(context.Cause(ctx), ErrUpstreamTimeout) {
			return nil, f.failed(&UpstreamError{Kind: KindTimeout, Cause: ErrUpstreamTimeout})
		}
		return nil, f.failed(&UpstreamError{Kind: KindConnect, Cause: err})
	}
	defer func() { _ = resp.Body.Close() }()
	touch()

	data, err := io.ReadAll(&activityReader{r: resp.Body, touch: touch})
	if err != nil {
		if errors.Is(context.Cause(ctx), ErrUpstreamTimeout) {
			err = fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
		}
		return nil, f.failed(&UpstreamError{Kind: KindBody, Status: resp.StatusCode, Cause: err})
	}

	f.record(metrics.OutcomeOK)
	return &model.ProxyResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body:       data,
	}, nil
}

func (f *Forwarder) failed(err *UpstreamError) error {
	switch err.Kind {
	case KindTimeout:
		f.record(metrics.OutcomeTimeout)
	case KindBody:
		f.record(metrics.OutcomeBody)
	default:
		f.record(metrics.OutcomeConnect)
	}
	return err
}

func (f *Forwarder) record(outcome string) {
	if f.metrics != nil {
		f.metrics.ForwardOutcomes.WithLabelValues(outcome).Inc()
	}
}

// outboundHeader copies the inbound header without its Host entry; the
// upstream receives the forward target's host instead.
func outboundHeader(src http.Header) http.Header {
	dst := make(http.Header, len(src))
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		dst[k] = append([]string(nil), vs...)
	}
	return dst
}

// activityReader calls touch after every successful read.
type activityReader struct {
	r     io.Reader
	touch func()
}

func (a *activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 {
		a.touch()
	}
	return n, err
}
