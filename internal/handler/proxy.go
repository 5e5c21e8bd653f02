package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"one-to-one-proxy/internal/middleware"
	"one-to-one-proxy/internal/model"
	"one-to-one-proxy/internal/service"
)

// ProxyHandler forwards requests under the route's base path to its upstream.
type ProxyHandler struct {
	route     *service.Route
	forwarder *service.Forwarder
	logger    *slog.Logger
}

// NewProxyHandler creates a ProxyHandler.
func NewProxyHandler(route *service.Route, fwd *service.Forwarder, logger *slog.Logger) *ProxyHandler {
	return &ProxyHandler{
		route:     route,
		forwarder: fwd,
		logger:    logger.With("component", "proxy_handler"),
	}
}

// Handle proxies the request to the upstream and relays the buffered response.
//
// Upstream failures are answered with a status code and never returned as
// errors. The only error returned wraps service.ErrPathMismatch, for a request
// the host should not have delivered here.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()
	uri := req.RequestURI
	if uri == "" {
		uri = req.URL.RequestURI()
	}

	if err := h.route.Match(uri); err != nil {
		h.logger.Error("unexpected path detected", "uri", uri)
		return err
	}
	target, err := h.route.Rewrite(uri)
	if err != nil {
		return h.mapError(c, err)
	}
	middleware.SetUpstreamPath(c, target.RequestURI())

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		URI:           uri,
		ClientIP:      c.RealIP(),
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.forwarder.Forward(pr, target)
	if err != nil {
		return h.mapError(c, err)
	}

	// Upstream headers are relayed verbatim, replacing any set by middleware.
	header := c.Response().Header()
	for key, vals := range resp.Header {
		header.Del(key)
		for _, v := range vals {
			header.Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)
	if _, err := c.Response().Write(resp.Body); err != nil {
		h.logger.Error("writing response body",
			"err", err,
			"uri", uri,
		)
	}

	return nil
}

// mapError answers a failed forwarding attempt with an empty response:
// 504 for an inactivity timeout, the upstream status for a body read error,
// 502 otherwise.
func (h *ProxyHandler) mapError(c echo.Context, err error) error {
	status := http.StatusBadGateway
	kind := "unknown"

	var ue *service.UpstreamError
	if errors.As(err, &ue) {
		kind = ue.Kind.String()
		switch ue.Kind {
		case service.KindTimeout:
			status = http.StatusGatewayTimeout
		case service.KindBody:
			status = ue.Status
		}
	}

	h.logger.Error("proxy error",
		"err", err,
		"kind", kind,
		"status", status,
		"uri", c.Request().RequestURI,
	)

	return c.NoContent(status)
}
