package handler

import (
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
)

// Version is a string type for dependency injection of the build version.
type Version string

// RouteInfo describes the mounted route for the status endpoint.
type RouteInfo interface {
	BasePath() string
	ForwardTarget() string
	Mode() string
	Secure() bool
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	route   RouteInfo
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(route RouteInfo, v Version) *HealthHandler {
	return &HealthHandler{route: route, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":         "ok",
		"version":        string(h.version),
		"base_path":      h.route.BasePath(),
		"forward_target": h.route.ForwardTarget(),
		"mode":           h.route.Mode(),
		"secure":         strconv.FormatBool(h.route.Secure()),
	})
}
