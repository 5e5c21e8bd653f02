package route

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"one-to-one-proxy/internal/client"
	"one-to-one-proxy/internal/config"
	"one-to-one-proxy/internal/handler"
	"one-to-one-proxy/internal/metrics"
	"one-to-one-proxy/internal/service"
)

var (
	// ErrAlreadyStarted is returned by Start on a mounted route.
	ErrAlreadyStarted = errors.New("route already started")
	// ErrNotStarted is returned by Stop on a route that is not mounted.
	ErrNotStarted = errors.New("route not started")
)

// ProxyRoute binds one base path to one upstream target.
type ProxyRoute struct {
	route   *service.Route
	mode    string
	agent   *client.Agent
	handler *handler.ProxyHandler
	logger  *slog.Logger

	mu      sync.Mutex
	mountID string
}

// New builds the route, its connection agent and its handler from cfg.
func New(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*ProxyRoute, error) {
	r, err := service.NewRoute(cfg.Route.BasePath, cfg.Route.ForwardTarget)
	if err != nil {
		return nil, fmt.Errorf("building route: %w", err)
	}

	agent := client.NewAgent(client.NewAgentConfig(cfg), logger, m)
	fwd := service.NewForwarder(agent, logger, m)

	return &ProxyRoute{
		route:   r,
		mode:    cfg.Route.Mode,
		agent:   agent,
		handler: handler.NewProxyHandler(r, fwd, logger),
		logger:  logger.With("component", "route"),
	}, nil
}

// Start mounts the route on host.
func (p *ProxyRoute) Start(host Host) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mountID != "" {
		return ErrAlreadyStarted
	}
	id, err := host.Mount(p.route.BasePath(), p.mode, p.handler.Handle)
	if err != nil {
		return fmt.Errorf("mounting %s: %w", p.route.BasePath(), err)
	}
	p.mountID = id

	p.logger.Info("route mounted",
		"base_path", p.route.BasePath(),
		"forward_target", p.route.ForwardTarget(),
		"mode", p.mode,
		"secure", p.agent.Secure(),
	)
	return nil
}

// Stop unmounts the route and releases its pooled connections.
func (p *ProxyRoute) Stop(host Host) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.mountID == "" {
		return ErrNotStarted
	}
	err := host.Unmount(p.mountID)
	p.mountID = ""
	p.agent.Close()

	if err != nil {
		return fmt.Errorf("unmounting %s: %w", p.route.BasePath(), err)
	}
	p.logger.Info("route stopped", "base_path", p.route.BasePath())
	return nil
}

func (p *ProxyRoute) BasePath() string      { return p.route.BasePath() }
func (p *ProxyRoute) ForwardTarget() string { return p.route.ForwardTarget() }
func (p *ProxyRoute) Mode() string          { return p.mode }
func (p *ProxyRoute) Secure() bool          { return p.agent.Secure() }
