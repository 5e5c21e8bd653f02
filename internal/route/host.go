// Package route composes the forwarding route and mounts it on a host.
package route

import (
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"one-to-one-proxy/internal/service"
)

// Host mounts handlers under a path prefix and dispatches matching requests
// to them.
type Host interface {
	Mount(path, mode string, h echo.HandlerFunc) (string, error)
	Unmount(id string) error
}

type mount struct {
	path    string
	mode    string
	handler echo.HandlerFunc
}

// EchoHost implements Host on an Echo instance.
//
// Echo cannot remove registered routes, so each path pattern is registered
// once and dispatches to whatever is currently mounted there. Requests for an
// unmounted path answer 404.
type EchoHost struct {
	echo   *echo.Echo
	logger *slog.Logger

	mu         sync.RWMutex
	mounts     map[string]*mount // id -> mount
	byPath     map[string]string // path -> id
	registered map[string]bool
}

// NewEchoHost creates an EchoHost serving on e.
func NewEchoHost(e *echo.Echo, logger *slog.Logger) *EchoHost {
	return &EchoHost{
		echo:       e,
		logger:     logger.With("component", "host"),
		mounts:     make(map[string]*mount),
		byPath:     make(map[string]string),
		registered: make(map[string]bool),
	}
}

// Mount registers h for every request under path and returns the mount id.
func (eh *EchoHost) Mount(path, mode string, h echo.HandlerFunc) (string, error) {
	if !strings.HasPrefix(path, "/") {
		return "", fmt.Errorf("mount path %q must start with /", path)
	}
	if h == nil {
		return "", errors.New("mount handler is nil")
	}

	eh.mu.Lock()
	defer eh.mu.Unlock()

	if _, ok := eh.byPath[path]; ok {
		return "", fmt.Errorf("path %q already mounted", path)
	}

	id := uuid.NewString()
	eh.mounts[id] = &mount{path: path, mode: mode, handler: h}
	eh.byPath[path] = id

	if !eh.registered[path] {
		eh.echo.Any(strings.TrimSuffix(path, "/")+"/*", eh.dispatcher(path))
		eh.registered[path] = true
	}

	eh.logger.Debug("mounted", "id", id, "path", path, "mode", mode)
	return id, nil
}

// Unmount removes a mount. Later requests for its path answer 404.
func (eh *EchoHost) Unmount(id string) error {
	eh.mu.Lock()
	defer eh.mu.Unlock()

	m, ok := eh.mounts[id]
	if !ok {
		return fmt.Errorf("unknown mount %q", id)
	}
	delete(eh.mounts, id)
	delete(eh.byPath, m.path)

	eh.logger.Debug("unmounted", "id", id, "path", m.path)
	return nil
}

func (eh *EchoHost) dispatcher(path string) echo.HandlerFunc {
	return func(c echo.Context) error {
		eh.mu.RLock()
		var h echo.HandlerFunc
		if id, ok := eh.byPath[path]; ok {
			h = eh.mounts[id].handler
		}
		eh.mu.RUnlock()

		if h == nil {
			return echo.ErrNotFound
		}
		if err := h(c); err != nil {
			if errors.Is(err, service.ErrPathMismatch) {
				return echo.ErrNotFound
			}
			return err
		}
		return nil
	}
}
