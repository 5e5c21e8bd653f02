// Package config handles TOML configuration loading and validation.
package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	toml "github.com/pelletier/go-toml/v2"
)

// configSearchPaths lists paths checked in order when no explicit config is given.
var configSearchPaths = []string{
	"/etc/one-to-one-proxy/config.toml",
	"configs/config.toml",
}

// reservedPaths are served by the proxy itself and can never be mounted or
// used for metrics.
var reservedPaths = []string{"/healthz", "/proxy/status"}

const defaultMetricsPath = "/metrics"

func init() {
	// Report validation errors with the TOML key names.
	validation.ErrorTag = "toml"
}

// CLI holds command-line arguments parsed by Kong.
type CLI struct {
	Config        string `kong:"short='c',help='Path to TOML config file.',env='CONFIG_PATH'"`
	Host          string `kong:"help='Listen host (overrides config).',env='HOST'"`
	Port          int    `kong:"short='p',help='Listen port (overrides config).',env='PORT'"`
	BasePath      string `kong:"help='Path prefix to forward (overrides config).',env='BASE_PATH'"`
	ForwardTarget string `kong:"help='Upstream URL requests are forwarded to (overrides config).',env='FORWARD_TARGET'"`
	Mode          string `kong:"help='Mount mode passed to the host (overrides config).',env='MODE'"`
	LogLevel      string `kong:"help='Log level: debug|info|warn|error (overrides config).',env='LOG_LEVEL'"`
}

// Config is the top-level application configuration.
type Config struct {
	Server  ServerConfig  `toml:"server"`
	Route   RouteConfig   `toml:"route"`
	Agent   AgentConfig   `toml:"agent"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`

	filePath string // resolved config file path (unexported)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host         string `toml:"host"`
	Port         int    `toml:"port"` // 0 means "use default" (8000); TOML cannot distinguish 0 from unset
	BodyMaxBytes int64  `toml:"body_max_bytes"`
}

// RouteConfig describes the single forwarded route.
type RouteConfig struct {
	BasePath      string `toml:"base_path"`
	ForwardTarget string `toml:"forward_target"`
	Mode          string `toml:"mode"`
}

// AgentConfig holds the outbound connection pool settings. Zero values mean
// "use the default"; see client.NewAgentConfig.
type AgentConfig struct {
	KeepAlive      *bool `toml:"keep_alive"`
	KeepAliveMsecs int   `toml:"keep_alive_msecs"`
	MaxSockets     int   `toml:"max_sockets"`
	MaxFreeSockets int   `toml:"max_free_sockets"`
	TimeoutMs      int   `toml:"timeout_ms"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Load reads the TOML config file and applies CLI overrides.
// When no explicit path is given (via --config or CONFIG_PATH), it searches
// /etc/one-to-one-proxy/config.toml then configs/config.toml.
func Load(cli *CLI) (*Config, error) {
	path := cli.Config
	if path == "" {
		path = findConfig()
	}
	if path == "" {
		return nil, fmt.Errorf("config: no config file found (searched %v)", configSearchPaths)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	var cfg Config
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.filePath = path
	cfg.applyCLI(cli)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config: validate: %w", err)
	}

	cfg.setDefaults()
	return &cfg, nil
}

// applyCLI overrides config values with non-zero CLI flags.
func (c *Config) applyCLI(cli *CLI) {
	if cli.Host != "" {
		c.Server.Host = cli.Host
	}
	if cli.Port != 0 {
		c.Server.Port = cli.Port
	}
	if cli.BasePath != "" {
		c.Route.BasePath = cli.BasePath
	}
	if cli.ForwardTarget != "" {
		c.Route.ForwardTarget = cli.ForwardTarget
	}
	if cli.Mode != "" {
		c.Route.Mode = cli.Mode
	}
	if cli.LogLevel != "" {
		c.Log.Level = cli.LogLevel
	}
}

func (c *Config) validate() error {
	s := &c.Server
	if err := validation.ValidateStruct(s,
		validation.Field(&s.Port, validation.Min(0), validation.Max(65535)),
		validation.Field(&s.BodyMaxBytes, validation.Min(int64(0))),
	); err != nil {
		return fmt.Errorf("server: %w", err)
	}

	r := &c.Route
	if err := validation.ValidateStruct(r,
		validation.Field(&r.BasePath, validation.Required, validation.By(validateBasePath)),
		validation.Field(&r.ForwardTarget, validation.Required, validation.By(validateForwardTarget)),
	); err != nil {
		return fmt.Errorf("route: %w", err)
	}

	a := &c.Agent
	if err := validation.ValidateStruct(a,
		validation.Field(&a.KeepAliveMsecs, validation.Min(0)),
		validation.Field(&a.MaxSockets, validation.Min(0)),
		validation.Field(&a.MaxFreeSockets, validation.Min(0)),
		validation.Field(&a.TimeoutMs, validation.Min(0)),
	); err != nil {
		return fmt.Errorf("agent: %w", err)
	}

	l := &c.Log
	if err := validation.ValidateStruct(l,
		validation.Field(&l.Level, validation.By(lowerIn("debug", "info", "warn", "error"))),
		validation.Field(&l.Format, validation.By(lowerIn("json", "text"))),
	); err != nil {
		return fmt.Errorf("log: %w", err)
	}

	// Metrics path validation (only when metrics are enabled).
	if c.Metrics.Enabled {
		if err := c.validateMetricsPath(); err != nil {
			return fmt.Errorf("metrics.path: %w", err)
		}
	}

	return nil
}

func (c *Config) validateMetricsPath() error {
	p := c.Metrics.Path
	if p == "" {
		p = defaultMetricsPath
	}
	if p[0] != '/' {
		return fmt.Errorf("must start with '/'; got %q", p)
	}
	for _, reserved := range reservedPaths {
		if p == reserved || strings.HasPrefix(p, reserved+"/") {
			return fmt.Errorf("%q conflicts with reserved route %q", p, reserved)
		}
	}
	base := strings.TrimSuffix(c.Route.BasePath, "/")
	if base != "" && (p == base || strings.HasPrefix(p, base+"/")) {
		return fmt.Errorf("%q conflicts with route.base_path %q", p, c.Route.BasePath)
	}
	return nil
}

func validateBasePath(value interface{}) error {
	p, _ := value.(string)
	if !strings.HasPrefix(p, "/") {
		return validation.NewError("validation_base_path_slash", "must start with '/'")
	}
	for _, reserved := range reservedPaths {
		if strings.HasPrefix(strings.TrimSuffix(p, "/")+"/", reserved+"/") {
			return validation.NewError("validation_base_path_reserved", fmt.Sprintf("conflicts with reserved route %q", reserved))
		}
	}
	return nil
}

func validateForwardTarget(value interface{}) error {
	s, _ := value.(string)
	u, err := url.Parse(s)
	if err != nil {
		return validation.NewError("validation_invalid_url", "must be a valid URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return validation.NewError("validation_invalid_scheme", fmt.Sprintf("must use http or https; got %q", s))
	}
	if u.Host == "" {
		return validation.NewError("validation_missing_host", "must include a host")
	}
	return nil
}

// lowerIn is validation.In with case-insensitive matching; empty is allowed.
func lowerIn(allowed ...string) validation.RuleFunc {
	return func(value interface{}) error {
		s, _ := value.(string)
		if s == "" {
			return nil
		}
		for _, a := range allowed {
			if strings.ToLower(s) == a {
				return nil
			}
		}
		return validation.NewError("validation_not_in_list", fmt.Sprintf("must be one of: %s; got %q", strings.Join(allowed, ", "), s))
	}
}

// setDefaults fills zero-valued fields with sensible defaults.
// For integer fields (Port, BodyMaxBytes, etc.), zero means "unset" because TOML
// cannot distinguish between an explicit 0 and an omitted key. Agent defaults
// are applied by client.NewAgentConfig.
func (c *Config) setDefaults() {
	if c.Server.Host == "" {
		c.Server.Host = "0.0.0.0"
	}
	if c.Server.Port == 0 {
		c.Server.Port = 8000
	}
	if c.Server.BodyMaxBytes == 0 {
		c.Server.BodyMaxBytes = 10 * 1024 * 1024 // 10 MB
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "json"
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = defaultMetricsPath
	}
}

// findConfig returns the first config path that exists, or empty string.
func findConfig() string {
	return findConfigInPaths(configSearchPaths)
}

// findConfigInPaths returns the first path that exists on disk, or empty string.
func findConfigInPaths(paths []string) string {
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Addr returns the server listen address as host:port.
func (c *ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// WarnPermissions logs a warning if the config file is readable by group or others.
func (c *Config) WarnPermissions(logger *slog.Logger) {
	if c.filePath == "" {
		return
	}
	info, err := os.Stat(c.filePath)
	if err != nil {
		return
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		logger.Warn("config file is readable by group/others; consider chmod 600",
			"path", c.filePath,
			"mode", fmt.Sprintf("%04o", perm),
		)
	}
}
