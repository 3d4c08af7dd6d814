package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultFile is read when no --config flag is given and the file exists.
const DefaultFile = "mountgw.yaml"

type Config struct {
	Listen string `yaml:"listen"`
	// Env selects routes-config.<env>.json ahead of routes-config.json.
	Env        string `yaml:"env"`
	RoutesDir  string `yaml:"routesDir"`
	RoutesFile string `yaml:"routesFile,omitempty"`
	// ReservedPrefixes are never matched against the route table.
	ReservedPrefixes []string        `yaml:"reservedPrefixes"`
	StaticDir        string          `yaml:"staticDir"`
	ConfigUIPath     string          `yaml:"configUIPath"`
	StaticPrefix     string          `yaml:"staticPrefix"`
	Dashboard        DashboardConfig `yaml:"dashboard"`
	Upstream         UpstreamConfig  `yaml:"upstream"`
	HealthTimeout    time.Duration   `yaml:"healthTimeout"`
	Watch            WatchConfig     `yaml:"watch"`
	MatchReferer     bool            `yaml:"matchReferer"`
	Metrics          bool            `yaml:"metrics"`
	CORS             CORSConfig      `yaml:"cors"`
	Log              LogConfig       `yaml:"log"`
}

// DashboardConfig describes the host application that serves unmatched
// dashboard paths. An empty Target disables the fallback.
type DashboardConfig struct {
	Target   string   `yaml:"target"`
	Paths    []string `yaml:"paths"`
	Prefixes []string `yaml:"prefixes"`
}

type UpstreamConfig struct {
	DialTimeout           time.Duration `yaml:"dialTimeout"`
	ResponseHeaderTimeout time.Duration `yaml:"responseHeaderTimeout"`
	MaxRewriteBytes       int64         `yaml:"maxRewriteBytes"`
}

type WatchConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Debounce time.Duration `yaml:"debounce"`
	// PollInterval reloads the route file on a fixed period as well. Zero
	// disables polling.
	PollInterval time.Duration `yaml:"pollInterval"`
}

// CORSConfig is applied to every response. "*" allows any origin.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowedOrigins"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		Listen:    ":3001",
		Env:       "development",
		RoutesDir: ".",
		ReservedPrefixes: []string{
			"/config-path",
			"/_static",
			"/api/routes",
			"/api/auth",
			"/api/services",
			"/_next",
			"/static",
			"/healthz",
			"/metrics",
		},
		StaticDir:    "public",
		ConfigUIPath: "/config-path",
		StaticPrefix: "/_static",
		Dashboard: DashboardConfig{
			Paths:    []string{"/", "/login"},
			Prefixes: []string{"/dashboard", "/admin", "/api/auth", "/api/services", "/_next", "/static"},
		},
		Upstream: UpstreamConfig{
			DialTimeout:           5 * time.Second,
			ResponseHeaderTimeout: 30 * time.Second,
			MaxRewriteBytes:       16 << 20,
		},
		HealthTimeout: 5 * time.Second,
		Watch: WatchConfig{
			Enabled:  true,
			Debounce: 100 * time.Millisecond,
		},
		Metrics: true,
		CORS:    CORSConfig{AllowedOrigins: []string{"*"}},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load returns defaults overlaid with the YAML file at path and then the
// environment. An empty path reads DefaultFile only when it exists.
func Load(path string) (Config, error) {
	cfg := Default()
	explicit := path != ""
	if !explicit {
		path = DefaultFile
	}
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("invalid config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return Config{}, err
	}
	cfg.ApplyEnv(os.Getenv)
	cfg.ApplyDefaults()
	return cfg, nil
}

// ApplyEnv overlays MOUNTGW_* variables. getenv is injectable for tests.
func (c *Config) ApplyEnv(getenv func(string) string) {
	env := envOrDefault(getenv, "MOUNTGW_ENV", envOrDefault(getenv, "NODE_ENV", c.Env))
	c.Env = env
	if port := strings.TrimSpace(getenv("PORT")); port != "" {
		c.Listen = ":" + port
	}
	c.Listen = envOrDefault(getenv, "MOUNTGW_LISTEN", c.Listen)
	c.RoutesDir = envOrDefault(getenv, "MOUNTGW_ROUTES_DIR", c.RoutesDir)
	c.RoutesFile = envOrDefault(getenv, "MOUNTGW_ROUTES_FILE", c.RoutesFile)
	c.Dashboard.Target = envOrDefault(getenv, "MOUNTGW_DASHBOARD_TARGET", c.Dashboard.Target)
	c.Log.Level = envOrDefault(getenv, "MOUNTGW_LOG_LEVEL", c.Log.Level)
	c.Watch.Enabled = envBoolOrDefault(getenv, "MOUNTGW_WATCH", c.Watch.Enabled)
	c.MatchReferer = envBoolOrDefault(getenv, "MOUNTGW_MATCH_REFERER", c.MatchReferer)
	if v := strings.TrimSpace(getenv("MOUNTGW_CORS_ORIGINS")); v != "" {
		c.CORS.AllowedOrigins = splitList(v)
	}
}

// ApplyDefaults fills zero values left by a sparse YAML file.
func (c *Config) ApplyDefaults() {
	d := Default()
	c.Listen = defaultIfEmpty(c.Listen, d.Listen)
	c.Env = defaultIfEmpty(c.Env, d.Env)
	c.RoutesDir = defaultIfEmpty(c.RoutesDir, d.RoutesDir)
	c.StaticDir = defaultIfEmpty(c.StaticDir, d.StaticDir)
	c.ConfigUIPath = defaultIfEmpty(c.ConfigUIPath, d.ConfigUIPath)
	c.StaticPrefix = defaultIfEmpty(c.StaticPrefix, d.StaticPrefix)
	if c.ReservedPrefixes == nil {
		c.ReservedPrefixes = d.ReservedPrefixes
	}
	if c.Dashboard.Paths == nil {
		c.Dashboard.Paths = d.Dashboard.Paths
	}
	if c.Dashboard.Prefixes == nil {
		c.Dashboard.Prefixes = d.Dashboard.Prefixes
	}
	c.Upstream.DialTimeout = durationOrDefault(c.Upstream.DialTimeout, d.Upstream.DialTimeout)
	c.Upstream.ResponseHeaderTimeout = durationOrDefault(c.Upstream.ResponseHeaderTimeout, d.Upstream.ResponseHeaderTimeout)
	if c.Upstream.MaxRewriteBytes == 0 {
		c.Upstream.MaxRewriteBytes = d.Upstream.MaxRewriteBytes
	}
	c.HealthTimeout = durationOrDefault(c.HealthTimeout, d.HealthTimeout)
	c.Watch.Debounce = durationOrDefault(c.Watch.Debounce, d.Watch.Debounce)
	if len(c.CORS.AllowedOrigins) == 0 {
		c.CORS.AllowedOrigins = d.CORS.AllowedOrigins
	}
	c.Log.Level = defaultIfEmpty(c.Log.Level, d.Log.Level)
	c.Log.Format = defaultIfEmpty(c.Log.Format, d.Log.Format)
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		return fmt.Errorf("listen address required")
	}
	if t := strings.TrimSpace(c.Dashboard.Target); t != "" {
		u, err := url.Parse(t)
		if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
			return fmt.Errorf("dashboard target must be an absolute http(s) URL: %q", t)
		}
	}
	for _, p := range c.ReservedPrefixes {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("reserved prefix must start with /: %q", p)
		}
	}
	if c.Upstream.DialTimeout <= 0 || c.Upstream.ResponseHeaderTimeout <= 0 || c.HealthTimeout <= 0 {
		return fmt.Errorf("timeouts must be positive")
	}
	if c.Upstream.MaxRewriteBytes <= 0 {
		return fmt.Errorf("upstream.maxRewriteBytes must be positive")
	}
	if c.Watch.PollInterval < 0 {
		return fmt.Errorf("watch.pollInterval must not be negative")
	}
	return nil
}

// RouteFileCandidates lists route files in priority order.
func (c Config) RouteFileCandidates() []string {
	if f := strings.TrimSpace(c.RoutesFile); f != "" {
		return []string{f}
	}
	var out []string
	if env := strings.TrimSpace(c.Env); env != "" {
		out = append(out, filepath.Join(c.RoutesDir, "routes-config."+env+".json"))
	}
	return append(out, filepath.Join(c.RoutesDir, "routes-config.json"))
}

func envOrDefault(getenv func(string) string, key, fallback string) string {
	if v := strings.TrimSpace(getenv(key)); v != "" {
		return v
	}
	return fallback
}

func envBoolOrDefault(getenv func(string) string, key string, fallback bool) bool {
	v := strings.TrimSpace(getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func defaultIfEmpty(value string, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}

func durationOrDefault(value, fallback time.Duration) time.Duration {
	if value == 0 {
		return fallback
	}
	return value
}
