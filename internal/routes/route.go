package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrNotFound      = errors.New("route not found")
	ErrDuplicatePath = errors.New("route path already exists")
	ErrInvalidRoute  = errors.New("invalid route")
	ErrConfigLoad    = errors.New("route config load failed")
	ErrConfigWrite   = errors.New("route config write failed")
)

// Route maps a mount prefix to one upstream origin.
type Route struct {
	ID          string `json:"id"`
	Path        string `json:"path"`
	Target      string `json:"target"`
	Description string `json:"description"`
	Enabled     bool   `json:"enabled"`
	// RewriteContent selects the content-rewriting proxy. When false the
	// route is served by the raw passthrough proxy.
	RewriteContent bool `json:"rewriteContent"`
}

// UnmarshalJSON defaults rewriteContent to true when the key is absent.
func (r *Route) UnmarshalJSON(data []byte) error {
	type plain Route
	var raw struct {
		plain
		RewriteContent *bool `json:"rewriteContent"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*r = Route(raw.plain)
	r.RewriteContent = raw.RewriteContent == nil || *raw.RewriteContent
	return nil
}

// NewID returns a fresh opaque route id.
func NewID() string {
	return "route-" + uuid.NewString()
}

// NormalizePath trims whitespace and any trailing slash, except for the root mount.
func NormalizePath(p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	trimmed := strings.TrimRight(p, "/")
	if trimmed == "" {
		return "/"
	}
	return trimmed
}

// Validate checks the fields a route needs to be served.
func (r Route) Validate() error {
	if strings.TrimSpace(r.Path) == "" || strings.TrimSpace(r.Target) == "" {
		return fmt.Errorf("%w: path and target are required", ErrInvalidRoute)
	}
	if !strings.HasPrefix(r.Path, "/") {
		return fmt.Errorf("%w: path must start with /", ErrInvalidRoute)
	}
	if _, err := ParseTarget(r.Target); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRoute, err)
	}
	return nil
}

// TargetURL parses the route target. Routes in a Table have already been validated.
func (r Route) TargetURL() (*url.URL, error) {
	return ParseTarget(r.Target)
}

// ParseTarget accepts absolute http(s) origins.
func ParseTarget(raw string) (*url.URL, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, fmt.Errorf("target required")
	}
	u, err := url.Parse(trimmed)
	if err != nil {
		return nil, fmt.Errorf("invalid target: %v", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("target scheme must be http or https")
	}
	if u.Host == "" {
		return nil, fmt.Errorf("target host is required")
	}
	return u, nil
}

// StripPrefix removes the mount prefix from a request path. The result
// always starts with "/".
func StripPrefix(mount, p string) string {
	rest := p
	if mount != "/" {
		rest = strings.TrimPrefix(p, mount)
	}
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return rest
}
