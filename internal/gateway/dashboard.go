package gateway

import (
	"context"
	"errors"
	"net/http"
	"net/http/httputil"
	"strings"

	"github.com/sirupsen/logrus"

	"mountgw/internal/config"
	"mountgw/internal/logging"
	"mountgw/internal/routes"
)

// Unmatched serves requests that no route claims. It returns false to
// decline, leaving the gateway to answer with the 404 listing.
type Unmatched interface {
	ServeUnmatched(w http.ResponseWriter, r *http.Request) bool
}

// Dashboard forwards the host application's own paths to its upstream.
type Dashboard struct {
	paths    map[string]struct{}
	prefixes []string
	proxy    *httputil.ReverseProxy
}

// NewDashboard returns nil when cfg has no target.
func NewDashboard(cfg config.DashboardConfig, transport http.RoundTripper, logger logrus.FieldLogger) (*Dashboard, error) {
	if strings.TrimSpace(cfg.Target) == "" {
		return nil, nil
	}
	target, err := routes.ParseTarget(cfg.Target)
	if err != nil {
		return nil, err
	}
	log := logging.Component(logger, "dashboard")
	d := &Dashboard{
		paths:    make(map[string]struct{}, len(cfg.Paths)),
		prefixes: append([]string(nil), cfg.Prefixes...),
	}
	for _, p := range cfg.Paths {
		d.paths[p] = struct{}{}
	}
	d.proxy = &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
			pr.Out.Host = pr.In.Host
		},
		Transport: transport,
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			log.WithError(err).WithField("path", r.URL.Path).Warn("dashboard upstream failed")
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":   "Bad Gateway",
				"message": "Dashboard unavailable",
				"target":  cfg.Target,
			})
		},
	}
	return d, nil
}

// Owns reports whether p is a dashboard path.
func (d *Dashboard) Owns(p string) bool {
	if d == nil {
		return false
	}
	if _, ok := d.paths[p]; ok {
		return true
	}
	for _, prefix := range d.prefixes {
		if strings.HasPrefix(p, prefix) {
			return true
		}
	}
	return false
}

func (d *Dashboard) ServeUnmatched(w http.ResponseWriter, r *http.Request) bool {
	if !d.Owns(r.URL.Path) {
		return false
	}
	d.proxy.ServeHTTP(w, r)
	return true
}
