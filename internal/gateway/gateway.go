// Package gateway composes the route matcher, proxy cache, tunnel and
// management surface into the single handler the server listens with.
package gateway

import (
	"encoding/json"
	"net/http"
	"path/filepath"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"mountgw/internal/api"
	"mountgw/internal/config"
	"mountgw/internal/health"
	"mountgw/internal/logging"
	"mountgw/internal/metrics"
	"mountgw/internal/proxy"
	"mountgw/internal/routes"
	"mountgw/internal/tunnel"
)

type Options struct {
	Config config.Config
	Store  *routes.Store
	// Transport is shared by proxies, probes and the dashboard. Nil builds
	// one from Config.Upstream.
	Transport http.RoundTripper
	// Unmatched overrides the dashboard fallback built from Config.Dashboard.
	Unmatched Unmatched
	Logger    logrus.FieldLogger
	Metrics   *metrics.Metrics
}

type Gateway struct {
	cfg       config.Config
	store     *routes.Store
	matcher   *routes.Matcher
	cache     *proxy.Cache
	tunnel    *tunnel.Tunnel
	unmatched Unmatched
	log       logrus.FieldLogger
	metrics   *metrics.Metrics
	handler   http.Handler
}

func New(opts Options) (*Gateway, error) {
	cfg := opts.Config
	transport := opts.Transport
	if transport == nil {
		transport = proxy.NewTransport(proxy.TransportConfig{
			DialTimeout:           cfg.Upstream.DialTimeout,
			ResponseHeaderTimeout: cfg.Upstream.ResponseHeaderTimeout,
		})
	}
	matcher := routes.NewMatcher(cfg.ReservedPrefixes, cfg.MatchReferer)
	engine := proxy.NewEngine(proxy.Options{
		Transport:       transport,
		MaxRewriteBytes: cfg.Upstream.MaxRewriteBytes,
		Logger:          opts.Logger,
		Metrics:         opts.Metrics,
	})

	g := &Gateway{
		cfg:       cfg,
		store:     opts.Store,
		matcher:   matcher,
		cache:     proxy.NewCache(engine.Build, opts.Metrics),
		unmatched: opts.Unmatched,
		log:       logging.Component(opts.Logger, "gateway"),
		metrics:   opts.Metrics,
	}
	g.tunnel = tunnel.New(tunnel.Options{
		Snapshot: opts.Store.Snapshot,
		Matcher:  matcher,
		Logger:   opts.Logger,
		Metrics:  opts.Metrics,
	})
	if g.unmatched == nil {
		d, err := NewDashboard(cfg.Dashboard, transport, opts.Logger)
		if err != nil {
			return nil, err
		}
		if d != nil {
			g.unmatched = d
		}
	}

	opts.Store.OnReload(g.tableSwapped)
	g.tableSwapped(opts.Store.Snapshot())

	prober := health.NewProber(cfg.HealthTimeout, transport, opts.Logger, opts.Metrics)
	g.handler = g.router(api.New(opts.Store, prober, opts.Logger))
	return g, nil
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.handler.ServeHTTP(w, r)
}

// tableSwapped drops every cached proxy built for an older table.
func (g *Gateway) tableSwapped(t *routes.Table) {
	g.cache.Purge(t.Generation)
	g.metrics.TableSwapped(t.Generation, len(t.Enabled()))
}

func (g *Gateway) router(a *api.API) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(g.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(g.cors())
	r.Use(g.upgrades)

	r.With(labelled("api")).Mount("/api/routes", a.Router())
	r.With(labelled("config-ui")).Get(g.cfg.ConfigUIPath, func(w http.ResponseWriter, r *http.Request) {
		http.ServeFile(w, r, filepath.Join(g.cfg.StaticDir, "index.html"))
	})
	static := http.StripPrefix(g.cfg.StaticPrefix, http.FileServer(http.Dir(g.cfg.StaticDir)))
	r.With(labelled("static")).Handle(g.cfg.StaticPrefix+"/*", static)
	r.With(labelled("healthz")).Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"generation": g.store.Snapshot().Generation,
		})
	})
	if g.cfg.Metrics {
		r.With(labelled("metrics")).Handle("/metrics", g.metrics.Handler())
	}
	r.NotFound(g.serveRoute)
	return r
}

// upgrades diverts WebSocket handshakes to the tunnel before any routing.
func (g *Gateway) upgrades(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !websocket.IsWebSocketUpgrade(r) {
			next.ServeHTTP(w, r)
			return
		}
		setLabel(r, "tunnel")
		g.tunnel.ServeHTTP(w, r)
	})
}

// serveRoute handles everything the gateway's own surface does not.
func (g *Gateway) serveRoute(w http.ResponseWriter, r *http.Request) {
	w = &upstreamCORS{ResponseWriter: w}
	t := g.store.Snapshot()
	if g.matcher.Reserved(r.URL.Path) {
		g.serveUnmatched(w, r, t)
		return
	}
	route, ok := g.matcher.MatchRequest(t, r)
	if !ok {
		g.serveUnmatched(w, r, t)
		return
	}
	setLabel(r, route.Path)

	h, err := g.cache.Get(t.Generation, route, proxy.ModeFor(route))
	if err != nil {
		g.log.WithError(err).WithField("route", route.Path).Error("proxy build failed")
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   "Bad Gateway",
			"message": "Invalid route target",
			"route":   route.Path,
			"target":  route.Target,
		})
		return
	}
	h.ServeHTTP(w, r)
}

type routeSummary struct {
	Path        string `json:"path"`
	Target      string `json:"target"`
	Description string `json:"description"`
}

func (g *Gateway) serveUnmatched(w http.ResponseWriter, r *http.Request, t *routes.Table) {
	if g.unmatched != nil && g.unmatched.ServeUnmatched(w, r) {
		setLabel(r, "dashboard")
		return
	}
	available := []routeSummary{}
	for _, rt := range t.Enabled() {
		available = append(available, routeSummary{Path: rt.Path, Target: rt.Target, Description: rt.Description})
	}
	writeJSON(w, http.StatusNotFound, map[string]any{
		"error":           "Not Found",
		"message":         "No route configured for this path",
		"path":            r.URL.Path,
		"availableRoutes": available,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
