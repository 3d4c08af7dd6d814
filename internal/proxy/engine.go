package proxy

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"mountgw/internal/logging"
	"mountgw/internal/metrics"
	"mountgw/internal/rewrite"
	"mountgw/internal/routes"
)

// ErrRewrite marks a failure while buffering or transforming a response body.
var ErrRewrite = errors.New("content rewrite failed")

type Mode int

const (
	Rewriting Mode = iota
	Passthrough
)

func (m Mode) String() string {
	if m == Passthrough {
		return "passthrough"
	}
	return "rewriting"
}

// ModeFor picks the proxy mode for a plain HTTP request on r. Upgrades are
// served by the tunnel and never reach the engine.
func ModeFor(r routes.Route) Mode {
	if !r.RewriteContent {
		return Passthrough
	}
	return Rewriting
}

const defaultMaxRewriteBytes = 16 << 20

var staticAssetExts = map[string]struct{}{
	".css": {}, ".js": {}, ".png": {}, ".jpg": {}, ".jpeg": {}, ".gif": {}, ".ico": {},
	".svg": {}, ".woff": {}, ".woff2": {}, ".ttf": {}, ".eot": {},
}

type Options struct {
	Transport       http.RoundTripper
	MaxRewriteBytes int64
	Logger          logrus.FieldLogger
	Metrics         *metrics.Metrics
}

// Engine builds per-route reverse proxies. Handlers it returns hold no
// per-request state and only depend on the route and mode they were built for.
type Engine struct {
	transport  http.RoundTripper
	maxRewrite int64
	log        logrus.FieldLogger
	metrics    *metrics.Metrics
}

func NewEngine(opts Options) *Engine {
	e := &Engine{
		transport:  opts.Transport,
		maxRewrite: opts.MaxRewriteBytes,
		log:        logging.Component(opts.Logger, "proxy"),
		metrics:    opts.Metrics,
	}
	if e.transport == nil {
		e.transport = NewTransport(TransportConfig{})
	}
	if e.maxRewrite <= 0 {
		e.maxRewrite = defaultMaxRewriteBytes
	}
	return e
}

// Build returns the handler for route in mode. It satisfies Builder.
func (e *Engine) Build(route routes.Route, mode Mode) (http.Handler, error) {
	target, err := route.TargetURL()
	if err != nil {
		return nil, err
	}
	rewrites := mode == Rewriting && route.Path != "/"
	proxy := &httputil.ReverseProxy{
		Director:      e.director(route, target, rewrites),
		Transport:     e.transport,
		FlushInterval: 50 * time.Millisecond,
		ErrorHandler:  e.errorHandler(route),
	}
	if rewrites {
		proxy.ModifyResponse = e.modifyResponse(route)
	}
	return proxy, nil
}

func (e *Engine) director(route routes.Route, target *url.URL, rewrites bool) func(*http.Request) {
	targetQuery := target.RawQuery
	return func(req *http.Request) {
		originalHost := req.Host
		_, port := splitHostPortMaybe(originalHost)

		stripped := routes.StripPrefix(route.Path, req.URL.Path)
		bare := route.Path != "/" && req.URL.Path == route.Path
		req.URL.Scheme = target.Scheme
		req.URL.Host = target.Host
		req.URL.Path = singleJoiningSlash(target.Path, stripped)
		if req.URL.RawPath != "" {
			req.URL.RawPath = singleJoiningSlash(target.EscapedPath(), routes.StripPrefix(route.Path, req.URL.RawPath))
		}
		if bare && target.Path != "" {
			// bare mount onto a target with a path: /api/attendance -> http://host/api/attendance
			req.URL.Path, req.URL.RawPath = target.Path, target.RawPath
		}
		if targetQuery == "" || req.URL.RawQuery == "" {
			req.URL.RawQuery = targetQuery + req.URL.RawQuery
		} else {
			req.URL.RawQuery = targetQuery + "&" + req.URL.RawQuery
		}
		req.Host = target.Host

		req.Header.Set("X-Forwarded-Host", originalHost)
		forwardedProto := "http"
		defaultPort := "80"
		if req.TLS != nil {
			forwardedProto = "https"
			defaultPort = "443"
		}
		if port != "" {
			defaultPort = port
		}
		req.Header.Set("X-Forwarded-Proto", forwardedProto)
		req.Header.Set("X-Forwarded-Port", defaultPort)
		req.Header.Set("X-Forwarded-Prefix", route.Path)
		if _, ok := req.Header["User-Agent"]; !ok {
			req.Header.Set("User-Agent", "")
		}

		if !rewrites {
			return
		}
		// A 304 has no body to rewrite.
		req.Header.Del("If-None-Match")
		req.Header.Del("If-Modified-Since")
		// Let the transport negotiate gzip and decode it for us.
		req.Header.Del("Accept-Encoding")
		if isStaticAsset(stripped) {
			req.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
			req.Header.Set("Pragma", "no-cache")
			req.Header.Set("Expires", "0")
		}
	}
}

func (e *Engine) modifyResponse(route routes.Route) func(*http.Response) error {
	return func(resp *http.Response) error {
		if !rewritable(resp) {
			return nil
		}
		kind := rewrite.Classify(resp.Header.Get("Content-Type"))
		if kind == rewrite.Opaque {
			return nil
		}
		body, decoded, err := readBody(resp, e.maxRewrite)
		if err != nil {
			e.metrics.Rewrite(route.Path, kind.String(), err)
			return fmt.Errorf("%w: %v", ErrRewrite, err)
		}
		out := rewrite.Body(kind, body, route.Path)
		e.metrics.Rewrite(route.Path, kind.String(), nil)

		resp.Body = io.NopCloser(bytes.NewReader(out))
		resp.ContentLength = int64(len(out))
		resp.Header.Set("Content-Length", strconv.Itoa(len(out)))
		if decoded {
			resp.Header.Del("Content-Encoding")
		}
		return nil
	}
}

func rewritable(resp *http.Response) bool {
	if resp.Request != nil && resp.Request.Method == http.MethodHead {
		return false
	}
	switch {
	case resp.StatusCode < 200,
		resp.StatusCode == http.StatusNoContent,
		resp.StatusCode == http.StatusPartialContent,
		resp.StatusCode == http.StatusNotModified:
		return false
	}
	return true
}

// readBody buffers the whole body, decoding gzip when the transport left it
// encoded. Any other content coding cannot be rewritten.
func readBody(resp *http.Response, limit int64) ([]byte, bool, error) {
	defer resp.Body.Close()
	var (
		r       io.Reader = resp.Body
		decoded bool
	)
	switch enc := strings.ToLower(strings.TrimSpace(resp.Header.Get("Content-Encoding"))); enc {
	case "", "identity":
	case "gzip", "x-gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, false, err
		}
		defer zr.Close()
		r, decoded = zr, true
	default:
		return nil, false, fmt.Errorf("unsupported content encoding %q", enc)
	}
	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, false, err
	}
	if int64(len(body)) > limit {
		return nil, false, fmt.Errorf("body exceeds %d bytes", limit)
	}
	return body, decoded, nil
}

func (e *Engine) errorHandler(route routes.Route) func(http.ResponseWriter, *http.Request, error) {
	return func(w http.ResponseWriter, r *http.Request, err error) {
		log := e.log.WithFields(logrus.Fields{
			"route":  route.Path,
			"target": route.Target,
			"path":   r.URL.Path,
		})
		switch {
		case errors.Is(err, context.Canceled) || r.Context().Err() == context.Canceled:
			log.WithError(err).Debug("client went away")
			return
		case errors.Is(err, ErrRewrite):
			log.WithError(err).Error("rewrite failed")
			writeJSON(w, http.StatusInternalServerError, map[string]any{
				"error":   "Internal Server Error",
				"message": "Failed to rewrite upstream response",
				"route":   route.Path,
			})
			return
		}
		category := classifyUpstreamError(err)
		e.metrics.UpstreamError(route.Path, category)
		log.WithError(err).WithField("category", category).Warn("upstream request failed")
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":   "Bad Gateway",
			"message": fmt.Sprintf("Unable to reach %s (%s)", route.Target, category),
			"route":   route.Path,
			"target":  route.Target,
		})
	}
}

func classifyUpstreamError(err error) string {
	msg := strings.ToLower(strings.TrimSpace(fmt.Sprintf("%v", err)))
	switch {
	case strings.Contains(msg, "connection refused"):
		return "Upstream connection refused"
	case strings.Contains(msg, "no route to host"):
		return "Upstream route unavailable"
	case strings.Contains(msg, "no such host"):
		return "Upstream host not found"
	case strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "context deadline exceeded"),
		strings.Contains(msg, "timeout awaiting response headers"):
		return "Upstream timeout"
	default:
		return "Upstream unavailable"
	}
}

func isStaticAsset(p string) bool {
	_, ok := staticAssetExts[strings.ToLower(path.Ext(p))]
	return ok
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func splitHostPortMaybe(host string) (string, string) {
	if strings.Contains(host, ":") {
		hostOnly, port, err := net.SplitHostPort(host)
		if err == nil {
			return hostOnly, port
		}
	}
	return host, ""
}

func singleJoiningSlash(a, b string) string {
	aslash := strings.HasSuffix(a, "/")
	bslash := strings.HasPrefix(b, "/")
	switch {
	case aslash && bslash:
		return a + b[1:]
	case !aslash && !bslash:
		return a + "/" + b
	}
	return a + b
}
