// Package tunnel bridges WebSocket upgrades to the matching route's target.
package tunnel

import (
	"errors"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"mountgw/internal/logging"
	"mountgw/internal/metrics"
	"mountgw/internal/routes"
)

// forwardedHeaders are copied from the client handshake to the upstream one.
var forwardedHeaders = []string{
	"Cookie",
	"Authorization",
	"Origin",
	"User-Agent",
	"Sec-WebSocket-Protocol",
}

type Options struct {
	// Snapshot returns the route table to match against.
	Snapshot         func() *routes.Table
	Matcher          *routes.Matcher
	HandshakeTimeout time.Duration
	Logger           logrus.FieldLogger
	Metrics          *metrics.Metrics
}

type Tunnel struct {
	snapshot func() *routes.Table
	matcher  *routes.Matcher
	dialer   *websocket.Dialer
	upgrader websocket.Upgrader
	log      logrus.FieldLogger
	metrics  *metrics.Metrics
}

func New(opts Options) *Tunnel {
	timeout := opts.HandshakeTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Tunnel{
		snapshot: opts.Snapshot,
		matcher:  opts.Matcher,
		dialer: &websocket.Dialer{
			HandshakeTimeout: timeout,
		},
		upgrader: websocket.Upgrader{
			HandshakeTimeout: timeout,
			// the upstream enforces its own origin policy
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		log:     logging.Component(opts.Logger, "tunnel"),
		metrics: opts.Metrics,
	}
}

// ServeHTTP handles one upgrade request. Requests that match no route, or
// whose upstream cannot be reached, get their connection closed without a
// handshake response.
func (t *Tunnel) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	route, ok := t.matcher.MatchUpgrade(t.snapshot(), r)
	if !ok {
		t.log.WithField("path", r.URL.Path).Info("no websocket route")
		t.metrics.TunnelRejected("no_route")
		destroy(w)
		return
	}
	log := t.log.WithFields(logrus.Fields{"route": route.Path, "path": r.URL.Path})

	upstreamURL, err := UpstreamURL(route, r.URL)
	if err != nil {
		log.WithError(err).Warn("invalid websocket target")
		t.metrics.TunnelRejected("bad_target")
		destroy(w)
		return
	}

	header := http.Header{}
	for _, k := range forwardedHeaders {
		if vs := r.Header.Values(k); len(vs) > 0 {
			header[http.CanonicalHeaderKey(k)] = vs
		}
	}
	if ip, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		header.Set("X-Forwarded-For", ip)
	}
	header.Set("X-Forwarded-Host", r.Host)

	upstream, resp, err := t.dialer.DialContext(r.Context(), upstreamURL.String(), header)
	if err != nil {
		fields := logrus.Fields{"upstream": upstreamURL.String()}
		if resp != nil {
			fields["status"] = resp.StatusCode
		}
		log.WithError(err).WithFields(fields).Warn("websocket dial failed")
		t.metrics.TunnelRejected("dial_failed")
		destroy(w)
		return
	}

	var respHeader http.Header
	if p := upstream.Subprotocol(); p != "" {
		respHeader = http.Header{"Sec-Websocket-Protocol": {p}}
	}
	client, err := t.upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		// Upgrade has already replied to the client.
		log.WithError(err).Debug("client upgrade failed")
		t.metrics.TunnelRejected("upgrade_failed")
		_ = upstream.Close()
		return
	}

	done := t.metrics.TunnelOpened()
	defer done()
	log.WithField("upstream", upstreamURL.String()).Info("websocket tunnel open")
	err = bridge(client, upstream)
	log.WithError(err).Debug("websocket tunnel closed")
}

// UpstreamURL maps the client URL onto the route target. The mount prefix
// is stripped only when the request path carries it; Origin-matched
// sockets keep their path.
func UpstreamURL(route routes.Route, u *url.URL) (*url.URL, error) {
	target, err := route.TargetURL()
	if err != nil {
		return nil, err
	}
	out := *target
	switch target.Scheme {
	case "https":
		out.Scheme = "wss"
	default:
		out.Scheme = "ws"
	}
	p := u.Path
	if strings.HasPrefix(p, route.Path) {
		p = routes.StripPrefix(route.Path, p)
	}
	out.Path = strings.TrimSuffix(target.Path, "/") + p
	out.RawPath = ""
	out.RawQuery = u.RawQuery
	return &out, nil
}

// bridge relays frames both ways until either side fails, then closes both
// with the close code the failing side reported.
func bridge(client, upstream *websocket.Conn) error {
	errc := make(chan error, 2)
	go relay(upstream, client, errc)
	go relay(client, upstream, errc)
	err := <-errc

	msg := closeMessage(err)
	deadline := time.Now().Add(time.Second)
	_ = client.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = upstream.WriteControl(websocket.CloseMessage, msg, deadline)
	_ = client.Close()
	_ = upstream.Close()
	<-errc
	return err
}

func relay(dst, src *websocket.Conn, errc chan<- error) {
	for {
		mt, r, err := src.NextReader()
		if err != nil {
			errc <- err
			return
		}
		w, err := dst.NextWriter(mt)
		if err != nil {
			errc <- err
			return
		}
		if _, err := io.Copy(w, r); err != nil {
			errc <- err
			return
		}
		if err := w.Close(); err != nil {
			errc <- err
			return
		}
	}
}

func closeMessage(err error) []byte {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		switch ce.Code {
		case websocket.CloseNoStatusReceived, websocket.CloseAbnormalClosure, websocket.CloseTLSHandshake:
			return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		}
		return websocket.FormatCloseMessage(ce.Code, ce.Text)
	}
	return websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
}

// destroy drops the client connection without writing a response.
func destroy(w http.ResponseWriter) {
	conn, _, err := http.NewResponseController(w).Hijack()
	if err != nil {
		panic(http.ErrAbortHandler)
	}
	_ = conn.Close()
}
