// Package health runs point-in-time liveness probes against route targets.
package health

import (
	"context"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"mountgw/internal/logging"
	"mountgw/internal/metrics"
	"mountgw/internal/routes"
)

const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

type Result struct {
	Status     string `json:"status"`
	StatusCode int    `json:"statusCode,omitempty"`
	Error      string `json:"error,omitempty"`
	Target     string `json:"target"`
	LatencyMs  int64  `json:"latencyMs"`
}

func (r Result) Healthy() bool { return r.Status == StatusHealthy }

type Prober struct {
	client  *http.Client
	timeout time.Duration
	log     logrus.FieldLogger
	metrics *metrics.Metrics
}

// NewProber returns a prober bounded by timeout. transport may be nil.
func NewProber(timeout time.Duration, transport http.RoundTripper, logger logrus.FieldLogger, m *metrics.Metrics) *Prober {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Prober{
		client: &http.Client{
			Transport: transport,
			// a redirect is still a live upstream
			CheckRedirect: func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse },
		},
		timeout: timeout,
		log:     logging.Component(logger, "health"),
		metrics: m,
	}
}

// Probe sends a HEAD to the route target. Any response before the deadline
// counts as healthy whatever its status code.
func (p *Prober) Probe(ctx context.Context, route routes.Route) Result {
	res := Result{Status: StatusUnhealthy, Target: route.Target}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, route.Target, nil)
	if err != nil {
		res.Error = err.Error()
		p.record(route, res)
		return res
	}
	resp, err := p.client.Do(req)
	res.LatencyMs = time.Since(start).Milliseconds()
	if err != nil {
		res.Error = err.Error()
		p.record(route, res)
		return res
	}
	_ = resp.Body.Close()
	res.Status = StatusHealthy
	res.StatusCode = resp.StatusCode
	p.record(route, res)
	return res
}

func (p *Prober) record(route routes.Route, res Result) {
	p.metrics.Probe(res.Status)
	p.log.WithFields(logrus.Fields{
		"route":   route.Path,
		"target":  route.Target,
		"status":  res.Status,
		"latency": res.LatencyMs,
	}).Debug("probe finished")
}
