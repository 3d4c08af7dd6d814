package health

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mountgw/internal/routes"
)

func TestProbeHealthyOnAnyResponse(t *testing.T) {
	for _, code := range []int{http.StatusOK, http.StatusNotFound, http.StatusInternalServerError, http.StatusFound} {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			assert.Equal(t, http.MethodHead, r.Method)
			if code == http.StatusFound {
				http.Redirect(w, r, "/elsewhere", code)
				return
			}
			w.WriteHeader(code)
		}))
		res := NewProber(time.Second, nil, nil, nil).Probe(context.Background(), routes.Route{Path: "/a", Target: srv.URL})
		srv.Close()

		assert.True(t, res.Healthy(), "status %d", code)
		assert.Equal(t, code, res.StatusCode)
		assert.Equal(t, srv.URL, res.Target)
		assert.Empty(t, res.Error)
	}
}

func TestProbeConnectionRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	target := "http://" + ln.Addr().String()
	require.NoError(t, ln.Close())

	res := NewProber(time.Second, nil, nil, nil).Probe(context.Background(), routes.Route{Target: target})
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Contains(t, res.Error, "connection refused")
	assert.Zero(t, res.StatusCode)
}

func TestProbeTimeoutIsBounded(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	res := NewProber(100*time.Millisecond, nil, nil, nil).Probe(context.Background(), routes.Route{Target: srv.URL})
	elapsed := time.Since(start)

	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.Contains(t, res.Error, "deadline exceeded")
	assert.Less(t, elapsed, time.Second)
}

func TestProbeInvalidTarget(t *testing.T) {
	res := NewProber(time.Second, nil, nil, nil).Probe(context.Background(), routes.Route{Target: "://bad"})
	assert.Equal(t, StatusUnhealthy, res.Status)
	assert.NotEmpty(t, res.Error)
}
