package gateway

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type labelKey struct{}

// label names what served a request, for logs and metrics. Handlers deeper
// in the chain fill it in.
type label struct {
	name string
}

func setLabel(r *http.Request, name string) {
	if l, ok := r.Context().Value(labelKey{}).(*label); ok {
		l.name = name
	}
}

func labelled(name string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			setLabel(r, name)
			next.ServeHTTP(w, r)
		})
	}
}

func (g *Gateway) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		l := &label{name: "unmatched"}
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		path := r.URL.Path

		defer func() {
			status := ww.Status()
			if status == 0 && websocket.IsWebSocketUpgrade(r) {
				// hijacked: either bridged or destroyed
				status = http.StatusSwitchingProtocols
			}
			d := time.Since(start)
			g.metrics.ObserveRequest(l.name, status, d)
			entry := g.log.WithFields(logrus.Fields{
				"method":     r.Method,
				"path":       path,
				"status":     status,
				"bytes":      ww.BytesWritten(),
				"duration":   d.String(),
				"served_by":  l.name,
				"request_id": middleware.GetReqID(r.Context()),
			})
			if status >= http.StatusInternalServerError {
				entry.Warn("request")
				return
			}
			entry.Info("request")
		}()

		next.ServeHTTP(ww, r.WithContext(context.WithValue(r.Context(), labelKey{}, l)))
	})
}

// cors answers preflights and tags responses for the configured origins.
func (g *Gateway) cors() func(http.Handler) http.Handler {
	return cors.Handler(cors.Options{
		AllowedOrigins: g.cfg.CORS.AllowedOrigins,
		AllowedMethods: []string{
			http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut,
			http.MethodPatch, http.MethodDelete, http.MethodOptions,
		},
		AllowedHeaders: []string{"*"},
		MaxAge:         300,
	})
}

// upstreamCORS lets CORS headers sent by an upstream replace the gateway's
// own, so a mounted app that answers CORS itself never yields duplicates.
type upstreamCORS struct {
	http.ResponseWriter
	wroteHeader bool
}

func (u *upstreamCORS) WriteHeader(code int) {
	if !u.wroteHeader && code >= http.StatusOK {
		u.wroteHeader = true
		h := u.Header()
		for k, vs := range h {
			if len(vs) > 1 && strings.HasPrefix(k, "Access-Control-") {
				h[k] = vs[len(vs)-1:]
			}
		}
	}
	u.ResponseWriter.WriteHeader(code)
}

func (u *upstreamCORS) Write(b []byte) (int, error) {
	if !u.wroteHeader {
		u.WriteHeader(http.StatusOK)
	}
	return u.ResponseWriter.Write(b)
}

func (u *upstreamCORS) Unwrap() http.ResponseWriter {
	return u.ResponseWriter
}
