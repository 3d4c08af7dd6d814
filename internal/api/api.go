// Package api is the management surface over the route store.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"mountgw/internal/health"
	"mountgw/internal/logging"
	"mountgw/internal/routes"
)

const maxBodyBytes = 1 << 20

// Store is the subset of *routes.Store the API needs.
type Store interface {
	Snapshot() *routes.Table
	Reload() (bool, error)
	Create(routes.Patch) (routes.Route, error)
	Update(string, routes.Patch) (routes.Route, error)
	Toggle(string) (routes.Route, error)
	Delete(string) (routes.Route, error)
}

type Prober interface {
	Probe(context.Context, routes.Route) health.Result
}

type API struct {
	store  Store
	prober Prober
	log    logrus.FieldLogger
}

func New(store Store, prober Prober, logger logrus.FieldLogger) *API {
	return &API{
		store:  store,
		prober: prober,
		log:    logging.Component(logger, "api"),
	}
}

// Router serves the route collection. Mount it at /api/routes.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/", a.handleList)
	r.Post("/", a.handleCreate)
	r.Post("/reload", a.handleReload)
	r.Route("/{id}", func(r chi.Router) {
		r.Get("/", a.handleGet)
		r.Put("/", a.handleUpdate)
		r.Delete("/", a.handleDelete)
		r.Post("/toggle", a.handleToggle)
		r.Get("/health", a.handleHealth)
	})
	return r
}

func (a *API) handleList(w http.ResponseWriter, r *http.Request) {
	rs := a.store.Snapshot().Routes()
	if rs == nil {
		rs = []routes.Route{}
	}
	writeJSON(w, http.StatusOK, rs)
}

func (a *API) handleGet(w http.ResponseWriter, r *http.Request) {
	route, ok := a.store.Snapshot().ByID(chi.URLParam(r, "id"))
	if !ok {
		a.writeError(w, routes.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, route)
}

func (a *API) handleCreate(w http.ResponseWriter, r *http.Request) {
	p, ok := a.decodePatch(w, r)
	if !ok {
		return
	}
	route, err := a.store.Create(p)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.log.WithFields(logrus.Fields{"id": route.ID, "path": route.Path, "target": route.Target}).Info("route created")
	writeJSON(w, http.StatusCreated, route)
}

func (a *API) handleUpdate(w http.ResponseWriter, r *http.Request) {
	p, ok := a.decodePatch(w, r)
	if !ok {
		return
	}
	route, err := a.store.Update(chi.URLParam(r, "id"), p)
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.log.WithFields(logrus.Fields{"id": route.ID, "path": route.Path}).Info("route updated")
	writeJSON(w, http.StatusOK, route)
}

func (a *API) handleToggle(w http.ResponseWriter, r *http.Request) {
	route, err := a.store.Toggle(chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.log.WithFields(logrus.Fields{"id": route.ID, "path": route.Path, "enabled": route.Enabled}).Info("route toggled")
	writeJSON(w, http.StatusOK, route)
}

func (a *API) handleDelete(w http.ResponseWriter, r *http.Request) {
	route, err := a.store.Delete(chi.URLParam(r, "id"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	a.log.WithFields(logrus.Fields{"id": route.ID, "path": route.Path}).Info("route deleted")
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Route deleted",
		"route":   route,
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	route, ok := a.store.Snapshot().ByID(chi.URLParam(r, "id"))
	if !ok {
		a.writeError(w, routes.ErrNotFound)
		return
	}
	writeJSON(w, http.StatusOK, a.prober.Probe(r.Context(), route))
}

func (a *API) handleReload(w http.ResponseWriter, r *http.Request) {
	changed, err := a.store.Reload()
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"reloaded":   changed,
		"generation": a.store.Snapshot().Generation,
	})
}

func (a *API) decodePatch(w http.ResponseWriter, r *http.Request) (routes.Patch, bool) {
	var p routes.Patch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&p); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return routes.Patch{}, false
	}
	return p, true
}

func (a *API) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, routes.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, routes.ErrDuplicatePath):
		status = http.StatusConflict
	case errors.Is(err, routes.ErrInvalidRoute):
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		a.log.WithError(err).Error("route mutation failed")
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
