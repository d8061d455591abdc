// Package admin is the proxy core's JSON-only control surface (§6):
// a Prometheus scrape endpoint, an SSH passphrase-init endpoint backing
// encrypted private keys a Location's SSH upstream dials with, and a
// manual configuration reload trigger. No HTML rendering lives here
// (admin UI is an explicit non-goal) — every response is either the
// Prometheus exposition format or application/json.
package admin

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/config"
	"github.com/MyJetTools/my-reverse-proxy-sub001/pkg/remoteconn"
)

// MetricsHandler is the narrow surface pkg/metrics.Registry satisfies.
type MetricsHandler interface {
	Handler() http.Handler
}

// ConfigReloader is the narrow surface pkg/config.Loader satisfies.
type ConfigReloader interface {
	Reload(onChange func(*config.Snapshot)) (*config.Snapshot, error)
}

// Deps are the collaborators the admin router dispatches into. A nil
// PassKeys or Reloader makes its endpoint report 503 rather than panic — a
// deployment that never dials SSH upstreams has no need for PassKeys, for
// example. A nil Metrics leaves /metrics unmounted, so it answers 404.
type Deps struct {
	Metrics  MetricsHandler
	Reloader ConfigReloader
	OnReload func(*config.Snapshot)
	PassKeys *remoteconn.PassKeyStore
}

// NewRouter builds the admin mux. Mount it on its own listener/port —
// separate from the proxy's client-facing ports (§6 treats the admin
// surface as its own bind address).
func NewRouter(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestLogger)

	if deps.Metrics != nil {
		r.Handle("/metrics", deps.Metrics.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Post("/SSH/InitPassKey", handleInitPassKey(deps.PassKeys))
		r.Post("/configuration/ReloadUnixConfig", handleReload(deps))
	})

	return r
}

func requestLogger(next http.Handler) http.Handler {
	log := logrus.WithField("component", "admin")
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		log.WithField("method", r.Method).WithField("path", r.URL.Path).Debug("admin request")
		next.ServeHTTP(w, r)
	})
}

type initPassKeyRequest struct {
	ID      string `json:"id"`
	PassKey string `json:"passKey"`
}

// handleInitPassKey backs POST /api/SSH/InitPassKey: registers the
// passphrase for an encrypted SSH private key, keyed by SSH credential id
// ("*" for the default key every credential without its own entry falls
// back to).
func handleInitPassKey(store *remoteconn.PassKeyStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			http.Error(w, "ssh passkey store not configured", http.StatusServiceUnavailable)
			return
		}
		var req initPassKeyRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.ID == "" {
			http.Error(w, "invalid request body: expected {\"id\":..., \"passKey\":...}", http.StatusBadRequest)
			return
		}
		store.Add(req.ID, req.PassKey)
		w.WriteHeader(http.StatusNoContent)
	}
}

type reloadResponse struct {
	Generation int64 `json:"generation"`
	Ports      int   `json:"ports"`
}

// handleReload backs POST /api/configuration/ReloadUnixConfig: forces an
// immediate re-read of the configuration file instead of waiting for the
// fsnotify watch to fire.
func handleReload(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Reloader == nil {
			http.Error(w, "config reload not configured", http.StatusServiceUnavailable)
			return
		}
		snap, err := deps.Reloader.Reload(deps.OnReload)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(reloadResponse{Generation: snap.Generation, Ports: len(snap.Ports)})
	}
}
