// Package httpapi is the HTTP surface of the gateway: the WebSocket
// endpoint clients attach to, health and readiness probes, Prometheus
// metrics, and the admin operations API.
package httpapi

import (
	"context"
	"net/http"
	"time"

	"gatewave.org/internal/connection"
	"gatewave.org/internal/gateway"
	"gatewave.org/internal/hub"
	"gatewave.org/internal/identity"
	"gatewave.org/internal/message"
	"gatewave.org/internal/obs"
	"gatewave.org/internal/session"
)

// ReadyProbe reports whether the backing store is reachable.
type ReadyProbe func(ctx context.Context) error

// API is the HTTP layer.
type API struct {
	mux      *http.ServeMux
	ready    ReadyProbe
	version  string
	gw       *gateway.Gateway
	hub      *hub.Hub
	registry *connection.Registry
	sessions *session.Manager
	router   *message.Router
	provider identity.Provider
}

// Config carries the collaborators the HTTP layer exposes.
type Config struct {
	Ready    ReadyProbe
	Version  string
	Gateway  *gateway.Gateway
	Hub      *hub.Hub
	Registry *connection.Registry
	Sessions *session.Manager
	Router   *message.Router
	Provider identity.Provider
}

// New wires the routes.
func New(cfg Config) *API {
	a := &API{
		mux:      http.NewServeMux(),
		ready:    cfg.Ready,
		version:  cfg.Version,
		gw:       cfg.Gateway,
		hub:      cfg.Hub,
		registry: cfg.Registry,
		sessions: cfg.Sessions,
		router:   cfg.Router,
		provider: cfg.Provider,
	}

	// health/ready/info
	a.mux.HandleFunc("GET /healthz", a.Healthz)
	a.mux.HandleFunc("GET /readyz", a.Ready)
	a.mux.HandleFunc("GET /v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("GET /metrics", obs.Handler())

	// Client-facing socket
	a.mux.HandleFunc("GET /ws", a.WebSocket)

	// Admin operations
	a.mux.Handle("GET /v1/admin/connections", a.withAdmin(http.HandlerFunc(a.ListConnections)))
	a.mux.Handle("GET /v1/admin/connections/{id}", a.withAdmin(http.HandlerFunc(a.GetConnection)))
	a.mux.Handle("POST /v1/admin/connections/{id}/suspend", a.withAdmin(http.HandlerFunc(a.SuspendConnection)))
	a.mux.Handle("POST /v1/admin/connections/{id}/unsuspend", a.withAdmin(http.HandlerFunc(a.UnsuspendConnection)))
	a.mux.Handle("DELETE /v1/admin/connections/{id}", a.withAdmin(http.HandlerFunc(a.RemoveConnection)))
	a.mux.Handle("GET /v1/admin/sessions/{id}", a.withAdmin(http.HandlerFunc(a.GetSession)))
	a.mux.Handle("POST /v1/admin/sessions/{id}/deactivate", a.withAdmin(http.HandlerFunc(a.DeactivateSession)))
	a.mux.Handle("POST /v1/admin/sessions/{id}/extend", a.withAdmin(http.HandlerFunc(a.ExtendSession)))
	a.mux.Handle("GET /v1/admin/sessions/{id}/messages", a.withAdmin(http.HandlerFunc(a.SessionMessages)))
	a.mux.Handle("POST /v1/admin/sweep", a.withAdmin(http.HandlerFunc(a.Sweep)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler returns the instrumented root handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, 1<<20)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "gatewave",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if a.ready != nil {
		if err := a.ready(r.Context()); err != nil {
			obs.SetReady(false)
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{
				"status": "not_ready",
				"error":  err.Error(),
			})
			return
		}
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        "gatewave",
		"time":        time.Now().UTC().Format(time.RFC3339),
		"version":     a.version,
		"connections": a.hub.Size(),
	})
}
