// Package api is the tenant-facing REST surface: endpoint CRUD, delivery
// history, interactive test sends, and event intake for the sending
// subsystem. Tenant identity is resolved upstream (auth middleware); the
// handlers trust the tenant id they are given.
package api

import (
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/mailhook/mailhook/internal/auth"
	"github.com/mailhook/mailhook/internal/dispatch"
	"github.com/mailhook/mailhook/internal/logging"
	"github.com/mailhook/mailhook/internal/registry"
	"github.com/mailhook/mailhook/internal/store"
	"github.com/mailhook/mailhook/internal/trigger"
)

type Server struct {
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	trigger    *trigger.Adapter
	store      store.Store
	logger     *logging.Logger
}

func NewServer(reg *registry.Registry, d *dispatch.Dispatcher, tr *trigger.Adapter, st store.Store, logger *logging.Logger) *Server {
	return &Server{registry: reg, dispatcher: d, trigger: tr, store: st, logger: logger}
}

// Router builds the HTTP routing table. healthz is mounted by the caller so
// it can close over the DB pool; metrics serves the custom registry.
func (s *Server) Router(validator *auth.JWTValidator, reg *prometheus.Registry, healthz http.HandlerFunc) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", healthz).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{})).Methods(http.MethodGet)

	v1 := r.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/endpoints", s.createEndpoint).Methods(http.MethodPost)
	v1.HandleFunc("/endpoints", s.listEndpoints).Methods(http.MethodGet)
	v1.HandleFunc("/endpoints/{id}", s.getEndpoint).Methods(http.MethodGet)
	v1.HandleFunc("/endpoints/{id}", s.updateEndpoint).Methods(http.MethodPatch)
	v1.HandleFunc("/endpoints/{id}", s.deleteEndpoint).Methods(http.MethodDelete)
	v1.HandleFunc("/endpoints/{id}/test", s.testEndpoint).Methods(http.MethodPost)
	v1.HandleFunc("/endpoints/{id}/deliveries", s.listDeliveries).Methods(http.MethodGet)
	v1.HandleFunc("/event-types", s.listEventTypes).Methods(http.MethodGet)
	v1.HandleFunc("/events", s.publishEvent).Methods(http.MethodPost)

	return auth.Middleware(validator)(r)
}
