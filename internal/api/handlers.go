package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/mailhook/mailhook/internal/auth"
	"github.com/mailhook/mailhook/internal/model"
	"github.com/mailhook/mailhook/internal/registry"
	"github.com/mailhook/mailhook/internal/store"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var ve *registry.ValidationError
	switch {
	case errors.As(err, &ve):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": ve.Error()})
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	default:
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

type createEndpointRequest struct {
	URL        string   `json:"url"`
	Name       string   `json:"name"`
	EventTypes []string `json:"event_types"`
}

type createEndpointResponse struct {
	Endpoint *model.Endpoint `json:"endpoint"`
	// Secret is returned exactly once; subsequent reads never include it.
	Secret string `json:"secret"`
}

func (s *Server) createEndpoint(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.TenantFromContext(r.Context())
	var req createEndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	ep, secret, err := s.registry.Create(r.Context(), tenantID, req.URL, req.Name, req.EventTypes)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createEndpointResponse{Endpoint: ep, Secret: secret})
}

func (s *Server) listEndpoints(w http.ResponseWriter, r *http.Request) {
	eps, err := s.registry.List(r.Context(), auth.TenantFromContext(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	if eps == nil {
		eps = []*model.Endpoint{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"endpoints": eps})
}

func (s *Server) getEndpoint(w http.ResponseWriter, r *http.Request) {
	ep, err := s.registry.Get(r.Context(), auth.TenantFromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

type updateEndpointRequest struct {
	URL        *string   `json:"url"`
	Name       *string   `json:"name"`
	EventTypes *[]string `json:"event_types"`
	Enabled    *bool     `json:"enabled"`
}

func (s *Server) updateEndpoint(w http.ResponseWriter, r *http.Request) {
	var req updateEndpointRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	ep, err := s.registry.Update(r.Context(), auth.TenantFromContext(r.Context()), mux.Vars(r)["id"], registry.EndpointPatch{
		URL:        req.URL,
		Name:       req.Name,
		EventTypes: req.EventTypes,
		Enabled:    req.Enabled,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ep)
}

func (s *Server) deleteEndpoint(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Delete(r.Context(), auth.TenantFromContext(r.Context()), mux.Vars(r)["id"]); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) testEndpoint(w http.ResponseWriter, r *http.Request) {
	res, err := s.dispatcher.TestEndpoint(r.Context(), auth.TenantFromContext(r.Context()), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// deliveryView is the read-side delivery record exposed per endpoint.
type deliveryView struct {
	ID             int64      `json:"id"`
	EventType      string     `json:"event_type"`
	Status         string     `json:"status"`
	AttemptCount   int        `json:"attempt_count"`
	LastAttemptAt  *time.Time `json:"last_attempt_at,omitempty"`
	ResponseStatus *int       `json:"response_status,omitempty"`
	NextAttemptAt  *time.Time `json:"next_attempt_at,omitempty"`
}

func (s *Server) listDeliveries(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.TenantFromContext(r.Context())
	endpointID := mux.Vars(r)["id"]
	// 404 for an endpoint the tenant doesn't own, not an empty list.
	if _, err := s.registry.Get(r.Context(), tenantID, endpointID); err != nil {
		writeError(w, err)
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	ds, err := s.store.ListDeliveries(r.Context(), tenantID, endpointID, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]deliveryView, 0, len(ds))
	for _, d := range ds {
		views = append(views, deliveryView{
			ID:             d.ID,
			EventType:      d.EventType,
			Status:         string(d.Status),
			AttemptCount:   d.AttemptCount,
			LastAttemptAt:  d.LastAttemptAt,
			ResponseStatus: d.ResponseStatus,
			NextAttemptAt:  d.NextAttemptAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": views})
}

func (s *Server) listEventTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"event_types": s.registry.ListEventTypes()})
}

type publishEventRequest struct {
	EventID    int64           `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt *time.Time      `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// publishEvent is the intake for the sending subsystem: message-lifecycle
// events carry their relational event id, custom events (inbound
// notifications) omit it.
func (s *Server) publishEvent(w http.ResponseWriter, r *http.Request) {
	tenantID := auth.TenantFromContext(r.Context())
	var req publishEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}
	if !model.KnownEventType(req.EventType) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "unknown event type"})
		return
	}
	occurred := time.Now().UTC()
	if req.OccurredAt != nil {
		occurred = *req.OccurredAt
	}
	count, err := s.trigger.OnMessageEvent(r.Context(), model.Event{
		ID:         req.EventID,
		TenantID:   tenantID,
		Type:       req.EventType,
		OccurredAt: occurred,
		Data:       req.Data,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"fanout_count": count})
}
