// Package registry manages tenant webhook endpoints: creation with one-time
// secret issuance, partial updates, deletion, and the event-type catalog.
package registry

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net/url"

	"github.com/google/uuid"

	"github.com/mailhook/mailhook/internal/model"
	"github.com/mailhook/mailhook/internal/store"
)

// secretLen is the size of generated endpoint secrets in bytes.
const secretLen = 32

// ValidationError rejects malformed registry input. It maps to HTTP 400.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Registry is the endpoint CRUD service.
type Registry struct {
	store store.Store
}

func New(s store.Store) *Registry {
	return &Registry{store: s}
}

// EndpointPatch carries the mutable endpoint fields for partial updates.
// Nil means leave unchanged.
type EndpointPatch struct {
	URL        *string
	Name       *string
	EventTypes *[]string
	Enabled    *bool
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" {
		return &ValidationError{Field: "url", Reason: "must be an absolute URL"}
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return &ValidationError{Field: "url", Reason: "scheme must be http or https"}
	}
	return nil
}

func validateEventTypes(types []string) error {
	for _, t := range types {
		if !model.KnownEventType(t) {
			return &ValidationError{Field: "event_types", Reason: fmt.Sprintf("unknown event type %q", t)}
		}
	}
	return nil
}

func generateSecret() ([]byte, error) {
	b := make([]byte, secretLen)
	if _, err := rand.Read(b); err != nil {
		return nil, err
	}
	return b, nil
}

// Create registers a new endpoint and returns it with the plaintext secret.
// The secret is shown exactly once; read APIs never return it again.
func (r *Registry) Create(ctx context.Context, tenantID, rawURL, name string, eventTypes []string) (*model.Endpoint, string, error) {
	if err := validateURL(rawURL); err != nil {
		return nil, "", err
	}
	if err := validateEventTypes(eventTypes); err != nil {
		return nil, "", err
	}

	secret, err := generateSecret()
	if err != nil {
		return nil, "", err
	}
	if eventTypes == nil {
		eventTypes = []string{}
	}
	ep := &model.Endpoint{
		ID:         uuid.New().String(),
		TenantID:   tenantID,
		URL:        rawURL,
		Name:       name,
		EventTypes: eventTypes,
		Secret:     secret,
		Enabled:    true,
	}
	if err := r.store.CreateEndpoint(ctx, ep); err != nil {
		return nil, "", err
	}
	return ep, base64.RawURLEncoding.EncodeToString(secret), nil
}

// Update applies a partial update to the mutable fields.
func (r *Registry) Update(ctx context.Context, tenantID, endpointID string, patch EndpointPatch) (*model.Endpoint, error) {
	ep, err := r.store.GetEndpoint(ctx, tenantID, endpointID)
	if err != nil {
		return nil, err
	}
	if patch.URL != nil {
		if err := validateURL(*patch.URL); err != nil {
			return nil, err
		}
		ep.URL = *patch.URL
	}
	if patch.Name != nil {
		ep.Name = *patch.Name
	}
	if patch.EventTypes != nil {
		if err := validateEventTypes(*patch.EventTypes); err != nil {
			return nil, err
		}
		ep.EventTypes = *patch.EventTypes
	}
	if patch.Enabled != nil {
		ep.Enabled = *patch.Enabled
	}
	if err := r.store.UpdateEndpoint(ctx, ep); err != nil {
		return nil, err
	}
	return ep, nil
}

// Delete removes an endpoint; its delivery history cascades with it.
func (r *Registry) Delete(ctx context.Context, tenantID, endpointID string) error {
	return r.store.DeleteEndpoint(ctx, tenantID, endpointID)
}

// Get returns one tenant-owned endpoint, without its secret.
func (r *Registry) Get(ctx context.Context, tenantID, endpointID string) (*model.Endpoint, error) {
	ep, err := r.store.GetEndpoint(ctx, tenantID, endpointID)
	if err != nil {
		return nil, err
	}
	ep.Secret = nil
	return ep, nil
}

// List returns the tenant's endpoints, without secrets.
func (r *Registry) List(ctx context.Context, tenantID string) ([]*model.Endpoint, error) {
	eps, err := r.store.ListEndpoints(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	for _, ep := range eps {
		ep.Secret = nil
	}
	return eps, nil
}

// ListEventTypes returns the static catalog of recognized event types.
func (r *Registry) ListEventTypes() []model.EventType {
	return model.EventTypeCatalog
}
