// Package store is the persistence layer for webhook endpoints and
// deliveries. The Postgres implementation backs the service; the in-memory
// implementation backs tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/mailhook/mailhook/internal/model"
)

// ErrNotFound is returned when a tenant-scoped lookup matches nothing.
var ErrNotFound = errors.New("not found")

// Store is the persistence interface used by the registry, dispatcher and
// scheduler. Every method is tenant-scoped where the caller acts on behalf
// of a tenant; delivery claim/finalize operate by primary key because they
// are only reachable from rows the dispatcher already fanned out.
type Store interface {
	// Endpoints
	CreateEndpoint(ctx context.Context, ep *model.Endpoint) error
	GetEndpoint(ctx context.Context, tenantID, id string) (*model.Endpoint, error)
	ListEndpoints(ctx context.Context, tenantID string) ([]*model.Endpoint, error)
	UpdateEndpoint(ctx context.Context, ep *model.Endpoint) error
	// DeleteEndpoint cascades the endpoint's delivery history.
	DeleteEndpoint(ctx context.Context, tenantID, id string) error
	// ListMatchingEndpoints returns the tenant's enabled endpoints whose
	// subscription set is empty or contains eventType.
	ListMatchingEndpoints(ctx context.Context, tenantID, eventType string) ([]*model.Endpoint, error)

	// Deliveries
	CreateDeliveries(ctx context.Context, ds []*model.Delivery) error
	GetDelivery(ctx context.Context, id int64) (*model.Delivery, error)
	// ClaimDelivery atomically takes ownership of a due, non-terminal
	// delivery: it bumps the attempt count, stamps the attempt time, and
	// pushes next_attempt_at out by the lease in one conditional update.
	// ok=false means the row is terminal, missing, not due, or claimed by a
	// concurrent attempt. A claim whose attempt never finalizes comes due
	// again when the lease expires.
	ClaimDelivery(ctx context.Context, id int64, now time.Time, lease time.Duration) (d *model.Delivery, ok bool, err error)
	// FinalizeDelivery records the outcome of a claimed attempt. nextAttemptAt
	// is set iff status is retry.
	FinalizeDelivery(ctx context.Context, id int64, status model.DeliveryStatus, respStatus *int, respBody string, nextAttemptAt *time.Time) error
	// DueDeliveries returns ids of deliveries ready for an attempt, oldest
	// first, bounded by limit.
	DueDeliveries(ctx context.Context, now time.Time, limit int) ([]int64, error)
	// ListDeliveries is the tenant-facing delivery history for one endpoint.
	ListDeliveries(ctx context.Context, tenantID, endpointID string, limit int) ([]*model.Delivery, error)
}
