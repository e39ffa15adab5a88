package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mailhook/mailhook/internal/model"
)

// Memory is an in-process Store used by tests and local development.
type Memory struct {
	mu         sync.Mutex
	endpoints  map[string]*model.Endpoint
	deliveries map[int64]*model.Delivery
	nextID     int64
}

func NewMemory() *Memory {
	return &Memory{
		endpoints:  make(map[string]*model.Endpoint),
		deliveries: make(map[int64]*model.Delivery),
	}
}

func copyEndpoint(ep *model.Endpoint) *model.Endpoint {
	c := *ep
	c.EventTypes = append([]string(nil), ep.EventTypes...)
	c.Secret = append([]byte(nil), ep.Secret...)
	return &c
}

func copyDelivery(d *model.Delivery) *model.Delivery {
	c := *d
	if d.LastAttemptAt != nil {
		t := *d.LastAttemptAt
		c.LastAttemptAt = &t
	}
	if d.ResponseStatus != nil {
		v := *d.ResponseStatus
		c.ResponseStatus = &v
	}
	if d.NextAttemptAt != nil {
		t := *d.NextAttemptAt
		c.NextAttemptAt = &t
	}
	return &c
}

func (m *Memory) CreateEndpoint(_ context.Context, ep *model.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ep.CreatedAt.IsZero() {
		ep.CreatedAt = time.Now().UTC()
	}
	m.endpoints[ep.ID] = copyEndpoint(ep)
	return nil
}

func (m *Memory) GetEndpoint(_ context.Context, tenantID, id string) (*model.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok || ep.TenantID != tenantID {
		return nil, ErrNotFound
	}
	return copyEndpoint(ep), nil
}

func (m *Memory) ListEndpoints(_ context.Context, tenantID string) ([]*model.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Endpoint
	for _, ep := range m.endpoints {
		if ep.TenantID == tenantID {
			out = append(out, copyEndpoint(ep))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) UpdateEndpoint(_ context.Context, ep *model.Endpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.endpoints[ep.ID]
	if !ok || cur.TenantID != ep.TenantID {
		return ErrNotFound
	}
	up := copyEndpoint(ep)
	up.Secret = append([]byte(nil), cur.Secret...) // secret is immutable
	up.CreatedAt = cur.CreatedAt
	m.endpoints[ep.ID] = up
	return nil
}

func (m *Memory) DeleteEndpoint(_ context.Context, tenantID, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	ep, ok := m.endpoints[id]
	if !ok || ep.TenantID != tenantID {
		return ErrNotFound
	}
	delete(m.endpoints, id)
	for did, d := range m.deliveries {
		if d.EndpointID == id {
			delete(m.deliveries, did)
		}
	}
	return nil
}

func (m *Memory) ListMatchingEndpoints(_ context.Context, tenantID, eventType string) ([]*model.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Endpoint
	for _, ep := range m.endpoints {
		if ep.TenantID == tenantID && ep.Enabled && ep.Subscribed(eventType) {
			out = append(out, copyEndpoint(ep))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *Memory) CreateDeliveries(_ context.Context, ds []*model.Delivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, d := range ds {
		m.nextID++
		d.ID = m.nextID
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
		m.deliveries[d.ID] = copyDelivery(d)
	}
	return nil
}

func (m *Memory) GetDelivery(_ context.Context, id int64) (*model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copyDelivery(d), nil
}

func (m *Memory) ClaimDelivery(_ context.Context, id int64, now time.Time, lease time.Duration) (*model.Delivery, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok || d.Status.Terminal() {
		return nil, false, nil
	}
	// Same guard as the SQL claim: the claim pushes the due marker out by
	// the lease, so a concurrent claim on the same row loses. An attempt
	// that never finalizes leaves the lease expiry as the due time.
	if d.NextAttemptAt == nil || d.NextAttemptAt.After(now) {
		return nil, false, nil
	}
	d.AttemptCount++
	t := now
	d.LastAttemptAt = &t
	leaseUntil := now.Add(lease)
	d.NextAttemptAt = &leaseUntil
	return copyDelivery(d), true, nil
}

func (m *Memory) FinalizeDelivery(_ context.Context, id int64, status model.DeliveryStatus, respStatus *int, respBody string, nextAttemptAt *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.deliveries[id]
	if !ok {
		return ErrNotFound
	}
	if d.Status.Terminal() {
		return nil
	}
	d.Status = status
	d.ResponseStatus = respStatus
	d.ResponseBody = respBody
	d.NextAttemptAt = nil
	if nextAttemptAt != nil {
		t := *nextAttemptAt
		d.NextAttemptAt = &t
	}
	return nil
}

func (m *Memory) DueDeliveries(_ context.Context, now time.Time, limit int) ([]int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type due struct {
		id int64
		at time.Time
	}
	var dues []due
	for _, d := range m.deliveries {
		if d.Status.Terminal() {
			continue
		}
		if d.NextAttemptAt != nil && !d.NextAttemptAt.After(now) {
			dues = append(dues, due{d.ID, *d.NextAttemptAt})
		}
	}
	sort.Slice(dues, func(i, j int) bool { return dues[i].at.Before(dues[j].at) })
	if limit > 0 && len(dues) > limit {
		dues = dues[:limit]
	}
	out := make([]int64, 0, len(dues))
	for _, d := range dues {
		out = append(out, d.id)
	}
	return out, nil
}

func (m *Memory) ListDeliveries(_ context.Context, tenantID, endpointID string, limit int) ([]*model.Delivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Delivery
	for _, d := range m.deliveries {
		if d.TenantID == tenantID && d.EndpointID == endpointID {
			out = append(out, copyDelivery(d))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
