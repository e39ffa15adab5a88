package model

import (
	"encoding/json"
	"time"
)

// DeliveryStatus is the lifecycle state of a single webhook delivery.
type DeliveryStatus string

const (
	StatusPending DeliveryStatus = "pending"
	StatusSent    DeliveryStatus = "sent"
	StatusRetry   DeliveryStatus = "retry"
	StatusFailed  DeliveryStatus = "failed"
)

// Terminal reports whether no further transitions may occur.
func (s DeliveryStatus) Terminal() bool {
	return s == StatusSent || s == StatusFailed
}

// Endpoint is a tenant-configured HTTP target for webhook POSTs.
// Secret is write-only: it is returned exactly once at creation time and
// never by read APIs.
type Endpoint struct {
	ID         string    `json:"id"`
	TenantID   string    `json:"tenant_id"`
	URL        string    `json:"url"`
	Name       string    `json:"name,omitempty"`
	EventTypes []string  `json:"event_types"`
	Secret     []byte    `json:"-"`
	Enabled    bool      `json:"enabled"`
	CreatedAt  time.Time `json:"created_at"`
}

// Subscribed reports whether the endpoint wants events of the given type.
// An empty subscription set means subscribe-to-all.
func (e *Endpoint) Subscribed(eventType string) bool {
	if len(e.EventTypes) == 0 {
		return true
	}
	for _, t := range e.EventTypes {
		if t == eventType {
			return true
		}
	}
	return false
}

// Event is a message-lifecycle event produced by the sending subsystem.
// It is referenced by deliveries but owned elsewhere; the delivery pipeline
// only ever reads it.
type Event struct {
	ID         int64           `json:"id"`
	TenantID   string          `json:"tenant_id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// Delivery is one attempted-or-pending notification of one event to one
// endpoint. The event payload is snapshotted onto the row so custom events
// without a relational event row deliver the same way.
type Delivery struct {
	ID             int64           `json:"id"`
	EndpointID     string          `json:"endpoint_id"`
	EventID        int64           `json:"event_id"` // 0 for custom deliveries
	TenantID       string          `json:"tenant_id"`
	EventType      string          `json:"event_type"`
	Payload        json.RawMessage `json:"payload"`
	OccurredAt     time.Time       `json:"occurred_at"`
	Status         DeliveryStatus  `json:"status"`
	AttemptCount   int             `json:"attempt_count"`
	LastAttemptAt  *time.Time      `json:"last_attempt_at,omitempty"`
	ResponseStatus *int            `json:"response_status,omitempty"`
	ResponseBody   string          `json:"response_body,omitempty"`
	NextAttemptAt  *time.Time      `json:"next_attempt_at,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
}

// EventType describes one recognized event type for the subscription catalog.
type EventType struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// TestEventType is the synthetic type used by interactive test sends. It is
// not part of the subscribable catalog.
const TestEventType = "test"

// EventTypeCatalog is the fixed set of recognized event type names.
var EventTypeCatalog = []EventType{
	{Name: "email.sent", Description: "Message accepted by the upstream provider"},
	{Name: "email.delivered", Description: "Message delivered to the recipient mailbox"},
	{Name: "email.bounced", Description: "Message permanently rejected by the recipient server"},
	{Name: "email.complained", Description: "Recipient marked the message as spam"},
	{Name: "email.failed", Description: "Message could not be sent"},
	{Name: "inbound.received", Description: "Inbound message received for a tenant domain"},
}

// KnownEventType reports whether name is in the subscribable catalog.
func KnownEventType(name string) bool {
	for _, t := range EventTypeCatalog {
		if t.Name == name {
			return true
		}
	}
	return false
}
