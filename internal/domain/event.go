package domain

import (
	"encoding/json"
	"time"
)

type EventKind string

const (
	EventCreated  EventKind = "created"
	EventUpdated  EventKind = "updated"
	EventDeleted  EventKind = "deleted"
	EventRestored EventKind = "restored"
)

type EntityKind string

const (
	EntityProduct EntityKind = "product"
	EntityOrder   EntityKind = "order"
)

// ReconciliationEvent is a classified inbound notification.
// For a sub-variant, EntityID is already the parent ID and VariantID the original.
type ReconciliationEvent struct {
	ID          string          `json:"id"`
	DeliveryID  string          `json:"delivery_id"`
	Site        Site            `json:"site"`
	Topic       string          `json:"topic"`
	Kind        EventKind       `json:"kind"`
	EntityID    int64           `json:"entity_id"`
	VariantID   int64           `json:"variant_id,omitempty"`
	DeclaredKey string          `json:"declared_key,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	ReceivedAt  time.Time       `json:"received_at"`
}

func (e ReconciliationEvent) IsVariant() bool { return e.VariantID > 0 }
