package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// Entity is anything the change feed delivers. Dedup keys on EntityID and
// ordering uses the server-assigned EntityTimestamp.
type Entity interface {
	EntityID() string
	EntityTimestamp() time.Time
}

// EventType is the kind of change carried by a feed event.
type EventType string

const (
	// EventInsert announces a newly created entity.
	EventInsert EventType = "insert"

	// EventUpdate replaces an existing entity.
	EventUpdate EventType = "update"

	// EventDelete removes an entity.
	EventDelete EventType = "delete"
)

// Resource names a push channel on the remote platform.
type Resource string

const (
	ResourceMessages      Resource = "messages"
	ResourcePosts         Resource = "posts"
	ResourceNotifications Resource = "notifications"
)

// Resources lists every push channel a session subscribes to.
func Resources() []Resource {
	return []Resource{ResourceMessages, ResourcePosts, ResourceNotifications}
}

// RawEvent is a feed event as it arrives from a transport, before the entity
// payload is decoded.
type RawEvent struct {
	Type       EventType       `json:"type"`
	Resource   Resource        `json:"resource"`
	Entity     json.RawMessage `json:"entity"`
	ReceivedAt time.Time       `json:"-"`
}

// ChangeEvent is a typed feed event.
type ChangeEvent[T Entity] struct {
	Type       EventType
	Resource   Resource
	Entity     T
	ReceivedAt time.Time
}

// DecodeEvent converts a raw transport event into a typed change event.
func DecodeEvent[T Entity](raw RawEvent) (ChangeEvent[T], error) {
	var event ChangeEvent[T]
	switch raw.Type {
	case EventInsert, EventUpdate, EventDelete:
	default:
		return event, fmt.Errorf("unknown event type %q", raw.Type)
	}
	if len(raw.Entity) == 0 {
		return event, fmt.Errorf("%s event on %s has no entity", raw.Type, raw.Resource)
	}
	if err := json.Unmarshal(raw.Entity, &event.Entity); err != nil {
		return event, fmt.Errorf("decode %s entity: %w", raw.Resource, err)
	}
	if event.Entity.EntityID() == "" {
		return event, fmt.Errorf("%s entity has no id", raw.Resource)
	}
	event.Type = raw.Type
	event.Resource = raw.Resource
	event.ReceivedAt = raw.ReceivedAt
	if event.ReceivedAt.IsZero() {
		event.ReceivedAt = time.Now()
	}
	return event, nil
}

// EncodeEvent builds the raw form of a typed event.
func EncodeEvent[T Entity](eventType EventType, resource Resource, entity T) (RawEvent, error) {
	payload, err := json.Marshal(entity)
	if err != nil {
		return RawEvent{}, fmt.Errorf("encode %s entity: %w", resource, err)
	}
	return RawEvent{Type: eventType, Resource: resource, Entity: payload}, nil
}
