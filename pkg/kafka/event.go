package kafka

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope every message published by this module carries.
type Event struct {
	EventID        string            `json:"event_id"`
	EventType      string            `json:"event_type"`
	AggregateID    string            `json:"aggregate_id"`
	AggregateType  string            `json:"aggregate_type"`
	OrganizationID string            `json:"organization_id,omitempty"`
	Version        int               `json:"version"`
	Timestamp      time.Time         `json:"timestamp"`
	Source         string            `json:"source"`
	CorrelationID  string            `json:"correlation_id,omitempty"`
	Data           json.RawMessage   `json:"data"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// NewEvent builds an event with a fresh ID. data is encoded as JSON.
func NewEvent(eventType, aggregateID, aggregateType, source string, data any) (*Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}

	return &Event{
		EventID:       uuid.NewString(),
		EventType:     eventType,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Version:       1,
		Timestamp:     time.Now().UTC(),
		Source:        source,
		Data:          raw,
	}, nil
}

// WithCorrelationID sets the correlation ID on the event.
func (e *Event) WithCorrelationID(id string) *Event {
	e.CorrelationID = id
	return e
}

// WithOrganizationID scopes the event to a tenant.
func (e *Event) WithOrganizationID(id string) *Event {
	e.OrganizationID = id
	return e
}

// WithMetadata adds a key-value pair to the event metadata.
func (e *Event) WithMetadata(key, value string) *Event {
	if e.Metadata == nil {
		e.Metadata = make(map[string]string)
	}
	e.Metadata[key] = value
	return e
}

// Marshal serializes the event to JSON bytes.
func (e *Event) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// UnmarshalEvent deserializes an event from JSON bytes.
func UnmarshalEvent(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// UnmarshalData decodes the payload into target.
func (e *Event) UnmarshalData(target any) error {
	return json.Unmarshal(e.Data, target)
}

// TopicPrefix is prepended to every topic name.
const TopicPrefix = "isol"

// Topic returns the fully-qualified topic for a domain and action, for
// example Topic("auth", "user.registered") is "isol.auth.user.registered".
func Topic(domain, action string) string {
	return fmt.Sprintf("%s.%s.%s", TopicPrefix, domain, action)
}
