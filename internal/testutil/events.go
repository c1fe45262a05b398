package testutil

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/eventcore/internal/es"
)

// NewEvent builds an es.NewEvent with payload marshalled from a map.
// Panics on marshal failure, which only happens for unsupported values.
func NewEvent(eventType string, payload map[string]any) es.NewEvent {
	if payload == nil {
		return es.NewEvent{Type: eventType, Payload: json.RawMessage(`{}`)}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		panic(fmt.Sprintf("testutil.NewEvent(%s): %v", eventType, err))
	}
	return es.NewEvent{Type: eventType, Payload: raw}
}

// Stream is shorthand for es.StreamID.
func Stream(aggregateType, aggregateID string) es.StreamID {
	return es.StreamID{AggregateType: aggregateType, AggregateID: aggregateID}
}
