package bus

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventTypeMessage is the type label carried by captured and redelivered
// webhook payloads. Control frames (ready, ping) are produced by the stream
// layer and never pass through the bus.
const EventTypeMessage = "message"

// Event is one payload travelling through the bus. Events are transient:
// the bus never holds one beyond the fanout call that delivers it.
type Event struct {
	Type       string    `json:"type"`
	Data       any       `json:"data"`
	ReceivedAt time.Time `json:"received_at"`
}

// NewEvent stamps a payload with its arrival time.
func NewEvent(eventType string, data any) *Event {
	return &Event{
		Type:       eventType,
		Data:       data,
		ReceivedAt: time.Now().UTC(),
	}
}

// EncodedData returns the JSON encoding of the event payload.
func (e *Event) EncodedData() ([]byte, error) {
	b, err := json.Marshal(e.Data)
	if err != nil {
		return nil, fmt.Errorf("encoding event data: %w", err)
	}
	return b, nil
}
