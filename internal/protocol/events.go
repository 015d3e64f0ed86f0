package protocol

import (
	"encoding/json"
	"fmt"
)

// EventType discriminates server push events. Events carry no request id;
// the "event" key is what distinguishes them from responses on the wire.
type EventType string

const (
	EventTelemetry EventType = "telemetry"
	EventLog       EventType = "log"
)

// TelemetryEvent reports one simulation tick observation for an entity.
type TelemetryEvent struct {
	ID      uint64 `json:"id"`
	Tick    uint64 `json:"tick"`
	Ship    string `json:"ship"`
	Message string `json:"message"`
}

// LogEvent carries a free-form server log line.
type LogEvent struct {
	Message string `json:"message"`
}

// Event is the tagged union of server push messages.
type Event struct {
	Type      EventType
	Telemetry *TelemetryEvent
	Log       *LogEvent
}

func NewTelemetryEvent(body TelemetryEvent) Event {
	return Event{Type: EventTelemetry, Telemetry: &body}
}

func NewLogEvent(message string) Event {
	return Event{Type: EventLog, Log: &LogEvent{Message: message}}
}

func (e Event) MarshalJSON() ([]byte, error) {
	switch e.Type {
	case EventTelemetry:
		if e.Telemetry == nil {
			return nil, fmt.Errorf("%w: telemetry body missing", ErrEmptyPayload)
		}
		return json.Marshal(struct {
			Event EventType `json:"event"`
			*TelemetryEvent
		}{e.Type, e.Telemetry})
	case EventLog:
		if e.Log == nil {
			return nil, fmt.Errorf("%w: log body missing", ErrEmptyPayload)
		}
		return json.Marshal(struct {
			Event EventType `json:"event"`
			*LogEvent
		}{e.Type, e.Log})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEventType, e.Type)
	}
}

func (e *Event) UnmarshalJSON(data []byte) error {
	var tag struct {
		Event EventType `json:"event"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	switch tag.Event {
	case EventTelemetry:
		var body TelemetryEvent
		if err := json.Unmarshal(data, &body); err != nil {
			return err
		}
		*e = Event{Type: tag.Event, Telemetry: &body}
	case EventLog:
		var body LogEvent
		if err := json.Unmarshal(data, &body); err != nil {
			return err
		}
		*e = Event{Type: tag.Event, Log: &body}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownEventType, tag.Event)
	}
	return nil
}

// ServerMessage is the demultiplexed form of one inbound payload on the
// client side: either a correlated response or an out-of-band event.
type ServerMessage struct {
	Response *ResponseEnvelope
	Event    *Event
}

// DecodeServerMessage classifies an inbound payload. Responses are objects
// with a "payload" key; events are objects with an "event" key.
func DecodeServerMessage(data []byte) (ServerMessage, error) {
	var probe struct {
		Event   EventType       `json:"event"`
		Payload json.RawMessage `json:"payload"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return ServerMessage{}, err
	}
	switch {
	case probe.Event != "":
		var event Event
		if err := json.Unmarshal(data, &event); err != nil {
			return ServerMessage{}, err
		}
		return ServerMessage{Event: &event}, nil
	case len(probe.Payload) > 0:
		var resp ResponseEnvelope
		if err := json.Unmarshal(data, &resp); err != nil {
			return ServerMessage{}, err
		}
		return ServerMessage{Response: &resp}, nil
	default:
		return ServerMessage{}, ErrAmbiguousMessage
	}
}
