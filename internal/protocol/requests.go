package protocol

import (
	"encoding/json"
	"fmt"
)

// RequestType discriminates request payload variants on the wire.
type RequestType string

const (
	RequestSpawn    RequestType = "spawn"
	RequestList     RequestType = "list"
	RequestInspect  RequestType = "inspect"
	RequestShutdown RequestType = "shutdown"
)

// RequestEnvelope correlates a request with its response. The id is
// caller-assigned and echoed verbatim by the server.
type RequestEnvelope struct {
	ID      uint64  `json:"id"`
	Payload Request `json:"payload"`
}

// SpawnRequest asks the engine to create one entity.
type SpawnRequest struct {
	EntityType string           `json:"entity_type"`
	Parameters EntityParameters `json:"parameters"`
	Dimension  *uint32          `json:"dimension,omitempty"`
}

// InspectRequest asks for the current record of one entity.
type InspectRequest struct {
	Dimension uint32 `json:"dimension"`
	EntityID  uint64 `json:"entity_id"`
}

// Request is the tagged union of request payloads. Spawn and inspect carry
// a body; list and shutdown are type-only.
type Request struct {
	Type    RequestType
	Spawn   *SpawnRequest
	Inspect *InspectRequest
}

func NewSpawnRequest(body SpawnRequest) Request {
	return Request{Type: RequestSpawn, Spawn: &body}
}

func NewListRequest() Request {
	return Request{Type: RequestList}
}

func NewInspectRequest(dimension uint32, entityID uint64) Request {
	return Request{Type: RequestInspect, Inspect: &InspectRequest{Dimension: dimension, EntityID: entityID}}
}

func NewShutdownRequest() Request {
	return Request{Type: RequestShutdown}
}

func (r Request) MarshalJSON() ([]byte, error) {
	switch r.Type {
	case RequestSpawn:
		if r.Spawn == nil {
			return nil, fmt.Errorf("%w: spawn body missing", ErrEmptyPayload)
		}
		return json.Marshal(struct {
			Type RequestType `json:"type"`
			*SpawnRequest
		}{r.Type, r.Spawn})
	case RequestInspect:
		if r.Inspect == nil {
			return nil, fmt.Errorf("%w: inspect body missing", ErrEmptyPayload)
		}
		return json.Marshal(struct {
			Type RequestType `json:"type"`
			*InspectRequest
		}{r.Type, r.Inspect})
	case RequestList, RequestShutdown:
		return json.Marshal(struct {
			Type RequestType `json:"type"`
		}{r.Type})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownRequestType, r.Type)
	}
}

func (r *Request) UnmarshalJSON(data []byte) error {
	var tag struct {
		Type RequestType `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	switch tag.Type {
	case RequestSpawn:
		var body SpawnRequest
		if err := json.Unmarshal(data, &body); err != nil {
			return err
		}
		*r = Request{Type: tag.Type, Spawn: &body}
	case RequestInspect:
		var body InspectRequest
		if err := json.Unmarshal(data, &body); err != nil {
			return err
		}
		*r = Request{Type: tag.Type, Inspect: &body}
	case RequestList, RequestShutdown:
		*r = Request{Type: tag.Type}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRequestType, tag.Type)
	}
	return nil
}
