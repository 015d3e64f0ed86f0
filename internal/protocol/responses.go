package protocol

import (
	"encoding/json"
	"fmt"
)

// ResponseType discriminates response payload variants on the wire.
type ResponseType string

const (
	ResponseSpawned       ResponseType = "spawned"
	ResponseListed        ResponseType = "listed"
	ResponseInspectResult ResponseType = "inspect_result"
	ResponseShutdown      ResponseType = "shutdown"
	ResponseError         ResponseType = "error"
)

// ResponseEnvelope carries one response payload tagged with the request id
// it answers.
type ResponseEnvelope struct {
	ID      uint64   `json:"id"`
	Payload Response `json:"payload"`
}

// SpawnedResponse reports the summary of a freshly created entity.
type SpawnedResponse struct {
	Status Status        `json:"status"`
	Entity EntitySummary `json:"entity"`
}

// ListedResponse reports every stored entity ordered by id.
type ListedResponse struct {
	Status   Status          `json:"status"`
	Entities []EntitySummary `json:"entities"`
}

// InspectResultResponse reports the record for one entity. Entity is nil
// when the id is unknown; status is not_found in that case, never error.
type InspectResultResponse struct {
	Status  Status        `json:"status"`
	Entity  *EntityRecord `json:"entity,omitempty"`
	Message string        `json:"message,omitempty"`
}

// ShutdownResponse acknowledges a shutdown request.
type ShutdownResponse struct {
	Status  Status `json:"status"`
	Message string `json:"message,omitempty"`
}

// ErrorResponse reports a request the server could not dispatch.
type ErrorResponse struct {
	Message string `json:"message"`
}

// Response is the tagged union of response payloads.
type Response struct {
	Type          ResponseType
	Spawned       *SpawnedResponse
	Listed        *ListedResponse
	InspectResult *InspectResultResponse
	Shutdown      *ShutdownResponse
	Error         *ErrorResponse
}

func NewSpawnedResponse(body SpawnedResponse) Response {
	return Response{Type: ResponseSpawned, Spawned: &body}
}

func NewListedResponse(body ListedResponse) Response {
	return Response{Type: ResponseListed, Listed: &body}
}

func NewInspectResultResponse(body InspectResultResponse) Response {
	return Response{Type: ResponseInspectResult, InspectResult: &body}
}

func NewShutdownResponse(body ShutdownResponse) Response {
	return Response{Type: ResponseShutdown, Shutdown: &body}
}

func NewErrorResponse(message string) Response {
	return Response{Type: ResponseError, Error: &ErrorResponse{Message: message}}
}

func (r Response) MarshalJSON() ([]byte, error) {
	switch r.Type {
	case ResponseSpawned:
		if r.Spawned == nil {
			return nil, fmt.Errorf("%w: %s body missing", ErrEmptyPayload, r.Type)
		}
		return json.Marshal(struct {
			Type ResponseType `json:"type"`
			*SpawnedResponse
		}{r.Type, r.Spawned})
	case ResponseListed:
		if r.Listed == nil {
			return nil, fmt.Errorf("%w: %s body missing", ErrEmptyPayload, r.Type)
		}
		return json.Marshal(struct {
			Type ResponseType `json:"type"`
			*ListedResponse
		}{r.Type, r.Listed})
	case ResponseInspectResult:
		if r.InspectResult == nil {
			return nil, fmt.Errorf("%w: %s body missing", ErrEmptyPayload, r.Type)
		}
		return json.Marshal(struct {
			Type ResponseType `json:"type"`
			*InspectResultResponse
		}{r.Type, r.InspectResult})
	case ResponseShutdown:
		if r.Shutdown == nil {
			return nil, fmt.Errorf("%w: %s body missing", ErrEmptyPayload, r.Type)
		}
		return json.Marshal(struct {
			Type ResponseType `json:"type"`
			*ShutdownResponse
		}{r.Type, r.Shutdown})
	case ResponseError:
		if r.Error == nil {
			return nil, fmt.Errorf("%w: %s body missing", ErrEmptyPayload, r.Type)
		}
		return json.Marshal(struct {
			Type ResponseType `json:"type"`
			*ErrorResponse
		}{r.Type, r.Error})
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownResponseType, r.Type)
	}
}

func (r *Response) UnmarshalJSON(data []byte) error {
	var tag struct {
		Type ResponseType `json:"type"`
	}
	if err := json.Unmarshal(data, &tag); err != nil {
		return err
	}
	out := Response{Type: tag.Type}
	var err error
	switch tag.Type {
	case ResponseSpawned:
		out.Spawned, err = unmarshalBody[SpawnedResponse](data)
	case ResponseListed:
		out.Listed, err = unmarshalBody[ListedResponse](data)
	case ResponseInspectResult:
		out.InspectResult, err = unmarshalBody[InspectResultResponse](data)
	case ResponseShutdown:
		out.Shutdown, err = unmarshalBody[ShutdownResponse](data)
	case ResponseError:
		out.Error, err = unmarshalBody[ErrorResponse](data)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownResponseType, tag.Type)
	}
	if err != nil {
		return err
	}
	*r = out
	return nil
}

func unmarshalBody[T any](data []byte) (*T, error) {
	var body T
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, err
	}
	return &body, nil
}
