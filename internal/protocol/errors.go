package protocol

import "errors"

var (
	ErrUnknownRequestType  = errors.New("protocol: unknown request type")
	ErrUnknownResponseType = errors.New("protocol: unknown response type")
	ErrUnknownEventType    = errors.New("protocol: unknown event type")
	ErrEmptyPayload        = errors.New("protocol: empty payload")
	ErrAmbiguousMessage    = errors.New("protocol: message is neither response nor event")
)
