// Package wire owns message framing for the engine protocol.
//
// Every wire message is a 4-byte big-endian length prefix followed by a
// JSON inner envelope: {"type": <tag>, "payload": <json>}. The type tag is
// 0 for every payload in the current protocol.
package wire

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

const lengthPrefixLen = 4

// TypeTag is the inner envelope type discriminator. All payloads in the
// current protocol carry TypeJSON.
const TypeJSON uint32 = 0

var (
	ErrShortFrame      = errors.New("wire: short frame")
	ErrMessageTooLarge = errors.New("wire: message too large")
	ErrDecode          = errors.New("wire: envelope decode failed")
)

// Message is the inner envelope carried inside one length-prefixed frame.
type Message struct {
	Type    uint32          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Limits constrains frame decode/encode memory use.
type Limits struct {
	MaxMessageBytes uint64
}

func DefaultLimits() Limits {
	return Limits{MaxMessageBytes: 8 * 1024 * 1024}
}

// NewMessage wraps an already-encoded JSON payload in the envelope.
func NewMessage(payload []byte) Message {
	return Message{Type: TypeJSON, Payload: payload}
}

// EncodePayload marshals v and wraps it in the envelope.
func EncodePayload(v any) (Message, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Message{}, err
	}
	return NewMessage(payload), nil
}

// WriteMessage frames m and writes it as a single buffer so that two
// writers serialized by an external lock never interleave partial frames.
func WriteMessage(w io.Writer, m Message, limits Limits) error {
	body, err := json.Marshal(m)
	if err != nil {
		return err
	}
	if uint64(len(body)) > limits.MaxMessageBytes {
		return ErrMessageTooLarge
	}

	buf := make([]byte, 0, lengthPrefixLen+len(body))
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(body)))
	buf = append(buf, body...)
	_, err = w.Write(buf)
	return err
}

// ReadMessage reads exactly one length-prefixed envelope. A short read or a
// decode failure is a protocol violation; callers terminate the connection.
func ReadMessage(r io.Reader, limits Limits) (Message, error) {
	var prefix [lengthPrefixLen]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, ErrShortFrame
		}
		return Message{}, err
	}

	msgLen := uint64(binary.BigEndian.Uint32(prefix[:]))
	if msgLen > limits.MaxMessageBytes {
		return Message{}, ErrMessageTooLarge
	}

	body := make([]byte, msgLen)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return Message{}, ErrShortFrame
		}
		return Message{}, err
	}

	var m Message
	dec := json.NewDecoder(bytes.NewReader(body))
	if err := dec.Decode(&m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return m, nil
}
