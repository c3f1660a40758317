// Package protocol encodes and decodes the JSON wire envelope.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/opsmesh/fieldlink"
)

const maxPayloadSize = 1 * 1024 * 1024 // 1MB max payload size

var (
	ErrEmptyType   = errors.New("message type is empty")
	ErrUnknownType = errors.New("message type not in registry")
)

// Encode marshals the envelope after validating its type tag and payload
// size.
func Encode(msg fieldlink.Message) ([]byte, error) {
	if msg.Type == "" {
		return nil, ErrEmptyType
	}
	if !fieldlink.KnownType(msg.Type) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	if len(msg.Payload) > maxPayloadSize {
		return nil, fmt.Errorf("payload size %d exceeds maximum %d bytes", len(msg.Payload), maxPayloadSize)
	}
	return json.Marshal(msg)
}

// Decode unmarshals one frame. Unknown type tags decode successfully so the
// router can drop them with a trace; a missing tag is an error.
// The payload references the input data - do not modify it.
func Decode(data []byte) (fieldlink.Message, error) {
	if len(data) > maxPayloadSize {
		return fieldlink.Message{}, fmt.Errorf("frame size %d exceeds maximum %d bytes", len(data), maxPayloadSize)
	}

	var msg fieldlink.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		return fieldlink.Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	if msg.Type == "" {
		return fieldlink.Message{}, ErrEmptyType
	}
	return msg, nil
}
