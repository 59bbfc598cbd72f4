package messaging

import (
	"encoding/json"
	"fmt"
)

// Codec maps between protocol messages and the binary frames carried by the
// websocket. Exactly one frame encodes exactly one message. Implementations
// must be safe for concurrent use.
type Codec interface {
	// Encode serializes msg into a single binary frame.
	Encode(msg *Message) ([]byte, error)

	// Decode deserializes one binary frame into a message. The returned
	// message has NOT been validated; callers run Message.Validate and drop
	// frames that fail.
	Decode(frame []byte) (*Message, error)
}

// JSONCodec is the default Codec: the message is the JSON document itself,
// with binary buffers base64-encoded in the buffers field by encoding/json.
type JSONCodec struct{}

// NewJSONCodec returns the default codec.
func NewJSONCodec() *JSONCodec {
	return &JSONCodec{}
}

func (c *JSONCodec) Encode(msg *Message) ([]byte, error) {
	if msg == nil {
		return nil, fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}

	return json.Marshal(msg)
}

func (c *JSONCodec) Decode(frame []byte) (*Message, error) {
	var msg Message
	if err := json.Unmarshal(frame, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}

	return &msg, nil
}
