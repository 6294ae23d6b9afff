package uniqw

import (
	"encoding/json"

	"github.com/bytedance/sonic"
)

// Encoder serializes deliveries, queue envelopes, notifications and handler results.
type Encoder interface {
	// Encode serializes a value to bytes.
	Encode(any) ([]byte, error)
	// Decode deserializes bytes to a value.
	Decode([]byte, any) error
}

// JSONEncoder is the default implementation of Encoder using JSON.
// Encoding goes through the standard library so omitzero tags and RawMessage bodies
// keep their exact semantics; decoding, the hot path of every delivery, uses sonic.
type JSONEncoder struct{}

// Encode serializes a value to JSON using standard library.
func (*JSONEncoder) Encode(v any) ([]byte, error) {
	return json.Marshal(v)
}

// Decode deserializes JSON bytes using sonic.
func (*JSONEncoder) Decode(data []byte, v any) error {
	return sonic.Unmarshal(data, v)
}

// Valid reports whether data is a single well-formed JSON value.
func (*JSONEncoder) Valid(data []byte) bool {
	return sonic.Valid(data)
}
