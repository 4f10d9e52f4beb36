package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
)

// ErrPayloadByteRange indicates a wire payload element outside 0..255.
var ErrPayloadByteRange = errors.New("protocol: payload byte out of range")

// Payload is an opaque update or snapshot blob. The wire format serializes
// blobs as plain JSON number arrays rather than base64 strings, so Payload
// carries its own codec instead of relying on encoding/json []byte handling.
type Payload []byte

// MarshalJSON renders the payload as a JSON array of byte values.
func (p Payload) MarshalJSON() ([]byte, error) {
	encoded := make([]byte, 0, len(p)*4+2)
	encoded = append(encoded, '[')
	for index, value := range p {
		if index > 0 {
			encoded = append(encoded, ',')
		}
		encoded = strconv.AppendUint(encoded, uint64(value), 10)
	}
	encoded = append(encoded, ']')
	return encoded, nil
}

// UnmarshalJSON parses a JSON number array back into raw bytes.
func (p *Payload) UnmarshalJSON(data []byte) error {
	var values []int
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	decoded := make([]byte, len(values))
	for index, value := range values {
		if value < 0 || value > 255 {
			return fmt.Errorf("%w: %d at index %d", ErrPayloadByteRange, value, index)
		}
		decoded[index] = byte(value)
	}
	*p = decoded
	return nil
}
