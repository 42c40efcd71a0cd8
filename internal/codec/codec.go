package codec

import (
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/fxamacker/cbor/v2"
)

// Codec converts between Go values and frame payloads.
type Codec interface {
	// Name returns the configuration name of the codec ("json", "cbor").
	Name() string

	// Marshal encodes v into a frame payload.
	Marshal(v any) ([]byte, error)

	// Unmarshal decodes a frame payload into v.
	Unmarshal(data []byte, v any) error

	// Binary reports whether frames are sent as binary WebSocket messages.
	Binary() bool
}

// ByName returns the codec registered under name. An empty name selects JSON.
func ByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSON{}, nil
	case "cbor":
		return NewCBOR()
	default:
		return nil, fmt.Errorf("unknown encoding %q", name)
	}
}

// JSON encodes frames as JSON text.
type JSON struct{}

func (JSON) Name() string                       { return "json" }
func (JSON) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (JSON) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSON) Binary() bool                       { return false }

// CBOR encodes frames as canonical CBOR.
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

// NewCBOR creates a CBOR codec. Maps decode as map[string]any so that decoded
// frames have the same shape as decoded JSON.
func NewCBOR() (*CBOR, error) {
	enc, err := cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor enc mode: %w", err)
	}

	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
		IndefLength:    cbor.IndefLengthForbidden,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("cbor dec mode: %w", err)
	}

	return &CBOR{enc: enc, dec: dec}, nil
}

func (c *CBOR) Name() string                       { return "cbor" }
func (c *CBOR) Marshal(v any) ([]byte, error)      { return c.enc.Marshal(v) }
func (c *CBOR) Unmarshal(data []byte, v any) error { return c.dec.Unmarshal(data, v) }
func (c *CBOR) Binary() bool                       { return true }
