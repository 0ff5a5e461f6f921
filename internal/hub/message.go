package hub

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Message types used on the wire.
const (
	TypeCmd        = "cmd"
	TypeRegister   = "register"
	TypeJoin       = "join"
	TypeNativeData = "native_data"
)

// RegistrationID is the correlation id reserved for registration and broadcasts.
const RegistrationID = "0"

// Message is one frame of the command channel.
type Message struct {
	ID      string `json:"id,omitempty" cbor:"id,omitempty"`
	Type    string `json:"type,omitempty" cbor:"type,omitempty"`
	Target  string `json:"target,omitempty" cbor:"target,omitempty"`
	Value   string `json:"value,omitempty" cbor:"value,omitempty"`
	Timeout int64  `json:"timeout,omitempty" cbor:"timeout,omitempty"` // milliseconds
}

// isRegistration reports whether m answers a register or join request.
func (m Message) isRegistration() bool {
	return m.ID == RegistrationID && (m.Type == TypeRegister || m.Type == TypeJoin)
}

// Codec encodes messages into frames.
type Codec interface {
	Name() string
	// Binary reports whether frames are binary rather than text.
	Binary() bool
	Marshal(m Message) ([]byte, error)
	Unmarshal(data []byte, m *Message) error
}

// JSONCodec writes text frames.
type JSONCodec struct{}

func (JSONCodec) Name() string {
	return "json"
}

func (JSONCodec) Binary() bool {
	return false
}

func (JSONCodec) Marshal(m Message) ([]byte, error) {
	return json.Marshal(m)
}

func (JSONCodec) Unmarshal(data []byte, m *Message) error {
	return json.Unmarshal(data, m)
}

// CBORCodec writes binary frames.
type CBORCodec struct{}

func (CBORCodec) Name() string {
	return "cbor"
}

func (CBORCodec) Binary() bool {
	return true
}

func (CBORCodec) Marshal(m Message) ([]byte, error) {
	return cbor.Marshal(m)
}

func (CBORCodec) Unmarshal(data []byte, m *Message) error {
	return cbor.Unmarshal(data, m)
}

// CodecByName returns the codec registered under name.
func CodecByName(name string) (Codec, error) {
	switch name {
	case "", "json":
		return JSONCodec{}, nil
	case "cbor":
		return CBORCodec{}, nil
	default:
		return nil, fmt.Errorf("hub: unknown codec %q", name)
	}
}
