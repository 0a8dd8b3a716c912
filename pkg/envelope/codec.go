package envelope

import (
	"encoding/json"
	"errors"

	"github.com/vmihailenco/msgpack/v5"
)

// ErrNilValue is returned when serializing a nil value.
var ErrNilValue = errors.New("cannot serialize nil value")

// Codec handles envelope encoding for the wire.
type Codec interface {
	// Encode serializes a built envelope (or any transform result).
	Encode(v any) ([]byte, error)

	// Decode deserializes wire bytes back into an envelope.
	Decode(data []byte) (Envelope, error)

	// Name returns the codec name.
	Name() string

	// ContentType returns the MIME type.
	ContentType() string
}

// JSONCodec is the wire default.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, ErrNilValue
	}
	return json.Marshal(v)
}

func (JSONCodec) Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return env, nil
}

func (JSONCodec) Name() string        { return "json" }
func (JSONCodec) ContentType() string { return "application/json" }

// MsgPackCodec encodes envelopes as MessagePack. More compact than JSON for
// high-volume fanout; both peers must agree on it.
type MsgPackCodec struct{}

func (MsgPackCodec) Encode(v any) ([]byte, error) {
	if v == nil {
		return nil, ErrNilValue
	}
	return msgpack.Marshal(v)
}

func (MsgPackCodec) Decode(data []byte) (Envelope, error) {
	var env map[string]any
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return nil, err
	}
	return Envelope(env), nil
}

func (MsgPackCodec) Name() string        { return "msgpack" }
func (MsgPackCodec) ContentType() string { return "application/msgpack" }

// Builder pairs the build pipeline with a codec.
type Builder struct {
	codec Codec
}

// NewBuilder creates a builder. A nil codec falls back to JSON.
func NewBuilder(codec Codec) *Builder {
	if codec == nil {
		codec = JSONCodec{}
	}
	return &Builder{codec: codec}
}

// Codec returns the builder's codec.
func (b *Builder) Codec() Codec { return b.codec }

// Build applies the standard build pipeline.
func (b *Builder) Build(p Payload, opts *Options) any {
	return Build(p, opts)
}

// Serialize encodes a built envelope with the builder's codec.
func (b *Builder) Serialize(v any) ([]byte, error) {
	return b.codec.Encode(v)
}

// SerializeWith applies a transform before encoding. A nil transform encodes
// the value as-is.
func (b *Builder) SerializeWith(v any, t Transform) ([]byte, error) {
	if t != nil {
		if env, ok := v.(Envelope); ok {
			return b.codec.Encode(t(env))
		}
	}
	return b.codec.Encode(v)
}

// Serialize encodes with the default JSON codec.
func Serialize(v any) ([]byte, error) {
	return JSONCodec{}.Encode(v)
}
