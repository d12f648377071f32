// Package codec encodes runtime snapshots for the admin endpoint, as JSON or
// as a protobuf Struct.
package codec

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

var ErrUnsupportedCodec = errors.New("codec: unsupported codec")

// Codec encodes and decodes values.
type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Name() string
	ContentType() string
}

// Type selects a codec.
type Type byte

const (
	JSON Type = iota + 1
	Protobuf
)

// Get returns the codec of typ.
func Get(typ Type) (Codec, error) {
	switch typ {
	case JSON:
		return JSONCodec{}, nil
	case Protobuf:
		return ProtobufCodec{}, nil
	}
	return nil, ErrUnsupportedCodec
}

// ByName returns the codec called name ("json" or "protobuf"/"proto").
func ByName(name string) (Codec, error) {
	switch strings.ToLower(name) {
	case "", "json":
		return JSONCodec{}, nil
	case "protobuf", "proto", "pb":
		return ProtobufCodec{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, name)
}

// Negotiate picks a codec from an Accept header, defaulting to JSON.
func Negotiate(accept string) Codec {
	for _, part := range strings.Split(accept, ",") {
		mt, _, _ := strings.Cut(strings.TrimSpace(part), ";")
		switch mt {
		case "application/x-protobuf", "application/protobuf":
			return ProtobufCodec{}
		case "application/json":
			return JSONCodec{}
		}
	}
	return JSONCodec{}
}

// JSONCodec is encoding/json.
type JSONCodec struct{}

func (JSONCodec) Encode(v any) ([]byte, error)    { return json.Marshal(v) }
func (JSONCodec) Decode(data []byte, v any) error { return json.Unmarshal(data, v) }
func (JSONCodec) Name() string                    { return "json" }
func (JSONCodec) ContentType() string             { return "application/json" }

// ProtobufCodec encodes proto messages as is and any other value as a
// structpb.Struct built from its JSON form.
type ProtobufCodec struct{}

func (ProtobufCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		s, err := ToStruct(v)
		if err != nil {
			return nil, err
		}
		msg = s
	}
	return proto.Marshal(msg)
}

func (ProtobufCodec) Decode(data []byte, v any) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("codec: protobuf decode needs a proto.Message, got %T", v)
	}
	return proto.Unmarshal(data, msg)
}

func (ProtobufCodec) Name() string        { return "protobuf" }
func (ProtobufCodec) ContentType() string { return "application/x-protobuf" }

// ToStruct converts a JSON-encodable value with an object form into a
// structpb.Struct.
func ToStruct(v any) (*structpb.Struct, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("codec: %w", err)
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("codec: %T is not an object: %w", v, err)
	}
	return structpb.NewStruct(m)
}
