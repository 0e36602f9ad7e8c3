// Package codec provides the serialization formats a polyrpc peer may speak.
//
// A codec turns a generic value (nil, bool, number, string, []any, map[string]any) into
// bytes and back. Requests and responses are built from such values by the message
// package, so every codec can carry every message.
package codec

import (
	"fmt"
	"strings"
)

type CodecType byte

const (
	CodecTypeJSON  CodecType = 0
	CodecTypeCBOR  CodecType = 1
	CodecTypeProto CodecType = 2
)

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType
}

// GetCodec returns the codec for codecType, falling back to JSON for unknown types.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeCBOR:
		return cborCodec
	case CodecTypeProto:
		return &ProtoCodec{}
	default:
		return &JSONCodec{}
	}
}

// ParseType maps a codec name as used in configuration ("json", "cbor", "proto") to its type.
func ParseType(name string) (CodecType, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "json":
		return CodecTypeJSON, nil
	case "cbor":
		return CodecTypeCBOR, nil
	case "proto", "protobuf":
		return CodecTypeProto, nil
	}
	return 0, fmt.Errorf("codec: unknown codec %q", name)
}

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeCBOR:
		return "cbor"
	case CodecTypeProto:
		return "proto"
	}
	return fmt.Sprintf("codec(%d)", byte(t))
}
