package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// ProtoCodec carries generic values as google.protobuf.Value messages.
//
// Values must be representable by structpb: nil, bool, numbers, strings, []any and
// map[string]any. Numbers decode as float64. proto.Message values are marshaled as is.
type ProtoCodec struct{}

func (c *ProtoCodec) Encode(v any) ([]byte, error) {
	if m, ok := v.(proto.Message); ok {
		return proto.Marshal(m)
	}
	pv, err := structpb.NewValue(v)
	if err != nil {
		return nil, fmt.Errorf("codec: proto: %w", err)
	}
	return proto.Marshal(pv)
}

func (c *ProtoCodec) Decode(data []byte, v any) error {
	if m, ok := v.(proto.Message); ok {
		return proto.Unmarshal(data, m)
	}
	target, ok := v.(*any)
	if !ok {
		return fmt.Errorf("codec: proto: cannot decode into %T", v)
	}
	var pv structpb.Value
	if err := proto.Unmarshal(data, &pv); err != nil {
		return err
	}
	*target = pv.AsInterface()
	return nil
}

func (c *ProtoCodec) Type() CodecType {
	return CodecTypeProto
}
