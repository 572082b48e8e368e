package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/anypb"
)

// AnyCodec wraps every message in a google.protobuf.Any, so the type URL is
// the schema tag. Decoding resolves the type through the global registry,
// which means the message's generated package must be linked in.
type AnyCodec struct {
	Deterministic bool
}

func (c *AnyCodec) Encode(m proto.Message, b []byte) ([]byte, error) {
	if m == nil {
		return nil, fmt.Errorf("codec: encode nil message")
	}
	a, err := anypb.New(m)
	if err != nil {
		return nil, fmt.Errorf("codec: wrap %s: %w", m.ProtoReflect().Descriptor().FullName(), err)
	}
	return proto.MarshalOptions{Deterministic: c.Deterministic}.MarshalAppend(b, a)
}

func (c *AnyCodec) Decode(b []byte) (proto.Message, error) {
	if len(b) == 0 {
		return nil, ErrEmptyPayload
	}
	a := &anypb.Any{}
	if err := proto.Unmarshal(b, a); err != nil {
		return nil, fmt.Errorf("codec: unmarshal envelope: %w", err)
	}
	m, err := a.UnmarshalNew()
	if err != nil {
		return nil, fmt.Errorf("codec: unmarshal %s: %w", a.GetTypeUrl(), err)
	}
	return m, nil
}
