// Package codec turns application messages into packet payloads and back.
//
// A payload carries its own schema tag, so the receiving side can decode it
// without knowing the concrete type up front.
package codec

import (
	"errors"

	"google.golang.org/protobuf/proto"
)

var (
	errCodecNotInit = errors.New("codec not init")

	ErrEmptyPayload = errors.New("codec: empty payload")

	_codec Codec = &AnyCodec{}
)

// Codec 编解码器.
type Codec interface {
	// Encode appends the tagged encoding of m to b.
	Encode(m proto.Message, b []byte) ([]byte, error)
	// Decode returns a new message of the type named in b.
	Decode(b []byte) (proto.Message, error)
}

// Encode 打包.
func Encode(m proto.Message, b []byte) ([]byte, error) {
	if _codec == nil {
		return nil, errCodecNotInit
	}
	return _codec.Encode(m, b)
}

// Decode 解包.
func Decode(b []byte) (proto.Message, error) {
	if _codec == nil {
		return nil, errCodecNotInit
	}
	return _codec.Decode(b)
}

// SetCodec 设置编解码器. nil disables encoding.
func SetCodec(c Codec) {
	_codec = c
}

// GetCodec returns the codec used by Encode and Decode.
func GetCodec() Codec {
	return _codec
}
