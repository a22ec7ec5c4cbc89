// Package codec defines the message serialization contract and the wire
// encoding helpers (deadline header, frame helpers re-exported from
// internal/framing) described in §4.2.
package codec

import (
	"fmt"

	"google.golang.org/protobuf/proto"

	"github.com/fullstorydev/rpcweave/internal/framing"
)

// Codec marshals and unmarshals the application-level messages carried
// inside message frames. Compression (the one-byte flag in the frame
// header) is a reserved integration hook (§1 Non-goals) and is not
// implemented by any Codec here; every Codec in this package always writes
// identity (uncompressed) frames.
type Codec interface {
	// Name is advertised nowhere on the wire by this runtime (there is only
	// ever one content-type, application/grpc+proto, per §6) but is kept for
	// logging and for registries that key codecs by name.
	Name() string
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

// ProtoCodec serializes proto.Message values with google.golang.org/protobuf.
type ProtoCodec struct{}

func (ProtoCodec) Name() string { return "proto" }

func (ProtoCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(proto.Message)
	if !ok {
		return nil, fmt.Errorf("codec: value of type %T does not implement proto.Message", v)
	}
	return proto.Marshal(m)
}

func (ProtoCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(proto.Message)
	if !ok {
		return fmt.Errorf("codec: value of type %T does not implement proto.Message", v)
	}
	return proto.Unmarshal(data, m)
}

// EncodeFrame wraps a marshalled payload in the 5-byte length prefix.
func EncodeFrame(payload []byte) []byte {
	return framing.Encode(false, payload)
}

// NewDecoder returns a fresh stateful stream decoder (one per call).
func NewDecoder() *framing.Decoder {
	return &framing.Decoder{}
}
