// Package grpcfront adapts the engine's transport.Transport seam onto a
// real gRPC front service: a single hand-written grpc.ServiceDesc carries
// the length-prefixed wire envelope (message.Encode) as opaque bytes, so
// adding a new PacketType never requires regenerating a .proto service.
package grpcfront

import (
	"github.com/pkg/errors"
	"google.golang.org/grpc/encoding"
)

const codecName = "pbft-raw"

var (
	errMarshalType   = errors.New("grpcfront: Marshal called with non-[]byte value")
	errUnmarshalType = errors.New("grpcfront: Unmarshal called with non-*[]byte target")
)

func init() {
	encoding.RegisterCodec(rawCodec{})
}

// rawCodec is a grpc/encoding.Codec that passes envelope bytes straight
// through, bypassing protobuf marshaling entirely.
type rawCodec struct{}

func (rawCodec) Name() string { return codecName }

func (rawCodec) Marshal(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case *[]byte:
		return *b, nil
	case []byte:
		return b, nil
	default:
		return nil, errMarshalType
	}
}

func (rawCodec) Unmarshal(data []byte, v interface{}) error {
	b, ok := v.(*[]byte)
	if !ok {
		return errUnmarshalType
	}
	*b = append([]byte(nil), data...)
	return nil
}
