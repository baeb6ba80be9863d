package ipc

import (
	"fmt"

	"google.golang.org/grpc/encoding"
	"google.golang.org/protobuf/proto"
)

// CodecName is the gRPC content-subtype used by the control channel.
const CodecName = "escape-vpn"

func init() {
	encoding.RegisterCodec(wireCodec{})
}

// wireCodec encodes Message values with their own wire format and falls back
// to protobuf for well-known types such as emptypb.Empty.
type wireCodec struct{}

func (wireCodec) Name() string { return CodecName }

func (wireCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case Message:
		return m.MarshalWire(), nil
	case *Frame:
		return m.Data, nil
	case proto.Message:
		return proto.Marshal(m)
	default:
		return nil, fmt.Errorf("[IPC] cannot marshal %T", v)
	}
}

func (wireCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *Frame:
		m.Data = append([]byte(nil), data...)
		return nil
	case Message:
		return m.UnmarshalWire(data)
	case proto.Message:
		return proto.Unmarshal(data, m)
	default:
		return fmt.Errorf("[IPC] cannot unmarshal into %T", v)
	}
}
