package atomix

import (
	"github.com/ugorji/go/codec"
	"google.golang.org/grpc/encoding"
)

// msgpackCodecName is the grpc content-subtype every client call on this
// package's Transport requests via grpc.CallContentSubtype, and which the
// server recognizes from the incoming "content-type" header
// ("application/grpc+msgpack").
const msgpackCodecName = "msgpack"

// msgpackGRPCCodec adapts ugorji/go/codec's msgpack handle — the same
// handle the teacher trusts for state-machine snapshot encoding — into a
// grpc encoding.Codec, standing in for the generated protobuf codec the
// teacher's incomplete pb package would otherwise supply.
type msgpackGRPCCodec struct {
	handle codec.MsgpackHandle
}

func (c *msgpackGRPCCodec) Marshal(v any) ([]byte, error) {
	var out []byte
	if err := codec.NewEncoderBytes(&out, &c.handle).Encode(v); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *msgpackGRPCCodec) Unmarshal(data []byte, v any) error {
	return codec.NewDecoderBytes(data, &c.handle).Decode(v)
}

func (c *msgpackGRPCCodec) Name() string { return msgpackCodecName }

func init() {
	encoding.RegisterCodec(&msgpackGRPCCodec{})
}
