package transport

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/encoding/protowire"
)

// FrameKind distinguishes link control frames from payload frames.
type FrameKind uint8

const (
	FrameHello FrameKind = iota + 1
	FrameGoodbye
	FramePayload
)

// Frame is the unit carried by the Mesh/Deliver RPC.
type Frame struct {
	From    string
	Kind    FrameKind
	Addr    string // Hello only: address the sender listens on
	Payload []byte // Payload only: wire-encoded message
}

// Ack is the empty Deliver response.
type Ack struct{}

var errBadFrame = errors.New("malformed frame")

const (
	frameFieldFrom    protowire.Number = 1
	frameFieldKind    protowire.Number = 2
	frameFieldAddr    protowire.Number = 3
	frameFieldPayload protowire.Number = 4
)

func marshalFrame(f *Frame) []byte {
	var b []byte
	b = protowire.AppendTag(b, frameFieldFrom, protowire.BytesType)
	b = protowire.AppendString(b, f.From)
	b = protowire.AppendTag(b, frameFieldKind, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(f.Kind))
	if f.Addr != "" {
		b = protowire.AppendTag(b, frameFieldAddr, protowire.BytesType)
		b = protowire.AppendString(b, f.Addr)
	}
	if len(f.Payload) > 0 {
		b = protowire.AppendTag(b, frameFieldPayload, protowire.BytesType)
		b = protowire.AppendBytes(b, f.Payload)
	}
	return b
}

func unmarshalFrame(b []byte, f *Frame) error {
	*f = Frame{}
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", errBadFrame, protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == frameFieldFrom && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("%w: from: %v", errBadFrame, protowire.ParseError(n))
			}
			f.From, b = v, b[n:]
		case num == frameFieldKind && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return fmt.Errorf("%w: kind: %v", errBadFrame, protowire.ParseError(n))
			}
			f.Kind, b = FrameKind(v), b[n:]
		case num == frameFieldAddr && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return fmt.Errorf("%w: addr: %v", errBadFrame, protowire.ParseError(n))
			}
			f.Addr, b = v, b[n:]
		case num == frameFieldPayload && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return fmt.Errorf("%w: payload: %v", errBadFrame, protowire.ParseError(n))
			}
			f.Payload, b = append([]byte(nil), v...), b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return fmt.Errorf("%w: field %d: %v", errBadFrame, num, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return nil
}

// frameCodec lets gRPC carry Frame and Ack without generated protobuf types.
type frameCodec struct{}

func (frameCodec) Name() string { return "tether-frame" }

func (frameCodec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *Frame:
		return marshalFrame(m), nil
	case *Ack:
		return nil, nil
	default:
		return nil, fmt.Errorf("frame codec: cannot marshal %T", v)
	}
}

func (frameCodec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *Frame:
		return unmarshalFrame(data, m)
	case *Ack:
		return nil
	default:
		return fmt.Errorf("frame codec: cannot unmarshal into %T", v)
	}
}

const deliverMethod = "/tether.Mesh/Deliver"

// meshServer is the server side of the Mesh service.
type meshServer interface {
	Deliver(ctx context.Context, f *Frame) (*Ack, error)
}

func deliverHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(Frame)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(meshServer).Deliver(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: deliverMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(meshServer).Deliver(ctx, req.(*Frame))
	}
	return interceptor(ctx, in, info, handler)
}

var meshServiceDesc = grpc.ServiceDesc{
	ServiceName: "tether.Mesh",
	HandlerType: (*meshServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Deliver", Handler: deliverHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "tether/mesh",
}
