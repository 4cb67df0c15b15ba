package storage

import (
	"context"
	"encoding/json"

	"github.com/rotisserie/eris"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/sells-group/norm-structurer/internal/resilience"
)

// The storage service is described by hand over google.protobuf.Struct
// messages, so neither side needs generated stubs.
const (
	grpcService          = "norms.storage.v1.Storage"
	grpcRelationalMethod = "/" + grpcService + "/StoreRelational"
	grpcVectorialMethod  = "/" + grpcService + "/StoreVectorial"
)

// GRPC calls a storage gateway over gRPC unary RPCs.
type GRPC struct {
	conn  grpc.ClientConnInterface
	retry resilience.Policy
}

var _ StorageClient = (*GRPC)(nil)

// DialGRPC opens a plaintext client connection to target.
func DialGRPC(target string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, eris.Wrapf(err, "storage: dial %s", target)
	}
	return conn, nil
}

// NewGRPC wraps an existing connection.
func NewGRPC(conn grpc.ClientConnInterface, retry resilience.Policy) *GRPC {
	return &GRPC{conn: conn, retry: retry}
}

func (g *GRPC) StoreRelational(ctx context.Context, data []byte) (RelationalReply, error) {
	var reply RelationalReply
	err := g.invoke(ctx, grpcRelationalMethod, data, &reply)
	return reply, err
}

func (g *GRPC) StoreVectorial(ctx context.Context, data []byte) (VectorialReply, error) {
	var reply VectorialReply
	err := g.invoke(ctx, grpcVectorialMethod, data, &reply)
	return reply, err
}

func (g *GRPC) invoke(ctx context.Context, method string, data []byte, into any) error {
	req := &structpb.Struct{}
	if err := protojson.Unmarshal(data, req); err != nil {
		return eris.Wrap(err, "storage: encode request")
	}

	resp, err := resilience.DoVal(ctx, g.retry, func(ctx context.Context) (*structpb.Struct, error) {
		out := &structpb.Struct{}
		if err := g.conn.Invoke(ctx, method, req, out); err != nil {
			return nil, err
		}
		return out, nil
	})
	if err != nil {
		return eris.Wrapf(err, "storage: %s", method)
	}

	raw, err := protojson.Marshal(resp)
	if err != nil {
		return eris.Wrap(err, "storage: decode reply")
	}
	return eris.Wrap(json.Unmarshal(raw, into), "storage: decode reply")
}

// RegisterGRPCServer exposes store on s under the same service the GRPC
// client calls, so any StorageClient can act as a storage gateway.
func RegisterGRPCServer(s grpc.ServiceRegistrar, store StorageClient) {
	s.RegisterService(&grpcServiceDesc, store)
}

var grpcServiceDesc = grpc.ServiceDesc{
	ServiceName: grpcService,
	HandlerType: (*StorageClient)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "StoreRelational",
			Handler: unaryHandler(grpcRelationalMethod, func(ctx context.Context, s StorageClient, data []byte) (any, error) {
				return s.StoreRelational(ctx, data)
			}),
		},
		{
			MethodName: "StoreVectorial",
			Handler: unaryHandler(grpcVectorialMethod, func(ctx context.Context, s StorageClient, data []byte) (any, error) {
				return s.StoreVectorial(ctx, data)
			}),
		},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "norms/storage/v1/storage.proto",
}

type storeFunc func(ctx context.Context, s StorageClient, data []byte) (any, error)

func unaryHandler(method string, call storeFunc) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := &structpb.Struct{}
		if err := dec(in); err != nil {
			return nil, err
		}
		handle := func(ctx context.Context, req any) (any, error) {
			data, err := protojson.Marshal(req.(*structpb.Struct))
			if err != nil {
				return nil, status.Error(codes.InvalidArgument, err.Error())
			}
			reply, err := call(ctx, srv.(StorageClient), data)
			if err != nil {
				return nil, status.Error(codes.Internal, err.Error())
			}
			return toStruct(reply)
		}
		if interceptor == nil {
			return handle(ctx, in)
		}
		return interceptor(ctx, in, &grpc.UnaryServerInfo{Server: srv, FullMethod: method}, handle)
	}
}

func toStruct(v any) (*structpb.Struct, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	out := &structpb.Struct{}
	if err := protojson.Unmarshal(raw, out); err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}
