package v1

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

const ServiceName = "tessera.v1.Coordinator"

type CoordinatorServer interface {
	TryLock(context.Context, *TryLockRequest) (*TryLockResponse, error)
	TryExtendLock(context.Context, *TryExtendLockRequest) (*TryExtendLockResponse, error)
	TryUnlock(context.Context, *TryUnlockRequest) (*TryUnlockResponse, error)
	GetLock(context.Context, *GetLockRequest) (*GetLockResponse, error)
	TrySetKeyValue(context.Context, *TrySetKeyValueRequest) (*TrySetKeyValueResponse, error)
	TryExtendKeyValue(context.Context, *TryExtendKeyValueRequest) (*TryExtendKeyValueResponse, error)
	TryDeleteKeyValue(context.Context, *TryDeleteKeyValueRequest) (*TryDeleteKeyValueResponse, error)
	TryGetKeyValue(context.Context, *TryGetKeyValueRequest) (*TryGetKeyValueResponse, error)
	GetStatus(context.Context, *GetStatusRequest) (*GetStatusResponse, error)
}

// embed to stay forward compatible with methods added later
type UnimplementedCoordinatorServer struct{}

func unimplemented(method string) error {
	return status.Errorf(codes.Unimplemented, "method %s not implemented", method)
}

func (UnimplementedCoordinatorServer) TryLock(context.Context, *TryLockRequest) (*TryLockResponse, error) {
	return nil, unimplemented("TryLock")
}
func (UnimplementedCoordinatorServer) TryExtendLock(context.Context, *TryExtendLockRequest) (*TryExtendLockResponse, error) {
	return nil, unimplemented("TryExtendLock")
}
func (UnimplementedCoordinatorServer) TryUnlock(context.Context, *TryUnlockRequest) (*TryUnlockResponse, error) {
	return nil, unimplemented("TryUnlock")
}
func (UnimplementedCoordinatorServer) GetLock(context.Context, *GetLockRequest) (*GetLockResponse, error) {
	return nil, unimplemented("GetLock")
}
func (UnimplementedCoordinatorServer) TrySetKeyValue(context.Context, *TrySetKeyValueRequest) (*TrySetKeyValueResponse, error) {
	return nil, unimplemented("TrySetKeyValue")
}
func (UnimplementedCoordinatorServer) TryExtendKeyValue(context.Context, *TryExtendKeyValueRequest) (*TryExtendKeyValueResponse, error) {
	return nil, unimplemented("TryExtendKeyValue")
}
func (UnimplementedCoordinatorServer) TryDeleteKeyValue(context.Context, *TryDeleteKeyValueRequest) (*TryDeleteKeyValueResponse, error) {
	return nil, unimplemented("TryDeleteKeyValue")
}
func (UnimplementedCoordinatorServer) TryGetKeyValue(context.Context, *TryGetKeyValueRequest) (*TryGetKeyValueResponse, error) {
	return nil, unimplemented("TryGetKeyValue")
}
func (UnimplementedCoordinatorServer) GetStatus(context.Context, *GetStatusRequest) (*GetStatusResponse, error) {
	return nil, unimplemented("GetStatus")
}

func RegisterCoordinatorServer(s grpc.ServiceRegistrar, srv CoordinatorServer) {
	s.RegisterService(&CoordinatorServiceDesc, srv)
}

func fullMethod(name string) string {
	return "/" + ServiceName + "/" + name
}

func unary[Req, Resp any](name string, call func(CoordinatorServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(CoordinatorServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(srv.(CoordinatorServer), ctx, req.(*Req))
			})
		},
	}
}

var CoordinatorServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*CoordinatorServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("TryLock", CoordinatorServer.TryLock),
		unary("TryExtendLock", CoordinatorServer.TryExtendLock),
		unary("TryUnlock", CoordinatorServer.TryUnlock),
		unary("GetLock", CoordinatorServer.GetLock),
		unary("TrySetKeyValue", CoordinatorServer.TrySetKeyValue),
		unary("TryExtendKeyValue", CoordinatorServer.TryExtendKeyValue),
		unary("TryDeleteKeyValue", CoordinatorServer.TryDeleteKeyValue),
		unary("TryGetKeyValue", CoordinatorServer.TryGetKeyValue),
		unary("GetStatus", CoordinatorServer.GetStatus),
	},
	Metadata: "tessera/v1/coordinator",
}

type CoordinatorClient struct {
	cc grpc.ClientConnInterface
}

func NewCoordinatorClient(cc grpc.ClientConnInterface) *CoordinatorClient {
	return &CoordinatorClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, name string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, fullMethod(name), in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *CoordinatorClient) TryLock(ctx context.Context, in *TryLockRequest, opts ...grpc.CallOption) (*TryLockResponse, error) {
	return invoke[TryLockResponse](ctx, c.cc, "TryLock", in, opts)
}

func (c *CoordinatorClient) TryExtendLock(ctx context.Context, in *TryExtendLockRequest, opts ...grpc.CallOption) (*TryExtendLockResponse, error) {
	return invoke[TryExtendLockResponse](ctx, c.cc, "TryExtendLock", in, opts)
}

func (c *CoordinatorClient) TryUnlock(ctx context.Context, in *TryUnlockRequest, opts ...grpc.CallOption) (*TryUnlockResponse, error) {
	return invoke[TryUnlockResponse](ctx, c.cc, "TryUnlock", in, opts)
}

func (c *CoordinatorClient) GetLock(ctx context.Context, in *GetLockRequest, opts ...grpc.CallOption) (*GetLockResponse, error) {
	return invoke[GetLockResponse](ctx, c.cc, "GetLock", in, opts)
}

func (c *CoordinatorClient) TrySetKeyValue(ctx context.Context, in *TrySetKeyValueRequest, opts ...grpc.CallOption) (*TrySetKeyValueResponse, error) {
	return invoke[TrySetKeyValueResponse](ctx, c.cc, "TrySetKeyValue", in, opts)
}

func (c *CoordinatorClient) TryExtendKeyValue(ctx context.Context, in *TryExtendKeyValueRequest, opts ...grpc.CallOption) (*TryExtendKeyValueResponse, error) {
	return invoke[TryExtendKeyValueResponse](ctx, c.cc, "TryExtendKeyValue", in, opts)
}

func (c *CoordinatorClient) TryDeleteKeyValue(ctx context.Context, in *TryDeleteKeyValueRequest, opts ...grpc.CallOption) (*TryDeleteKeyValueResponse, error) {
	return invoke[TryDeleteKeyValueResponse](ctx, c.cc, "TryDeleteKeyValue", in, opts)
}

func (c *CoordinatorClient) TryGetKeyValue(ctx context.Context, in *TryGetKeyValueRequest, opts ...grpc.CallOption) (*TryGetKeyValueResponse, error) {
	return invoke[TryGetKeyValueResponse](ctx, c.cc, "TryGetKeyValue", in, opts)
}

func (c *CoordinatorClient) GetStatus(ctx context.Context, in *GetStatusRequest, opts ...grpc.CallOption) (*GetStatusResponse, error) {
	return invoke[GetStatusResponse](ctx, c.cc, "GetStatus", in, opts)
}
