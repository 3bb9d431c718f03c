package grpcserver

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

type queryMethod func(QueryServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

var queryDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*QueryServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("Status", QueryServer.Status),
		unary("Depth", QueryServer.Depth),
		unary("Candles", QueryServer.Candles),
		unary("Account", QueryServer.Account),
		unary("Balance", QueryServer.Balance),
		unary("Withdrawals", QueryServer.Withdrawals),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "matchcore/query",
}

// FullMethod returns the path a client passes to Invoke.
func FullMethod(method string) string {
	return "/" + ServiceName + "/" + method
}

func unary(name string, call queryMethod) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(
			srv interface{},
			ctx context.Context,
			dec func(interface{}) error,
			interceptor grpc.UnaryServerInterceptor,
		) (interface{}, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(QueryServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			handler := func(ctx context.Context, req interface{}) (interface{}, error) {
				return call(srv.(QueryServer), ctx, req.(*structpb.Struct))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}
