package dnrpc

import (
	"context"

	"google.golang.org/grpc"
)

// Server is implemented by pkg/datanode; it is the receiver behind every
// handler registered in ServiceDesc.
type Server interface {
	StoreBlock(ctx context.Context, req *StoreBlockRequest) (*StoreBlockResponse, error)
	RetrieveBlock(ctx context.Context, req *RetrieveBlockRequest) (*RetrieveBlockResponse, error)
	ReplicateBlock(ctx context.Context, req *ReplicateBlockRequest) (*ReplicateBlockResponse, error)
	TransferBlock(ctx context.Context, req *TransferBlockRequest) (*TransferBlockResponse, error)
	CheckBlock(ctx context.Context, req *CheckBlockRequest) (*CheckBlockResponse, error)
	DeleteBlock(ctx context.Context, req *DeleteBlockRequest) (*DeleteBlockResponse, error)
}

const serviceName = "dfs.datanode.DataNode"

func storeBlockHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StoreBlockRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).StoreBlock(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/StoreBlock"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).StoreBlock(ctx, req.(*StoreBlockRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func retrieveBlockHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(RetrieveBlockRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).RetrieveBlock(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/RetrieveBlock"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).RetrieveBlock(ctx, req.(*RetrieveBlockRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func replicateBlockHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(ReplicateBlockRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).ReplicateBlock(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/ReplicateBlock"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).ReplicateBlock(ctx, req.(*ReplicateBlockRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func transferBlockHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(TransferBlockRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).TransferBlock(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/TransferBlock"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).TransferBlock(ctx, req.(*TransferBlockRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func checkBlockHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(CheckBlockRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).CheckBlock(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/CheckBlock"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).CheckBlock(ctx, req.(*CheckBlockRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func deleteBlockHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DeleteBlockRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(Server).DeleteBlock(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: serviceName + "/DeleteBlock"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(Server).DeleteBlock(ctx, req.(*DeleteBlockRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// ServiceDesc is handed to grpc.Server.RegisterService in place of the
// protoc-generated descriptor, the way pkg/harpc registers the metadata
// peer service.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*Server)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StoreBlock", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			return storeBlockHandler(srv, ctx, dec, interceptor)
		}},
		{MethodName: "RetrieveBlock", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			return retrieveBlockHandler(srv, ctx, dec, interceptor)
		}},
		{MethodName: "ReplicateBlock", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			return replicateBlockHandler(srv, ctx, dec, interceptor)
		}},
		{MethodName: "TransferBlock", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			return transferBlockHandler(srv, ctx, dec, interceptor)
		}},
		{MethodName: "CheckBlock", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			return checkBlockHandler(srv, ctx, dec, interceptor)
		}},
		{MethodName: "DeleteBlock", Handler: func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
			return deleteBlockHandler(srv, ctx, dec, interceptor)
		}},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dnrpc.proto",
}

// RegisterServer wires an implementation into a grpc.Server.
func RegisterServer(s *grpc.Server, srv Server) {
	s.RegisterService(&ServiceDesc, srv)
}
