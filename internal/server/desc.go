package server

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/structpb"
)

// ServiceName is the fully qualified gRPC service name.
const ServiceName = "faxrelay.v1.FaxRelay"

// FaxRelayServer is the handler set behind ServiceDesc.
type FaxRelayServer interface {
	SubmitFax(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetJobStatus(context.Context, *structpb.Struct) (*structpb.Struct, error)
	DecideJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	RetryJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CancelJob(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
	GetJobFields(context.Context, *structpb.Struct) (*structpb.Struct, error)
	SearchJobs(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ListAudit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ExportAudit(context.Context, *structpb.Struct) (*structpb.Struct, error)
	PurgeDocuments(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var _ FaxRelayServer = (*FaxRelayService)(nil)

type method func(FaxRelayServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

// unary adapts a method to grpc's handler shape, running it through the interceptor chain.
func unary(name string, m method) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return m(srv.(FaxRelayServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return m(srv.(FaxRelayServer), ctx, req.(*structpb.Struct))
			})
		},
	}
}

// ServiceDesc describes the FaxRelay service for grpc.Server.RegisterService.
var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*FaxRelayServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitFax", FaxRelayServer.SubmitFax),
		unary("GetJobStatus", FaxRelayServer.GetJobStatus),
		unary("DecideJob", FaxRelayServer.DecideJob),
		unary("RetryJob", FaxRelayServer.RetryJob),
		unary("CancelJob", FaxRelayServer.CancelJob),
		unary("ListJobs", FaxRelayServer.ListJobs),
		unary("GetJobFields", FaxRelayServer.GetJobFields),
		unary("SearchJobs", FaxRelayServer.SearchJobs),
		unary("ListAudit", FaxRelayServer.ListAudit),
		unary("ExportAudit", FaxRelayServer.ExportAudit),
		unary("PurgeDocuments", FaxRelayServer.PurgeDocuments),
	},
	Metadata: "faxrelay/v1/faxrelay.proto",
}

func RegisterFaxRelayServer(s grpc.ServiceRegistrar, srv FaxRelayServer) {
	s.RegisterService(&ServiceDesc, srv)
}

// Client calls FaxRelay methods over conn.
type Client struct {
	conn grpc.ClientConnInterface
}

func NewClient(conn grpc.ClientConnInterface) *Client {
	return &Client{conn: conn}
}

// Call invokes method (for example "SubmitFax") with req.
func (c *Client) Call(ctx context.Context, method string, req map[string]any, opts ...grpc.CallOption) (map[string]any, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out.AsMap(), nil
}
