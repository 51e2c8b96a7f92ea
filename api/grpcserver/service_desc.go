package grpcserver

import (
	"context"

	"google.golang.org/grpc"
)

const serviceName = "market.v1.Broker"

// BrokerServer is the client API.
type BrokerServer interface {
	SubmitOrder(context.Context, *SubmitOrderRequest) (*SubmitOrderResponse, error)
	CancelOrder(context.Context, *CancelOrderRequest) (*CancelOrderResponse, error)
	GetOrder(context.Context, *GetOrderRequest) (*GetOrderResponse, error)
	QueryBook(context.Context, *QueryBookRequest) (*QueryBookResponse, error)
	CurrentSequence(context.Context, *CurrentSequenceRequest) (*CurrentSequenceResponse, error)
}

func RegisterBrokerServer(s grpc.ServiceRegistrar, srv BrokerServer) {
	s.RegisterService(&BrokerServiceDesc, srv)
}

// unary builds a method handler for one request type.
func unary[Req any, Resp any](method string, call func(BrokerServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	full := "/" + serviceName + "/" + method
	return grpc.MethodDesc{
		MethodName: method,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(BrokerServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: full}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(BrokerServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var BrokerServiceDesc = grpc.ServiceDesc{
	ServiceName: serviceName,
	HandlerType: (*BrokerServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("SubmitOrder", BrokerServer.SubmitOrder),
		unary("CancelOrder", BrokerServer.CancelOrder),
		unary("GetOrder", BrokerServer.GetOrder),
		unary("QueryBook", BrokerServer.QueryBook),
		unary("CurrentSequence", BrokerServer.CurrentSequence),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "market/v1/broker",
}
