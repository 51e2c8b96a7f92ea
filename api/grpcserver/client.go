package grpcserver

import (
	"context"

	"github.com/cockroachdb/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is a typed client for market.v1.Broker.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects without transport security; pass options to override.
func Dial(target string, opts ...grpc.DialOption) (*Client, error) {
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", target)
	}
	return &Client{conn: conn}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func invoke[Resp any](ctx context.Context, c *Client, method string, req any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append(opts, grpc.CallContentSubtype(codecName))
	if err := c.conn.Invoke(ctx, "/"+serviceName+"/"+method, req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SubmitOrder(ctx context.Context, req *SubmitOrderRequest, opts ...grpc.CallOption) (*SubmitOrderResponse, error) {
	return invoke[SubmitOrderResponse](ctx, c, "SubmitOrder", req, opts)
}

func (c *Client) CancelOrder(ctx context.Context, req *CancelOrderRequest, opts ...grpc.CallOption) (*CancelOrderResponse, error) {
	return invoke[CancelOrderResponse](ctx, c, "CancelOrder", req, opts)
}

func (c *Client) GetOrder(ctx context.Context, req *GetOrderRequest, opts ...grpc.CallOption) (*GetOrderResponse, error) {
	return invoke[GetOrderResponse](ctx, c, "GetOrder", req, opts)
}

func (c *Client) QueryBook(ctx context.Context, req *QueryBookRequest, opts ...grpc.CallOption) (*QueryBookResponse, error) {
	return invoke[QueryBookResponse](ctx, c, "QueryBook", req, opts)
}

func (c *Client) CurrentSequence(ctx context.Context, opts ...grpc.CallOption) (*CurrentSequenceResponse, error) {
	return invoke[CurrentSequenceResponse](ctx, c, "CurrentSequence", &CurrentSequenceRequest{}, opts)
}
