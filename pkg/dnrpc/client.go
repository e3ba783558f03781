package dnrpc

import (
	"context"

	"google.golang.org/grpc"
)

// Client is a thin typed wrapper over a grpc.ClientConn, calling through
// ClientConn.Invoke the way a protoc-generated client would, but against
// the hand-written ServiceDesc in service.go.
type Client struct {
	cc *grpc.ClientConn
}

func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc}
}

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

func (c *Client) StoreBlock(ctx context.Context, req *StoreBlockRequest) (*StoreBlockResponse, error) {
	out := new(StoreBlockResponse)
	if err := c.cc.Invoke(ctx, fullMethod("StoreBlock"), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) RetrieveBlock(ctx context.Context, req *RetrieveBlockRequest) (*RetrieveBlockResponse, error) {
	out := new(RetrieveBlockResponse)
	if err := c.cc.Invoke(ctx, fullMethod("RetrieveBlock"), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) ReplicateBlock(ctx context.Context, req *ReplicateBlockRequest) (*ReplicateBlockResponse, error) {
	out := new(ReplicateBlockResponse)
	if err := c.cc.Invoke(ctx, fullMethod("ReplicateBlock"), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) TransferBlock(ctx context.Context, req *TransferBlockRequest) (*TransferBlockResponse, error) {
	out := new(TransferBlockResponse)
	if err := c.cc.Invoke(ctx, fullMethod("TransferBlock"), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) CheckBlock(ctx context.Context, req *CheckBlockRequest) (*CheckBlockResponse, error) {
	out := new(CheckBlockResponse)
	if err := c.cc.Invoke(ctx, fullMethod("CheckBlock"), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) DeleteBlock(ctx context.Context, req *DeleteBlockRequest) (*DeleteBlockResponse, error) {
	out := new(DeleteBlockResponse)
	if err := c.cc.Invoke(ctx, fullMethod("DeleteBlock"), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Dial opens a grpc.ClientConn to addr using the rpcjson codec's
// content-subtype implicitly (grpc negotiates "proto" by default). It
// adds no dial options of its own: transport credentials come from opts.
func Dial(ctx context.Context, addr string, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	return grpc.DialContext(ctx, addr, opts...)
}
