package harpc

import (
	"context"

	"google.golang.org/grpc"
)

type Client struct {
	cc *grpc.ClientConn
}

func NewClient(cc *grpc.ClientConn) *Client {
	return &Client{cc: cc}
}

func fullMethod(name string) string {
	return "/" + serviceName + "/" + name
}

func (c *Client) RequestVote(ctx context.Context, req *RequestVoteRequest) (*RequestVoteResponse, error) {
	out := new(RequestVoteResponse)
	if err := c.cc.Invoke(ctx, fullMethod("RequestVote"), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) Heartbeat(ctx context.Context, req *HeartbeatRequest) (*HeartbeatResponse, error) {
	out := new(HeartbeatResponse)
	if err := c.cc.Invoke(ctx, fullMethod("Heartbeat"), req, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) SyncMetadata(ctx context.Context, req *SyncMetadataRequest) (*SyncMetadataResponse, error) {
	out := new(SyncMetadataResponse)
	if err := c.cc.Invoke(ctx, fullMethod("SyncMetadata"), req, out); err != nil {
		return nil, err
	}
	return out, nil
}
