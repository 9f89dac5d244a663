package api

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// Client is the typed client of the replication service
type Client struct {
	conn *grpc.ClientConn
}

// NewClient connects to a replication API server. The service boundary
// carries no authentication by design; deployments front it with their
// own transport security.
func NewClient(addr string) (*Client, error) {
	conn, err := grpc.NewClient(addr,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(Codec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// DescribeApplication fetches the endpoint map
func (c *Client) DescribeApplication(ctx context.Context) (*DescribeApplicationResponse, error) {
	out := new(DescribeApplicationResponse)
	err := c.conn.Invoke(ctx, "/"+ServiceName+"/DescribeApplication", &DescribeApplicationRequest{}, out)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// GetLog reads a range of one endpoint's log
func (c *Client) GetLog(ctx context.Context, req *GetLogRequest) (*GetLogResponse, error) {
	out := new(GetLogResponse)
	if err := c.conn.Invoke(ctx, "/"+ServiceName+"/GetLog", req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Close tears down the connection
func (c *Client) Close() error {
	return c.conn.Close()
}
