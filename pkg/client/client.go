package client

import (
	"context"
	"fmt"

	"github.com/weirhq/weir/pkg/api"
	"github.com/weirhq/weir/pkg/reader"
	"github.com/weirhq/weir/pkg/storage"
)

// Client wraps the replication API for CLI and embedding use: the typed
// gRPC client plus the object storage persisted segments live in.
type Client struct {
	api     *api.Client
	storage storage.Storage
}

// New connects to a replication API server. st must point at the same
// object storage the server describes; persisted segments are downloaded
// from it directly.
func New(addr string, st storage.Storage) (*Client, error) {
	apiClient, err := api.NewClient(addr)
	if err != nil {
		return nil, err
	}
	return &Client{api: apiClient, storage: st}, nil
}

// Describe fetches the application's endpoint map
func (c *Client) Describe(ctx context.Context) (*api.DescribeApplicationResponse, error) {
	return c.api.DescribeApplication(ctx)
}

// NewReader opens a streaming reader over one endpoint's log
func (c *Client) NewReader(ctx context.Context, opts reader.Options) (*reader.LogReader, error) {
	r, err := reader.New(ctx, c.api, c.storage, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open reader for %s: %w", opts.Endpoint, err)
	}
	return r, nil
}

// Close tears down the connection
func (c *Client) Close() error {
	return c.api.Close()
}
