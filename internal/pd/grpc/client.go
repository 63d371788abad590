package pdgrpc

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/Shylock-Hg/tikv/pkg/api"
)

// Client is the store side of the placement service. It satisfies the
// raftstore PlacementDriver contract.
type Client struct {
	conn   *grpc.ClientConn
	client api.PDClient
}

func NewClient(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts, grpc.WithTransportCredentials(insecure.NewCredentials()))
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, client: api.NewPDClient(conn)}, nil
}

func (c *Client) RegionHeartbeat(ctx context.Context, req *api.RegionHeartbeatRequest) (*api.RegionHeartbeatResponse, error) {
	return c.client.RegionHeartbeat(ctx, req)
}

func (c *Client) StoreHeartbeat(ctx context.Context, req *api.StoreHeartbeatRequest) (*api.StoreHeartbeatResponse, error) {
	return c.client.StoreHeartbeat(ctx, req)
}

// AllocIDs reserves count ids and returns the first.
func (c *Client) AllocIDs(ctx context.Context, count uint64) (uint64, error) {
	resp, err := c.client.AllocID(ctx, &api.AllocIDRequest{Count: count})
	if err != nil {
		return 0, err
	}
	return resp.Base, nil
}

// GetRegion resolves the region covering key.
func (c *Client) GetRegion(ctx context.Context, key []byte) (*api.Region, error) {
	resp, err := c.client.GetRegion(ctx, &api.GetRegionRequest{Key: key})
	if err != nil {
		return nil, err
	}
	return resp.Region, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
