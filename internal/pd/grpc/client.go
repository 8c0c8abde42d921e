package pdgrpc

import (
	"context"
	"time"

	"nyxkv/internal/pd"
	"nyxkv/pkg/api"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

const heartbeatTimeout = 2 * time.Second

// Client implements pd.Heartbeater over gRPC.
type Client struct {
	conn   *grpc.ClientConn
	client *api.PDClient
}

var _ pd.Heartbeater = (*Client)(nil)

// NewClient connects to target. Without options it dials plaintext.
func NewClient(target string, opts ...grpc.DialOption) (*Client, error) {
	if len(opts) == 0 {
		opts = append(opts,
			grpc.WithTransportCredentials(insecure.NewCredentials()),
			grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
		)
	}
	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, client: api.NewPDClient(conn)}, nil
}

func (c *Client) HandleHeartbeat(ctx context.Context, hb pd.StoreHeartbeat) (pd.StoreHeartbeatResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, heartbeatTimeout)
	defer cancel()
	_, err := c.client.StoreHeartbeat(ctx, &api.StoreHeartbeatRequest{Heartbeat: pd.StoreHeartbeatToAPI(hb)})
	return pd.StoreHeartbeatResponse{}, err
}

// Stores lists every store known to PD.
func (c *Client) Stores(ctx context.Context) ([]pd.StoreHeartbeat, error) {
	resp, err := c.client.ListStores(ctx, &api.ListStoresRequest{})
	if err != nil {
		return nil, err
	}
	out := make([]pd.StoreHeartbeat, 0, len(resp.Stores))
	for _, st := range resp.Stores {
		hb, err := pd.APIToStoreHeartbeat(st)
		if err != nil {
			return nil, err
		}
		out = append(out, hb)
	}
	return out, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
