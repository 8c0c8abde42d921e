package pdgrpc

import (
	"context"
	"net"
	"testing"
	"time"

	"nyxkv/internal/pd"
	"nyxkv/internal/region"

	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/test/bufconn"
)

func TestClientServerHeartbeat(t *testing.T) {
	svc := pd.NewService(nil)
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	Register(srv, svc)
	go func() { _ = srv.Serve(lis) }()
	defer srv.Stop()

	client, err := NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)
	defer client.Close()

	hb := pd.StoreHeartbeat{
		StoreID:   7,
		Address:   "10.0.0.7:20160",
		Timestamp: time.Now(),
		Regions: []pd.RegionHeartbeat{{
			Region:  region.Region{ID: 3, State: region.StateStandby},
			StoreID: 7,
		}},
	}
	_, err = client.HandleHeartbeat(context.Background(), hb)
	require.NoError(t, err)

	stored, ok := svc.Store(7)
	require.True(t, ok)
	require.Equal(t, region.StateStandby, stored.Regions[0].Region.State)

	stores, err := client.Stores(context.Background())
	require.NoError(t, err)
	require.Len(t, stores, 1)
	require.Equal(t, "10.0.0.7:20160", stores[0].Address)

	_, err = client.HandleHeartbeat(context.Background(), pd.StoreHeartbeat{})
	require.Error(t, err)
}
