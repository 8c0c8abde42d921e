package api

import (
	"context"

	"google.golang.org/grpc"
)

// RegionReplica describes one region replica reported by a store.
type RegionReplica struct {
	RegionID    uint64
	PeerID      uint64 `json:",omitempty"`
	StartKey    []byte `json:",omitempty"`
	EndKey      []byte `json:",omitempty"`
	Version     uint64 `json:",omitempty"`
	ConfVersion uint64 `json:",omitempty"`
	State       string
	Learner     bool   `json:",omitempty"`
	Leader      uint64 `json:",omitempty"`
}

type StoreHeartbeat struct {
	StoreID     uint64
	Address     string
	TimestampMs int64
	Regions     []*RegionReplica `json:",omitempty"`
}

type StoreHeartbeatRequest struct {
	Heartbeat *StoreHeartbeat
}

type StoreHeartbeatResponse struct{}

type ListStoresRequest struct{}

type ListStoresResponse struct {
	Stores []*StoreHeartbeat
}

type PDServer interface {
	StoreHeartbeat(context.Context, *StoreHeartbeatRequest) (*StoreHeartbeatResponse, error)
	ListStores(context.Context, *ListStoresRequest) (*ListStoresResponse, error)
}

var pdServiceDesc = grpc.ServiceDesc{
	ServiceName: "nyxkv.api.PD",
	HandlerType: (*PDServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "StoreHeartbeat", Handler: unaryHandler("/nyxkv.api.PD/StoreHeartbeat", PDServer.StoreHeartbeat)},
		{MethodName: "ListStores", Handler: unaryHandler("/nyxkv.api.PD/ListStores", PDServer.ListStores)},
	},
}

func RegisterPDServer(s grpc.ServiceRegistrar, srv PDServer) {
	s.RegisterService(&pdServiceDesc, srv)
}

// PDClient calls the PD service.
type PDClient struct {
	cc grpc.ClientConnInterface
}

func NewPDClient(cc grpc.ClientConnInterface) *PDClient {
	return &PDClient{cc: cc}
}

func (c *PDClient) StoreHeartbeat(ctx context.Context, in *StoreHeartbeatRequest, opts ...grpc.CallOption) (*StoreHeartbeatResponse, error) {
	return invoke[StoreHeartbeatResponse](ctx, c.cc, "/nyxkv.api.PD/StoreHeartbeat", in, opts)
}

func (c *PDClient) ListStores(ctx context.Context, in *ListStoresRequest, opts ...grpc.CallOption) (*ListStoresResponse, error) {
	return invoke[ListStoresResponse](ctx, c.cc, "/nyxkv.api.PD/ListStores", in, opts)
}
