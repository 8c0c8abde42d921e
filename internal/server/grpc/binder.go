package grpcserver

import (
	"nyxkv/internal/raftstore"
	"nyxkv/pkg/api"

	"google.golang.org/grpc"
)

// DefaultBinder registers the region services and, when the store runs
// raft groups, the raft transport.
type DefaultBinder struct {
	Regions *RegionService
	Raft    *raftstore.TransportServer
}

func (b DefaultBinder) Register(s grpc.ServiceRegistrar) {
	if b.Regions != nil {
		api.RegisterRegionControlServer(s, b.Regions)
		api.RegisterStoreServer(s, b.Regions)
		api.RegisterDebugServer(s, b.Regions)
	}
	if b.Raft != nil {
		api.RegisterRaftTransportServer(s, b.Raft)
	}
}
