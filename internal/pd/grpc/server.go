package pdgrpc

import (
	"context"

	"nyxkv/internal/pd"
	"nyxkv/pkg/api"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Server adapts pd.Service to the PD gRPC API.
type Server struct {
	service *pd.Service
}

var _ api.PDServer = (*Server)(nil)

func NewServer(service *pd.Service) *Server {
	return &Server{service: service}
}

func (s *Server) StoreHeartbeat(ctx context.Context, req *api.StoreHeartbeatRequest) (*api.StoreHeartbeatResponse, error) {
	hb, err := pd.APIToStoreHeartbeat(req.Heartbeat)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	if _, err := s.service.HandleHeartbeat(ctx, hb); err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	return &api.StoreHeartbeatResponse{}, nil
}

func (s *Server) ListStores(context.Context, *api.ListStoresRequest) (*api.ListStoresResponse, error) {
	stores := s.service.Stores()
	resp := &api.ListStoresResponse{Stores: make([]*api.StoreHeartbeat, 0, len(stores))}
	for _, st := range stores {
		resp.Stores = append(resp.Stores, pd.StoreHeartbeatToAPI(st))
	}
	return resp, nil
}

func Register(server grpc.ServiceRegistrar, service *pd.Service) {
	api.RegisterPDServer(server, NewServer(service))
}
