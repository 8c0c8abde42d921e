package grpcserver

import (
	"context"

	"nyxkv/internal/region"
	"nyxkv/internal/regionctl"
	"nyxkv/pkg/api"

	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// RegionController is the part of regionctl.Controller the services use.
type RegionController interface {
	Submit(ctx context.Context, cmds []*regionctl.RegionCommand) ([]regionctl.Result, error)
	NewCommandID() uint64
	Ledger() *regionctl.Ledger
	Executors() []regionctl.ExecutorInfo
}

// RegionLister lists the regions known to the store.
type RegionLister interface {
	Regions() []region.Region
}

// RegionService serves coordinator pushes, local store shortcuts and debug
// queries over the region controller.
type RegionService struct {
	ctl     RegionController
	regions RegionLister
	logger  *zap.Logger
}

var (
	_ api.RegionControlServer = (*RegionService)(nil)
	_ api.StoreServer         = (*RegionService)(nil)
	_ api.DebugServer         = (*RegionService)(nil)
)

func NewRegionService(ctl RegionController, regions RegionLister, logger *zap.Logger) *RegionService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RegionService{ctl: ctl, regions: regions, logger: logger.Named("region-service")}
}

// PushRegionCmds accepts a coordinator batch. Each command is prevalidated
// and dispatched on its own; results keep the request order.
func (s *RegionService) PushRegionCmds(ctx context.Context, req *api.PushRegionCmdsRequest) (*api.PushRegionCmdsResponse, error) {
	resp := &api.PushRegionCmdsResponse{Results: make([]*api.RegionCmdResult, 0, len(req.Commands))}
	for _, in := range req.Commands {
		res := &api.RegionCmdResult{}
		if in != nil {
			res.CommandID = in.ID
			res.Type = in.Type
		}
		cmd, err := commandFromAPI(in)
		if err == nil {
			_, err = s.ctl.Submit(ctx, []*regionctl.RegionCommand{cmd})
		}
		res.Error = errorToAPI(err)
		resp.Results = append(resp.Results, res)
	}
	if len(resp.Results) > 0 {
		resp.Error = resp.Results[0].Error
	}
	s.logger.Debug("region commands pushed", zap.Int("count", len(req.Commands)))
	return resp, nil
}

func (s *RegionService) submitLocal(ctx context.Context, id region.ID, payload regionctl.Payload) *api.StoreResponse {
	cmd := regionctl.NewCommand(s.ctl.NewCommandID(), id, payload, false)
	_, err := s.ctl.Submit(ctx, []*regionctl.RegionCommand{cmd})
	if err != nil {
		s.logger.Info("local region command rejected", zap.Stringer("command", cmd), zap.Error(err))
	}
	return &api.StoreResponse{CommandID: cmd.ID, Error: errorToAPI(err)}
}

func (s *RegionService) AddRegion(ctx context.Context, req *api.AddRegionRequest) (*api.StoreResponse, error) {
	if req.Definition == nil {
		return &api.StoreResponse{Error: errorToAPI(invalid("region definition is missing"))}, nil
	}
	def := definitionFromAPI(req.Definition)
	return s.submitLocal(ctx, def.ID, &regionctl.CreateRequest{Definition: def}), nil
}

func (s *RegionService) ChangeRegion(ctx context.Context, req *api.ChangeRegionRequest) (*api.StoreResponse, error) {
	if req.Definition == nil {
		return &api.StoreResponse{Error: errorToAPI(invalid("region definition is missing"))}, nil
	}
	def := definitionFromAPI(req.Definition)
	return s.submitLocal(ctx, def.ID, &regionctl.ChangePeerRequest{Definition: def}), nil
}

func (s *RegionService) DestroyRegion(ctx context.Context, req *api.DestroyRegionRequest) (*api.StoreResponse, error) {
	id := region.ID(req.RegionID)
	return s.submitLocal(ctx, id, &regionctl.DeleteRequest{RegionID: id}), nil
}

func (s *RegionService) Snapshot(ctx context.Context, req *api.SnapshotRequest) (*api.StoreResponse, error) {
	id := region.ID(req.RegionID)
	return s.submitLocal(ctx, id, &regionctl.SnapshotRequest{RegionID: id}), nil
}

func (s *RegionService) TransferLeader(ctx context.Context, req *api.TransferLeaderRequest) (*api.StoreResponse, error) {
	if req.Peer == nil {
		return &api.StoreResponse{Error: errorToAPI(invalid("target peer is missing"))}, nil
	}
	return s.submitLocal(ctx, region.ID(req.RegionID), &regionctl.TransferLeaderRequest{Peer: peerFromAPI(*req.Peer)}), nil
}

func (s *RegionService) ListRegionCmds(_ context.Context, req *api.ListRegionCmdsRequest) (*api.ListRegionCmdsResponse, error) {
	filter := regionctl.Filter{RegionID: region.ID(req.RegionID)}
	if req.Status != "" {
		st, ok := parseStatus(req.Status)
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "unknown command status %q", req.Status)
		}
		filter.Status = &st
	}
	cmds := s.ctl.Ledger().List(filter)
	resp := &api.ListRegionCmdsResponse{Commands: make([]*api.RegionCmdInfo, 0, len(cmds))}
	for _, cmd := range cmds {
		resp.Commands = append(resp.Commands, commandInfo(cmd))
	}
	return resp, nil
}

func (s *RegionService) ListExecutors(context.Context, *api.ListExecutorsRequest) (*api.ListExecutorsResponse, error) {
	execs := s.ctl.Executors()
	resp := &api.ListExecutorsResponse{Executors: make([]*api.ExecutorInfo, 0, len(execs))}
	for _, e := range execs {
		resp.Executors = append(resp.Executors, &api.ExecutorInfo{RegionID: uint64(e.RegionID), Pending: e.Pending})
	}
	return resp, nil
}

func (s *RegionService) ListRegions(context.Context, *api.ListRegionsRequest) (*api.ListRegionsResponse, error) {
	if s.regions == nil {
		return &api.ListRegionsResponse{}, nil
	}
	regions := s.regions.Regions()
	resp := &api.ListRegionsResponse{Regions: make([]*api.RegionInfo, 0, len(regions))}
	for _, r := range regions {
		resp.Regions = append(resp.Regions, regionInfo(r))
	}
	return resp, nil
}

func parseStatus(name string) (regionctl.CommandStatus, bool) {
	for _, st := range []regionctl.CommandStatus{regionctl.StatusNone, regionctl.StatusDone, regionctl.StatusFail} {
		if st.String() == name {
			return st, true
		}
	}
	return 0, false
}
