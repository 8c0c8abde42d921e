package api

import (
	"context"

	"google.golang.org/grpc"
)

// --- Shared region types ---

type Peer struct {
	ID      uint64
	StoreID uint64
	Learner bool   `json:",omitempty"`
	Address string `json:",omitempty"`
}

type RegionDefinition struct {
	ID          uint64
	StartKey    []byte `json:",omitempty"`
	EndKey      []byte `json:",omitempty"`
	Version     uint64 `json:",omitempty"`
	ConfVersion uint64 `json:",omitempty"`
	Peers       []Peer `json:",omitempty"`
}

// RegionCmd is a region command as pushed by the coordinator. Type is the
// command name (CREATE, DELETE, SPLIT, ...); only the fields relevant to
// that type are read.
type RegionCmd struct {
	ID       uint64
	RegionID uint64
	Type     string
	Notify   bool `json:",omitempty"`

	// CREATE and CHANGE_PEER.
	Definition *RegionDefinition `json:",omitempty"`
	// CREATE of a split child.
	SplitFromRegionID uint64 `json:",omitempty"`
	// SPLIT.
	SplitToRegionID uint64 `json:",omitempty"`
	WatershedKey    []byte `json:",omitempty"`
	// TRANSFER_LEADER.
	Peer *Peer `json:",omitempty"`
	// MERGE.
	MergeTargetRegionID uint64 `json:",omitempty"`
}

// Error carries a region command failure code and message.
type Error struct {
	Code    int32
	Name    string
	Message string `json:",omitempty"`
}

type RegionCmdResult struct {
	CommandID uint64
	Type      string
	Error     *Error `json:",omitempty"`
}

// --- RegionControl: coordinator push ---

type PushRegionCmdsRequest struct {
	Commands []*RegionCmd
}

type PushRegionCmdsResponse struct {
	Results []*RegionCmdResult
	// Error mirrors the first result's error.
	Error *Error `json:",omitempty"`
}

type RegionControlServer interface {
	PushRegionCmds(context.Context, *PushRegionCmdsRequest) (*PushRegionCmdsResponse, error)
}

var regionControlServiceDesc = grpc.ServiceDesc{
	ServiceName: "nyxkv.api.RegionControl",
	HandlerType: (*RegionControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "PushRegionCmds", Handler: unaryHandler("/nyxkv.api.RegionControl/PushRegionCmds", RegionControlServer.PushRegionCmds)},
	},
}

func RegisterRegionControlServer(s grpc.ServiceRegistrar, srv RegionControlServer) {
	s.RegisterService(&regionControlServiceDesc, srv)
}

// --- Store: locally generated commands ---

type AddRegionRequest struct {
	Definition *RegionDefinition
}

type ChangeRegionRequest struct {
	Definition *RegionDefinition
}

type DestroyRegionRequest struct {
	RegionID uint64
}

type SnapshotRequest struct {
	RegionID uint64
}

type TransferLeaderRequest struct {
	RegionID uint64
	Peer     *Peer
}

// StoreResponse reports the id assigned to the generated command.
type StoreResponse struct {
	CommandID uint64
	Error     *Error `json:",omitempty"`
}

type StoreServer interface {
	AddRegion(context.Context, *AddRegionRequest) (*StoreResponse, error)
	ChangeRegion(context.Context, *ChangeRegionRequest) (*StoreResponse, error)
	DestroyRegion(context.Context, *DestroyRegionRequest) (*StoreResponse, error)
	Snapshot(context.Context, *SnapshotRequest) (*StoreResponse, error)
	TransferLeader(context.Context, *TransferLeaderRequest) (*StoreResponse, error)
}

var storeServiceDesc = grpc.ServiceDesc{
	ServiceName: "nyxkv.api.Store",
	HandlerType: (*StoreServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "AddRegion", Handler: unaryHandler("/nyxkv.api.Store/AddRegion", StoreServer.AddRegion)},
		{MethodName: "ChangeRegion", Handler: unaryHandler("/nyxkv.api.Store/ChangeRegion", StoreServer.ChangeRegion)},
		{MethodName: "DestroyRegion", Handler: unaryHandler("/nyxkv.api.Store/DestroyRegion", StoreServer.DestroyRegion)},
		{MethodName: "Snapshot", Handler: unaryHandler("/nyxkv.api.Store/Snapshot", StoreServer.Snapshot)},
		{MethodName: "TransferLeader", Handler: unaryHandler("/nyxkv.api.Store/TransferLeader", StoreServer.TransferLeader)},
	},
}

func RegisterStoreServer(s grpc.ServiceRegistrar, srv StoreServer) {
	s.RegisterService(&storeServiceDesc, srv)
}

// --- Debug: read-only inspection ---

type ListRegionCmdsRequest struct {
	// RegionID of 0 lists every region.
	RegionID uint64 `json:",omitempty"`
	// Status filters by NONE, DONE or FAIL when set.
	Status string `json:",omitempty"`
}

type RegionCmdInfo struct {
	ID        uint64
	RegionID  uint64
	Type      string
	Status    string
	Notify    bool
	CreatedAt int64 // unix nanoseconds
}

type ListRegionCmdsResponse struct {
	Commands []*RegionCmdInfo
}

type ListExecutorsRequest struct{}

type ExecutorInfo struct {
	RegionID uint64
	Pending  int
}

type ListExecutorsResponse struct {
	Executors []*ExecutorInfo
}

type RegionInfo struct {
	ID       uint64
	StartKey []byte `json:",omitempty"`
	EndKey   []byte `json:",omitempty"`
	State    string
	Leader   uint64 `json:",omitempty"`
}

type ListRegionsRequest struct{}

type ListRegionsResponse struct {
	Regions []*RegionInfo
}

type DebugServer interface {
	ListRegionCmds(context.Context, *ListRegionCmdsRequest) (*ListRegionCmdsResponse, error)
	ListExecutors(context.Context, *ListExecutorsRequest) (*ListExecutorsResponse, error)
	ListRegions(context.Context, *ListRegionsRequest) (*ListRegionsResponse, error)
}

var debugServiceDesc = grpc.ServiceDesc{
	ServiceName: "nyxkv.api.Debug",
	HandlerType: (*DebugServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListRegionCmds", Handler: unaryHandler("/nyxkv.api.Debug/ListRegionCmds", DebugServer.ListRegionCmds)},
		{MethodName: "ListExecutors", Handler: unaryHandler("/nyxkv.api.Debug/ListExecutors", DebugServer.ListExecutors)},
		{MethodName: "ListRegions", Handler: unaryHandler("/nyxkv.api.Debug/ListRegions", DebugServer.ListRegions)},
	},
}

func RegisterDebugServer(s grpc.ServiceRegistrar, srv DebugServer) {
	s.RegisterService(&debugServiceDesc, srv)
}

// unaryHandler adapts a typed service method to grpc.MethodHandler.
func unaryHandler[S any, Req any, Resp any](fullMethod string, call func(S, context.Context, *Req) (*Resp, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(S), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(srv.(S), ctx, req.(*Req))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// --- Client ---

// Client calls the RegionControl, Store and Debug services over one connection.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps cc. Calls select the JSON codec themselves.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts []grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	if err := cc.Invoke(ctx, method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) PushRegionCmds(ctx context.Context, in *PushRegionCmdsRequest, opts ...grpc.CallOption) (*PushRegionCmdsResponse, error) {
	return invoke[PushRegionCmdsResponse](ctx, c.cc, "/nyxkv.api.RegionControl/PushRegionCmds", in, opts)
}

func (c *Client) AddRegion(ctx context.Context, in *AddRegionRequest, opts ...grpc.CallOption) (*StoreResponse, error) {
	return invoke[StoreResponse](ctx, c.cc, "/nyxkv.api.Store/AddRegion", in, opts)
}

func (c *Client) ChangeRegion(ctx context.Context, in *ChangeRegionRequest, opts ...grpc.CallOption) (*StoreResponse, error) {
	return invoke[StoreResponse](ctx, c.cc, "/nyxkv.api.Store/ChangeRegion", in, opts)
}

func (c *Client) DestroyRegion(ctx context.Context, in *DestroyRegionRequest, opts ...grpc.CallOption) (*StoreResponse, error) {
	return invoke[StoreResponse](ctx, c.cc, "/nyxkv.api.Store/DestroyRegion", in, opts)
}

func (c *Client) Snapshot(ctx context.Context, in *SnapshotRequest, opts ...grpc.CallOption) (*StoreResponse, error) {
	return invoke[StoreResponse](ctx, c.cc, "/nyxkv.api.Store/Snapshot", in, opts)
}

func (c *Client) TransferLeader(ctx context.Context, in *TransferLeaderRequest, opts ...grpc.CallOption) (*StoreResponse, error) {
	return invoke[StoreResponse](ctx, c.cc, "/nyxkv.api.Store/TransferLeader", in, opts)
}

func (c *Client) ListRegionCmds(ctx context.Context, in *ListRegionCmdsRequest, opts ...grpc.CallOption) (*ListRegionCmdsResponse, error) {
	return invoke[ListRegionCmdsResponse](ctx, c.cc, "/nyxkv.api.Debug/ListRegionCmds", in, opts)
}

func (c *Client) ListExecutors(ctx context.Context, in *ListExecutorsRequest, opts ...grpc.CallOption) (*ListExecutorsResponse, error) {
	return invoke[ListExecutorsResponse](ctx, c.cc, "/nyxkv.api.Debug/ListExecutors", in, opts)
}

func (c *Client) ListRegions(ctx context.Context, in *ListRegionsRequest, opts ...grpc.CallOption) (*ListRegionsResponse, error) {
	return invoke[ListRegionsResponse](ctx, c.cc, "/nyxkv.api.Debug/ListRegions", in, opts)
}
