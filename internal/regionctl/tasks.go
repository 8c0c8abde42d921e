package regionctl

import (
	"context"
	"net"

	"nyxkv/internal/engine"
	"nyxkv/internal/region"

	"go.uber.org/zap"
)

// task is the executable form of one RegionCommand. PreValidate runs at
// submission time; Validate runs again on the executor right before Run
// because earlier tasks of the same region may have changed its state.
type task interface {
	PreValidate() error
	Validate() error
	Run(ctx context.Context) error
}

// buildTask maps a command payload to its task.
func (c *Controller) buildTask(cmd *RegionCommand) (task, error) {
	switch p := cmd.Payload.(type) {
	case *CreateRequest:
		return &createTask{ctl: c, cmd: cmd, req: p}, nil
	case *DeleteRequest:
		return &deleteTask{ctl: c, cmd: cmd, id: cmd.RegionID}, nil
	case *SplitRequest:
		return &splitTask{ctl: c, cmd: cmd, req: p}, nil
	case *ChangePeerRequest:
		return &changePeerTask{ctl: c, cmd: cmd, req: p}, nil
	case *TransferLeaderRequest:
		return &transferLeaderTask{ctl: c, cmd: cmd, req: p}, nil
	case *SnapshotRequest:
		return &snapshotTask{ctl: c, cmd: cmd, id: cmd.RegionID}, nil
	case *PurgeRequest:
		return &purgeTask{ctl: c, cmd: cmd, id: cmd.RegionID}, nil
	case *StopRequest:
		return &stopTask{ctl: c, cmd: cmd, id: cmd.RegionID}, nil
	case *DestroyExecutorRequest:
		return &destroyExecutorTask{ctl: c, cmd: cmd, id: cmd.RegionID}, nil
	default:
		return nil, newError(CodeUnsupportedCommand, "command type %s is not supported", cmd.Type)
	}
}

func (c *Controller) region(id region.ID) (*region.Region, error) {
	r, ok := c.deps.Registry.GetRegion(id)
	if !ok {
		return nil, newError(CodeRegionNotFound, "region %d not found", id)
	}
	return r, nil
}

// checkLeader verifies the local node leads the region's group. Engines
// without replication always pass.
func (c *Controller) checkLeader(id region.ID) error {
	rp, ok := c.replication()
	if !ok {
		return nil
	}
	node, ok := rp.GetNode(id)
	if !ok {
		return newError(CodeRaftNodeNotFound, "raft node of region %d not found", id)
	}
	if !node.IsLeader() {
		return newError(CodeNotLeader, "region %d is led by %d", id, node.LeaderID())
	}
	return nil
}

func (c *Controller) setState(id region.ID, state region.State) error {
	if err := c.deps.Registry.UpdateState(id, state); err != nil {
		return newError(CodeInternal, "set region %d to %s: %v", id, state, err)
	}
	c.deps.Metrics.SetRegionState(id, state)
	return nil
}

type createTask struct {
	ctl *Controller
	cmd *RegionCommand
	req *CreateRequest
}

func (t *createTask) PreValidate() error { return t.Validate() }

func (t *createTask) Validate() error {
	def := t.req.Definition
	if def.ID == 0 {
		return newError(CodeInvalidParameters, "region definition has no id")
	}
	if def.ID != t.cmd.RegionID {
		return newError(CodeInvalidParameters, "definition id %d does not match region %d", def.ID, t.cmd.RegionID)
	}
	if r, ok := t.ctl.deps.Registry.GetRegion(def.ID); ok && r.State != region.StateNew {
		return newError(CodeRegionExists, "region %d already exists in state %s", def.ID, r.State)
	}
	return nil
}

func (t *createTask) Run(ctx context.Context) error {
	if err := t.Validate(); err != nil {
		return err
	}
	c := t.ctl
	def := t.req.Definition
	r, ok := c.deps.Registry.GetRegion(def.ID)
	if !ok {
		r = region.FromDefinition(def)
		if err := c.deps.Registry.AddRegion(r); err != nil {
			return newError(CodeInternal, "add region %d: %v", def.ID, err)
		}
	}
	c.deps.Metrics.AddRegion(r.ID, region.StateNew)

	if rp, ok := c.replication(); ok {
		if err := rp.AddGroup(ctx, *r); err != nil {
			return newError(CodeInternal, "add raft group for region %d: %v", r.ID, err)
		}
	}

	next := region.StateNormal
	if t.req.SplitFromRegionID != 0 {
		next = region.StateStandby
	}
	if err := c.setState(r.ID, next); err != nil {
		return err
	}
	c.logger.Info("region created", zap.Uint64("region", uint64(r.ID)),
		zap.Stringer("range", r.Range), zap.Stringer("state", next))
	return nil
}

type deleteTask struct {
	ctl *Controller
	cmd *RegionCommand
	id  region.ID
}

func (t *deleteTask) PreValidate() error { return t.Validate() }

func (t *deleteTask) Validate() error {
	r, err := t.ctl.region(t.id)
	if err != nil {
		return err
	}
	switch r.State {
	case region.StateDeleting, region.StateDeleted:
		return newError(CodeRegionDeleting, "region %d is %s", t.id, r.State)
	case region.StateSplitting, region.StateMerging:
		return newError(CodeRegionStateInvalid, "region %d is %s", t.id, r.State)
	}
	return nil
}

func (t *deleteTask) Run(ctx context.Context) error {
	if err := t.Validate(); err != nil {
		return err
	}
	c := t.ctl
	r, err := c.region(t.id)
	if err != nil {
		return err
	}
	if err := c.setState(t.id, region.StateDeleting); err != nil {
		return err
	}
	if err := c.deps.Engine.DeleteRange(ctx, r.Range); err != nil {
		return newError(CodeEngineError, "delete data of region %d: %v", t.id, err)
	}
	if rp, ok := c.replication(); ok {
		if err := rp.DestroyGroup(ctx, t.id); err != nil {
			c.logger.Error("destroy raft group failed", zap.Uint64("region", uint64(t.id)), zap.Error(err))
		}
	}
	if err := c.setState(t.id, region.StateDeleted); err != nil {
		return err
	}
	c.deps.Metrics.DeleteRegion(t.id)

	destroy := NewCommand(c.NewCommandID(), t.id, &DestroyExecutorRequest{RegionID: t.id}, false)
	if err := c.Dispatch(ctx, destroy); err != nil {
		c.logger.Error("dispatch destroy executor failed", zap.Uint64("region", uint64(t.id)), zap.Error(err))
	}

	if err := c.deps.Registry.DeleteRegion(t.id); err != nil {
		return newError(CodeInternal, "remove region %d: %v", t.id, err)
	}
	c.logger.Info("region deleted", zap.Uint64("region", uint64(t.id)))
	return nil
}

type splitTask struct {
	ctl *Controller
	cmd *RegionCommand
	req *SplitRequest
}

func (t *splitTask) PreValidate() error { return t.Validate() }

func (t *splitTask) Validate() error {
	c := t.ctl
	parent, err := c.region(t.req.FromRegionID)
	if err != nil {
		return err
	}
	if _, err := c.region(t.req.ToRegionID); err != nil {
		return err
	}
	if !parent.Range.StrictlyContains(t.req.WatershedKey) {
		return newError(CodeKeyInvalid, "split key %x outside region %d range %s",
			t.req.WatershedKey, parent.ID, parent.Range)
	}
	switch parent.State {
	case region.StateSplitting:
		return newError(CodeRegionSplitting, "region %d is already splitting", parent.ID)
	case region.StateNew, region.StateMerging, region.StateDeleting, region.StateDeleted:
		return newError(CodeRegionStateInvalid, "region %d is %s", parent.ID, parent.State)
	}
	return c.checkLeader(parent.ID)
}

func (t *splitTask) Run(ctx context.Context) error {
	if err := t.Validate(); err != nil {
		return err
	}
	batch := engine.NewWriteBatch()
	batch.Split(engine.SplitDatum{
		FromRegionID: t.req.FromRegionID,
		ToRegionID:   t.req.ToRegionID,
		SplitKey:     append([]byte(nil), t.req.WatershedKey...),
	})
	from := t.req.FromRegionID
	logger := t.ctl.logger
	err := t.ctl.deps.Engine.AsyncWrite(ctx, from, batch, func(err error) {
		if err != nil {
			logger.Error("split apply failed", zap.Uint64("region", uint64(from)), zap.Error(err))
		}
	})
	if err != nil {
		return newError(CodeEngineError, "propose split of region %d: %v", from, err)
	}
	return nil
}

type changePeerTask struct {
	ctl *Controller
	cmd *RegionCommand
	req *ChangePeerRequest
}

func (t *changePeerTask) PreValidate() error { return t.Validate() }

func (t *changePeerTask) Validate() error {
	id := t.req.Definition.ID
	r, err := t.ctl.region(id)
	if err != nil {
		return err
	}
	if r.State != region.StateNormal {
		return newError(CodeRegionStateInvalid, "region %d is %s", id, r.State)
	}
	return t.ctl.checkLeader(id)
}

func (t *changePeerTask) Run(ctx context.Context) error {
	if err := t.Validate(); err != nil {
		return err
	}
	c := t.ctl
	def := t.req.Definition
	voters := def.Voters()
	if rp, ok := c.replication(); ok {
		if err := rp.ChangeMembership(ctx, def.ID, voters); err != nil {
			return newError(CodeInternal, "change peers of region %d: %v", def.ID, err)
		}
	}
	if err := c.deps.Registry.UpdatePeers(def.ID, def.Peers); err != nil {
		return newError(CodeInternal, "record peers of region %d: %v", def.ID, err)
	}
	c.logger.Info("region peers changed", zap.Uint64("region", uint64(def.ID)), zap.Int("voters", len(voters)))
	return nil
}

type transferLeaderTask struct {
	ctl *Controller
	cmd *RegionCommand
	req *TransferLeaderRequest
}

func (t *transferLeaderTask) PreValidate() error { return t.Validate() }

func (t *transferLeaderTask) Validate() error {
	c := t.ctl
	r, err := c.region(t.cmd.RegionID)
	if err != nil {
		return err
	}
	if r.State != region.StateNormal {
		return newError(CodeRegionStateInvalid, "region %d is %s", r.ID, r.State)
	}
	peer := t.req.Peer
	if peer.StoreID == c.deps.StoreID {
		return newError(CodeAlreadyLeader, "store %d already hosts the leader of region %d", peer.StoreID, r.ID)
	}
	host, _, err := net.SplitHostPort(peer.Address)
	if err != nil {
		host = peer.Address
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		return newError(CodeInvalidParameters, "peer address %q is not routable", peer.Address)
	}
	return nil
}

func (t *transferLeaderTask) Run(ctx context.Context) error {
	if err := t.Validate(); err != nil {
		return err
	}
	c := t.ctl
	rp, ok := c.replication()
	if !ok {
		return nil
	}
	if err := rp.TransferLeadership(ctx, t.cmd.RegionID, t.req.Peer); err != nil {
		return newError(CodeInternal, "transfer leader of region %d: %v", t.cmd.RegionID, err)
	}
	c.logger.Info("leader transfer requested", zap.Uint64("region", uint64(t.cmd.RegionID)),
		zap.Uint64("peer", t.req.Peer.ID))
	return nil
}

type snapshotTask struct {
	ctl *Controller
	cmd *RegionCommand
	id  region.ID
}

func (t *snapshotTask) PreValidate() error { return t.Validate() }

func (t *snapshotTask) Validate() error {
	_, err := t.ctl.region(t.id)
	return err
}

func (t *snapshotTask) Run(ctx context.Context) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := t.ctl.deps.Engine.Snapshot(ctx, t.id); err != nil {
		return newError(CodeEngineError, "snapshot region %d: %v", t.id, err)
	}
	return nil
}

type purgeTask struct {
	ctl *Controller
	cmd *RegionCommand
	id  region.ID
}

func (t *purgeTask) PreValidate() error { return t.Validate() }

func (t *purgeTask) Validate() error {
	r, err := t.ctl.region(t.id)
	if err != nil {
		return err
	}
	if r.State != region.StateDeleted {
		return newError(CodeRegionNotDeleted, "region %d is %s", t.id, r.State)
	}
	return nil
}

func (t *purgeTask) Run(context.Context) error {
	if err := t.Validate(); err != nil {
		return err
	}
	if err := t.ctl.deps.Registry.DeleteRegion(t.id); err != nil {
		return newError(CodeInternal, "purge region %d: %v", t.id, err)
	}
	t.ctl.deps.Metrics.DeleteRegion(t.id)
	t.ctl.logger.Info("region purged", zap.Uint64("region", uint64(t.id)))
	return nil
}

type stopTask struct {
	ctl *Controller
	cmd *RegionCommand
	id  region.ID
}

func (t *stopTask) PreValidate() error { return t.Validate() }

func (t *stopTask) Validate() error {
	r, err := t.ctl.region(t.id)
	if err != nil {
		return err
	}
	if r.State != region.StateOrphan {
		return newError(CodeRegionStateInvalid, "region %d is %s, want ORPHAN", t.id, r.State)
	}
	return nil
}

func (t *stopTask) Run(ctx context.Context) error {
	if err := t.Validate(); err != nil {
		return err
	}
	rp, ok := t.ctl.replication()
	if !ok {
		return nil
	}
	if err := rp.StopGroup(ctx, t.id); err != nil {
		return newError(CodeInternal, "stop raft group of region %d: %v", t.id, err)
	}
	return nil
}

type destroyExecutorTask struct {
	ctl *Controller
	cmd *RegionCommand
	id  region.ID
}

func (t *destroyExecutorTask) PreValidate() error { return nil }

func (t *destroyExecutorTask) Validate() error {
	if t.ctl == nil {
		return newError(CodeInternal, "region controller is missing")
	}
	return nil
}

func (t *destroyExecutorTask) Run(context.Context) error {
	if err := t.Validate(); err != nil {
		return err
	}
	t.ctl.UnRegisterExecutor(t.id)
	return nil
}
