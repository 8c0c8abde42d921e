package grpcserver

import (
	"fmt"

	"nyxkv/internal/region"
	"nyxkv/internal/regionctl"
	"nyxkv/pkg/api"
)

func peerFromAPI(p api.Peer) region.Peer {
	role := region.Voter
	if p.Learner {
		role = region.Learner
	}
	return region.Peer{ID: p.ID, StoreID: p.StoreID, Role: role, Address: p.Address}
}

func definitionFromAPI(d *api.RegionDefinition) region.Definition {
	def := region.Definition{
		ID: region.ID(d.ID),
		Range: region.KeyRange{
			Start: append([]byte(nil), d.StartKey...),
			End:   append([]byte(nil), d.EndKey...),
		},
		Epoch: region.Epoch{Version: d.Version, ConfVersion: d.ConfVersion},
	}
	for _, p := range d.Peers {
		def.Peers = append(def.Peers, peerFromAPI(p))
	}
	return def
}

func invalid(format string, args ...any) error {
	return &regionctl.Error{Code: regionctl.CodeInvalidParameters, Msg: fmt.Sprintf(format, args...)}
}

// commandFromAPI builds a ledger command from its wire form.
func commandFromAPI(in *api.RegionCmd) (*regionctl.RegionCommand, error) {
	if in == nil {
		return nil, invalid("command is nil")
	}
	typ, ok := regionctl.ParseCommandType(in.Type)
	if !ok {
		return nil, invalid("unknown command type %q", in.Type)
	}
	id := region.ID(in.RegionID)

	var payload regionctl.Payload
	switch typ {
	case regionctl.CommandCreate, regionctl.CommandChangePeer:
		if in.Definition == nil {
			return nil, invalid("%s command %d has no region definition", typ, in.ID)
		}
		def := definitionFromAPI(in.Definition)
		if typ == regionctl.CommandCreate {
			payload = &regionctl.CreateRequest{Definition: def, SplitFromRegionID: region.ID(in.SplitFromRegionID)}
		} else {
			payload = &regionctl.ChangePeerRequest{Definition: def}
		}
	case regionctl.CommandDelete:
		payload = &regionctl.DeleteRequest{RegionID: id}
	case regionctl.CommandSplit:
		payload = &regionctl.SplitRequest{
			FromRegionID: id,
			ToRegionID:   region.ID(in.SplitToRegionID),
			WatershedKey: append([]byte(nil), in.WatershedKey...),
		}
	case regionctl.CommandMerge:
		payload = &regionctl.MergeRequest{SourceRegionID: id, TargetRegionID: region.ID(in.MergeTargetRegionID)}
	case regionctl.CommandTransferLeader:
		if in.Peer == nil {
			return nil, invalid("TRANSFER_LEADER command %d has no target peer", in.ID)
		}
		payload = &regionctl.TransferLeaderRequest{Peer: peerFromAPI(*in.Peer)}
	case regionctl.CommandSnapshot:
		payload = &regionctl.SnapshotRequest{RegionID: id}
	case regionctl.CommandPurge:
		payload = &regionctl.PurgeRequest{RegionID: id}
	case regionctl.CommandStop:
		payload = &regionctl.StopRequest{RegionID: id}
	case regionctl.CommandDestroyExecutor:
		payload = &regionctl.DestroyExecutorRequest{RegionID: id}
	}
	return regionctl.NewCommand(in.ID, id, payload, in.Notify), nil
}

func errorToAPI(err error) *api.Error {
	if err == nil {
		return nil
	}
	code := regionctl.CodeOf(err)
	return &api.Error{Code: int32(code), Name: code.String(), Message: regionctl.MessageOf(err)}
}

func commandInfo(cmd *regionctl.RegionCommand) *api.RegionCmdInfo {
	return &api.RegionCmdInfo{
		ID:        cmd.ID,
		RegionID:  uint64(cmd.RegionID),
		Type:      cmd.Type.String(),
		Status:    cmd.Status.String(),
		Notify:    cmd.Notify,
		CreatedAt: cmd.CreatedAt.UnixNano(),
	}
}

func regionInfo(r region.Region) *api.RegionInfo {
	return &api.RegionInfo{
		ID:       uint64(r.ID),
		StartKey: r.Range.Start,
		EndKey:   r.Range.End,
		State:    r.State.String(),
		Leader:   r.Leader,
	}
}
