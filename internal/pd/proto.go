package pd

import (
	"fmt"
	"time"

	"nyxkv/internal/region"
	"nyxkv/pkg/api"
)

func APIToStoreHeartbeat(p *api.StoreHeartbeat) (StoreHeartbeat, error) {
	if p == nil {
		return StoreHeartbeat{}, fmt.Errorf("heartbeat is nil")
	}
	hb := StoreHeartbeat{
		StoreID:   p.StoreID,
		Address:   p.Address,
		Timestamp: time.UnixMilli(p.TimestampMs),
	}
	for _, r := range p.Regions {
		if r == nil {
			continue
		}
		state, ok := region.ParseState(r.State)
		if !ok {
			return StoreHeartbeat{}, fmt.Errorf("region %d has unknown state %q", r.RegionID, r.State)
		}
		role := region.Voter
		if r.Learner {
			role = region.Learner
		}
		hb.Regions = append(hb.Regions, RegionHeartbeat{
			Region: region.Region{
				ID:     region.ID(r.RegionID),
				Range:  region.KeyRange{Start: r.StartKey, End: r.EndKey},
				Epoch:  region.Epoch{Version: r.Version, ConfVersion: r.ConfVersion},
				State:  state,
				Leader: r.Leader,
			},
			StoreID: p.StoreID,
			PeerID:  r.PeerID,
			Role:    role,
		})
	}
	return hb, nil
}

func StoreHeartbeatToAPI(hb StoreHeartbeat) *api.StoreHeartbeat {
	regions := make([]*api.RegionReplica, 0, len(hb.Regions))
	for _, r := range hb.Regions {
		regions = append(regions, &api.RegionReplica{
			RegionID:    uint64(r.Region.ID),
			PeerID:      r.PeerID,
			StartKey:    r.Region.Range.Start,
			EndKey:      r.Region.Range.End,
			Version:     r.Region.Epoch.Version,
			ConfVersion: r.Region.Epoch.ConfVersion,
			State:       r.Region.State.String(),
			Learner:     r.Role == region.Learner,
			Leader:      r.Region.Leader,
		})
	}
	return &api.StoreHeartbeat{
		StoreID:     hb.StoreID,
		Address:     hb.Address,
		Regions:     regions,
		TimestampMs: hb.Timestamp.UnixMilli(),
	}
}
