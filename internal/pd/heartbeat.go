// Package pd is the placement coordinator's view of the stores: it records
// the latest heartbeat of every store and the region replicas it reports.
package pd

import (
	"context"
	"time"

	"nyxkv/internal/region"
)

// RegionHeartbeat carries metadata about a region replica hosted on a store.
type RegionHeartbeat struct {
	Region  region.Region
	StoreID uint64
	PeerID  uint64
	Role    region.PeerRole
}

// StoreHeartbeat aggregates information reported by a store to PD.
type StoreHeartbeat struct {
	StoreID   uint64
	Address   string
	Regions   []RegionHeartbeat
	Timestamp time.Time
}

// StoreHeartbeatResponse conveys scheduling decisions back to the store.
type StoreHeartbeatResponse struct{}

// Heartbeater abstracts PD services that consume store heartbeats.
type Heartbeater interface {
	HandleHeartbeat(ctx context.Context, hb StoreHeartbeat) (StoreHeartbeatResponse, error)
}
