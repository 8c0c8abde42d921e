package regionctl

import (
	"context"
	"time"

	"nyxkv/internal/engine"
	"nyxkv/internal/region"

	"go.uber.org/zap"
)

// Registry is the store-local region metadata owner.
type Registry interface {
	GetRegion(id region.ID) (*region.Region, bool)
	AddRegion(r *region.Region) error
	UpdateState(id region.ID, state region.State) error
	UpdateRange(id region.ID, kr region.KeyRange) error
	UpdatePeers(id region.ID, peers []region.Peer) error
	DeleteRegion(id region.ID) error
	GetAllAliveRegions() []region.Region
}

// Engine is the storage engine surface the tasks need.
type Engine interface {
	DeleteRange(ctx context.Context, kr region.KeyRange) error
	Snapshot(ctx context.Context, id region.ID) error
	AsyncWrite(ctx context.Context, id region.ID, batch *engine.WriteBatch, cb func(error)) error
}

// GroupNode is the local member of a region's replication group.
type GroupNode interface {
	IsLeader() bool
	LeaderID() uint64
}

// ReplicatedGroupProvider is implemented by engines that replicate each
// region through its own consensus group.
type ReplicatedGroupProvider interface {
	AddGroup(ctx context.Context, r region.Region) error
	DestroyGroup(ctx context.Context, id region.ID) error
	StopGroup(ctx context.Context, id region.ID) error
	ChangeMembership(ctx context.Context, id region.ID, voters []region.Peer) error
	TransferLeadership(ctx context.Context, id region.ID, peer region.Peer) error
	GetNode(id region.ID) (GroupNode, bool)
}

// Notifier pushes an out-of-band store heartbeat to the coordinator.
type Notifier interface {
	TriggerStoreHeartbeat(id region.ID)
}

type nopNotifier struct{}

func (nopNotifier) TriggerStoreHeartbeat(region.ID) {}

// Deps wires the controller to its collaborators.
type Deps struct {
	// StoreID identifies the local store; used to reject self leader transfers.
	StoreID  uint64
	Ledger   *Ledger
	Registry Registry
	Engine   Engine
	Notifier Notifier
	Metrics  *Metrics
	Logger   *zap.Logger

	// Retention and CompactInterval drive periodic ledger compaction.
	// Compaction is off when either is unset.
	Retention       RetentionPolicy
	CompactInterval time.Duration
}
